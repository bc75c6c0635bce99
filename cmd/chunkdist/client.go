package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"pkg.jsn.cam/chunkdist/internal/driver"
	"pkg.jsn.cam/chunkdist/internal/local"
	"pkg.jsn.cam/chunkdist/internal/planner"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
	"pkg.jsn.cam/chunkdist/pkg/httpx"
)

// The CLI decodes error bodies too, so 4xx answers carry their message
var api = httpx.NewClient(30*time.Second,
	http.StatusOK, http.StatusCreated, http.StatusBadRequest, http.StatusNotFound)

func getJSON(url string, v any) (int, error) {
	return api.GetJSON(context.Background(), url, v)
}

func postJSON(url string, body, v any) (int, error) {
	return api.PostJSON(context.Background(), url, body, v)
}

func newProgressBar(desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowIts(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// runLocal executes a run on in-process workers
func runLocal(ctx context.Context, req protocol.RunRequest, workers int) error {
	cluster := local.New(local.Config{Workers: workers})
	defer cluster.Close()

	runner := driver.New(driver.Config{Substrate: cluster})
	bar := newProgressBar("chunks")

	result, err := runner.Run(ctx, driver.Request{
		RunRequest: req,
		OnPlan: func(p *planner.Plan) {
			bar.ChangeMax64(int64(p.Total))
			for _, f := range p.Skipped {
				fmt.Fprintf(os.Stderr, "skipped unreadable file %s\n", f)
			}
		},
		Progress: func(items, _ uint64, _, _ int) {
			_ = bar.Set64(int64(items))
		},
	})
	_ = bar.Finish()

	if result != nil {
		printResult(result)
	}
	return err
}

func submitRunHTTP(masterURL string, req protocol.RunRequest) (string, error) {
	var resp protocol.RunSubmitResponse
	if _, err := postJSON(masterURL+"/api/runs", req, &resp); err != nil {
		return "", fmt.Errorf("failed to submit run: %w", err)
	}

	if resp.Status == "error" {
		return "", fmt.Errorf("run submission failed: %s", resp.Message)
	}

	fmt.Printf("Run submitted: %s\n", resp.RunID)
	return resp.RunID, nil
}

// waitForRunHTTP polls a run until it finishes, drawing its progress
func waitForRunHTTP(ctx context.Context, masterURL, runID string) error {
	bar := newProgressBar("run " + runID[:8])
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		var run protocol.Run
		if _, err := getJSON(masterURL+"/api/runs/"+runID, &run); err != nil {
			return fmt.Errorf("failed to get run status: %w", err)
		}

		if run.TotalItems > 0 {
			bar.ChangeMax64(int64(run.TotalItems))
		}
		_ = bar.Set64(int64(run.ItemsProcessed))

		if run.IsFinished() {
			_ = bar.Finish()
			printRun(run)
			if run.Status == protocol.RunStatusFailed {
				return fmt.Errorf("run failed: %s", run.Error)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			_ = bar.Exit()
			fmt.Printf("\nStopped waiting; the run continues. Cancel it with: chunkdist cancel -run %s\n", runID)
			return nil
		case <-ticker.C:
		}
	}
}

func listRunsHTTP(masterURL string) error {
	var resp protocol.RunListResponse
	if _, err := getJSON(masterURL+"/api/runs", &resp); err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(resp.Runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("%-36s %-10s %-8s %-22s %s\n", "RUN ID", "STATUS", "ANALYZER", "ITEMS", "SUBMITTED")
	fmt.Println("─────────────────────────────────────────────────────────────────────────────────────────────")
	for _, run := range resp.Runs {
		fmt.Printf("%-36s %-10s %-8s %-22s %s\n",
			run.ID,
			run.Status,
			run.Request.Spec.Analyzer,
			humanize.Comma(int64(run.ItemsProcessed))+"/"+humanize.Comma(int64(run.TotalItems)),
			humanize.Time(run.SubmittedAt))
	}
	return nil
}

func getRunStatusHTTP(masterURL, runID string) error {
	var run protocol.Run
	status, err := getJSON(masterURL+"/api/runs/"+runID, &run)
	if status == http.StatusNotFound {
		return fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return fmt.Errorf("failed to get run status: %w", err)
	}

	printRun(run)
	return nil
}

func cancelRunHTTP(masterURL, runID string) error {
	var resp protocol.RunCancelResponse
	if _, err := postJSON(masterURL+"/api/runs/"+runID+"/cancel", struct{}{}, &resp); err != nil {
		return fmt.Errorf("failed to cancel run: %w", err)
	}

	if !resp.Success {
		return fmt.Errorf("failed to cancel run: %s", resp.Message)
	}

	fmt.Printf("Run cancelled successfully: %s\n", runID)
	return nil
}

func listWorkersHTTP(masterURL string) error {
	var resp struct {
		Workers []protocol.WorkerInfo `json:"workers"`
	}
	if _, err := getJSON(masterURL+"/api/workers", &resp); err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}

	if len(resp.Workers) == 0 {
		fmt.Println("No workers registered")
		return nil
	}

	fmt.Printf("%-36s %-7s %-8s %-6s %-7s %s\n", "WORKER ID", "ONLINE", "RETIRING", "SLOTS", "CACHED", "LAST HEARTBEAT")
	fmt.Println("─────────────────────────────────────────────────────────────────────────────────────────")
	for _, w := range resp.Workers {
		fmt.Printf("%-36s %-7t %-8s %-6d %-7d %s\n",
			w.ID, w.Online, w.Retiring, w.Slots, w.NumCachedSources, humanize.Time(w.LastHeartbeat))
	}
	return nil
}

func retireWorkersHTTP(masterURL string, ids []string, mode protocol.RetireMode) error {
	var resp map[string]any
	status, err := postJSON(masterURL+"/api/workers/retire", protocol.RetireRequest{WorkerIDs: ids, Mode: mode}, &resp)
	if err != nil {
		return fmt.Errorf("failed to retire workers: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to retire workers: %v", resp["error"])
	}

	fmt.Printf("Retiring %d workers (%s)\n", len(ids), mode)
	return nil
}

func printRun(run protocol.Run) {
	fmt.Printf("Run Details:\n")
	fmt.Printf("  ID:          %s\n", run.ID)
	fmt.Printf("  Status:      %s\n", run.Status)
	fmt.Printf("  Analyzer:    %s\n", run.Request.Spec.Analyzer)
	fmt.Printf("  Files:       %d\n", len(run.Request.Files))
	fmt.Printf("  Chunk Size:  %s items\n", humanize.Comma(int64(run.Request.ChunkSize)))
	fmt.Printf("  Submitted:   %s\n", run.SubmittedAt.Format("2006-01-02 15:04:05"))

	if !run.StartedAt.IsZero() {
		fmt.Printf("  Started:     %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if !run.CompletedAt.IsZero() && !run.StartedAt.IsZero() {
		fmt.Printf("  Duration:    %v\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}

	fmt.Printf("\nProgress:\n")
	fmt.Printf("  Chunks:      %d/%d\n", run.TasksDone, run.TasksTotal)
	fmt.Printf("  Items:       %s/%s\n", humanize.Comma(int64(run.ItemsProcessed)), humanize.Comma(int64(run.TotalItems)))

	for _, f := range run.Skipped {
		fmt.Printf("  Skipped:     %s\n", f)
	}
	if run.Error != "" {
		fmt.Printf("\nError: %s\n", run.Error)
	}
	if run.Result != nil {
		fmt.Println()
		printResult(run.Result)
	}
}

func printResult(r *chunkdist.AggregatedResult) {
	fmt.Printf("Result:\n")
	fmt.Printf("  Items:       %s of %s\n", humanize.Comma(int64(r.ItemsProcessed)), humanize.Comma(int64(r.TotalItems)))
	fmt.Printf("  Chunks:      %d/%d completed, %d failed\n", r.TasksCompleted, r.TasksSubmitted, r.TasksFailed)
	fmt.Printf("  Wall clock:  %v\n", r.WallClock.Round(time.Millisecond))
	fmt.Printf("  Throughput:  %s\n", humanize.SIWithDigits(r.Throughput, 1, "items/s"))
	if r.TailSkipped {
		fmt.Printf("  Tail-skip:   stopped early, outstanding chunks cancelled\n")
	}

	for _, name := range sortedKeys(r.Counters) {
		fmt.Printf("  %-20s %s\n", name, humanize.Comma(r.Counters[name]))
	}
	for _, name := range sortedKeys(r.Sums) {
		fmt.Printf("  %-20s %g\n", "sum("+name+")", r.Sums[name])
	}
	for _, name := range sortedKeys(r.Sequences) {
		fmt.Printf("  %-20s %s values\n", "seq("+name+")", humanize.Comma(int64(len(r.Sequences[name]))))
	}

	for _, f := range r.Failures {
		fmt.Printf("  failed %s on %s: %s\n", f.Unit, f.WorkerID, f.Error)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
