package master

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pkg.jsn.cam/chunkdist/internal/worker"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
	"pkg.jsn.cam/chunkdist/pkg/storage"
)

func writeCSV(t *testing.T, name string, rows int) string {
	t.Helper()

	var b strings.Builder
	b.WriteString("pt\n")
	for i := 0; i < rows; i++ {
		b.WriteString("3\n")
	}

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

// serveTasks polls the master in-process the way a worker node polls over
// HTTP, until ctx is done
func serveTasks(ctx context.Context, m *Master, workerID string) {
	p := worker.NewProcessor(worker.NewSourceCache(worker.CacheConfig{}), workerID)

	for ctx.Err() == nil {
		a := m.GetNextTask(workerID)
		if a.Type != protocol.AssignmentChunk {
			time.Sleep(time.Millisecond)
			continue
		}

		req := protocol.TaskCompletionRequest{Version: a.Task.Version}
		if res, err := p.Process(ctx, a.Task.Unit, a.Task.Spec); err != nil {
			req.Error = err.Error()
		} else {
			req.Success = true
			req.Result = res
		}
		m.CompleteTask(a.Task.ID, workerID, req)
	}
}

func waitForRun(t *testing.T, m *Master, runID string) protocol.Run {
	t.Helper()

	var run protocol.Run
	require.Eventually(t, func() bool {
		r, err := m.GetRun(runID)
		if err != nil {
			return false
		}
		run = r
		return run.IsFinished()
	}, 10*time.Second, 5*time.Millisecond)

	return run
}

func TestSubmitRun_Executes(t *testing.T) {
	m := createTestMaster(t)
	registerWorker(t, m, "worker-1", 1)
	registerWorker(t, m, "worker-2", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serveTasks(ctx, m, "worker-1")
	go serveTasks(ctx, m, "worker-2")

	files := []string{writeCSV(t, "a.csv", 1000), writeCSV(t, "b.csv", 250), writeCSV(t, "c.csv", 999)}
	runID, err := m.SubmitRun(protocol.RunRequest{
		Files:     files,
		Spec:      chunkdist.TaskSpec{Analyzer: "sum", Options: map[string]string{"columns": "pt"}},
		ChunkSize: 250,
	})
	require.NoError(t, err)

	run := waitForRun(t, m, runID)
	require.Equal(t, protocol.RunStatusCompleted, run.Status, run.Error)
	require.Equal(t, uint64(2249), run.TotalItems)
	require.Equal(t, 9, run.TasksTotal)
	require.Equal(t, 9, run.TasksDone)
	require.Equal(t, uint64(2249), run.Result.ItemsProcessed)
	require.Equal(t, 3.0*2249, run.Result.Sums["pt"])
	require.Equal(t, 1.0, run.Request.TailSkip, "zero tail skip is stored as disabled")
}

func TestSubmitRun_Invalid(t *testing.T) {
	m := createTestMaster(t)

	_, err := m.SubmitRun(protocol.RunRequest{Spec: chunkdist.TaskSpec{Analyzer: "count"}, ChunkSize: 1})
	require.ErrorIs(t, err, chunkdist.ErrNoInputFiles)

	_, err = m.SubmitRun(protocol.RunRequest{Files: []string{"a.csv"}, Spec: chunkdist.TaskSpec{Analyzer: "nope"}, ChunkSize: 1})
	require.ErrorIs(t, err, chunkdist.ErrUnknownAnalyzer)

	require.Empty(t, m.ListRuns())
}

func TestSubmitRun_PlanFailure(t *testing.T) {
	m := createTestMaster(t)

	runID, err := m.SubmitRun(protocol.RunRequest{
		Files:     []string{filepath.Join(t.TempDir(), "missing.csv")},
		Spec:      chunkdist.TaskSpec{Analyzer: "count"},
		ChunkSize: 10,
	})
	require.NoError(t, err)

	run := waitForRun(t, m, runID)
	require.Equal(t, protocol.RunStatusFailed, run.Status)
	require.Contains(t, run.Error, "missing.csv")
}

func TestCancelRun(t *testing.T) {
	m := createTestMaster(t)
	path := writeCSV(t, "a.csv", 10)
	req := protocol.RunRequest{Files: []string{path}, Spec: chunkdist.TaskSpec{Analyzer: "count"}, ChunkSize: 5}

	// No workers, so the first run stays running and the second queued
	first, err := m.SubmitRun(req)
	require.NoError(t, err)
	second, err := m.SubmitRun(req)
	require.NoError(t, err)

	run, err := m.GetRun(second)
	require.NoError(t, err)
	require.Equal(t, protocol.RunStatusQueued, run.Status)

	require.NoError(t, m.CancelRun(second))
	require.ErrorIs(t, m.CancelRun(second), chunkdist.ErrRunAlreadyCancelled)

	require.Eventually(t, func() bool {
		return len(m.TaskCounts()) > 0
	}, 5*time.Second, 5*time.Millisecond, "first run dispatched its tasks")

	require.NoError(t, m.CancelRun(first))
	run = waitForRun(t, m, first)
	require.Equal(t, protocol.RunStatusCancelled, run.Status)

	require.Eventually(t, func() bool {
		return len(m.TaskCounts()) == 0
	}, 5*time.Second, 5*time.Millisecond, "outstanding tasks are cancelled")

	require.ErrorIs(t, m.CancelRun("missing"), chunkdist.ErrRunNotFound)

	_, err = m.GetRun("missing")
	require.ErrorIs(t, err, chunkdist.ErrRunNotFound)
	require.Len(t, m.ListRuns(), 2)
}

func TestRestore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "master.db")

	s, err := storage.OpenBolt(dbPath)
	require.NoError(t, err)

	now := time.Now()
	for _, run := range []*protocol.Run{
		{ID: "done", Status: protocol.RunStatusCompleted, SubmittedAt: now},
		{ID: "interrupted", Status: protocol.RunStatusRunning, SubmittedAt: now.Add(time.Second)},
		{ID: "waiting", Status: protocol.RunStatusQueued, SubmittedAt: now.Add(2 * time.Second),
			Request: protocol.RunRequest{Files: []string{"missing.csv"}, Spec: chunkdist.TaskSpec{Analyzer: "count"}, ChunkSize: 1, TailSkip: 1}},
	} {
		require.NoError(t, s.PutRun(run))
	}
	// Stale queue still lists the completed run
	require.NoError(t, s.SetQueue([]string{"done", "waiting"}))
	require.NoError(t, s.Close())

	m, err := NewMaster(Config{DBPath: dbPath})
	require.NoError(t, err)
	defer m.Close()

	run, err := m.GetRun("done")
	require.NoError(t, err)
	require.Equal(t, protocol.RunStatusCompleted, run.Status)

	run, err = m.GetRun("interrupted")
	require.NoError(t, err)
	require.Equal(t, protocol.RunStatusFailed, run.Status)
	require.NotEmpty(t, run.Error)

	// The queued run is started again; its file is missing so it fails fast
	run = waitForRun(t, m, "waiting")
	require.Equal(t, protocol.RunStatusFailed, run.Status)
	require.False(t, run.StartedAt.IsZero())

	ids := []string{}
	for _, r := range m.ListRuns() {
		ids = append(ids, r.ID)
	}
	require.Equal(t, []string{"done", "interrupted", "waiting"}, ids)
}
