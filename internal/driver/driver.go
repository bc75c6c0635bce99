// Package driver runs one batch end to end: plan, dispatch, then aggregate.
package driver

import (
	"context"
	"fmt"
	"log"
	"sync"

	"pkg.jsn.cam/chunkdist/internal/aggregate"
	"pkg.jsn.cam/chunkdist/internal/dispatch"
	"pkg.jsn.cam/chunkdist/internal/planner"
	"pkg.jsn.cam/chunkdist/internal/source"
	"pkg.jsn.cam/chunkdist/internal/substrate"
	"pkg.jsn.cam/chunkdist/pkg/analyzers"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
)

// Request is one batch to run
type Request struct {
	protocol.RunRequest

	// Optional observers
	OnPlan   func(*planner.Plan)
	Progress aggregate.ProgressFunc
}

// Config configures a Runner
type Config struct {
	Substrate      substrate.Substrate
	Counter        source.Counter // default source.Registry
	PlannerWorkers int
}

// Runner drives batches against one substrate. Plans are memoized per
// tree name across runs.
type Runner struct {
	sub        substrate.Substrate
	counter    source.Counter
	workers    int
	dispatcher *dispatch.Dispatcher

	mu       sync.Mutex
	planners map[string]*planner.Planner
}

// New creates a runner
func New(cfg Config) *Runner {
	if cfg.Counter == nil {
		cfg.Counter = source.Registry{}
	}

	return &Runner{
		sub:        cfg.Substrate,
		counter:    cfg.Counter,
		workers:    cfg.PlannerWorkers,
		dispatcher: dispatch.New(cfg.Substrate),
		planners:   make(map[string]*planner.Planner),
	}
}

func (r *Runner) planner(treeName string) *planner.Planner {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.planners[treeName]
	if !ok {
		p = planner.New(planner.Config{Counter: r.counter, TreeName: treeName, Workers: r.workers})
		r.planners[treeName] = p
	}
	return p
}

// Validate checks a request before any work is done. A zero TailSkip
// means no tail-skip.
func Validate(req *protocol.RunRequest) error {
	if len(req.Files) == 0 {
		return chunkdist.ErrNoInputFiles
	}
	if req.ChunkSize == 0 {
		return chunkdist.ErrInvalidChunkSize
	}
	if !analyzers.IsValid(req.Spec.Analyzer) {
		return fmt.Errorf("%w: %s", chunkdist.ErrUnknownAnalyzer, req.Spec.Analyzer)
	}
	if req.TailSkip == 0 {
		req.TailSkip = 1
	}
	if !(req.TailSkip > 0 && req.TailSkip <= 1) {
		return chunkdist.ErrInvalidTailSkip
	}
	return nil
}

// Run plans the files, submits every unit and merges completions
func (r *Runner) Run(ctx context.Context, req Request) (*chunkdist.AggregatedResult, error) {
	if err := Validate(&req.RunRequest); err != nil {
		return nil, err
	}

	plan, err := r.planner(req.Spec.TreeName).Plan(ctx, req.Files, req.ChunkSize, req.SkipBadFiles)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	if req.OnPlan != nil {
		req.OnPlan(plan)
	}

	handles, err := r.dispatcher.Dispatch(ctx, req.Spec, plan.Units, req.UseAffinity)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	agg := aggregate.New(aggregate.Config{Substrate: r.sub, Progress: req.Progress})

	result, err := agg.Run(ctx, handles, plan.Total, req.TailSkip)
	if err != nil {
		return result, err
	}

	log.Printf("[DRIVER] Run finished: %d/%d items, %d failed tasks, %.0f items/s",
		result.ItemsProcessed, result.TotalItems, result.TasksFailed, result.Throughput)

	return result, nil
}
