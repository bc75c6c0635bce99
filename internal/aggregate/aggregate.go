// Package aggregate consumes task completions as they arrive and merges
// them into one result, stopping early once enough of the run is done.
package aggregate

import (
	"context"
	"log"
	"time"

	"pkg.jsn.cam/chunkdist/internal/substrate"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
)

// DefaultCancelTimeout bounds the background cancellation of outstanding tasks
const DefaultCancelTimeout = 30 * time.Second

// ProgressFunc observes the run after every completion batch
type ProgressFunc func(itemsDone, totalItems uint64, tasksDone, tasksTotal int)

// Substrate is what the aggregator needs from the execution system
type Substrate interface {
	substrate.Streamer
	substrate.Canceler
}

// Config configures an Aggregator
type Config struct {
	Substrate     Substrate
	Progress      ProgressFunc  // optional
	CancelTimeout time.Duration // default 30s
}

// Aggregator is the sole consumer of a run's completion stream
type Aggregator struct {
	sub           Substrate
	progress      ProgressFunc
	cancelTimeout time.Duration
}

// New creates an aggregator
func New(cfg Config) *Aggregator {
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = DefaultCancelTimeout
	}

	return &Aggregator{
		sub:           cfg.Substrate,
		progress:      cfg.Progress,
		cancelTimeout: cfg.CancelTimeout,
	}
}

// run is the state of one Run call
type run struct {
	result  *chunkdist.AggregatedResult
	pending map[string]substrate.TaskHandle
}

// Run merges completions of handles until all have completed, or until a
// batch pushes completed/submitted to tailSkip when tailSkip < 1. The
// remaining tasks are then cancelled in the background and later
// completions are never read.
//
// Failed tasks count as completed for the ratio and are listed in the
// result. On ctx cancellation Run returns what was merged so far together
// with ctx.Err().
func (a *Aggregator) Run(ctx context.Context, handles []substrate.TaskHandle, totalItems uint64, tailSkip float64) (*chunkdist.AggregatedResult, error) {
	if !(tailSkip > 0 && tailSkip <= 1) {
		return nil, chunkdist.ErrInvalidTailSkip
	}

	start := time.Now()
	r := &run{
		result: &chunkdist.AggregatedResult{
			Fields:         chunkdist.NewFields(),
			TotalItems:     totalItems,
			TasksSubmitted: len(handles),
		},
		pending: make(map[string]substrate.TaskHandle, len(handles)),
	}
	for _, h := range handles {
		r.pending[h.ID] = h
	}

	if len(r.pending) == 0 {
		return r.finish(start), nil
	}

	// Stops the substrate's feed once we stop reading
	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()

	batches := a.sub.AsCompleted(streamCtx, handles)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[AGGREGATE] Interrupted with %d/%d tasks completed", r.result.TasksCompleted, len(handles))
			a.cancelOutstanding(ctx, r)
			return r.finish(start), ctx.Err()

		case batch, ok := <-batches:
			if !ok {
				if err := ctx.Err(); err != nil {
					a.cancelOutstanding(ctx, r)
					return r.finish(start), err
				}
				if len(r.pending) > 0 {
					log.Printf("[AGGREGATE] Completion stream ended with %d tasks outstanding", len(r.pending))
				}
				return r.finish(start), nil
			}

			r.consume(batch)
			if a.progress != nil {
				a.progress(r.result.ItemsProcessed, totalItems, r.result.TasksCompleted, len(handles))
			}

			if len(r.pending) == 0 {
				return r.finish(start), nil
			}

			ratio := float64(r.result.TasksCompleted) / float64(len(handles))
			if tailSkip < 1 && ratio >= tailSkip {
				log.Printf("[AGGREGATE] Tail-skip at %d/%d tasks (%.2f >= %.2f), cancelling %d",
					r.result.TasksCompleted, len(handles), ratio, tailSkip, len(r.pending))
				r.result.TailSkipped = true
				a.cancelOutstanding(ctx, r)
				return r.finish(start), nil
			}
		}
	}
}

// consume folds one batch into the result. Completions for handles that
// are unknown or already seen are discarded.
func (r *run) consume(batch []substrate.Completion) {
	for _, c := range batch {
		if _, ok := r.pending[c.Handle.ID]; !ok {
			r.result.TasksDiscarded++
			continue
		}
		delete(r.pending, c.Handle.ID)
		r.result.TasksCompleted++

		if c.Failed() || c.Result == nil {
			msg := "missing result"
			if c.Err != nil {
				msg = c.Err.Error()
			}
			r.result.TasksFailed++
			r.result.Failures = append(r.result.Failures, chunkdist.TaskFailure{
				TaskID:   c.Handle.ID,
				Unit:     c.Handle.Unit,
				WorkerID: c.WorkerID,
				Error:    msg,
			})
			continue
		}

		r.result.Add(c.Result)
	}
}

func (r *run) finish(start time.Time) *chunkdist.AggregatedResult {
	res := r.result
	res.WallClock = time.Since(start)
	if secs := res.WallClock.Seconds(); secs > 0 {
		res.Throughput = float64(res.ItemsProcessed) / secs
	}

	log.Printf("[AGGREGATE] Merged %d/%d tasks (%d failed, %d discarded), %d items in %s",
		res.TasksCompleted-res.TasksFailed, res.TasksSubmitted, res.TasksFailed, res.TasksDiscarded,
		res.ItemsProcessed, res.WallClock.Round(time.Millisecond))

	return res
}

// cancelOutstanding asks the substrate to abandon every pending task
// without waiting for it
func (a *Aggregator) cancelOutstanding(ctx context.Context, r *run) {
	if len(r.pending) == 0 {
		return
	}

	outstanding := make([]substrate.TaskHandle, 0, len(r.pending))
	for _, h := range r.pending {
		outstanding = append(outstanding, h)
	}

	go func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cancelTimeout)
		defer cancel()

		if err := a.sub.Cancel(cctx, outstanding); err != nil {
			log.Printf("[AGGREGATE] Cancel of %d outstanding tasks failed: %v", len(outstanding), err)
		}
	}()
}
