package worker

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"pkg.jsn.cam/chunkdist/internal/source"
	"pkg.jsn.cam/chunkdist/pkg/analyzers"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
)

// Processor executes work units against a worker's source cache
type Processor struct {
	cache     *SourceCache
	workerID  string
	tasksDone atomic.Uint64
}

// NewProcessor creates a new chunk processor
func NewProcessor(cache *SourceCache, workerID string) *Processor {
	return &Processor{
		cache:    cache,
		workerID: workerID,
	}
}

// Process runs the analyzer named by spec over the items of unit
func (p *Processor) Process(ctx context.Context, unit chunkdist.WorkUnit, spec chunkdist.TaskSpec) (*chunkdist.PartialResult, error) {
	analyzer, err := analyzers.Get(spec.Analyzer)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, spec.Analyzer)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()

	h, err := p.cache.LookupOrOpen(ctx, unit.FileID, spec.TreeName)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	var items uint64
	rows := func(fn func(analyzers.Record) error) error {
		return h.Rows(ctx, unit.Start, unit.Stop, func(r source.Record) error {
			items++
			if items%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			return fn(r)
		})
	}

	fields, err := analyzer.Analyze(ctx, spec.Options, rows)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", spec.Analyzer, unit, err)
	}

	p.tasksDone.Add(1)

	result := &chunkdist.PartialResult{
		Fields:         fields,
		ItemsProcessed: items,
		StartTime:      start,
		StopTime:       time.Now(),
		WorkerID:       p.workerID,
	}

	log.Printf("[WORKER:%s] Processed %s with %s (%d items in %v)",
		p.workerID, unit, spec.Analyzer, items, result.Duration().Round(time.Millisecond))

	return result, nil
}

// TasksDone returns the number of units processed successfully
func (p *Processor) TasksDone() uint64 {
	return p.tasksDone.Load()
}
