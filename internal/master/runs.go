package master

import (
	"context"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/google/uuid"

	"pkg.jsn.cam/chunkdist/internal/driver"
	"pkg.jsn.cam/chunkdist/internal/planner"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
)

// SubmitRun validates and queues a run
func (m *Master) SubmitRun(req protocol.RunRequest) (string, error) {
	if err := driver.Validate(&req); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	runID := uuid.New().String()
	run := &protocol.Run{
		ID:          runID,
		Status:      protocol.RunStatusQueued,
		Request:     req,
		SubmittedAt: time.Now(),
	}

	m.runs[runID] = run
	m.runQueue = append(m.runQueue, runID)

	log.Printf("[MASTER] Run submitted: %s (%d files, analyzer: %s, queued at position %d)",
		runID, len(req.Files), req.Spec.Analyzer, len(m.runQueue))

	m.persistRun(run)
	m.persistQueue()

	// Start run if none running
	m.startNextRunIfReady()

	return runID, nil
}

// startNextRunIfReady starts the next queued run if no run is active
// (called with lock held)
func (m *Master) startNextRunIfReady() {
	if m.currentRunID != "" || len(m.runQueue) == 0 || m.ctx.Err() != nil {
		return
	}

	runID := m.runQueue[0]
	m.runQueue = m.runQueue[1:]
	m.currentRunID = runID

	run := m.runs[runID]
	run.Status = protocol.RunStatusRunning
	run.StartedAt = time.Now()

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelRun = cancel

	log.Printf("[MASTER] Starting run: %s", runID)

	m.persistRun(run)
	m.persistQueue()

	go m.executeRun(ctx, runID, run.Request)
}

// executeRun drives one run to completion and starts the next
func (m *Master) executeRun(ctx context.Context, runID string, req protocol.RunRequest) {
	result, err := m.runner.Run(ctx, driver.Request{
		RunRequest: req,
		OnPlan: func(p *planner.Plan) {
			m.mu.Lock()
			defer m.mu.Unlock()

			run := m.runs[runID]
			run.TotalItems = p.Total
			run.TasksTotal = len(p.Units)
			run.Skipped = p.Skipped
		},
		Progress: func(items, _ uint64, done, _ int) {
			m.mu.Lock()
			defer m.mu.Unlock()

			run := m.runs[runID]
			run.ItemsProcessed = items
			run.TasksDone = done
		},
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	run := m.runs[runID]
	run.Result = result
	run.CompletedAt = time.Now()

	switch {
	case run.Status == protocol.RunStatusCancelled:
		// CancelRun already recorded the outcome
	case err != nil:
		run.Status = protocol.RunStatusFailed
		run.Error = err.Error()
		log.Printf("[MASTER] Run %s failed: %v", runID, err)
	default:
		run.Status = protocol.RunStatusCompleted
		log.Printf("[MASTER] Run %s completed in %v (%d/%d items, %d failed tasks)",
			runID, run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond),
			result.ItemsProcessed, result.TotalItems, result.TasksFailed)
	}

	if m.currentRunID == runID {
		m.currentRunID = ""
		m.cancelRun = nil
	}

	m.persistRun(run)
	m.startNextRunIfReady()
}

// GetRun returns a copy of a run record
func (m *Master) GetRun(runID string) (protocol.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, exists := m.runs[runID]
	if !exists {
		return protocol.Run{}, fmt.Errorf("%w: %s", chunkdist.ErrRunNotFound, runID)
	}
	return *run, nil
}

// ListRuns returns all runs, oldest first
func (m *Master) ListRuns() []protocol.Run {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]protocol.Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, *run)
	}
	slices.SortFunc(runs, func(a, b protocol.Run) int {
		return a.SubmittedAt.Compare(b.SubmittedAt)
	})
	return runs
}

// CancelRun cancels a queued or running run. A running run stops
// consuming completions and its outstanding tasks are cancelled.
func (m *Master) CancelRun(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, exists := m.runs[runID]
	if !exists {
		return fmt.Errorf("%w: %s", chunkdist.ErrRunNotFound, runID)
	}

	switch run.Status {
	case protocol.RunStatusCancelled:
		return chunkdist.ErrRunAlreadyCancelled
	case protocol.RunStatusCompleted, protocol.RunStatusFailed:
		return fmt.Errorf("run already finished: %s", run.Status)
	}

	run.Status = protocol.RunStatusCancelled
	run.CompletedAt = time.Now()

	if m.currentRunID == runID {
		// executeRun clears the current run once the driver returns
		m.cancelRun()
	} else if i := slices.Index(m.runQueue, runID); i >= 0 {
		m.runQueue = slices.Delete(m.runQueue, i, i+1)
	}

	m.persistRun(run)
	m.persistQueue()

	log.Printf("[MASTER] Run cancelled: %s", runID)
	return nil
}

// restore loads runs from storage. Runs that were running when the
// master stopped are marked failed; queued runs are queued again.
func (m *Master) restore() error {
	log.Printf("[MASTER] Restoring state from storage...")

	runs, err := m.storage.Runs()
	if err != nil {
		return err
	}
	m.runs = runs

	for _, run := range runs {
		if run.Status == protocol.RunStatusRunning {
			run.Status = protocol.RunStatusFailed
			run.Error = "master restarted while the run was executing"
			run.CompletedAt = time.Now()
			m.persistRun(run)
		}
	}

	queue, err := m.storage.Queue()
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	// Persisted queues may be stale; only queued runs go back in
	m.runQueue = m.runQueue[:0]
	for _, id := range queue {
		if run, ok := m.runs[id]; ok && run.Status == protocol.RunStatusQueued {
			m.runQueue = append(m.runQueue, id)
		}
	}

	log.Printf("[MASTER] Restored %d runs (%d queued)", len(m.runs), len(m.runQueue))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.startNextRunIfReady()

	return nil
}

// persistRun saves a run record, logging failures (called with lock held)
func (m *Master) persistRun(run *protocol.Run) {
	if err := m.storage.PutRun(run); err != nil {
		log.Printf("[MASTER] Warning: Failed to persist run %s: %v", run.ID, err)
	}
}

// persistQueue saves the run queue, logging failures (called with lock held)
func (m *Master) persistQueue() {
	if err := m.storage.SetQueue(m.runQueue); err != nil {
		log.Printf("[MASTER] Warning: Failed to persist queue: %v", err)
	}
}
