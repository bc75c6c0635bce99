// Package substrate defines what the scheduling core needs from the
// distributed execution system it runs on. Consumers depend on the small
// interfaces; internal/master and internal/local implement all of them.
package substrate

import (
	"context"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
)

// Submission is one work unit plus its soft placement hint
type Submission struct {
	Unit chunkdist.WorkUnit
	Hint []string // workers preferred for this unit, possibly empty
}

// TaskHandle identifies a submitted task
type TaskHandle struct {
	ID   string
	Unit chunkdist.WorkUnit
}

// Completion reports the outcome of one task. Exactly one of Result and
// Err is set.
type Completion struct {
	Handle   TaskHandle
	Result   *chunkdist.PartialResult
	WorkerID string
	Err      error
}

// Failed reports whether the task's remote execution failed
func (c Completion) Failed() bool {
	return c.Err != nil
}

// Submitter queues work units for execution in one batched call
type Submitter interface {
	Submit(ctx context.Context, spec chunkdist.TaskSpec, subs []Submission) ([]TaskHandle, error)
}

// Streamer delivers completions of the given handles in arbitrary order,
// grouped in whatever batches are ready. The channel closes once every
// handle has completed or ctx is done.
type Streamer interface {
	AsCompleted(ctx context.Context, handles []TaskHandle) <-chan []Completion
}

// Canceler abandons tasks that have not completed. Best effort: a task may
// still finish after being cancelled.
type Canceler interface {
	Cancel(ctx context.Context, handles []TaskHandle) error
}

// KeyQuerier gathers every live worker's cached file identifiers. Workers
// that do not answer are reported as holding nothing.
type KeyQuerier interface {
	QueryAllKeys(ctx context.Context) map[string][]string
}

// TaskTable exposes the tasks each worker is currently processing, head of
// line first.
type TaskTable interface {
	LiveProcessingTable(ctx context.Context) (map[string][]string, error)
}

// Retirer asks the substrate to take workers out of service
type Retirer interface {
	Retire(ctx context.Context, workerIDs []string, mode protocol.RetireMode) error
}

// Substrate is the full execution system
type Substrate interface {
	Submitter
	Streamer
	Canceler
	KeyQuerier
	TaskTable
	Retirer
}
