package protocol

import (
	"time"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
)

// RunStatus represents the current state of a run
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunRequest describes a batch of files to analyze across the cluster
type RunRequest struct {
	Files        []string           `json:"files"`
	Spec         chunkdist.TaskSpec `json:"spec"`
	ChunkSize    uint64             `json:"chunk_size"`
	TailSkip     float64            `json:"tail_skip"` // 1.0 disables tail-skip
	SkipBadFiles bool               `json:"skip_bad_files"`
	UseAffinity  bool               `json:"use_affinity"`
}

// Run is a submitted RunRequest and its progress
type Run struct {
	SubmittedAt time.Time                   `json:"submitted_at"`
	StartedAt   time.Time                   `json:"started_at,omitempty"`
	CompletedAt time.Time                   `json:"completed_at,omitempty"`
	Result      *chunkdist.AggregatedResult `json:"result,omitempty"`
	ID          string                      `json:"id"`
	Status      RunStatus                   `json:"status"`
	Error       string                      `json:"error,omitempty"`
	Skipped     []string                    `json:"skipped,omitempty"`
	Request     RunRequest                  `json:"request"`

	// Progress
	TotalItems     uint64 `json:"total_items"`
	ItemsProcessed uint64 `json:"items_processed"`
	TasksTotal     int    `json:"tasks_total"`
	TasksDone      int    `json:"tasks_done"`
}

// IsFinished reports whether the run reached a terminal status
func (r *Run) IsFinished() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunSubmitResponse is returned after submitting a run
type RunSubmitResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// RunListResponse returns a list of runs
type RunListResponse struct {
	Runs []Run `json:"runs"`
}

// RunCancelResponse is returned after cancelling a run
type RunCancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
