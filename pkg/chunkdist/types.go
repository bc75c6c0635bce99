package chunkdist

import (
	"fmt"
	"time"
)

// WorkUnit is a contiguous range of items [Start, Stop) within one input file.
// It is the unit of dispatch and is never mutated once planned.
type WorkUnit struct {
	FileID string `json:"file_id"`
	Start  uint64 `json:"start"`
	Stop   uint64 `json:"stop"` // exclusive
}

// Len returns the number of items covered by the unit
func (u WorkUnit) Len() uint64 {
	return u.Stop - u.Start
}

func (u WorkUnit) String() string {
	return fmt.Sprintf("%s[%d:%d)", u.FileID, u.Start, u.Stop)
}

// TaskSpec names the analyzer a worker runs over each WorkUnit
type TaskSpec struct {
	Analyzer string            `json:"analyzer"`
	Options  map[string]string `json:"options,omitempty"`
	TreeName string            `json:"tree_name,omitempty"`
}

// PartialResult is produced by a worker for one completed WorkUnit
type PartialResult struct {
	Fields
	ItemsProcessed uint64    `json:"items_processed"`
	StartTime      time.Time `json:"start_time"`
	StopTime       time.Time `json:"stop_time"`
	WorkerID       string    `json:"worker_id"`
}

// Duration returns how long the worker spent on the unit
func (p *PartialResult) Duration() time.Duration {
	return p.StopTime.Sub(p.StartTime)
}

// TaskFailure records a task whose remote execution failed
type TaskFailure struct {
	TaskID   string   `json:"task_id"`
	Unit     WorkUnit `json:"unit"`
	WorkerID string   `json:"worker_id,omitempty"`
	Error    string   `json:"error"`
}

// AggregatedResult is the merge of every PartialResult observed before
// the run stopped consuming completions.
type AggregatedResult struct {
	Fields
	ItemsProcessed uint64        `json:"items_processed"`
	TotalItems     uint64        `json:"total_items"`
	TasksSubmitted int           `json:"tasks_submitted"`
	TasksCompleted int           `json:"tasks_completed"` // includes failed tasks
	TasksFailed    int           `json:"tasks_failed"`
	TasksDiscarded int           `json:"tasks_discarded"`
	TailSkipped    bool          `json:"tail_skipped"`
	WallClock      time.Duration `json:"wall_clock"`
	Throughput     float64       `json:"throughput"` // items per second
	Failures       []TaskFailure `json:"failures,omitempty"`
}

// Add merges one successful partial result into the aggregate
func (a *AggregatedResult) Add(p *PartialResult) {
	a.Merge(p.Fields)
	a.ItemsProcessed += p.ItemsProcessed
}
