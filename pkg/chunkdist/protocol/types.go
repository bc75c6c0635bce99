package protocol

import (
	"time"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
)

// TaskStatus represents the state of a task
type TaskStatus string

const (
	TaskStatusIdle       TaskStatus = "idle"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// AssignmentType tells a polling worker what to do next
type AssignmentType string

const (
	AssignmentChunk    AssignmentType = "chunk"
	AssignmentNone     AssignmentType = "none"
	AssignmentShutdown AssignmentType = "shutdown"
)

// RetireMode selects how a worker is retired
type RetireMode string

const (
	// RetireDrain stops handing out tasks and lets running ones finish
	RetireDrain RetireMode = "drain"
	// RetireKill requeues running tasks and drops the worker immediately
	RetireKill RetireMode = "kill"
)

// ChunkTask is one WorkUnit queued on the master
type ChunkTask struct {
	StartTime   time.Time          `json:"start_time"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`
	ID          string             `json:"id"`
	RunID       string             `json:"run_id"`
	Status      TaskStatus         `json:"status"`
	WorkerID    string             `json:"worker_id"`
	Version     string             `json:"version"` // for idempotency
	Unit        chunkdist.WorkUnit `json:"unit"`
	Spec        chunkdist.TaskSpec `json:"spec"`
	Hint        []string           `json:"hint,omitempty"` // soft placement preference
	RetryCount  int                `json:"retry_count"`
}

// Assignment is the reply to a worker polling for work
type Assignment struct {
	Task *ChunkTask     `json:"task,omitempty"`
	Type AssignmentType `json:"type"`
}

// WorkerRegistrationRequest is sent by workers to register with master
type WorkerRegistrationRequest struct {
	ClassAds     map[string]string `json:"classads,omitempty"`
	WorkerID     string            `json:"worker_id"`
	Version      string            `json:"version"`
	DataEndpoint string            `json:"data_endpoint"` // HTTP endpoint serving cache keys
	Slots        int               `json:"slots"`
}

// WorkerRegistrationResponse is returned to workers upon registration
type WorkerRegistrationResponse struct {
	WorkerID string `json:"worker_id"`
	Error    string `json:"error,omitempty"`
	Success  bool   `json:"success"`
}

// TaskCompletionRequest is sent by workers when they finish a chunk
type TaskCompletionRequest struct {
	Result  *chunkdist.PartialResult `json:"result,omitempty"`
	Error   string                   `json:"error,omitempty"`
	Version string                   `json:"version"`
	Success bool                     `json:"success"`
}

// TaskCompletionResponse acknowledges task completion
type TaskCompletionResponse struct {
	Message      string `json:"message,omitempty"`
	Acknowledged bool   `json:"acknowledged"`
}

// HeartbeatRequest is sent periodically by workers to master
type HeartbeatRequest struct {
	Timestamp        time.Time `json:"timestamp"`
	NumCachedSources int       `json:"num_cached_sources"`
}

// HeartbeatResponse acknowledges the heartbeat. Cancel lists running
// tasks the worker should abandon; Kill abandons all of them and stops it.
type HeartbeatResponse struct {
	OK     bool     `json:"ok"`
	Retire bool     `json:"retire,omitempty"`
	Kill   bool     `json:"kill,omitempty"`
	Cancel []string `json:"cancel,omitempty"`
}

// CancelTasksRequest is pushed by master to a worker's data server
type CancelTasksRequest struct {
	TaskIDs []string `json:"task_ids,omitempty"`
	Kill    bool     `json:"kill,omitempty"`
}

// CancelTasksResponse reports how many running tasks were stopped
type CancelTasksResponse struct {
	Cancelled int `json:"cancelled"`
}

// CacheKeysResponse lists the file identifiers a worker holds open
type CacheKeysResponse struct {
	WorkerID string   `json:"worker_id"`
	Keys     []string `json:"keys"`
	Capacity int      `json:"capacity"`
}

// WorkerStats is served by a worker's data server
type WorkerStats struct {
	WorkerID         string            `json:"worker_id"`
	NumCachedSources int               `json:"num_cached_sources"`
	CacheCapacity    int               `json:"cache_capacity"`
	CacheHits        uint64            `json:"cache_hits"`
	CacheMisses      uint64            `json:"cache_misses"`
	TasksDone        uint64            `json:"tasks_done"`
	ClassAds         map[string]string `json:"classads,omitempty"`
}

// WorkerInfo describes a registered worker for listings
type WorkerInfo struct {
	LastHeartbeat    time.Time  `json:"last_heartbeat"`
	ID               string     `json:"id"`
	DataEndpoint     string     `json:"data_endpoint"`
	Machine          string     `json:"machine,omitempty"`
	Retiring         RetireMode `json:"retiring,omitempty"`
	RunningTasks     []string   `json:"running_tasks,omitempty"`
	Slots            int        `json:"slots"`
	NumCachedSources int        `json:"num_cached_sources"`
	Online           bool       `json:"online"`
}

// LiveTableResponse is the master's currently-processing table
type LiveTableResponse struct {
	Processing map[string][]string `json:"processing"`
}

// RetireRequest asks the master to retire workers
type RetireRequest struct {
	WorkerIDs []string   `json:"worker_ids"`
	Mode      RetireMode `json:"mode"`
}

// HealthResponse indicates node health
type HealthResponse struct {
	Status string `json:"status"`
}
