package chunkdist

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions
var (
	// Planning errors
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrInvalidChunkSize  = errors.New("invalid chunk size")
	ErrNoInputFiles      = errors.New("no input files")

	// Execution errors
	ErrTaskFailed          = errors.New("task failed")
	ErrRegistryUnreachable = errors.New("registry unreachable")
	ErrMonitorTransient    = errors.New("monitor tick failed")
	ErrInvalidTailSkip     = errors.New("tail-skip fraction must be in (0, 1]")

	// Analyzer errors
	ErrUnknownAnalyzer = errors.New("unknown analyzer")

	// Run errors
	ErrRunNotFound         = errors.New("run not found")
	ErrRunAlreadyCancelled = errors.New("run already cancelled")

	// Version/compatibility errors
	ErrIncompatibleVersion = errors.New("incompatible version")

	// HTTP/Network errors
	ErrRegistrationFailed = errors.New("registration failed")
	ErrGetTaskFailed      = errors.New("get task failed")
	ErrCompleteTaskFailed = errors.New("complete task failed")
	ErrHeartbeatFailed    = errors.New("heartbeat failed")
	ErrWorkerUnreachable  = errors.New("worker unreachable")
)

// SourceError identifies the file whose row count or open failed
type SourceError struct {
	FileID string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrSourceUnavailable, e.FileID, e.Err)
}

func (e *SourceError) Unwrap() []error {
	return []error{ErrSourceUnavailable, e.Err}
}

// TaskError is the failure of one chunk's remote execution
type TaskError struct {
	TaskID string
	Unit   WorkUnit
	Msg    string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: task %s (%s): %s", ErrTaskFailed, e.TaskID, e.Unit, e.Msg)
}

func (e *TaskError) Unwrap() error {
	return ErrTaskFailed
}
