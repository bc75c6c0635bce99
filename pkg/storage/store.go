// Package storage persists the master's run records and the queue of runs
// waiting to start. Records are JSON compressed with lz4.
package storage

import (
	"log"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
)

// RunStore holds run records by ID and the order queued runs start in
type RunStore interface {
	// PutRun stores or replaces a run record
	PutRun(run *protocol.Run) error
	// Runs returns every stored run. Corrupt records are skipped.
	Runs() (map[string]*protocol.Run, error)
	// DeleteRun drops a run and its queue entries
	DeleteRun(runID string) error

	// SetQueue replaces the stored queue
	SetQueue(runIDs []string) error
	Queue() ([]string, error)

	Close() error
}

var (
	_ RunStore = (*BoltStore)(nil)
	_ RunStore = (*MemoryStore)(nil)
)

// decodeRun adds the run encoded in data to runs, logging records that
// fail to decode
func decodeRun(runs map[string]*protocol.Run, runID string, data []byte) {
	var run protocol.Run
	if err := DecodeRecord(data, &run); err != nil {
		log.Printf("[STORAGE] Warning: Skipping run %s: %v", runID, err)
		return
	}
	runs[runID] = &run
}
