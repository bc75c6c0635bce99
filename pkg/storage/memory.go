package storage

import (
	"slices"
	"sync"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
)

// MemoryStore is a RunStore that forgets everything on exit. It keeps
// encoded records, so runs it returns never alias the caller's.
type MemoryStore struct {
	mu    sync.Mutex
	runs  map[string][]byte
	queue []string
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string][]byte)}
}

func (s *MemoryStore) PutRun(run *protocol.Run) error {
	data, err := EncodeRecord(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = data
	return nil
}

func (s *MemoryStore) Runs() (map[string]*protocol.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make(map[string]*protocol.Run, len(s.runs))
	for id, data := range s.runs {
		decodeRun(runs, id, data)
	}
	return runs, nil
}

func (s *MemoryStore) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, runID)
	s.queue = slices.DeleteFunc(s.queue, func(id string) bool { return id == runID })
	return nil
}

func (s *MemoryStore) SetQueue(runIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = slices.Clone(runIDs)
	return nil
}

func (s *MemoryStore) Queue() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string{}, s.queue...), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
