package master

import (
	"fmt"
	"log"

	"pkg.jsn.cam/chunkdist/pkg/storage"
)

// Storage persists runs and the run queue across master restarts
type Storage = storage.RunStore

// openStorage opens the bbolt run store at dbPath, or a store that
// forgets everything on exit when dbPath is empty
func openStorage(dbPath string) (Storage, error) {
	if dbPath == "" {
		log.Printf("[MASTER] Persistence disabled (no DBPath configured)")
		return storage.NewMemoryStore(), nil
	}

	s, err := storage.OpenBolt(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	log.Printf("[MASTER] Persistence enabled at %s", dbPath)

	return s, nil
}
