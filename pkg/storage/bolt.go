package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
)

// schemaVersion changes whenever the bucket layout does
const schemaVersion = "1"

var (
	metaBucket  = []byte("meta")
	runsBucket  = []byte("runs")
	queueBucket = []byte("queue")

	schemaKey = []byte("schema")
)

// ErrSchemaMismatch is returned when opening a database written with
// another bucket layout
var ErrSchemaMismatch = errors.New("storage schema mismatch")

// BoltStore keeps runs in a bbolt file. The runs bucket maps run IDs to
// records; the queue bucket maps big-endian positions to run IDs, so a
// cursor walks it in queue order.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the store at path
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt database: %w", err)
	}

	if err := db.Update(initLayout); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[STORAGE] Run store opened at %s", path)

	return &BoltStore{db: db}, nil
}

func initLayout(tx *bolt.Tx) error {
	meta, err := tx.CreateBucketIfNotExists(metaBucket)
	if err != nil {
		return err
	}

	switch v := meta.Get(schemaKey); {
	case v == nil:
		if err := meta.Put(schemaKey, []byte(schemaVersion)); err != nil {
			return err
		}
	case string(v) != schemaVersion:
		return fmt.Errorf("%w: found %q, want %q", ErrSchemaMismatch, v, schemaVersion)
	}

	for _, name := range [][]byte{runsBucket, queueBucket} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("create bucket %s: %w", name, err)
		}
	}
	return nil
}

// PutRun stores or replaces a run record
func (s *BoltStore) PutRun(run *protocol.Run) error {
	data, err := EncodeRecord(run)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Put([]byte(run.ID), data)
	})
}

// Runs returns every stored run, skipping records that no longer decode
func (s *BoltStore) Runs() (map[string]*protocol.Run, error) {
	runs := make(map[string]*protocol.Run)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(k, v []byte) error {
			decodeRun(runs, string(k), v)
			return nil
		})
	})

	return runs, err
}

// DeleteRun drops a run record and every queue entry naming it
func (s *BoltStore) DeleteRun(runID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(runsBucket).Delete([]byte(runID)); err != nil {
			return err
		}

		q := tx.Bucket(queueBucket)
		var stale [][]byte
		err := q.ForEach(func(k, v []byte) error {
			if string(v) == runID {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := q.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetQueue replaces the queue with runIDs in one transaction
func (s *BoltStore) SetQueue(runIDs []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(queueBucket); err != nil {
			return err
		}
		q, err := tx.CreateBucket(queueBucket)
		if err != nil {
			return err
		}

		for i, id := range runIDs {
			if err := q.Put(queuePos(i), []byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Queue returns the stored queue in order
func (s *BoltStore) Queue() ([]string, error) {
	queue := []string{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(_, v []byte) error {
			queue = append(queue, string(v))
			return nil
		})
	})

	return queue, err
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func queuePos(i int) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(i))
}
