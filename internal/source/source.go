// Package source counts and opens the tabular inputs that work units
// range over. A fileID is a local path; its extension selects the reader.
package source

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultTreeName is the table read from SQLite sources when none is given
const DefaultTreeName = "Events"

// Counter reports how many items a source holds
type Counter interface {
	Count(ctx context.Context, fileID, treeName string) (uint64, error)
}

// Opener opens a source for random access by item index
type Opener interface {
	Open(ctx context.Context, fileID, treeName string) (Handle, error)
}

// Handle is an opened source. Handles are safe for concurrent Rows calls.
type Handle interface {
	// Rows calls fn for every item in [start, stop)
	Rows(ctx context.Context, start, stop uint64, fn func(Record) error) error
	// Len returns the number of items in the source
	Len() uint64
	Close() error
}

// Record is a single item
type Record interface {
	Get(field string) (string, bool)
	Float(field string) (float64, bool)
	Fields() []string
}

type format int

const (
	formatUnknown format = iota
	formatCSV
	formatJSONL
	formatSQLite
)

func detect(fileID string) format {
	switch strings.ToLower(filepath.Ext(fileID)) {
	case ".csv":
		return formatCSV
	case ".jsonl", ".ndjson", ".json":
		return formatJSONL
	case ".db", ".sqlite", ".sqlite3":
		return formatSQLite
	}
	return formatUnknown
}

// Registry picks a reader from the file extension. It implements both
// Counter and Opener.
type Registry struct{}

// Count implements Counter
func (Registry) Count(ctx context.Context, fileID, treeName string) (uint64, error) {
	switch detect(fileID) {
	case formatCSV:
		return countLines(ctx, fileID, true)
	case formatJSONL:
		return countLines(ctx, fileID, false)
	case formatSQLite:
		return countTable(ctx, fileID, treeName)
	}
	return 0, fmt.Errorf("unsupported source type: %s", fileID)
}

// Open implements Opener
func (Registry) Open(ctx context.Context, fileID, treeName string) (Handle, error) {
	switch detect(fileID) {
	case formatCSV:
		return openLines(ctx, fileID, true)
	case formatJSONL:
		return openLines(ctx, fileID, false)
	case formatSQLite:
		return openTable(ctx, fileID, treeName)
	}
	return nil, fmt.Errorf("unsupported source type: %s", fileID)
}

// checkRange validates [start, stop) against a source of n items
func checkRange(start, stop, n uint64) error {
	if start > stop || stop > n {
		return fmt.Errorf("range [%d, %d) out of bounds for %d items", start, stop, n)
	}
	return nil
}
