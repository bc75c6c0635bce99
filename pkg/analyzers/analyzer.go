package analyzers

import (
	"context"
	"sort"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
)

// Record is one item handed to an analyzer
type Record interface {
	Get(field string) (string, bool)
	Float(field string) (float64, bool)
	Fields() []string
}

// Rows streams the records of one work unit into fn
type Rows func(fn func(Record) error) error

// Analyzer turns the records of one work unit into result fields.
// Implementations must be stateless: one instance serves every chunk.
type Analyzer interface {
	Analyze(ctx context.Context, opts map[string]string, rows Rows) (chunkdist.Fields, error)
	Description() string
}

var registry = map[string]Analyzer{
	"count":      Count{},
	"sum":        Sum{},
	"collect":    Collect{},
	"groupcount": GroupCount{},
	"histogram":  Histogram{},
}

// IsValid reports whether name is a registered analyzer
func IsValid(name string) bool {
	_, exists := registry[name]
	return exists
}

// Get returns the analyzer registered under name
func Get(name string) (Analyzer, error) {
	a, exists := registry[name]
	if !exists {
		return nil, chunkdist.ErrUnknownAnalyzer
	}
	return a, nil
}

// List returns the registered analyzer names in sorted order
func List() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
