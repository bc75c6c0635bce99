package generator

import (
	"io"
	"math/rand/v2"
)

// Generator produces synthetic event files for one source format
type Generator interface {
	// Init initializes the generator with a per-instance random source
	Init(r *rand.Rand)

	// WriteHeader writes anything that precedes the first item
	WriteHeader(w io.Writer) error

	// WriteLine writes a single item
	WriteLine(w io.Writer) error

	// Ext is the file extension the source readers detect the format from
	Ext() string

	// Description returns a human-readable description of the data format
	Description() string

	// DefaultCount returns the suggested default number of items per file
	DefaultCount() int64
}
