package analyzers

import (
	"context"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
)

// Count counts the records of a chunk into Counters["rows"]
type Count struct{}

func (Count) Analyze(ctx context.Context, _ map[string]string, rows Rows) (chunkdist.Fields, error) {
	out := chunkdist.NewFields()

	var n int64
	err := rows(func(Record) error {
		n++
		return nil
	})
	if err != nil {
		return out, err
	}

	out.Count("rows", n)
	return out, nil
}

func (Count) Description() string {
	return "counts records"
}
