package analyzers

import (
	"context"
	"errors"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
)

var errColumnRequired = errors.New("collect: option column is required")

// Collect gathers the values of one column into Sequences[column].
// Rows where the column is missing or not numeric are counted in
// Counters["skipped"].
type Collect struct{}

func (Collect) Analyze(ctx context.Context, opts map[string]string, rows Rows) (chunkdist.Fields, error) {
	out := chunkdist.NewFields()

	column := opts["column"]
	if column == "" {
		return out, errColumnRequired
	}

	var n, skipped int64
	err := rows(func(r Record) error {
		n++
		v, ok := r.Float(column)
		if !ok {
			skipped++
			return nil
		}
		out.Append(column, v)
		return nil
	})
	if err != nil {
		return out, err
	}

	out.Count("rows", n)
	if skipped > 0 {
		out.Count("skipped", skipped)
	}
	return out, nil
}

func (Collect) Description() string {
	return "collects one column into a sequence (option column=name)"
}
