package analyzers

import (
	"context"
	"errors"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
)

var errGroupColumnRequired = errors.New("groupcount: option column is required")

// GroupCount counts records per distinct value of one column into
// Counters[column+"="+value]. Records without the column count under
// Counters[column+"=<missing>"].
type GroupCount struct{}

func (GroupCount) Analyze(ctx context.Context, opts map[string]string, rows Rows) (chunkdist.Fields, error) {
	out := chunkdist.NewFields()

	column := opts["column"]
	if column == "" {
		return out, errGroupColumnRequired
	}

	var n int64
	err := rows(func(r Record) error {
		n++
		v, ok := r.Get(column)
		if !ok {
			v = "<missing>"
		}
		out.Count(column+"="+v, 1)
		return nil
	})
	if err != nil {
		return out, err
	}

	out.Count("rows", n)
	return out, nil
}

func (GroupCount) Description() string {
	return "counts records per value of a column (option column=name)"
}
