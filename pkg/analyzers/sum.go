package analyzers

import (
	"context"
	"strings"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
)

// Sum accumulates numeric columns. With the "columns" option (comma
// separated) only those are summed; otherwise every numeric field is.
// Sums[col] holds the total and Counters[col+".n"] the number of values.
type Sum struct{}

func (Sum) Analyze(ctx context.Context, opts map[string]string, rows Rows) (chunkdist.Fields, error) {
	out := chunkdist.NewFields()
	columns := splitColumns(opts["columns"])

	var n int64
	err := rows(func(r Record) error {
		n++

		fields := columns
		if fields == nil {
			fields = r.Fields()
		}
		for _, col := range fields {
			if v, ok := r.Float(col); ok {
				out.Sum(col, v)
				out.Count(col+".n", 1)
			}
		}
		return nil
	})
	if err != nil {
		return out, err
	}

	out.Count("rows", n)
	return out, nil
}

func (Sum) Description() string {
	return "sums numeric columns (option columns=a,b)"
}

func splitColumns(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}

	var cols []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	return cols
}
