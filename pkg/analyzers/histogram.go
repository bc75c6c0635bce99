package analyzers

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
)

const defaultBins = 10

// Histogram bins one numeric column over [min, max) into equal-width
// bins. Bin i lands in Counters[fmt.Sprintf("%s.bin%03d", column, i)],
// out-of-range values in column+".underflow" and column+".overflow".
// Sums[column] and Counters[column+".n"] carry what a mean needs.
type Histogram struct{}

type histogramOpts struct {
	column   string
	bins     int
	min, max float64
}

func parseHistogramOpts(opts map[string]string) (histogramOpts, error) {
	h := histogramOpts{column: opts["column"], bins: defaultBins}
	if h.column == "" {
		return h, fmt.Errorf("histogram: option column is required")
	}

	var err error
	if s := opts["bins"]; s != "" {
		if h.bins, err = strconv.Atoi(s); err != nil || h.bins <= 0 {
			return h, fmt.Errorf("histogram: invalid bins %q", s)
		}
	}
	if h.min, err = strconv.ParseFloat(opts["min"], 64); err != nil {
		return h, fmt.Errorf("histogram: invalid min %q", opts["min"])
	}
	if h.max, err = strconv.ParseFloat(opts["max"], 64); err != nil {
		return h, fmt.Errorf("histogram: invalid max %q", opts["max"])
	}
	if !(h.max > h.min) {
		return h, fmt.Errorf("histogram: max must exceed min")
	}

	return h, nil
}

// BinName returns the counter name of bin i for column
func BinName(column string, i int) string {
	return fmt.Sprintf("%s.bin%03d", column, i)
}

func (Histogram) Analyze(ctx context.Context, opts map[string]string, rows Rows) (chunkdist.Fields, error) {
	out := chunkdist.NewFields()

	h, err := parseHistogramOpts(opts)
	if err != nil {
		return out, err
	}
	width := (h.max - h.min) / float64(h.bins)

	var n int64
	err = rows(func(r Record) error {
		n++
		v, ok := r.Float(h.column)
		if !ok || math.IsNaN(v) {
			return nil
		}

		out.Sum(h.column, v)
		out.Count(h.column+".n", 1)

		switch {
		case v < h.min:
			out.Count(h.column+".underflow", 1)
		case v >= h.max:
			out.Count(h.column+".overflow", 1)
		default:
			i := min(int((v-h.min)/width), h.bins-1)
			out.Count(BinName(h.column, i), 1)
		}
		return nil
	})
	if err != nil {
		return out, err
	}

	out.Count("rows", n)
	return out, nil
}

func (Histogram) Description() string {
	return "bins a column (options column, min, max, bins)"
}
