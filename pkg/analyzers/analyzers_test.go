package analyzers

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
)

// mapRecord is a Record backed by a plain map
type mapRecord map[string]string

func (m mapRecord) Get(field string) (string, bool) {
	v, ok := m[field]
	return v, ok
}

func (m mapRecord) Float(field string) (float64, bool) {
	v, ok := m[field]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func (m mapRecord) Fields() []string {
	fields := make([]string, 0, len(m))
	for k := range m {
		fields = append(fields, k)
	}
	return fields
}

func rowsOf(records ...mapRecord) Rows {
	return func(fn func(Record) error) error {
		for _, r := range records {
			if err := fn(r); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestRegistry(t *testing.T) {
	for _, name := range List() {
		a, err := Get(name)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", name, err)
		}
		if a.Description() == "" {
			t.Errorf("%s has no description", name)
		}
		if !IsValid(name) {
			t.Errorf("IsValid(%s) = false", name)
		}
	}

	if _, err := Get("nope"); !errors.Is(err, chunkdist.ErrUnknownAnalyzer) {
		t.Errorf("Get(nope) error = %v, want ErrUnknownAnalyzer", err)
	}
}

func TestCount(t *testing.T) {
	t.Parallel()

	out, err := Count{}.Analyze(context.Background(), nil, rowsOf(mapRecord{}, mapRecord{}, mapRecord{}))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if out.Counters["rows"] != 3 {
		t.Errorf("rows = %d, want 3", out.Counters["rows"])
	}
}

func TestSum(t *testing.T) {
	t.Parallel()

	rows := rowsOf(
		mapRecord{"pt": "1.5", "eta": "2", "name": "a"},
		mapRecord{"pt": "2.5", "eta": "x", "name": "b"},
	)

	tests := []struct {
		name     string
		opts     map[string]string
		wantSums map[string]float64
	}{
		{"all numeric columns", nil, map[string]float64{"pt": 4, "eta": 2}},
		{"selected columns", map[string]string{"columns": "pt, missing"}, map[string]float64{"pt": 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Sum{}.Analyze(context.Background(), tt.opts, rows)
			if err != nil {
				t.Fatalf("Analyze failed: %v", err)
			}
			if len(out.Sums) != len(tt.wantSums) {
				t.Fatalf("Sums = %v, want %v", out.Sums, tt.wantSums)
			}
			for k, want := range tt.wantSums {
				if out.Sums[k] != want {
					t.Errorf("Sums[%s] = %v, want %v", k, out.Sums[k], want)
				}
			}
			if out.Counters["rows"] != 2 {
				t.Errorf("rows = %d, want 2", out.Counters["rows"])
			}
		})
	}
}

func TestCollect(t *testing.T) {
	t.Parallel()

	rows := rowsOf(mapRecord{"pt": "3"}, mapRecord{"pt": "bad"}, mapRecord{"pt": "5"})

	out, err := Collect{}.Analyze(context.Background(), map[string]string{"column": "pt"}, rows)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if got := out.Sequences["pt"]; len(got) != 2 || got[0] != 3 || got[1] != 5 {
		t.Errorf("Sequences[pt] = %v, want [3 5]", got)
	}
	if out.Counters["skipped"] != 1 {
		t.Errorf("skipped = %d, want 1", out.Counters["skipped"])
	}

	if _, err := (Collect{}).Analyze(context.Background(), nil, rows); err == nil {
		t.Error("Expected error without column option")
	}
}

func TestAnalyze_PropagatesRowError(t *testing.T) {
	t.Parallel()

	boom := errors.New("read failed")
	rows := func(fn func(Record) error) error { return boom }

	if _, err := (Count{}).Analyze(context.Background(), nil, rows); !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
}

func TestGroupCount(t *testing.T) {
	t.Parallel()

	rows := rowsOf(mapRecord{"charge": "1"}, mapRecord{"charge": "-1"}, mapRecord{"charge": "1"}, mapRecord{})

	out, err := GroupCount{}.Analyze(context.Background(), map[string]string{"column": "charge"}, rows)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	want := map[string]int64{"charge=1": 2, "charge=-1": 1, "charge=<missing>": 1, "rows": 4}
	for k, v := range want {
		if out.Counters[k] != v {
			t.Errorf("Counters[%s] = %d, want %d", k, out.Counters[k], v)
		}
	}

	if _, err := (GroupCount{}).Analyze(context.Background(), nil, rows); err == nil {
		t.Error("Expected error without column option")
	}
}

func TestHistogram(t *testing.T) {
	t.Parallel()

	rows := rowsOf(
		mapRecord{"pt": "-1"},
		mapRecord{"pt": "0"},
		mapRecord{"pt": "4.9"},
		mapRecord{"pt": "5"},
		mapRecord{"pt": "9.99"},
		mapRecord{"pt": "10"},
		mapRecord{"pt": "n/a"},
	)
	opts := map[string]string{"column": "pt", "min": "0", "max": "10", "bins": "2"}

	out, err := Histogram{}.Analyze(context.Background(), opts, rows)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	want := map[string]int64{
		BinName("pt", 0): 2,
		BinName("pt", 1): 2,
		"pt.underflow":   1,
		"pt.overflow":    1,
		"pt.n":           6,
		"rows":           7,
	}
	for k, v := range want {
		if out.Counters[k] != v {
			t.Errorf("Counters[%s] = %d, want %d", k, out.Counters[k], v)
		}
	}
	if got := out.Sums["pt"]; got < 28.88 || got > 28.90 {
		t.Errorf("Sums[pt] = %v, want 28.89", got)
	}
}

func TestHistogram_InvalidOptions(t *testing.T) {
	t.Parallel()

	tests := []map[string]string{
		nil,
		{"column": "pt", "min": "0"},
		{"column": "pt", "min": "5", "max": "5"},
		{"column": "pt", "min": "0", "max": "1", "bins": "0"},
	}

	for _, opts := range tests {
		if _, err := (Histogram{}).Analyze(context.Background(), opts, rowsOf()); err == nil {
			t.Errorf("Analyze(%v) should fail", opts)
		}
	}
}
