package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
)

// fakeCounter serves fixed counts and counts its queries
type fakeCounter struct {
	counts  map[string]uint64
	fail    map[string]error
	delay   map[string]time.Duration
	queries atomic.Int64

	mu       sync.Mutex
	inFlight int
	peak     int
}

func (f *fakeCounter) Count(ctx context.Context, fileID, _ string) (uint64, error) {
	f.queries.Add(1)

	f.mu.Lock()
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if d := f.delay[fileID]; d > 0 {
		time.Sleep(d)
	}
	if err := f.fail[fileID]; err != nil {
		return 0, err
	}
	n, ok := f.counts[fileID]
	if !ok {
		return 0, fmt.Errorf("no such file")
	}
	return n, nil
}

func TestPlan_Scenario(t *testing.T) {
	counter := &fakeCounter{counts: map[string]uint64{"f1": 1000, "f2": 250, "f3": 999}}
	p := New(Config{Counter: counter})

	plan, err := p.Plan(context.Background(), []string{"f1", "f2", "f3"}, 250, false)
	require.NoError(t, err)

	want := []chunkdist.WorkUnit{
		{FileID: "f1", Start: 0, Stop: 250},
		{FileID: "f1", Start: 250, Stop: 500},
		{FileID: "f1", Start: 500, Stop: 750},
		{FileID: "f1", Start: 750, Stop: 1000},
		{FileID: "f2", Start: 0, Stop: 250},
		{FileID: "f3", Start: 0, Stop: 250},
		{FileID: "f3", Start: 250, Stop: 500},
		{FileID: "f3", Start: 500, Stop: 750},
		{FileID: "f3", Start: 750, Stop: 999},
	}
	require.Equal(t, want, plan.Units)
	require.Equal(t, uint64(2249), plan.Total)
	require.Equal(t, FileIndex{"f1": 1000, "f2": 250, "f3": 999}, plan.Index)
	require.Empty(t, plan.Skipped)
}

func TestSplit_Partitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n, k      uint64
		wantUnits int
	}{
		{n: 0, k: 10, wantUnits: 0},
		{n: 1, k: 10, wantUnits: 1},
		{n: 10, k: 10, wantUnits: 1},
		{n: 11, k: 10, wantUnits: 2},
		{n: 100, k: 7, wantUnits: 15},
		{n: 100, k: 1, wantUnits: 100},
		{n: 5, k: 100, wantUnits: 1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.n, tt.k), func(t *testing.T) {
			units := Split("f", tt.n, tt.k)
			if len(units) != tt.wantUnits {
				t.Fatalf("got %d units, want %d", len(units), tt.wantUnits)
			}

			var next uint64
			for _, u := range units {
				if u.Start != next {
					t.Fatalf("unit %s does not start at %d", u, next)
				}
				if u.Start >= u.Stop {
					t.Fatalf("empty unit %s", u)
				}
				if u.Len() > tt.k {
					t.Fatalf("unit %s longer than %d", u, tt.k)
				}
				next = u.Stop
			}
			if next != tt.n {
				t.Fatalf("units cover [0, %d), want [0, %d)", next, tt.n)
			}
		})
	}
}

func TestPlan_MemoizedWithoutRequery(t *testing.T) {
	counter := &fakeCounter{counts: map[string]uint64{"a": 30, "b": 12}}
	p := New(Config{Counter: counter})
	ctx := context.Background()

	first, err := p.Plan(ctx, []string{"a", "b"}, 10, false)
	require.NoError(t, err)
	require.Equal(t, int64(2), counter.queries.Load())

	second, err := p.Plan(ctx, []string{"a", "b"}, 10, false)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int64(2), counter.queries.Load(), "cache hit must not re-query")

	// Mutating a returned plan must not leak into the memo
	second.Units[0].Stop = 999
	third, err := p.Plan(ctx, []string{"a", "b"}, 10, false)
	require.NoError(t, err)
	require.Equal(t, first, third)

	// Any change in the key misses
	_, err = p.Plan(ctx, []string{"a", "b"}, 5, false)
	require.NoError(t, err)
	require.Equal(t, int64(4), counter.queries.Load())

	_, err = p.Plan(ctx, []string{"b", "a"}, 10, false)
	require.NoError(t, err)
	require.Equal(t, int64(6), counter.queries.Load())
}

func TestPlan_FailuresAreNotMemoized(t *testing.T) {
	counter := &fakeCounter{
		counts: map[string]uint64{"a": 10},
		fail:   map[string]error{"bad": errors.New("corrupt header")},
	}
	p := New(Config{Counter: counter})
	ctx := context.Background()

	_, err := p.Plan(ctx, []string{"a", "bad"}, 5, false)
	require.Error(t, err)
	_, err = p.Plan(ctx, []string{"a", "bad"}, 5, false)
	require.Error(t, err)
	require.Equal(t, int64(4), counter.queries.Load())
}

func TestPlan_BadFiles(t *testing.T) {
	counter := &fakeCounter{
		counts: map[string]uint64{"a": 10, "c": 4},
		fail: map[string]error{
			"b": errors.New("corrupt header"),
			"d": errors.New("permission denied"),
		},
	}
	ctx := context.Background()

	t.Run("skip", func(t *testing.T) {
		p := New(Config{Counter: counter})
		plan, err := p.Plan(ctx, []string{"a", "b", "c", "d"}, 4, true)
		require.NoError(t, err)
		require.Equal(t, []string{"b", "d"}, plan.Skipped)
		require.Equal(t, uint64(14), plan.Total)
		require.Len(t, plan.Units, 4)
		for _, u := range plan.Units {
			require.NotContains(t, []string{"b", "d"}, u.FileID)
		}
	})

	t.Run("fail", func(t *testing.T) {
		p := New(Config{Counter: counter})
		plan, err := p.Plan(ctx, []string{"a", "b", "c", "d"}, 4, false)
		require.Nil(t, plan, "no partial plan on failure")
		require.ErrorIs(t, err, chunkdist.ErrSourceUnavailable)

		var se *chunkdist.SourceError
		require.ErrorAs(t, err, &se)
		require.Equal(t, "b", se.FileID, "first failing file in input order")
		require.Contains(t, err.Error(), "d")
	})
}

func TestPlan_OrderIndependentOfCompletion(t *testing.T) {
	counter := &fakeCounter{
		counts: map[string]uint64{"slow": 3, "fast": 3},
		delay:  map[string]time.Duration{"slow": 50 * time.Millisecond},
	}
	p := New(Config{Counter: counter})

	plan, err := p.Plan(context.Background(), []string{"slow", "fast"}, 2, false)
	require.NoError(t, err)
	require.Equal(t, []chunkdist.WorkUnit{
		{FileID: "slow", Start: 0, Stop: 2},
		{FileID: "slow", Start: 2, Stop: 3},
		{FileID: "fast", Start: 0, Stop: 2},
		{FileID: "fast", Start: 2, Stop: 3},
	}, plan.Units)
}

func TestPlan_BoundedPool(t *testing.T) {
	counts := make(map[string]uint64)
	delay := make(map[string]time.Duration)
	var files []string
	for i := 0; i < 20; i++ {
		f := fmt.Sprintf("f%02d", i)
		files = append(files, f)
		counts[f] = 1
		delay[f] = 10 * time.Millisecond
	}
	counter := &fakeCounter{counts: counts, delay: delay}
	p := New(Config{Counter: counter, Workers: 4})

	_, err := p.Plan(context.Background(), files, 1, false)
	require.NoError(t, err)
	require.LessOrEqual(t, counter.peak, 4)
}

func TestPlan_InvalidInput(t *testing.T) {
	p := New(Config{Counter: &fakeCounter{}})

	_, err := p.Plan(context.Background(), []string{"a"}, 0, false)
	require.ErrorIs(t, err, chunkdist.ErrInvalidChunkSize)

	_, err = p.Plan(context.Background(), nil, 10, false)
	require.ErrorIs(t, err, chunkdist.ErrNoInputFiles)
}

func TestPlan_DuplicateFilesCountedOnce(t *testing.T) {
	counter := &fakeCounter{counts: map[string]uint64{"a": 5}}
	p := New(Config{Counter: counter})

	plan, err := p.Plan(context.Background(), []string{"a", "a"}, 5, false)
	require.NoError(t, err)
	require.Len(t, plan.Units, 1)
	require.Equal(t, uint64(5), plan.Total)
}
