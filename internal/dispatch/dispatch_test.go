package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"pkg.jsn.cam/chunkdist/internal/substrate"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
)

type fakeSubstrate struct {
	keys       map[string][]string
	keyQueries int
	submits    [][]substrate.Submission
	err        error
}

func (f *fakeSubstrate) QueryAllKeys(context.Context) map[string][]string {
	f.keyQueries++
	return f.keys
}

func (f *fakeSubstrate) Submit(_ context.Context, _ chunkdist.TaskSpec, subs []substrate.Submission) ([]substrate.TaskHandle, error) {
	f.submits = append(f.submits, subs)
	if f.err != nil {
		return nil, f.err
	}
	handles := make([]substrate.TaskHandle, len(subs))
	for i, s := range subs {
		handles[i] = substrate.TaskHandle{ID: fmt.Sprintf("t%d", i), Unit: s.Unit}
	}
	return handles, nil
}

var units = []chunkdist.WorkUnit{
	{FileID: "a", Start: 0, Stop: 10},
	{FileID: "a", Start: 10, Stop: 20},
	{FileID: "b", Start: 0, Stop: 10},
	{FileID: "c", Start: 0, Stop: 10},
}

func TestDispatch_WithAffinity(t *testing.T) {
	sub := &fakeSubstrate{keys: map[string][]string{
		"w2": {"a", "b"},
		"w1": {"a"},
		"w3": {},
	}}
	d := New(sub)

	handles, err := d.Dispatch(context.Background(), chunkdist.TaskSpec{Analyzer: "count"}, units, true)
	require.NoError(t, err)
	require.Len(t, handles, len(units))

	require.Equal(t, 1, sub.keyQueries, "keys queried once per dispatch")
	require.Len(t, sub.submits, 1, "single batched submit")

	subs := sub.submits[0]
	require.Equal(t, []string{"w1", "w2"}, subs[0].Hint)
	require.Equal(t, []string{"w1", "w2"}, subs[1].Hint)
	require.Equal(t, []string{"w2"}, subs[2].Hint)
	require.Empty(t, subs[3].Hint, "uncached file gets an empty hint")

	for i, s := range subs {
		require.Equal(t, units[i], s.Unit)
	}
}

func TestDispatch_WithoutAffinity(t *testing.T) {
	sub := &fakeSubstrate{keys: map[string][]string{"w1": {"a"}}}
	d := New(sub)

	_, err := d.Dispatch(context.Background(), chunkdist.TaskSpec{Analyzer: "count"}, units, false)
	require.NoError(t, err)

	require.Zero(t, sub.keyQueries)
	for _, s := range sub.submits[0] {
		require.Nil(t, s.Hint)
	}
}

func TestDispatch_UnreachableWorkersHoldNothing(t *testing.T) {
	// A substrate reports non-responders as holding nothing
	sub := &fakeSubstrate{keys: map[string][]string{}}
	d := New(sub)

	_, err := d.Dispatch(context.Background(), chunkdist.TaskSpec{}, units, true)
	require.NoError(t, err)
	for _, s := range sub.submits[0] {
		require.Empty(t, s.Hint)
	}
}

func TestDispatch_SubmitError(t *testing.T) {
	sub := &fakeSubstrate{err: errors.New("queue closed")}
	d := New(sub)

	_, err := d.Dispatch(context.Background(), chunkdist.TaskSpec{}, units, false)
	require.ErrorContains(t, err, "queue closed")
}

func TestDispatch_Empty(t *testing.T) {
	sub := &fakeSubstrate{}
	d := New(sub)

	handles, err := d.Dispatch(context.Background(), chunkdist.TaskSpec{}, nil, true)
	require.NoError(t, err)
	require.Empty(t, handles)
	require.Empty(t, sub.submits)
	require.Zero(t, sub.keyQueries)
}

func TestBuildAffinity(t *testing.T) {
	m := BuildAffinity(map[string][]string{
		"w1": {"a", "b"},
		"w2": {"b"},
	})

	require.Equal(t, []string{"w1"}, m.Workers("a"))
	require.Equal(t, []string{"w1", "w2"}, m.Workers("b"))
	require.Nil(t, m.Workers("z"))
}
