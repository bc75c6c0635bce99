package integration

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pkg.jsn.cam/chunkdist/cmd/testdata/generator"
	"pkg.jsn.cam/chunkdist/internal/driver"
	"pkg.jsn.cam/chunkdist/internal/local"
	"pkg.jsn.cam/chunkdist/internal/source"
	"pkg.jsn.cam/chunkdist/pkg/analyzers"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
)

// writeEvents generates files of synthetic events and returns their paths
func writeEvents(t *testing.T, format string, counts ...int64) []string {
	t.Helper()

	dir := t.TempDir()
	var paths []string
	for i, n := range counts {
		g, err := generator.Get(format)
		require.NoError(t, err)
		g.Init(rand.New(rand.NewPCG(7, uint64(i))))

		var buf bytes.Buffer
		require.NoError(t, g.WriteHeader(&buf))
		for j := int64(0); j < n; j++ {
			require.NoError(t, g.WriteLine(&buf))
		}

		path := filepath.Join(dir, fmt.Sprintf("events_%d%s", i, g.Ext()))
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
		paths = append(paths, path)
	}
	return paths
}

// wholeFile runs an analyzer over every file in a single pass
func wholeFile(t *testing.T, spec chunkdist.TaskSpec, paths []string) chunkdist.Fields {
	t.Helper()

	a, err := analyzers.Get(spec.Analyzer)
	require.NoError(t, err)

	ctx := context.Background()
	total := chunkdist.NewFields()
	for _, p := range paths {
		h, err := source.Registry{}.Open(ctx, p, spec.TreeName)
		require.NoError(t, err)

		out, err := a.Analyze(ctx, spec.Options, func(fn func(analyzers.Record) error) error {
			return h.Rows(ctx, 0, h.Len(), func(r source.Record) error { return fn(r) })
		})
		require.NoError(t, err)
		require.NoError(t, h.Close())

		total.Merge(out)
	}
	return total
}

func TestLocal_ChunkedMatchesSinglePass(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		format string
		spec   chunkdist.TaskSpec
	}{
		{"csv", chunkdist.TaskSpec{
			Analyzer: "histogram",
			Options:  map[string]string{"column": "pt", "min": "0", "max": "100", "bins": "20"},
		}},
		{"jsonl", chunkdist.TaskSpec{
			Analyzer: "groupcount",
			Options:  map[string]string{"column": "muon.charge"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			paths := writeEvents(t, tt.format, 1000, 250, 999)

			cluster := local.New(local.Config{Workers: 3})
			defer cluster.Close()

			runner := driver.New(driver.Config{Substrate: cluster})
			result, err := runner.Run(context.Background(), driver.Request{
				RunRequest: protocol.RunRequest{
					Files:     paths,
					Spec:      tt.spec,
					ChunkSize: 100,
				},
			})
			require.NoError(t, err)

			require.Equal(t, uint64(2249), result.TotalItems)
			require.Equal(t, uint64(2249), result.ItemsProcessed)
			require.Equal(t, 0, result.TasksFailed)
			require.False(t, result.TailSkipped)

			want := wholeFile(t, tt.spec, paths)
			require.Equal(t, want.Counters, result.Counters)
			require.Equal(t, want.Sums, result.Sums, "chunking never changes exact sums")
		})
	}
}

func TestLocal_CacheWarmAcrossRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	paths := writeEvents(t, "csv", 500, 500)

	cluster := local.New(local.Config{Workers: 2})
	defer cluster.Close()

	runner := driver.New(driver.Config{Substrate: cluster})
	req := driver.Request{RunRequest: protocol.RunRequest{
		Files:       paths,
		Spec:        chunkdist.TaskSpec{Analyzer: "count"},
		ChunkSize:   100,
		UseAffinity: true,
	}}

	for i := 0; i < 2; i++ {
		result, err := runner.Run(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, int64(1000), result.Counters["rows"])
	}

	// Every file is open on some worker after the first run
	keys := cluster.QueryAllKeys(context.Background())

	held := map[string]bool{}
	for _, ks := range keys {
		for _, k := range ks {
			held[k] = true
		}
	}
	for _, p := range paths {
		require.True(t, held[p], "%s should be cached", p)
	}
}
