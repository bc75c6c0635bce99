package generator

import (
	"bytes"
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pkg.jsn.cam/chunkdist/internal/source"
)

func TestGenerators_ReadableBySources(t *testing.T) {
	for _, name := range List() {
		t.Run(name, func(t *testing.T) {
			g, err := Get(name)
			require.NoError(t, err)
			g.Init(rand.New(rand.NewPCG(1, 2)))

			var buf bytes.Buffer
			require.NoError(t, g.WriteHeader(&buf))
			for i := 0; i < 50; i++ {
				require.NoError(t, g.WriteLine(&buf))
			}

			path := filepath.Join(t.TempDir(), "events"+g.Ext())
			require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

			n, err := source.Registry{}.Count(context.Background(), path, "")
			require.NoError(t, err)
			require.Equal(t, uint64(50), n)
		})
	}
}

func TestGet_Unknown(t *testing.T) {
	_, err := Get("parquet")
	require.Error(t, err)
}
