package master

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
)

// QueryAllKeys asks every live worker's data server which files it holds
// open. Workers that do not answer within the key query timeout are
// reported as holding nothing.
func (m *Master) QueryAllKeys(ctx context.Context) map[string][]string {
	type target struct{ id, endpoint string }

	m.mu.RLock()
	targets := make([]target, 0, len(m.workers))
	for id, w := range m.workers {
		if w.Retiring == "" {
			targets = append(targets, target{id, w.DataEndpoint})
		}
	}
	m.mu.RUnlock()

	keys := make(map[string][]string, len(targets))
	var (
		mu   sync.Mutex
		errs *multierror.Error
	)

	var g errgroup.Group
	for _, tgt := range targets {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(ctx, m.keyQueryTimeout)
			defer cancel()

			resp, err := m.client.FetchCacheKeys(qctx, tgt.endpoint)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				keys[tgt.id] = nil
				errs = multierror.Append(errs, fmt.Errorf("%w: %s: %w", chunkdist.ErrRegistryUnreachable, tgt.id, err))
				return nil
			}
			keys[tgt.id] = resp.Keys
			return nil
		})
	}
	_ = g.Wait()

	if err := errs.ErrorOrNil(); err != nil {
		log.Printf("[MASTER] Cache key query: %v", err)
	}

	return keys
}
