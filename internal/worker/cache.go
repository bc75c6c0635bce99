package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/docker/docker/pkg/locker"

	"pkg.jsn.cam/chunkdist/internal/source"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
	"pkg.jsn.cam/chunkdist/pkg/lru"
)

// DefaultCacheCapacity is the number of sources a worker keeps open
const DefaultCacheCapacity = 75

// CacheConfig configures a SourceCache
type CacheConfig struct {
	Opener   source.Opener
	Capacity int // default 75
}

// SourceCache keeps the most recently used sources of one worker open.
// Handles returned by LookupOrOpen are leases: Close releases the lease,
// and the underlying source closes once it is evicted and unleased.
type SourceCache struct {
	opener  source.Opener
	entries *lru.Cache[string, *cachedSource]
	opens   *locker.Locker // serializes opens of one file
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// NewSourceCache creates an empty cache
func NewSourceCache(cfg CacheConfig) *SourceCache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCacheCapacity
	}
	if cfg.Opener == nil {
		cfg.Opener = source.Registry{}
	}

	entries, err := lru.New[string, *cachedSource](cfg.Capacity, func(_ string, s *cachedSource) {
		s.evict()
	})
	if err != nil {
		panic(err) // capacity was checked above
	}

	return &SourceCache{
		opener:  cfg.Opener,
		entries: entries,
		opens:   locker.New(),
	}
}

// LookupOrOpen returns a lease on the cached source for fileID, opening
// and inserting it on a miss. A hit refreshes the file's recency.
func (c *SourceCache) LookupOrOpen(ctx context.Context, fileID, treeName string) (source.Handle, error) {
	c.opens.Lock(fileID)
	defer c.opens.Unlock(fileID)

	if s, ok := c.entries.Get(fileID); ok && s.treeName == treeName && s.acquire() {
		c.hits.Add(1)
		return &lease{src: s}, nil
	}
	c.misses.Add(1)

	h, err := c.opener.Open(ctx, fileID, treeName)
	if err != nil {
		return nil, &chunkdist.SourceError{FileID: fileID, Err: err}
	}

	s := &cachedSource{handle: h, treeName: treeName, refs: 1}
	// A stale entry opened under another tree name is dropped first
	c.entries.Remove(fileID)
	c.entries.Add(fileID, s)

	return &lease{src: s}, nil
}

// Contains reports whether fileID is cached without touching its recency
func (c *SourceCache) Contains(fileID string) bool {
	return c.entries.Contains(fileID)
}

// Keys returns the cached file identifiers, most recently used first
func (c *SourceCache) Keys() []string {
	return c.entries.Keys()
}

// Len returns the number of cached sources
func (c *SourceCache) Len() int {
	return c.entries.Len()
}

// Cap returns the cache capacity
func (c *SourceCache) Cap() int {
	return c.entries.Cap()
}

// Clear evicts every source
func (c *SourceCache) Clear() {
	c.entries.Purge()
}

// Hits returns the number of lookups served from the cache
func (c *SourceCache) Hits() uint64 {
	return c.hits.Load()
}

// Misses returns the number of lookups that opened a source
func (c *SourceCache) Misses() uint64 {
	return c.misses.Load()
}

type cachedSource struct {
	handle   source.Handle
	treeName string

	mu      sync.Mutex
	refs    int
	evicted bool
}

func (s *cachedSource) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return false
	}
	s.refs++
	return true
}

func (s *cachedSource) release() {
	s.mu.Lock()
	s.refs--
	closeNow := s.evicted && s.refs == 0
	s.mu.Unlock()

	if closeNow {
		s.handle.Close()
	}
}

func (s *cachedSource) evict() {
	s.mu.Lock()
	s.evicted = true
	closeNow := s.refs == 0
	s.mu.Unlock()

	if closeNow {
		s.handle.Close()
	}
}

// lease is a source.Handle whose Close releases one reference
type lease struct {
	src  *cachedSource
	once sync.Once
}

func (l *lease) Rows(ctx context.Context, start, stop uint64, fn func(source.Record) error) error {
	return l.src.handle.Rows(ctx, start, stop, fn)
}

func (l *lease) Len() uint64 {
	return l.src.handle.Len()
}

func (l *lease) Close() error {
	l.once.Do(l.src.release)
	return nil
}
