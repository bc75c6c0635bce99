// Package lru provides a bounded, mutex-guarded least-recently-used cache.
//
// Entries live in a doubly-linked recency list (front is newest, back is
// oldest) indexed by a map, so lookups, inserts and evictions are O(1).
package lru

import (
	"container/list"
	"fmt"
	"sync"
)

// EvictFunc is called for every entry that leaves the cache through
// eviction, Remove or Purge. It runs after the cache lock is released.
type EvictFunc[K comparable, V any] func(key K, value V)

// Cache is a fixed-capacity LRU cache. It is safe for concurrent use.
type Cache[K comparable, V any] struct {
	index    map[K]*list.Element
	recent   *list.List // back is oldest, front is newest
	onEvict  EvictFunc[K, V]
	capacity int
	mu       sync.Mutex
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// New creates a cache holding at most capacity entries
func New[K comparable, V any](capacity int, onEvict EvictFunc[K, V]) (*Cache[K, V], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("lru capacity %d must be positive", capacity)
	}

	return &Cache[K, V]{
		index:    make(map[K]*list.Element, capacity),
		recent:   list.New(),
		onEvict:  onEvict,
		capacity: capacity,
	}, nil
}

// Get returns the value for key and marks it most recently used
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}

	c.recent.MoveToFront(e)
	return e.Value.(*entry[K, V]).value, true
}

// Contains reports whether key is cached without touching its recency
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.index[key]
	return ok
}

// Add inserts or replaces key, evicting the least recently used entry when
// the cache is full. It reports whether an eviction happened.
func (c *Cache[K, V]) Add(key K, value V) bool {
	c.mu.Lock()

	if e, ok := c.index[key]; ok {
		c.recent.MoveToFront(e)
		e.Value.(*entry[K, V]).value = value
		c.mu.Unlock()
		return false
	}

	c.index[key] = c.recent.PushFront(&entry[K, V]{key: key, value: value})

	var evicted *entry[K, V]
	if c.recent.Len() > c.capacity {
		evicted = c.removeElement(c.recent.Back())
	}
	c.mu.Unlock()

	if evicted != nil && c.onEvict != nil {
		c.onEvict(evicted.key, evicted.value)
	}

	return evicted != nil
}

// Remove drops key from the cache
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	e, ok := c.index[key]
	var removed *entry[K, V]
	if ok {
		removed = c.removeElement(e)
	}
	c.mu.Unlock()

	if removed != nil && c.onEvict != nil {
		c.onEvict(removed.key, removed.value)
	}

	return ok
}

// Keys returns the cached keys, most recently used first
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.recent.Len())
	for e := c.recent.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*entry[K, V]).key)
	}

	return keys
}

// Len returns the number of cached entries
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.recent.Len()
}

// Cap returns the cache capacity
func (c *Cache[K, V]) Cap() int {
	return c.capacity
}

// Purge empties the cache
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	var dropped []*entry[K, V]
	for e := c.recent.Back(); e != nil; e = c.recent.Back() {
		dropped = append(dropped, c.removeElement(e))
	}
	c.mu.Unlock()

	if c.onEvict == nil {
		return
	}
	for _, d := range dropped {
		c.onEvict(d.key, d.value)
	}
}

// removeElement unlinks e (called with lock held)
func (c *Cache[K, V]) removeElement(e *list.Element) *entry[K, V] {
	ent := c.recent.Remove(e).(*entry[K, V])
	delete(c.index, ent.key)
	return ent
}
