package cache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type stickyEntry[V any] struct {
	value      V
	stickiness int
}

// Sticky is an LRU where entries with positive stickiness are pinned. Pinned
// entries hold speculative state that must survive until it is confirmed.
type Sticky[K comparable, V any] struct {
	mu     sync.Mutex
	pinned map[K]*stickyEntry[V]
	lru    *simplelru.LRU[K, V]
}

// NewSticky builds a Sticky cache holding up to capacity unpinned keys.
func NewSticky[K comparable, V any](capacity int) *Sticky[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	l, err := simplelru.NewLRU[K, V](capacity, nil)
	if err != nil {
		panic(err)
	}
	return &Sticky[K, V]{pinned: make(map[K]*stickyEntry[V]), lru: l}
}

// Put stores value and adds stickiness (0 leaves pinning unchanged).
func (c *Sticky[K, V]) Put(key K, value V, stickiness int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pinned[key]; ok {
		e.value = value
		e.stickiness += stickiness
		if e.stickiness <= 0 {
			delete(c.pinned, key)
			c.lru.Add(key, value)
		}
		return
	}
	if stickiness > 0 {
		c.lru.Remove(key)
		c.pinned[key] = &stickyEntry[V]{value: value, stickiness: stickiness}
		return
	}
	c.lru.Add(key, value)
}

// TryGet returns the value for key.
func (c *Sticky[K, V]) TryGet(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pinned[key]; ok {
		return e.value, true
	}
	return c.lru.Get(key)
}

// Unstick removes one unit of stickiness from key. It reports false when key
// is not pinned.
func (c *Sticky[K, V]) Unstick(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pinned[key]
	if !ok {
		return false
	}
	e.stickiness--
	if e.stickiness <= 0 {
		delete(c.pinned, key)
		c.lru.Add(key, e.value)
	}
	return true
}

// Pinned is the number of pinned keys.
func (c *Sticky[K, V]) Pinned() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pinned)
}

// Clear drops every entry, pinned or not.
func (c *Sticky[K, V]) Clear() {
	c.mu.Lock()
	c.pinned = make(map[K]*stickyEntry[V])
	c.lru.Purge()
	c.mu.Unlock()
}
