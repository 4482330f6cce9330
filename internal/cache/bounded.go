package cache

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
)

// ErrDuplicate is returned by Bounded.Put when the key exists and duplicates
// were rejected.
var ErrDuplicate = errors.New("cache: duplicate key")

// Bounded caches at most maxCount entries totalling at most maxBytes, as
// measured by sizeOf. Eviction is strictly by insertion order: reads never
// refresh an entry.
type Bounded[K comparable, V any] struct {
	mu       sync.Mutex
	fifo     *simplelru.LRU[K, V]
	maxCount int
	maxBytes int64
	size     int64
	sizeOf   func(V) int64

	hits   atomic.Int64
	misses atomic.Int64
}

// NewBounded builds a Bounded cache. maxCount or maxBytes <= 0 disables that
// bound; a nil sizeOf counts every entry as one byte.
func NewBounded[K comparable, V any](maxCount int, maxBytes int64, sizeOf func(V) int64) *Bounded[K, V] {
	if maxCount <= 0 {
		maxCount = math.MaxInt32
	}
	if maxBytes <= 0 {
		maxBytes = math.MaxInt64
	}
	if sizeOf == nil {
		sizeOf = func(V) int64 { return 1 }
	}
	c := &Bounded[K, V]{maxCount: maxCount, maxBytes: maxBytes, sizeOf: sizeOf}
	// Eviction is driven explicitly so the callback only fires on our removals.
	fifo, err := simplelru.NewLRU[K, V](maxCount+1, func(_ K, v V) { c.size -= c.sizeOf(v) })
	if err != nil {
		panic(err)
	}
	c.fifo = fifo
	return c
}

// Put evicts the oldest entries until value fits, then inserts it. A value
// larger than the byte budget is not cached. With errOnDuplicate an existing
// key is left untouched and ErrDuplicate returned; otherwise the entry is
// replaced and counts as newly inserted.
func (c *Bounded[K, V]) Put(key K, value V, errOnDuplicate bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fifo.Contains(key) {
		if errOnDuplicate {
			return ErrDuplicate
		}
		c.fifo.Remove(key)
	}
	sz := c.sizeOf(value)
	if sz > c.maxBytes {
		return nil
	}
	for c.fifo.Len() > 0 && (c.fifo.Len() >= c.maxCount || c.size+sz > c.maxBytes) {
		c.fifo.RemoveOldest()
	}
	c.fifo.Add(key, value)
	c.size += sz
	return nil
}

// TryGet returns the cached value without affecting eviction order.
func (c *Bounded[K, V]) TryGet(key K) (V, bool) {
	c.mu.Lock()
	v, ok := c.fifo.Peek(key)
	c.mu.Unlock()
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Remove drops key if present.
func (c *Bounded[K, V]) Remove(key K) {
	c.mu.Lock()
	c.fifo.Remove(key)
	c.mu.Unlock()
}

// Clear drops every entry. Hit and miss counters are kept.
func (c *Bounded[K, V]) Clear() {
	c.mu.Lock()
	c.fifo.Purge()
	c.size = 0
	c.mu.Unlock()
}

// Count is the number of cached entries.
func (c *Bounded[K, V]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fifo.Len()
}

// Size is the total measured size of cached entries.
func (c *Bounded[K, V]) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Bounded[K, V]) Hits() int64   { return c.hits.Load() }
func (c *Bounded[K, V]) Misses() int64 { return c.misses.Load() }
