package cache

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Cached is a versioned cache slot. Version counts writes to the slot; a slot
// whose value was invalidated keeps its version with Known=false.
type Cached[V any] struct {
	Version int64
	Value   V
	Known   bool
}

// Versioned is an LRU of Cached slots. Set is authoritative and always wins;
// Update only lands if nothing wrote the slot since the caller observed it.
type Versioned[K comparable, V any] struct {
	mu  sync.Mutex
	lru *simplelru.LRU[K, Cached[V]]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewVersioned builds a Versioned cache holding up to capacity keys.
func NewVersioned[K comparable, V any](capacity int) *Versioned[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	l, err := simplelru.NewLRU[K, Cached[V]](capacity, nil)
	if err != nil {
		panic(err)
	}
	return &Versioned[K, V]{lru: l}
}

// TryGet returns the slot for key. A miss returns the zero slot (version 0),
// which is a valid observed version for a later Update.
func (c *Versioned[K, V]) TryGet(key K) (Cached[V], bool) {
	c.mu.Lock()
	e, ok := c.lru.Get(key)
	c.mu.Unlock()
	if ok && e.Known {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

// Update stores value computed by a reader that observed the slot at
// observedVersion. If the slot changed since, its value is kept and only the
// version advances. It returns the value the cache now holds, or value when
// the slot holds none.
func (c *Versioned[K, V]) Update(observedVersion int64, key K, value V) V {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.lru.Get(key)
	var next Cached[V]
	switch {
	case !ok && observedVersion == 0:
		next = Cached[V]{Version: 1, Value: value, Known: true}
	case !ok:
		next = Cached[V]{Version: 1}
	case old.Version == observedVersion:
		next = Cached[V]{Version: old.Version + 1, Value: value, Known: true}
	default:
		next = Cached[V]{Version: old.Version + 1, Value: old.Value, Known: old.Known}
	}
	c.lru.Add(key, next)
	if next.Known {
		return next.Value
	}
	return value
}

// Set overwrites the slot unconditionally.
func (c *Versioned[K, V]) Set(key K, value V) V {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, _ := c.lru.Get(key)
	c.lru.Add(key, Cached[V]{Version: old.Version + 1, Value: value, Known: true})
	return value
}

// Invalidate forgets the value of key and advances its version so that
// in-flight Updates based on the old value are discarded.
func (c *Versioned[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, _ := c.lru.Get(key)
	c.lru.Add(key, Cached[V]{Version: old.Version + 1})
}

// Clear drops every slot.
func (c *Versioned[K, V]) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

func (c *Versioned[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Versioned[K, V]) Hits() int64   { return c.hits.Load() }
func (c *Versioned[K, V]) Misses() int64 { return c.misses.Load() }
