// Package cache holds the in-memory caches of the read index.
//
//   - Bounded: count and byte bounded, evicts in insertion order.
//   - Versioned: LRU of (version, value) pairs with version-gated updates.
//   - Sticky: LRU whose pinned ("sticky") entries are never evicted.
//
// All caches are safe for concurrent use.
package cache
