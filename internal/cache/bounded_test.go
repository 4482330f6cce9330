package cache

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestBoundedEvictsInInsertionOrder(t *testing.T) {
	c := NewBounded[string, int](2, 0, nil)
	_ = c.Put("a", 1, false)
	_ = c.Put("b", 2, false)
	// reading "a" must not protect it
	if v, ok := c.TryGet("a"); !ok || v != 1 {
		t.Fatalf("get a: %v %v", v, ok)
	}
	_ = c.Put("c", 3, false)
	if _, ok := c.TryGet("a"); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
	if _, ok := c.TryGet("b"); !ok {
		t.Fatalf("b evicted too early")
	}
	if c.Hits() != 2 || c.Misses() != 1 {
		t.Fatalf("hits=%d misses=%d", c.Hits(), c.Misses())
	}
}

func TestBoundedByteBudget(t *testing.T) {
	c := NewBounded[int, string](100, 10, func(s string) int64 { return int64(len(s)) })
	_ = c.Put(1, "aaaa", false)
	_ = c.Put(2, "bbbb", false)
	_ = c.Put(3, "cccc", false)
	if c.Size() > 10 || c.Count() != 2 {
		t.Fatalf("size=%d count=%d", c.Size(), c.Count())
	}
	if _, ok := c.TryGet(1); ok {
		t.Fatalf("first entry should be gone")
	}
	_ = c.Put(4, "this is way too large", false)
	if _, ok := c.TryGet(4); ok {
		t.Fatalf("oversized values are not cached")
	}
}

func TestBoundedDuplicatePolicy(t *testing.T) {
	c := NewBounded[string, int](10, 0, nil)
	if err := c.Put("k", 1, true); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Put("k", 2, true); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
	if err := c.Put("k", 3, false); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if v, _ := c.TryGet("k"); v != 3 || c.Count() != 1 || c.Size() != 1 {
		t.Fatalf("replace kept %d count=%d size=%d", v, c.Count(), c.Size())
	}
	c.Clear()
	if c.Count() != 0 || c.Size() != 0 {
		t.Fatalf("clear")
	}
}

func TestBoundedNeverExceedsBudgets(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("count and bytes stay within budget", prop.ForAll(
		func(maxCount int, maxBytes int64, sizes []int) bool {
			c := NewBounded[int, int](maxCount, maxBytes, func(v int) int64 { return int64(v) })
			for i, sz := range sizes {
				_ = c.Put(i%37, sz, false)
				if c.Count() > maxCount || c.Size() > maxBytes {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.Int64Range(1, 200),
		gen.SliceOf(gen.IntRange(1, 50)),
	))

	properties.TestingRun(t)
}
