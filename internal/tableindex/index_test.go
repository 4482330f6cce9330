package tableindex

import (
	"context"
	"errors"
	"math"
	"testing"

	pebblestore "github.com/rzbill/flostore/internal/storage/pebble"
)

func openTestDB(t *testing.T, dir string) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	return db
}

func newTestIndex(t *testing.T, h Hasher) *Index {
	t.Helper()
	db := openTestDB(t, t.TempDir())
	t.Cleanup(func() { _ = db.Close() })
	ix := Open(db, Options{Hasher: h})
	if err := ix.Initialize(math.MaxInt64); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return ix
}

// collide maps every stream to one bucket.
func collide(string) uint64 { return 7 }

func TestGetRangeOrdering(t *testing.T) {
	ix := newTestIndex(t, nil)
	ctx := context.Background()
	if err := ix.AddEntries(ctx, 30, []Key{
		{StreamID: "a", Version: 0, Position: 10},
		{StreamID: "a", Version: 1, Position: 20},
		{StreamID: "a", Version: 1, Position: 30},
		{StreamID: "b", Version: 0, Position: 25},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := ix.GetRange("a", 0, math.MaxInt64, 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 entries, got %v", got)
	}
	if got[0].Version != 1 || got[0].Position != 30 || got[1].Position != 20 || got[2].Version != 0 {
		t.Fatalf("unexpected order: %v", got)
	}

	limited, _ := ix.GetRange("a", 0, 0, 0)
	if len(limited) != 1 || limited[0].Position != 10 {
		t.Fatalf("version bounds: %v", limited)
	}
	if one, _ := ix.GetRange("a", 0, math.MaxInt64, 1); len(one) != 1 {
		t.Fatalf("limit ignored: %v", one)
	}

	pos, ok, err := ix.TryGetOneValue("a", 1)
	if err != nil || !ok || pos != 30 {
		t.Fatalf("one value: %d %v %v", pos, ok, err)
	}
	latest, ok, _ := ix.TryGetLatestEntry("b")
	if !ok || latest.Position != 25 {
		t.Fatalf("latest: %+v", latest)
	}
	oldest, ok, _ := ix.TryGetOldestEntry("a")
	if !ok || oldest.Version != 0 {
		t.Fatalf("oldest: %+v", oldest)
	}
	if _, ok, _ := ix.TryGetLatestEntry("missing"); ok {
		t.Fatalf("missing stream has entries")
	}
	if ix.PrepareCheckpoint() != 30 || ix.CommitCheckpoint() != 30 {
		t.Fatalf("checkpoints %d %d", ix.PrepareCheckpoint(), ix.CommitCheckpoint())
	}
}

func TestDeletedStreamVersion(t *testing.T) {
	ix := newTestIndex(t, nil)
	if err := ix.AddEntries(context.Background(), 50, []Key{
		{StreamID: "s", Version: 0, Position: 0},
		{StreamID: "s", Version: math.MaxInt64, Position: 50},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	latest, ok, err := ix.TryGetLatestEntry("s")
	if err != nil || !ok || latest.Version != math.MaxInt64 {
		t.Fatalf("latest should be the tombstone: %+v %v", latest, err)
	}
}

func TestCollidingStreamsShareBucket(t *testing.T) {
	ix := newTestIndex(t, collide)
	if err := ix.AddEntries(context.Background(), 2, []Key{
		{StreamID: "x", Version: 0, Position: 1},
		{StreamID: "y", Version: 0, Position: 2},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, _ := ix.GetRange("x", 0, 0, 0)
	if len(got) != 2 {
		t.Fatalf("colliding entries should both be returned: %v", got)
	}
}

func TestInitializeRejectsCheckpointBeyondBuild(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	t.Cleanup(func() { _ = db.Close() })
	ix := Open(db, Options{})
	if err := ix.Initialize(100); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := ix.AddEntries(context.Background(), 80, []Key{{StreamID: "s", Version: 0, Position: 80}}); err != nil {
		t.Fatalf("add: %v", err)
	}

	reopened := Open(db, Options{})
	if err := reopened.Initialize(81); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	if reopened.CommitCheckpoint() != 80 {
		t.Fatalf("checkpoint not persisted: %d", reopened.CommitCheckpoint())
	}
	if err := Open(db, Options{}).Initialize(80); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("want ErrCorrupted, got %v", err)
	}
}

func TestExistenceFilter(t *testing.T) {
	ix := newTestIndex(t, nil)
	if err := ix.AddEntries(context.Background(), 1, []Key{
		{StreamID: "a", Version: 0, Position: 0},
		{StreamID: "b", Version: 0, Position: 1},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	f := NewExistenceFilter(1000, 0.001, nil)
	if !f.MightContain("anything") {
		t.Fatalf("uninitialized filter must not rule streams out")
	}
	if err := f.Initialize(ix); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := f.Initialize(ix); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if !f.MightContain("a") || !f.MightContain("b") {
		t.Fatalf("indexed streams must be reported")
	}
	f.Add("c")
	if !f.MightContain("c") {
		t.Fatalf("added stream must be reported")
	}
	var hashes int
	_ = ix.ScanHashes(func(uint64) error { hashes++; return nil })
	if hashes != 2 {
		t.Fatalf("want 2 buckets, got %d", hashes)
	}
}
