package tableindex

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	pebblestore "github.com/rzbill/flostore/internal/storage/pebble"
)

// ErrCorrupted reports an index whose persisted state contradicts the log.
var ErrCorrupted = errors.New("tableindex: corrupted")

// Hasher maps a stream id to its bucket.
type Hasher func(streamID string) uint64

// DefaultHasher hashes stream ids with xxhash.
func DefaultHasher(streamID string) uint64 { return xxhash.Sum64String(streamID) }

// IndexEntry is one stored (stream hash, event number, log position) triple.
type IndexEntry struct {
	Stream   uint64
	Version  int64
	Position int64
}

// Key is an entry to add, named by its stream id.
type Key struct {
	StreamID string
	Version  int64
	Position int64
}

// Options configures an Index.
type Options struct {
	// Hasher overrides DefaultHasher; tests use it to force collisions.
	Hasher Hasher
}

// Index is the Pebble-backed secondary index.
type Index struct {
	db   *pebblestore.DB
	hash Hasher

	mu         sync.Mutex
	prepareChk atomic.Int64
	commitChk  atomic.Int64
}

// Open returns an index over db. Call Initialize before adding entries.
func Open(db *pebblestore.DB, opts Options) *Index {
	h := opts.Hasher
	if h == nil {
		h = DefaultHasher
	}
	ix := &Index{db: db, hash: h}
	ix.prepareChk.Store(-1)
	ix.commitChk.Store(-1)
	return ix
}

// Hash returns the bucket of streamID.
func (ix *Index) Hash(streamID string) uint64 { return ix.hash(streamID) }

// Initialize loads the persisted checkpoints. A commit checkpoint at or
// beyond buildToPosition means the index covers log that does not exist.
func (ix *Index) Initialize(buildToPosition int64) error {
	val, err := ix.db.Get(checkpointKey)
	switch {
	case errors.Is(err, pebblestore.ErrNotFound):
	case err != nil:
		return errors.Wrap(err, "load index checkpoints")
	case len(val) == 16:
		ix.prepareChk.Store(int64(binary.BigEndian.Uint64(val[:8])))
		ix.commitChk.Store(int64(binary.BigEndian.Uint64(val[8:])))
	default:
		return errors.Wrapf(ErrCorrupted, "checkpoint value has %d bytes", len(val))
	}
	if c := ix.commitChk.Load(); c >= buildToPosition {
		return errors.Wrapf(ErrCorrupted, "commit checkpoint %d is at or beyond build position %d", c, buildToPosition)
	}
	return nil
}

// PrepareCheckpoint is the highest prepare position indexed, -1 when empty.
func (ix *Index) PrepareCheckpoint() int64 { return ix.prepareChk.Load() }

// CommitCheckpoint is the commit position of the last indexed batch, -1 when empty.
func (ix *Index) CommitCheckpoint() int64 { return ix.commitChk.Load() }

// AddEntries stores entries and the new checkpoints in one atomic batch.
func (ix *Index) AddEntries(ctx context.Context, commitPos int64, entries []Key) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	b := ix.db.NewBatch()
	defer b.Close()

	prepare := ix.prepareChk.Load()
	for _, e := range entries {
		if err := b.Set(entryKey(ix.hash(e.StreamID), e.Version, e.Position), nil, nil); err != nil {
			return err
		}
		if e.Position > prepare {
			prepare = e.Position
		}
	}
	commit := ix.commitChk.Load()
	if commitPos > commit {
		commit = commitPos
	}
	var chk [16]byte
	binary.BigEndian.PutUint64(chk[:8], uint64(prepare))
	binary.BigEndian.PutUint64(chk[8:], uint64(commit))
	if err := b.Set(checkpointKey, chk[:], nil); err != nil {
		return err
	}
	if err := ix.db.CommitBatch(ctx, b); err != nil {
		return errors.Wrap(err, "add index entries")
	}
	ix.prepareChk.Store(prepare)
	ix.commitChk.Store(commit)
	return nil
}

func (ix *Index) rangeIter(hash uint64, from, to int64) (*pebble.Iterator, error) {
	if from < 0 {
		from = 0
	}
	var upper []byte
	if to == math.MaxInt64 {
		upper = pebblestore.PrefixUpperBound(bucketPrefix(hash))
	} else {
		upper = versionBound(hash, to+1)
	}
	return ix.db.NewIter(&pebble.IterOptions{LowerBound: versionBound(hash, from), UpperBound: upper})
}

// GetRange returns the entries of streamID's bucket with from <= version <= to,
// newest version first and newer position first within a version. limit <= 0
// means unbounded. Entries of colliding streams are included.
func (ix *Index) GetRange(streamID string, from, to int64, limit int) ([]IndexEntry, error) {
	if to < from {
		return nil, nil
	}
	iter, err := ix.rangeIter(ix.hash(streamID), from, to)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []IndexEntry
	for ok := iter.Last(); ok; ok = iter.Prev() {
		if e, valid := parseEntryKey(iter.Key()); valid {
			out = append(out, e)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// TryGetLatestEntry returns the entry with the highest version in streamID's bucket.
func (ix *Index) TryGetLatestEntry(streamID string) (IndexEntry, bool, error) {
	entries, err := ix.GetRange(streamID, 0, math.MaxInt64, 1)
	if err != nil || len(entries) == 0 {
		return IndexEntry{}, false, err
	}
	return entries[0], true, nil
}

// TryGetOldestEntry returns the entry with the lowest version in streamID's bucket.
func (ix *Index) TryGetOldestEntry(streamID string) (IndexEntry, bool, error) {
	iter, err := ix.rangeIter(ix.hash(streamID), 0, math.MaxInt64)
	if err != nil {
		return IndexEntry{}, false, err
	}
	defer iter.Close()
	if !iter.First() {
		return IndexEntry{}, false, iter.Error()
	}
	e, ok := parseEntryKey(iter.Key())
	return e, ok, nil
}

// TryGetOneValue returns the newest position stored for (streamID, version).
func (ix *Index) TryGetOneValue(streamID string, version int64) (int64, bool, error) {
	entries, err := ix.GetRange(streamID, version, version, 1)
	if err != nil || len(entries) == 0 {
		return 0, false, err
	}
	return entries[0].Position, true, nil
}

// IsBackgroundTaskRunning reports whether Pebble is compacting.
func (ix *Index) IsBackgroundTaskRunning() bool {
	return ix.db.CompactionsInProgress() > 0
}

// ScanHashes calls fn once per non-empty bucket, in hash order.
func (ix *Index) ScanHashes(fn func(hash uint64) error) error {
	iter, err := ix.db.NewPrefixIter(entryPrefix)
	if err != nil {
		return err
	}
	defer iter.Close()
	for ok := iter.First(); ok; {
		e, valid := parseEntryKey(iter.Key())
		if !valid {
			ok = iter.Next()
			continue
		}
		if err := fn(e.Stream); err != nil {
			return err
		}
		if e.Stream == math.MaxUint64 {
			break
		}
		ok = iter.SeekGE(bucketPrefix(e.Stream + 1))
	}
	return iter.Error()
}

// Close releases index resources. The underlying DB is owned by the caller.
func (ix *Index) Close() error { return nil }
