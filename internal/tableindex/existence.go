package tableindex

import (
	"encoding/binary"
	"sync"

	"github.com/willf/bloom"
)

// ExistenceFilter answers "might this stream have been written?". False
// positives are possible; false negatives are not once Initialize has run.
type ExistenceFilter struct {
	hash Hasher

	mu          sync.RWMutex
	filter      *bloom.BloomFilter
	initialized bool
}

// NewExistenceFilter sizes a filter for expected streams at the given false
// positive rate.
func NewExistenceFilter(expected uint, falsePositiveRate float64, hash Hasher) *ExistenceFilter {
	if expected == 0 {
		expected = 1
	}
	if hash == nil {
		hash = DefaultHasher
	}
	return &ExistenceFilter{hash: hash, filter: bloom.NewWithEstimates(expected, falsePositiveRate)}
}

func hashBytes(h uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h)
	return b[:]
}

// Initialize adds every bucket of ix. Running it again is harmless.
func (f *ExistenceFilter) Initialize(ix *Index) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := ix.ScanHashes(func(h uint64) error {
		f.filter.Add(hashBytes(h))
		return nil
	})
	if err != nil {
		return err
	}
	f.initialized = true
	return nil
}

// Add records streamID.
func (f *ExistenceFilter) Add(streamID string) {
	f.mu.Lock()
	f.filter.Add(hashBytes(f.hash(streamID)))
	f.mu.Unlock()
}

// MightContain reports whether streamID may exist. Before Initialize every
// stream might exist.
func (f *ExistenceFilter) MightContain(streamID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.initialized {
		return true
	}
	return f.filter.Test(hashBytes(f.hash(streamID)))
}
