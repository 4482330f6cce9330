package readindex

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/rzbill/flostore/internal/cache"
	"github.com/rzbill/flostore/internal/eventlog"
)

// BackendOptions sizes the reader pool and the stream info caches.
type BackendOptions struct {
	InitialReaderCount      int
	MaxReaderCount          int
	StreamInfoCacheCapacity int
}

// IndexBackend owns the pooled log readers and the two versioned caches
// shared by the read, write and commit paths.
type IndexBackend struct {
	log *eventlog.Log

	idle    chan *eventlog.Reader
	slots   chan struct{}
	created *xsync.Counter
	leased  *xsync.Counter

	lastEventNumbers *cache.Versioned[string, int64]
	metadata         *cache.Versioned[string, StreamMetadata]
	systemSettings   atomic.Pointer[SystemSettings]
}

// NewIndexBackend builds a backend reading from log.
func NewIndexBackend(log *eventlog.Log, opts BackendOptions) *IndexBackend {
	if opts.MaxReaderCount <= 0 {
		opts.MaxReaderCount = 64
	}
	if opts.InitialReaderCount > opts.MaxReaderCount {
		opts.InitialReaderCount = opts.MaxReaderCount
	}
	if opts.StreamInfoCacheCapacity <= 0 {
		opts.StreamInfoCacheCapacity = 100000
	}
	b := &IndexBackend{
		log:              log,
		idle:             make(chan *eventlog.Reader, opts.MaxReaderCount),
		slots:            make(chan struct{}, opts.MaxReaderCount),
		created:          xsync.NewCounter(),
		leased:           xsync.NewCounter(),
		lastEventNumbers: cache.NewVersioned[string, int64](opts.StreamInfoCacheCapacity),
		metadata:         cache.NewVersioned[string, StreamMetadata](opts.StreamInfoCacheCapacity),
	}
	for i := 0; i < opts.InitialReaderCount; i++ {
		b.idle <- log.NewReader()
		b.created.Inc()
	}
	return b
}

// ReaderLease is a log reader borrowed from the pool. Release must be called
// exactly once; later calls are no-ops.
type ReaderLease struct {
	*eventlog.Reader
	backend  *IndexBackend
	released atomic.Bool
}

// Release returns the reader to the pool.
func (l *ReaderLease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.backend.idle <- l.Reader
	l.backend.leased.Dec()
	<-l.backend.slots
}

// BorrowReader leases a reader, blocking while MaxReaderCount are out.
// Callers must `defer lease.Release()`.
func (b *IndexBackend) BorrowReader() *ReaderLease {
	b.slots <- struct{}{}
	b.leased.Inc()
	var r *eventlog.Reader
	select {
	case r = <-b.idle:
	default:
		r = b.log.NewReader()
		b.created.Inc()
	}
	return &ReaderLease{Reader: r, backend: b}
}

// ReadersCreated is the number of readers ever created by the pool.
func (b *IndexBackend) ReadersCreated() int64 { return b.created.Value() }

// ReadersLeased is the number of readers currently out.
func (b *IndexBackend) ReadersLeased() int64 { return b.leased.Value() }

func (b *IndexBackend) TryGetStreamLastEventNumber(stream string) cache.Cached[int64] {
	e, _ := b.lastEventNumbers.TryGet(stream)
	return e
}

func (b *IndexBackend) TryGetStreamMetadata(stream string) cache.Cached[StreamMetadata] {
	e, _ := b.metadata.TryGet(stream)
	return e
}

// UpdateStreamLastEventNumber is the read path fill; it is dropped if the
// slot changed since observedVersion.
func (b *IndexBackend) UpdateStreamLastEventNumber(observedVersion int64, stream string, v int64) int64 {
	return b.lastEventNumbers.Update(observedVersion, stream, v)
}

func (b *IndexBackend) UpdateStreamMetadata(observedVersion int64, stream string, m StreamMetadata) StreamMetadata {
	return b.metadata.Update(observedVersion, stream, m)
}

// SetStreamLastEventNumber is the authoritative commit path write.
func (b *IndexBackend) SetStreamLastEventNumber(stream string, v int64) int64 {
	return b.lastEventNumbers.Set(stream, v)
}

func (b *IndexBackend) SetStreamMetadata(stream string, m StreamMetadata) StreamMetadata {
	return b.metadata.Set(stream, m)
}

// InvalidateStreamMetadata forces the next read of stream's metadata to go
// to the metastream.
func (b *IndexBackend) InvalidateStreamMetadata(stream string) {
	b.metadata.Invalidate(stream)
}

func (b *IndexBackend) SetSystemSettings(s SystemSettings) { b.systemSettings.Store(&s) }

// GetSystemSettings returns the cached settings, or nil before they are loaded.
func (b *IndexBackend) GetSystemSettings() *SystemSettings { return b.systemSettings.Load() }

// Caches exposes the stream info caches for metrics.
func (b *IndexBackend) Caches() (lastEventNumbers *cache.Versioned[string, int64], metadata *cache.Versioned[string, StreamMetadata]) {
	return b.lastEventNumbers, b.metadata
}

// transactionPrepares returns the prepares of the transaction starting at
// txPos, scanning forward no further than commitPos. Scavenged prepares are
// absent from the result.
func (l *ReaderLease) transactionPrepares(txPos, commitPos int64) ([]*eventlog.PrepareRecord, error) {
	l.Reposition(txPos)
	var out []*eventlog.PrepareRecord
	for {
		res, err := l.TryReadNext()
		if err != nil {
			return nil, err
		}
		if !res.Success || res.PrePosition > commitPos {
			return out, nil
		}
		p, ok := res.Record.(*eventlog.PrepareRecord)
		if !ok || p.TransactionPosition != txPos {
			continue
		}
		out = append(out, p)
		if p.Flags.Has(eventlog.FlagTransactionEnd) {
			return out, nil
		}
	}
}
