package readindex

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/rzbill/flostore/internal/eventlog"
	"github.com/rzbill/flostore/internal/tableindex"
	logpkg "github.com/rzbill/flostore/pkg/log"
)

// ReaderOptions tunes the stream read path.
type ReaderOptions struct {
	// HashCollisionReadLimit bounds how many colliding index entries are
	// examined before a lookup gives up.
	HashCollisionReadLimit int
	// SkipIndexScanOnRead trusts the newest index entry for (stream, number)
	// instead of scanning the bucket.
	SkipIndexScanOnRead bool
	// MetastreamMaxCount is the fixed $maxCount of every metastream.
	MetastreamMaxCount int64
}

// IndexReader serves stream reads from the secondary index, the log and the
// backend caches.
type IndexReader struct {
	backend   *IndexBackend
	index     *tableindex.Index
	existence *tableindex.ExistenceFilter
	opts      ReaderOptions
	logger    logpkg.Logger
	metrics   *Metrics
	now       func() time.Time

	metastreamMetadata StreamMetadata

	collisions          atomic.Int64
	cachedStreamInfo    atomic.Int64
	notCachedStreamInfo atomic.Int64
}

// NewIndexReader wires a reader. existence may be nil.
func NewIndexReader(backend *IndexBackend, index *tableindex.Index, existence *tableindex.ExistenceFilter,
	opts ReaderOptions, logger logpkg.Logger, metrics *Metrics) *IndexReader {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if opts.HashCollisionReadLimit <= 0 {
		opts.HashCollisionReadLimit = 100
	}
	if opts.MetastreamMaxCount <= 0 {
		opts.MetastreamMaxCount = 1
	}
	return &IndexReader{
		backend:            backend,
		index:              index,
		existence:          existence,
		opts:               opts,
		logger:             logger.With(logpkg.Component("index-reader")),
		metrics:            metrics,
		now:                time.Now,
		metastreamMetadata: StreamMetadata{MaxCount: opts.MetastreamMaxCount},
	}
}

// HashCollisions is the number of lookups abandoned at HashCollisionReadLimit.
func (r *IndexReader) HashCollisions() int64 { return r.collisions.Load() }

// CachedStreamInfo counts stream info lookups served from cache.
func (r *IndexReader) CachedStreamInfo() int64 { return r.cachedStreamInfo.Load() }

// NotCachedStreamInfo counts stream info lookups that went to the index.
func (r *IndexReader) NotCachedStreamInfo() int64 { return r.notCachedStreamInfo.Load() }

func (r *IndexReader) collisionExhausted(op, stream string) {
	r.collisions.Add(1)
	r.metrics.HashCollisionExhaustions.Inc()
	r.logger.Error("hash collision read limit reached",
		logpkg.Str("op", op),
		logpkg.Str("stream", stream),
		logpkg.Int("limit", r.opts.HashCollisionReadLimit))
}

// ReadEvent reads event n of stream; n = -1 reads the latest event.
func (r *IndexReader) ReadEvent(stream string, n int64) (ReadEventResult, error) {
	lease := r.backend.BorrowReader()
	defer lease.Release()
	return r.readEvent(lease, stream, n)
}

func (r *IndexReader) readEvent(lease *ReaderLease, stream string, n int64) (ReadEventResult, error) {
	last, err := r.lastEventNumberCached(lease, stream)
	if err != nil {
		return ReadEventResult{}, err
	}
	meta, err := r.metadataCached(lease, stream)
	if err != nil {
		return ReadEventResult{}, err
	}
	originalExists, err := r.originalStreamExists(lease, stream)
	if err != nil {
		return ReadEventResult{}, err
	}
	res := ReadEventResult{Metadata: meta, LastEventNumber: last, OriginalStreamExists: originalExists}

	switch {
	case last == EventNumberDeletedStream:
		res.Result = ReadEventStreamDeleted
		return res, nil
	case last == ExpectedVersionNoStream, last == EventNumberInvalid, meta.IsSoftDeleted():
		res.Result = ReadEventNoStream
		return res, nil
	}

	if n == -1 {
		n = last
	}
	if n < minReadable(last, meta) || n > last {
		res.Result = ReadEventNotFound
		return res, nil
	}
	p, err := r.readPrepareFor(lease, stream, n)
	if err != nil {
		return ReadEventResult{}, err
	}
	if p == nil || r.expired(meta, p.TimeStamp) {
		res.Result = ReadEventNotFound
		return res, nil
	}
	rec := NewEventRecord(n, p)
	res.Result = ReadEventSuccess
	res.Record = &rec
	return res, nil
}

// minReadable is the lowest event number metadata leaves visible.
func minReadable(last int64, meta StreamMetadata) int64 {
	min := int64(0)
	if meta.MaxCount > 0 && last-meta.MaxCount+1 > min {
		min = last - meta.MaxCount + 1
	}
	if meta.TruncateBefore > min {
		min = meta.TruncateBefore
	}
	return min
}

func (r *IndexReader) expired(meta StreamMetadata, ts time.Time) bool {
	return meta.MaxAge > 0 && ts.Before(r.now().Add(-meta.MaxAge))
}

// ReadStreamEventsForward reads up to maxCount events starting at from.
func (r *IndexReader) ReadStreamEventsForward(stream string, from int64, maxCount int) (ReadStreamResult, error) {
	if maxCount <= 0 {
		return ReadStreamResult{}, ErrInvalidMaxCount
	}
	if from < 0 {
		from = 0
	}
	lease := r.backend.BorrowReader()
	defer lease.Release()

	res, last, meta, done, err := r.rangePreamble(lease, stream, from, maxCount)
	if err != nil || done {
		return res, err
	}

	start := from
	end := int64(math.MaxInt64)
	if from <= math.MaxInt64-int64(maxCount)+1 {
		end = from + int64(maxCount) - 1
	}
	min := minReadable(last, meta)
	if end < min {
		res.NextEventNumber = min
		return res, nil
	}
	if start < min {
		start = min
	}

	desc, err := r.resolveRange(lease, stream, start, end)
	if err != nil {
		return ReadStreamResult{}, err
	}
	if meta.MaxAge > 0 {
		return r.forwardWithMaxAge(lease, stream, res, desc, end, last, meta)
	}
	records := make([]EventRecord, len(desc))
	for i := range desc {
		records[i] = desc[len(desc)-1-i]
	}

	next := end + 1
	if last+1 < next {
		next = last + 1
	}
	if len(records) > 0 {
		next = records[len(records)-1].EventNumber + 1
	}
	res.Records = records
	res.NextEventNumber = next
	res.IsEndOfStream = end >= last
	return res, nil
}

// ReadStreamEventsBackward reads up to maxCount events ending at from;
// from = -1 starts at the latest event.
func (r *IndexReader) ReadStreamEventsBackward(stream string, from int64, maxCount int) (ReadStreamResult, error) {
	if maxCount <= 0 {
		return ReadStreamResult{}, ErrInvalidMaxCount
	}
	lease := r.backend.BorrowReader()
	defer lease.Release()

	res, last, meta, done, err := r.rangePreamble(lease, stream, from, maxCount)
	if err != nil || done {
		return res, err
	}

	end := from
	if from < 0 {
		end = last
	}
	start := end - int64(maxCount) + 1
	if start < 0 {
		start = 0
	}
	min := minReadable(last, meta)
	if end < min {
		res.NextEventNumber = -1
		res.IsEndOfStream = true
		return res, nil
	}
	endOfStream := false
	if start <= min {
		endOfStream = true
		start = min
	}

	records, err := r.resolveRange(lease, stream, start, end)
	if err != nil {
		return ReadStreamResult{}, err
	}
	records = r.dropExpired(meta, records)
	endOfStream = endOfStream || start == 0 ||
		(start <= last && (len(records) == 0 || records[len(records)-1].EventNumber != start))

	next := int64(-1)
	if !endOfStream {
		next = start - 1
		if last < next {
			next = last
		}
	}
	res.Records = records
	res.NextEventNumber = next
	res.IsEndOfStream = endOfStream
	return res, nil
}

// rangePreamble resolves stream state shared by both range directions. done
// is true when the result is final (deleted or missing stream).
func (r *IndexReader) rangePreamble(lease *ReaderLease, stream string, from int64, maxCount int) (ReadStreamResult, int64, StreamMetadata, bool, error) {
	res := ReadStreamResult{FromEventNumber: from, MaxCount: maxCount, NextEventNumber: -1}
	last, err := r.lastEventNumberCached(lease, stream)
	if err != nil {
		return ReadStreamResult{}, 0, StreamMetadata{}, true, err
	}
	res.LastEventNumber = last
	if last == EventNumberDeletedStream {
		res.Result = ReadStreamDeleted
		res.IsEndOfStream = true
		return res, last, EmptyStreamMetadata, true, nil
	}
	meta, err := r.metadataCached(lease, stream)
	if err != nil {
		return ReadStreamResult{}, 0, StreamMetadata{}, true, err
	}
	res.Metadata = meta
	if last == ExpectedVersionNoStream || last == EventNumberInvalid || meta.IsSoftDeleted() {
		res.Result = ReadStreamNoStream
		res.IsEndOfStream = true
		return res, last, meta, true, nil
	}
	return res, last, meta, false, nil
}

// resolveRange returns the events of stream in [start, end], newest first,
// skipping colliding streams and scavenged prepares.
func (r *IndexReader) resolveRange(lease *ReaderLease, stream string, start, end int64) ([]EventRecord, error) {
	entries, err := r.index.GetRange(stream, start, end, 0)
	if err != nil {
		return nil, err
	}
	var out []EventRecord
	for _, e := range entries {
		p, err := r.readPrepareAt(lease, e.Position)
		if err != nil {
			return nil, err
		}
		if p == nil || p.EventStreamID != stream {
			continue
		}
		rec := NewEventRecord(e.Version, p)
		// Several entries for one version keep the oldest position.
		if n := len(out); n > 0 && out[n-1].EventNumber == e.Version {
			out[n-1] = rec
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *IndexReader) dropExpired(meta StreamMetadata, recs []EventRecord) []EventRecord {
	if meta.MaxAge <= 0 {
		return recs
	}
	kept := recs[:0]
	for _, rec := range recs {
		if !r.expired(meta, rec.TimeStamp) {
			kept = append(kept, rec)
		}
	}
	return kept
}

// forwardWithMaxAge relies on timestamps growing with event numbers. desc is
// the requested window, newest first. When the window holds nothing live, a
// binary search over the rest of the stream finds the first live event and
// NextEventNumber jumps straight to it.
func (r *IndexReader) forwardWithMaxAge(lease *ReaderLease, stream string, res ReadStreamResult, desc []EventRecord, end, last int64, meta StreamMetadata) (ReadStreamResult, error) {
	var live []EventRecord
	for _, rec := range desc {
		if r.expired(meta, rec.TimeStamp) {
			break
		}
		live = append(live, rec)
	}
	if len(live) > 0 {
		records := make([]EventRecord, len(live))
		for i := range live {
			records[i] = live[len(live)-1-i]
		}
		res.Records = records
		res.NextEventNumber = records[len(records)-1].EventNumber + 1
		res.IsEndOfStream = end >= last
		return res, nil
	}

	res.NextEventNumber = last + 1
	res.IsEndOfStream = true
	if end >= last {
		return res, nil
	}
	newest, err := r.readPrepareFor(lease, stream, last)
	if err != nil {
		return ReadStreamResult{}, err
	}
	if newest == nil || r.expired(meta, newest.TimeStamp) {
		return res, nil
	}
	lo, hi := end+1, last
	for lo < hi {
		mid := lo + (hi-lo)/2
		p, err := r.readPrepareFor(lease, stream, mid)
		if err != nil {
			return ReadStreamResult{}, err
		}
		if p == nil || r.expired(meta, p.TimeStamp) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	res.NextEventNumber = lo
	res.IsEndOfStream = false
	return res, nil
}

// ReadPrepare returns the prepare of event n of stream, or nil.
func (r *IndexReader) ReadPrepare(stream string, n int64) (*eventlog.PrepareRecord, error) {
	lease := r.backend.BorrowReader()
	defer lease.Release()
	return r.readPrepareFor(lease, stream, n)
}

func (r *IndexReader) readPrepareAt(lease *ReaderLease, pos int64) (*eventlog.PrepareRecord, error) {
	res, err := lease.TryReadAt(pos, true)
	if err != nil || !res.Success {
		return nil, err
	}
	p, ok := res.Record.(*eventlog.PrepareRecord)
	if !ok {
		return nil, corruption("read prepare", "record at %d is a %s, not a prepare", pos, res.Record.Type())
	}
	return p, nil
}

func (r *IndexReader) readPrepareFor(lease *ReaderLease, stream string, n int64) (*eventlog.PrepareRecord, error) {
	if r.opts.SkipIndexScanOnRead {
		pos, ok, err := r.index.TryGetOneValue(stream, n)
		if err != nil || !ok {
			return nil, err
		}
		p, err := r.readPrepareAt(lease, pos)
		if err != nil || p == nil || p.EventStreamID != stream {
			return nil, err
		}
		return p, nil
	}

	limit := r.opts.HashCollisionReadLimit
	entries, err := r.index.GetRange(stream, n, n, limit+1)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		p, err := r.readPrepareAt(lease, e.Position)
		if err != nil {
			return nil, err
		}
		if p != nil && p.EventStreamID == stream {
			return p, nil
		}
	}
	if len(entries) > limit {
		r.collisionExhausted("read prepare", stream)
	}
	return nil, nil
}

// GetStreamLastEventNumber returns the last event number of stream,
// ExpectedVersionNoStream, EventNumberDeletedStream or, when a hash collision
// scan was abandoned, EventNumberInvalid.
func (r *IndexReader) GetStreamLastEventNumber(stream string) (int64, error) {
	lease := r.backend.BorrowReader()
	defer lease.Release()
	return r.lastEventNumberCached(lease, stream)
}

func (r *IndexReader) lastEventNumberCached(lease *ReaderLease, stream string) (int64, error) {
	// A metastream dies with its stream.
	if IsMetastream(stream) {
		orig, err := r.lastEventNumberCached(lease, OriginalStreamOf(stream))
		if err != nil {
			return 0, err
		}
		if orig == EventNumberDeletedStream {
			return EventNumberDeletedStream, nil
		}
	}
	cached := r.backend.TryGetStreamLastEventNumber(stream)
	if cached.Known {
		r.cachedStreamInfo.Add(1)
		return cached.Value, nil
	}
	r.notCachedStreamInfo.Add(1)
	last, err := r.lastEventNumberUncached(lease, stream)
	if err != nil || last == EventNumberInvalid {
		return last, err
	}
	return r.backend.UpdateStreamLastEventNumber(cached.Version, stream, last), nil
}

func (r *IndexReader) lastEventNumberUncached(lease *ReaderLease, stream string) (int64, error) {
	if r.existence != nil && !r.existence.MightContain(stream) {
		return ExpectedVersionNoStream, nil
	}
	latest, ok, err := r.index.TryGetLatestEntry(stream)
	if err != nil {
		return 0, err
	}
	if !ok {
		return ExpectedVersionNoStream, nil
	}
	p, err := r.readPrepareAt(lease, latest.Position)
	if err != nil {
		return 0, err
	}
	if p == nil {
		return 0, corruption("get stream last event number", "latest prepare of %q at %d is missing", stream, latest.Position)
	}
	if p.EventStreamID == stream {
		return latest.Version, nil
	}

	limit := r.opts.HashCollisionReadLimit
	entries, err := r.index.GetRange(stream, 0, math.MaxInt64, limit+1)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		p, err := r.readPrepareAt(lease, e.Position)
		if err != nil {
			return 0, err
		}
		if p != nil && p.EventStreamID == stream {
			return e.Version, nil
		}
		if i+1 > limit {
			r.collisionExhausted("get stream last event number", stream)
			return EventNumberInvalid, nil
		}
	}
	return ExpectedVersionNoStream, nil
}

// GetStreamMetadata returns the effective metadata of stream.
func (r *IndexReader) GetStreamMetadata(stream string) (StreamMetadata, error) {
	lease := r.backend.BorrowReader()
	defer lease.Release()
	return r.metadataCached(lease, stream)
}

func (r *IndexReader) metadataCached(lease *ReaderLease, stream string) (StreamMetadata, error) {
	if IsMetastream(stream) {
		return r.metastreamMetadata, nil
	}
	cached := r.backend.TryGetStreamMetadata(stream)
	if cached.Known {
		r.cachedStreamInfo.Add(1)
		return cached.Value, nil
	}
	r.notCachedStreamInfo.Add(1)
	meta, err := r.metadataUncached(lease, stream)
	if err != nil {
		return StreamMetadata{}, err
	}
	return r.backend.UpdateStreamMetadata(cached.Version, stream, meta), nil
}

func (r *IndexReader) metadataUncached(lease *ReaderLease, stream string) (StreamMetadata, error) {
	metastream := MetastreamOf(stream)
	n, err := r.lastEventNumberCached(lease, metastream)
	if err != nil {
		return StreamMetadata{}, err
	}
	if n == ExpectedVersionNoStream || n == EventNumberDeletedStream || n == EventNumberInvalid {
		return EmptyStreamMetadata, nil
	}
	p, err := r.readPrepareFor(lease, metastream, n)
	if err != nil {
		return StreamMetadata{}, err
	}
	if p == nil {
		return StreamMetadata{}, corruption("get stream metadata", "metaevent #%d of %q is missing", n, metastream)
	}
	if len(p.Data) == 0 || !p.Flags.Has(eventlog.FlagIsJSON) {
		return EmptyStreamMetadata, nil
	}
	return ParseStreamMetadata(p.Data), nil
}

func (r *IndexReader) originalStreamExists(lease *ReaderLease, stream string) (*bool, error) {
	if !IsMetastream(stream) {
		return nil, nil
	}
	last, err := r.lastEventNumberCached(lease, OriginalStreamOf(stream))
	if err != nil {
		return nil, err
	}
	exists := last != ExpectedVersionNoStream && last != EventNumberDeletedStream
	return &exists, nil
}

// GetEventStreamIDByTransactionID returns the stream of the transaction that
// starts at txPos, or "" when its first prepare is gone.
func (r *IndexReader) GetEventStreamIDByTransactionID(txPos int64) (string, error) {
	lease := r.backend.BorrowReader()
	defer lease.Release()
	p, err := r.readPrepareAt(lease, txPos)
	if err != nil || p == nil {
		return "", err
	}
	return p.EventStreamID, nil
}
