package readindex

import (
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/rzbill/flostore/internal/cache"
	"github.com/rzbill/flostore/internal/eventlog"
	logpkg "github.com/rzbill/flostore/pkg/log"
)

// WriterOptions sizes the IndexWriter caches.
type WriterOptions struct {
	CommittedEventsCacheBytes    int64
	TransactionInfoCacheCapacity int
	StreamInfoCacheCapacity      int
}

// CommittedEvent is what the idempotency cache knows about an event id.
type CommittedEvent struct {
	StreamID    string
	EventNumber int64
	LogPosition int64
}

func committedEventSize(e CommittedEvent) int64 { return int64(40 + len(e.StreamID)) }

type pendingCommit struct {
	logPosition int64
	stream      string
	version     bool
	meta        bool
}

type pendingTransaction struct {
	transactionPosition int64
	logPosition         int64
}

// IndexWriter decides whether a write may be committed and tracks writes
// that are in the log but not yet indexed.
type IndexWriter struct {
	backend *IndexBackend
	reader  *IndexReader
	log     *eventlog.Log
	logger  logpkg.Logger

	committedEvents *cache.Bounded[uuid.UUID, CommittedEvent]
	streamVersions  *cache.Sticky[string, int64]
	streamRawMetas  *cache.Sticky[string, []byte]
	transactions    *cache.Sticky[int64, TransactionInfo]

	mu                       sync.Mutex
	notProcessedCommits      []pendingCommit
	notProcessedTransactions []pendingTransaction
}

// NewIndexWriter wires a writer over reader.
func NewIndexWriter(backend *IndexBackend, reader *IndexReader, log *eventlog.Log, opts WriterOptions, logger logpkg.Logger) *IndexWriter {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	if opts.CommittedEventsCacheBytes <= 0 {
		opts.CommittedEventsCacheBytes = 16 << 20
	}
	if opts.TransactionInfoCacheCapacity <= 0 {
		opts.TransactionInfoCacheCapacity = 100000
	}
	if opts.StreamInfoCacheCapacity <= 0 {
		opts.StreamInfoCacheCapacity = 100000
	}
	maxEvents := int(opts.CommittedEventsCacheBytes / committedEventSize(CommittedEvent{}))
	return &IndexWriter{
		backend:         backend,
		reader:          reader,
		log:             log,
		logger:          logger.With(logpkg.Component("index-writer")),
		committedEvents: cache.NewBounded[uuid.UUID, CommittedEvent](maxEvents, opts.CommittedEventsCacheBytes, committedEventSize),
		streamVersions:  cache.NewSticky[string, int64](opts.StreamInfoCacheCapacity),
		streamRawMetas:  cache.NewSticky[string, []byte](opts.StreamInfoCacheCapacity),
		transactions:    cache.NewSticky[int64, TransactionInfo](opts.TransactionInfoCacheCapacity),
	}
}

// CommittedEvents exposes the idempotency cache for metrics.
func (w *IndexWriter) CommittedEvents() *cache.Bounded[uuid.UUID, CommittedEvent] {
	return w.committedEvents
}

// Reset drops all speculative state. Used when the writer loses leadership of
// the log tail.
func (w *IndexWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notProcessedCommits = nil
	w.notProcessedTransactions = nil
	w.streamVersions.Clear()
	w.streamRawMetas.Clear()
	w.transactions.Clear()
	w.committedEvents.Clear()
}

// GetStreamLastEventNumber includes writes applied by PreCommit.
func (w *IndexWriter) GetStreamLastEventNumber(stream string) (int64, error) {
	if IsMetastream(stream) {
		orig, err := w.GetStreamLastEventNumber(OriginalStreamOf(stream))
		if err != nil {
			return 0, err
		}
		if orig == EventNumberDeletedStream {
			return EventNumberDeletedStream, nil
		}
	}
	if v, ok := w.streamVersions.TryGet(stream); ok {
		return v, nil
	}
	return w.reader.GetStreamLastEventNumber(stream)
}

// GetStreamMetadata includes metadata written through PreCommit.
func (w *IndexWriter) GetStreamMetadata(stream string) (StreamMetadata, error) {
	if raw, ok := w.streamRawMetas.TryGet(stream); ok {
		if len(raw) == 0 {
			return EmptyStreamMetadata, nil
		}
		return ParseStreamMetadata(raw), nil
	}
	return w.reader.GetStreamMetadata(stream)
}

func okResult(stream string, cur int64, n int, softDeleted bool) CommitCheckResult {
	start := cur + 1
	if cur < 0 {
		start = 0
	}
	return CommitCheckResult{
		Decision:              CommitOk,
		EventStreamID:         stream,
		CurrentVersion:        cur,
		StartEventNumber:      start,
		EndEventNumber:        start + int64(n) - 1,
		IsSoftDeleted:         softDeleted,
		IdempotentLogPosition: -1,
	}
}

func failResult(d CommitDecision, stream string, cur int64, softDeleted bool) CommitCheckResult {
	return CommitCheckResult{
		Decision:              d,
		EventStreamID:         stream,
		CurrentVersion:        cur,
		StartEventNumber:      -1,
		EndEventNumber:        -1,
		IsSoftDeleted:         softDeleted,
		IdempotentLogPosition: -1,
	}
}

// CheckCommit decides the fate of writing eventIDs to stream at
// expectedVersion.
func (w *IndexWriter) CheckCommit(stream string, expectedVersion int64, eventIDs []uuid.UUID) (CommitCheckResult, error) {
	cur, err := w.GetStreamLastEventNumber(stream)
	if err != nil {
		return CommitCheckResult{}, err
	}
	if cur == EventNumberDeletedStream {
		return failResult(CommitDeleted, stream, cur, false), nil
	}
	if cur == EventNumberInvalid {
		return failResult(CommitWrongExpectedVersion, stream, cur, false), nil
	}
	meta, err := w.GetStreamMetadata(stream)
	if err != nil {
		return CommitCheckResult{}, err
	}
	softDeleted := meta.IsSoftDeleted()

	if expectedVersion == ExpectedVersionStreamExists {
		if softDeleted {
			return failResult(CommitDeleted, stream, cur, softDeleted), nil
		}
		if cur < 0 {
			metaVersion, err := w.GetStreamLastEventNumber(MetastreamOf(stream))
			if err != nil {
				return CommitCheckResult{}, err
			}
			if metaVersion < 0 {
				return failResult(CommitWrongExpectedVersion, stream, cur, softDeleted), nil
			}
		}
	}

	switch {
	case expectedVersion == ExpectedVersionAny || expectedVersion == ExpectedVersionStreamExists:
		return w.checkAnyIdempotency(stream, cur, eventIDs, softDeleted)
	case expectedVersion < cur:
		return w.checkExpectedIdempotency(stream, cur, expectedVersion, eventIDs, softDeleted)
	case expectedVersion > cur:
		return failResult(CommitWrongExpectedVersion, stream, cur, softDeleted), nil
	default:
		return okResult(stream, cur, len(eventIDs), softDeleted), nil
	}
}

func (w *IndexWriter) checkAnyIdempotency(stream string, cur int64, eventIDs []uuid.UUID, softDeleted bool) (CommitCheckResult, error) {
	start, end, lastPos := int64(-1), int64(-1), int64(-1)
	for i, id := range eventIDs {
		info, ok := w.committedEvents.TryGet(id)
		if !ok || info.StreamID != stream {
			if i == 0 {
				return okResult(stream, cur, len(eventIDs), softDeleted), nil
			}
			return failResult(CommitCorruptedIdempotency, stream, cur, softDeleted), nil
		}
		if i == 0 {
			start = info.EventNumber
		}
		end, lastPos = info.EventNumber, info.LogPosition
	}
	if len(eventIDs) == 0 {
		return okResult(stream, cur, 0, softDeleted), nil
	}
	return w.idempotent(stream, cur, start, end, lastPos, softDeleted)
}

func (w *IndexWriter) checkExpectedIdempotency(stream string, cur, expectedVersion int64, eventIDs []uuid.UUID, softDeleted bool) (CommitCheckResult, error) {
	// Nothing to compare against: the caller is simply behind.
	if len(eventIDs) == 0 {
		return failResult(CommitWrongExpectedVersion, stream, cur, softDeleted), nil
	}
	n := expectedVersion
	lastPos := int64(-1)
	for i, id := range eventIDs {
		n++
		pos, ok, err := w.eventAt(stream, n, id)
		if err != nil {
			return CommitCheckResult{}, err
		}
		if !ok {
			if i > 0 {
				return failResult(CommitCorruptedIdempotency, stream, cur, softDeleted), nil
			}
			if expectedVersion == ExpectedVersionNoStream && softDeleted {
				return okResult(stream, cur, len(eventIDs), softDeleted), nil
			}
			return failResult(CommitWrongExpectedVersion, stream, cur, softDeleted), nil
		}
		lastPos = pos
	}
	return w.idempotent(stream, cur, expectedVersion+1, n, lastPos, softDeleted)
}

// eventAt reports whether event n of stream is id, consulting the
// idempotency cache before the index.
func (w *IndexWriter) eventAt(stream string, n int64, id uuid.UUID) (int64, bool, error) {
	if info, ok := w.committedEvents.TryGet(id); ok && info.StreamID == stream && info.EventNumber == n {
		return info.LogPosition, true, nil
	}
	p, err := w.reader.ReadPrepare(stream, n)
	if err != nil || p == nil || p.EventID != id {
		return -1, false, err
	}
	return p.LogPosition, true, nil
}

// idempotent reports Idempotent once the index reflects end, and
// IdempotentNotReady before that. lastPos is the position of event end.
func (w *IndexWriter) idempotent(stream string, cur, start, end, lastPos int64, softDeleted bool) (CommitCheckResult, error) {
	indexed, err := w.reader.GetStreamLastEventNumber(stream)
	if err != nil {
		return CommitCheckResult{}, err
	}
	d := CommitIdempotent
	if indexed < end {
		d = CommitIdempotentNotReady
	}
	return CommitCheckResult{
		Decision:              d,
		EventStreamID:         stream,
		CurrentVersion:        cur,
		StartEventNumber:      start,
		EndEventNumber:        end,
		IsSoftDeleted:         softDeleted,
		IdempotentLogPosition: lastPos,
	}, nil
}

// CheckCommitStartingAt checks the explicit transaction starting at txPos
// against its own expected version.
func (w *IndexWriter) CheckCommitStartingAt(txPos, commitPos int64) (CommitCheckResult, error) {
	lease := w.backend.BorrowReader()
	first, err := w.reader.readPrepareAt(lease, txPos)
	if err != nil {
		lease.Release()
		return CommitCheckResult{}, err
	}
	if first == nil {
		lease.Release()
		w.logger.Error("could not read first prepare of transaction", logpkg.Int64("tx_pos", txPos), logpkg.Int64("commit_pos", commitPos))
		return failResult(CommitInvalidTransaction, "", -1, false), nil
	}
	prepares, err := lease.transactionPrepares(txPos, commitPos)
	lease.Release()
	if err != nil {
		return CommitCheckResult{}, err
	}

	// Deletes count so a repeated delete is not mistaken for idempotent.
	var ids []uuid.UUID
	for _, p := range prepares {
		if p.Flags.HasAny(eventlog.FlagData | eventlog.FlagStreamDelete) {
			ids = append(ids, p.EventID)
		}
	}
	return w.CheckCommit(first.EventStreamID, first.ExpectedVersion, ids)
}

// PreCommit applies an explicit commit to the speculative caches.
func (w *IndexWriter) PreCommit(commit *eventlog.CommitRecord) error {
	lease := w.backend.BorrowReader()
	prepares, err := lease.transactionPrepares(commit.TransactionPosition, commit.LogPosition)
	lease.Release()
	if err != nil {
		return err
	}
	return w.preCommit(prepares, commit.LogPosition, func(p *eventlog.PrepareRecord) int64 {
		return commit.FirstEventNumber + int64(p.TransactionOffset)
	})
}

// PreCommitPrepares applies a direct write (prepares flagged IsCommitted).
func (w *IndexWriter) PreCommitPrepares(prepares []*eventlog.PrepareRecord) error {
	if len(prepares) == 0 {
		return nil
	}
	return w.preCommit(prepares, prepares[len(prepares)-1].LogPosition, func(p *eventlog.PrepareRecord) int64 {
		return p.ExpectedVersion + 1
	})
}

func (w *IndexWriter) preCommit(prepares []*eventlog.PrepareRecord, logPosition int64, number func(*eventlog.PrepareRecord) int64) error {
	stream := ""
	last := EventNumberInvalid
	var lastPrepare *eventlog.PrepareRecord
	for _, p := range prepares {
		if !p.Flags.HasAny(eventlog.FlagData | eventlog.FlagStreamDelete) {
			continue
		}
		if stream == "" {
			stream = p.EventStreamID
		} else if p.EventStreamID != stream {
			return corruption("pre-commit", "transaction at %d spans streams %q and %q", p.TransactionPosition, stream, p.EventStreamID)
		}
		n := number(p)
		if p.Flags.Has(eventlog.FlagStreamDelete) {
			n = EventNumberDeletedStream
		}
		last = n
		lastPrepare = p
		_ = w.committedEvents.Put(p.EventID, CommittedEvent{StreamID: stream, EventNumber: n, LogPosition: p.LogPosition}, false)
	}
	if lastPrepare == nil {
		return nil
	}

	pending := pendingCommit{logPosition: logPosition, stream: stream, version: true}
	w.streamVersions.Put(stream, last, 1)
	if IsMetastream(stream) {
		w.streamRawMetas.Put(OriginalStreamOf(stream), lastPrepare.Data, 1)
		pending.meta = true
	}
	w.mu.Lock()
	w.notProcessedCommits = append(w.notProcessedCommits, pending)
	w.mu.Unlock()
	return nil
}

// PurgeNotProcessedCommitsTill releases speculative state for every commit
// below checkpoint.
func (w *IndexWriter) PurgeNotProcessedCommitsTill(checkpoint int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.notProcessedCommits) > 0 && w.notProcessedCommits[0].logPosition < checkpoint {
		c := w.notProcessedCommits[0]
		w.notProcessedCommits = w.notProcessedCommits[1:]
		if c.version && !w.streamVersions.Unstick(c.stream) {
			return corruption("purge commits", "no pinned version for %q at %d", c.stream, c.logPosition)
		}
		if c.meta && !w.streamRawMetas.Unstick(OriginalStreamOf(c.stream)) {
			return corruption("purge commits", "no pinned metadata for %q at %d", c.stream, c.logPosition)
		}
	}
	return nil
}

// UpdateTransactionInfo records the progress of the explicit transaction
// started at txPos; logPosition is the record that advanced it. The entry
// stays pinned until the chaser passes logPosition.
func (w *IndexWriter) UpdateTransactionInfo(txPos, logPosition int64, info TransactionInfo) {
	w.transactions.Put(txPos, info, 1)
	w.mu.Lock()
	w.notProcessedTransactions = append(w.notProcessedTransactions, pendingTransaction{transactionPosition: txPos, logPosition: logPosition})
	w.mu.Unlock()
}

// GetTransactionInfo returns the state of the transaction started at txPos,
// scanning back from writerCheckpoint when it is not cached.
func (w *IndexWriter) GetTransactionInfo(writerCheckpoint, txPos int64) (TransactionInfo, error) {
	if info, ok := w.transactions.TryGet(txPos); ok {
		return info, nil
	}
	lease := w.backend.BorrowReader()
	defer lease.Release()
	lease.Reposition(writerCheckpoint)
	for {
		res, err := lease.TryReadPrev()
		if err != nil {
			return TransactionInfo{}, err
		}
		if !res.Success || res.Record.Position() < txPos {
			break
		}
		p, ok := res.Record.(*eventlog.PrepareRecord)
		if ok && p.TransactionPosition == txPos {
			info := TransactionInfo{TransactionOffset: p.TransactionOffset, EventStreamID: p.EventStreamID}
			w.transactions.Put(txPos, info, 0)
			return info, nil
		}
	}
	return TransactionInfo{TransactionOffset: math.MinInt32}, nil
}

// PurgeNotProcessedTransactions unpins transactions advanced below
// checkpoint. They stay cached until evicted.
func (w *IndexWriter) PurgeNotProcessedTransactions(checkpoint int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.notProcessedTransactions) > 0 && w.notProcessedTransactions[0].logPosition < checkpoint {
		tx := w.notProcessedTransactions[0]
		w.notProcessedTransactions = w.notProcessedTransactions[1:]
		if !w.transactions.Unstick(tx.transactionPosition) {
			return corruption("purge transactions", "no pinned info for transaction %d at %d", tx.transactionPosition, tx.logPosition)
		}
	}
	return nil
}
