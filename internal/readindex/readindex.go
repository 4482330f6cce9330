package readindex

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rzbill/flostore/internal/eventlog"
	"github.com/rzbill/flostore/internal/tableindex"
	logpkg "github.com/rzbill/flostore/pkg/log"
)

// Options configures every read index component.
type Options struct {
	Backend   BackendOptions
	Reader    ReaderOptions
	Writer    WriterOptions
	Committer CommitterOptions

	// ExistenceFilterSize is the expected number of streams; 0 disables the
	// filter.
	ExistenceFilterSize              uint
	ExistenceFilterFalsePositiveRate float64
}

// DefaultOptions mirror the config defaults.
func DefaultOptions() Options {
	return Options{
		Backend: BackendOptions{InitialReaderCount: 5, MaxReaderCount: 64, StreamInfoCacheCapacity: 100000},
		Reader:  ReaderOptions{HashCollisionReadLimit: 100, MetastreamMaxCount: 1},
		Writer: WriterOptions{
			CommittedEventsCacheBytes:    16 << 20,
			TransactionInfoCacheCapacity: 100000,
			StreamInfoCacheCapacity:      100000,
		},
		Committer:                        CommitterOptions{AdditionalCommitChecks: true, RebuildPauseEvery: 1000000},
		ExistenceFilterSize:              1000000,
		ExistenceFilterFalsePositiveRate: 0.01,
	}
}

// ReadIndex composes the backend, reader, writer, committer and $all reader
// over one log and one secondary index.
type ReadIndex struct {
	backend   *IndexBackend
	reader    *IndexReader
	writer    *IndexWriter
	committer *IndexCommitter
	all       *AllReader
	index     *tableindex.Index
	log       *eventlog.Log
}

// New wires a ReadIndex. reg may be nil to skip metric registration.
func New(log *eventlog.Log, index *tableindex.Index, indexChk, replicationChk eventlog.Checkpoint,
	publisher Publisher, opts Options, logger logpkg.Logger, reg prometheus.Registerer) *ReadIndex {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	metrics := NewMetrics(reg)

	var existence *tableindex.ExistenceFilter
	if opts.ExistenceFilterSize > 0 {
		existence = tableindex.NewExistenceFilter(opts.ExistenceFilterSize, opts.ExistenceFilterFalsePositiveRate, index.Hash)
	}
	backend := NewIndexBackend(log, opts.Backend)
	reader := NewIndexReader(backend, index, existence, opts.Reader, logger, metrics)
	ri := &ReadIndex{
		backend:   backend,
		reader:    reader,
		writer:    NewIndexWriter(backend, reader, log, opts.Writer, logger),
		committer: NewIndexCommitter(backend, index, existence, reader, indexChk, publisher, opts.Committer, logger, metrics),
		all:       NewAllReader(backend, replicationChk),
		index:     index,
		log:       log,
	}
	if reg != nil {
		RegisterCacheCollectors(reg, ri)
	}
	return ri
}

// Init rebuilds the index up to buildToPosition.
func (ri *ReadIndex) Init(ctx context.Context, buildToPosition int64) error {
	return ri.committer.Init(ctx, buildToPosition)
}

func (ri *ReadIndex) Backend() *IndexBackend     { return ri.backend }
func (ri *ReadIndex) Reader() *IndexReader       { return ri.reader }
func (ri *ReadIndex) Writer() *IndexWriter       { return ri.writer }
func (ri *ReadIndex) Committer() *IndexCommitter { return ri.committer }
func (ri *ReadIndex) AllReader() *AllReader      { return ri.all }

func (ri *ReadIndex) ReadEvent(stream string, n int64) (ReadEventResult, error) {
	return ri.reader.ReadEvent(stream, n)
}

func (ri *ReadIndex) ReadStreamEventsForward(stream string, from int64, maxCount int) (ReadStreamResult, error) {
	return ri.reader.ReadStreamEventsForward(stream, from, maxCount)
}

func (ri *ReadIndex) ReadStreamEventsBackward(stream string, from int64, maxCount int) (ReadStreamResult, error) {
	return ri.reader.ReadStreamEventsBackward(stream, from, maxCount)
}

func (ri *ReadIndex) ReadAllEventsForward(pos TFPos, maxCount int) (ReadAllResult, error) {
	return ri.all.ReadAllEventsForward(pos, maxCount)
}

func (ri *ReadIndex) ReadAllEventsBackward(pos TFPos, maxCount int) (ReadAllResult, error) {
	return ri.all.ReadAllEventsBackward(pos, maxCount)
}

func (ri *ReadIndex) FilteredReadAllEventsForward(pos TFPos, maxCount, maxSearchWindow int, filter EventFilter) (ReadAllResult, error) {
	return ri.all.FilteredReadAllEventsForward(pos, maxCount, maxSearchWindow, filter)
}

func (ri *ReadIndex) FilteredReadAllEventsBackward(pos TFPos, maxCount, maxSearchWindow int, filter EventFilter) (ReadAllResult, error) {
	return ri.all.FilteredReadAllEventsBackward(pos, maxCount, maxSearchWindow, filter)
}

// EndPos is the backward cursor for the newest replicated record.
func (ri *ReadIndex) EndPos() TFPos {
	p := ri.all.replication.Read()
	return TFPos{CommitPosition: p, PreparePosition: p}
}

func (ri *ReadIndex) GetStreamLastEventNumber(stream string) (int64, error) {
	return ri.reader.GetStreamLastEventNumber(stream)
}

func (ri *ReadIndex) GetStreamMetadata(stream string) (StreamMetadata, error) {
	return ri.reader.GetStreamMetadata(stream)
}

func (ri *ReadIndex) GetEventStreamIDByTransactionID(txPos int64) (string, error) {
	return ri.reader.GetEventStreamIDByTransactionID(txPos)
}

func (ri *ReadIndex) CheckStreamAccess(stream string, access StreamAccessType, user *User) (StreamAccess, error) {
	return ri.reader.CheckStreamAccess(stream, access, user)
}

func (ri *ReadIndex) GetEffectiveAcl(stream string) (EffectiveAcl, error) {
	return ri.reader.GetEffectiveAcl(stream)
}

func (ri *ReadIndex) LastIndexedPosition() int64 { return ri.committer.LastIndexedPosition() }

// Stats is a point-in-time view of the read index counters.
type Stats struct {
	State                  CommitterState
	LastIndexedPosition    int64
	IndexPrepareCheckpoint int64
	IndexCommitCheckpoint  int64
	CachedStreamInfo       int64
	NotCachedStreamInfo    int64
	HashCollisions         int64
	ReadersCreated         int64
	ReadersLeased          int64
	CommittedEventsCached  int
	CommittedEventsBytes   int64
}

func (ri *ReadIndex) Stats() Stats {
	committed := ri.writer.CommittedEvents()
	return Stats{
		State:                  ri.committer.State(),
		LastIndexedPosition:    ri.committer.LastIndexedPosition(),
		IndexPrepareCheckpoint: ri.index.PrepareCheckpoint(),
		IndexCommitCheckpoint:  ri.index.CommitCheckpoint(),
		CachedStreamInfo:       ri.reader.CachedStreamInfo(),
		NotCachedStreamInfo:    ri.reader.NotCachedStreamInfo(),
		HashCollisions:         ri.reader.HashCollisions(),
		ReadersCreated:         ri.backend.ReadersCreated(),
		ReadersLeased:          ri.backend.ReadersLeased(),
		CommittedEventsCached:  committed.Count(),
		CommittedEventsBytes:   committed.Size(),
	}
}

// Close releases the secondary index.
func (ri *ReadIndex) Close() error {
	return ri.index.Close()
}
