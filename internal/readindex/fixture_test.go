package readindex

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/flostore/internal/eventlog"
	pebblestore "github.com/rzbill/flostore/internal/storage/pebble"
	"github.com/rzbill/flostore/internal/tableindex"
	logpkg "github.com/rzbill/flostore/pkg/log"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []any
}

func (p *recordingPublisher) Publish(msg any) {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
}

func (p *recordingPublisher) committed() []EventCommitted {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []EventCommitted
	for _, m := range p.msgs {
		if e, ok := m.(EventCommitted); ok {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.msgs = nil
	p.mu.Unlock()
}

type fixture struct {
	t        *testing.T
	db       *pebblestore.DB
	log      *eventlog.Log
	hasher   tableindex.Hasher
	opts     Options
	indexChk *eventlog.MemCheckpoint
	pub      *recordingPublisher
	ri       *ReadIndex
}

func newFixture(t *testing.T, tune ...func(*Options)) *fixture {
	return newFixtureWithHasher(t, nil, tune...)
}

func newFixtureWithHasher(t *testing.T, h tableindex.Hasher, tune ...func(*Options)) *fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	l, err := eventlog.OpenLog(db)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.ExistenceFilterSize = 10000
	for _, fn := range tune {
		fn(&opts)
	}
	f := &fixture{
		t:        t,
		db:       db,
		log:      l,
		hasher:   h,
		opts:     opts,
		indexChk: eventlog.NewMemCheckpoint(eventlog.CheckpointIndex, -1),
	}
	f.reopen()
	return f
}

// reopen builds a fresh ReadIndex over the same store and rebuilds it.
func (f *fixture) reopen() {
	f.t.Helper()
	f.pub = &recordingPublisher{}
	ix := tableindex.Open(f.db, tableindex.Options{Hasher: f.hasher})
	f.ri = New(f.log, ix, f.indexChk, f.log.WriterCheckpoint(), f.pub, f.opts, logpkg.NewNopLogger(), nil)
	require.NoError(f.t, f.ri.Init(context.Background(), f.log.WriterCheckpoint().Read()))
}

func jsonData(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// directPrepares builds one direct write of data to stream at expectedVersion.
func directPrepares(stream, eventType string, expectedVersion int64, ids []uuid.UUID, data ...[]byte) []*eventlog.PrepareRecord {
	prepares := make([]*eventlog.PrepareRecord, len(data))
	for i, d := range data {
		flags := eventlog.FlagData | eventlog.FlagIsCommitted | eventlog.FlagIsJSON
		if i == 0 {
			flags |= eventlog.FlagTransactionBegin
		}
		if i == len(data)-1 {
			flags |= eventlog.FlagTransactionEnd
		}
		id := uuid.New()
		if ids != nil {
			id = ids[i]
		}
		prepares[i] = &eventlog.PrepareRecord{
			TransactionPosition: -1,
			TransactionOffset:   int32(i),
			ExpectedVersion:     expectedVersion + int64(i),
			EventStreamID:       stream,
			EventID:             id,
			Flags:               flags,
			TimeStamp:           time.Now().UTC(),
			EventType:           eventType,
			Data:                d,
		}
	}
	return prepares
}

func (f *fixture) lastEventNumber(stream string) int64 {
	f.t.Helper()
	n, err := f.ri.Writer().GetStreamLastEventNumber(stream)
	require.NoError(f.t, err)
	if n < 0 {
		return ExpectedVersionNoStream
	}
	return n
}

// appendDirect appends a direct write without indexing it.
func (f *fixture) appendDirect(stream, eventType string, ids []uuid.UUID, data ...[]byte) []*eventlog.PrepareRecord {
	f.t.Helper()
	prepares := directPrepares(stream, eventType, f.lastEventNumber(stream), ids, data...)
	recs := make([]eventlog.Record, len(prepares))
	for i, p := range prepares {
		recs[i] = p
	}
	_, err := f.log.Append(context.Background(), recs...)
	require.NoError(f.t, err)
	return prepares
}

// commitDirect indexes prepares appended by appendDirect.
func (f *fixture) commitDirect(prepares []*eventlog.PrepareRecord) {
	f.t.Helper()
	_, err := f.ri.Committer().CommitPrepares(prepares, true, true)
	require.NoError(f.t, err)
}

// write appends and indexes a direct write of data to stream.
func (f *fixture) write(stream string, data ...[]byte) []*eventlog.PrepareRecord {
	f.t.Helper()
	return f.writeTyped(stream, "test", nil, data...)
}

func (f *fixture) writeTyped(stream, eventType string, ids []uuid.UUID, data ...[]byte) []*eventlog.PrepareRecord {
	f.t.Helper()
	w := f.ri.Writer()
	prepares := f.appendDirect(stream, eventType, ids, data...)
	require.NoError(f.t, w.PreCommitPrepares(prepares))
	f.commitDirect(prepares)
	require.NoError(f.t, w.PurgeNotProcessedCommitsTill(f.log.WriterCheckpoint().Read()))
	return prepares
}

// writeN writes n JSON events {"n": i} to stream.
func (f *fixture) writeN(stream string, n int) []*eventlog.PrepareRecord {
	f.t.Helper()
	data := make([][]byte, n)
	for i := range data {
		data[i] = jsonData(map[string]int{"n": i})
	}
	return f.write(stream, data...)
}

// appendTransaction appends an explicit transaction and its commit.
func (f *fixture) appendTransaction(stream string, firstEventNumber int64, data ...[]byte) ([]*eventlog.PrepareRecord, *eventlog.CommitRecord) {
	f.t.Helper()
	var recs []eventlog.Record
	var prepares []*eventlog.PrepareRecord
	for i, d := range data {
		flags := eventlog.FlagData | eventlog.FlagIsJSON
		if i == 0 {
			flags |= eventlog.FlagTransactionBegin
		}
		if i == len(data)-1 {
			flags |= eventlog.FlagTransactionEnd
		}
		p := &eventlog.PrepareRecord{
			TransactionPosition: -1,
			TransactionOffset:   int32(i),
			ExpectedVersion:     firstEventNumber - 1,
			EventStreamID:       stream,
			EventID:             uuid.New(),
			Flags:               flags,
			TimeStamp:           time.Now().UTC(),
			EventType:           "tx",
			Data:                d,
		}
		prepares = append(prepares, p)
		recs = append(recs, p)
	}
	commit := &eventlog.CommitRecord{TransactionPosition: -1, FirstEventNumber: firstEventNumber, TimeStamp: time.Now().UTC()}
	recs = append(recs, commit)
	_, err := f.log.Append(context.Background(), recs...)
	require.NoError(f.t, err)
	return prepares, commit
}

func (f *fixture) hardDelete(stream string) {
	f.t.Helper()
	p := &eventlog.PrepareRecord{
		TransactionPosition: -1,
		ExpectedVersion:     f.lastEventNumber(stream),
		EventStreamID:       stream,
		EventID:             uuid.New(),
		Flags:               eventlog.FlagStreamDelete | eventlog.FlagTransactionBegin | eventlog.FlagTransactionEnd | eventlog.FlagIsCommitted,
		TimeStamp:           time.Now().UTC(),
		EventType:           "$streamDeleted",
	}
	_, err := f.log.Append(context.Background(), p)
	require.NoError(f.t, err)
	prepares := []*eventlog.PrepareRecord{p}
	require.NoError(f.t, f.ri.Writer().PreCommitPrepares(prepares))
	f.commitDirect(prepares)
	require.NoError(f.t, f.ri.Writer().PurgeNotProcessedCommitsTill(f.log.WriterCheckpoint().Read()))
}

// commitTransaction runs an appended transaction through the writer and the
// committer.
func (f *fixture) commitTransaction(commit *eventlog.CommitRecord) {
	f.t.Helper()
	w := f.ri.Writer()
	require.NoError(f.t, w.PreCommit(commit))
	_, err := f.ri.Committer().Commit(commit, true, true)
	require.NoError(f.t, err)
	require.NoError(f.t, w.PurgeNotProcessedCommitsTill(f.log.WriterCheckpoint().Read()))
}

func (f *fixture) setMetadata(stream string, meta StreamMetadata) {
	f.t.Helper()
	f.writeTyped(MetastreamOf(stream), StreamMetadataEventType, nil, meta.JSON())
}
