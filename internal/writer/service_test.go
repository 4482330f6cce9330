package writer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/flostore/internal/chaser"
	"github.com/rzbill/flostore/internal/eventlog"
	"github.com/rzbill/flostore/internal/readindex"
	pebblestore "github.com/rzbill/flostore/internal/storage/pebble"
	"github.com/rzbill/flostore/internal/tableindex"
	logpkg "github.com/rzbill/flostore/pkg/log"
)

type harness struct {
	log *eventlog.Log
	ri  *readindex.ReadIndex
	svc *Service
	reg *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	l, err := eventlog.OpenLog(db)
	require.NoError(t, err)

	repl := eventlog.NewMemCheckpoint(eventlog.CheckpointReplication, 0)
	ix := tableindex.Open(db, tableindex.Options{})
	ri := readindex.New(l, ix, eventlog.NewMemCheckpoint(eventlog.CheckpointIndex, -1), repl, nil,
		readindex.DefaultOptions(), logpkg.NewNopLogger(), nil)
	require.NoError(t, ri.Init(context.Background(), repl.Read()))
	c := chaser.New(l, ri, repl, nil, chaser.DefaultOptions(), logpkg.NewNopLogger(), nil)

	reg := prometheus.NewRegistry()
	return &harness{log: l, ri: ri, svc: New(l, ri, c, DefaultOptions(), logpkg.NewNopLogger(), reg), reg: reg}
}

func events(n int) []Event {
	out := make([]Event, n)
	for i := range out {
		out[i] = Event{ID: uuid.New(), Type: "test", Data: []byte(fmt.Sprintf(`{"n":%d}`, i)), IsJSON: true}
	}
	return out
}

func (h *harness) readForward(t *testing.T, stream string) readindex.ReadStreamResult {
	t.Helper()
	res, err := h.ri.ReadStreamEventsForward(stream, 0, 100)
	require.NoError(t, err)
	return res
}

func TestWriteEventsAssignsNumbers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionNoStream, events(2))
	require.NoError(t, err)
	require.Equal(t, int64(0), res.FirstEventNumber)
	require.Equal(t, int64(1), res.LastEventNumber)
	require.False(t, res.AlreadyCommitted)

	res, err = h.svc.WriteEvents(ctx, "s", 1, events(1))
	require.NoError(t, err)
	require.Equal(t, int64(2), res.FirstEventNumber)

	// Indexed by the synchronous chase.
	read := h.readForward(t, "s")
	require.Equal(t, readindex.ReadStreamSuccess, read.Result)
	require.Len(t, read.Records, 3)
	require.Equal(t, h.log.WriterCheckpoint().Read(), h.ri.EndPos().CommitPosition)
}

func TestWriteEventsWrongExpectedVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionNoStream, events(2))
	require.NoError(t, err)

	_, err = h.svc.WriteEvents(ctx, "s", 5, events(1))
	require.ErrorIs(t, err, ErrWrongExpectedVersion)
	var wrong *WrongExpectedVersionError
	require.True(t, errors.As(err, &wrong))
	require.Equal(t, int64(1), wrong.Current)
	require.Equal(t, int64(5), wrong.Expected)

	_, err = h.svc.WriteEvents(ctx, "fresh", readindex.ExpectedVersionStreamExists, events(1))
	require.ErrorIs(t, err, ErrWrongExpectedVersion)

	require.Equal(t, 1.0, testutil.ToFloat64(h.svc.outcomes.WithLabelValues("write", "ok")))
	require.Equal(t, 2.0, testutil.ToFloat64(h.svc.outcomes.WithLabelValues("write", "wrong_expected_version")))
}

func TestWriteEventsIdempotentRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	batch := events(2)

	first, err := h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionNoStream, batch)
	require.NoError(t, err)
	end := h.log.WriterCheckpoint().Read()

	again, err := h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionNoStream, batch)
	require.NoError(t, err)
	require.True(t, again.AlreadyCommitted)
	require.Equal(t, first.FirstEventNumber, again.FirstEventNumber)
	require.Equal(t, first.LastEventNumber, again.LastEventNumber)
	require.Equal(t, end, h.log.WriterCheckpoint().Read())

	anyVersion, err := h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionAny, batch)
	require.NoError(t, err)
	require.True(t, anyVersion.AlreadyCommitted)
}

func TestWriteEventsValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.WriteEvents(ctx, "", readindex.ExpectedVersionAny, events(1))
	require.ErrorIs(t, err, ErrInvalidStream)
	_, err = h.svc.WriteEvents(ctx, readindex.AllStream, readindex.ExpectedVersionAny, events(1))
	require.ErrorIs(t, err, ErrInvalidStream)
	_, err = h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionAny, nil)
	require.ErrorIs(t, err, ErrNoEvents)
}

func TestHardDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionNoStream, events(2))
	require.NoError(t, err)

	_, err = h.svc.DeleteStream(ctx, "s", 0, true)
	require.ErrorIs(t, err, ErrWrongExpectedVersion)

	res, err := h.svc.DeleteStream(ctx, "s", 1, true)
	require.NoError(t, err)
	require.Equal(t, readindex.EventNumberDeletedStream, res.LastEventNumber)

	last, err := h.ri.GetStreamLastEventNumber("s")
	require.NoError(t, err)
	require.Equal(t, readindex.EventNumberDeletedStream, last)
	require.Equal(t, readindex.ReadStreamDeleted, h.readForward(t, "s").Result)

	_, err = h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionAny, events(1))
	require.ErrorIs(t, err, ErrStreamDeleted)
	_, err = h.svc.DeleteStream(ctx, "s", readindex.ExpectedVersionAny, true)
	require.ErrorIs(t, err, ErrStreamDeleted)
	_, err = h.svc.DeleteStream(ctx, "s", readindex.ExpectedVersionAny, false)
	require.ErrorIs(t, err, ErrStreamDeleted)
	_, err = h.svc.TransactionStart(ctx, "s", readindex.ExpectedVersionAny)
	require.ErrorIs(t, err, ErrStreamDeleted)
	_, err = h.svc.SetStreamMetadata(ctx, "s", readindex.ExpectedVersionAny, readindex.StreamMetadata{MaxCount: 1})
	require.ErrorIs(t, err, ErrStreamDeleted)
}

func TestSoftDeleteThenRecreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionNoStream, events(2))
	require.NoError(t, err)

	_, err = h.svc.DeleteStream(ctx, "s", readindex.ExpectedVersionAny, false)
	require.NoError(t, err)
	meta, err := h.ri.GetStreamMetadata("s")
	require.NoError(t, err)
	require.True(t, meta.IsSoftDeleted())
	require.Equal(t, readindex.ReadStreamNoStream, h.readForward(t, "s").Result)

	res, err := h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionNoStream, events(1))
	require.NoError(t, err)
	require.Equal(t, int64(2), res.FirstEventNumber)

	meta, err = h.ri.GetStreamMetadata("s")
	require.NoError(t, err)
	require.False(t, meta.IsSoftDeleted())
	require.Equal(t, int64(2), meta.TruncateBefore)

	read := h.readForward(t, "s")
	require.Equal(t, readindex.ReadStreamSuccess, read.Result)
	require.Len(t, read.Records, 1)
	require.Equal(t, int64(2), read.Records[0].EventNumber)
}

func TestSoftDeleteNeedsSomethingToDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.DeleteStream(ctx, "ghost", readindex.ExpectedVersionAny, false)
	require.ErrorIs(t, err, ErrWrongExpectedVersion)

	_, err = h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionNoStream, events(1))
	require.NoError(t, err)
	_, err = h.svc.DeleteStream(ctx, "s", 3, false)
	require.ErrorIs(t, err, ErrWrongExpectedVersion)
}

func TestMetadataWriteRecreatesSoftDeletedStream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionNoStream, events(3))
	require.NoError(t, err)
	_, err = h.svc.DeleteStream(ctx, "s", 2, false)
	require.NoError(t, err)

	_, err = h.svc.SetStreamMetadata(ctx, "s", readindex.ExpectedVersionAny, readindex.StreamMetadata{MaxCount: 5})
	require.NoError(t, err)

	meta, err := h.ri.GetStreamMetadata("s")
	require.NoError(t, err)
	require.Equal(t, int64(5), meta.MaxCount)
	require.Equal(t, int64(3), meta.TruncateBefore)

	read := h.readForward(t, "s")
	require.Equal(t, readindex.ReadStreamSuccess, read.Result)
	require.Empty(t, read.Records)
}

func TestSetStreamMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.SetStreamMetadata(ctx, "s", readindex.ExpectedVersionNoStream, readindex.StreamMetadata{MaxCount: 2})
	require.NoError(t, err)
	require.Equal(t, int64(0), res.FirstEventNumber)

	for i := 0; i < 4; i++ {
		_, err = h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionAny, events(1))
		require.NoError(t, err)
	}
	read := h.readForward(t, "s")
	require.Len(t, read.Records, 2)
	require.Equal(t, int64(2), read.Records[0].EventNumber)

	_, err = h.svc.SetStreamMetadata(ctx, readindex.MetastreamOf("s"), readindex.ExpectedVersionAny, readindex.StreamMetadata{})
	require.ErrorIs(t, err, ErrInvalidStream)
}

func TestTransactionCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx, err := h.svc.TransactionStart(ctx, "tx", readindex.ExpectedVersionNoStream)
	require.NoError(t, err)
	require.NoError(t, h.svc.TransactionWrite(ctx, tx, events(2)))
	require.NoError(t, h.svc.TransactionWrite(ctx, tx, events(1)))
	require.Equal(t, readindex.ReadStreamNoStream, h.readForward(t, "tx").Result)

	res, err := h.svc.TransactionCommit(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, int64(0), res.FirstEventNumber)
	require.Equal(t, int64(2), res.LastEventNumber)

	read := h.readForward(t, "tx")
	require.Len(t, read.Records, 3)
	for i, r := range read.Records {
		require.Equal(t, int64(i), r.EventNumber)
	}
}

func TestTransactionWrongExpectedVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx, err := h.svc.TransactionStart(ctx, "s", readindex.ExpectedVersionNoStream)
	require.NoError(t, err)
	require.NoError(t, h.svc.TransactionWrite(ctx, tx, events(1)))

	_, err = h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionNoStream, events(1))
	require.NoError(t, err)

	_, err = h.svc.TransactionCommit(ctx, tx)
	var wrong *WrongExpectedVersionError
	require.True(t, errors.As(err, &wrong))
	require.Equal(t, readindex.ExpectedVersionNoStream, wrong.Expected)
	require.Equal(t, int64(0), wrong.Current)
}

func TestEmptyTransactionBehindStreamIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionNoStream, events(3))
	require.NoError(t, err)

	tx, err := h.svc.TransactionStart(ctx, "s", 0)
	require.NoError(t, err)
	res, err := h.svc.TransactionCommit(ctx, tx)
	var wrong *WrongExpectedVersionError
	require.True(t, errors.As(err, &wrong))
	require.Equal(t, int64(0), wrong.Expected)
	require.Equal(t, int64(2), wrong.Current)
	require.False(t, res.AlreadyCommitted)
	require.Len(t, h.readForward(t, "s").Records, 3)
}

func TestTransactionUnknownID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionNoStream, events(1))
	require.NoError(t, err)

	require.ErrorIs(t, h.svc.TransactionWrite(ctx, 123456, events(1)), ErrInvalidTransaction)
	_, err = h.svc.TransactionCommit(ctx, 123456)
	require.ErrorIs(t, err, ErrInvalidTransaction)
}

type failingChaser struct{ err error }

func (f failingChaser) Chase(context.Context) error { return f.err }

func TestChaseFailureAfterWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.chaser = failingChaser{err: errors.New("disk hiccup")}
	res, err := h.svc.WriteEvents(ctx, "s", readindex.ExpectedVersionNoStream, events(1))
	require.NoError(t, err)
	require.Equal(t, int64(0), res.FirstEventNumber)

	// Still visible to the writer through PreCommit.
	last, err := h.ri.Writer().GetStreamLastEventNumber("s")
	require.NoError(t, err)
	require.Equal(t, int64(0), last)

	h.svc.chaser = failingChaser{err: errors.WithStack(&readindex.CorruptionError{Op: "commit", Reason: "test"})}
	_, err = h.svc.WriteEvents(ctx, "s", 0, events(1))
	require.ErrorIs(t, err, readindex.ErrIndexCorrupted)
}

func TestConcurrentWritersSerialize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const writers, each = 4, 5

	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		go func() {
			for i := 0; i < each; i++ {
				if _, err := h.svc.WriteEvents(ctx, "shared", readindex.ExpectedVersionAny, events(1)); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}()
	}
	deadline := time.After(10 * time.Second)
	for w := 0; w < writers; w++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-deadline:
			t.Fatal("writers did not finish")
		}
	}
	last, err := h.ri.GetStreamLastEventNumber("shared")
	require.NoError(t, err)
	require.Equal(t, int64(writers*each-1), last)
}
