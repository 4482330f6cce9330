package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

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

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db := openTestDB(t, t.TempDir())
	t.Cleanup(func() { _ = db.Close() })
	l, err := OpenLog(db)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return l
}

func testPrepare(stream string, data string) *PrepareRecord {
	return &PrepareRecord{
		TransactionPosition: -1,
		ExpectedVersion:     -1,
		EventStreamID:       stream,
		EventID:             uuid.New(),
		Flags:               FlagSingleWrite | FlagIsCommitted,
		TimeStamp:           time.Now().UTC(),
		EventType:           "test",
		Data:                []byte(data),
	}
}

func TestAppendAssignsContiguousPositions(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	a, b := testPrepare("s", "p1"), testPrepare("s", "p2")
	pos, err := l.Append(ctx, a, b)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(pos) != 2 || pos[0] != 0 {
		t.Fatalf("unexpected positions: %v", pos)
	}
	if a.LogPosition != pos[0] || b.LogPosition != pos[1] {
		t.Fatalf("positions not assigned in place")
	}
	if a.TransactionPosition != 0 || b.TransactionPosition != 0 {
		t.Fatalf("pending transaction position should resolve to first record: %d %d", a.TransactionPosition, b.TransactionPosition)
	}
	wantSecond := int64(len(EncodeRecord(a)))
	if pos[1] != wantSecond {
		t.Fatalf("second record at %d, want %d", pos[1], wantSecond)
	}
	if got := l.WriterCheckpoint().Read(); got != wantSecond+int64(len(EncodeRecord(b))) {
		t.Fatalf("writer checkpoint %d", got)
	}
}

func TestAppendDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	l, err := OpenLog(db)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	ctx := context.Background()
	pos, err := l.Append(ctx, testPrepare("s", "x"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	end := l.WriterCheckpoint().Read()
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// reopen and ensure the writer checkpoint is restored
	db2 := openTestDB(t, dir)
	t.Cleanup(func() { _ = db2.Close() })
	l2, err := OpenLog(db2)
	if err != nil {
		t.Fatalf("open log2: %v", err)
	}
	if got := l2.WriterCheckpoint().Read(); got != end {
		t.Fatalf("writer checkpoint after reopen %d want %d", got, end)
	}
	pos2, err := l2.Append(ctx, testPrepare("s", "y"))
	if err != nil {
		t.Fatalf("append2: %v", err)
	}
	if pos2[0] != end || !(pos[0] < pos2[0]) {
		t.Fatalf("expected next position at previous end: prev=%d next=%d", pos[0], pos2[0])
	}
}

func TestAppendEmptyIsNoop(t *testing.T) {
	l := newTestLog(t)
	pos, err := l.Append(context.Background())
	if err != nil || pos != nil {
		t.Fatalf("unexpected result %v %v", pos, err)
	}
	if l.WriterCheckpoint().Read() != 0 {
		t.Fatalf("empty append moved the writer checkpoint")
	}
}
