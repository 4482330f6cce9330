package eventlog

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	pebblestore "github.com/rzbill/flostore/internal/storage/pebble"
)

// ErrNotFound is returned by TryReadAt when a record that cannot have been
// scavenged is absent.
var ErrNotFound = errors.New("eventlog: record not found")

// Log is the append-only transaction log. Positions are byte offsets: a record
// stored at p with encoded length n occupies [p, p+n).
type Log struct {
	db     *pebblestore.DB
	writer *DBCheckpoint

	mu sync.Mutex

	notifyMu sync.Mutex
	notifyCh chan struct{}

	hook ScavengeHook
}

// OpenLog initializes a Log and loads the writer checkpoint (if any).
func OpenLog(db *pebblestore.DB) (*Log, error) {
	writer, err := OpenCheckpoint(db, CheckpointWriter, 0)
	if err != nil {
		return nil, err
	}
	return &Log{db: db, writer: writer, notifyCh: make(chan struct{}), hook: noopScavengeHook{}}, nil
}

// DB returns the underlying store.
func (l *Log) DB() *pebblestore.DB { return l.db }

// WriterCheckpoint is the post-position of the last appended record.
func (l *Log) WriterCheckpoint() Checkpoint { return l.writer }

// SetScavengeHook installs h; nil restores the no-op hook.
func (l *Log) SetScavengeHook(h ScavengeHook) {
	if h == nil {
		h = noopScavengeHook{}
	}
	l.mu.Lock()
	l.hook = h
	l.mu.Unlock()
}

// Append writes recs as a single atomic batch, assigning each its log position
// in place. A negative transaction position resolves to the position of the
// first record of this append. Returns the assigned positions.
func (l *Log) Append(ctx context.Context, recs ...Record) ([]int64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	first := l.writer.ReadNonFlushed()
	pos := first
	positions := make([]int64, len(recs))
	for i, r := range recs {
		r.assign(pos, first)
		val := EncodeRecord(r)
		if err := b.Set(KeyLogEntry(pos), val, nil); err != nil {
			return nil, err
		}
		positions[i] = pos
		pos += int64(len(val))
	}
	if err := l.writer.writeInBatch(b, pos); err != nil {
		return nil, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, errors.Wrap(err, "append")
	}
	l.writer.markFlushed(pos)

	// notify waiters
	l.notifyMu.Lock()
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	l.notifyMu.Unlock()
	return positions, nil
}
