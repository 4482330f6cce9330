package eventlog

import (
	"context"
	"time"

	"github.com/cockroachdb/pebble"
)

// ScavengeHook is an optional callback invoked when a scavenge deletes a
// batch of records. Implementations may emit metrics or invalidate caches.
type ScavengeHook interface {
	EmitScavengedRange(minPos, maxPos int64, count int)
}

type noopScavengeHook struct{}

func (noopScavengeHook) EmitScavengedRange(int64, int64, int) {}

// KeepFunc decides whether a record survives a scavenge.
type KeepFunc func(rec Record) bool

// ScavengeResult summarizes a scavenge pass.
type ScavengeResult struct {
	Scanned int
	Deleted int
	// LastDeleted is the position of the last deleted record, -1 if none.
	LastDeleted int64
}

// Scavenge deletes every record below the writer checkpoint for which keep
// returns false. Deletes are committed in batches of up to batchLimit keys
// with an optional throttle between commits. Positions of surviving records
// never change.
func (l *Log) Scavenge(ctx context.Context, keep KeepFunc, batchLimit int, throttle time.Duration) (ScavengeResult, error) {
	if batchLimit <= 0 {
		batchLimit = 1024
	}
	res := ScavengeResult{LastDeleted: -1}

	low := KeyLogEntry(0)
	hi := KeyLogEntry(l.writer.Read())
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return res, err
	}
	defer iter.Close()

	l.mu.Lock()
	hook := l.hook
	l.mu.Unlock()

	for ok := iter.First(); ok; {
		b := l.db.NewBatch()
		n := 0
		minPos, maxPos := int64(-1), int64(-1)
		for ok && n < batchLimit {
			if err := ctx.Err(); err != nil {
				b.Close()
				return res, err
			}
			pos := positionFromKey(iter.Key())
			rec, err := DecodeRecord(pos, iter.Value())
			if err != nil {
				b.Close()
				return res, err
			}
			res.Scanned++
			if !keep(rec) {
				if err := b.Delete(iter.Key(), nil); err != nil {
					b.Close()
					return res, err
				}
				if minPos < 0 {
					minPos = pos
				}
				maxPos = pos
				n++
			}
			ok = iter.Next()
		}
		if n > 0 {
			if err := l.db.CommitBatch(ctx, b); err != nil {
				b.Close()
				return res, err
			}
			res.Deleted += n
			res.LastDeleted = maxPos
			hook.EmitScavengedRange(minPos, maxPos, n)
			if throttle > 0 {
				time.Sleep(throttle)
			}
		}
		b.Close()
	}
	return res, iter.Error()
}
