package chaser

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rzbill/flostore/internal/eventlog"
	"github.com/rzbill/flostore/internal/readindex"
	logpkg "github.com/rzbill/flostore/pkg/log"
)

// CommitAck is published once a commit has been indexed.
type CommitAck struct {
	LogPosition         int64
	TransactionPosition int64
	FirstEventNumber    int64
	LastEventNumber     int64
}

// Options tunes the chase loop.
type Options struct {
	// IdleWait bounds how long Run sleeps waiting for an append.
	IdleWait time.Duration
	// RetryBackoff is the pause after a failed chase that is not fatal.
	RetryBackoff time.Duration
}

func DefaultOptions() Options {
	return Options{IdleWait: 100 * time.Millisecond, RetryBackoff: time.Second}
}

// Chaser tails the log past the replication checkpoint and drives the
// committer. Records are grouped into commits the same way the rebuild
// replay groups them.
type Chaser struct {
	log         *eventlog.Log
	ri          *readindex.ReadIndex
	replication eventlog.Checkpoint
	publisher   readindex.Publisher
	opts        Options
	logger      logpkg.Logger

	chased  prometheus.Counter
	acked   prometheus.Counter
	replPos prometheus.Gauge

	mu        sync.Mutex
	reader    *eventlog.Reader
	position  int64
	pending   []*eventlog.PrepareRecord
	pendingTx int64
}

// New builds a chaser starting at the replication checkpoint. publisher and
// reg may be nil.
func New(log *eventlog.Log, ri *readindex.ReadIndex, replication eventlog.Checkpoint, publisher readindex.Publisher,
	opts Options, logger logpkg.Logger, reg prometheus.Registerer) *Chaser {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = DefaultOptions().IdleWait
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultOptions().RetryBackoff
	}
	c := &Chaser{
		log:         log,
		ri:          ri,
		replication: replication,
		publisher:   publisher,
		opts:        opts,
		logger:      logger.With(logpkg.Component("chaser")),
		chased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flostore",
			Subsystem: "chaser",
			Name:      "records_total",
			Help:      "Log records read by the chaser.",
		}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flostore",
			Subsystem: "chaser",
			Name:      "commits_acked_total",
			Help:      "Commits indexed by the chaser.",
		}),
		replPos: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flostore",
			Subsystem: "chaser",
			Name:      "replication_checkpoint",
			Help:      "Last flushed replication checkpoint.",
		}),
		reader:    log.NewReader(),
		position:  replication.Read(),
		pendingTx: -1,
	}
	if reg != nil {
		reg.MustRegister(c.chased, c.acked, c.replPos)
	}
	c.replPos.Set(float64(c.position))
	return c
}

// Position is the next log position the chaser will read.
func (c *Chaser) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// Chase indexes every record below the current writer checkpoint. The
// replication checkpoint is moved to that target before indexing, so a
// restart rebuilds whatever this call did not finish. On return the
// IndexWriter no longer pins commits below the target.
func (c *Chaser) Chase(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.log.WriterCheckpoint().Read()
	if target > c.replication.ReadNonFlushed() {
		c.replication.Write(target)
		if err := c.replication.Flush(); err != nil {
			return errors.Wrap(err, "flush replication checkpoint")
		}
		c.replPos.Set(float64(target))
	}

	c.reader.Reposition(c.position)
	for c.position < target {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := c.reader.TryReadNext()
		if err != nil {
			return errors.Wrapf(err, "read log at %d", c.position)
		}
		if !res.Success || res.PrePosition >= target {
			break
		}
		if err := c.process(res.Record, res.PostPosition >= target); err != nil {
			return err
		}
		c.position = res.PostPosition
		c.chased.Inc()
	}

	w := c.ri.Writer()
	if err := w.PurgeNotProcessedCommitsTill(target); err != nil {
		return err
	}
	return w.PurgeNotProcessedTransactions(target)
}

func (c *Chaser) process(rec eventlog.Record, isEndOfLog bool) error {
	switch r := rec.(type) {
	case *eventlog.PrepareRecord:
		if len(c.pending) > 0 && c.pendingTx != r.TransactionPosition {
			if err := c.flush(c.pending, false); err != nil {
				return err
			}
		}
		if !r.Flags.Has(eventlog.FlagIsCommitted) {
			return nil
		}
		group := c.pending
		if r.Flags.HasAny(eventlog.FlagData | eventlog.FlagStreamDelete) {
			group = append(group, r)
		}
		if r.Flags.Has(eventlog.FlagTransactionEnd) {
			return c.flush(group, isEndOfLog)
		}
		c.pending = group
		c.pendingTx = r.TransactionPosition
		return nil

	case *eventlog.CommitRecord:
		if err := c.flush(c.pending, false); err != nil {
			return err
		}
		last, err := c.ri.Committer().Commit(r, isEndOfLog, true)
		if err != nil {
			return err
		}
		if last != readindex.EventNumberInvalid {
			c.ack(CommitAck{
				LogPosition:         r.LogPosition,
				TransactionPosition: r.TransactionPosition,
				FirstEventNumber:    r.FirstEventNumber,
				LastEventNumber:     last,
			})
		}
		return nil

	case *eventlog.SystemRecord:
		return c.flush(c.pending, false)

	default:
		return errors.Errorf("chaser: unexpected record type %T", rec)
	}
}

// flush commits a direct write. pending is cleared only on success so a
// failed chase resumes with the same group.
func (c *Chaser) flush(group []*eventlog.PrepareRecord, isEndOfLog bool) error {
	if len(group) == 0 {
		c.pending = nil
		c.pendingTx = -1
		return nil
	}
	last, err := c.ri.Committer().CommitPrepares(group, isEndOfLog, true)
	if err != nil {
		return err
	}
	c.pending = nil
	c.pendingTx = -1
	if last != readindex.EventNumberInvalid {
		first := group[0].ExpectedVersion + 1
		if group[0].Flags.Has(eventlog.FlagStreamDelete) {
			first = readindex.EventNumberDeletedStream
		}
		c.ack(CommitAck{
			LogPosition:         group[len(group)-1].LogPosition,
			TransactionPosition: group[0].TransactionPosition,
			FirstEventNumber:    first,
			LastEventNumber:     last,
		})
	}
	return nil
}

func (c *Chaser) ack(a CommitAck) {
	c.acked.Inc()
	if c.publisher != nil {
		c.publisher.Publish(a)
	}
}

// Run chases until ctx is done. It returns nil on cancellation and the
// error when the index is corrupted; other failures are logged and retried.
func (c *Chaser) Run(ctx context.Context) error {
	c.logger.Info("chaser started", logpkg.Int64("position", c.Position()))
	defer c.logger.Info("chaser stopped", logpkg.Int64("position", c.Position()))
	for {
		if err := c.Chase(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, readindex.ErrIndexCorrupted) {
				c.logger.Error("index corrupted, stopping", logpkg.Err(err))
				return err
			}
			c.logger.Warn("chase failed", logpkg.Err(err), logpkg.Dur("backoff", c.opts.RetryBackoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.opts.RetryBackoff):
			}
			continue
		}
		if c.Position() < c.log.WriterCheckpoint().Read() {
			continue
		}
		waitCtx, cancel := context.WithTimeout(ctx, c.opts.IdleWait)
		_ = c.log.WaitForAppendContext(waitCtx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
	}
}
