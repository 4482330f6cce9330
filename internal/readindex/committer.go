package readindex

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/rzbill/flostore/internal/eventlog"
	"github.com/rzbill/flostore/internal/tableindex"
	logpkg "github.com/rzbill/flostore/pkg/log"
)

// CommitterState is the lifecycle of an IndexCommitter.
type CommitterState int32

const (
	CommitterUninitialized CommitterState = iota
	CommitterRebuilding
	CommitterReady
	CommitterFailed
)

func (s CommitterState) String() string {
	switch s {
	case CommitterUninitialized:
		return "Uninitialized"
	case CommitterRebuilding:
		return "Rebuilding"
	case CommitterReady:
		return "Ready"
	case CommitterFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

const (
	rebuildProgressInterval = 5 * time.Second
	rebuildProgressRecords  = 100000
)

// CommitterOptions tunes indexing.
type CommitterOptions struct {
	// AdditionalCommitChecks verifies event-number continuity and rejects
	// duplicate index entries on every live commit.
	AdditionalCommitChecks bool
	// RebuildPauseEvery yields to background index work every N replayed
	// records; 0 disables pausing.
	RebuildPauseEvery int64
	RebuildPausePoll  time.Duration
}

// IndexCommitter is the single writer of the secondary index.
type IndexCommitter struct {
	backend   *IndexBackend
	index     *tableindex.Index
	existence *tableindex.ExistenceFilter
	reader    *IndexReader
	indexChk  eventlog.Checkpoint
	publisher Publisher
	opts      CommitterOptions
	logger    logpkg.Logger
	metrics   *Metrics

	state              atomic.Int32
	lastCommitPosition atomic.Int64
	indexRebuild       atomic.Bool

	persistedPreparePos int64
	persistedCommitPos  int64

	failMu  sync.Mutex
	failure error
}

// NewIndexCommitter wires a committer. publisher may be nil.
func NewIndexCommitter(backend *IndexBackend, index *tableindex.Index, existence *tableindex.ExistenceFilter,
	reader *IndexReader, indexChk eventlog.Checkpoint, publisher Publisher, opts CommitterOptions,
	logger logpkg.Logger, metrics *Metrics) *IndexCommitter {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if opts.RebuildPausePoll <= 0 {
		opts.RebuildPausePoll = time.Second
	}
	c := &IndexCommitter{
		backend:             backend,
		index:               index,
		existence:           existence,
		reader:              reader,
		indexChk:            indexChk,
		publisher:           publisher,
		opts:                opts,
		logger:              logger.With(logpkg.Component("index-committer")),
		metrics:             metrics,
		persistedPreparePos: -1,
		persistedCommitPos:  -1,
	}
	c.lastCommitPosition.Store(-1)
	return c
}

// State returns the current lifecycle state.
func (c *IndexCommitter) State() CommitterState { return CommitterState(c.state.Load()) }

// LastIndexedPosition is the commit position of the last indexed commit, -1
// before any.
func (c *IndexCommitter) LastIndexedPosition() int64 { return c.lastCommitPosition.Load() }

func (c *IndexCommitter) fail(err error) error {
	c.failMu.Lock()
	if c.failure == nil {
		c.failure = err
	}
	c.failMu.Unlock()
	c.state.Store(int32(CommitterFailed))
	c.logger.Error("index committer failed", logpkg.Err(err))
	return err
}

func (c *IndexCommitter) checkUsable() error {
	switch c.State() {
	case CommitterFailed:
		c.failMu.Lock()
		defer c.failMu.Unlock()
		return c.failure
	case CommitterUninitialized:
		return ErrNotReady
	default:
		return nil
	}
}

// Init rebuilds the index from its persisted checkpoint up to
// buildToPosition (the writer checkpoint) and moves the committer to Ready.
func (c *IndexCommitter) Init(ctx context.Context, buildToPosition int64) error {
	if c.State() != CommitterUninitialized {
		return nil
	}
	c.state.Store(int32(CommitterRebuilding))
	c.indexRebuild.Store(true)
	c.logger.Info("initializing read index", logpkg.Int64("build_to", buildToPosition))

	if err := c.index.Initialize(buildToPosition); err != nil {
		return c.fail(corruption("init", "%v", err))
	}
	c.persistedPreparePos = c.index.PrepareCheckpoint()
	c.persistedCommitPos = c.index.CommitCheckpoint()
	c.lastCommitPosition.Store(c.persistedCommitPos)
	c.indexChk.Write(c.persistedCommitPos)
	if err := c.indexChk.Flush(); err != nil {
		return c.fail(err)
	}

	if err := c.replay(ctx, buildToPosition); err != nil {
		return c.fail(err)
	}

	if c.existence != nil {
		if err := c.existence.Initialize(c.index); err != nil {
			return c.fail(err)
		}
	}
	if err := c.loadSystemSettings(); err != nil {
		return c.fail(err)
	}
	c.indexRebuild.Store(false)
	c.state.Store(int32(CommitterReady))
	c.logger.Info("read index ready", logpkg.Int64("last_indexed", c.LastIndexedPosition()))
	return nil
}

func (c *IndexCommitter) replay(ctx context.Context, buildToPosition int64) error {
	start := c.persistedCommitPos
	if start < 0 {
		start = 0
	}
	lease := c.backend.BorrowReader()
	defer lease.Release()
	lease.Reposition(start)

	var (
		committed []*eventlog.PrepareRecord
		processed int64
		lastLog   = time.Now()
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := lease.TryReadNext()
		if errors.Is(err, eventlog.ErrCorruptRecord) {
			return corruption("rebuild", "%v", err)
		}
		if err != nil {
			return err
		}
		if !res.Success || res.PrePosition >= buildToPosition {
			break
		}
		eof := res.PostPosition >= buildToPosition

		switch r := res.Record.(type) {
		case *eventlog.PrepareRecord:
			if !r.Flags.HasAny(eventlog.FlagIsCommitted) {
				break
			}
			if r.Flags.Has(eventlog.FlagSingleWrite) {
				// Self-contained: whatever is pending belongs to a write that
				// never saw its end.
				if _, err := c.CommitPrepares(committed, false, false); err != nil {
					return err
				}
				committed = nil
				if _, err := c.CommitPrepares([]*eventlog.PrepareRecord{r}, eof, false); err != nil {
					return err
				}
				break
			}
			if r.Flags.HasAny(eventlog.FlagData | eventlog.FlagStreamDelete) {
				committed = append(committed, r)
			}
			if r.Flags.HasAny(eventlog.FlagTransactionEnd) {
				if _, err := c.CommitPrepares(committed, eof, false); err != nil {
					return err
				}
				committed = nil
			}
		case *eventlog.CommitRecord:
			if _, err := c.Commit(r, eof, false); err != nil {
				return err
			}
		case *eventlog.SystemRecord:
			// Never indexed.
		default:
			return corruption("rebuild", "unexpected record type %T at %d", res.Record, res.PrePosition)
		}

		processed++
		c.metrics.RebuildRecords.Inc()
		if processed%rebuildProgressRecords == 0 || time.Since(lastLog) >= rebuildProgressInterval {
			lastLog = time.Now()
			c.logger.Info("rebuilding read index",
				logpkg.Int64("position", res.PostPosition),
				logpkg.Int64("build_to", buildToPosition),
				logpkg.Int64("records", processed),
				logpkg.Int64("percent", res.PostPosition*100/buildToPosition))
		}
		if c.opts.RebuildPauseEvery > 0 && processed%c.opts.RebuildPauseEvery == 0 {
			if err := c.waitForBackgroundTasks(ctx); err != nil {
				return err
			}
		}
	}
	// Rebuilt commits publish nothing, so subscribers learn the tail here.
	c.publisher.Publish(EndOfLogAtNonCommitRecord{})
	c.logger.Info("read index rebuilt", logpkg.Int64("records", processed))
	return nil
}

func (c *IndexCommitter) waitForBackgroundTasks(ctx context.Context) error {
	for c.index.IsBackgroundTaskRunning() {
		c.logger.Debug("pausing rebuild while index background work runs")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.RebuildPausePoll):
		}
	}
	return nil
}

func (c *IndexCommitter) loadSystemSettings() error {
	res, err := c.reader.ReadEvent(SettingsStream, -1)
	if err != nil {
		return err
	}
	if res.Result != ReadEventSuccess {
		return nil
	}
	s, err := ParseSystemSettings(res.Record.Data)
	if err != nil {
		c.logger.Error("could not parse system settings", logpkg.Err(err))
		return nil
	}
	c.backend.SetSystemSettings(s)
	return nil
}

// alreadyCommitted reports whether pos is covered by the indexed checkpoint.
// The rebuild restarts at the persisted commit, so equality is not skipped
// while rebuilding.
func (c *IndexCommitter) alreadyCommitted(pos, last int64) bool {
	return pos < last || (pos == last && !c.indexRebuild.Load())
}

func (c *IndexCommitter) persisted() TFPos {
	return TFPos{CommitPosition: c.persistedCommitPos, PreparePosition: c.persistedPreparePos}
}

// Commit indexes an explicit commit and returns the last event number it
// assigned, or EventNumberInvalid when nothing was indexed.
func (c *IndexCommitter) Commit(commit *eventlog.CommitRecord, isEndOfLog, cacheLastEventNumber bool) (int64, error) {
	if err := c.checkUsable(); err != nil {
		return EventNumberInvalid, err
	}
	last := c.lastCommitPosition.Load()
	if c.alreadyCommitted(commit.LogPosition, last) {
		return EventNumberInvalid, nil
	}

	lease := c.backend.BorrowReader()
	prepares, err := lease.transactionPrepares(commit.TransactionPosition, commit.LogPosition)
	lease.Release()
	if err != nil {
		return EventNumberInvalid, err
	}

	g := commitGroup{commitPosition: commit.LogPosition}
	for _, p := range prepares {
		if !p.Flags.HasAny(eventlog.FlagData | eventlog.FlagStreamDelete) {
			continue
		}
		n := commit.FirstEventNumber + int64(p.TransactionOffset)
		if err := g.add(c, p, n, TFPos{CommitPosition: commit.LogPosition, PreparePosition: p.LogPosition}); err != nil {
			return EventNumberInvalid, c.fail(err)
		}
	}
	return c.apply(g, last, commit.LogPosition, isEndOfLog, cacheLastEventNumber)
}

// CommitPrepares indexes a direct write: prepares flagged IsCommitted, each
// its own commit point.
func (c *IndexCommitter) CommitPrepares(prepares []*eventlog.PrepareRecord, isEndOfLog, cacheLastEventNumber bool) (int64, error) {
	if err := c.checkUsable(); err != nil {
		return EventNumberInvalid, err
	}
	if len(prepares) == 0 {
		return EventNumberInvalid, nil
	}
	last := c.lastCommitPosition.Load()
	lastPrepare := prepares[len(prepares)-1]
	g := commitGroup{stream: lastPrepare.EventStreamID, commitPosition: -1}
	for _, p := range prepares {
		if !p.Flags.HasAny(eventlog.FlagData | eventlog.FlagStreamDelete) {
			continue
		}
		if p.EventStreamID != g.stream {
			return EventNumberInvalid, c.fail(corruption("commit", "direct write at %d spans streams %q and %q",
				p.LogPosition, g.stream, p.EventStreamID))
		}
		if c.alreadyCommitted(p.LogPosition, last) {
			continue
		}
		if err := g.add(c, p, p.ExpectedVersion+1, TFPos{CommitPosition: p.LogPosition, PreparePosition: p.LogPosition}); err != nil {
			return EventNumberInvalid, c.fail(err)
		}
	}
	return c.apply(g, last, lastPrepare.LogPosition, isEndOfLog, cacheLastEventNumber)
}

// commitGroup collects the index entries of one commit.
type commitGroup struct {
	stream         string
	commitPosition int64 // -1 for direct writes
	eventNumber    int64
	numbered       bool
	entries        []tableindex.Key
	prepares       []*eventlog.PrepareRecord
}

func (g *commitGroup) add(c *IndexCommitter, p *eventlog.PrepareRecord, n int64, pos TFPos) error {
	if g.stream == "" {
		g.stream = p.EventStreamID
	} else if p.EventStreamID != g.stream {
		return corruption("commit", "transaction at %d spans streams %q and %q", p.TransactionPosition, g.stream, p.EventStreamID)
	}
	if p.Flags.Has(eventlog.FlagStreamDelete) {
		n = EventNumberDeletedStream
	}
	g.eventNumber = n
	g.numbered = true
	if c.persisted().Less(pos) {
		g.entries = append(g.entries, tableindex.Key{StreamID: g.stream, Version: n, Position: p.LogPosition})
		g.prepares = append(g.prepares, p)
	}
	return nil
}

func (c *IndexCommitter) apply(g commitGroup, last, position int64, isEndOfLog, cacheLastEventNumber bool) (int64, error) {
	began := time.Now()
	if len(g.entries) > 0 {
		if c.opts.AdditionalCommitChecks && cacheLastEventNumber {
			if err := c.checkStreamVersion(g.stream, g.entries[0].Version, position); err != nil {
				return EventNumberInvalid, c.fail(err)
			}
			if err := c.checkDuplicateEvents(g); err != nil {
				return EventNumberInvalid, c.fail(err)
			}
		}
		if err := c.index.AddEntries(context.Background(), position, g.entries); err != nil {
			return EventNumberInvalid, err
		}
		c.metrics.IndexedEntries.Add(float64(len(g.entries)))
	}

	if g.numbered {
		if cacheLastEventNumber {
			c.backend.SetStreamLastEventNumber(g.stream, g.eventNumber)
		}
		if IsMetastream(g.stream) {
			c.backend.InvalidateStreamMetadata(OriginalStreamOf(g.stream))
		}
		if g.stream == SettingsStream && len(g.prepares) > 0 {
			s, err := ParseSystemSettings(g.prepares[len(g.prepares)-1].Data)
			if err != nil {
				c.logger.Error("could not parse system settings", logpkg.Err(err))
			} else {
				c.backend.SetSystemSettings(s)
			}
		}
		if c.existence != nil {
			c.existence.Add(g.stream)
		}
	}

	newLast := position
	if last > newLast {
		newLast = last
	}
	if !c.lastCommitPosition.CompareAndSwap(last, newLast) {
		return EventNumberInvalid, c.fail(corruption("commit", "last commit position moved from %d during commit at %d", last, position))
	}
	c.indexChk.Write(newLast)
	if err := c.indexChk.Flush(); err != nil {
		return EventNumberInvalid, err
	}
	c.metrics.Commits.Inc()
	c.metrics.CommitLatency.Observe(time.Since(began).Seconds())

	if !c.indexRebuild.Load() {
		for i, p := range g.prepares {
			commitPos := g.commitPosition
			if commitPos < 0 {
				commitPos = p.LogPosition
			}
			c.publisher.Publish(EventCommitted{
				CommitPosition: commitPos,
				Event:          NewEventRecord(g.entries[i].Version, p),
				IsEndOfLog:     isEndOfLog && i == len(g.prepares)-1,
			})
		}
	}
	if !g.numbered {
		return EventNumberInvalid, nil
	}
	return g.eventNumber, nil
}

func (c *IndexCommitter) checkStreamVersion(stream string, n, position int64) error {
	if n == EventNumberDeletedStream {
		return nil
	}
	last, err := c.reader.GetStreamLastEventNumber(stream)
	if err != nil {
		return err
	}
	if n != last+1 {
		return corruption("commit", "stream %q: event number %d at %d does not follow last event number %d",
			stream, n, position, last)
	}
	return nil
}

func (c *IndexCommitter) checkDuplicateEvents(g commitGroup) error {
	byVersion := make(map[int64]*eventlog.PrepareRecord, len(g.entries))
	lo, hi := g.entries[0].Version, g.entries[0].Version
	for i, e := range g.entries {
		byVersion[e.Version] = g.prepares[i]
		if e.Version < lo {
			lo = e.Version
		}
		if e.Version > hi {
			hi = e.Version
		}
	}
	existing, err := c.index.GetRange(g.stream, lo, hi, 0)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}
	lease := c.backend.BorrowReader()
	defer lease.Release()
	for _, e := range existing {
		p, ok := byVersion[e.Version]
		if !ok {
			continue
		}
		indexed, err := c.reader.readPrepareAt(lease, e.Position)
		if err != nil {
			return err
		}
		if indexed != nil && indexed.EventStreamID == p.EventStreamID {
			return corruption("commit", "stream %q: event #%d already indexed at %d, new prepare at %d",
				p.EventStreamID, e.Version, e.Position, p.LogPosition)
		}
	}
	return nil
}
