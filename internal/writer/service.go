package writer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rzbill/flostore/internal/eventlog"
	"github.com/rzbill/flostore/internal/readindex"
	logpkg "github.com/rzbill/flostore/pkg/log"
)

// StreamDeletedEventType is the event type of a hard-delete tombstone.
const StreamDeletedEventType = "$streamDeleted"

// Event is one event to append.
type Event struct {
	ID       uuid.UUID
	Type     string
	Data     []byte
	Metadata []byte
	IsJSON   bool
}

// WriteResult describes a successful write. AlreadyCommitted is set when
// the write was an idempotent retry and nothing was appended.
type WriteResult struct {
	FirstEventNumber int64
	LastEventNumber  int64
	LogPosition      int64
	AlreadyCommitted bool
}

// Chaser indexes everything appended so far.
type Chaser interface {
	Chase(ctx context.Context) error
}

type Options struct {
	// IdempotencyRetries bounds how often an IdempotentNotReady decision is
	// retried after a chase.
	IdempotencyRetries int
}

func DefaultOptions() Options { return Options{IdempotencyRetries: 3} }

// Service is the write path: CheckCommit, append, PreCommit, chase. Writes
// are serialized so a decision is never invalidated by a concurrent append.
type Service struct {
	log    *eventlog.Log
	ri     *readindex.ReadIndex
	chaser Chaser
	opts   Options
	logger logpkg.Logger

	outcomes *prometheus.CounterVec
	latency  prometheus.Histogram

	mu sync.Mutex
}

// New builds the writer service. reg may be nil.
func New(log *eventlog.Log, ri *readindex.ReadIndex, chaser Chaser, opts Options, logger logpkg.Logger, reg prometheus.Registerer) *Service {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	if opts.IdempotencyRetries <= 0 {
		opts.IdempotencyRetries = DefaultOptions().IdempotencyRetries
	}
	s := &Service{
		log:    log,
		ri:     ri,
		chaser: chaser,
		opts:   opts,
		logger: logger.With(logpkg.Component("writer")),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flostore",
			Subsystem: "writer",
			Name:      "requests_total",
			Help:      "Write requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flostore",
			Subsystem: "writer",
			Name:      "request_duration_seconds",
			Help:      "Time from request to indexed write.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
	}
	if reg != nil {
		reg.MustRegister(s.outcomes, s.latency)
	}
	return s
}

func (s *Service) observe(op string, began time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrWrongExpectedVersion):
		outcome = "wrong_expected_version"
	case errors.Is(err, ErrStreamDeleted):
		outcome = "stream_deleted"
	case errors.Is(err, ErrInvalidTransaction):
		outcome = "invalid_transaction"
	case errors.Is(err, ErrNotReady):
		outcome = "not_ready"
	default:
		outcome = "error"
	}
	s.outcomes.WithLabelValues(op, outcome).Inc()
	s.latency.Observe(time.Since(began).Seconds())
}

func validStream(stream string) error {
	if stream == "" || stream == readindex.AllStream {
		return errors.Wrapf(ErrInvalidStream, "%q", stream)
	}
	return nil
}

// decisionError maps a failed commit check to the caller-facing error.
func decisionError(res readindex.CommitCheckResult, expected int64) error {
	switch res.Decision {
	case readindex.CommitWrongExpectedVersion, readindex.CommitCorruptedIdempotency:
		return &WrongExpectedVersionError{Stream: res.EventStreamID, Expected: expected, Current: res.CurrentVersion}
	case readindex.CommitDeleted:
		return errors.Wrapf(ErrStreamDeleted, "%q", res.EventStreamID)
	case readindex.CommitInvalidTransaction:
		return ErrInvalidTransaction
	case readindex.CommitIdempotentNotReady:
		return ErrNotReady
	default:
		return errors.Errorf("writer: unexpected commit decision %s", res.Decision)
	}
}

// WriteEvents appends events to stream as one direct write.
func (s *Service) WriteEvents(ctx context.Context, stream string, expectedVersion int64, events []Event) (res WriteResult, err error) {
	defer func(began time.Time) { s.observe("write", began, err) }(time.Now())
	if err := validStream(stream); err != nil {
		return WriteResult{}, err
	}
	if len(events) == 0 {
		return WriteResult{}, ErrNoEvents
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, stream, expectedVersion, events, true)
}

func (s *Service) writeLocked(ctx context.Context, stream string, expectedVersion int64, events []Event, undelete bool) (WriteResult, error) {
	w := s.ri.Writer()
	ids := make([]uuid.UUID, len(events))
	for i := range events {
		if events[i].ID == uuid.Nil {
			events[i].ID = uuid.New()
		}
		ids[i] = events[i].ID
	}

	// The original stream's state before a metadata write decides whether
	// the write recreates it.
	var origSoftDeleted bool
	if undelete && readindex.IsMetastream(stream) {
		meta, err := w.GetStreamMetadata(readindex.OriginalStreamOf(stream))
		if err != nil {
			return WriteResult{}, err
		}
		origSoftDeleted = meta.IsSoftDeleted()
	}

	res, err := s.checkCommit(ctx, func() (readindex.CommitCheckResult, error) {
		return w.CheckCommit(stream, expectedVersion, ids)
	})
	if err != nil {
		return WriteResult{}, err
	}
	switch res.Decision {
	case readindex.CommitOk:
	case readindex.CommitIdempotent:
		return WriteResult{
			FirstEventNumber: res.StartEventNumber,
			LastEventNumber:  res.EndEventNumber,
			LogPosition:      res.IdempotentLogPosition,
			AlreadyCommitted: true,
		}, nil
	default:
		return WriteResult{}, decisionError(res, expectedVersion)
	}

	prepares := directWrite(stream, res.StartEventNumber-1, events)
	if err := s.appendPrepares(ctx, prepares); err != nil {
		return WriteResult{}, err
	}
	if err := w.PreCommitPrepares(prepares); err != nil {
		return WriteResult{}, err
	}
	out := WriteResult{
		FirstEventNumber: res.StartEventNumber,
		LastEventNumber:  res.EndEventNumber,
		LogPosition:      prepares[0].LogPosition,
	}

	if undelete {
		switch {
		case res.IsSoftDeleted && !readindex.IsMetastream(stream):
			if err := s.softUndelete(ctx, stream, res.StartEventNumber); err != nil {
				return out, err
			}
		case origSoftDeleted:
			written := readindex.ParseStreamMetadata(events[len(events)-1].Data)
			if !written.IsSoftDeleted() {
				orig := readindex.OriginalStreamOf(stream)
				last, err := w.GetStreamLastEventNumber(orig)
				if err != nil {
					return out, err
				}
				if err := s.softUndelete(ctx, orig, last+1); err != nil {
					return out, err
				}
			}
		}
	}
	return out, s.chase(ctx)
}

// softUndelete rewrites the metadata of a soft-deleted stream so it is
// readable again from recreateFrom on, keeping the other settings.
func (s *Service) softUndelete(ctx context.Context, stream string, recreateFrom int64) error {
	w := s.ri.Writer()
	meta, err := w.GetStreamMetadata(stream)
	if err != nil {
		return err
	}
	metaLast, err := w.GetStreamLastEventNumber(readindex.MetastreamOf(stream))
	if err != nil {
		return err
	}
	meta.TruncateBefore = recreateFrom
	s.logger.Info("recreating soft-deleted stream", logpkg.Str("stream", stream), logpkg.Int64("truncate_before", recreateFrom))
	_, err = s.writeLocked(ctx, readindex.MetastreamOf(stream), metaLast, []Event{{
		Type:   readindex.StreamMetadataEventType,
		Data:   meta.JSON(),
		IsJSON: true,
	}}, false)
	return err
}

// checkCommit retries IdempotentNotReady after letting the chaser index the
// original write.
func (s *Service) checkCommit(ctx context.Context, check func() (readindex.CommitCheckResult, error)) (readindex.CommitCheckResult, error) {
	for attempt := 0; ; attempt++ {
		res, err := check()
		if err != nil {
			return res, err
		}
		if res.Decision != readindex.CommitIdempotentNotReady || attempt >= s.opts.IdempotencyRetries {
			return res, nil
		}
		if err := s.chase(ctx); err != nil {
			return res, err
		}
	}
}

func (s *Service) chase(ctx context.Context) error {
	if s.chaser == nil {
		return nil
	}
	err := s.chaser.Chase(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, readindex.ErrIndexCorrupted) {
		return err
	}
	// The write is durable; the background chaser will index it.
	s.logger.Warn("chase after write failed", logpkg.Err(err))
	return nil
}

func directWrite(stream string, expectedVersion int64, events []Event) []*eventlog.PrepareRecord {
	now := time.Now().UTC()
	prepares := make([]*eventlog.PrepareRecord, len(events))
	for i, e := range events {
		flags := eventlog.FlagData | eventlog.FlagIsCommitted
		if i == 0 {
			flags |= eventlog.FlagTransactionBegin
		}
		if i == len(events)-1 {
			flags |= eventlog.FlagTransactionEnd
		}
		if e.IsJSON {
			flags |= eventlog.FlagIsJSON
		}
		prepares[i] = &eventlog.PrepareRecord{
			TransactionPosition: -1,
			TransactionOffset:   int32(i),
			ExpectedVersion:     expectedVersion + int64(i),
			EventStreamID:       stream,
			EventID:             e.ID,
			Flags:               flags,
			TimeStamp:           now,
			EventType:           e.Type,
			Data:                e.Data,
			Metadata:            e.Metadata,
		}
	}
	return prepares
}

func (s *Service) appendPrepares(ctx context.Context, prepares []*eventlog.PrepareRecord) error {
	recs := make([]eventlog.Record, len(prepares))
	for i, p := range prepares {
		recs[i] = p
	}
	if _, err := s.log.Append(ctx, recs...); err != nil {
		return errors.Wrap(err, "append prepares")
	}
	return nil
}
