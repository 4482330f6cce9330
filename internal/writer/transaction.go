package writer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rzbill/flostore/internal/eventlog"
	"github.com/rzbill/flostore/internal/readindex"
)

// TransactionStart opens an explicit transaction on stream and returns its
// id, the log position of the begin record. Events written to it become
// visible only when TransactionCommit succeeds.
func (s *Service) TransactionStart(ctx context.Context, stream string, expectedVersion int64) (txID int64, err error) {
	defer func(began time.Time) { s.observe("tx_start", began, err) }(time.Now())
	if err := validStream(stream); err != nil {
		return -1, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.ri.Writer().GetStreamLastEventNumber(stream)
	if err != nil {
		return -1, err
	}
	if cur == readindex.EventNumberDeletedStream {
		return -1, errors.Wrapf(ErrStreamDeleted, "%q", stream)
	}

	begin := &eventlog.PrepareRecord{
		TransactionPosition: -1,
		TransactionOffset:   -1,
		ExpectedVersion:     expectedVersion,
		EventStreamID:       stream,
		Flags:               eventlog.FlagTransactionBegin,
		TimeStamp:           time.Now().UTC(),
	}
	if err := s.appendPrepares(ctx, []*eventlog.PrepareRecord{begin}); err != nil {
		return -1, err
	}
	s.ri.Writer().UpdateTransactionInfo(begin.LogPosition, begin.LogPosition,
		readindex.TransactionInfo{TransactionOffset: -1, EventStreamID: stream})
	return begin.LogPosition, nil
}

func (s *Service) transactionInfo(txID int64) (readindex.TransactionInfo, error) {
	info, err := s.ri.Writer().GetTransactionInfo(s.log.WriterCheckpoint().Read(), txID)
	if err != nil {
		return info, err
	}
	if !info.Valid() {
		return info, errors.Wrapf(ErrInvalidTransaction, "transaction %d", txID)
	}
	return info, nil
}

// TransactionWrite appends events to the open transaction txID.
func (s *Service) TransactionWrite(ctx context.Context, txID int64, events []Event) (err error) {
	defer func(began time.Time) { s.observe("tx_write", began, err) }(time.Now())
	if len(events) == 0 {
		return ErrNoEvents
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.transactionInfo(txID)
	if err != nil {
		return err
	}
	prepares := make([]*eventlog.PrepareRecord, len(events))
	now := time.Now().UTC()
	for i, e := range events {
		flags := eventlog.FlagData
		if e.IsJSON {
			flags |= eventlog.FlagIsJSON
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		prepares[i] = &eventlog.PrepareRecord{
			TransactionPosition: txID,
			TransactionOffset:   info.TransactionOffset + int32(i) + 1,
			ExpectedVersion:     readindex.ExpectedVersionAny,
			EventStreamID:       info.EventStreamID,
			EventID:             e.ID,
			Flags:               flags,
			TimeStamp:           now,
			EventType:           e.Type,
			Data:                e.Data,
			Metadata:            e.Metadata,
		}
	}
	if err := s.appendPrepares(ctx, prepares); err != nil {
		return err
	}
	last := prepares[len(prepares)-1]
	s.ri.Writer().UpdateTransactionInfo(txID, last.LogPosition,
		readindex.TransactionInfo{TransactionOffset: last.TransactionOffset, EventStreamID: info.EventStreamID})
	return nil
}

// TransactionCommit ends txID and commits it against the expected version
// given at start.
func (s *Service) TransactionCommit(ctx context.Context, txID int64) (res WriteResult, err error) {
	defer func(began time.Time) { s.observe("tx_commit", began, err) }(time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.transactionInfo(txID)
	if err != nil {
		return WriteResult{}, err
	}
	end := &eventlog.PrepareRecord{
		TransactionPosition: txID,
		TransactionOffset:   info.TransactionOffset,
		ExpectedVersion:     readindex.ExpectedVersionAny,
		EventStreamID:       info.EventStreamID,
		Flags:               eventlog.FlagTransactionEnd,
		TimeStamp:           time.Now().UTC(),
	}
	if err := s.appendPrepares(ctx, []*eventlog.PrepareRecord{end}); err != nil {
		return WriteResult{}, err
	}

	w := s.ri.Writer()
	check, err := s.checkCommit(ctx, func() (readindex.CommitCheckResult, error) {
		return w.CheckCommitStartingAt(txID, s.log.WriterCheckpoint().Read())
	})
	if err != nil {
		return WriteResult{}, err
	}
	switch check.Decision {
	case readindex.CommitOk:
	case readindex.CommitIdempotent:
		return WriteResult{
			FirstEventNumber: check.StartEventNumber,
			LastEventNumber:  check.EndEventNumber,
			LogPosition:      check.IdempotentLogPosition,
			AlreadyCommitted: true,
		}, nil
	default:
		return WriteResult{}, decisionError(check, s.expectedVersionOf(txID))
	}

	commit := &eventlog.CommitRecord{
		TransactionPosition: txID,
		FirstEventNumber:    check.StartEventNumber,
		TimeStamp:           time.Now().UTC(),
	}
	if _, err := s.log.Append(ctx, commit); err != nil {
		return WriteResult{}, errors.Wrap(err, "append commit")
	}
	if err := w.PreCommit(commit); err != nil {
		return WriteResult{}, err
	}
	out := WriteResult{
		FirstEventNumber: check.StartEventNumber,
		LastEventNumber:  check.EndEventNumber,
		LogPosition:      commit.LogPosition,
	}
	if check.IsSoftDeleted && !readindex.IsMetastream(info.EventStreamID) {
		if err := s.softUndelete(ctx, info.EventStreamID, check.StartEventNumber); err != nil {
			return out, err
		}
	}
	return out, s.chase(ctx)
}

// expectedVersionOf reads the expected version recorded by the begin record
// of txID, for error reporting.
func (s *Service) expectedVersionOf(txID int64) int64 {
	res, err := s.log.NewReader().TryReadAt(txID, true)
	if err != nil || !res.Success {
		return readindex.ExpectedVersionAny
	}
	if p, ok := res.Record.(*eventlog.PrepareRecord); ok {
		return p.ExpectedVersion
	}
	return readindex.ExpectedVersionAny
}
