package writer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/flostore/internal/eventlog"
	"github.com/rzbill/flostore/internal/readindex"
)

// DeleteStream deletes stream at expectedVersion. A hard delete appends a
// tombstone and the stream can never be written again. A soft delete sets
// $tb to the deleted marker in the metastream; a later write recreates the
// stream from the next event number.
func (s *Service) DeleteStream(ctx context.Context, stream string, expectedVersion int64, hard bool) (res WriteResult, err error) {
	op := "soft_delete"
	if hard {
		op = "hard_delete"
	}
	defer func(began time.Time) { s.observe(op, began, err) }(time.Now())
	if err := validStream(stream); err != nil {
		return WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if hard {
		return s.hardDeleteLocked(ctx, stream, expectedVersion)
	}
	return s.softDeleteLocked(ctx, stream, expectedVersion)
}

func (s *Service) hardDeleteLocked(ctx context.Context, stream string, expectedVersion int64) (WriteResult, error) {
	w := s.ri.Writer()
	id := uuid.New()
	check, err := s.checkCommit(ctx, func() (readindex.CommitCheckResult, error) {
		return w.CheckCommit(stream, expectedVersion, []uuid.UUID{id})
	})
	if err != nil {
		return WriteResult{}, err
	}
	if check.Decision != readindex.CommitOk {
		return WriteResult{}, decisionError(check, expectedVersion)
	}

	tombstone := &eventlog.PrepareRecord{
		TransactionPosition: -1,
		ExpectedVersion:     readindex.EventNumberDeletedStream - 1,
		EventStreamID:       stream,
		EventID:             id,
		Flags: eventlog.FlagStreamDelete | eventlog.FlagTransactionBegin |
			eventlog.FlagTransactionEnd | eventlog.FlagIsCommitted,
		TimeStamp: time.Now().UTC(),
		EventType: StreamDeletedEventType,
	}
	prepares := []*eventlog.PrepareRecord{tombstone}
	if err := s.appendPrepares(ctx, prepares); err != nil {
		return WriteResult{}, err
	}
	if err := w.PreCommitPrepares(prepares); err != nil {
		return WriteResult{}, err
	}
	out := WriteResult{
		FirstEventNumber: readindex.EventNumberDeletedStream,
		LastEventNumber:  readindex.EventNumberDeletedStream,
		LogPosition:      tombstone.LogPosition,
	}
	return out, s.chase(ctx)
}

func (s *Service) softDeleteLocked(ctx context.Context, stream string, expectedVersion int64) (WriteResult, error) {
	w := s.ri.Writer()
	cur, err := w.GetStreamLastEventNumber(stream)
	if err != nil {
		return WriteResult{}, err
	}
	if cur == readindex.EventNumberDeletedStream {
		return WriteResult{}, decisionError(readindex.CommitCheckResult{Decision: readindex.CommitDeleted, EventStreamID: stream}, expectedVersion)
	}
	wrong := &WrongExpectedVersionError{Stream: stream, Expected: expectedVersion, Current: cur}
	switch expectedVersion {
	case readindex.ExpectedVersionAny:
	case readindex.ExpectedVersionStreamExists:
		if cur < 0 {
			return WriteResult{}, wrong
		}
	default:
		if expectedVersion != cur {
			return WriteResult{}, wrong
		}
	}

	metastream := readindex.MetastreamOf(stream)
	metaLast, err := w.GetStreamLastEventNumber(metastream)
	if err != nil {
		return WriteResult{}, err
	}
	if cur < 0 && metaLast < 0 {
		return WriteResult{}, wrong
	}
	deleted := readindex.StreamMetadata{TruncateBefore: readindex.EventNumberDeletedStream}
	return s.writeLocked(ctx, metastream, metaLast, []Event{{
		Type:   readindex.StreamMetadataEventType,
		Data:   deleted.JSON(),
		IsJSON: true,
	}}, false)
}

// SetStreamMetadata writes meta to the metastream of stream. expectedVersion
// applies to the metastream.
func (s *Service) SetStreamMetadata(ctx context.Context, stream string, expectedVersion int64, meta readindex.StreamMetadata) (res WriteResult, err error) {
	defer func(began time.Time) { s.observe("set_metadata", began, err) }(time.Now())
	if err := validStream(stream); err != nil {
		return WriteResult{}, err
	}
	if readindex.IsMetastream(stream) {
		return WriteResult{}, ErrInvalidStream
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, readindex.MetastreamOf(stream), expectedVersion, []Event{{
		Type:   readindex.StreamMetadataEventType,
		Data:   meta.JSON(),
		IsJSON: true,
	}}, true)
}
