package readindex

import (
	"math"

	"github.com/rzbill/flostore/internal/eventlog"
)

// AllReader reads the global commit order ($all) straight from the log.
// Only records at or below the replication checkpoint are visible.
//
// Forward cursors carry the pre-position of a commit; backward cursors carry
// the post-position. A result's NextPos continues in the same direction and
// PrevPos turns around.
type AllReader struct {
	backend     *IndexBackend
	replication eventlog.Checkpoint
}

func NewAllReader(backend *IndexBackend, replication eventlog.Checkpoint) *AllReader {
	return &AllReader{backend: backend, replication: replication}
}

func isCommitAlike(r eventlog.Record) bool {
	switch rec := r.(type) {
	case *eventlog.CommitRecord:
		return true
	case *eventlog.PrepareRecord:
		return rec.Flags.HasAny(eventlog.FlagIsCommitted)
	default:
		return false
	}
}

func hasEvent(p *eventlog.PrepareRecord) bool {
	return p.Flags.HasAny(eventlog.FlagData | eventlog.FlagStreamDelete)
}

func (a *AllReader) isReplicated(postPosition int64) bool {
	return postPosition <= a.replication.Read()
}

// ReadAllEventsForward reads up to maxCount events at or after pos.
func (a *AllReader) ReadAllEventsForward(pos TFPos, maxCount int) (ReadAllResult, error) {
	return a.FilteredReadAllEventsForward(pos, maxCount, math.MaxInt32, DefaultAllFilter)
}

// FilteredReadAllEventsForward stops after maxCount matching events or after
// considering maxSearchWindow events, whichever comes first.
func (a *AllReader) FilteredReadAllEventsForward(pos TFPos, maxCount, maxSearchWindow int, filter EventFilter) (ReadAllResult, error) {
	if maxCount <= 0 {
		return ReadAllResult{}, ErrInvalidMaxCount
	}
	if filter == nil {
		filter = DefaultAllFilter
	}
	lease := a.backend.BorrowReader()
	defer lease.Release()

	res := ReadAllResult{
		MaxCount:   maxCount,
		CurrentPos: pos,
		NextPos:    pos,
		// With no commit past pos, a backward read from here must see every
		// prepare of the commit at pos.
		PrevPos: TFPos{CommitPosition: pos.CommitPosition, PreparePosition: math.MaxInt64},
	}
	first := true
	nextCommitPos := pos.CommitPosition
	for len(res.Records) < maxCount && res.ConsideredEventsCount < int64(maxSearchWindow) {
		if nextCommitPos >= a.replication.Read() {
			res.IsEndOfStream = true
			break
		}
		lease.Reposition(nextCommitPos)
		var seq eventlog.SeqReadResult
		for {
			var err error
			seq, err = lease.TryReadNext()
			if err != nil {
				return ReadAllResult{}, err
			}
			if !seq.Success || isCommitAlike(seq.Record) {
				break
			}
		}
		if !seq.Success || !a.isReplicated(seq.PostPosition) {
			res.IsEndOfStream = true
			break
		}
		nextCommitPos = seq.PostPosition

		switch rec := seq.Record.(type) {
		case *eventlog.PrepareRecord:
			if first {
				first = false
				res.PrevPos = TFPos{CommitPosition: rec.LogPosition, PreparePosition: rec.LogPosition}
			}
			at := TFPos{CommitPosition: rec.LogPosition, PreparePosition: rec.LogPosition}
			if hasEvent(rec) && !at.Less(pos) {
				e := NewEventRecord(rec.ExpectedVersion+1, rec)
				if rec.Flags.Has(eventlog.FlagStreamDelete) {
					e.EventNumber = EventNumberDeletedStream
				}
				res.ConsideredEventsCount++
				if filter.IsEventAllowed(&e) {
					res.Records = append(res.Records, CommitEventRecord{Event: e, CommitPosition: rec.LogPosition})
				}
				res.NextPos = TFPos{CommitPosition: seq.PostPosition, PreparePosition: 0}
			}
		case *eventlog.CommitRecord:
			if first {
				first = false
				// A backward read may revisit this commit but skips what was read here.
				res.PrevPos = TFPos{CommitPosition: seq.PostPosition, PreparePosition: pos.PreparePosition}
			}
			if err := a.forwardTransaction(lease, rec, pos, maxSearchWindow, filter, &res); err != nil {
				return ReadAllResult{}, err
			}
		}
	}
	return res, nil
}

func (a *AllReader) forwardTransaction(lease *ReaderLease, commit *eventlog.CommitRecord, pos TFPos, window int, filter EventFilter, res *ReadAllResult) error {
	lease.Reposition(commit.TransactionPosition)
	for len(res.Records) < res.MaxCount && res.ConsideredEventsCount < int64(window) {
		seq, err := lease.TryReadNext()
		if err != nil {
			return err
		}
		// The transaction end may be scavenged; never read past the commit.
		if !seq.Success || seq.PrePosition > commit.LogPosition {
			return nil
		}
		p, ok := seq.Record.(*eventlog.PrepareRecord)
		if !ok || p.TransactionPosition != commit.TransactionPosition {
			continue
		}
		at := TFPos{CommitPosition: commit.LogPosition, PreparePosition: p.LogPosition}
		if hasEvent(p) && !at.Less(pos) {
			e := NewEventRecord(commit.FirstEventNumber+int64(p.TransactionOffset), p)
			if p.Flags.Has(eventlog.FlagStreamDelete) {
				e.EventNumber = EventNumberDeletedStream
			}
			res.ConsideredEventsCount++
			if filter.IsEventAllowed(&e) {
				res.Records = append(res.Records, CommitEventRecord{Event: e, CommitPosition: commit.LogPosition})
			}
			res.NextPos = TFPos{CommitPosition: commit.LogPosition, PreparePosition: seq.PostPosition}
		}
		if p.Flags.HasAny(eventlog.FlagTransactionEnd) {
			return nil
		}
	}
	return nil
}

// ReadAllEventsBackward reads up to maxCount events before pos, newest first.
func (a *AllReader) ReadAllEventsBackward(pos TFPos, maxCount int) (ReadAllResult, error) {
	return a.FilteredReadAllEventsBackward(pos, maxCount, math.MaxInt32, DefaultAllFilter)
}

// FilteredReadAllEventsBackward mirrors FilteredReadAllEventsForward.
func (a *AllReader) FilteredReadAllEventsBackward(pos TFPos, maxCount, maxSearchWindow int, filter EventFilter) (ReadAllResult, error) {
	if maxCount <= 0 {
		return ReadAllResult{}, ErrInvalidMaxCount
	}
	if filter == nil {
		filter = DefaultAllFilter
	}
	lease := a.backend.BorrowReader()
	defer lease.Release()

	res := ReadAllResult{
		MaxCount:   maxCount,
		CurrentPos: pos,
		NextPos:    pos,
		PrevPos:    TFPos{CommitPosition: pos.CommitPosition, PreparePosition: 0},
	}
	first := true
	nextCommitPostPos := pos.CommitPosition
	for len(res.Records) < maxCount && res.ConsideredEventsCount < int64(maxSearchWindow) {
		lease.Reposition(nextCommitPostPos)
		var seq eventlog.SeqReadResult
		for {
			var err error
			seq, err = lease.TryReadPrev()
			if err != nil {
				return ReadAllResult{}, err
			}
			if !seq.Success || isCommitAlike(seq.Record) {
				break
			}
		}
		if !seq.Success {
			res.IsEndOfStream = true
			break
		}
		commitPostPos := seq.PostPosition
		nextCommitPostPos = seq.PrePosition
		if !a.isReplicated(commitPostPos) {
			continue
		}

		switch rec := seq.Record.(type) {
		case *eventlog.PrepareRecord:
			if first {
				first = false
				res.PrevPos = TFPos{CommitPosition: commitPostPos, PreparePosition: commitPostPos}
			}
			at := TFPos{CommitPosition: commitPostPos, PreparePosition: seq.PostPosition}
			if hasEvent(rec) && !pos.Less(at) {
				e := NewEventRecord(rec.ExpectedVersion+1, rec)
				if rec.Flags.Has(eventlog.FlagStreamDelete) {
					e.EventNumber = EventNumberDeletedStream
				}
				res.ConsideredEventsCount++
				if filter.IsEventAllowed(&e) {
					res.Records = append(res.Records, CommitEventRecord{Event: e, CommitPosition: rec.LogPosition})
				}
				// Revisit this commit but skip the prepare just read.
				res.NextPos = TFPos{CommitPosition: commitPostPos, PreparePosition: rec.LogPosition}
			}
		case *eventlog.CommitRecord:
			if first {
				first = false
				res.PrevPos = TFPos{CommitPosition: rec.LogPosition, PreparePosition: pos.PreparePosition}
			}
			if err := a.backwardTransaction(lease, rec, commitPostPos, pos, maxSearchWindow, filter, &res); err != nil {
				return ReadAllResult{}, err
			}
		}
	}
	return res, nil
}

// backwardTransaction scans back from the commit; the reader already sits
// just before it. Both transaction walks stop once the search window is spent
// and leave NextPos inside the transaction.
func (a *AllReader) backwardTransaction(lease *ReaderLease, commit *eventlog.CommitRecord, commitPostPos int64, pos TFPos, window int, filter EventFilter, res *ReadAllResult) error {
	for len(res.Records) < res.MaxCount && res.ConsideredEventsCount < int64(window) {
		seq, err := lease.TryReadPrev()
		if err != nil {
			return err
		}
		// The transaction begin may be scavenged; stop below the transaction.
		if !seq.Success || seq.Record.Position() < commit.TransactionPosition {
			return nil
		}
		p, ok := seq.Record.(*eventlog.PrepareRecord)
		if !ok || p.TransactionPosition != commit.TransactionPosition {
			continue
		}
		at := TFPos{CommitPosition: commitPostPos, PreparePosition: seq.PostPosition}
		if hasEvent(p) && !pos.Less(at) {
			e := NewEventRecord(commit.FirstEventNumber+int64(p.TransactionOffset), p)
			if p.Flags.Has(eventlog.FlagStreamDelete) {
				e.EventNumber = EventNumberDeletedStream
			}
			res.ConsideredEventsCount++
			if filter.IsEventAllowed(&e) {
				res.Records = append(res.Records, CommitEventRecord{Event: e, CommitPosition: commit.LogPosition})
			}
			res.NextPos = TFPos{CommitPosition: commitPostPos, PreparePosition: p.LogPosition}
		}
		if p.Flags.HasAny(eventlog.FlagTransactionBegin) {
			return nil
		}
	}
	return nil
}
