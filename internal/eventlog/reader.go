package eventlog

import (
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	pebblestore "github.com/rzbill/flostore/internal/storage/pebble"
)

// SeqReadResult is the outcome of a sequential read. On failure Eof reports
// whether the reader ran off the end (or start) of the log.
type SeqReadResult struct {
	Success      bool
	Eof          bool
	Record       Record
	RecordLength int
	PrePosition  int64
	PostPosition int64
}

// RecordReadResult is the outcome of a positional read.
type RecordReadResult struct {
	Success bool
	Record  Record
}

// Reader reads the log sequentially in either direction from a cursor.
// A Reader is not safe for concurrent use; lease one per caller.
type Reader struct {
	log *Log
	pos int64
}

// NewReader returns a reader positioned at the start of the log.
func (l *Log) NewReader() *Reader {
	return &Reader{log: l}
}

// Position returns the current cursor.
func (r *Reader) Position() int64 { return r.pos }

// Reposition moves the cursor to pos.
func (r *Reader) Reposition(pos int64) { r.pos = pos }

func (r *Reader) newIter() (*pebble.Iterator, error) {
	lo := KeyLogEntry(0)
	hi := KeyLogEntry(r.log.writer.Read())
	return r.log.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
}

// TryReadNext reads the first record at or after the cursor and advances the
// cursor past it. Scavenged gaps are skipped.
func (r *Reader) TryReadNext() (SeqReadResult, error) {
	iter, err := r.newIter()
	if err != nil {
		return SeqReadResult{}, err
	}
	defer iter.Close()
	if !iter.SeekGE(KeyLogEntry(r.pos)) {
		return SeqReadResult{Eof: true, PrePosition: r.pos, PostPosition: r.pos}, iter.Error()
	}
	res, err := readCurrent(iter)
	if err != nil {
		return SeqReadResult{}, err
	}
	r.pos = res.PostPosition
	return res, nil
}

// TryReadPrev reads the last record ending at or before the cursor and moves
// the cursor to its pre-position.
func (r *Reader) TryReadPrev() (SeqReadResult, error) {
	iter, err := r.newIter()
	if err != nil {
		return SeqReadResult{}, err
	}
	defer iter.Close()
	if !iter.SeekLT(KeyLogEntry(r.pos)) {
		return SeqReadResult{Eof: true, PrePosition: r.pos, PostPosition: r.pos}, iter.Error()
	}
	res, err := readCurrent(iter)
	if err != nil {
		return SeqReadResult{}, err
	}
	r.pos = res.PrePosition
	return res, nil
}

// TryReadAt reads the record stored at pos. An absent record is reported as
// unsuccessful when it could have been scavenged, and as ErrNotFound otherwise.
func (r *Reader) TryReadAt(pos int64, couldBeScavenged bool) (RecordReadResult, error) {
	if pos < 0 || pos >= r.log.writer.Read() {
		return RecordReadResult{}, nil
	}
	val, err := r.log.db.Get(KeyLogEntry(pos))
	if errors.Is(err, pebblestore.ErrNotFound) {
		if couldBeScavenged {
			return RecordReadResult{}, nil
		}
		return RecordReadResult{}, errors.Wrapf(ErrNotFound, "position %d", pos)
	}
	if err != nil {
		return RecordReadResult{}, errors.Wrapf(err, "read at %d", pos)
	}
	rec, err := DecodeRecord(pos, val)
	if err != nil {
		return RecordReadResult{}, err
	}
	return RecordReadResult{Success: true, Record: rec}, nil
}

func readCurrent(iter *pebble.Iterator) (SeqReadResult, error) {
	pos := positionFromKey(iter.Key())
	val := iter.Value()
	rec, err := DecodeRecord(pos, val)
	if err != nil {
		return SeqReadResult{}, err
	}
	return SeqReadResult{
		Success:      true,
		Record:       rec,
		RecordLength: len(val),
		PrePosition:  pos,
		PostPosition: pos + int64(len(val)),
	}, nil
}
