package eventlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Record encoding: type(1B) | protowire body | crc32c(type|body) (4B BE).
// The encoded length is the distance between a record's pre- and post-position.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrCorruptRecord is returned when a stored record fails decoding or its checksum.
var ErrCorruptRecord = errors.New("eventlog: corrupt record")

// RecordType identifies the kind of a log record.
type RecordType byte

const (
	RecordPrepare RecordType = 0
	RecordCommit  RecordType = 1
	RecordSystem  RecordType = 2
)

func (t RecordType) String() string {
	switch t {
	case RecordPrepare:
		return "prepare"
	case RecordCommit:
		return "commit"
	case RecordSystem:
		return "system"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// PrepareFlags describe a prepare record.
type PrepareFlags uint16

const (
	FlagNone             PrepareFlags = 0
	FlagData             PrepareFlags = 1 << 0
	FlagTransactionBegin PrepareFlags = 1 << 1
	FlagTransactionEnd   PrepareFlags = 1 << 2
	FlagStreamDelete     PrepareFlags = 1 << 3
	FlagIsCommitted      PrepareFlags = 1 << 5
	FlagIsJSON           PrepareFlags = 1 << 8
	// FlagSingleWrite marks a self-contained direct write.
	FlagSingleWrite PrepareFlags = FlagData | FlagTransactionBegin | FlagTransactionEnd
)

// Has reports whether all bits of x are set.
func (f PrepareFlags) Has(x PrepareFlags) bool { return f&x == x }

// HasAny reports whether any bit of x is set.
func (f PrepareFlags) HasAny(x PrepareFlags) bool { return f&x != 0 }

// Record is one of *PrepareRecord, *CommitRecord or *SystemRecord.
type Record interface {
	Type() RecordType
	Position() int64
	// assign sets the log position and resolves a pending transaction
	// position to first, the position of the first record of the append.
	assign(pos, first int64)
}

// PrepareRecord proposes an event (or a stream tombstone) within a transaction.
type PrepareRecord struct {
	LogPosition         int64
	TransactionPosition int64
	TransactionOffset   int32
	ExpectedVersion     int64
	EventStreamID       string
	EventID             uuid.UUID
	Flags               PrepareFlags
	TimeStamp           time.Time
	EventType           string
	Data                []byte
	Metadata            []byte
}

func (p *PrepareRecord) Type() RecordType { return RecordPrepare }
func (p *PrepareRecord) Position() int64  { return p.LogPosition }

func (p *PrepareRecord) assign(pos, first int64) {
	p.LogPosition = pos
	if p.TransactionPosition < 0 {
		p.TransactionPosition = first
	}
}

// Size approximates the in-memory footprint used by byte-bounded caches.
func (p *PrepareRecord) Size() int {
	return 96 + len(p.EventStreamID) + len(p.EventType) + len(p.Data) + len(p.Metadata)
}

// CommitRecord makes the prepares of a transaction durable.
type CommitRecord struct {
	LogPosition         int64
	TransactionPosition int64
	FirstEventNumber    int64
	TimeStamp           time.Time
}

func (c *CommitRecord) Type() RecordType { return RecordCommit }
func (c *CommitRecord) Position() int64  { return c.LogPosition }

func (c *CommitRecord) assign(pos, first int64) {
	c.LogPosition = pos
	if c.TransactionPosition < 0 {
		c.TransactionPosition = first
	}
}

// SystemRecord carries engine bookkeeping (epochs, markers). It is never indexed.
type SystemRecord struct {
	LogPosition int64
	TimeStamp   time.Time
	Kind        string
	Data        []byte
}

func (s *SystemRecord) Type() RecordType    { return RecordSystem }
func (s *SystemRecord) Position() int64     { return s.LogPosition }
func (s *SystemRecord) assign(pos, _ int64) { s.LogPosition = pos }

// EncodeRecord renders r for storage. The log position is not part of the
// encoding: it is the storage key.
func EncodeRecord(r Record) []byte {
	out := make([]byte, 1, 64)
	out[0] = byte(r.Type())
	switch rec := r.(type) {
	case *PrepareRecord:
		out = appendVarintField(out, 1, uint64(rec.TransactionPosition))
		out = appendVarintField(out, 2, uint64(rec.TransactionOffset))
		out = appendVarintField(out, 3, protowire.EncodeZigZag(rec.ExpectedVersion))
		out = appendBytesField(out, 4, []byte(rec.EventStreamID))
		out = appendBytesField(out, 5, rec.EventID[:])
		out = appendVarintField(out, 6, uint64(rec.Flags))
		out = appendVarintField(out, 7, protowire.EncodeZigZag(rec.TimeStamp.UnixNano()))
		out = appendBytesField(out, 8, []byte(rec.EventType))
		out = appendBytesField(out, 9, rec.Data)
		out = appendBytesField(out, 10, rec.Metadata)
	case *CommitRecord:
		out = appendVarintField(out, 1, uint64(rec.TransactionPosition))
		out = appendVarintField(out, 2, protowire.EncodeZigZag(rec.FirstEventNumber))
		out = appendVarintField(out, 3, protowire.EncodeZigZag(rec.TimeStamp.UnixNano()))
	case *SystemRecord:
		out = appendVarintField(out, 1, protowire.EncodeZigZag(rec.TimeStamp.UnixNano()))
		out = appendBytesField(out, 2, []byte(rec.Kind))
		out = appendBytesField(out, 3, rec.Data)
	}
	crc := crc32.Checksum(out, castagnoli)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	return append(out, crcb[:]...)
}

// DecodeRecord parses a stored record found at pos.
func DecodeRecord(pos int64, b []byte) (Record, error) {
	if len(b) < 1+4 {
		return nil, errors.Wrapf(ErrCorruptRecord, "record at %d too short", pos)
	}
	body := b[:len(b)-4]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, errors.Wrapf(ErrCorruptRecord, "checksum mismatch at %d", pos)
	}
	typ := RecordType(body[0])
	fields := body[1:]
	var rec Record
	var err error
	switch typ {
	case RecordPrepare:
		p := &PrepareRecord{LogPosition: pos}
		err = consumeFields(fields, func(num protowire.Number, v uint64, bs []byte) error {
			switch num {
			case 1:
				p.TransactionPosition = int64(v)
			case 2:
				p.TransactionOffset = int32(v)
			case 3:
				p.ExpectedVersion = protowire.DecodeZigZag(v)
			case 4:
				p.EventStreamID = string(bs)
			case 5:
				id, err := uuid.FromBytes(bs)
				if err != nil {
					return err
				}
				p.EventID = id
			case 6:
				p.Flags = PrepareFlags(v)
			case 7:
				p.TimeStamp = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			case 8:
				p.EventType = string(bs)
			case 9:
				p.Data = append([]byte(nil), bs...)
			case 10:
				p.Metadata = append([]byte(nil), bs...)
			}
			return nil
		})
		rec = p
	case RecordCommit:
		c := &CommitRecord{LogPosition: pos}
		err = consumeFields(fields, func(num protowire.Number, v uint64, _ []byte) error {
			switch num {
			case 1:
				c.TransactionPosition = int64(v)
			case 2:
				c.FirstEventNumber = protowire.DecodeZigZag(v)
			case 3:
				c.TimeStamp = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			}
			return nil
		})
		rec = c
	case RecordSystem:
		s := &SystemRecord{LogPosition: pos}
		err = consumeFields(fields, func(num protowire.Number, v uint64, bs []byte) error {
			switch num {
			case 1:
				s.TimeStamp = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			case 2:
				s.Kind = string(bs)
			case 3:
				s.Data = append([]byte(nil), bs...)
			}
			return nil
		})
		rec = s
	default:
		return nil, errors.Wrapf(ErrCorruptRecord, "unknown record type %d at %d", typ, pos)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptRecord, "decode %s at %d: %v", typ, pos, err)
	}
	return rec, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// consumeFields walks a protowire body, handing varint and bytes fields to fn.
// Unknown wire types are skipped.
func consumeFields(b []byte, fn func(num protowire.Number, v uint64, bs []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			bs, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
			if err := fn(num, 0, bs); err != nil {
				return err
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}
