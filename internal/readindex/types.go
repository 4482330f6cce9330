package readindex

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/flostore/internal/eventlog"
)

// Expected versions accepted by writes.
const (
	ExpectedVersionAny          int64 = -2
	ExpectedVersionNoStream     int64 = -1
	ExpectedVersionStreamExists int64 = -4
)

// Event number sentinels.
const (
	EventNumberDeletedStream int64 = math.MaxInt64
	EventNumberInvalid       int64 = math.MinInt32
)

// TFPos is a position in the global order: the commit position of the
// transaction and the position of the prepare within it.
type TFPos struct {
	CommitPosition  int64
	PreparePosition int64
}

var (
	FirstPos   = TFPos{0, 0}
	InvalidPos = TFPos{-1, -1}
)

// Compare orders positions lexicographically.
func (p TFPos) Compare(o TFPos) int {
	switch {
	case p.CommitPosition < o.CommitPosition:
		return -1
	case p.CommitPosition > o.CommitPosition:
		return 1
	case p.PreparePosition < o.PreparePosition:
		return -1
	case p.PreparePosition > o.PreparePosition:
		return 1
	default:
		return 0
	}
}

func (p TFPos) Less(o TFPos) bool { return p.Compare(o) < 0 }

// EventRecord is a committed event as served by reads.
type EventRecord struct {
	EventNumber         int64
	LogPosition         int64
	TransactionPosition int64
	TransactionOffset   int32
	EventStreamID       string
	EventID             uuid.UUID
	ExpectedVersion     int64
	TimeStamp           time.Time
	Flags               eventlog.PrepareFlags
	EventType           string
	Data                []byte
	Metadata            []byte
}

// NewEventRecord materializes prepare as event number n.
func NewEventRecord(n int64, p *eventlog.PrepareRecord) EventRecord {
	return EventRecord{
		EventNumber:         n,
		LogPosition:         p.LogPosition,
		TransactionPosition: p.TransactionPosition,
		TransactionOffset:   p.TransactionOffset,
		EventStreamID:       p.EventStreamID,
		EventID:             p.EventID,
		ExpectedVersion:     p.ExpectedVersion,
		TimeStamp:           p.TimeStamp,
		Flags:               p.Flags,
		EventType:           p.EventType,
		Data:                p.Data,
		Metadata:            p.Metadata,
	}
}

func (e EventRecord) IsJSON() bool { return e.Flags.Has(eventlog.FlagIsJSON) }

// CommitEventRecord is an event read from $all with the commit that made it durable.
type CommitEventRecord struct {
	Event          EventRecord
	CommitPosition int64
}

// ReadEventResultCode is the outcome of a point read.
type ReadEventResultCode int

const (
	ReadEventSuccess ReadEventResultCode = iota
	ReadEventNotFound
	ReadEventNoStream
	ReadEventStreamDeleted
)

func (c ReadEventResultCode) String() string {
	switch c {
	case ReadEventSuccess:
		return "Success"
	case ReadEventNotFound:
		return "NotFound"
	case ReadEventNoStream:
		return "NoStream"
	case ReadEventStreamDeleted:
		return "StreamDeleted"
	default:
		return "Unknown"
	}
}

// ReadEventResult is returned by ReadEvent.
type ReadEventResult struct {
	Result          ReadEventResultCode
	Record          *EventRecord
	Metadata        StreamMetadata
	LastEventNumber int64
	// OriginalStreamExists is set for metastream reads only.
	OriginalStreamExists *bool
}

// ReadStreamResultCode is the outcome of a range read.
type ReadStreamResultCode int

const (
	ReadStreamSuccess ReadStreamResultCode = iota
	ReadStreamNoStream
	ReadStreamDeleted
)

func (c ReadStreamResultCode) String() string {
	switch c {
	case ReadStreamSuccess:
		return "Success"
	case ReadStreamNoStream:
		return "NoStream"
	case ReadStreamDeleted:
		return "StreamDeleted"
	default:
		return "Unknown"
	}
}

// ReadStreamResult is returned by stream range reads. NextEventNumber is the
// "from" of the next page in the same direction; -1 when a backward read is
// exhausted.
type ReadStreamResult struct {
	Result          ReadStreamResultCode
	FromEventNumber int64
	MaxCount        int
	Records         []EventRecord
	Metadata        StreamMetadata
	NextEventNumber int64
	LastEventNumber int64
	IsEndOfStream   bool
}

// ReadAllResult is returned by $all reads. NextPos resumes in the same
// direction; PrevPos resumes in the opposite one.
type ReadAllResult struct {
	Records               []CommitEventRecord
	MaxCount              int
	CurrentPos            TFPos
	NextPos               TFPos
	PrevPos               TFPos
	IsEndOfStream         bool
	ConsideredEventsCount int64
}

// CommitDecision is the verdict of a pre-commit check.
type CommitDecision int

const (
	CommitOk CommitDecision = iota
	CommitWrongExpectedVersion
	CommitDeleted
	CommitIdempotent
	CommitCorruptedIdempotency
	CommitInvalidTransaction
	CommitIdempotentNotReady
)

func (d CommitDecision) String() string {
	switch d {
	case CommitOk:
		return "Ok"
	case CommitWrongExpectedVersion:
		return "WrongExpectedVersion"
	case CommitDeleted:
		return "Deleted"
	case CommitIdempotent:
		return "Idempotent"
	case CommitCorruptedIdempotency:
		return "CorruptedIdempotency"
	case CommitInvalidTransaction:
		return "InvalidTransaction"
	case CommitIdempotentNotReady:
		return "IdempotentNotReady"
	default:
		return "Unknown"
	}
}

// CommitCheckResult is returned by IndexWriter.CheckCommit. For Ok, Idempotent
// and IdempotentNotReady the event-number span of the write is reported;
// otherwise StartEventNumber and EndEventNumber are -1.
type CommitCheckResult struct {
	Decision              CommitDecision
	EventStreamID         string
	CurrentVersion        int64
	StartEventNumber      int64
	EndEventNumber        int64
	IsSoftDeleted         bool
	IdempotentLogPosition int64
}

// TransactionInfo tracks an open explicit transaction.
type TransactionInfo struct {
	TransactionOffset int32
	EventStreamID     string
}

// Valid reports whether the transaction was found.
func (t TransactionInfo) Valid() bool { return t.EventStreamID != "" }
