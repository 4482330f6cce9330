// Package transports provides pluggable transport implementations for the CLI.
package transports

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event is one event to append.
type Event struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	// Raw sends Data as base64 bytes instead of a JSON document.
	Raw bool `json:"raw,omitempty"`
}

// WriteResult is the outcome of an append, delete or metadata write.
type WriteResult struct {
	FirstEventNumber int64 `json:"firstEventNumber"`
	LastEventNumber  int64 `json:"lastEventNumber"`
	LogPosition      int64 `json:"logPosition"`
	AlreadyCommitted bool  `json:"alreadyCommitted,omitempty"`
}

// RecordedEvent is an event returned by a read.
type RecordedEvent struct {
	Stream         string          `json:"stream"`
	EventNumber    int64           `json:"eventNumber"`
	EventID        string          `json:"eventId"`
	Type           string          `json:"type"`
	LogPosition    int64           `json:"logPosition"`
	CommitPosition *int64          `json:"commitPosition,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	IsJSON         bool            `json:"isJson"`
	Data           json.RawMessage `json:"data,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// StreamPage is one page of a stream read. Result is Success, NoStream or
// StreamDeleted.
type StreamPage struct {
	Stream          string          `json:"stream"`
	Result          string          `json:"result"`
	Events          []RecordedEvent `json:"events"`
	NextEventNumber int64           `json:"nextEventNumber"`
	LastEventNumber int64           `json:"lastEventNumber"`
	IsEndOfStream   bool            `json:"isEndOfStream"`
}

// Position is a $all position.
type Position struct {
	Commit  int64 `json:"commit"`
	Prepare int64 `json:"prepare"`
}

// AllPage is one page of a $all read.
type AllPage struct {
	Events        []RecordedEvent `json:"events"`
	CurrentPos    Position        `json:"currentPos"`
	NextPos       Position        `json:"nextPos"`
	PrevPos       Position        `json:"prevPos"`
	IsEndOfStream bool            `json:"isEndOfStream"`
}

// ReadStreamRequest pages a stream. From < 0 reads backward from the end.
type ReadStreamRequest struct {
	Stream   string
	From     int64
	Limit    int
	Backward bool
}

// ReadAllRequest pages $all. A nil From starts at the beginning, or at the
// end when Backward is set.
type ReadAllRequest struct {
	From         *Position
	Limit        int
	Backward     bool
	Filter       string
	StreamPrefix string
	TypePrefix   string
}

// StreamMetadata is a stream's metadata document and the metastream version.
type StreamMetadata struct {
	Stream            string          `json:"stream"`
	MetastreamVersion int64           `json:"metastreamVersion"`
	Metadata          json.RawMessage `json:"metadata"`
}

// IndexStats mirrors /v1/index/stats.
type IndexStats map[string]any

// StatusError is a non-success response from the server.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// StreamsTransport abstracts the transport used by the CLI.
type StreamsTransport interface {
	Append(ctx context.Context, stream string, expectedVersion *int64, events []Event) (WriteResult, error)
	ReadStream(ctx context.Context, req ReadStreamRequest) (StreamPage, error)
	Delete(ctx context.Context, stream string, expectedVersion *int64, hard bool) (WriteResult, error)
	GetMetadata(ctx context.Context, stream string) (StreamMetadata, error)
	SetMetadata(ctx context.Context, stream string, expectedVersion *int64, metadata json.RawMessage) (WriteResult, error)
	ReadAll(ctx context.Context, req ReadAllRequest) (AllPage, error)
	IndexStats(ctx context.Context) (IndexStats, error)
}
