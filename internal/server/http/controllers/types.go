package controllers

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/flostore/internal/readindex"
	"github.com/rzbill/flostore/internal/writer"
)

// Common request/response types for HTTP controllers

// eventReq is one event in an append or transaction write.
type eventReq struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	// Raw marks Data as opaque base64 bytes rather than a JSON document.
	Raw bool `json:"raw,omitempty"`
}

func (e eventReq) toEvent() (writer.Event, error) {
	out := writer.Event{Type: e.Type, Metadata: []byte(e.Metadata), IsJSON: !e.Raw}
	if e.ID != "" {
		id, err := uuid.Parse(e.ID)
		if err != nil {
			return out, err
		}
		out.ID = id
	}
	if e.Raw {
		var b []byte
		if len(e.Data) > 0 {
			if err := json.Unmarshal(e.Data, &b); err != nil {
				return out, err
			}
		}
		out.Data = b
	} else {
		out.Data = []byte(e.Data)
	}
	return out, nil
}

func toEvents(in []eventReq) ([]writer.Event, error) {
	out := make([]writer.Event, len(in))
	for i, e := range in {
		ev, err := e.toEvent()
		if err != nil {
			return nil, err
		}
		out[i] = ev
	}
	return out, nil
}

// appendReq appends events to a stream.
type appendReq struct {
	Stream          string     `json:"stream"`
	ExpectedVersion *int64     `json:"expectedVersion,omitempty"`
	Events          []eventReq `json:"events"`
}

// deleteReq deletes a stream.
type deleteReq struct {
	Stream          string `json:"stream"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
	Hard            bool   `json:"hard"`
}

// metaReq replaces a stream's metadata. Metadata is the metastream JSON
// document ($maxCount, $maxAge, $tb, $cacheControl, $acl).
type metaReq struct {
	Stream          string          `json:"stream"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
	Metadata        json.RawMessage `json:"metadata"`
}

type txStartReq struct {
	Stream          string `json:"stream"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

type txWriteReq struct {
	TransactionID int64      `json:"transactionId"`
	Events        []eventReq `json:"events"`
}

type txCommitReq struct {
	TransactionID int64 `json:"transactionId"`
}

type writeResultJSON struct {
	FirstEventNumber int64 `json:"firstEventNumber"`
	LastEventNumber  int64 `json:"lastEventNumber"`
	LogPosition      int64 `json:"logPosition"`
	AlreadyCommitted bool  `json:"alreadyCommitted,omitempty"`
}

func toWriteResult(r writer.WriteResult) writeResultJSON {
	return writeResultJSON{
		FirstEventNumber: r.FirstEventNumber,
		LastEventNumber:  r.LastEventNumber,
		LogPosition:      r.LogPosition,
		AlreadyCommitted: r.AlreadyCommitted,
	}
}

// eventJSON is an event as returned by reads. Data is embedded as JSON when
// the event was written as JSON and base64 otherwise.
type eventJSON struct {
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

func rawOrBase64(b []byte, isJSON bool) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if isJSON && json.Valid(b) {
		return json.RawMessage(b)
	}
	enc, _ := json.Marshal(b)
	return enc
}

func toEventJSON(e *readindex.EventRecord) eventJSON {
	isJSON := e.IsJSON()
	return eventJSON{
		Stream:      e.EventStreamID,
		EventNumber: e.EventNumber,
		EventID:     e.EventID.String(),
		Type:        e.EventType,
		LogPosition: e.LogPosition,
		Timestamp:   e.TimeStamp,
		IsJSON:      isJSON,
		Data:        rawOrBase64(e.Data, isJSON),
		Metadata:    rawOrBase64(e.Metadata, json.Valid(e.Metadata)),
	}
}

type readStreamResp struct {
	Stream          string      `json:"stream"`
	Result          string      `json:"result"`
	Events          []eventJSON `json:"events"`
	NextEventNumber int64       `json:"nextEventNumber"`
	LastEventNumber int64       `json:"lastEventNumber"`
	IsEndOfStream   bool        `json:"isEndOfStream"`
}

type positionJSON struct {
	Commit  int64 `json:"commit"`
	Prepare int64 `json:"prepare"`
}

func toPosition(p readindex.TFPos) positionJSON {
	return positionJSON{Commit: p.CommitPosition, Prepare: p.PreparePosition}
}

type readAllResp struct {
	Events        []eventJSON  `json:"events"`
	CurrentPos    positionJSON `json:"currentPos"`
	NextPos       positionJSON `json:"nextPos"`
	PrevPos       positionJSON `json:"prevPos"`
	IsEndOfStream bool         `json:"isEndOfStream"`
	Considered    int64        `json:"considered,omitempty"`
}

type statsResp struct {
	State                  string `json:"state"`
	LastIndexedPosition    int64  `json:"lastIndexedPosition"`
	WriterCheckpoint       int64  `json:"writerCheckpoint"`
	ChaserPosition         int64  `json:"chaserPosition"`
	IndexPrepareCheckpoint int64  `json:"indexPrepareCheckpoint"`
	IndexCommitCheckpoint  int64  `json:"indexCommitCheckpoint"`
	CachedStreamInfo       int64  `json:"cachedStreamInfo"`
	NotCachedStreamInfo    int64  `json:"notCachedStreamInfo"`
	HashCollisions         int64  `json:"hashCollisions"`
	ReadersCreated         int64  `json:"readersCreated"`
	ReadersLeased          int64  `json:"readersLeased"`
	CommittedEventsCached  int    `json:"committedEventsCached"`
	CommittedEventsBytes   int64  `json:"committedEventsBytes"`
	Subscribers            int    `json:"subscribers"`
}
