package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rzbill/flostore/internal/readindex"
	"github.com/rzbill/flostore/internal/runtime"
)

const (
	defaultReadLimit = 100
	maxReadLimit     = 4096
)

// StreamsController exposes stream writes, reads, deletes, metadata and
// explicit transactions.
type StreamsController struct {
	rt *runtime.Runtime
}

func NewStreamsController(rt *runtime.Runtime) *StreamsController {
	return &StreamsController{rt: rt}
}

// RegisterRoutes registers all stream-related routes with the given mux.
func (c *StreamsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/streams/append", c.handleAppend)
	mux.HandleFunc("/v1/streams/read", c.handleRead)
	mux.HandleFunc("/v1/streams/event", c.handleReadEvent)
	mux.HandleFunc("/v1/streams/delete", c.handleDelete)
	mux.HandleFunc("/v1/streams/meta", c.handleMeta)

	// Explicit transactions
	mux.HandleFunc("/v1/streams/tx/start", c.handleTxStart)
	mux.HandleFunc("/v1/streams/tx/write", c.handleTxWrite)
	mux.HandleFunc("/v1/streams/tx/commit", c.handleTxCommit)
}

// handleAppend writes events to a stream at an optional expected version.
func (c *StreamsController) handleAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req appendReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	events, err := toEvents(req.Events)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event: "+err.Error())
		return
	}
	res, err := c.rt.Writer().WriteEvents(r.Context(), req.Stream, expectedVersion(req.ExpectedVersion), events)
	if err != nil {
		writeWriterError(w, err)
		return
	}
	if res.AlreadyCommitted {
		writeJSON(w, toWriteResult(res))
		return
	}
	writeCreated(w, toWriteResult(res))
}

// handleRead pages a stream. Query params: stream, from, limit, backward.
// A backward read without from starts at the last event.
func (c *StreamsController) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	q := r.URL.Query()
	stream := q.Get("stream")
	if stream == "" {
		writeError(w, http.StatusBadRequest, "stream is required")
		return
	}
	backward := parseBool(q.Get("backward"))
	def := int64(0)
	if backward {
		def = -1
	}
	from, err := parseInt64(q.Get("from"), def)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from")
		return
	}
	limit := parseLimit(q.Get("limit"), defaultReadLimit, maxReadLimit)

	ri := c.rt.ReadIndex()
	var res readindex.ReadStreamResult
	if backward {
		res, err = ri.ReadStreamEventsBackward(stream, from, limit)
	} else {
		res, err = ri.ReadStreamEventsForward(stream, from, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := readStreamResp{
		Stream:          stream,
		Result:          res.Result.String(),
		Events:          make([]eventJSON, 0, len(res.Records)),
		NextEventNumber: res.NextEventNumber,
		LastEventNumber: res.LastEventNumber,
		IsEndOfStream:   res.IsEndOfStream,
	}
	for i := range res.Records {
		out.Events = append(out.Events, toEventJSON(&res.Records[i]))
	}
	switch res.Result {
	case readindex.ReadStreamNoStream:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(out)
	case readindex.ReadStreamDeleted:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		_ = json.NewEncoder(w).Encode(out)
	default:
		writeJSON(w, out)
	}
}

// handleReadEvent reads one event. Query params: stream, number (-1 for last).
func (c *StreamsController) handleReadEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	q := r.URL.Query()
	n, err := parseInt64(q.Get("number"), -1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid number")
		return
	}
	res, err := c.rt.ReadIndex().ReadEvent(q.Get("stream"), n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch res.Result {
	case readindex.ReadEventSuccess:
		writeJSON(w, toEventJSON(res.Record))
	case readindex.ReadEventStreamDeleted:
		writeError(w, http.StatusGone, res.Result.String())
	default:
		writeError(w, http.StatusNotFound, res.Result.String())
	}
}

// handleDelete hard or soft deletes a stream.
func (c *StreamsController) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req deleteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	res, err := c.rt.Writer().DeleteStream(r.Context(), req.Stream, expectedVersion(req.ExpectedVersion), req.Hard)
	if err != nil {
		writeWriterError(w, err)
		return
	}
	writeJSON(w, toWriteResult(res))
}

// handleMeta reads (GET ?stream=) or replaces (POST) stream metadata.
func (c *StreamsController) handleMeta(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		stream := r.URL.Query().Get("stream")
		if stream == "" {
			writeError(w, http.StatusBadRequest, "stream is required")
			return
		}
		ri := c.rt.ReadIndex()
		meta, err := ri.GetStreamMetadata(stream)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		last, err := ri.GetStreamLastEventNumber(readindex.MetastreamOf(stream))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("X-Metastream-Version", strconv.FormatInt(last, 10))
		writeJSON(w, map[string]any{
			"stream":            stream,
			"metastreamVersion": last,
			"metadata":          json.RawMessage(meta.JSON()),
		})
	case http.MethodPost:
		var req metaReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		meta, err := readindex.DecodeStreamMetadata(req.Metadata)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		res, err := c.rt.Writer().SetStreamMetadata(r.Context(), req.Stream, expectedVersion(req.ExpectedVersion), meta)
		if err != nil {
			writeWriterError(w, err)
			return
		}
		writeCreated(w, toWriteResult(res))
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (c *StreamsController) handleTxStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req txStartReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	txID, err := c.rt.Writer().TransactionStart(r.Context(), req.Stream, expectedVersion(req.ExpectedVersion))
	if err != nil {
		writeWriterError(w, err)
		return
	}
	writeCreated(w, map[string]int64{"transactionId": txID})
}

func (c *StreamsController) handleTxWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req txWriteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	events, err := toEvents(req.Events)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event: "+err.Error())
		return
	}
	if err := c.rt.Writer().TransactionWrite(r.Context(), req.TransactionID, events); err != nil {
		writeWriterError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *StreamsController) handleTxCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req txCommitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	res, err := c.rt.Writer().TransactionCommit(r.Context(), req.TransactionID)
	if err != nil {
		writeWriterError(w, err)
		return
	}
	writeJSON(w, toWriteResult(res))
}
