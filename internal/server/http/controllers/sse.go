package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/rzbill/flostore/internal/readindex"
)

// sseSink writes committed events as Server-Sent Events.
type sseSink struct {
	w http.ResponseWriter
}

// Send writes one "data: {json}" event.
func (s sseSink) Send(ev eventJSON) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	_, err = s.w.Write([]byte("\n\n"))
	return err
}

func (s sseSink) Flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

// handleSubscribeSSE streams events as the committer indexes them. Query
// params: stream (exact match) and the filter params of buildFilter. Events
// dropped because the client fell behind are not replayed; clients resume
// with /v1/all/read from the last commit position they saw.
func (c *AllController) handleSubscribeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	q := r.URL.Query()
	stream := q.Get("stream")
	filter, err := buildFilter(q, stream == "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter: "+err.Error())
		return
	}
	sub := c.rt.Bus().SubscribeFunc(func(msg any) bool {
		ev, ok := msg.(readindex.EventCommitted)
		if !ok {
			return false
		}
		if stream != "" && ev.Event.EventStreamID != stream {
			return false
		}
		return filter == nil || filter.IsEventAllowed(&ev.Event)
	})
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	sink := sseSink{w: w}
	sink.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			ev := msg.(readindex.EventCommitted)
			out := toEventJSON(&ev.Event)
			cp := ev.CommitPosition
			out.CommitPosition = &cp
			if err := sink.Send(out); err != nil {
				return
			}
			sink.Flush()
		}
	}
}
