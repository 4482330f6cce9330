package controllers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rzbill/flostore/internal/readindex"
	"github.com/rzbill/flostore/internal/runtime"
)

const defaultSearchWindow = 10000

// AllController exposes reads of the $all stream in commit order.
type AllController struct {
	rt *runtime.Runtime
}

func NewAllController(rt *runtime.Runtime) *AllController {
	return &AllController{rt: rt}
}

func (c *AllController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/all/read", c.handleRead)
	mux.HandleFunc("/v1/all/subscribe", c.handleSubscribeSSE)
}

// buildFilter picks at most one event filter from the query. Query params:
// filter (CEL), stream_prefix, type_prefix (comma separated), stream_regex,
// type_regex. It returns nil when none is set.
func buildFilter(q url.Values, isAllStream bool) (readindex.EventFilter, error) {
	switch {
	case q.Get("filter") != "":
		return readindex.CELFilter(isAllStream, q.Get("filter"))
	case q.Get("stream_prefix") != "":
		return readindex.StreamIDPrefixFilter(isAllStream, strings.Split(q.Get("stream_prefix"), ",")...), nil
	case q.Get("type_prefix") != "":
		return readindex.EventTypePrefixFilter(isAllStream, strings.Split(q.Get("type_prefix"), ",")...), nil
	case q.Get("stream_regex") != "":
		return readindex.StreamIDRegexFilter(isAllStream, q.Get("stream_regex"))
	case q.Get("type_regex") != "":
		return readindex.EventTypeRegexFilter(isAllStream, q.Get("type_regex"))
	}
	return nil, nil
}

// handleRead pages $all. Query params: commit, prepare, limit, backward,
// window and the filter params of buildFilter. A backward read without a
// position starts at the end of the log.
func (c *AllController) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	q := r.URL.Query()
	ri := c.rt.ReadIndex()
	backward := parseBool(q.Get("backward"))

	pos := readindex.FirstPos
	if backward {
		pos = ri.EndPos()
	}
	commit, err := parseInt64(q.Get("commit"), pos.CommitPosition)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid commit position")
		return
	}
	prepare, err := parseInt64(q.Get("prepare"), commit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid prepare position")
		return
	}
	pos = readindex.TFPos{CommitPosition: commit, PreparePosition: prepare}
	limit := parseLimit(q.Get("limit"), defaultReadLimit, maxReadLimit)
	window := parseLimit(q.Get("window"), defaultSearchWindow, 1<<20)

	filter, err := buildFilter(q, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter: "+err.Error())
		return
	}
	var res readindex.ReadAllResult
	switch {
	case filter == nil && backward:
		res, err = ri.ReadAllEventsBackward(pos, limit)
	case filter == nil:
		res, err = ri.ReadAllEventsForward(pos, limit)
	case backward:
		res, err = ri.FilteredReadAllEventsBackward(pos, limit, window, filter)
	default:
		res, err = ri.FilteredReadAllEventsForward(pos, limit, window, filter)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := readAllResp{
		Events:        make([]eventJSON, 0, len(res.Records)),
		CurrentPos:    toPosition(res.CurrentPos),
		NextPos:       toPosition(res.NextPos),
		PrevPos:       toPosition(res.PrevPos),
		IsEndOfStream: res.IsEndOfStream,
		Considered:    res.ConsideredEventsCount,
	}
	for i := range res.Records {
		ev := toEventJSON(&res.Records[i].Event)
		cp := res.Records[i].CommitPosition
		ev.CommitPosition = &cp
		out.Events = append(out.Events, ev)
	}
	writeJSON(w, out)
}
