package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/flostore/internal/config"
	"github.com/rzbill/flostore/internal/runtime"
	logpkg "github.com/rzbill/flostore/pkg/log"
)

func newServer(t *testing.T) (*runtime.Runtime, *Server) {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "never"
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: cfg, Logger: logpkg.NewNopLogger()})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	logger, _ := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	return rt, New(rt, logger)
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

type writeResult struct {
	FirstEventNumber int64 `json:"firstEventNumber"`
	LastEventNumber  int64 `json:"lastEventNumber"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthHandler(t *testing.T) {
	_, s := newServer(t)
	if w := do(t, s, http.MethodGet, "/v1/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestAppendAndRead(t *testing.T) {
	_, s := newServer(t)
	w := do(t, s, http.MethodPost, "/v1/streams/append",
		`{"stream":"orders-1","expectedVersion":-1,"events":[{"type":"created","data":{"n":1}},{"type":"paid","data":{"n":2}}]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("append status: %d %s", w.Code, w.Body.String())
	}
	var res writeResult
	decode(t, w, &res)
	if res.FirstEventNumber != 0 || res.LastEventNumber != 1 {
		t.Fatalf("numbers: %+v", res)
	}

	w = do(t, s, http.MethodGet, "/v1/streams/read?stream=orders-1&limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("read status: %d", w.Code)
	}
	var read struct {
		Result string `json:"result"`
		Events []struct {
			EventNumber int64           `json:"eventNumber"`
			Type        string          `json:"type"`
			Data        json.RawMessage `json:"data"`
		} `json:"events"`
	}
	decode(t, w, &read)
	if read.Result != "Success" || len(read.Events) != 2 {
		t.Fatalf("read: %+v", read)
	}
	if read.Events[1].Type != "paid" || string(read.Events[1].Data) != `{"n":2}` {
		t.Fatalf("second event: %+v", read.Events[1])
	}

	w = do(t, s, http.MethodGet, "/v1/streams/read?stream=orders-1&backward=true&limit=1", "")
	decode(t, w, &read)
	if len(read.Events) != 1 || read.Events[0].EventNumber != 1 {
		t.Fatalf("backward read: %+v", read)
	}

	w = do(t, s, http.MethodGet, "/v1/streams/event?stream=orders-1&number=0", "")
	if w.Code != http.StatusOK {
		t.Fatalf("event status: %d", w.Code)
	}
}

func TestReadMissingStream(t *testing.T) {
	_, s := newServer(t)
	if w := do(t, s, http.MethodGet, "/v1/streams/read?stream=nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status: %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/v1/streams/read", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("status without stream: %d", w.Code)
	}
}

func TestAppendWrongExpectedVersion(t *testing.T) {
	_, s := newServer(t)
	do(t, s, http.MethodPost, "/v1/streams/append", `{"stream":"a","events":[{"type":"x","data":{}}]}`)
	w := do(t, s, http.MethodPost, "/v1/streams/append", `{"stream":"a","expectedVersion":5,"events":[{"type":"x","data":{}}]}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("status: %d", w.Code)
	}
	var body struct {
		Current int64 `json:"current"`
	}
	decode(t, w, &body)
	if body.Current != 0 {
		t.Fatalf("current: %d", body.Current)
	}
}

func TestHardDeleteThenRead(t *testing.T) {
	_, s := newServer(t)
	do(t, s, http.MethodPost, "/v1/streams/append", `{"stream":"b","events":[{"type":"x","data":{}}]}`)
	if w := do(t, s, http.MethodPost, "/v1/streams/delete", `{"stream":"b","hard":true}`); w.Code != http.StatusOK {
		t.Fatalf("delete status: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, s, http.MethodGet, "/v1/streams/read?stream=b", ""); w.Code != http.StatusGone {
		t.Fatalf("read status: %d", w.Code)
	}
	w := do(t, s, http.MethodPost, "/v1/streams/append", `{"stream":"b","events":[{"type":"x","data":{}}]}`)
	if w.Code != http.StatusGone {
		t.Fatalf("append after delete: %d", w.Code)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	_, s := newServer(t)
	w := do(t, s, http.MethodPost, "/v1/streams/meta", `{"stream":"c","metadata":{"$maxCount":3,"$acl":{"$r":"ops"}}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("set status: %d %s", w.Code, w.Body.String())
	}
	w = do(t, s, http.MethodGet, "/v1/streams/meta?stream=c", "")
	var body struct {
		MetastreamVersion int64 `json:"metastreamVersion"`
		Metadata          struct {
			MaxCount int64 `json:"$maxCount"`
		} `json:"metadata"`
	}
	decode(t, w, &body)
	if body.MetastreamVersion != 0 || body.Metadata.MaxCount != 3 {
		t.Fatalf("meta: %+v", body)
	}
	if w := do(t, s, http.MethodPost, "/v1/streams/meta", `{"stream":"c","metadata":"nope"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad metadata status: %d", w.Code)
	}
}

func TestTransactionEndpoints(t *testing.T) {
	_, s := newServer(t)
	w := do(t, s, http.MethodPost, "/v1/streams/tx/start", `{"stream":"tx-1","expectedVersion":-1}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	var started struct {
		TransactionID int64 `json:"transactionId"`
	}
	decode(t, w, &started)
	body, _ := json.Marshal(map[string]any{
		"transactionId": started.TransactionID,
		"events":        []map[string]any{{"type": "a", "data": map[string]int{"n": 1}}},
	})
	if w := do(t, s, http.MethodPost, "/v1/streams/tx/write", string(body)); w.Code != http.StatusNoContent {
		t.Fatalf("write: %d %s", w.Code, w.Body.String())
	}
	body, _ = json.Marshal(map[string]any{"transactionId": started.TransactionID})
	w = do(t, s, http.MethodPost, "/v1/streams/tx/commit", string(body))
	if w.Code != http.StatusOK {
		t.Fatalf("commit: %d %s", w.Code, w.Body.String())
	}
	var res writeResult
	decode(t, w, &res)
	if res.FirstEventNumber != 0 || res.LastEventNumber != 0 {
		t.Fatalf("commit result: %+v", res)
	}
}

func TestAllReadWithFilter(t *testing.T) {
	_, s := newServer(t)
	do(t, s, http.MethodPost, "/v1/streams/append", `{"stream":"orders-1","events":[{"type":"created","data":{}}]}`)
	do(t, s, http.MethodPost, "/v1/streams/append", `{"stream":"users-1","events":[{"type":"joined","data":{}}]}`)
	do(t, s, http.MethodPost, "/v1/streams/append", `{"stream":"orders-2","events":[{"type":"created","data":{}}]}`)

	var all struct {
		Events []struct {
			Stream         string `json:"stream"`
			CommitPosition *int64 `json:"commitPosition"`
		} `json:"events"`
		IsEndOfStream bool `json:"isEndOfStream"`
	}
	w := do(t, s, http.MethodGet, "/v1/all/read?limit=10&stream_prefix=orders-", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
	decode(t, w, &all)
	if len(all.Events) != 2 || all.Events[0].Stream != "orders-1" || all.Events[1].Stream != "orders-2" {
		t.Fatalf("filtered: %+v", all.Events)
	}
	if all.Events[0].CommitPosition == nil {
		t.Fatalf("missing commit position")
	}

	w = do(t, s, http.MethodGet, "/v1/all/read?limit=10&backward=true&filter="+
		"stream.startsWith(%22users-%22)", "")
	decode(t, w, &all)
	if len(all.Events) != 1 || all.Events[0].Stream != "users-1" {
		t.Fatalf("cel filtered: %+v", all.Events)
	}

	if w := do(t, s, http.MethodGet, "/v1/all/read?stream_regex=(", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad regex status: %d", w.Code)
	}
}

func TestIndexStats(t *testing.T) {
	_, s := newServer(t)
	do(t, s, http.MethodPost, "/v1/streams/append", `{"stream":"s","events":[{"type":"x","data":{}}]}`)
	w := do(t, s, http.MethodGet, "/v1/index/stats", "")
	var st statsRespView
	decode(t, w, &st)
	if st.State != "Ready" || st.LastIndexedPosition <= 0 || st.WriterCheckpoint < st.LastIndexedPosition {
		t.Fatalf("stats: %+v", st)
	}
}

type statsRespView struct {
	State               string `json:"state"`
	LastIndexedPosition int64  `json:"lastIndexedPosition"`
	WriterCheckpoint    int64  `json:"writerCheckpoint"`
}

func TestSubscribeSSE(t *testing.T) {
	rt, s := newServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/all/subscribe?stream=live-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	for rt.Bus().Subscribers() == 0 {
		if ctx.Err() != nil {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	do(t, s, http.MethodPost, "/v1/streams/append", `{"stream":"other","events":[{"type":"x","data":{}}]}`)
	do(t, s, http.MethodPost, "/v1/streams/append", `{"stream":"live-1","events":[{"type":"hello","data":{"n":1}}]}`)

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Stream string `json:"stream"`
			Type   string `json:"type"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Stream != "live-1" || ev.Type != "hello" {
			t.Fatalf("event: %+v", ev)
		}
		return
	}
	t.Fatalf("no event received: %v", sc.Err())
}
