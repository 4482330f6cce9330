package transports

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTPTransport implements StreamsTransport over the flostore JSON API.
type HTTPTransport struct {
	base   string
	client *http.Client
}

// NewHTTPTransport targets base, e.g. http://127.0.0.1:8080. A nil client
// uses http.DefaultClient.
func NewHTTPTransport(base string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{base: strings.TrimRight(base, "/"), client: client}
}

// do sends body (if any) as JSON and decodes the response into out when the
// status is one of ok.
func (t *HTTPTransport) do(ctx context.Context, method, path string, query url.Values, body, out any, ok ...int) error {
	u := t.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	accepted := false
	for _, s := range ok {
		if resp.StatusCode == s {
			accepted = true
			break
		}
	}
	if !accepted {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

type appendBody struct {
	Stream          string  `json:"stream"`
	ExpectedVersion *int64  `json:"expectedVersion,omitempty"`
	Events          []Event `json:"events"`
}

func (t *HTTPTransport) Append(ctx context.Context, stream string, expectedVersion *int64, events []Event) (WriteResult, error) {
	var res WriteResult
	err := t.do(ctx, http.MethodPost, "/v1/streams/append", nil,
		appendBody{Stream: stream, ExpectedVersion: expectedVersion, Events: events}, &res,
		http.StatusCreated, http.StatusOK)
	return res, err
}

// ReadStream returns NoStream and StreamDeleted pages without an error.
func (t *HTTPTransport) ReadStream(ctx context.Context, req ReadStreamRequest) (StreamPage, error) {
	q := url.Values{"stream": {req.Stream}}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Backward {
		q.Set("backward", "true")
	}
	if !req.Backward || req.From >= 0 {
		q.Set("from", strconv.FormatInt(req.From, 10))
	}
	var page StreamPage
	err := t.do(ctx, http.MethodGet, "/v1/streams/read", q, nil, &page,
		http.StatusOK, http.StatusNotFound, http.StatusGone)
	return page, err
}

type deleteBody struct {
	Stream          string `json:"stream"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
	Hard            bool   `json:"hard"`
}

func (t *HTTPTransport) Delete(ctx context.Context, stream string, expectedVersion *int64, hard bool) (WriteResult, error) {
	var res WriteResult
	err := t.do(ctx, http.MethodPost, "/v1/streams/delete", nil,
		deleteBody{Stream: stream, ExpectedVersion: expectedVersion, Hard: hard}, &res, http.StatusOK)
	return res, err
}

func (t *HTTPTransport) GetMetadata(ctx context.Context, stream string) (StreamMetadata, error) {
	var meta StreamMetadata
	err := t.do(ctx, http.MethodGet, "/v1/streams/meta", url.Values{"stream": {stream}}, nil, &meta, http.StatusOK)
	return meta, err
}

type metaBody struct {
	Stream          string          `json:"stream"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
	Metadata        json.RawMessage `json:"metadata"`
}

func (t *HTTPTransport) SetMetadata(ctx context.Context, stream string, expectedVersion *int64, metadata json.RawMessage) (WriteResult, error) {
	var res WriteResult
	err := t.do(ctx, http.MethodPost, "/v1/streams/meta", nil,
		metaBody{Stream: stream, ExpectedVersion: expectedVersion, Metadata: metadata}, &res, http.StatusCreated)
	return res, err
}

func (t *HTTPTransport) ReadAll(ctx context.Context, req ReadAllRequest) (AllPage, error) {
	q := url.Values{}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Backward {
		q.Set("backward", "true")
	}
	if req.From != nil {
		q.Set("commit", strconv.FormatInt(req.From.Commit, 10))
		q.Set("prepare", strconv.FormatInt(req.From.Prepare, 10))
	}
	switch {
	case req.Filter != "":
		q.Set("filter", req.Filter)
	case req.StreamPrefix != "":
		q.Set("stream_prefix", req.StreamPrefix)
	case req.TypePrefix != "":
		q.Set("type_prefix", req.TypePrefix)
	}
	var page AllPage
	err := t.do(ctx, http.MethodGet, "/v1/all/read", q, nil, &page, http.StatusOK)
	return page, err
}

func (t *HTTPTransport) IndexStats(ctx context.Context) (IndexStats, error) {
	var st IndexStats
	err := t.do(ctx, http.MethodGet, "/v1/index/stats", nil, nil, &st, http.StatusOK)
	return st, err
}
