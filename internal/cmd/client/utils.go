package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	transports "github.com/rzbill/flostore/internal/cmd/client/transports"
	"github.com/spf13/cobra"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// BaseURLFromEnv returns FLO_HTTP or http://127.0.0.1:8080.
func BaseURLFromEnv() string {
	if v := os.Getenv("FLO_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

func newTransport(baseURL BaseURLFunc) transports.StreamsTransport {
	return transports.NewHTTPTransport(baseURL(), nil)
}

// parseExpectedVersion accepts any, no-stream, exists or an event number.
// "any" and the empty string yield nil.
func parseExpectedVersion(s string) (*int64, error) {
	var v int64
	switch strings.ToLower(s) {
	case "", "any":
		return nil, nil
	case "no-stream":
		v = -1
	case "exists":
		v = -4
	default:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --expected-version %q; use any|no-stream|exists|<number>", s)
		}
		v = n
	}
	return &v, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// decodedEvent returns a printable map with one of data_json, data_text or
// data_b64.
func decodedEvent(e transports.RecordedEvent) map[string]any {
	out := map[string]any{
		"stream":      e.Stream,
		"eventNumber": e.EventNumber,
		"type":        e.Type,
		"eventId":     e.EventID,
		"logPosition": e.LogPosition,
	}
	if e.CommitPosition != nil {
		out["commitPosition"] = *e.CommitPosition
	}
	if len(e.Data) == 0 {
		return out
	}
	if e.IsJSON {
		out["data_json"] = e.Data
		return out
	}
	var raw []byte
	if json.Unmarshal(e.Data, &raw) != nil {
		out["data_json"] = e.Data
		return out
	}
	if utf8.Valid(raw) {
		out["data_text"] = string(raw)
		return out
	}
	out["data_b64"] = base64.StdEncoding.EncodeToString(raw)
	return out
}
