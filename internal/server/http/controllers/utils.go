package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/rzbill/flostore/internal/readindex"
	"github.com/rzbill/flostore/internal/writer"
)

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func writeCreated(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(data)
}

// writeWriterError maps writer service errors onto HTTP statuses.
func writeWriterError(w http.ResponseWriter, err error) {
	var wrong *writer.WrongExpectedVersionError
	switch {
	case errors.As(err, &wrong):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":    "wrong expected version",
			"stream":   wrong.Stream,
			"expected": wrong.Expected,
			"current":  wrong.Current,
		})
	case errors.Is(err, writer.ErrStreamDeleted):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, writer.ErrInvalidStream), errors.Is(err, writer.ErrNoEvents),
		errors.Is(err, writer.ErrInvalidTransaction):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, writer.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, readindex.ErrIndexCorrupted):
		writeError(w, http.StatusInternalServerError, "read index corrupted")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseLimit parses a limit string, falling back to def for empty or
// invalid values and capping at max.
func parseLimit(limitStr string, def, max int) int {
	if limitStr == "" {
		return def
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// parseInt64 parses s, returning def when s is empty.
func parseInt64(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// parseBool returns true for "true" or "1", false otherwise.
func parseBool(s string) bool {
	return s == "true" || s == "1"
}

// expectedVersion resolves an optional expected version to "any".
func expectedVersion(v *int64) int64 {
	if v == nil {
		return readindex.ExpectedVersionAny
	}
	return *v
}
