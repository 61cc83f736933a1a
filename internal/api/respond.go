package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/roach88/signalflow/internal/analytics"
	"github.com/roach88/signalflow/internal/engine"
	"github.com/roach88/signalflow/internal/store"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, ErrorResponse{Detail: fmt.Sprintf(format, args...)})
}

// fail maps err to a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, code, "%s", err.Error())
}

// errorStatus classifies an error from the engine, store, or analytics.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), engine.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), engine.IsConflict(err):
		return http.StatusConflict
	case engine.IsInvalid(err), errors.Is(err, analytics.ErrInvalidQuery):
		return http.StatusBadRequest
	}
	var bad *badRequest
	if errors.As(err, &bad) {
		return bad.code
	}
	return http.StatusInternalServerError
}

// badRequest is a client error detected in the handler itself.
type badRequest struct {
	code int
	msg  string
}

func (e *badRequest) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return &badRequest{code: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func unprocessable(format string, args ...any) error {
	return &badRequest{code: http.StatusUnprocessableEntity, msg: fmt.Sprintf(format, args...)}
}

// decodeJSON reads a single JSON object into dst. Unknown fields are
// rejected.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return unprocessable("invalid request body: %v", err)
	}
	return nil
}

// queryTime parses an RFC 3339 query parameter. Missing gives zero.
func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, invalid("%s: expected RFC 3339 time, got %q", name, v)
	}
	return t, nil
}

// queryInt parses an integer query parameter, returning def when missing.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalid("%s: expected integer, got %q", name, v)
	}
	return n, nil
}

// queryDuration parses a duration query parameter ("15m", "1h").
func queryDuration(r *http.Request, name string) (time.Duration, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, invalid("%s: expected duration, got %q", name, v)
	}
	return d, nil
}
