package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/florianilch/kirodesk/internal/session"
)

// Error kinds produced by the RPC layer itself.
const (
	kindInvalidRequest = "InvalidRequest"
	kindNotFound       = "NotFound"
	kindForbidden      = "Forbidden"
	kindInternal       = "Internal"
)

// maxBodyBytes bounds invoke and window request bodies.
const maxBodyBytes = 64 << 10

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

var kindStatus = map[string]int{
	"UnsupportedProvider":   http.StatusBadRequest,
	"InvalidCallback":       http.StatusBadRequest,
	"UnknownOrExpiredState": http.StatusConflict,
	"NetworkError":          http.StatusGatewayTimeout,
	"InvalidGrant":          http.StatusBadRequest,
	"ProviderError":         http.StatusBadGateway,
	"NoStoredToken":         http.StatusNotFound,
	"RefreshRejected":       http.StatusUnauthorized,
	kindInvalidRequest:      http.StatusBadRequest,
	kindNotFound:            http.StatusNotFound,
	kindForbidden:           http.StatusForbidden,
	kindInternal:            http.StatusInternalServerError,
}

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind string) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// requestError is a malformed or invalid request body.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

// writeJSON writes a JSON response with the given status code.
// Logs encoding failures internally using the provided context.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	// Headers and status are written before encoding to avoid buffering.
	// If encoding fails, the client may receive a partial response.
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

// writeJSONError writes a JSON error response with the given status code.
// Similar to http.Error but returns JSON instead of plain text.
func writeJSONError(ctx context.Context, w http.ResponseWriter, message, kind string, status int) {
	writeJSON(ctx, w, ErrorResponse{Error: message, Kind: kind}, status)
}

// writeError classifies err and writes it with the matching status.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := session.Kind(err)
	if re := (*requestError)(nil); errors.As(err, &re) {
		kind = kindInvalidRequest
	}
	status := statusForKind(kind)

	message := err.Error()
	if status >= http.StatusInternalServerError && kind == kindInternal {
		slog.ErrorContext(ctx, "request failed", "error", err)
		message = http.StatusText(status)
	}
	writeJSONError(ctx, w, message, kind, status)
}

// decodeJSON reads a JSON object from r into v and validates it. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &requestError{fmt.Errorf("decoding request body: %w", err)}
	}
	if err := validate.Struct(v); err != nil {
		return &requestError{fmt.Errorf("invalid request: %w", err)}
	}
	return nil
}
