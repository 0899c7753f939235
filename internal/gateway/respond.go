// ABOUTME: JSON envelopes, error rendering and request correlation for the HTTP API
// ABOUTME: Every response is {success, data, meta} or {success:false, error:{code, message, details}}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/2389/mcp-gateway/internal/apierror"
	"github.com/2389/mcp-gateway/internal/mcp"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Meta    any        `json:"meta,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type requestIDKey struct{}

// requestIDFromContext returns the correlation id assigned by withRequestID.
func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withRequestID reuses the caller's X-Request-ID or assigns one, and echoes it back.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(mcp.RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set(mcp.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// writeJSON writes a success envelope.
func writeJSON(w http.ResponseWriter, status int, data, meta any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Meta: meta})
}

// writeError renders err as an error envelope. Unclassified errors become
// internal_error and their cause is only logged.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apierror.From(err)

	logger := g.logger.With("request_id", requestIDFromContext(r.Context()), "code", ae.Code())
	if ae.Kind == apierror.KindInternal {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "error", ae.Message)
	}

	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.HTTPStatus())
	_ = json.NewEncoder(w).Encode(envelope{
		Error: &errorBody{Code: ae.Code(), Message: ae.Message, Details: ae.Details},
	})
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	body := http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apierror.Validation("request body too large").
				WithDetails(map[string]any{"limit_bytes": tooLarge.Limit})
		case errors.Is(err, io.EOF):
			return apierror.Validation("request body is empty")
		default:
			return apierror.Wrap(apierror.KindValidation, "invalid JSON body", err)
		}
	}
	if dec.More() {
		return apierror.Validation("request body must contain a single JSON object")
	}
	return nil
}

// countingReader counts the bytes read through it.
type countingReader struct {
	io.ReadCloser
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apierror.Validation(name + " must be a non-negative integer").
			WithDetails(map[string]any{"field": name})
	}
	return n, nil
}
