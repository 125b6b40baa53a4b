package httpx

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/kroypata/checkout/internal/platform/requestctx"
)

// Error is the JSON error envelope every endpoint answers with:
//
//	{"error": code, "message": ..., "status": 422, "request_id": ..., "trace_id": ..., ...details}
//
// Detail keys are merged into the top level object and never override the envelope keys.
type Error struct {
	Code       string
	Message    string
	Status     int
	Details    map[string]any
	RetryAfter time.Duration
}

// NewError builds an envelope. A zero status means 500.
func NewError(code, message string, status int) Error {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, 80),
		Message: clean(message, 512),
		Status:  status,
	}
}

func (e Error) Error() string {
	return strconv.Itoa(e.Status) + " " + e.Code + ": " + e.Message
}

// WithDetails returns a copy of e carrying details.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

// WithRetryAfter makes WriteError send a Retry-After header, rounded up to whole seconds.
func (e Error) WithRetryAfter(d time.Duration) Error {
	e.RetryAfter = d
	return e
}

type envelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

func (env envelope) fields() map[string]any {
	out := map[string]any{
		"error":   env.Error,
		"message": env.Message,
		"status":  env.Status,
	}
	if env.RequestID != "" {
		out["request_id"] = env.RequestID
	}
	if env.TraceID != "" {
		out["trace_id"] = env.TraceID
	}
	return out
}

// WriteError renders err with the request and trace ids found in ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status <= 0 {
		err.Status = http.StatusInternalServerError
	}
	body := envelope{
		Error:     err.Code,
		Message:   err.Message,
		Status:    err.Status,
		RequestID: clean(middleware.GetReqID(ctx), 80),
		TraceID:   clean(requestctx.TraceID(ctx), 64),
	}.fields()
	for k, v := range err.Details {
		if _, reserved := body[k]; reserved {
			continue
		}
		body[k] = v
	}

	header := w.Header()
	header.Set("Content-Type", "application/json")
	if err.RetryAfter > 0 {
		header.Set("Retry-After", strconv.Itoa(int(math.Ceil(err.RetryAfter.Seconds()))))
	}
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(body)
}

// clean flattens value onto one printable line and cuts it to limit runes.
func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value))
	if runes := []rune(value); len(runes) > limit {
		value = strings.TrimSpace(string(runes[:limit]))
	}
	return value
}
