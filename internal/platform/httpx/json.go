package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxRequestBody = 64 << 10

// ErrEmptyBody is returned by DecodeJSON when the request carries no payload.
var ErrEmptyBody = errors.New("request body is empty")

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// DecodeJSON reads a bounded JSON body into dst, rejecting unknown fields and trailing data.
func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return ErrEmptyBody
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return errors.New("invalid json: trailing data")
	}
	return nil
}

// WriteBadRequest writes a 400 envelope for malformed input.
func WriteBadRequest(ctx context.Context, w http.ResponseWriter, message string) {
	if strings.TrimSpace(message) == "" {
		message = "invalid request"
	}
	WriteError(ctx, w, NewError("invalid_request", message, http.StatusBadRequest))
}
