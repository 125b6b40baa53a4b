package commerce

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kroypata/checkout/internal/domain"
)

// APIError is a non-success response from the commerce backend. It satisfies checkout.RemoteError.
type APIError struct {
	Status  int
	ErrCode string
	Message string
	Fields  map[string][]string
	Methods []domain.ShippingMethod
	// Body is the leading part of the raw response, kept for logs.
	Body string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = e.Body
	}
	if e.ErrCode != "" {
		return fmt.Sprintf("commerce: status %d (%s): %s", e.Status, e.ErrCode, msg)
	}
	return fmt.Sprintf("commerce: status %d: %s", e.Status, msg)
}

// StatusCode returns the HTTP status of the failed call.
func (e *APIError) StatusCode() int { return e.Status }

// Code returns the backend's machine readable error code, if any.
func (e *APIError) Code() string { return e.ErrCode }

// FieldErrors returns per-field validation messages.
func (e *APIError) FieldErrors() map[string][]string { return e.Fields }

// AvailableMethods returns the fresh method list sent with INVALID_SHIPPING_METHOD.
func (e *APIError) AvailableMethods() []domain.ShippingMethod { return e.Methods }

type errorBody struct {
	Success          *bool           `json:"success"`
	Error            json.RawMessage `json:"error"`
	Detail           string          `json:"detail"`
	Message          string          `json:"message"`
	Code             string          `json:"code"`
	Details          json.RawMessage `json:"details"`
	Errors           json.RawMessage `json:"errors"`
	AvailableMethods []methodPayload `json:"available_methods"`
}

func newAPIError(status int, raw []byte) *APIError {
	apiErr := &APIError{Status: status, Body: truncate(string(raw), maxErrorBody)}
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		apiErr.Message = apiErr.Body
		return apiErr
	}
	apiErr.ErrCode = strings.TrimSpace(body.Code)
	apiErr.Message = firstNonEmpty(rawString(body.Error), body.Message, body.Detail)
	apiErr.Fields = mergeFieldErrors(flattenFieldErrors(body.Errors), flattenFieldErrors(body.Details))
	if len(apiErr.Fields) == 0 {
		// DRF serializers answer with a bare {field: [messages]} object.
		apiErr.Fields = flattenBareErrors(raw)
	}
	apiErr.Methods = toMethods(body.AvailableMethods)
	if apiErr.Message == "" {
		apiErr.Message = apiErr.Body
	}
	return apiErr
}

// flattenFieldErrors turns nested DRF style error objects into dotted field keys.
func flattenFieldErrors(raw json.RawMessage) map[string][]string {
	if len(raw) == 0 {
		return nil
	}
	var tree map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil
	}
	out := make(map[string][]string)
	flattenInto(out, "", tree)
	if len(out) == 0 {
		return nil
	}
	return out
}

func flattenBareErrors(raw []byte) map[string][]string {
	var tree map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil
	}
	for _, key := range []string{"success", "error", "detail", "message", "code", "valid", "available_methods", "requires_split_shipping"} {
		delete(tree, key)
	}
	out := make(map[string][]string)
	flattenInto(out, "", tree)
	if len(out) == 0 {
		return nil
	}
	return out
}

func flattenInto(out map[string][]string, prefix string, tree map[string]json.RawMessage) {
	keys := make([]string, 0, len(tree))
	for key := range tree {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}
		value := tree[key]

		var single string
		if err := json.Unmarshal(value, &single); err == nil {
			if strings.TrimSpace(single) != "" {
				out[name] = append(out[name], single)
			}
			continue
		}
		var list []json.RawMessage
		if err := json.Unmarshal(value, &list); err == nil {
			for i, item := range list {
				var msg string
				if err := json.Unmarshal(item, &msg); err == nil {
					out[name] = append(out[name], msg)
					continue
				}
				var nested map[string]json.RawMessage
				if err := json.Unmarshal(item, &nested); err == nil && len(nested) > 0 {
					flattenInto(out, fmt.Sprintf("%s.%d", name, i), nested)
				}
			}
			continue
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(value, &nested); err == nil {
			flattenInto(out, name, nested)
		}
	}
}

func mergeFieldErrors(a, b map[string][]string) map[string][]string {
	if len(a) == 0 {
		return b
	}
	for key, msgs := range b {
		a[key] = append(a[key], msgs...)
	}
	return a
}

// rawString reads a JSON value that is usually a string but sometimes an object.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return firstNonEmpty(obj.Message, obj.Detail)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
