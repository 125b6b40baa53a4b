package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kroypata/checkout/internal/platform/requestctx"
)

const sampleTraceID = "105445aa7843bc8bf206b12000100000"

func TestParseCloudTraceContext(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		ok      bool
		spanID  string
		sampled bool
	}{
		{name: "decimal span", header: sampleTraceID + "/1;o=1", ok: true, spanID: "0000000000000001", sampled: true},
		{name: "hex span", header: sampleTraceID + "/00f067aa0ba902b7;o=0", ok: true, spanID: "00f067aa0ba902b7"},
		{name: "no options", header: sampleTraceID + "/42", ok: true, spanID: "000000000000002a"},
		{name: "short trace", header: "abc/1;o=1"},
		{name: "zero span", header: sampleTraceID + "/0;o=1"},
		{name: "missing span", header: sampleTraceID},
		{name: "empty", header: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sc, ok := parseCloudTraceContext(tc.header)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if sc.TraceID().String() != sampleTraceID {
				t.Fatalf("unexpected trace id %s", sc.TraceID())
			}
			if sc.SpanID().String() != tc.spanID {
				t.Fatalf("unexpected span id %s", sc.SpanID())
			}
			if sc.IsSampled() != tc.sampled {
				t.Fatalf("sampled = %v, want %v", sc.IsSampled(), tc.sampled)
			}
		})
	}
}

func TestTraceMiddlewareContinuesCloudTrace(t *testing.T) {
	var info requestctx.TraceInfo
	handler := TraceMiddleware("shop-prod")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ = requestctx.Trace(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/checkout/coupons", nil)
	req.Header.Set(cloudTraceHeader, sampleTraceID+"/7;o=1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if info.TraceID != sampleTraceID {
		t.Fatalf("expected trace id to continue, got %q", info.TraceID)
	}
	if info.ProjectID != "shop-prod" {
		t.Fatalf("unexpected project %q", info.ProjectID)
	}
	if got := rec.Header().Get(cloudTraceHeader); !strings.HasPrefix(got, sampleTraceID+"/") {
		t.Fatalf("unexpected response trace header %q", got)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}
