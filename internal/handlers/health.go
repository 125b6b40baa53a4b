package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/kroypata/checkout/internal/domain"
	"github.com/kroypata/checkout/internal/platform/httpx"
	"github.com/kroypata/checkout/internal/services"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService wires the dependency report used by /readyz.
func WithHealthSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

// WithHealthBuildInfo sets the build metadata echoed by both probes.
func WithHealthBuildInfo(build services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = build
	}
}

// WithHealthClock injects a clock for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs probe handlers. Without a system service /readyz only reports liveness.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type checkPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type healthPayload struct {
	Status      string                  `json:"status"`
	Version     string                  `json:"version,omitempty"`
	Environment string                  `json:"environment,omitempty"`
	Uptime      string                  `json:"uptime"`
	Timestamp   string                  `json:"timestamp"`
	Checks      map[string]checkPayload `json:"checks,omitempty"`
	Failing     []string                `json:"failing,omitempty"`
}

// Healthz reports process liveness only.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	httpx.WriteJSON(w, http.StatusOK, healthPayload{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		Timestamp:   formatTime(now),
	})
}

// Readyz reports dependency health. Only an error status fails the probe; degraded keeps serving.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		h.Healthz(w, r)
		return
	}
	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("health_unavailable", "unable to collect health report", http.StatusServiceUnavailable))
		return
	}

	payload := healthPayload{
		Status:      report.Status,
		Version:     report.Version,
		Environment: report.Environment,
		Uptime:      report.Uptime.Round(time.Second).String(),
		Timestamp:   formatTime(report.GeneratedAt),
		Checks:      make(map[string]checkPayload, len(report.Checks)),
	}
	for name, check := range report.Checks {
		payload.Checks[name] = checkPayload{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: formatTime(check.CheckedAt),
		}
		if check.Status != domain.HealthStatusOK {
			payload.Failing = append(payload.Failing, name)
		}
	}
	sort.Strings(payload.Failing)

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, payload)
}
