package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/kroypata/checkout/internal/checkout"
)

const metricsNamespace = "checkout"

// CheckoutMetrics records orchestration and HTTP signals. Prometheus serves the scrape endpoint;
// completion outcomes are mirrored to the global OpenTelemetry meter so they reach OTLP as well.
type CheckoutMetrics struct {
	registry *prometheus.Registry

	calculations *prometheus.CounterVec
	recoveries   prometheus.Counter
	errors       *prometheus.CounterVec
	completions  *prometheus.CounterVec
	requests     *prometheus.HistogramVec
	sessions     prometheus.Gauge

	otelCompletions otelmetric.Int64Counter
}

// NewCheckoutMetrics registers the checkout collectors on a dedicated registry.
func NewCheckoutMetrics() (*CheckoutMetrics, error) {
	registry := prometheus.NewRegistry()
	m := &CheckoutMetrics{
		registry: registry,
		calculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calculations_total",
			Help:      "Pricing calculations by outcome (dispatched or discarded as stale).",
		}, []string{"outcome"}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "shipping_auto_recoveries_total",
			Help:      "Shipping selections replaced after the backend rejected the chosen method.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Checkout errors surfaced to shoppers by kind.",
		}, []string{"kind", "retryable"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "completions_total",
			Help:      "Order completion attempts by outcome.",
		}, []string{"outcome"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Checkout sessions currently held in memory.",
		}),
	}

	for _, collector := range []prometheus.Collector{
		m.calculations, m.recoveries, m.errors, m.completions, m.requests, m.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}

	counter, err := otel.Meter("github.com/kroypata/checkout/internal/platform/observability").Int64Counter(
		"checkout.completions",
		otelmetric.WithDescription("Order completion attempts by outcome."),
	)
	if err != nil {
		return nil, err
	}
	m.otelCompletions = counter
	return m, nil
}

// Handler serves the Prometheus exposition format for this registry.
func (m *CheckoutMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *CheckoutMetrics) Registry() *prometheus.Registry { return m.registry }

func (m *CheckoutMetrics) CalculationDispatched() {
	m.calculations.WithLabelValues("dispatched").Inc()
}

func (m *CheckoutMetrics) CalculationDiscarded() {
	m.calculations.WithLabelValues("discarded").Inc()
}

func (m *CheckoutMetrics) AutoRecovered() {
	m.recoveries.Inc()
}

func (m *CheckoutMetrics) ErrorSurfaced(kind checkout.Kind) {
	m.errors.WithLabelValues(string(kind), strconv.FormatBool(kind.Retryable())).Inc()
}

func (m *CheckoutMetrics) CompletionFinished(outcome string) {
	m.completions.WithLabelValues(outcome).Inc()
	m.otelCompletions.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
}

// SetActiveSessions reports the number of live sessions.
func (m *CheckoutMetrics) SetActiveSessions(n int) {
	m.sessions.Set(float64(n))
}

// ObserveRequest records one served HTTP request.
func (m *CheckoutMetrics) ObserveRequest(method, route string, status int, latency time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(latency.Seconds())
}

var _ checkout.Observer = (*CheckoutMetrics)(nil)
