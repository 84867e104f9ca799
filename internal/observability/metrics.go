package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ongoingai/airelay/internal/ledger"
	"github.com/ongoingai/airelay/internal/upstream"
)

const metricsNamespace = "airelay"

// Metrics is the Prometheus view of relayed traffic. Each instance owns its
// registry so tests and multiple servers never collide. Methods on a nil
// *Metrics are no-ops.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	timeToFirstByte *prometheus.HistogramVec
	tokens          *prometheus.CounterVec
	responseBytes   *prometheus.CounterVec
	degraded        *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	inflight        *prometheus.GaugeVec

	sinkRejected       prometheus.Counter
	sinkWriteFailed    *prometheus.CounterVec
	credentialRefresh  *prometheus.CounterVec
	feedClients        prometheus.Gauge
	feedDroppedClients prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Relayed requests by provider, operation, status and error kind.",
		}, []string{"provider", "operation", "status", "error_kind"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end relay duration.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"provider", "operation"}),
		timeToFirstByte: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "time_to_first_byte_seconds",
			Help:      "Delay until the first upstream body byte reached the client.",
			Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tokens_total",
			Help:      "Tokens accounted from relayed responses.",
		}, []string{"provider", "model", "kind"}),
		responseBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "response_bytes_total",
			Help:      "Upstream body bytes relayed to clients.",
		}, []string{"provider"}),
		degraded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "accounting_degraded_total",
			Help:      "Framing units relayed but not accounted.",
		}, []string{"provider"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "accounting_dropped_chunks_total",
			Help:      "Chunks relayed while the accounting queue was full.",
		}, []string{"provider"}),
		inflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "inflight_requests",
			Help:      "Requests currently being relayed.",
		}, []string{"provider"}),
		sinkRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ledger_rejected_total",
			Help:      "Usage records rejected by a full ledger queue.",
		}),
		sinkWriteFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ledger_write_failed_total",
			Help:      "Usage records lost to store failures.",
		}, []string{"operation", "error_class"}),
		credentialRefresh: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "credential_refresh_total",
			Help:      "Role credential refresh attempts by result.",
		}, []string{"result"}),
		feedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "feed_clients",
			Help:      "Connected live feed clients.",
		}),
		feedDroppedClients: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "feed_dropped_clients_total",
			Help:      "Live feed clients disconnected for falling behind.",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TrackQueue exports the ledger queue depth and capacity on scrape.
func (m *Metrics) TrackQueue(diagnostics func() ledger.Diagnostics) {
	if m == nil || diagnostics == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "ledger_queue_depth",
		Help:      "Usage records waiting in the ledger queue.",
	}, func() float64 { return float64(diagnostics().QueueDepth) })
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "ledger_queue_capacity",
		Help:      "Ledger queue capacity.",
	}, func() float64 { return float64(diagnostics().QueueCapacity) })
}

// Begin marks a request in flight and returns the matching release.
func (m *Metrics) Begin(provider string) func() {
	if m == nil {
		return func() {}
	}
	gauge := m.inflight.WithLabelValues(provider)
	gauge.Inc()
	return gauge.Dec
}

// ObserveRecord folds a finalized usage record into the metrics.
func (m *Metrics) ObserveRecord(r *ledger.Record) {
	if m == nil || r == nil {
		return
	}
	operation := upstream.OperationLabel(r.Provider, r.Operation)
	m.requests.WithLabelValues(r.Provider, operation, strconv.Itoa(r.Status), r.ErrorKind).Inc()
	m.duration.WithLabelValues(r.Provider, operation).Observe(float64(r.DurationMS) / 1000)
	if r.ResponseBytes > 0 {
		m.timeToFirstByte.WithLabelValues(r.Provider).Observe(float64(r.TimeToFirstByteMS) / 1000)
		m.responseBytes.WithLabelValues(r.Provider).Add(float64(r.ResponseBytes))
	}
	if r.PromptTokens > 0 {
		m.tokens.WithLabelValues(r.Provider, r.ModelID, "prompt").Add(float64(r.PromptTokens))
	}
	if r.CompletionTokens > 0 {
		m.tokens.WithLabelValues(r.Provider, r.ModelID, "completion").Add(float64(r.CompletionTokens))
	}
	if r.Degraded > 0 {
		m.degraded.WithLabelValues(r.Provider).Add(float64(r.Degraded))
	}
	if r.Dropped > 0 {
		m.dropped.WithLabelValues(r.Provider).Add(float64(r.Dropped))
	}
}

func (m *Metrics) SinkRejected() {
	if m == nil {
		return
	}
	m.sinkRejected.Inc()
}

func (m *Metrics) SinkWriteFailed(operation, class string, failed int) {
	if m == nil || failed <= 0 {
		return
	}
	m.sinkWriteFailed.WithLabelValues(operation, class).Add(float64(failed))
}

func (m *Metrics) CredentialRefresh(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.credentialRefresh.WithLabelValues(result).Inc()
}

func (m *Metrics) FeedClients(n int) {
	if m == nil {
		return
	}
	m.feedClients.Set(float64(n))
}

func (m *Metrics) FeedClientDropped() {
	if m == nil {
		return
	}
	m.feedDroppedClients.Inc()
}
