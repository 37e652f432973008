// Package observe provides Prometheus metrics for treeline: search and
// discovery counters, LLM and sandbox usage totals, WebSocket connection
// tracking, and HTTP middleware that records per-route latency.
//
// Metrics live in a private registry so tests can build isolated instances;
// the /metrics endpoint serves it via Handler.
package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values for request and search counters.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// searchBuckets covers tree searches, which run seconds to minutes.
var searchBuckets = []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Metrics holds all instruments. Fields are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	// SearchesTotal counts finished runs by mode ("ask", "compare",
	// "discover") and status.
	SearchesTotal *prometheus.CounterVec

	// SearchDuration tracks wall-clock run time by mode.
	SearchDuration *prometheus.HistogramVec

	// LLMCalls counts provider calls, measured from the client counter
	// after each run.
	LLMCalls prometheus.Counter

	// CodeExecutions counts sandbox executions recorded in finished trees
	// and plain-pipeline steps.
	CodeExecutions prometheus.Counter

	// TranscribeResults counts per-URL transcript fetch outcomes.
	TranscribeResults *prometheus.CounterVec

	// HTTPRequests and HTTPRequestDuration feed from the gin middleware.
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics builds a Metrics instance with its own registry, including the
// standard Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SearchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "treeline_searches_total",
			Help: "Finished search and discovery runs by mode and status.",
		}, []string{"mode", "status"}),
		SearchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "treeline_search_duration_seconds",
			Help:    "Wall-clock duration of search and discovery runs by mode.",
			Buckets: searchBuckets,
		}, []string{"mode"}),
		LLMCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "treeline_llm_calls_total",
			Help: "LLM provider calls across all runs.",
		}),
		CodeExecutions: factory.NewCounter(prometheus.CounterOpts{
			Name: "treeline_code_executions_total",
			Help: "Sandbox code executions across all runs.",
		}),
		TranscribeResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "treeline_transcribe_results_total",
			Help: "Per-URL transcript fetch outcomes by status.",
		}, []string{"status"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "treeline_http_requests_total",
			Help: "HTTP requests by method, route, and status code.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "treeline_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterWSConnections registers a live-connection gauge backed by the
// given counter function. Called once during server wiring, after the
// connection manager exists.
func (m *Metrics) RegisterWSConnections(count func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "treeline_ws_connections",
		Help: "Currently open WebSocket connections.",
	}, func() float64 {
		return float64(count())
	})
}

// ObserveRun records one finished run: outcome counter plus duration.
func (m *Metrics) ObserveRun(mode, status string, seconds float64) {
	m.SearchesTotal.WithLabelValues(mode, status).Inc()
	m.SearchDuration.WithLabelValues(mode).Observe(seconds)
}
