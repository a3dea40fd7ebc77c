// Package metrics holds the Prometheus instruments of the gateway.
//
// Instruments are registered on a caller-supplied registry rather than the
// global default so that independent gateways (and tests) do not collide.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes as recorded by the gateway.
const (
	OutcomeOK                 = "ok"
	OutcomeBadRequest         = "bad_request"
	OutcomeForbiddenExtension = "forbidden_extension"
	OutcomeForbiddenCaller    = "forbidden_caller"
	OutcomeUpstreamError      = "upstream_error"
)

// Upstream fetch kinds.
const (
	FetchPlaylist    = "playlist"
	FetchPassthrough = "passthrough"
	FetchError       = "error"
)

// Metrics is the set of gateway instruments.
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	upstreamStatus   *prometheus.CounterVec
	rewrittenLines   prometheus.Counter
	playlists        *prometheus.CounterVec

	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge
	httpResponseSize     *prometheus.HistogramVec
}

// New creates the gateway instruments on a fresh registry that also carries
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates the gateway instruments on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsgate_requests_total",
			Help: "Proxy requests by outcome",
		}, []string{"outcome"}),

		upstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hlsgate_upstream_duration_seconds",
			Help:    "Upstream fetch latencies in seconds, body transfer included",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),

		upstreamStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsgate_upstream_status_total",
			Help: "Upstream responses by status class",
		}, []string{"class"}),

		rewrittenLines: factory.NewCounter(prometheus.CounterOpts{
			Name: "hlsgate_rewritten_lines_total",
			Help: "Segment references made absolute",
		}),

		playlists: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsgate_playlists_total",
			Help: "Rewritten playlists by detected type",
		}, []string{"type"}),

		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hlsgate_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		httpRequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hlsgate_http_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		}),

		httpResponseSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hlsgate_http_response_size_bytes",
			Help:    "HTTP response sizes in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		}, []string{"method", "path", "status"}),
	}
}

// Registry returns the registry the instruments are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Request records the outcome of one proxy request.
func (m *Metrics) Request(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}

// Upstream records one upstream fetch. status is ignored for FetchError.
func (m *Metrics) Upstream(kind string, status int, elapsed time.Duration) {
	m.upstreamDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if kind != FetchError {
		m.upstreamStatus.WithLabelValues(StatusClass(status)).Inc()
	}
}

// Rewritten records a rewritten playlist of the given type.
func (m *Metrics) Rewritten(playlistType string, lines int) {
	m.playlists.WithLabelValues(playlistType).Inc()
	m.rewrittenLines.Add(float64(lines))
}

// StatusClass maps an HTTP status code to its class label, e.g. "2xx".
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}

// Middleware records HTTP request metrics. Paths are labelled with the chi
// route pattern to keep cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.httpRequestsInFlight.Inc()
		defer m.httpRequestsInFlight.Dec()

		mw := &metricsWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(mw, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		status := strconv.Itoa(mw.statusCode)
		m.httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		if mw.bytesWritten > 0 {
			m.httpResponseSize.WithLabelValues(r.Method, path, status).Observe(float64(mw.bytesWritten))
		}
	})
}

// metricsWriter wraps http.ResponseWriter to capture status and size.
type metricsWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	written      bool
}

func (mw *metricsWriter) WriteHeader(statusCode int) {
	if !mw.written {
		mw.statusCode = statusCode
		mw.written = true
	}
	mw.ResponseWriter.WriteHeader(statusCode)
}

func (mw *metricsWriter) Write(b []byte) (int, error) {
	if !mw.written {
		mw.WriteHeader(http.StatusOK)
	}
	n, err := mw.ResponseWriter.Write(b)
	mw.bytesWritten += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (mw *metricsWriter) Unwrap() http.ResponseWriter {
	return mw.ResponseWriter
}
