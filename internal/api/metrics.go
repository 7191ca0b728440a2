package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dunamismax/bwproxy/internal/domain"
	"github.com/dunamismax/bwproxy/internal/proxy"
)

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	proxyOutcomes     *prometheus.CounterVec
	bytesSaved        prometheus.Counter
	responseBytes     *prometheus.HistogramVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bwproxy_http_requests_total",
			Help: "Total HTTP requests handled by the proxy.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bwproxy_http_request_duration_seconds",
			Help:    "Proxy request latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8.5, 10},
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bwproxy_rate_limit_rejections_total",
			Help: "Total requests rejected by per-client rate limiting.",
		}, []string{"route"}),
		proxyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bwproxy_proxy_outcomes_total",
			Help: "Proxy responses by outcome.",
		}, []string{"outcome"}),
		bytesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bwproxy_bytes_saved_total",
			Help: "Bytes saved by transcoding, summed over compressed responses.",
		}),
		responseBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bwproxy_response_bytes",
			Help:    "Size of proxied image bodies.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}, []string{"outcome"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.proxyOutcomes,
		m.bytesSaved,
		m.responseBytes,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := statusLabel(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

// observeProxy classifies a proxy response from its status and diagnostic
// headers.
func (m *metrics) observeProxy(resp domain.Response) {
	outcome := proxyOutcome(resp)
	m.proxyOutcomes.WithLabelValues(outcome).Inc()

	if resp.Binary {
		m.responseBytes.WithLabelValues(outcome).Observe(float64(len(resp.Body)))
	}
	if saved, err := strconv.Atoi(resp.Headers[proxy.HeaderBytesSaved]); err == nil && saved > 0 {
		m.bytesSaved.Add(float64(saved))
	}
}

func proxyOutcome(resp domain.Response) string {
	switch {
	case resp.Headers[proxy.HeaderCompressionStatus] != "":
		return resp.Headers[proxy.HeaderCompressionStatus]
	case resp.Headers[proxy.HeaderBypassReason] != "":
		return "bypass_" + resp.Headers[proxy.HeaderBypassReason]
	case resp.StatusCode >= http.StatusInternalServerError:
		return "server_error"
	case resp.StatusCode >= http.StatusBadRequest:
		return "client_error"
	default:
		return "health_check"
	}
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}

func routeLabel(path string) string {
	switch path {
	case "/", "":
		return "/"
	case "/healthz", "/metrics":
		return path
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
