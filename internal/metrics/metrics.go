package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "productscan"

// ScanMetrics holds the prometheus collectors for the scanning service.
type ScanMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	gatewayCalls    *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	connections     prometheus.Gauge
}

func NewScanMetrics(service string) *ScanMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	gatewayCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "gateway",
			Name:        "calls_total",
			Help:        "Total model gateway calls by operation and outcome.",
			ConstLabels: prometheus.Labels{"service": service},
		},
		[]string{"operation", "outcome"},
	)
	gatewayDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "gateway",
			Name:        "call_duration_seconds",
			Help:        "Model gateway call duration in seconds.",
			Buckets:     []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			ConstLabels: prometheus.Labels{"service": service},
		},
		[]string{"operation"},
	)
	transitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "transitions_total",
			Help:        "Total view state transitions.",
			ConstLabels: prometheus.Labels{"service": service},
		},
		[]string{"from", "to"},
	)
	connections := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "ws",
			Name:        "connections",
			Help:        "Number of open websocket connections.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		gatewayCalls,
		gatewayDuration,
		transitions,
		connections,
	)

	return &ScanMetrics{
		registry:        registry,
		requestTotal:    requestTotal,
		requestDuration: requestDuration,
		gatewayCalls:    gatewayCalls,
		gatewayDuration: gatewayDuration,
		transitions:     transitions,
		connections:     connections,
	}
}

func (m *ScanMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCall records one model gateway call.
func (m *ScanMetrics) ObserveCall(operation, outcome string, duration time.Duration) {
	m.gatewayCalls.WithLabelValues(operation, outcome).Inc()
	m.gatewayDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *ScanMetrics) ObserveTransition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *ScanMetrics) ConnectionOpened() { m.connections.Inc() }

func (m *ScanMetrics) ConnectionClosed() { m.connections.Dec() }

func (m *ScanMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath keeps label cardinality bounded: static assets collapse into one label.
func normalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/ws":
		return path
	default:
		return "/static"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
