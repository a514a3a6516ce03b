// metrics.go
package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	metricsNamespace = "devserve"

	// Server labels
	serverStatic = "static"
	serverAPI    = "api"
)

var (
	// Buckets for local file and route latencies: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s
	requestDurationBuckets = []float64{0.001, 0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.000, 2.500}
)

// metrics holds our Prometheus metrics
type metrics struct {
	// requestCounter tracks the total number of requests processed
	// Labels: server, method, status
	requestCounter *prometheus.CounterVec

	// requestDuration tracks the duration of requests
	// Labels: server, method
	requestDuration *prometheus.HistogramVec

	// errorCounter tracks the total number of error responses
	// Labels: server, method, status
	errorCounter *prometheus.CounterVec

	// readinessGauge indicates the current readiness status (1 ready, 0 not ready)
	readinessGauge prometheus.Gauge

	// livenessGauge indicates the current liveness status (1 alive, 0 not alive)
	livenessGauge prometheus.Gauge

	// tlsResolutions tracks certificate resolution attempts
	// Labels: source (pfx/pair/devcert), outcome (resolved/failed/unavailable)
	tlsResolutions *prometheus.CounterVec

	// apiRoutes is the number of routes registered on the API server
	apiRoutes prometheus.Gauge

	// reloads counts live reload broadcasts
	reloads prometheus.Counter

	// registry is the Prometheus registry used to manage these metrics
	registry *prometheus.Registry

	logger zerolog.Logger
}

// initMetrics initializes Prometheus metrics with an optional registry
func initMetrics(reg prometheus.Registerer, logger zerolog.Logger) (*metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &metrics{logger: logger}

	m.requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total number of requests processed",
		},
		[]string{"server", "method", "status"},
	)
	if err := reg.Register(m.requestCounter); err != nil {
		return nil, fmt.Errorf("could not register request counter: %w", err)
	}

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of request processing in seconds",
			Buckets:   requestDurationBuckets,
		},
		[]string{"server", "method"},
	)
	if err := reg.Register(m.requestDuration); err != nil {
		return nil, fmt.Errorf("could not register request duration: %w", err)
	}

	m.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Total number of error responses",
		},
		[]string{"server", "method", "status"},
	)
	if err := reg.Register(m.errorCounter); err != nil {
		return nil, fmt.Errorf("could not register error counter: %w", err)
	}

	m.readinessGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "readiness_status",
			Help:      "Current readiness status (1 for ready, 0 for not ready)",
		},
	)
	if err := reg.Register(m.readinessGauge); err != nil {
		return nil, fmt.Errorf("could not register readiness gauge: %w", err)
	}

	m.livenessGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "liveness_status",
			Help:      "Current liveness status (1 for alive, 0 for not alive)",
		},
	)
	if err := reg.Register(m.livenessGauge); err != nil {
		return nil, fmt.Errorf("could not register liveness gauge: %w", err)
	}

	m.tlsResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tls_resolutions_total",
			Help:      "Total number of certificate resolutions by source and outcome",
		},
		[]string{"source", "outcome"},
	)
	if err := reg.Register(m.tlsResolutions); err != nil {
		return nil, fmt.Errorf("could not register tls resolution counter: %w", err)
	}

	m.apiRoutes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "api_routes",
			Help:      "Number of GET routes registered on the API server",
		},
	)
	if err := reg.Register(m.apiRoutes); err != nil {
		return nil, fmt.Errorf("could not register api routes gauge: %w", err)
	}

	m.reloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "live_reloads_total",
			Help:      "Total number of live reload broadcasts",
		},
	)
	if err := reg.Register(m.reloads); err != nil {
		return nil, fmt.Errorf("could not register live reload counter: %w", err)
	}

	// Store registry if a custom one was used
	if r, ok := reg.(*prometheus.Registry); ok {
		m.registry = r
	}

	return m, nil
}

// metricsMiddleware wraps an http.Handler and records metrics under the
// given server label
func (m *metrics) metricsMiddleware(server string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := newStatusRecorder(w)

		defer func() {
			if err := recover(); err != nil {
				m.logger.Error().
					Interface("panic", err).
					Str("server", server).
					Str("path", r.URL.Path).
					Str("stack", string(debug.Stack())).
					Msg("Handler panic recovered")

				if !wrapped.wroteHeader {
					wrapped.WriteHeader(http.StatusInternalServerError)
				}

				m.requestCounter.WithLabelValues(server, r.Method, "500").Inc()
				m.errorCounter.WithLabelValues(server, r.Method, "500").Inc()
				m.requestDuration.WithLabelValues(server, r.Method).Observe(time.Since(start).Seconds())
			}
		}()

		next.ServeHTTP(wrapped, r)

		status := fmt.Sprintf("%d", wrapped.status)
		m.requestCounter.WithLabelValues(server, r.Method, status).Inc()
		m.requestDuration.WithLabelValues(server, r.Method).Observe(time.Since(start).Seconds())

		if wrapped.status >= 400 {
			m.errorCounter.WithLabelValues(server, r.Method, status).Inc()
		}
	})
}

// recordTLSResolution matches certstore.Observer.
func (m *metrics) recordTLSResolution(source, outcome string) {
	m.tlsResolutions.WithLabelValues(source, outcome).Inc()
}

func (m *metrics) recordReload() {
	m.reloads.Inc()
}

// updateHealthMetrics updates the health-related metrics
func (m *metrics) updateHealthMetrics(ready, alive bool) {
	if ready {
		m.readinessGauge.Set(1)
	} else {
		m.readinessGauge.Set(0)
	}

	if alive {
		m.livenessGauge.Set(1)
	} else {
		m.livenessGauge.Set(0)
	}
}

// handler returns a handler for /metrics endpoint
func (m *metrics) handler() http.Handler {
	if m.registry != nil {
		return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

// newStatusRecorder creates a new statusRecorder
func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader captures the written status code
func (r *statusRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Hijack lets the live reload websocket take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	r.wroteHeader = true
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
