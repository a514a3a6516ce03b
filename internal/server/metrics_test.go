package server

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsInitialization(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := initMetrics(reg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Same(t, reg, m.registry)

	// Plain gauges and counters are exported before any observation.
	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "devserve_readiness_status")
	assert.Contains(t, names, "devserve_api_routes")
	assert.Contains(t, names, "devserve_live_reloads_total")

	_, err = initMetrics(reg, zerolog.Nop())
	assert.Error(t, err, "registering twice fails")
}

func TestMetricsMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		server     string
		method     string
		handler    http.HandlerFunc
		wantStatus int
		wantErrors float64
		wantLogged string
	}{
		{
			name:       "successful request",
			server:     serverStatic,
			method:     http.MethodGet,
			handler:    func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) },
			wantStatus: http.StatusOK,
		},
		{
			name:       "not found",
			server:     serverStatic,
			method:     http.MethodGet,
			handler:    http.NotFound,
			wantStatus: http.StatusNotFound,
			wantErrors: 1,
		},
		{
			name:   "server error",
			server: serverAPI,
			method: http.MethodGet,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantStatus: http.StatusBadGateway,
			wantErrors: 1,
		},
		{
			name:   "panicking handler",
			server: serverAPI,
			method: http.MethodGet,
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic("route exploded")
			},
			wantStatus: http.StatusInternalServerError,
			wantErrors: 1,
			wantLogged: "Handler panic recovered",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs strings.Builder
			m, err := initMetrics(prometheus.NewRegistry(), zerolog.New(&logs))
			require.NoError(t, err)

			w := httptest.NewRecorder()
			m.metricsMiddleware(tt.server, tt.handler).ServeHTTP(w, httptest.NewRequest(tt.method, "/x", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			code := strconv.Itoa(tt.wantStatus)
			assert.Equal(t, float64(1), testutil.ToFloat64(m.requestCounter.WithLabelValues(tt.server, tt.method, code)))
			assert.Equal(t, tt.wantErrors, testutil.ToFloat64(m.errorCounter.WithLabelValues(tt.server, tt.method, code)))

			metric := &dto.Metric{}
			observer := m.requestDuration.WithLabelValues(tt.server, tt.method)
			require.NoError(t, observer.(prometheus.Histogram).Write(metric))
			assert.Equal(t, uint64(1), metric.GetHistogram().GetSampleCount())

			if tt.wantLogged != "" {
				assert.Contains(t, logs.String(), tt.wantLogged)
			}
		})
	}
}

func TestMetricsMiddlewareDuration(t *testing.T) {
	m, err := initMetrics(prometheus.NewRegistry(), zerolog.Nop())
	require.NoError(t, err)

	handler := m.metricsMiddleware(serverStatic, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))

	metric := &dto.Metric{}
	require.NoError(t, m.requestDuration.WithLabelValues(serverStatic, http.MethodGet).(prometheus.Histogram).Write(metric))
	assert.GreaterOrEqual(t, metric.GetHistogram().GetSampleSum(), 0.02)
}

func TestRecordTLSResolution(t *testing.T) {
	m, err := initMetrics(prometheus.NewRegistry(), zerolog.Nop())
	require.NoError(t, err)

	m.recordTLSResolution("pfx", "failed")
	m.recordTLSResolution("pfx", "failed")
	m.recordTLSResolution("devcert", "resolved")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.tlsResolutions.WithLabelValues("pfx", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.tlsResolutions.WithLabelValues("devcert", "resolved")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.tlsResolutions))
}

func TestUpdateHealthMetrics(t *testing.T) {
	m, err := initMetrics(prometheus.NewRegistry(), zerolog.Nop())
	require.NoError(t, err)

	m.updateHealthMetrics(true, true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.readinessGauge))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.livenessGauge))

	m.updateHealthMetrics(false, true)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.readinessGauge))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.livenessGauge))
}

type plainWriter struct {
	http.ResponseWriter
}

type hijackWriter struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestStatusRecorder(t *testing.T) {
	t.Run("first status wins", func(t *testing.T) {
		w := httptest.NewRecorder()
		rec := newStatusRecorder(w)
		rec.WriteHeader(http.StatusCreated)
		rec.WriteHeader(http.StatusInternalServerError)
		assert.Equal(t, http.StatusCreated, rec.status)
		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("write implies ok", func(t *testing.T) {
		rec := newStatusRecorder(httptest.NewRecorder())
		_, err := rec.Write([]byte("x"))
		require.NoError(t, err)
		assert.True(t, rec.wroteHeader)
		assert.Equal(t, http.StatusOK, rec.status)
	})

	t.Run("hijack is forwarded", func(t *testing.T) {
		inner := &hijackWriter{ResponseRecorder: httptest.NewRecorder()}
		rec := newStatusRecorder(inner)
		_, _, err := rec.Hijack()
		require.NoError(t, err)
		assert.True(t, inner.hijacked)
		assert.Equal(t, http.StatusSwitchingProtocols, rec.status)
	})

	t.Run("hijack unsupported", func(t *testing.T) {
		rec := newStatusRecorder(plainWriter{httptest.NewRecorder()})
		_, _, err := rec.Hijack()
		assert.Error(t, err)
	})
}
