package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStep appends its name to a shared trace.
func recordingStep(name string, trace *[]string) Step {
	return StepFunc(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		*trace = append(*trace, name)
		next.ServeHTTP(w, r)
	})
}

func TestPipelineOrder(t *testing.T) {
	var trace []string
	p := Pipeline{recordingStep("first", &trace), recordingStep("second", &trace)}

	handler := p.Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trace = append(trace, "handler")
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"first", "second", "handler"}, trace)
}

func TestPipelineWithDoesNotMutateBase(t *testing.T) {
	var trace []string
	base := make(Pipeline, 1, 4)
	base[0] = recordingStep("base", &trace)

	a := base.With(recordingStep("a", &trace))
	b := base.With(recordingStep("b", &trace))

	assert.Len(t, base, 1)
	require.Len(t, a, 2)
	require.Len(t, b, 2)

	noop := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	a.Then(noop).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"base", "a"}, trace)
}

func TestStepsCallNextExactlyOnce(t *testing.T) {
	steps := map[string]Step{
		"logger": NewRequestLogger(zerolog.Nop(), "bundle.js"),
		"cors":   NewCORS(),
		"json":   JSONContentType(),
	}

	requests := []*http.Request{
		httptest.NewRequest(http.MethodGet, "/app.bundle.js", nil),
		func() *http.Request {
			r := httptest.NewRequest(http.MethodOptions, "/hello", nil)
			r.Header.Set("Origin", "http://example.test")
			r.Header.Set("Access-Control-Request-Method", http.MethodPost)
			return r
		}(),
		func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/hello", strings.NewReader("{}"))
			r.Header.Set("Origin", "http://example.test")
			return r
		}(),
	}

	for name, step := range steps {
		for _, req := range requests {
			t.Run(name+" "+req.Method, func(t *testing.T) {
				calls := 0
				next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls++ })
				step.Process(httptest.NewRecorder(), req, next)
				assert.Equal(t, 1, calls)
			})
		}
	}
}

func TestRequestLoggerClassify(t *testing.T) {
	l := NewRequestLogger(zerolog.Nop(), "bundle.js")

	tests := []struct {
		path string
		want string
	}{
		{"/dist/app.bundle.js", KindBundle},
		{"/bundle.js", KindBundle},
		{"/js/vendor.js", KindScript},
		{"/js/module.mjs", KindScript},
		{"/index.html", KindAsset},
		{"/css/site.css", KindAsset},
		{"/", KindAsset},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, l.Classify(tt.path))
		})
	}
}

func TestRequestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewRequestLogger(zerolog.New(&buf), "bundle.js")

	req := httptest.NewRequest(http.MethodGet, "/main.bundle.js", nil)
	req.RemoteAddr = "192.0.2.10:51234"
	req.Header.Set("X-Request-ID", "req-1")

	l.Process(httptest.NewRecorder(), req, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, `"remote_addr":"192.0.2.10"`)
	assert.Contains(t, out, `"path":"/main.bundle.js"`)
	assert.Contains(t, out, `"kind":"bundle"`)
	assert.Contains(t, out, `"request_id":"req-1"`)
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{name: "remote addr", remoteAddr: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "forwarded list", headers: map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, remoteAddr: "10.0.0.1:1", want: "203.0.113.5"},
		{name: "forwarded single", headers: map[string]string{"X-Forwarded-For": "203.0.113.5"}, want: "203.0.113.5"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "203.0.113.9"}, remoteAddr: "10.0.0.1:1", want: "203.0.113.9"},
		{name: "ipv6 remote addr", remoteAddr: "[::1]:1234", want: "::1"},
		{name: "ipv6 zone", remoteAddr: "[fe80::1%eth0]:8080", want: "fe80::1%eth0"},
		{name: "remote addr without port", remoteAddr: "10.0.0.1", want: "10.0.0.1"},
		{name: "unknown", remoteAddr: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientAddr(req))
		})
	}
}

func TestCORSHeaderAlwaysSet(t *testing.T) {
	handler := Shared(zerolog.Nop(), "bundle.js").Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	tests := []struct {
		name   string
		origin string
	}{
		{name: "without origin"},
		{name: "with origin", origin: "http://localhost:3000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusTeapot, w.Code)
			assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestCORSPreflightReachesHandler(t *testing.T) {
	reached := false
	handler := Shared(zerolog.Nop(), "").Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/hello", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.True(t, reached)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPut)
}

func TestAPIPipelineContentType(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "handler leaves content type alone",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"ok":true}`))
			},
			want: "application/json",
		},
		{
			name: "handler writes an error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			want: "application/json",
		},
		{
			name: "handler overrides content type",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write([]byte("plain"))
			},
			want: "text/plain",
		},
	}

	api := API(Shared(zerolog.Nop(), "bundle.js"))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			api.Then(tt.handler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/hello", nil))

			assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.want, w.Header().Get("Content-Type"))
		})
	}
}

func TestSharedPipelineHasNoContentType(t *testing.T) {
	w := httptest.NewRecorder()
	Shared(zerolog.Nop(), "bundle.js").
		Then(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, w.Header().Get("Content-Type"))
}
