// Package middleware implements the request pipeline shared by the static
// and API servers.
//
// A Pipeline is an ordered list of Steps. Every step runs its own logic and
// then hands the request to the next one exactly once; no step answers a
// request by itself. Ending the request is left to the file server or route
// handler at the end of the chain.
package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Step is one stage of the pipeline.
type Step interface {
	Process(w http.ResponseWriter, r *http.Request, next http.Handler)
}

// StepFunc adapts a function to the Step interface.
type StepFunc func(w http.ResponseWriter, r *http.Request, next http.Handler)

func (f StepFunc) Process(w http.ResponseWriter, r *http.Request, next http.Handler) {
	f(w, r, next)
}

// Pipeline is an ordered list of steps. The first step sees the request
// first.
type Pipeline []Step

// Then wraps h with every step of the pipeline.
func (p Pipeline) Then(h http.Handler) http.Handler {
	for i := len(p) - 1; i >= 0; i-- {
		step, next := p[i], h
		h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			step.Process(w, r, next)
		})
	}
	return h
}

// With returns a copy of the pipeline extended by steps. The receiver is
// left untouched so a shared base pipeline can be specialised per server.
func (p Pipeline) With(steps ...Step) Pipeline {
	out := make(Pipeline, 0, len(p)+len(steps))
	out = append(out, p...)
	return append(out, steps...)
}

// Shared returns the steps every server runs: request logging, then CORS.
func Shared(logger zerolog.Logger, bundleSuffix string) Pipeline {
	return Pipeline{
		NewRequestLogger(logger, bundleSuffix),
		NewCORS(),
	}
}

// API returns the API server pipeline: the shared steps followed by the
// JSON content type step.
func API(shared Pipeline) Pipeline {
	return shared.With(JSONContentType())
}

// Request kinds used by the request logger.
const (
	KindBundle = "bundle"
	KindScript = "script"
	KindAsset  = "asset"
)

// RequestLogger emits one line per request.
type RequestLogger struct {
	logger       zerolog.Logger
	bundleSuffix string
}

// NewRequestLogger creates the logging step. Paths ending in bundleSuffix
// are logged as bundles.
func NewRequestLogger(logger zerolog.Logger, bundleSuffix string) *RequestLogger {
	return &RequestLogger{
		logger:       logger.With().Str("component", "request").Logger(),
		bundleSuffix: bundleSuffix,
	}
}

// Classify sorts a request path into bundle, script or asset. The result
// only changes how the request is logged.
func (l *RequestLogger) Classify(path string) string {
	switch {
	case l.bundleSuffix != "" && strings.HasSuffix(path, l.bundleSuffix):
		return KindBundle
	case strings.HasSuffix(path, ".js") || strings.HasSuffix(path, ".mjs"):
		return KindScript
	default:
		return KindAsset
	}
}

func (l *RequestLogger) Process(w http.ResponseWriter, r *http.Request, next http.Handler) {
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = uuid.New().String()
	}

	kind := l.Classify(r.URL.Path)
	event := l.logger.Info().
		Str("request_id", reqID).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("kind", kind)
	if addr := ClientAddr(r); addr != "" {
		event = event.Str("remote_addr", addr)
	}

	switch kind {
	case KindBundle:
		event.Msg(">> bundle " + r.URL.Path)
	case KindScript:
		event.Msg("-> script " + r.URL.Path)
	default:
		event.Msg(r.URL.Path)
	}

	next.ServeHTTP(w, r)
}

// ClientAddr returns the caller's address. X-Forwarded-For and X-Real-IP
// win over the connection address.
func ClientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if before, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(before)
		}
		return xff
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// CORS allows every origin. The wildcard header is set on every response,
// with or without an Origin header; preflight answers are filled in by
// rs/cors and the request still continues down the chain.
type CORS struct {
	cors *cors.Cors
}

// NewCORS creates the CORS step.
func NewCORS() *CORS {
	return &CORS{
		cors: cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{
				http.MethodGet,
				http.MethodHead,
				http.MethodPost,
				http.MethodPut,
				http.MethodPatch,
				http.MethodDelete,
				http.MethodOptions,
			},
			AllowedHeaders:     []string{"*"},
			OptionsPassthrough: true,
		}),
	}
}

func (c *CORS) Process(w http.ResponseWriter, r *http.Request, next http.Handler) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	c.cors.ServeHTTP(w, r, next.ServeHTTP)
}

// JSONContentType forces the JSON media type before any route handler runs.
func JSONContentType() Step {
	return StepFunc(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
