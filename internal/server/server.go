package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jjshanks/devserve/internal/certstore"
	"github.com/jjshanks/devserve/internal/config"
	"github.com/jjshanks/devserve/internal/livereload"
	"github.com/jjshanks/devserve/internal/middleware"
	"github.com/jjshanks/devserve/internal/routes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Bootstrap brings up the static server and, when configured, the API
// server. A Bootstrap is used for a single start.
type Bootstrap struct {
	logger   zerolog.Logger
	pipeline middleware.Pipeline
	loader   routes.Loader
	registry prometheus.Registerer
	clock    Clock
	version  string

	metrics *metrics
	phases  *phaseTracker
	health  *healthState
}

// Option configures a Bootstrap.
type Option func(*Bootstrap)

// WithLoader replaces the route module loader.
func WithLoader(l routes.Loader) Option {
	return func(b *Bootstrap) {
		b.loader = l
	}
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(b *Bootstrap) {
		b.registry = reg
	}
}

// WithClock sets the clock used for uptime reporting.
func WithClock(c Clock) Option {
	return func(b *Bootstrap) {
		b.clock = c
	}
}

// WithVersion sets the service version reported to the trace collector.
func WithVersion(v string) Option {
	return func(b *Bootstrap) {
		b.version = v
	}
}

// New creates a Bootstrap. The pipeline runs in front of both servers; the
// API server appends the JSON content type step to it.
func New(logger zerolog.Logger, pipeline middleware.Pipeline, opts ...Option) (*Bootstrap, error) {
	b := &Bootstrap{
		logger:   logger.With().Str("component", "bootstrap").Logger(),
		pipeline: pipeline,
		loader:   routes.NewLoader(),
		version:  "dev",
		phases:   newPhaseTracker(),
	}
	for _, opt := range opts {
		opt(b)
	}

	m, err := initMetrics(b.registry, b.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	b.metrics = m
	b.health = newHealthState(b.phases, b.clock)

	return b, nil
}

// Phase returns the current bootstrap phase.
func (b *Bootstrap) Phase() Phase {
	return b.phases.get()
}

// Phases returns every phase entered so far, in order.
func (b *Bootstrap) Phases() []Phase {
	return b.phases.all()
}

func (b *Bootstrap) enter(p Phase) {
	from := b.phases.get()
	if err := b.phases.advance(p); err != nil {
		b.logger.Error().Err(err).Msg("Phase transition rejected")
		return
	}
	b.logger.Debug().Str("from", from.String()).Str("to", p.String()).Msg("Phase transition")
}

// TLSObserver returns a certstore observer that counts resolutions.
func (b *Bootstrap) TLSObserver() certstore.Observer {
	return b.metrics.recordTLSResolution
}

// ResolveTLS resolves certificate material through store. Failures are
// logged and yield nil material; the servers then start with a TLS config
// that rejects every handshake.
func (b *Bootstrap) ResolveTLS(store *certstore.Store, src certstore.Sources) *certstore.Material {
	b.enter(PhaseResolvingTLS)

	material, err := store.Resolve(src)
	if err != nil {
		b.logger.Debug().Err(err).Msg("Certificate resolution failed")
		return nil
	}
	return material
}

// Start binds every listener and serves them in the background. Only a
// failure to bind the static server is returned; API problems are logged
// and leave the static server running.
func (b *Bootstrap) Start(ctx context.Context, cfg *config.Config, material *certstore.Material) (*Handles, error) {
	t, err := initTracer(ctx, b.logger, b.version, cfg.OTLPEndpoint, cfg.OTLPInsecure)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Tracing disabled")
		t = &tracer{logger: b.logger}
	}

	h := &Handles{
		logger: b.logger,
		tracer: t,
		errs:   make(chan error, 3),
	}

	if cfg.MetricsAddress != "" {
		h.Metrics, err = b.startMetrics(cfg.MetricsAddress, h.errs)
		if err != nil {
			b.logger.Error().Err(err).Str("address", cfg.MetricsAddress).Msg("Metrics listener disabled")
		}
	}

	b.enter(PhaseStaticServerStarting)

	var tlsConfig *tls.Config
	if cfg.HTTPS {
		tlsConfig = b.tlsConfig(material)
	}

	if err := b.startStatic(cfg, tlsConfig, t, h); err != nil {
		_ = h.Shutdown(ctx)
		return nil, err
	}
	b.enter(PhaseStaticServerListening)

	if cfg.API != nil {
		b.enter(PhaseAPILoading)
		if api := b.startAPI(cfg, tlsConfig, t, h.errs); api != nil {
			h.API = api
			b.enter(PhaseAPIServerListening)
		} else {
			b.enter(PhaseAPISkipped)
		}
	}

	b.enter(PhaseReady)
	b.metrics.updateHealthMetrics(true, true)
	return h, nil
}

func (b *Bootstrap) tlsConfig(material *certstore.Material) *tls.Config {
	tc, err := material.TLSConfig()
	if err != nil {
		if !errors.Is(err, certstore.ErrNoMaterial) {
			b.logger.Error().Err(err).Str("material", material.String()).Msg("Certificate material unusable")
		}
		b.logger.Warn().Msg("Serving HTTPS without a certificate, handshakes will fail")
		return certstore.DegradedTLSConfig()
	}
	b.logger.Info().Str("material", material.String()).Msg("Serving HTTPS")
	return tc
}

func (b *Bootstrap) startStatic(cfg *config.Config, tlsConfig *tls.Config, t *tracer, h *Handles) error {
	var files http.Handler
	if cfg.LiveReload {
		lr := livereload.New(cfg.Root, b.logger, livereload.WithReloadHook(b.metrics.recordReload))
		if err := lr.Watch(); err != nil {
			b.logger.Warn().Err(err).Str("root", cfg.Root).Msg("Live reload watcher disabled")
		}
		h.reload = lr
		files = lr
	} else {
		files = http.FileServer(http.Dir(cfg.Root))
	}

	handler := b.instrument(serverStatic, t, b.pipeline.Then(files))
	l, err := b.listen(serverStatic, cfg.Host, cfg.Port, tlsConfig, handler, h.errs)
	if err != nil {
		return fmt.Errorf("failed to start static server: %w", err)
	}
	l.URL = cfg.URL(l.Port())
	h.Static = l

	b.logger.Info().
		Str("url", l.URL).
		Str("root", cfg.Root).
		Bool("live_reload", cfg.LiveReload).
		Msg("Static server listening")
	return nil
}

func (b *Bootstrap) startAPI(cfg *config.Config, tlsConfig *tls.Config, t *tracer, errs chan<- error) *Listener {
	module, err := b.loader.Load(cfg.ProjectRoot, cfg.API.Entry)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to load API module, API server skipped")
		return nil
	}

	engine := b.newEngine(cfg.LogLevel, routes.Normalize(module))
	handler := b.instrument(serverAPI, t, middleware.API(b.pipeline).Then(engine))

	l, err := b.listen(serverAPI, cfg.Host, cfg.API.Port, tlsConfig, handler, errs)
	if err != nil {
		b.logger.Error().Err(err).Int("port", cfg.API.Port).Msg("Failed to bind API server, API server skipped")
		return nil
	}
	l.URL = fmt.Sprintf("%s://localhost:%d/", cfg.Scheme(), l.Port())

	b.logger.Info().Str("url", l.URL).Msg("API server listening")
	return l
}

// newEngine registers one GET route per table entry. Patterns gin rejects
// are logged and skipped.
func (b *Bootstrap) newEngine(logLevel string, table routes.Table) *gin.Engine {
	if logLevel == "debug" || logLevel == "trace" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	registered := 0
	for _, route := range table {
		if err := register(engine, route); err != nil {
			b.logger.Error().Err(err).Str("route", route.Pattern).Msg("Skipping invalid route")
			continue
		}
		registered++
		b.logger.Info().Str("method", http.MethodGet).Str("route", route.Pattern).Msg("Registered API route")
	}
	b.metrics.apiRoutes.Set(float64(registered))
	return engine
}

func register(engine *gin.Engine, route routes.Route) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	engine.GET(route.Pattern, gin.WrapH(route.Handler))
	return nil
}

// instrument puts metrics and tracing outside the request pipeline.
func (b *Bootstrap) instrument(server string, t *tracer, h http.Handler) http.Handler {
	return b.metrics.metricsMiddleware(server, t.tracingMiddleware(server, h))
}

func (b *Bootstrap) startMetrics(addr string, errs chan<- error) (*Listener, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", b.metrics.handler())
	mux.HandleFunc("/healthz", b.handleLiveness)
	mux.HandleFunc("/readyz", b.handleReadiness)

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid metrics port %q: %w", portStr, err)
	}

	l, err := b.listen("metrics", host, port, nil, mux, errs)
	if err != nil {
		return nil, err
	}
	l.URL = fmt.Sprintf("http://%s/metrics", l.Addr())
	b.logger.Info().Str("url", l.URL).Msg("Metrics listener started")
	return l, nil
}

// listen binds synchronously so the port is in use once listen returns,
// then serves in the background.
func (b *Bootstrap) listen(name, host string, port int, tlsConfig *tls.Config, handler http.Handler, errs chan<- error) (*Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}

	l := &Listener{
		Name: name,
		addr: ln.Addr(),
		server: &http.Server{
			Handler:           handler,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			// HTTP/1.1 only: the live reload socket hijacks the connection.
			TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
		},
	}

	go func() {
		var err error
		if tlsConfig != nil {
			err = l.server.ServeTLS(ln, "", "")
		} else {
			err = l.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error().Err(err).Str("server", name).Msg("Server stopped unexpectedly")
			select {
			case errs <- fmt.Errorf("%s server: %w", name, err):
			default:
			}
		}
	}()

	return l, nil
}
