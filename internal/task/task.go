// Package task runs the development server from a loaded configuration
// until it is interrupted.
package task

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jjshanks/devserve/internal/browser"
	"github.com/jjshanks/devserve/internal/certstore"
	"github.com/jjshanks/devserve/internal/config"
	"github.com/jjshanks/devserve/internal/middleware"
	"github.com/jjshanks/devserve/internal/server"
	"github.com/rs/zerolog"
)

// Opener opens the static server in a browser.
type Opener interface {
	Open(url string) error
}

// Runner wires certificate resolution, the servers and the browser
// together.
type Runner struct {
	logger     zerolog.Logger
	opener     Opener
	provider   certstore.Provider
	serverOpts []server.Option
}

// Option configures a Runner.
type Option func(*Runner)

// WithOpener replaces the browser opener.
func WithOpener(o Opener) Option {
	return func(r *Runner) {
		r.opener = o
	}
}

// WithProvider replaces the development certificate provider.
func WithProvider(p certstore.Provider) Option {
	return func(r *Runner) {
		r.provider = p
	}
}

// WithServerOptions passes options through to the server bootstrap.
func WithServerOptions(opts ...server.Option) Option {
	return func(r *Runner) {
		r.serverOpts = append(r.serverOpts, opts...)
	}
}

// NewRunner creates a Runner.
func NewRunner(logger zerolog.Logger, opts ...Option) *Runner {
	r := &Runner{
		logger: logger,
		opener: browser.NewOpener(logger),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the servers and blocks until ctx is cancelled, SIGINT or
// SIGTERM arrives, or a server stops on its own. Certificate and API
// problems are logged and do not fail the run; only a static server that
// cannot bind does.
func (r *Runner) Run(ctx context.Context, cfg *config.Config) error {
	logger := r.logger.With().Str("component", "task").Logger()

	b, err := server.New(r.logger, middleware.Shared(r.logger, cfg.BundleSuffix), r.serverOpts...)
	if err != nil {
		return err
	}

	var material *certstore.Material
	if cfg.HTTPS {
		provider := r.provider
		if provider == nil {
			provider = certstore.NewDiskProvider(cfg.DevCertDir, r.logger)
		}
		store := certstore.NewStore(r.logger, provider, certstore.WithObserver(b.TLSObserver()))
		material = b.ResolveTLS(store, certstore.SourcesFromConfig(cfg))
	}

	h, err := b.Start(ctx, cfg, material)
	if err != nil {
		return err
	}

	if cfg.NoBrowser {
		logger.Info().Str("url", h.Static.URL).Msg("Browser launch disabled")
	} else {
		_ = r.opener.Open(h.Static.URL)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-sigCtx.Done():
		logger.Info().Msg("Received shutdown signal")
	case serveErr = <-h.Errors():
		logger.Error().Err(serveErr).Msg("Server failed")
	}

	logger.Info().Dur("timeout", cfg.GracefulTimeout).Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := h.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	logger.Info().Msg("Shutdown completed")
	return serveErr
}
