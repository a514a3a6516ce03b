package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/jjshanks/devserve/internal/livereload"
	"github.com/rs/zerolog"
)

// Listener is one running HTTP server.
type Listener struct {
	Name string
	// URL is where a browser reaches the server.
	URL string

	addr   net.Addr
	server *http.Server
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Port returns the bound port, which differs from the configured one when
// port 0 was requested.
func (l *Listener) Port() int {
	if tcp, ok := l.addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Handles holds the servers started by Bootstrap.Start. API and Metrics are
// nil when not running.
type Handles struct {
	Static  *Listener
	API     *Listener
	Metrics *Listener

	logger zerolog.Logger
	reload *livereload.Server
	tracer *tracer
	errs   chan error
}

// Errors reports servers that stopped serving on their own.
func (h *Handles) Errors() <-chan error {
	return h.errs
}

// Shutdown gracefully stops every server, the live reload watcher and the
// tracer.
func (h *Handles) Shutdown(ctx context.Context) error {
	var errs []error

	if h.reload != nil {
		if err := h.reload.Close(); err != nil {
			errs = append(errs, fmt.Errorf("live reload: %w", err))
		}
	}

	for _, l := range []*Listener{h.API, h.Static, h.Metrics} {
		if l == nil {
			continue
		}
		h.logger.Info().Str("server", l.Name).Msg("Shutting down server")
		if err := l.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s server: %w", l.Name, err))
		}
	}

	if h.tracer != nil {
		if err := h.tracer.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
