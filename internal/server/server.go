// Package server exposes the gateway core over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultRequestTimeout = 7 * time.Minute
	readHeaderTimeout     = 10 * time.Second
)

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	requestTimeout time.Duration
}

// WithRequestTimeout bounds every request. It must exceed the longest query
// including retries.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *serverOptions) {
		o.requestTimeout = d
	}
}

func New(port int, logger *slog.Logger, opts ...Option) *Server {
	o := serverOptions{requestTimeout: defaultRequestTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(o.requestTimeout))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "dataagent-gateway")
	})
	r.Use(RateLimitHeadersMiddleware)

	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.http.Shutdown(ctx)
}
