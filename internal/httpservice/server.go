// Package httpservice is the HTTPService component: the mTLS HTTPS server
// exposing /health, /register, /heartbeat, /deregister, /route,
// /capabilities, /workers. Router grounded on go-chi/chi/v5 (seen across
// jordigilh-kubernaut's gateway test suite); graceful-shutdown ordering
// grounded on the teacher's controller.Stop() comment block.
package httpservice

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cranklabs/crank-controller/internal/metrics"
	"github.com/cranklabs/crank-controller/internal/registry"
	"github.com/cranklabs/crank-controller/internal/tracing"
)

// Config configures the HTTP surface.
type Config struct {
	Addr            string
	CertPath        string
	KeyPath         string
	CACertPath      string
	RequestDeadline time.Duration
	StaleTimeout    time.Duration
}

// Server is the HTTPService.
type Server struct {
	registry     *registry.Registry
	tracer       *tracing.Provider
	metrics      *metrics.Collector
	logger       *zap.Logger
	staleTimeout time.Duration

	httpServer *http.Server
}

// New builds a Server but does not start listening.
func New(cfg Config, reg *registry.Registry, tracer *tracing.Provider, coll *metrics.Collector, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tlsConfig, err := buildTLSConfig(cfg.CertPath, cfg.KeyPath, cfg.CACertPath)
	if err != nil {
		return nil, err
	}

	s := &Server{registry: reg, tracer: tracer, metrics: coll, logger: logger, staleTimeout: cfg.StaleTimeout}

	s.httpServer = &http.Server{
		Addr:      cfg.Addr,
		Handler:   s.routes(cfg.RequestDeadline),
		TLSConfig: tlsConfig,
	}
	return s, nil
}

// routes builds the chi router mounting every endpoint, wrapped in the
// mTLS-identity and request-deadline middleware. Split out from New so
// tests can exercise the handler chain without a real TLS listener.
func (s *Server) routes(requestDeadline time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(requireClientCert)
	if requestDeadline > 0 {
		r.Use(withDeadline(requestDeadline))
	}

	mount := func(method, path string, h http.HandlerFunc) {
		handler := http.Handler(h)
		if s.tracer != nil {
			handler = s.tracer.Middleware(path[1:])(handler)
		}
		r.Method(method, path, handler)
	}

	mount(http.MethodGet, "/health", s.handleHealth)
	mount(http.MethodPost, "/register", s.handleRegister)
	mount(http.MethodPost, "/heartbeat", s.handleHeartbeat)
	mount(http.MethodPost, "/deregister", s.handleDeregister)
	mount(http.MethodPost, "/route", s.handleRoute)
	mount(http.MethodGet, "/capabilities", s.handleCapabilities)
	mount(http.MethodGet, "/workers", s.handleWorkers)
	return r
}

// ListenAndServeTLS starts the HTTPS listener. Certificates are already in
// tlsConfig, so cert/key file paths are passed empty per net/http's
// convention for a preconfigured TLSConfig.
func (s *Server) ListenAndServeTLS() error {
	return s.httpServer.ListenAndServeTLS("", "")
}

// Shutdown stops accepting new connections and lets in-flight handlers
// complete or hit their deadline, the first two steps of graceful shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
