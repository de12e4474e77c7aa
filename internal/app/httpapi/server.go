// Package httpapi exposes the upgrade pipeline over REST. Callers identify
// themselves with the X-Principal header; every role check happens in the
// pipeline components, so the HTTP layer only translates requests and errors.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/kernel_layer/internal/app/orchestrator"
	"github.com/R3E-Network/kernel_layer/internal/app/system"
	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/pkg/logger"
)

// HTTPMetrics receives one observation per request.
type HTTPMetrics interface {
	RecordHTTPRequest(route, method string, status int, duration time.Duration)
}

// ModuleLister exposes the module registry for reads.
type ModuleLister interface {
	Modules() []kernel.ModuleRecord
}

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators the API serves.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Keeper       *orchestrator.Keeper
	Authority    *kernel.Authority
	Registry     ModuleLister
	Events       *events.RingBuffer
	Metrics      HTTPMetrics
	Gatherer     prometheus.Gatherer
	Checks       map[string]HealthCheck
}

// Options tune the HTTP surface.
type Options struct {
	Addr            string
	RateLimitRPS    float64
	RateLimitBurst  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AuditFile       string
	AuditSize       int
}

// Server is the REST surface and its listener lifecycle.
type Server struct {
	deps    Deps
	opts    Options
	router  *mux.Router
	metrics HTTPMetrics
	audit   *auditTrail
	log     *logger.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan error

	// closing ends open event streams, which Shutdown does not track.
	closing   chan struct{}
	closeOnce sync.Once
}

var _ system.Service = (*Server)(nil)

// New builds the router.
func New(deps Deps, opts Options, log *logger.Logger) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, errors.New("httpapi: orchestrator is required")
	}
	if deps.Authority == nil {
		return nil, errors.New("httpapi: authority is required")
	}
	if log == nil {
		log = logger.NewDefault("http")
	}
	if deps.Events == nil {
		deps.Events = events.NewRingBuffer(0)
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	journal, err := openJournal(opts.AuditFile)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	s := &Server{
		deps:    deps,
		opts:    opts,
		metrics: deps.Metrics,
		audit:   newAuditTrail(opts.AuditSize, journal),
		log:     log,
		closing: make(chan struct{}),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(withPrincipal, s.observe)
	if s.opts.RateLimitRPS > 0 {
		r.Use(newRateLimiter(s.opts.RateLimitRPS, s.opts.RateLimitBurst, s.log).handler)
	}

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	s.dependencyRoutes(v1)
	s.validationRoutes(v1)
	s.proposalRoutes(v1)
	s.timelockRoutes(v1)
	s.pipelineRoutes(v1)
	s.adminRoutes(v1)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "route not found", Kind: "not_found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed", Kind: "invalid_input"})
	})
	return r
}

func (s *Server) Name() string { return "http" }

// Start listens on Options.Addr and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	done := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server stopped")
			done <- err
		}
		close(done)
	}()
	s.srv, s.listener, s.done = srv, ln, done
	s.log.WithField("addr", ln.Addr().String()).Info("http server listening")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Done is closed when the server stops serving; it yields the serve error if any.
func (s *Server) Done() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stop drains in-flight requests within ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.listener = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.closeOnce.Do(func() { close(s.closing) })
	shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if cerr := s.audit.close(); cerr != nil {
		s.log.WithError(cerr).Warn("close audit file")
	}
	s.log.Info("http server stopped")
	return err
}
