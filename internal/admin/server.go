// Package admin exposes the load balancer over HTTP: selection and outcome
// reporting for out-of-process dispatchers, backend management, stats,
// Prometheus metrics and a WebSocket stats stream.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/loadbalancer"
	"github.com/vyrodovalexey/avalb/internal/metrics"
	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/stats"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// Core is the part of the load balancer served by the admin API.
type Core interface {
	Select(clientKey string) (*loadbalancer.Selection, error)
	ReportOutcome(backendID string, latency time.Duration, success bool) error
	RegisterBackend(bc config.BackendConfig) error
	DeregisterBackend(id string) error
	Backends() []config.BackendConfig
	GetStats() stats.LoadBalancerStats
	ResetStats()
	EligibleCount() int
}

// Server is the admin HTTP server.
type Server struct {
	cfg     config.AdminConfig
	core    Core
	engine  *gin.Engine
	logger  observability.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	httpServer *http.Server
	running    bool

	// streams is closed by Stop to end open stats streams.
	streams     chan struct{}
	streamsOnce sync.Once
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics served on /metrics and recorded per request.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates an admin server. cfg is expected to have defaults
// applied.
func NewServer(cfg config.AdminConfig, core Core, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		cfg:     cfg,
		core:    core,
		logger:  observability.NopLogger(),
		streams: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(
		RequestID(),
		Logging(s.logger),
		Metrics(s.metrics),
		Recovery(s.logger),
	)
	s.registerRoutes()

	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleLiveness)
	s.engine.GET("/readyz", s.handleReadiness)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := s.engine.Group("/v1")
	v1.GET("/backends", s.handleListBackends)
	v1.POST("/backends", s.handleRegisterBackend)
	v1.DELETE("/backends/:id", s.handleDeregisterBackend)
	v1.POST("/select", s.handleSelect)
	v1.POST("/outcomes", s.handleOutcome)
	v1.GET("/stats", s.handleStats)
	v1.POST("/stats/reset", s.handleResetStats)
	v1.GET("/stats/stream", s.handleStatsStream)
}

// Start listens on the configured address and serves until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("admin server already running")
	}
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv := s.httpServer
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting admin server",
		observability.String("address", ln.Addr().String()),
	)

	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("admin server error: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully and closes open stats streams.
func (s *Server) Stop(ctx context.Context) error {
	s.streamsOnce.Do(func() { close(s.streams) })

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("stopping admin server")

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("admin server stopped")
	return nil
}

// IsRunning returns whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
