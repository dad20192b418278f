// Package server exposes the gateway HTTP surface: PAT lifecycle
// endpoints, token exchange, the authenticated passthrough proxy, and
// the operational endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/laplacelab/lapgw/internal/agenttask"
	"github.com/laplacelab/lapgw/internal/config"
	"github.com/laplacelab/lapgw/internal/exchange"
	"github.com/laplacelab/lapgw/internal/gwtoken"
	"github.com/laplacelab/lapgw/internal/identity"
	"github.com/laplacelab/lapgw/internal/observability"
	"github.com/laplacelab/lapgw/internal/pat"
	"github.com/laplacelab/lapgw/internal/proxy"
	"github.com/laplacelab/lapgw/internal/task"
	"github.com/laplacelab/lapgw/internal/util"
)

// Pinger reports storage liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the gateway components behind the HTTP surface.
type Server struct {
	cfg        config.ServerConfig
	logger     observability.Logger
	manager    *pat.Manager
	verifier   identity.Verifier
	minter     *gwtoken.Minter
	exchanger  *exchange.Orchestrator
	forwarder  *proxy.Forwarder
	tasks      *agenttask.Client
	supervisor *task.Supervisor
	pinger     Pinger

	engine *gin.Engine
	srv    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTaskClient enables the agent-task bootstrap endpoint.
func WithTaskClient(client *agenttask.Client, supervisor *task.Supervisor) Option {
	return func(s *Server) {
		s.tasks = client
		s.supervisor = supervisor
	}
}

// WithPinger enables storage liveness reporting on /health.
func WithPinger(pinger Pinger) Option {
	return func(s *Server) {
		s.pinger = pinger
	}
}

// New creates the gateway HTTP server.
func New(
	cfg config.ServerConfig,
	manager *pat.Manager,
	verifier identity.Verifier,
	minter *gwtoken.Minter,
	exchanger *exchange.Orchestrator,
	forwarder *proxy.Forwarder,
	opts ...Option,
) (*Server, error) {
	if manager == nil {
		return nil, &util.ConfigError{Field: "server", Message: "PAT manager is required"}
	}
	if verifier == nil {
		return nil, &util.ConfigError{Field: "server", Message: "identity verifier is required"}
	}
	if minter == nil {
		return nil, &util.ConfigError{Field: "server", Message: "token minter is required"}
	}

	s := &Server{
		cfg:       cfg,
		logger:    observability.NopLogger(),
		manager:   manager,
		verifier:  verifier,
		minter:    minter,
		exchanger: exchanger,
		forwarder: forwarder,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(RequestID())
	engine.Use(Logging(s.logger))
	engine.Use(Recovery(s.logger))
	s.engine = engine
	s.registerRoutes()

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout.Duration(),
		WriteTimeout: cfg.WriteTimeout.Duration(),
		IdleTimeout:  cfg.IdleTimeout.Duration(),
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	patGroup := s.engine.Group("/pat")
	{
		patGroup.GET("", s.handleListPATs)
		patGroup.POST("", s.handleCreatePAT)
		patGroup.DELETE("/:id", s.handleRevokePAT)
		patGroup.POST("/exchange", s.handleExchangePAT)
		patGroup.POST("/token", s.handleMintToken)
	}

	gatewayGroup := s.engine.Group("/gateway")
	{
		gatewayGroup.GET("/ping", s.handlePing)
		gatewayGroup.Any("/target/*path", s.handleProxy)
	}

	if s.tasks != nil {
		s.engine.POST("/tasks/bootstrap", s.handleTaskBootstrap)
	}

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	s.logger.Info("http server starting",
		observability.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return util.WrapError(err, "http server failed")
	}
	return nil
}

// Shutdown drains in-flight requests and background tasks.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	if err := s.srv.Shutdown(ctx); err != nil {
		return util.WrapError(err, "http server shutdown failed")
	}
	if s.supervisor != nil {
		if err := s.supervisor.Wait(ctx); err != nil {
			return util.WrapError(err, "background tasks did not drain")
		}
	}
	return nil
}

// healthStatus is the /health response payload.
type healthStatus struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("storage health check failed", observability.Error(err))
			c.JSON(http.StatusOK, healthStatus{Status: "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, healthStatus{Status: "ok"})
}
