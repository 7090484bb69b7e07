// Package http provides the gatewayd HTTP API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/gatewayd/internal/gateway"
	"github.com/fyrsmithlabs/gatewayd/internal/ingest"
	"github.com/fyrsmithlabs/gatewayd/internal/logging"
	"github.com/fyrsmithlabs/gatewayd/internal/policy"
	"github.com/fyrsmithlabs/gatewayd/internal/recorder"
	"github.com/fyrsmithlabs/gatewayd/internal/registry"
	"github.com/fyrsmithlabs/gatewayd/internal/telemetry"
	"github.com/fyrsmithlabs/gatewayd/internal/tools"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxBodySize caps request bodies.
const maxBodySize = "4M"

// Deps are the components the API exposes. Gateway and Policy are
// required; routes whose component is nil answer 503.
type Deps struct {
	Gateway   *gateway.Gateway
	Retriever gateway.Retriever
	Syncer    *ingest.Syncer
	Tools     *tools.Executor
	Policy    *policy.Store
	Registry  *registry.Registry
	Recorder  *recorder.Recorder
	Telemetry *telemetry.Telemetry
}

// Server provides HTTP endpoints for gatewayd.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *logging.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *logging.Logger, cfg *Config) (*Server, error) {
	if deps.Gateway == nil || deps.Policy == nil {
		return nil, fmt.Errorf("gateway and policy store are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger.Named("http"),
		config: cfg,
	}

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(NewHTTPMetrics(s.logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), reqID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			s.logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/complete", s.handleComplete)
	v1.POST("/search", s.handleSearch)
	v1.POST("/ingest", s.handleIngest)
	v1.POST("/tools/invoke", s.handleInvoke)
	v1.GET("/approvals", s.handleListApprovals)
	v1.POST("/approvals/:id", s.handleDecide)
	v1.GET("/policy/resolve", s.handleResolve)
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
