// Package httpapi exposes the factory over HTTP: agent lifecycle
// operations, approval resolution, runtime config, health, and
// Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentfactory/internal/approval"
	"github.com/fyrsmithlabs/agentfactory/internal/engine"
	"github.com/fyrsmithlabs/agentfactory/internal/spec"
	"github.com/fyrsmithlabs/agentfactory/internal/store"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the factory HTTP endpoints.
type Server struct {
	echo      *echo.Echo
	engine    engine.Service
	approvals approval.Service
	driver    *engine.RetryDriver
	logger    *zap.Logger
	config    *Config

	// runs tracks detached pipeline goroutines so Shutdown can wait
	// for them briefly.
	runs sync.WaitGroup
}

// NewServer creates the HTTP server over the engine.
func NewServer(eng engine.Service, approvals approval.Service, logger *zap.Logger, cfg *Config) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if approvals == nil {
		return nil, fmt.Errorf("approval service is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9820}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:      e,
		engine:    eng,
		approvals: approvals,
		driver:    engine.NewRetryDriver(eng, logger),
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	v1.POST("/agents", s.handleCreateAgent)
	v1.GET("/agents", s.handleListAgents)
	v1.GET("/agents/:id", s.handleGetAgent)
	v1.GET("/agents/:id/results", s.handleGetAgentResults)
	v1.POST("/agents/:id/pause", s.handlePauseAgent)
	v1.POST("/agents/:id/resume", s.handleResumeAgent)
	v1.POST("/agents/:id/cancel", s.handleCancelAgent)
	v1.POST("/agents/:id/retry", s.handleRetryAgent)

	v1.GET("/approvals", s.handleListApprovals)
	v1.POST("/approvals/:id/resolve", s.handleResolveApproval)

	v1.GET("/config", s.handleGetConfig)
	v1.PATCH("/config", s.handlePatchConfig)
}

// runDetached executes the pipeline in the background. HTTP callers
// get the durable state back immediately and poll GetAgentStatus.
func (s *Server) runDetached(specID string) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		ctx := context.Background()

		var err error
		if s.engine.CurrentConfig().AutoRetry {
			_, err = s.driver.RunWithRetry(ctx, specID)
		} else {
			_, err = s.engine.Run(ctx, specID)
		}
		if err != nil {
			s.logger.Warn("background run stopped with error",
				zap.String("specification_id", specID),
				zap.Error(err),
			)
		}
	}()
}

// httpError maps factory errors onto HTTP status codes.
func httpError(err error) *echo.HTTPError {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	switch spec.KindOf(err) {
	case spec.ErrValidation:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case spec.ErrApproval:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case spec.ErrTimeout:
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case spec.ErrPersistence:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server, waiting for detached
// pipeline runs up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	if err := s.echo.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("background runs still active at shutdown")
	}
	return nil
}
