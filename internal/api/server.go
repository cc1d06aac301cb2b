// Package api exposes the funnel engine's HTTP surface: the inbound join
// webhook, read-only conversation queries, operator overrides and resumable
// link resolution.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/MichaelRobotics/Hustler-sub012/internal/funnel"
	"github.com/MichaelRobotics/Hustler-sub012/internal/handoff"
	"github.com/MichaelRobotics/Hustler-sub012/internal/poller"
	"github.com/MichaelRobotics/Hustler-sub012/internal/script"
	"github.com/MichaelRobotics/Hustler-sub012/internal/store"
)

// Options bundles the server's collaborators.
type Options struct {
	Port          int
	WebhookSecret string
	OperatorToken string

	Store      store.Store
	Registry   *poller.Registry
	Navigator  *funnel.Navigator
	Nudges     funnel.NudgeScheduler
	Links      *handoff.LinkService
	MainScript *script.Script
	Logger     zerolog.Logger
}

// Server represents the API server
type Server struct {
	echo *echo.Echo
	opts Options
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo: e,
		opts: opts,
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	// Inbound trigger from the membership platform.
	s.echo.POST("/webhooks/join", s.handleJoin)

	// Resumable links are public by construction: the signed token is the
	// credential.
	s.echo.GET("/resume/:token", s.handleResume)

	// Operator surface.
	v1 := s.echo.Group("/api/v1", s.operatorAuth)
	v1.GET("/conversations", s.listConversations)
	v1.GET("/conversations/:id", s.getConversation)
	v1.POST("/conversations/:id/start", s.startPolling)
	v1.POST("/conversations/:id/stop", s.stopPolling)
}

// operatorAuth guards the operator endpoints with a shared bearer token.
func (s *Server) operatorAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.opts.OperatorToken == "" {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "operator token not configured")
		}
		if c.Request().Header.Get("Authorization") != "Bearer "+s.opts.OperatorToken {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid operator token")
		}
		return next(c)
	}
}

// Start begins serving. Blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.opts.Port)); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
