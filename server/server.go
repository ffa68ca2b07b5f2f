package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/kbot/internal/profile"
	"github.com/hrygo/kbot/internal/version"
	"github.com/hrygo/kbot/plugin/chat_apps"
	chatmetrics "github.com/hrygo/kbot/plugin/chat_apps/metrics"
	apiv1 "github.com/hrygo/kbot/server/router/api/v1"
	"github.com/hrygo/kbot/server/chatbot"
	"github.com/hrygo/kbot/store"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	Profile *profile.Profile
	Bot     *chatbot.Bot
	Store   *store.Store

	echoServer *echo.Echo
	listener   net.Listener
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status       string                  `json:"status"`
	Version      version.Info            `json:"version"`
	Platforms    []chat_apps.Platform    `json:"platforms"`
	Channels     []*chatmetrics.Snapshot `json:"channels"`
	PendingUsers int                     `json:"pending_users"`
	Archive      bool                    `json:"archive"`
}

// NewServer builds the HTTP server. metricsHandler serves /metrics and may
// be nil. store is nil when the archive is disabled.
func NewServer(ctx context.Context, profile *profile.Profile, bot *chatbot.Bot, store *store.Store, metricsHandler http.Handler) (*Server, error) {
	if bot == nil {
		return nil, errors.New("server requires a bot")
	}

	s := &Server{
		Profile: profile,
		Bot:     bot,
		Store:   store,
	}

	echoServer := echo.New()
	echoServer.Debug = profile.IsDev()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(middleware.Recover())
	s.echoServer = echoServer

	echoServer.GET("/healthz", s.healthz)
	if metricsHandler != nil {
		echoServer.GET("/metrics", echo.WrapHandler(metricsHandler))
	}

	apiV1Service := apiv1.NewAPIV1Service(profile, bot, store)
	apiV1Service.RegisterGateway(ctx, echoServer)

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echoServer
}

// Addr returns the listening address once Start has returned.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and serves in the background.
func (s *Server) Start(_ context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = listener

	go func() {
		if err := s.echoServer.Server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start echo server", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for active ones, bounded by
// a timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	slog.Info("server shutting down")
	if err := s.echoServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	slog.Info("server stopped properly")
	return nil
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:       "ok",
		Version:      version.Get(s.Profile.Mode),
		Platforms:    s.Bot.Platforms(),
		Channels:     s.Bot.Health().All(),
		PendingUsers: len(s.Bot.Aggregator().Users()),
		Archive:      s.Store != nil,
	})
}
