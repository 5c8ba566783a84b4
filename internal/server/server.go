// Package server exposes the session manager over HTTP and streams session
// events over websockets.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/martinemde/taskforge/agentloop"
	"github.com/martinemde/taskforge/internal/metrics"
)

// Config configures the HTTP server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Debug        bool
	// PollInterval bounds how long /execute waits between status checks
	// when no event arrives.
	PollInterval time.Duration
	// PingInterval is how often an event stream pings the client and
	// re-checks the session status.
	PingInterval time.Duration
}

// DefaultConfig returns the default server settings.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  30 * time.Second,
		PollInterval: 250 * time.Millisecond,
		PingInterval: 30 * time.Second,
	}
}

// Server is the HTTP front end of a Manager.
type Server struct {
	manager     *agentloop.Manager
	broadcaster *agentloop.Broadcaster
	metrics     *metrics.Metrics
	cfg         Config
	logger      zerolog.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithBroadcaster enables the websocket event stream and event-driven
// /execute waits. b must also be attached to the manager as an observer.
func WithBroadcaster(b *agentloop.Broadcaster) Option {
	return func(s *Server) { s.broadcaster = b }
}

// WithMetrics serves m on /metrics and counts rejected submissions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds a Server for manager.
func New(manager *agentloop.Manager, cfg Config, opts ...Option) *Server {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		manager:   manager,
		cfg:       cfg,
		logger:    log.With().Str("component", "server").Logger(),
		engine:    gin.New(),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(correlationID())
	s.engine.Use(requestLogger(s.logger))
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	s.engine.POST("/execute", s.handleExecute)

	api := s.engine.Group("/api/v1")
	sessions := api.Group("/sessions")
	{
		sessions.POST("", s.handleSubmit)
		sessions.GET("", s.handleList)
		sessions.GET("/:id", s.handleStatus)
		sessions.POST("/:id/cancel", s.handleCancel)
		sessions.GET("/:id/events", s.handleEvents)
	}
	api.GET("/tools", s.handleTools)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info().Msg("http server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}
