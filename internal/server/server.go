// Package server exposes the provider webhooks, the admin API and the
// live event stream over HTTP.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ndvalle/mostrador/internal/conversation"
	"github.com/ndvalle/mostrador/internal/events"
	"github.com/ndvalle/mostrador/internal/processor"
	"github.com/ndvalle/mostrador/internal/queue"
	"github.com/ndvalle/mostrador/internal/settings"
	"github.com/ndvalle/mostrador/internal/transport"
	"github.com/rs/zerolog"
)

// maxWebhookBody bounds how much of a webhook body is read.
const maxWebhookBody = 1 << 20

// Server holds the dependencies shared by every handler.
type Server struct {
	adapters  *transport.Registry
	queue     queue.Enqueuer
	convs     *conversation.Repository
	instances *conversation.Instances
	settings  *settings.Service
	proc      *processor.Processor
	events    *events.Emitter
	checkers  map[string]transport.HealthChecker
	secret    []byte
	log       zerolog.Logger

	engine *gin.Engine
}

// Opts holds parameters for creating a Server.
type Opts struct {
	Adapters      *transport.Registry
	Queue         queue.Enqueuer
	Conversations *conversation.Repository
	Instances     *conversation.Instances // optional
	Settings      *settings.Service
	Processor     *processor.Processor
	Events        *events.Emitter                    // optional
	Checkers      map[string]transport.HealthChecker // optional, keyed by display name
	JWTSecret     string
	Log           *zerolog.Logger
}

// New creates a Server and registers its routes.
func New(opts Opts) (*Server, error) {
	if opts.Adapters == nil {
		return nil, fmt.Errorf("server: adapter registry is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("server: queue is required")
	}
	if opts.Conversations == nil {
		return nil, fmt.Errorf("server: conversation repository is required")
	}
	if opts.Settings == nil {
		return nil, fmt.Errorf("server: settings service is required")
	}
	if opts.Processor == nil {
		return nil, fmt.Errorf("server: processor is required")
	}
	if opts.JWTSecret == "" {
		return nil, fmt.Errorf("server: jwt secret is required")
	}
	s := &Server{
		adapters:  opts.Adapters,
		queue:     opts.Queue,
		convs:     opts.Conversations,
		instances: opts.Instances,
		settings:  opts.Settings,
		proc:      opts.Processor,
		events:    opts.Events,
		checkers:  opts.Checkers,
		secret:    []byte(opts.JWTSecret),
		log:       zerolog.Nop(),
	}
	if opts.Log != nil {
		s.log = *opts.Log
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int, out io.Writer) error {
	if port <= 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if out != nil {
		fmt.Fprintf(out, "Listening on http://localhost:%d\n", port)
	}
	s.log.Info().Int("port", port).Strs("providers", providerNames(s.adapters)).Msg("server started")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes() {
	r := s.engine

	wh := r.Group("/webhooks")
	wh.POST("/:provider", s.handleWebhook)

	api := r.Group("/api")
	api.Use(requireOperator(s.secret))
	api.GET("/conversations", s.handleListConversations)
	api.GET("/conversations/:id", s.handleGetConversation)
	api.GET("/conversations/:id/messages", s.handleListMessages)
	api.POST("/conversations/:id/messages", s.handleSendMessage)
	api.POST("/conversations/:id/pause", s.handlePause)
	api.POST("/conversations/:id/resume", s.handleResume)
	api.GET("/settings/health", s.handleSettingsHealth)
	api.POST("/settings/invalidate", s.handleInvalidate)
	api.GET("/settings/:key", s.handleGetSetting)
	api.PUT("/settings/:key", s.handlePutSetting)
	api.GET("/instances", s.handleListInstances)
	api.GET("/health", s.handleHealth)
	api.GET("/events", s.handleEvents)
}

func providerNames(r *transport.Registry) []string {
	var out []string
	for _, p := range r.Providers() {
		out = append(out, string(p))
	}
	return out
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
