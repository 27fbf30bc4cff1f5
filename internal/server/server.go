// Package server exposes the bot's HTTP surface: a liveness banner, a health
// probe, the Telegram webhook and a manual trigger for the reachability sweep.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/constbot/internal/telegraph"
)

// shutdownTimeout bounds graceful shutdown once ctx is cancelled.
const shutdownTimeout = 10 * time.Second

// Ingester accepts one raw webhook update.
type Ingester interface {
	Ingest(ctx context.Context, body []byte) error
}

// Sweeper runs a reachability sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (telegraph.VerifyReport, error)
}

var _ Sweeper = (*telegraph.Verifier)(nil)

// Opts holds configuration for the HTTP server.
type Opts struct {
	Listen  string // address to bind, defaults to ":8080"
	BotName string // shown on the banner page

	// Ingester receives POST /webhook/<WebhookToken>. Nil leaves the route
	// unregistered (polling mode).
	Ingester     Ingester
	WebhookToken string

	// Sweeper serves POST /verify. Nil leaves the route unregistered.
	Sweeper Sweeper
	// VerifyAuth, when set, must be sent as "Authorization: Bearer <VerifyAuth>".
	VerifyAuth string

	Out io.Writer
}

// Server is the gin HTTP server.
type Server struct {
	opts   Opts
	engine *gin.Engine
}

// New builds the server and registers its routes.
func New(opts Opts) (*Server, error) {
	if opts.Ingester != nil && opts.WebhookToken == "" {
		return nil, fmt.Errorf("server: webhook token is required with an ingester")
	}
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}
	if opts.BotName == "" {
		opts.BotName = telegraph.DefaultBotName
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{opts: opts, engine: engine}
	s.registerRoutes()
	return s, nil
}

// Handler returns the route table, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(s.opts.Out, "HTTP server listening on %s\n", s.opts.Listen)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	<-shutdownDone
	return nil
}
