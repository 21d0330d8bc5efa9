// Package api provides the HTTP server of FeatureStudio.
//
// It exposes the session endpoints used by the browser panels, the realtime WebSocket
// gateway and the inbound relay functions called by the external workflow and scorer.
// The API wires the bus, studio, chat, relay, workflow, genai and store modules together.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/BTreeMap/FeatureStudio/internal/bus"
	"github.com/BTreeMap/FeatureStudio/internal/chat"
	"github.com/BTreeMap/FeatureStudio/internal/genai"
	"github.com/BTreeMap/FeatureStudio/internal/relay"
	"github.com/BTreeMap/FeatureStudio/internal/store"
	"github.com/BTreeMap/FeatureStudio/internal/studio"
	"github.com/BTreeMap/FeatureStudio/internal/workflow"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr        string
	Clock       clockwork.Clock
	LocalScorer bool
	IdleTTL     time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithClock sets the time source shared by every module.
func WithClock(c clockwork.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithLocalScorer scores feature documents with the GenAI client as they arrive.
func WithLocalScorer(enabled bool) Option {
	return func(o *Opts) { o.LocalScorer = enabled }
}

// WithIdleTTL sets how long an untouched session stays loaded.
func WithIdleTTL(d time.Duration) Option {
	return func(o *Opts) { o.IdleTTL = d }
}

// Server holds the modules behind the HTTP endpoints.
type Server struct {
	addr      string
	bus       *bus.Bus
	st        store.Store
	registry  *studio.Registry
	initiator *chat.Initiator
	relay     *relay.Handler
	gateway   *bus.Gateway
}

// NewServer wires a server over st. scorer may be nil.
func NewServer(st store.Store, sender workflow.Sender, scorer studio.Scorer, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	b := bus.New(bus.WithNow(cfg.Clock.Now))
	regOpts := []studio.Option{studio.WithClock(cfg.Clock)}
	if scorer != nil {
		regOpts = append(regOpts, studio.WithScorer(scorer))
	}
	if cfg.IdleTTL > 0 {
		regOpts = append(regOpts, studio.WithIdleTTL(cfg.IdleTTL))
	}

	return &Server{
		addr:      cfg.Addr,
		bus:       b,
		st:        st,
		registry:  studio.NewRegistry(st, b, regOpts...),
		initiator: chat.NewInitiator(sender, b, chat.WithClock(cfg.Clock)),
		relay:     relay.NewHandler(b, cfg.Clock),
		gateway:   bus.NewGateway(b),
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", s.createSessionHandler)
	mux.HandleFunc("GET /api/sessions", s.listSessionsHandler)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.sendMessageHandler)
	mux.HandleFunc("PUT /api/sessions/{id}/feature", s.editFeatureHandler)
	mux.HandleFunc("GET /api/sessions/{id}/feature", s.downloadFeatureHandler)
	mux.HandleFunc("GET /api/sessions/{id}/tips", s.tipsHandler)
	mux.HandleFunc("POST /api/sessions/{id}/tips/{tipID}/apply", s.applyTipHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)
	mux.Handle("/realtime", s.gateway)
	s.relay.Register(mux)
	return mux
}

// Bus returns the server's broadcast bus.
func (s *Server) Bus() *bus.Bus { return s.bus }

// Close releases the workspaces, the bus and the store.
func (s *Server) Close() error {
	s.registry.Close()
	s.bus.Close()
	return s.st.Close()
}

// Run builds every module from its options, serves until SIGINT or SIGTERM and shuts down gracefully.
func Run(storeOpts []store.Option, workflowOpts []workflow.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	var storeCfg store.Opts
	for _, opt := range storeOpts {
		opt(&storeCfg)
	}
	st, err := store.New(storeCfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	sender, err := workflow.NewClient(workflowOpts...)
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to configure workflow client: %w", err)
	}

	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	var scorer studio.Scorer
	if cfg.LocalScorer {
		client, err := genai.NewClient(genaiOpts...)
		if err != nil {
			slog.Warn("Run: local scorer disabled", "error", err)
		} else {
			scorer = client
			slog.Info("Run: local scorer enabled")
		}
	}

	server := NewServer(st, sender, scorer, apiOpts...)
	defer func() {
		if err := server.Close(); err != nil {
			slog.Error("Run: failed to close server", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              server.addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("FeatureStudio API running", "addr", server.addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Run: shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("Run: API server stopped")
	return nil
}
