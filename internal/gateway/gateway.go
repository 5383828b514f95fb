// ABOUTME: Gateway assembles the messaging components and runs the HTTP server
// ABOUTME: Owns startup wiring, the stale-connection sweeper, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jobgrid/messaging/internal/auth"
	"github.com/jobgrid/messaging/internal/config"
	"github.com/jobgrid/messaging/internal/conversation"
	"github.com/jobgrid/messaging/internal/dedupe"
	"github.com/jobgrid/messaging/internal/delivery"
	"github.com/jobgrid/messaging/internal/presence"
	"github.com/jobgrid/messaging/internal/registry"
	"github.com/jobgrid/messaging/internal/sequence"
	"github.com/jobgrid/messaging/internal/store"
	"github.com/jobgrid/messaging/internal/ws"
)

// Gateway wires the store, registry, coordinator, and transport together and
// owns their lifecycle.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.SQLiteStore
	dedupe     *dedupe.Cache
	registry   *registry.Registry
	httpServer *http.Server
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	tracker := presence.NewTracker(logger.With("component", "presence"))
	reg := registry.New(tracker, logger)
	convRouter := conversation.NewRouter(sqlStore, logger)
	sequencer := sequence.New(sqlStore)
	dedupeCache := dedupe.New(cfg.Messaging.DedupeTTL, cfg.Messaging.DedupeSize)

	coord := delivery.New(sqlStore, convRouter, sequencer, reg, tracker, dedupeCache, delivery.Options{
		MaxBodyBytes: cfg.Messaging.MaxBodyBytes,
		ReplayLimit:  cfg.Messaging.ReplayLimit,
		Logger:       logger,
	})
	reg.SetDropHandler(coord.HandleDrop)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	handler := ws.NewHandler(verifier, reg, coord, ws.Options{
		QueueSize:        cfg.Messaging.QueueSize,
		HeartbeatTimeout: cfg.Messaging.HeartbeatTimeout,
		Logger:           logger,
	})
	api := ws.NewAPI(verifier, convRouter, tracker)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", handleHealth)
	handler.Routes(r)
	api.Routes(r)

	return &Gateway{
		cfg:      cfg,
		logger:   logger,
		store:    sqlStore,
		dedupe:   dedupeCache,
		registry: reg,
		httpServer: &http.Server{
			Addr:    cfg.Server.HTTPAddr,
			Handler: r,
		},
	}, nil
}

// Run serves until the context is canceled or the server fails, then shuts
// down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go g.sweepStaleConnections(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", g.cfg.Server.HTTPAddr)
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// sweepStaleConnections periodically drops connections that have gone silent
// past the heartbeat timeout. Dropped users fall back to backlog replay on
// their next connect.
func (g *Gateway) sweepStaleConnections(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Messaging.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := g.registry.RemoveStale(g.cfg.Messaging.HeartbeatTimeout)
			if len(dropped) > 0 {
				g.logger.Info("swept stale connections", "count", len(dropped))
			}
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error

	if err := g.httpServer.Shutdown(ctx); err != nil {
		g.logger.Error("HTTP shutdown failed", "error", err)
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.dedupe.Close()

	if err := g.store.Close(); err != nil {
		g.logger.Error("store close failed", "error", err)
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return errs[0]
	}
	g.logger.Info("shutdown complete")
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
