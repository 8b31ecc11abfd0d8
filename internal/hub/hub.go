// ABOUTME: Hub process owning the persistent store and the scope broadcast channels
// ABOUTME: Serves the scope API, the websocket relay and health over one HTTP server

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/tabsync/internal/broadcast"
	"github.com/2389/tabsync/internal/config"
	"github.com/2389/tabsync/internal/store"
)

// pruneTimeout bounds the ephemeral cleanup run when a scope goes idle.
const pruneTimeout = 5 * time.Second

// Hub is the shared owning process for every tab on the machine. It holds the
// only Store, so writes from all tabs pass through one serialization queue,
// and a broadcast.Hub that remote tabs reach over websockets.
type Hub struct {
	config     *config.Config
	store      *store.Store
	broadcast  *broadcast.Hub
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a hub from configuration, opening the primary tier named by
// store.primary_dsn.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	primary, err := store.OpenTier(cfg.Store.PrimaryDSN)
	if err != nil {
		return nil, fmt.Errorf("opening primary tier: %w", err)
	}
	st, err := store.New(store.Options{
		Primary:          primary,
		QuotaBytes:       cfg.Store.PrimaryQuotaBytes,
		OperationTimeout: cfg.Store.OperationTimeout,
		Logger:           logger,
	})
	if err != nil {
		_ = primary.Close()
		return nil, fmt.Errorf("creating store: %w", err)
	}

	h := &Hub{
		config:    cfg,
		store:     st,
		broadcast: broadcast.NewHub(logger),
		logger:    logger.With("component", "hub"),
	}
	h.broadcast.OnScopeIdle(h.pruneEphemeral)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /api/scopes", h.handleListScopes)
	mux.HandleFunc("GET /api/scopes/{id}", h.handleGetScope)
	mux.HandleFunc("POST /api/scopes/{id}/mutations", h.handleApplyMutation)
	mux.Handle("GET /ws", broadcast.NewRelayHandler(h.broadcast, logger))

	h.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h, nil
}

// Handler returns the HTTP handler serving every hub endpoint.
func (h *Hub) Handler() http.Handler {
	return h.httpServer.Handler
}

// Store returns the store owned by the hub.
func (h *Hub) Store() *store.Store {
	return h.store
}

// Broadcast returns the in-process broadcast hub, for tabs running inside this process.
func (h *Hub) Broadcast() *broadcast.Hub {
	return h.broadcast
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := h.startServer(ln)
	serverErr := h.waitForShutdownSignal(ctx, errCh)

	shutdownErr := h.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServer serves HTTP in a goroutine, returning its error channel.
func (h *Hub) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := h.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (h *Hub) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		h.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		h.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the run context is already canceled.
func (h *Hub) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, closes every subscription and flushes the store.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("shutting down hub")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", h.httpServer.Shutdown(ctx))
	h.broadcast.Close()
	errs = appendCloseError(errs, "store close", h.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// pruneEphemeral drops the ephemeral windows of a scope whose last tab left.
func (h *Hub) pruneEphemeral(scopeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()

	res, err := h.store.PruneEphemeral(ctx, scopeID)
	if err != nil {
		h.logger.Warn("pruning ephemeral windows failed", "scope_id", scopeID, "error", err)
		return
	}
	if res != nil {
		h.logger.Info("pruned ephemeral windows",
			"scope_id", scopeID,
			"deleted", res.Deleted,
			"save_id", res.SaveID)
	}
}
