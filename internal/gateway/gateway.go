// ABOUTME: Gateway wiring: owns the registry, connection handler, admin API and HTTP server.
// ABOUTME: Run starts serving; Shutdown drains connections and stops the listener.

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/registry"
)

const shutdownTimeout = 5 * time.Second

// Gateway is the top-level server component. It owns the session registry,
// the per-connection handler, the admin surface and the HTTP listener.
type Gateway struct {
	cfg        *config.Config
	registry   *registry.Registry
	handler    *Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// New wires up a gateway from configuration and an agent collaborator.
func New(cfg *config.Config, collab agent.Collaborator, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	reg := registry.New(logger)
	handler := NewHandler(reg, collab, cfg.Gateway.HeartbeatInterval, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", func(c *gin.Context) {
		if err := handler.HandleConnection(c.Writer, c.Request); err != nil {
			logger.Warn("websocket accept failed", "error", err)
		}
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	NewAdminAPI(reg, logger).RegisterRoutes(api)

	return &Gateway{
		cfg:      cfg,
		registry: reg,
		handler:  handler,
		httpServer: &http.Server{
			Addr:    cfg.Server.HTTPAddr,
			Handler: router,
		},
		logger: logger.With("component", "gateway"),
	}
}

// Registry exposes the session registry, primarily for tests and tooling.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Run serves until the context is cancelled or the listener fails.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	g.logger.Info("gateway listening", "http_addr", g.cfg.Server.HTTPAddr)

	select {
	case <-ctx.Done():
		return g.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown closes every live session and stops the HTTP listener.
func (g *Gateway) Shutdown() error {
	g.logger.Info("shutting down")
	g.registry.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.httpServer.Shutdown(ctx)
}
