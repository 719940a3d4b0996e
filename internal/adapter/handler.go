package adapter

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/arcusdb/realmsync/pkg/auth"
	"github.com/arcusdb/realmsync/pkg/connection"
	"github.com/arcusdb/realmsync/pkg/metrics"
	"github.com/arcusdb/realmsync/pkg/protocol"
)

// Handler upgrades incoming HTTP requests to WebSocket connections and runs
// one connection.Connection per accepted socket until it exits.
type Handler struct {
	resolver connection.FileResolver
	verifier auth.Verifier
	metrics  metrics.ConnectionMetrics
	log      *slog.Logger
	connCfg  connection.Config
}

// NewHandler builds the sync endpoint's HTTP handler.
func NewHandler(resolver connection.FileResolver, verifier auth.Verifier, m metrics.ConnectionMetrics, log *slog.Logger, connCfg connection.Config) *Handler {
	return &Handler{resolver: resolver, verifier: verifier, metrics: m, log: log, connCfg: connCfg}
}

// ServeHTTP implements http.Handler: one call upgrades the request and then
// blocks for the lifetime of that connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	transport := NewWebSocketTransport(conn)
	c := connection.New(connID, transport, h.resolver, h.verifier, h.metrics, h.log, h.connCfg)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go transport.ReadLoop(ctx, func(msg protocol.IncomingMessage) {
		c.HandleMessage(ctx, msg)
	}, func(err error) {
		if err != nil {
			h.log.Debug("connection read loop ended", "conn", connID, "error", err)
		}
		cancel()
	})

	if err := c.Run(ctx); err != nil {
		h.log.Debug("connection run loop ended", "conn", connID, "error", err)
	}
	conn.Close()
}
