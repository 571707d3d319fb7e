// ABOUTME: Per-connection server handler: accept, register, dispatch, heartbeat, teardown.
// ABOUTME: Runs a receive loop and an independent heartbeat loop per connection.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/protocol"
	"github.com/parleyhq/parley/internal/registry"
)

const (
	// CloseCodeMissingSession is sent when a peer connects without a
	// session id. The connection is rejected before any envelope is
	// exchanged.
	CloseCodeMissingSession = 4400

	// DefaultHeartbeatInterval is how often the server emits application
	// heartbeats while a session stays registered.
	DefaultHeartbeatInterval = 30 * time.Second

	// historyLimit caps the conversation history attached to agent
	// responses to the most recent turns.
	historyLimit = 10
)

// Handler accepts WebSocket connections and runs each one's control loop
// until the peer leaves, the transport fails, or an admin forces disconnect.
type Handler struct {
	registry          *registry.Registry
	collab            agent.Collaborator
	heartbeatInterval time.Duration
	upgrader          websocket.Upgrader
	logger            *slog.Logger
}

// NewHandler creates a connection handler. heartbeatInterval <= 0 selects
// DefaultHeartbeatInterval. Pass nil logger for default.
func NewHandler(reg *registry.Registry, collab agent.Collaborator, heartbeatInterval time.Duration, logger *slog.Logger) *Handler {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:          reg,
		collab:            collab,
		heartbeatInterval: heartbeatInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "handler"),
	}
}

// HandleConnection upgrades the request and runs the connection to
// completion. It blocks until the connection is fully closed, so the caller
// (the HTTP handler) keeps the request alive for the connection's lifetime.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		// Rejected before any state is created and before any envelope
		// is exchanged: a transport-level close with a distinguishing code.
		msg := websocket.FormatCloseMessage(CloseCodeMissingSession, "session_id required")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		ws.Close()
		h.logger.Warn("rejected connection without session id", "remote_addr", r.RemoteAddr)
		return nil
	}

	logger := h.logger.With("session_id", sessionID)

	conn := newWSConn(ws, logger)
	go conn.writePump()

	h.registry.Register(sessionID, conn, registry.Metadata{
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	})

	if err := conn.WriteEnvelope(protocol.NewSystem(sessionID, "connected to parley gateway", "info")); err != nil {
		logger.Warn("welcome delivery failed", "error", err)
	}

	// The heartbeat loop is scheduled independently of the receive loop:
	// the receive loop may block on a slow collaborator call for an
	// unbounded time, and heartbeats must keep flowing during that wait.
	hbCtx, cancelHeartbeat := context.WithCancel(context.Background())
	hbDone := make(chan struct{})
	go h.heartbeatLoop(hbCtx, sessionID, hbDone)

	h.readLoop(r.Context(), sessionID, conn, logger)

	// CLOSING: cancel the heartbeat and await its exit so no heartbeat
	// write can race the closing transport, then deregister.
	cancelHeartbeat()
	<-hbDone
	conn.Close()
	// Identity-guarded: if a reconnect already replaced this connection,
	// the replacement's registration survives this handler's teardown.
	h.registry.DeregisterConn(sessionID, conn)
	return nil
}

// readLoop processes inbound frames in arrival order until the transport
// fails or the peer closes. Envelope-scoped failures never end the loop.
func (h *Handler) readLoop(ctx context.Context, sessionID string, conn *wsConn, logger *slog.Logger) {
	ws := conn.ws
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				logger.Warn("transport error", "error", err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			h.sendDecodeError(sessionID, conn, err)
			continue
		}

		h.dispatch(ctx, sessionID, conn, env)
	}
}

// sendDecodeError answers a bad frame with an ERROR envelope. Both malformed
// frames and unknown type tags are recoverable: the connection stays open.
func (h *Handler) sendDecodeError(sessionID string, conn *wsConn, err error) {
	var env *protocol.Envelope
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		env = protocol.NewError(sessionID, err.Error(), "unknown_type")
	default:
		env = protocol.NewError(sessionID, err.Error(), "malformed_envelope")
	}
	conn.WriteEnvelope(env)
}

// dispatch routes one inbound envelope by type. The switch is exhaustive
// over the closed protocol.Type set.
func (h *Handler) dispatch(ctx context.Context, sessionID string, conn *wsConn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeChat:
		h.handleChat(ctx, sessionID, conn, env)

	case protocol.TypeTyping:
		h.registry.SetTyping(sessionID, protocol.TypingFlag(env))

	case protocol.TypeHeartbeat:
		conn.WriteEnvelope(protocol.NewHeartbeat(sessionID))

	case protocol.TypeSystem, protocol.TypeError, protocol.TypeConnect,
		protocol.TypeDisconnect, protocol.TypeAgentResponse:
		// Valid on the wire but not client-initiated; answered, not fatal.
		conn.WriteEnvelope(protocol.NewError(sessionID,
			fmt.Sprintf("unhandled message type %q", env.Type), "unhandled_type"))
	}
}

// handleChat forwards one chat turn to the collaborator. Typing state
// brackets the call on both the success and failure paths, and a
// collaborator failure is scoped to this one turn.
func (h *Handler) handleChat(ctx context.Context, sessionID string, conn *wsConn, env *protocol.Envelope) {
	message, cfg, ok := protocol.ChatMessage(env)
	if !ok {
		conn.WriteEnvelope(protocol.NewError(sessionID, "chat envelope missing message", "malformed_envelope"))
		return
	}

	h.registry.SetTyping(sessionID, true)
	start := time.Now()
	reply, err := h.collab.Respond(ctx, sessionID, message, cfg)
	h.registry.SetTyping(sessionID, false)

	if err != nil {
		h.logger.Warn("collaborator call failed", "session_id", sessionID, "error", err)
		conn.WriteEnvelope(protocol.NewError(sessionID, err.Error(), "agent_error"))
		return
	}

	conn.WriteEnvelope(protocol.NewAgentResponse(
		sessionID, reply.Text, time.Since(start).Seconds(), reply.History, historyLimit))
}

// heartbeatLoop emits HEARTBEAT envelopes on a fixed interval while the
// session stays registered. Context cancellation is the expected exit path.
func (h *Handler) heartbeatLoop(ctx context.Context, sessionID string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.registry.Has(sessionID) {
				return
			}
			if err := h.registry.SendTo(sessionID, protocol.NewHeartbeat(sessionID)); err != nil {
				h.logger.Debug("heartbeat delivery failed", "session_id", sessionID, "error", err)
			}
		}
	}
}
