// ABOUTME: Concurrency-safe session registry mapping session ids to live connections.
// ABOUTME: Owns the connection, metadata and typing maps; central shared-mutable state.

package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/protocol"
)

// ErrSessionNotFound indicates the specified session has no live connection.
var ErrSessionNotFound = errors.New("session not found")

// Conn is the transport handle the registry owns for a registered session.
// Implementations must make Close idempotent: the registry, the connection
// handler and the admin surface may all race to close the same handle.
type Conn interface {
	// WriteEnvelope queues an envelope for delivery. It must not block on
	// the peer; a closed or saturated connection returns an error.
	WriteEnvelope(env *protocol.Envelope) error
	Close() error
}

// Metadata carries optional per-connection attributes captured at accept time.
type Metadata struct {
	UserAgent  string
	RemoteAddr string
}

// SessionInfo is the externally visible view of one registered session.
type SessionInfo struct {
	ConnectedAt time.Time `json:"connected_at"`
	UserAgent   string    `json:"user_agent,omitempty"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	Connections int                    `json:"connections"`
	Sessions    map[string]SessionInfo `json:"sessions"`
	Typing      map[string]bool        `json:"typing"`
}

// Registry tracks at most one live connection per session id across three
// parallel maps: connections, connection metadata, and ephemeral typing
// state. All mutation goes through its methods; critical sections are short
// and synchronous, never held across a blocking send.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	meta   map[string]SessionInfo
	typing map[string]bool
	logger *slog.Logger
}

// New creates an empty registry. Pass nil logger for default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]Conn),
		meta:   make(map[string]SessionInfo),
		typing: make(map[string]bool),
		logger: logger.With("component", "registry"),
	}
}

// Register inserts a connection for the session. If the session already has
// a live connection, the old transport is closed first so the
// one-connection-per-session invariant holds at every instant.
func (r *Registry) Register(sessionID string, conn Conn, meta Metadata) {
	r.mu.Lock()
	if old, exists := r.conns[sessionID]; exists {
		// Replaced before insert: the stale transport must never outlive
		// the new entry. Close is idempotent, so the old handler's own
		// teardown path remains safe.
		old.Close()
		r.logger.Info("session reconnected, replacing connection", "session_id", sessionID)
	}
	r.conns[sessionID] = conn
	r.meta[sessionID] = SessionInfo{
		ConnectedAt: time.Now().UTC(),
		UserAgent:   meta.UserAgent,
		RemoteAddr:  meta.RemoteAddr,
	}
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("session connected",
		"session_id", sessionID,
		"remote_addr", meta.RemoteAddr,
		"total_sessions", total,
	)
}

// Deregister removes the session from all three maps and closes its
// transport. Idempotent: deregistering an unknown or already-removed session
// is a no-op, so the handler's normal-exit and error paths can both call it.
func (r *Registry) Deregister(sessionID string) {
	r.deregister(sessionID, nil)
}

// DeregisterConn removes the session only when the registered connection is
// the given handle. A handler tearing down after its connection was replaced
// by a reconnect must not evict the replacement.
func (r *Registry) DeregisterConn(sessionID string, conn Conn) {
	r.deregister(sessionID, conn)
}

func (r *Registry) deregister(sessionID string, only Conn) {
	r.mu.Lock()
	conn, exists := r.conns[sessionID]
	if exists && only != nil && conn != only {
		exists = false
	}
	if exists {
		delete(r.conns, sessionID)
		delete(r.meta, sessionID)
		delete(r.typing, sessionID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !exists {
		return
	}
	conn.Close()
	r.logger.Info("session disconnected",
		"session_id", sessionID,
		"total_sessions", total,
	)
}

// Has reports whether the session currently has a live connection.
func (r *Registry) Has(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[sessionID]
	return ok
}

// SendTo delivers an envelope to one session. Delivery failure is logged and
// returned but never triggers deregistration here: cleanup belongs to the
// session's own handler, which would otherwise race this call.
func (r *Registry) SendTo(sessionID string, env *protocol.Envelope) error {
	r.mu.RLock()
	conn, ok := r.conns[sessionID]
	r.mu.RUnlock()

	if !ok {
		return ErrSessionNotFound
	}
	if err := conn.WriteEnvelope(env); err != nil {
		r.logger.Warn("send failed",
			"session_id", sessionID,
			"type", string(env.Type),
			"error", err,
		)
		return err
	}
	return nil
}

// Broadcast fans an envelope out to every registered session and returns the
// number of sessions the delivery was attempted to. A broken peer must not
// abort delivery to the rest, so per-session failures are collected and the
// failed sessions are deregistered only after the fan-out completes; a peer
// that failed delivery is indistinguishable from one that silently dropped.
func (r *Registry) Broadcast(env *protocol.Envelope) int {
	r.mu.RLock()
	targets := make(map[string]Conn, len(r.conns))
	for id, conn := range r.conns {
		targets[id] = conn
	}
	r.mu.RUnlock()

	failed := make(map[string]Conn)
	for id, conn := range targets {
		if err := conn.WriteEnvelope(env); err != nil {
			r.logger.Warn("broadcast delivery failed", "session_id", id, "error", err)
			failed[id] = conn
		}
	}
	// Identity-guarded: a session that reconnected during the fan-out keeps
	// its fresh connection.
	for id, conn := range failed {
		r.DeregisterConn(id, conn)
	}

	return len(targets)
}

// SetTyping updates the session's typing state and immediately notifies that
// same session with a TYPING envelope. Self-notification is intentional: it
// lets a client confirm the server's view of its own typing state.
func (r *Registry) SetTyping(sessionID string, isTyping bool) {
	r.mu.Lock()
	if _, ok := r.conns[sessionID]; !ok {
		r.mu.Unlock()
		return
	}
	r.typing[sessionID] = isTyping
	r.mu.Unlock()

	if err := r.SendTo(sessionID, protocol.NewTyping(sessionID, isTyping)); err != nil {
		r.logger.Debug("typing notification failed", "session_id", sessionID, "error", err)
	}
}

// IsTyping returns the session's current typing state.
func (r *Registry) IsTyping(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.typing[sessionID]
}

// Stats returns the live connection count, per-session connect times and
// metadata, and the full typing snapshot.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Connections: len(r.conns),
		Sessions:    make(map[string]SessionInfo, len(r.meta)),
		Typing:      make(map[string]bool, len(r.typing)),
	}
	for id, info := range r.meta {
		stats.Sessions[id] = info
	}
	for id, flag := range r.typing {
		stats.Typing[id] = flag
	}
	return stats
}

// ForceDisconnect administratively closes a session's transport and removes
// it from the registry. Returns ErrSessionNotFound when the session has no
// live connection, rather than silently succeeding.
func (r *Registry) ForceDisconnect(sessionID string) error {
	r.mu.RLock()
	_, ok := r.conns[sessionID]
	r.mu.RUnlock()

	if !ok {
		return ErrSessionNotFound
	}
	r.logger.Info("forced disconnect", "session_id", sessionID)
	r.Deregister(sessionID)
	return nil
}

// Close deregisters every session, closing all transports. Used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Deregister(id)
	}
}
