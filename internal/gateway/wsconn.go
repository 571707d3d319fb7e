// ABOUTME: WebSocket transport wrapper with a queued writer pump and idempotent close.
// ABOUTME: Owns all socket writes: queued envelopes plus transport-level pings.

package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Transport keepalive: ping every pingPeriod, allow pongGrace for the
	// peer's pong to come back. This layer detects dead sockets; the
	// application-level heartbeat envelopes are layered above it.
	pingPeriod = 20 * time.Second
	pongGrace  = 10 * time.Second
	readWait   = pingPeriod + pongGrace

	// Maximum inbound frame size.
	maxMessageSize = 64 * 1024

	// Outbound queue per connection. A peer that falls this far behind is
	// treated as failed.
	sendQueueSize = 64
)

var (
	errConnClosed    = errors.New("connection closed")
	errSendQueueFull = errors.New("send queue full")
)

// wsConn wraps a gorilla websocket connection behind the registry.Conn
// interface. Writes are queued and drained by a single writer pump so that
// the receive loop, the heartbeat loop and broadcast fan-out never contend
// for the socket.
type wsConn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newWSConn(ws *websocket.Conn, logger *slog.Logger) *wsConn {
	return &wsConn{
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// WriteEnvelope queues an envelope for delivery. Never blocks: a closed
// connection or a saturated queue returns an error instead.
func (c *wsConn) WriteEnvelope(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendQueueFull
	}
}

// Close shuts the connection down exactly once. Safe to call from the
// handler's teardown, the registry's replace path and the admin surface
// concurrently. Closing the socket also unblocks the reader.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
	return nil
}

// writePump drains the send queue onto the socket and emits transport pings.
// It is the sole writer for the connection's lifetime.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
