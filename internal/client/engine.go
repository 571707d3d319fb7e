// ABOUTME: Client-side reconnection engine: connect, retry with backoff, teardown.
// ABOUTME: UI-independent state machine delivering through message/error/status channels.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/protocol"
)

// State is the engine's externally visible connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrRetriesExhausted is the terminal error emitted exactly once after the
// bounded number of consecutive connection failures.
var ErrRetriesExhausted = errors.New("reconnection attempts exhausted")

// ErrNotConnected is returned by Send and SendTyping when the engine is not
// in the connected state. The engine does not buffer outbound messages
// across disconnects; callers must check rather than assume queuing.
var ErrNotConnected = errors.New("not connected")

// ErrAlreadyStarted is returned by Connect when the engine is running.
var ErrAlreadyStarted = errors.New("engine already started")

const (
	// DefaultMaxRetries bounds consecutive connection failures before the
	// engine settles into the failed state.
	DefaultMaxRetries = 3

	// DefaultBackoffBase is the first retry delay; subsequent delays grow
	// exponentially and reset on any successful connect.
	DefaultBackoffBase = time.Second

	// DefaultHeartbeatInterval is the application-level heartbeat period.
	// Deliberately layered over the transport ping/pong below: the two
	// detect different failure classes.
	DefaultHeartbeatInterval = 30 * time.Second

	// Transport keepalive defaults.
	DefaultPingInterval = 20 * time.Second
	DefaultPongGrace    = 10 * time.Second

	writeWait = 10 * time.Second

	msgBufferSize   = 64
	stateBufferSize = 16
	errBufferSize   = 8
)

// Config configures an Engine.
type Config struct {
	// URL is the gateway WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// SessionID identifies the logical conversation; stable across
	// reconnects.
	SessionID string

	MaxRetries        int
	BackoffBase       time.Duration
	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	PongGrace         time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongGrace <= 0 {
		c.PongGrace = DefaultPongGrace
	}
}

// Engine drives the client side of a parley session: connect, retry with
// exponential backoff up to a bound, deliver inbound envelopes, and send
// chat and typing envelopes while connected.
//
// All externally visible activity arrives on three independent channels:
// Messages, Errors and Status. Per-channel ordering is delivery order;
// cross-channel ordering is undefined. Slow consumers never block the
// engine; overflow is dropped with a log line.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	msgs   chan *protocol.Envelope
	errs   chan error
	states chan State

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	cancel  context.CancelFunc
	started bool

	writeMu sync.Mutex

	done chan struct{}
}

// New creates an engine. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	cfg.applyDefaults()

	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With("component", "client", "session_id", cfg.SessionID),
		msgs:   make(chan *protocol.Envelope, msgBufferSize),
		errs:   make(chan error, errBufferSize),
		states: make(chan State, stateBufferSize),
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}, nil
}

// Messages delivers inbound envelopes, including server-side ERROR envelopes.
func (e *Engine) Messages() <-chan *protocol.Envelope { return e.msgs }

// Errors delivers engine-level failures. The terminal retries-exhausted
// error is emitted exactly once, not once per attempt.
func (e *Engine) Errors() <-chan error { return e.errs }

// Status delivers connection state transitions.
func (e *Engine) Status() <-chan State { return e.states }

// State returns the current connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed when the engine settles into a terminal state.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Connect starts the engine's background run loop. The engine runs until the
// context is cancelled, Disconnect is called, or retries are exhausted.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	go e.run(runCtx)
	return nil
}

// Disconnect is the explicit caller-initiated teardown; terminal for this
// engine instance. Blocks until the run loop has settled.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	cancel := e.cancel
	started := e.started
	e.mu.Unlock()

	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	<-e.done
}

// run is the reconnection state machine: CONNECTING, then either CONNECTED
// (serving until the transport drops) or BACKOFF and another attempt, until
// the consecutive-failure bound is hit or the context ends.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	failures := 0
	for {
		if ctx.Err() != nil {
			e.setState(StateDisconnected)
			return
		}

		e.setState(StateConnecting)
		conn, err := e.dial(ctx)
		if err == nil {
			failures = 0
			e.setConn(conn)
			e.setState(StateConnected)

			err = e.serve(ctx, conn)
			e.setConn(nil)

			if ctx.Err() != nil {
				e.setState(StateDisconnected)
				return
			}
			e.logger.Warn("transport dropped", "error", err)
		} else {
			if ctx.Err() != nil {
				e.setState(StateDisconnected)
				return
			}
			e.logger.Warn("connect failed", "attempt", failures+1, "error", err)
		}

		failures++
		if failures >= e.cfg.MaxRetries {
			e.setState(StateFailed)
			e.emitError(fmt.Errorf("%w: %d consecutive failures, last: %v",
				ErrRetriesExhausted, failures, err))
			return
		}

		e.setState(StateBackoff)
		select {
		case <-ctx.Done():
			e.setState(StateDisconnected)
			return
		case <-time.After(e.backoff(failures)):
		}
	}
}

// backoff returns the delay before the given retry attempt (1-based),
// exponential in the retry count.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (e *Engine) dial(ctx context.Context) (*websocket.Conn, error) {
	url := e.cfg.URL + "?session_id=" + e.cfg.SessionID
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", e.cfg.URL, err)
	}
	return conn, nil
}

// serve runs one connected session: a reader goroutine plus the heartbeat
// and transport-ping tickers. Returns when the transport fails or ctx ends.
func (e *Engine) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(e.cfg.PingInterval + e.cfg.PongGrace))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(e.cfg.PingInterval + e.cfg.PongGrace))
		return nil
	})

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			env, err := protocol.Decode(data)
			if err != nil {
				e.logger.Debug("dropping undecodable frame", "error", err)
				continue
			}
			e.deliver(env)
		}
	}()

	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	ping := time.NewTicker(e.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			e.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			e.writeMu.Unlock()
			conn.Close()
			<-readErr
			return ctx.Err()

		case err := <-readErr:
			conn.Close()
			return err

		case <-heartbeat.C:
			if err := e.write(conn, protocol.NewHeartbeat(e.cfg.SessionID)); err != nil {
				e.logger.Debug("heartbeat write failed", "error", err)
			}

		case <-ping.C:
			e.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			e.writeMu.Unlock()
			if err != nil {
				e.logger.Debug("ping write failed", "error", err)
			}
		}
	}
}

// Send transmits one chat turn. Fails with ErrNotConnected when the engine
// is not connected.
func (e *Engine) Send(message string, config map[string]any) error {
	conn, err := e.connected()
	if err != nil {
		return err
	}
	data := map[string]any{"message": message}
	if config != nil {
		data["config"] = config
	}
	return e.write(conn, protocol.New(protocol.TypeChat, e.cfg.SessionID, data))
}

// SendTyping transmits the caller's typing flag. Fails with ErrNotConnected
// when the engine is not connected.
func (e *Engine) SendTyping(isTyping bool) error {
	conn, err := e.connected()
	if err != nil {
		return err
	}
	return e.write(conn, protocol.NewTyping(e.cfg.SessionID, isTyping))
}

func (e *Engine) connected() (*websocket.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnected || e.conn == nil {
		return nil, ErrNotConnected
	}
	return e.conn, nil
}

func (e *Engine) write(conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (e *Engine) setConn(conn *websocket.Conn) {
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	if e.state == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()

	select {
	case e.states <- s:
	default:
		e.logger.Debug("dropped state transition for slow consumer", "state", s.String())
	}
}

func (e *Engine) deliver(env *protocol.Envelope) {
	select {
	case e.msgs <- env:
	default:
		e.logger.Debug("dropped message for slow consumer", "type", string(env.Type))
	}
}

func (e *Engine) emitError(err error) {
	select {
	case e.errs <- err:
	default:
		e.logger.Warn("dropped error for slow consumer", "error", err)
	}
}
