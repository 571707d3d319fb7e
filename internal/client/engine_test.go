// ABOUTME: Tests for the reconnection engine state machine, backoff and delivery channels.
// ABOUTME: Uses a local WebSocket server with scripted accept/drop behavior.

package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/protocol"
)

// testServer is a minimal gateway stand-in: upgrades, sends a welcome
// envelope, then records inbound envelopes. dropAfterWelcome closes the
// first n connections right after the welcome to exercise reconnection.
type testServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu               sync.Mutex
	received         []*protocol.Envelope
	connects         int
	dropAfterWelcome int
}

func newTestServer(t *testing.T, dropAfterWelcome int) (*testServer, string) {
	t.Helper()
	ts := &testServer{t: t, dropAfterWelcome: dropAfterWelcome}

	srv := httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(srv.Close)

	return ts, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := r.URL.Query().Get("session_id")

	ts.mu.Lock()
	ts.connects++
	drop := ts.connects <= ts.dropAfterWelcome
	ts.mu.Unlock()

	welcome, _ := protocol.Encode(protocol.NewSystem(sessionID, "welcome", "info"))
	conn.WriteMessage(websocket.TextMessage, welcome)

	if drop {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if env, err := protocol.Decode(data); err == nil {
			ts.mu.Lock()
			ts.received = append(ts.received, env)
			ts.mu.Unlock()
		}
	}
}

func (ts *testServer) connectCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.connects
}

func (ts *testServer) envelopes() []*protocol.Envelope {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]*protocol.Envelope(nil), ts.received...)
}

func newTestEngine(t *testing.T, url string, overrides func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		URL:         url,
		SessionID:   "s1",
		BackoffBase: 10 * time.Millisecond,
	}
	if overrides != nil {
		overrides(&cfg)
	}
	engine, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(engine.Disconnect)
	return engine
}

func waitForState(t *testing.T, engine *Engine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return engine.State() == want },
		3*time.Second, 5*time.Millisecond, "engine never reached %s", want)
}

func TestEngine_RequiresURLAndSessionID(t *testing.T) {
	_, err := New(Config{SessionID: "s1"}, nil)
	assert.Error(t, err)

	_, err = New(Config{URL: "ws://localhost:1/ws"}, nil)
	assert.Error(t, err)
}

func TestEngine_ConnectDeliversWelcome(t *testing.T) {
	_, url := newTestServer(t, 0)
	engine := newTestEngine(t, url, nil)

	require.NoError(t, engine.Connect(t.Context()))
	waitForState(t, engine, StateConnected)

	select {
	case env := <-engine.Messages():
		assert.Equal(t, protocol.TypeSystem, env.Type)
		assert.Equal(t, "s1", env.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for welcome")
	}
}

func TestEngine_ConnectTwiceFails(t *testing.T) {
	_, url := newTestServer(t, 0)
	engine := newTestEngine(t, url, nil)

	require.NoError(t, engine.Connect(t.Context()))
	assert.ErrorIs(t, engine.Connect(t.Context()), ErrAlreadyStarted)
}

func TestEngine_SendWhenNotConnected(t *testing.T) {
	_, url := newTestServer(t, 0)
	engine := newTestEngine(t, url, nil)

	// Not started yet: sends fail rather than queue.
	assert.ErrorIs(t, engine.Send("hello", nil), ErrNotConnected)
	assert.ErrorIs(t, engine.SendTyping(true), ErrNotConnected)
}

func TestEngine_SendChatAndTyping(t *testing.T) {
	ts, url := newTestServer(t, 0)
	engine := newTestEngine(t, url, nil)

	require.NoError(t, engine.Connect(t.Context()))
	waitForState(t, engine, StateConnected)

	require.NoError(t, engine.Send("hello", map[string]any{"temperature": 0.5}))
	require.NoError(t, engine.SendTyping(true))

	require.Eventually(t, func() bool { return len(ts.envelopes()) >= 2 },
		2*time.Second, 10*time.Millisecond)

	envs := ts.envelopes()
	assert.Equal(t, protocol.TypeChat, envs[0].Type)
	assert.Equal(t, "hello", envs[0].Data["message"])
	cfg, ok := envs[0].Data["config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.5, cfg["temperature"])

	assert.Equal(t, protocol.TypeTyping, envs[1].Type)
	assert.Equal(t, true, envs[1].Data["is_typing"])
}

func TestEngine_ApplicationHeartbeatWhileConnected(t *testing.T) {
	ts, url := newTestServer(t, 0)
	engine := newTestEngine(t, url, func(cfg *Config) {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	})

	require.NoError(t, engine.Connect(t.Context()))
	waitForState(t, engine, StateConnected)

	require.Eventually(t, func() bool {
		for _, env := range ts.envelopes() {
			if env.Type == protocol.TypeHeartbeat && env.Data["status"] == "alive" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "application heartbeat never arrived")
}

func TestEngine_ReconnectsAfterTransportDrop(t *testing.T) {
	ts, url := newTestServer(t, 1)
	engine := newTestEngine(t, url, nil)

	require.NoError(t, engine.Connect(t.Context()))

	// First connection is dropped after welcome; the engine backs off and
	// reconnects, ending up connected on the second attempt.
	require.Eventually(t, func() bool {
		return ts.connectCount() >= 2 && engine.State() == StateConnected
	}, 3*time.Second, 10*time.Millisecond)

	// No terminal error was emitted.
	select {
	case err := <-engine.Errors():
		t.Fatalf("unexpected error: %v", err)
	default:
	}
}

func TestEngine_ExhaustedRetriesEmitsExactlyOneError(t *testing.T) {
	// Nothing listens here; every dial fails.
	engine := newTestEngine(t, "ws://127.0.0.1:1/ws", func(cfg *Config) {
		cfg.MaxRetries = 3
	})

	require.NoError(t, engine.Connect(t.Context()))

	select {
	case <-engine.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine never settled")
	}
	assert.Equal(t, StateFailed, engine.State())

	select {
	case err := <-engine.Errors():
		assert.ErrorIs(t, err, ErrRetriesExhausted)
	case <-time.After(time.Second):
		t.Fatal("terminal error never emitted")
	}

	// Exactly one, not one per attempt.
	select {
	case err := <-engine.Errors():
		t.Fatalf("second error emitted: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngine_StatusChannelObservesTransitions(t *testing.T) {
	_, url := newTestServer(t, 0)
	engine := newTestEngine(t, url, nil)

	require.NoError(t, engine.Connect(t.Context()))
	waitForState(t, engine, StateConnected)

	var seen []State
	deadline := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case s := <-engine.Status():
			seen = append(seen, s)
		case <-deadline:
			t.Fatalf("only saw states %v", seen)
		}
	}
	assert.Equal(t, []State{StateConnecting, StateConnected}, seen[:2])
}

func TestEngine_DisconnectIsTerminal(t *testing.T) {
	_, url := newTestServer(t, 0)
	engine := newTestEngine(t, url, nil)

	require.NoError(t, engine.Connect(t.Context()))
	waitForState(t, engine, StateConnected)

	engine.Disconnect()

	assert.Equal(t, StateDisconnected, engine.State())
	assert.ErrorIs(t, engine.Send("too late", nil), ErrNotConnected)

	select {
	case <-engine.Done():
	default:
		t.Fatal("done channel should be closed after disconnect")
	}
}

func TestEngine_BackoffIsExponential(t *testing.T) {
	engine := newTestEngine(t, "ws://127.0.0.1:1/ws", func(cfg *Config) {
		cfg.BackoffBase = 100 * time.Millisecond
	})

	assert.Equal(t, 100*time.Millisecond, engine.backoff(1))
	assert.Equal(t, 200*time.Millisecond, engine.backoff(2))
	assert.Equal(t, 400*time.Millisecond, engine.backoff(3))
	assert.Equal(t, 800*time.Millisecond, engine.backoff(4))
}

func TestEngine_StateStrings(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "backoff", StateBackoff.String())
	assert.Equal(t, "failed", StateFailed.String())
}
