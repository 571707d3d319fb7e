// Package gateway runs the server side of the parley messaging subsystem.
//
// # Connection lifecycle
//
// Each WebSocket connection moves through accept, register, dispatch and
// teardown:
//
//  1. Upgrade; a missing session_id query parameter is rejected with close
//     code 4400 before any envelope is exchanged.
//  2. Register in the session registry (replacing any prior connection for
//     the same session id) and send a SYSTEM welcome envelope.
//  3. Two goroutines run for the connection's lifetime: the receive loop,
//     which processes inbound envelopes in arrival order, and the heartbeat
//     loop, which emits HEARTBEAT envelopes every 30 seconds while the
//     session stays registered. They are scheduled independently so a slow
//     collaborator call never starves liveness signaling.
//  4. On peer close, transport error or forced disconnect the handler
//     cancels the heartbeat loop, awaits its exit, and deregisters.
//
// A third goroutine, the writer pump, owns the socket's write side: queued
// envelopes plus transport-level pings. Transport ping/pong and application
// heartbeats are deliberately layered; they detect different failure
// classes.
//
// # Dispatch
//
//   - chat: typing(true) -> collaborator -> typing(false) -> agent_response
//     or error envelope; failures are scoped to the one turn.
//   - typing: registry typing-state update (which self-notifies).
//   - heartbeat: echoed with {status: "alive"}.
//   - anything else: error envelope, connection stays open.
//
// # Admin surface
//
//   - GET /api/stats: connection count, per-session metadata, typing snapshot
//   - POST /api/broadcast: SYSTEM fan-out, returns attempted recipient count
//   - DELETE /api/connections/:session_id: forced teardown, 404 when absent
//   - GET /health: liveness check
package gateway
