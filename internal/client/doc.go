// Package client implements the reconnection engine that drives the client
// side of a parley session.
//
// # State machine
//
//	DISCONNECTED -> CONNECTING -> CONNECTED
//	CONNECTED    -> (transport error) -> BACKOFF -> CONNECTING -> ...
//	any          -> FAILED (after the consecutive-failure bound, default 3)
//	CONNECTED    -> DISCONNECTED (explicit Disconnect, terminal)
//
// Backoff is exponential in the retry count and resets to the base delay on
// any successful connect.
//
// # Liveness layering
//
// While connected the engine runs its own application heartbeat (30s) on top
// of transport-level ping/pong (20s ping, 10s pong grace). The layering is
// deliberate: ping/pong detects dead sockets quickly, while heartbeat
// envelopes carry session semantics visible to the message layer on both
// ends.
//
// # Delivery channels
//
// Consumers receive through three independent channels (Messages, Errors
// and Status) so a consumer can ignore categories it does not care about
// without parsing envelope types. Cross-channel ordering is undefined, and
// the terminal retries-exhausted error is emitted exactly once.
package client
