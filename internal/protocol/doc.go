// Package protocol defines the wire schema spoken between the gateway and
// its clients.
//
// # Envelope
//
// Every frame is a JSON envelope:
//
//	{
//	  "type": "chat",
//	  "timestamp": "2026-08-30T12:00:00Z",
//	  "session_id": "s1",
//	  "data": {"message": "hello"}
//	}
//
// The type tag is drawn from a closed set of eight values: chat, system,
// error, typing, connect, disconnect, heartbeat, agent_response. Dispatch
// sites switch exhaustively over protocol.Type so adding a type is a
// compile-time-visible change.
//
// # Error taxonomy
//
//   - ErrMalformed: the frame could not be parsed (structure, missing
//     fields, bad timestamp). Answered with an ERROR envelope.
//   - ErrUnknownType: structurally valid frame, unrecognized type tag.
//     Also non-fatal: the connection stays open.
//
// # Payloads
//
//   - chat (inbound): {message: string, config?: object}
//   - agent_response (outbound): {response, response_time,
//     conversation_history: [{role, content}, ...]} (last 10 turns)
//   - error (outbound): {error, error_code?}
//   - typing: {is_typing: bool}
//   - heartbeat: {status: "alive"}
//   - system: {message, level?}
//
// Timestamps are serialized as RFC 3339 strings; this package is the only
// place that format coupling exists.
package protocol
