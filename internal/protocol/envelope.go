// ABOUTME: Wire envelope schema and codec for the parley messaging protocol.
// ABOUTME: Defines the closed message-type set and Encode/Decode with error taxonomy.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type identifies the kind of envelope being exchanged. The set is closed:
// decoding any other value fails with ErrUnknownType.
type Type string

const (
	TypeChat          Type = "chat"
	TypeSystem        Type = "system"
	TypeError         Type = "error"
	TypeTyping        Type = "typing"
	TypeConnect       Type = "connect"
	TypeDisconnect    Type = "disconnect"
	TypeHeartbeat     Type = "heartbeat"
	TypeAgentResponse Type = "agent_response"
)

// SystemSessionID is the sentinel session id carried by system-wide broadcasts.
const SystemSessionID = "system"

// ErrMalformed indicates a frame that could not be parsed as an envelope.
var ErrMalformed = errors.New("malformed envelope")

// ErrUnknownType indicates an envelope whose type tag is outside the closed set.
// Unlike ErrMalformed, the surrounding frame was structurally valid.
var ErrUnknownType = errors.New("unknown envelope type")

// Envelope is the unit of wire exchange. SessionID is always populated
// (SystemSessionID for broadcasts) and Timestamp is always set by the sender,
// never inferred by the receiver.
type Envelope struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// wireEnvelope is the JSON shape on the wire. Timestamps travel as RFC 3339
// strings so both ends agree on representation; this is the only place the
// format coupling exists.
type wireEnvelope struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// New creates an envelope of the given type with the timestamp set to now.
func New(t Type, sessionID string, data map[string]any) *Envelope {
	return &Envelope{
		Type:      t,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Data:      data,
	}
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	if !validType(env.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return json.Marshal(wireEnvelope{
		Type:      string(env.Type),
		Timestamp: env.Timestamp.UTC().Format(time.RFC3339),
		SessionID: env.SessionID,
		Data:      env.Data,
	})
}

// Decode parses a wire frame into an envelope. Structural problems return
// ErrMalformed; a valid frame with an unrecognized type tag returns
// ErrUnknownType, which receivers treat as non-fatal to the connection.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == "" || w.SessionID == "" {
		return nil, fmt.Errorf("%w: missing type or session_id", ErrMalformed)
	}
	if !validType(Type(w.Type)) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}

	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q", ErrMalformed, w.Timestamp)
	}

	return &Envelope{
		Type:      Type(w.Type),
		Timestamp: ts,
		SessionID: w.SessionID,
		Data:      w.Data,
	}, nil
}

func validType(t Type) bool {
	switch t {
	case TypeChat, TypeSystem, TypeError, TypeTyping,
		TypeConnect, TypeDisconnect, TypeHeartbeat, TypeAgentResponse:
		return true
	}
	return false
}

// NewSystem builds a SYSTEM envelope carrying a human-readable message and
// severity level.
func NewSystem(sessionID, message, level string) *Envelope {
	data := map[string]any{"message": message}
	if level != "" {
		data["level"] = level
	}
	return New(TypeSystem, sessionID, data)
}

// NewError builds an ERROR envelope. errorCode may be empty.
func NewError(sessionID, errMsg, errorCode string) *Envelope {
	data := map[string]any{"error": errMsg}
	if errorCode != "" {
		data["error_code"] = errorCode
	}
	return New(TypeError, sessionID, data)
}

// NewTyping builds a TYPING envelope reflecting the server's view of the
// session's typing state.
func NewTyping(sessionID string, isTyping bool) *Envelope {
	return New(TypeTyping, sessionID, map[string]any{"is_typing": isTyping})
}

// NewHeartbeat builds a HEARTBEAT envelope carrying the liveness marker.
func NewHeartbeat(sessionID string) *Envelope {
	return New(TypeHeartbeat, sessionID, map[string]any{"status": "alive"})
}

// Turn is one entry of the conversation history attached to agent responses.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewAgentResponse builds an AGENT_RESPONSE envelope. History is truncated to
// the most recent historyLimit turns; responseTime is seconds of processing.
func NewAgentResponse(sessionID, response string, responseTime float64, history []Turn, historyLimit int) *Envelope {
	if historyLimit > 0 && len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	turns := make([]map[string]any, 0, len(history))
	for _, t := range history {
		turns = append(turns, map[string]any{"role": t.Role, "content": t.Content})
	}
	return New(TypeAgentResponse, sessionID, map[string]any{
		"response":             response,
		"response_time":        responseTime,
		"conversation_history": turns,
	})
}

// ChatMessage extracts the message text and optional config object from a
// CHAT envelope. Returns false when the payload carries no message string.
func ChatMessage(env *Envelope) (string, map[string]any, bool) {
	msg, ok := env.Data["message"].(string)
	if !ok || msg == "" {
		return "", nil, false
	}
	cfg, _ := env.Data["config"].(map[string]any)
	return msg, cfg, true
}

// TypingFlag extracts the is_typing flag from a TYPING envelope.
func TypingFlag(env *Envelope) bool {
	flag, _ := env.Data["is_typing"].(bool)
	return flag
}
