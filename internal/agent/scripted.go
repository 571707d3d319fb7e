// ABOUTME: In-process scripted collaborator for development and tests.
// ABOUTME: Echoes or replays canned responses while tracking per-session history.

package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/parleyhq/parley/internal/protocol"
)

// Scripted is a Collaborator that answers from a fixed script, falling back
// to echoing the inbound message. It keeps an in-memory conversation log per
// session so AGENT_RESPONSE history payloads behave like the real engine's.
type Scripted struct {
	mu        sync.Mutex
	responses map[string]string
	histories map[string][]protocol.Turn
}

// NewScripted creates a scripted collaborator. responses maps exact inbound
// messages to replies; unmatched messages are echoed back.
func NewScripted(responses map[string]string) *Scripted {
	if responses == nil {
		responses = make(map[string]string)
	}
	return &Scripted{
		responses: responses,
		histories: make(map[string][]protocol.Turn),
	}
}

// Respond implements Collaborator.
func (s *Scripted) Respond(ctx context.Context, sessionID, message string, _ map[string]any) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	text, ok := s.responses[message]
	if !ok {
		text = fmt.Sprintf("echo: %s", message)
	}

	s.histories[sessionID] = append(s.histories[sessionID],
		protocol.Turn{Role: "user", Content: message},
		protocol.Turn{Role: "assistant", Content: text},
	)

	history := make([]protocol.Turn, len(s.histories[sessionID]))
	copy(history, s.histories[sessionID])

	return &Reply{Text: text, History: history}, nil
}

// History returns a copy of the session's conversation log.
func (s *Scripted) History(sessionID string) []protocol.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]protocol.Turn, len(s.histories[sessionID]))
	copy(history, s.histories[sessionID])
	return history
}
