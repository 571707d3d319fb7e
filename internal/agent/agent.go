// ABOUTME: Boundary to the conversational agent collaborator consumed by the gateway.
// ABOUTME: Narrow interface: text in, reply plus ordered conversation log out.

package agent

import (
	"context"

	"github.com/parleyhq/parley/internal/protocol"
)

// Reply is what the collaborator returns for one chat turn: the response
// text and the session's ordered conversation log, most recent last.
type Reply struct {
	Text    string
	History []protocol.Turn
}

// Collaborator is the conversational engine the messaging layer forwards
// chat turns to. It owns all conversation state, keyed by session id, and is
// responsible for its own internal consistency: multiple transports may
// address the same session id concurrently.
//
// A call may block for an arbitrarily long time; callers must not hold locks
// or starve their own liveness signaling while waiting.
type Collaborator interface {
	Respond(ctx context.Context, sessionID, message string, config map[string]any) (*Reply, error)
}
