// ABOUTME: Property-based tests for registry invariants under arbitrary operation sequences.
// ABOUTME: Validates at-most-one-connection-per-session and parallel-map consistency.

package registry

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/parleyhq/parley/internal/protocol"
)

func TestRegistryInvariantsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	// op codes: 0=register, 1=deregister, 2=setTyping, 3=broadcast
	genOps := gen.SliceOf(gen.IntRange(0, 3))
	genIDs := gen.SliceOf(gen.IntRange(0, 4))

	properties.Property("at most one connection per session id, maps consistent", prop.ForAll(
		func(ops []int, ids []int) bool {
			r := New(nil)
			defer r.Close()

			for i, op := range ops {
				if len(ids) == 0 {
					break
				}
				id := fmt.Sprintf("s%d", ids[i%len(ids)])
				switch op {
				case 0:
					r.Register(id, &fakeConn{}, Metadata{})
				case 1:
					r.Deregister(id)
				case 2:
					r.SetTyping(id, i%2 == 0)
				case 3:
					r.Broadcast(protocol.NewSystem(protocol.SystemSessionID, "tick", "info"))
				}

				stats := r.Stats()
				if stats.Connections != len(stats.Sessions) {
					return false
				}
				// Typing state never outlives its session.
				for typingID := range stats.Typing {
					if _, ok := stats.Sessions[typingID]; !ok {
						return false
					}
				}
			}
			return true
		},
		genOps,
		genIDs,
	))

	properties.Property("register then deregister always leaves the session absent", prop.ForAll(
		func(n int) bool {
			r := New(nil)
			defer r.Close()

			id := fmt.Sprintf("s%d", n)
			for i := 0; i < 3; i++ {
				r.Register(id, &fakeConn{}, Metadata{})
			}
			r.Deregister(id)
			return !r.Has(id) && r.Stats().Connections == 0
		},
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
