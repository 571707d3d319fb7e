// Package registry is the in-memory, concurrency-safe store mapping session
// ids to live connection state.
//
// # Invariants
//
//   - At most one connection per session id at any instant. Register closes
//     the previous transport before inserting the new one.
//   - Deregister is idempotent and removes the session from all three maps
//     (connections, metadata, typing) atomically.
//   - No lock is held across a blocking operation: Conn.WriteEnvelope is
//     required to be non-blocking, and broadcast snapshots the connection
//     map before fanning out.
//
// # Failure policy
//
// SendTo logs delivery failures but never deregisters; teardown belongs to
// the session's own handler. Broadcast, by contrast, deregisters exactly the
// sessions whose delivery failed, after the fan-out completes.
package registry
