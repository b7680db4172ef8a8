// Package manager starts and stops tool servers just in time.
//
// Servers stay cold until something needs them. Each configured server has
// one handle moving through Disconnected, Connecting, Connected,
// Disconnecting and back, with Failed reserved for transport loss.
// Concurrent connect requests for a server coalesce into a single launch,
// disconnects are idempotent, and an optional cap evicts the
// least-recently-used server to make room for new connections.
package manager
