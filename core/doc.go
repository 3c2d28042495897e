// Package core provides the foundational domain types and contracts used by
// agentvisor. It defines the core abstractions for:
//
//   - ExecutionContext (immutable per-request identity: user, thread, run, connection)
//   - Agents (pluggable units of work constructed per run)
//   - Events (the wire shape delivered to a single client connection)
//   - ConnectionRouter (the narrow transport contract events are delivered through)
//   - Errors and failure classification (transient vs fatal)
//
// The package intentionally keeps implementation concerns (instance creation,
// supervision, transport) out of scope, exposing small interfaces so that
// custom agents and routers can be plugged in.
package core
