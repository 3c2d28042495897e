// Package factory builds agent instances per attempt.
//
// A Registry maps agent type names onto core.Constructor functions. The
// Factory looks up the constructor, injects the run's ExecutionContext and the
// shared read-only Dependencies, and returns a newly allocated Instance every
// time. Instances are never cached or pooled; Destroy releases them and drops
// the agent reference so that a stale attempt cannot hold per-user state.
//
// PromptCache is the only cache in the package. It holds parsed, immutable
// text/template values keyed by their source text and renders them with
// per-run data.
package factory
