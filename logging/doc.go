// Package logging provides a minimal logging interface and adapters for agentvisor.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the factory, emitter and supervisor use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - RunLogger carrying user, run and attempt attributes
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	sup := supervisor.New(f, router, func(o *supervisor.Options) { o.Logger = logger })
//
// The design intentionally keeps the interface minimal to avoid vendor lock-in
// while supporting structured logging where available.
package logging
