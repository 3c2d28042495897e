// Package supervisor executes agent runs with per-run isolation, liveness
// supervision and bounded restart.
//
// # Lifecycle
//
// SubmitRun validates the ExecutionContext and agent type, takes the
// execution lock for the run id and then drives the run:
//
//  1. PENDING -> RUNNING: emit run_started.
//  2. Each attempt builds a fresh instance through the factory and hands it a
//     fresh attempt emitter. The agent runs in its own goroutine under the
//     attempt timeout, while the supervising loop polls the liveness watchdog.
//  3. A completed result moves the run to SUCCEEDED and emits run_completed.
//  4. A transient failure (error, stall, timeout, silent death) moves it to
//     RESTARTING. If attempts remain the stale instance is destroyed, its
//     emitter revoked, run_restarted emitted and the next attempt starts.
//  5. Fatal failures, cancellation and exhausted attempts end in FAILED with a
//     single run_failed event carrying the redacted error history.
//
// Stalled or timed-out attempts are cancelled cooperatively. An agent that
// ignores cancellation for longer than CancelGrace is reclaimed anyway: its
// instance is destroyed and its emitter revoked, so anything it emits later
// is dropped.
//
// # Observability
//
// Transitions are logged, counters go to a metrics.Recorder, every run and
// attempt gets an OpenTelemetry span, and CallbackManager hooks observe
// before_attempt, after_attempt, on_restart, on_stall and on_terminal.
package supervisor
