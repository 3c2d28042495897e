// Package emitter delivers a run's events to the connection that owns the run.
//
// An Emitter is created per run and bound to its ExecutionContext. It stamps
// user_id, run_id, a per-run sequence number and a timestamp onto every event
// and hands it to the core.ConnectionRouter under the connection id taken
// from the context. Agents never see the connection id.
//
// Each attempt receives its own AttemptEmitter. Opening the next attempt
// revokes the previous handle, so a destroyed instance that keeps running
// cannot push events into the stream of its successor. The handle also
// records the attempt's last activity, which the supervisor's watchdog reads
// to detect stalls.
//
// Delivery failures are counted and logged but never returned to agent code.
// The terminal event is sent exactly once with bounded redelivery under the
// same sequence number, after which the emitter is inert.
package emitter
