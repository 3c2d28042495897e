package emitter

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hupe1980/agentvisor/core"
	"github.com/hupe1980/agentvisor/logging"
	"github.com/hupe1980/agentvisor/metrics"
)

// Options configures an Emitter.
type Options struct {
	// Logger receives delivery failures. Defaults to NoOpLogger.
	Logger logging.Logger

	// Metrics receives delivery_failed. Defaults to Noop.
	Metrics metrics.Recorder

	// TerminalRetries is how many extra delivery attempts the terminal event
	// gets after the first one fails.
	TerminalRetries int

	// TerminalBackoff is the pause before the first terminal retry. Later
	// retries back off exponentially with jitter.
	TerminalBackoff time.Duration
}

// DefaultOptions returns the emitter defaults.
func DefaultOptions() Options {
	return Options{
		Logger:          logging.NoOpLogger{},
		Metrics:         metrics.Noop{},
		TerminalRetries: 3,
		TerminalBackoff: 25 * time.Millisecond,
	}
}

// WithLogger sets the emitter logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) func(o *Options) {
	return func(o *Options) { o.Metrics = r }
}

// WithTerminalRetry configures terminal event redelivery.
func WithTerminalRetry(retries int, backoff time.Duration) func(o *Options) {
	return func(o *Options) {
		o.TerminalRetries = retries
		o.TerminalBackoff = backoff
	}
}

// Emitter is the run-scoped event channel. It owns the sequence counter for
// the run, which stays monotonic across attempts, and hands one AttemptEmitter
// to each attempt. Only the latest attempt handle is live.
//
// One mutex covers sequencing and delivery so the order in which the router
// receives events equals sequence order.
type Emitter struct {
	ec      core.ExecutionContext
	router  core.ConnectionRouter
	logger  logging.Logger
	metrics metrics.Recorder
	opts    Options

	mu           sync.Mutex
	seq          int64
	closed       bool
	terminalSent bool
	current      *AttemptEmitter

	deliveryErrors atomic.Int64
}

// New creates an emitter bound to ec that delivers through router.
func New(ec core.ExecutionContext, router core.ConnectionRouter, optFns ...func(o *Options)) *Emitter {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.TerminalRetries < 0 {
		opts.TerminalRetries = 0
	}

	return &Emitter{
		ec:      ec,
		router:  router,
		logger:  logging.ForRun(opts.Logger, "emitter", ec.UserID(), ec.RunID()),
		metrics: metrics.Safe(opts.Metrics, opts.Logger),
		opts:    opts,
	}
}

// Context returns the owning execution context.
func (e *Emitter) Context() core.ExecutionContext { return e.ec }

// Attempt revokes the current attempt handle, if any, and returns a new one.
// Events emitted through a revoked handle are dropped with ErrEmitterClosed.
func (e *Emitter) Attempt(n int) *AttemptEmitter {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		e.current.revoked.Store(true)
	}

	a := &AttemptEmitter{parent: e, attempt: n}
	a.touch()
	if e.closed {
		a.revoked.Store(true)
	}
	e.current = a

	return a
}

// Revoke invalidates the current attempt handle without opening a new one.
func (e *Emitter) Revoke() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		e.current.revoked.Store(true)
	}
}

// EmitLifecycle sends a non-terminal supervisor event (run_started,
// run_restarted).
func (e *Emitter) EmitLifecycle(eventType core.EventType, payload map[string]any) error {
	if !eventType.IsLifecycle() || eventType.IsTerminal() {
		return fmt.Errorf("emitter: %q is not a non-terminal lifecycle event", eventType)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return core.ErrEmitterClosed
	}
	e.send(eventType, payload)

	return nil
}

// EmitTerminal sends run_completed or run_failed exactly once and closes the
// emitter. A failed delivery is retried with the same sequence number so that
// clients can deduplicate. The returned error reports a delivery that failed
// every retry; the emitter is closed either way.
func (e *Emitter) EmitTerminal(eventType core.EventType, payload map[string]any) error {
	if !eventType.IsTerminal() {
		return fmt.Errorf("emitter: %q is not a terminal event", eventType)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminalSent || e.closed {
		return core.ErrEmitterClosed
	}
	e.terminalSent = true
	defer e.closeLocked()

	ev := e.stamp(eventType, payload)

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, e.deliver(ev)
	},
		backoff.WithBackOff(e.terminalBackOff()),
		backoff.WithMaxTries(uint(e.opts.TerminalRetries)+1),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return nil
	}

	e.logger.Error("terminal event undeliverable",
		"event_type", string(eventType), "sequence", ev.Sequence, "retries", e.opts.TerminalRetries, "error", err.Error())

	return err
}

func (e *Emitter) terminalBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.TerminalBackoff
	b.Multiplier = 2
	b.MaxInterval = 20 * e.opts.TerminalBackoff
	return b
}

// Close makes the emitter inert. It is idempotent.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked()
}

func (e *Emitter) closeLocked() {
	e.closed = true
	if e.current != nil {
		e.current.revoked.Store(true)
		e.current = nil
	}
}

// Closed reports whether the emitter has been closed.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Sequence returns the last sequence number handed out.
func (e *Emitter) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// DeliveryErrors returns how many events the router refused.
func (e *Emitter) DeliveryErrors() int64 { return e.deliveryErrors.Load() }

func (e *Emitter) stamp(eventType core.EventType, payload map[string]any) core.Event {
	e.seq++
	p := maps.Clone(payload)
	if p == nil {
		p = map[string]any{}
	}
	return core.Event{
		Type:      eventType,
		RunID:     e.ec.RunID(),
		UserID:    e.ec.UserID(),
		Sequence:  e.seq,
		Timestamp: time.Now().UTC(),
		Payload:   p,
	}
}

// send stamps and delivers one event, absorbing delivery failures.
// Callers hold e.mu.
func (e *Emitter) send(eventType core.EventType, payload map[string]any) {
	_ = e.deliver(e.stamp(eventType, payload))
}

func (e *Emitter) deliver(ev core.Event) error {
	start := time.Now()

	err := e.safeDeliver(ev)
	if err == nil {
		return nil
	}
	if !errors.Is(err, core.ErrDeliveryFailed) {
		err = fmt.Errorf("%w: %w", core.ErrDeliveryFailed, err)
	}

	e.deliveryErrors.Add(1)
	e.metrics.DeliveryFailed(string(ev.Type))
	logging.Delivery(e.logger, string(ev.Type), ev.Sequence, time.Since(start), err)

	return err
}

func (e *Emitter) safeDeliver(ev core.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("router panicked: %v", r)
		}
	}()
	if e.router == nil {
		return fmt.Errorf("no router configured")
	}
	return e.router.Deliver(e.ec.ConnectionID(), ev)
}

// AttemptEmitter is the core.Emitter handed to one attempt's agent instance.
// Every Emit or Heartbeat refreshes the attempt's last-activity time, which
// the supervisor's watchdog reads.
type AttemptEmitter struct {
	parent       *Emitter
	attempt      int
	revoked      atomic.Bool
	lastActivity atomic.Int64
}

var _ core.Emitter = (*AttemptEmitter)(nil)

// Emit validates, stamps and delivers an agent event. Delivery failures are
// absorbed and reported as nil.
func (a *AttemptEmitter) Emit(eventType core.EventType, payload map[string]any) error {
	if eventType == "" {
		return fmt.Errorf("emitter: event type is required")
	}
	if eventType.IsLifecycle() {
		return fmt.Errorf("%w: %s", core.ErrReservedEventType, eventType)
	}
	if uid, ok := payload["user_id"]; ok && uid != a.parent.ec.UserID() {
		return core.ErrCrossUserPayload
	}

	e := a.parent
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || a.revoked.Load() {
		return core.ErrEmitterClosed
	}

	a.touch()
	e.send(eventType, payload)

	return nil
}

// Heartbeat refreshes liveness without sending anything.
func (a *AttemptEmitter) Heartbeat() {
	if a.revoked.Load() {
		return
	}
	a.touch()
}

// Attempt returns the attempt number the handle was issued for.
func (a *AttemptEmitter) Attempt() int { return a.attempt }

// Revoked reports whether the handle no longer delivers.
func (a *AttemptEmitter) Revoked() bool { return a.revoked.Load() }

// LastActivity returns the time of the last emit or heartbeat.
func (a *AttemptEmitter) LastActivity() time.Time {
	return time.Unix(0, a.lastActivity.Load())
}

// Idle returns how long the attempt has been silent.
func (a *AttemptEmitter) Idle() time.Duration {
	return time.Since(a.LastActivity())
}

func (a *AttemptEmitter) touch() {
	a.lastActivity.Store(time.Now().UnixNano())
}
