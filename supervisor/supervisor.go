package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentvisor/core"
	"github.com/hupe1980/agentvisor/emitter"
	"github.com/hupe1980/agentvisor/factory"
	"github.com/hupe1980/agentvisor/logging"
	"github.com/hupe1980/agentvisor/metrics"
)

// ErrShuttingDown rejects runs submitted after Shutdown started.
var ErrShuttingDown = errors.New("supervisor is shutting down")

// ScopeName is the instrumentation scope of supervisor spans.
const ScopeName = "github.com/hupe1980/agentvisor/supervisor"

// Options configures a Supervisor using the functional options pattern.
//
// Example:
//
//	sup := New(f, router,
//	    WithLimits(Limits{MaxAttempts: 5}),
//	    WithLogger(logger),
//	    WithMetrics(recorder),
//	)
type Options struct {
	// Limits are the defaults for fields a SubmitRun call leaves zero.
	Limits Limits

	// WatchdogInterval is how often the liveness watchdog checks an attempt.
	// Zero derives it from the run's StallTimeout (a quarter of it).
	WatchdogInterval time.Duration

	// CancelGrace is how long a cancelled attempt may take to return before
	// its instance is reclaimed anyway.
	CancelGrace time.Duration

	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger

	// Metrics receives run counters. Defaults to Noop.
	Metrics metrics.Recorder

	// Callbacks observe lifecycle points. Optional.
	Callbacks *CallbackManager

	// TracerProvider creates run and attempt spans. Defaults to the global
	// provider.
	TracerProvider trace.TracerProvider

	// EmitterOptions are applied to every run's emitter after the logger and
	// metrics above.
	EmitterOptions []func(o *emitter.Options)
}

// WithLimits sets the default run limits.
func WithLimits(l Limits) func(o *Options) {
	return func(o *Options) { o.Limits = l }
}

// WithWatchdogInterval sets a fixed watchdog interval.
func WithWatchdogInterval(d time.Duration) func(o *Options) {
	return func(o *Options) { o.WatchdogInterval = d }
}

// WithCancelGrace sets the grace period for cancelled attempts.
func WithCancelGrace(d time.Duration) func(o *Options) {
	return func(o *Options) { o.CancelGrace = d }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) func(o *Options) {
	return func(o *Options) { o.Metrics = r }
}

// WithCallbacks sets the lifecycle callbacks.
func WithCallbacks(cm *CallbackManager) func(o *Options) {
	return func(o *Options) { o.Callbacks = cm }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) func(o *Options) {
	return func(o *Options) { o.TracerProvider = tp }
}

// WithEmitterOptions appends emitter options.
func WithEmitterOptions(optFns ...func(o *emitter.Options)) func(o *Options) {
	return func(o *Options) { o.EmitterOptions = append(o.EmitterOptions, optFns...) }
}

// Supervisor drives runs through the state machine
//
//	PENDING -> RUNNING -> SUCCEEDED | RESTARTING | FAILED
//	RESTARTING -> RUNNING | FAILED
//
// Every attempt gets a new instance from the factory and a new attempt
// emitter; both are destroyed when the attempt ends, whatever the reason.
// At most one run per run id is active at any time.
type Supervisor struct {
	factory *factory.Factory
	router  core.ConnectionRouter
	opts    Options
	logger  logging.Logger
	metrics metrics.Recorder
	tracer  trace.Tracer

	mu     sync.Mutex
	active map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// New creates a Supervisor that builds instances with f and delivers events
// through router.
func New(f *factory.Factory, router core.ConnectionRouter, optFns ...func(o *Options)) *Supervisor {
	opts := Options{
		Limits:      DefaultLimits,
		CancelGrace: 2 * time.Second,
		Logger:      logging.NoOpLogger{},
		Metrics:     metrics.Noop{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	opts.Limits = opts.Limits.withDefaults(DefaultLimits)

	return &Supervisor{
		factory: f,
		router:  router,
		opts:    opts,
		logger:  opts.Logger,
		metrics: metrics.Safe(opts.Metrics, opts.Logger),
		tracer:  opts.TracerProvider.Tracer(ScopeName),
		active:  make(map[string]*run),
	}
}

// SubmitRun executes agentType for ec and blocks until the run is terminal.
//
// Invalid contexts, unknown agent types and run ids already in progress fail
// synchronously, before any lock, instance or event exists. Otherwise the run
// emits run_started, restarts on transient failures while attempts remain,
// and ends with exactly one run_completed or run_failed.
//
// The returned outcome is non-nil for every run that started. The error is
// nil on SUCCEEDED; on FAILED it wraps ErrRunExhausted, ErrFatalExecution or
// ErrRunCancelled together with the last failure.
func (s *Supervisor) SubmitRun(ctx context.Context, ec core.ExecutionContext, agentType string, limits Limits) (*RunOutcome, error) {
	if !ec.Valid() {
		return nil, fmt.Errorf("%w: context was not built by NewExecutionContext", core.ErrInvalidContext)
	}
	if _, err := s.factory.Registry().Lookup(agentType); err != nil {
		return nil, err
	}
	limits = limits.withDefaults(s.opts.Limits)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r, err := s.acquire(ec, agentType, limits, cancel)
	if err != nil {
		return nil, err
	}
	defer s.release(r)

	ctx, span := s.tracer.Start(ctx, "agentvisor.run", trace.WithAttributes(
		attribute.String("agentvisor.run_id", ec.RunID()),
		attribute.String("agentvisor.agent_type", agentType),
		attribute.Int("agentvisor.max_attempts", limits.MaxAttempts),
	))
	defer span.End()

	log := logging.ForRun(s.logger, "supervisor", ec.UserID(), ec.RunID())

	s.transition(log, r, StateRunning, nil)
	_ = r.em.EmitLifecycle(core.EventRunStarted, map[string]any{
		"attempt":    1,
		"agent_type": agentType,
		"thread_id":  ec.ThreadID(),
	})

	for attempt := 1; ; attempt++ {
		res, failure := s.runAttempt(ctx, log, r, attempt)
		if failure == nil {
			return s.succeed(ctx, log, span, r, res), nil
		}
		r.addFailure(*failure)

		switch {
		case failure.Kind == core.KindCancelled:
			return s.fail(ctx, log, span, r, "cancelled", failure)
		case failure.Class == core.ClassFatal:
			return s.fail(ctx, log, span, r, "fatal", failure)
		}

		s.transition(log, r, StateRestarting, failure.Err)
		if attempt >= limits.MaxAttempts {
			return s.fail(ctx, log, span, r, "exhausted", failure)
		}

		s.metrics.RunRestarted(agentType)
		s.fire(ctx, CallbackOnRestart, r, failure)
		s.transition(log, r, StateRunning, nil)
		_ = r.em.EmitLifecycle(core.EventRunRestarted, map[string]any{
			"attempt":          attempt + 1,
			"previous_attempt": attempt,
			"reason":           failure.Redacted(),
		})
	}
}

// Status returns a snapshot of an active run.
func (s *Supervisor) Status(runID string) (RunStatus, bool) {
	s.mu.Lock()
	r, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return RunStatus{}, false
	}
	return r.snapshot(), true
}

// Cancel requests cancellation of an active run. The run ends FAILED with
// ErrRunCancelled. It reports whether the run was found.
func (s *Supervisor) Cancel(runID string) bool {
	s.mu.Lock()
	r, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel(core.ErrRunCancelled)
	return true
}

// CancelForUser is Cancel restricted to runs owned by userID. A run owned by
// another user is reported as not found and left untouched.
func (s *Supervisor) CancelForUser(runID, userID string) bool {
	s.mu.Lock()
	r, ok := s.active[runID]
	s.mu.Unlock()
	if !ok || r.ec.UserID() != userID {
		return false
	}
	r.cancel(core.ErrRunCancelled)
	return true
}

// Active returns the number of runs holding an execution lock.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown rejects new runs with ErrShuttingDown, cancels every active run
// and waits for them to finish or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, r := range s.active {
		r.cancel(core.ErrRunCancelled)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) acquire(ec core.ExecutionContext, agentType string, limits Limits, cancel context.CancelCauseFunc) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrShuttingDown
	}
	if _, busy := s.active[ec.RunID()]; busy {
		return nil, fmt.Errorf("%w: %s", core.ErrDuplicateRunInProgress, ec.RunID())
	}

	emitterOpts := append([]func(o *emitter.Options){
		emitter.WithLogger(s.logger),
		emitter.WithMetrics(s.metrics),
	}, s.opts.EmitterOptions...)

	r := &run{
		ec:     ec,
		limits: limits,
		cancel: cancel,
		em:     emitter.New(ec, s.router, emitterOpts...),
		record: RunRecord{
			RunID:     ec.RunID(),
			UserID:    ec.UserID(),
			AgentType: agentType,
			State:     StatePending,
			StartedAt: time.Now().UTC(),
		},
	}
	s.active[ec.RunID()] = r
	s.wg.Add(1)

	return r, nil
}

func (s *Supervisor) release(r *run) {
	r.release.Do(func() {
		r.em.Close()

		s.mu.Lock()
		if s.active[r.ec.RunID()] == r {
			delete(s.active, r.ec.RunID())
		}
		s.mu.Unlock()

		s.wg.Done()
	})
}

func (s *Supervisor) succeed(ctx context.Context, log logging.Logger, span trace.Span, r *run, res *core.Result) *RunOutcome {
	s.transition(log, r, StateSucceeded, nil)

	attempts := r.snapshot().Attempt
	_ = r.em.EmitTerminal(core.EventRunCompleted, map[string]any{
		"attempts": attempts,
		"output":   res.Output,
	})

	s.metrics.RunSucceeded(r.record.AgentType, attempts)
	s.fire(ctx, CallbackOnTerminal, r, nil)

	span.SetAttributes(attribute.Int("agentvisor.attempts", attempts))
	span.SetStatus(codes.Ok, "")

	return r.outcome(res)
}

func (s *Supervisor) fail(ctx context.Context, log logging.Logger, span trace.Span, r *run, reason string, last *core.Failure) (*RunOutcome, error) {
	s.transition(log, r, StateFailed, last.Err)

	history := r.history()
	attempts := r.snapshot().Attempt
	_ = r.em.EmitTerminal(core.EventRunFailed, map[string]any{
		"attempts": attempts,
		"reason":   reason,
		"errors":   core.RedactHistory(history),
	})

	s.metrics.RunFailed(r.record.AgentType)
	s.fire(ctx, CallbackOnTerminal, r, last)

	span.SetAttributes(attribute.Int("agentvisor.attempts", attempts))
	span.SetStatus(codes.Error, reason)

	var err error
	switch reason {
	case "exhausted":
		err = fmt.Errorf("%w after %d attempts: %w", core.ErrRunExhausted, attempts, last.Err)
	case "fatal":
		err = last.Err
		if !errors.Is(err, core.ErrFatalExecution) {
			err = fmt.Errorf("%w: %w", core.ErrFatalExecution, err)
		}
	default:
		err = last.Err
	}

	return r.outcome(nil), err
}

func (s *Supervisor) runAttempt(ctx context.Context, log logging.Logger, r *run, n int) (*core.Result, *core.Failure) {
	ctx, span := s.tracer.Start(ctx, "agentvisor.attempt", trace.WithAttributes(
		attribute.String("agentvisor.run_id", r.ec.RunID()),
		attribute.Int("agentvisor.attempt", n),
	))
	defer span.End()

	r.beginAttempt(n, nil)
	s.fire(ctx, CallbackBeforeAttempt, r, nil)

	res, failure := s.attempt(ctx, log, r, n)

	s.fire(ctx, CallbackAfterAttempt, r, failure)
	if failure != nil {
		span.RecordError(failure.Err)
		span.SetStatus(codes.Error, string(failure.Kind))
	}

	return res, failure
}

func (s *Supervisor) attempt(ctx context.Context, log logging.Logger, r *run, n int) (*core.Result, *core.Failure) {
	if ctx.Err() != nil {
		f := cancelled(ctx, n)
		return nil, &f
	}

	inst, err := s.factory.Create(ctx, r.record.AgentType, r.ec)
	if err != nil {
		if ctx.Err() != nil {
			f := cancelled(ctx, n)
			return nil, &f
		}
		f := core.NewFailure(n, core.KindConstruction, err)
		return nil, &f
	}

	ae := r.em.Attempt(n)
	r.beginAttempt(n, ae)

	defer func() {
		r.em.Revoke()
		s.factory.Destroy(inst)
	}()

	return s.supervise(ctx, log, r, inst, ae, n)
}

type attemptResult struct {
	res *core.Result
	err error
}

// supervise runs one instance under the watchdog, the attempt timeout and the
// caller's context.
func (s *Supervisor) supervise(
	ctx context.Context,
	log logging.Logger,
	r *run,
	inst *factory.Instance,
	ae *emitter.AttemptEmitter,
	n int,
) (*core.Result, *core.Failure) {
	attemptCtx, cancel := context.WithTimeoutCause(ctx, r.limits.AttemptTimeout, core.ErrAttemptTimeout)
	defer cancel()

	agent := inst.Agent()
	done := make(chan attemptResult, 1)

	go func() {
		var out attemptResult
		defer func() {
			if rec := recover(); rec != nil {
				out = attemptResult{err: &core.PanicError{Value: rec, Stack: debug.Stack()}}
			}
			done <- out
		}()
		out.res, out.err = agent.Run(attemptCtx, ae)
	}()

	ticker := time.NewTicker(s.watchdogInterval(r.limits))
	defer ticker.Stop()

	for {
		select {
		case out := <-done:
			return s.judge(ctx, attemptCtx, log, r, n, out)

		case <-ticker.C:
			idle := ae.Idle()
			if idle <= r.limits.StallTimeout {
				continue
			}
			f := core.NewFailure(n, core.KindStall,
				fmt.Errorf("%w: attempt %d silent for %s", core.ErrStallDetected, n, idle.Round(time.Millisecond)))
			s.metrics.StallDetected(r.record.AgentType)
			log.Warn("stall detected", "attempt", n, "idle", idle, "stall_timeout", r.limits.StallTimeout)
			s.fire(ctx, CallbackOnStall, r, &f)
			s.abandon(log, cancel, done, n)
			return nil, &f

		case <-attemptCtx.Done():
			f := interrupted(ctx, r.limits, n)
			s.abandon(log, cancel, done, n)
			return nil, &f
		}
	}
}

// judge turns an agent's return values into a result or a failure.
func (s *Supervisor) judge(ctx, attemptCtx context.Context, log logging.Logger, r *run, n int, out attemptResult) (*core.Result, *core.Failure) {
	var pe *core.PanicError
	if errors.As(out.err, &pe) {
		log.Error("agent panicked", "attempt", n, "panic", fmt.Sprint(pe.Value), "stack", string(pe.Stack))
		f := core.NewFailure(n, core.KindPanic, out.err)
		return nil, &f
	}

	if out.err == nil && out.res != nil && out.res.Completed {
		return out.res, nil
	}

	if attemptCtx.Err() != nil {
		f := interrupted(ctx, r.limits, n)
		return nil, &f
	}

	if out.err != nil {
		f := core.NewFailure(n, core.KindError, out.err)
		log.Info("attempt failed", "attempt", n, "class", f.Class.String(), "error", out.err.Error())
		return nil, &f
	}

	f := core.NewFailure(n, core.KindSilentDeath, core.ErrSilentDeath)
	return nil, &f
}

// abandon cancels the attempt and waits up to CancelGrace for the agent to
// return. The caller reclaims the instance either way.
func (s *Supervisor) abandon(log logging.Logger, cancel context.CancelFunc, done <-chan attemptResult, n int) {
	cancel()

	if s.opts.CancelGrace <= 0 {
		return
	}

	timer := time.NewTimer(s.opts.CancelGrace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		log.Warn("agent ignored cancellation, reclaiming instance", "attempt", n, "grace", s.opts.CancelGrace)
	}
}

func (s *Supervisor) watchdogInterval(l Limits) time.Duration {
	d := s.opts.WatchdogInterval
	if d <= 0 {
		d = l.StallTimeout / 4
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (s *Supervisor) transition(log logging.Logger, r *run, to RunState, reason error) {
	from := r.setState(to)
	logging.Transition(log, string(from), string(to), reason)
}

func (s *Supervisor) fire(ctx context.Context, typ CallbackType, r *run, f *core.Failure) {
	if s.opts.Callbacks == nil {
		return
	}

	snap := r.snapshot()
	cc := &CallbackContext{
		RunID:        snap.RunID,
		UserID:       snap.UserID,
		AgentType:    snap.AgentType,
		Attempt:      snap.Attempt,
		State:        snap.State,
		Failure:      f,
		CallbackType: typ,
	}

	if err := s.opts.Callbacks.ExecuteCallbacks(context.WithoutCancel(ctx), typ, cc); err != nil {
		s.logger.Warn("supervisor callback failed", "callback", string(typ), "run_id", snap.RunID, "error", err.Error())
	}
}

func cancelled(ctx context.Context, n int) core.Failure {
	cause := context.Cause(ctx)
	if !errors.Is(cause, core.ErrRunCancelled) {
		cause = fmt.Errorf("%w: %w", core.ErrRunCancelled, cause)
	}
	return core.NewFailure(n, core.KindCancelled, cause)
}

// interrupted classifies an attempt whose context ended: the run's own
// context means cancellation, otherwise the attempt hit its time limit.
func interrupted(ctx context.Context, l Limits, n int) core.Failure {
	if ctx.Err() != nil {
		return cancelled(ctx, n)
	}
	return core.NewFailure(n, core.KindTimeout,
		fmt.Errorf("%w: attempt %d exceeded %s", core.ErrAttemptTimeout, n, l.AttemptTimeout))
}
