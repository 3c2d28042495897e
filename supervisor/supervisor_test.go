package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"weak"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentvisor/core"
	"github.com/hupe1980/agentvisor/factory"
	"github.com/hupe1980/agentvisor/internal/testutil"
	"github.com/hupe1980/agentvisor/router/memory"
)

type harness struct {
	router   *memory.Router
	registry *factory.Registry
	factory  *factory.Factory
	sup      *Supervisor
}

func newHarness(t *testing.T, optFns ...func(o *Options)) *harness {
	t.Helper()
	h := &harness{router: memory.New(), registry: factory.NewRegistry()}
	h.factory = factory.New(h.registry)
	opts := append([]func(o *Options){WithCancelGrace(50 * time.Millisecond)}, optFns...)
	h.sup = New(h.factory, h.router, opts...)
	return h
}

func (h *harness) script(t *testing.T, agentType string, behaviors ...testutil.Behavior) *testutil.Script {
	t.Helper()
	s := testutil.NewScript(behaviors...)
	require.NoError(t, h.registry.Register(agentType, s.Constructor()))
	return s
}

func (h *harness) context(t *testing.T, user string) (core.ExecutionContext, string) {
	t.Helper()
	conn := h.router.Open()
	ec := testutil.NewContextBuilder().
		User(user).
		Connection(conn).
		Meta("user_request", "hello from "+user).
		Validator(h.router).
		MustBuild(t)
	return ec, conn
}

func eventTypes(events []core.Event) []core.EventType {
	types := make([]core.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func countType(events []core.Event, typ core.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func failureKinds(history []core.Failure) []core.FailureKind {
	kinds := make([]core.FailureKind, len(history))
	for i, f := range history {
		kinds[i] = f.Kind
	}
	return kinds
}

var quick = Limits{MaxAttempts: 3, StallTimeout: time.Second, AttemptTimeout: 5 * time.Second}

func TestSubmitRun_Succeeds(t *testing.T) {
	h := newHarness(t)
	h.script(t, "echo", testutil.Succeed(map[string]any{"answer": 42}))
	ec, conn := h.context(t, "alice")

	out, err := h.sup.SubmitRun(context.Background(), ec, "echo", quick)
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, out.ErrorHistory)
	require.NotNil(t, out.Result)
	assert.Equal(t, 42, out.Result.Output["answer"])

	events := h.router.History(conn)
	assert.Equal(t, []core.EventType{core.EventRunStarted, core.EventPartialResult, core.EventRunCompleted}, eventTypes(events))
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.Equal(t, "alice", ev.UserID)
		assert.Equal(t, ec.RunID(), ev.RunID)
	}
	assert.Equal(t, "hello from alice", events[1].Payload["text"])

	assert.Equal(t, 0, h.sup.Active())
	assert.Equal(t, 0, h.factory.Live())
	_, ok := h.sup.Status(ec.RunID())
	assert.False(t, ok)
}

func TestSubmitRun_SynchronousRejections(t *testing.T) {
	h := newHarness(t)
	script := h.script(t, "echo")
	ec, conn := h.context(t, "alice")

	_, err := h.sup.SubmitRun(context.Background(), core.ExecutionContext{}, "echo", quick)
	assert.ErrorIs(t, err, core.ErrInvalidContext)

	_, err = h.sup.SubmitRun(context.Background(), ec, "nope", quick)
	assert.ErrorIs(t, err, core.ErrUnknownAgentType)

	assert.Empty(t, h.router.History(conn))
	assert.Equal(t, int64(0), script.Built())
	assert.Equal(t, 0, h.sup.Active())
}

func TestSubmitRun_DuplicateRunInProgress(t *testing.T) {
	h := newHarness(t)
	h.script(t, "slow", testutil.Hang())
	ec, conn := h.context(t, "alice")

	type result struct {
		out *RunOutcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := h.sup.SubmitRun(context.Background(), ec, "slow", Limits{MaxAttempts: 1, StallTimeout: time.Minute, AttemptTimeout: time.Minute})
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool {
		st, ok := h.sup.Status(ec.RunID())
		return ok && st.State == StateRunning && st.Attempt == 1
	}, time.Second, 5*time.Millisecond)

	_, err := h.sup.SubmitRun(context.Background(), ec, "slow", quick)
	assert.ErrorIs(t, err, core.ErrDuplicateRunInProgress)
	assert.Equal(t, 1, h.sup.Active())

	assert.False(t, h.sup.CancelForUser(ec.RunID(), "mallory"))
	st, ok := h.sup.Status(ec.RunID())
	require.True(t, ok)
	assert.Equal(t, StateRunning, st.State)

	assert.True(t, h.sup.CancelForUser(ec.RunID(), "alice"))
	assert.False(t, h.sup.Cancel("run_unknown"))

	res := <-done
	assert.ErrorIs(t, res.err, core.ErrRunCancelled)
	assert.Equal(t, StateFailed, res.out.State)
	assert.Equal(t, []core.FailureKind{core.KindCancelled}, failureKinds(res.out.ErrorHistory))

	events := h.router.History(conn)
	assert.Equal(t, 1, countType(events, core.EventRunStarted))
	assert.Equal(t, 1, countType(events, core.EventRunFailed))
	assert.Equal(t, "cancelled", events[len(events)-1].Payload["reason"])

	// The lock is released with the terminal state.
	h.script(t, "fast")
	out, err := h.sup.SubmitRun(context.Background(), ec, "fast", quick)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, out.State)
}

func TestSubmitRun_HangHangSucceed(t *testing.T) {
	var stalls, restarts atomic.Int32
	cm := NewCallbackManager()
	cm.RegisterCallback(NewFunctionCallback(CallbackOnStall, func(context.Context, *CallbackContext) error {
		stalls.Add(1)
		return nil
	}))
	cm.RegisterCallback(NewFunctionCallback(CallbackOnRestart, func(_ context.Context, cc *CallbackContext) error {
		restarts.Add(1)
		assert.Equal(t, StateRestarting, cc.State)
		require.NotNil(t, cc.Failure)
		assert.Equal(t, core.KindStall, cc.Failure.Kind)
		return nil
	}))

	h := newHarness(t, WithCallbacks(cm))
	script := h.script(t, "echo", testutil.Hang(), testutil.Hang(), testutil.Succeed(nil))
	ec, conn := h.context(t, "alice")

	out, err := h.sup.SubmitRun(context.Background(), ec, "echo",
		Limits{MaxAttempts: 3, StallTimeout: 40 * time.Millisecond, AttemptTimeout: 5 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []core.FailureKind{core.KindStall, core.KindStall}, failureKinds(out.ErrorHistory))
	for _, f := range out.ErrorHistory {
		assert.ErrorIs(t, f.Err, core.ErrStallDetected)
		assert.Equal(t, core.ClassTransient, f.Class)
	}

	assert.Equal(t, int32(2), stalls.Load())
	assert.Equal(t, int32(2), restarts.Load())

	events := h.router.History(conn)
	assert.Equal(t, 2, countType(events, core.EventRunRestarted))
	assert.Equal(t, 1, countType(events, core.EventRunCompleted))
	assert.Equal(t, 0, countType(events, core.EventRunFailed))
	last := events[len(events)-1]
	assert.Equal(t, core.EventRunCompleted, last.Type)
	assert.Equal(t, 3, last.Payload["attempts"])

	assert.Equal(t, 3, script.Attempts(ec.RunID()))
	assert.Equal(t, int64(3), script.Released())
	assert.Equal(t, 0, h.factory.Live())
}

func TestSubmitRun_BoundedRestart(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("max_attempts=%d", n), func(t *testing.T) {
			h := newHarness(t)
			script := h.script(t, "flaky", testutil.Fail(errors.New("upstream 503")))
			ec, conn := h.context(t, "alice")

			out, err := h.sup.SubmitRun(context.Background(), ec, "flaky",
				Limits{MaxAttempts: n, StallTimeout: time.Second, AttemptTimeout: time.Second})
			require.ErrorIs(t, err, core.ErrRunExhausted)

			assert.Equal(t, StateFailed, out.State)
			assert.Equal(t, n, out.Attempts)
			assert.Len(t, out.ErrorHistory, n)
			assert.Equal(t, int64(n), script.Built())

			events := h.router.History(conn)
			assert.Equal(t, n-1, countType(events, core.EventRunRestarted))
			require.Equal(t, 1, countType(events, core.EventRunFailed))

			last := events[len(events)-1]
			assert.Equal(t, core.EventRunFailed, last.Type)
			assert.Equal(t, "exhausted", last.Payload["reason"])
			assert.Len(t, last.Payload["errors"], n)
		})
	}
}

func TestSubmitRun_FatalShortCircuits(t *testing.T) {
	h := newHarness(t)
	script := h.script(t, "strict", testutil.Fail(core.Fatalf("api key rejected")))
	ec, conn := h.context(t, "alice")

	out, err := h.sup.SubmitRun(context.Background(), ec, "strict", Limits{MaxAttempts: 5})
	require.ErrorIs(t, err, core.ErrFatalExecution)
	assert.NotErrorIs(t, err, core.ErrRunExhausted)

	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int64(1), script.Built())

	events := h.router.History(conn)
	assert.Equal(t, []core.EventType{core.EventRunStarted, core.EventRunFailed}, eventTypes(events))
	assert.Equal(t, "fatal", events[1].Payload["reason"])
}

func TestSubmitRun_SilentDeathIsTransient(t *testing.T) {
	h := newHarness(t)
	h.script(t, "quiet", testutil.Silent(), testutil.Incomplete(), testutil.Succeed(nil))
	ec, _ := h.context(t, "alice")

	out, err := h.sup.SubmitRun(context.Background(), ec, "quiet", quick)
	require.NoError(t, err)

	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []core.FailureKind{core.KindSilentDeath, core.KindSilentDeath}, failureKinds(out.ErrorHistory))
	assert.ErrorIs(t, out.ErrorHistory[0].Err, core.ErrSilentDeath)
}

func TestSubmitRun_PanicIsFatalAndRedacted(t *testing.T) {
	h := newHarness(t)
	h.script(t, "buggy", testutil.Panic("leaked secret sk-123"))
	ec, conn := h.context(t, "alice")

	out, err := h.sup.SubmitRun(context.Background(), ec, "buggy", quick)
	require.ErrorIs(t, err, core.ErrAgentPanic)
	assert.ErrorIs(t, err, core.ErrFatalExecution)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, []core.FailureKind{core.KindPanic}, failureKinds(out.ErrorHistory))

	events := h.router.History(conn)
	last := events[len(events)-1]
	require.Equal(t, core.EventRunFailed, last.Type)

	raw, err := json.Marshal(last)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-123")
	assert.NotContains(t, string(raw), "goroutine")
	assert.Contains(t, string(raw), "agent panicked")
}

func TestSubmitRun_AttemptTimeout(t *testing.T) {
	h := newHarness(t)
	h.script(t, "slow", testutil.SlowWithHeartbeat(time.Second, 5*time.Millisecond), testutil.Succeed(nil))
	ec, _ := h.context(t, "alice")

	out, err := h.sup.SubmitRun(context.Background(), ec, "slow",
		Limits{MaxAttempts: 2, StallTimeout: time.Second, AttemptTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, []core.FailureKind{core.KindTimeout}, failureKinds(out.ErrorHistory))
	assert.ErrorIs(t, out.ErrorHistory[0].Err, core.ErrAttemptTimeout)
}

func TestSubmitRun_HeartbeatPreventsStall(t *testing.T) {
	h := newHarness(t)
	h.script(t, "thinker", testutil.SlowWithHeartbeat(150*time.Millisecond, 10*time.Millisecond))
	ec, conn := h.context(t, "alice")

	out, err := h.sup.SubmitRun(context.Background(), ec, "thinker",
		Limits{MaxAttempts: 1, StallTimeout: 50 * time.Millisecond, AttemptTimeout: time.Second})
	require.NoError(t, err)

	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, []core.EventType{core.EventRunStarted, core.EventRunCompleted}, eventTypes(h.router.History(conn)))
}

func TestSubmitRun_ForcedCancellationReclaimsInstance(t *testing.T) {
	h := newHarness(t, WithCancelGrace(20*time.Millisecond))
	release := make(chan struct{})
	script := h.script(t, "stubborn", testutil.HangIgnoringContext(release), testutil.Succeed(nil))
	ec, conn := h.context(t, "alice")

	out, err := h.sup.SubmitRun(context.Background(), ec, "stubborn",
		Limits{MaxAttempts: 2, StallTimeout: 30 * time.Millisecond, AttemptTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)

	// The first agent is still blocked, yet its instance is gone.
	assert.Equal(t, 0, h.factory.Live())
	assert.Equal(t, int64(2), script.Released())

	before := len(h.router.History(conn))
	close(release)
	time.Sleep(50 * time.Millisecond)

	events := h.router.History(conn)
	assert.Len(t, events, before)
	for _, ev := range events {
		assert.NotEqual(t, "late", ev.Payload["text"])
	}
}

func TestSubmitRun_ConstructionFailureRestarts(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	require.NoError(t, h.registry.Register("lazy", func(ec core.ExecutionContext, deps core.Dependencies) (core.Agent, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return core.AgentFunc(func(ctx context.Context, em core.Emitter) (*core.Result, error) {
			return &core.Result{Completed: true}, nil
		}), nil
	}))
	ec, _ := h.context(t, "alice")

	out, err := h.sup.SubmitRun(context.Background(), ec, "lazy", quick)
	require.NoError(t, err)

	assert.Equal(t, 2, out.Attempts)
	require.Len(t, out.ErrorHistory, 1)
	assert.Equal(t, core.KindConstruction, out.ErrorHistory[0].Kind)
	assert.ErrorIs(t, out.ErrorHistory[0].Err, core.ErrInstanceConstructionFailed)
}

func TestSubmitRun_DeliveryFailuresDoNotAffectRun(t *testing.T) {
	router := memory.New()
	flaky := testutil.NewFlakyRouter(router)
	flaky.FailType(core.EventPartialResult, -1)

	registry := factory.NewRegistry()
	script := testutil.NewScript(testutil.Chatty(3, 0))
	require.NoError(t, registry.Register("chatty", script.Constructor()))
	sup := New(factory.New(registry), flaky)

	conn := router.Open()
	ec := testutil.NewContextBuilder().Connection(conn).MustBuild(t)

	flaky.FailType(core.EventAgentThinking, 2)
	out, err := sup.SubmitRun(context.Background(), ec, "chatty", quick)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.Len(t, flaky.Refused(), 2)

	events := router.History(conn)
	assert.Equal(t, core.EventRunCompleted, events[len(events)-1].Type)
}

func TestSubmitRun_CallbackFailuresAreIgnored(t *testing.T) {
	cm := NewCallbackManager()
	cm.RegisterCallback(NewFunctionCallback(CallbackBeforeAttempt, func(context.Context, *CallbackContext) error {
		return errors.New("hook refused")
	}))
	cm.RegisterCallback(NewFunctionCallback(CallbackOnTerminal, func(context.Context, *CallbackContext) error {
		panic("hook exploded")
	}))
	cm.RegisterCallback(NewLoggingCallback(CallbackAfterAttempt, nil))

	h := newHarness(t, WithCallbacks(cm))
	h.script(t, "echo")
	ec, _ := h.context(t, "alice")

	out, err := h.sup.SubmitRun(context.Background(), ec, "echo", quick)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, out.State)
}

func TestSubmitRun_CallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.script(t, "slow", testutil.Hang())
	ec, _ := h.context(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	out, err := h.sup.SubmitRun(ctx, ec, "slow", Limits{MaxAttempts: 5, StallTimeout: time.Minute, AttemptTimeout: time.Minute})
	require.ErrorIs(t, err, core.ErrRunCancelled)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, StateFailed, out.State)
}

func TestStatus_ReportsAttemptAndHeartbeat(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	require.NoError(t, h.registry.Register("waiter", func(ec core.ExecutionContext, deps core.Dependencies) (core.Agent, error) {
		return core.AgentFunc(func(ctx context.Context, em core.Emitter) (*core.Result, error) {
			em.Heartbeat()
			<-release
			return &core.Result{Completed: true}, nil
		}), nil
	}))
	ec, _ := h.context(t, "alice")

	done := make(chan error, 1)
	go func() {
		_, err := h.sup.SubmitRun(context.Background(), ec, "waiter", quick)
		done <- err
	}()

	var st RunStatus
	require.Eventually(t, func() bool {
		var ok bool
		st, ok = h.sup.Status(ec.RunID())
		return ok && st.State == StateRunning
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, ec.RunID(), st.RunID)
	assert.Equal(t, "alice", st.UserID)
	assert.Equal(t, "waiter", st.AgentType)
	assert.Equal(t, 1, st.Attempt)
	assert.False(t, st.LastHeartbeatAt.IsZero())
	assert.False(t, st.StartedAt.IsZero())

	close(release)
	require.NoError(t, <-done)
}

func TestSubmitRun_IsolationFuzz(t *testing.T) {
	h := newHarness(t)
	h.script(t, "chatty", testutil.Chatty(10, 0))

	const runs = 120
	type owner struct {
		user  string
		runID string
	}
	owners := make(map[string]owner, runs)
	contexts := make([]core.ExecutionContext, runs)
	for i := 0; i < runs; i++ {
		user := fmt.Sprintf("user-%d", i%30)
		ec, conn := h.context(t, user)
		owners[conn] = owner{user: user, runID: ec.RunID()}
		contexts[i] = ec
	}

	var g errgroup.Group
	for _, ec := range contexts {
		g.Go(func() error {
			_, err := h.sup.SubmitRun(context.Background(), ec, "chatty", quick)
			return err
		})
	}
	require.NoError(t, g.Wait())

	for conn, own := range owners {
		events := h.router.History(conn)
		require.Len(t, events, 12, "connection %s", conn)
		for i, ev := range events {
			assert.Equal(t, own.user, ev.UserID)
			assert.Equal(t, own.runID, ev.RunID)
			assert.Equal(t, int64(i+1), ev.Sequence)
			if uid, ok := ev.Payload["user_id"]; ok {
				assert.Equal(t, own.user, uid)
			}
		}
	}
	assert.Equal(t, 0, h.factory.Live())
	assert.Equal(t, 0, h.sup.Active())
}

func TestSubmitRun_SameUserTwoRuns(t *testing.T) {
	h := newHarness(t)
	script := h.script(t, "chatty", testutil.Chatty(20, time.Millisecond))

	conn := h.router.Open()
	first := testutil.NewContextBuilder().User("alice").Thread("t-1").Connection(conn).MustBuild(t)
	second := testutil.NewContextBuilder().User("alice").Thread("t-2").Connection(conn).MustBuild(t)

	var g errgroup.Group
	for _, ec := range []core.ExecutionContext{first, second} {
		g.Go(func() error {
			out, err := h.sup.SubmitRun(context.Background(), ec, "chatty", quick)
			if err == nil && out.Attempts != 1 {
				return fmt.Errorf("run %s needed %d attempts", ec.RunID(), out.Attempts)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	perRun := map[string][]core.Event{}
	for _, ev := range h.router.History(conn) {
		perRun[ev.RunID] = append(perRun[ev.RunID], ev)
	}
	require.Len(t, perRun, 2)
	for _, runID := range []string{first.RunID(), second.RunID()} {
		events := perRun[runID]
		require.Len(t, events, 22)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Sequence)
		}
		assert.Equal(t, core.EventRunStarted, events[0].Type)
		assert.Equal(t, core.EventRunCompleted, events[len(events)-1].Type)
	}
	assert.Equal(t, int64(2), script.Built())
}

type ballastAgent struct {
	buf []byte
}

func (a *ballastAgent) Run(context.Context, core.Emitter) (*core.Result, error) {
	return nil, core.Transientf("upstream connection reset")
}

func TestSubmitRun_ResourceReclamation(t *testing.T) {
	if testing.Short() {
		t.Skip("reclamation soak")
	}

	h := newHarness(t)

	var (
		mu      sync.Mutex
		samples []weak.Pointer[ballastAgent]
		built   atomic.Int64
	)
	require.NoError(t, h.registry.Register("ballast", func(core.ExecutionContext, core.Dependencies) (core.Agent, error) {
		a := &ballastAgent{buf: make([]byte, 32<<10)}
		if built.Add(1)%10 == 0 {
			mu.Lock()
			samples = append(samples, weak.Make(a))
			mu.Unlock()
		}
		return a, nil
	}))

	const (
		runs        = 100
		maxAttempts = 11
	)
	var g errgroup.Group
	g.SetLimit(16)
	for i := 0; i < runs; i++ {
		ec, _ := h.context(t, fmt.Sprintf("user-%d", i))
		g.Go(func() error {
			out, err := h.sup.SubmitRun(context.Background(), ec, "ballast",
				Limits{MaxAttempts: maxAttempts, StallTimeout: time.Second, AttemptTimeout: time.Second})
			if !errors.Is(err, core.ErrRunExhausted) {
				return fmt.Errorf("unexpected result: %v", err)
			}
			if len(out.ErrorHistory) != maxAttempts {
				return fmt.Errorf("history length %d", len(out.ErrorHistory))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// 100 runs x 10 restarts each.
	assert.Equal(t, int64(runs*maxAttempts), built.Load())
	assert.Equal(t, 0, h.factory.Live())
	assert.Equal(t, 0, h.sup.Active())

	runtime.GC()
	runtime.GC()

	alive := 0
	for _, p := range samples {
		if p.Value() != nil {
			alive++
		}
	}
	assert.LessOrEqual(t, alive, len(samples)/20, "%d of %d sampled instances still reachable", alive, len(samples))
}

func TestSubmitRun_Spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	h := newHarness(t, WithTracerProvider(tp))
	h.script(t, "flaky", testutil.Fail(errors.New("timeout talking to model")), testutil.Succeed(nil))
	ec, _ := h.context(t, "alice")

	_, err := h.sup.SubmitRun(context.Background(), ec, "flaky", quick)
	require.NoError(t, err)

	names := map[string]int{}
	for _, s := range rec.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["agentvisor.run"])
	assert.Equal(t, 2, names["agentvisor.attempt"])
}

func TestShutdown_CancelsActiveRuns(t *testing.T) {
	h := newHarness(t)
	h.script(t, "slow", testutil.Hang())
	ec, _ := h.context(t, "alice")

	done := make(chan error, 1)
	go func() {
		_, err := h.sup.SubmitRun(context.Background(), ec, "slow", Limits{MaxAttempts: 1, StallTimeout: time.Minute, AttemptTimeout: time.Minute})
		done <- err
	}()
	require.Eventually(t, func() bool { return h.sup.Active() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.sup.Shutdown(ctx))

	assert.ErrorIs(t, <-done, core.ErrRunCancelled)
	assert.Equal(t, 0, h.sup.Active())

	later, conn := h.context(t, "bob")
	_, err := h.sup.SubmitRun(context.Background(), later, "slow", quick)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Empty(t, h.router.History(conn))
}

func TestShutdown_RacesWithSubmissions(t *testing.T) {
	h := newHarness(t)
	h.script(t, "echo")

	var g errgroup.Group
	for i := range 50 {
		ec, _ := h.context(t, fmt.Sprintf("user-%d", i))
		g.Go(func() error {
			_, err := h.sup.SubmitRun(context.Background(), ec, "echo", quick)
			if err != nil && !errors.Is(err, ErrShuttingDown) && !errors.Is(err, core.ErrRunCancelled) {
				return err
			}
			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Shutdown(ctx))
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, h.sup.Active())
}
