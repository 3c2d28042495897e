// Package agentvisor provides a high-level facade over the supervisor, the
// agent factory and its registry. Most applications interact with this
// package by:
//  1. Creating an Agentvisor via New() with the ConnectionRouter that reaches
//     their clients
//  2. Registering one or more agent types (echo, llm, custom constructors)
//  3. Building an ExecutionContext per request with NewContext and handing it
//     to SubmitRun
//
// Every run gets its own ExecutionContext, a fresh agent instance per attempt
// and its own event sequence. Events only ever go to the connection recorded
// in the run's context.
package agentvisor

import (
	"context"

	"github.com/hupe1980/agentvisor/core"
	"github.com/hupe1980/agentvisor/factory"
	"github.com/hupe1980/agentvisor/logging"
	"github.com/hupe1980/agentvisor/metrics"
	"github.com/hupe1980/agentvisor/supervisor"
)

// Options configures the Agentvisor instance.
type Options struct {
	// Limits are applied to runs submitted without explicit limits.
	Limits supervisor.Limits

	// SupervisorOptions are passed through to supervisor.New after the
	// logger, metrics and limits above.
	SupervisorOptions []func(o *supervisor.Options)

	// Prompts renders agent instructions. Defaults to a fresh PromptCache.
	Prompts core.PromptRenderer

	// Metrics receives run and instance counters. Defaults to Noop.
	Metrics metrics.Recorder

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Agentvisor is the high-level facade aggregating the registry, factory and
// supervisor.
type Agentvisor struct {
	opts       Options
	router     core.ConnectionRouter
	registry   *factory.Registry
	factory    *factory.Factory
	supervisor *supervisor.Supervisor
}

// New creates an Agentvisor delivering events through router.
func New(router core.ConnectionRouter, optFns ...func(o *Options)) *Agentvisor {
	opts := Options{
		Limits:  supervisor.DefaultLimits,
		Prompts: factory.NewPromptCache(),
		Metrics: metrics.Noop{},
		Logger:  logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	opts.Metrics = metrics.Safe(opts.Metrics, opts.Logger)

	registry := factory.NewRegistry()
	f := factory.New(registry,
		factory.WithLogger(opts.Logger),
		factory.WithMetrics(opts.Metrics),
		factory.WithPrompts(opts.Prompts),
	)

	supOpts := append([]func(o *supervisor.Options){
		supervisor.WithLogger(opts.Logger),
		supervisor.WithMetrics(opts.Metrics),
		supervisor.WithLimits(opts.Limits),
	}, opts.SupervisorOptions...)

	return &Agentvisor{
		opts:       opts,
		router:     router,
		registry:   registry,
		factory:    f,
		supervisor: supervisor.New(f, router, supOpts...),
	}
}

// Register adds an agent type. Registering a name twice is an error.
func (a *Agentvisor) Register(agentType string, c core.Constructor) error {
	return a.registry.Register(agentType, c)
}

// AgentTypes lists the registered agent types in sorted order.
func (a *Agentvisor) AgentTypes() []string { return a.registry.Types() }

// NewContext builds an ExecutionContext for a new run with a generated run
// id. When the router can validate connection ids it is used to check
// connectionID.
func (a *Agentvisor) NewContext(userID, threadID, connectionID string, md core.Metadata) (core.ExecutionContext, error) {
	v, _ := a.router.(core.ConnectionIDValidator)
	return core.NewExecutionContext(userID, threadID, core.NewRunID(), connectionID, md, v)
}

// SubmitRun executes agentType for ec with the default limits and blocks
// until the run is terminal.
func (a *Agentvisor) SubmitRun(ctx context.Context, ec core.ExecutionContext, agentType string) (*supervisor.RunOutcome, error) {
	return a.supervisor.SubmitRun(ctx, ec, agentType, a.opts.Limits)
}

// SubmitRunWithLimits is SubmitRun with per-run limits. Zero fields fall back
// to the defaults.
func (a *Agentvisor) SubmitRunWithLimits(ctx context.Context, ec core.ExecutionContext, agentType string, limits supervisor.Limits) (*supervisor.RunOutcome, error) {
	return a.supervisor.SubmitRun(ctx, ec, agentType, limits)
}

// Status returns a snapshot of an active run.
func (a *Agentvisor) Status(runID string) (supervisor.RunStatus, bool) {
	return a.supervisor.Status(runID)
}

// Cancel requests cooperative cancellation of an active run.
func (a *Agentvisor) Cancel(runID string) bool { return a.supervisor.Cancel(runID) }

// CancelForUser is Cancel limited to runs owned by userID.
func (a *Agentvisor) CancelForUser(runID, userID string) bool {
	return a.supervisor.CancelForUser(runID, userID)
}

// Active returns the number of runs in progress.
func (a *Agentvisor) Active() int { return a.supervisor.Active() }

// LiveInstances returns the number of agent instances not yet destroyed.
func (a *Agentvisor) LiveInstances() int { return a.factory.Live() }

// Shutdown cancels active runs and waits for them to finish or for ctx to
// expire.
func (a *Agentvisor) Shutdown(ctx context.Context) error { return a.supervisor.Shutdown(ctx) }
