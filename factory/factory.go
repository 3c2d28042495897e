package factory

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agentvisor/core"
	"github.com/hupe1980/agentvisor/logging"
	"github.com/hupe1980/agentvisor/metrics"
)

// Instance is one constructed agent bound to one ExecutionContext. It serves
// exactly one attempt and is never reused.
type Instance struct {
	id        string
	agentType string
	ec        core.ExecutionContext
	createdAt time.Time

	mu        sync.Mutex
	agent     core.Agent
	destroyed bool
}

// ID returns the unique instance id.
func (i *Instance) ID() string { return i.id }

// AgentType returns the registered type the instance was built from.
func (i *Instance) AgentType() string { return i.agentType }

// Context returns the execution context injected at construction.
func (i *Instance) Context() core.ExecutionContext { return i.ec }

// CreatedAt returns the construction time.
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

// Agent returns the wrapped agent, or nil once the instance is destroyed.
func (i *Instance) Agent() core.Agent {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.agent
}

// Destroyed reports whether Destroy has run.
func (i *Instance) Destroyed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.destroyed
}

// Options configures a Factory.
type Options struct {
	// Logger receives construction and destruction logs. Defaults to NoOpLogger.
	Logger logging.Logger

	// Metrics receives instances_created / instances_destroyed. Defaults to Noop.
	Metrics metrics.Recorder

	// Prompts is handed to constructors as the shared prompt renderer.
	// Defaults to a fresh PromptCache.
	Prompts core.PromptRenderer
}

// WithLogger sets the factory logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) func(o *Options) {
	return func(o *Options) { o.Metrics = r }
}

// WithPrompts sets the shared prompt renderer.
func WithPrompts(p core.PromptRenderer) func(o *Options) {
	return func(o *Options) { o.Prompts = p }
}

// Factory builds a fresh Instance for every attempt. It keeps no cache of
// instances; the only shared state handed to constructors is the read-only
// Dependencies value.
type Factory struct {
	registry *Registry
	deps     core.Dependencies
	logger   logging.Logger
	metrics  metrics.Recorder

	mu   sync.Mutex
	live map[string]string // instance id -> agent type
}

// New creates a Factory over registry.
func New(registry *Registry, optFns ...func(o *Options)) *Factory {
	opts := Options{
		Logger:  logging.NoOpLogger{},
		Metrics: metrics.Noop{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Prompts == nil {
		opts.Prompts = NewPromptCache()
	}

	return &Factory{
		registry: registry,
		deps: core.Dependencies{
			Logger:  opts.Logger,
			Prompts: opts.Prompts,
		},
		logger:  logging.With(opts.Logger, "component", "factory"),
		metrics: metrics.Safe(opts.Metrics, opts.Logger),
		live:    make(map[string]string),
	}
}

// Registry returns the underlying registry.
func (f *Factory) Registry() *Registry { return f.registry }

// Create constructs a new Instance of agentType bound to ec. Unknown types fail
// with ErrUnknownAgentType; constructor errors, panics and nil agents fail
// with ErrInstanceConstructionFailed wrapping the cause.
func (f *Factory) Create(ctx context.Context, agentType string, ec core.ExecutionContext) (*Instance, error) {
	if !ec.Valid() {
		return nil, fmt.Errorf("%w: context was not built by NewExecutionContext", core.ErrInvalidContext)
	}

	constructor, err := f.registry.Lookup(agentType)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInstanceConstructionFailed, err)
	}

	start := time.Now()

	agent, err := f.construct(constructor, ec)
	if err == nil && agent == nil {
		err = fmt.Errorf("constructor for %q returned a nil agent", agentType)
	}
	if err != nil {
		logging.Instance(f.logger, "create", agentType, "", time.Since(start), err)
		return nil, fmt.Errorf("%w: %w", core.ErrInstanceConstructionFailed, err)
	}

	inst := &Instance{
		id:        uuid.NewString(),
		agentType: agentType,
		ec:        ec,
		createdAt: start,
		agent:     agent,
	}

	f.mu.Lock()
	f.live[inst.id] = agentType
	f.mu.Unlock()

	elapsed := time.Since(start)
	f.metrics.InstanceCreated(agentType, elapsed)
	logging.Instance(f.logger, "create", agentType, inst.id, elapsed, nil)

	return inst, nil
}

func (f *Factory) construct(c core.Constructor, ec core.ExecutionContext) (agent core.Agent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &core.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return c(ec, f.deps)
}

// Destroy releases inst. It is idempotent and safe to call on nil.
func (f *Factory) Destroy(inst *Instance) {
	if inst == nil {
		return
	}

	inst.mu.Lock()
	if inst.destroyed {
		inst.mu.Unlock()
		return
	}
	agent := inst.agent
	inst.agent = nil
	inst.destroyed = true
	inst.mu.Unlock()

	if r, ok := agent.(core.Releaser); ok {
		f.release(inst, r)
	}

	f.mu.Lock()
	delete(f.live, inst.id)
	f.mu.Unlock()

	f.metrics.InstanceDestroyed(inst.agentType)
	logging.Instance(f.logger, "destroy", inst.agentType, inst.id, time.Since(inst.createdAt), nil)
}

func (f *Factory) release(inst *Instance, r core.Releaser) {
	defer func() {
		if rec := recover(); rec != nil {
			f.logger.Warn("agent release panicked", "instance_id", inst.id, "panic", rec)
		}
	}()
	r.Release()
}

// Live returns the number of instances created and not yet destroyed.
func (f *Factory) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}
