package supervisor

import (
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/agentvisor/core"
	"github.com/hupe1980/agentvisor/emitter"
)

// RunState is a node of the run state machine.
type RunState string

// Run states. SUCCEEDED and FAILED are terminal.
const (
	StatePending    RunState = "PENDING"
	StateRunning    RunState = "RUNNING"
	StateRestarting RunState = "RESTARTING"
	StateSucceeded  RunState = "SUCCEEDED"
	StateFailed     RunState = "FAILED"
)

// IsTerminal reports whether s ends the run.
func (s RunState) IsTerminal() bool { return s == StateSucceeded || s == StateFailed }

// Limits bound one run. Zero fields fall back to the supervisor defaults.
type Limits struct {
	// MaxAttempts is the total number of attempts, the first included.
	MaxAttempts int

	// StallTimeout is the longest an attempt may stay silent (no event and no
	// heartbeat) before the watchdog restarts it.
	StallTimeout time.Duration

	// AttemptTimeout is the hard wall-clock limit of one attempt.
	AttemptTimeout time.Duration
}

// DefaultLimits are used for fields left zero in SubmitRun.
var DefaultLimits = Limits{
	MaxAttempts:    3,
	StallTimeout:   30 * time.Second,
	AttemptTimeout: 5 * time.Minute,
}

func (l Limits) withDefaults(d Limits) Limits {
	if l.MaxAttempts <= 0 {
		l.MaxAttempts = d.MaxAttempts
	}
	if l.StallTimeout <= 0 {
		l.StallTimeout = d.StallTimeout
	}
	if l.AttemptTimeout <= 0 {
		l.AttemptTimeout = d.AttemptTimeout
	}
	return l
}

// RunRecord is the supervisor's bookkeeping for one active run. Its presence
// in the active map is the execution lock for the run id.
type RunRecord struct {
	RunID           string
	UserID          string
	AgentType       string
	Attempt         int
	State           RunState
	LastHeartbeatAt time.Time
	ErrorHistory    []core.Failure
	StartedAt       time.Time
	FinishedAt      time.Time
}

// RunStatus is a point-in-time copy of a RunRecord.
type RunStatus = RunRecord

// RunOutcome is what SubmitRun returns once the run is terminal.
type RunOutcome struct {
	RunID        string
	State        RunState
	Attempts     int
	ErrorHistory []core.Failure
	Result       *core.Result
}

// run is the mutable state behind a RunRecord, owned by the goroutine inside
// SubmitRun. Status readers go through mu.
type run struct {
	ec     core.ExecutionContext
	limits Limits
	cancel func(cause error)
	em     *emitter.Emitter

	mu      sync.Mutex
	record  RunRecord
	attempt *emitter.AttemptEmitter

	release sync.Once
}

func (r *run) setState(s RunState) (from RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	from = r.record.State
	r.record.State = s
	if s.IsTerminal() {
		r.record.FinishedAt = time.Now().UTC()
	}
	return from
}

func (r *run) beginAttempt(n int, ae *emitter.AttemptEmitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record.Attempt = n
	r.attempt = ae
	if ae != nil {
		r.record.LastHeartbeatAt = ae.LastActivity()
	}
}

func (r *run) addFailure(f core.Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record.ErrorHistory = append(r.record.ErrorHistory, f)
}

func (r *run) history() []core.Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.record.ErrorHistory)
}

func (r *run) snapshot() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.record
	s.ErrorHistory = slices.Clone(r.record.ErrorHistory)
	if r.attempt != nil {
		s.LastHeartbeatAt = r.attempt.LastActivity()
	}
	return s
}

func (r *run) outcome(result *core.Result) *RunOutcome {
	s := r.snapshot()
	return &RunOutcome{
		RunID:        s.RunID,
		State:        s.State,
		Attempts:     s.Attempt,
		ErrorHistory: s.ErrorHistory,
		Result:       result,
	}
}
