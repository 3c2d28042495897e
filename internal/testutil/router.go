package testutil

import (
	"fmt"
	"sync"

	"github.com/hupe1980/agentvisor/core"
)

// FlakyRouter wraps a ConnectionRouter and fails selected deliveries.
type FlakyRouter struct {
	core.ConnectionRouter

	mu        sync.Mutex
	failNext  int
	failTypes map[core.EventType]int
	refused   []core.Event
}

// NewFlakyRouter wraps next.
func NewFlakyRouter(next core.ConnectionRouter) *FlakyRouter {
	return &FlakyRouter{ConnectionRouter: next, failTypes: map[core.EventType]int{}}
}

// FailNext refuses the next n deliveries of any type.
func (r *FlakyRouter) FailNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
}

// FailType refuses the next n deliveries of eventType. A negative n refuses
// every one.
func (r *FlakyRouter) FailType(eventType core.EventType, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failTypes[eventType] = n
}

// Refused returns the events that were not delivered.
func (r *FlakyRouter) Refused() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Event(nil), r.refused...)
}

// Deliver implements core.ConnectionRouter.
func (r *FlakyRouter) Deliver(connectionID string, ev core.Event) error {
	if r.shouldFail(ev) {
		return fmt.Errorf("%w: injected failure for %s #%d", core.ErrDeliveryFailed, ev.Type, ev.Sequence)
	}
	return r.ConnectionRouter.Deliver(connectionID, ev)
}

func (r *FlakyRouter) shouldFail(ev core.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	fail := false
	if r.failNext > 0 {
		r.failNext--
		fail = true
	}
	if n, ok := r.failTypes[ev.Type]; ok && n != 0 {
		if n > 0 {
			r.failTypes[ev.Type] = n - 1
		}
		fail = true
	}
	if fail {
		r.refused = append(r.refused, ev)
	}

	return fail
}
