package core

import (
	"fmt"
	"sync"
)

// CallLimiter enforces a maximum number of model calls within one attempt.
type CallLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewCallLimiter creates a new limiter with a max number of calls.
// If max == 0, unlimited calls are allowed.
func NewCallLimiter(max int) *CallLimiter {
	return &CallLimiter{max: max}
}

// Increment increases the call counter and returns a fatal error if the limit
// is exceeded; retrying the attempt would hit the same limit.
func (l *CallLimiter) Increment() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	if l.max > 0 && l.count > l.max {
		return Fatalf("exceeded max model calls: %d", l.max)
	}

	return nil
}

// Count returns the current number of calls made.
func (l *CallLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

// Remaining returns how many calls are left before hitting the limit.
func (l *CallLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max == 0 {
		return -1 // unlimited
	}

	return l.max - l.count
}

// String renders the limiter state for logs.
func (l *CallLimiter) String() string {
	return fmt.Sprintf("calls=%d/%d", l.Count(), l.max)
}
