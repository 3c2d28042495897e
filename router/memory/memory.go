// Package memory provides an in-process core.ConnectionRouter that stores
// delivered events per connection. It backs tests and embedded use where no
// network transport is involved.
package memory

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hupe1980/agentvisor/core"
)

// ErrUnknownConnection is returned for deliveries to a connection that was
// never opened or has been closed.
var ErrUnknownConnection = errors.New("unknown connection")

type connection struct {
	events []core.Event
	notify chan core.Event
}

// Router keeps every delivered event in memory, per connection, in delivery
// order.
type Router struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

var _ core.ConnectionRouter = (*Router)(nil)

// New creates an empty router.
func New() *Router {
	return &Router{conns: make(map[string]*connection)}
}

// Open registers a new connection and returns its id.
func (r *Router) Open() string {
	id := uuid.NewString()
	r.Connect(id)
	return id
}

// Connect registers id. Connecting an id twice keeps the existing history.
func (r *Router) Connect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		r.conns[id] = &connection{}
	}
}

// Subscribe returns a channel receiving every event subsequently delivered to
// id. Events are dropped when the channel buffer is full; History always has
// the complete record.
func (r *Router) Subscribe(id string, buffer int) (<-chan core.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	if c.notify == nil {
		c.notify = make(chan core.Event, buffer)
	}
	return c.notify, nil
}

// Disconnect removes id; later deliveries fail.
func (r *Router) Disconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		if c.notify != nil {
			close(c.notify)
		}
		delete(r.conns, id)
	}
}

// ValidConnectionID accepts any non-blank id.
func (r *Router) ValidConnectionID(id string) bool {
	return strings.TrimSpace(id) != ""
}

// IsConnected reports whether id is open.
func (r *Router) IsConnected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

// Deliver appends ev to id's history.
func (r *Router) Deliver(id string, ev core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %w: %s", core.ErrDeliveryFailed, ErrUnknownConnection, id)
	}

	ev = ev.Clone()
	c.events = append(c.events, ev)
	if c.notify != nil {
		select {
		case c.notify <- ev:
		default:
		}
	}

	return nil
}

// History returns a copy of the events delivered to id.
func (r *Router) History(id string) []core.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil
	}
	return slices.Clone(c.events)
}

// Connections returns the open connection ids in sorted order.
func (r *Router) Connections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
