package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentvisor/core"
)

func event(user, run string, seq int64) core.Event {
	return core.Event{
		Type:      core.EventPartialResult,
		RunID:     run,
		UserID:    user,
		Sequence:  seq,
		Timestamp: time.Now(),
		Payload:   map[string]any{"text": "x"},
	}
}

func TestHub_DeliverQueuesEncodedEvent(t *testing.T) {
	h := NewHub()
	conn := h.NewConnection(nil)
	h.Register(conn)
	require.NoError(t, h.BindUser(conn, "alice"))

	require.NoError(t, h.Deliver(conn.ID(), event("alice", "run-1", 1)))

	var got map[string]any
	require.NoError(t, json.Unmarshal(<-conn.send, &got))
	assert.Equal(t, "partial_result", got["type"])
	assert.Equal(t, "alice", got["user_id"])
	assert.EqualValues(t, 1, got["sequence"])
}

func TestHub_DeliverErrors(t *testing.T) {
	h := NewHub()

	err := h.Deliver(uuid.NewString(), event("alice", "run-1", 1))
	assert.ErrorIs(t, err, core.ErrDeliveryFailed)
	assert.ErrorIs(t, err, ErrUnknownConnection)

	conn := h.NewConnection(nil)
	h.Register(conn)
	require.NoError(t, h.BindUser(conn, "alice"))

	err = h.Deliver(conn.ID(), event("bob", "run-2", 1))
	assert.ErrorIs(t, err, core.ErrDeliveryFailed)
	assert.ErrorIs(t, err, ErrUserMismatch)
	assert.Empty(t, conn.send)
}

func TestHub_BufferFullEvicts(t *testing.T) {
	h := NewHub(func(o *HubOptions) { o.SendBuffer = 1 })
	conn := h.NewConnection(nil)
	h.Register(conn)

	require.NoError(t, h.Deliver(conn.ID(), event("alice", "run-1", 1)))
	err := h.Deliver(conn.ID(), event("alice", "run-1", 2))
	assert.ErrorIs(t, err, core.ErrDeliveryFailed)
	assert.ErrorIs(t, err, ErrBufferFull)

	assert.False(t, h.IsConnected(conn.ID()))
	assert.ErrorIs(t, h.Deliver(conn.ID(), event("alice", "run-1", 3)), ErrUnknownConnection)

	// The queued frame is still drained before the channel reports closed.
	_, ok := <-conn.send
	assert.True(t, ok)
	_, ok = <-conn.send
	assert.False(t, ok)
}

func TestHub_BindUser(t *testing.T) {
	h := NewHub()
	a := h.NewConnection(nil)
	b := h.NewConnection(nil)
	h.Register(a)
	h.Register(b)

	require.NoError(t, h.BindUser(a, "alice"))
	require.NoError(t, h.BindUser(a, "alice"))
	require.NoError(t, h.BindUser(b, "alice"))
	assert.Error(t, h.BindUser(a, "bob"))

	assert.Equal(t, 2, h.ConnectionCount())
	assert.Equal(t, 1, h.UserCount())

	h.Unregister(a)
	h.Unregister(a)
	assert.Equal(t, 1, h.UserCount())
	h.Unregister(b)
	assert.Equal(t, 0, h.UserCount())
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestHub_ValidConnectionID(t *testing.T) {
	h := NewHub()
	assert.True(t, h.ValidConnectionID(h.NewConnection(nil).ID()))
	assert.False(t, h.ValidConnectionID("conn-1"))
	assert.False(t, h.ValidConnectionID(""))
}
