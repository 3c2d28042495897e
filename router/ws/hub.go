package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hupe1980/agentvisor/core"
	"github.com/hupe1980/agentvisor/logging"
)

var (
	// ErrBufferFull is returned when a connection's send buffer is full. The
	// connection is evicted so the client never sees a gap in a run's stream.
	ErrBufferFull = errors.New("send buffer full")

	// ErrUnknownConnection is returned for ids that are not registered.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrUserMismatch is returned when an event's user differs from the user
	// bound to the target connection.
	ErrUserMismatch = errors.New("event user does not own connection")
)

// Connection represents a single WebSocket client.
type Connection struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	userID string
	closed bool

	writeMu sync.Mutex
}

// ID returns the connection id used as ExecutionContext connection id.
func (c *Connection) ID() string { return c.id }

// UserID returns the bound user or "" before hello.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// enqueue hands data to the write pump without blocking.
func (c *Connection) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrUnknownConnection
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// shutdown closes the send channel once; the write pump then sends a close
// frame and exits.
func (c *Connection) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WriteMessage writes a frame with the connection's write lock held.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// HubOptions configures a Hub.
type HubOptions struct {
	// SendBuffer is the per-connection outbound queue length. Defaults to 256.
	SendBuffer int

	// Logger receives connection lifecycle and eviction logs.
	Logger logging.Logger
}

// Hub tracks WebSocket connections and routes run events to them. It is the
// network core.ConnectionRouter.
type Hub struct {
	opts HubOptions

	mu          sync.RWMutex
	connections map[string]*Connection
	users       map[string]map[string]struct{}
}

var _ core.ConnectionRouter = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(optFns ...func(o *HubOptions)) *Hub {
	opts := HubOptions{
		SendBuffer: 256,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Hub{
		opts:        opts,
		connections: make(map[string]*Connection),
		users:       make(map[string]map[string]struct{}),
	}
}

// NewConnection wraps ws with a fresh uuid. It is not routable until
// Register.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		id:   uuid.NewString(),
		conn: ws,
		send: make(chan []byte, h.opts.SendBuffer),
	}
}

// Register makes conn routable.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.id] = conn
	h.mu.Unlock()
	h.opts.Logger.Debug("connection registered", "connection_id", conn.id)
}

// Unregister removes conn and closes its send queue. Safe to call more than
// once.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.connections[conn.id]; ok {
		delete(h.connections, conn.id)
		if uid := conn.UserID(); uid != "" {
			if ids := h.users[uid]; ids != nil {
				delete(ids, conn.id)
				if len(ids) == 0 {
					delete(h.users, uid)
				}
			}
		}
	}
	h.mu.Unlock()

	conn.shutdown()
	h.opts.Logger.Debug("connection unregistered", "connection_id", conn.id)
}

// BindUser binds conn to userID. A connection belongs to one user for its
// whole life; rebinding to another user fails.
func (h *Hub) BindUser(conn *Connection, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.userID != "" && conn.userID != userID {
		return fmt.Errorf("connection %s is bound to another user", conn.id)
	}
	conn.userID = userID

	if h.users[userID] == nil {
		h.users[userID] = make(map[string]struct{})
	}
	h.users[userID][conn.id] = struct{}{}
	return nil
}

// Deliver encodes ev and queues it on the target connection.
func (h *Hub) Deliver(connectionID string, ev core.Event) error {
	h.mu.RLock()
	conn, ok := h.connections[connectionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %w: %s", core.ErrDeliveryFailed, ErrUnknownConnection, connectionID)
	}

	if uid := conn.UserID(); uid != "" && uid != ev.UserID {
		return fmt.Errorf("%w: %w", core.ErrDeliveryFailed, ErrUserMismatch)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: encode event: %w", core.ErrDeliveryFailed, err)
	}

	if err := conn.enqueue(data); err != nil {
		if errors.Is(err, ErrBufferFull) {
			h.opts.Logger.Warn("connection buffer full, evicting",
				"connection_id", connectionID,
				"run_id", ev.RunID,
				"sequence", ev.Sequence,
			)
			h.Unregister(conn)
		}
		return fmt.Errorf("%w: %w", core.ErrDeliveryFailed, err)
	}
	return nil
}

// Send queues a control message on conn.
func (h *Hub) Send(conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.enqueue(data)
}

// IsConnected reports whether connectionID is registered.
func (h *Hub) IsConnected(connectionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[connectionID]
	return ok
}

// ValidConnectionID accepts only uuid-formatted ids, the only ids this hub
// hands out.
func (h *Hub) ValidConnectionID(connectionID string) bool {
	return uuid.Validate(connectionID) == nil
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// UserCount returns the number of users with at least one connection.
func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

func now() int64 { return time.Now().UnixMilli() }
