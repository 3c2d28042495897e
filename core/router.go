package core

// ConnectionRouter is the transport-layer registry the engine delivers events
// through. Implementations must preserve submission order per connection.
//
// Deliver returns an error wrapping ErrDeliveryFailed when the event could not
// be handed to the connection (closed socket, full buffer, unknown id).
type ConnectionRouter interface {
	ConnectionIDValidator
	Deliver(connectionID string, ev Event) error
	IsConnected(connectionID string) bool
}
