package connmanager

import (
	"github.com/overmesh/overmesh/network/address"
)

// Event is a lifecycle event emitted by the connection manager. Consumers
// receive events from ConnectionManager.Events and must drain the channel.
type Event interface {
	isEvent()
}

// NewConnectionEvent is emitted when a handshake completes and a connection
// becomes usable. LocallyInitiated reports whether this side dialed.
type NewConnectionEvent struct {
	Connection       *Connection
	LocallyInitiated bool
}

func (NewConnectionEvent) isEvent() {}

// ConnectionAttemptFailureEvent is emitted when an outbound attempt fails
// before producing a usable connection.
type ConnectionAttemptFailureEvent struct {
	Address address.Address
	Reason  string
}

func (ConnectionAttemptFailureEvent) isEvent() {}

// DisconnectedEvent is emitted exactly once, after Disconnect was called and
// the last edge has closed.
type DisconnectedEvent struct{}

func (DisconnectedEvent) isEvent() {}
