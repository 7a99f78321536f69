package connmanager

import (
	"fmt"

	"github.com/overmesh/overmesh/network/edge"
	"github.com/overmesh/overmesh/network/peerid"
)

// Connection is a logical association between the local peer and a remote
// peer, riding atop a single edge. Destroying the edge destroys the
// connection.
type Connection struct {
	manager  *ConnectionManager
	edge     edge.Edge
	localID  peerid.ID
	remoteID peerid.ID

	// disconnecting and reason are confined to the manager's event loop.
	disconnecting bool
	reason        string
	done          chan struct{}
}

func newConnection(manager *ConnectionManager, e edge.Edge, localID peerid.ID, remoteID peerid.ID) *Connection {
	return &Connection{
		manager:  manager,
		edge:     e,
		localID:  localID,
		remoteID: remoteID,
		done:     make(chan struct{}),
	}
}

// Edge returns the edge this connection rides on.
func (c *Connection) Edge() edge.Edge {
	return c.edge
}

// LocalID returns the peer ID of this side.
func (c *Connection) LocalID() peerid.ID {
	return c.localID
}

// RemoteID returns the self-declared peer ID of the remote side.
func (c *Connection) RemoteID() peerid.ID {
	return c.remoteID
}

// Send transmits data to the remote peer over the underlying edge.
//
// This is part of the messaging.Sender interface.
func (c *Connection) Send(data []byte) error {
	return c.edge.Send(data)
}

// Disconnect requests a local teardown of this connection: the remote side
// is notified and the underlying edge is closed. Teardown completion is
// observable through Done.
func (c *Connection) Disconnect() {
	c.manager.post(func() {
		c.manager.teardownConnection(c, "Local disconnect request")
	})
}

// Done is closed once the connection has been fully torn down and removed
// from its table.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// DisconnectReason returns the final teardown reason. Valid only after Done
// is closed.
func (c *Connection) DisconnectReason() string {
	return c.reason
}

// IsDisconnecting returns whether teardown has started. Must only be called
// from the manager's event loop.
func (c *Connection) IsDisconnecting() bool {
	return c.disconnecting
}

// takeOverSink points the edge's sink at this connection, so that data
// received from now on is attributed to the connection rather than the raw
// edge.
func (c *Connection) takeOverSink() {
	c.edge.SetSink(c.manager.rpc.ConnectionSink(c))
}

// finish marks the connection as fully torn down. Runs on the manager's
// event loop, after the connection was removed from its table.
func (c *Connection) finish(reason string) {
	c.disconnecting = true
	c.reason = reason
	close(c.done)
}

func (c *Connection) String() string {
	return fmt.Sprintf("<connection %s -> %s on %s>", c.localID, c.remoteID, c.edge)
}
