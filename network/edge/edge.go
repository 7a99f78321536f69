// Package edge defines the transport-facing surface of the overlay: edges
// (live bidirectional sessions), the listeners that produce them, and the
// factory that routes dial requests to listeners.
package edge

import (
	"github.com/overmesh/overmesh/network/address"
	"github.com/overmesh/overmesh/network/messaging"
)

// Edge is a single bidirectional session between this process and one remote
// endpoint. Implementations must make Close idempotent and fire the
// OnClosed handler exactly once during the edge's lifetime, after all data
// received before the close has been delivered to the sink.
type Edge interface {
	messaging.Sender

	// Outbound returns whether this side initiated the edge.
	Outbound() bool

	// IsClosed returns whether the edge has been closed.
	IsClosed() bool

	// RemoteAddress returns the address of the remote endpoint.
	RemoteAddress() address.Address

	// SetSink designates the consumer of data received on this edge.
	// Delivery must not begin before the sink is set.
	SetSink(sink messaging.Sink)

	// SetOnClosedHandler registers the handler invoked when the edge
	// closes. If the edge is already closed the handler is invoked
	// immediately.
	SetOnClosedHandler(onClosed func(reason string))

	// Close closes the edge with the given reason. Closing an
	// already-closed edge is a no-op.
	Close(reason string) error
}

// Listener produces edges: inbound ones from remote dials, outbound ones
// from CreateEdgeTo.
type Listener interface {
	// Handles returns whether this listener can dial the given address.
	Handles(addr address.Address) bool

	// CreateEdgeTo starts dialing addr. Completion is reported through
	// the OnNewEdge handler, failure through OnEdgeCreationFailure.
	CreateEdgeTo(addr address.Address)

	// SetOnNewEdgeHandler registers the handler invoked whenever an edge,
	// inbound or outbound, becomes usable.
	SetOnNewEdgeHandler(onNewEdge func(Edge))

	// SetOnEdgeCreationFailureHandler registers the handler invoked when
	// an outbound attempt fails before producing an edge.
	SetOnEdgeCreationFailureHandler(onFailure func(addr address.Address, reason string))

	// Stop transitions the listener to a non-accepting state and closes
	// its listening resources.
	Stop() error
}
