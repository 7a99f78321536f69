// Package memory provides an in-process transport. Listeners register on a
// shared Network under a named endpoint; dialing an endpoint produces a
// cross-linked pair of edges, one outbound on the dialer and one inbound on
// the target.
package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/overmesh/overmesh/network/address"
	"github.com/overmesh/overmesh/network/edge"
	"github.com/overmesh/overmesh/network/messaging"
	"github.com/pkg/errors"
)

// Scheme is the address scheme handled by this transport.
const Scheme = "mem"

const incomingBufferSize = 128

// Addr builds a memory-transport address for the given endpoint name.
func Addr(endpoint string) address.Address {
	return address.New(Scheme, endpoint)
}

// Network is the registry that connects memory listeners to each other.
// Listeners on different Networks cannot reach one another.
type Network struct {
	mtx       sync.Mutex
	listeners map[string]*Listener
}

// NewNetwork creates an empty memory network.
func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Listener)}
}

// Listen registers a new listener on the network under the given endpoint
// name, replacing any existing listener on that endpoint.
func (n *Network) Listen(endpoint string) *Listener {
	listener := &Listener{network: n, endpoint: endpoint}
	n.mtx.Lock()
	n.listeners[endpoint] = listener
	n.mtx.Unlock()
	return listener
}

func (n *Network) remove(endpoint string) {
	n.mtx.Lock()
	delete(n.listeners, endpoint)
	n.mtx.Unlock()
}

func (n *Network) dial(from *Listener, addr address.Address) {
	n.mtx.Lock()
	target, ok := n.listeners[addr.Endpoint()]
	n.mtx.Unlock()

	if !ok || target.isStopped() {
		from.notifyEdgeCreationFailure(addr, "Connection refused")
		return
	}

	outboundEdge := newMemoryEdge(true, addr)
	inboundEdge := newMemoryEdge(false, Addr(from.endpoint))
	outboundEdge.peer = inboundEdge
	inboundEdge.peer = outboundEdge

	from.notifyNewEdge(outboundEdge)
	target.notifyNewEdge(inboundEdge)
}

// Listener is a memory-transport edge listener.
type Listener struct {
	network  *Network
	endpoint string
	stopped  uint32

	onNewEdge             func(edge.Edge)
	onEdgeCreationFailure func(address.Address, string)
}

// Handles returns whether this listener can dial the given address.
//
// This is part of the edge.Listener interface.
func (l *Listener) Handles(addr address.Address) bool {
	return addr.Scheme() == Scheme
}

// CreateEdgeTo dials the memory endpoint named by addr.
//
// This is part of the edge.Listener interface.
func (l *Listener) CreateEdgeTo(addr address.Address) {
	if l.isStopped() {
		l.notifyEdgeCreationFailure(addr, "Listener is stopped")
		return
	}
	l.network.dial(l, addr)
}

// SetOnNewEdgeHandler registers the handler invoked for every new edge.
//
// This is part of the edge.Listener interface.
func (l *Listener) SetOnNewEdgeHandler(onNewEdge func(edge.Edge)) {
	l.onNewEdge = onNewEdge
}

// SetOnEdgeCreationFailureHandler registers the handler invoked when an
// outbound dial fails.
//
// This is part of the edge.Listener interface.
func (l *Listener) SetOnEdgeCreationFailureHandler(onFailure func(address.Address, string)) {
	l.onEdgeCreationFailure = onFailure
}

// Stop deregisters the listener from its network. Edges it produced stay
// usable until closed.
//
// This is part of the edge.Listener interface.
func (l *Listener) Stop() error {
	if !atomic.CompareAndSwapUint32(&l.stopped, 0, 1) {
		return errors.Errorf("memory listener '%s' is already stopped", l.endpoint)
	}
	l.network.remove(l.endpoint)
	return nil
}

func (l *Listener) isStopped() bool {
	return atomic.LoadUint32(&l.stopped) != 0
}

func (l *Listener) notifyNewEdge(e edge.Edge) {
	if l.onNewEdge == nil {
		log.Warnf("Listener '%s' has no new-edge handler, dropping edge %s", l.endpoint, e)
		return
	}
	l.onNewEdge(e)
}

func (l *Listener) notifyEdgeCreationFailure(addr address.Address, reason string) {
	if l.onEdgeCreationFailure == nil {
		log.Warnf("Listener '%s' has no failure handler, dropping failure to %s: %s",
			l.endpoint, addr, reason)
		return
	}
	l.onEdgeCreationFailure(addr, reason)
}

type memoryEdge struct {
	outbound      bool
	remoteAddress address.Address
	peer          *memoryEdge
	incoming      chan []byte
	stopChan      chan struct{}

	closed    uint32
	closeOnce sync.Once

	mtx             sync.Mutex
	sink            messaging.Sink
	onClosed        func(string)
	closeReason     string
	deliveryStarted bool
	closeNotified   bool
}

func newMemoryEdge(outbound bool, remoteAddress address.Address) *memoryEdge {
	return &memoryEdge{
		outbound:      outbound,
		remoteAddress: remoteAddress,
		incoming:      make(chan []byte, incomingBufferSize),
		stopChan:      make(chan struct{}),
	}
}

// Send transmits data to the remote side of the edge.
//
// This is part of the messaging.Sender interface.
func (e *memoryEdge) Send(data []byte) error {
	if e.IsClosed() {
		return errors.Errorf("cannot send on closed edge %s", e)
	}
	select {
	case e.peer.incoming <- data:
		return nil
	case <-e.peer.stopChan:
		return errors.Errorf("cannot send on edge %s: the remote side is closed", e)
	}
}

// Outbound returns whether this side initiated the edge.
//
// This is part of the edge.Edge interface.
func (e *memoryEdge) Outbound() bool {
	return e.outbound
}

// IsClosed returns whether the edge has been closed.
//
// This is part of the edge.Edge interface.
func (e *memoryEdge) IsClosed() bool {
	return atomic.LoadUint32(&e.closed) != 0
}

// RemoteAddress returns the address of the remote endpoint.
//
// This is part of the edge.Edge interface.
func (e *memoryEdge) RemoteAddress() address.Address {
	return e.remoteAddress
}

// SetSink designates the consumer of received data and starts delivery.
//
// This is part of the edge.Edge interface.
func (e *memoryEdge) SetSink(sink messaging.Sink) {
	e.mtx.Lock()
	e.sink = sink
	alreadyStarted := e.deliveryStarted
	e.deliveryStarted = true
	e.mtx.Unlock()

	if !alreadyStarted {
		spawn(fmt.Sprintf("memoryEdge.deliverLoop %s", e), e.deliverLoop)
	}
}

// SetOnClosedHandler registers the close handler. Invoked immediately if the
// edge already closed.
//
// This is part of the edge.Edge interface.
func (e *memoryEdge) SetOnClosedHandler(onClosed func(reason string)) {
	e.mtx.Lock()
	e.onClosed = onClosed
	alreadyNotified := e.closeNotified
	reason := e.closeReason
	e.mtx.Unlock()

	if alreadyNotified && onClosed != nil {
		onClosed(reason)
	}
}

// Close closes both sides of the edge. Closing an already-closed edge is a
// no-op.
//
// This is part of the edge.Edge interface.
func (e *memoryEdge) Close(reason string) error {
	e.closeOnce.Do(func() {
		atomic.StoreUint32(&e.closed, 1)

		e.mtx.Lock()
		e.closeReason = reason
		deliveryStarted := e.deliveryStarted
		e.mtx.Unlock()

		close(e.stopChan)

		// A memory edge has no transport underneath it, so closing one
		// side is what makes the other side observe a failure.
		spawn(fmt.Sprintf("memoryEdge.Close-peer %s", e), func() {
			_ = e.peer.Close("Remote edge closed")
		})

		if !deliveryStarted {
			e.notifyClosed()
		}
	})
	return nil
}

func (e *memoryEdge) String() string {
	direction := "inbound"
	if e.outbound {
		direction = "outbound"
	}
	return fmt.Sprintf("<%s memory edge to %s>", direction, e.remoteAddress)
}

func (e *memoryEdge) deliverLoop() {
	for {
		select {
		case data := <-e.incoming:
			e.deliver(data)
		case <-e.stopChan:
			// Deliver everything that arrived before the close so
			// that the close handler observes it last.
			for {
				select {
				case data := <-e.incoming:
					e.deliver(data)
				default:
					e.notifyClosed()
					return
				}
			}
		}
	}
}

func (e *memoryEdge) deliver(data []byte) {
	e.mtx.Lock()
	sink := e.sink
	e.mtx.Unlock()
	sink.HandleData(data, e)
}

func (e *memoryEdge) notifyClosed() {
	e.mtx.Lock()
	if e.closeNotified {
		e.mtx.Unlock()
		return
	}
	e.closeNotified = true
	onClosed := e.onClosed
	reason := e.closeReason
	e.mtx.Unlock()

	if onClosed != nil {
		onClosed(reason)
	}
}
