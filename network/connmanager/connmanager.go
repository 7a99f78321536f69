// Package connmanager turns raw, possibly-redundant edges into a
// deduplicated set of logical connections to remote peers, via a two-sided
// handshake over RPC.
package connmanager

import (
	"sync/atomic"

	"github.com/overmesh/overmesh/network/address"
	"github.com/overmesh/overmesh/network/edge"
	"github.com/overmesh/overmesh/network/peerid"
	"github.com/overmesh/overmesh/network/rpc"
	"github.com/pkg/errors"
)

// RPC method names of the connection handshake.
const (
	InquireMethod    = "CM::Inquire"
	ConnectMethod    = "CM::Connect"
	CloseMethod      = "CM::Close"
	DisconnectMethod = "CM::Disconnect"
)

// PeerIDKey is the payload key that carries a raw peer ID.
const PeerIDKey = "peer_id"

// Veto and failure reasons surfaced through ConnectionAttemptFailureEvent,
// plus reasonShuttingDown, the edge close reason used by global shutdown.
const (
	reasonSelfConnect  = "Attempting to connect to ourself"
	reasonDuplicate    = "Duplicate connection"
	reasonNoListener   = "No EdgeListener to handle request"
	reasonShuttingDown = "Disconnecting"
)

const (
	tasksBufferSize  = 256
	eventsBufferSize = 128
)

// ConnectionManager mediates between edge listeners below and the RPC layer
// above. All of its state is owned by a single event-loop goroutine; every
// external stimulus is posted to that loop, which is what makes the
// handshake state machine race-free.
type ConnectionManager struct {
	localID peerid.ID
	rpc     *rpc.Handler
	factory *edge.Factory

	outbound *ConnectionTable
	inbound  *ConnectionTable

	tasks    chan func()
	stopChan chan struct{}
	events   chan Event

	closed uint32 // set by Disconnect, read by the public entry points

	// shutdownComplete is confined to the event loop.
	shutdownComplete bool
}

// New creates a connection manager for the given local peer ID and registers
// its handshake methods on the RPC handler.
func New(localID peerid.ID, rpcHandler *rpc.Handler) (*ConnectionManager, error) {
	c := &ConnectionManager{
		localID:  localID,
		rpc:      rpcHandler,
		factory:  edge.NewFactory(),
		outbound: NewConnectionTable(),
		inbound:  NewConnectionTable(),
		tasks:    make(chan func(), tasksBufferSize),
		stopChan: make(chan struct{}),
		events:   make(chan Event, eventsBufferSize),
	}

	methods := map[string]rpc.RequestHandler{
		InquireMethod:    c.onInquire,
		ConnectMethod:    c.onConnect,
		CloseMethod:      c.onClose,
		DisconnectMethod: c.onDisconnect,
	}
	registered := make([]string, 0, len(methods))
	for method, handler := range methods {
		err := rpcHandler.Register(method, handler)
		if err != nil {
			for _, registeredMethod := range registered {
				_ = rpcHandler.Unregister(registeredMethod)
			}
			return nil, errors.Wrapf(err, "error registering '%s'", method)
		}
		registered = append(registered, method)
	}

	spawn("ConnectionManager.eventLoop", c.eventLoop)
	return c, nil
}

// LocalID returns the local peer ID.
func (c *ConnectionManager) LocalID() peerid.ID {
	return c.localID
}

// Events returns the channel on which lifecycle events are delivered. The
// channel is closed after the DisconnectedEvent.
func (c *ConnectionManager) Events() <-chan Event {
	return c.events
}

// AddEdgeListener registers a listener with the manager's edge factory and
// wires its signals into the event loop. Refused after Disconnect.
func (c *ConnectionManager) AddEdgeListener(listener edge.Listener) {
	if c.isClosed() {
		log.Warnf("Attempting to add an edge listener after calling Disconnect")
		return
	}
	// The handlers only post to the event loop, so they are wired here
	// rather than on the loop: a listener that starts producing edges
	// right away must never observe a nil handler.
	listener.SetOnNewEdgeHandler(func(e edge.Edge) {
		c.post(func() { c.handleNewEdge(e) })
	})
	listener.SetOnEdgeCreationFailureHandler(func(addr address.Address, reason string) {
		c.post(func() { c.handleEdgeCreationFailure(addr, reason) })
	})
	c.post(func() { c.handleAddEdgeListener(listener) })
}

// ConnectTo asks the edge factory to dial the given address. The outcome is
// reported asynchronously through events. Refused after Disconnect.
func (c *ConnectionManager) ConnectTo(addr address.Address) {
	if c.isClosed() {
		log.Warnf("Attempting to connect to a remote node after calling Disconnect")
		return
	}
	c.post(func() { c.handleConnectTo(addr) })
}

// Disconnect starts a global shutdown: every connection is torn down, every
// edge is closed, and once the last edge has closed a single
// DisconnectedEvent is emitted. Calling Disconnect a second time is ignored
// with a warning.
func (c *ConnectionManager) Disconnect() {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		log.Warnf("Called Disconnect twice on the connection manager")
		return
	}
	c.post(c.handleShutdown)
}

func (c *ConnectionManager) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

// post hands a task to the event loop. Tasks posted after the loop has
// stopped are dropped.
func (c *ConnectionManager) post(task func()) {
	select {
	case c.tasks <- task:
	case <-c.stopChan:
	}
}

func (c *ConnectionManager) eventLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}
		select {
		case task := <-c.tasks:
			task()
		case <-c.stopChan:
			return
		}
	}
}

func (c *ConnectionManager) emit(event Event) {
	if c.shutdownComplete {
		return
	}
	c.events <- event
}

func (c *ConnectionManager) handleAddEdgeListener(listener edge.Listener) {
	if c.isClosed() {
		return
	}
	c.factory.AddEdgeListener(listener)
}

func (c *ConnectionManager) handleConnectTo(addr address.Address) {
	if c.isClosed() {
		return
	}
	if !c.factory.CreateEdgeTo(addr) {
		c.emit(ConnectionAttemptFailureEvent{Address: addr, Reason: reasonNoListener})
	}
}

func (c *ConnectionManager) handleNewEdge(e edge.Edge) {
	if c.isClosed() {
		log.Debugf("Closing new edge %s: the manager is disconnecting", e)
		_ = e.Close(reasonShuttingDown)
		return
	}

	e.SetOnClosedHandler(func(reason string) {
		c.post(func() { c.handleEdgeClose(e, reason) })
	})
	e.SetSink(c.rpc.EdgeSink(e))

	if !e.Outbound() {
		c.inbound.AddEdge(e)
		return
	}

	c.outbound.AddEdge(e)
	payload := map[string][]byte{
		rpc.MethodKey: []byte(InquireMethod),
		PeerIDKey:     c.localID.Bytes(),
	}
	err := c.rpc.SendRequest(payload, e, func(response *rpc.Response) {
		c.post(func() { c.handleInquired(response) })
	})
	if err != nil {
		// The edge will close through its transport; teardown follows
		// from its close signal.
		log.Debugf("Error sending an inquire request on %s: %s", e, err)
	}
}

func (c *ConnectionManager) handleEdgeCreationFailure(addr address.Address, reason string) {
	c.emit(ConnectionAttemptFailureEvent{Address: addr, Reason: reason})
}

// onInquire answers the remote side's handshake question with the local peer
// ID.
func (c *ConnectionManager) onInquire(request *rpc.Request) {
	c.post(func() {
		err := request.Respond(map[string][]byte{PeerIDKey: c.localID.Bytes()})
		if err != nil {
			log.Debugf("Error responding to an inquire request from %s: %s",
				request.Origin.Sender, err)
		}
	})
}

// handleInquired processes the response to our own inquire request on an
// outbound edge and either promotes the edge to a connection or vetoes it.
func (c *ConnectionManager) handleInquired(response *rpc.Response) {
	if c.isClosed() {
		// No new connections once Disconnect was called; the edge is
		// already on its way to being closed.
		return
	}
	if response.Origin.Kind != rpc.OriginEdge {
		log.Warnf("Received an inquire response from a non-edge sender: %s",
			response.Origin.Sender)
		return
	}
	e := response.Origin.Sender.(edge.Edge)
	if !e.Outbound() {
		log.Warnf("Received an inquire response on an inbound edge: %s", e)
		return
	}

	remoteIDBytes := response.Payload[PeerIDKey]
	if len(remoteIDBytes) == 0 {
		log.Warnf("Received an inquire response with no peer ID on %s", e)
		return
	}
	remoteID, err := peerid.FromBytes(remoteIDBytes)
	if err != nil {
		log.Warnf("Received an inquire response with a malformed peer ID on %s: %s", e, err)
		return
	}

	if remoteID == c.localID {
		log.Debugf("Vetoing edge %s: %s", e, reasonSelfConnect)
		c.vetoEdge(e, reasonSelfConnect)
		return
	}
	if c.outbound.GetConnection(remoteID) != nil {
		log.Warnf("Already have a connection to %s, closing edge %s", remoteID, e)
		c.vetoEdge(e, reasonDuplicate)
		return
	}
	if !c.outbound.HasEdge(e) {
		log.Criticalf("An edge attempted to create a connection, but there is no record of it: %s", e)
		return
	}

	payload := map[string][]byte{
		rpc.MethodKey: []byte(ConnectMethod),
		PeerIDKey:     c.localID.Bytes(),
	}
	err = c.rpc.SendNotification(payload, e)
	if err != nil {
		log.Debugf("Error sending a connect notification on %s: %s", e, err)
	}

	log.Debugf("%s: creating new connection to %s", c.localID, remoteID)
	conn := newConnection(c, e, c.localID, remoteID)
	c.outbound.AddConnection(conn)
	conn.takeOverSink()
	c.emit(NewConnectionEvent{Connection: conn, LocallyInitiated: true})
}

// vetoEdge closes an edge we no longer want, telling the remote side first
// so it can drop its half cleanly.
func (c *ConnectionManager) vetoEdge(e edge.Edge, reason string) {
	payload := map[string][]byte{rpc.MethodKey: []byte(CloseMethod)}
	err := c.rpc.SendNotification(payload, e)
	if err != nil {
		log.Debugf("Error sending a close notification on %s: %s", e, err)
	}
	_ = e.Close(reason)
	c.emit(ConnectionAttemptFailureEvent{Address: e.RemoteAddress(), Reason: reason})
}

// onConnect materializes the inbound half of a handshake committed by the
// remote side.
func (c *ConnectionManager) onConnect(request *rpc.Request) {
	c.post(func() { c.handleConnect(request) })
}

func (c *ConnectionManager) handleConnect(request *rpc.Request) {
	if c.isClosed() {
		return
	}
	if request.Origin.Kind != rpc.OriginEdge {
		log.Warnf("Received a connect notification from a non-edge sender: %s",
			request.Origin.Sender)
		return
	}
	e := request.Origin.Sender.(edge.Edge)

	remoteIDBytes := request.Payload[PeerIDKey]
	if len(remoteIDBytes) == 0 {
		log.Warnf("Received a connect notification with no peer ID on %s", e)
		return
	}
	remoteID, err := peerid.FromBytes(remoteIDBytes)
	if err != nil {
		log.Warnf("Received a connect notification with a malformed peer ID on %s: %s", e, err)
		return
	}
	if remoteID == c.localID {
		// The local peer ID must never become a table key.
		log.Warnf("Received a connect notification declaring our own peer ID on %s", e)
		_ = e.Close(reasonSelfConnect)
		return
	}

	// A peer reconnecting through a fresh edge replaces its previous
	// inbound connection.
	oldConnection := c.inbound.GetConnection(remoteID)
	if oldConnection != nil {
		log.Debugf("Replacing inbound connection to %s, tearing down %s", remoteID, oldConnection)
		c.teardownConnection(oldConnection, "Local disconnect request")
	}

	if !c.inbound.HasEdge(e) {
		log.Criticalf("An edge attempted to create a connection, but there is no record of it: %s", e)
		return
	}

	log.Debugf("%s: handling new connection from %s", c.localID, remoteID)
	conn := newConnection(c, e, c.localID, remoteID)
	c.inbound.AddConnection(conn)
	conn.takeOverSink()
	c.emit(NewConnectionEvent{Connection: conn, LocallyInitiated: false})
}

// onClose handles the remote side's request to drop an edge it vetoed.
func (c *ConnectionManager) onClose(request *rpc.Request) {
	c.post(func() {
		if request.Origin.Kind != rpc.OriginEdge {
			log.Warnf("Received an edge close notification from a non-edge sender: %s",
				request.Origin.Sender)
			return
		}
		e := request.Origin.Sender.(edge.Edge)
		_ = e.Close("Closed from remote peer")
	})
}

// onDisconnect handles the remote side announcing that it is dismantling a
// live connection.
func (c *ConnectionManager) onDisconnect(request *rpc.Request) {
	c.post(func() {
		if request.Origin.Kind != rpc.OriginConnection {
			log.Warnf("Received a disconnect notification from a non-connection sender: %s",
				request.Origin.Sender)
			return
		}
		conn := request.Origin.Sender.(*Connection)
		log.Debugf("Received disconnect for: %s", conn)
		c.tableFor(conn).Disconnect(conn)
		_ = conn.Edge().Close("Remote disconnect")
	})
}

// teardownConnection runs the local half of a connection teardown: mark the
// connection as disconnecting, notify the remote side, and close the edge
// with the given reason. Removal from the table happens when the edge's
// close signal arrives.
func (c *ConnectionManager) teardownConnection(conn *Connection, edgeCloseReason string) {
	if conn.disconnecting {
		return
	}
	c.tableFor(conn).Disconnect(conn)

	payload := map[string][]byte{rpc.MethodKey: []byte(DisconnectMethod)}
	err := c.rpc.SendNotification(payload, conn)
	if err != nil {
		log.Debugf("Error sending a disconnect notification on %s: %s", conn, err)
	}

	log.Debugf("Handling disconnect on: %s", conn)
	_ = conn.Edge().Close(edgeCloseReason)
}

func (c *ConnectionManager) tableFor(conn *Connection) *ConnectionTable {
	if c.outbound.Contains(conn) {
		return c.outbound
	}
	return c.inbound
}

// handleEdgeClose is where all teardown funnels: the edge is removed from
// its table, the connection riding it (if any) is removed and finished, and
// during global shutdown the final edge removal completes the shutdown.
func (c *ConnectionManager) handleEdgeClose(e edge.Edge, reason string) {
	log.Debugf("Edge closed: %s, reason: %s", e, reason)
	c.rpc.CancelRequests(e)

	table := c.outbound
	if !e.Outbound() {
		table = c.inbound
	}

	conn := table.ConnectionByEdge(e)
	if !table.RemoveEdge(e) {
		log.Warnf("Edge closed but no edge found in the table: %s", e)
	}
	if conn != nil {
		log.Debugf("Edge closed, removing connection %s, reason: %s", conn, reason)
		table.RemoveConnection(conn)
		conn.finish(reason)
	}

	if !c.isClosed() {
		return
	}
	if c.outbound.EdgeCount() == 0 && c.inbound.EdgeCount() == 0 {
		c.finishShutdown()
	}
}

// handleShutdown runs on the event loop when Disconnect is called.
func (c *ConnectionManager) handleShutdown() {
	emitDisconnected := c.outbound.EdgeCount() == 0 && c.inbound.EdgeCount() == 0

	for _, conn := range c.outbound.GetConnections() {
		c.teardownConnection(conn, reasonShuttingDown)
	}
	for _, conn := range c.inbound.GetConnections() {
		c.teardownConnection(conn, reasonShuttingDown)
	}

	for _, e := range c.outbound.GetEdges() {
		if !e.IsClosed() {
			_ = e.Close(reasonShuttingDown)
		}
	}
	for _, e := range c.inbound.GetEdges() {
		if !e.IsClosed() {
			_ = e.Close(reasonShuttingDown)
		}
	}

	err := c.factory.Stop()
	if err != nil {
		log.Errorf("Error stopping the edge factory: %+v", err)
	}

	if emitDisconnected {
		c.finishShutdown()
	}
}

// finishShutdown emits the final DisconnectedEvent, unregisters the RPC
// methods and stops the event loop.
func (c *ConnectionManager) finishShutdown() {
	if c.shutdownComplete {
		return
	}

	for _, method := range []string{InquireMethod, ConnectMethod, CloseMethod, DisconnectMethod} {
		err := c.rpc.Unregister(method)
		if err != nil {
			log.Errorf("Error unregistering '%s': %+v", method, err)
		}
	}

	c.emit(DisconnectedEvent{})
	c.shutdownComplete = true
	close(c.events)
	close(c.stopChan)
}

// query runs f on the event loop and waits for it to complete. If the loop
// has already stopped, f runs on the calling goroutine; the manager's state
// is quiescent by then.
func (c *ConnectionManager) query(f func()) {
	done := make(chan struct{})
	select {
	case c.tasks <- func() { f(); close(done) }:
		select {
		case <-done:
		case <-c.stopChan:
			select {
			case <-done:
			default:
				f()
			}
		}
	case <-c.stopChan:
		f()
	}
}
