package connmanager

import (
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/overmesh/overmesh/network/address"
	"github.com/overmesh/overmesh/network/edge"
	"github.com/overmesh/overmesh/network/messaging"
	"github.com/overmesh/overmesh/network/peerid"
	"github.com/overmesh/overmesh/network/rpc"
	"github.com/overmesh/overmesh/network/transport/memory"
)

const testTimeout = 5 * time.Second

func testPeerID(t *testing.T, firstByte byte) peerid.ID {
	idBytes := make([]byte, peerid.IDLength)
	idBytes[0] = firstByte
	id, err := peerid.FromBytes(idBytes)
	if err != nil {
		t.Fatalf("testPeerID: FromBytes failed: %+v", err)
	}
	return id
}

type testNode struct {
	name string
	id   peerid.ID
	rpc  *rpc.Handler
	cm   *ConnectionManager
}

// newTestNode creates a node with one memory listener per endpoint and waits
// for the listeners to be registered.
func newTestNode(t *testing.T, network *memory.Network, name string, idByte byte,
	endpoints ...string) *testNode {

	id := testPeerID(t, idByte)
	rpcHandler := rpc.NewHandler()
	cm, err := New(id, rpcHandler)
	if err != nil {
		t.Fatalf("newTestNode: New failed: %+v", err)
	}
	for _, endpoint := range endpoints {
		cm.AddEdgeListener(network.Listen(endpoint))
	}
	cm.query(func() {})
	return &testNode{name: name, id: id, rpc: rpcHandler, cm: cm}
}

func (n *testNode) nextEvent(t *testing.T, testName string) Event {
	select {
	case event, ok := <-n.cm.Events():
		if !ok {
			t.Fatalf("%s: node %s: the events channel is closed", testName, n.name)
		}
		return event
	case <-time.After(testTimeout):
		t.Fatalf("%s: node %s: timed out waiting for an event", testName, n.name)
		return nil
	}
}

func (n *testNode) expectNewConnection(t *testing.T, testName string,
	locallyInitiated bool, remoteID peerid.ID) *Connection {

	event := n.nextEvent(t, testName)
	newConnection, ok := event.(NewConnectionEvent)
	if !ok {
		t.Fatalf("%s: node %s: expected a NewConnectionEvent, got: %s",
			testName, n.name, spew.Sdump(event))
	}
	if newConnection.LocallyInitiated != locallyInitiated {
		t.Fatalf("%s: node %s: got locallyInitiated %t, want %t",
			testName, n.name, newConnection.LocallyInitiated, locallyInitiated)
	}
	if newConnection.Connection.RemoteID() != remoteID {
		t.Fatalf("%s: node %s: got a connection to %s, want %s",
			testName, n.name, newConnection.Connection.RemoteID(), remoteID)
	}
	return newConnection.Connection
}

func (n *testNode) expectAttemptFailure(t *testing.T, testName string, reason string) {
	event := n.nextEvent(t, testName)
	failure, ok := event.(ConnectionAttemptFailureEvent)
	if !ok {
		t.Fatalf("%s: node %s: expected a ConnectionAttemptFailureEvent, got: %s",
			testName, n.name, spew.Sdump(event))
	}
	if failure.Reason != reason {
		t.Fatalf("%s: node %s: got failure reason '%s', want '%s'",
			testName, n.name, failure.Reason, reason)
	}
}

func (n *testNode) expectDisconnected(t *testing.T, testName string) {
	event := n.nextEvent(t, testName)
	if _, ok := event.(DisconnectedEvent); !ok {
		t.Fatalf("%s: node %s: expected a DisconnectedEvent, got: %s",
			testName, n.name, spew.Sdump(event))
	}
}

func (n *testNode) expectNoEvent(t *testing.T, testName string) {
	select {
	case event, ok := <-n.cm.Events():
		if ok {
			t.Fatalf("%s: node %s: expected no event, got: %s", testName, n.name, spew.Sdump(event))
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func (n *testNode) expectEventsClosed(t *testing.T, testName string) {
	select {
	case event, ok := <-n.cm.Events():
		if ok {
			t.Fatalf("%s: node %s: expected the events channel to be closed, got: %s",
				testName, n.name, spew.Sdump(event))
		}
	case <-time.After(testTimeout):
		t.Fatalf("%s: node %s: the events channel was not closed", testName, n.name)
	}
}

// waitForCondition polls a condition on the node's event loop until it holds.
func (n *testNode) waitForCondition(t *testing.T, testName string, description string,
	condition func() bool) {

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		var holds bool
		n.cm.query(func() { holds = condition() })
		if holds {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s: node %s: timed out waiting for: %s", testName, n.name, description)
}

// checkInvariants verifies the cross-table invariants on the node's event
// loop.
func (n *testNode) checkInvariants(t *testing.T, testName string) {
	n.cm.query(func() {
		for _, table := range []*ConnectionTable{n.cm.outbound, n.cm.inbound} {
			for _, conn := range table.GetConnections() {
				if !table.HasEdge(conn.Edge()) {
					t.Errorf("%s: node %s: connection %s refers to an edge missing from its table",
						testName, n.name, conn)
				}
			}
			if table.GetConnection(n.id) != nil {
				t.Errorf("%s: node %s: the local peer ID is a table key", testName, n.name)
			}
		}
	})
}

func TestOutboundHandshake(t *testing.T) {
	network := memory.NewNetwork()
	nodeA := newTestNode(t, network, "a", 'A', "a")
	nodeB := newTestNode(t, network, "b", 'B', "b")

	nodeA.cm.ConnectTo(memory.Addr("b"))

	connA := nodeA.expectNewConnection(t, "TestOutboundHandshake", true, nodeB.id)
	connB := nodeB.expectNewConnection(t, "TestOutboundHandshake", false, nodeA.id)

	if connA.LocalID() != nodeA.id {
		t.Fatalf("TestOutboundHandshake: connA has local ID %s, want %s", connA.LocalID(), nodeA.id)
	}
	if !connA.Edge().Outbound() {
		t.Fatalf("TestOutboundHandshake: connA rides an inbound edge")
	}
	if connB.Edge().Outbound() {
		t.Fatalf("TestOutboundHandshake: connB rides an outbound edge")
	}

	nodeA.cm.query(func() {
		if nodeA.cm.outbound.GetConnection(nodeB.id) != connA {
			t.Errorf("TestOutboundHandshake: node a's outbound table does not hold connA")
		}
		if nodeA.cm.inbound.ConnectionCount() != 0 {
			t.Errorf("TestOutboundHandshake: node a has an unexpected inbound connection")
		}
	})
	nodeB.cm.query(func() {
		if nodeB.cm.inbound.GetConnection(nodeA.id) != connB {
			t.Errorf("TestOutboundHandshake: node b's inbound table does not hold connB")
		}
	})
	nodeA.checkInvariants(t, "TestOutboundHandshake")
	nodeB.checkInvariants(t, "TestOutboundHandshake")
}

func TestSelfConnect(t *testing.T) {
	network := memory.NewNetwork()
	nodeA := newTestNode(t, network, "a", 'A', "a")

	nodeA.cm.ConnectTo(memory.Addr("a"))
	nodeA.expectAttemptFailure(t, "TestSelfConnect", "Attempting to connect to ourself")

	nodeA.waitForCondition(t, "TestSelfConnect", "all edges removed", func() bool {
		return nodeA.cm.outbound.EdgeCount() == 0 && nodeA.cm.inbound.EdgeCount() == 0
	})
	nodeA.cm.query(func() {
		if nodeA.cm.outbound.ConnectionCount() != 0 || nodeA.cm.inbound.ConnectionCount() != 0 {
			t.Errorf("TestSelfConnect: a self-connection was created")
		}
	})
	nodeA.expectNoEvent(t, "TestSelfConnect")
}

func TestDuplicateOutboundConnection(t *testing.T) {
	network := memory.NewNetwork()
	nodeA := newTestNode(t, network, "a", 'A', "a")
	nodeB := newTestNode(t, network, "b", 'B', "b1", "b2")

	nodeA.cm.ConnectTo(memory.Addr("b1"))
	connA := nodeA.expectNewConnection(t, "TestDuplicateOutboundConnection", true, nodeB.id)
	nodeB.expectNewConnection(t, "TestDuplicateOutboundConnection", false, nodeA.id)

	// A second outbound edge resolving to the same peer ID must be vetoed.
	nodeA.cm.ConnectTo(memory.Addr("b2"))
	nodeA.expectAttemptFailure(t, "TestDuplicateOutboundConnection", "Duplicate connection")

	nodeA.cm.query(func() {
		if nodeA.cm.outbound.GetConnection(nodeB.id) != connA {
			t.Errorf("TestDuplicateOutboundConnection: the original connection was replaced")
		}
		if nodeA.cm.outbound.ConnectionCount() != 1 {
			t.Errorf("TestDuplicateOutboundConnection: got %d outbound connections, want 1",
				nodeA.cm.outbound.ConnectionCount())
		}
	})
	nodeA.waitForCondition(t, "TestDuplicateOutboundConnection", "the vetoed edge removed", func() bool {
		return nodeA.cm.outbound.EdgeCount() == 1
	})
	select {
	case <-connA.Done():
		t.Fatalf("TestDuplicateOutboundConnection: the original connection was torn down")
	default:
	}
}

func TestNoListenerForAddress(t *testing.T) {
	network := memory.NewNetwork()
	nodeA := newTestNode(t, network, "a", 'A', "a")

	nodeA.cm.ConnectTo(address.New("carrier-pigeon", "rooftop"))
	nodeA.expectAttemptFailure(t, "TestNoListenerForAddress", "No EdgeListener to handle request")
}

func TestEdgeCreationFailure(t *testing.T) {
	network := memory.NewNetwork()
	nodeA := newTestNode(t, network, "a", 'A', "a")

	nodeA.cm.ConnectTo(memory.Addr("nobody-home"))
	nodeA.expectAttemptFailure(t, "TestEdgeCreationFailure", "Connection refused")
}

// rawDriver speaks the handshake protocol by hand over memory edges, for
// scenarios a well-behaved manager cannot produce.
type rawDriver struct {
	t        *testing.T
	listener *memory.Listener
	edges    chan edge.Edge
}

func newRawDriver(t *testing.T, network *memory.Network, endpoint string) *rawDriver {
	driver := &rawDriver{t: t, listener: network.Listen(endpoint), edges: make(chan edge.Edge, 4)}
	driver.listener.SetOnNewEdgeHandler(func(e edge.Edge) { driver.edges <- e })
	driver.listener.SetOnEdgeCreationFailureHandler(func(addr address.Address, reason string) {
		t.Errorf("rawDriver: edge creation to %s failed: %s", addr, reason)
	})
	return driver
}

type recordingSink struct {
	messages chan *rpc.Message
}

func newRecordingSink() *recordingSink {
	return &recordingSink{messages: make(chan *rpc.Message, 16)}
}

func (s *recordingSink) HandleData(data []byte, _ messaging.Sender) {
	message, err := rpc.DeserializeMessage(data)
	if err != nil {
		return
	}
	s.messages <- message
}

func (d *rawDriver) dial(testName string, target address.Address) (edge.Edge, *recordingSink) {
	d.listener.CreateEdgeTo(target)
	select {
	case e := <-d.edges:
		sink := newRecordingSink()
		e.SetSink(sink)
		return e, sink
	case <-time.After(testTimeout):
		d.t.Fatalf("%s: the raw driver timed out dialing %s", testName, target)
		return nil, nil
	}
}

func (d *rawDriver) sendConnect(testName string, e edge.Edge, id peerid.ID) {
	message := &rpc.Message{
		Kind: rpc.KindNotification,
		Payload: map[string][]byte{
			rpc.MethodKey: []byte(ConnectMethod),
			PeerIDKey:     id.Bytes(),
		},
	}
	data, err := message.Serialize()
	if err != nil {
		d.t.Fatalf("%s: Serialize failed: %+v", testName, err)
	}
	err = e.Send(data)
	if err != nil {
		d.t.Fatalf("%s: Send failed: %+v", testName, err)
	}
}

func TestInboundReplacement(t *testing.T) {
	network := memory.NewNetwork()
	nodeB := newTestNode(t, network, "b", 'B', "b")
	driver := newRawDriver(t, network, "driver")
	remoteID := testPeerID(t, 'C')

	firstEdge, firstSink := driver.dial("TestInboundReplacement", memory.Addr("b"))
	driver.sendConnect("TestInboundReplacement", firstEdge, remoteID)
	oldConn := nodeB.expectNewConnection(t, "TestInboundReplacement", false, remoteID)

	secondEdge, _ := driver.dial("TestInboundReplacement", memory.Addr("b"))
	driver.sendConnect("TestInboundReplacement", secondEdge, remoteID)
	newConn := nodeB.expectNewConnection(t, "TestInboundReplacement", false, remoteID)

	if newConn == oldConn {
		t.Fatalf("TestInboundReplacement: the old connection was reused")
	}

	select {
	case <-oldConn.Done():
	case <-time.After(testTimeout):
		t.Fatalf("TestInboundReplacement: the old connection was never torn down")
	}
	if oldConn.DisconnectReason() != "Local disconnect request" {
		t.Fatalf("TestInboundReplacement: the old connection finished with reason '%s'",
			oldConn.DisconnectReason())
	}

	// The old connection must have been told about the teardown.
	sawDisconnect := false
	for !sawDisconnect {
		select {
		case message := <-firstSink.messages:
			if message.Method() == DisconnectMethod {
				sawDisconnect = true
			}
		case <-time.After(testTimeout):
			t.Fatalf("TestInboundReplacement: the old edge never received a %s", DisconnectMethod)
		}
	}

	nodeB.waitForCondition(t, "TestInboundReplacement", "the old edge removed", func() bool {
		return nodeB.cm.inbound.EdgeCount() == 1 && nodeB.cm.inbound.ConnectionCount() == 1
	})
	nodeB.cm.query(func() {
		if nodeB.cm.inbound.GetConnection(remoteID) != newConn {
			t.Errorf("TestInboundReplacement: the inbound table does not hold the new connection")
		}
	})
	nodeB.checkInvariants(t, "TestInboundReplacement")
}

func TestLocalDisconnect(t *testing.T) {
	network := memory.NewNetwork()
	nodeA := newTestNode(t, network, "a", 'A', "a")
	nodeB := newTestNode(t, network, "b", 'B', "b")

	nodeA.cm.ConnectTo(memory.Addr("b"))
	connA := nodeA.expectNewConnection(t, "TestLocalDisconnect", true, nodeB.id)
	connB := nodeB.expectNewConnection(t, "TestLocalDisconnect", false, nodeA.id)

	connA.Disconnect()

	select {
	case <-connA.Done():
	case <-time.After(testTimeout):
		t.Fatalf("TestLocalDisconnect: connA was never torn down")
	}
	if connA.DisconnectReason() != "Local disconnect request" {
		t.Fatalf("TestLocalDisconnect: connA finished with reason '%s'", connA.DisconnectReason())
	}

	select {
	case <-connB.Done():
	case <-time.After(testTimeout):
		t.Fatalf("TestLocalDisconnect: connB was never torn down")
	}

	for _, node := range []*testNode{nodeA, nodeB} {
		node.waitForCondition(t, "TestLocalDisconnect", "all tables empty", func() bool {
			return node.cm.outbound.EdgeCount() == 0 && node.cm.inbound.EdgeCount() == 0 &&
				node.cm.outbound.ConnectionCount() == 0 && node.cm.inbound.ConnectionCount() == 0
		})
		// No global shutdown happened, so no DisconnectedEvent.
		node.expectNoEvent(t, "TestLocalDisconnect")
	}
}

func TestGlobalShutdown(t *testing.T) {
	network := memory.NewNetwork()
	nodeA := newTestNode(t, network, "a", 'A', "a")
	nodeB := newTestNode(t, network, "b", 'B', "b")
	nodeC := newTestNode(t, network, "c", 'C', "c")
	nodeD := newTestNode(t, network, "d", 'D', "d")

	// Two outbound connections and one inbound connection at node a.
	nodeA.cm.ConnectTo(memory.Addr("b"))
	connAB := nodeA.expectNewConnection(t, "TestGlobalShutdown", true, nodeB.id)
	connBA := nodeB.expectNewConnection(t, "TestGlobalShutdown", false, nodeA.id)
	nodeA.cm.ConnectTo(memory.Addr("c"))
	connAC := nodeA.expectNewConnection(t, "TestGlobalShutdown", true, nodeC.id)
	nodeC.expectNewConnection(t, "TestGlobalShutdown", false, nodeA.id)
	nodeD.cm.ConnectTo(memory.Addr("a"))
	nodeD.expectNewConnection(t, "TestGlobalShutdown", true, nodeA.id)
	connAD := nodeA.expectNewConnection(t, "TestGlobalShutdown", false, nodeD.id)

	nodeA.cm.Disconnect()
	nodeA.expectDisconnected(t, "TestGlobalShutdown")
	nodeA.expectEventsClosed(t, "TestGlobalShutdown")

	for _, conn := range []*Connection{connAB, connAC, connAD} {
		select {
		case <-conn.Done():
		case <-time.After(testTimeout):
			t.Fatalf("TestGlobalShutdown: %s was never torn down", conn)
		}
		if conn.DisconnectReason() != "Disconnecting" {
			t.Fatalf("TestGlobalShutdown: %s finished with reason '%s', want 'Disconnecting'",
				conn, conn.DisconnectReason())
		}
	}

	nodeA.cm.query(func() {
		if nodeA.cm.outbound.EdgeCount() != 0 || nodeA.cm.inbound.EdgeCount() != 0 ||
			nodeA.cm.outbound.ConnectionCount() != 0 || nodeA.cm.inbound.ConnectionCount() != 0 {
			t.Errorf("TestGlobalShutdown: node a's tables are not empty after shutdown")
		}
	})

	// The remote sides observe the teardown.
	select {
	case <-connBA.Done():
	case <-time.After(testTimeout):
		t.Fatalf("TestGlobalShutdown: node b never observed the teardown")
	}

	// Post-shutdown calls are warned and ignored.
	nodeA.cm.ConnectTo(memory.Addr("b"))
	nodeA.cm.AddEdgeListener(network.Listen("late"))
	nodeA.cm.Disconnect()
	nodeA.expectEventsClosed(t, "TestGlobalShutdown")
}

func TestDisconnectWithNoEdges(t *testing.T) {
	network := memory.NewNetwork()
	nodeA := newTestNode(t, network, "a", 'A', "a")

	nodeA.cm.Disconnect()
	nodeA.expectDisconnected(t, "TestDisconnectWithNoEdges")
	nodeA.expectEventsClosed(t, "TestDisconnectWithNoEdges")

	// A second Disconnect must not emit anything or panic.
	nodeA.cm.Disconnect()
	nodeA.expectEventsClosed(t, "TestDisconnectWithNoEdges")
}

func TestRPCMethodsAreReleasedAfterShutdown(t *testing.T) {
	network := memory.NewNetwork()
	nodeA := newTestNode(t, network, "a", 'A', "a")

	nodeA.cm.Disconnect()
	nodeA.expectDisconnected(t, "TestRPCMethodsAreReleasedAfterShutdown")

	// All four methods were unregistered, so registering them anew works.
	for _, method := range []string{InquireMethod, ConnectMethod, CloseMethod, DisconnectMethod} {
		err := nodeA.rpc.Register(method, func(*rpc.Request) {})
		if err != nil {
			t.Fatalf("TestRPCMethodsAreReleasedAfterShutdown: '%s' is still registered: %+v",
				method, err)
		}
	}
}
