package connmanager

import (
	"github.com/overmesh/overmesh/network/edge"
	"github.com/overmesh/overmesh/network/peerid"
)

// ConnectionTable indexes the edges of one direction (inbound or outbound)
// and the connections riding them. Two tables exist per manager.
//
// The table is not safe for concurrent use; the manager's event loop owns
// it.
type ConnectionTable struct {
	edges       map[edge.Edge]struct{}
	connections map[peerid.ID]*Connection
	peerIDs     map[*Connection]peerid.ID
}

// NewConnectionTable creates an empty table.
func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{
		edges:       make(map[edge.Edge]struct{}),
		connections: make(map[peerid.ID]*Connection),
		peerIDs:     make(map[*Connection]peerid.ID),
	}
}

// AddEdge inserts an edge. Inserting an already-present edge is a no-op.
func (t *ConnectionTable) AddEdge(e edge.Edge) {
	t.edges[e] = struct{}{}
}

// RemoveEdge removes an edge, returning whether it was present.
func (t *ConnectionTable) RemoveEdge(e edge.Edge) bool {
	if _, ok := t.edges[e]; !ok {
		return false
	}
	delete(t.edges, e)
	return true
}

// HasEdge returns whether the table has a record of the given edge.
func (t *ConnectionTable) HasEdge(e edge.Edge) bool {
	_, ok := t.edges[e]
	return ok
}

// GetEdges returns a snapshot of all edges in the table.
func (t *ConnectionTable) GetEdges() []edge.Edge {
	edges := make([]edge.Edge, 0, len(t.edges))
	for e := range t.edges {
		edges = append(edges, e)
	}
	return edges
}

// EdgeCount returns the number of edges in the table.
func (t *ConnectionTable) EdgeCount() int {
	return len(t.edges)
}

// AddConnection inserts a connection, keyed by its remote peer ID.
func (t *ConnectionTable) AddConnection(conn *Connection) {
	t.connections[conn.RemoteID()] = conn
	t.peerIDs[conn] = conn.RemoteID()
}

// RemoveConnection removes a connection, returning whether it was present.
func (t *ConnectionTable) RemoveConnection(conn *Connection) bool {
	remoteID, ok := t.peerIDs[conn]
	if !ok {
		return false
	}
	delete(t.peerIDs, conn)
	// Only drop the peer ID key if it still maps to this connection; an
	// inbound replacement may have already overwritten it.
	if t.connections[remoteID] == conn {
		delete(t.connections, remoteID)
	}
	return true
}

// GetConnection returns the connection to the given peer, or nil if there is
// none.
func (t *ConnectionTable) GetConnection(remoteID peerid.ID) *Connection {
	return t.connections[remoteID]
}

// GetConnections returns a snapshot of all connections in the table.
func (t *ConnectionTable) GetConnections() []*Connection {
	connections := make([]*Connection, 0, len(t.peerIDs))
	for conn := range t.peerIDs {
		connections = append(connections, conn)
	}
	return connections
}

// ConnectionCount returns the number of connections in the table.
func (t *ConnectionTable) ConnectionCount() int {
	return len(t.peerIDs)
}

// Contains returns whether the given connection is registered in this table.
func (t *ConnectionTable) Contains(conn *Connection) bool {
	_, ok := t.peerIDs[conn]
	return ok
}

// Disconnect marks the connection as disconnecting without removing it.
func (t *ConnectionTable) Disconnect(conn *Connection) {
	if !t.Contains(conn) {
		return
	}
	conn.disconnecting = true
}

// ConnectionByEdge returns the connection riding the given edge, or nil if
// there is none.
func (t *ConnectionTable) ConnectionByEdge(e edge.Edge) *Connection {
	for conn := range t.peerIDs {
		if conn.Edge() == e {
			return conn
		}
	}
	return nil
}
