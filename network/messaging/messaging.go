// Package messaging defines the data-plane interfaces shared by edges,
// connections and the RPC layer.
package messaging

// Sender is anything that can transmit an opaque payload to a remote
// endpoint. Both edges and the connections riding them are senders.
type Sender interface {
	// Send transmits the given data to the remote side.
	Send(data []byte) error

	String() string
}

// Sink consumes payloads received from a remote endpoint. `from` is the
// sender a reply should be addressed to.
type Sink interface {
	HandleData(data []byte, from Sender)
}
