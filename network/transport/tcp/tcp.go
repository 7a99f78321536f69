// Package tcp provides the production transport: length-framed messages over
// TCP, with optional SOCKS5 proxying for outbound dials.
package tcp

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/go-socks/socks"
	"github.com/overmesh/overmesh/network/address"
	"github.com/overmesh/overmesh/network/edge"
	"github.com/overmesh/overmesh/network/messaging"
	"github.com/pkg/errors"
)

// Scheme is the address scheme handled by this transport.
const Scheme = "tcp"

const (
	frameHeaderSize = 4
	maxFrameSize    = 1 << 20

	dialTimeout = 30 * time.Second
)

// Addr builds a tcp-transport address for the given host:port endpoint.
func Addr(endpoint string) address.Address {
	return address.New(Scheme, endpoint)
}

// Listener accepts inbound TCP edges and dials outbound ones.
type Listener struct {
	listenAddress string
	proxy         *socks.Proxy
	listener      net.Listener
	stopped       uint32

	onNewEdge             func(edge.Edge)
	onEdgeCreationFailure func(address.Address, string)
}

// NewListener creates a TCP listener that will accept connections on
// listenAddress once started. proxyAddress, if not empty, is a SOCKS5 proxy
// through which all outbound dials are made.
func NewListener(listenAddress string, proxyAddress string) *Listener {
	listener := &Listener{listenAddress: listenAddress}
	if proxyAddress != "" {
		listener.proxy = &socks.Proxy{Addr: proxyAddress}
	}
	return listener
}

// Start begins accepting inbound connections.
func (l *Listener) Start() error {
	if l.listenAddress == "" {
		return nil
	}
	netListener, err := net.Listen("tcp", l.listenAddress)
	if err != nil {
		return errors.Wrapf(err, "error listening on %s", l.listenAddress)
	}
	l.listener = netListener
	spawn("tcp.Listener.acceptLoop", l.acceptLoop)
	log.Infof("TCP listener started on %s", l.listenAddress)
	return nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if atomic.LoadUint32(&l.stopped) == 0 {
				log.Errorf("Error accepting a connection: %+v", err)
			}
			return
		}
		remoteAddress := Addr(conn.RemoteAddr().String())
		l.notifyNewEdge(newTCPEdge(conn, false, remoteAddress))
	}
}

// Handles returns whether this listener can dial the given address.
//
// This is part of the edge.Listener interface.
func (l *Listener) Handles(addr address.Address) bool {
	return addr.Scheme() == Scheme
}

// CreateEdgeTo dials addr on a fresh goroutine. Completion and failure are
// reported through the listener handlers.
//
// This is part of the edge.Listener interface.
func (l *Listener) CreateEdgeTo(addr address.Address) {
	if atomic.LoadUint32(&l.stopped) != 0 {
		l.notifyEdgeCreationFailure(addr, "Listener is stopped")
		return
	}
	spawn(fmt.Sprintf("tcp.Listener.dial %s", addr), func() {
		conn, err := l.dial(addr.Endpoint())
		if err != nil {
			log.Debugf("Error dialing %s: %s", addr, err)
			l.notifyEdgeCreationFailure(addr, err.Error())
			return
		}
		l.notifyNewEdge(newTCPEdge(conn, true, addr))
	})
}

func (l *Listener) dial(endpoint string) (net.Conn, error) {
	if l.proxy != nil {
		return l.proxy.Dial("tcp", endpoint)
	}
	return net.DialTimeout("tcp", endpoint, dialTimeout)
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
func (l *Listener) SetOnEdgeCreationFailureHandler(onFailure func(addr address.Address, reason string)) {
	l.onEdgeCreationFailure = onFailure
}

// Stop closes the listening socket. Edges already produced stay usable until
// closed.
//
// This is part of the edge.Listener interface.
func (l *Listener) Stop() error {
	if !atomic.CompareAndSwapUint32(&l.stopped, 0, 1) {
		return errors.New("the TCP listener is already stopped")
	}
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

func (l *Listener) notifyNewEdge(e edge.Edge) {
	if l.onNewEdge == nil {
		log.Warnf("No new-edge handler, closing edge %s", e)
		_ = e.Close("No new-edge handler")
		return
	}
	l.onNewEdge(e)
}

func (l *Listener) notifyEdgeCreationFailure(addr address.Address, reason string) {
	if l.onEdgeCreationFailure == nil {
		log.Warnf("No failure handler, dropping failure to %s: %s", addr, reason)
		return
	}
	l.onEdgeCreationFailure(addr, reason)
}

type tcpEdge struct {
	conn          net.Conn
	outbound      bool
	remoteAddress address.Address

	// writeLock protects concurrent writes to conn. Reads are confined to
	// the read loop and need no locking.
	writeLock sync.Mutex

	closed    uint32
	closeOnce sync.Once

	mtx           sync.Mutex
	sink          messaging.Sink
	onClosed      func(string)
	closeReason   string
	readStarted   bool
	closeNotified bool
}

func newTCPEdge(conn net.Conn, outbound bool, remoteAddress address.Address) *tcpEdge {
	return &tcpEdge{
		conn:          conn,
		outbound:      outbound,
		remoteAddress: remoteAddress,
	}
}

// Send writes one length-framed message to the connection.
//
// This is part of the messaging.Sender interface.
func (e *tcpEdge) Send(data []byte) error {
	if e.IsClosed() {
		return errors.Errorf("cannot send on closed edge %s", e)
	}
	if len(data) > maxFrameSize {
		return errors.Errorf("cannot send %d bytes on %s, max frame size: %d",
			len(data), e, maxFrameSize)
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	e.writeLock.Lock()
	defer e.writeLock.Unlock()
	if _, err := e.conn.Write(header[:]); err != nil {
		return errors.Wrapf(err, "error writing to %s", e)
	}
	if _, err := e.conn.Write(data); err != nil {
		return errors.Wrapf(err, "error writing to %s", e)
	}
	return nil
}

// Outbound returns whether this side initiated the edge.
//
// This is part of the edge.Edge interface.
func (e *tcpEdge) Outbound() bool {
	return e.outbound
}

// IsClosed returns whether the edge has been closed.
//
// This is part of the edge.Edge interface.
func (e *tcpEdge) IsClosed() bool {
	return atomic.LoadUint32(&e.closed) != 0
}

// RemoteAddress returns the address of the remote endpoint.
//
// This is part of the edge.Edge interface.
func (e *tcpEdge) RemoteAddress() address.Address {
	return e.remoteAddress
}

// SetSink designates the consumer of received data and starts the read loop.
//
// This is part of the edge.Edge interface.
func (e *tcpEdge) SetSink(sink messaging.Sink) {
	e.mtx.Lock()
	e.sink = sink
	alreadyStarted := e.readStarted
	e.readStarted = true
	e.mtx.Unlock()

	if !alreadyStarted {
		spawn(fmt.Sprintf("tcpEdge.readLoop %s", e), e.readLoop)
	}
}

// SetOnClosedHandler registers the close handler. Invoked immediately if the
// edge already closed.
//
// This is part of the edge.Edge interface.
func (e *tcpEdge) SetOnClosedHandler(onClosed func(reason string)) {
	e.mtx.Lock()
	e.onClosed = onClosed
	alreadyNotified := e.closeNotified
	reason := e.closeReason
	e.mtx.Unlock()

	if alreadyNotified && onClosed != nil {
		onClosed(reason)
	}
}

// Close closes the underlying connection. Closing an already-closed edge is
// a no-op.
//
// This is part of the edge.Edge interface.
func (e *tcpEdge) Close(reason string) error {
	var err error
	e.closeOnce.Do(func() {
		atomic.StoreUint32(&e.closed, 1)

		e.mtx.Lock()
		e.closeReason = reason
		readStarted := e.readStarted
		e.mtx.Unlock()

		err = e.conn.Close()

		// Without a read loop there is nobody to observe the closed
		// connection, so fire the handler here.
		if !readStarted {
			e.notifyClosed()
		}
	})
	return err
}

func (e *tcpEdge) String() string {
	direction := "inbound"
	if e.outbound {
		direction = "outbound"
	}
	return fmt.Sprintf("<%s tcp edge to %s>", direction, e.remoteAddress)
}

func (e *tcpEdge) readLoop() {
	for {
		data, err := e.readFrame()
		if err != nil {
			// If Close was called first this is a no-op and the
			// original close reason is kept.
			e.closeWithReadError("Read error", err)
			e.notifyClosed()
			return
		}
		e.deliver(data)
	}
}

func (e *tcpEdge) closeWithReadError(reason string, err error) {
	e.closeOnce.Do(func() {
		atomic.StoreUint32(&e.closed, 1)
		e.mtx.Lock()
		e.closeReason = reason
		e.mtx.Unlock()
		log.Debugf("Edge %s closed by its transport: %s", e, err)
		_ = e.conn.Close()
	})
}

func (e *tcpEdge) readFrame() ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(e.conn, header[:]); err != nil {
		return nil, err
	}
	frameSize := binary.BigEndian.Uint32(header[:])
	if frameSize > maxFrameSize {
		return nil, errors.Errorf("frame of %d bytes exceeds max of %d", frameSize, maxFrameSize)
	}
	data := make([]byte, frameSize)
	if _, err := io.ReadFull(e.conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (e *tcpEdge) deliver(data []byte) {
	e.mtx.Lock()
	sink := e.sink
	e.mtx.Unlock()
	sink.HandleData(data, e)
}

func (e *tcpEdge) notifyClosed() {
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
