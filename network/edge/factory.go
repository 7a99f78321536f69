package edge

import (
	"github.com/overmesh/overmesh/network/address"
	"github.com/pkg/errors"
)

// Factory holds the registered edge listeners and routes outbound dial
// requests to the first one that handles the address scheme.
//
// Factory is not safe for concurrent use; the connection manager serializes
// access to it.
type Factory struct {
	listeners []Listener
	stopped   bool
}

// NewFactory creates an empty edge factory.
func NewFactory() *Factory {
	return &Factory{}
}

// AddEdgeListener registers a listener. Listeners are consulted in
// registration order.
func (f *Factory) AddEdgeListener(listener Listener) {
	f.listeners = append(f.listeners, listener)
}

// CreateEdgeTo delegates the dial to the first listener that handles the
// address. Returns false if no registered listener does.
func (f *Factory) CreateEdgeTo(addr address.Address) bool {
	for _, listener := range f.listeners {
		if listener.Handles(addr) {
			listener.CreateEdgeTo(addr)
			return true
		}
	}
	return false
}

// Stop stops all registered listeners. May be called only once.
func (f *Factory) Stop() error {
	if f.stopped {
		return errors.New("the edge factory is already stopped")
	}
	f.stopped = true

	var firstErr error
	for _, listener := range f.listeners {
		err := listener.Stop()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
