// Package address defines the opaque locators used to reach remote peers.
// An address tells an edge listener how to dial; it is never used as a peer
// identity.
package address

import (
	"strings"

	"github.com/pkg/errors"
)

const schemeSeparator = "://"

// Address is a scheme+endpoint locator. The scheme selects the edge listener
// that can dial it, the endpoint is interpreted by that listener alone.
type Address struct {
	scheme   string
	endpoint string
}

// New creates an Address with the given scheme and endpoint.
func New(scheme string, endpoint string) Address {
	return Address{scheme: scheme, endpoint: endpoint}
}

// Parse parses a string of the form "scheme://endpoint" into an Address.
func Parse(s string) (Address, error) {
	separatorIndex := strings.Index(s, schemeSeparator)
	if separatorIndex < 1 {
		return Address{}, errors.Errorf("invalid address '%s': expected scheme://endpoint", s)
	}
	scheme := s[:separatorIndex]
	endpoint := s[separatorIndex+len(schemeSeparator):]
	if endpoint == "" {
		return Address{}, errors.Errorf("invalid address '%s': empty endpoint", s)
	}
	return Address{scheme: scheme, endpoint: endpoint}, nil
}

// Scheme returns the transport scheme of this address.
func (a Address) Scheme() string {
	return a.scheme
}

// Endpoint returns the transport-specific endpoint of this address.
func (a Address) Endpoint() string {
	return a.endpoint
}

func (a Address) String() string {
	return a.scheme + schemeSeparator + a.endpoint
}
