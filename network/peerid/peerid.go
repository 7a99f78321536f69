package peerid

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"
)

// IDLength is the byte length of every peer ID.
const IDLength = 16

// ID identifies a peer in the overlay. It is a value type so that it can be
// used directly as a map key.
type ID [IDLength]byte

// FromBytes creates an ID from the given byte slice.
func FromBytes(idBytes []byte) (ID, error) {
	if len(idBytes) != IDLength {
		return ID{}, errors.Errorf("invalid peer ID length: %d, expected: %d", len(idBytes), IDLength)
	}
	var id ID
	copy(id[:], idBytes)
	return id, nil
}

// GenerateID generates a new random ID.
func GenerateID() (ID, error) {
	var id ID
	_, err := rand.Read(id[:])
	if err != nil {
		return ID{}, errors.Wrap(err, "could not generate a peer ID")
	}
	return id, nil
}

// Bytes returns the raw byte representation of the ID.
func (id ID) Bytes() []byte {
	idBytes := make([]byte, IDLength)
	copy(idBytes, id[:])
	return idBytes
}

// IsZero returns whether this is the all-zero ID.
func (id ID) IsZero() bool {
	return bytes.Equal(id[:], make([]byte, IDLength))
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}
