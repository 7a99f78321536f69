package rpc

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MessageKind discriminates the three envelope types that travel over an
// edge.
type MessageKind byte

// Message kinds.
const (
	KindRequest MessageKind = iota + 1
	KindResponse
	KindNotification
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	}
	return "unknown"
}

// MethodKey is the payload key that carries the method name on requests and
// notifications.
const MethodKey = "method"

const (
	maxPayloadPairs = 32
	maxKeyLength    = 64
	maxValueLength  = 1 << 16
)

// Message is the wire envelope: a kind, a correlation ID (zero for
// notifications) and a keyed map of opaque values.
type Message struct {
	Kind    MessageKind
	ID      uint64
	Payload map[string][]byte
}

// Serialize encodes the message into its binary wire form.
func (m *Message) Serialize() ([]byte, error) {
	if m.Kind < KindRequest || m.Kind > KindNotification {
		return nil, errors.Errorf("cannot serialize a message of unknown kind %d", m.Kind)
	}
	if len(m.Payload) > maxPayloadPairs {
		return nil, errors.Errorf("cannot serialize a message with %d payload entries, max: %d",
			len(m.Payload), maxPayloadPairs)
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(m.Kind))

	var id [8]byte
	binary.BigEndian.PutUint64(id[:], m.ID)
	buf.Write(id[:])

	writeUvarint(&buf, uint64(len(m.Payload)))
	for key, value := range m.Payload {
		if len(key) == 0 || len(key) > maxKeyLength {
			return nil, errors.Errorf("invalid payload key length %d", len(key))
		}
		if len(value) > maxValueLength {
			return nil, errors.Errorf("payload value for '%s' is %d bytes long, max: %d",
				key, len(value), maxValueLength)
		}
		writeUvarint(&buf, uint64(len(key)))
		buf.WriteString(key)
		writeUvarint(&buf, uint64(len(value)))
		buf.Write(value)
	}
	return buf.Bytes(), nil
}

// DeserializeMessage decodes a message from its binary wire form.
func DeserializeMessage(data []byte) (*Message, error) {
	reader := bytes.NewReader(data)

	kindByte, err := reader.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "malformed message: missing kind")
	}
	kind := MessageKind(kindByte)
	if kind < KindRequest || kind > KindNotification {
		return nil, errors.Errorf("malformed message: unknown kind %d", kindByte)
	}

	var idBytes [8]byte
	if _, err := io.ReadFull(reader, idBytes[:]); err != nil {
		return nil, errors.Wrap(err, "malformed message: missing ID")
	}
	id := binary.BigEndian.Uint64(idBytes[:])

	pairCount, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, errors.Wrap(err, "malformed message: missing payload size")
	}
	if pairCount > maxPayloadPairs {
		return nil, errors.Errorf("malformed message: %d payload entries, max: %d",
			pairCount, maxPayloadPairs)
	}

	payload := make(map[string][]byte, pairCount)
	for i := uint64(0); i < pairCount; i++ {
		key, err := readLengthPrefixed(reader, maxKeyLength)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed message: payload key %d", i)
		}
		if len(key) == 0 {
			return nil, errors.Errorf("malformed message: empty payload key %d", i)
		}
		value, err := readLengthPrefixed(reader, maxValueLength)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed message: payload value for '%s'", key)
		}
		if _, ok := payload[string(key)]; ok {
			return nil, errors.Errorf("malformed message: duplicate payload key '%s'", key)
		}
		payload[string(key)] = value
	}
	if reader.Len() != 0 {
		return nil, errors.Errorf("malformed message: %d trailing bytes", reader.Len())
	}

	return &Message{Kind: kind, ID: id, Payload: payload}, nil
}

// Method returns the method name carried in the payload, or an empty string
// if there is none.
func (m *Message) Method() string {
	return string(m.Payload[MethodKey])
}

func writeUvarint(buf *bytes.Buffer, value uint64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], value)
	buf.Write(scratch[:n])
}

func readLengthPrefixed(reader *bytes.Reader, maxLength int) ([]byte, error) {
	length, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, errors.Wrap(err, "missing length")
	}
	if length > uint64(maxLength) {
		return nil, errors.Errorf("length %d is greater than max %d", length, maxLength)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, errors.Wrap(err, "truncated value")
	}
	return data, nil
}
