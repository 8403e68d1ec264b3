package message

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/pkg/timestamp"
)

// HeaderSize is the size of the compact transfer header.
const HeaderSize = 13

// EncodedSize returns the number of bytes Serialize writes for t.
func EncodedSize(t *Transfer) int {
	return HeaderSize + len(t.Payload)
}

// Serialize writes t into buf and returns the number of bytes written.
// buf must hold at least EncodedSize(t) bytes.
func Serialize(t *Transfer, buf []byte) (int, error) {
	if err := Validate(t); err != nil {
		return 0, err
	}
	need := EncodedSize(t)
	if len(buf) < need {
		return 0, fmt.Errorf("%w: buffer %d bytes, need %d", errors.ErrInvalidParameter, len(buf), need)
	}

	binary.LittleEndian.PutUint32(buf[0:4], uint32(t.PortID))
	buf[4] = byte(t.Priority)
	buf[5] = byte(t.Source)
	buf[6] = byte(t.Destination)
	buf[7] = boolByte(t.IsServiceRequest)
	buf[8] = boolByte(t.IsAnonymous)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(t.Payload)))
	copy(buf[HeaderSize:], t.Payload)
	return need, nil
}

// Marshal allocates and returns the encoding of t.
func Marshal(t *Transfer) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transfer", errors.ErrInvalidParameter)
	}
	buf := make([]byte, EncodedSize(t))
	if _, err := Serialize(t, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Deserialize decodes buf and stamps the result with the current time.
func Deserialize(buf []byte) (*Transfer, error) {
	return DeserializeAt(buf, timestamp.Now())
}

// DeserializeAt decodes buf and stamps the result with ts.
func DeserializeAt(buf []byte, ts timestamp.Micros) (*Transfer, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", errors.ErrInvalidParameter, len(buf))
	}

	port := binary.LittleEndian.Uint32(buf[0:4])
	if port > uint32(SubjectIDMax) {
		return nil, fmt.Errorf("%w: port id %d out of range", errors.ErrInvalidParameter, port)
	}
	length := binary.LittleEndian.Uint32(buf[9:13])
	if length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: declared payload %d exceeds %d", errors.ErrInvalidParameter, length, MaxPayloadSize)
	}
	if uint32(len(buf)-HeaderSize) < length {
		return nil, fmt.Errorf("%w: payload truncated, have %d want %d", errors.ErrInvalidParameter, len(buf)-HeaderSize, length)
	}

	t := &Transfer{
		PortID:           PortID(port),
		Priority:         Priority(buf[4]),
		Source:           NodeID(buf[5]),
		Destination:      NodeID(buf[6]),
		IsServiceRequest: buf[7] != 0,
		IsAnonymous:      buf[8] != 0,
		Timestamp:        ts,
	}
	if length > 0 {
		t.Payload = append([]byte(nil), buf[HeaderSize:HeaderSize+int(length)]...)
	}
	if err := Validate(t); err != nil {
		return nil, err
	}
	return t, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
