package udpard

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/cyphalnode/errors"
)

const (
	// HeaderSize is the size of the frame header in bytes.
	HeaderSize = 24
	// HeaderVersion is the only header version this package emits or accepts.
	HeaderVersion = 1

	// TransferCRCSize is the size of the CRC trailing every transfer payload.
	TransferCRCSize = 4

	// NodeIDUnset marks an anonymous source or a broadcast destination.
	NodeIDUnset uint16 = 0xFFFF
	// NodeIDMax is the largest node id this package assigns to a local instance.
	NodeIDMax uint16 = 0xFFFE

	SubjectIDMax = 8191
	ServiceIDMax = 511

	dataSpecServiceBit = 1 << 15
	dataSpecRequestBit = 1 << 14
	frameIndexEOTBit   = 1 << 31
	frameIndexMax      = frameIndexEOTBit - 1
)

// Receive-path errors. They carry errors.KindReceiveFailed.
var (
	ErrMalformedFrame      = fmt.Errorf("%w: malformed frame", errors.ErrReceiveFailed)
	ErrHeaderCRC           = fmt.Errorf("%w: header crc mismatch", errors.ErrReceiveFailed)
	ErrTransferCRC         = fmt.Errorf("%w: transfer crc mismatch", errors.ErrReceiveFailed)
	ErrDuplicateTransfer   = fmt.Errorf("%w: duplicate transfer id", errors.ErrReceiveFailed)
	ErrAnonymousMultiFrame = fmt.Errorf("%w: anonymous transfer spans frames", errors.ErrReceiveFailed)
	ErrTransferTooLarge    = fmt.Errorf("%w: transfer exceeds extent", errors.ErrReceiveFailed)
)

// Header is the decoded form of a frame header.
type Header struct {
	Priority      Priority
	Source        uint16
	Destination   uint16
	DataSpecifier uint16
	TransferID    uint64
	FrameIndex    uint32
	EndOfTransfer bool
	UserData      uint16
}

// Kind reports the transfer kind encoded in the data specifier.
func (h Header) Kind() TransferKind {
	switch {
	case h.DataSpecifier&dataSpecServiceBit == 0:
		return KindMessage
	case h.DataSpecifier&dataSpecRequestBit != 0:
		return KindRequest
	default:
		return KindResponse
	}
}

// Port returns the subject or service id.
func (h Header) Port() uint16 {
	if h.DataSpecifier&dataSpecServiceBit == 0 {
		return h.DataSpecifier & SubjectIDMax
	}
	return h.DataSpecifier & ServiceIDMax
}

func dataSpecifier(kind TransferKind, port uint16) uint16 {
	switch kind {
	case KindRequest:
		return dataSpecServiceBit | dataSpecRequestBit | port
	case KindResponse:
		return dataSpecServiceBit | port
	default:
		return port
	}
}

// Encode writes the header, including its CRC, into buf[:HeaderSize].
func (h Header) Encode(buf []byte) {
	_ = buf[HeaderSize-1]
	buf[0] = HeaderVersion
	buf[1] = byte(h.Priority)
	binary.LittleEndian.PutUint16(buf[2:], h.Source)
	binary.LittleEndian.PutUint16(buf[4:], h.Destination)
	binary.LittleEndian.PutUint16(buf[6:], h.DataSpecifier)
	binary.LittleEndian.PutUint64(buf[8:], h.TransferID)
	index := h.FrameIndex & frameIndexMax
	if h.EndOfTransfer {
		index |= frameIndexEOTBit
	}
	binary.LittleEndian.PutUint32(buf[16:], index)
	binary.LittleEndian.PutUint16(buf[20:], h.UserData)
	binary.BigEndian.PutUint16(buf[22:], HeaderCRC(buf[:22]))
}

// DecodeHeader parses and checks the header at the start of datagram.
func DecodeHeader(datagram []byte) (Header, error) {
	if len(datagram) < HeaderSize {
		return Header{}, ErrMalformedFrame
	}
	if datagram[0]&0x1F != HeaderVersion {
		return Header{}, ErrMalformedFrame
	}
	if HeaderCRC(datagram[:22]) != binary.BigEndian.Uint16(datagram[22:]) {
		return Header{}, ErrHeaderCRC
	}
	if datagram[1] >= NumPriorities {
		return Header{}, ErrMalformedFrame
	}
	index := binary.LittleEndian.Uint32(datagram[16:])
	return Header{
		Priority:      Priority(datagram[1]),
		Source:        binary.LittleEndian.Uint16(datagram[2:]),
		Destination:   binary.LittleEndian.Uint16(datagram[4:]),
		DataSpecifier: binary.LittleEndian.Uint16(datagram[6:]),
		TransferID:    binary.LittleEndian.Uint64(datagram[8:]),
		FrameIndex:    index & frameIndexMax,
		EndOfTransfer: index&frameIndexEOTBit != 0,
		UserData:      binary.LittleEndian.Uint16(datagram[20:]),
	}, nil
}
