package heartbeat

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/node"
)

// PayloadSize is the encoded heartbeat size.
const PayloadSize = 7

// Encode writes st in heartbeat layout.
func Encode(st node.Status) []byte {
	buf := make([]byte, PayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], st.Uptime)
	buf[4] = uint8(st.Health) & 0x03
	buf[5] = uint8(st.Mode) & 0x07
	buf[6] = st.VendorStatus
	return buf
}

// Decode parses a heartbeat payload. Trailing bytes are ignored.
func Decode(p []byte) (node.Status, error) {
	if len(p) < PayloadSize {
		return node.Status{}, fmt.Errorf("%w: heartbeat of %d bytes", errors.ErrInvalidParameter, len(p))
	}
	st := node.Status{
		Uptime:       binary.LittleEndian.Uint32(p[0:4]),
		Health:       node.Health(p[4] & 0x03),
		Mode:         node.Mode(p[5] & 0x07),
		VendorStatus: p[6],
	}
	if !st.Mode.Valid() {
		return node.Status{}, fmt.Errorf("%w: heartbeat %s", errors.ErrInvalidParameter, st.Mode)
	}
	return st, nil
}
