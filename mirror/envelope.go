package mirror

import (
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/node"
	"github.com/c360/cyphalnode/pkg/timestamp"
)

// TransferEnvelope is the JSON form of one transfer.
type TransferEnvelope struct {
	Direction   string `json:"direction"`
	Kind        string `json:"kind"`
	Port        uint16 `json:"port"`
	Priority    string `json:"priority"`
	Source      uint8  `json:"source"`
	Destination uint8  `json:"destination"`
	Anonymous   bool   `json:"anonymous,omitempty"`
	TransferID  uint64 `json:"transfer_id"`
	Timestamp   uint64 `json:"timestamp_us"`
	Payload     []byte `json:"payload,omitempty"`
}

// NewTransferEnvelope describes t as seen in direction dir.
func NewTransferEnvelope(dir message.Direction, t *message.Transfer) TransferEnvelope {
	env := TransferEnvelope{
		Direction:   dir.String(),
		Kind:        t.Kind().String(),
		Port:        uint16(t.PortID),
		Priority:    t.Priority.String(),
		Source:      uint8(t.Source),
		Destination: uint8(t.Destination),
		Anonymous:   t.IsAnonymous,
		TransferID:  t.TransferID,
		Timestamp:   uint64(t.Timestamp),
	}
	if len(t.Payload) > 0 {
		env.Payload = append([]byte(nil), t.Payload...)
	}
	return env
}

// StatusEnvelope is the JSON form of a node status report.
type StatusEnvelope struct {
	NodeID       uint8  `json:"node_id"`
	UniqueID     string `json:"unique_id"`
	Health       string `json:"health"`
	Mode         string `json:"mode"`
	Uptime       uint32 `json:"uptime_s"`
	VendorStatus uint8  `json:"vendor_status"`
	Stability    string `json:"stability"`
	Timestamp    uint64 `json:"timestamp_us"`
}

// NewStatusEnvelope combines a node snapshot with the stability state name.
func NewStatusEnvelope(snap node.Snapshot, stability string) StatusEnvelope {
	return StatusEnvelope{
		NodeID:       uint8(snap.ID),
		UniqueID:     snap.UniqueID.String(),
		Health:       snap.Health.String(),
		Mode:         snap.Mode.String(),
		Uptime:       snap.Uptime,
		VendorStatus: snap.VendorStatus,
		Stability:    stability,
		Timestamp:    uint64(timestamp.Now()),
	}
}
