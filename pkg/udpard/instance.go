package udpard

import (
	"fmt"
	"net"
	"time"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/pkg/buffer"
)

// Priority is one of the eight transfer priority levels, 0 being most urgent.
type Priority uint8

// NumPriorities is the number of priority levels.
const NumPriorities = 8

// TransferKind distinguishes messages from service requests and responses.
type TransferKind uint8

const (
	KindMessage TransferKind = iota
	KindRequest
	KindResponse
)

func (k TransferKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const (
	// DefaultMTU is the default maximum frame payload in bytes, header excluded.
	DefaultMTU = 1408
	// MinMTU keeps at least a handful of payload bytes in every frame.
	MinMTU = 16
	// DefaultQueueCapacity is the default number of datagrams the tx queue holds.
	DefaultQueueCapacity = 256
	// DefaultExtent is the default largest transfer payload accepted on receive.
	DefaultExtent = 4096
	// TransferIDTimeout bounds how long a reassembly session or the record of a
	// completed transfer id is kept.
	TransferIDTimeout = 2 * time.Second
)

// Config configures an Instance.
type Config struct {
	NodeID        uint16 // NodeIDUnset for an anonymous node
	MTU           int
	QueueCapacity int
	Extent        int
}

// TxItem is one outbound datagram.
type TxItem struct {
	Deadline   time.Time
	Priority   Priority
	Endpoint   *net.UDPAddr
	TransferID uint64
	FrameIndex uint32
	Datagram   []byte
}

// Metadata describes a received transfer.
type Metadata struct {
	Priority    Priority
	Kind        TransferKind
	Port        uint16
	Source      uint16
	Destination uint16
	TransferID  uint64
}

// RxTransfer is a reassembled inbound transfer.
type RxTransfer struct {
	Metadata
	Timestamp time.Time
	Payload   []byte
}

// AcceptResult is the outcome of feeding one datagram to Accept.
type AcceptResult uint8

const (
	// Incomplete means the datagram was consumed but no transfer is ready.
	Incomplete AcceptResult = iota
	// Complete means a transfer was reassembled.
	Complete
)

func (r AcceptResult) String() string {
	switch r {
	case Incomplete:
		return "incomplete"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// Stats counts instance activity.
type Stats struct {
	TransfersQueued   uint64 `json:"transfers_queued"`
	FramesQueued      uint64 `json:"frames_queued"`
	FramesExpired     uint64 `json:"frames_expired"`
	QueueRejections   uint64 `json:"queue_rejections"`
	FramesAccepted    uint64 `json:"frames_accepted"`
	TransfersReceived uint64 `json:"transfers_received"`
	Duplicates        uint64 `json:"duplicates"`
	Malformed         uint64 `json:"malformed"`
	CRCErrors         uint64 `json:"crc_errors"`
	SessionTimeouts   uint64 `json:"session_timeouts"`
}

// Instance fragments outbound transfers and reassembles inbound ones.
type Instance struct {
	nodeID   uint16
	mtu      int
	extent   int
	tx       *buffer.PriorityBuffer[*TxItem]
	sessions map[sessionKey]*rxSession
	stats    Stats
}

// NewInstance validates cfg and creates an instance.
func NewInstance(cfg Config) (*Instance, error) {
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Extent == 0 {
		cfg.Extent = DefaultExtent
	}
	if cfg.MTU < MinMTU {
		return nil, errors.WrapInvalid(errors.ErrInvalidParameter, "udpard", "NewInstance",
			fmt.Sprintf("validate mtu %d", cfg.MTU))
	}
	if cfg.Extent < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidParameter, "udpard", "NewInstance", "validate extent")
	}

	tx, err := buffer.NewPriorityBuffer[*TxItem](NumPriorities, cfg.QueueCapacity)
	if err != nil {
		return nil, errors.Wrap(err, "udpard", "NewInstance", "create tx queue")
	}
	return &Instance{
		nodeID:   cfg.NodeID,
		mtu:      cfg.MTU,
		extent:   cfg.Extent,
		tx:       tx,
		sessions: make(map[sessionKey]*rxSession),
	}, nil
}

// NodeID returns the local node id, NodeIDUnset when anonymous.
func (ins *Instance) NodeID() uint16 { return ins.nodeID }

// SetNodeID changes the local node id. Queued datagrams keep the id they were
// built with.
func (ins *Instance) SetNodeID(id uint16) {
	ins.nodeID = id
}

// MTU returns the maximum frame payload size.
func (ins *Instance) MTU() int { return ins.mtu }

// Stats returns a copy of the activity counters.
func (ins *Instance) Stats() Stats { return ins.stats }

// Close releases the tx queue.
func (ins *Instance) Close() error {
	return ins.tx.Close()
}
