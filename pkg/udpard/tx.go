package udpard

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/c360/cyphalnode/errors"
)

// Publish enqueues a message transfer on subject and returns the number of
// frames queued. An anonymous instance may only publish single-frame transfers.
func (ins *Instance) Publish(deadline time.Time, prio Priority, subject uint16, tid uint64, payload []byte) (int, error) {
	if subject > SubjectIDMax {
		return 0, errors.WrapInvalid(errors.ErrInvalidParameter, "udpard", "Publish",
			fmt.Sprintf("validate subject %d", subject))
	}
	if ins.nodeID == NodeIDUnset && len(payload)+TransferCRCSize > ins.mtu {
		return 0, errors.WrapInvalid(errors.ErrInvalidParameter, "udpard", "Publish", "fit anonymous transfer in one frame")
	}
	return ins.push("Publish", deadline, prio, KindMessage, subject, NodeIDUnset, tid, payload, SubjectEndpoint(subject))
}

// Request enqueues a service request to destination.
func (ins *Instance) Request(deadline time.Time, prio Priority, service, destination uint16, tid uint64, payload []byte) (int, error) {
	return ins.pushService("Request", deadline, prio, KindRequest, service, destination, tid, payload)
}

// Respond enqueues a service response to destination. tid must echo the
// request's transfer id.
func (ins *Instance) Respond(deadline time.Time, prio Priority, service, destination uint16, tid uint64, payload []byte) (int, error) {
	return ins.pushService("Respond", deadline, prio, KindResponse, service, destination, tid, payload)
}

func (ins *Instance) pushService(method string, deadline time.Time, prio Priority, kind TransferKind,
	service, destination uint16, tid uint64, payload []byte) (int, error) {
	switch {
	case service > ServiceIDMax:
		return 0, errors.WrapInvalid(errors.ErrInvalidParameter, "udpard", method,
			fmt.Sprintf("validate service %d", service))
	case destination == NodeIDUnset:
		return 0, errors.WrapInvalid(errors.ErrInvalidParameter, "udpard", method, "validate destination")
	case ins.nodeID == NodeIDUnset:
		return 0, errors.WrapInvalid(errors.ErrInvalidParameter, "udpard", method, "send service transfer from anonymous node")
	}
	return ins.push(method, deadline, prio, kind, service, destination, tid, payload, ServiceEndpoint(destination))
}

func (ins *Instance) push(method string, deadline time.Time, prio Priority, kind TransferKind, port, destination uint16,
	tid uint64, payload []byte, endpoint *net.UDPAddr) (int, error) {
	if prio >= NumPriorities {
		return 0, errors.WrapInvalid(errors.ErrInvalidParameter, "udpard", method,
			fmt.Sprintf("validate priority %d", prio))
	}

	frames := frameCount(len(payload), ins.mtu)
	if free := ins.tx.Cap() - ins.tx.Len(); frames > free {
		ins.stats.QueueRejections++
		return 0, errors.WrapTransient(errors.ErrQueueFull, "udpard", method,
			fmt.Sprintf("enqueue %d frames (%d free)", frames, free))
	}

	crc := make([]byte, TransferCRCSize)
	binary.LittleEndian.PutUint32(crc, TransferCRC(payload))
	body := make([]byte, 0, len(payload)+TransferCRCSize)
	body = append(append(body, payload...), crc...)

	header := Header{
		Priority:      prio,
		Source:        ins.nodeID,
		Destination:   destination,
		DataSpecifier: dataSpecifier(kind, port),
		TransferID:    tid,
	}
	for index := 0; index < frames; index++ {
		start := index * ins.mtu
		end := min(start+ins.mtu, len(body))

		header.FrameIndex = uint32(index)
		header.EndOfTransfer = index == frames-1

		datagram := make([]byte, HeaderSize+end-start)
		header.Encode(datagram)
		copy(datagram[HeaderSize:], body[start:end])

		item := &TxItem{
			Deadline:   deadline,
			Priority:   prio,
			Endpoint:   endpoint,
			TransferID: tid,
			FrameIndex: uint32(index),
			Datagram:   datagram,
		}
		if err := ins.tx.Push(int(prio), item); err != nil {
			return index, errors.Wrap(err, "udpard", method, "enqueue frame")
		}
	}

	ins.stats.TransfersQueued++
	ins.stats.FramesQueued += uint64(frames)
	return frames, nil
}

func frameCount(payloadSize, mtu int) int {
	return (payloadSize + TransferCRCSize + mtu - 1) / mtu
}

// Peek returns the next datagram to transmit, or nil when the queue is empty.
// Datagrams whose deadline is before now are discarded first.
func (ins *Instance) Peek(now time.Time) *TxItem {
	for {
		item, _, ok := ins.tx.Peek()
		if !ok {
			return nil
		}
		if item.Deadline.IsZero() || !now.After(item.Deadline) {
			return item
		}
		ins.tx.Pop()
		ins.stats.FramesExpired++
	}
}

// Pop removes the datagram last returned by Peek.
func (ins *Instance) Pop() *TxItem {
	item, _, ok := ins.tx.Pop()
	if !ok {
		return nil
	}
	return item
}

// QueueLen returns the number of queued datagrams.
func (ins *Instance) QueueLen() int { return ins.tx.Len() }
