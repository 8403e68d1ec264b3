package udpard

import (
	"encoding/binary"
	"sort"
	"time"
)

type sessionKey struct {
	source        uint16
	dataSpecifier uint16
}

type rxSession struct {
	started time.Time
	updated time.Time
	tid     uint64
	active  bool
	frames  map[uint32][]byte
	size    int
	last    int64 // index of the end-of-transfer frame, -1 until seen

	hasCompleted  bool
	completedTID  uint64
	completedTime time.Time
}

func (s *rxSession) begin(ts time.Time, tid uint64) {
	s.started = ts
	s.tid = tid
	s.active = true
	s.frames = make(map[uint32][]byte)
	s.size = 0
	s.last = -1
}

func (s *rxSession) abandon() {
	s.active = false
	s.frames = nil
	s.size = 0
}

// Accept consumes one received datagram. Frames addressed to another node are
// ignored and reported as Incomplete. The returned error is non-nil only for
// frames that were rejected.
func (ins *Instance) Accept(ts time.Time, datagram []byte) (AcceptResult, *RxTransfer, error) {
	header, err := DecodeHeader(datagram)
	if err != nil {
		ins.stats.Malformed++
		return Incomplete, nil, err
	}
	kind := header.Kind()
	if kind != KindMessage && header.Destination != ins.nodeID {
		return Incomplete, nil, nil
	}
	ins.stats.FramesAccepted++

	payload := datagram[HeaderSize:]
	meta := Metadata{
		Priority:    header.Priority,
		Kind:        kind,
		Port:        header.Port(),
		Source:      header.Source,
		Destination: header.Destination,
		TransferID:  header.TransferID,
	}

	if header.Source == NodeIDUnset {
		if header.FrameIndex != 0 || !header.EndOfTransfer {
			ins.stats.Malformed++
			return Incomplete, nil, ErrAnonymousMultiFrame
		}
		return ins.complete(meta, ts, payload)
	}

	ins.expireSessions(ts)

	key := sessionKey{source: header.Source, dataSpecifier: header.DataSpecifier}
	s, ok := ins.sessions[key]
	if !ok {
		s = &rxSession{last: -1}
		ins.sessions[key] = s
	}
	s.updated = ts

	if s.hasCompleted && header.TransferID <= s.completedTID && ts.Sub(s.completedTime) < TransferIDTimeout {
		ins.stats.Duplicates++
		return Incomplete, nil, ErrDuplicateTransfer
	}

	if s.active && header.TransferID != s.tid {
		if header.TransferID < s.tid {
			ins.stats.Duplicates++
			return Incomplete, nil, ErrDuplicateTransfer
		}
		s.abandon()
	}
	if !s.active {
		s.begin(ts, header.TransferID)
	}

	if _, seen := s.frames[header.FrameIndex]; seen {
		ins.stats.Duplicates++
		return Incomplete, nil, ErrDuplicateTransfer
	}
	if s.size+len(payload) > ins.extent+TransferCRCSize {
		s.abandon()
		ins.stats.Malformed++
		return Incomplete, nil, ErrTransferTooLarge
	}
	s.frames[header.FrameIndex] = append([]byte(nil), payload...)
	s.size += len(payload)
	if header.EndOfTransfer {
		s.last = int64(header.FrameIndex)
	}

	if s.last < 0 || int64(len(s.frames)) != s.last+1 {
		return Incomplete, nil, nil
	}

	indices := make([]uint32, 0, len(s.frames))
	for index := range s.frames {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	body := make([]byte, 0, s.size)
	for _, index := range indices {
		body = append(body, s.frames[index]...)
	}

	started := s.started
	s.abandon()
	result, transfer, err := ins.complete(meta, started, body)
	if err == nil {
		s.hasCompleted = true
		s.completedTID = header.TransferID
		s.completedTime = ts
	}
	return result, transfer, err
}

func (ins *Instance) complete(meta Metadata, ts time.Time, body []byte) (AcceptResult, *RxTransfer, error) {
	if len(body) < TransferCRCSize {
		ins.stats.Malformed++
		return Incomplete, nil, ErrMalformedFrame
	}
	split := len(body) - TransferCRCSize
	if TransferCRC(body[:split]) != binary.LittleEndian.Uint32(body[split:]) {
		ins.stats.CRCErrors++
		return Incomplete, nil, ErrTransferCRC
	}
	if split > ins.extent {
		ins.stats.Malformed++
		return Incomplete, nil, ErrTransferTooLarge
	}
	ins.stats.TransfersReceived++
	return Complete, &RxTransfer{
		Metadata:  meta,
		Timestamp: ts,
		Payload:   append([]byte(nil), body[:split]...),
	}, nil
}

// expireSessions drops reassembly state that has been idle longer than
// TransferIDTimeout.
func (ins *Instance) expireSessions(now time.Time) {
	for key, s := range ins.sessions {
		if now.Sub(s.updated) < TransferIDTimeout {
			continue
		}
		if s.active {
			ins.stats.SessionTimeouts++
		}
		delete(ins.sessions, key)
	}
}

// Sessions returns the number of live reassembly sessions.
func (ins *Instance) Sessions() int { return len(ins.sessions) }
