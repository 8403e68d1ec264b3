package udpard

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cyphalnode/errors"
)

func newInstance(t *testing.T, cfg Config) *Instance {
	t.Helper()
	ins, err := NewInstance(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ins.Close() })
	return ins
}

func drain(ins *Instance, now time.Time) []*TxItem {
	var out []*TxItem
	for ins.Peek(now) != nil {
		out = append(out, ins.Pop())
	}
	return out
}

func TestCRC(t *testing.T) {
	check := []byte("123456789")
	assert.Equal(t, uint16(0x29B1), HeaderCRC(check))
	assert.Equal(t, uint32(0xE3069283), TransferCRC(check))
	assert.Equal(t, HeaderCRC(check), uint16(newCRC16().Add(check[:4]).Add(check[4:])))
}

func TestHeaderRoundTrip(t *testing.T) {
	in := Header{
		Priority:      3,
		Source:        42,
		Destination:   7,
		DataSpecifier: dataSpecifier(KindRequest, 430),
		TransferID:    0x0102030405060708,
		FrameIndex:    5,
		EndOfTransfer: true,
	}
	buf := make([]byte, HeaderSize)
	in.Encode(buf)

	out, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, KindRequest, out.Kind())
	assert.Equal(t, uint16(430), out.Port())

	assert.Equal(t, byte(HeaderVersion), buf[0])
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x80}, buf[16:20])

	buf[8] ^= 0xFF
	_, err = DecodeHeader(buf)
	assert.ErrorIs(t, err, ErrHeaderCRC)

	_, err = DecodeHeader(buf[:HeaderSize-1])
	assert.ErrorIs(t, err, ErrMalformedFrame)
	assert.Equal(t, errors.KindReceiveFailed, errors.KindOf(ErrMalformedFrame))
}

func TestEndpoints(t *testing.T) {
	ep := SubjectEndpoint(7509)
	assert.True(t, ep.IP.Equal(net.IPv4(239, 0, 29, 85)))
	assert.Equal(t, DefaultPort, ep.Port)
	assert.True(t, IsSubjectGroup(ep.IP))

	svc := ServiceEndpoint(2)
	assert.True(t, svc.IP.Equal(net.IPv4(239, 1, 0, 2)))
	assert.False(t, IsSubjectGroup(svc.IP))
}

func TestPublishAccept_SingleFrame(t *testing.T) {
	now := time.Unix(1000, 0)
	tx := newInstance(t, Config{NodeID: 42})
	rx := newInstance(t, Config{NodeID: 10})

	payload := []byte{1, 2, 3, 4, 5, 6, 7}
	frames, err := tx.Publish(now.Add(time.Second), 4, 7509, 9, payload)
	require.NoError(t, err)
	assert.Equal(t, 1, frames)

	items := drain(tx, now)
	require.Len(t, items, 1)
	assert.Equal(t, HeaderSize+len(payload)+TransferCRCSize, len(items[0].Datagram))
	assert.True(t, items[0].Endpoint.IP.Equal(net.IPv4(239, 0, 29, 85)))

	result, transfer, err := rx.Accept(now, items[0].Datagram)
	require.NoError(t, err)
	require.Equal(t, Complete, result)
	assert.Equal(t, payload, transfer.Payload)
	assert.Equal(t, Metadata{
		Priority:    4,
		Kind:        KindMessage,
		Port:        7509,
		Source:      42,
		Destination: NodeIDUnset,
		TransferID:  9,
	}, transfer.Metadata)
}

func TestPublishAccept_MultiFrameOutOfOrder(t *testing.T) {
	now := time.Unix(1000, 0)
	tx := newInstance(t, Config{NodeID: 1, MTU: 16})
	rx := newInstance(t, Config{NodeID: 2})

	payload := bytes.Repeat([]byte{0xA5, 0x5A}, 20)
	frames, err := tx.Publish(time.Time{}, 2, 100, 1, payload)
	require.NoError(t, err)
	require.Equal(t, 3, frames)

	items := drain(tx, now)
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, uint32(i), item.FrameIndex)
	}

	for _, i := range []int{2, 0} {
		result, transfer, err := rx.Accept(now, items[i].Datagram)
		require.NoError(t, err)
		assert.Equal(t, Incomplete, result)
		assert.Nil(t, transfer)
	}
	assert.Equal(t, 1, rx.Sessions())

	result, transfer, err := rx.Accept(now, items[1].Datagram)
	require.NoError(t, err)
	require.Equal(t, Complete, result)
	assert.Equal(t, payload, transfer.Payload)
	assert.Equal(t, uint64(1), rx.Stats().TransfersReceived)
}

func TestTxQueue_PriorityAndDeadline(t *testing.T) {
	now := time.Unix(1000, 0)
	ins := newInstance(t, Config{NodeID: 1})

	_, err := ins.Publish(now.Add(time.Second), 6, 10, 0, []byte{6})
	require.NoError(t, err)
	_, err = ins.Publish(now.Add(time.Second), 1, 11, 0, []byte{1})
	require.NoError(t, err)
	_, err = ins.Publish(now.Add(-time.Millisecond), 0, 12, 0, []byte{0})
	require.NoError(t, err)

	items := drain(ins, now)
	require.Len(t, items, 2)
	assert.Equal(t, Priority(1), items[0].Priority)
	assert.Equal(t, Priority(6), items[1].Priority)
	assert.Equal(t, uint64(1), ins.Stats().FramesExpired)
	assert.Nil(t, ins.Pop())
}

func TestTxQueue_FullRejectsWholeTransfer(t *testing.T) {
	ins := newInstance(t, Config{NodeID: 1, MTU: 16, QueueCapacity: 2})

	_, err := ins.Publish(time.Time{}, 4, 10, 0, make([]byte, 40))
	require.ErrorIs(t, err, errors.ErrQueueFull)
	assert.Equal(t, 0, ins.QueueLen())
	assert.Equal(t, uint64(1), ins.Stats().QueueRejections)

	frames, err := ins.Publish(time.Time{}, 4, 10, 0, make([]byte, 20))
	require.NoError(t, err)
	assert.Equal(t, 2, frames)
}

func TestPublish_Validation(t *testing.T) {
	ins := newInstance(t, Config{NodeID: 1})

	_, err := ins.Publish(time.Time{}, 8, 10, 0, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
	_, err = ins.Publish(time.Time{}, 4, SubjectIDMax+1, 0, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
	_, err = ins.Request(time.Time{}, 4, ServiceIDMax+1, 2, 0, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
	_, err = ins.Request(time.Time{}, 4, 430, NodeIDUnset, 0, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)

	_, err = NewInstance(Config{MTU: MinMTU - 1})
	assert.True(t, errors.IsInvalid(err))
}

func TestAnonymous(t *testing.T) {
	now := time.Unix(1000, 0)
	anon := newInstance(t, Config{NodeID: NodeIDUnset, MTU: 16})
	rx := newInstance(t, Config{NodeID: 5})

	_, err := anon.Publish(time.Time{}, 4, 8166, 0, make([]byte, 13))
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
	_, err = anon.Request(time.Time{}, 4, 430, 5, 0, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)

	_, err = anon.Publish(time.Time{}, 4, 8166, 0, []byte{1, 2, 3})
	require.NoError(t, err)
	item := anon.Pop()
	require.NotNil(t, item)

	result, transfer, err := rx.Accept(now, item.Datagram)
	require.NoError(t, err)
	require.Equal(t, Complete, result)
	assert.Equal(t, NodeIDUnset, transfer.Source)

	header := Header{Priority: 4, Source: NodeIDUnset, Destination: NodeIDUnset, DataSpecifier: 8166}
	datagram := make([]byte, HeaderSize+8)
	header.Encode(datagram)
	_, _, err = rx.Accept(now, datagram)
	assert.ErrorIs(t, err, ErrAnonymousMultiFrame)
}

func TestService_Addressing(t *testing.T) {
	now := time.Unix(1000, 0)
	client := newInstance(t, Config{NodeID: 1})
	server := newInstance(t, Config{NodeID: 2})
	other := newInstance(t, Config{NodeID: 3})

	_, err := client.Request(time.Time{}, 4, 430, 2, 77, []byte("ping"))
	require.NoError(t, err)
	item := client.Pop()
	require.NotNil(t, item)
	assert.True(t, item.Endpoint.IP.Equal(net.IPv4(239, 1, 0, 2)))

	result, transfer, err := other.Accept(now, item.Datagram)
	require.NoError(t, err)
	assert.Equal(t, Incomplete, result)
	assert.Nil(t, transfer)

	result, transfer, err = server.Accept(now, item.Datagram)
	require.NoError(t, err)
	require.Equal(t, Complete, result)
	assert.Equal(t, KindRequest, transfer.Kind)
	assert.Equal(t, uint16(1), transfer.Source)

	_, err = server.Respond(time.Time{}, 4, 430, transfer.Source, transfer.TransferID, []byte("pong"))
	require.NoError(t, err)
	reply := server.Pop()
	require.NotNil(t, reply)

	result, transfer, err = client.Accept(now, reply.Datagram)
	require.NoError(t, err)
	require.Equal(t, Complete, result)
	assert.Equal(t, KindResponse, transfer.Kind)
	assert.Equal(t, uint64(77), transfer.TransferID)
	assert.Equal(t, []byte("pong"), transfer.Payload)
}

func TestAccept_DuplicatesAndTimeout(t *testing.T) {
	now := time.Unix(1000, 0)
	tx := newInstance(t, Config{NodeID: 1})
	rx := newInstance(t, Config{NodeID: 2})

	_, err := tx.Publish(time.Time{}, 4, 10, 5, []byte{1})
	require.NoError(t, err)
	item := tx.Pop()

	result, _, err := rx.Accept(now, item.Datagram)
	require.NoError(t, err)
	require.Equal(t, Complete, result)

	_, _, err = rx.Accept(now.Add(time.Second), item.Datagram)
	assert.ErrorIs(t, err, ErrDuplicateTransfer)
	assert.Equal(t, uint64(1), rx.Stats().Duplicates)

	result, _, err = rx.Accept(now.Add(time.Second+TransferIDTimeout), item.Datagram)
	require.NoError(t, err)
	assert.Equal(t, Complete, result)
}

func TestAccept_StaleSessionExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	tx := newInstance(t, Config{NodeID: 1, MTU: 16})
	rx := newInstance(t, Config{NodeID: 2})

	_, err := tx.Publish(time.Time{}, 4, 10, 1, make([]byte, 20))
	require.NoError(t, err)
	first := tx.Pop()

	result, _, err := rx.Accept(now, first.Datagram)
	require.NoError(t, err)
	assert.Equal(t, Incomplete, result)

	_, err = tx.Publish(time.Time{}, 4, 11, 1, []byte{1})
	require.NoError(t, err)
	tx.Pop()
	unrelated := tx.Pop()
	require.NotNil(t, unrelated)

	_, _, err = rx.Accept(now.Add(TransferIDTimeout), unrelated.Datagram)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rx.Stats().SessionTimeouts)
}

func TestAccept_TransferCRC(t *testing.T) {
	now := time.Unix(1000, 0)
	tx := newInstance(t, Config{NodeID: 1})
	rx := newInstance(t, Config{NodeID: 2})

	_, err := tx.Publish(time.Time{}, 4, 10, 0, []byte{1, 2, 3})
	require.NoError(t, err)
	item := tx.Pop()
	item.Datagram[HeaderSize] ^= 0xFF

	result, transfer, err := rx.Accept(now, item.Datagram)
	assert.ErrorIs(t, err, ErrTransferCRC)
	assert.Equal(t, Incomplete, result)
	assert.Nil(t, transfer)
	assert.Equal(t, uint64(1), rx.Stats().CRCErrors)
}

func TestAccept_Extent(t *testing.T) {
	now := time.Unix(1000, 0)
	tx := newInstance(t, Config{NodeID: 1})
	rx := newInstance(t, Config{NodeID: 2, Extent: 4})

	_, err := tx.Publish(time.Time{}, 4, 10, 0, make([]byte, 8))
	require.NoError(t, err)
	_, _, err = rx.Accept(now, tx.Pop().Datagram)
	assert.ErrorIs(t, err, ErrTransferTooLarge)
}
