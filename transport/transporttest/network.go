// Package transporttest provides an in-memory multicast segment for tests.
package transporttest

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// Network is an in-memory multicast segment. The zero value is ready to use.
// Every Listen call attaches a new Conn with its own address.
type Network struct {
	mu    sync.Mutex
	conns []*Conn
	next  int
}

type packet struct {
	data []byte
	from net.Addr
}

// Listen satisfies transport.ListenFunc.
func (n *Network) Listen(_, _ string) (net.PacketConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	c := &Conn{
		net:    n,
		addr:   &net.UDPAddr{IP: net.IPv4(192, 0, 2, byte(n.next)), Port: 9382},
		groups: make(map[string]bool),
		inbox:  make(chan packet, 64),
	}
	n.conns = append(n.conns, c)
	return c, nil
}

func (n *Network) deliver(from *Conn, data []byte, dst *net.UDPAddr) {
	n.mu.Lock()
	conns := append([]*Conn(nil), n.conns...)
	n.mu.Unlock()

	for _, c := range conns {
		if !c.member(dst.IP) {
			continue
		}
		select {
		case c.inbox <- packet{data: append([]byte(nil), data...), from: from.addr}:
		default:
		}
	}
}

// Conn is one endpoint on a Network. It implements net.PacketConn and
// transport.GroupMembership.
type Conn struct {
	net  *Network
	addr *net.UDPAddr

	mu            sync.Mutex
	groups        map[string]bool
	joins, leaves []string
	readDeadline  time.Time
	closed        bool
	writeErr      error
	shortWrite    bool
	inbox         chan packet
}

func (c *Conn) member(ip net.IP) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.groups[ip.String()]
}

func (c *Conn) JoinGroup(_ *net.Interface, group net.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ip := group.(*net.UDPAddr).IP.String()
	c.groups[ip] = true
	c.joins = append(c.joins, ip)
	return nil
}

func (c *Conn) LeaveGroup(_ *net.Interface, group net.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ip := group.(*net.UDPAddr).IP.String()
	delete(c.groups, ip)
	c.leaves = append(c.leaves, ip)
	return nil
}

func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, nil, net.ErrClosed
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case p := <-c.inbox:
		return copy(b, p.data), p.from, nil
	case <-timer.C:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	writeErr, short, closed := c.writeErr, c.shortWrite, c.closed
	c.mu.Unlock()
	switch {
	case closed:
		return 0, net.ErrClosed
	case writeErr != nil:
		return 0, writeErr
	case short:
		return len(b) / 2, nil
	}
	dst, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, errors.New("transporttest: not a udp address")
	}
	c.net.deliver(c, b, dst)
	return len(b), nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) LocalAddr() net.Addr { return c.addr }

func (c *Conn) SetDeadline(t time.Time) error {
	_ = c.SetWriteDeadline(t)
	return c.SetReadDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

// SetWriteErr makes every write fail with err until cleared with nil.
func (c *Conn) SetWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// SetShortWrite makes writes report half the bytes written.
func (c *Conn) SetShortWrite(short bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shortWrite = short
}

// Addr returns the endpoint address.
func (c *Conn) Addr() *net.UDPAddr { return c.addr }

// Joins returns every group joined, in order.
func (c *Conn) Joins() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joins...)
}

// Leaves returns every group left, in order.
func (c *Conn) Leaves() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.leaves...)
}

func (c *Conn) String() string { return fmt.Sprintf("transporttest(%s)", c.addr) }
