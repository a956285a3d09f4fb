//go:build linux
// +build linux

// File: netaddr/socket.go
// Author: momentics <momentics@gmail.com>
//
// Socket is the Go counterpart of sylar's Socket class (socket.cc): a thin,
// hookable wrapper around a raw fd that knows its own family/type/protocol
// and local/remote Address, and that routes every blocking-looking
// operation through package hook so it participates in the reactor instead
// of parking an OS thread. Bind/Listen stay unhooked (they never block);
// Accept/Connect/Send/Recv/Close go through hook.Env exactly as spec.md
// §4.7's address/socket wrapper capability set requires.
package netaddr

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/corosched/bytearray"
	"github.com/momentics/corosched/fdtable"
	"github.com/momentics/corosched/hook"
	"github.com/momentics/corosched/ioreactor"
)

// Socket is a single connection or listening endpoint, the equivalent of
// sylar's Socket (fd + family + type + protocol + connected + local/remote
// Address).
type Socket struct {
	fd        int
	family    int
	sockType  int
	protocol  int
	connected bool
	local     Address
	remote    Address
}

// WrapFd builds a Socket around an already-open, already-connected fd of
// the given family (e.g. one half of a unix.Socketpair), for callers that
// obtained their fd outside netaddr's own Create/Accept/Connect paths.
func WrapFd(fd, family int) *Socket {
	return &Socket{fd: fd, family: family, sockType: unix.SOCK_STREAM, connected: true}
}

// Fd returns the underlying file descriptor.
func (s *Socket) Fd() int { return s.fd }

// IsConnected reports whether Connect or Accept has established a peer.
func (s *Socket) IsConnected() bool { return s.connected }

// LocalAddress returns the address most recently recorded via Bind,
// Connect, or Accept, or nil if none is known yet.
func (s *Socket) LocalAddress() Address { return s.local }

// RemoteAddress returns the peer address recorded by Connect or Accept, or
// nil for a socket that has not connected.
func (s *Socket) RemoteAddress() Address { return s.remote }

// newSocket creates a raw socket of the given family/type/protocol via the
// hooked Socket call, registering it with e's fd table so the runtime's
// forced-non-blocking invariant applies from the start.
func newSocket(e *hook.Env, family, sockType, protocol int) (*Socket, error) {
	fd, err := hook.Socket(e, family, sockType, protocol)
	if err != nil {
		return nil, fmt.Errorf("netaddr: socket: %w", err)
	}
	return &Socket{fd: fd, family: family, sockType: sockType, protocol: protocol}, nil
}

// NewSocket builds a raw socket of the given family/type/protocol, the
// general form CreateTCP/CreateUDP specialize — exported for callers (unix
// domain stream sockets, raw sockets) that don't fit either convenience
// constructor.
func NewSocket(e *hook.Env, family, sockType, protocol int) (*Socket, error) {
	return newSocket(e, family, sockType, protocol)
}

// CreateTCP builds a stream socket matching addr's family, the equivalent
// of sylar's Socket::CreateTCP(Address::ptr). Unix-domain addresses get
// protocol 0 (IPPROTO_TCP only applies to AF_INET/AF_INET6).
func CreateTCP(e *hook.Env, addr Address) (*Socket, error) {
	proto := unix.IPPROTO_TCP
	if addr.Family() == unix.AF_UNIX {
		proto = 0
	}
	return newSocket(e, addr.Family(), unix.SOCK_STREAM, proto)
}

// CreateUDP builds a datagram socket matching addr's family, the
// equivalent of Socket::CreateUDP(Address::ptr).
func CreateUDP(e *hook.Env, addr Address) (*Socket, error) {
	proto := unix.IPPROTO_UDP
	if addr.Family() == unix.AF_UNIX {
		proto = 0
	}
	return newSocket(e, addr.Family(), unix.SOCK_DGRAM, proto)
}

// Bind binds the socket to addr and records it as the local address.
func (s *Socket) Bind(addr Address) error {
	sa, err := addr.SockAddr()
	if err != nil {
		return fmt.Errorf("netaddr: bind sockaddr: %w", err)
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return fmt.Errorf("netaddr: bind: %w", err)
	}
	s.local = addr
	return nil
}

// Listen marks the socket as a listener with the given backlog.
func (s *Socket) Listen(backlog int) error {
	if err := unix.Listen(s.fd, backlog); err != nil {
		return fmt.Errorf("netaddr: listen: %w", err)
	}
	return nil
}

// Accept blocks the calling fiber (via the hooked accept path) until a
// connection arrives, returning a fresh connected Socket sharing this
// listener's family/type/protocol.
func (s *Socket) Accept(e *hook.Env) (*Socket, error) {
	nfd, sa, err := hook.Accept(e, s.fd)
	if err != nil {
		return nil, fmt.Errorf("netaddr: accept: %w", err)
	}
	peer := addressFromSockaddr(sa)
	return &Socket{
		fd: nfd, family: s.family, sockType: s.sockType, protocol: s.protocol,
		connected: true, local: s.local, remote: peer,
	}, nil
}

// Connect performs a (possibly hooked, possibly timed-out) connect to
// addr. A negative timeout uses e's configured default.
func (s *Socket) Connect(e *hook.Env, addr Address, timeoutMs int64) error {
	sa, err := addr.SockAddr()
	if err != nil {
		return fmt.Errorf("netaddr: connect sockaddr: %w", err)
	}
	timeout := time.Duration(-1)
	if timeoutMs >= 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	if err := hook.Connect(e, s.fd, sa, timeout); err != nil {
		return fmt.Errorf("netaddr: connect: %w", err)
	}
	s.connected = true
	s.remote = addr
	return nil
}

// Send writes p through the hooked write path.
func (s *Socket) Send(e *hook.Env, p []byte) (int, error) {
	return hook.Write(e, s.fd, p)
}

// Recv reads into p through the hooked read path.
func (s *Socket) Recv(e *hook.Env, p []byte) (int, error) {
	return hook.Read(e, s.fd, p)
}

// SendV writes up to length unread bytes from ba through a single
// vectored writev call, gathering ba's scatter-gather read view
// (ba.ReadIOVec) into one syscall instead of copying it into a flat
// slice first, then advancing ba's read cursor by however many bytes the
// kernel actually accepted.
func (s *Socket) SendV(e *hook.Env, ba *bytearray.ByteArray, length int) (int, error) {
	iov := ba.ReadIOVec(length)
	n, err := hook.Writev(e, s.fd, iov)
	if n > 0 {
		if serr := ba.SetPosition(ba.Position() + n); serr != nil {
			return n, serr
		}
	}
	return n, err
}

// RecvV reads up to length bytes into ba through a single vectored readv
// call, scattering directly into ba's freshly reserved block chain
// (ba.WriteIOVec) instead of reading into a flat slice and copying it in,
// then committing however many bytes the kernel actually delivered.
func (s *Socket) RecvV(e *hook.Env, ba *bytearray.ByteArray, length int) (int, error) {
	iov := ba.WriteIOVec(length)
	n, err := hook.Readv(e, s.fd, iov)
	if n > 0 {
		if cerr := ba.Commit(n); cerr != nil {
			return n, cerr
		}
	}
	return n, err
}

// SendTo writes p to addr via the hooked sendto path — the datagram-
// oriented counterpart of Send, which always targets the connected peer.
func (s *Socket) SendTo(e *hook.Env, p []byte, addr Address) (int, error) {
	sa, err := addr.SockAddr()
	if err != nil {
		return 0, fmt.Errorf("netaddr: sendto sockaddr: %w", err)
	}
	return hook.Sendto(e, s.fd, p, 0, sa)
}

// RecvFrom reads into p via the hooked recvfrom path, also returning the
// sender's address — the datagram-oriented counterpart of Recv, which
// discards it.
func (s *Socket) RecvFrom(e *hook.Env, p []byte) (int, Address, error) {
	n, sa, err := hook.Recvfrom(e, s.fd, p, 0)
	if err != nil {
		return n, nil, err
	}
	return n, addressFromSockaddr(sa), nil
}

// SetRecvTimeout configures the per-fd receive timeout consulted by Recv's
// retry loop, the equivalent of setsockopt(SO_RCVTIMEO).
func (s *Socket) SetRecvTimeout(e *hook.Env, ms int64) {
	hook.SetTimeout(e, s.fd, fdtable.RecvTimeout, time.Duration(ms)*time.Millisecond)
}

// SetSendTimeout configures the per-fd send timeout.
func (s *Socket) SetSendTimeout(e *hook.Env, ms int64) {
	hook.SetTimeout(e, s.fd, fdtable.SendTimeout, time.Duration(ms)*time.Millisecond)
}

// CancelRead cancels any pending read registration on this socket's fd,
// resuming the waiting fiber with a synthetic "event fired" wakeup rather
// than waiting for real readiness or a timeout.
func (s *Socket) CancelRead(e *hook.Env) bool {
	if e == nil || e.IO == nil {
		return false
	}
	return e.IO.CancelEvent(s.fd, ioreactor.EventRead)
}

// CancelWrite is CancelRead's write-side counterpart.
func (s *Socket) CancelWrite(e *hook.Env) bool {
	if e == nil || e.IO == nil {
		return false
	}
	return e.IO.CancelEvent(s.fd, ioreactor.EventWrite)
}

// Close cancels every pending event on the fd and closes it through the
// hooked close path.
func (s *Socket) Close(e *hook.Env) error {
	return hook.Close(e, s.fd)
}

func addressFromSockaddr(sa unix.Sockaddr) Address {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &IPv4Address{ip: v.Addr, port: uint16(v.Port)}
	case *unix.SockaddrInet6:
		return &IPv6Address{ip: v.Addr, port: uint16(v.Port)}
	case *unix.SockaddrUnix:
		return &UnixAddress{path: v.Name}
	default:
		return nil
	}
}
