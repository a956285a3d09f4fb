//go:build linux
// +build linux

// File: tcpserver/tcpserver.go
// Author: momentics <momentics@gmail.com>
//
// Package tcpserver is the "TCP server shim" of spec.md §4.7: bind a set
// of listening addresses, run one accept loop per listener on an
// accept-dedicated IOManager, and dispatch each accepted connection as a
// fresh handler fiber on an io-dedicated IOManager. Grounded on
// original_source/sylar/tcp_server.cc (the start()/accept-loop-per-
// listener/handleClient split) and the teacher's examples/echo/main.go
// (flag-driven listen address, signal-driven shutdown, per-connection
// logging).
package tcpserver

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/momentics/corosched/fdtable"
	"github.com/momentics/corosched/hook"
	"github.com/momentics/corosched/ioreactor"
	"github.com/momentics/corosched/netaddr"
	"github.com/momentics/corosched/rtlog"
	"github.com/momentics/corosched/sched"
)

// Handler is invoked once per accepted connection, on a fresh fiber
// scheduled on the server's io Manager. Subclassing sylar's
// TcpServer::handleClient becomes "pass a different Handler".
type Handler func(e *hook.Env, conn *netaddr.Socket)

// Server binds zero or more listening addresses and fans accepted
// connections out to Handler, the equivalent of sylar's TcpServer.
type Server struct {
	Name             string
	RecvTimeoutMs    int64
	AcceptIO         *ioreactor.Manager
	IO               *ioreactor.Manager
	HandleClient     Handler

	log *rtlog.Logger
	// fds is shared by the accept and io sides: a connection's FdContext
	// (non-blocking flags, timeouts) is created once by Accept and must
	// stay visible to the handler fiber that later calls Recv/Send on the
	// same fd, even though the two run on different Managers — matching
	// sylar's single process-wide FdManager rather than one table per
	// IOManager.
	fds *fdtable.Table

	mu        sync.Mutex
	listeners []*netaddr.Socket
	stopped   atomic.Bool
	wg        sync.WaitGroup
}

// New constructs a Server. acceptIO runs the accept loops; io runs the
// per-connection handlers — keeping them on separate Managers lets the
// accept path stay responsive even while handlers are busy, mirroring
// sylar's TcpServer(accept_worker, io_worker) split.
func New(name string, acceptIO, io *ioreactor.Manager, handler Handler) *Server {
	return &Server{
		Name:          name,
		RecvTimeoutMs: -1,
		AcceptIO:      acceptIO,
		IO:            io,
		HandleClient:  handler,
		log:           rtlog.Named("tcpserver." + name),
		fds:           fdtable.New(),
	}
}

// Bind creates, binds, and listens a socket for each address, the
// equivalent of TcpServer::bind(std::vector<Address::ptr>).
func (s *Server) Bind(addrs []netaddr.Address, backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := s.acceptEnv(nil)
	for _, addr := range addrs {
		sock, err := netaddr.CreateTCP(env, addr)
		if err != nil {
			return fmt.Errorf("tcpserver: create socket for %s: %w", addr.String(), err)
		}
		if err := sock.Bind(addr); err != nil {
			return fmt.Errorf("tcpserver: bind %s: %w", addr.String(), err)
		}
		if err := sock.Listen(backlog); err != nil {
			return fmt.Errorf("tcpserver: listen %s: %w", addr.String(), err)
		}
		s.listeners = append(s.listeners, sock)
		s.log.Infof("bind %s", addr.String())
	}
	return nil
}

// acceptEnv builds a *hook.Env bound to w (nil is fine for calls, such as
// Bind's plain socket()/bind()/listen(), that never actually suspend).
func (s *Server) acceptEnv(w *sched.Worker) *hook.Env {
	return &hook.Env{Worker: w, IO: s.AcceptIO, Fds: s.fds}
}

func (s *Server) ioEnv(w *sched.Worker) *hook.Env {
	return &hook.Env{Worker: w, IO: s.IO, Fds: s.fds}
}

// Start schedules one accept loop per bound listener onto AcceptIO. It
// returns immediately; call Stop to tear everything down.
func (s *Server) Start() {
	s.mu.Lock()
	listeners := append([]*netaddr.Socket(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l := l
		s.wg.Add(1)
		s.AcceptIO.ScheduleFunc(func(w *sched.Worker) {
			defer s.wg.Done()
			s.acceptLoop(w, l)
		}, sched.AnyThread)
	}
}

// acceptLoop runs until the server is stopped, scheduling HandleClient for
// every accepted connection onto IO. An Accept error while the server is
// still running is logged and the loop accepts again; no error ends it.
func (s *Server) acceptLoop(w *sched.Worker, listener *netaddr.Socket) {
	env := s.acceptEnv(w)
	for !s.stopped.Load() {
		conn, err := listener.Accept(env)
		if err != nil {
			if s.stopped.Load() {
				return
			}
			s.log.Warnf("accept: %v", err)
			continue
		}
		s.log.Infof("accepted fd=%d from %s", conn.Fd(), addrString(conn.RemoteAddress()))
		s.dispatch(conn)
	}
}

func (s *Server) dispatch(conn *netaddr.Socket) {
	s.wg.Add(1)
	s.IO.ScheduleFunc(func(w *sched.Worker) {
		defer s.wg.Done()
		env := s.ioEnv(w)
		if s.RecvTimeoutMs >= 0 {
			conn.SetRecvTimeout(env, s.RecvTimeoutMs)
		}
		defer func() { _ = conn.Close(env) }()
		s.HandleClient(env, conn)
	}, sched.AnyThread)
}

// Stop marks the server stopped and closes every listener, which
// interrupts any accept loop parked in a hooked Accept.
func (s *Server) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	env := s.acceptEnv(nil)
	for _, l := range listeners {
		_ = l.Close(env)
	}
}

func addrString(a netaddr.Address) string {
	if a == nil {
		return "?"
	}
	return a.String()
}
