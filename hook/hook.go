//go:build linux
// +build linux

// File: hook/hook.go
// Author: momentics <momentics@gmail.com>
//
// Package hook is the Go-native substitute for sylar's hook.cc symbol
// interposition: Go has no portable dlsym(RTLD_NEXT, ...)-style runtime
// symbol replacement, so instead of silently rewriting libc calls this
// package exposes the same blocking-looking API as explicit functions that
// take a *Env (the idiomatic-Go substitute for hook.cc's thread_local
// t_hook_enable flag and the IOManager/FdMgr singletons it reaches for).
// Call these instead of the raw unix.* syscalls from code running on a
// sched.Worker and they transparently become non-blocking + yield-and-
// resume under the hood; call them with a nil or HookEnabled=false Env and
// they fall straight through to the underlying syscall, matching
// do_io's "!t_hook_enable -> call the old function" fast path.
package hook

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/corosched/fdtable"
	"github.com/momentics/corosched/ioreactor"
	"github.com/momentics/corosched/sched"
)

// DefaultConnectTimeout mirrors g_tcp_connect_timeout's 5000ms default.
const DefaultConnectTimeout = 5000 * time.Millisecond

// fionbio is the Linux FIONBIO ioctl request number; golang.org/x/sys/unix
// does not export it directly.
const fionbio = 0x5421

// Env is the explicit context every hook function takes in place of
// thread-local state: which worker (and therefore which fiber) is asking,
// which reactor owns its timers and event registrations, and which fd
// table classifies the descriptors involved.
type Env struct {
	Worker *sched.Worker
	IO     *ioreactor.Manager
	Fds    *fdtable.Table

	// ConnectTimeout is consulted by Connect when the caller passes a
	// negative timeout, mirroring s_connect_timeout.
	ConnectTimeout time.Duration
}

func (e *Env) enabled() bool {
	return e != nil && e.Worker != nil && e.Worker.HookEnabled
}

// Sleep parks the current fiber for d and resumes it via a one-shot timer
// scheduled back onto e.IO, rather than blocking the OS thread.
func Sleep(e *Env, d time.Duration) {
	if !e.enabled() {
		time.Sleep(d)
		return
	}
	cur := e.Worker.Current()
	cur.YieldForIO(func() {
		e.IO.Timers().Add(d.Milliseconds(), func() {
			e.IO.ScheduleFiber(cur, sched.AnyThread)
		}, false)
	})
}

// Usleep is the hooked counterpart of usleep(3): usec microseconds,
// expressed in terms of Sleep.
func Usleep(e *Env, usec uint) {
	Sleep(e, time.Duration(usec)*time.Microsecond)
}

// Nanosleep is the hooked counterpart of nanosleep(2). Unlike the libc
// call, it reports no remaining duration on early wake: Go has no
// portable way to interrupt a parked fiber's timer the way a signal
// interrupts nanosleep(2), so a Nanosleep here always either runs to
// completion or is cancelled outright by the caller tearing down the
// fiber, never partially.
func Nanosleep(e *Env, d time.Duration) {
	Sleep(e, d)
}

// Socket wraps unix.Socket, registering the new fd with e.Fds so
// subsequent hook calls on it take the non-blocking retry path.
func Socket(e *Env, domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	if e != nil && e.Fds != nil {
		e.Fds.Get(fd, true)
	}
	return fd, nil
}

// Accept wraps unix.Accept through the read-side do_io retry template,
// registering the accepted fd the same way Socket does.
func Accept(e *Env, fd int) (int, unix.Sockaddr, error) {
	var nfd int
	var sa unix.Sockaddr
	_, err := doIO(e, fd, ioreactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		var aerr error
		nfd, sa, aerr = unix.Accept(fd)
		return nfd, aerr
	})
	if err != nil {
		return -1, nil, err
	}
	if e != nil && e.Fds != nil {
		e.Fds.Get(nfd, true)
	}
	return nfd, sa, nil
}

// Connect performs a non-blocking connect, registering a write-readiness
// event and a conditional timeout timer when the kernel reports
// EINPROGRESS, exactly as connect_with_timeout does.
func Connect(e *Env, fd int, addr unix.Sockaddr, timeout time.Duration) error {
	if !e.enabled() {
		return unix.Connect(fd, addr)
	}
	ctx := e.Fds.Get(fd, false)
	if ctx == nil {
		return unix.Connect(fd, addr)
	}
	if ctx.IsClosed() {
		return unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Connect(fd, addr)
	}

	err := unix.Connect(fd, addr)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	if timeout < 0 {
		timeout = e.ConnectTimeout
		if timeout == 0 {
			timeout = DefaultConnectTimeout
		}
	}

	var cancelled atomic.Bool
	var timer *sched.TimerHandle
	cur := e.Worker.Current()
	var regErr error
	cur.YieldForIO(func() {
		timer = e.IO.Timers().Add(timeout.Milliseconds(), func() {
			cancelled.Store(true)
			e.IO.CancelEvent(fd, ioreactor.EventWrite)
		}, false)
		if rerr := e.IO.AddEvent(e.Worker, fd, ioreactor.EventWrite, nil); rerr != nil {
			regErr = rerr
			timer.Cancel()
			e.IO.ScheduleFiber(cur, sched.AnyThread)
		}
	})
	if timer != nil {
		timer.Cancel()
	}
	if regErr != nil {
		return regErr
	}
	if cancelled.Load() {
		return unix.ETIMEDOUT
	}

	soerr, serr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if serr != nil {
		return serr
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// Read is the hooked counterpart of unix.Read.
func Read(e *Env, fd int, p []byte) (int, error) {
	return doIO(e, fd, ioreactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Write is the hooked counterpart of unix.Write.
func Write(e *Env, fd int, p []byte) (int, error) {
	return doIO(e, fd, ioreactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Recv is the hooked counterpart of unix.Recvfrom, discarding the peer
// address (use Recvfrom directly for datagram sockets that need it).
func Recv(e *Env, fd int, p []byte, flags int) (int, error) {
	return doIO(e, fd, ioreactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		n, _, rerr := unix.Recvfrom(fd, p, flags)
		return n, rerr
	})
}

// Send is the hooked counterpart of unix.Sendto with a nil destination.
func Send(e *Env, fd int, p []byte, flags int) (int, error) {
	return doIO(e, fd, ioreactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		return len(p), unix.Sendto(fd, p, flags, nil)
	})
}

// Readv is the vectored counterpart of Read, scattering the bytes read
// across iovs in order — the Go counterpart of readv(2).
func Readv(e *Env, fd int, iovs [][]byte) (int, error) {
	return doIO(e, fd, ioreactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Writev is the vectored counterpart of Write, gathering iovs in order
// into a single write — the Go counterpart of writev(2).
func Writev(e *Env, fd int, iovs [][]byte) (int, error) {
	return doIO(e, fd, ioreactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Recvfrom is the hooked counterpart of unix.Recvfrom that, unlike Recv,
// also returns the sender's address — the datagram-oriented read a UDP
// socket needs.
func Recvfrom(e *Env, fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	n, err := doIO(e, fd, ioreactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		nn, ssa, rerr := unix.Recvfrom(fd, p, flags)
		sa = ssa
		return nn, rerr
	})
	return n, sa, err
}

// Sendto is the hooked counterpart of unix.Sendto with an explicit
// destination, unlike Send which always targets the connected peer.
func Sendto(e *Env, fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(e, fd, ioreactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		return len(p), unix.Sendto(fd, p, flags, to)
	})
}

// Recvmsg is the hooked counterpart of unix.Recvmsg, for callers that need
// ancillary (control) data — ttl/SCM_RIGHTS/timestamps — alongside the
// payload.
func Recvmsg(e *Env, fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	_, err = doIO(e, fd, ioreactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		nn, noob, rflags, ffrom, merr := unix.Recvmsg(fd, p, oob, flags)
		n, oobn, recvflags, from = nn, noob, rflags, ffrom
		return nn, merr
	})
	return
}

// Sendmsg is the hooked counterpart of unix.Sendmsg, the ancillary-data
// counterpart of Sendto.
func Sendmsg(e *Env, fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(e, fd, ioreactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		return len(p), unix.Sendmsg(fd, p, oob, to, flags)
	})
}

// Close cancels every pending event on fd, drops its fd table entry, and
// closes the descriptor — the hooked counterpart of close().
func Close(e *Env, fd int) error {
	if e != nil && e.Fds != nil {
		if ctx := e.Fds.Get(fd, false); ctx != nil {
			if e.IO != nil {
				e.IO.CancelAll(fd)
			}
			ctx.MarkClosed()
			e.Fds.Del(fd)
		}
	}
	return unix.Close(fd)
}

// SetUserNonblock records that the application itself asked for
// O_NONBLOCK on fd (via an application-level fcntl/ioctl call), so
// subsequent hook calls take the direct syscall path instead of the
// retry-and-yield template — the Go counterpart of fcntl's F_SETFL and
// ioctl's FIONBIO branches writing ctx->setUserNonblock.
func SetUserNonblock(e *Env, fd int, nonblock bool) {
	if e == nil || e.Fds == nil {
		return
	}
	if ctx := e.Fds.Get(fd, false); ctx != nil {
		ctx.SetUserNonblock(nonblock)
	}
}

// SetTimeout is the hooked counterpart of setsockopt(SOL_SOCKET,
// SO_RCVTIMEO|SO_SNDTIMEO, ...): it only updates the fd table entry the
// retry template consults, it does not also ask the kernel to enforce the
// timeout (the fd is already forced non-blocking, so the kernel-level
// timeout would never fire anyway).
func SetTimeout(e *Env, fd int, kind fdtable.TimeoutKind, timeout time.Duration) {
	if e == nil || e.Fds == nil {
		return
	}
	if ctx := e.Fds.Get(fd, true); ctx != nil {
		ctx.SetTimeout(kind, timeout.Milliseconds())
	}
}

// Fcntl intercepts fcntl(fd, cmd, arg), the real syscall path an
// application uses to toggle O_NONBLOCK rather than calling
// SetUserNonblock directly: F_SETFL records the application's requested
// O_NONBLOCK bit in the fd table (via SetUserNonblock) but always asks
// the kernel to keep O_NONBLOCK set regardless, since the retry template
// in doIO depends on every read/write actually returning EAGAIN; F_GETFL
// reports back whatever the application itself last asked for instead of
// the kernel's (always-nonblocking) truth. Any other cmd passes straight
// through.
func Fcntl(e *Env, fd int, cmd int, arg int) (int, error) {
	ctx := fcntlCtx(e, fd)
	if ctx == nil {
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
	switch cmd {
	case unix.F_SETFL:
		SetUserNonblock(e, fd, arg&unix.O_NONBLOCK != 0)
		return unix.FcntlInt(uintptr(fd), cmd, arg|unix.O_NONBLOCK)
	case unix.F_GETFL:
		r, err := unix.FcntlInt(uintptr(fd), cmd, arg)
		if err != nil {
			return r, err
		}
		if ctx.UserNonblock() {
			return r | unix.O_NONBLOCK, nil
		}
		return r &^ unix.O_NONBLOCK, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// Ioctl intercepts ioctl(fd, FIONBIO, value), the non-POSIX equivalent of
// Fcntl's F_SETFL/O_NONBLOCK toggle, applying the identical user-vs-kernel
// split. Every other request passes straight through.
func Ioctl(e *Env, fd int, req uint, value int) error {
	if req != fionbio {
		return unix.IoctlSetInt(fd, req, value)
	}
	ctx := fcntlCtx(e, fd)
	if ctx == nil {
		return unix.IoctlSetPointerInt(fd, req, value)
	}
	SetUserNonblock(e, fd, value != 0)
	return unix.IoctlSetPointerInt(fd, req, 1)
}

// Setsockopt intercepts setsockopt(SOL_SOCKET, SO_RCVTIMEO|SO_SNDTIMEO,
// tv), the real syscall path SetTimeout's manual form substitutes for:
// the requested timeout is recorded in the fd table via SetTimeout, and
// the kernel is never actually asked to enforce it, since the fd is
// already forced non-blocking and a kernel-level SO_RCVTIMEO/SO_SNDTIMEO
// would never get the chance to fire. Every other (level, opt) pair
// passes straight through to the real syscall.
func Setsockopt(e *Env, fd int, level, opt int, tv *unix.Timeval) error {
	if level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if e != nil && e.Fds != nil {
			SetTimeout(e, fd, timeoutKindFor(opt), timevalToDuration(tv))
		}
		return nil
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

// Getsockopt intercepts getsockopt(SOL_SOCKET, SO_RCVTIMEO|SO_SNDTIMEO),
// reporting back the fd table's hook-tracked timeout (which, per
// Setsockopt above, may never have reached the kernel) instead of
// querying the kernel. Every other (level, opt) pair passes straight
// through.
func Getsockopt(e *Env, fd int, level, opt int) (unix.Timeval, error) {
	if level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if e != nil && e.Fds != nil {
			if ctx := e.Fds.Get(fd, false); ctx != nil {
				ms := ctx.GetTimeout(timeoutKindFor(opt))
				return durationToTimeval(time.Duration(ms) * time.Millisecond), nil
			}
		}
	}
	tv, err := unix.GetsockoptTimeval(fd, level, opt)
	if err != nil {
		return unix.Timeval{}, err
	}
	return *tv, nil
}

// fcntlCtx returns fd's Ctx if e carries a usable hook environment and fd
// is a registered socket, or nil when Fcntl/Ioctl should fall straight
// through to the real syscall.
func fcntlCtx(e *Env, fd int) *fdtable.Ctx {
	if e == nil || e.Fds == nil {
		return nil
	}
	ctx := e.Fds.Get(fd, false)
	if ctx == nil || !ctx.IsSocket() {
		return nil
	}
	return ctx
}

func timeoutKindFor(opt int) fdtable.TimeoutKind {
	if opt == unix.SO_SNDTIMEO {
		return fdtable.SendTimeout
	}
	return fdtable.RecvTimeout
}

func timevalToDuration(tv *unix.Timeval) time.Duration {
	if tv == nil {
		return -1
	}
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}

func durationToTimeval(d time.Duration) unix.Timeval {
	if d < 0 {
		return unix.Timeval{}
	}
	return unix.Timeval{Sec: int64(d / time.Second), Usec: int64((d % time.Second) / time.Microsecond)}
}

// doIO is the Go expression of hook.cc's do_io template: run op once,
// retry transparently on EINTR, and on EAGAIN register a readiness event
// (plus an optional timeout timer) and park the current fiber until
// either fires, then retry op again. The registration itself happens
// inside YieldForIO's afterParked callback — see fiber.Fiber.YieldForIO —
// so it can never race a concurrent re-fire of a fiber that is still
// nominally RUNNING.
func doIO(e *Env, fd int, event ioreactor.Event, kind fdtable.TimeoutKind, op func() (int, error)) (int, error) {
	if !e.enabled() {
		return op()
	}
	ctx := e.Fds.Get(fd, false)
	if ctx == nil {
		return op()
	}
	if ctx.IsClosed() {
		return -1, unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return op()
	}
	timeoutMs := ctx.GetTimeout(kind)

	for {
		n, err := op()
		for errors.Is(err, unix.EINTR) {
			n, err = op()
		}
		if !errors.Is(err, unix.EAGAIN) {
			return n, err
		}

		var cancelled atomic.Bool
		var timer *sched.TimerHandle
		var regErr error
		cur := e.Worker.Current()
		cur.YieldForIO(func() {
			if timeoutMs >= 0 {
				timer = e.IO.Timers().Add(timeoutMs, func() {
					cancelled.Store(true)
					e.IO.CancelEvent(fd, event)
				}, false)
			}
			if rerr := e.IO.AddEvent(e.Worker, fd, event, nil); rerr != nil {
				regErr = rerr
				if timer != nil {
					timer.Cancel()
				}
				e.IO.ScheduleFiber(cur, sched.AnyThread)
			}
		})
		if timer != nil {
			timer.Cancel()
		}
		if regErr != nil {
			return -1, regErr
		}
		if cancelled.Load() {
			return -1, unix.ETIMEDOUT
		}
	}
}
