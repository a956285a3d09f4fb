// File: fdtable/fdtable.go
// Author: momentics <momentics@gmail.com>
//
// Package fdtable implements the FdContext registry of spec.md §4.4,
// grounded on original_source/sylar/fd_manager.cc. It tracks, per socket
// fd, whether the kernel's non-blocking flag has been forced on by this
// runtime (as opposed to requested by the application) and the per-fd
// send/recv timeouts the hook layer consults before registering events.
package fdtable

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/corosched/syncx"
)

// TimeoutKind selects which of a socket's two timeouts to read or write,
// mirroring setsockopt's SO_RCVTIMEO/SO_SNDTIMEO distinction.
type TimeoutKind int

const (
	RecvTimeout TimeoutKind = iota
	SendTimeout
)

// Ctx is the per-fd bookkeeping record. A Ctx exists for every fd the
// runtime has seen via hook.Socket/hook.Accept or an explicit Get(fd,
// true), whether or not the fd turns out to be a socket.
type Ctx struct {
	mu syncx.Mutex

	fd int

	isInit       bool
	isSocket     bool
	sysNonblock  bool // this runtime forced O_NONBLOCK on
	userNonblock bool // the application additionally asked for O_NONBLOCK
	closed       bool

	recvTimeoutMs int64 // -1 means no timeout
	sendTimeoutMs int64
}

// newCtx constructs and initializes a Ctx for fd.
func newCtx(fd int) *Ctx {
	c := &Ctx{fd: fd, recvTimeoutMs: -1, sendTimeoutMs: -1}
	c.init()
	return c
}

// init probes fd with fstat to decide whether it is a socket and, if so,
// forces O_NONBLOCK via fcntl without telling the application. Safe to
// call more than once; a second call is a no-op once isInit is true,
// matching FdCtx::init's idempotence.
func (c *Ctx) init() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isInit {
		return true
	}
	c.recvTimeoutMs = -1
	c.sendTimeoutMs = -1

	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err != nil {
		c.isInit = false
		c.isSocket = false
		return false
	}
	c.isInit = true
	c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK

	if c.isSocket {
		flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
		if err == nil && flags&unix.O_NONBLOCK == 0 {
			_, _ = unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
		}
		c.sysNonblock = true
	} else {
		c.sysNonblock = false
	}
	c.userNonblock = false
	c.closed = false
	return true
}

// Fd returns the underlying file descriptor.
func (c *Ctx) Fd() int { return c.fd }

// IsSocket reports whether fstat identified this fd as a socket.
func (c *Ctx) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// IsClosed reports whether Close has been recorded against this fd.
func (c *Ctx) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// MarkClosed records that the fd has been closed. The hook layer calls
// this from its Close wrapper before the FdTable entry is removed.
func (c *Ctx) MarkClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// SetUserNonblock records whether the application explicitly asked for
// O_NONBLOCK via fcntl, so the hook layer's read/write wrappers can tell
// apart "the application wants EAGAIN semantics" from "this runtime is
// silently running the fd non-blocking underneath a blocking API".
func (c *Ctx) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

// UserNonblock reports the value last recorded by SetUserNonblock.
func (c *Ctx) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SysNonblock reports whether this runtime forced O_NONBLOCK on the fd
// during init, independent of what the application asked for.
func (c *Ctx) SysNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysNonblock
}

// SetTimeout records a send or recv timeout in milliseconds; a negative
// value means "no timeout", matching sylar's -1 sentinel.
func (c *Ctx) SetTimeout(kind TimeoutKind, ms int64) {
	c.mu.Lock()
	if kind == RecvTimeout {
		c.recvTimeoutMs = ms
	} else {
		c.sendTimeoutMs = ms
	}
	c.mu.Unlock()
}

// GetTimeout returns the currently configured timeout for kind.
func (c *Ctx) GetTimeout(kind TimeoutKind) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == RecvTimeout {
		return c.recvTimeoutMs
	}
	return c.sendTimeoutMs
}

// Table is the fd -> *Ctx registry of spec.md §4.4. Indexed by fd as a
// slice, mirroring FdManager's vector<FdCtx::ptr> — fd numbers are small,
// dense, kernel-assigned integers, so direct indexing beats a map.
type Table struct {
	mu    syncx.RWMutex
	slots []*Ctx
}

// New creates an empty table with sylar's initial capacity of 64 slots.
func New() *Table {
	return &Table{slots: make([]*Ctx, 64)}
}

// Get returns the Ctx for fd, creating one on first access when
// autoCreate is true, or nil if the slot does not exist and autoCreate is
// false. A negative fd is a programming error, not a miss — every caller
// is expected to have already checked the fd it received from a syscall —
// so Get panics instead of returning nil, matching FdManager::get's
// assertion on a negative fd.
func (t *Table) Get(fd int, autoCreate bool) *Ctx {
	if fd < 0 {
		panic(fmt.Sprintf("fdtable: Get called with negative fd %d", fd))
	}

	t.mu.RLock()
	if fd < len(t.slots) {
		if c := t.slots[fd]; c != nil || !autoCreate {
			t.mu.RUnlock()
			return c
		}
	} else if !autoCreate {
		t.mu.RUnlock()
		return nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < len(t.slots) && t.slots[fd] != nil {
		return t.slots[fd]
	}
	if fd >= len(t.slots) {
		newCap := int(float64(fd+1) * 1.5)
		grown := make([]*Ctx, newCap)
		copy(grown, t.slots)
		t.slots = grown
	}
	c := newCtx(fd)
	t.slots[fd] = c
	return c
}

// Del removes the Ctx for fd, if any.
func (t *Table) Del(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) {
		return
	}
	t.slots[fd] = nil
}
