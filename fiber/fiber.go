// File: fiber/fiber.go
// Author: momentics <momentics@gmail.com>
//
// Package fiber implements a stackful, cooperatively-scheduled coroutine
// primitive. Grounded on original_source/sylar/fiber.cc (ucontext-based
// getcontext/makecontext/swapcontext), re-expressed for Go: each Fiber is
// backed by its own goroutine (Go already gives every goroutine a private,
// growable stack) gated by a pair of unbuffered handoff channels, so Resume
// and Yield reproduce swapcontext's symmetric-transfer property without
// fighting the Go scheduler with raw stack switching.
package fiber

import (
	"fmt"
	"sync/atomic"
)

// State is a Fiber's position in its lifecycle.
type State int32

const (
	// Ready means the fiber has never run, or last yielded cooperatively.
	Ready State = iota
	// Running means the fiber currently owns the logical thread of control.
	Running
	// Term means the fiber's entry function has returned.
	Term
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Term:
		return "TERM"
	default:
		return "UNKNOWN"
	}
}

// DefaultStackSize mirrors sylar's default fiber stack size. Go manages
// the real stack growth; this value is kept as a hint and an accounting
// metric rather than a hard allocation.
const DefaultStackSize = 128 * 1024

var nextID uint64

// Fiber is a stackful coroutine. The zero value is not usable; construct
// with New or NewRoot.
type Fiber struct {
	id          uint64
	entry       func()
	stackSize   int
	hasStack    bool
	inScheduler bool

	state atomic.Int32

	// stepIn carries control into the fiber's goroutine (Resume sends,
	// the fiber's own goroutine loop receives). stepOut carries control
	// back out (the fiber sends on Yield or on entry return, the Resume
	// caller receives). Exactly one side is ever blocked at a time, which
	// is what gives this the same single-active-context guarantee as
	// swapcontext.
	stepIn  chan struct{}
	stepOut chan struct{}

	started bool
}

// New creates a READY fiber that owns a backing goroutine. stackSize is a
// hint; zero selects DefaultStackSize. inScheduler records whether the
// fiber is run by a scheduler and is reported by InScheduler; it does not
// change where Yield returns, which is always the context that last called
// Resume.
func New(entry func(), stackSize int, inScheduler bool) *Fiber {
	if entry == nil {
		panic("fiber: New requires a non-nil entry")
	}
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	f := &Fiber{
		id:          atomic.AddUint64(&nextID, 1),
		entry:       entry,
		stackSize:   stackSize,
		hasStack:    true,
		inScheduler: inScheduler,
		stepIn:      make(chan struct{}),
		stepOut:     make(chan struct{}),
	}
	f.state.Store(int32(Ready))
	return f
}

// NewRoot creates the implicit coroutine representing a thread's initial
// execution context. Root fibers have no stack and are always RUNNING —
// they exist so that Resume/Yield have a peer to hand control to even when
// no fiber ever Resumes into them explicitly.
func NewRoot() *Fiber {
	f := &Fiber{
		id:          atomic.AddUint64(&nextID, 1),
		hasStack:    false,
		inScheduler: false,
	}
	f.state.Store(int32(Running))
	return f
}

// ID returns the fiber's monotonically assigned identity.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// InScheduler reports whether this fiber participates in scheduler
// dispatch (false for root and scheduling fibers themselves).
func (f *Fiber) InScheduler() bool { return f.inScheduler }

// HasStack reports whether the fiber owns an allocated stack (false only
// for root fibers).
func (f *Fiber) HasStack() bool { return f.hasStack }

// Resume transfers control from the calling context into f. The calling
// context blocks until f yields or terminates. Resuming a RUNNING or TERM
// fiber is a programming error.
func (f *Fiber) Resume() {
	st := f.State()
	if st == Running {
		panic(fmt.Sprintf("fiber: Resume on RUNNING fiber id=%d", f.id))
	}
	if st == Term {
		panic(fmt.Sprintf("fiber: Resume on TERM fiber id=%d", f.id))
	}
	if !f.hasStack {
		panic(fmt.Sprintf("fiber: Resume on stackless root fiber id=%d", f.id))
	}

	f.state.Store(int32(Running))
	if !f.started {
		f.started = true
		go f.loop()
	}
	f.stepIn <- struct{}{}
	<-f.stepOut
}

// loop is the backing goroutine body. It blocks on stepIn for each
// resumption and reports back on stepOut on every yield, mirroring
// Fiber::MainFunc's auto-yield-on-return behavior.
func (f *Fiber) loop() {
	<-f.stepIn
	f.entry()
	f.entry = nil
	f.state.Store(int32(Term))
	f.stepOut <- struct{}{}
}

// Yield suspends the currently-running fiber, returning control to
// whichever context last called Resume on it. Only the fiber's own
// backing goroutine may call Yield on itself. state must be RUNNING or
// TERM (TERM only via the automatic yield-on-return inside loop, which
// does not call this method — user code calling Yield always observes
// RUNNING).
func (f *Fiber) Yield() {
	st := f.State()
	if st != Running && st != Term {
		panic(fmt.Sprintf("fiber: Yield from non-RUNNING/TERM fiber id=%d state=%s", f.id, st))
	}
	if st != Term {
		f.state.Store(int32(Ready))
	}
	f.stepOut <- struct{}{}
	<-f.stepIn
}

// YieldForIO suspends the currently-running fiber exactly as Yield does,
// except afterParked runs after control has already been handed back to
// the resumer (state already Ready, stepOut already sent) and before this
// goroutine blocks waiting for its next resumption. This ordering closes
// the race sylar's scheduler works around by skipping RUNNING fibers: the
// event registration that makes a fiber re-firable cannot happen until
// after the fiber has already left RUNNING, so no concurrent caller can
// ever observe (and attempt to re-fire) this fiber while it is RUNNING.
// afterParked must not call Resume or Yield on f.
func (f *Fiber) YieldForIO(afterParked func()) {
	st := f.State()
	if st != Running {
		panic(fmt.Sprintf("fiber: YieldForIO from non-RUNNING fiber id=%d state=%s", f.id, st))
	}
	f.state.Store(int32(Ready))
	f.stepOut <- struct{}{}
	if afterParked != nil {
		afterParked()
	}
	<-f.stepIn
}

// Reset re-arms a TERM fiber with a new entry, reusing its backing
// goroutine slot. Only fibers that own a stack may be reset.
func (f *Fiber) Reset(entry func()) {
	if !f.hasStack {
		panic("fiber: Reset on stackless root fiber")
	}
	if f.State() != Term {
		panic(fmt.Sprintf("fiber: Reset on non-TERM fiber id=%d", f.id))
	}
	if entry == nil {
		panic("fiber: Reset requires a non-nil entry")
	}
	f.entry = entry
	f.started = false
	f.state.Store(int32(Ready))
}
