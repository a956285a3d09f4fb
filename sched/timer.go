// File: sched/timer.go
// Author: momentics <momentics@gmail.com>
//
// TimerQueue: an ordered set of one-shot and recurring timers, grounded on
// original_source/sylar/timer.cc. sylar's std::set<Timer::ptr, Comparator>
// (a red-black tree) has the same asymptotics as a container/heap-backed
// priority queue; heap is used here because no third-party priority-queue
// library appears anywhere in the retrieved example pack (eapache/queue is
// an unordered FIFO ring buffer, wired instead into Scheduler's task queue —
// see scheduler.go) and the pack's own timer/heap implementations
// (other_examples) are all stdlib container/heap or hand-rolled arrays.
package sched

import (
	"container/heap"
	"time"

	"github.com/momentics/corosched/syncx"
)

// Clock is the monotonic millisecond time source. Grounded on
// original_source/sylar/util.cpp's GetElapsedMS. A monotonic clock unaffected
// by wall-clock adjustments — time.Now() with a fixed epoch offset satisfies
// this on every platform Go supports, since runtime timestamps carry a
// monotonic reading internally.
type Clock struct {
	start time.Time
}

// NewClock creates a Clock anchored to the moment of construction.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// NowMs returns milliseconds elapsed since the clock was constructed.
func (c *Clock) NowMs() int64 {
	return time.Since(c.start).Milliseconds()
}

// FrontInsertNotifier is called whenever a new earliest deadline is
// inserted into a TimerQueue. IOManager implements this to shrink its
// epoll_wait timeout — see ioreactor.Manager.OnFrontInserted.
type FrontInsertNotifier interface {
	OnFrontInserted()
}

// TimerHandle references a live registration in a TimerQueue.
type TimerHandle struct {
	id         uint64
	deadlineMs int64
	periodMs   int64
	recurring  bool
	cb         func()
	alive      func() bool // conditional-timer liveness check; nil means unconditional
	index      int         // heap index, maintained by container/heap callbacks
	cancelled  bool

	tq *TimerQueue
}

// timerHeap is the container/heap backing store, ordered by (deadline, id).
type timerHeap []*TimerHandle

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadlineMs != h[j].deadlineMs {
		return h[i].deadlineMs < h[j].deadlineMs
	}
	return h[i].id < h[j].id
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	th := x.(*TimerHandle)
	th.index = len(*h)
	*h = append(*h, th)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	th := old[n-1]
	old[n-1] = nil
	th.index = -1
	*h = old[:n-1]
	return th
}

// TimerQueue is a thread-safe ordered set of timers. Guarded by a
// reader/writer lock per spec.md §5 ("the timer set is protected by a
// reader/writer lock").
type TimerQueue struct {
	mu       syncx.RWMutex
	heap     timerHeap
	clock    *Clock
	nextID   uint64
	prevNow  int64
	notifier FrontInsertNotifier
}

// NewTimerQueue creates an empty timer queue backed by clock. notifier may
// be nil.
func NewTimerQueue(clock *Clock, notifier FrontInsertNotifier) *TimerQueue {
	return &TimerQueue{
		clock:    clock,
		notifier: notifier,
		prevNow:  clock.NowMs(),
	}
}

// Add registers a one-shot or recurring timer, delayMs from now.
func (tq *TimerQueue) Add(delayMs int64, cb func(), recurring bool) *TimerHandle {
	return tq.addInternal(delayMs, cb, recurring, nil)
}

// AddConditional registers a timer whose callback only fires while alive()
// returns true at expiry time — the Go substitute for sylar's weak_ptr
// condition (see DESIGN.md: Go had no portable weak-reference primitive
// under the go.mod toolchain floor targeted here, so the "is the sentinel
// still live" check is expressed as a liveness closure instead).
func (tq *TimerQueue) AddConditional(delayMs int64, cb func(), alive func() bool, recurring bool) *TimerHandle {
	return tq.addInternal(delayMs, cb, recurring, alive)
}

func (tq *TimerQueue) addInternal(delayMs int64, cb func(), recurring bool, alive func() bool) *TimerHandle {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	tq.nextID++
	th := &TimerHandle{
		id:         tq.nextID,
		deadlineMs: tq.clock.NowMs() + delayMs,
		periodMs:   delayMs,
		recurring:  recurring,
		cb:         cb,
		alive:      alive,
		tq:         tq,
	}
	tq.insertLocked(th)
	return th
}

// insertLocked pushes th and fires the front-insertion hook if it became
// the new earliest deadline. Caller must hold tq.mu.
func (tq *TimerQueue) insertLocked(th *TimerHandle) {
	wasFrontBefore := len(tq.heap) > 0
	var prevFront *TimerHandle
	if wasFrontBefore {
		prevFront = tq.heap[0]
	}
	heap.Push(&tq.heap, th)
	if tq.notifier != nil && (prevFront == nil || tq.heap[0] != prevFront) {
		tq.notifier.OnFrontInserted()
	}
}

// Cancel drops the callback and removes the timer from the queue. Returns
// false if the timer already fired (non-recurring) or was already
// cancelled.
func (h *TimerHandle) Cancel() bool {
	tq := h.tq
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if h.cancelled || h.index < 0 {
		return false
	}
	h.cancelled = true
	h.cb = nil
	heap.Remove(&tq.heap, h.index)
	return true
}

// Refresh sets the deadline to now + period, repositioning the timer.
func (h *TimerHandle) Refresh() bool {
	tq := h.tq
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if h.cancelled || h.index < 0 {
		return false
	}
	heap.Remove(&tq.heap, h.index)
	h.deadlineMs = tq.clock.NowMs() + h.periodMs
	tq.insertLocked(h)
	return true
}

// Reset changes the timer's period. If fromNow, the new deadline is
// computed from the current time; otherwise from the timer's original
// start time (deadline - old period), matching sylar's Timer::reset. A
// reset to an identical period with fromNow=false is a documented no-op.
func (h *TimerHandle) Reset(periodMs int64, fromNow bool) bool {
	if periodMs == h.periodMs && !fromNow {
		return true
	}
	tq := h.tq
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if h.cancelled || h.index < 0 {
		return false
	}
	heap.Remove(&tq.heap, h.index)
	var start int64
	if fromNow {
		start = tq.clock.NowMs()
	} else {
		start = h.deadlineMs - h.periodMs
	}
	h.periodMs = periodMs
	h.deadlineMs = start + periodMs
	tq.insertLocked(h)
	return true
}

// NextTimeoutMs reports milliseconds until the earliest deadline: 0 if
// already due, a positive count otherwise, or -1 (treated as infinite by
// callers) if the queue is empty.
func (tq *TimerQueue) NextTimeoutMs() int64 {
	tq.mu.RLock()
	defer tq.mu.RUnlock()
	if len(tq.heap) == 0 {
		return -1
	}
	now := tq.clock.NowMs()
	d := tq.heap[0].deadlineMs - now
	if d < 0 {
		return 0
	}
	return d
}

// CollectExpired drains every timer whose deadline has passed, appending
// its callback to out (in non-decreasing deadline order, since the heap is
// popped in that order) and returning the possibly-grown slice. Recurring
// timers are reinserted with deadline = now + period. Detects monotonic
// clock rollover (a reading more than an hour behind the previous one) as
// a safety net and, if observed, treats every timer as expired.
func (tq *TimerQueue) CollectExpired(out []func()) []func() {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	now := tq.clock.NowMs()
	rollover := now < tq.prevNow-3600_000
	tq.prevNow = now

	for len(tq.heap) > 0 {
		top := tq.heap[0]
		if !rollover && top.deadlineMs > now {
			break
		}
		heap.Pop(&tq.heap)
		if top.cancelled || top.cb == nil {
			continue
		}
		if top.alive != nil && !top.alive() {
			continue
		}
		out = append(out, top.cb)
		if top.recurring {
			top.deadlineMs = now + top.periodMs
			top.cancelled = false
			tq.insertLocked(top)
		}
	}
	return out
}

// Len reports the number of live timers, used by IOManager's quiescence
// check ("the timer queue is empty").
func (tq *TimerQueue) Len() int {
	tq.mu.RLock()
	defer tq.mu.RUnlock()
	return len(tq.heap)
}
