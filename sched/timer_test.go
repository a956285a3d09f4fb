package sched_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/corosched/sched"
)

func TestTimersFireInDeadlineOrder(t *testing.T) {
	tq := sched.NewTimerQueue(sched.NewClock(), nil)

	var mu sync.Mutex
	var order []int
	tq.Add(30, func() { mu.Lock(); order = append(order, 3); mu.Unlock() }, false)
	tq.Add(10, func() { mu.Lock(); order = append(order, 1); mu.Unlock() }, false)
	tq.Add(20, func() { mu.Lock(); order = append(order, 2); mu.Unlock() }, false)

	deadline := time.Now().Add(200 * time.Millisecond)
	var cbs []func()
	for time.Now().Before(deadline) {
		cbs = tq.CollectExpired(cbs[:0])
		for _, cb := range cbs {
			cb()
		}
		if tq.Len() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fire order = %v, want [1 2 3]", order)
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	tq := sched.NewTimerQueue(sched.NewClock(), nil)
	var fired atomic.Bool
	h := tq.Add(5, func() { fired.Store(true) }, false)
	if !h.Cancel() {
		t.Fatal("Cancel on a live timer should succeed")
	}
	if h.Cancel() {
		t.Fatal("double Cancel should return false")
	}

	time.Sleep(20 * time.Millisecond)
	var cbs []func()
	cbs = tq.CollectExpired(cbs)
	for _, cb := range cbs {
		cb()
	}
	if fired.Load() {
		t.Fatal("cancelled timer must not fire")
	}
}

func TestConditionalTimerSkipsWhenDead(t *testing.T) {
	tq := sched.NewTimerQueue(sched.NewClock(), nil)
	alive := false
	var fired atomic.Bool
	tq.AddConditional(5, func() { fired.Store(true) }, func() bool { return alive }, false)

	time.Sleep(20 * time.Millisecond)
	var cbs []func()
	cbs = tq.CollectExpired(cbs)
	for _, cb := range cbs {
		cb()
	}
	if fired.Load() {
		t.Fatal("conditional timer must not fire once its liveness check returns false")
	}
}

func TestRecurringTimerSelfCancelsAfterNthFire(t *testing.T) {
	tq := sched.NewTimerQueue(sched.NewClock(), nil)
	var count atomic.Int32
	var handle *sched.TimerHandle
	handle = tq.Add(5, func() {
		if count.Add(1) == 5 {
			handle.Cancel()
		}
	}, true)

	deadline := time.Now().Add(500 * time.Millisecond)
	var cbs []func()
	for time.Now().Before(deadline) && count.Load() < 5 {
		cbs = tq.CollectExpired(cbs[:0])
		for _, cb := range cbs {
			cb()
		}
		time.Sleep(5 * time.Millisecond)
	}
	if count.Load() != 5 {
		t.Fatalf("fired %d times, want exactly 5", count.Load())
	}

	// Give the cancelled timer every chance to fire a 6th time; it must not.
	time.Sleep(30 * time.Millisecond)
	cbs = tq.CollectExpired(cbs[:0])
	for _, cb := range cbs {
		cb()
	}
	if count.Load() != 5 {
		t.Fatalf("fired %d times after Cancel, want still 5", count.Load())
	}
}

func TestNextTimeoutMsReportsEmptyAsMinusOne(t *testing.T) {
	tq := sched.NewTimerQueue(sched.NewClock(), nil)
	if tq.NextTimeoutMs() != -1 {
		t.Fatal("empty queue should report -1")
	}
	tq.Add(1000, func() {}, false)
	if got := tq.NextTimeoutMs(); got <= 0 || got > 1000 {
		t.Fatalf("NextTimeoutMs=%d want (0,1000]", got)
	}
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) OnFrontInserted() { c.n.Add(1) }

func TestFrontInsertNotifierFiresOnlyOnNewEarliest(t *testing.T) {
	notifier := &countingNotifier{}
	tq := sched.NewTimerQueue(sched.NewClock(), notifier)

	tq.Add(100, func() {}, false)
	if notifier.n.Load() != 1 {
		t.Fatalf("first insert should notify once, got %d", notifier.n.Load())
	}
	tq.Add(200, func() {}, false)
	if notifier.n.Load() != 1 {
		t.Fatalf("inserting a later deadline must not notify, got %d", notifier.n.Load())
	}
	tq.Add(10, func() {}, false)
	if notifier.n.Load() != 2 {
		t.Fatalf("inserting a new earliest deadline should notify, got %d", notifier.n.Load())
	}
}
