package syncx_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/corosched/syncx"
)

func TestSemaphoreWaitNotify(t *testing.T) {
	sem := syncx.NewSemaphore(2)
	sem.Wait()
	sem.Wait()

	done := make(chan struct{})
	go func() {
		sem.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait should block until a matching Notify")
	case <-time.After(20 * time.Millisecond):
	}

	sem.Notify()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Notify")
	}
}

func TestEmptySemaphoreRendezvous(t *testing.T) {
	const n = 8
	started := syncx.NewEmptySemaphore(n)
	var ran atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ran.Add(1)
			started.Notify()
		}()
	}
	for i := 0; i < n; i++ {
		started.Wait()
	}
	wg.Wait()
	if ran.Load() != n {
		t.Fatalf("ran=%d want %d", ran.Load(), n)
	}
}

func TestSemaphoreNotifyOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Notify beyond capacity should panic")
		}
	}()
	sem := syncx.NewSemaphore(1)
	sem.Notify()
}

func TestSpinlockMutualExclusion(t *testing.T) {
	var sl syncx.Spinlock
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sl.Lock()
			counter++
			sl.Unlock()
		}()
	}
	wg.Wait()
	if counter != 100 {
		t.Fatalf("counter=%d want 100", counter)
	}
}

func TestSpinlockTryLock(t *testing.T) {
	var sl syncx.Spinlock
	if !sl.TryLock() {
		t.Fatal("first TryLock should succeed")
	}
	if sl.TryLock() {
		t.Fatal("TryLock while held should fail")
	}
	sl.Unlock()
	if !sl.TryLock() {
		t.Fatal("TryLock after Unlock should succeed")
	}
	sl.Unlock()
}
