//go:build linux
// +build linux

package hook_test

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/corosched/fdtable"
	"github.com/momentics/corosched/hook"
	"github.com/momentics/corosched/ioreactor"
	"github.com/momentics/corosched/sched"
)

// fionbio is the Linux FIONBIO ioctl request number; golang.org/x/sys/unix
// does not export it directly.
const fionbio = 0x5421

type readResult struct {
	n   int
	err error
	s   string
}

func TestReadParksUntilDataArrives(t *testing.T) {
	mgr, err := ioreactor.New(1, false, "hooktest")
	if err != nil {
		t.Fatalf("ioreactor.New: %v", err)
	}
	defer mgr.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	tbl := fdtable.New()
	results := make(chan readResult, 1)

	mgr.ScheduleFunc(func(w *sched.Worker) {
		env := &hook.Env{Worker: w, IO: mgr, Fds: tbl}
		buf := make([]byte, 16)
		n, rerr := hook.Read(env, fds[0], buf)
		results <- readResult{n: n, err: rerr, s: string(buf[:max(n, 0)])}
	}, sched.AnyThread)

	time.Sleep(50 * time.Millisecond)
	if _, err := unix.Write(fds[1], []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case r := <-results:
		if r.err != nil {
			t.Fatalf("hook.Read error: %v", r.err)
		}
		if r.s != "hi" {
			t.Fatalf("read %q want %q", r.s, "hi")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hook.Read never returned after data became available")
	}
}

func TestSleepYieldsWithoutBlockingTheWorker(t *testing.T) {
	mgr, err := ioreactor.New(1, false, "hooktest-sleep")
	if err != nil {
		t.Fatalf("ioreactor.New: %v", err)
	}
	defer mgr.Close()

	tbl := fdtable.New()
	var mu sync.Mutex
	var order []string

	record := func(label string) {
		mu.Lock()
		order = append(order, label)
		mu.Unlock()
	}

	done := make(chan struct{})
	mgr.ScheduleFunc(func(w *sched.Worker) {
		env := &hook.Env{Worker: w, IO: mgr, Fds: tbl}
		record("sleeper-before")
		hook.Sleep(env, 100*time.Millisecond)
		record("sleeper-after")
		close(done)
	}, sched.AnyThread)

	// A second task queued right after the sleeper must run on the same
	// single-worker scheduler well before the sleeper's 100ms elapses —
	// proof that Sleep parked the fiber instead of blocking the OS thread.
	quick := make(chan struct{})
	mgr.ScheduleFunc(func(w *sched.Worker) {
		record("quick-task")
		close(quick)
	}, sched.AnyThread)

	select {
	case <-quick:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("quick task never ran; Sleep appears to have blocked the worker")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sleeping fiber never resumed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[2] != "sleeper-after" {
		t.Fatalf("order = %v, want quick-task to finish before sleeper-after", order)
	}
}

func TestFcntlSetflTracksUserNonblockWithoutUndoingForcedNonblock(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	tbl := fdtable.New()
	env := &hook.Env{Fds: tbl}
	ctx := tbl.Get(fds[0], true)
	if !ctx.IsSocket() {
		t.Fatal("socketpair fd must be classified as a socket")
	}

	flags, err := hook.Fcntl(env, fds[0], unix.F_GETFL, 0)
	if err != nil {
		t.Fatalf("Fcntl F_GETFL: %v", err)
	}
	if flags&unix.O_NONBLOCK != 0 {
		t.Fatalf("F_GETFL must report the application's own view (blocking) before any F_SETFL, got flags=%x", flags)
	}

	if _, err := hook.Fcntl(env, fds[0], unix.F_SETFL, unix.O_NONBLOCK); err != nil {
		t.Fatalf("Fcntl F_SETFL: %v", err)
	}
	if !ctx.UserNonblock() {
		t.Fatal("F_SETFL with O_NONBLOCK must record UserNonblock")
	}

	kernelFlags, err := unix.FcntlInt(uintptr(fds[0]), unix.F_GETFL, 0)
	if err != nil {
		t.Fatalf("raw F_GETFL: %v", err)
	}
	if kernelFlags&unix.O_NONBLOCK == 0 {
		t.Fatal("Fcntl F_SETFL must never clear the kernel's own O_NONBLOCK bit")
	}

	flags, err = hook.Fcntl(env, fds[0], unix.F_GETFL, 0)
	if err != nil {
		t.Fatalf("Fcntl F_GETFL after SETFL: %v", err)
	}
	if flags&unix.O_NONBLOCK == 0 {
		t.Fatal("F_GETFL must now report O_NONBLOCK, matching what the application asked for")
	}
}

func TestIoctlFionbioTracksUserNonblock(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	tbl := fdtable.New()
	env := &hook.Env{Fds: tbl}
	ctx := tbl.Get(fds[0], true)

	if err := hook.Ioctl(env, fds[0], fionbio, 1); err != nil {
		t.Fatalf("Ioctl FIONBIO: %v", err)
	}
	if !ctx.UserNonblock() {
		t.Fatal("Ioctl FIONBIO=1 must record UserNonblock")
	}
}

func TestSetsockoptGetsockoptTimeoRoundTripsThroughFdTableNotKernel(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	tbl := fdtable.New()
	env := &hook.Env{Fds: tbl}

	want := unix.Timeval{Sec: 1, Usec: 500000}
	if err := hook.Setsockopt(env, fds[0], unix.SOL_SOCKET, unix.SO_RCVTIMEO, &want); err != nil {
		t.Fatalf("Setsockopt: %v", err)
	}

	got, err := hook.Getsockopt(env, fds[0], unix.SOL_SOCKET, unix.SO_RCVTIMEO)
	if err != nil {
		t.Fatalf("Getsockopt: %v", err)
	}
	if got.Sec != want.Sec || got.Usec != want.Usec {
		t.Fatalf("Getsockopt = %+v, want %+v", got, want)
	}

	ctx := tbl.Get(fds[0], false)
	if ms := ctx.GetTimeout(fdtable.RecvTimeout); ms != 1500 {
		t.Fatalf("fd table recv timeout = %dms, want 1500ms", ms)
	}
}

func TestReadTimesOut(t *testing.T) {
	mgr, err := ioreactor.New(1, false, "hooktest-timeout")
	if err != nil {
		t.Fatalf("ioreactor.New: %v", err)
	}
	defer mgr.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	tbl := fdtable.New()
	results := make(chan readResult, 1)

	mgr.ScheduleFunc(func(w *sched.Worker) {
		env := &hook.Env{Worker: w, IO: mgr, Fds: tbl}
		hook.SetTimeout(env, fds[0], fdtable.RecvTimeout, 100*time.Millisecond)
		buf := make([]byte, 16)
		n, rerr := hook.Read(env, fds[0], buf)
		results <- readResult{n: n, err: rerr}
	}, sched.AnyThread)

	select {
	case r := <-results:
		if r.err != unix.ETIMEDOUT {
			t.Fatalf("want ETIMEDOUT, got err=%v n=%d", r.err, r.n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hook.Read never timed out")
	}
}
