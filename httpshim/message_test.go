//go:build linux
// +build linux

package httpshim_test

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/corosched/fdtable"
	"github.com/momentics/corosched/hook"
	"github.com/momentics/corosched/httpshim"
	"github.com/momentics/corosched/ioreactor"
	"github.com/momentics/corosched/netaddr"
	"github.com/momentics/corosched/sched"
)

func TestSessionRecvRequestOverHookedSocket(t *testing.T) {
	mgr, err := ioreactor.New(1, false, "httpshim-test")
	if err != nil {
		t.Fatalf("ioreactor.New: %v", err)
	}
	defer mgr.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	tbl := fdtable.New()
	reqCh := make(chan *httpshim.Request, 1)
	errCh := make(chan error, 1)

	mgr.ScheduleFunc(func(w *sched.Worker) {
		env := &hook.Env{Worker: w, IO: mgr, Fds: tbl}
		sock := netaddr.WrapFd(fds[0], unix.AF_UNIX)
		sess := httpshim.NewSession(env, sock)
		req, err := sess.RecvRequest()
		if err != nil {
			errCh <- err
			return
		}
		reqCh <- req
	}, sched.AnyThread)

	time.Sleep(30 * time.Millisecond)
	raw := "GET /ping HTTP/1.1\r\nHost: x\r\n\r\n"
	if _, err := unix.Write(fds[1], []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case req := <-reqCh:
		if req.URL != "/ping" {
			t.Fatalf("URL=%q", req.URL)
		}
	case err := <-errCh:
		t.Fatalf("RecvRequest error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("RecvRequest never completed")
	}
}
