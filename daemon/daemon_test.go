package daemon_test

import (
	"os"
	"testing"

	"github.com/momentics/corosched/daemon"
)

func TestStartRunsDirectlyWhenNotDaemon(t *testing.T) {
	ran := false
	code := daemon.Start(func() int {
		ran = true
		return 7
	}, false, "")
	if !ran {
		t.Fatal("mainCb never ran")
	}
	if code != 7 {
		t.Fatalf("code=%d want 7", code)
	}
}

func TestStartRunsDirectlyWhenAlreadyChild(t *testing.T) {
	os.Setenv("COROSCHED_DAEMON_CHILD", "1")
	defer os.Unsetenv("COROSCHED_DAEMON_CHILD")

	if !daemon.IsChild() {
		t.Fatal("IsChild() should report true once the env var is set")
	}

	ran := false
	daemon.Start(func() int {
		ran = true
		return 0
	}, true, "")
	if !ran {
		t.Fatal("mainCb should run directly for an already-reexecuted child even with isDaemon=true")
	}
}
