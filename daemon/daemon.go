// File: daemon/daemon.go
// Author: momentics <momentics@gmail.com>
//
// Package daemon is the daemonizer external collaborator of spec.md §1/§6,
// grounded on original_source/sylar/daemon.cc: a supervisor that restarts
// a crashed worker process, with a restart-interval backoff and a pidfile,
// rather than the C original's double-fork + waitpid loop. Go programs
// cannot safely fork(2) once they have started goroutines (the forked
// child would carry over a frozen, possibly-deadlocked runtime), so this
// supervisor re-executes the same binary as a fresh child process — the
// standard idiomatic-Go substitute for a supervising daemon, doing the
// same job real_daemon() does (watch a child, log its exit, restart it
// after g_daemon_restart_interval) without ever calling fork(2) from
// inside the Go runtime itself.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/momentics/corosched/rtlog"
)

// reexecEnvVar marks a child process as "the supervised worker", the Go
// substitute for daemon.cc's fork() returning 0 in the child.
const reexecEnvVar = "COROSCHED_DAEMON_CHILD"

var log = rtlog.Named("daemon")

// ProcessInfo mirrors sylar's ProcessInfo: supervisor/worker pids, their
// start times, and how many times the worker has been restarted.
type ProcessInfo struct {
	ParentID         int
	MainID           int
	ParentStartTime  time.Time
	MainStartTime    time.Time
	RestartCount     int64
}

func (p *ProcessInfo) String() string {
	return fmt.Sprintf("[ProcessInfo parent_id=%d main_id=%d parent_start_time=%s main_start_time=%s restart_count=%d]",
		p.ParentID, p.MainID, p.ParentStartTime.Format(time.RFC3339), p.MainStartTime.Format(time.RFC3339), p.RestartCount)
}

// Info is the process-wide singleton, the equivalent of ProcessInfoMgr's
// GetInstance().
var Info = &ProcessInfo{}

// RestartInterval is how long the supervisor sleeps after a crashed child
// before respawning it, the equivalent of g_daemon_restart_interval
// (default 5s).
var RestartInterval = 5 * time.Second

// IsChild reports whether the current process is the supervised worker
// (true) or, if daemonization was never requested, the only process that
// ever runs.
func IsChild() bool {
	return os.Getenv(reexecEnvVar) == "1"
}

// MainFunc is the worker entry point a caller supplies to Start.
type MainFunc func() int

// Start is the equivalent of sylar's start_daemon: if isDaemon is false,
// or this process is already the re-executed child, mainCb runs directly
// in-process. Otherwise this process becomes the supervisor: it writes
// pidfile, re-execs itself with reexecEnvVar set, and restarts the child
// whenever it exits with a non-zero status, waiting RestartInterval
// between attempts.
func Start(mainCb MainFunc, isDaemon bool, pidfile string) int {
	if !isDaemon || IsChild() {
		Info.MainID = os.Getpid()
		Info.MainStartTime = time.Now()
		return mainCb()
	}
	return supervise(pidfile)
}

func supervise(pidfile string) int {
	Info.ParentID = os.Getpid()
	Info.ParentStartTime = time.Now()
	if pidfile != "" {
		if err := os.WriteFile(pidfile, []byte(strconv.Itoa(Info.ParentID)), 0o644); err != nil {
			log.Errorf("write pidfile %s: %v", pidfile, err)
		}
	}

	var restarts atomic.Int64
	for {
		cmd := exec.Command(os.Args[0], os.Args[1:]...)
		cmd.Env = append(os.Environ(), reexecEnvVar+"=1")
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			log.Errorf("spawn child: %v", err)
			return 1
		}
		log.Infof("process start pid=%d", cmd.Process.Pid)

		err := cmd.Wait()
		if err == nil {
			log.Infof("child finished pid=%d", cmd.Process.Pid)
			return 0
		}
		log.Errorf("child crash pid=%d err=%v", cmd.Process.Pid, err)
		restarts.Add(1)
		Info.RestartCount = restarts.Load()
		time.Sleep(RestartInterval)
	}
}
