//go:build linux
// +build linux

// File: cmd/echoserver/main.go
// Author: momentics <momentics@gmail.com>
//
// A raw-TCP echo server tying the whole runtime together: cli for flags,
// daemon for optional supervised-restart mode, an accept-side and a
// work-side ioreactor.Manager, and tcpserver driving hooked Sockets.
// Grounded on the teacher's examples/echo/main.go (flag-driven listen
// address, signal-driven shutdown, per-connection logging), re-expressed
// over this repository's own coroutine runtime instead of hioload-ws's
// WebSocket facade.
package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/momentics/corosched/cli"
	"github.com/momentics/corosched/daemon"
	"github.com/momentics/corosched/hook"
	"github.com/momentics/corosched/ioreactor"
	"github.com/momentics/corosched/netaddr"
	"github.com/momentics/corosched/rtlog"
	"github.com/momentics/corosched/runtimecfg"
	"github.com/momentics/corosched/tcpserver"
)

var log = rtlog.Named("echoserver")

func main() {
	args, err := cli.Parse(os.Args)
	if err != nil {
		log.Fatalf("parse args: %v", err)
	}
	args.AddHelp("addr", "listen address (host:port)")
	args.AddHelp("threads", "worker threads for the work-side ioreactor.Manager")
	args.AddHelp("d", "run as a supervised daemon")
	args.AddHelp("pidfile", "pidfile path when -d is set")
	if args.Has("h") {
		args.Usage(os.Stderr)
		return
	}

	os.Exit(daemon.Start(func() int {
		return run(args)
	}, args.Has("d"), args.Get("pidfile", "")))
}

func run(args *cli.Args) int {
	addrVar, _ := runtimecfg.Lookup(runtimecfg.Default, "echo.addr", args.Get("addr", ":9001"), "listen address")
	threadsDefault := 2
	if n, err := strconv.Atoi(args.Get("threads", "")); err == nil && n > 0 {
		threadsDefault = n
	}
	threadsVar, _ := runtimecfg.Lookup(runtimecfg.Default, "echo.threads", threadsDefault, "worker threads for the work-side ioreactor.Manager")
	if errs := runtimecfg.Default.LoadFromDir(args.ConfigPath(), true); len(errs) > 0 {
		for _, e := range errs {
			log.Warnf("config: %v", e)
		}
	}
	addr := addrVar.Value()
	threads := threadsVar.Value()

	listenAddr, err := netaddr.LookupAny(addr, unix.AF_INET)
	if err != nil {
		log.Errorf("resolve %s: %v", addr, err)
		return 1
	}

	acceptIO, err := ioreactor.New(1, false, "echo-accept")
	if err != nil {
		log.Errorf("new accept reactor: %v", err)
		return 1
	}
	defer acceptIO.Close()

	workIO, err := ioreactor.New(threads, false, "echo-work")
	if err != nil {
		log.Errorf("new work reactor: %v", err)
		return 1
	}
	defer workIO.Close()

	srv := tcpserver.New("echo", acceptIO, workIO, echoHandler)
	srv.RecvTimeoutMs = 60_000
	if err := srv.Bind([]netaddr.Address{listenAddr}, 128); err != nil {
		log.Errorf("bind: %v", err)
		return 1
	}
	srv.Start()
	log.Infof("echo server listening on %s", listenAddr.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Infof("shutdown signal received")
	srv.Stop()
	log.Infof("server shutdown complete")
	return 0
}

func echoHandler(e *hook.Env, conn *netaddr.Socket) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Recv(e, buf)
		if err != nil || n == 0 {
			return
		}
		if _, err := conn.Send(e, buf[:n]); err != nil {
			return
		}
	}
}
