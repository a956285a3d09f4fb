//go:build linux
// +build linux

// File: cmd/httpecho/main.go
// Author: momentics <momentics@gmail.com>
//
// An HTTP echo server: every request's body comes back as the response
// body. Reuses tcpserver's accept/dispatch shim with a Handler built on
// httpshim's incremental parser and Session framing instead of raw
// Recv/Send, showing the two external collaborators (the hookable Socket
// and the callback-driven HTTP parser) composing the way spec.md's §4.7
// interface layer intends.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/momentics/corosched/cli"
	"github.com/momentics/corosched/daemon"
	"github.com/momentics/corosched/hook"
	"github.com/momentics/corosched/httpshim"
	"github.com/momentics/corosched/ioreactor"
	"github.com/momentics/corosched/netaddr"
	"github.com/momentics/corosched/rtlog"
	"github.com/momentics/corosched/runtimecfg"
	"github.com/momentics/corosched/tcpserver"
)

var log = rtlog.Named("httpecho")

func main() {
	args, err := cli.Parse(os.Args)
	if err != nil {
		log.Fatalf("parse args: %v", err)
	}
	args.AddHelp("addr", "listen address (host:port)")
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
	addrVar, _ := runtimecfg.Lookup(runtimecfg.Default, "httpecho.addr", args.Get("addr", ":8080"), "listen address")
	if errs := runtimecfg.Default.LoadFromDir(args.ConfigPath(), true); len(errs) > 0 {
		for _, e := range errs {
			log.Warnf("config: %v", e)
		}
	}
	addr := addrVar.Value()

	listenAddr, err := netaddr.LookupAny(addr, unix.AF_INET)
	if err != nil {
		log.Errorf("resolve %s: %v", addr, err)
		return 1
	}

	acceptIO, err := ioreactor.New(1, false, "httpecho-accept")
	if err != nil {
		log.Errorf("new accept reactor: %v", err)
		return 1
	}
	defer acceptIO.Close()

	workIO, err := ioreactor.New(2, false, "httpecho-work")
	if err != nil {
		log.Errorf("new work reactor: %v", err)
		return 1
	}
	defer workIO.Close()

	srv := tcpserver.New("httpecho", acceptIO, workIO, httpEchoHandler)
	srv.RecvTimeoutMs = 30_000
	if err := srv.Bind([]netaddr.Address{listenAddr}, 128); err != nil {
		log.Errorf("bind: %v", err)
		return 1
	}
	srv.Start()
	log.Infof("http echo server listening on %s", listenAddr.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Infof("shutdown signal received")
	srv.Stop()
	log.Infof("server shutdown complete")
	return 0
}

func httpEchoHandler(e *hook.Env, conn *netaddr.Socket) {
	sess := httpshim.NewSession(e, conn)
	for {
		req, err := sess.RecvRequest()
		if err != nil {
			return
		}
		resp := httpshim.NewResponse(200, req.Body)
		resp.Header.Set("Content-Type", "application/octet-stream")
		resp.Header.Set("Connection", "close")
		if err := sess.SendResponse(resp); err != nil {
			return
		}
		return
	}
}
