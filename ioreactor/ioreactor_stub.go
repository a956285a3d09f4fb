//go:build !linux
// +build !linux

// File: ioreactor/ioreactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Non-Linux build: this runtime's edge-triggered readiness multiplexer is
// epoll-only, matching spec.md §1's Non-goal of portability to platforms
// without one. Kept as a real stub (mirroring the teacher's own
// reactor package, which ships an equivalent unsupported-platform file)
// rather than a build failure, so the rest of the module still compiles
// on a developer's non-Linux workstation.
package ioreactor

import (
	"errors"

	"github.com/momentics/corosched/sched"
)

// ErrUnsupportedPlatform is returned by New on any non-Linux target.
var ErrUnsupportedPlatform = errors.New("ioreactor: epoll reactor requires linux")

// Event mirrors the Linux build's bitmask so callers can still reference
// ioreactor.EventRead/EventWrite in platform-agnostic code paths.
type Event uint32

const (
	EventRead Event = 1 << iota
	EventWrite
)

// Manager is an empty placeholder; New always fails on this platform.
type Manager struct{ *sched.Scheduler }

// New always returns ErrUnsupportedPlatform outside Linux.
func New(threads int, useCaller bool, name string) (*Manager, error) {
	return nil, ErrUnsupportedPlatform
}
