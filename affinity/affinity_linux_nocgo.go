//go:build linux && !cgo
// +build linux,!cgo

// File: affinity/affinity_linux_nocgo.go
// Author: momentics <momentics@gmail.com>
//
// Linux stub used when CGO is disabled: affinity_linux.go relies on cgo
// (pthread_setaffinity_np) and is excluded from the build in that case.

package affinity

import "errors"

// setAffinityPlatform is a stub for Linux builds with CGO disabled.
func setAffinityPlatform(cpuID int) error {
	return errors.New("affinity: not supported without cgo on this platform")
}
