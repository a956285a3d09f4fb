//go:build linux
// +build linux

package netaddr_test

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/momentics/corosched/bytearray"
	"github.com/momentics/corosched/hook"
	"github.com/momentics/corosched/netaddr"
)

func TestSendVRecvVRoundTripAcrossBlockBoundary(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	client := netaddr.WrapFd(fds[0], unix.AF_UNIX)
	defer client.Close(&hook.Env{})

	payload := []byte("a payload long enough to span several tiny blocks")
	src := bytearray.New(4)
	src.Write(payload)
	if err := src.SetPosition(0); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}

	n, err := client.SendV(&hook.Env{}, src, len(payload))
	if err != nil {
		t.Fatalf("SendV: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("SendV wrote %d bytes, want %d", n, len(payload))
	}

	got := make([]byte, len(payload))
	if _, err := unix.Read(fds[1], got); err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q want %q", got, payload)
	}

	if _, err := unix.Write(fds[1], payload); err != nil {
		t.Fatalf("raw write: %v", err)
	}
	dst := bytearray.New(4)
	n, err = client.RecvV(&hook.Env{}, dst, len(payload))
	if err != nil {
		t.Fatalf("RecvV: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("RecvV read %d bytes, want %d", n, len(payload))
	}
	if err := dst.SetPosition(0); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	roundtrip := make([]byte, len(payload))
	if _, err := dst.Read(roundtrip); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(roundtrip) != string(payload) {
		t.Fatalf("got %q want %q", roundtrip, payload)
	}
}

func TestSendToRecvFromOverUDPLoopback(t *testing.T) {
	addrA, err := netaddr.NewIPv4Address("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("NewIPv4Address: %v", err)
	}
	a, err := netaddr.CreateUDP(&hook.Env{}, addrA)
	if err != nil {
		t.Fatalf("CreateUDP a: %v", err)
	}
	defer a.Close(&hook.Env{})
	if err := a.Bind(addrA); err != nil {
		t.Fatalf("Bind a: %v", err)
	}

	b, err := netaddr.CreateUDP(&hook.Env{}, addrA)
	if err != nil {
		t.Fatalf("CreateUDP b: %v", err)
	}
	defer b.Close(&hook.Env{})
	if err := b.Bind(addrA); err != nil {
		t.Fatalf("Bind b: %v", err)
	}

	sa, err := unix.Getsockname(a.Fd())
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	in4 := sa.(*unix.SockaddrInet4)
	dest, err := netaddr.NewIPv4Address("127.0.0.1", uint16(in4.Port))
	if err != nil {
		t.Fatalf("NewIPv4Address dest: %v", err)
	}

	msg := []byte("datagram payload")
	if _, err := b.SendTo(&hook.Env{}, msg, dest); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	buf := make([]byte, 64)
	n, from, err := a.RecvFrom(&hook.Env{}, buf)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("got %q want %q", buf[:n], msg)
	}
	if from == nil {
		t.Fatal("RecvFrom must report the sender's address")
	}
}
