package netaddr_test

import (
	"testing"

	"github.com/momentics/corosched/netaddr"
	"golang.org/x/sys/unix"
)

func TestIPv4AddressStringAndSockAddr(t *testing.T) {
	a, err := netaddr.NewIPv4Address("192.168.1.10", 8080)
	if err != nil {
		t.Fatalf("NewIPv4Address: %v", err)
	}
	if got, want := a.String(), "192.168.1.10:8080"; got != want {
		t.Fatalf("String()=%q want %q", got, want)
	}
	sa, err := a.SockAddr()
	if err != nil {
		t.Fatalf("SockAddr: %v", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		t.Fatalf("SockAddr returned %T, want *unix.SockaddrInet4", sa)
	}
	if in4.Port != 8080 || in4.Addr != [4]byte{192, 168, 1, 10} {
		t.Fatalf("unexpected sockaddr: %+v", in4)
	}
}

func TestIPv4NetworkBroadcastSubnet(t *testing.T) {
	a, _ := netaddr.NewIPv4Address("192.168.1.130", 0)

	net24, err := a.NetworkAddress(24)
	if err != nil || net24.String() != "192.168.1.0:0" {
		t.Fatalf("NetworkAddress(24)=%v err=%v", net24, err)
	}
	bcast24, err := a.BroadcastAddress(24)
	if err != nil || bcast24.String() != "192.168.1.255:0" {
		t.Fatalf("BroadcastAddress(24)=%v err=%v", bcast24, err)
	}
	mask24, err := a.SubnetMask(24)
	if err != nil || mask24.String() != "255.255.255.0:0" {
		t.Fatalf("SubnetMask(24)=%v err=%v", mask24, err)
	}
}

func TestIPv6AddressRoundTrip(t *testing.T) {
	a, err := netaddr.NewIPv6Address("fe80::1", 443)
	if err != nil {
		t.Fatalf("NewIPv6Address: %v", err)
	}
	if got, want := a.String(), "[fe80::1]:443"; got != want {
		t.Fatalf("String()=%q want %q", got, want)
	}
	if _, err := a.SockAddr(); err != nil {
		t.Fatalf("SockAddr: %v", err)
	}
}

func TestUnixAddressAbstractNamespace(t *testing.T) {
	a, err := netaddr.NewUnixAddress("\x00mysocket")
	if err != nil {
		t.Fatalf("NewUnixAddress: %v", err)
	}
	if got, want := a.String(), "\\0mysocket"; got != want {
		t.Fatalf("String()=%q want %q", got, want)
	}
	if a.Family() != unix.AF_UNIX {
		t.Fatalf("Family()=%d want AF_UNIX", a.Family())
	}
}

func TestUnixAddressPathTooLong(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := netaddr.NewUnixAddress(string(long)); err == nil {
		t.Fatal("expected error for an overlong unix socket path")
	}
}
