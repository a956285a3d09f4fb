// File: netaddr/netaddr.go
// Author: momentics <momentics@gmail.com>
//
// Address wrapper types — the Go equivalent of sylar's Address/IPAddress
// hierarchy (address.cc): IPv4Address, IPv6Address, and UnixAddress all
// implement a common Address interface, each able to produce the raw
// unix.Sockaddr the hook/ioreactor layers pass to connect(2)/bind(2).
// Unlike sylar's big-endian-always-on-the-wire sockaddr_in/sockaddr_in6
// fields, these store host-order values and convert only at SockAddr()
// time — x/sys/unix already does the byte-order work internally.

package netaddr

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Address is the common contract every concrete address type satisfies,
// the equivalent of sylar's Address base class (getFamily/toString/
// getAddr/getAddrLen collapsed into Family/String/SockAddr).
type Address interface {
	Family() int
	String() string
	SockAddr() (unix.Sockaddr, error)
}

// IPAddress narrows Address to the IP-specific operations sylar's
// IPAddress subclass adds: port accessors and subnet arithmetic.
type IPAddress interface {
	Address
	Port() uint16
	SetPort(uint16)
	BroadcastAddress(prefixLen uint32) (IPAddress, error)
	NetworkAddress(prefixLen uint32) (IPAddress, error)
	SubnetMask(prefixLen uint32) (IPAddress, error)
}

// ---- IPv4Address --------------------------------------------------------

// IPv4Address is a 4-byte IPv4 host address plus port, grounded on
// sylar's IPv4Address (address.cc lines 360-462).
type IPv4Address struct {
	ip   [4]byte
	port uint16
}

// NewIPv4Address parses a dotted-quad string, the equivalent of
// IPv4Address::Create.
func NewIPv4Address(address string, port uint16) (*IPv4Address, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, fmt.Errorf("netaddr: invalid IPv4 address %q", address)
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("netaddr: %q is not an IPv4 address", address)
	}
	a := &IPv4Address{port: port}
	copy(a.ip[:], v4)
	return a, nil
}

// IPv4AddressFromUint32 builds an address from a host-order uint32, the
// equivalent of the IPv4Address(uint32_t, uint16_t) constructor.
func IPv4AddressFromUint32(addr uint32, port uint16) *IPv4Address {
	a := &IPv4Address{port: port}
	a.ip[0] = byte(addr >> 24)
	a.ip[1] = byte(addr >> 16)
	a.ip[2] = byte(addr >> 8)
	a.ip[3] = byte(addr)
	return a
}

func (a *IPv4Address) Family() int { return unix.AF_INET }

func (a *IPv4Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.ip[0], a.ip[1], a.ip[2], a.ip[3], a.port)
}

func (a *IPv4Address) SockAddr() (unix.Sockaddr, error) {
	return &unix.SockaddrInet4{Port: int(a.port), Addr: a.ip}, nil
}

func (a *IPv4Address) Port() uint16     { return a.port }
func (a *IPv4Address) SetPort(p uint16) { a.port = p }

func (a *IPv4Address) asUint32() uint32 {
	return uint32(a.ip[0])<<24 | uint32(a.ip[1])<<16 | uint32(a.ip[2])<<8 | uint32(a.ip[3])
}

// createMask32 returns the host-bit mask for an IPv4 prefix length, the
// equivalent of address.cc's CreateMask<uint32_t>.
func createMask32(prefixLen uint32) uint32 {
	if prefixLen >= 32 {
		return 0
	}
	return (uint32(1) << (32 - prefixLen)) - 1
}

func (a *IPv4Address) BroadcastAddress(prefixLen uint32) (IPAddress, error) {
	if prefixLen > 32 {
		return nil, fmt.Errorf("netaddr: prefix length %d out of range for IPv4", prefixLen)
	}
	return IPv4AddressFromUint32(a.asUint32()|createMask32(prefixLen), a.port), nil
}

func (a *IPv4Address) NetworkAddress(prefixLen uint32) (IPAddress, error) {
	if prefixLen > 32 {
		return nil, fmt.Errorf("netaddr: prefix length %d out of range for IPv4", prefixLen)
	}
	return IPv4AddressFromUint32(a.asUint32()&^createMask32(prefixLen), a.port), nil
}

func (a *IPv4Address) SubnetMask(prefixLen uint32) (IPAddress, error) {
	if prefixLen > 32 {
		return nil, fmt.Errorf("netaddr: prefix length %d out of range for IPv4", prefixLen)
	}
	return IPv4AddressFromUint32(^createMask32(prefixLen), 0), nil
}

// ---- IPv6Address --------------------------------------------------------

// IPv6Address is a 16-byte IPv6 host address plus port, grounded on
// sylar's IPv6Address (address.cc lines 464-605).
type IPv6Address struct {
	ip   [16]byte
	port uint16
}

// NewIPv6Address parses a textual IPv6 address, the equivalent of
// IPv6Address::Create.
func NewIPv6Address(address string, port uint16) (*IPv6Address, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, fmt.Errorf("netaddr: invalid IPv6 address %q", address)
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil, fmt.Errorf("netaddr: %q is not an IPv6 address", address)
	}
	a := &IPv6Address{port: port}
	copy(a.ip[:], v6)
	return a, nil
}

func (a *IPv6Address) Family() int { return unix.AF_INET6 }

func (a *IPv6Address) String() string {
	return fmt.Sprintf("[%s]:%d", net.IP(a.ip[:]).String(), a.port)
}

func (a *IPv6Address) SockAddr() (unix.Sockaddr, error) {
	return &unix.SockaddrInet6{Port: int(a.port), Addr: a.ip}, nil
}

func (a *IPv6Address) Port() uint16     { return a.port }
func (a *IPv6Address) SetPort(p uint16) { a.port = p }

// createMask8 returns the host-bit mask for prefixLen bits within a single
// byte, the equivalent of CreateMask<uint8_t>.
func createMask8(bits uint32) uint8 {
	if bits >= 8 {
		return 0
	}
	return uint8((1 << (8 - bits)) - 1)
}

func (a *IPv6Address) BroadcastAddress(prefixLen uint32) (IPAddress, error) {
	if prefixLen > 128 {
		return nil, fmt.Errorf("netaddr: prefix length %d out of range for IPv6", prefixLen)
	}
	out := a.ip
	out[prefixLen/8] |= createMask8(prefixLen % 8)
	for i := prefixLen/8 + 1; i < 16; i++ {
		out[i] = 0xff
	}
	return &IPv6Address{ip: out, port: a.port}, nil
}

func (a *IPv6Address) NetworkAddress(prefixLen uint32) (IPAddress, error) {
	if prefixLen > 128 {
		return nil, fmt.Errorf("netaddr: prefix length %d out of range for IPv6", prefixLen)
	}
	out := a.ip
	out[prefixLen/8] &^= createMask8(prefixLen % 8)
	for i := prefixLen/8 + 1; i < 16; i++ {
		out[i] = 0x00
	}
	return &IPv6Address{ip: out, port: a.port}, nil
}

func (a *IPv6Address) SubnetMask(prefixLen uint32) (IPAddress, error) {
	if prefixLen > 128 {
		return nil, fmt.Errorf("netaddr: prefix length %d out of range for IPv6", prefixLen)
	}
	var out [16]byte
	for i := uint32(0); i < prefixLen/8; i++ {
		out[i] = 0xff
	}
	out[prefixLen/8] = ^createMask8(prefixLen % 8)
	return &IPv6Address{ip: out}, nil
}

// ---- UnixAddress ---------------------------------------------------------

// UnixAddress wraps a unix domain socket path, including Linux's abstract
// namespace (a leading NUL byte), the equivalent of sylar's UnixAddress.
type UnixAddress struct {
	path string
}

// NewUnixAddress builds a unix domain address for path. A path beginning
// with '\x00' addresses the Linux abstract namespace, matching
// UnixAddress::UnixAddress(const std::string&).
func NewUnixAddress(path string) (*UnixAddress, error) {
	if len(path) > len(unix.RawSockaddrUnix{}.Path) {
		return nil, fmt.Errorf("netaddr: unix path %q too long", path)
	}
	return &UnixAddress{path: path}, nil
}

func (a *UnixAddress) Family() int { return unix.AF_UNIX }

func (a *UnixAddress) String() string {
	if strings.HasPrefix(a.path, "\x00") {
		return "\\0" + a.path[1:]
	}
	return a.path
}

func (a *UnixAddress) Path() string { return a.path }

func (a *UnixAddress) SockAddr() (unix.Sockaddr, error) {
	return &unix.SockaddrUnix{Name: a.path}, nil
}

// ---- lookup / interfaces --------------------------------------------------

// Lookup resolves host (optionally "host:port" or "[v6host]:port") into
// every matching Address, the equivalent of Address::Lookup built on
// Go's resolver instead of getaddrinfo directly.
func Lookup(host string, family int) ([]Address, error) {
	node, service := splitHostService(host)

	ips, err := net.LookupIP(node)
	if err != nil {
		return nil, fmt.Errorf("netaddr: lookup %q: %w", node, err)
	}

	var port uint16
	if service != "" {
		p, err := strconv.ParseUint(service, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("netaddr: invalid port %q: %w", service, err)
		}
		port = uint16(p)
	}

	var out []Address
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			if family != unix.AF_UNSPEC && family != unix.AF_INET {
				continue
			}
			a := &IPv4Address{port: port}
			copy(a.ip[:], v4)
			out = append(out, a)
			continue
		}
		if family != unix.AF_UNSPEC && family != unix.AF_INET6 {
			continue
		}
		a := &IPv6Address{port: port}
		copy(a.ip[:], ip.To16())
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("netaddr: no addresses found for %q", host)
	}
	return out, nil
}

// LookupAny returns the first address Lookup resolves, the equivalent of
// Address::LookupAny.
func LookupAny(host string, family int) (Address, error) {
	addrs, err := Lookup(host, family)
	if err != nil {
		return nil, err
	}
	return addrs[0], nil
}

// splitHostService mirrors Address::Lookup's manual "[v6]:port" /
// "host:port" splitting, but delegates to net.SplitHostPort where possible
// since Go already implements that parsing correctly.
func splitHostService(host string) (node, service string) {
	if h, p, err := net.SplitHostPort(host); err == nil {
		return h, p
	}
	return host, ""
}

// InterfaceAddresses returns every configured address on iface (or every
// interface if iface is "" or "*"), the equivalent of
// Address::GetInterfaceAddresses(vector..., iface, family).
func InterfaceAddresses(iface string, family int) ([]Address, error) {
	var ifaces []net.Interface
	if iface == "" || iface == "*" {
		all, err := net.Interfaces()
		if err != nil {
			return nil, fmt.Errorf("netaddr: list interfaces: %w", err)
		}
		ifaces = all
	} else {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("netaddr: interface %q: %w", iface, err)
		}
		ifaces = []net.Interface{*ifi}
	}

	var out []Address
	for _, ifi := range ifaces {
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipnet.IP.To4(); v4 != nil {
				if family != unix.AF_UNSPEC && family != unix.AF_INET {
					continue
				}
				addr := &IPv4Address{}
				copy(addr.ip[:], v4)
				out = append(out, addr)
				continue
			}
			if family != unix.AF_UNSPEC && family != unix.AF_INET6 {
				continue
			}
			addr := &IPv6Address{}
			copy(addr.ip[:], ipnet.IP.To16())
			out = append(out, addr)
		}
	}
	return out, nil
}
