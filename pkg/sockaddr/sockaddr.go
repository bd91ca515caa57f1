// Package sockaddr converts between the textual address forms used on the
// modem's AT interface and a binary address structure.
//
// The modem only ever emits full, uncompressed addresses: IPv4 as
// "a.b.c.d" with an optional ":port", IPv6 as eight colon-separated hex
// groups, wrapped in square brackets when a port follows. A string with a
// dot in it is taken to be IPv4, anything else IPv6; no other
// disambiguation is attempted.
package sockaddr

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

var ErrInvalidAddress = fmt.Errorf("sockaddr: invalid address")

// Address is an IP address plus port, held in network byte order
// (netip.Addr is big-endian internally).
type Address struct {
	IP   netip.Addr
	Port uint16
}

func (a Address) IsValid() bool {
	return a.IP.IsValid()
}

// Parse converts an address string, with or without a port on the end,
// into an Address.
func Parse(s string) (Address, error) {
	if strings.Contains(s, ".") {
		return parseIPv4(s)
	}
	return parseIPv6(s)
}

func parseIPv4(s string) (Address, error) {
	var addr Address

	ipPart := s
	if colon := strings.IndexByte(s, ':'); colon >= 0 {
		ipPart = s[:colon]
		port, err := parsePort(s[colon+1:])
		if err != nil {
			return Address{}, err
		}
		addr.Port = port
	}

	octets := strings.Split(ipPart, ".")
	if len(octets) != 4 {
		return Address{}, ErrInvalidAddress
	}
	var b [4]byte
	for i, o := range octets {
		v, err := strconv.ParseUint(o, 10, 32)
		if err != nil || v > 255 {
			return Address{}, ErrInvalidAddress
		}
		b[i] = byte(v)
	}
	addr.IP = netip.AddrFrom4(b)
	return addr, nil
}

func parseIPv6(s string) (Address, error) {
	var addr Address

	ipPart := s
	// A '[' on the start means an IPv6 address with a port on the end.
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return Address{}, ErrInvalidAddress
		}
		ipPart = s[1:end]
		rest := s[end+1:]
		if !strings.HasPrefix(rest, ":") {
			return Address{}, ErrInvalidAddress
		}
		port, err := parsePort(rest[1:])
		if err != nil {
			return Address{}, err
		}
		addr.Port = port
	}

	groups := strings.Split(ipPart, ":")
	if len(groups) != 8 {
		return Address{}, ErrInvalidAddress
	}
	var b [16]byte
	for i, g := range groups {
		v, err := strconv.ParseUint(g, 16, 32)
		if err != nil || v > 0xFFFF {
			return Address{}, ErrInvalidAddress
		}
		b[i*2] = byte(v >> 8)
		b[i*2+1] = byte(v)
	}
	addr.IP = netip.AddrFrom16(b)
	return addr, nil
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v > 65535 {
		return 0, ErrInvalidAddress
	}
	return uint16(v), nil
}

// Format renders the address back to the modem's text form. The port is
// appended only when includePort is set; IPv6 gets square brackets around
// the address part in that case.
func (a Address) Format(includePort bool) string {
	ip := formatIP(a.IP)
	if !includePort {
		return ip
	}
	if a.IP.Is4() {
		return fmt.Sprintf("%s:%d", ip, a.Port)
	}
	return fmt.Sprintf("[%s]:%d", ip, a.Port)
}

func (a Address) String() string {
	return a.Format(true)
}

// FormatIP renders just the address part.
func FormatIP(ip netip.Addr) string {
	return formatIP(ip)
}

func formatIP(ip netip.Addr) string {
	if ip.Is4() {
		b := ip.As4()
		return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
	}
	b := ip.As16()
	groups := make([]string, 8)
	for i := 0; i < 8; i++ {
		groups[i] = strconv.FormatUint(uint64(b[i*2])<<8|uint64(b[i*2+1]), 16)
	}
	return strings.Join(groups, ":")
}

// PortFromDomain extracts a port number from a domain string that may be a
// name or an address, returning -1 if there is none. A single trailing
// colon-number is a port; more than one colon after it means the string was
// a bare IPv6 address all along.
func PortFromDomain(s string) int {
	sep := portSeparator(s)
	if sep < 0 {
		return -1
	}
	v, err := strconv.ParseUint(s[sep+1:], 10, 32)
	if err != nil || v > 65535 {
		return -1
	}
	return int(v)
}

// TrimPort returns the domain string with any port (and IPv6 brackets)
// removed.
func TrimPort(s string) string {
	sep := portSeparator(s)
	if sep < 0 {
		return s
	}
	s = s[:sep]
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		s = s[1 : len(s)-1]
	}
	return s
}

func portSeparator(s string) int {
	search := s
	offset := 0
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return -1
		}
		search = s[end:]
		offset = end
	}
	colon := strings.IndexByte(search, ':')
	if colon < 0 {
		return -1
	}
	// More colons after the first one means IPv6 without a port.
	if strings.IndexByte(search[colon+1:], ':') >= 0 {
		return -1
	}
	return offset + colon
}
