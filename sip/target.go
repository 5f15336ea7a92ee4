package sip

import (
	"log/slog"
	"net/netip"
	"strings"
)

// IPFamily is an IP address family.
type IPFamily string

const (
	IPv4 IPFamily = "ipv4"
	IPv6 IPFamily = "ipv6"
)

// FamilyOf returns the family of the address.
func FamilyOf(addr netip.Addr) IPFamily {
	if addr.Unmap().Is4() {
		return IPv4
	}
	return IPv6
}

// Target is a resolved network destination.
type Target struct {
	Transport TransportProto
	IP        netip.Addr
	Port      uint16
	// Flow is the id of the connection the target must be reached through
	// (RFC 5626 flow), empty for regular targets.
	Flow string
}

// IPType returns the IP family of the target.
func (t Target) IPType() IPFamily { return FamilyOf(t.IP) }

// AddrPort returns the socket address of the target.
func (t Target) AddrPort() netip.AddrPort { return netip.AddrPortFrom(t.IP.Unmap(), t.Port) }

// IsValid checks that the target has transport, address and port.
func (t Target) IsValid() bool { return t.Transport != "" && t.IP.IsValid() && t.Port != 0 }

// Equal reports whether both targets address the same flow.
func (t Target) Equal(o Target) bool { return t == o }

// String returns "udp:1.2.3.4:5060", the value used as cache and blacklist key.
func (t Target) String() string {
	var sb strings.Builder
	sb.WriteString(t.Transport.Param())
	sb.WriteByte(':')
	sb.WriteString(t.AddrPort().String())
	if t.Flow != "" {
		sb.WriteByte('#')
		sb.WriteString(t.Flow)
	}
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (t Target) LogValue() slog.Value { return slog.StringValue(t.String()) }
