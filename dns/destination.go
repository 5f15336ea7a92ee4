package dns

import (
	"net/netip"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/sip"
)

// Destination is what a request URI or a Route entry asks to reach.
type Destination struct {
	Scheme string
	Host   string
	// Port is 0 when the URI has no explicit port.
	Port uint16
	// Transport is empty when the URI has no ";transport=" parameter.
	Transport sip.TransportProto
}

// DestinationOf builds the destination from a SIP URI.
// The maddr parameter takes precedence over the host (RFC 3263 Section 4).
func DestinationOf(u *sip.URI) (Destination, error) {
	if u == nil {
		return Destination{}, errtrace.Wrap(sip.NewInvalidArgumentError("nil URI"))
	}
	dst := Destination{Scheme: u.Scheme, Host: u.Host, Port: u.Port}
	if maddr, ok := u.Params.Get("maddr"); ok && maddr != "" {
		dst.Host = strings.ToLower(strings.Trim(maddr, "[]"))
	}
	if v, ok := u.Params.Get("transport"); ok {
		tp, ok := sip.ParseTransportProto(v)
		if !ok {
			// unknown transports are rejected by the resolver
			tp = sip.TransportProto(strings.ToUpper(v))
		}
		dst.Transport = tp
	}
	return dst, nil
}

// Addr returns the host as IP address when it is a literal.
func (d Destination) Addr() (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.Trim(d.Host, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// String returns "scheme:host[:port][;transport=x]", the value used as cache key.
func (d Destination) String() string {
	var sb strings.Builder
	sb.WriteString(d.Scheme)
	sb.WriteByte(':')
	if addr, ok := d.Addr(); ok && addr.Is6() {
		sb.WriteByte('[')
		sb.WriteString(addr.String())
		sb.WriteByte(']')
	} else {
		sb.WriteString(d.Host)
	}
	if d.Port != 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(int(d.Port)))
	}
	if d.Transport != "" {
		sb.WriteString(";transport=")
		sb.WriteString(d.Transport.Param())
	}
	return sb.String()
}
