package sip

import (
	"log/slog"
	"net/netip"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// URI is a SIP or SIPS URI (RFC 3261 Section 19.1).
// URIs with other schemes keep everything after the colon in Opaque.
type URI struct {
	Scheme   string
	User     string
	Password string
	Host     string
	Port     uint16
	Params   Params
	Headers  string
	Opaque   string
}

// ParseURI parses a URI string.
func ParseURI(s string) (*URI, error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || scheme == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid URI %q", s))
	}
	u := &URI{Scheme: strings.ToLower(scheme)}
	if !u.IsSIP() {
		if rest == "" {
			return nil, errtrace.Wrap(NewInvalidArgumentError("invalid URI %q", s))
		}
		u.Opaque = rest
		return u, nil
	}

	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest, u.Headers = rest[:i], rest[i+1:]
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		userinfo := rest[:i]
		rest = rest[i+1:]
		u.User, u.Password, _ = strings.Cut(userinfo, ":")
	}
	hostport := rest
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		hostport = rest[:i]
		ps, err := parseParams(rest[i+1:])
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		u.Params = ps
	}
	host, port, ok := splitHostPort(hostport)
	if !ok || host == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid URI host %q", hostport))
	}
	u.Host = strings.ToLower(host)
	if port != "" {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil || p == 0 {
			return nil, errtrace.Wrap(NewInvalidArgumentError("invalid URI port %q", port))
		}
		u.Port = uint16(p)
	}
	return u, nil
}

// IsSIP reports whether the URI has sip or sips scheme.
func (u *URI) IsSIP() bool { return u != nil && (u.Scheme == "sip" || u.Scheme == "sips") }

// IsSecure reports whether the URI has sips scheme.
func (u *URI) IsSecure() bool { return u != nil && u.Scheme == "sips" }

// Transport returns the value of the transport parameter.
func (u *URI) Transport() (TransportProto, bool) {
	if u == nil {
		return "", false
	}
	v, ok := u.Params.Get("transport")
	if !ok {
		return "", false
	}
	return ParseTransportProto(v)
}

// HostAddr returns the host as IP address if it is an IP literal.
func (u *URI) HostAddr() (netip.Addr, bool) {
	if u == nil {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(u.Host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// Clone returns a deep copy of the URI.
func (u *URI) Clone() *URI {
	if u == nil {
		return nil
	}
	c := *u
	c.Params = u.Params.Clone()
	return &c
}

func (u *URI) String() string {
	if u == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(u.Scheme)
	sb.WriteByte(':')
	if !u.IsSIP() {
		sb.WriteString(u.Opaque)
		return sb.String()
	}
	if u.User != "" {
		sb.WriteString(u.User)
		if u.Password != "" {
			sb.WriteByte(':')
			sb.WriteString(u.Password)
		}
		sb.WriteByte('@')
	}
	sb.WriteString(joinHostPort(u.Host, u.Port))
	u.Params.writeTo(&sb)
	if u.Headers != "" {
		sb.WriteByte('?')
		sb.WriteString(u.Headers)
	}
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (u *URI) LogValue() slog.Value { return slog.StringValue(u.String()) }
