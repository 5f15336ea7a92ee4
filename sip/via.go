package sip

import (
	"log/slog"
	"net/netip"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// MagicCookie prefixes every RFC 3261 compliant branch.
const MagicCookie = "z9hG4bK"

// Via is a single Via header value.
type Via struct {
	Proto     string
	Transport TransportProto
	Host      string
	Port      uint16
	Params    Params
}

// ParseVia parses a single Via value, e.g. "SIP/2.0/UDP host:5060;branch=z9hG4bK1".
func ParseVia(s string) (Via, error) {
	s = strings.TrimSpace(s)
	var via Via

	sentProto, rest, ok := cutSpace(s)
	if !ok {
		return via, errtrace.Wrap(NewInvalidArgumentError("invalid Via %q", s))
	}
	i := strings.LastIndexByte(sentProto, '/')
	if i < 0 {
		return via, errtrace.Wrap(NewInvalidArgumentError("invalid Via protocol %q", sentProto))
	}
	via.Proto = strings.ToUpper(strings.TrimSpace(sentProto[:i]))
	via.Transport = TransportProto(strings.ToUpper(strings.TrimSpace(sentProto[i+1:])))
	if via.Proto != "SIP/2.0" || !isToken(string(via.Transport)) {
		return via, errtrace.Wrap(NewInvalidArgumentError("invalid Via protocol %q", sentProto))
	}

	sentBy := rest
	if j := strings.IndexByte(rest, ';'); j >= 0 {
		sentBy = rest[:j]
		ps, err := parseParams(rest[j+1:])
		if err != nil {
			return via, errtrace.Wrap(err)
		}
		via.Params = ps
	}
	host, port, ok := splitHostPort(strings.TrimSpace(sentBy))
	if !ok || host == "" {
		return via, errtrace.Wrap(NewInvalidArgumentError("invalid Via sent-by %q", sentBy))
	}
	via.Host = strings.ToLower(host)
	if port != "" {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return via, errtrace.Wrap(NewInvalidArgumentError("invalid Via port %q", port))
		}
		via.Port = uint16(p)
	}
	return via, nil
}

func cutSpace(s string) (before, after string, ok bool) {
	// "SIP / 2.0 / UDP" is legal but practically never seen, collapse it.
	for strings.Contains(s, " /") || strings.Contains(s, "/ ") {
		s = strings.ReplaceAll(s, " /", "/")
		s = strings.ReplaceAll(s, "/ ", "/")
	}
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, "", false
	}
	return s[:i], strings.TrimLeft(s[i:], " \t"), true
}

// Branch returns the branch parameter.
func (v Via) Branch() string {
	b, _ := v.Params.Get("branch")
	return b
}

// IsRFC3261 checks whether the branch carries the magic cookie.
func (v Via) IsRFC3261() bool { return strings.HasPrefix(v.Branch(), MagicCookie) }

// SentBy returns host:port of the hop, the default transport port is filled in.
func (v Via) SentBy() string {
	port := v.Port
	if port == 0 {
		port = v.Transport.DefaultPort()
	}
	return joinHostPort(v.Host, port)
}

// Received returns the received parameter as IP address.
func (v Via) Received() (netip.Addr, bool) {
	s, ok := v.Params.Get("received")
	if !ok {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	return addr, err == nil
}

// RPort returns rport value. The second result reports whether the
// parameter is present at all, even without a value.
func (v Via) RPort() (uint16, bool) {
	s, ok := v.Params.Get("rport")
	if !ok {
		return 0, false
	}
	p, _ := strconv.ParseUint(s, 10, 16)
	return uint16(p), true
}

// Clone returns a deep copy.
func (v Via) Clone() Via {
	v.Params = v.Params.Clone()
	return v
}

func (v Via) String() string {
	var sb strings.Builder
	proto := v.Proto
	if proto == "" {
		proto = "SIP/2.0"
	}
	sb.WriteString(proto)
	sb.WriteByte('/')
	sb.WriteString(string(v.Transport))
	sb.WriteByte(' ')
	sb.WriteString(joinHostPort(v.Host, v.Port))
	v.Params.writeTo(&sb)
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (v Via) LogValue() slog.Value { return slog.StringValue(v.String()) }
