package sip

import "strings"

// splitList splits a comma-separated header value, ignoring commas inside
// quoted strings and angle brackets.
func splitList(s string) []string {
	var (
		out    []string
		quoted bool
		angle  int
		start  int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && quoted:
			i++
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '<':
			angle++
		case c == '>':
			if angle > 0 {
				angle--
			}
		case c == ',' && angle == 0:
			if v := strings.TrimSpace(s[start:i]); v != "" {
				out = append(out, v)
			}
			start = i + 1
		}
	}
	if v := strings.TrimSpace(s[start:]); v != "" {
		out = append(out, v)
	}
	return out
}

// indexUnquoted returns the index of the first c outside of quoted strings
// and angle brackets, or -1.
func indexUnquoted(s string, c byte) int {
	var (
		quoted bool
		angle  int
	)
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; {
		case ch == '\\' && quoted:
			i++
		case ch == '"':
			quoted = !quoted
		case quoted:
		case ch == '<':
			angle++
		case ch == '>':
			if angle > 0 {
				angle--
			}
		case ch == c && angle == 0:
			return i
		}
	}
	return -1
}

// splitHostPort splits "host", "host:port", "[v6]" or "[v6]:port".
// The returned host never has brackets.
func splitHostPort(s string) (host, port string, ok bool) {
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", "", false
		}
		host, rest := s[1:end], s[end+1:]
		if rest == "" {
			return host, "", true
		}
		if rest[0] != ':' {
			return "", "", false
		}
		return host, rest[1:], true
	}
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		if strings.IndexByte(s[:i], ':') >= 0 {
			// bare IPv6 address without brackets
			return s, "", true
		}
		return s[:i], s[i+1:], true
	}
	return s, "", true
}

func joinHostPort(host string, port uint16) string {
	if strings.IndexByte(host, ':') >= 0 {
		host = "[" + host + "]"
	}
	if port == 0 {
		return host
	}
	return host + ":" + uitoa(uint64(port))
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}
