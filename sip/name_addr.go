package sip

import (
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// NameAddr is a name-addr or addr-spec with header parameters as used in
// From, To, Contact, Route, Record-Route and Path headers.
type NameAddr struct {
	DisplayName string
	URI         *URI
	Params      Params
}

// ParseNameAddr parses a single header value.
// For addr-spec form without angle brackets all parameters belong to the header.
func ParseNameAddr(s string) (NameAddr, error) {
	s = strings.TrimSpace(s)
	var na NameAddr

	var rest string
	if lt := indexLAQuot(s); lt >= 0 {
		gt := strings.IndexByte(s[lt:], '>')
		if gt < 0 {
			return na, errtrace.Wrap(NewInvalidArgumentError("unterminated name-addr %q", s))
		}
		na.DisplayName = strings.TrimSpace(s[:lt])
		if uq, err := strconv.Unquote(na.DisplayName); err == nil {
			na.DisplayName = uq
		}
		u, err := ParseURI(s[lt+1 : lt+gt])
		if err != nil {
			return na, errtrace.Wrap(err)
		}
		na.URI = u
		rest = strings.TrimSpace(s[lt+gt+1:])
	} else {
		uri := s
		if i := strings.IndexByte(s, ';'); i >= 0 {
			uri, rest = s[:i], s[i:]
		}
		u, err := ParseURI(uri)
		if err != nil {
			return na, errtrace.Wrap(err)
		}
		na.URI = u
	}

	if rest != "" {
		if rest[0] != ';' {
			return na, errtrace.Wrap(NewInvalidArgumentError("invalid name-addr params %q", rest))
		}
		ps, err := parseParams(rest[1:])
		if err != nil {
			return na, errtrace.Wrap(err)
		}
		na.Params = ps
	}
	return na, nil
}

// indexLAQuot returns the index of the first '<' outside of a quoted display name.
func indexLAQuot(s string) int {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if quoted {
				i++
			}
		case '"':
			quoted = !quoted
		case '<':
			if !quoted {
				return i
			}
		}
	}
	return -1
}

// Tag returns the tag parameter.
func (na NameAddr) Tag() string {
	t, _ := na.Params.Get("tag")
	return t
}

// Clone returns a deep copy.
func (na NameAddr) Clone() NameAddr {
	na.URI = na.URI.Clone()
	na.Params = na.Params.Clone()
	return na
}

func (na NameAddr) String() string {
	var sb strings.Builder
	if na.DisplayName != "" {
		sb.WriteString(strconv.Quote(na.DisplayName))
		sb.WriteByte(' ')
	}
	sb.WriteByte('<')
	sb.WriteString(na.URI.String())
	sb.WriteByte('>')
	na.Params.writeTo(&sb)
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (na NameAddr) LogValue() slog.Value { return slog.StringValue(na.String()) }

// CSeq is a CSeq header value.
type CSeq struct {
	Seq    uint32
	Method RequestMethod
}

// ParseCSeq parses "314159 INVITE".
func ParseCSeq(s string) (CSeq, error) {
	num, mtd, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok {
		return CSeq{}, errtrace.Wrap(NewInvalidArgumentError("invalid CSeq %q", s))
	}
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return CSeq{}, errtrace.Wrap(NewInvalidArgumentError("invalid CSeq number %q", num))
	}
	m := RequestMethod(strings.TrimSpace(mtd))
	if !m.IsValid() {
		return CSeq{}, errtrace.Wrap(NewInvalidArgumentError("invalid CSeq method %q", mtd))
	}
	return CSeq{Seq: uint32(n), Method: m}, nil
}

func (c CSeq) String() string { return uitoa(uint64(c.Seq)) + " " + string(c.Method) }
