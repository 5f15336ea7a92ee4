package sip

import (
	"iter"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// Header is a single header line.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header multimap. Lookups are case-insensitive and
// accept compact header forms. The zero value is an empty list.
type Headers struct {
	list []Header
}

var compactForms = map[string]string{
	"a": "Accept-Contact",
	"b": "Referred-By",
	"c": "Content-Type",
	"e": "Content-Encoding",
	"f": "From",
	"i": "Call-ID",
	"k": "Supported",
	"l": "Content-Length",
	"m": "Contact",
	"o": "Event",
	"r": "Refer-To",
	"s": "Subject",
	"t": "To",
	"u": "Allow-Events",
	"v": "Via",
	"x": "Session-Expires",
}

var canonicNames = map[string]string{
	"call-id":          "Call-ID",
	"cseq":             "CSeq",
	"www-authenticate": "WWW-Authenticate",
	"mime-version":     "MIME-Version",
}

// CanonicName returns canonical header name, expanding compact forms.
func CanonicName(name string) string {
	name = strings.TrimSpace(name)
	lower := strings.ToLower(name)
	if full, ok := compactForms[lower]; ok {
		return full
	}
	if cn, ok := canonicNames[lower]; ok {
		return cn
	}
	b := []byte(lower)
	upper := true
	for i, c := range b {
		if upper && c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
		upper = c == '-'
	}
	return string(b)
}

// multiValued lists headers whose comma-separated values are separate entries.
var multiValued = map[string]bool{
	"Via":            true,
	"Route":          true,
	"Record-Route":   true,
	"Path":           true,
	"Contact":        true,
	"Allow":          true,
	"Supported":      true,
	"Require":        true,
	"Proxy-Require":  true,
	"Unsupported":    true,
	"Reason":         true,
	"Service-Route":  true,
	"Accept":         true,
	"Allow-Events":   true,
	"Accept-Contact": true,
}

func (h *Headers) match(i int, cname string) bool {
	return CanonicName(h.list[i].Name) == cname
}

// Len returns the number of header lines.
func (h *Headers) Len() int { return len(h.list) }

// All iterates over header lines in order.
func (h *Headers) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, hdr := range h.list {
			if !yield(hdr.Name, hdr.Value) {
				return
			}
		}
	}
}

// Has checks whether the header is present.
func (h *Headers) Has(name string) bool {
	cname := CanonicName(name)
	for i := range h.list {
		if h.match(i, cname) {
			return true
		}
	}
	return false
}

// Count returns the number of header lines with the name.
func (h *Headers) Count(name string) int {
	cname := CanonicName(name)
	n := 0
	for i := range h.list {
		if h.match(i, cname) {
			n++
		}
	}
	return n
}

// Values returns all values of the header in order. Comma-separated
// lists of multi-valued headers are split into separate values.
func (h *Headers) Values(name string) []string {
	cname := CanonicName(name)
	var vals []string
	for i := range h.list {
		if !h.match(i, cname) {
			continue
		}
		if multiValued[cname] {
			vals = append(vals, splitList(h.list[i].Value)...)
		} else {
			vals = append(vals, h.list[i].Value)
		}
	}
	return vals
}

// Get returns the first value of the header.
func (h *Headers) Get(name string) string {
	v, _ := h.First(name)
	return v
}

// First returns the first value of the header.
func (h *Headers) First(name string) (string, bool) {
	vals := h.Values(name)
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// Append adds a value after the last line with the same name, or at the end.
func (h *Headers) Append(name, value string) {
	cname := CanonicName(name)
	for i := len(h.list) - 1; i >= 0; i-- {
		if h.match(i, cname) {
			h.list = append(h.list[:i+1], append([]Header{{cname, value}}, h.list[i+1:]...)...)
			return
		}
	}
	h.list = append(h.list, Header{cname, value})
}

// Prepend adds a value before the first line with the same name, or at the top.
func (h *Headers) Prepend(name, value string) {
	cname := CanonicName(name)
	pos := 0
	for i := range h.list {
		if h.match(i, cname) {
			pos = i
			break
		}
	}
	h.list = append(h.list[:pos], append([]Header{{cname, value}}, h.list[pos:]...)...)
}

// Set replaces all values of the header with the given ones, keeping the
// position of the first existing line.
func (h *Headers) Set(name string, values ...string) {
	cname := CanonicName(name)
	pos := -1
	out := h.list[:0:0]
	for i := range h.list {
		if h.match(i, cname) {
			if pos < 0 {
				pos = len(out)
			}
			continue
		}
		out = append(out, h.list[i])
	}
	if pos < 0 {
		pos = len(out)
	}
	add := make([]Header, 0, len(values))
	for _, v := range values {
		add = append(add, Header{cname, v})
	}
	h.list = append(out[:pos], append(add, out[pos:]...)...)
}

// Del removes all values of the header.
func (h *Headers) Del(name string) {
	h.Set(name)
}

// PopFirst removes and returns the first value of a multi-valued header.
func (h *Headers) PopFirst(name string) (string, bool) {
	cname := CanonicName(name)
	for i := range h.list {
		if !h.match(i, cname) {
			continue
		}
		vals := splitList(h.list[i].Value)
		if len(vals) <= 1 {
			h.list = append(h.list[:i:i], h.list[i+1:]...)
			if len(vals) == 0 {
				return h.PopFirst(name)
			}
			return vals[0], true
		}
		h.list[i].Value = strings.Join(vals[1:], ", ")
		return vals[0], true
	}
	return "", false
}

// Clone returns a copy of the headers.
func (h *Headers) Clone() Headers {
	return Headers{list: append([]Header(nil), h.list...)}
}

// Vias returns the parsed Via stack, topmost first.
func (h *Headers) Vias() ([]Via, error) {
	vals := h.Values("Via")
	vias := make([]Via, 0, len(vals))
	for _, v := range vals {
		via, err := ParseVia(v)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		vias = append(vias, via)
	}
	return vias, nil
}

// TopVia returns the topmost Via.
func (h *Headers) TopVia() (Via, error) {
	v, ok := h.First("Via")
	if !ok {
		return Via{}, errtrace.Wrap(NewInvalidMessageError("missing Via header"))
	}
	return errtrace.Wrap2(ParseVia(v))
}

// CSeq returns the parsed CSeq header.
func (h *Headers) CSeq() (CSeq, error) {
	v, ok := h.First("CSeq")
	if !ok {
		return CSeq{}, errtrace.Wrap(NewInvalidMessageError("missing CSeq header"))
	}
	return errtrace.Wrap2(ParseCSeq(v))
}

// CallID returns the Call-ID header.
func (h *Headers) CallID() string { return strings.TrimSpace(h.Get("Call-ID")) }

// From returns the parsed From header.
func (h *Headers) From() (NameAddr, error) { return errtrace.Wrap2(h.nameAddr("From")) }

// To returns the parsed To header.
func (h *Headers) To() (NameAddr, error) { return errtrace.Wrap2(h.nameAddr("To")) }

func (h *Headers) nameAddr(name string) (NameAddr, error) {
	v, ok := h.First(name)
	if !ok {
		return NameAddr{}, errtrace.Wrap(NewInvalidMessageError("missing %s header", name))
	}
	return errtrace.Wrap2(ParseNameAddr(v))
}

// MaxForwards returns Max-Forwards value, false if absent or invalid.
func (h *Headers) MaxForwards() (int, bool) {
	v, ok := h.First("Max-Forwards")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// NameAddrs parses all values of a name-addr list header (Route, Record-Route, Path, Contact).
func (h *Headers) NameAddrs(name string) ([]NameAddr, error) {
	vals := h.Values(name)
	out := make([]NameAddr, 0, len(vals))
	for _, v := range vals {
		if v == "*" {
			continue
		}
		na, err := ParseNameAddr(v)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		out = append(out, na)
	}
	return out, nil
}

// ContentLength returns the Content-Length value, -1 if absent.
func (h *Headers) ContentLength() (int, error) {
	v, ok := h.First("Content-Length")
	if !ok {
		return -1, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, errtrace.Wrap(NewInvalidMessageError("invalid Content-Length %q", v))
	}
	return n, nil
}
