package sip

import (
	"strings"

	"braces.dev/errtrace"
)

// Param is a single ";name=value" parameter.
type Param struct {
	Name  string
	Value string
	// Flag is true for value-less parameters such as ";lr".
	Flag bool
}

// Params is an ordered list of URI or header parameters.
// Names are compared case-insensitively.
type Params []Param

func (ps Params) index(name string) int {
	for i := range ps {
		if strings.EqualFold(ps[i].Name, name) {
			return i
		}
	}
	return -1
}

// Get returns the value of the named parameter.
func (ps Params) Get(name string) (string, bool) {
	if i := ps.index(name); i >= 0 {
		return ps[i].Value, true
	}
	return "", false
}

// Has checks whether the named parameter is present.
func (ps Params) Has(name string) bool { return ps.index(name) >= 0 }

// Set sets the parameter value, replacing an existing one in place.
func (ps Params) Set(name, value string) Params {
	if i := ps.index(name); i >= 0 {
		ps[i] = Param{Name: ps[i].Name, Value: value}
		return ps
	}
	return append(ps, Param{Name: name, Value: value})
}

// SetFlag sets a value-less parameter.
func (ps Params) SetFlag(name string) Params {
	if i := ps.index(name); i >= 0 {
		ps[i] = Param{Name: ps[i].Name, Flag: true}
		return ps
	}
	return append(ps, Param{Name: name, Flag: true})
}

// Del removes the named parameter.
func (ps Params) Del(name string) Params {
	if i := ps.index(name); i >= 0 {
		return append(ps[:i:i], ps[i+1:]...)
	}
	return ps
}

// Clone returns a copy of the list.
func (ps Params) Clone() Params {
	if ps == nil {
		return nil
	}
	return append(Params(nil), ps...)
}

// String renders the params with a leading ';' for each of them.
func (ps Params) String() string {
	var sb strings.Builder
	ps.writeTo(&sb)
	return sb.String()
}

func (ps Params) writeTo(sb *strings.Builder) {
	for _, p := range ps {
		sb.WriteByte(';')
		sb.WriteString(p.Name)
		if !p.Flag {
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
	}
}

// parseParams parses "a=b;c;d=e" (without a leading ';').
func parseParams(s string) (Params, error) {
	var ps Params
	for s != "" {
		i := indexUnquoted(s, ';')
		part := s
		if i >= 0 {
			part, s = s[:i], s[i+1:]
		} else {
			s = ""
		}
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, hasValue := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !isToken(name) {
			return nil, errtrace.Wrap(NewInvalidArgumentError("invalid parameter name %q", name))
		}
		if hasValue {
			ps = append(ps, Param{Name: name, Value: strings.TrimSpace(value)})
		} else {
			ps = append(ps, Param{Name: name, Flag: true})
		}
	}
	return ps, nil
}
