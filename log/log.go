// Package log builds the slog loggers of the proxy and provides
// log values for network objects and raw SIP messages.
package log

import (
	"log/slog"
	"net"
	"net/netip"
	"strconv"

	slogformatter "github.com/samber/slog-formatter"
)

// MaxDump limits how many bytes of a raw message are logged.
const MaxDump = 4096

// formatters render network objects as compact groups.
var formatters = []slogformatter.Formatter{
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(ls net.Listener) slog.Value {
		return slog.GroupValue(
			slog.String("network", ls.Addr().Network()),
			slog.String("local_addr", ls.Addr().String()),
		)
	}),
	slogformatter.FormatByType(func(c net.PacketConn) slog.Value {
		return slog.GroupValue(
			slog.String("network", c.LocalAddr().Network()),
			slog.String("local_addr", c.LocalAddr().String()),
		)
	}),
	slogformatter.FormatByType(func(c net.Conn) slog.Value {
		return slog.GroupValue(
			slog.String("network", c.LocalAddr().Network()),
			slog.String("local_addr", c.LocalAddr().String()),
			slog.String("remote_addr", c.RemoteAddr().String()),
		)
	}),
	slogformatter.FormatByType(func(ap netip.AddrPort) slog.Value {
		return slog.StringValue(ap.String())
	}),
	slogformatter.FormatByType(func(a netip.Addr) slog.Value {
		return slog.StringValue(a.String())
	}),
}

func wrap(h slog.Handler) slog.Handler {
	return slogformatter.NewFormatterHandler(formatters...)(h)
}

// Noop discards everything.
var Noop = slog.New(slog.DiscardHandler)

// Component returns a child logger tagged with the component id.
func Component(l *slog.Logger, id string) *slog.Logger {
	if l == nil {
		l = Default()
	}
	return l.With(slog.String("component", id))
}

type dump[T ~string | ~[]byte] struct{ v T }

func (d dump[T]) LogValue() slog.Value {
	if len(d.v) <= MaxDump {
		return slog.StringValue(string(d.v))
	}
	return slog.StringValue(string(d.v[:MaxDump]) + "... (" + strconv.Itoa(len(d.v)) + " bytes)")
}

// Dump logs raw message data as text, cut at [MaxDump] bytes.
func Dump[T ~string | ~[]byte](v T) slog.LogValuer { return dump[T]{v} }

// Renderer is a message with a wire form.
type Renderer interface {
	Render() []byte
}

type renderDump struct{ m Renderer }

func (d renderDump) LogValue() slog.Value {
	if d.m == nil {
		return slog.StringValue("<nil>")
	}
	return dump[[]byte]{d.m.Render()}.LogValue()
}

// DumpMessage is [Dump] of the rendered message. The message is rendered
// only when the record is actually written.
func DumpMessage(m Renderer) slog.LogValuer { return renderDump{m} }
