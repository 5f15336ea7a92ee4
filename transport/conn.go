package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/google/uuid"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/metrics"
	"github.com/ghettovoice/sipproxy/sip"
)

// outMsg is a rendered message waiting in the send queue.
// A nil msg is a raw keep-alive.
type outMsg struct {
	msg   sip.Message
	data  []byte
	onErr func(error)
}

// wire is the framing specific part of a connection.
type wire interface {
	write(b []byte) error
	close() error
}

// connection is a registered connection of any transport. The framing is
// done by its wire, reading by the goroutine of the listener or the dialer.
type connection struct {
	m     *Manager
	id    string
	proto sip.TransportProto
	laddr netip.AddrPort
	raddr netip.AddrPort
	vars  sip.Vars
	wire  wire
	log   *slog.Logger

	out  chan outMsg
	done chan struct{}
	once sync.Once

	idleMu sync.Mutex
	idle   *time.Timer
}

func newConn(m *Manager, proto sip.TransportProto, laddr, raddr netip.AddrPort, w wire) *connection {
	c := &connection{
		m:     m,
		id:    uuid.NewString(),
		proto: proto,
		laddr: laddr,
		raddr: netip.AddrPortFrom(raddr.Addr().Unmap(), raddr.Port()),
		wire:  w,
		out:   make(chan outMsg, m.opts.sendQueueSize()),
		done:  make(chan struct{}),
	}
	c.log = m.log.With(slog.Any("connection", c))
	m.wg.Go(c.writeLoop)
	return c
}

func (c *connection) ID() string { return c.id }

func (c *connection) Proto() sip.TransportProto { return c.proto }

func (c *connection) LocalAddr() netip.AddrPort { return c.laddr }

func (c *connection) RemoteAddr() netip.AddrPort { return c.raddr }

func (c *connection) Vars() *sip.Vars { return &c.vars }

func (c *connection) key() connKey {
	if c.proto == sip.TransportUDP {
		return connKey{proto: c.proto, laddr: c.laddr, raddr: c.raddr}
	}
	return connKey{proto: c.proto, raddr: c.raddr}
}

// Send queues the message for writing.
func (c *connection) Send(_ context.Context, msg sip.Message) error {
	return errtrace.Wrap(c.enqueue(outMsg{msg: msg, data: msg.Render()}))
}

func (c *connection) enqueue(out outMsg) error {
	select {
	case <-c.done:
		return errtrace.Wrap(errorutil.NewWrapperError(sip.ErrConnectionFailed, "connection closed"))
	default:
	}

	select {
	case c.out <- out:
		return nil
	default:
		return errtrace.Wrap(errorutil.NewWrapperError(sip.ErrConnectionFailed, ErrSendQueueFull))
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			c.drain()
			return
		case out := <-c.out:
			c.write(out)
		}
	}
}

func (c *connection) write(out outMsg) {
	if err := c.wire.write(out.data); err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelDebug, "failed to write message",
			slog.Any("message", out.msg),
			slog.Any("error", err),
		)

		c.m.report(out.onErr, errorutil.NewWrapperError(sip.ErrConnectionFailed, err))
		if c.proto.Reliable() {
			c.Close()
		}
		return
	}
	c.touch()

	if out.msg == nil {
		return
	}
	c.m.metrics.Message(metrics.DirectionOut, c.proto, out.msg)

	c.log.LogAttrs(context.Background(), slog.LevelDebug, "message sent",
		slog.Any("message", out.msg),
		slog.Any("dump", log.Dump(out.data)),
	)
}

func (c *connection) drain() {
	for {
		select {
		case out := <-c.out:
			c.m.report(out.onErr, errorutil.NewWrapperError(sip.ErrConnectionFailed, "connection closed"))
		default:
			return
		}
	}
}

// touch resets the idle timer.
func (c *connection) touch() {
	ttl := c.m.opts.connIdleTTL()
	if ttl < 0 || c.closed() {
		return
	}

	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	if c.idle == nil {
		c.idle = time.AfterFunc(ttl, func() {
			c.log.LogAttrs(context.Background(), slog.LevelDebug, "connection idle timeout", slog.Duration("ttl", ttl))
			c.Close()
		})
		return
	}
	c.idle.Reset(ttl)
}

// Close closes the connection and removes it from the registry.
// Messages still queued fail with [sip.ErrConnectionFailed].
func (c *connection) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)

		c.idleMu.Lock()
		if c.idle != nil {
			c.idle.Stop()
		}
		c.idleMu.Unlock()

		err = c.wire.close()
		c.m.untrack(c)

		c.log.LogAttrs(context.Background(), slog.LevelDebug, "connection closed")
	})
	return errtrace.Wrap(err)
}

func (c *connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// LogValue implements [slog.LogValuer].
func (c *connection) LogValue() slog.Value {
	if c == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", c.id),
		slog.String("transport", c.proto.Param()),
		slog.Any("local_addr", c.laddr),
		slog.Any("remote_addr", c.raddr),
	)
}

func (c *connection) String() string {
	return fmt.Sprintf("%s %s->%s", c.proto.Param(), c.laddr, c.raddr)
}
