package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/sip"
)

var noDeadline time.Time

const writeTimeout = 30 * time.Second

// streamWire frames messages by Content-Length, TCP and TLS.
type streamWire struct {
	nc net.Conn
}

func (w streamWire) write(b []byte) error {
	if err := w.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return errtrace.Wrap(err)
	}
	defer w.nc.SetWriteDeadline(noDeadline) //nolint:errcheck

	_, err := w.nc.Write(b)
	return errtrace.Wrap(err)
}

func (w streamWire) close() error { return errtrace.Wrap(w.nc.Close()) }

func (m *Manager) tlsServer() (*tls.Config, error) {
	if m.opts.TLSServer == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("server TLS config required"))
	}
	return m.opts.TLSServer, nil
}

func (m *Manager) tlsClient() *tls.Config {
	if m.opts.TLSClient == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return m.opts.TLSClient.Clone()
}

func (m *Manager) listenTCP(ctx context.Context, proto sip.TransportProto, addr netip.AddrPort) (net.Listener, error) {
	var lc net.ListenConfig
	ls, err := lc.Listen(ctx, "tcp", addr.String())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !proto.Secured() {
		return ls, nil
	}

	cfg, err := m.tlsServer()
	if err != nil {
		ls.Close()
		return nil, errtrace.Wrap(err)
	}
	return tls.NewListener(ls, cfg), nil
}

func (m *Manager) listenStream(ctx context.Context, proto sip.TransportProto, addr netip.AddrPort) (*listener, error) {
	ls, err := m.listenTCP(ctx, proto, addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	m.wg.Go(func() {
		m.accept(ls, func(nc net.Conn) {
			c := m.newStreamConn(proto, nc)
			if m.track(c) {
				m.serveStream(c, bufio.NewReader(nc))
			}
		})
	})
	return &listener{proto: proto, addr: addrPortOf(ls.Addr()), close: ls.Close}, nil
}

// accept serves the listener until it is closed. Every accepted connection
// is handled in its own goroutine.
func (m *Manager) accept(ls net.Listener, handle func(net.Conn)) {
	logger := m.log.With(slog.Any("local_addr", ls.Addr()))

	var tempDelay time.Duration
	for {
		nc, err := ls.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || m.closing.Load() {
				return
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay = min(2*tempDelay, time.Second)
			}
			logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to accept connection, retry",
				slog.Any("error", err),
				slog.Duration("retry_after", tempDelay),
			)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		m.wg.Go(func() { handle(nc) })
	}
}

func (m *Manager) newStreamConn(proto sip.TransportProto, nc net.Conn) *connection {
	return newConn(m, proto, addrPortOf(nc.LocalAddr()), addrPortOf(nc.RemoteAddr()), streamWire{nc})
}

// serveStream reads messages until the connection fails. A double CRLF ping
// is answered with a CRLF pong (RFC 5626 Section 4.4.1).
func (m *Manager) serveStream(c *connection, br *bufio.Reader) {
	defer c.Close()

	c.touch()
	for {
		msg, err := sip.ReadMessage(br)
		switch {
		case err == nil:
			m.receive(c, msg)
		case errors.Is(err, sip.ErrKeepAlive):
			c.touch()
			if err := c.enqueue(outMsg{data: []byte("\r\n")}); err != nil {
				c.log.LogAttrs(context.Background(), slog.LevelDebug, "failed to send keep-alive pong", slog.Any("error", err))
			}
		default:
			if !c.closed() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				// resets and timeouts are routine, broken framing is not
				lvl := slog.LevelInfo
				if errorutil.IsTimeoutErr(err) || errorutil.IsNetError(err) {
					lvl = slog.LevelDebug
				}
				c.log.LogAttrs(context.Background(), lvl, "connection read failed", slog.Any("error", err))
			}
			return
		}
	}
}

func (m *Manager) dialStream(ctx context.Context, proto sip.TransportProto, raddr netip.AddrPort) (*connection, error) {
	d := &net.Dialer{Timeout: m.opts.dialTimeout()}

	var (
		nc  net.Conn
		err error
	)
	if proto.Secured() {
		td := &tls.Dialer{NetDialer: d, Config: m.tlsClient()}
		nc, err = td.DialContext(ctx, "tcp", raddr.String())
	} else {
		nc, err = d.DialContext(ctx, "tcp", raddr.String())
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	c := m.newStreamConn(proto, nc)
	if !m.track(c) {
		return nil, errtrace.Wrap(ErrTransportClosed)
	}
	m.wg.Go(func() { m.serveStream(c, bufio.NewReader(nc)) })
	return c, nil
}

func addrPortOf(a net.Addr) netip.AddrPort {
	switch a := a.(type) {
	case *net.TCPAddr:
		return a.AddrPort()
	case *net.UDPAddr:
		return a.AddrPort()
	default:
		ap, _ := netip.ParseAddrPort(a.String())
		return ap
	}
}
