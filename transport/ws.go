package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/sip"
)

// wsProtocol is the WebSocket sub-protocol of RFC 7118.
const wsProtocol = "sip"

func isSIPProtocol(b []byte) bool { return strings.EqualFold(string(b), wsProtocol) }

// wsWire frames every message into one text frame (RFC 7118 Section 5).
type wsWire struct {
	nc    net.Conn
	rw    io.ReadWriter
	state ws.State

	// control frames are answered by the reader goroutine
	mu sync.Mutex
}

func (w *wsWire) Read(p []byte) (int, error) { return errtrace.Wrap2(w.rw.Read(p)) }

// Write writes a complete frame at once, so control replies never split a data frame.
func (w *wsWire) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return 0, errtrace.Wrap(err)
	}
	defer w.nc.SetWriteDeadline(noDeadline) //nolint:errcheck

	return errtrace.Wrap2(w.rw.Write(p))
}

func (w *wsWire) write(b []byte) error {
	var frame bytes.Buffer
	var err error
	if w.state.ClientSide() {
		err = wsutil.WriteClientMessage(&frame, ws.OpText, b)
	} else {
		err = wsutil.WriteServerMessage(&frame, ws.OpText, b)
	}
	if err != nil {
		return errtrace.Wrap(err)
	}
	_, err = w.Write(frame.Bytes())
	return errtrace.Wrap(err)
}

func (w *wsWire) read() ([]byte, error) {
	if w.state.ClientSide() {
		data, _, err := wsutil.ReadServerData(w)
		return data, errtrace.Wrap(err)
	}
	data, _, err := wsutil.ReadClientData(w)
	return data, errtrace.Wrap(err)
}

func (w *wsWire) close() error { return errtrace.Wrap(w.nc.Close()) }

func (m *Manager) listenWS(ctx context.Context, proto sip.TransportProto, addr netip.AddrPort) (*listener, error) {
	ls, err := m.listenTCP(ctx, proto, addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	upgrader := ws.Upgrader{Protocol: isSIPProtocol}
	m.wg.Go(func() {
		m.accept(ls, func(nc net.Conn) {
			w, err := m.upgradeWS(nc, upgrader)
			if err != nil {
				m.log.LogAttrs(context.Background(), slog.LevelInfo, "WebSocket upgrade failed",
					slog.Any("remote_addr", nc.RemoteAddr()),
					slog.Any("error", err),
				)
				nc.Close()
				return
			}

			c := newConn(m, proto, addrPortOf(nc.LocalAddr()), addrPortOf(nc.RemoteAddr()), w)
			if m.track(c) {
				m.serveWS(c, w)
			}
		})
	})
	return &listener{proto: proto, addr: addrPortOf(ls.Addr()), close: ls.Close}, nil
}

func (m *Manager) upgradeWS(nc net.Conn, upgrader ws.Upgrader) (*wsWire, error) {
	if err := nc.SetDeadline(time.Now().Add(m.opts.dialTimeout())); err != nil {
		return nil, errtrace.Wrap(err)
	}
	defer nc.SetDeadline(noDeadline) //nolint:errcheck

	hs, err := upgrader.Upgrade(nc)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !isSIPProtocol([]byte(hs.Protocol)) {
		return nil, errtrace.Wrap(errors.New("client did not offer the sip sub-protocol"))
	}
	return &wsWire{nc: nc, rw: nc, state: ws.StateServerSide}, nil
}

// serveWS reads one message per data frame until the connection fails.
// Ping and close frames are handled by wsutil.
func (m *Manager) serveWS(c *connection, w *wsWire) {
	defer c.Close()

	c.touch()
	for {
		data, err := w.read()
		if err != nil {
			var closed wsutil.ClosedError
			if !c.closed() && !errors.As(err, &closed) && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.LogAttrs(context.Background(), slog.LevelInfo, "connection read failed", slog.Any("error", err))
			}
			return
		}
		if len(bytes.TrimSpace(data)) == 0 {
			c.touch()
			continue
		}

		msg, err := sip.ParseMessage(data)
		if err != nil {
			c.log.LogAttrs(context.Background(), slog.LevelDebug, "discarding malformed frame",
				slog.Any("data", log.Dump(data)),
				slog.Any("error", err),
			)
			continue
		}
		m.receive(c, msg)
	}
}

func (m *Manager) dialWS(ctx context.Context, proto sip.TransportProto, raddr netip.AddrPort) (*connection, error) {
	d := &net.Dialer{Timeout: m.opts.dialTimeout()}
	nc, err := d.DialContext(ctx, "tcp", raddr.String())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	w, err := m.upgradeClientWS(ctx, proto, nc, raddr)
	if err != nil {
		nc.Close()
		return nil, errtrace.Wrap(err)
	}

	c := newConn(m, proto, addrPortOf(nc.LocalAddr()), raddr, w)
	if !m.track(c) {
		return nil, errtrace.Wrap(ErrTransportClosed)
	}
	m.wg.Go(func() { m.serveWS(c, w) })
	return c, nil
}

func (m *Manager) upgradeClientWS(
	ctx context.Context,
	proto sip.TransportProto,
	nc net.Conn,
	raddr netip.AddrPort,
) (*wsWire, error) {
	if err := nc.SetDeadline(time.Now().Add(m.opts.dialTimeout())); err != nil {
		return nil, errtrace.Wrap(err)
	}

	u := &url.URL{Scheme: "ws", Host: raddr.String(), Path: "/"}
	if proto.Secured() {
		tc := tls.Client(nc, m.tlsClient())
		if err := tc.HandshakeContext(ctx); err != nil {
			return nil, errtrace.Wrap(err)
		}
		nc = tc
		u.Scheme = "wss"
	}

	dialer := ws.Dialer{Protocols: []string{wsProtocol}}
	br, hs, err := dialer.Upgrade(nc, u)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !isSIPProtocol([]byte(hs.Protocol)) {
		return nil, errtrace.Wrap(errors.New("server did not accept the sip sub-protocol"))
	}
	if err := nc.SetDeadline(noDeadline); err != nil {
		return nil, errtrace.Wrap(err)
	}

	w := &wsWire{nc: nc, rw: nc, state: ws.StateClientSide}
	if br != nil {
		// the server may have sent frames right after the handshake
		w.rw = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, nc), nc}
	}
	return w, nil
}
