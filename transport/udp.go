package transport

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/sip"
)

// udpSocket is a UDP listener. Connections over it are (socket, remote address) pairs.
type udpSocket struct {
	pc    *net.UDPConn
	laddr netip.AddrPort

	mu sync.Mutex
}

type udpWire struct {
	sock  *udpSocket
	raddr netip.AddrPort
}

func (w udpWire) write(b []byte) error {
	_, err := w.sock.pc.WriteToUDPAddrPort(b, w.raddr)
	return errtrace.Wrap(err)
}

// close is a no-op, the socket is shared with other remote addresses.
func (udpWire) close() error { return nil }

func (m *Manager) listenUDP(ctx context.Context, addr netip.AddrPort) (*listener, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr.String())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, errtrace.Wrap(errors.New("unexpected packet connection type"))
	}

	sock := &udpSocket{pc: uc, laddr: uc.LocalAddr().(*net.UDPAddr).AddrPort()} //nolint:forcetypeassert

	m.mu.Lock()
	m.udpSocks = append(m.udpSocks, sock)
	m.mu.Unlock()

	m.wg.Go(func() { m.serveUDP(sock) })
	return &listener{proto: sip.TransportUDP, addr: sock.laddr, close: uc.Close}, nil
}

func (m *Manager) serveUDP(sock *udpSocket) {
	logger := m.log.With(slog.Any("local_addr", sock.laddr))
	buf := make([]byte, sip.MaxMessageSize)
	for {
		n, raddr, err := sock.pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || m.closing.Load() {
				return
			}
			logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to read datagram", slog.Any("error", err))
			continue
		}

		data := buf[:n]
		// CRLF keep-alives of RFC 5626 Section 3.5.1 carry no message
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}

		msg, err := sip.ParseMessage(data)
		if err != nil {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "discarding malformed datagram",
				slog.Any("remote_addr", raddr),
				slog.Any("data", log.Dump(data)),
				slog.Any("error", err),
			)
			continue
		}

		c, err := m.udpConn(sock, raddr)
		if err != nil {
			continue
		}
		m.receive(c, msg)
	}
}

// udpConn returns the connection of the remote address over the socket, creating it if needed.
func (m *Manager) udpConn(sock *udpSocket, raddr netip.AddrPort) (*connection, error) {
	raddr = netip.AddrPortFrom(raddr.Addr().Unmap(), raddr.Port())
	key := connKey{proto: sip.TransportUDP, laddr: sock.laddr, raddr: raddr}

	sock.mu.Lock()
	defer sock.mu.Unlock()

	if c, ok := m.byAddr.Get(key); ok && !c.closed() {
		return c, nil
	}
	c := newConn(m, sip.TransportUDP, sock.laddr, raddr, udpWire{sock, raddr})
	if !m.track(c) {
		return nil, errtrace.Wrap(ErrTransportClosed)
	}
	return c, nil
}

// udpSocketFor picks a UDP listener able to reach the address.
func (m *Manager) udpSocketFor(raddr netip.AddrPort) (*udpSocket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v4 := raddr.Addr().Unmap().Is4()
	var fallback *udpSocket
	for _, sock := range m.udpSocks {
		la := sock.laddr.Addr()
		switch {
		case la.IsUnspecified() && (la.Is4() == v4 || la.Is6()):
			if fallback == nil {
				fallback = sock
			}
		case la.Unmap().Is4() == v4:
			return sock, nil
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, errtrace.Wrap(ErrNoListener)
}
