package transport

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/sip"
)

// SendRequest implements [sip.Transport]. Requests to a flow-bound target
// are written to that connection only and fail with [sip.ErrFlowFailed]
// once it is gone.
func (m *Manager) SendRequest(ctx context.Context, req *sip.Request, dst sip.Target, onErr func(error)) {
	out := outMsg{msg: req, data: req.Render(), onErr: onErr}

	if dst.Flow != "" {
		c, ok := m.conns.Get(dst.Flow)
		if !ok || c.closed() {
			m.report(onErr, errorutil.NewWrapperError(sip.ErrFlowFailed, "connection %s is gone", dst.Flow))
			return
		}
		if err := c.enqueue(out); err != nil {
			m.report(onErr, errorutil.NewWrapperError(sip.ErrFlowFailed, err))
		}
		return
	}

	if !dst.IsValid() {
		m.report(onErr, sip.NewInvalidArgumentError("invalid target %q", dst))
		return
	}
	m.sendTo(ctx, dst.Transport, dst.AddrPort(), nil, out)
}

// SendResponse implements [sip.Transport] following RFC 3261 Section 18.2.2
// and RFC 3581 Section 4: over a reliable transport the response goes back
// over the request connection while it is alive, otherwise to the address
// derived from the top Via.
func (m *Manager) SendResponse(ctx context.Context, res *sip.Response, src sip.Conn, onErr func(error)) {
	out := outMsg{msg: res, data: res.Render(), onErr: onErr}

	if src != nil && src.Proto().Reliable() {
		if c, ok := m.conns.Get(src.ID()); ok {
			if err := c.enqueue(out); err == nil {
				return
			}
		}
	}

	via, err := res.Header.TopVia()
	if err != nil {
		m.report(onErr, errtrace.Wrap(err))
		return
	}
	proto, ok := sip.ParseTransportProto(string(via.Transport))
	if !ok {
		m.report(onErr, sip.NewInvalidArgumentError("unsupported Via transport %q", via.Transport))
		return
	}

	if addr, ok := responseAddr(via, proto); ok {
		m.sendTo(ctx, proto, addr, src, out)
		return
	}

	// sent-by is a host name without received, RFC 3263 Section 5 narrowed to A/AAAA
	m.wg.Go(func() {
		ctx := context.WithoutCancel(ctx)
		ips, err := m.opts.resolver().LookupNetIP(ctx, "ip", via.Host)
		if err != nil || len(ips) == 0 {
			m.report(onErr, errorutil.NewWrapperError(sip.ErrConnectionFailed, "resolve Via host %q: %v", via.Host, err))
			return
		}
		port := via.Port
		if port == 0 {
			port = proto.DefaultPort()
		}
		m.sendTo(ctx, proto, netip.AddrPortFrom(ips[0].Unmap(), port), src, out)
	})
}

// responseAddr returns the address of the response destination when it
// does not require a lookup.
func responseAddr(via sip.Via, proto sip.TransportProto) (netip.AddrPort, bool) {
	port := via.Port
	if port == 0 {
		port = proto.DefaultPort()
	}

	if !proto.Reliable() {
		if maddr, ok := via.Params.Get("maddr"); ok {
			if ip, err := netip.ParseAddr(strings.Trim(maddr, "[]")); err == nil {
				return netip.AddrPortFrom(ip.Unmap(), port), true
			}
		}
	}
	if ip, ok := via.Received(); ok {
		if rport, ok := via.RPort(); ok && rport > 0 && !proto.Reliable() {
			port = rport
		}
		return netip.AddrPortFrom(ip.Unmap(), port), true
	}
	if ip, err := netip.ParseAddr(strings.Trim(via.Host, "[]")); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), port), true
	}
	return netip.AddrPort{}, false
}

// sendTo writes the message to the address, reusing a connection when one exists.
// A UDP message leaves through the socket of src when given.
func (m *Manager) sendTo(ctx context.Context, proto sip.TransportProto, addr netip.AddrPort, src sip.Conn, out outMsg) {
	if m.closing.Load() {
		m.report(out.onErr, errorutil.NewWrapperError(sip.ErrConnectionFailed, ErrTransportClosed))
		return
	}

	if proto == sip.TransportUDP {
		c, err := m.udpConnTo(addr, src)
		if err == nil {
			err = c.enqueue(out)
		}
		if err != nil {
			m.report(out.onErr, errorutil.NewWrapperError(sip.ErrConnectionFailed, err))
		}
		return
	}

	if c, ok := m.byAddr.Get(connKey{proto: proto, raddr: addr}); ok && !c.closed() {
		if err := c.enqueue(out); err != nil {
			m.report(out.onErr, err)
		}
		return
	}

	m.wg.Go(func() {
		c, err := m.getOrDial(context.WithoutCancel(ctx), proto, addr)
		if err != nil {
			m.log.LogAttrs(ctx, slog.LevelInfo, "failed to open connection",
				slog.String("transport", proto.Param()),
				slog.Any("remote_addr", addr),
				slog.Any("error", err),
			)

			m.report(out.onErr, dialError(err))
			return
		}
		if err := c.enqueue(out); err != nil {
			m.report(out.onErr, err)
		}
	})
}

func (m *Manager) udpConnTo(addr netip.AddrPort, src sip.Conn) (*connection, error) {
	if src != nil && src.Proto() == sip.TransportUDP {
		if sc, ok := m.conns.Get(src.ID()); ok {
			if w, ok := sc.wire.(udpWire); ok {
				return errtrace.Wrap2(m.udpConn(w.sock, addr))
			}
		}
	}
	sock, err := m.udpSocketFor(addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(m.udpConn(sock, addr))
}

// getOrDial returns the connection to the address, concurrent callers share one dial.
func (m *Manager) getOrDial(ctx context.Context, proto sip.TransportProto, addr netip.AddrPort) (*connection, error) {
	key := connKey{proto: proto, raddr: addr}
	v, err, _ := m.dialing.Do(proto.Param()+":"+addr.String(), func() (any, error) {
		if c, ok := m.byAddr.Get(key); ok && !c.closed() {
			return c, nil
		}

		m.log.LogAttrs(ctx, slog.LevelDebug, "dial connection",
			slog.String("transport", proto.Param()),
			slog.Any("remote_addr", addr),
		)

		switch proto {
		case sip.TransportTCP, sip.TransportTLS:
			return errtrace.Wrap2(m.dialStream(ctx, proto, addr))
		case sip.TransportWS, sip.TransportWSS:
			return errtrace.Wrap2(m.dialWS(ctx, proto, addr))
		default:
			return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("unknown transport %q", proto))
		}
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return v.(*connection), nil //nolint:forcetypeassert
}
