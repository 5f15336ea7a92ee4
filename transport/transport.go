// Package transport implements the SIP transport layer of the proxy.
//
// The following transports are supported:
//
//   - UDP
//   - TCP
//   - TLS
//   - WS (RFC 7118)
//   - WSS (RFC 7118)
//
// [Manager] owns listeners and the connection registry. Every connection,
// including the (socket, remote address) pairs of UDP, gets an id that
// RFC 5626 flow tokens refer to. Received messages are delivered to the
// handler on the event loop in arrival order.
package transport

//go:generate errtrace -w .

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"golang.org/x/sync/singleflight"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/internal/eventloop"
	"github.com/ghettovoice/sipproxy/internal/syncutil"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/metrics"
	"github.com/ghettovoice/sipproxy/sip"
)

const (
	ErrTransportClosed errorutil.Error = "transport closed"
	ErrNoListener      errorutil.Error = "no listener"
	ErrSendQueueFull   errorutil.Error = "send queue full"
)

const (
	// DefaultConnIdleTTL is used when [Options.ConnIdleTTL] is zero.
	DefaultConnIdleTTL = 10 * time.Minute
	// DefaultDialTimeout is used when [Options.DialTimeout] is zero.
	DefaultDialTimeout = 10 * time.Second

	defSendQueueSize = 64
)

// Handler receives inbound messages on the event loop.
// The message connection is set, see [sip.Request.Conn].
type Handler func(ctx context.Context, msg sip.Message)

// Options are used to configure the [Manager].
type Options struct {
	// Loop delivers inbound messages and send errors. Required.
	Loop *eventloop.Loop
	// Host is the host put into Via sent-by, Record-Route and Path.
	// If empty, the IP of the first listener bound to a specific address is used.
	Host string
	// Aliases are additional host names that address this proxy.
	Aliases []string

	// TLSServer is the server-side TLS configuration, required by TLS and WSS listeners.
	TLSServer *tls.Config
	// TLSClient is the client-side TLS configuration of outgoing TLS and WSS connections.
	TLSClient *tls.Config

	// FlowKey signs flow tokens. If empty, a random key is generated,
	// so tokens do not survive a restart.
	FlowKey []byte

	// ConnIdleTTL is the maximum duration a connection may be idle before it is closed.
	// Idle timer resets every time a message is received or sent.
	// If the TTL is negative, connections stay open until shutdown.
	ConnIdleTTL time.Duration
	// DialTimeout bounds connection establishment including TLS and WebSocket handshakes.
	DialTimeout time.Duration
	// SendQueueSize bounds the number of messages waiting to be written per connection.
	SendQueueSize int

	Metrics *metrics.Metrics
	// Resolver resolves Via hosts of responses without a received parameter.
	Resolver *net.Resolver
	// Log is the logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

func (o *Options) connIdleTTL() time.Duration {
	if o.ConnIdleTTL == 0 {
		return DefaultConnIdleTTL
	}
	return o.ConnIdleTTL
}

func (o *Options) dialTimeout() time.Duration {
	if o.DialTimeout <= 0 {
		return DefaultDialTimeout
	}
	return o.DialTimeout
}

func (o *Options) sendQueueSize() int {
	if o.SendQueueSize <= 0 {
		return defSendQueueSize
	}
	return o.SendQueueSize
}

func (o *Options) resolver() *net.Resolver {
	if o.Resolver == nil {
		return net.DefaultResolver
	}
	return o.Resolver
}

type listener struct {
	proto sip.TransportProto
	addr  netip.AddrPort
	close func() error
}

type connKey struct {
	proto sip.TransportProto
	laddr netip.AddrPort
	raddr netip.AddrPort
}

// Manager is the transport layer: listeners, the connection registry and the dialer.
// It implements [sip.Transport] and the routing network of the proxy package.
//
// Manager is safe for concurrent use.
type Manager struct {
	opts    Options
	loop    *eventloop.Loop
	metrics *metrics.Metrics
	log     *slog.Logger
	flows   *flowSigner

	handler atomic.Pointer[Handler]

	mu        sync.RWMutex
	listeners []*listener
	udpSocks  []*udpSocket
	localIPs  []netip.Addr

	conns   syncutil.RWMap[string, *connection]
	byAddr  syncutil.RWMap[connKey, *connection]
	dialing singleflight.Group

	closing atomic.Bool
	wg      sync.WaitGroup
}

// New creates a transport manager.
func New(opts *Options) (*Manager, error) {
	if opts == nil || opts.Loop == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("event loop required"))
	}

	m := &Manager{
		opts:    *opts,
		loop:    opts.Loop,
		metrics: opts.Metrics,
		flows:   newFlowSigner(opts.FlowKey),
	}
	m.log = log.Component(opts.log(), "transport")
	return m, nil
}

// OnMessage sets the handler of inbound messages.
func (m *Manager) OnMessage(fn Handler) { m.handler.Store(&fn) }

// Listen starts serving the transport on addr and returns the bound address,
// which differs from addr when its port is 0.
func (m *Manager) Listen(ctx context.Context, proto sip.TransportProto, addr netip.AddrPort) (netip.AddrPort, error) {
	if m.closing.Load() {
		return netip.AddrPort{}, errtrace.Wrap(ErrTransportClosed)
	}

	var (
		ls  *listener
		err error
	)
	switch proto {
	case sip.TransportUDP:
		ls, err = m.listenUDP(ctx, addr)
	case sip.TransportTCP, sip.TransportTLS:
		ls, err = m.listenStream(ctx, proto, addr)
	case sip.TransportWS, sip.TransportWSS:
		ls, err = m.listenWS(ctx, proto, addr)
	default:
		err = errorutil.NewInvalidArgumentError("unknown transport %q", proto)
	}
	if err != nil {
		return netip.AddrPort{}, errtrace.Wrap(err)
	}

	m.mu.Lock()
	m.listeners = append(m.listeners, ls)
	if ls.addr.Addr().IsUnspecified() && m.localIPs == nil {
		m.localIPs = interfaceIPs()
	}
	m.mu.Unlock()

	m.log.LogAttrs(ctx, slog.LevelInfo, "listener started",
		slog.String("transport", proto.Param()),
		slog.Any("addr", ls.addr),
	)
	return ls.addr, nil
}

func interfaceIPs() []netip.Addr {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return []netip.Addr{}
	}
	ips := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if pfx, err := netip.ParsePrefix(a.String()); err == nil {
			ips = append(ips, pfx.Addr().Unmap())
		}
	}
	return ips
}

// Close stops all listeners, closes all connections and waits for their goroutines.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closing.Load() {
		m.mu.Unlock()
		return nil
	}
	m.closing.Store(true)
	lss := m.listeners
	m.listeners = nil
	m.mu.Unlock()

	var errs []error
	for _, ls := range lss {
		if err := ls.close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range m.conns.All() {
		c.Close()
	}
	m.wg.Wait()
	return errtrace.Wrap(errorutil.JoinPrefix("close transport", errs...))
}

// Listeners returns the bound addresses per transport.
func (m *Manager) Listeners() map[sip.TransportProto][]netip.AddrPort {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[sip.TransportProto][]netip.AddrPort, len(m.listeners))
	for _, ls := range m.listeners {
		out[ls.proto] = append(out[ls.proto], ls.addr)
	}
	return out
}

func (m *Manager) listenerOf(proto sip.TransportProto) (*listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ls := range m.listeners {
		if ls.proto == proto {
			return ls, true
		}
	}
	return nil, false
}

func (m *Manager) host() string {
	if m.opts.Host != "" {
		return m.opts.Host
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ls := range m.listeners {
		if !ls.addr.Addr().IsUnspecified() {
			return ls.addr.Addr().String()
		}
	}
	return "localhost"
}

func (m *Manager) port(proto sip.TransportProto) uint16 {
	if ls, ok := m.listenerOf(proto); ok {
		return ls.addr.Port()
	}
	return proto.DefaultPort()
}

// Via returns the Via of this hop for the transport, without a branch.
func (m *Manager) Via(proto sip.TransportProto) sip.Via {
	return sip.Via{
		Proto:     "SIP/2.0",
		Transport: proto,
		Host:      m.host(),
		Port:      m.port(proto),
		Params:    sip.Params{}.SetFlag("rport"),
	}
}

// LocalURI returns the URI addressing this proxy over the transport.
func (m *Manager) LocalURI(proto sip.TransportProto) *sip.URI {
	return &sip.URI{
		Scheme: "sip",
		Host:   m.host(),
		Port:   m.port(proto),
		Params: sip.Params{}.Set("transport", proto.Param()),
	}
}

// IsLocal reports whether host and port address this proxy. Port 0 matches any local port.
func (m *Manager) IsLocal(host string, port uint16) bool {
	host = strings.Trim(host, "[]")

	m.mu.RLock()
	defer m.mu.RUnlock()

	if port != 0 && !slices.ContainsFunc(m.listeners, func(ls *listener) bool { return ls.addr.Port() == port }) {
		return false
	}
	if strings.EqualFold(host, m.opts.Host) ||
		slices.ContainsFunc(m.opts.Aliases, func(a string) bool { return strings.EqualFold(host, a) }) {
		return true
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	if slices.Contains(m.localIPs, ip) {
		return true
	}
	return slices.ContainsFunc(m.listeners, func(ls *listener) bool { return ls.addr.Addr().Unmap() == ip })
}

// Conn returns the live connection with the id.
func (m *Manager) Conn(id string) (sip.Conn, bool) {
	c, ok := m.conns.Get(id)
	if !ok {
		return nil, false
	}
	return c, true
}

// FlowToken returns the flow token of the connection (RFC 5626 Section 5.2).
func (m *Manager) FlowToken(c sip.Conn) string { return m.flows.token(c.ID()) }

// ParseFlowToken validates the token and returns the connection id it refers to.
func (m *Manager) ParseFlowToken(token string) (string, bool) { return m.flows.parse(token) }

// track registers the connection. It closes the connection and reports false
// when the manager is shutting down.
func (m *Manager) track(c *connection) bool {
	m.mu.RLock()
	if m.closing.Load() {
		m.mu.RUnlock()
		c.Close()
		return false
	}
	m.conns.Set(c.ID(), c)
	m.byAddr.Set(c.key(), c)
	m.mu.RUnlock()

	if c.Proto() != sip.TransportUDP {
		m.metrics.ConnectionOpened(c.Proto())
	}

	m.log.LogAttrs(context.Background(), slog.LevelDebug, "connection tracked", slog.Any("connection", c))
	return true
}

func (m *Manager) untrack(c *connection) {
	if !m.conns.Del(c.ID()) {
		return
	}
	m.byAddr.DelIf(c.key(), func(cur *connection) bool { return cur == c })
	if c.Proto() != sip.TransportUDP {
		m.metrics.ConnectionClosed(c.Proto())
	}

	m.log.LogAttrs(context.Background(), slog.LevelDebug, "connection untracked", slog.Any("connection", c))
}

// report delivers err to onErr on the event loop.
func (m *Manager) report(onErr func(error), err error) {
	if onErr == nil {
		return
	}
	m.loop.Post(func() { onErr(err) })
}

// receive delivers an inbound message to the handler.
func (m *Manager) receive(c *connection, msg sip.Message) {
	ctx := context.Background()
	c.touch()

	switch msg := msg.(type) {
	case *sip.Request:
		msg.SetConn(c)
		msg.SetRecvTime(time.Now())
		stampVia(msg, c.RemoteAddr())
	case *sip.Response:
		msg.SetConn(c)
	}
	m.metrics.Message(metrics.DirectionIn, c.Proto(), msg)

	m.log.LogAttrs(ctx, slog.LevelDebug, "message received",
		slog.Any("connection", c),
		slog.Any("message", msg),
		slog.Any("dump", log.DumpMessage(msg)),
	)

	fn := m.handler.Load()
	if fn == nil || *fn == nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "discarding inbound message, because no handler is set", slog.Any("message", msg))
		return
	}
	m.loop.Post(func() { (*fn)(ctx, msg) })
}

// stampVia adds received and rport to the top Via (RFC 3261 Section 18.2.1, RFC 3581 Section 4).
func stampVia(req *sip.Request, raddr netip.AddrPort) {
	via, err := req.Header.TopVia()
	if err != nil {
		return
	}

	changed := false
	params := via.Params.Clone()
	if ip, err := netip.ParseAddr(strings.Trim(via.Host, "[]")); err != nil || ip.Unmap() != raddr.Addr().Unmap() {
		params = params.Set("received", raddr.Addr().Unmap().String())
		changed = true
	}
	if _, ok := via.RPort(); ok {
		params = params.Set("rport", strconv.Itoa(int(raddr.Port())))
		changed = true
	}
	if !changed {
		return
	}
	via.Params = params
	req.Header.PopFirst("Via")
	req.Header.Prepend("Via", via.String())
}
