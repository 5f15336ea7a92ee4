package proxy_test

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/ghettovoice/sipproxy/dns"
	"github.com/ghettovoice/sipproxy/dns/dnsmock"
	"github.com/ghettovoice/sipproxy/internal/eventloop"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/metrics"
	"github.com/ghettovoice/sipproxy/proxy"
	"github.com/ghettovoice/sipproxy/sip"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	testTimings = sip.NewTimings(500*time.Millisecond, 4*time.Second, 5*time.Second, 32*time.Second)
	localAddr   = netip.MustParseAddrPort("192.0.2.1:5060")
)

func startLoop() (*eventloop.Loop, func()) {
	l := eventloop.New(&eventloop.Options{Log: log.Noop})
	go l.Run(context.Background()) //nolint:errcheck
	return l, func() {
		l.Close()
		<-l.Done()
	}
}

// onLoop runs fn on the loop and waits for it.
func onLoop(tb testing.TB, l *eventloop.Loop, fn func()) {
	tb.Helper()

	if err := l.Do(context.Background(), fn); err != nil {
		tb.Fatalf("l.Do() error = %v, want nil", err)
	}
}

// sleep advances the fake clock of the bubble and lets the loop drain.
func sleep(d time.Duration) {
	time.Sleep(d)
	synctest.Wait()
}

func newRequest(tb testing.TB, method sip.RequestMethod, uri string, extra ...string) *sip.Request {
	tb.Helper()

	var sb strings.Builder
	sb.WriteString(string(method) + " " + uri + " SIP/2.0\r\n")
	sb.WriteString("Via: SIP/2.0/UDP 198.51.100.1:5060;branch=" + sip.GenerateBranch() + "\r\n")
	sb.WriteString("Max-Forwards: 70\r\n")
	sb.WriteString("From: \"Alice\" <sip:alice@example.com>;tag=a1b2\r\n")
	sb.WriteString("To: <sip:bob@example.com>\r\n")
	sb.WriteString("Call-ID: " + sip.GenerateCallID() + "\r\n")
	sb.WriteString("CSeq: 1 " + string(method) + "\r\n")
	for _, h := range extra {
		sb.WriteString(h + "\r\n")
	}
	sb.WriteString("Content-Length: 0\r\n\r\n")

	msg, err := sip.ParseMessage([]byte(sb.String()))
	if err != nil {
		tb.Fatalf("sip.ParseMessage() error = %v, want nil", err)
	}
	req, ok := msg.(*sip.Request)
	if !ok {
		tb.Fatalf("sip.ParseMessage() = %T, want *sip.Request", msg)
	}
	return req
}

func udp(ip string, port uint16) sip.Target {
	return sip.Target{Transport: sip.TransportUDP, IP: netip.MustParseAddr(ip), Port: port}
}

func ips(ttl time.Duration, addrs ...string) []dns.IP {
	out := make([]dns.IP, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, dns.IP{Addr: netip.MustParseAddr(a), TTL: ttl})
	}
	return out
}

type stubConn struct {
	id    string
	proto sip.TransportProto
	raddr netip.AddrPort
	vars  sip.Vars
}

func newStubConn(id, raddr string) *stubConn {
	return &stubConn{id: id, proto: sip.TransportTCP, raddr: netip.MustParseAddrPort(raddr)}
}

func (c *stubConn) ID() string { return c.id }

func (c *stubConn) Proto() sip.TransportProto { return c.proto }

func (c *stubConn) LocalAddr() netip.AddrPort { return localAddr }

func (c *stubConn) RemoteAddr() netip.AddrPort { return c.raddr }

func (c *stubConn) Send(context.Context, sip.Message) error { return nil }

func (c *stubConn) Close() error { return nil }

func (c *stubConn) Vars() *sip.Vars { return &c.vars }

type sentRequest struct {
	req *sip.Request
	dst sip.Target
}

// stubNetwork addresses this proxy as 192.0.2.1:5060 and records every message.
// Flow tokens are "tok-" followed by the connection id.
type stubNetwork struct {
	loop *eventloop.Loop

	mu    sync.Mutex
	reqs  []sentRequest
	ress  []*sip.Response
	fail  map[string]error
	conns map[string]sip.Conn
}

func newStubNetwork(l *eventloop.Loop) *stubNetwork {
	return &stubNetwork{loop: l, fail: make(map[string]error), conns: make(map[string]sip.Conn)}
}

func (n *stubNetwork) SendRequest(_ context.Context, req *sip.Request, dst sip.Target, onErr func(error)) {
	n.mu.Lock()
	n.reqs = append(n.reqs, sentRequest{req, dst})
	err := n.fail[dst.String()]
	n.mu.Unlock()

	if err != nil {
		n.loop.Post(func() { onErr(err) })
	}
}

func (n *stubNetwork) SendResponse(_ context.Context, res *sip.Response, _ sip.Conn, _ func(error)) {
	n.mu.Lock()
	n.ress = append(n.ress, res)
	n.mu.Unlock()
}

func (*stubNetwork) Via(proto sip.TransportProto) sip.Via {
	return sip.Via{Proto: "SIP/2.0", Transport: proto, Host: localAddr.Addr().String(), Port: localAddr.Port()}
}

func (*stubNetwork) LocalURI(proto sip.TransportProto) *sip.URI {
	return &sip.URI{
		Scheme: "sip",
		Host:   localAddr.Addr().String(),
		Port:   localAddr.Port(),
		Params: sip.Params{}.Set("transport", proto.Param()),
	}
}

func (*stubNetwork) IsLocal(host string, port uint16) bool {
	return host == localAddr.Addr().String() && (port == 0 || port == localAddr.Port())
}

func (*stubNetwork) FlowToken(c sip.Conn) string { return "tok-" + c.ID() }

func (*stubNetwork) ParseFlowToken(token string) (string, bool) {
	return strings.CutPrefix(token, "tok-")
}

func (n *stubNetwork) Conn(id string) (sip.Conn, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.conns[id]
	return c, ok
}

func (n *stubNetwork) addConn(c sip.Conn) {
	n.mu.Lock()
	n.conns[c.ID()] = c
	n.mu.Unlock()
}

func (n *stubNetwork) setFailure(dst sip.Target, err error) {
	n.mu.Lock()
	n.fail[dst.String()] = err
	n.mu.Unlock()
}

func (n *stubNetwork) requests(method sip.RequestMethod) []sentRequest {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []sentRequest
	for _, s := range n.reqs {
		if s.req.Method == method {
			out = append(out, s)
		}
	}
	return out
}

func (n *stubNetwork) responses() []*sip.Response {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*sip.Response(nil), n.ress...)
}

func (n *stubNetwork) statuses() []sip.ResponseStatus {
	var out []sip.ResponseStatus
	for _, res := range n.responses() {
		out = append(out, res.Status)
	}
	return out
}

// distinctTargets returns the targets requests of the method were sent to, in order, without repeats.
func (n *stubNetwork) distinctTargets(method sip.RequestMethod) []sip.Target {
	var out []sip.Target
	seen := make(map[string]bool)
	for _, s := range n.requests(method) {
		if !seen[s.dst.String()] {
			seen[s.dst.String()] = true
			out = append(out, s.dst)
		}
	}
	return out
}

type testEnv struct {
	loop    *eventloop.Loop
	tables  *sip.Tables
	net     *stubNetwork
	backend *dnsmock.MockBackend
	reg     *prometheus.Registry
	router  *proxy.Router
}

// newEnv must be called inside a synctest bubble.
func newEnv(t *testing.T) *testEnv {
	t.Helper()

	l, stop := startLoop()
	t.Cleanup(stop)

	env := &testEnv{
		loop:    l,
		tables:  sip.NewTables(nil),
		net:     newStubNetwork(l),
		backend: dnsmock.NewMockBackend(gomock.NewController(t)),
		reg:     prometheus.NewPedanticRegistry(),
	}
	pool, err := dns.NewPool(&dns.PoolOptions{Backend: env.backend, Loop: l, Workers: 2, Log: log.Noop})
	if err != nil {
		t.Fatalf("dns.NewPool() error = %v, want nil", err)
	}
	env.router, err = proxy.NewRouter(&proxy.RouterOptions{
		Loop:    l,
		Tables:  env.tables,
		Network: env.net,
		DNS:     pool,
		Metrics: metrics.New(env.reg),
		Log:     log.Noop,
	})
	if err != nil {
		t.Fatalf("proxy.NewRouter() error = %v, want nil", err)
	}
	return env
}

// serverTx creates the server transaction the proxied request is received with.
func (env *testEnv) serverTx(t *testing.T, req *sip.Request) sip.ServerTransaction {
	t.Helper()

	opts := &sip.ServerTransactionOptions{Loop: env.loop, Tables: env.tables, Timings: testTimings, Log: log.Noop}
	var (
		tx  sip.ServerTransaction
		err error
	)
	onLoop(t, env.loop, func() {
		if req.Method == sip.RequestMethodInvite {
			tx, err = sip.NewInviteServerTransaction(t.Context(), req, env.net, opts)
		} else {
			tx, err = sip.NewNonInviteServerTransaction(t.Context(), req, env.net, opts)
		}
	})
	if err != nil {
		t.Fatalf("server transaction error = %v, want nil", err)
	}
	return tx
}

// route creates a proxy for the request and starts it.
func (env *testEnv) route(t *testing.T, req *sip.Request, opts *proxy.ProxyOptions) *proxy.Proxy {
	t.Helper()

	srvTx := env.serverTx(t, req)
	var (
		p   *proxy.Proxy
		err error
	)
	onLoop(t, env.loop, func() {
		p, err = env.router.NewProxy(srvTx, opts)
		if err == nil {
			err = p.Route(t.Context())
		}
	})
	if err != nil {
		t.Fatalf("route error = %v, want nil", err)
	}
	synctest.Wait()
	return p
}

// answer passes a response to the running attempt of the client.
func answer(t *testing.T, l *eventloop.Loop, c interface{ Current() sip.ClientTransaction }, status sip.ResponseStatus) {
	t.Helper()

	var err error
	onLoop(t, l, func() {
		tx := c.Current()
		if tx == nil {
			err = errNoAttempt
			return
		}
		err = tx.ReceiveResponse(t.Context(), sip.NewResponse(tx.Request(), status, ""))
	})
	if err != nil {
		t.Fatalf("answer %d error = %v, want nil", status, err)
	}
	synctest.Wait()
}

const errNoAttempt = testError("no running attempt")

type testError string

func (e testError) Error() string { return string(e) }

// hookRecorder records hook calls as strings.
type hookRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *hookRecorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *hookRecorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *hookRecorder) hooks() proxy.Hooks {
	return proxy.Hooks{
		OnTarget: func(_ context.Context, dst sip.Target) { r.add("target " + dst.String()) },
		OnProvisionalResponse: func(_ context.Context, res *sip.Response) {
			r.add("provisional " + res.Status.String())
		},
		OnSuccessResponse: func(_ context.Context, res *sip.Response) { r.add("success " + res.Status.String()) },
		OnFailureResponse: func(_ context.Context, res *sip.Response) { r.add("failure " + res.Status.String()) },
		OnError: func(_ context.Context, status sip.ResponseStatus, reason, code string) {
			r.add("error " + status.String() + " " + reason + " " + code)
		},
		OnCanceled:      func(context.Context) { r.add("canceled") },
		OnInviteTimeout: func(context.Context) { r.add("invite timeout") },
	}
}

// testProfile resolves IPv4 only and has no blacklist and cache.
func testProfile() *proxy.Profile {
	p := proxy.DefaultProfile()
	p.Name = "test"
	p.Timings = testTimings
	p.IPFamilies = []sip.IPFamily{sip.IPv4}
	return p
}
