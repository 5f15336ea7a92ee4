package dns_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/ghettovoice/sipproxy/dns"
	"github.com/ghettovoice/sipproxy/dns/dnsmock"
	"github.com/ghettovoice/sipproxy/internal/eventloop"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/sip"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startLoop() (*eventloop.Loop, func()) {
	l := eventloop.New(&eventloop.Options{Log: log.Noop})
	go l.Run(context.Background()) //nolint:errcheck
	return l, func() {
		l.Close()
		<-l.Done()
	}
}

func newPool(t *testing.T, backend dns.Backend) *dns.Pool {
	t.Helper()

	l, stop := startLoop()
	t.Cleanup(stop)

	pool, err := dns.NewPool(&dns.PoolOptions{Backend: backend, Loop: l, Workers: 2, Log: log.Noop})
	if err != nil {
		t.Fatalf("dns.NewPool() error = %v, want nil", err)
	}
	return pool
}

func ipv4Only() dns.Config {
	cfg := dns.DefaultConfig()
	cfg.IPFamilies = []sip.IPFamily{sip.IPv4}
	return cfg
}

func ips(ttl time.Duration, addrs ...string) []dns.IP {
	out := make([]dns.IP, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, dns.IP{Addr: netip.MustParseAddr(a), TTL: ttl})
	}
	return out
}

func expand(ts dns.Targets) []sip.Target {
	return ts.Expand(rand.New(rand.NewPCG(7, 8)))
}

func TestQuery_ResolveLiteral(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	pool := newPool(t, dnsmock.NewMockBackend(ctrl))

	cases := []struct {
		dst  dns.Destination
		cfg  dns.Config
		want sip.Target
		err  error
	}{
		{
			dst:  dns.Destination{Scheme: "sip", Host: "192.0.2.1"},
			cfg:  dns.DefaultConfig(),
			want: udp("192.0.2.1", 5060),
		},
		{
			dst:  dns.Destination{Scheme: "sips", Host: "2001:db8::1"},
			cfg:  dns.DefaultConfig(),
			want: sip.Target{Transport: sip.TransportTLS, IP: netip.MustParseAddr("2001:db8::1"), Port: 5061},
		},
		{
			dst:  dns.Destination{Scheme: "sip", Host: "192.0.2.1", Transport: sip.TransportWS},
			cfg:  dns.DefaultConfig(),
			want: sip.Target{Transport: sip.TransportWS, IP: netip.MustParseAddr("192.0.2.1"), Port: 80},
		},
		{
			dst:  dns.Destination{Scheme: "sips", Host: "192.0.2.1", Port: 5081, Transport: sip.TransportTCP},
			cfg:  dns.DefaultConfig(),
			want: sip.Target{Transport: sip.TransportTLS, IP: netip.MustParseAddr("192.0.2.1"), Port: 5081},
		},
		{
			dst: dns.Destination{Scheme: "tel", Host: "192.0.2.1"},
			cfg: dns.DefaultConfig(),
			err: dns.ErrUnsupportedScheme,
		},
		{
			dst: dns.Destination{Scheme: "sips", Host: "192.0.2.1", Transport: sip.TransportUDP},
			cfg: dns.DefaultConfig(),
			err: dns.ErrUnsupportedTransport,
		},
		{
			dst: dns.Destination{Scheme: "sip", Host: "2001:db8::1"},
			cfg: ipv4Only(),
			err: dns.ErrNoIPv6,
		},
		{
			dst: dns.Destination{Scheme: "sip", Host: "192.0.2.1"},
			cfg: dns.Config{Transports: []sip.TransportProto{sip.TransportUDP}, IPFamilies: []sip.IPFamily{sip.IPv6}},
			err: dns.ErrNoIPv4,
		},
		{
			dst: dns.Destination{Scheme: "sip", Host: "example.com"},
			cfg: dns.Config{Transports: []sip.TransportProto{sip.TransportUDP}, IPFamilies: []sip.IPFamily{sip.IPv4}},
			err: dns.ErrNoDNS,
		},
	}
	for _, c := range cases {
		ts, err := pool.Query(c.cfg).Resolve(t.Context(), c.dst, func(dns.Targets, error) {
			t.Errorf("Resolve(%s) called done for a synchronous result", c.dst)
		})
		if c.err != nil {
			if !errors.Is(err, c.err) {
				t.Errorf("Resolve(%s) error = %v, want %v", c.dst, err, c.err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Resolve(%s) error = %v, want nil", c.dst, err)
			continue
		}
		if diff := cmp.Diff([]sip.Target{c.want}, expand(ts)); diff != "" {
			t.Errorf("Resolve(%s) mismatch (-want +got):\n%s", c.dst, diff)
		}
	}
}

func TestQuery_ResolveAsync(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := dnsmock.NewMockBackend(ctrl)
	backend.EXPECT().LookupA(gomock.Any(), "example.com").Return(ips(30*time.Second, "192.0.2.5"), nil)
	pool := newPool(t, backend)

	done := make(chan []sip.Target, 1)
	ts, err := pool.Query(ipv4Only()).Resolve(t.Context(),
		dns.Destination{Scheme: "sip", Host: "Example.COM.", Port: 5080},
		func(ts dns.Targets, err error) {
			if err != nil {
				done <- nil
				return
			}
			done <- expand(ts)
		},
	)
	if ts != nil || err != nil {
		t.Fatalf("Resolve() = %v, %v, want pending", ts, err)
	}

	select {
	case got := <-done:
		if diff := cmp.Diff([]sip.Target{udp("192.0.2.5", 5080)}, got); diff != "" {
			t.Errorf("resolved targets mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("done was not called")
	}
}

func TestQuery_ExplicitTransport(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := dnsmock.NewMockBackend(ctrl)
	backend.EXPECT().LookupSRV(gomock.Any(), "_sip._tcp.example.com").Return([]dns.SRV{
		{Priority: 10, Weight: 1, Port: 5070, Target: "sip1.example.com.", TTL: 120 * time.Second},
	}, nil)
	backend.EXPECT().LookupA(gomock.Any(), "sip1.example.com").Return(ips(90*time.Second, "192.0.2.11"), nil)
	pool := newPool(t, backend)

	ts, err := pool.Query(ipv4Only()).ResolveWait(t.Context(),
		dns.Destination{Scheme: "sip", Host: "example.com", Transport: sip.TransportTCP})
	if err != nil {
		t.Fatalf("ResolveWait() error = %v, want nil", err)
	}
	if diff := cmp.Diff([]sip.Target{tcp("192.0.2.11", 5070)}, expand(ts)); diff != "" {
		t.Errorf("resolved targets mismatch (-want +got):\n%s", diff)
	}
	if ts.TTL() != 90*time.Second {
		t.Errorf("ts.TTL() = %v, want %v", ts.TTL(), 90*time.Second)
	}
}

func TestQuery_ExplicitTransportNoSRV(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := dnsmock.NewMockBackend(ctrl)
	backend.EXPECT().LookupSRV(gomock.Any(), "_sips._tcp.example.com").Return(nil, nil)
	backend.EXPECT().LookupA(gomock.Any(), "example.com").Return(ips(time.Minute, "192.0.2.12"), nil)
	backend.EXPECT().LookupAAAA(gomock.Any(), "example.com").Return(nil, dns.ErrNXDomain)
	pool := newPool(t, backend)

	cfg := dns.DefaultConfig()
	ts, err := pool.Query(cfg).ResolveWait(t.Context(),
		dns.Destination{Scheme: "sips", Host: "example.com", Transport: sip.TransportTCP})
	if err != nil {
		t.Fatalf("ResolveWait() error = %v, want nil", err)
	}
	want := []sip.Target{{Transport: sip.TransportTLS, IP: netip.MustParseAddr("192.0.2.12"), Port: 5061}}
	if diff := cmp.Diff(want, expand(ts)); diff != "" {
		t.Errorf("resolved targets mismatch (-want +got):\n%s", diff)
	}
}

func expectNAPTR(backend *dnsmock.MockBackend) {
	backend.EXPECT().LookupNAPTR(gomock.Any(), "example.com").Return([]dns.NAPTR{
		{Order: 20, Preference: 10, Flags: "S", Service: "SIP+D2U", Replacement: "_sip._udp.example.com.", TTL: 3600 * time.Second},
		{Order: 10, Preference: 10, Flags: "s", Service: "SIP+D2T", Replacement: "_sip._tcp.example.com.", TTL: 3600 * time.Second},
		{Order: 5, Preference: 10, Flags: "s", Service: "SIPS+D2T", Replacement: "_sips._tcp.example.com.", TTL: 3600 * time.Second},
		{Order: 1, Preference: 10, Flags: "u", Service: "E2U+sip", Regexp: "!^.*$!sip:x@example.com!"},
	}, nil)
	backend.EXPECT().LookupSRV(gomock.Any(), "_sip._tcp.example.com").Return([]dns.SRV{
		{Priority: 0, Weight: 0, Port: 5060, Target: "tcp.example.com.", TTL: 600 * time.Second},
	}, nil)
	backend.EXPECT().LookupSRV(gomock.Any(), "_sip._udp.example.com").Return([]dns.SRV{
		{Priority: 0, Weight: 0, Port: 5060, Target: "udp.example.com.", TTL: 300 * time.Second},
	}, nil)
	backend.EXPECT().LookupA(gomock.Any(), "tcp.example.com").Return(ips(200*time.Second, "192.0.2.21"), nil)
	backend.EXPECT().LookupA(gomock.Any(), "udp.example.com").Return(ips(250*time.Second, "192.0.2.22"), nil)
}

func TestQuery_NAPTR(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := dnsmock.NewMockBackend(ctrl)
	expectNAPTR(backend)
	pool := newPool(t, backend)

	// TLS is not enabled, SIPS+D2T is skipped
	cfg := ipv4Only()
	cfg.Transports = []sip.TransportProto{sip.TransportUDP, sip.TransportTCP}

	ts, err := pool.Query(cfg).ResolveWait(t.Context(), dns.Destination{Scheme: "sip", Host: "example.com"})
	if err != nil {
		t.Fatalf("ResolveWait() error = %v, want nil", err)
	}
	want := []sip.Target{tcp("192.0.2.21", 5060), udp("192.0.2.22", 5060)}
	if diff := cmp.Diff(want, expand(ts)); diff != "" {
		t.Errorf("resolved targets mismatch (-want +got):\n%s", diff)
	}
	if ts.TTL() != 200*time.Second {
		t.Errorf("ts.TTL() = %v, want %v", ts.TTL(), 200*time.Second)
	}
}

func TestQuery_NAPTRForcedPreference(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := dnsmock.NewMockBackend(ctrl)
	expectNAPTR(backend)
	pool := newPool(t, backend)

	cfg := ipv4Only()
	cfg.Transports = []sip.TransportProto{sip.TransportUDP, sip.TransportTCP}
	cfg.ForceTransportPreference = true

	ts, err := pool.Query(cfg).ResolveWait(t.Context(), dns.Destination{Scheme: "sip", Host: "example.com"})
	if err != nil {
		t.Fatalf("ResolveWait() error = %v, want nil", err)
	}
	want := []sip.Target{udp("192.0.2.22", 5060), tcp("192.0.2.21", 5060)}
	if diff := cmp.Diff(want, expand(ts)); diff != "" {
		t.Errorf("resolved targets mismatch (-want +got):\n%s", diff)
	}
}

func TestQuery_FallbackToSRVAndAddresses(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := dnsmock.NewMockBackend(ctrl)
	backend.EXPECT().LookupNAPTR(gomock.Any(), "example.org").Return(nil, nil)
	backend.EXPECT().LookupSRV(gomock.Any(), "_sip._udp.example.org").Return(nil, nil)
	backend.EXPECT().LookupSRV(gomock.Any(), "_sip._tcp.example.org").Return([]dns.SRV{
		{Priority: 1, Weight: 1, Port: 5062, Target: ".", TTL: time.Minute},
	}, nil)
	backend.EXPECT().LookupA(gomock.Any(), "example.org").Return(ips(time.Minute, "192.0.2.30"), nil)
	pool := newPool(t, backend)

	cfg := ipv4Only()
	cfg.Transports = []sip.TransportProto{sip.TransportUDP, sip.TransportTCP}

	ts, err := pool.Query(cfg).ResolveWait(t.Context(), dns.Destination{Scheme: "sip", Host: "example.org"})
	if err != nil {
		t.Fatalf("ResolveWait() error = %v, want nil", err)
	}
	if diff := cmp.Diff([]sip.Target{udp("192.0.2.30", 5060)}, expand(ts)); diff != "" {
		t.Errorf("resolved targets mismatch (-want +got):\n%s", diff)
	}
}

func TestQuery_DomainNotFound(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := dnsmock.NewMockBackend(ctrl)
	backend.EXPECT().LookupNAPTR(gomock.Any(), "nowhere.example").Return(nil, dns.ErrNXDomain)
	backend.EXPECT().LookupSRV(gomock.Any(), "_sip._udp.nowhere.example").Return(nil, dns.ErrNXDomain)
	backend.EXPECT().LookupA(gomock.Any(), "nowhere.example").Return(nil, dns.ErrNXDomain)
	pool := newPool(t, backend)

	cfg := ipv4Only()
	cfg.Transports = []sip.TransportProto{sip.TransportUDP}

	_, err := pool.Query(cfg).ResolveWait(t.Context(), dns.Destination{Scheme: "sip", Host: "nowhere.example"})
	var sym dns.Error
	if !errors.As(err, &sym) || sym != dns.ErrDomainNotFound {
		t.Fatalf("ResolveWait() error = %v, want %v", err, dns.ErrDomainNotFound)
	}
	if sym.Status() != sip.ResponseStatusNotFound {
		t.Errorf("sym.Status() = %d, want 404", sym.Status())
	}
}

func TestNewPool_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := dns.NewPool(nil); err == nil {
		t.Error("dns.NewPool(nil) error = nil, want error")
	}
	ctrl := gomock.NewController(t)
	if _, err := dns.NewPool(&dns.PoolOptions{Backend: dnsmock.NewMockBackend(ctrl)}); err == nil {
		t.Error("dns.NewPool(no loop) error = nil, want error")
	}
}
