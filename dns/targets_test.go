package dns_test

import (
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipproxy/dns"
	"github.com/ghettovoice/sipproxy/sip"
)

func udp(ip string, port uint16) sip.Target {
	return sip.Target{Transport: sip.TransportUDP, IP: netip.MustParseAddr(ip), Port: port}
}

func tcp(ip string, port uint16) sip.Target {
	return sip.Target{Transport: sip.TransportTCP, IP: netip.MustParseAddr(ip), Port: port}
}

func TestSrvTargets_ExpandWeights(t *testing.T) {
	t.Parallel()

	srv := &dns.SrvTargets{
		Records: []dns.SrvRecord{
			{Priority: 10, Weight: 0, Host: "z1", Targets: []sip.Target{udp("192.0.2.1", 5060)}},
			{Priority: 10, Weight: 0, Host: "z2", Targets: []sip.Target{udp("192.0.2.2", 5060)}},
			{Priority: 10, Weight: 10, Host: "w10", Targets: []sip.Target{udp("192.0.2.10", 5060)}},
			{Priority: 10, Weight: 20, Host: "w20", Targets: []sip.Target{udp("192.0.2.20", 5060)}},
		},
	}
	w10, w20 := udp("192.0.2.10", 5060), udp("192.0.2.20", 5060)
	z1, z2 := udp("192.0.2.1", 5060), udp("192.0.2.2", 5060)

	rnd := rand.New(rand.NewPCG(1, 2))
	const rounds = 3000
	var w20First, z1First int
	for range rounds {
		got := srv.Expand(rnd)
		if len(got) != 4 {
			t.Fatalf("srv.Expand() = %v, want 4 targets", got)
		}
		// weighted records always come before zero-weight ones
		if !(got[0] == w10 && got[1] == w20 || got[0] == w20 && got[1] == w10) {
			t.Fatalf("srv.Expand() = %v, want weighted records first", got)
		}
		if !(got[2] == z1 && got[3] == z2 || got[2] == z2 && got[3] == z1) {
			t.Fatalf("srv.Expand() = %v, want zero-weight records last", got)
		}
		if got[0] == w20 {
			w20First++
		}
		if got[2] == z1 {
			z1First++
		}
	}

	// weight 20 of 30 wins the first draw in about 2/3 of the rounds
	if ratio := float64(w20First) / rounds; ratio < 0.6 || ratio > 0.73 {
		t.Errorf("weight 20 selected first in %.3f of rounds, want ~0.667", ratio)
	}
	if ratio := float64(z1First) / rounds; ratio < 0.4 || ratio > 0.6 {
		t.Errorf("zero-weight shuffle picked z1 first in %.3f of rounds, want ~0.5", ratio)
	}
}

func TestSrvTargets_ExpandPriorities(t *testing.T) {
	t.Parallel()

	srv := &dns.SrvTargets{
		Records: []dns.SrvRecord{
			{Priority: 20, Weight: 5, Host: "backup", Targets: []sip.Target{tcp("192.0.2.3", 5070)}},
			{Priority: 10, Weight: 1, Host: "main", Targets: []sip.Target{tcp("192.0.2.1", 5060), tcp("2001:db8::1", 5060)}},
		},
		MinTTL: time.Minute,
	}
	want := []sip.Target{tcp("192.0.2.1", 5060), tcp("2001:db8::1", 5060), tcp("192.0.2.3", 5070)}
	if diff := cmp.Diff(want, srv.Expand(rand.New(rand.NewPCG(3, 4)))); diff != "" {
		t.Errorf("srv.Expand() mismatch (-want +got):\n%s", diff)
	}
	if srv.TTL() != time.Minute {
		t.Errorf("srv.TTL() = %v, want %v", srv.TTL(), time.Minute)
	}
}

func TestMultiTargets(t *testing.T) {
	t.Parallel()

	multi := dns.MultiTargets{
		&dns.SrvTargets{
			Records: []dns.SrvRecord{{Priority: 1, Weight: 1, Host: "a", Targets: []sip.Target{tcp("192.0.2.1", 5060)}}},
			MinTTL:  300 * time.Second,
		},
		&dns.AddrTargets{List: []sip.Target{udp("192.0.2.2", 5060)}, MinTTL: 60 * time.Second},
	}
	want := []sip.Target{tcp("192.0.2.1", 5060), udp("192.0.2.2", 5060)}
	if diff := cmp.Diff(want, multi.Expand(rand.New(rand.NewPCG(5, 6)))); diff != "" {
		t.Errorf("multi.Expand() mismatch (-want +got):\n%s", diff)
	}
	if got := multi.TTL(); got != 60*time.Second {
		t.Errorf("multi.TTL() = %v, want %v", got, 60*time.Second)
	}
	if got := (dns.MultiTargets{}).TTL(); got != 0 {
		t.Errorf("empty MultiTargets TTL() = %v, want 0", got)
	}
}

func TestAddrTargets_ExpandCopies(t *testing.T) {
	t.Parallel()

	ts := &dns.AddrTargets{List: []sip.Target{udp("192.0.2.1", 5060)}}
	got := ts.Expand(nil)
	got[0].Port = 1
	if ts.List[0].Port != 5060 {
		t.Error("Expand() result aliases the stored list")
	}
}

func TestDestinationOf(t *testing.T) {
	t.Parallel()

	u, err := sip.ParseURI("sips:bob@Example.com:5071;transport=ws;maddr=[2001:db8::7]")
	if err != nil {
		t.Fatalf("sip.ParseURI() error = %v, want nil", err)
	}
	dst, err := dns.DestinationOf(u)
	if err != nil {
		t.Fatalf("dns.DestinationOf() error = %v, want nil", err)
	}
	want := dns.Destination{Scheme: "sips", Host: "2001:db8::7", Port: 5071, Transport: sip.TransportWS}
	if dst != want {
		t.Errorf("dns.DestinationOf() = %+v, want %+v", dst, want)
	}
	if got, want := dst.String(), "sips:[2001:db8::7]:5071;transport=ws"; got != want {
		t.Errorf("dst.String() = %q, want %q", got, want)
	}
	if addr, ok := dst.Addr(); !ok || addr != netip.MustParseAddr("2001:db8::7") {
		t.Errorf("dst.Addr() = %v, %v, want 2001:db8::7, true", addr, ok)
	}

	if _, err := dns.DestinationOf(nil); err == nil {
		t.Error("dns.DestinationOf(nil) error = nil, want error")
	}
}

func TestError_Status(t *testing.T) {
	t.Parallel()

	cases := map[dns.Error]sip.ResponseStatus{
		dns.ErrDomainNotFound:       404,
		dns.ErrUnsupportedScheme:    416,
		dns.ErrUnsupportedTransport: 478,
		dns.ErrNoIPv4:               478,
		dns.ErrNoIPv6:               478,
		dns.ErrNoDNS:                478,
	}
	for sym, want := range cases {
		if got := sym.Status(); got != want {
			t.Errorf("%s.Status() = %d, want %d", sym, got, want)
		}
		if sym.Reason() == "" {
			t.Errorf("%s.Reason() is empty", sym)
		}
	}
}
