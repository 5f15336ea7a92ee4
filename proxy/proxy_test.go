package proxy_test

import (
	"context"
	"net/netip"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/mock/gomock"

	"github.com/ghettovoice/sipproxy/proxy"
	"github.com/ghettovoice/sipproxy/sip"
)

func TestNewRouter_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := proxy.NewRouter(nil); err == nil {
		t.Fatal("proxy.NewRouter(nil) error = nil, want error")
	}
	_, err := proxy.NewRouter(&proxy.RouterOptions{})
	if err == nil {
		t.Fatal("proxy.NewRouter({}) error = nil, want error")
	}
	for _, want := range []string{"event loop required", "transaction tables required", "network required", "DNS pool required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("proxy.NewRouter({}) error = %q, want it to mention %q", err, want)
		}
	}
}

func TestProxy_FailoverExhausted(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		env := newEnv(t)
		env.backend.EXPECT().LookupA(gomock.Any(), "example.com").
			Return(ips(time.Minute, "192.0.2.11", "192.0.2.12", "192.0.2.13"), nil)
		for _, ip := range []string{"192.0.2.11", "192.0.2.12", "192.0.2.13"} {
			env.net.setFailure(udp(ip, 5060), sip.ErrConnectionFailed)
		}

		rec := new(hookRecorder)
		p := env.route(t, newRequest(t, sip.RequestMethodOptions, "sip:bob@example.com:5060"), &proxy.ProxyOptions{
			Profile: testProfile(),
			Hooks:   rec.hooks(),
		})

		want := []sip.Target{udp("192.0.2.11", 5060), udp("192.0.2.12", 5060), udp("192.0.2.13", 5060)}
		if diff := cmp.Diff(want, env.net.distinctTargets(sip.RequestMethodOptions)); diff != "" {
			t.Errorf("attempted targets mismatch (-want +got):\n%s", diff)
		}
		wantEvents := []string{
			"target udp:192.0.2.11:5060",
			"target udp:192.0.2.12:5060",
			"target udp:192.0.2.13:5060",
			"error 500 Connection Failed connection_failed",
		}
		if diff := cmp.Diff(wantEvents, rec.got()); diff != "" {
			t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
		}

		ress := env.net.responses()
		if len(ress) != 1 {
			t.Fatalf("upstream responses = %v, want a single 500", env.net.statuses())
		}
		if ress[0].Status != sip.ResponseStatusServerInternalError || ress[0].Reason != "Connection Failed" {
			t.Errorf("upstream response = %d %q, want 500 \"Connection Failed\"", ress[0].Status, ress[0].Reason)
		}

		var attempts int
		onLoop(t, env.loop, func() { attempts = p.Attempts() })
		if attempts != 3 {
			t.Errorf("p.Attempts() = %d, want 3", attempts)
		}
	})
}

func TestProxy_DomainNotFound(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		env := newEnv(t)
		env.backend.EXPECT().LookupA(gomock.Any(), "nowhere.example.com").Return(nil, nil)

		rec := new(hookRecorder)
		env.route(t, newRequest(t, sip.RequestMethodOptions, "sip:bob@nowhere.example.com:5060"), &proxy.ProxyOptions{
			Profile: testProfile(),
			Hooks:   rec.hooks(),
		})

		if diff := cmp.Diff([]string{"error 404 Domain Not Found domain_not_found"}, rec.got()); diff != "" {
			t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]sip.ResponseStatus{sip.ResponseStatusNotFound}, env.net.statuses()); diff != "" {
			t.Errorf("upstream statuses mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestProxy_BlacklistShortCircuit(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		env := newEnv(t)
		dst := udp("192.0.2.20", 5060)
		env.net.setFailure(dst, sip.ErrConnectionFailed)

		profile := testProfile()
		profile.Blacklist.Enabled = true

		first := new(hookRecorder)
		env.route(t, newRequest(t, sip.RequestMethodOptions, "sip:bob@192.0.2.20"), &proxy.ProxyOptions{
			Profile: profile,
			Hooks:   first.hooks(),
		})
		if got := len(env.net.requests(sip.RequestMethodOptions)); got != 1 {
			t.Fatalf("OPTIONS sent %d times, want 1", got)
		}
		if got := env.router.Blacklist(profile).Len(); got != 1 {
			t.Fatalf("blacklist length = %d, want 1", got)
		}

		second := new(hookRecorder)
		env.route(t, newRequest(t, sip.RequestMethodOptions, "sip:bob@192.0.2.20"), &proxy.ProxyOptions{
			Profile: profile,
			Hooks:   second.hooks(),
		})
		if got := len(env.net.requests(sip.RequestMethodOptions)); got != 1 {
			t.Fatalf("OPTIONS sent %d times to a blacklisted target, want 1", got)
		}
		if diff := cmp.Diff([]string{"error 500 Connection Failed connection_failed"}, second.got()); diff != "" {
			t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
		}

		// the entry expires and the target is tried again
		sleep(profile.Blacklist.TTL)
		env.route(t, newRequest(t, sip.RequestMethodOptions, "sip:bob@192.0.2.20"), &proxy.ProxyOptions{Profile: profile})
		if got := len(env.net.requests(sip.RequestMethodOptions)); got != 2 {
			t.Fatalf("OPTIONS sent %d times after blacklist expiry, want 2", got)
		}
	})
}

func TestProxy_Failover503(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		env := newEnv(t)
		env.backend.EXPECT().LookupA(gomock.Any(), "example.com").
			Return(ips(time.Minute, "192.0.2.11", "192.0.2.12"), nil)

		profile := testProfile()
		profile.DNSFailoverOn503 = true

		rec := new(hookRecorder)
		req := newRequest(t, sip.RequestMethodInvite, "sip:bob@example.com:5060")
		p := env.route(t, req, &proxy.ProxyOptions{Profile: profile, Hooks: rec.hooks()})

		answer(t, env.loop, p, sip.ResponseStatusServiceUnavailable)
		if got := len(env.net.requests(sip.RequestMethodAck)); got != 1 {
			t.Fatalf("ACK sent %d times for 503, want 1", got)
		}
		answer(t, env.loop, p, sip.ResponseStatusOK)

		want := []sip.Target{udp("192.0.2.11", 5060), udp("192.0.2.12", 5060)}
		if diff := cmp.Diff(want, env.net.distinctTargets(sip.RequestMethodInvite)); diff != "" {
			t.Errorf("attempted targets mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]sip.ResponseStatus{sip.ResponseStatusTrying, sip.ResponseStatusOK}, env.net.statuses()); diff != "" {
			t.Errorf("upstream statuses mismatch (-want +got):\n%s", diff)
		}
		wantEvents := []string{"target udp:192.0.2.11:5060", "target udp:192.0.2.12:5060", "success 200"}
		if diff := cmp.Diff(wantEvents, rec.got()); diff != "" {
			t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
		}

		ok := env.net.responses()[1]
		if diff := cmp.Diff(req.Header.Values("Via"), ok.Header.Values("Via")); diff != "" {
			t.Errorf("forwarded 200 Via mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestProxy_Forwarded503BecomesServerError(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		env := newEnv(t)
		profile := testProfile()
		profile.DNSFailoverOn503 = true

		rec := new(hookRecorder)
		p := env.route(t, newRequest(t, sip.RequestMethodInvite, "sip:bob@192.0.2.30"), &proxy.ProxyOptions{
			Profile: profile,
			Hooks:   rec.hooks(),
		})
		answer(t, env.loop, p, sip.ResponseStatusServiceUnavailable)

		ress := env.net.responses()
		if len(ress) != 2 {
			t.Fatalf("upstream statuses = %v, want [100 500]", env.net.statuses())
		}
		if ress[1].Status != sip.ResponseStatusServerInternalError {
			t.Errorf("forwarded status = %d, want 500", ress[1].Status)
		}
		if diff := cmp.Diff([]string{"target udp:192.0.2.30:5060", "failure 503"}, rec.got()); diff != "" {
			t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestProxy_SingleRecordRoute(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		env := newEnv(t)
		env.backend.EXPECT().LookupA(gomock.Any(), "example.com").
			Return(ips(time.Minute, "192.0.2.11", "192.0.2.12"), nil)
		env.net.setFailure(udp("192.0.2.11", 5060), sip.ErrConnectionFailed)

		req := newRequest(t, sip.RequestMethodInvite, "sip:bob@example.com:5060",
			"Record-Route: <sip:upstream.example.com;lr>")
		env.route(t, req, &proxy.ProxyOptions{Profile: testProfile()})

		sent := env.net.requests(sip.RequestMethodInvite)
		if got := len(env.net.distinctTargets(sip.RequestMethodInvite)); got != 2 {
			t.Fatalf("INVITE sent to %d targets, want 2", got)
		}

		wantRR := []string{"<sip:192.0.2.1:5060;transport=udp;lr>", "<sip:upstream.example.com;lr>"}
		branches := make(map[string]bool)
		for _, s := range sent {
			if diff := cmp.Diff(wantRR, s.req.Header.Values("Record-Route")); diff != "" {
				t.Errorf("Record-Route to %s mismatch (-want +got):\n%s", s.dst, diff)
			}
			if got := s.req.Header.Get("Max-Forwards"); got != "69" {
				t.Errorf("Max-Forwards to %s = %q, want \"69\"", s.dst, got)
			}
			vias := s.req.Header.Values("Via")
			if len(vias) != 2 {
				t.Fatalf("Via count to %s = %d, want 2", s.dst, len(vias))
			}
			via, _ := s.req.Header.TopVia()
			if !strings.HasPrefix(via.Branch(), sip.MagicCookie+proxy.LoopHash(req)+".") {
				t.Errorf("branch %q does not carry the loop hash", via.Branch())
			}
			branches[via.Branch()] = true
		}
		if len(branches) != 2 {
			t.Errorf("distinct branches = %d, want 2", len(branches))
		}
	})
}

func TestProxy_RoutingHeaderEncodings(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		outbound bool
		route    string
		wantRR   string
		wantDst  sip.Target
	}{
		{
			name:    "plain",
			wantRR:  "<sip:192.0.2.1:5060;transport=tcp;lr>",
			wantDst: udp("192.0.2.40", 5060),
		},
		{
			name:     "outgoing outbound",
			outbound: true,
			wantRR:   "<sip:tok-src@192.0.2.1:5060;transport=tcp;lr;ob>",
			wantDst:  udp("192.0.2.40", 5060),
		},
		{
			name:    "incoming outbound",
			route:   "Route: <sip:tok-flow@192.0.2.1:5060;lr>",
			wantRR:  "<sip:tok-flow@192.0.2.1:5060;transport=tcp;lr;ib>",
			wantDst: sip.Target{Transport: sip.TransportTCP, IP: netip.MustParseAddr("203.0.113.7"), Port: 5070, Flow: "flow"},
		},
		{
			name:     "both",
			outbound: true,
			route:    "Route: <sip:tok-flow@192.0.2.1:5060;lr>",
			wantRR:   "<sip:tok-src.tok-flow@192.0.2.1:5060;transport=tcp;lr;ob;ib>",
			wantDst:  sip.Target{Transport: sip.TransportTCP, IP: netip.MustParseAddr("203.0.113.7"), Port: 5070, Flow: "flow"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			synctest.Test(t, func(t *testing.T) {
				env := newEnv(t)
				env.net.addConn(newStubConn("flow", "203.0.113.7:5070"))

				src := newStubConn("src", "198.51.100.1:40000")
				src.vars.Set(proxy.VarOutbound, c.outbound)

				var extra []string
				if c.route != "" {
					extra = append(extra, c.route)
				}
				req := newRequest(t, sip.RequestMethodInvite, "sip:bob@192.0.2.40", extra...)
				req.SetConn(src)
				env.route(t, req, &proxy.ProxyOptions{Profile: testProfile()})

				sent := env.net.requests(sip.RequestMethodInvite)
				if len(sent) == 0 {
					t.Fatal("INVITE was not sent")
				}
				if diff := cmp.Diff([]string{c.wantRR}, sent[0].req.Header.Values("Record-Route")); diff != "" {
					t.Errorf("Record-Route mismatch (-want +got):\n%s", diff)
				}
				if diff := cmp.Diff(c.wantDst, sent[0].dst); diff != "" {
					t.Errorf("target mismatch (-want +got):\n%s", diff)
				}
				if sent[0].req.Header.Has("Route") {
					t.Errorf("Route = %q, want self entries popped", sent[0].req.Header.Values("Route"))
				}
			})
		})
	}
}

func TestProxy_RecordRouteOffStripsSelf(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		env := newEnv(t)
		profile := testProfile()
		profile.RecordRoute = false

		req := newRequest(t, sip.RequestMethodInvite, "sip:bob@192.0.2.40",
			"Record-Route: <sip:192.0.2.1:5060;transport=udp;lr>, <sip:upstream.example.com;lr>")
		env.route(t, req, &proxy.ProxyOptions{Profile: profile})

		sent := env.net.requests(sip.RequestMethodInvite)
		if len(sent) == 0 {
			t.Fatal("INVITE was not sent")
		}
		if diff := cmp.Diff([]string{"<sip:upstream.example.com;lr>"}, sent[0].req.Header.Values("Record-Route")); diff != "" {
			t.Errorf("Record-Route mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestProxy_PathOnRegister(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		env := newEnv(t)
		profile := testProfile()
		profile.AddPath = true

		env.route(t, newRequest(t, sip.RequestMethodRegister, "sip:192.0.2.40"), &proxy.ProxyOptions{Profile: profile})

		sent := env.net.requests(sip.RequestMethodRegister)
		if len(sent) == 0 {
			t.Fatal("REGISTER was not sent")
		}
		if diff := cmp.Diff([]string{"<sip:192.0.2.1:5060;transport=udp;lr>"}, sent[0].req.Header.Values("Path")); diff != "" {
			t.Errorf("Path mismatch (-want +got):\n%s", diff)
		}
		if sent[0].req.Header.Has("Record-Route") {
			t.Error("REGISTER was record-routed")
		}
	})
}

func TestProxy_FlowGone(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		env := newEnv(t)

		rec := new(hookRecorder)
		req := newRequest(t, sip.RequestMethodOptions, "sip:bob@192.0.2.40",
			"Route: <sip:tok-gone@192.0.2.1:5060;lr>")
		env.route(t, req, &proxy.ProxyOptions{Profile: testProfile(), Hooks: rec.hooks()})

		if got := len(env.net.requests(sip.RequestMethodOptions)); got != 0 {
			t.Fatalf("OPTIONS sent %d times, want 0", got)
		}
		if diff := cmp.Diff([]string{"error 430 Flow Failed connection_failed"}, rec.got()); diff != "" {
			t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]sip.ResponseStatus{sip.ResponseStatusFlowFailed}, env.net.statuses()); diff != "" {
			t.Errorf("upstream statuses mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestProxy_AbortRouting(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		env := newEnv(t)
		srvTx := env.serverTx(t, newRequest(t, sip.RequestMethodOptions, "sip:bob@192.0.2.40"))

		rec := new(hookRecorder)
		hooks := rec.hooks()
		var p *proxy.Proxy
		hooks.OnTarget = func(ctx context.Context, dst sip.Target) {
			rec.add("target " + dst.String())
			p.AbortRouting(ctx)
		}
		onLoop(t, env.loop, func() {
			var err error
			if p, err = env.router.NewProxy(srvTx, &proxy.ProxyOptions{Profile: testProfile(), Hooks: hooks}); err != nil {
				t.Errorf("router.NewProxy() error = %v, want nil", err)
				return
			}
			if err := p.Route(t.Context()); err != nil {
				t.Errorf("p.Route() error = %v, want nil", err)
			}
		})
		synctest.Wait()

		if got := len(env.net.requests(sip.RequestMethodOptions)); got != 0 {
			t.Fatalf("OPTIONS sent %d times, want 0", got)
		}
		wantEvents := []string{"target udp:192.0.2.40:5060", "error 403 Destination Aborted aborted"}
		if diff := cmp.Diff(wantEvents, rec.got()); diff != "" {
			t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]sip.ResponseStatus{sip.ResponseStatusForbidden}, env.net.statuses()); diff != "" {
			t.Errorf("upstream statuses mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestProxy_CancelWhileTrying(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		env := newEnv(t)
		rec := new(hookRecorder)

		req := newRequest(t, sip.RequestMethodInvite, "sip:bob@192.0.2.40")
		p := env.route(t, req, &proxy.ProxyOptions{Profile: testProfile(), Hooks: rec.hooks()})
		answer(t, env.loop, p, sip.ResponseStatusRinging)

		cancel := cancelOf(req, "Reason: SIP;cause=200;text=\"Call completed elsewhere\"")
		onLoop(t, env.loop, func() {
			ist, _ := p.ServerTransaction().(*sip.InviteServerTransaction)
			if err := ist.ReceiveCancel(t.Context(), cancel); err != nil {
				t.Errorf("ist.ReceiveCancel() error = %v, want nil", err)
			}
		})
		synctest.Wait()

		cancels := env.net.requests(sip.RequestMethodCancel)
		if len(cancels) != 1 {
			t.Fatalf("CANCEL sent %d times, want 1", len(cancels))
		}
		if diff := cmp.Diff(cancel.Header.Values("Reason"), cancels[0].req.Header.Values("Reason")); diff != "" {
			t.Errorf("CANCEL Reason mismatch (-want +got):\n%s", diff)
		}

		answer(t, env.loop, p, sip.ResponseStatusRequestTerminated)

		want := []sip.ResponseStatus{sip.ResponseStatusTrying, sip.ResponseStatusRinging, sip.ResponseStatusRequestTerminated}
		if diff := cmp.Diff(want, env.net.statuses()); diff != "" {
			t.Errorf("upstream statuses mismatch (-want +got):\n%s", diff)
		}
		wantEvents := []string{"target udp:192.0.2.40:5060", "provisional 180", "canceled"}
		if diff := cmp.Diff(wantEvents, rec.got()); diff != "" {
			t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestProxy_CancelWhileResolving(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		env := newEnv(t)
		env.backend.EXPECT().LookupA(gomock.Any(), "example.com").Return(ips(time.Minute, "192.0.2.11"), nil)

		rec := new(hookRecorder)
		req := newRequest(t, sip.RequestMethodInvite, "sip:bob@example.com:5060")
		srvTx := env.serverTx(t, req)

		onLoop(t, env.loop, func() {
			p, err := env.router.NewProxy(srvTx, &proxy.ProxyOptions{Profile: testProfile(), Hooks: rec.hooks()})
			if err != nil {
				t.Errorf("router.NewProxy() error = %v, want nil", err)
				return
			}
			if err := p.Route(t.Context()); err != nil {
				t.Errorf("p.Route() error = %v, want nil", err)
				return
			}
			p.ReceiveCancel(t.Context(), nil, cancelOf(req))
		})
		synctest.Wait()

		if got := len(env.net.requests(sip.RequestMethodInvite)); got != 0 {
			t.Fatalf("INVITE sent %d times after CANCEL, want 0", got)
		}
		want := []sip.ResponseStatus{sip.ResponseStatusTrying, sip.ResponseStatusRequestTerminated}
		if diff := cmp.Diff(want, env.net.statuses()); diff != "" {
			t.Errorf("upstream statuses mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"canceled"}, rec.got()); diff != "" {
			t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestProxy_InviteTimeout(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		env := newEnv(t)
		profile := testProfile()
		profile.TimerC = 40 * time.Second

		rec := new(hookRecorder)
		p := env.route(t, newRequest(t, sip.RequestMethodInvite, "sip:bob@192.0.2.40"), &proxy.ProxyOptions{
			Profile: profile,
			Hooks:   rec.hooks(),
		})
		answer(t, env.loop, p, sip.ResponseStatusRinging)

		sleep(40*time.Second + time.Millisecond)

		if got := len(env.net.requests(sip.RequestMethodCancel)); got == 0 {
			t.Fatal("CANCEL was not sent on Timer C")
		}
		want := []sip.ResponseStatus{sip.ResponseStatusTrying, sip.ResponseStatusRinging, sip.ResponseStatusRequestTimeout}
		if diff := cmp.Diff(want, env.net.statuses()); diff != "" {
			t.Errorf("upstream statuses mismatch (-want +got):\n%s", diff)
		}

		// the late 487 of the canceled attempt is not relayed
		answer(t, env.loop, p, sip.ResponseStatusRequestTerminated)
		if diff := cmp.Diff(want, env.net.statuses()); diff != "" {
			t.Errorf("upstream statuses after late final mismatch (-want +got):\n%s", diff)
		}
		if got, want := env.net.responses()[2].Reason, "INVITE Timeout"; got != want {
			t.Errorf("timeout reason = %q, want %q", got, want)
		}
		wantEvents := []string{"target udp:192.0.2.40:5060", "provisional 180", "invite timeout"}
		if diff := cmp.Diff(wantEvents, rec.got()); diff != "" {
			t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestProxy_InviteTimeoutLateSuccess(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		env := newEnv(t)
		profile := testProfile()
		profile.TimerC = 40 * time.Second

		rec := new(hookRecorder)
		p := env.route(t, newRequest(t, sip.RequestMethodInvite, "sip:bob@192.0.2.40"), &proxy.ProxyOptions{
			Profile: profile,
			Hooks:   rec.hooks(),
		})
		answer(t, env.loop, p, sip.ResponseStatusRinging)

		sleep(40*time.Second + time.Millisecond)

		// the server transaction already answered 408, the 200 has no effect
		answer(t, env.loop, p, sip.ResponseStatusOK)

		want := []sip.ResponseStatus{sip.ResponseStatusTrying, sip.ResponseStatusRinging, sip.ResponseStatusRequestTimeout}
		if diff := cmp.Diff(want, env.net.statuses()); diff != "" {
			t.Errorf("upstream statuses mismatch (-want +got):\n%s", diff)
		}
		wantEvents := []string{"target udp:192.0.2.40:5060", "provisional 180", "invite timeout"}
		if diff := cmp.Diff(wantEvents, rec.got()); diff != "" {
			t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
		}

		wantMetrics := `
# HELP sipproxy_routing_results_total Number of finished routing procedures by outcome and code.
# TYPE sipproxy_routing_results_total counter
sipproxy_routing_results_total{code="invite_timeout",method="INVITE",outcome="timeout"} 1
`
		if err := testutil.GatherAndCompare(env.reg, strings.NewReader(wantMetrics), "sipproxy_routing_results_total"); err != nil {
			t.Errorf("unexpected metrics: %v", err)
		}
	})
}

func TestProxy_DropResponse(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		env := newEnv(t)
		srvTx := env.serverTx(t, newRequest(t, sip.RequestMethodOptions, "sip:bob@192.0.2.40"))

		var (
			p       *proxy.Proxy
			dropped int
		)
		onLoop(t, env.loop, func() {
			var err error
			p, err = env.router.NewProxy(srvTx, &proxy.ProxyOptions{
				Profile: testProfile(),
				Hooks: proxy.Hooks{
					OnFailureResponse: func(context.Context, *sip.Response) {
						dropped++
						p.DropResponse()
					},
				},
			})
			if err != nil {
				t.Errorf("router.NewProxy() error = %v, want nil", err)
				return
			}
			if err := p.Route(t.Context()); err != nil {
				t.Errorf("p.Route() error = %v, want nil", err)
			}
		})
		synctest.Wait()

		answer(t, env.loop, p, sip.ResponseStatusBusyHere)

		if dropped != 1 {
			t.Fatalf("OnFailureResponse called %d times, want 1", dropped)
		}
		if got := env.net.statuses(); len(got) != 0 {
			t.Errorf("upstream statuses = %v, want none", got)
		}
	})
}

// cancelOf builds the CANCEL matching the request (RFC 3261 Section 9.1).
func cancelOf(req *sip.Request, extra ...string) *sip.Request {
	cancel := sip.NewRequest(sip.RequestMethodCancel, req.URI.Clone())
	for _, name := range []string{"Via", "From", "To", "Call-ID", "Route"} {
		for _, v := range req.Header.Values(name) {
			cancel.Header.Append(name, v)
		}
	}
	cseq, _ := req.Header.CSeq()
	cseq.Method = sip.RequestMethodCancel
	cancel.Header.Set("CSeq", cseq.String())
	cancel.Header.Set("Max-Forwards", "70")
	for _, h := range extra {
		name, value, _ := strings.Cut(h, ":")
		cancel.Header.Append(name, strings.TrimSpace(value))
	}
	return cancel
}
