package server

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ghettovoice/sipproxy/proxy"
	"github.com/ghettovoice/sipproxy/sip"
)

// Logic is the routing logic. OnRequest is called once per new request,
// including ACKs for 2xx responses, in its own goroutine. It may answer the
// request, proxy it or ignore it. An ignored request is answered by its
// transaction timers.
type Logic interface {
	OnRequest(ctx context.Context, req *Request)
}

// LogicFunc is an adapter to use ordinary functions as [Logic].
type LogicFunc func(ctx context.Context, req *Request)

// OnRequest implements [Logic].
func (fn LogicFunc) OnRequest(ctx context.Context, req *Request) { fn(ctx, req) }

// run starts the routing logic for the request. A panic of the logic is
// answered with 500.
func (s *Server) run(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.log.LogAttrs(ctx, slog.LevelDebug, "request dropped, because server is closed", slog.Any("request", req))
		return
	}

	r := &Request{srv: s, req: req, tx: tx}
	s.wg.Go(func() {
		ctx, cancel := context.WithCancel(s.ctx)
		defer cancel()
		defer s.recoverLogic(ctx, r)

		s.logic.OnRequest(ctx, r)
	})
}

func (s *Server) recoverLogic(ctx context.Context, r *Request) {
	v := recover()
	if v == nil {
		return
	}
	s.metrics.RoutingLogicPanic()

	s.log.LogAttrs(ctx, slog.LevelError, "routing logic panicked",
		slog.Any("request", r),
		slog.String("panic", fmt.Sprint(v)),
		slog.String("stack", string(debug.Stack())),
	)

	if r.tx == nil || r.Handled() {
		return
	}
	if err := r.Reply(ctx, sip.ResponseStatusServerInternalError, "Server Internal Error"); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "failed to answer after panic", slog.Any("error", err))
	}
}

// DefaultLogic proxies every request to its Route or Request-URI.
//
//   - ACKs for 2xx responses are forwarded statelessly.
//   - A REGISTER with a reg-id Contact parameter marks its connection as an
//     RFC 5626 flow.
//   - OPTIONS addressed to the proxy itself is answered with 200, other
//     requests addressed to it with 404.
type DefaultLogic struct {
	// Profile is the routing profile. If nil, [proxy.DefaultProfile] is used.
	Profile *proxy.Profile
}

// OnRequest implements [Logic].
func (l DefaultLogic) OnRequest(ctx context.Context, r *Request) {
	req := r.SIP()
	logger := r.srv.log.With(slog.Any("request", r))

	if req.Method == sip.RequestMethodAck {
		if err := r.ForwardAck(ctx, l.Profile); err != nil {
			logger.LogAttrs(ctx, slog.LevelInfo, "failed to forward ACK", slog.Any("error", err))
		}
		return
	}

	if req.Method == sip.RequestMethodRegister && hasRegID(req) {
		if vars := r.ConnVars(); vars != nil {
			vars.Set(proxy.VarOutbound, true)
		}
	}

	if r.IsLocal() {
		status, reason := sip.ResponseStatusNotFound, "Not Found"
		if req.Method == sip.RequestMethodOptions {
			status, reason = sip.ResponseStatusOK, "OK"
		}
		if err := r.Reply(ctx, status, reason); err != nil {
			logger.LogAttrs(ctx, slog.LevelDebug, "failed to reply", slog.Any("error", err))
		}
		return
	}

	profile := l.Profile
	if profile == nil {
		profile = r.srv.profile
	}
	if _, err := r.Proxy(ctx, &proxy.ProxyOptions{Profile: profile}); err != nil {
		logger.LogAttrs(ctx, slog.LevelWarn, "failed to proxy request", slog.Any("error", err))
		if err := r.Reply(ctx, sip.ResponseStatusServerInternalError, "Server Internal Error"); err != nil {
			logger.LogAttrs(ctx, slog.LevelDebug, "failed to reply", slog.Any("error", err))
		}
	}
}

func hasRegID(req *sip.Request) bool {
	contacts, err := req.Header.NameAddrs("Contact")
	if err != nil {
		return false
	}
	for _, c := range contacts {
		if c.Params.Has("reg-id") {
			return true
		}
	}
	return false
}
