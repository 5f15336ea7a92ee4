package server

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/proxy"
	"github.com/ghettovoice/sipproxy/sip"
)

// Request is a new request handed to the routing logic.
//
// Its methods may be called from the logic goroutine, they run the actual
// work on the event loop and wait for it.
type Request struct {
	srv *Server
	req *sip.Request
	tx  sip.ServerTransaction

	// vars of an ACK, which has no transaction
	vars sip.Vars

	handled atomic.Bool
}

// SIP returns the received request. It must not be modified.
func (r *Request) SIP() *sip.Request { return r.req }

// Transaction returns the server transaction of the request, nil for an ACK.
func (r *Request) Transaction() sip.ServerTransaction { return r.tx }

// Router returns the router proxies and UACs are created with.
func (r *Request) Router() *proxy.Router { return r.srv.router }

// Vars returns the variables of the request transaction.
func (r *Request) Vars() *sip.Vars {
	if r.tx == nil {
		return &r.vars
	}
	return r.tx.Vars()
}

// ConnVars returns the variables of the connection the request was received on.
func (r *Request) ConnVars() *sip.Vars {
	if c := r.req.Conn(); c != nil {
		return c.Vars()
	}
	return nil
}

// Handled reports whether the request was answered, proxied or forwarded.
func (r *Request) Handled() bool { return r.handled.Load() }

// IsLocal reports whether the request is addressed to this proxy: the
// Request-URI and every Route entry point to it.
func (r *Request) IsLocal() bool {
	if !r.req.URI.IsSIP() || !r.srv.net.IsLocal(r.req.URI.Host, r.req.URI.Port) {
		return false
	}
	routes, err := r.req.Header.NameAddrs("Route")
	if err != nil {
		return false
	}
	for _, na := range routes {
		if !na.URI.IsSIP() || !r.srv.net.IsLocal(na.URI.Host, na.URI.Port) {
			return false
		}
	}
	return true
}

// do runs fn on the event loop and waits for it.
func (r *Request) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.srv.ctx.Err() != nil {
		return errtrace.Wrap(ErrServerClosed)
	}
	if err := ctx.Err(); err != nil {
		return errtrace.Wrap(err)
	}

	// once posted, fn is waited for even if ctx is canceled meanwhile
	var err error
	loopCtx := context.WithoutCancel(ctx)
	if derr := r.srv.loop.Do(loopCtx, func() { err = fn(loopCtx) }); derr != nil {
		return errtrace.Wrap(derr)
	}
	return errtrace.Wrap(err)
}

// Reply answers the request with a response built from it.
func (r *Request) Reply(ctx context.Context, status sip.ResponseStatus, reason string) error {
	if r.tx == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("ACK can not be answered"))
	}
	return errtrace.Wrap(r.Respond(ctx, sip.NewResponse(r.req, status, reason)))
}

// Respond sends the response through the server transaction.
func (r *Request) Respond(ctx context.Context, res *sip.Response) error {
	if r.tx == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("ACK can not be answered"))
	}
	return errtrace.Wrap(r.do(ctx, func(ctx context.Context) error {
		if err := r.tx.Respond(ctx, res); err != nil {
			return errtrace.Wrap(err)
		}
		r.handled.Store(true)
		return nil
	}))
}

// Proxy forwards the request statefully and returns the started proxy.
// The proxy must only be touched from hooks, which run on the event loop.
func (r *Request) Proxy(ctx context.Context, opts *proxy.ProxyOptions) (*proxy.Proxy, error) {
	if r.tx == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("ACK can not be proxied, use ForwardAck"))
	}
	if opts == nil {
		opts = &proxy.ProxyOptions{}
	}
	if opts.Profile == nil {
		o := *opts
		o.Profile = r.srv.profile
		opts = &o
	}

	var p *proxy.Proxy
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		if p, err = r.srv.router.NewProxy(r.tx, opts); err != nil {
			return errtrace.Wrap(err)
		}
		if err := p.Route(ctx); err != nil {
			return errtrace.Wrap(err)
		}
		r.handled.Store(true)
		return nil
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return p, nil
}

// ForwardAck forwards an ACK for a 2xx response statelessly.
func (r *Request) ForwardAck(ctx context.Context, profile *proxy.Profile) error {
	if r.req.Method != sip.RequestMethodAck {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("%s is not an ACK", r.req.Method))
	}
	if profile == nil {
		profile = r.srv.profile
	}
	return errtrace.Wrap(r.do(ctx, func(ctx context.Context) error {
		if err := r.srv.router.ForwardAck(ctx, r.req, profile); err != nil {
			return errtrace.Wrap(err)
		}
		r.handled.Store(true)
		return nil
	}))
}

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return r.req.LogValue()
}
