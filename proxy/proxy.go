package proxy

import (
	"context"
	"log/slog"
	"strconv"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/dns"
	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/sip"
)

// ErrAlreadyRouted is returned when a proxy or UAC is started twice.
const ErrAlreadyRouted errorutil.Error = "request already routed"

// VarOutbound is the connection variable marking the connection as an
// RFC 5626 flow. Requests received over it are record-routed with its flow token.
const VarOutbound = "outbound"

const defMaxForwards = 70

// ProxyOptions are the options of [Router.NewProxy].
type ProxyOptions struct {
	// Profile is the routing profile. If nil, [DefaultProfile] is used.
	Profile *Profile
	Hooks   Hooks
	// Destination overrides the destination taken from Route or Request-URI.
	Destination *sip.URI
	// Target skips resolution and sends to the target.
	Target *sip.Target
	// Log is the logger. If nil, the router logger is used.
	Log *slog.Logger
}

// Proxy forwards a request received through a server transaction and
// relays the responses back (RFC 3261 Section 16).
//
// Proxy is not safe for concurrent use, all methods must be called on the event loop.
type Proxy struct {
	*Client

	srvTx sip.ServerTransaction
	orig  *sip.Request

	// missingFlow is the id of the flow a Route pointed to that is gone.
	missingFlow string
	badScheme   string

	routed   bool
	dropNext bool
	dropLate bool
	answered bool
}

// NewProxy creates a proxy for the request of the server transaction.
// ACK and CANCEL are never proxied statefully.
func (r *Router) NewProxy(srvTx sip.ServerTransaction, opts *ProxyOptions) (*Proxy, error) {
	if srvTx == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("server transaction required"))
	}
	req := srvTx.Request()
	if req.Method == sip.RequestMethodAck || req.Method == sip.RequestMethodCancel {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("%s can not be proxied", req.Method))
	}
	if opts == nil {
		opts = &ProxyOptions{}
	}

	p := &Proxy{srvTx: srvTx, orig: req}
	p.Client = newClient(r, opts.Profile, opts.Hooks, p, opts.Log)
	p.log = p.log.With(slog.Any("server_transaction", srvTx))
	p.fixed = opts.Target

	if err := p.prepare(opts.Destination); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return p, nil
}

// ServerTransaction returns the transaction the proxied request was received with.
func (p *Proxy) ServerTransaction() sip.ServerTransaction { return p.srvTx }

// Request returns the request as it is forwarded, without the Via of this hop.
func (p *Proxy) Request() *sip.Request { return p.req }

// prepare builds the request forwarded by every attempt (RFC 3261 Section 16.6).
func (p *Proxy) prepare(dstURI *sip.URI) error {
	req := p.orig.Clone()

	ibToken, flowID := p.popSelfRoutes(req)

	if mf, ok := req.Header.MaxForwards(); ok && mf > 0 {
		req.Header.Set("Max-Forwards", strconv.Itoa(mf-1))
	} else if !ok {
		req.Header.Set("Max-Forwards", strconv.Itoa(defMaxForwards))
	}

	p.addRoutingHeaders(req, ibToken)

	p.req = req
	p.loopHash = LoopHash(p.orig)
	p.timerC = req.Method == sip.RequestMethodInvite

	if p.fixed == nil && flowID != "" {
		conn, ok := p.r.net.Conn(flowID)
		if !ok {
			p.missingFlow = flowID
			return nil
		}
		raddr := conn.RemoteAddr()
		p.fixed = &sip.Target{
			Transport: conn.Proto(),
			IP:        raddr.Addr(),
			Port:      raddr.Port(),
			Flow:      flowID,
		}
	}
	if p.fixed != nil {
		return nil
	}

	if dstURI == nil {
		dstURI = req.URI
		if v, ok := req.Header.First("Route"); ok {
			na, err := sip.ParseNameAddr(v)
			if err != nil {
				return errtrace.Wrap(sip.NewInvalidArgumentError(err))
			}
			dstURI = na.URI
		}
	}
	if !dstURI.IsSIP() {
		p.badScheme = dstURI.Scheme
		return nil
	}
	dst, err := dns.DestinationOf(dstURI)
	if err != nil {
		return errtrace.Wrap(err)
	}
	p.dst = dst
	return nil
}

func (p *Proxy) popSelfRoutes(req *sip.Request) (token, connID string) {
	return p.r.popSelfRoutes(req, p.orig.Conn())
}

func (p *Proxy) recordRoutes(req *sip.Request) bool {
	if p.profile.RecordRouteAll {
		return true
	}
	if !p.profile.RecordRoute {
		return false
	}
	to, _ := req.Header.To()
	switch req.Method {
	case sip.RequestMethodInvite, sip.RequestMethodSubscribe, sip.RequestMethodRefer:
		return to.Tag() == ""
	case sip.RequestMethodNotify:
		return to.Tag() != ""
	}
	return false
}

// addRoutingHeaders inserts a single Record-Route, or Path for REGISTER,
// or strips the entries of this proxy when the feature is off.
func (p *Proxy) addRoutingHeaders(req *sip.Request, ibToken string) {
	name, on := "Record-Route", p.recordRoutes(req)
	if req.Method == sip.RequestMethodRegister {
		name, on = "Path", p.profile.AddPath
	}

	nas, err := req.Header.NameAddrs(name)
	if err != nil {
		p.log.Debug("malformed routing header left intact", slog.String("header", name), slog.Any("error", err))
		return
	}
	var (
		kept    []string
		hasSelf bool
	)
	for _, na := range nas {
		if na.URI.IsSIP() && p.r.net.IsLocal(na.URI.Host, na.URI.Port) {
			hasSelf = true
			continue
		}
		kept = append(kept, na.String())
	}

	if !on {
		if hasSelf {
			req.Header.Set(name, kept...)
		}
		return
	}
	if hasSelf {
		return
	}
	req.Header.Prepend(name, p.routeEntry(ibToken).String())
}

func (p *Proxy) routeEntry(ibToken string) sip.NameAddr {
	proto := sip.TransportUDP
	src := p.orig.Conn()
	if src != nil {
		proto = src.Proto()
	}

	u := p.r.net.LocalURI(proto).Clone()
	u.Params = u.Params.SetFlag("lr")

	var obToken string
	if src != nil {
		if ob, _ := sip.VarOf[bool](src.Vars(), VarOutbound); ob {
			obToken = p.r.net.FlowToken(src)
		}
	}
	switch {
	case obToken != "" && ibToken != "":
		u.User = obToken + "." + ibToken
		u.Params = u.Params.SetFlag("ob").SetFlag("ib")
	case obToken != "":
		u.User = obToken
		u.Params = u.Params.SetFlag("ob")
	case ibToken != "":
		u.User = ibToken
		u.Params = u.Params.SetFlag("ib")
	}
	return sip.NameAddr{URI: u}
}

// Route starts forwarding. It attaches the proxy to the INVITE server
// transaction so that CANCEL reaches it.
func (p *Proxy) Route(ctx context.Context) error {
	if p.routed {
		return errtrace.Wrap(ErrAlreadyRouted)
	}
	p.routed = true

	if ist, ok := p.srvTx.(*sip.InviteServerTransaction); ok {
		ist.SetCore(p)
	}

	p.log.LogAttrs(ctx, slog.LevelDebug, "route request",
		slog.Any("request", p.req),
		slog.String("destination", p.dst.String()),
		slog.String("profile", p.profile.Name),
	)

	switch {
	case p.missingFlow != "":
		p.log.LogAttrs(ctx, slog.LevelInfo, "flow of the route is gone", slog.String("flow", p.missingFlow))

		p.finish(ctx, failure{status: sip.ResponseStatusFlowFailed, reason: "Flow Failed", code: CodeConnectionFailed})
	case p.badScheme != "":
		p.finish(ctx, failure{
			status: sip.ResponseStatusUnsupportedURIScheme,
			reason: "Unsupported URI Scheme",
			code:   strconv.Itoa(int(sip.ResponseStatusUnsupportedURIScheme)),
		})
	default:
		p.start(ctx)
	}
	return nil
}

// DropResponse suppresses forwarding of the next response, normally called from a hook.
func (p *Proxy) DropResponse() { p.dropNext = true }

// ReceiveCancel implements [sip.ServerCore].
func (p *Proxy) ReceiveCancel(ctx context.Context, _ *sip.InviteServerTransaction, cancel *sip.Request) {
	if p.canceled {
		return
	}
	p.canceled = true

	p.log.LogAttrs(ctx, slog.LevelDebug, "request canceled", slog.Any("cancel", cancel))

	if p.hooks.OnCanceled != nil {
		p.hooks.OnCanceled(ctx)
	}

	switch {
	case p.finished():
	case p.state != routingTrying:
		p.finish(ctx, failure{status: sip.ResponseStatusRequestTerminated, reason: "Request Terminated", code: CodeCanceled})
	default:
		p.cancelLeg(ctx, cancel.Header.Values("Reason")...)
	}
}

func (p *Proxy) cancelLeg(ctx context.Context, reasons ...string) {
	ict, ok := p.tx.(*sip.InviteClientTransaction)
	if !ok {
		return
	}
	if err := ict.DoCancel(ctx, reasons...); err != nil {
		p.log.LogAttrs(ctx, slog.LevelDebug, "failed to cancel attempt",
			slog.Any("transaction", ict),
			slog.Any("error", err),
		)
	}
}

// accepts checks the response against the server transaction state
// before hooks and metrics see it.
func (p *Proxy) accepts(ctx context.Context, res *sip.Response) bool {
	if !p.srvTx.ValidResponse(res.Status) {
		p.log.LogAttrs(ctx, slog.LevelDebug, "response not allowed in transaction state",
			slog.Any("response", res),
			slog.Any("state", p.srvTx.State()),
		)
		return false
	}
	if p.dropLate && res.Status.IsFinal() {
		p.log.LogAttrs(ctx, slog.LevelDebug, "late final response dropped", slog.Any("response", res))
		return false
	}
	return true
}

func (p *Proxy) provisional(ctx context.Context, _ sip.ClientTransaction, res *sip.Response) {
	if res.Status == sip.ResponseStatusTrying || p.canceled {
		return
	}
	if p.hooks.OnProvisionalResponse != nil {
		p.hooks.OnProvisionalResponse(ctx, res)
	}
	p.forward(ctx, res)
}

func (p *Proxy) success(ctx context.Context, _ sip.ClientTransaction, res *sip.Response) {
	if p.hooks.OnSuccessResponse != nil {
		p.hooks.OnSuccessResponse(ctx, res)
	}
	p.forward(ctx, res)
}

func (p *Proxy) failure(ctx context.Context, res *sip.Response) {
	if !p.canceled && p.hooks.OnFailureResponse != nil {
		p.hooks.OnFailureResponse(ctx, res)
	}
	p.forward(ctx, res)
}

func (p *Proxy) fail(ctx context.Context, f failure) {
	if p.canceled {
		f = failure{status: sip.ResponseStatusRequestTerminated, reason: "Request Terminated", code: CodeCanceled}
	} else if p.hooks.OnError != nil {
		p.hooks.OnError(ctx, f.status, f.reason, f.code)
	}

	p.log.LogAttrs(ctx, slog.LevelDebug, "routing failed", slog.Any("failure", f))

	p.reply(ctx, f.status, f.reason)
}

func (p *Proxy) inviteTimeout(ctx context.Context, tx sip.ClientTransaction) {
	p.log.LogAttrs(ctx, slog.LevelInfo, "invite timed out", slog.Any("transaction", tx))

	if p.hooks.OnInviteTimeout != nil {
		p.hooks.OnInviteTimeout(ctx)
	}
	p.cancelLeg(ctx)
	// routing ends here, the canceled leg must not fail over
	p.aborted = true
	p.reply(ctx, sip.ResponseStatusRequestTimeout, "INVITE Timeout")
	p.dropLate = true
}

func (p *Proxy) terminated(ctx context.Context, _ sip.ClientTransaction) {
	if p.canceled && !p.answered {
		p.log.LogAttrs(ctx, slog.LevelDebug, "canceled attempt ended without final response")

		p.reply(ctx, sip.ResponseStatusRequestTerminated, "Request Terminated")
	}
}

// reply answers the original request with a locally generated response.
func (p *Proxy) reply(ctx context.Context, status sip.ResponseStatus, reason string) {
	if p.answered {
		return
	}
	if p.dropNext {
		p.dropNext = false
		p.log.LogAttrs(ctx, slog.LevelDebug, "response dropped", slog.Int("status", int(status)))
		return
	}
	p.send(ctx, sip.NewResponse(p.orig, status, reason))
}

// forward relays a downstream response upstream (RFC 3261 Section 16.7).
func (p *Proxy) forward(ctx context.Context, res *sip.Response) {
	if p.dropNext {
		p.dropNext = false
		p.log.LogAttrs(ctx, slog.LevelDebug, "response dropped", slog.Any("response", res))
		return
	}

	out := res.Clone()
	out.Header.PopFirst("Via")
	if out.Status == sip.ResponseStatusServiceUnavailable {
		out.Status = sip.ResponseStatusServerInternalError
		out.Reason = "Server Internal Error"
	}
	p.send(ctx, out)
}

func (p *Proxy) send(ctx context.Context, res *sip.Response) {
	if err := p.srvTx.Respond(ctx, res); err != nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "failed to send response",
			slog.Any("response", res),
			slog.Any("error", err),
		)
		return
	}
	if res.Status.IsFinal() {
		p.answered = true
	}
}
