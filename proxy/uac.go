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

// UACOptions are the options of [Router.NewUAC].
type UACOptions struct {
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

// UAC sends a locally originated request with the same target failover as
// [Proxy]. Responses are only passed to the hooks.
//
// UAC is not safe for concurrent use, all methods must be called on the event loop.
type UAC struct {
	*Client

	started bool
}

// NewUAC creates a UAC for the request. The request must carry From, To,
// Call-ID and CSeq, the Via is added by every attempt.
func (r *Router) NewUAC(req *sip.Request, opts *UACOptions) (*UAC, error) {
	if err := validateOutgoing(req); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if opts == nil {
		opts = &UACOptions{}
	}

	u := new(UAC)
	u.Client = newClient(r, opts.Profile, opts.Hooks, u, opts.Log)
	u.fixed = opts.Target

	out := req.Clone()
	if _, ok := out.Header.MaxForwards(); !ok {
		out.Header.Set("Max-Forwards", strconv.Itoa(defMaxForwards))
	}
	u.req = out
	u.loopHash = LoopHash(out)
	u.timerC = out.Method == sip.RequestMethodInvite

	if u.fixed != nil {
		return u, nil
	}

	dstURI := opts.Destination
	if dstURI == nil {
		dstURI = out.URI
		if v, ok := out.Header.First("Route"); ok {
			na, err := sip.ParseNameAddr(v)
			if err != nil {
				return nil, errtrace.Wrap(sip.NewInvalidArgumentError(err))
			}
			dstURI = na.URI
		}
	}
	if !dstURI.IsSIP() {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("unsupported URI scheme %q", dstURI.Scheme))
	}
	dst, err := dns.DestinationOf(dstURI)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	u.dst = dst
	return u, nil
}

func validateOutgoing(req *sip.Request) error {
	if req == nil || req.URI == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("request with URI required"))
	}
	if req.Method == sip.RequestMethodAck || req.Method == sip.RequestMethodCancel {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("%s can not be sent by UAC", req.Method))
	}
	var errs []error
	if _, err := req.Header.From(); err != nil {
		errs = append(errs, err)
	}
	if _, err := req.Header.To(); err != nil {
		errs = append(errs, err)
	}
	if req.Header.CallID() == "" {
		errs = append(errs, sip.NewInvalidMessageError("missing Call-ID header"))
	}
	if cseq, err := req.Header.CSeq(); err != nil {
		errs = append(errs, err)
	} else if cseq.Method != req.Method {
		errs = append(errs, sip.NewInvalidMessageError("CSeq method %q does not match %q", cseq.Method, req.Method))
	}
	return errtrace.Wrap(errorutil.JoinPrefix("request", errs...))
}

// Request returns the request sent by every attempt, without the Via.
func (u *UAC) Request() *sip.Request { return u.req }

// Start resolves the destination and sends the request.
func (u *UAC) Start(ctx context.Context) error {
	if u.started {
		return errtrace.Wrap(ErrAlreadyRouted)
	}
	u.started = true

	u.log.LogAttrs(ctx, slog.LevelDebug, "send request",
		slog.Any("request", u.req),
		slog.String("destination", u.dst.String()),
		slog.String("profile", u.profile.Name),
	)

	u.start(ctx)
	return nil
}

// Cancel stops routing and cancels the running INVITE attempt.
func (u *UAC) Cancel(ctx context.Context, reasons ...string) {
	if u.canceled || u.finished() {
		return
	}
	u.canceled = true

	if u.hooks.OnCanceled != nil {
		u.hooks.OnCanceled(ctx)
	}

	if u.state != routingTrying {
		u.finish(ctx, failure{status: sip.ResponseStatusRequestTerminated, reason: "Request Terminated", code: CodeCanceled})
		return
	}
	if ict, ok := u.tx.(*sip.InviteClientTransaction); ok {
		if err := ict.DoCancel(ctx, reasons...); err != nil {
			u.log.LogAttrs(ctx, slog.LevelDebug, "failed to cancel attempt",
				slog.Any("transaction", ict),
				slog.Any("error", err),
			)
		}
	}
}

func (*UAC) accepts(context.Context, *sip.Response) bool { return true }

func (u *UAC) provisional(ctx context.Context, _ sip.ClientTransaction, res *sip.Response) {
	if res.Status == sip.ResponseStatusTrying || u.canceled {
		return
	}
	if u.hooks.OnProvisionalResponse != nil {
		u.hooks.OnProvisionalResponse(ctx, res)
	}
}

func (u *UAC) success(ctx context.Context, _ sip.ClientTransaction, res *sip.Response) {
	if u.hooks.OnSuccessResponse != nil {
		u.hooks.OnSuccessResponse(ctx, res)
	}
}

func (u *UAC) failure(ctx context.Context, res *sip.Response) {
	if u.hooks.OnFailureResponse != nil {
		u.hooks.OnFailureResponse(ctx, res)
	}
}

func (u *UAC) fail(ctx context.Context, f failure) {
	u.log.LogAttrs(ctx, slog.LevelDebug, "request failed", slog.Any("failure", f))

	if u.hooks.OnError != nil {
		u.hooks.OnError(ctx, f.status, f.reason, f.code)
	}
}

func (u *UAC) inviteTimeout(ctx context.Context, tx sip.ClientTransaction) {
	if u.hooks.OnInviteTimeout != nil {
		u.hooks.OnInviteTimeout(ctx)
	}
	u.aborted = true
	if ict, ok := tx.(*sip.InviteClientTransaction); ok {
		_ = ict.DoCancel(ctx)
	}
}

func (*UAC) terminated(context.Context, sip.ClientTransaction) {}
