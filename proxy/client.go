package proxy

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/dns"
	"github.com/ghettovoice/sipproxy/metrics"
	"github.com/ghettovoice/sipproxy/sip"
)

// CodeCanceled is reported when routing stopped because the request was canceled.
const CodeCanceled = "canceled"

// Hooks are routing logic callbacks. Every hook is optional and runs on the event loop.
type Hooks struct {
	// OnTarget is called before each attempt. It may call AbortRouting.
	OnTarget func(ctx context.Context, dst sip.Target)
	// OnProvisionalResponse is called for each provisional response except 100 Trying.
	OnProvisionalResponse func(ctx context.Context, res *sip.Response)
	// OnSuccessResponse is called for each 2xx response.
	OnSuccessResponse func(ctx context.Context, res *sip.Response)
	// OnFailureResponse is called when routing ended with a final failure response.
	OnFailureResponse func(ctx context.Context, res *sip.Response)
	// OnError is called when routing ended without a response to relay.
	OnError func(ctx context.Context, status sip.ResponseStatus, reason, code string)
	// OnCanceled is called when the request is canceled.
	OnCanceled func(ctx context.Context)
	// OnInviteTimeout is called when Timer C of the current INVITE attempt fired.
	OnInviteTimeout func(ctx context.Context)
}

type routingState string

const (
	routingIdle      routingState = "idle"
	routingResolving routingState = "resolving"
	routingTrying    routingState = "trying"
	routingSucceeded routingState = "succeeded"
	routingExhausted routingState = "exhausted"
)

type failure struct {
	status sip.ResponseStatus
	reason string
	code   string
	res    *sip.Response
}

func (f failure) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("status", int(f.status)),
		slog.String("reason", f.reason),
		slog.String("code", f.code),
	)
}

// legSink receives the outcome of attempts, it is implemented by [Proxy] and [UAC].
type legSink interface {
	// accepts reports whether a response may be processed at all.
	accepts(ctx context.Context, res *sip.Response) bool
	provisional(ctx context.Context, tx sip.ClientTransaction, res *sip.Response)
	success(ctx context.Context, tx sip.ClientTransaction, res *sip.Response)
	// failure is called once with the final failure response routing ended with.
	failure(ctx context.Context, res *sip.Response)
	// fail is called once when routing ended without a response.
	fail(ctx context.Context, f failure)
	inviteTimeout(ctx context.Context, tx sip.ClientTransaction)
	terminated(ctx context.Context, tx sip.ClientTransaction)
}

// Client iterates over the targets of a destination one at a time and
// fails over to the next target when an attempt times out, cannot be
// delivered or, if enabled, is answered with 503.
//
// It implements [sip.ClientCore] for the transactions it creates.
// Client is not safe for concurrent use, all methods must be called on the event loop.
type Client struct {
	r       *Router
	profile *Profile
	hooks   Hooks
	sink    legSink
	log     *slog.Logger
	ctx     context.Context //nolint:containedctx

	req      *sip.Request
	loopHash string
	dst      dns.Destination
	fixed    *sip.Target
	timerC   bool

	state    routingState
	targets  []sip.Target
	next     int
	tx       sip.ClientTransaction
	last     failure
	hasLast  bool
	aborted  bool
	canceled bool
	attempts int
}

func newClient(r *Router, profile *Profile, hooks Hooks, sink legSink, logger *slog.Logger) *Client {
	if profile == nil {
		profile = DefaultProfile()
	}
	if logger == nil {
		logger = r.log
	}
	return &Client{
		r:       r,
		profile: profile,
		hooks:   hooks,
		sink:    sink,
		log:     logger,
		state:   routingIdle,
	}
}

// Profile returns the routing profile.
func (c *Client) Profile() *Profile { return c.profile }

// Current returns the client transaction of the running attempt, nil if none.
func (c *Client) Current() sip.ClientTransaction { return c.tx }

// Targets returns the targets the destination resolved to.
func (c *Client) Targets() []sip.Target { return c.targets }

// Attempts returns the number of transactions created so far.
func (c *Client) Attempts() int { return c.attempts }

// AbortRouting stops trying further targets. Routing ends with
// 403 "Destination Aborted" unless the running attempt succeeds.
func (c *Client) AbortRouting(ctx context.Context) {
	if c.finished() || c.aborted {
		return
	}
	c.aborted = true

	c.log.LogAttrs(ctx, slog.LevelDebug, "routing aborted", slog.Any("request", c.req))

	if c.state == routingResolving {
		c.abortNow(ctx)
	}
}

func (c *Client) abortNow(ctx context.Context) {
	c.finish(ctx, failure{status: sip.ResponseStatusForbidden, reason: "Destination Aborted", code: CodeAborted})
}

func (c *Client) finished() bool {
	return c.state == routingSucceeded || c.state == routingExhausted
}

// start resolves the destination and begins with the first target.
func (c *Client) start(ctx context.Context) {
	c.ctx = context.WithoutCancel(ctx)
	c.state = routingResolving

	if c.fixed != nil {
		c.useTargets(ctx, []sip.Target{*c.fixed})
		return
	}

	key := c.dst.String()
	cache := c.r.TargetCache(c.profile)
	if c.profile.Cache.Enabled {
		if ts, err, ok := cache.Lookup(key); ok {
			c.log.LogAttrs(ctx, slog.LevelDebug, "destination resolved from cache",
				slog.String("destination", key),
				slog.Any("error", err),
			)
			c.resolved(ctx, ts, err)
			return
		}
	}

	q := c.r.dns.Query(c.profile.DNSConfig())
	ts, err := q.Resolve(ctx, c.dst, func(ts dns.Targets, err error) {
		c.store(key, ts, err)
		c.resolved(c.ctx, ts, err)
	})
	if ts == nil && err == nil {
		return
	}
	c.store(key, ts, err)
	c.resolved(ctx, ts, err)
}

func (c *Client) store(key string, ts dns.Targets, err error) {
	if !c.profile.Cache.Enabled {
		return
	}
	ttl := c.profile.Cache.NegativeTTL
	if err == nil {
		ttl = c.profile.clampTTL(ts.TTL())
	}
	c.r.TargetCache(c.profile).Store(key, ts, err, ttl)
}

func (c *Client) resolved(ctx context.Context, ts dns.Targets, err error) {
	if c.state != routingResolving {
		c.log.LogAttrs(ctx, slog.LevelDebug, "resolution result ignored",
			slog.Any("request", c.req),
			slog.Any("state", c.state),
		)
		return
	}
	if err != nil {
		var sym dns.Error
		if !errors.As(err, &sym) {
			sym = dns.ErrDomainNotFound
		}

		c.log.LogAttrs(ctx, slog.LevelInfo, "destination resolution failed",
			slog.String("destination", c.dst.String()),
			slog.Any("error", err),
		)

		c.finish(ctx, failure{status: sym.Status(), reason: sym.Reason(), code: string(sym)})
		return
	}
	c.useTargets(ctx, ts.Expand(c.r.rnd))
}

func (c *Client) useTargets(ctx context.Context, targets []sip.Target) {
	c.targets = targets
	c.state = routingTrying

	c.log.LogAttrs(ctx, slog.LevelDebug, "destination resolved",
		slog.String("destination", c.dst.String()),
		slog.Any("targets", targets),
	)

	c.tryNext(ctx)
}

// tryNext starts an attempt with the next usable target or ends routing.
func (c *Client) tryNext(ctx context.Context) {
	for {
		if c.finished() {
			return
		}
		if c.canceled {
			c.finish(ctx, failure{status: sip.ResponseStatusRequestTerminated, reason: "Request Terminated", code: CodeCanceled})
			return
		}
		if c.aborted {
			c.abortNow(ctx)
			return
		}
		if c.next >= len(c.targets) {
			c.exhaust(ctx)
			return
		}

		dst := c.targets[c.next]
		c.next++

		if c.profile.Blacklist.Enabled {
			if e, ok := c.r.Blacklist(c.profile).Lookup(dst); ok {
				c.log.LogAttrs(ctx, slog.LevelDebug, "target blacklisted, skip it", slog.Any("entry", e))

				c.setLast(failure{status: e.Status, reason: e.Reason, code: e.Code})
				continue
			}
		}

		if c.hooks.OnTarget != nil {
			c.hooks.OnTarget(ctx, dst)
			if c.aborted || c.canceled || c.finished() {
				continue
			}
		}

		if err := c.attempt(ctx, dst); err != nil {
			c.log.LogAttrs(ctx, slog.LevelWarn, "failed to start attempt",
				slog.Any("target", dst),
				slog.Any("error", err),
			)

			c.setLast(c.connFailure(dst))
			continue
		}
		return
	}
}

func (c *Client) attempt(ctx context.Context, dst sip.Target) error {
	req := c.req.Clone()
	via := c.r.net.Via(dst.Transport)
	via.Params = via.Params.Set("branch", Branch(c.loopHash))
	req.Header.Prepend("Via", via.String())

	opts := &sip.ClientTransactionOptions{
		Loop:    c.r.loop,
		Tables:  c.r.tables,
		Core:    c,
		Timings: c.profile.TransactionTimings(),
		TimerC:  c.timerC,
		Log:     c.log,
	}

	var (
		tx  sip.ClientTransaction
		err error
	)
	c.tx = nil
	if req.Method == sip.RequestMethodInvite {
		tx, err = sip.NewInviteClientTransaction(ctx, req, dst, c.r.net, opts)
	} else {
		tx, err = sip.NewNonInviteClientTransaction(ctx, req, dst, c.r.net, opts)
	}
	if err != nil {
		return errtrace.Wrap(err)
	}

	c.tx = tx
	c.attempts++
	c.r.metrics.RoutingAttempt(req.Method)

	c.log.LogAttrs(ctx, slog.LevelDebug, "attempt started",
		slog.Int("attempt", c.attempts),
		slog.Any("transaction", tx),
	)
	return nil
}

func (c *Client) setLast(f failure) {
	c.last = f
	c.hasLast = true
}

func (c *Client) exhaust(ctx context.Context) {
	if !c.hasLast {
		c.finish(ctx, failure{
			status: dns.ErrDomainNotFound.Status(),
			reason: dns.ErrDomainNotFound.Reason(),
			code:   string(dns.ErrDomainNotFound),
		})
		return
	}

	c.log.LogAttrs(ctx, slog.LevelDebug, "targets exhausted", slog.Any("last_failure", c.last))

	c.finish(ctx, c.last)
}

// finish ends routing without a response.
func (c *Client) finish(ctx context.Context, f failure) {
	if c.finished() {
		return
	}
	c.state = routingExhausted

	outcome := metrics.OutcomeError
	if f.code == CodeCanceled {
		outcome = metrics.OutcomeCanceled
	}
	c.r.metrics.RoutingDone(c.req.Method, outcome, f.code)

	c.sink.fail(ctx, f)
}

func (c *Client) connFailure(dst sip.Target) failure {
	if dst.Flow != "" {
		return failure{status: sip.ResponseStatusFlowFailed, reason: "Flow Failed", code: CodeConnectionFailed}
	}
	return failure{status: sip.ResponseStatusServerInternalError, reason: "Connection Failed", code: CodeConnectionFailed}
}

// failover records the failure of the current attempt and moves to the next target.
func (c *Client) failover(ctx context.Context, tx sip.ClientTransaction, f failure) {
	if c.profile.blacklists(f.code) {
		res := f.res
		if res != nil {
			res = res.Clone()
		}
		c.r.Blacklist(c.profile).Insert(tx.Target(), f.status, f.reason, res, f.code, c.profile.Blacklist.TTL)
	}
	// a response that caused failover is never relayed
	f.res = nil
	c.setLast(f)
	c.tx = nil
	c.tryNext(ctx)
}

// ReceiveResponse implements [sip.ClientCore].
func (c *Client) ReceiveResponse(ctx context.Context, tx sip.ClientTransaction, res *sip.Response) {
	if tx != c.tx {
		c.log.LogAttrs(ctx, slog.LevelDebug, "response of a stale attempt dropped",
			slog.Any("transaction", tx),
			slog.Any("response", res),
		)
		return
	}
	if !c.sink.accepts(ctx, res) {
		return
	}

	switch {
	case res.Status.IsProvisional():
		c.sink.provisional(ctx, tx, res)
	case res.Status.IsSuccessful():
		if c.state == routingTrying {
			c.state = routingSucceeded
			c.r.metrics.RoutingDone(c.req.Method, metrics.OutcomeSuccess, strconv.Itoa(int(res.Status)))
		}
		c.sink.success(ctx, tx, res)
	default:
		if c.state != routingTrying {
			return
		}

		f := failure{status: res.Status, reason: res.Reason, code: strconv.Itoa(int(res.Status)), res: res}
		if res.Status == sip.ResponseStatusServiceUnavailable &&
			c.profile.DNSFailoverOn503 &&
			c.next < len(c.targets) &&
			!c.canceled {
			c.log.LogAttrs(ctx, slog.LevelDebug, "503 received, fail over to the next target",
				slog.Any("transaction", tx),
			)

			c.failover(ctx, tx, f)
			return
		}

		if c.profile.blacklists(f.code) {
			c.r.Blacklist(c.profile).Insert(tx.Target(), f.status, f.reason, res.Clone(), f.code, c.profile.Blacklist.TTL)
		}
		c.state = routingExhausted
		c.r.metrics.RoutingDone(c.req.Method, metrics.OutcomeFailure, f.code)
		c.sink.failure(ctx, res)
	}
}

// ClientTimeout implements [sip.ClientCore].
func (c *Client) ClientTimeout(ctx context.Context, tx sip.ClientTransaction) {
	if tx != c.tx || c.state != routingTrying {
		return
	}
	c.failover(ctx, tx, failure{status: sip.ResponseStatusRequestTimeout, reason: "Request Timeout", code: CodeClientTimeout})
}

// InviteTimeout implements [sip.ClientCore].
func (c *Client) InviteTimeout(ctx context.Context, tx sip.ClientTransaction) {
	if tx != c.tx {
		return
	}
	c.sink.inviteTimeout(ctx, tx)
	c.timedOut(ctx)
}

// timedOut ends routing after Timer C, late responses are no longer processed.
func (c *Client) timedOut(ctx context.Context) {
	if c.state != routingTrying {
		return
	}
	c.state = routingExhausted
	c.r.metrics.RoutingDone(c.req.Method, metrics.OutcomeTimeout, CodeInviteTimeout)

	c.log.LogAttrs(ctx, slog.LevelDebug, "routing ended by invite timeout", slog.Any("request", c.req))
}

// ConnectionFailed implements [sip.ClientCore].
func (c *Client) ConnectionFailed(ctx context.Context, tx sip.ClientTransaction, err error) {
	if tx != c.tx || c.state != routingTrying {
		return
	}

	c.log.LogAttrs(ctx, slog.LevelInfo, "target unreachable",
		slog.Any("target", tx.Target()),
		slog.Any("error", err),
	)

	c.failover(ctx, tx, c.connFailure(tx.Target()))
}

// TLSValidationFailed implements [sip.ClientCore].
func (c *Client) TLSValidationFailed(ctx context.Context, tx sip.ClientTransaction, err error) {
	if tx != c.tx || c.state != routingTrying {
		return
	}

	c.log.LogAttrs(ctx, slog.LevelInfo, "target certificate rejected",
		slog.Any("target", tx.Target()),
		slog.Any("error", err),
	)

	c.failover(ctx, tx, failure{
		status: sip.ResponseStatusServerInternalError,
		reason: "TLS Validation Failed",
		code:   CodeTLSValidationFailed,
	})
}

// TransactionTerminated implements [sip.ClientCore].
func (c *Client) TransactionTerminated(ctx context.Context, tx sip.ClientTransaction) {
	c.sink.terminated(ctx, tx)
	if tx == c.tx && c.finished() {
		c.tx = nil
	}
}
