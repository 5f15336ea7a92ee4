package proxy

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/dns"
	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/sip"
)

// ErrTooManyHops is returned when a request can not be forwarded because Max-Forwards is 0.
const ErrTooManyHops errorutil.Error = "too many hops"

// popSelfRoutes removes the Route entries addressing this proxy (RFC 3261 Section 16.4)
// and returns the flow token found in them together with the connection id it refers to.
// Tokens of the source connection are skipped.
func (r *Router) popSelfRoutes(req *sip.Request, src sip.Conn) (token, connID string) {
	var srcID string
	if src != nil {
		srcID = src.ID()
	}
	for {
		v, ok := req.Header.First("Route")
		if !ok {
			return token, connID
		}
		na, err := sip.ParseNameAddr(v)
		if err != nil || !na.URI.IsSIP() || !r.net.IsLocal(na.URI.Host, na.URI.Port) {
			return token, connID
		}
		req.Header.PopFirst("Route")

		if na.URI.User == "" {
			continue
		}
		for tok := range strings.SplitSeq(na.URI.User, ".") {
			if id, ok := r.net.ParseFlowToken(tok); ok && id != srcID {
				token, connID = tok, id
				break
			}
		}
	}
}

// ForwardAck forwards an ACK for a 2xx response statelessly (RFC 3261 Section 16.11).
//
// Route entries of this proxy are removed, the ACK goes to the flow found in
// them or else to the next Route or the Request-URI. A domain destination is
// resolved asynchronously and the first target that is not blacklisted is used.
// Send failures are only logged, an ACK for 2xx has no retransmissions.
//
// It must be called on the event loop.
func (r *Router) ForwardAck(ctx context.Context, ack *sip.Request, profile *Profile) error {
	if ack == nil || ack.Method != sip.RequestMethodAck {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("ACK request expected"))
	}
	if profile == nil {
		profile = DefaultProfile()
	}

	req := ack.Clone()
	switch mf, ok := req.Header.MaxForwards(); {
	case !ok:
		req.Header.Set("Max-Forwards", strconv.Itoa(defMaxForwards))
	case mf <= 0:
		return errtrace.Wrap(ErrTooManyHops)
	default:
		req.Header.Set("Max-Forwards", strconv.Itoa(mf-1))
	}

	logger := r.log.With(slog.Any("request", req))

	if _, connID := r.popSelfRoutes(req, ack.Conn()); connID != "" {
		c, ok := r.net.Conn(connID)
		if !ok {
			return errtrace.Wrap(errorutil.NewWrapperError(sip.ErrFlowFailed, "connection %s is gone", connID))
		}
		dst := sip.Target{
			Transport: c.Proto(),
			IP:        c.RemoteAddr().Addr(),
			Port:      c.RemoteAddr().Port(),
			Flow:      connID,
		}
		_, err := r.acks.ForwardAck2xx(ctx, req, dst)
		return errtrace.Wrap(err)
	}

	dstURI := req.URI
	if v, ok := req.Header.First("Route"); ok {
		na, err := sip.ParseNameAddr(v)
		if err != nil {
			return errtrace.Wrap(sip.NewInvalidMessageError(err))
		}
		dstURI = na.URI
	}
	dst, err := dns.DestinationOf(dstURI)
	if err != nil {
		return errtrace.Wrap(err)
	}

	bl := r.Blacklist(profile)
	send := func(ts dns.Targets, err error) {
		if err != nil {
			logger.LogAttrs(ctx, slog.LevelInfo, "failed to resolve ACK destination",
				slog.String("destination", dst.String()),
				slog.Any("error", err),
			)
			return
		}
		for _, t := range ts.Expand(r.rnd) {
			if _, ok := bl.Lookup(t); ok {
				continue
			}
			if _, err := r.acks.ForwardAck2xx(ctx, req, t); err != nil {
				logger.LogAttrs(ctx, slog.LevelWarn, "failed to forward ACK", slog.Any("error", err))
			}
			return
		}
		logger.LogAttrs(ctx, slog.LevelInfo, "no usable target for ACK", slog.String("destination", dst.String()))
	}

	ts, err := r.dns.Query(profile.DNSConfig()).Resolve(ctx, dst, send)
	if ts != nil || err != nil {
		send(ts, err)
	}
	return nil
}
