// Package server is the dispatch layer of the proxy.
//
// [Server] receives every inbound message on the event loop. Malformed
// requests, exhausted Max-Forwards and loops are rejected before the routing
// logic is involved. Retransmissions, ACKs and CANCELs are matched to server
// transactions, responses to client transactions. Every new request gets a
// server transaction and is passed to the [Logic] in its own goroutine.
package server

//go:generate errtrace -w .

import (
	"context"
	"log/slog"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/internal/eventloop"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/metrics"
	"github.com/ghettovoice/sipproxy/proxy"
	"github.com/ghettovoice/sipproxy/sip"
)

// ErrServerClosed is returned by the request methods after [Server.Close].
const ErrServerClosed errorutil.Error = "server closed"

// Options are used to configure the [Server].
type Options struct {
	// Router creates proxies. Its event loop, tables and network are used
	// by the server too. Required.
	Router *proxy.Router
	// Logic decides what to do with new requests.
	// If nil, [DefaultLogic] with the Profile is used.
	Logic Logic
	// Profile gives the timings of server transactions.
	// If nil, [proxy.DefaultProfile] is used.
	Profile *proxy.Profile

	Metrics *metrics.Metrics
	// Log is the logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

func (o *Options) profile() *proxy.Profile {
	if o == nil || o.Profile == nil {
		return proxy.DefaultProfile()
	}
	return o.Profile
}

// Server dispatches inbound messages, see the package documentation.
//
// [Server.HandleMessage] must be called on the event loop, other methods are safe for concurrent use.
type Server struct {
	router  *proxy.Router
	loop    *eventloop.Loop
	tables  *sip.Tables
	net     proxy.Network
	logic   Logic
	profile *proxy.Profile
	metrics *metrics.Metrics
	log     *slog.Logger

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a server.
func New(opts *Options) (*Server, error) {
	if opts == nil || opts.Router == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("router required"))
	}

	s := &Server{
		router:  opts.Router,
		loop:    opts.Router.Loop(),
		tables:  opts.Router.Tables(),
		net:     opts.Router.Network(),
		logic:   opts.Logic,
		profile: opts.profile(),
		metrics: opts.Metrics,
		log:     log.Component(opts.log(), "server"),
	}
	if s.logic == nil {
		s.logic = DefaultLogic{Profile: s.profile}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Close cancels the context of running routing logic and waits for it to return.
// The event loop must keep running until Close returns.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Server) txOpts() *sip.ServerTransactionOptions {
	return &sip.ServerTransactionOptions{
		Loop:    s.loop,
		Tables:  s.tables,
		Timings: s.profile.TransactionTimings(),
		Log:     s.log,
	}
}

// HandleMessage dispatches an inbound message, it has the signature of the transport handler.
func (s *Server) HandleMessage(ctx context.Context, msg sip.Message) {
	switch msg := msg.(type) {
	case *sip.Request:
		s.handleRequest(ctx, msg)
	case *sip.Response:
		s.handleResponse(ctx, msg)
	}
}

func (s *Server) handleRequest(ctx context.Context, req *sip.Request) {
	if err := req.Validate(); err != nil {
		s.reject(ctx, req, sip.ResponseStatusBadRequest, "Bad Request", err)
		return
	}
	if via, _ := req.Header.TopVia(); !via.IsRFC3261() {
		s.reject(ctx, req, sip.ResponseStatusBadRequest, "Bad Request",
			sip.NewInvalidMessageError("Via branch %q has no magic cookie", via.Branch()))
		return
	}

	switch req.Method {
	case sip.RequestMethodAck:
		s.handleAck(ctx, req)
	case sip.RequestMethodCancel:
		s.handleCancel(ctx, req)
	default:
		s.handleNew(ctx, req)
	}
}

// reject answers a request that never reaches a transaction. ACK is never answered.
func (s *Server) reject(ctx context.Context, req *sip.Request, status sip.ResponseStatus, reason string, err error) {
	s.log.LogAttrs(ctx, slog.LevelInfo, "request rejected",
		slog.Any("request", req),
		slog.Int("status", int(status)),
		slog.Any("error", err),
	)

	if req.Method == sip.RequestMethodAck {
		return
	}
	res := sip.NewResponse(req, status, reason)
	s.net.SendResponse(ctx, res, req.Conn(), func(err error) {
		s.log.LogAttrs(ctx, slog.LevelDebug, "failed to send response",
			slog.Any("response", res),
			slog.Any("error", err),
		)
	})
}

func (s *Server) handleAck(ctx context.Context, ack *sip.Request) {
	key, _ := sip.ServerTransactionKeyOf(ack)
	if tx, ok := s.tables.InviteServer.Get(key); ok {
		// ACK of a non-2xx final ends here, after a 2xx it is a new hop-by-hop transaction
		if err := tx.ReceiveAck(ctx, ack); err == nil || tx.State() != sip.TransactionStateAccepted {
			return
		}
	}
	s.run(ctx, ack, nil)
}

func (s *Server) handleCancel(ctx context.Context, cancel *sip.Request) {
	key, _ := sip.ServerTransactionKeyOf(cancel)
	if tx, ok := s.tables.NonInviteServer.Get(key); ok {
		s.retransmit(ctx, tx)
		return
	}

	tx, err := sip.NewNonInviteServerTransaction(ctx, cancel, s.net, s.txOpts())
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to create server transaction",
			slog.Any("request", cancel),
			slog.Any("error", err),
		)
		return
	}

	key.Method = sip.RequestMethodInvite
	ist, ok := s.tables.InviteServer.Get(key)
	if !ok {
		s.respond(ctx, tx, sip.ResponseStatusCallTransactionDoesNotExist, "Call/Transaction Does Not Exist")
		return
	}
	s.respond(ctx, tx, sip.ResponseStatusOK, "OK")

	if err := ist.ReceiveCancel(ctx, cancel); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "CANCEL ignored by transaction",
			slog.Any("transaction", ist),
			slog.Any("error", err),
		)
	}
}

// handleCancelResponse passes a response to a CANCEL sent downstream to the
// INVITE client transaction sharing its branch (RFC 3261 Section 9.1).
func (s *Server) handleCancelResponse(ctx context.Context, key sip.ClientTransactionKey, res *sip.Response) {
	key.Method = sip.RequestMethodInvite
	ict, ok := s.tables.InviteClient.Get(key)
	if !ok {
		s.log.LogAttrs(ctx, slog.LevelDebug, "stray CANCEL response dropped", slog.Any("response", res))
		return
	}
	if err := ict.ReceiveCancelResponse(ctx, res); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "CANCEL response ignored by transaction",
			slog.Any("transaction", ict),
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
}

func (s *Server) handleNew(ctx context.Context, req *sip.Request) {
	key, _ := sip.ServerTransactionKeyOf(req)
	if tx, ok := s.tables.ServerTransaction(key); ok {
		s.retransmit(ctx, tx)
		return
	}

	var (
		tx  sip.ServerTransaction
		err error
	)
	if req.Method == sip.RequestMethodInvite {
		tx, err = sip.NewInviteServerTransaction(ctx, req, s.net, s.txOpts())
	} else {
		tx, err = sip.NewNonInviteServerTransaction(ctx, req, s.net, s.txOpts())
	}
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to create server transaction",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		return
	}

	if mf, ok := req.Header.MaxForwards(); ok && mf <= 0 {
		s.respond(ctx, tx, sip.ResponseStatusTooManyHops, "Too Many Hops")
		return
	}
	if proxy.IsLooped(req, s.net.IsLocal) {
		s.respond(ctx, tx, sip.ResponseStatusLoopDetected, "Loop Detected")
		return
	}
	s.run(ctx, req, tx)
}

func (s *Server) retransmit(ctx context.Context, tx sip.ServerTransaction) {
	if err := tx.RetransmitLastResponse(ctx); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "request retransmission absorbed",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
	}
}

func (s *Server) respond(ctx context.Context, tx sip.ServerTransaction, status sip.ResponseStatus, reason string) {
	if err := tx.Respond(ctx, sip.NewResponse(tx.Request(), status, reason)); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "failed to respond",
			slog.Any("transaction", tx),
			slog.Int("status", int(status)),
			slog.Any("error", err),
		)
	}
}

func (s *Server) handleResponse(ctx context.Context, res *sip.Response) {
	if err := res.Validate(); err != nil {
		s.log.LogAttrs(ctx, slog.LevelInfo, "malformed response dropped", slog.Any("response", res), slog.Any("error", err))
		return
	}
	// RFC 3261 Section 18.1.2
	if via, _ := res.Header.TopVia(); !s.net.IsLocal(via.Host, via.Port) {
		s.log.LogAttrs(ctx, slog.LevelInfo, "response to foreign Via dropped",
			slog.Any("response", res),
			slog.String("sent_by", via.SentBy()),
		)
		return
	}

	key, _ := sip.ClientTransactionKeyOf(res)
	if tx, ok := s.tables.ClientTransaction(key); ok {
		if err := tx.ReceiveResponse(ctx, res); err != nil {
			s.log.LogAttrs(ctx, slog.LevelDebug, "response ignored by transaction",
				slog.Any("transaction", tx),
				slog.Any("response", res),
				slog.Any("error", err),
			)
		}
		return
	}
	if key.Method == sip.RequestMethodCancel {
		s.handleCancelResponse(ctx, key, res)
		return
	}

	// RFC 3261 Section 16.7: 2xx responses to INVITE are forwarded without transaction
	if key.Method != sip.RequestMethodInvite || !res.Status.IsSuccessful() {
		s.log.LogAttrs(ctx, slog.LevelDebug, "stray response dropped", slog.Any("response", res))
		return
	}
	out := res.Clone()
	out.Header.PopFirst("Via")
	if _, err := out.Header.TopVia(); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "stray response has no next hop", slog.Any("response", res))
		return
	}

	s.log.LogAttrs(ctx, slog.LevelDebug, "forward stray 2xx response", slog.Any("response", out))

	s.net.SendResponse(ctx, out, nil, func(err error) {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to forward response",
			slog.Any("response", out),
			slog.Any("error", err),
		)
	})
}
