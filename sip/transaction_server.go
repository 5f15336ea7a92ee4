package sip

import (
	"context"
	"fmt"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/eventloop"
	"github.com/ghettovoice/sipproxy/log"
)

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// Key returns the key requests are matched with.
	Key() ServerTransactionKey
	// LastResponse returns the last response sent by the transaction.
	LastResponse() *Response
	// ValidResponse reports whether a response with the status may be sent
	// in the current state.
	ValidResponse(status ResponseStatus) bool
	// Respond sends the response. It returns an error wrapping
	// [ErrInvalidTransition] and sends nothing when the status is not valid
	// in the current state.
	Respond(ctx context.Context, res *Response) error
	// RetransmitLastResponse is called by the dispatcher on a retransmitted request.
	RetransmitLastResponse(ctx context.Context) error
}

// ServerTransactionOptions contains options for a server transaction.
type ServerTransactionOptions struct {
	// Loop is the event loop the transaction runs on. Required.
	Loop *eventloop.Loop
	// Tables the transaction is registered in.
	// If nil, the transaction is not registered anywhere.
	Tables *Tables
	// Timings is the SIP timing config that will be used with the transaction.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// Log is the logger that will be used with the transaction.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *ServerTransactionOptions) loop() *eventloop.Loop {
	if o == nil {
		return nil
	}
	return o.Loop
}

func (o *ServerTransactionOptions) tables() *Tables {
	if o == nil {
		return nil
	}
	return o.Tables
}

func (o *ServerTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ServerTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

type serverTransact struct {
	*baseTransact
	key     ServerTransactionKey
	lastRes *Response

	validRes func(ResponseStatus) bool
}

func newServerTransact(
	typ TransactionType,
	impl ServerTransaction,
	req *Request,
	tp Transport,
	opts *ServerTransactionOptions,
) (*serverTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	loop := opts.loop()
	if loop == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("event loop required"))
	}

	key, err := ServerTransactionKeyOf(req)
	if err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !key.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing Via branch"))
	}

	tx := &serverTransact{key: key}
	tx.baseTransact = newBaseTransact(typ, impl, req, tp, loop, opts.timings(), opts.log())
	tx.reliable = req.conn != nil && req.conn.Proto().Reliable()
	return tx, nil
}

// LogValue implements [slog.LogValuer].
func (tx *serverTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.Any("type", tx.typ),
		slog.Any("state", tx.State()),
	)
}

// Key returns the transaction key.
func (tx *serverTransact) Key() ServerTransactionKey { return tx.key }

// LastResponse returns the last response sent by the transaction.
func (tx *serverTransact) LastResponse() *Response { return tx.lastRes }

// ValidResponse reports whether a response with the status may be sent in the current state.
func (tx *serverTransact) ValidResponse(status ResponseStatus) bool {
	return status.IsValid() && tx.validRes(status)
}

// Respond sends the response through the transaction state machine.
func (tx *serverTransact) Respond(ctx context.Context, res *Response) error {
	if !tx.ValidResponse(res.Status) {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "response rejected",
			slog.Any("transaction", tx.impl),
			slog.Any("response", res),
		)
		return errtrace.Wrap(fmt.Errorf("%w: send %d in state %q", ErrInvalidTransition, res.Status, tx.State()))
	}

	switch {
	case res.Status.IsProvisional():
		return errtrace.Wrap(tx.fire(ctx, txEvtSend1xx, res))
	case res.Status.IsSuccessful():
		return errtrace.Wrap(tx.fire(ctx, txEvtSend2xx, res))
	default:
		return errtrace.Wrap(tx.fire(ctx, txEvtSend300699, res))
	}
}

// RetransmitLastResponse resends the last response when the current state
// requires it, in other states the retransmitted request is absorbed.
func (tx *serverTransact) RetransmitLastResponse(ctx context.Context) error {
	return errtrace.Wrap(tx.fire(ctx, txEvtRecvReq))
}

func (tx *serverTransact) sendRes(ctx context.Context, res *Response) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.tp.SendResponse(ctx, res, tx.req.conn, func(err error) {
		// RFC 3261 Section 17.2.4: the transaction keeps running, timers bound its lifetime
		tx.log.LogAttrs(ctx, slog.LevelWarn, "failed to send response",
			slog.Any("transaction", tx.impl),
			slog.Any("response", res),
			slog.Any("error", err),
		)
	})
}

const (
	txEvtRecvReq    = "recv_req"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
)

func (tx *serverTransact) initFSM(start TransactionState) {
	tx.baseTransact.initFSM(start)

	tx.fsm.SetTriggerParameters(txEvtSend1xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend2xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend300699, resType)
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes = res
	tx.sendRes(ctx, res)
	return nil
}

func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	if tx.lastRes == nil {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "re-send response", slog.Any("transaction", tx.impl))

	tx.sendRes(ctx, tx.lastRes)
	return nil
}

func (tx *serverTransact) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx.impl))
	return nil
}
