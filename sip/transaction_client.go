package sip

import (
	"context"
	"errors"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/eventloop"
	"github.com/ghettovoice/sipproxy/log"
)

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// Key returns the key responses are matched with.
	Key() ClientTransactionKey
	// Target returns the destination the request is sent to.
	Target() Target
	// LastResponse returns the last response received by the transaction.
	LastResponse() *Response
	// ReceiveResponse is called by the dispatcher on each matching response.
	// It returns an error wrapping [ErrInvalidTransition] when the response
	// is not acceptable in the current state.
	ReceiveResponse(ctx context.Context, res *Response) error
}

// ClientCore is the owner of client transactions, normally a proxy or a UAC.
// All methods are called on the event loop.
type ClientCore interface {
	// ReceiveResponse is called for each response except 100 Trying that
	// the transaction passes up.
	ReceiveResponse(ctx context.Context, tx ClientTransaction, res *Response)
	// ClientTimeout is called when Timer B or Timer F fired.
	ClientTimeout(ctx context.Context, tx ClientTransaction)
	// InviteTimeout is called when proxy Timer C fired.
	InviteTimeout(ctx context.Context, tx ClientTransaction)
	// ConnectionFailed is called when the request could not be delivered.
	ConnectionFailed(ctx context.Context, tx ClientTransaction, err error)
	// TLSValidationFailed is called when the peer certificate was rejected.
	TLSValidationFailed(ctx context.Context, tx ClientTransaction, err error)
	// TransactionTerminated is called once when the transaction terminates.
	TransactionTerminated(ctx context.Context, tx ClientTransaction)
}

type nopClientCore struct{}

func (nopClientCore) ReceiveResponse(context.Context, ClientTransaction, *Response) {}
func (nopClientCore) ClientTimeout(context.Context, ClientTransaction) {}
func (nopClientCore) InviteTimeout(context.Context, ClientTransaction) {}
func (nopClientCore) ConnectionFailed(context.Context, ClientTransaction, error) {}
func (nopClientCore) TLSValidationFailed(context.Context, ClientTransaction, error) {}
func (nopClientCore) TransactionTerminated(context.Context, ClientTransaction) {}

// ClientTransactionOptions contains options for a client transaction.
type ClientTransactionOptions struct {
	// Loop is the event loop the transaction runs on. Required.
	Loop *eventloop.Loop
	// Tables the transaction is registered in.
	// If nil, the transaction is not registered anywhere.
	Tables *Tables
	// Core receives transaction notifications.
	// If nil, notifications are discarded.
	Core ClientCore
	// Timings is the SIP timing config that will be used with the transaction.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// TimerC enables proxy Timer C on INVITE transactions (RFC 3261 Section 16.6).
	TimerC bool
	// Log is the logger that will be used with the transaction.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *ClientTransactionOptions) loop() *eventloop.Loop {
	if o == nil {
		return nil
	}
	return o.Loop
}

func (o *ClientTransactionOptions) tables() *Tables {
	if o == nil {
		return nil
	}
	return o.Tables
}

func (o *ClientTransactionOptions) core() ClientCore {
	if o == nil || o.Core == nil {
		return nopClientCore{}
	}
	return o.Core
}

func (o *ClientTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ClientTransactionOptions) timerC() bool { return o != nil && o.TimerC }

func (o *ClientTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

type clientTransact struct {
	*baseTransact
	key     ClientTransactionKey
	dst     Target
	core    ClientCore
	lastRes *Response

	// honorTranspErr reports whether a transport error must terminate the transaction.
	honorTranspErr func() bool
}

func newClientTransact(
	typ TransactionType,
	impl ClientTransaction,
	req *Request,
	dst Target,
	tp Transport,
	opts *ClientTransactionOptions,
) (*clientTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	if !dst.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid target %q", dst))
	}
	loop := opts.loop()
	if loop == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("event loop required"))
	}

	key, err := ClientTransactionKeyOf(req)
	if err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !key.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing Via branch"))
	}

	tx := &clientTransact{
		key:  key,
		dst:  dst,
		core: opts.core(),
	}
	tx.baseTransact = newBaseTransact(typ, impl, req, tp, loop, opts.timings(), opts.log())
	tx.reliable = dst.Transport.Reliable()
	tx.honorTranspErr = func() bool { return true }
	return tx, nil
}

// LogValue implements [slog.LogValuer].
func (tx *clientTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.Any("type", tx.typ),
		slog.Any("state", tx.State()),
		slog.Any("target", tx.dst),
	)
}

// Key returns the transaction key.
func (tx *clientTransact) Key() ClientTransactionKey { return tx.key }

// Target returns the destination of the transaction.
func (tx *clientTransact) Target() Target { return tx.dst }

// LastResponse returns the last response received by the transaction.
func (tx *clientTransact) LastResponse() *Response { return tx.lastRes }

// ReceiveResponse is called on each inbound response matched to the transaction.
func (tx *clientTransact) ReceiveResponse(ctx context.Context, res *Response) error {
	key, err := ClientTransactionKeyOf(res)
	if err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if key != tx.key {
		return errtrace.Wrap(NewInvalidArgumentError("response does not match transaction"))
	}

	var evt string
	switch {
	case res.Status.IsProvisional():
		evt = txEvtRecv1xx
	case res.Status.IsSuccessful():
		evt = txEvtRecv2xx
	default:
		evt = txEvtRecv300699
	}
	if err := tx.fire(ctx, evt, res); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "response ignored",
			slog.Any("transaction", tx.impl),
			slog.Any("response", res),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	}
	return nil
}

func (tx *clientTransact) sendReq(ctx context.Context, req *Request) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx.impl), slog.Any("request", req))

	tx.tp.SendRequest(ctx, req, tx.dst, func(err error) { tx.onTranspErr(ctx, req, err) })
}

func (tx *clientTransact) onTranspErr(ctx context.Context, req *Request, err error) {
	if tx.State() == TransactionStateTerminated {
		return
	}
	if !tx.honorTranspErr() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "transport error ignored",
			slog.Any("transaction", tx.impl),
			slog.Any("request", req),
			slog.Any("error", err),
		)
		return
	}

	tx.log.LogAttrs(ctx, slog.LevelWarn, "failed to send request",
		slog.Any("transaction", tx.impl),
		slog.Any("request", req),
		slog.Any("error", err),
	)

	if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, err); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "transport error dropped",
			slog.Any("transaction", tx.impl),
			slog.Any("error", err),
		)
	}
}

const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
)

func (tx *clientTransact) initFSM(start TransactionState) {
	tx.baseTransact.initFSM(start)

	tx.fsm.SetTriggerParameters(txEvtRecv1xx, resType)
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, resType)
	tx.fsm.SetTriggerParameters(txEvtRecv300699, resType)
}

func (tx *clientTransact) actResendReq(ctx context.Context, _ ...any) error {
	tx.sendReq(ctx, tx.req)
	return nil
}

func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes = res

	if res.Status == ResponseStatusTrying {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.core.ReceiveResponse(ctx, tx.impl.(ClientTransaction), res) //nolint:forcetypeassert
	return nil
}

func (tx *clientTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx.impl))

	tx.core.ClientTimeout(ctx, tx.impl.(ClientTransaction)) //nolint:forcetypeassert
	return nil
}

func (tx *clientTransact) actTranspErr(ctx context.Context, args ...any) error {
	err, _ := args[0].(error)
	impl := tx.impl.(ClientTransaction) //nolint:forcetypeassert
	if errors.Is(err, ErrTLSValidationFailed) {
		tx.core.TLSValidationFailed(ctx, impl, err)
	} else {
		tx.core.ConnectionFailed(ctx, impl, err)
	}
	return nil
}

func (tx *clientTransact) actTerminated(ctx context.Context, args ...any) error {
	tx.baseTransact.actTerminated(ctx, args...) //nolint:errcheck

	tx.core.TransactionTerminated(ctx, tx.impl.(ClientTransaction)) //nolint:forcetypeassert
	return nil
}
