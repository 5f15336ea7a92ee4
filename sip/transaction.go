package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipproxy/internal/eventloop"
)

// TransactionType is a kind of transaction.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// TransactionState is a state of a transaction state machine.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateAccepted   TransactionState = "accepted"
	TransactionStateTerminated TransactionState = "terminated"
)

// Transaction is the common part of client and server transactions.
//
// Transactions are not safe for concurrent use. Every method must be called
// from the event loop the transaction was created with.
type Transaction interface {
	Type() TransactionType
	State() TransactionState
	// Request returns the request that created the transaction.
	Request() *Request
	// Vars returns transaction-scoped variables.
	Vars() *Vars
	// Terminate moves the transaction to the terminated state.
	// Calling it on a terminated transaction is a no-op.
	Terminate(ctx context.Context)

	slog.LogValuer
}

type transactCtxKey struct{}

// TransactionFromContext returns the transaction whose callback is running.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(transactCtxKey{}).(Transaction)
	return tx, ok
}

const (
	txEvtTerminate = "terminate"
	txEvtTranspErr = "transport_error"
)

var resType = reflect.TypeOf((*Response)(nil))

type baseTransact struct {
	typ     TransactionType
	impl    Transaction
	fsm     *stateless.StateMachine
	loop    *eventloop.Loop
	tp      Transport
	timings TimingConfig
	req     *Request
	vars    Vars
	log     *slog.Logger
	ctx     context.Context //nolint:containedctx

	// reliable is set when messages travel over a reliable transport.
	reliable bool

	// remove unregisters the transaction from its table.
	remove  func()
	removed bool
}

func newBaseTransact(
	typ TransactionType,
	impl Transaction,
	req *Request,
	tp Transport,
	loop *eventloop.Loop,
	timings TimingConfig,
	logger *slog.Logger,
) *baseTransact {
	return &baseTransact{
		typ:     typ,
		impl:    impl,
		loop:    loop,
		tp:      tp,
		timings: timings,
		req:     req,
		log:     logger,
		ctx:     context.WithValue(context.Background(), transactCtxKey{}, impl),
	}
}

func (tx *baseTransact) initFSM(start TransactionState) {
	tx.fsm = stateless.NewStateMachine(start)
}

// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType { return tx.typ }

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	if tx == nil || tx.fsm == nil {
		return ""
	}
	return tx.fsm.MustState().(TransactionState) //nolint:forcetypeassert
}

// Request returns the request that created the transaction.
func (tx *baseTransact) Request() *Request { return tx.req }

// Vars returns transaction-scoped variables.
func (tx *baseTransact) Vars() *Vars { return &tx.vars }

// Timings returns the timing config of the transaction.
func (tx *baseTransact) Timings() TimingConfig { return tx.timings }

// Terminate moves the transaction to the terminated state.
func (tx *baseTransact) Terminate(ctx context.Context) {
	if tx.State() == TransactionStateTerminated {
		return
	}
	if err := tx.fsm.FireCtx(ctx, txEvtTerminate); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTerminate, tx.State(), err))
	}
}

// fire triggers the state machine and converts a rejected trigger into [ErrInvalidTransition].
func (tx *baseTransact) fire(ctx context.Context, evt string, args ...any) error {
	if ok, _ := tx.fsm.CanFireCtx(ctx, evt, args...); !ok {
		return errtrace.Wrap(fmt.Errorf("%w: %q in state %q", ErrInvalidTransition, evt, tx.State()))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evt, args...))
}

func (tx *baseTransact) startTimer(ctx context.Context, name string, d time.Duration, fn func()) *eventloop.Timer {
	tmr := tx.loop.AfterFunc(d, fn)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer "+name+" started",
		slog.Any("transaction", tx.impl),
		slog.Time("expires_at", tmr.Deadline()),
	)

	return tmr
}

func (tx *baseTransact) resetTimer(ctx context.Context, name string, tmr *eventloop.Timer, d time.Duration) {
	tmr.Reset(d)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer "+name+" reset",
		slog.Any("transaction", tx.impl),
		slog.Time("expires_at", tmr.Deadline()),
	)
}

func (tx *baseTransact) stopTimer(ctx context.Context, name string, tmr **eventloop.Timer) {
	if (*tmr).Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("transaction", tx.impl))
	}
	*tmr = nil
}

func (tx *baseTransact) actNoop(context.Context, ...any) error { return nil }

func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))

	if !tx.removed {
		tx.removed = true
		if tx.remove != nil {
			tx.remove()
		}
	}
	return nil
}

// terminateNow is used on entry to a state whose wait timer is zero on reliable transports.
// The trigger is queued by the state machine and processed right after the current transition.
func (tx *baseTransact) terminateNow(ctx context.Context) {
	if err := tx.fsm.FireCtx(ctx, txEvtTerminate); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "terminate dropped", slog.Any("transaction", tx.impl), slog.Any("error", err))
	}
}
