package sip

import (
	"context"
	"fmt"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/eventloop"
)

// NonInviteClientTransaction implements the non-INVITE client transaction
// defined in RFC 3261 Section 17.1.2.
type NonInviteClientTransaction struct {
	*clientTransact

	tmrE *eventloop.Timer
	tmrF *eventloop.Timer
	tmrK *eventloop.Timer
}

// NewNonInviteClientTransaction creates a new non-INVITE client transaction,
// registers it in the tables and sends the request to the target.
//
// It must be called on the event loop from the options.
func NewNonInviteClientTransaction(
	ctx context.Context,
	req *Request,
	dst Target,
	tp Transport,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	if req == nil || req.Method == RequestMethodInvite || req.Method == RequestMethodAck {
		return nil, errtrace.Wrap(NewInvalidArgumentError("non-INVITE request expected"))
	}

	tx := new(NonInviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientNonInvite, tx, req, dst, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.honorTranspErr = tx.transpErrHonored

	if err := opts.tables().NonInviteClient.register(tx.key, tx, tx.baseTransact); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx.initFSM(TransactionStateTrying)
	tx.actTrying(ctx)
	return tx, nil
}

const (
	txEvtTimerE = "timer_e"
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

func (tx *NonInviteClientTransaction) initFSM(start TransactionState) {
	tx.clientTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtTimerE, tx.actResendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actResendReq).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		Ignore(txEvtTranspErr).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actTerminated).
		Ignore(txEvtTranspErr).
		Ignore(txEvtTerminate)
}

func (tx *NonInviteClientTransaction) transpErrHonored() bool {
	st := tx.State()
	return st == TransactionStateTrying || st == TransactionStateProceeding
}

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	tx.sendReq(ctx, tx.req)

	if !tx.reliable {
		tx.tmrE = tx.startTimer(ctx, "E", tx.timings.TimeE(), tx.onTimerE)
	}
	tx.tmrF = tx.startTimer(ctx, "F", tx.timings.TimeF(), tx.onTimerF)
}

func (tx *NonInviteClientTransaction) onTimerE() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer E expired", slog.Any("transaction", tx))

	st := tx.State()
	if st != TransactionStateTrying && st != TransactionStateProceeding {
		tx.tmrE = nil
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerE); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerE, tx.State(), err))
	}

	if tmr := tx.tmrE; tmr != nil {
		next := tx.timings.T2()
		if st == TransactionStateTrying {
			next = min(2*tmr.Duration(), next)
		}
		tx.resetTimer(tx.ctx, "E", tmr, next)
	}
}

func (tx *NonInviteClientTransaction) onTimerF() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer F expired", slog.Any("transaction", tx))

	tx.tmrF = nil

	if st := tx.State(); st != TransactionStateTrying && st != TransactionStateProceeding {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerF); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerF, tx.State(), err))
	}
}

func (tx *NonInviteClientTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))
	return nil
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "E", &tx.tmrE)
	tx.stopTimer(ctx, "F", &tx.tmrF)

	if tx.reliable {
		tx.terminateNow(ctx)
		return nil
	}
	tx.tmrK = tx.startTimer(ctx, "K", tx.timings.TimeK(), tx.onTimerK)
	return nil
}

func (tx *NonInviteClientTransaction) onTimerK() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer K expired", slog.Any("transaction", tx))

	tx.tmrK = nil

	if tx.State() != TransactionStateCompleted {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerK); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerK, tx.State(), err))
	}
}

func (tx *NonInviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, "E", &tx.tmrE)
	tx.stopTimer(ctx, "F", &tx.tmrF)
	tx.stopTimer(ctx, "K", &tx.tmrK)

	return errtrace.Wrap(tx.clientTransact.actTerminated(ctx, args...))
}
