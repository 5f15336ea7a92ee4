package sip

import (
	"context"
	"fmt"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/eventloop"
)

// NonInviteServerTransaction implements the non-INVITE server transaction
// defined in RFC 3261 Section 17.2.2 with the RFC 4320 safeguards.
//
// If no final response was sent within INT1 a 100 Trying is sent and INT2 starts,
// the transaction terminates when INT2 fires.
type NonInviteServerTransaction struct {
	*serverTransact

	tmrINT1 *eventloop.Timer
	tmrINT2 *eventloop.Timer
	tmrJ    *eventloop.Timer
}

// NewNonInviteServerTransaction creates a new non-INVITE server transaction and
// registers it in the tables.
//
// It must be called on the event loop from the options.
func NewNonInviteServerTransaction(
	ctx context.Context,
	req *Request,
	tp Transport,
	opts *ServerTransactionOptions,
) (*NonInviteServerTransaction, error) {
	if req == nil || req.Method == RequestMethodInvite || req.Method == RequestMethodAck {
		return nil, errtrace.Wrap(NewInvalidArgumentError("non-INVITE request expected"))
	}

	tx := new(NonInviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerNonInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	tx.validRes = tx.validResponse

	if err := opts.tables().NonInviteServer.register(tx.key, tx, tx.baseTransact); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx.initFSM(TransactionStateTrying)
	tx.actTrying(ctx)
	return tx, nil
}

const (
	txEvtTimerINT1 = "timer_int1"
	txEvtTimerINT2 = "timer_int2"
	txEvtTimerJ    = "timer_j"
)

func (tx *NonInviteServerTransaction) initFSM(start TransactionState) {
	tx.serverTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateTrying).
		Ignore(txEvtRecvReq).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTimerINT1, TransactionStateProceeding).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		OnEntryFrom(txEvtTimerINT1, tx.actSend100).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerINT1, tx.actSend100).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTimerINT2, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		Ignore(txEvtTerminate)
}

func (tx *NonInviteServerTransaction) validResponse(ResponseStatus) bool {
	st := tx.State()
	return st == TransactionStateTrying || st == TransactionStateProceeding
}

func (tx *NonInviteServerTransaction) actTrying(ctx context.Context) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	tx.tmrINT1 = tx.startTimer(ctx, "INT1", tx.timings.TimeINT1(), tx.onTimerINT1)
}

func (tx *NonInviteServerTransaction) onTimerINT1() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer INT1 expired", slog.Any("transaction", tx))

	tx.tmrINT1 = nil

	if st := tx.State(); st != TransactionStateTrying && st != TransactionStateProceeding {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerINT1); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerINT1, tx.State(), err))
	}

	tx.tmrINT2 = tx.startTimer(tx.ctx, "INT2", tx.timings.TimeINT2(), tx.onTimerINT2)
}

// actSend100 keeps the client transaction from timing out on a slow core (RFC 4320 Section 4.1).
func (tx *NonInviteServerTransaction) actSend100(ctx context.Context, _ ...any) error {
	res := NewResponse(tx.req, ResponseStatusTrying, "")
	tx.lastRes = res
	tx.sendRes(ctx, res)
	return nil
}

func (tx *NonInviteServerTransaction) onTimerINT2() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer INT2 expired", slog.Any("transaction", tx))

	tx.tmrINT2 = nil

	if tx.State() != TransactionStateProceeding {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerINT2); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerINT2, tx.State(), err))
	}
}

func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "INT1", &tx.tmrINT1)
	tx.stopTimer(ctx, "INT2", &tx.tmrINT2)

	if tx.reliable {
		tx.terminateNow(ctx)
		return nil
	}
	tx.tmrJ = tx.startTimer(ctx, "J", tx.timings.TimeJ(), tx.onTimerJ)
	return nil
}

func (tx *NonInviteServerTransaction) onTimerJ() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer J expired", slog.Any("transaction", tx))

	tx.tmrJ = nil

	if tx.State() != TransactionStateCompleted {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerJ); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerJ, tx.State(), err))
	}
}

func (tx *NonInviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, "INT1", &tx.tmrINT1)
	tx.stopTimer(ctx, "INT2", &tx.tmrINT2)
	tx.stopTimer(ctx, "J", &tx.tmrJ)

	return errtrace.Wrap(tx.baseTransact.actTerminated(ctx, args...))
}
