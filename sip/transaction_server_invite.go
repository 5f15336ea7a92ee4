package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/eventloop"
)

// ServerCore is the owner of an INVITE server transaction, normally a proxy.
type ServerCore interface {
	// ReceiveCancel is called on the event loop when a CANCEL matched the
	// transaction while it is still proceeding.
	ReceiveCancel(ctx context.Context, tx *InviteServerTransaction, cancel *Request)
}

// InviteServerTransaction implements the INVITE server transaction defined in
// RFC 3261 Section 17.2.1 with the accepted state of RFC 6026.
//
// A 100 Trying is sent right on creation. Timer C2 caps the transaction
// lifetime: if no final response was sent when it fires the transaction
// answers 408, otherwise it terminates.
type InviteServerTransaction struct {
	*serverTransact

	core ServerCore

	tmrC2 *eventloop.Timer
	tmrG  *eventloop.Timer
	tmrH  *eventloop.Timer
	tmrI  *eventloop.Timer
	tmrL  *eventloop.Timer
}

// NewInviteServerTransaction creates a new INVITE server transaction, registers it
// in the tables and sends 100 Trying.
//
// It must be called on the event loop from the options.
func NewInviteServerTransaction(
	ctx context.Context,
	req *Request,
	tp Transport,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	if req == nil || req.Method != RequestMethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError("INVITE request expected"))
	}

	tx := new(InviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	tx.validRes = tx.validResponse

	if err := opts.tables().InviteServer.register(tx.key, tx, tx.baseTransact); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx.initFSM(TransactionStateProceeding)
	tx.actStart(ctx)
	return tx, nil
}

// SetCore attaches the proxying core that receives CANCEL notifications.
func (tx *InviteServerTransaction) SetCore(core ServerCore) { tx.core = core }

// Core returns the attached core, nil if none.
func (tx *InviteServerTransaction) Core() ServerCore { return tx.core }

const (
	txEvtRecvAck    = "recv_ack"
	txEvtRecvCancel = "recv_cancel"
	txEvtTimerC2    = "timer_c2"
	txEvtTimerG     = "timer_g"
	txEvtTimerH     = "timer_h"
	txEvtTimerI     = "timer_i"
	txEvtTimerL     = "timer_l"
)

var reqType = reflect.TypeOf((*Request)(nil))

func (tx *InviteServerTransaction) initFSM(start TransactionState) {
	tx.serverTransact.initFSM(start)

	tx.fsm.SetTriggerParameters(txEvtRecvAck, reqType)
	tx.fsm.SetTriggerParameters(txEvtRecvCancel, reqType)

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvCancel, tx.actRecvCancel).
		InternalTransition(txEvtTimerC2, tx.actSend408).
		Permit(txEvtSend2xx, TransactionStateAccepted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtSend2xx, tx.actSendRes).
		Ignore(txEvtRecvReq).
		Permit(txEvtTimerL, TransactionStateTerminated).
		Permit(txEvtTimerC2, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerG, tx.actResendRes).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTimerC2, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTimerC2, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		Ignore(txEvtTerminate)
}

// validResponse mirrors RFC 3261 Section 17.2.1: provisional responses only
// while proceeding, 2xx while proceeding or accepted, other finals only while proceeding.
func (tx *InviteServerTransaction) validResponse(status ResponseStatus) bool {
	switch tx.State() {
	case TransactionStateProceeding:
		return true
	case TransactionStateAccepted:
		return status.IsSuccessful()
	default:
		return false
	}
}

func (tx *InviteServerTransaction) actStart(ctx context.Context) {
	tx.actProceeding(ctx) //nolint:errcheck

	res := NewResponse(tx.req, ResponseStatusTrying, "")
	if err := tx.fsm.FireCtx(ctx, txEvtSend1xx, res); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtSend1xx, tx.State(), err))
	}

	tx.tmrC2 = tx.startTimer(ctx, "C2", tx.timings.TimeC2(), tx.onTimerC2)
}

func (tx *InviteServerTransaction) onTimerC2() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer C2 expired", slog.Any("transaction", tx))

	tx.tmrC2 = nil

	if tx.State() == TransactionStateTerminated {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerC2); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerC2, tx.State(), err))
	}
}

func (tx *InviteServerTransaction) actSend408(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "no final response in time", slog.Any("transaction", tx))

	res := NewResponse(tx.req, ResponseStatusRequestTimeout, "")
	if err := tx.fsm.FireCtx(ctx, txEvtSend300699, res); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtSend300699, tx.State(), err))
	}
	return nil
}

// ReceiveAck is called by the dispatcher on an ACK matching the transaction.
// It returns an error wrapping [ErrInvalidTransition] when the transaction has
// no non-2xx final response to acknowledge.
func (tx *InviteServerTransaction) ReceiveAck(ctx context.Context, ack *Request) error {
	if err := tx.fire(ctx, txEvtRecvAck, ack); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "ACK ignored", slog.Any("transaction", tx), slog.Any("error", err))
		return errtrace.Wrap(err)
	}
	return nil
}

// ReceiveCancel is called by the dispatcher on a CANCEL matching the transaction.
// The attached core is notified only while the transaction is proceeding, a
// transaction without a core answers 487 itself. The CANCEL itself is answered
// by the dispatcher.
func (tx *InviteServerTransaction) ReceiveCancel(ctx context.Context, cancel *Request) error {
	return errtrace.Wrap(tx.fire(ctx, txEvtRecvCancel, cancel))
}

func (tx *InviteServerTransaction) actRecvCancel(ctx context.Context, args ...any) error {
	cancel := args[0].(*Request) //nolint:forcetypeassert

	if tx.core != nil {
		tx.core.ReceiveCancel(ctx, tx, cancel)
		return nil
	}

	res := NewResponse(tx.req, ResponseStatusRequestTerminated, "")
	if err := tx.fsm.FireCtx(ctx, txEvtSend300699, res); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtSend300699, tx.State(), err))
	}
	return nil
}

func (tx *InviteServerTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.tmrL = tx.startTimer(ctx, "L", tx.timings.TimeL(), tx.onTimerL)
	return nil
}

func (tx *InviteServerTransaction) onTimerL() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer L expired", slog.Any("transaction", tx))

	tx.tmrL = nil

	if tx.State() != TransactionStateAccepted {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerL); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerL, tx.State(), err))
	}
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	if !tx.reliable {
		tx.tmrG = tx.startTimer(ctx, "G", tx.timings.TimeG(), tx.onTimerG)
	}
	tx.tmrH = tx.startTimer(ctx, "H", tx.timings.TimeH(), tx.onTimerH)
	return nil
}

func (tx *InviteServerTransaction) onTimerG() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer G expired", slog.Any("transaction", tx))

	if tx.State() != TransactionStateCompleted {
		tx.tmrG = nil
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerG); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerG, tx.State(), err))
	}

	if tmr := tx.tmrG; tmr != nil {
		tx.resetTimer(tx.ctx, "G", tmr, min(2*tmr.Duration(), tx.timings.T2()))
	}
}

func (tx *InviteServerTransaction) onTimerH() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer H expired", slog.Any("transaction", tx))

	tx.tmrH = nil

	if tx.State() != TransactionStateCompleted {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerH); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerH, tx.State(), err))
	}
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction confirmed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "G", &tx.tmrG)
	tx.stopTimer(ctx, "H", &tx.tmrH)

	if tx.reliable {
		tx.terminateNow(ctx)
		return nil
	}
	tx.tmrI = tx.startTimer(ctx, "I", tx.timings.TimeI(), tx.onTimerI)
	return nil
}

func (tx *InviteServerTransaction) onTimerI() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer I expired", slog.Any("transaction", tx))

	tx.tmrI = nil

	if tx.State() != TransactionStateConfirmed {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerI); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerI, tx.State(), err))
	}
}

func (tx *InviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	// timer G can be active after transition to here by timer H
	tx.stopTimer(ctx, "G", &tx.tmrG)
	tx.stopTimer(ctx, "H", &tx.tmrH)
	tx.stopTimer(ctx, "I", &tx.tmrI)
	tx.stopTimer(ctx, "L", &tx.tmrL)
	tx.stopTimer(ctx, "C2", &tx.tmrC2)

	return errtrace.Wrap(tx.baseTransact.actTerminated(ctx, args...))
}
