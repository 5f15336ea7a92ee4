package sip

import (
	"context"
	"fmt"
	"log/slog"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipproxy/internal/eventloop"
)

// InviteClientTransaction implements the INVITE client transaction defined in
// RFC 3261 Section 17.1.1 with the accepted state of RFC 6026, proxy Timer C
// and the CANCEL procedure of RFC 3261 Section 9.1.
type InviteClientTransaction struct {
	*clientTransact

	timerC bool
	tmrA   *eventloop.Timer
	tmrB   *eventloop.Timer
	tmrC   *eventloop.Timer
	tmrD   *eventloop.Timer
	tmrM   *eventloop.Timer

	ack *Request

	cancelFSM    *stateless.StateMachine
	cancelReq    *Request
	tmrECancel   *eventloop.Timer
	tmrFCancel   *eventloop.Timer
	tmrCancelEnd *eventloop.Timer
}

// NewInviteClientTransaction creates a new INVITE client transaction, registers it
// in the tables and sends the request to the target.
//
// It must be called on the event loop from the options.
func NewInviteClientTransaction(
	ctx context.Context,
	req *Request,
	dst Target,
	tp Transport,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	if req == nil || req.Method != RequestMethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError("INVITE request expected"))
	}

	tx := new(InviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientInvite, tx, req, dst, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.timerC = opts.timerC()
	tx.honorTranspErr = tx.transpErrHonored

	if err := opts.tables().InviteClient.register(tx.key, tx, tx.baseTransact); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx.initFSM(TransactionStateCalling)
	tx.initCancelFSM()
	tx.actCalling(ctx)
	return tx, nil
}

const (
	txEvtTimerA = "timer_a"
	txEvtTimerB = "timer_b"
	txEvtTimerC = "timer_c"
	txEvtTimerD = "timer_d"
	txEvtTimerM = "timer_m"
)

func (tx *InviteClientTransaction) initFSM(start TransactionState) {
	tx.clientTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(txEvtTimerA, tx.actResendReq).
		InternalTransition(txEvtTimerC, tx.actInviteTimeout).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerC, tx.actInviteTimeout).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassResSendAck).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Ignore(txEvtTranspErr).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		InternalTransition(txEvtRecv2xx, tx.actPassRes).
		Ignore(txEvtTranspErr).
		Permit(txEvtTimerM, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	// failure notifications go first, the core sees the termination after them
	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actTerminated).
		Ignore(txEvtTranspErr).
		Ignore(txEvtTerminate)
}

// transpErrHonored reports whether a transport error terminates the transaction:
// always while calling, afterwards only until a CANCEL went out.
func (tx *InviteClientTransaction) transpErrHonored() bool {
	switch tx.State() {
	case TransactionStateCalling:
		return true
	case TransactionStateProceeding:
		st := tx.cancelState()
		return st == cancelStateIdle || st == cancelStatePending
	default:
		return false
	}
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction calling", slog.Any("transaction", tx))

	tx.sendReq(ctx, tx.req)

	if !tx.reliable {
		tx.tmrA = tx.startTimer(ctx, "A", tx.timings.TimeA(), tx.onTimerA)
	}
	tx.tmrB = tx.startTimer(ctx, "B", tx.timings.TimeB(), tx.onTimerB)
	if tx.timerC {
		tx.tmrC = tx.startTimer(ctx, "C", tx.timings.TimeC(), tx.onTimerC)
	}
}

func (tx *InviteClientTransaction) onTimerA() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer A expired", slog.Any("transaction", tx))

	if tx.State() != TransactionStateCalling {
		tx.tmrA = nil
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerA); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerA, tx.State(), err))
	}

	if tmr := tx.tmrA; tmr != nil {
		tx.resetTimer(tx.ctx, "A", tmr, 2*tmr.Duration())
	}
}

func (tx *InviteClientTransaction) onTimerB() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer B expired", slog.Any("transaction", tx))

	tx.tmrB = nil

	if tx.State() != TransactionStateCalling {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerB); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerB, tx.State(), err))
	}
}

func (tx *InviteClientTransaction) onTimerC() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer C expired", slog.Any("transaction", tx))

	tx.tmrC = nil

	if st := tx.State(); st != TransactionStateCalling && st != TransactionStateProceeding {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerC); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerC, tx.State(), err))
	}
}

func (tx *InviteClientTransaction) actInviteTimeout(ctx context.Context, _ ...any) error {
	tx.core.InviteTimeout(ctx, tx)
	return nil
}

func (tx *InviteClientTransaction) actPassRes(ctx context.Context, args ...any) error {
	// RFC 3261 Section 16.7: Timer C is reset on each provisional response except 100
	if res := args[0].(*Response); res.Status.IsProvisional() && res.Status > ResponseStatusTrying && tx.tmrC != nil { //nolint:forcetypeassert
		tx.resetTimer(ctx, "C", tx.tmrC, tx.timings.TimeC())
	}
	return errtrace.Wrap(tx.clientTransact.actPassRes(ctx, args...))
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "A", &tx.tmrA)
	tx.stopTimer(ctx, "B", &tx.tmrB)

	tx.fireCancel(ctx, cancelEvtProvisional)
	return nil
}

func (tx *InviteClientTransaction) actPassResSendAck(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck
	tx.actSendAck(ctx, args...) //nolint:errcheck
	return nil
}

func (tx *InviteClientTransaction) actSendAck(ctx context.Context, _ ...any) error {
	if tx.ack == nil {
		tx.ack = tx.buildAck()
	}
	tx.sendReq(ctx, tx.ack)
	return nil
}

// buildAck creates the ACK for a non-2xx final response (RFC 3261 Section 17.1.1.3).
func (tx *InviteClientTransaction) buildAck() *Request {
	ack := NewRequest(RequestMethodAck, tx.req.URI.Clone())
	via, _ := tx.req.Header.First("Via")
	ack.Header.Append("Via", via)
	ack.Header.Append("Max-Forwards", "70")
	for _, route := range tx.req.Header.Values("Route") {
		ack.Header.Append("Route", route)
	}
	ack.Header.Append("From", tx.req.Header.Get("From"))
	if tx.lastRes != nil {
		ack.Header.Append("To", tx.lastRes.Header.Get("To"))
	} else {
		ack.Header.Append("To", tx.req.Header.Get("To"))
	}
	ack.Header.Append("Call-ID", tx.req.Header.CallID())
	cseq, _ := tx.req.Header.CSeq()
	ack.Header.Append("CSeq", CSeq{Seq: cseq.Seq, Method: RequestMethodAck}.String())
	return ack
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "A", &tx.tmrA)
	tx.stopTimer(ctx, "B", &tx.tmrB)
	tx.stopTimer(ctx, "C", &tx.tmrC)
	tx.fireCancel(ctx, cancelEvtFinal)

	if tx.reliable {
		tx.terminateNow(ctx)
		return nil
	}
	tx.tmrD = tx.startTimer(ctx, "D", tx.timings.TimeD(), tx.onTimerD)
	return nil
}

func (tx *InviteClientTransaction) onTimerD() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer D expired", slog.Any("transaction", tx))

	tx.tmrD = nil

	if tx.State() != TransactionStateCompleted {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerD); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerD, tx.State(), err))
	}
}

func (tx *InviteClientTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "A", &tx.tmrA)
	tx.stopTimer(ctx, "B", &tx.tmrB)
	tx.stopTimer(ctx, "C", &tx.tmrC)
	tx.fireCancel(ctx, cancelEvtFinal)

	tx.tmrM = tx.startTimer(ctx, "M", tx.timings.TimeM(), tx.onTimerM)
	return nil
}

func (tx *InviteClientTransaction) onTimerM() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer M expired", slog.Any("transaction", tx))

	tx.tmrM = nil

	if tx.State() != TransactionStateAccepted {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerM); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerM, tx.State(), err))
	}
}

func (tx *InviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, "A", &tx.tmrA)
	tx.stopTimer(ctx, "B", &tx.tmrB)
	tx.stopTimer(ctx, "C", &tx.tmrC)
	tx.stopTimer(ctx, "D", &tx.tmrD)
	tx.stopTimer(ctx, "M", &tx.tmrM)
	tx.fireCancel(ctx, cancelEvtFinal)

	return errtrace.Wrap(tx.clientTransact.actTerminated(ctx, args...))
}
