package sip

import (
	"context"
	"fmt"
	"log/slog"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"
)

type cancelState string

const (
	cancelStateIdle     cancelState = "idle"
	cancelStatePending  cancelState = "pending"
	cancelStateSent     cancelState = "sent"
	cancelStateAnswered cancelState = "answered"
	cancelStateDone     cancelState = "done"
)

const (
	cancelEvtRequest     = "cancel"
	cancelEvtProvisional = "provisional"
	cancelEvtRecvRes     = "recv_cancel_response"
	cancelEvtTimerE      = "timer_e_cancel"
	cancelEvtTimerF      = "timer_f_cancel"
	cancelEvtFinal       = "final"
)

// initCancelFSM configures the CANCEL sub-machine. A CANCEL is built once,
// held back until the INVITE got a provisional response, retransmitted with
// Timer E and bounded by Timer F. Once the CANCEL is answered the INVITE
// transaction waits [CancelGrace] for its final response.
func (tx *InviteClientTransaction) initCancelFSM() {
	tx.cancelFSM = stateless.NewStateMachine(cancelStateIdle)

	tx.cancelFSM.Configure(cancelStateIdle).
		Permit(cancelEvtRequest, cancelStateSent, tx.isProceeding).
		Permit(cancelEvtRequest, cancelStatePending, tx.isCalling).
		Ignore(cancelEvtProvisional).
		Permit(cancelEvtFinal, cancelStateDone)

	tx.cancelFSM.Configure(cancelStatePending).
		OnEntry(tx.actCancelDeferred).
		Ignore(cancelEvtRequest).
		Permit(cancelEvtProvisional, cancelStateSent).
		Permit(cancelEvtFinal, cancelStateDone)

	tx.cancelFSM.Configure(cancelStateSent).
		OnEntry(tx.actSendCancel).
		InternalTransition(cancelEvtTimerE, tx.actResendCancel).
		Ignore(cancelEvtRequest).
		Ignore(cancelEvtProvisional).
		Permit(cancelEvtRecvRes, cancelStateAnswered).
		Permit(cancelEvtTimerF, cancelStateDone).
		Permit(cancelEvtFinal, cancelStateDone)

	tx.cancelFSM.Configure(cancelStateAnswered).
		OnEntry(tx.actCancelAnswered).
		Ignore(cancelEvtRequest).
		Ignore(cancelEvtProvisional).
		Ignore(cancelEvtRecvRes).
		Permit(cancelEvtFinal, cancelStateDone)

	tx.cancelFSM.Configure(cancelStateDone).
		OnEntry(tx.actCancelDone).
		OnEntryFrom(cancelEvtTimerF, tx.actCancelTimedOut).
		Ignore(cancelEvtRequest).
		Ignore(cancelEvtProvisional).
		Ignore(cancelEvtRecvRes).
		Ignore(cancelEvtTimerE).
		Ignore(cancelEvtTimerF).
		Ignore(cancelEvtFinal)
}

func (tx *InviteClientTransaction) isCalling(context.Context, ...any) bool {
	return tx.State() == TransactionStateCalling
}

func (tx *InviteClientTransaction) isProceeding(context.Context, ...any) bool {
	return tx.State() == TransactionStateProceeding
}

func (tx *InviteClientTransaction) cancelState() cancelState {
	if tx.cancelFSM == nil {
		return cancelStateIdle
	}
	return tx.cancelFSM.MustState().(cancelState) //nolint:forcetypeassert
}

func (tx *InviteClientTransaction) fireCancel(ctx context.Context, evt string) {
	if err := tx.cancelFSM.FireCtx(ctx, evt); err != nil {
		panic(fmt.Errorf("fire %q in CANCEL state %q: %w", evt, tx.cancelState(), err))
	}
}

// CancelRequest returns the CANCEL built by [InviteClientTransaction.DoCancel], nil before that.
func (tx *InviteClientTransaction) CancelRequest() *Request { return tx.cancelReq }

// DoCancel cancels the INVITE (RFC 3261 Section 9.1).
//
// The CANCEL is built once, later calls are no-ops. Reason header values of
// reasons are copied to the CANCEL. When no provisional response was received
// yet, the CANCEL is held back and sent with the first provisional response.
// It returns an error wrapping [ErrInvalidTransition] when the transaction
// already has a final response.
func (tx *InviteClientTransaction) DoCancel(ctx context.Context, reasons ...string) error {
	if st := tx.State(); st != TransactionStateCalling && st != TransactionStateProceeding {
		return errtrace.Wrap(fmt.Errorf("%w: cancel in state %q", ErrInvalidTransition, st))
	}
	if tx.cancelReq != nil {
		return nil
	}

	tx.cancelReq = tx.buildCancel(reasons)
	tx.fireCancel(ctx, cancelEvtRequest)
	return nil
}

// buildCancel creates the CANCEL for the INVITE (RFC 3261 Section 9.1).
func (tx *InviteClientTransaction) buildCancel(reasons []string) *Request {
	cancel := NewRequest(RequestMethodCancel, tx.req.URI.Clone())
	via, _ := tx.req.Header.First("Via")
	cancel.Header.Append("Via", via)
	cancel.Header.Append("Max-Forwards", "70")
	for _, route := range tx.req.Header.Values("Route") {
		cancel.Header.Append("Route", route)
	}
	cancel.Header.Append("From", tx.req.Header.Get("From"))
	cancel.Header.Append("To", tx.req.Header.Get("To"))
	cancel.Header.Append("Call-ID", tx.req.Header.CallID())
	cseq, _ := tx.req.Header.CSeq()
	cancel.Header.Append("CSeq", CSeq{Seq: cseq.Seq, Method: RequestMethodCancel}.String())
	for _, r := range reasons {
		cancel.Header.Append("Reason", r)
	}
	return cancel
}

// ReceiveCancelResponse is called by the dispatcher with a response to the CANCEL.
// A final response starts the [CancelGrace] period after which the transaction
// terminates unless the INVITE got its final response first.
func (tx *InviteClientTransaction) ReceiveCancelResponse(ctx context.Context, res *Response) error {
	if tx.cancelState() != cancelStateSent {
		return errtrace.Wrap(fmt.Errorf("%w: CANCEL response in CANCEL state %q", ErrInvalidTransition, tx.cancelState()))
	}
	if !res.Status.IsFinal() {
		return nil
	}
	tx.fireCancel(ctx, cancelEvtRecvRes)
	return nil
}

func (tx *InviteClientTransaction) actCancelDeferred(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "CANCEL deferred until provisional response", slog.Any("transaction", tx))
	return nil
}

func (tx *InviteClientTransaction) actSendCancel(ctx context.Context, _ ...any) error {
	tx.sendCancel(ctx)

	if !tx.reliable {
		tx.tmrECancel = tx.startTimer(ctx, "E (CANCEL)", tx.timings.TimeE(), tx.onTimerECancel)
	}
	tx.tmrFCancel = tx.startTimer(ctx, "F (CANCEL)", tx.timings.TimeF(), tx.onTimerFCancel)
	return nil
}

func (tx *InviteClientTransaction) actResendCancel(ctx context.Context, _ ...any) error {
	tx.sendCancel(ctx)
	return nil
}

func (tx *InviteClientTransaction) sendCancel(ctx context.Context) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx), slog.Any("request", tx.cancelReq))

	tx.tp.SendRequest(ctx, tx.cancelReq, tx.dst, func(err error) {
		tx.log.LogAttrs(ctx, slog.LevelWarn, "failed to send CANCEL",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
	})
}

func (tx *InviteClientTransaction) onTimerECancel() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer E (CANCEL) expired", slog.Any("transaction", tx))

	if tx.cancelState() != cancelStateSent {
		tx.tmrECancel = nil
		return
	}

	tx.fireCancel(tx.ctx, cancelEvtTimerE)

	if tmr := tx.tmrECancel; tmr != nil {
		tx.resetTimer(tx.ctx, "E (CANCEL)", tmr, min(2*tmr.Duration(), tx.timings.T2()))
	}
}

func (tx *InviteClientTransaction) onTimerFCancel() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer F (CANCEL) expired", slog.Any("transaction", tx))

	tx.tmrFCancel = nil

	if tx.cancelState() != cancelStateSent {
		return
	}

	tx.fireCancel(tx.ctx, cancelEvtTimerF)
}

func (tx *InviteClientTransaction) actCancelAnswered(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, "E (CANCEL)", &tx.tmrECancel)
	tx.stopTimer(ctx, "F (CANCEL)", &tx.tmrFCancel)

	tx.tmrCancelEnd = tx.startTimer(ctx, "CANCEL grace", CancelGrace, tx.onTimerCancelEnd)
	return nil
}

func (tx *InviteClientTransaction) onTimerCancelEnd() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer CANCEL grace expired", slog.Any("transaction", tx))

	tx.tmrCancelEnd = nil

	if tx.cancelState() != cancelStateAnswered {
		return
	}

	tx.Terminate(tx.ctx)
}

func (tx *InviteClientTransaction) actCancelDone(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, "E (CANCEL)", &tx.tmrECancel)
	tx.stopTimer(ctx, "F (CANCEL)", &tx.tmrFCancel)
	tx.stopTimer(ctx, "CANCEL grace", &tx.tmrCancelEnd)
	return nil
}

func (tx *InviteClientTransaction) actCancelTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "CANCEL timed out", slog.Any("transaction", tx))

	tx.Terminate(ctx)
	return nil
}
