package sip_test

import (
	"errors"
	"testing"
	"testing/synctest"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipproxy/internal/eventloop"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/sip"
)

func newInviteClientTx(
	t *testing.T,
	l *eventloop.Loop,
	tp *stubTransport,
	core *stubCore,
	dst sip.Target,
	timerC bool,
) *sip.InviteClientTransaction {
	t.Helper()

	req := newRequest(t, sip.RequestMethodInvite, sip.GenerateBranch())

	var (
		tx  *sip.InviteClientTransaction
		err error
	)
	onLoop(t, l, func() {
		tx, err = sip.NewInviteClientTransaction(t.Context(), req, dst, tp, &sip.ClientTransactionOptions{
			Loop:    l,
			Core:    core,
			Timings: testTimings,
			TimerC:  timerC,
			Log:     log.Noop,
		})
	})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	return tx
}

func recvResponse(t *testing.T, l *eventloop.Loop, tx sip.ClientTransaction, res *sip.Response) error {
	t.Helper()

	var err error
	onLoop(t, l, func() { err = tx.ReceiveResponse(t.Context(), res) })
	return err
}

func TestInviteClientTransaction_TimerA(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l, stop := startLoop()
		defer stop()

		tp := newStubTransport(l)
		core := new(stubCore)
		tx := newInviteClientTx(t, l, tp, core, udpTarget, false)

		sleep(20 * time.Second)

		sent := tp.requests(sip.RequestMethodInvite)
		var gaps []time.Duration
		for i := 1; i < len(sent); i++ {
			gaps = append(gaps, sent[i].at.Sub(sent[i-1].at))
		}
		// INVITE retransmissions keep doubling past T2
		want := []time.Duration{
			500 * time.Millisecond,
			time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
		}
		if diff := cmp.Diff(want, gaps); diff != "" {
			t.Fatalf("INVITE retransmission intervals mismatch (-want +got):\n%s", diff)
		}
		for _, s := range sent {
			if s.dst != udpTarget {
				t.Fatalf("INVITE sent to %v, want %v", s.dst, udpTarget)
			}
		}
		assertState(t, l, tx, sip.TransactionStateCalling)

		onLoop(t, l, func() { tx.Terminate(t.Context()) })
		assertEvents(t, core, []string{"terminated"})
	})
}

func TestInviteClientTransaction_TimerB(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l, stop := startLoop()
		defer stop()

		tp := newStubTransport(l)
		core := new(stubCore)
		tx := newInviteClientTx(t, l, tp, core, udpTarget, false)

		sleep(32*time.Second + time.Millisecond)

		assertState(t, l, tx, sip.TransactionStateTerminated)
		assertEvents(t, core, []string{"client timeout", "terminated"})
		if got := len(tp.requests(sip.RequestMethodInvite)); got != 7 {
			t.Fatalf("INVITE sent %d times, want 7", got)
		}

		sleep(time.Minute)
		if got := len(tp.requests(sip.RequestMethodInvite)); got != 7 {
			t.Fatalf("INVITE sent %d times after termination, want 7", got)
		}
	})
}

func TestInviteClientTransaction_ReliableNoRetransmissions(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l, stop := startLoop()
		defer stop()

		tp := newStubTransport(l)
		core := new(stubCore)
		tx := newInviteClientTx(t, l, tp, core, tcpTarget, false)

		sleep(10 * time.Second)
		if got := len(tp.requests(sip.RequestMethodInvite)); got != 1 {
			t.Fatalf("INVITE sent %d times over TCP, want 1", got)
		}

		req := tp.requests(sip.RequestMethodInvite)[0].req
		if err := recvResponse(t, l, tx, sip.NewResponse(req, sip.ResponseStatusBusyHere, "")); err != nil {
			t.Fatalf("tx.ReceiveResponse(486) error = %v, want nil", err)
		}
		synctest.Wait()

		assertState(t, l, tx, sip.TransactionStateTerminated)
		if got := len(tp.requests(sip.RequestMethodAck)); got != 1 {
			t.Fatalf("ACK sent %d times, want 1", got)
		}
		assertEvents(t, core, []string{"response 486", "terminated"})
	})
}

func TestInviteClientTransaction_AckNon2xx(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l, stop := startLoop()
		defer stop()

		tp := newStubTransport(l)
		core := new(stubCore)
		tx := newInviteClientTx(t, l, tp, core, udpTarget, false)
		req := tp.requests(sip.RequestMethodInvite)[0].req

		if err := recvResponse(t, l, tx, sip.NewResponse(req, sip.ResponseStatusTrying, "")); err != nil {
			t.Fatalf("tx.ReceiveResponse(100) error = %v, want nil", err)
		}
		if err := recvResponse(t, l, tx, sip.NewResponse(req, sip.ResponseStatusRinging, "")); err != nil {
			t.Fatalf("tx.ReceiveResponse(180) error = %v, want nil", err)
		}
		assertState(t, l, tx, sip.TransactionStateProceeding)

		busy := sip.NewResponse(req, sip.ResponseStatusBusyHere, "")
		if err := recvResponse(t, l, tx, busy); err != nil {
			t.Fatalf("tx.ReceiveResponse(486) error = %v, want nil", err)
		}
		assertState(t, l, tx, sip.TransactionStateCompleted)

		acks := tp.requests(sip.RequestMethodAck)
		if len(acks) != 1 {
			t.Fatalf("ACK sent %d times, want 1", len(acks))
		}
		ack := acks[0].req
		if got, want := ack.Header.Get("To"), busy.Header.Get("To"); got != want {
			t.Errorf("ACK To = %q, want %q", got, want)
		}
		if got, want := ack.Header.Get("Via"), req.Header.Get("Via"); got != want {
			t.Errorf("ACK Via = %q, want %q", got, want)
		}
		if got, want := ack.Header.Values("Route"), req.Header.Values("Route"); !cmp.Equal(got, want) {
			t.Errorf("ACK Route = %q, want %q", got, want)
		}
		if cseq, _ := ack.Header.CSeq(); cseq.Method != sip.RequestMethodAck || cseq.Seq != 1 {
			t.Errorf("ACK CSeq = %v, want 1 ACK", cseq)
		}
		if ack.URI.String() != req.URI.String() {
			t.Errorf("ACK Request-URI = %v, want %v", ack.URI, req.URI)
		}

		// a retransmitted final response is absorbed, the ACK is repeated
		if err := recvResponse(t, l, tx, busy.Clone()); err != nil {
			t.Fatalf("tx.ReceiveResponse(486 again) error = %v, want nil", err)
		}
		if got := len(tp.requests(sip.RequestMethodAck)); got != 2 {
			t.Fatalf("ACK sent %d times, want 2", got)
		}
		assertEvents(t, core, []string{"response 180", "response 486"})

		sleep(32*time.Second + time.Millisecond)
		assertState(t, l, tx, sip.TransactionStateTerminated)
		assertEvents(t, core, []string{"response 180", "response 486", "terminated"})
		if got := len(tp.requests(sip.RequestMethodInvite)); got != 1 {
			t.Fatalf("INVITE sent %d times, want 1", got)
		}
	})
}

func TestInviteClientTransaction_Accepted(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l, stop := startLoop()
		defer stop()

		tp := newStubTransport(l)
		core := new(stubCore)
		tx := newInviteClientTx(t, l, tp, core, udpTarget, false)
		req := tp.requests(sip.RequestMethodInvite)[0].req

		ok := sip.NewResponse(req, sip.ResponseStatusOK, "")
		if err := recvResponse(t, l, tx, ok); err != nil {
			t.Fatalf("tx.ReceiveResponse(200) error = %v, want nil", err)
		}
		assertState(t, l, tx, sip.TransactionStateAccepted)

		// 2xx retransmissions and forks are passed up
		if err := recvResponse(t, l, tx, ok.Clone()); err != nil {
			t.Fatalf("tx.ReceiveResponse(200 again) error = %v, want nil", err)
		}
		if err := recvResponse(t, l, tx, sip.NewResponse(req, sip.ResponseStatusRinging, "")); !errors.Is(err, sip.ErrInvalidTransition) {
			t.Fatalf("tx.ReceiveResponse(180) error = %v, want %v", err, sip.ErrInvalidTransition)
		}
		if got := len(tp.requests(sip.RequestMethodAck)); got != 0 {
			t.Fatalf("ACK sent %d times for 2xx, want 0", got)
		}

		sleep(5 * time.Second)
		if got := len(tp.requests(sip.RequestMethodInvite)); got != 1 {
			t.Fatalf("INVITE sent %d times, want 1", got)
		}

		sleep(27*time.Second + time.Millisecond)
		assertState(t, l, tx, sip.TransactionStateTerminated)
		assertEvents(t, core, []string{"response 200", "response 200", "terminated"})
	})
}

func TestInviteClientTransaction_CancelBeforeProvisional(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l, stop := startLoop()
		defer stop()

		tp := newStubTransport(l)
		core := new(stubCore)
		tx := newInviteClientTx(t, l, tp, core, udpTarget, false)
		req := tp.requests(sip.RequestMethodInvite)[0].req

		var err error
		onLoop(t, l, func() {
			err = tx.DoCancel(t.Context(), `SIP ;cause=200 ;text="Call completed elsewhere"`)
		})
		if err != nil {
			t.Fatalf("tx.DoCancel() error = %v, want nil", err)
		}
		sleep(time.Second)
		if got := len(tp.requests(sip.RequestMethodCancel)); got != 0 {
			t.Fatalf("CANCEL sent %d times before provisional response, want 0", got)
		}

		if err := recvResponse(t, l, tx, sip.NewResponse(req, sip.ResponseStatusRinging, "")); err != nil {
			t.Fatalf("tx.ReceiveResponse(180) error = %v, want nil", err)
		}

		cancels := tp.requests(sip.RequestMethodCancel)
		if len(cancels) != 1 {
			t.Fatalf("CANCEL sent %d times, want 1", len(cancels))
		}
		cancel := cancels[0].req
		if got, want := cancel.Header.Get("Via"), req.Header.Get("Via"); got != want {
			t.Errorf("CANCEL Via = %q, want %q", got, want)
		}
		if got, want := cancel.Header.Get("To"), req.Header.Get("To"); got != want {
			t.Errorf("CANCEL To = %q, want %q", got, want)
		}
		if got := cancel.Header.Get("Reason"); got != `SIP ;cause=200 ;text="Call completed elsewhere"` {
			t.Errorf("CANCEL Reason = %q", got)
		}
		if cancels[0].dst != udpTarget {
			t.Errorf("CANCEL sent to %v, want %v", cancels[0].dst, udpTarget)
		}

		// the second call is a no-op
		onLoop(t, l, func() { err = tx.DoCancel(t.Context()) })
		if err != nil {
			t.Fatalf("tx.DoCancel() again error = %v, want nil", err)
		}

		// CANCEL answered, the INVITE answers 487
		onLoop(t, l, func() { err = tx.ReceiveCancelResponse(t.Context(), sip.NewResponse(cancel, sip.ResponseStatusOK, "")) })
		if err != nil {
			t.Fatalf("tx.ReceiveCancelResponse(200) error = %v, want nil", err)
		}
		if err := recvResponse(t, l, tx, sip.NewResponse(req, sip.ResponseStatusRequestTerminated, "")); err != nil {
			t.Fatalf("tx.ReceiveResponse(487) error = %v, want nil", err)
		}
		assertState(t, l, tx, sip.TransactionStateCompleted)
		if got := len(tp.requests(sip.RequestMethodAck)); got != 1 {
			t.Fatalf("ACK sent %d times, want 1", got)
		}
	})
}

func TestInviteClientTransaction_CancelAnsweredNoFinal(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l, stop := startLoop()
		defer stop()

		tp := newStubTransport(l)
		core := new(stubCore)
		tx := newInviteClientTx(t, l, tp, core, udpTarget, false)
		req := tp.requests(sip.RequestMethodInvite)[0].req

		if err := recvResponse(t, l, tx, sip.NewResponse(req, sip.ResponseStatusRinging, "")); err != nil {
			t.Fatalf("tx.ReceiveResponse(180) error = %v, want nil", err)
		}

		var err error
		onLoop(t, l, func() { err = tx.DoCancel(t.Context()) })
		if err != nil {
			t.Fatalf("tx.DoCancel() error = %v, want nil", err)
		}
		cancel := tp.requests(sip.RequestMethodCancel)[0].req

		// CANCEL is retransmitted until answered
		sleep(time.Second + time.Millisecond)
		if got := len(tp.requests(sip.RequestMethodCancel)); got != 2 {
			t.Fatalf("CANCEL sent %d times, want 2", got)
		}

		onLoop(t, l, func() { err = tx.ReceiveCancelResponse(t.Context(), sip.NewResponse(cancel, sip.ResponseStatusOK, "")) })
		if err != nil {
			t.Fatalf("tx.ReceiveCancelResponse(200) error = %v, want nil", err)
		}

		sleep(sip.CancelGrace - time.Millisecond)
		assertState(t, l, tx, sip.TransactionStateProceeding)

		sleep(2 * time.Millisecond)
		assertState(t, l, tx, sip.TransactionStateTerminated)
		assertEvents(t, core, []string{"response 180", "terminated"})
		if got := len(tp.requests(sip.RequestMethodCancel)); got != 2 {
			t.Fatalf("CANCEL sent %d times after answer, want 2", got)
		}
	})
}

func TestInviteClientTransaction_CancelAfterFinal(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l, stop := startLoop()
		defer stop()

		tp := newStubTransport(l)
		tx := newInviteClientTx(t, l, tp, new(stubCore), udpTarget, false)
		req := tp.requests(sip.RequestMethodInvite)[0].req

		if err := recvResponse(t, l, tx, sip.NewResponse(req, sip.ResponseStatusNotFound, "")); err != nil {
			t.Fatalf("tx.ReceiveResponse(404) error = %v, want nil", err)
		}

		var err error
		onLoop(t, l, func() { err = tx.DoCancel(t.Context()) })
		if !errors.Is(err, sip.ErrInvalidTransition) {
			t.Fatalf("tx.DoCancel() error = %v, want %v", err, sip.ErrInvalidTransition)
		}
		if got := len(tp.requests(sip.RequestMethodCancel)); got != 0 {
			t.Fatalf("CANCEL sent %d times, want 0", got)
		}

		onLoop(t, l, func() { tx.Terminate(t.Context()) })
	})
}

func TestInviteClientTransaction_TimerC(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l, stop := startLoop()
		defer stop()

		tp := newStubTransport(l)
		core := new(stubCore)
		tx := newInviteClientTx(t, l, tp, core, tcpTarget, true)
		req := tp.requests(sip.RequestMethodInvite)[0].req

		if err := recvResponse(t, l, tx, sip.NewResponse(req, sip.ResponseStatusRinging, "")); err != nil {
			t.Fatalf("tx.ReceiveResponse(180) error = %v, want nil", err)
		}

		// 180 restarts Timer C, a second 180 just before expiry pushes it again
		sleep(testTimings.TimeC() - time.Second)
		if err := recvResponse(t, l, tx, sip.NewResponse(req, sip.ResponseStatusSessionProgress, "")); err != nil {
			t.Fatalf("tx.ReceiveResponse(183) error = %v, want nil", err)
		}
		sleep(testTimings.TimeC() - time.Second)
		assertEvents(t, core, []string{"response 180", "response 183"})

		sleep(time.Second + time.Millisecond)
		assertEvents(t, core, []string{"response 180", "response 183", "invite timeout"})
		assertState(t, l, tx, sip.TransactionStateProceeding)

		onLoop(t, l, func() { tx.Terminate(t.Context()) })
		assertEvents(t, core, []string{"response 180", "response 183", "invite timeout", "terminated"})
	})
}

func TestInviteClientTransaction_ConnectionFailed(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l, stop := startLoop()
		defer stop()

		tp := newStubTransport(l)
		tp.setFailure(sip.RequestMethodInvite, sip.ErrConnectionFailed)
		core := new(stubCore)
		tx := newInviteClientTx(t, l, tp, core, tcpTarget, false)
		synctest.Wait()

		assertState(t, l, tx, sip.TransactionStateTerminated)
		assertEvents(t, core, []string{"connection failed", "terminated"})
	})
}

func TestInviteClientTransaction_TLSValidationFailed(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l, stop := startLoop()
		defer stop()

		tp := newStubTransport(l)
		tp.setFailure(sip.RequestMethodInvite, sip.ErrTLSValidationFailed)
		core := new(stubCore)
		dst := tcpTarget
		dst.Transport = sip.TransportTLS
		dst.Port = 5061
		tx := newInviteClientTx(t, l, tp, core, dst, false)
		synctest.Wait()

		assertState(t, l, tx, sip.TransactionStateTerminated)
		assertEvents(t, core, []string{"tls validation failed", "terminated"})
	})
}

func TestInviteClientTransaction_ForeignResponse(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l, stop := startLoop()
		defer stop()

		tp := newStubTransport(l)
		core := new(stubCore)
		tx := newInviteClientTx(t, l, tp, core, udpTarget, false)

		other := newRequest(t, sip.RequestMethodInvite, sip.GenerateBranch())
		if err := recvResponse(t, l, tx, sip.NewResponse(other, sip.ResponseStatusRinging, "")); err == nil {
			t.Fatal("tx.ReceiveResponse(foreign 180) error = nil, want error")
		}
		assertState(t, l, tx, sip.TransactionStateCalling)
		assertEvents(t, core, nil)

		onLoop(t, l, func() { tx.Terminate(t.Context()) })
	})
}
