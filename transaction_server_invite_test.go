package siptx_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	siptx "github.com/arcavoip/siptx"
)

func TestInviteServerTransaction_Auto100(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	req := newInviteReq(t, "z9hG4bK.srv-auto-100")

	tx, err := siptx.NewInviteServerTransaction(req, tp, testRemoteAddr, &siptx.ServerTransactionOptions{
		Timings: testTimings(),
	})
	if err != nil {
		t.Fatalf("siptx.NewInviteServerTransaction() error = %v, want nil", err)
	}
	defer closeTransact(t, tx)

	if got, want := tx.State(), siptx.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// No response from the application: the transaction answers with an
	// automatic 100 Trying.
	res := tp.waitSendRes(t, 500*time.Millisecond)
	if res.StatusCode != sip.StatusTrying {
		t.Fatalf("auto response status = %d, want %d", res.StatusCode, sip.StatusTrying)
	}
	if got, want := tx.State(), siptx.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}

func TestInviteServerTransaction_Completed(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	req := newInviteReq(t, "z9hG4bK.srv-completed")

	tx, err := siptx.NewInviteServerTransaction(req, tp, testRemoteAddr, &siptx.ServerTransactionOptions{
		Timings:        testTimings(),
		DisableAuto100: true,
	})
	if err != nil {
		t.Fatalf("siptx.NewInviteServerTransaction() error = %v, want nil", err)
	}
	defer closeTransact(t, tx)

	ctx := t.Context()

	if err := tx.Respond(ctx, newRes(t, req, statusRinging, "Ringing")); err != nil {
		t.Fatalf("tx.Respond(180) error = %v, want nil", err)
	}
	res := tp.waitSendRes(t, 100*time.Millisecond)
	if res.StatusCode != statusRinging {
		t.Fatalf("provisional status = %d, want %d", res.StatusCode, statusRinging)
	}

	// A retransmitted INVITE gets the last response again.
	if err := tx.RecvRequest(ctx, req); err != nil {
		t.Fatalf("tx.RecvRequest(INVITE retransmit) error = %v, want nil", err)
	}
	res = tp.waitSendRes(t, 100*time.Millisecond)
	if res.StatusCode != statusRinging {
		t.Fatalf("retransmit status = %d, want %d", res.StatusCode, statusRinging)
	}

	final := newRes(t, req, statusBusyHere, "Busy Here")
	if err := tx.Respond(ctx, final); err != nil {
		t.Fatalf("tx.Respond(486) error = %v, want nil", err)
	}
	waitForTransactState(t, tx, siptx.TransactionStateCompleted, time.Second)
	res = tp.waitSendRes(t, 100*time.Millisecond)
	if res.StatusCode != statusBusyHere {
		t.Fatalf("final status = %d, want %d", res.StatusCode, statusBusyHere)
	}

	// Timer G retransmits the final response on unreliable transport.
	res = tp.waitSendRes(t, 200*time.Millisecond)
	if res.StatusCode != statusBusyHere {
		t.Fatalf("timer G retransmit status = %d, want %d", res.StatusCode, statusBusyHere)
	}

	ackCh := make(chan *sip.Request, 2)
	tx.OnAck(func(_ context.Context, _ *siptx.InviteServerTransaction, ack *sip.Request) {
		ackCh <- ack
	})

	if err := tx.RecvRequest(ctx, newAckReq(t, req, final)); err != nil {
		t.Fatalf("tx.RecvRequest(ACK) error = %v, want nil", err)
	}
	select {
	case ack := <-ackCh:
		if ack.Method != sip.ACK {
			t.Fatalf("ack method = %q, want %q", ack.Method, sip.ACK)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the ACK to reach the callback")
	}
	if got, want := tx.State(), siptx.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// Timer I moves the transaction to terminated.
	waitForTransactState(t, tx, siptx.TransactionStateTerminated, time.Second)
}

func TestInviteServerTransaction_Success(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)
	req := newInviteReq(t, "z9hG4bK.srv-success")

	tx, err := siptx.NewInviteServerTransaction(req, tp, testRemoteAddr, &siptx.ServerTransactionOptions{
		Timings:        testTimings(),
		DisableAuto100: true,
	})
	if err != nil {
		t.Fatalf("siptx.NewInviteServerTransaction() error = %v, want nil", err)
	}
	defer closeTransact(t, tx)

	if err := tx.Respond(t.Context(), newRes(t, req, sip.StatusOK, "OK")); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}

	res := tp.waitSendRes(t, 100*time.Millisecond)
	if res.StatusCode != sip.StatusOK {
		t.Fatalf("final status = %d, want %d", res.StatusCode, sip.StatusOK)
	}

	// A 2xx terminates the INVITE server transaction immediately: 2xx
	// retransmissions and their ACK belong to the layer above.
	waitForTransactState(t, tx, siptx.TransactionStateTerminated, time.Second)
	tp.ensureNoSend(t, 60*time.Millisecond)
}

func TestInviteServerTransaction_TimerH(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)
	req := newInviteReq(t, "z9hG4bK.srv-timer-h")

	// T1 of 2ms puts timer H at 128ms.
	tx, err := siptx.NewInviteServerTransaction(req, tp, testRemoteAddr, &siptx.ServerTransactionOptions{
		Timings:        siptx.NewTimings(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond, 16*time.Millisecond, 4*time.Millisecond),
		DisableAuto100: true,
	})
	if err != nil {
		t.Fatalf("siptx.NewInviteServerTransaction() error = %v, want nil", err)
	}
	defer closeTransact(t, tx)

	events := tx.Subscribe()

	if err := tx.Respond(t.Context(), newRes(t, req, statusBusyHere, "Busy Here")); err != nil {
		t.Fatalf("tx.Respond(486) error = %v, want nil", err)
	}

	// No ACK arrives: timer H times the transaction out.
	waitForTransactState(t, tx, siptx.TransactionStateTerminated, time.Second)

	var timedOut bool
	for ev := range events {
		if _, ok := ev.(siptx.TimeoutEvent); ok {
			timedOut = true
		}
	}
	if !timedOut {
		t.Fatalf("expected a timeout event")
	}
}

func TestInviteServerTransaction_RejectsNonInvite(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)
	req := newNonInviteReq(t, "z9hG4bK.srv-wrong-method")

	if _, err := siptx.NewInviteServerTransaction(req, tp, testRemoteAddr, nil); !errors.Is(err, siptx.ErrMethodNotAllowed) {
		t.Fatalf("siptx.NewInviteServerTransaction(OPTIONS) error = %v, want %v", err, siptx.ErrMethodNotAllowed)
	}
}
