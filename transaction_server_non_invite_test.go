package siptx_test

import (
	"errors"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	siptx "github.com/arcavoip/siptx"
)

func TestNonInviteServerTransaction_Completed(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	req := newNonInviteReq(t, "z9hG4bK.noninv-srv-completed")

	// T1 of 2ms puts timer J at 128ms.
	tx, err := siptx.NewNonInviteServerTransaction(req, tp, testRemoteAddr, &siptx.ServerTransactionOptions{
		Timings: siptx.NewTimings(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond, 16*time.Millisecond, 4*time.Millisecond),
	})
	if err != nil {
		t.Fatalf("siptx.NewNonInviteServerTransaction() error = %v, want nil", err)
	}
	defer closeTransact(t, tx)

	if got, want := tx.State(), siptx.TransactionStateTrying; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	ctx := t.Context()

	// Request retransmissions before any response are absorbed silently.
	if err := tx.RecvRequest(ctx, req); err != nil {
		t.Fatalf("tx.RecvRequest(retransmit) error = %v, want nil", err)
	}
	tp.ensureNoSend(t, 30*time.Millisecond)

	if err := tx.Respond(ctx, newRes(t, req, statusRinging, "Ringing")); err != nil {
		t.Fatalf("tx.Respond(180) error = %v, want nil", err)
	}
	waitForTransactState(t, tx, siptx.TransactionStateProceeding, time.Second)
	res := tp.waitSendRes(t, 100*time.Millisecond)
	if res.StatusCode != statusRinging {
		t.Fatalf("provisional status = %d, want %d", res.StatusCode, statusRinging)
	}

	// A retransmitted request gets the last response again.
	if err := tx.RecvRequest(ctx, req); err != nil {
		t.Fatalf("tx.RecvRequest(retransmit) error = %v, want nil", err)
	}
	res = tp.waitSendRes(t, 100*time.Millisecond)
	if res.StatusCode != statusRinging {
		t.Fatalf("retransmit status = %d, want %d", res.StatusCode, statusRinging)
	}

	if err := tx.Respond(ctx, newRes(t, req, sip.StatusOK, "OK")); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	waitForTransactState(t, tx, siptx.TransactionStateCompleted, time.Second)
	res = tp.waitSendRes(t, 100*time.Millisecond)
	if res.StatusCode != sip.StatusOK {
		t.Fatalf("final status = %d, want %d", res.StatusCode, sip.StatusOK)
	}

	// Retransmissions after the final response still get the final response.
	if err := tx.RecvRequest(ctx, req); err != nil {
		t.Fatalf("tx.RecvRequest(retransmit) error = %v, want nil", err)
	}
	res = tp.waitSendRes(t, 100*time.Millisecond)
	if res.StatusCode != sip.StatusOK {
		t.Fatalf("post-final retransmit status = %d, want %d", res.StatusCode, sip.StatusOK)
	}

	// Timer J moves the transaction to terminated.
	waitForTransactState(t, tx, siptx.TransactionStateTerminated, time.Second)
}

func TestNonInviteServerTransaction_ReliableSkipsTimerJ(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)
	req := newNonInviteReq(t, "z9hG4bK.noninv-srv-reliable")

	tx, err := siptx.NewNonInviteServerTransaction(req, tp, testRemoteAddr, &siptx.ServerTransactionOptions{
		Timings: testTimings(),
	})
	if err != nil {
		t.Fatalf("siptx.NewNonInviteServerTransaction() error = %v, want nil", err)
	}
	defer closeTransact(t, tx)

	if err := tx.Respond(t.Context(), newRes(t, req, statusNotFound, "Not Found")); err != nil {
		t.Fatalf("tx.Respond(404) error = %v, want nil", err)
	}

	res := tp.waitSendRes(t, 100*time.Millisecond)
	if res.StatusCode != statusNotFound {
		t.Fatalf("final status = %d, want %d", res.StatusCode, statusNotFound)
	}

	// Timer J is zero on reliable transport: completed collapses to terminated.
	waitForTransactState(t, tx, siptx.TransactionStateTerminated, time.Second)
}

func TestNonInviteServerTransaction_TransportError(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)
	tp.sendHook = func(sendCall, int) error {
		return errors.New("network unreachable")
	}
	req := newNonInviteReq(t, "z9hG4bK.server-transp-err")

	tx, err := siptx.NewNonInviteServerTransaction(req, tp, testRemoteAddr, &siptx.ServerTransactionOptions{
		Timings: testTimings(),
	})
	if err != nil {
		t.Fatalf("siptx.NewNonInviteServerTransaction() error = %v, want nil", err)
	}
	defer closeTransact(t, tx)

	events := tx.Subscribe()

	if err := tx.Respond(t.Context(), newRes(t, req, sip.StatusOK, "OK")); err == nil {
		t.Fatalf("tx.Respond() error = nil, want a transport error")
	}

	waitForTransactState(t, tx, siptx.TransactionStateTerminated, time.Second)

	var gotErr bool
	for ev := range events {
		if tev, ok := ev.(siptx.TransportErrorEvent); ok {
			gotErr = true
			if tev.Err == nil {
				t.Fatalf("transport error event carries no error")
			}
		}
	}
	if !gotErr {
		t.Fatalf("expected a transport error event")
	}
}

func TestNonInviteServerTransaction_RejectsInviteAndAck(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)

	invite := newInviteReq(t, "z9hG4bK.noninv-srv-invite")
	if _, err := siptx.NewNonInviteServerTransaction(invite, tp, testRemoteAddr, nil); !errors.Is(err, siptx.ErrMethodNotAllowed) {
		t.Fatalf("siptx.NewNonInviteServerTransaction(INVITE) error = %v, want %v", err, siptx.ErrMethodNotAllowed)
	}

	ack := newAckReq(t, invite, newRes(t, invite, statusBusyHere, "Busy Here"))
	if _, err := siptx.NewNonInviteServerTransaction(ack, tp, testRemoteAddr, nil); !errors.Is(err, siptx.ErrMethodNotAllowed) {
		t.Fatalf("siptx.NewNonInviteServerTransaction(ACK) error = %v, want %v", err, siptx.ErrMethodNotAllowed)
	}
}

func TestNewServerTransaction_Factory(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)

	tx, err := siptx.NewServerTransaction(newInviteReq(t, "z9hG4bK.srv-factory-invite"), tp, testRemoteAddr, &siptx.ServerTransactionOptions{
		Timings:        testTimings(),
		DisableAuto100: true,
	})
	if err != nil {
		t.Fatalf("siptx.NewServerTransaction(INVITE) error = %v, want nil", err)
	}
	defer closeTransact(t, tx)
	if _, ok := tx.(*siptx.InviteServerTransaction); !ok {
		t.Fatalf("siptx.NewServerTransaction(INVITE) type = %T, want *siptx.InviteServerTransaction", tx)
	}
	if got, want := tx.Type(), siptx.TransactionTypeServerInvite; got != want {
		t.Fatalf("tx.Type() = %q, want %q", got, want)
	}

	tx2, err := siptx.NewServerTransaction(newNonInviteReq(t, "z9hG4bK.srv-factory-options"), tp, testRemoteAddr, &siptx.ServerTransactionOptions{
		Timings: testTimings(),
	})
	if err != nil {
		t.Fatalf("siptx.NewServerTransaction(OPTIONS) error = %v, want nil", err)
	}
	defer closeTransact(t, tx2)
	if _, ok := tx2.(*siptx.NonInviteServerTransaction); !ok {
		t.Fatalf("siptx.NewServerTransaction(OPTIONS) type = %T, want *siptx.NonInviteServerTransaction", tx2)
	}
}
