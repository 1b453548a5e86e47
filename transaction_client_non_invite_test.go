package siptx_test

import (
	"errors"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	siptx "github.com/arcavoip/siptx"
)

func TestNonInviteClientTransaction_Completed(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	req := newNonInviteReq(t, "z9hG4bK.noninv-client-completed")

	tx, err := siptx.NewNonInviteClientTransaction(req, tp, testRemoteAddr, &siptx.ClientTransactionOptions{
		Timings: testTimings(),
	})
	if err != nil {
		t.Fatalf("siptx.NewNonInviteClientTransaction() error = %v, want nil", err)
	}
	defer closeTransact(t, tx)

	ctx := t.Context()

	if err := tx.SendRequest(ctx); err != nil {
		t.Fatalf("tx.SendRequest() error = %v, want nil", err)
	}

	sent := tp.waitSendReq(t, 100*time.Millisecond)
	if sent.Method != sip.OPTIONS {
		t.Fatalf("initial send method = %q, want %q", sent.Method, sip.OPTIONS)
	}
	if got, want := tx.State(), siptx.TransactionStateTrying; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// Timer E retransmits the request on unreliable transport.
	retrans := tp.waitSendReq(t, 200*time.Millisecond)
	if retrans.Method != sip.OPTIONS {
		t.Fatalf("retransmit method = %q, want %q", retrans.Method, sip.OPTIONS)
	}

	if err := tx.RecvResponse(ctx, newRes(t, req, sip.StatusTrying, "Trying")); err != nil {
		t.Fatalf("tx.RecvResponse(100) error = %v, want nil", err)
	}
	waitForTransactState(t, tx, siptx.TransactionStateProceeding, time.Second)
	tp.drainSends()

	if err := tx.RecvResponse(ctx, newRes(t, req, sip.StatusOK, "OK")); err != nil {
		t.Fatalf("tx.RecvResponse(200) error = %v, want nil", err)
	}
	waitForTransactState(t, tx, siptx.TransactionStateCompleted, time.Second)

	// Retransmitted final responses are absorbed without a state change.
	if err := tx.RecvResponse(ctx, newRes(t, req, sip.StatusOK, "OK")); err != nil {
		t.Fatalf("tx.RecvResponse(200 repeat) error = %v, want nil", err)
	}
	if got, want := tx.State(), siptx.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// Timer K moves the transaction to terminated.
	waitForTransactState(t, tx, siptx.TransactionStateTerminated, time.Second)
}

func TestNonInviteClientTransaction_ReliableSkipsWaitTimers(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)
	req := newNonInviteReq(t, "z9hG4bK.noninv-client-reliable")

	tx, err := siptx.NewNonInviteClientTransaction(req, tp, testRemoteAddr, &siptx.ClientTransactionOptions{
		Timings: testTimings(),
	})
	if err != nil {
		t.Fatalf("siptx.NewNonInviteClientTransaction() error = %v, want nil", err)
	}
	defer closeTransact(t, tx)

	ctx := t.Context()
	if err := tx.SendRequest(ctx); err != nil {
		t.Fatalf("tx.SendRequest() error = %v, want nil", err)
	}
	tp.waitSendReq(t, 100*time.Millisecond)

	// No timer E retransmissions on reliable transport.
	tp.ensureNoSend(t, 60*time.Millisecond)

	if err := tx.RecvResponse(ctx, newRes(t, req, statusNotFound, "Not Found")); err != nil {
		t.Fatalf("tx.RecvResponse(404) error = %v, want nil", err)
	}

	// Timer K is zero on reliable transport: completed collapses to terminated.
	waitForTransactState(t, tx, siptx.TransactionStateTerminated, time.Second)
}

func TestNonInviteClientTransaction_TimerF(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)
	req := newNonInviteReq(t, "z9hG4bK.noninv-client-timer-f")

	tx, err := siptx.NewNonInviteClientTransaction(req, tp, testRemoteAddr, &siptx.ClientTransactionOptions{
		Timings: siptx.NewTimings(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond, 16*time.Millisecond, 4*time.Millisecond),
	})
	if err != nil {
		t.Fatalf("siptx.NewNonInviteClientTransaction() error = %v, want nil", err)
	}
	defer closeTransact(t, tx)

	events := tx.Subscribe()

	if err := tx.SendRequest(t.Context()); err != nil {
		t.Fatalf("tx.SendRequest() error = %v, want nil", err)
	}

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

func TestNonInviteClientTransaction_RejectsInviteAndAck(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)

	invite := newInviteReq(t, "z9hG4bK.noninv-client-invite")
	if _, err := siptx.NewNonInviteClientTransaction(invite, tp, testRemoteAddr, nil); !errors.Is(err, siptx.ErrMethodNotAllowed) {
		t.Fatalf("siptx.NewNonInviteClientTransaction(INVITE) error = %v, want %v", err, siptx.ErrMethodNotAllowed)
	}

	ack := newAckReq(t, invite, newRes(t, invite, statusBusyHere, "Busy Here"))
	if _, err := siptx.NewNonInviteClientTransaction(ack, tp, testRemoteAddr, nil); !errors.Is(err, siptx.ErrMethodNotAllowed) {
		t.Fatalf("siptx.NewNonInviteClientTransaction(ACK) error = %v, want %v", err, siptx.ErrMethodNotAllowed)
	}
}

func TestNonInviteClientTransaction_CanceledKey(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)
	req := newNonInviteReq(t, "z9hG4bK.noninv-client-canceled-key")

	inviteKey := siptx.TransactionKey{Branch: "z9hG4bK.canceled-invite", Method: "INVITE"}
	tx, err := siptx.NewNonInviteClientTransaction(req, tp, testRemoteAddr, &siptx.ClientTransactionOptions{
		CanceledKey: inviteKey,
		Timings:     testTimings(),
	})
	if err != nil {
		t.Fatalf("siptx.NewNonInviteClientTransaction() error = %v, want nil", err)
	}
	defer closeTransact(t, tx)

	if got := tx.CanceledKey(); !got.Equal(inviteKey) {
		t.Fatalf("tx.CanceledKey() = %v, want %v", got, inviteKey)
	}
}

func TestNewClientTransaction_Factory(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)

	tx, err := siptx.NewClientTransaction(newInviteReq(t, "z9hG4bK.factory-invite"), tp, testRemoteAddr, &siptx.ClientTransactionOptions{
		Timings: testTimings(),
	})
	if err != nil {
		t.Fatalf("siptx.NewClientTransaction(INVITE) error = %v, want nil", err)
	}
	defer closeTransact(t, tx)
	if _, ok := tx.(*siptx.InviteClientTransaction); !ok {
		t.Fatalf("siptx.NewClientTransaction(INVITE) type = %T, want *siptx.InviteClientTransaction", tx)
	}
	if got, want := tx.Type(), siptx.TransactionTypeClientInvite; got != want {
		t.Fatalf("tx.Type() = %q, want %q", got, want)
	}

	tx2, err := siptx.NewClientTransaction(newNonInviteReq(t, "z9hG4bK.factory-options"), tp, testRemoteAddr, &siptx.ClientTransactionOptions{
		Timings: testTimings(),
	})
	if err != nil {
		t.Fatalf("siptx.NewClientTransaction(OPTIONS) error = %v, want nil", err)
	}
	defer closeTransact(t, tx2)
	if _, ok := tx2.(*siptx.NonInviteClientTransaction); !ok {
		t.Fatalf("siptx.NewClientTransaction(OPTIONS) type = %T, want *siptx.NonInviteClientTransaction", tx2)
	}
}
