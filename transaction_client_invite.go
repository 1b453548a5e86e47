package siptx

import (
	"context"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"

	"github.com/arcavoip/siptx/internal/errorutil"
	"github.com/arcavoip/siptx/internal/log"
	"github.com/arcavoip/siptx/internal/timeutil"
)

// INVITE client transaction timer triggers.
const (
	txEvtTimerA = "timer_a"
	txEvtTimerB = "timer_b"
	txEvtTimerD = "timer_d"
)

// InviteClientTransaction implements the INVITE client transaction defined
// in RFC 3261 section 17.1.1.
//
// A 2xx response moves the transaction straight to the terminated state;
// acknowledgement of 2xx responses belongs to the layer above. The ACK for
// non-2xx final responses is generated by the transaction itself.
type InviteClientTransaction struct {
	*clientTransact

	tmrA     atomic.Pointer[timeutil.Timer]
	tmrB     atomic.Pointer[timeutil.Timer]
	tmrD     atomic.Pointer[timeutil.Timer]
	backoffA *timeutil.Backoff

	ack atomic.Pointer[sip.Request]
}

// NewInviteClientTransaction creates a new INVITE client transaction.
//
// The transaction stays in the initial state until [InviteClientTransaction.SendRequest]
// is called.
func NewInviteClientTransaction(
	req *sip.Request,
	tp Transport,
	dst netip.AddrPort,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	if req != nil && req.Method != sip.INVITE {
		return nil, errtrace.Wrap(NewInvalidArgumentError(
			errorutil.NewWrapperError(ErrMethodNotAllowed, "%q request", req.Method),
		))
	}

	tx := &InviteClientTransaction{}
	base, err := newClientTransact(
		TransactionTypeClientInvite, tx,
		req, tp, dst,
		TransactionStateCalling,
		opts,
	)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = base
	// Timer A doubles without a cap.
	tx.backoffA = timeutil.NewBackoff(tx.timings.TimeA(), 0)

	tx.initFSM()

	tx.fsm.Configure(TransactionStateInitial).
		Permit(txEvtInit, TransactionStateCalling).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCalling).
		OnEntryFrom(txEvtInit, tx.actCalling).
		InternalTransition(txEvtTimerA, tx.actResend).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		InternalTransition(txEvtTerminate, tx.actNoop)

	tx.start()

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug,
		"INVITE client transaction created",
		slog.Any("transaction", tx),
	)

	return tx, nil
}

// Ack returns the ACK request generated for a non-2xx final response,
// or nil if no final response was acknowledged yet.
func (tx *InviteClientTransaction) Ack() *sip.Request {
	if tx == nil {
		return nil
	}
	return tx.ack.Load()
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context, args ...any) error {
	if err := tx.actSendReq(ctx, args...); err != nil {
		// Transport error on the first send, timers are pointless.
		return errtrace.Wrap(err)
	}

	if !tx.reliable {
		tx.tmrA.Store(timeutil.AfterFunc(tx.backoffA.Current(), func() { tx.postTimer(txEvtTimerA) }))
	}
	tx.tmrB.Store(timeutil.AfterFunc(tx.timings.TimeB(), func() { tx.postTimer(txEvtTimerB) }))
	return nil
}

func (tx *InviteClientTransaction) actResend(ctx context.Context, args ...any) error {
	return errtrace.Wrap(tx.actSendReq(ctx, args...))
}

// actCompleted here shadows the shared hook to also manage the INVITE timers:
// retransmissions stop and Timer D bounds the absorption of late final
// response retransmissions.
func (tx *InviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	if t := tx.tmrA.Swap(nil); t != nil {
		t.Stop()
	}
	if t := tx.tmrB.Swap(nil); t != nil {
		t.Stop()
	}

	timeD := tx.timings.TimeD()
	if tx.reliable {
		timeD = 0
	}
	tx.tmrD.Store(timeutil.AfterFunc(timeD, func() { tx.postTimer(txEvtTimerD) }))

	return errtrace.Wrap(tx.clientTransact.actCompleted(ctx, args...))
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, args ...any) error {
	if t := tx.tmrA.Swap(nil); t != nil {
		t.Stop()
	}
	return errtrace.Wrap(tx.clientTransact.actProceeding(ctx, args...))
}

func (tx *InviteClientTransaction) actSendAck(ctx context.Context, args ...any) error {
	res, ok := args[0].(*sip.Response)
	if !ok {
		res = tx.LastResponse()
	}
	if res == nil {
		return nil
	}

	ack := tx.ack.Load()
	if ack == nil {
		ack = newAckRequest(tx.req, res)
		tx.ack.Store(ack)
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"send ACK request",
		slog.Any("transaction", tx),
		slog.Any("request", log.FmtValue(ack, false)),
	)

	return errtrace.Wrap(tx.sendReq(ctx, ack))
}

func (tx *InviteClientTransaction) actPassRes(ctx context.Context, args ...any) error {
	if err := tx.clientTransact.actPassRes(ctx, args...); err != nil {
		return errtrace.Wrap(err)
	}

	res := args[0].(*sip.Response) //nolint:forcetypeassert
	if res.StatusCode >= 300 {
		// Non-2xx final responses are acknowledged by the transaction itself.
		return errtrace.Wrap(tx.actSendAck(ctx, args...))
	}
	return nil
}

func (tx *InviteClientTransaction) handleTimer(ctx context.Context, name string) error {
	switch name {
	case txEvtTimerA:
		t := tx.tmrA.Load()
		if t == nil || tx.State() != TransactionStateCalling {
			return nil
		}
		if err := tx.fsm.FireCtx(ctx, txEvtTimerA); err != nil {
			return errtrace.Wrap(err)
		}
		t.Reset(tx.backoffA.Next())
		return nil
	case txEvtTimerB:
		if tx.tmrB.Swap(nil) == nil || tx.State() != TransactionStateCalling {
			return nil
		}
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTimerB))
	case txEvtTimerD:
		if tx.tmrD.Swap(nil) == nil || tx.State() != TransactionStateCompleted {
			return nil
		}
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTimerD))
	}
	return errtrace.Wrap(errorutil.Errorf("unknown timer %q", name))
}

func (tx *InviteClientTransaction) stopTimers(context.Context) {
	if t := tx.tmrA.Swap(nil); t != nil {
		t.Stop()
	}
	if t := tx.tmrB.Swap(nil); t != nil {
		t.Stop()
	}
	if t := tx.tmrD.Swap(nil); t != nil {
		t.Stop()
	}
}
