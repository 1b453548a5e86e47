package siptx

import (
	"context"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"

	"github.com/arcavoip/siptx/internal/errorutil"
	"github.com/arcavoip/siptx/internal/timeutil"
	"github.com/arcavoip/siptx/internal/types"
)

// INVITE server transaction timer triggers.
const (
	txEvtTimer1xx = "timer_1xx"
	txEvtTimerG   = "timer_g"
	txEvtTimerH   = "timer_h"
	txEvtTimerI   = "timer_i"
)

// TransactionAckHandler consumes the ACK request received by an INVITE
// server transaction for its non-2xx final response.
type TransactionAckHandler = func(ctx context.Context, tx *InviteServerTransaction, ack *sip.Request)

// InviteServerTransaction implements the INVITE server transaction defined
// in RFC 3261 section 17.2.1.
//
// A 2xx final response moves the transaction straight to the terminated
// state: 2xx retransmission and its acknowledgement belong to the layer
// above. For non-2xx final responses the transaction absorbs the ACK and
// stays in the completed state until Timer I fires.
type InviteServerTransaction struct {
	*serverTransact

	tmr1xx atomic.Pointer[timeutil.Timer]
	tmrG   atomic.Pointer[timeutil.Timer]
	tmrH   atomic.Pointer[timeutil.Timer]
	tmrI   atomic.Pointer[timeutil.Timer]

	backoffG *timeutil.Backoff

	onAck       types.CallbackManager[TransactionAckHandler]
	pendingAcks types.Buffer[*sip.Request]
}

// NewInviteServerTransaction creates a new INVITE server transaction.
//
// The transaction starts in the proceeding state. Unless disabled through
// the options, it automatically sends a "100 Trying" response when the
// application passes no response within the deferred-response interval.
func NewInviteServerTransaction(
	req *sip.Request,
	tp Transport,
	src netip.AddrPort,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	if req != nil && req.Method != sip.INVITE {
		return nil, errtrace.Wrap(NewInvalidArgumentError(
			errorutil.NewWrapperError(ErrMethodNotAllowed, "%q request", req.Method),
		))
	}

	tx := &InviteServerTransaction{}
	base, err := newServerTransact(
		TransactionTypeServerInvite, tx,
		req, tp, src,
		TransactionStateProceeding,
		opts,
	)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = base
	// Timer G doubles up to T2.
	tx.backoffG = timeutil.NewBackoff(tx.timings.TimeG(), tx.timings.T2())

	tx.initFSM()

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendProvisional).
		InternalTransition(txEvtTimer1xx, tx.actSend100).
		Permit(txEvtSend2xx, TransactionStateTerminated).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerG, tx.actResendRes).
		InternalTransition(txEvtRecvAck, tx.actAckReceived).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		InternalTransition(txEvtTerminate, tx.actNoop)

	if !opts.disableAuto100() {
		tx.tmr1xx.Store(timeutil.AfterFunc(tx.timings.Time100(), func() { tx.postTimer(txEvtTimer1xx) }))
	}

	tx.start()

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug,
		"INVITE server transaction created",
		slog.Any("transaction", tx),
	)

	return tx, nil
}

// OnAck registers a callback to be called when the transaction receives
// the ACK for its non-2xx final response.
//
// The callback is invoked from the transaction driver goroutine; it must not
// call blocking transaction operations.
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *InviteServerTransaction) OnAck(fn TransactionAckHandler) (cancel func()) {
	cancel = tx.onAck.Add(fn)
	tx.deliverPendingAcks()
	return cancel
}

func (tx *InviteServerTransaction) deliverPendingAcks() {
	acks := tx.pendingAcks.Drain()
	if len(acks) == 0 {
		return
	}

	tx.onAck.Range(func(fn TransactionAckHandler) {
		for _, ack := range acks {
			fn(tx.ctx, tx, ack)
		}
	})
}

func (tx *InviteServerTransaction) actSendProvisional(ctx context.Context, args ...any) error {
	if t := tx.tmr1xx.Swap(nil); t != nil {
		t.Stop()
	}
	return errtrace.Wrap(tx.actSendRes(ctx, args...))
}

// actSend100 sends the automatic "100 Trying" response when the application
// passed no response within the deferred-response interval.
func (tx *InviteServerTransaction) actSend100(ctx context.Context, _ ...any) error {
	if tx.lastRes.Load() != nil {
		return nil
	}

	res := sip.NewResponseFromRequest(tx.req, sip.StatusTrying, "Trying", nil)
	return errtrace.Wrap(tx.actSendRes(ctx, res))
}

// actCompleted shadows the shared hook to arm the completed-state timers:
// Timer G drives final response retransmissions and Timer H bounds the wait
// for the ACK.
func (tx *InviteServerTransaction) actCompleted(ctx context.Context, args ...any) error {
	if t := tx.tmr1xx.Swap(nil); t != nil {
		t.Stop()
	}

	if !tx.reliable {
		tx.tmrG.Store(timeutil.AfterFunc(tx.backoffG.Current(), func() { tx.postTimer(txEvtTimerG) }))
	}
	tx.tmrH.Store(timeutil.AfterFunc(tx.timings.TimeH(), func() { tx.postTimer(txEvtTimerH) }))

	return errtrace.Wrap(tx.serverTransact.actCompleted(ctx, args...))
}

// actAckReceived absorbs the ACK for the non-2xx final response: final
// response retransmissions stop and Timer I bounds the absorption of ACK
// retransmissions. Repeated ACKs only reach the registered callbacks.
func (tx *InviteServerTransaction) actAckReceived(ctx context.Context, args ...any) error {
	ack := args[0].(*sip.Request) //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"ACK received",
		slog.Any("transaction", tx),
	)

	if t := tx.tmrG.Swap(nil); t != nil {
		t.Stop()
	}
	if t := tx.tmrH.Swap(nil); t != nil {
		t.Stop()
	}

	if tx.tmrI.Load() == nil {
		timeI := tx.timings.TimeI()
		if tx.reliable {
			timeI = 0
		}
		tx.tmrI.Store(timeutil.AfterFunc(timeI, func() { tx.postTimer(txEvtTimerI) }))
	}

	tx.pendingAcks.Append(ack)
	if tx.onAck.Len() > 0 {
		tx.deliverPendingAcks()
	}
	return nil
}

func (tx *InviteServerTransaction) handleTimer(ctx context.Context, name string) error {
	switch name {
	case txEvtTimer1xx:
		if tx.tmr1xx.Swap(nil) == nil || tx.State() != TransactionStateProceeding {
			return nil
		}
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTimer1xx))
	case txEvtTimerG:
		t := tx.tmrG.Load()
		if t == nil || tx.State() != TransactionStateCompleted {
			return nil
		}
		if err := tx.fsm.FireCtx(ctx, txEvtTimerG); err != nil {
			return errtrace.Wrap(err)
		}
		t.Reset(tx.backoffG.Next())
		return nil
	case txEvtTimerH:
		if tx.tmrH.Swap(nil) == nil || tx.State() != TransactionStateCompleted {
			return nil
		}
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTimerH))
	case txEvtTimerI:
		if tx.tmrI.Swap(nil) == nil || tx.State() != TransactionStateCompleted {
			return nil
		}
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTimerI))
	}
	return errtrace.Wrap(errorutil.Errorf("unknown timer %q", name))
}

func (tx *InviteServerTransaction) stopTimers(context.Context) {
	if t := tx.tmr1xx.Swap(nil); t != nil {
		t.Stop()
	}
	if t := tx.tmrG.Swap(nil); t != nil {
		t.Stop()
	}
	if t := tx.tmrH.Swap(nil); t != nil {
		t.Stop()
	}
	if t := tx.tmrI.Swap(nil); t != nil {
		t.Stop()
	}
}
