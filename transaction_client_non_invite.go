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
)

// Non-INVITE client transaction timer triggers.
const (
	txEvtTimerE = "timer_e"
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

// NonInviteClientTransaction implements the non-INVITE client transaction
// defined in RFC 3261 section 17.1.2. It also serves CANCEL requests, which
// run an ordinary non-INVITE transaction correlated to the canceled INVITE
// through [NonInviteClientTransaction.CanceledKey].
type NonInviteClientTransaction struct {
	*clientTransact

	tmrE     atomic.Pointer[timeutil.Timer]
	tmrF     atomic.Pointer[timeutil.Timer]
	tmrK     atomic.Pointer[timeutil.Timer]
	backoffE *timeutil.Backoff
}

// NewNonInviteClientTransaction creates a new non-INVITE client transaction.
//
// The transaction stays in the initial state until [NonInviteClientTransaction.SendRequest]
// is called.
func NewNonInviteClientTransaction(
	req *sip.Request,
	tp Transport,
	dst netip.AddrPort,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	if req != nil && (req.Method == sip.INVITE || req.Method == sip.ACK) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(
			errorutil.NewWrapperError(ErrMethodNotAllowed, "%q request", req.Method),
		))
	}

	tx := &NonInviteClientTransaction{}
	base, err := newClientTransact(
		TransactionTypeClientNonInvite, tx,
		req, tp, dst,
		TransactionStateTrying,
		opts,
	)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = base
	// Timer E doubles up to T2.
	tx.backoffE = timeutil.NewBackoff(tx.timings.TimeE(), tx.timings.T2())

	tx.initFSM()

	tx.fsm.Configure(TransactionStateInitial).
		Permit(txEvtInit, TransactionStateTrying).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTrying).
		OnEntryFrom(txEvtInit, tx.actTrying).
		InternalTransition(txEvtTimerE, tx.actResend).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actResend).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		InternalTransition(txEvtTerminate, tx.actNoop)

	tx.start()

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug,
		"non-INVITE client transaction created",
		slog.Any("transaction", tx),
	)

	return tx, nil
}

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context, args ...any) error {
	if err := tx.actSendReq(ctx, args...); err != nil {
		return errtrace.Wrap(err)
	}

	if !tx.reliable {
		tx.tmrE.Store(timeutil.AfterFunc(tx.backoffE.Current(), func() { tx.postTimer(txEvtTimerE) }))
	}
	tx.tmrF.Store(timeutil.AfterFunc(tx.timings.TimeF(), func() { tx.postTimer(txEvtTimerF) }))
	return nil
}

func (tx *NonInviteClientTransaction) actResend(ctx context.Context, args ...any) error {
	return errtrace.Wrap(tx.actSendReq(ctx, args...))
}

// actCompleted shadows the shared hook to also stop the retransmission
// timers and start Timer K, which absorbs late response retransmissions.
func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	if t := tx.tmrE.Swap(nil); t != nil {
		t.Stop()
	}
	if t := tx.tmrF.Swap(nil); t != nil {
		t.Stop()
	}

	timeK := tx.timings.TimeK()
	if tx.reliable {
		timeK = 0
	}
	tx.tmrK.Store(timeutil.AfterFunc(timeK, func() { tx.postTimer(txEvtTimerK) }))

	return errtrace.Wrap(tx.clientTransact.actCompleted(ctx, args...))
}

func (tx *NonInviteClientTransaction) handleTimer(ctx context.Context, name string) error {
	switch name {
	case txEvtTimerE:
		t := tx.tmrE.Load()
		if t == nil {
			return nil
		}
		switch tx.State() {
		case TransactionStateTrying:
			if err := tx.fsm.FireCtx(ctx, txEvtTimerE); err != nil {
				return errtrace.Wrap(err)
			}
			t.Reset(tx.backoffE.Next())
		case TransactionStateProceeding:
			if err := tx.fsm.FireCtx(ctx, txEvtTimerE); err != nil {
				return errtrace.Wrap(err)
			}
			// Retransmissions flatten out at T2 once a provisional arrived.
			t.Reset(tx.timings.T2())
		}
		return nil
	case txEvtTimerF:
		if tx.tmrF.Swap(nil) == nil {
			return nil
		}
		switch tx.State() {
		case TransactionStateTrying, TransactionStateProceeding:
			return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTimerF))
		}
		return nil
	case txEvtTimerK:
		if tx.tmrK.Swap(nil) == nil || tx.State() != TransactionStateCompleted {
			return nil
		}
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTimerK))
	}
	return errtrace.Wrap(errorutil.Errorf("unknown timer %q", name))
}

func (tx *NonInviteClientTransaction) stopTimers(context.Context) {
	if t := tx.tmrE.Swap(nil); t != nil {
		t.Stop()
	}
	if t := tx.tmrF.Swap(nil); t != nil {
		t.Stop()
	}
	if t := tx.tmrK.Swap(nil); t != nil {
		t.Stop()
	}
}
