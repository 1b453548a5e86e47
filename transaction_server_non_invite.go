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

// Non-INVITE server transaction timer trigger.
const txEvtTimerJ = "timer_j"

// NonInviteServerTransaction implements the non-INVITE server transaction
// defined in RFC 3261 section 17.2.2.
type NonInviteServerTransaction struct {
	*serverTransact

	tmrJ atomic.Pointer[timeutil.Timer]
}

// NewNonInviteServerTransaction creates a new non-INVITE server transaction.
//
// The transaction starts in the trying state.
func NewNonInviteServerTransaction(
	req *sip.Request,
	tp Transport,
	src netip.AddrPort,
	opts *ServerTransactionOptions,
) (*NonInviteServerTransaction, error) {
	if req != nil && (req.Method == sip.INVITE || req.Method == sip.ACK) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(
			errorutil.NewWrapperError(ErrMethodNotAllowed, "%q request", req.Method),
		))
	}

	tx := &NonInviteServerTransaction{}
	base, err := newServerTransact(
		TransactionTypeServerNonInvite, tx,
		req, tp, src,
		TransactionStateTrying,
		opts,
	)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = base

	tx.initFSM()

	tx.fsm.Configure(TransactionStateTrying).
		// Request retransmissions before any response are absorbed silently.
		InternalTransition(txEvtRecvReq, tx.actNoop).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Ignore(txEvtSend1xx).
		Ignore(txEvtSend2xx).
		Ignore(txEvtSend300699).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecvReq).
		InternalTransition(txEvtTerminate, tx.actNoop)

	tx.start()

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug,
		"non-INVITE server transaction created",
		slog.Any("transaction", tx),
	)

	return tx, nil
}

// actCompleted shadows the shared hook to start Timer J, which absorbs
// request retransmissions after the final response.
func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, args ...any) error {
	timeJ := tx.timings.TimeJ()
	if tx.reliable {
		timeJ = 0
	}
	tx.tmrJ.Store(timeutil.AfterFunc(timeJ, func() { tx.postTimer(txEvtTimerJ) }))

	return errtrace.Wrap(tx.serverTransact.actCompleted(ctx, args...))
}

func (tx *NonInviteServerTransaction) handleTimer(ctx context.Context, name string) error {
	switch name {
	case txEvtTimerJ:
		if tx.tmrJ.Swap(nil) == nil || tx.State() != TransactionStateCompleted {
			return nil
		}
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTimerJ))
	}
	return errtrace.Wrap(errorutil.Errorf("unknown timer %q", name))
}

func (tx *NonInviteServerTransaction) stopTimers(context.Context) {
	if t := tx.tmrJ.Swap(nil); t != nil {
		t.Stop()
	}
}
