package siptx

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"reflect"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"

	"github.com/arcavoip/siptx/internal/errorutil"
	"github.com/arcavoip/siptx/internal/log"
)

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// Request returns the request that created the transaction.
	Request() *sip.Request
	// LastResponse returns the last response sent by the transaction.
	LastResponse() *sip.Response
	// Respond passes the response to the transaction for sending.
	Respond(ctx context.Context, res *sip.Response) error
	// MatchRequest checks whether the request matches the server transaction.
	MatchRequest(req *sip.Request) error
	// RecvRequest is called on each inbound request received by the transport layer.
	RecvRequest(ctx context.Context, req *sip.Request) error
}

// NewServerTransaction creates a server transaction of the type matching the
// request method.
func NewServerTransaction(
	req *sip.Request,
	tp Transport,
	src netip.AddrPort,
	opts *ServerTransactionOptions,
) (ServerTransaction, error) {
	if req != nil && req.Method == sip.INVITE {
		return errtrace.Wrap2[ServerTransaction](NewInviteServerTransaction(req, tp, src, opts))
	}
	return errtrace.Wrap2[ServerTransaction](NewNonInviteServerTransaction(req, tp, src, opts))
}

// ServerTransactionOptions contains options for a server transaction.
type ServerTransactionOptions struct {
	// Key is the transaction key that will be used with the transaction.
	// If zero, the key is filled from the request automatically.
	Key TransactionKey
	// Timings is the SIP timing config that will be used with the transaction.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// DisableAuto100 disables the automatic "100 Trying" response an INVITE
	// server transaction sends when no provisional was passed in time.
	DisableAuto100 bool
	// Log is the logger that will be used with the transaction.
	// If nil, [log.Def] is used.
	Log *slog.Logger
}

func (o *ServerTransactionOptions) key() TransactionKey {
	if o == nil {
		return zeroTxKey
	}
	return o.Key
}

func (o *ServerTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ServerTransactionOptions) disableAuto100() bool {
	if o == nil {
		return false
	}
	return o.DisableAuto100
}

func (o *ServerTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Def
	}
	return o.Log
}

type serverTransact struct {
	*baseTransact
	tp       Transport
	src      netip.AddrPort
	reliable bool
	timings  TimingConfig
	req      *sip.Request
	lastRes  atomic.Pointer[sip.Response]
}

func newServerTransact(
	typ TransactionType,
	impl transactImpl,
	req *sip.Request,
	tp Transport,
	src netip.AddrPort,
	start TransactionState,
	opts *ServerTransactionOptions,
) (*serverTransact, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	if !src.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid source address"))
	}

	key := opts.key()
	if !key.IsValid() {
		if err := key.FillFromRequest(req, true); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
	}

	tx := &serverTransact{
		tp:  tp,
		src: src,
		// Transport reliability is snapshotted at creation time.
		reliable: tp.Reliable(),
		timings:  opts.timings(),
		req:      req,
	}
	// Server transactions are created by an inbound request, so they are
	// born in their first active state and never pass through the initial one.
	tx.baseTransact = newBaseTransact(
		context.Background(), typ, key, impl,
		start, start,
		opts.log(),
	)
	return tx, nil
}

// LogValue implements [slog.LogValuer].
func (tx *serverTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.Any("type", tx.typ),
		slog.Any("state", tx.State()),
	)
}

// Request returns the request that created the transaction.
func (tx *serverTransact) Request() *sip.Request {
	if tx == nil {
		return nil
	}
	return tx.req
}

// LastResponse returns the last response sent by the transaction.
func (tx *serverTransact) LastResponse() *sip.Response {
	if tx == nil {
		return nil
	}
	return tx.lastRes.Load()
}

// Source returns the remote address the request came from.
func (tx *serverTransact) Source() netip.AddrPort {
	if tx == nil {
		return netip.AddrPort{}
	}
	return tx.src
}

// Respond passes the response to the transaction for sending.
func (tx *serverTransact) Respond(ctx context.Context, res *sip.Response) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	return errtrace.Wrap(tx.postWait(ctx, command{kind: cmdMessage, msg: res}))
}

// Retry retransmits the last sent response out of band.
func (tx *serverTransact) Retry(ctx context.Context) error {
	return errtrace.Wrap(tx.postWait(ctx, command{kind: cmdRetry}))
}

func (tx *serverTransact) handleRetry(ctx context.Context) error {
	res := tx.lastRes.Load()
	if res == nil {
		return errtrace.Wrap(errorutil.Errorf("%w: %q transaction has no response to retransmit",
			ErrActionNotAllowed, tx.typ))
	}

	switch tx.State() {
	case TransactionStateTrying, TransactionStateProceeding, TransactionStateCompleted:
		tx.log.LogAttrs(ctx, slog.LevelDebug,
			"re-send response",
			slog.Any("transaction", tx.impl),
			slog.Any("response", log.FmtValue(res, false)),
		)
		return errtrace.Wrap(tx.sendRes(ctx, res))
	}
	return errtrace.Wrap(errorutil.Errorf("%w: %q transaction in state %q cannot retransmit",
		ErrActionNotAllowed, tx.typ, tx.State()))
}

// MatchRequest checks whether the request matches the server transaction:
// the branch must match and the method must be either the original request
// method or ACK for an INVITE transaction.
func (tx *serverTransact) MatchRequest(req *sip.Request) error {
	var reqKey TransactionKey
	if err := reqKey.FillFromRequest(req, true); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	if tx.key.Equal(reqKey) {
		return nil
	}
	if tx.key.Method == string(sip.INVITE) && reqKey.Method == string(sip.ACK) && tx.key.Branch == reqKey.Branch {
		return nil
	}
	return errtrace.Wrap(ErrMessageNotMatched)
}

// RecvRequest is called on each inbound request received by the transport layer.
// A request that fails matching is rejected synchronously with
// [ErrMessageNotMatched] and leaves the transaction state unchanged.
func (tx *serverTransact) RecvRequest(ctx context.Context, req *sip.Request) error {
	if err := tx.MatchRequest(req); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.post(ctx, command{kind: cmdMessage, msg: req}))
}

const (
	txEvtRecvReq    = "recv_req"
	txEvtRecvAck    = "recv_ack"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
)

func (tx *serverTransact) initFSM() {
	tx.fsm.SetTriggerParameters(txEvtRecvReq, reflect.TypeOf((*sip.Request)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecvAck, reflect.TypeOf((*sip.Request)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend1xx, reflect.TypeOf((*sip.Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend2xx, reflect.TypeOf((*sip.Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend300699, reflect.TypeOf((*sip.Response)(nil)))
}

func (tx *serverTransact) processMessage(ctx context.Context, msg sip.Message) error {
	switch m := msg.(type) {
	case *sip.Request:
		if m.Method == sip.ACK {
			return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvAck, m))
		}
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvReq, m))
	case *sip.Response:
		switch {
		case m.StatusCode < 200:
			return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend1xx, m))
		case m.StatusCode < 300:
			return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend2xx, m))
		default:
			return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend300699, m))
		}
	}
	return errtrace.Wrap(NewInvalidArgumentError("unexpected message type %T", msg))
}

// sendRes passes the response to the transport layer. A send failure is
// marked with [errTransportFailure]; the driver turns it into the transport
// error transition once the current firing completes.
func (tx *serverTransact) sendRes(ctx context.Context, res *sip.Response) error {
	if err := tx.tp.Send(ctx, res, tx.src); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(errTransportFailure,
			fmt.Errorf("send %d response: %w", res.StatusCode, err)))
	}
	return nil
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*sip.Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"send response",
		slog.Any("transaction", tx.impl),
		slog.Any("response", log.FmtValue(res, false)),
	)

	return errtrace.Wrap(tx.sendRes(ctx, res))
}

// actResendRes retransmits the last sent response in reply to a request
// retransmission. Absorbed silently when nothing was sent yet.
func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	res := tx.lastRes.Load()
	if res == nil {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"re-send response",
		slog.Any("transaction", tx.impl),
		slog.Any("response", log.FmtValue(res, false)),
	)

	return errtrace.Wrap(tx.sendRes(ctx, res))
}

//nolint:unparam
func (tx *serverTransact) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx.impl))

	return nil
}

//nolint:unparam
func (tx *serverTransact) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx.impl))

	return nil
}
