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
	"github.com/arcavoip/siptx/internal/types"
)

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// Request returns the request that created the transaction.
	Request() *sip.Request
	// LastResponse returns the last response received by the transaction.
	LastResponse() *sip.Response
	// SendRequest initiates the transaction: it moves the state machine out
	// of the initial state and passes the request to the transport layer.
	// Calling it more than once is a usage error.
	SendRequest(ctx context.Context) error
	// MatchResponse checks whether the response matches the client transaction.
	MatchResponse(res *sip.Response) error
	// RecvResponse is called on each inbound response received by the transport layer.
	RecvResponse(ctx context.Context, res *sip.Response) error
	// OnResponse registers a callback to be called when the transaction receives a response.
	OnResponse(fn TransactionResponseHandler) (cancel func())
}

// TransactionResponseHandler consumes responses received by a client transaction.
type TransactionResponseHandler = func(ctx context.Context, tx ClientTransaction, res *sip.Response)

// NewClientTransaction creates a client transaction of the type matching the
// request method.
func NewClientTransaction(
	req *sip.Request,
	tp Transport,
	dst netip.AddrPort,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	if req != nil && req.Method == sip.INVITE {
		return errtrace.Wrap2[ClientTransaction](NewInviteClientTransaction(req, tp, dst, opts))
	}
	return errtrace.Wrap2[ClientTransaction](NewNonInviteClientTransaction(req, tp, dst, opts))
}

// ClientTransactionOptions contains options for a client transaction.
type ClientTransactionOptions struct {
	// Key is the transaction key that will be used with the transaction.
	// If zero, the key is filled from the request automatically.
	Key TransactionKey
	// CanceledKey is the key of the INVITE transaction this CANCEL
	// transaction relates to. Zero for ordinary transactions.
	CanceledKey TransactionKey
	// Timings is the SIP timing config that will be used with the transaction.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// Log is the logger that will be used with the transaction.
	// If nil, [log.Def] is used.
	Log *slog.Logger
}

func (o *ClientTransactionOptions) key() TransactionKey {
	if o == nil {
		return zeroTxKey
	}
	return o.Key
}

func (o *ClientTransactionOptions) canceledKey() TransactionKey {
	if o == nil {
		return zeroTxKey
	}
	return o.CanceledKey
}

func (o *ClientTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ClientTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Def
	}
	return o.Log
}

type clientTransact struct {
	*baseTransact
	tp       Transport
	dst      netip.AddrPort
	reliable bool
	timings  TimingConfig
	req      *sip.Request
	canceled TransactionKey
	lastRes  atomic.Pointer[sip.Response]

	onRes       types.CallbackManager[TransactionResponseHandler]
	pendingRess types.Buffer[*sip.Response]
}

func newClientTransact(
	typ TransactionType,
	impl transactImpl,
	req *sip.Request,
	tp Transport,
	dst netip.AddrPort,
	active TransactionState,
	opts *ClientTransactionOptions,
) (*clientTransact, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	if !dst.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid destination address"))
	}

	key := opts.key()
	if !key.IsValid() {
		if err := key.FillFromRequest(req, false); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
	}

	tx := &clientTransact{
		tp: tp,
		dst: dst,
		// Transport reliability is snapshotted at creation time.
		reliable: tp.Reliable(),
		timings:  opts.timings(),
		req:      req,
		canceled: opts.canceledKey(),
	}
	tx.baseTransact = newBaseTransact(
		context.Background(), typ, key, impl,
		TransactionStateInitial, active,
		opts.log(),
	)
	return tx, nil
}

// LogValue implements [slog.LogValuer].
func (tx *clientTransact) LogValue() slog.Value {
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
func (tx *clientTransact) Request() *sip.Request {
	if tx == nil {
		return nil
	}
	return tx.req
}

// LastResponse returns the last response received by the transaction.
func (tx *clientTransact) LastResponse() *sip.Response {
	if tx == nil {
		return nil
	}
	return tx.lastRes.Load()
}

// CanceledKey returns the key of the INVITE transaction this CANCEL
// transaction relates to, or a zero key for ordinary transactions.
func (tx *clientTransact) CanceledKey() TransactionKey {
	if tx == nil {
		return zeroTxKey
	}
	return tx.canceled
}

// Destination returns the remote address the request is sent to.
func (tx *clientTransact) Destination() netip.AddrPort {
	if tx == nil {
		return netip.AddrPort{}
	}
	return tx.dst
}

// SendRequest initiates the transaction.
func (tx *clientTransact) SendRequest(ctx context.Context) error {
	if st := tx.State(); st != TransactionStateInitial {
		return errtrace.Wrap(errorutil.Errorf("%w: %q transaction already initiated, state %q",
			ErrActionNotAllowed, tx.typ, st))
	}
	return errtrace.Wrap(tx.postWait(ctx, command{kind: cmdTransition, state: tx.active}))
}

// Retry retransmits the original request out of band.
func (tx *clientTransact) Retry(ctx context.Context) error {
	return errtrace.Wrap(tx.postWait(ctx, command{kind: cmdRetry}))
}

func (tx *clientTransact) handleRetry(ctx context.Context) error {
	switch tx.State() {
	case TransactionStateCalling, TransactionStateTrying, TransactionStateProceeding:
		tx.log.LogAttrs(ctx, slog.LevelDebug,
			"re-send request",
			slog.Any("transaction", tx.impl),
			slog.Any("request", log.FmtValue(tx.req, false)),
		)
		return errtrace.Wrap(tx.sendReq(ctx, tx.req))
	}
	return errtrace.Wrap(errorutil.Errorf("%w: %q transaction in state %q cannot retransmit",
		ErrActionNotAllowed, tx.typ, tx.State()))
}

// MatchResponse checks whether the response matches the client transaction.
// It implements the matching rules defined in RFC 3261 section 17.1.3:
// branch equality plus CSeq method equality.
func (tx *clientTransact) MatchResponse(res *sip.Response) error {
	var resKey TransactionKey
	if err := resKey.FillFromResponse(res); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	if !tx.key.Equal(resKey) {
		return errtrace.Wrap(ErrMessageNotMatched)
	}
	return nil
}

// RecvResponse is called on each inbound response received by the transport layer.
// A response that fails matching is rejected synchronously with
// [ErrMessageNotMatched] and leaves the transaction state unchanged.
func (tx *clientTransact) RecvResponse(ctx context.Context, res *sip.Response) error {
	if err := tx.MatchResponse(res); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.post(ctx, command{kind: cmdMessage, msg: res}))
}

const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
)

func (tx *clientTransact) initFSM() {
	tx.fsm.SetTriggerParameters(txEvtRecv1xx, reflect.TypeOf((*sip.Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, reflect.TypeOf((*sip.Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv300699, reflect.TypeOf((*sip.Response)(nil)))
}

func (tx *clientTransact) processMessage(ctx context.Context, msg sip.Message) error {
	res, ok := msg.(*sip.Response)
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError("unexpected message type %T", msg))
	}

	switch {
	case res.StatusCode < 200:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv1xx, res))
	case res.StatusCode < 300:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv2xx, res))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv300699, res))
	}
}

// sendReq passes the request to the transport layer. A send failure is
// marked with [errTransportFailure]; the driver turns it into the transport
// error transition once the current firing completes.
func (tx *clientTransact) sendReq(ctx context.Context, req *sip.Request) error {
	if err := tx.tp.Send(ctx, req, tx.dst); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(errTransportFailure,
			fmt.Errorf("send %q request: %w", req.Method, err)))
	}
	return nil
}

func (tx *clientTransact) actSendReq(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"send request",
		slog.Any("transaction", tx.impl),
		slog.Any("request", log.FmtValue(tx.req, false)),
	)

	return errtrace.Wrap(tx.sendReq(ctx, tx.req))
}

func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*sip.Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"pass response",
		slog.Any("transaction", tx.impl),
		slog.Any("response", log.FmtValue(res, false)),
	)

	switch {
	case res.StatusCode < 200:
		tx.emit(ctx, ProvisionalResponseEvent{TxKey: tx.key, Response: res})
	case res.StatusCode < 300:
		tx.emit(ctx, SuccessResponseEvent{TxKey: tx.key, Response: res})
	default:
		tx.emit(ctx, FailureResponseEvent{TxKey: tx.key, Response: res})
	}

	tx.pendingRess.Append(res)
	if tx.onRes.Len() > 0 {
		tx.deliverPendingRess()
	}
	return nil
}

func (tx *clientTransact) deliverPendingRess() {
	resps := tx.pendingRess.Drain()
	if len(resps) == 0 {
		return
	}

	tx.onRes.Range(func(fn TransactionResponseHandler) {
		for _, res := range resps {
			fn(tx.ctx, tx.impl.(ClientTransaction), res) //nolint:forcetypeassert
		}
	})
}

//nolint:unparam
func (tx *clientTransact) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx.impl))

	return nil
}

//nolint:unparam
func (tx *clientTransact) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx.impl))

	return nil
}

// OnResponse registers a callback to be called when the transaction receives a response.
//
// The callback is invoked from the transaction driver goroutine; it must not
// call blocking transaction operations.
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *clientTransact) OnResponse(fn TransactionResponseHandler) (cancel func()) {
	cancel = tx.onRes.Add(fn)
	tx.deliverPendingRess()
	return cancel
}
