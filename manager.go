package siptx

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"

	"github.com/arcavoip/siptx/internal/errorutil"
	"github.com/arcavoip/siptx/internal/log"
	"github.com/arcavoip/siptx/internal/syncutil"
	"github.com/arcavoip/siptx/internal/timeutil"
	"github.com/arcavoip/siptx/internal/types"
	"github.com/arcavoip/siptx/internal/util"
)

// defStaleTxTimeout is the default timeout after which a transaction stuck
// in a non-final state is forcibly terminated.
const defStaleTxTimeout = 5 * time.Minute

// NewClientTransactionHandler is called for each client transaction created
// by the manager.
type NewClientTransactionHandler = func(ctx context.Context, tx ClientTransaction)

// NewServerTransactionHandler is called for each server transaction created
// by the manager, including transactions auto-created for inbound requests.
type NewServerTransactionHandler = func(ctx context.Context, tx ServerTransaction)

// TransactionManagerOptions contains options for the transaction manager.
type TransactionManagerOptions struct {
	// ClientStore is the registry used for client transactions.
	// If nil, an in-memory store is used.
	ClientStore TransactionStore[ClientTransaction]
	// ServerStore is the registry used for server transactions.
	// If nil, an in-memory store is used.
	ServerStore TransactionStore[ServerTransaction]
	// Timings is the SIP timing config applied to all created transactions.
	// If zero, the default SIP timing config is used.
	Timings TimingConfig
	// DisableAuto100 disables the automatic "100 Trying" response of
	// INVITE server transactions.
	DisableAuto100 bool
	// StaleTransactionTimeout bounds how long a transaction may stay in a
	// non-final state before the manager forcibly terminates it.
	// Zero means the default of 5 minutes, negative disables the guard.
	StaleTransactionTimeout time.Duration
	// Log is the logger that will be used with the manager.
	// If nil, [log.Def] is used.
	Log *slog.Logger
}

func (o *TransactionManagerOptions) clientStore() TransactionStore[ClientTransaction] {
	if o == nil || o.ClientStore == nil {
		return NewMemoryTransactionStore[ClientTransaction]()
	}
	return o.ClientStore
}

func (o *TransactionManagerOptions) serverStore() TransactionStore[ServerTransaction] {
	if o == nil || o.ServerStore == nil {
		return NewMemoryTransactionStore[ServerTransaction]()
	}
	return o.ServerStore
}

func (o *TransactionManagerOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *TransactionManagerOptions) disableAuto100() bool {
	if o == nil {
		return false
	}
	return o.DisableAuto100
}

func (o *TransactionManagerOptions) staleTxTimeout() time.Duration {
	if o == nil || o.StaleTransactionTimeout == 0 {
		return defStaleTxTimeout
	}
	if o.StaleTransactionTimeout < 0 {
		return 0
	}
	return o.StaleTransactionTimeout
}

func (o *TransactionManagerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Def
	}
	return o.Log
}

// inviteCorrelationKey correlates a CANCEL request to the INVITE
// transaction it cancels. CANCEL transactions run under their own Via
// branch, so the correlation goes through the dialog identifiers instead.
type inviteCorrelationKey struct {
	callID  string
	fromTag string
	cseqNo  uint32
}

func inviteCorrelationKeyFromRequest(req *sip.Request) (inviteCorrelationKey, error) {
	callID := req.CallID()
	from := req.From()
	cseq := req.CSeq()
	if callID == nil || from == nil || cseq == nil {
		return inviteCorrelationKey{}, errtrace.Wrap(NewInvalidArgumentError("missing dialog identification headers"))
	}
	fromTag, _ := from.Params.Get("tag")

	return inviteCorrelationKey{
		callID:  string(*callID),
		fromTag: fromTag,
		cseqNo:  cseq.SeqNo,
	}, nil
}

// TransactionManager owns the transaction registries and routes inbound
// messages from the transport layer to the matching transactions.
type TransactionManager struct {
	tp             Transport
	clientTxs      TransactionStore[ClientTransaction]
	serverTxs      TransactionStore[ServerTransaction]
	timings        TimingConfig
	disableAuto100 bool
	staleTimeout   time.Duration
	log            *slog.Logger

	// INVITE transactions on both sides indexed by dialog identifiers
	// for CANCEL correlation.
	inviteIdx *syncutil.ShardMap[inviteCorrelationKey, TransactionKey]

	onEvent     types.CallbackManager[EventHandler]
	onNewClient types.CallbackManager[NewClientTransactionHandler]
	onNewServer types.CallbackManager[NewServerTransactionHandler]

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewTransactionManager creates a new transaction manager on top of the
// given transport.
func NewTransactionManager(tp Transport, opts *TransactionManagerOptions) (*TransactionManager, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}

	return &TransactionManager{
		tp:             tp,
		clientTxs:      opts.clientStore(),
		serverTxs:      opts.serverStore(),
		timings:        opts.timings(),
		disableAuto100: opts.disableAuto100(),
		staleTimeout:   opts.staleTxTimeout(),
		log:            opts.log(),
		inviteIdx:      syncutil.NewShardMap[inviteCorrelationKey, TransactionKey](),
	}, nil
}

// eventHooker is the internal fan-out hook implemented by all transactions.
type eventHooker interface {
	onEventHook(fn EventHandler) (cancel func())
}

// CreateClientTransaction creates and registers a client transaction for an
// outbound request. The transaction stays in the initial state until
// [TransactionManager.SendRequest] is called with its key.
func (mgr *TransactionManager) CreateClientTransaction(
	ctx context.Context,
	req *sip.Request,
	dst netip.AddrPort,
) (ClientTransaction, error) {
	return errtrace.Wrap2(mgr.createClientTransaction(ctx, req, dst, zeroTxKey))
}

func (mgr *TransactionManager) createClientTransaction(
	ctx context.Context,
	req *sip.Request,
	dst netip.AddrPort,
	canceledKey TransactionKey,
) (ClientTransaction, error) {
	if mgr.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionManagerClosed)
	}

	tx, err := NewClientTransaction(req, mgr.tp, dst, &ClientTransactionOptions{
		CanceledKey: canceledKey,
		Timings:     mgr.timings,
		Log:         mgr.log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if err := mgr.clientTxs.Store(ctx, tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}
	mgr.watchTransaction(ctx, tx)

	if req.Method == sip.INVITE {
		if corrKey, err := inviteCorrelationKeyFromRequest(req); err == nil {
			mgr.inviteIdx.Set(corrKey, tx.Key())
		}
	}

	mgr.log.LogAttrs(ctx, slog.LevelDebug,
		"client transaction registered",
		slog.Any("transaction", tx),
	)

	mgr.onNewClient.Range(func(fn NewClientTransactionHandler) {
		fn(ctx, tx)
	})
	return tx, nil
}

// CreateServerTransaction creates and registers a server transaction for an
// inbound request.
func (mgr *TransactionManager) CreateServerTransaction(
	ctx context.Context,
	req *sip.Request,
	src netip.AddrPort,
) (ServerTransaction, error) {
	if mgr.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionManagerClosed)
	}

	tx, err := NewServerTransaction(req, mgr.tp, src, &ServerTransactionOptions{
		Timings:        mgr.timings,
		DisableAuto100: mgr.disableAuto100,
		Log:            mgr.log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if err := mgr.serverTxs.Store(ctx, tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}
	mgr.watchTransaction(ctx, tx)

	if req.Method == sip.INVITE {
		if corrKey, err := inviteCorrelationKeyFromRequest(req); err == nil {
			mgr.inviteIdx.Set(corrKey, tx.Key())
		}
	}

	mgr.log.LogAttrs(ctx, slog.LevelDebug,
		"server transaction registered",
		slog.Any("transaction", tx),
	)

	mgr.onNewServer.Range(func(fn NewServerTransactionHandler) {
		fn(ctx, tx)
	})
	return tx, nil
}

// watchTransaction wires the transaction into the manager: events fan out to
// the manager subscribers and the stale guard bounds stuck transactions.
func (mgr *TransactionManager) watchTransaction(ctx context.Context, tx Transaction) {
	if hooker, ok := tx.(eventHooker); ok {
		hooker.onEventHook(mgr.notifyEvent)
	}

	if mgr.staleTimeout <= 0 {
		return
	}
	staleTmr := timeutil.AfterFunc(mgr.staleTimeout, func() {
		if tx.State() == TransactionStateTerminated {
			return
		}
		mgr.log.LogAttrs(ctx, slog.LevelWarn,
			"terminate stale transaction",
			slog.Any("transaction", tx),
		)
		tx.Terminate(context.WithoutCancel(ctx)) //nolint:errcheck
	})
	tx.OnStateChanged(func(_ context.Context, _, to TransactionState) {
		if to == TransactionStateTerminated {
			staleTmr.Stop()
		}
	})
}

func (mgr *TransactionManager) notifyEvent(ctx context.Context, ev Event) {
	mgr.onEvent.Range(func(fn EventHandler) {
		fn(ctx, ev)
	})
}

// Subscribe registers a callback to be called for every event emitted by any
// transaction registered with the manager.
//
// The callback is invoked from transaction driver goroutines; it must not
// call blocking transaction operations.
func (mgr *TransactionManager) Subscribe(fn EventHandler) (cancel func()) {
	return mgr.onEvent.Add(fn)
}

// OnNewClientTransaction registers a callback to be called for each client
// transaction created by the manager.
func (mgr *TransactionManager) OnNewClientTransaction(fn NewClientTransactionHandler) (cancel func()) {
	return mgr.onNewClient.Add(fn)
}

// OnNewServerTransaction registers a callback to be called for each server
// transaction created by the manager.
func (mgr *TransactionManager) OnNewServerTransaction(fn NewServerTransactionHandler) (cancel func()) {
	return mgr.onNewServer.Add(fn)
}

func (mgr *TransactionManager) clientTransaction(ctx context.Context, key TransactionKey) (ClientTransaction, error) {
	key.IsServer = false
	return errtrace.Wrap2(mgr.clientTxs.Load(ctx, key))
}

func (mgr *TransactionManager) serverTransaction(ctx context.Context, key TransactionKey) (ServerTransaction, error) {
	key.IsServer = true
	return errtrace.Wrap2(mgr.serverTxs.Load(ctx, key))
}

func (mgr *TransactionManager) transaction(ctx context.Context, key TransactionKey) (Transaction, error) {
	if key.IsServer {
		return errtrace.Wrap2[Transaction](mgr.serverTxs.Load(ctx, key))
	}
	return errtrace.Wrap2[Transaction](mgr.clientTxs.Load(ctx, key))
}

// SendRequest initiates the client transaction with the given key.
func (mgr *TransactionManager) SendRequest(ctx context.Context, key TransactionKey) error {
	tx, err := mgr.clientTransaction(ctx, key)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.SendRequest(ctx))
}

// SendResponse passes the response to the server transaction with the given key.
func (mgr *TransactionManager) SendResponse(ctx context.Context, key TransactionKey, res *sip.Response) error {
	tx, err := mgr.serverTransaction(ctx, key)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.Respond(ctx, res))
}

// RespondStatus builds a response with the given status code and reason from
// the original request of the server transaction with the given key and
// passes it to the transaction for sending.
func (mgr *TransactionManager) RespondStatus(ctx context.Context, key TransactionKey, statusCode int, reason string) error {
	tx, err := mgr.serverTransaction(ctx, key)
	if err != nil {
		return errtrace.Wrap(err)
	}
	res := sip.NewResponseFromRequest(tx.Request(), statusCode, reason, nil)
	return errtrace.Wrap(tx.Respond(ctx, res))
}

// SendAckFor2xx builds and sends the ACK for a 2xx final response of the
// INVITE client transaction with the given key. The ACK for 2xx travels
// outside the INVITE transaction, so it is sent directly through the
// transport layer.
func (mgr *TransactionManager) SendAckFor2xx(ctx context.Context, inviteKey TransactionKey, res *sip.Response) error {
	tx, err := mgr.clientTransaction(ctx, inviteKey)
	if err != nil {
		return errtrace.Wrap(err)
	}

	ack, err := NewAckRequest(tx.Request(), res)
	if err != nil {
		return errtrace.Wrap(err)
	}

	dst := mgr.tp.LocalAddr()
	if d, ok := tx.(interface{ Destination() netip.AddrPort }); ok {
		dst = d.Destination()
	}

	mgr.log.LogAttrs(ctx, slog.LevelDebug,
		"send ACK for 2xx response",
		slog.Any("transaction", tx),
		slog.Any("request", log.FmtValue(ack, false)),
	)
	return errtrace.Wrap(mgr.tp.Send(ctx, ack, dst))
}

// RemoteAddr returns the remote address of the transaction with the given
// key: the destination for client transactions, the source for server ones.
func (mgr *TransactionManager) RemoteAddr(ctx context.Context, key TransactionKey) (netip.AddrPort, error) {
	tx, err := mgr.transaction(ctx, key)
	if err != nil {
		return netip.AddrPort{}, errtrace.Wrap(err)
	}
	switch t := tx.(type) {
	case interface{ Destination() netip.AddrPort }:
		return t.Destination(), nil
	case interface{ Source() netip.AddrPort }:
		return t.Source(), nil
	}
	return netip.AddrPort{}, errtrace.Wrap(errorutil.Errorf("unknown transaction type %q", tx.Type()))
}

// RetryRequest retransmits the last sent message of the transaction with the
// given key out of band: the original request for client transactions, the
// last response for server ones.
func (mgr *TransactionManager) RetryRequest(ctx context.Context, key TransactionKey) error {
	tx, err := mgr.transaction(ctx, key)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.Retry(ctx))
}

// TerminateTransaction forces the transaction with the given key to the
// terminated state. The transaction stays in the registry until
// [TransactionManager.CleanupTerminatedTransactions] removes it.
func (mgr *TransactionManager) TerminateTransaction(ctx context.Context, key TransactionKey) error {
	tx, err := mgr.transaction(ctx, key)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.Terminate(ctx))
}

// CancelInviteTransaction builds a CANCEL for the in-progress INVITE client
// transaction and runs it as a new non-INVITE client transaction correlated
// to the INVITE. It returns the key of the CANCEL transaction.
//
// Canceling is only allowed while the INVITE transaction awaits a final
// response: before the request was sent or after a final response it fails
// with [ErrActionNotAllowed].
func (mgr *TransactionManager) CancelInviteTransaction(ctx context.Context, inviteKey TransactionKey) (TransactionKey, error) {
	inviteTx, err := mgr.clientTransaction(ctx, inviteKey)
	if err != nil {
		return zeroTxKey, errtrace.Wrap(err)
	}

	switch st := inviteTx.State(); st {
	case TransactionStateCalling, TransactionStateProceeding:
	default:
		return zeroTxKey, errtrace.Wrap(errorutil.Errorf("%w: cannot cancel %q transaction in state %q",
			ErrActionNotAllowed, inviteTx.Type(), st))
	}

	cancelReq, err := NewCancelRequest(inviteTx.Request())
	if err != nil {
		return zeroTxKey, errtrace.Wrap(err)
	}

	dst := mgr.tp.LocalAddr()
	if d, ok := inviteTx.(interface{ Destination() netip.AddrPort }); ok {
		dst = d.Destination()
	}

	cancelTx, err := mgr.createClientTransaction(ctx, cancelReq, dst, inviteTx.Key())
	if err != nil {
		return zeroTxKey, errtrace.Wrap(err)
	}
	if err := cancelTx.SendRequest(ctx); err != nil {
		return zeroTxKey, errtrace.Wrap(err)
	}

	mgr.log.LogAttrs(ctx, slog.LevelDebug,
		"INVITE transaction canceled",
		slog.Any("invite_transaction", inviteTx),
		slog.Any("cancel_transaction", cancelTx),
	)
	return cancelTx.Key(), nil
}

// TransactionState returns the current state of the transaction with the given key.
func (mgr *TransactionManager) TransactionState(ctx context.Context, key TransactionKey) (TransactionState, error) {
	tx, err := mgr.transaction(ctx, key)
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	return tx.State(), nil
}

// TransactionExists reports whether a transaction with the given key is registered.
func (mgr *TransactionManager) TransactionExists(ctx context.Context, key TransactionKey) bool {
	_, err := mgr.transaction(ctx, key)
	return err == nil
}

// OriginalRequest returns the request that created the transaction with the given key.
func (mgr *TransactionManager) OriginalRequest(ctx context.Context, key TransactionKey) (*sip.Request, error) {
	tx, err := mgr.transaction(ctx, key)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	switch t := tx.(type) {
	case ClientTransaction:
		return t.Request(), nil
	case ServerTransaction:
		return t.Request(), nil
	}
	return nil, errtrace.Wrap(errorutil.Errorf("unknown transaction type %q", tx.Type()))
}

// LastResponse returns the last response seen by the transaction with the
// given key: the last received one for client transactions, the last sent
// one for server transactions. Nil when no response was seen yet.
func (mgr *TransactionManager) LastResponse(ctx context.Context, key TransactionKey) (*sip.Response, error) {
	tx, err := mgr.transaction(ctx, key)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	switch t := tx.(type) {
	case ClientTransaction:
		return t.LastResponse(), nil
	case ServerTransaction:
		return t.LastResponse(), nil
	}
	return nil, errtrace.Wrap(errorutil.Errorf("unknown transaction type %q", tx.Type()))
}

// SubscribeToTransaction returns an ordered stream of the events of the
// transaction with the given key.
func (mgr *TransactionManager) SubscribeToTransaction(ctx context.Context, key TransactionKey) (<-chan Event, error) {
	tx, err := mgr.transaction(ctx, key)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx.Subscribe(), nil
}

// ActiveTransactions returns the keys of all registered transactions that
// did not terminate yet.
func (mgr *TransactionManager) ActiveTransactions(ctx context.Context) (client, server []TransactionKey, err error) {
	clientTxs, err := mgr.clientTxs.All(ctx)
	if err != nil {
		return nil, nil, errtrace.Wrap(err)
	}
	for tx := range clientTxs {
		if tx.State() != TransactionStateTerminated {
			client = append(client, tx.Key())
		}
	}

	serverTxs, err := mgr.serverTxs.All(ctx)
	if err != nil {
		return nil, nil, errtrace.Wrap(err)
	}
	for tx := range serverTxs {
		if tx.State() != TransactionStateTerminated {
			server = append(server, tx.Key())
		}
	}
	return client, server, nil
}

// TransactionCount returns the number of registered transactions, including
// terminated ones not cleaned up yet.
func (mgr *TransactionManager) TransactionCount(ctx context.Context) (int, error) {
	var n int
	clientTxs, err := mgr.clientTxs.All(ctx)
	if err != nil {
		return 0, errtrace.Wrap(err)
	}
	for range clientTxs {
		n++
	}

	serverTxs, err := mgr.serverTxs.All(ctx)
	if err != nil {
		return 0, errtrace.Wrap(err)
	}
	for range serverTxs {
		n++
	}
	return n, nil
}

// CleanupTerminatedTransactions removes all terminated transactions from the
// registries and returns how many were removed. This is the only removal
// path: termination alone keeps the transaction inspectable.
func (mgr *TransactionManager) CleanupTerminatedTransactions(ctx context.Context) (int, error) {
	var removed int

	clientTxs, err := mgr.clientTxs.All(ctx)
	if err != nil {
		return 0, errtrace.Wrap(err)
	}
	for tx := range clientTxs {
		if tx.State() != TransactionStateTerminated {
			continue
		}
		if err := mgr.clientTxs.Delete(ctx, tx.Key()); err != nil {
			return removed, errtrace.Wrap(err)
		}
		mgr.dropInviteIndex(tx.Request())
		removed++
	}

	serverTxs, err := mgr.serverTxs.All(ctx)
	if err != nil {
		return removed, errtrace.Wrap(err)
	}
	for tx := range serverTxs {
		if tx.State() != TransactionStateTerminated {
			continue
		}
		if err := mgr.serverTxs.Delete(ctx, tx.Key()); err != nil {
			return removed, errtrace.Wrap(err)
		}
		mgr.dropInviteIndex(tx.Request())
		removed++
	}

	mgr.log.LogAttrs(ctx, slog.LevelDebug,
		"terminated transactions cleaned up",
		slog.Int("removed", removed),
	)
	return removed, nil
}

// dropInviteIndex removes the CANCEL correlation entry for an INVITE request.
func (mgr *TransactionManager) dropInviteIndex(req *sip.Request) {
	if req == nil || req.Method != sip.INVITE {
		return
	}
	if corrKey, err := inviteCorrelationKeyFromRequest(req); err == nil {
		mgr.inviteIdx.Del(corrKey)
	}
}

// FindRelatedTransactions returns the keys of transactions related to the
// transaction with the given key: for a CANCEL transaction the canceled
// INVITE, for an INVITE transaction the CANCEL transactions targeting it.
func (mgr *TransactionManager) FindRelatedTransactions(ctx context.Context, key TransactionKey) ([]TransactionKey, error) {
	tx, err := mgr.transaction(ctx, key)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	var related []TransactionKey
	if c, ok := tx.(interface{ CanceledKey() TransactionKey }); ok {
		if canceled := c.CanceledKey(); canceled.IsValid() {
			related = append(related, canceled)
		}
	}

	clientTxs, err := mgr.clientTxs.All(ctx)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for other := range clientTxs {
		c, ok := other.(interface{ CanceledKey() TransactionKey })
		if !ok {
			continue
		}
		if c.CanceledKey().Equal(key) {
			related = append(related, other.Key())
		}
	}
	return related, nil
}

// FindInviteTransactionForCancel returns the INVITE transaction a CANCEL
// request targets: the server transaction for an inbound CANCEL, the client
// transaction for an outbound one. The correlation goes through the
// Call-ID, From tag and CSeq sequence number, since the CANCEL runs under
// its own Via branch.
func (mgr *TransactionManager) FindInviteTransactionForCancel(ctx context.Context, cancelReq *sip.Request) (Transaction, error) {
	if cancelReq == nil || !util.EqFold(string(cancelReq.Method), string(sip.CANCEL)) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid CANCEL request"))
	}

	corrKey, err := inviteCorrelationKeyFromRequest(cancelReq)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	inviteKey, ok := mgr.inviteIdx.Get(corrKey)
	if !ok {
		return nil, errtrace.Wrap(ErrTransactionNotFound)
	}
	return errtrace.Wrap2(mgr.transaction(ctx, inviteKey))
}

// HandleRequest routes an inbound request from the transport layer.
//
// A request matching a registered server transaction is passed to it. An
// unmatched ACK is dropped: the ACK for a 2xx response belongs to the layer
// above. Any other unmatched request creates a new server transaction and
// the registered new-transaction callbacks fire.
func (mgr *TransactionManager) HandleRequest(ctx context.Context, req *sip.Request, src netip.AddrPort) error {
	if mgr.closing.Load() {
		return errtrace.Wrap(ErrTransactionManagerClosed)
	}

	var key TransactionKey
	if err := key.FillFromRequest(req, true); err != nil {
		return errtrace.Wrap(err)
	}

	if req.Method == sip.ACK {
		// ACK matches the INVITE transaction with the same branch.
		inviteKey := TransactionKey{Branch: key.Branch, Method: string(sip.INVITE), IsServer: true}
		tx, err := mgr.serverTxs.Load(ctx, inviteKey)
		if err != nil {
			mgr.log.LogAttrs(ctx, slog.LevelDebug,
				"unmatched ACK request dropped",
				slog.Any("key", key),
			)
			return nil
		}
		return errtrace.Wrap(tx.RecvRequest(ctx, req))
	}

	if tx, err := mgr.serverTxs.Load(ctx, key); err == nil {
		return errtrace.Wrap(tx.RecvRequest(ctx, req))
	}

	_, err := mgr.CreateServerTransaction(ctx, req, src)
	return errtrace.Wrap(err)
}

// HandleResponse routes an inbound response from the transport layer to the
// matching client transaction. An unmatched response is dropped and logged,
// it is not an error to the caller.
func (mgr *TransactionManager) HandleResponse(ctx context.Context, res *sip.Response) error {
	if mgr.closing.Load() {
		return errtrace.Wrap(ErrTransactionManagerClosed)
	}

	var key TransactionKey
	if err := key.FillFromResponse(res); err != nil {
		return errtrace.Wrap(err)
	}

	tx, err := mgr.clientTxs.Load(ctx, key)
	if err != nil {
		mgr.log.LogAttrs(ctx, slog.LevelDebug,
			"unmatched response dropped",
			slog.Any("key", key),
			slog.Any("response", log.FmtValue(res, false)),
		)
		return nil
	}
	return errtrace.Wrap(tx.RecvResponse(ctx, res))
}

// WaitForTransactionState blocks until the transaction with the given key
// reaches the wanted state, the timeout expires or the context is canceled.
// A transaction that terminates before reaching the wanted state fails the
// wait with [ErrTransactionTerminated].
func (mgr *TransactionManager) WaitForTransactionState(
	ctx context.Context,
	key TransactionKey,
	want TransactionState,
	timeout time.Duration,
) error {
	tx, err := mgr.transaction(ctx, key)
	if err != nil {
		return errtrace.Wrap(err)
	}

	changed := make(chan struct{}, 1)
	cancel := tx.OnStateChanged(func(_ context.Context, _, _ TransactionState) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		switch st := tx.State(); {
		case st == want:
			return nil
		case st == TransactionStateTerminated:
			return errtrace.Wrap(ErrTransactionTerminated)
		}

		select {
		case <-changed:
		case <-tx.Done():
			if tx.State() == want {
				return nil
			}
			return errtrace.Wrap(ErrTransactionTerminated)
		case <-deadline.C:
			return errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionTimedOut,
				"transaction %q did not reach state %q within %s", key, want, timeout))
		case <-ctx.Done():
			return errtrace.Wrap(ctx.Err())
		}
	}
}

// WaitForFinalResponse blocks until the client transaction with the given
// key receives a final response, the timeout expires or the context is
// canceled.
func (mgr *TransactionManager) WaitForFinalResponse(
	ctx context.Context,
	key TransactionKey,
	timeout time.Duration,
) (*sip.Response, error) {
	tx, err := mgr.clientTransaction(ctx, key)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	finals := make(chan *sip.Response, 1)
	cancel := tx.OnResponse(func(_ context.Context, _ ClientTransaction, res *sip.Response) {
		if res.StatusCode < 200 {
			return
		}
		select {
		case finals <- res:
		default:
		}
	})
	defer cancel()

	lastFinal := func() *sip.Response {
		if res := tx.LastResponse(); res != nil && res.StatusCode >= 200 {
			return res
		}
		return nil
	}
	if res := lastFinal(); res != nil {
		return res, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case res := <-finals:
		return res, nil
	case <-tx.Done():
		if res := lastFinal(); res != nil {
			return res, nil
		}
		return nil, errtrace.Wrap(ErrTransactionTerminated)
	case <-deadline.C:
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionTimedOut,
			"transaction %q received no final response within %s", key, timeout))
	case <-ctx.Done():
		return nil, errtrace.Wrap(ctx.Err())
	}
}

// Close terminates all registered transactions and rejects further calls
// with [ErrTransactionManagerClosed]. It waits for the transaction drivers
// to exit or the context to be canceled.
func (mgr *TransactionManager) Close(ctx context.Context) error {
	mgr.closeOnce.Do(func() {
		mgr.closing.Store(true)

		var errs []error
		var txs []Transaction

		if clientTxs, err := mgr.clientTxs.All(ctx); err != nil {
			errs = append(errs, err)
		} else {
			for tx := range clientTxs {
				txs = append(txs, tx)
			}
		}
		if serverTxs, err := mgr.serverTxs.All(ctx); err != nil {
			errs = append(errs, err)
		} else {
			for tx := range serverTxs {
				txs = append(txs, tx)
			}
		}

		for _, tx := range txs {
			if err := tx.Terminate(ctx); err != nil && !errors.Is(err, ErrTransactionTerminated) {
				errs = append(errs, err)
			}
		}
		for _, tx := range txs {
			select {
			case <-tx.Done():
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
				mgr.closeErr = errorutil.JoinPrefix("close transaction manager", errs...)
				return
			}
		}

		mgr.closeErr = errorutil.JoinPrefix("close transaction manager", errs...)

		mgr.log.LogAttrs(ctx, slog.LevelDebug, "transaction manager closed")
	})
	return errtrace.Wrap(mgr.closeErr)
}
