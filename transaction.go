package siptx

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"
	"github.com/qmuntal/stateless"

	"github.com/arcavoip/siptx/internal/errorutil"
	"github.com/arcavoip/siptx/internal/types"
)

// TransactionState represents the lifecycle state of a SIP transaction.
type TransactionState string

// Transaction states. Not all states apply to all transaction types:
// calling is INVITE-client-only, trying is non-INVITE-only, and server
// transactions are never in the initial state.
const (
	TransactionStateInitial    TransactionState = "initial"
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateTerminated TransactionState = "terminated"
)

// TransactionType represents the kind of a SIP transaction.
type TransactionType string

// Transaction types. A CANCEL transaction is a client non-INVITE
// transaction with special construction and correlation rules.
const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// TransactionStateHandler is called on each transaction state change.
type TransactionStateHandler = func(ctx context.Context, from, to TransactionState)

// Transaction represents a SIP transaction.
//
// Each transaction is an independent sequential actor: all state mutations
// are serialized through a per-transaction command queue processed by a
// single driver goroutine. State, the original request and the last response
// remain readable after termination; the transaction is removed from the
// registry only by an explicit cleanup call.
type Transaction interface {
	slog.LogValuer
	// Key returns the transaction key.
	Key() TransactionKey
	// Type returns the transaction type.
	Type() TransactionType
	// State returns the current transaction state.
	State() TransactionState
	// Context returns the transaction context.
	// It is canceled when the transaction terminates.
	Context() context.Context
	// Terminate forces the transaction to the terminated state regardless of
	// the current state, immediately cancelling all running timers.
	// Terminating an already terminated transaction is a no-op.
	Terminate(ctx context.Context) error
	// Retry retransmits the last sent message out of band: the original
	// request for client transactions, the last response for server ones.
	Retry(ctx context.Context) error
	// OnStateChanged registers a callback to be called on each state change.
	// The callback can be canceled by calling the returned cancel function.
	OnStateChanged(fn TransactionStateHandler) (cancel func())
	// Subscribe returns an ordered stream of the transaction's events.
	// The channel is closed after the transaction terminates and all
	// pending events are delivered.
	Subscribe() <-chan Event
	// Done returns a channel that is closed when the transaction driver
	// has processed its last command.
	Done() <-chan struct{}
}

// FSM triggers shared by all transaction types.
const (
	txEvtInit      = "init"
	txEvtTerminate = "terminate"
	txEvtTranspErr = "transport_err"
)

// errTransportFailure marks transport send errors, so the driver can route
// them into the transport error trigger while the original error still
// reaches the waiting caller.
const errTransportFailure errorutil.Error = "transport failure"

type commandKind uint8

const (
	cmdTransition commandKind = iota + 1
	cmdMessage
	cmdTimer
	cmdTransportError
	cmdTerminate
	cmdRetry
)

// command is a unit of work for the transaction driver loop. Timer firings,
// inbound messages and application calls are all linearized through commands,
// so exactly one goroutine ever mutates a given transaction's state.
type command struct {
	kind  commandKind
	state TransactionState
	msg   sip.Message
	timer string
	err   error
	reply chan<- error
}

// transactImpl is the per-type logic plugged into the shared driver:
// the state table lives in the FSM configuration, timer dispatch and
// message classification live in these hooks.
type transactImpl interface {
	slog.LogValuer
	processMessage(ctx context.Context, msg sip.Message) error
	handleTimer(ctx context.Context, name string) error
	handleRetry(ctx context.Context) error
	stopTimers(ctx context.Context)
}

const cmdQueueSize = 32

type baseTransact struct {
	typ    TransactionType
	key    TransactionKey
	impl   transactImpl
	fsm    *stateless.StateMachine
	state  atomic.Value
	active TransactionState

	cmds   chan command
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	onState types.CallbackManager[TransactionStateHandler]
	onEvent types.CallbackManager[EventHandler]

	subsMu     sync.Mutex
	subs       []*types.ElasticChan[Event]
	subsClosed bool
}

func newBaseTransact(
	ctx context.Context,
	typ TransactionType,
	key TransactionKey,
	impl transactImpl,
	start, active TransactionState,
	logger *slog.Logger,
) *baseTransact {
	ctx, cancel := context.WithCancel(ctx)
	tx := &baseTransact{
		typ:    typ,
		key:    key,
		impl:   impl,
		active: active,
		cmds:   make(chan command, cmdQueueSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		log:    logger,
	}
	tx.state.Store(start)

	tx.fsm = stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (any, error) { return tx.State(), nil },
		func(ctx context.Context, state any) error {
			next := state.(TransactionState) //nolint:forcetypeassert
			prev := tx.State()
			if prev == next {
				return nil
			}
			tx.state.Store(next)
			tx.notifyStateChanged(ctx, prev, next)
			return nil
		},
		stateless.FiringQueued,
	)
	tx.fsm.SetTriggerParameters(txEvtTranspErr, reflect.TypeOf((*error)(nil)).Elem())
	tx.fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		return errtrace.Wrap(errorutil.Errorf("%w: %q transaction in state %q rejects %q",
			ErrInvalidTransition, tx.typ, state, trigger))
	})

	return tx
}

// start launches the driver goroutine. Called by the concrete transaction
// constructor after the FSM is fully configured.
func (tx *baseTransact) start() {
	go tx.run()
}

// run is the transaction driver loop, the sole writer of the transaction
// state. It processes commands strictly in order and exits once the
// terminated state is reached and the queue is drained.
func (tx *baseTransact) run() {
	defer close(tx.done)
	defer tx.closeSubs()
	defer tx.cancel()

	for {
		select {
		case cmd := <-tx.cmds:
			err := tx.dispatch(cmd)
			if cmd.reply != nil {
				cmd.reply <- err
			} else if err != nil {
				tx.log.LogAttrs(tx.ctx, slog.LevelDebug,
					"command rejected",
					slog.Any("transaction", tx.impl),
					slog.Any("error", err),
				)
			}
		case <-tx.ctx.Done():
			tx.drain()
			return
		}

		if tx.State() == TransactionStateTerminated {
			tx.drain()
			return
		}
	}
}

func (tx *baseTransact) drain() {
	for {
		select {
		case cmd := <-tx.cmds:
			if cmd.reply != nil {
				cmd.reply <- errtrace.Wrap(ErrTransactionTerminated)
			}
		default:
			return
		}
	}
}

// dispatch runs the command and, when it failed on a transport send, drives
// the transaction to the terminated state through the transport error
// trigger. The send error is still returned so a waiting caller sees it.
func (tx *baseTransact) dispatch(cmd command) error {
	err := tx.handle(cmd)
	if err != nil && errors.Is(err, errTransportFailure) &&
		tx.State() != TransactionStateTerminated {
		if fireErr := tx.fsm.FireCtx(tx.ctx, txEvtTranspErr, err); fireErr != nil {
			tx.log.LogAttrs(tx.ctx, slog.LevelWarn,
				"transport error transition failed",
				slog.Any("transaction", tx.impl),
				slog.Any("error", fireErr),
			)
		}
	}
	return err
}

func (tx *baseTransact) handle(cmd command) error {
	ctx := tx.ctx
	switch cmd.kind {
	case cmdTransition:
		return errtrace.Wrap(tx.applyTransition(ctx, cmd.state))
	case cmdMessage:
		return errtrace.Wrap(tx.impl.processMessage(ctx, cmd.msg))
	case cmdTimer:
		return errtrace.Wrap(tx.impl.handleTimer(ctx, cmd.timer))
	case cmdTransportError:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTranspErr, cmd.err))
	case cmdTerminate:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTerminate))
	case cmdRetry:
		return errtrace.Wrap(tx.impl.handleRetry(ctx))
	}
	return errtrace.Wrap(errorutil.Errorf("unknown command kind %d", cmd.kind))
}

func (tx *baseTransact) applyTransition(ctx context.Context, to TransactionState) error {
	switch to {
	case TransactionStateTerminated:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTerminate))
	case tx.active:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtInit))
	}
	return errtrace.Wrap(errorutil.Errorf("%w: %q transaction in state %q cannot transition to %q",
		ErrInvalidTransition, tx.typ, tx.State(), to))
}

// post enqueues a command without waiting for it to be processed.
func (tx *baseTransact) post(ctx context.Context, cmd command) error {
	select {
	case <-tx.done:
		return errtrace.Wrap(ErrTransactionTerminated)
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	case tx.cmds <- cmd:
		return nil
	}
}

// postWait enqueues a command and waits for the driver to process it,
// surfacing usage errors synchronously to the caller.
// Must not be called from driver callbacks.
func (tx *baseTransact) postWait(ctx context.Context, cmd command) error {
	reply := make(chan error, 1)
	cmd.reply = reply
	if err := tx.post(ctx, cmd); err != nil {
		return errtrace.Wrap(err)
	}

	select {
	case err := <-reply:
		return errtrace.Wrap(err)
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	case <-tx.done:
		select {
		case err := <-reply:
			return errtrace.Wrap(err)
		default:
			return errtrace.Wrap(ErrTransactionTerminated)
		}
	}
}

// postTimer is the timer callback entry point: it routes the firing into the
// command queue instead of mutating state from the timer goroutine.
func (tx *baseTransact) postTimer(name string) {
	if err := tx.post(tx.ctx, command{kind: cmdTimer, timer: name}); err != nil {
		tx.log.LogAttrs(tx.ctx, slog.LevelDebug,
			"timer firing dropped",
			slog.Any("transaction", tx.impl),
			slog.String("timer", name),
			slog.Any("error", err),
		)
	}
}

// Key returns the transaction key.
func (tx *baseTransact) Key() TransactionKey {
	if tx == nil {
		return zeroTxKey
	}
	return tx.key
}

// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType {
	if tx == nil {
		return ""
	}
	return tx.typ
}

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	if tx == nil {
		return ""
	}
	return tx.state.Load().(TransactionState) //nolint:forcetypeassert
}

// Context returns the transaction context.
func (tx *baseTransact) Context() context.Context {
	return tx.ctx
}

// Done returns a channel that is closed when the transaction driver exits.
func (tx *baseTransact) Done() <-chan struct{} {
	return tx.done
}

// Terminate forces the transaction to the terminated state.
func (tx *baseTransact) Terminate(ctx context.Context) error {
	if err := tx.post(ctx, command{kind: cmdTerminate}); err != nil {
		if errors.Is(err, ErrTransactionTerminated) {
			return nil
		}
		return errtrace.Wrap(err)
	}
	return nil
}

// OnStateChanged registers a callback to be called on each state change.
// The callback is invoked from the transaction driver goroutine; it must not
// call blocking transaction operations.
func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (cancel func()) {
	return tx.onState.Add(fn)
}

// onEventHook registers an internal event observer. Used by the manager to
// fan transaction events out to its own subscribers.
func (tx *baseTransact) onEventHook(fn EventHandler) (cancel func()) {
	return tx.onEvent.Add(fn)
}

// Subscribe returns an ordered stream of the transaction's events.
func (tx *baseTransact) Subscribe() <-chan Event {
	ch := types.NewElasticChan[Event]()

	tx.subsMu.Lock()
	if tx.subsClosed {
		tx.subsMu.Unlock()
		ch.Close()
		return ch.Out
	}
	tx.subs = append(tx.subs, ch)
	tx.subsMu.Unlock()

	return ch.Out
}

func (tx *baseTransact) closeSubs() {
	tx.subsMu.Lock()
	defer tx.subsMu.Unlock()

	tx.subsClosed = true
	for _, ch := range tx.subs {
		ch.Close()
	}
	tx.subs = nil
}

// emit delivers the event to all subscribers. Only the driver goroutine
// emits, so per-transaction event order matches transition order.
func (tx *baseTransact) emit(ctx context.Context, ev Event) {
	for fn := range tx.onEvent.All() {
		fn(ctx, ev)
	}

	tx.subsMu.Lock()
	for _, ch := range tx.subs {
		ch.In <- ev
	}
	tx.subsMu.Unlock()
}

func (tx *baseTransact) notifyStateChanged(ctx context.Context, from, to TransactionState) {
	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"transaction state changed",
		slog.Any("transaction", tx.impl),
		slog.Any("from", from),
		slog.Any("to", to),
	)

	tx.onState.Range(func(fn TransactionStateHandler) {
		fn(ctx, from, to)
	})
	tx.emit(ctx, StateChangedEvent{TxKey: tx.key, Previous: from, New: to})
}

//nolint:unparam
func (tx *baseTransact) actNoop(context.Context, ...any) error { return nil }

//nolint:unparam
func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"transaction terminated",
		slog.Any("transaction", tx.impl),
	)

	// Cancel every still-running timer unconditionally.
	tx.impl.stopTimers(ctx)
	return nil
}

//nolint:unparam
func (tx *baseTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelWarn,
		"transaction timed out",
		slog.Any("transaction", tx.impl),
	)

	tx.emit(ctx, TimeoutEvent{TxKey: tx.key})
	return nil
}

//nolint:unparam
func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	err, _ := args[0].(error)

	tx.log.LogAttrs(ctx, slog.LevelWarn,
		"transaction transport error",
		slog.Any("transaction", tx.impl),
		slog.Any("error", err),
	)

	tx.emit(ctx, TransportErrorEvent{TxKey: tx.key, Err: err})
	return nil
}
