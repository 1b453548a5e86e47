package siptx

import (
	"context"
	"log/slog"

	"github.com/emiago/sipgo/sip"
)

// Event is a transaction lifecycle event.
// Events for a given transaction are delivered to subscribers in the exact
// order transitions occur; no ordering is guaranteed between transactions.
type Event interface {
	// Key returns the key of the transaction that produced the event.
	Key() TransactionKey
}

// EventHandler consumes transaction events.
type EventHandler = func(ctx context.Context, ev Event)

// StateChangedEvent is emitted on every transaction state transition.
type StateChangedEvent struct {
	TxKey    TransactionKey
	Previous TransactionState
	New      TransactionState
}

func (e StateChangedEvent) Key() TransactionKey { return e.TxKey }

// LogValue implements [slog.LogValuer].
func (e StateChangedEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("key", e.TxKey),
		slog.Any("previous", e.Previous),
		slog.Any("new", e.New),
	)
}

// ProvisionalResponseEvent is emitted when a client transaction receives a 1xx response.
type ProvisionalResponseEvent struct {
	TxKey    TransactionKey
	Response *sip.Response
}

func (e ProvisionalResponseEvent) Key() TransactionKey { return e.TxKey }

// SuccessResponseEvent is emitted when a client transaction receives a 2xx response.
type SuccessResponseEvent struct {
	TxKey    TransactionKey
	Response *sip.Response
}

func (e SuccessResponseEvent) Key() TransactionKey { return e.TxKey }

// FailureResponseEvent is emitted when a client transaction receives a 300-699 response.
type FailureResponseEvent struct {
	TxKey    TransactionKey
	Response *sip.Response
}

func (e FailureResponseEvent) Key() TransactionKey { return e.TxKey }

// TimeoutEvent is emitted when Timer B, F or H fires without the awaited
// response or ACK. The transaction is forced to the terminated state.
type TimeoutEvent struct {
	TxKey TransactionKey
}

func (e TimeoutEvent) Key() TransactionKey { return e.TxKey }

// TransportErrorEvent is emitted when a network send fails.
// The transaction is forced to the terminated state.
type TransportErrorEvent struct {
	TxKey TransactionKey
	Err   error
}

func (e TransportErrorEvent) Key() TransactionKey { return e.TxKey }

// LogValue implements [slog.LogValuer].
func (e TransportErrorEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("key", e.TxKey),
		slog.Any("error", e.Err),
	)
}
