package siptx

import (
	"context"
	"iter"

	"braces.dev/errtrace"

	"github.com/arcavoip/siptx/internal/syncutil"
)

// TransactionStore is a registry of transactions keyed by [TransactionKey].
// The manager keeps one store per transaction side. Implementations must be
// safe for concurrent use.
type TransactionStore[T Transaction] interface {
	// Store adds the transaction to the store.
	// It returns [ErrTransactionExists] if a transaction with the same key
	// is already stored.
	Store(ctx context.Context, tx T) error
	// Load returns the transaction with the given key.
	// It returns [ErrTransactionNotFound] if no such transaction is stored.
	Load(ctx context.Context, key TransactionKey) (T, error)
	// Delete removes the transaction with the given key.
	Delete(ctx context.Context, key TransactionKey) error
	// All returns an iterator over all stored transactions.
	All(ctx context.Context) (iter.Seq[T], error)
}

type memoryTransactionStore[T Transaction] struct {
	txs *syncutil.ShardMap[TransactionKey, T]
}

// NewMemoryTransactionStore creates an in-memory [TransactionStore].
func NewMemoryTransactionStore[T Transaction]() TransactionStore[T] {
	return &memoryTransactionStore[T]{
		txs: syncutil.NewShardMap[TransactionKey, T](),
	}
}

func (s *memoryTransactionStore[T]) Store(_ context.Context, tx T) error {
	if !s.txs.SetIfAbsent(tx.Key(), tx) {
		return errtrace.Wrap(NewTransactionExistsError(tx.Key()))
	}
	return nil
}

func (s *memoryTransactionStore[T]) Load(_ context.Context, key TransactionKey) (T, error) {
	tx, ok := s.txs.Get(key)
	if !ok {
		return tx, errtrace.Wrap(NewTransactionNotFoundError(key))
	}
	return tx, nil
}

func (s *memoryTransactionStore[T]) Delete(_ context.Context, key TransactionKey) error {
	s.txs.Del(key)
	return nil
}

func (s *memoryTransactionStore[T]) All(_ context.Context) (iter.Seq[T], error) {
	return func(yield func(T) bool) {
		for _, tx := range s.txs.Items() {
			if !yield(tx) {
				return
			}
		}
	}, nil
}
