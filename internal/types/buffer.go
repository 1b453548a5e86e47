package types

import "sync"

// Buffer is a thread-safe append-only buffer that hands its contents off in
// one piece. Transactions use it to hold messages that arrive before the
// state machine is ready to consume them.
type Buffer[T any] struct {
	mu    sync.Mutex
	items []T
}

// Append adds items to the end of the buffer.
func (b *Buffer[T]) Append(items ...T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, items...)
}

// Drain removes and returns all buffered items in append order. The returned
// slice is owned by the caller.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// IsEmpty reports whether the buffer holds no items.
func (b *Buffer[T]) IsEmpty() bool {
	return b.Len() == 0
}
