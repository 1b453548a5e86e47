package siptx

import "github.com/arcavoip/siptx/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrActionNotAllowed Error = "action not allowed"
)

// Transaction errors.
const (
	ErrTransactionNotFound      Error = "transaction not found"
	ErrTransactionExists        Error = "transaction already exists"
	ErrTransactionTimedOut      Error = "transaction timed out"
	ErrTransactionManagerClosed Error = "transaction manager closed"
	ErrTransactionTerminated    Error = "transaction terminated"
	ErrInvalidTransition        Error = "invalid state transition"
)

// Message errors.
const (
	ErrMethodNotAllowed  Error = "request method not allowed"
	ErrMessageNotMatched Error = "message not matched"
)

// Error represents a SIP transaction error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// NewTransactionNotFoundError creates a [ErrTransactionNotFound] error
// carrying the missing key.
func NewTransactionNotFoundError(key TransactionKey) error {
	return errorutil.NewWrapperError(ErrTransactionNotFound, "%s", key) //errtrace:skip
}

// NewTransactionExistsError creates a [ErrTransactionExists] error
// carrying the conflicting key.
func NewTransactionExistsError(key TransactionKey) error {
	return errorutil.NewWrapperError(ErrTransactionExists, "%s", key) //errtrace:skip
}
