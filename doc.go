// Package siptx implements the SIP transaction layer defined in RFC 3261
// section 17 on top of a pluggable transport.
//
// Each transaction is an independent sequential actor: a single driver
// goroutine owns the transaction state machine and processes application
// calls, inbound messages and timer firings strictly in order. The
// [TransactionManager] keeps the transaction registries, routes inbound
// messages from the transport layer to the matching transactions and
// creates server transactions for unmatched inbound requests.
//
// The layer deviates from RFC 3261 in a few deliberate ways: a CANCEL
// request runs under a freshly generated Via branch and correlates to its
// INVITE through the dialog identifiers, 2xx final responses terminate
// INVITE transactions immediately on both sides, and terminated
// transactions stay inspectable in the registry until
// [TransactionManager.CleanupTerminatedTransactions] removes them.
package siptx
