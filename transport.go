package siptx

import (
	"context"
	"net/netip"

	"github.com/emiago/sipgo/sip"
)

// Transport is the sending capability shared by all transactions.
// It has no per-transaction state; implementations must be safe for
// concurrent use by arbitrarily many transactions.
type Transport interface {
	// Send writes the rendered message to the destination address.
	Send(ctx context.Context, msg sip.Message, dst netip.AddrPort) error
	// LocalAddr returns the local address the transport is bound to.
	LocalAddr() netip.AddrPort
	// Reliable reports whether the transport guarantees delivery (TCP, TLS).
	// Retransmission timers A/E/G and wait timers D/I/J/K are disabled on
	// reliable transports.
	Reliable() bool
}
