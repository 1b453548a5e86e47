package siptx_test

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	siptx "github.com/arcavoip/siptx"
)

var (
	testLocalAddr  = netip.MustParseAddrPort("127.0.0.1:5060")
	testRemoteAddr = netip.MustParseAddrPort("127.0.0.2:5070")
)

// Response status codes used across the tests.
const (
	statusRinging  = 180
	statusBusyHere = 486
	statusNotFound = 404
)

// testTimings returns a timing config scaled down for fast tests:
// T1 of 10ms keeps the 64*T1 timeouts under a second.
func testTimings() siptx.TimingConfig {
	t1 := 10 * time.Millisecond
	return siptx.NewTimings(t1, 4*t1, 5*t1, 8*t1, 2*t1)
}

type sendCall struct {
	msg sip.Message
	dst netip.AddrPort
}

// stubTransport is a test stub implementing [siptx.Transport].
// It records every sent message and can inject send failures.
type stubTransport struct {
	laddr netip.AddrPort
	rel   bool

	mu       sync.Mutex
	sent     []sendCall
	sendCh   chan sendCall
	sendHook func(call sendCall, index int) error
}

func newStubTransport(rel bool) *stubTransport {
	return &stubTransport{
		laddr:  testLocalAddr,
		rel:    rel,
		sendCh: make(chan sendCall, 16),
	}
}

func (st *stubTransport) Send(_ context.Context, msg sip.Message, dst netip.AddrPort) error {
	call := sendCall{msg: msg, dst: dst}

	st.mu.Lock()
	idx := len(st.sent)
	st.sent = append(st.sent, call)
	hook := st.sendHook
	st.mu.Unlock()

	select {
	case st.sendCh <- call:
	default:
	}

	if hook != nil {
		return hook(call, idx)
	}
	return nil
}

func (st *stubTransport) LocalAddr() netip.AddrPort { return st.laddr }

func (st *stubTransport) Reliable() bool { return st.rel }

func (st *stubTransport) sentCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sent)
}

// waitSend waits for a message to be sent and returns it.
func (st *stubTransport) waitSend(tb testing.TB, timeout time.Duration) sendCall {
	tb.Helper()
	select {
	case call := <-st.sendCh:
		return call
	case <-time.After(timeout):
		tb.Fatalf("expected message send within %v", timeout)
		return sendCall{}
	}
}

// waitSendReq waits for a request to be sent and returns it.
func (st *stubTransport) waitSendReq(tb testing.TB, timeout time.Duration) *sip.Request {
	tb.Helper()
	call := st.waitSend(tb, timeout)
	req, ok := call.msg.(*sip.Request)
	if !ok {
		tb.Fatalf("sent message type = %T, want *sip.Request", call.msg)
	}
	return req
}

// waitSendRes waits for a response to be sent and returns it.
func (st *stubTransport) waitSendRes(tb testing.TB, timeout time.Duration) *sip.Response {
	tb.Helper()
	call := st.waitSend(tb, timeout)
	res, ok := call.msg.(*sip.Response)
	if !ok {
		tb.Fatalf("sent message type = %T, want *sip.Response", call.msg)
	}
	return res
}

// ensureNoSend asserts nothing is sent within timeout.
func (st *stubTransport) ensureNoSend(tb testing.TB, timeout time.Duration) {
	tb.Helper()
	select {
	case call := <-st.sendCh:
		tb.Fatalf("unexpected send: %T", call.msg)
	case <-time.After(timeout):
	}
}

// drainSends drains all pending sends from the channel.
func (st *stubTransport) drainSends() {
	for {
		select {
		case <-st.sendCh:
		default:
			return
		}
	}
}

func newInviteReq(tb testing.TB, branch string) *sip.Request {
	tb.Helper()

	if branch == "" {
		branch = "z9hG4bK.stub-branch"
	}
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "alice", Host: "alice.voip.com"})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "bob.voip.com",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", branch),
	})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: "bob", Host: "bob.voip.com"},
		Params:  sip.NewParams().Add("tag", "from-1234"),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: "alice", Host: "alice.voip.com"},
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader("call-1234@bob.voip.com")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	return req
}

func newNonInviteReq(tb testing.TB, branch string) *sip.Request {
	tb.Helper()

	req := newInviteReq(tb, branch)
	req.Method = sip.OPTIONS
	req.ReplaceHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	return req
}

// newAckReq builds the ACK a remote client sends to acknowledge a non-2xx
// final response: same branch and CSeq number as the INVITE, method ACK.
func newAckReq(tb testing.TB, invite *sip.Request, res *sip.Response) *sip.Request {
	tb.Helper()

	ack := invite.Clone()
	ack.Method = sip.ACK
	ack.ReplaceHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.ACK})
	if to := res.To(); to != nil {
		ack.ReplaceHeader(sip.HeaderClone(to))
	}
	return ack
}

func newRes(tb testing.TB, req *sip.Request, code int, reason string) *sip.Response {
	tb.Helper()
	return sip.NewResponseFromRequest(req, code, reason, nil)
}

// waitForTransactState polls until the transaction reaches the wanted state.
// State mutations happen on the transaction driver goroutine, so tests
// observe them asynchronously.
func waitForTransactState(tb testing.TB, tx siptx.Transaction, want siptx.TransactionState, timeout time.Duration) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tx.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatalf("transaction state did not reach %q, got %q", want, tx.State())
}

// closeTransact terminates the transaction and waits for its driver to exit.
func closeTransact(tb testing.TB, tx siptx.Transaction) {
	tb.Helper()

	if err := tx.Terminate(context.Background()); err != nil {
		tb.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		tb.Fatalf("transaction driver did not exit")
	}
}
