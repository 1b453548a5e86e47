package siptx_test

import (
	"errors"
	"testing"

	"github.com/emiago/sipgo/sip"

	siptx "github.com/arcavoip/siptx"
)

func TestTransactionKey_FillFromRequest(t *testing.T) {
	t.Parallel()

	req := newInviteReq(t, "z9hG4bK.key-req")

	var key siptx.TransactionKey
	if err := key.FillFromRequest(req, true); err != nil {
		t.Fatalf("key.FillFromRequest() error = %v, want nil", err)
	}

	want := siptx.TransactionKey{Branch: "z9hG4bK.key-req", Method: "INVITE", IsServer: true}
	if key != want {
		t.Fatalf("key = %+v, want %+v", key, want)
	}
}

func TestTransactionKey_FillFromRequest_AckKeepsOwnMethod(t *testing.T) {
	t.Parallel()

	invite := newInviteReq(t, "z9hG4bK.key-ack")
	ack := newAckReq(t, invite, newRes(t, invite, statusBusyHere, "Busy Here"))

	var key siptx.TransactionKey
	if err := key.FillFromRequest(ack, true); err != nil {
		t.Fatalf("key.FillFromRequest() error = %v, want nil", err)
	}

	// ACK is keyed by its own method, not by the INVITE it acknowledges.
	if key.Method != "ACK" {
		t.Fatalf("key.Method = %q, want %q", key.Method, "ACK")
	}
}

func TestTransactionKey_FillFromRequest_MissingBranch(t *testing.T) {
	t.Parallel()

	req := sip.NewRequest(sip.OPTIONS, sip.Uri{User: "alice", Host: "alice.voip.com"})

	var key siptx.TransactionKey
	if err := key.FillFromRequest(req, false); !errors.Is(err, siptx.ErrInvalidArgument) {
		t.Fatalf("key.FillFromRequest(no Via) error = %v, want %v", err, siptx.ErrInvalidArgument)
	}
}

func TestTransactionKey_FillFromResponse(t *testing.T) {
	t.Parallel()

	req := newNonInviteReq(t, "z9hG4bK.key-res")
	res := newRes(t, req, sip.StatusOK, "OK")

	var key siptx.TransactionKey
	if err := key.FillFromResponse(res); err != nil {
		t.Fatalf("key.FillFromResponse() error = %v, want nil", err)
	}

	// Responses always match client transactions, the method comes from CSeq.
	want := siptx.TransactionKey{Branch: "z9hG4bK.key-res", Method: "OPTIONS", IsServer: false}
	if key != want {
		t.Fatalf("key = %+v, want %+v", key, want)
	}
}

func TestTransactionKey_Equal(t *testing.T) {
	t.Parallel()

	key := siptx.TransactionKey{Branch: "z9hG4bK.key-eq", Method: "INVITE", IsServer: false}

	if !key.Equal(key) {
		t.Errorf("key.Equal(self) = false, want true")
	}
	if !key.Equal(&key) {
		t.Errorf("key.Equal(&self) = false, want true")
	}
	// Method comparison is case-insensitive.
	if !key.Equal(siptx.TransactionKey{Branch: "z9hG4bK.key-eq", Method: "invite"}) {
		t.Errorf("key.Equal(lowercase method) = false, want true")
	}
	if key.Equal(siptx.TransactionKey{Branch: "z9hG4bK.key-eq", Method: "INVITE", IsServer: true}) {
		t.Errorf("key.Equal(server side) = true, want false")
	}
	if key.Equal(siptx.TransactionKey{Branch: "z9hG4bK.other", Method: "INVITE"}) {
		t.Errorf("key.Equal(other branch) = true, want false")
	}
	if key.Equal(42) {
		t.Errorf("key.Equal(non-key) = true, want false")
	}
}

func TestTransactionKey_String(t *testing.T) {
	t.Parallel()

	key := siptx.TransactionKey{Branch: "z9hG4bK.key-str", Method: "invite", IsServer: true}
	if got, want := key.String(), "z9hG4bK.key-str|INVITE|server"; got != want {
		t.Errorf("key.String() = %q, want %q", got, want)
	}

	key.IsServer = false
	if got, want := key.String(), "z9hG4bK.key-str|INVITE|client"; got != want {
		t.Errorf("key.String() = %q, want %q", got, want)
	}
}

func TestTransactionKey_Validity(t *testing.T) {
	t.Parallel()

	var key siptx.TransactionKey
	if key.IsValid() {
		t.Errorf("zero key IsValid() = true, want false")
	}
	if !key.IsZero() {
		t.Errorf("zero key IsZero() = false, want true")
	}

	key = siptx.TransactionKey{Branch: "z9hG4bK.key-valid", Method: "OPTIONS"}
	if !key.IsValid() {
		t.Errorf("key.IsValid() = false, want true")
	}
	if key.IsZero() {
		t.Errorf("key.IsZero() = true, want false")
	}
}

func TestIsRFC3261Branch(t *testing.T) {
	t.Parallel()

	if !siptx.IsRFC3261Branch("z9hG4bK.abc") {
		t.Errorf("IsRFC3261Branch(magic cookie) = false, want true")
	}
	if siptx.IsRFC3261Branch("1234abc") {
		t.Errorf("IsRFC3261Branch(no cookie) = true, want false")
	}
}
