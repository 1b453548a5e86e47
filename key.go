package siptx

import (
	"log/slog"
	"strings"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"

	"github.com/arcavoip/siptx/internal/util"
)

// rfc3261BranchMagic prefixes every branch token generated per RFC 3261.
const rfc3261BranchMagic = "z9hG4bK"

// IsRFC3261Branch reports whether the branch token carries the RFC 3261 magic cookie.
func IsRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, rfc3261BranchMagic)
}

// TransactionKey is the immutable identity of a transaction.
// It is used as the registry map key and as the correlation token embedded
// in every event. Two keys are equal iff branch, method and side are equal.
//
// Method is the CSeq method, not necessarily the request method:
// CANCEL and ACK transactions are keyed by their own method.
//
//nolint:recvcheck
type TransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string `json:"branch"`
	// Method of the request that created the transaction.
	Method string `json:"method"`
	// IsServer marks the key as belonging to a server transaction.
	IsServer bool `json:"is_server"`
}

var zeroTxKey TransactionKey

// FillFromRequest populates the key fields from the given request.
func (k *TransactionKey) FillFromRequest(req *sip.Request, isServer bool) error {
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}

	via := req.Via()
	if via == nil || via.Params == nil {
		return errtrace.Wrap(NewInvalidArgumentError("missing Via header"))
	}
	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" {
		return errtrace.Wrap(NewInvalidArgumentError("missing Via branch parameter"))
	}

	k.Branch = branch
	k.Method = util.UCase(string(req.Method))
	k.IsServer = isServer
	return nil
}

// FillFromResponse populates the key fields from the given response.
// Responses are always matched against client transactions, so the key method
// is taken from the CSeq header and the side is set to client.
func (k *TransactionKey) FillFromResponse(res *sip.Response) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}

	via := res.Via()
	if via == nil || via.Params == nil {
		return errtrace.Wrap(NewInvalidArgumentError("missing Via header"))
	}
	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" {
		return errtrace.Wrap(NewInvalidArgumentError("missing Via branch parameter"))
	}
	cseq := res.CSeq()
	if cseq == nil {
		return errtrace.Wrap(NewInvalidArgumentError("missing CSeq header"))
	}

	k.Branch = branch
	k.Method = util.UCase(string(cseq.MethodName))
	k.IsServer = false
	return nil
}

// Equal checks whether the key is equal to another key.
func (k TransactionKey) Equal(val any) bool {
	var other TransactionKey
	switch v := val.(type) {
	case TransactionKey:
		other = v
	case *TransactionKey:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}

	return k.Branch == other.Branch &&
		util.EqFold(k.Method, other.Method) &&
		k.IsServer == other.IsServer
}

// IsValid checks whether the key is valid.
func (k TransactionKey) IsValid() bool {
	return k.Branch != "" && k.Method != ""
}

// IsZero checks whether the key is zero.
func (k TransactionKey) IsZero() bool {
	return k == zeroTxKey
}

// LogValue returns a [slog.Value] for the key.
func (k TransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("method", k.Method),
		slog.Bool("is_server", k.IsServer),
	)
}

func (k TransactionKey) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(k.Branch)
	sb.WriteByte('|')
	sb.WriteString(util.UCase(k.Method))
	sb.WriteByte('|')
	if k.IsServer {
		sb.WriteString("server")
	} else {
		sb.WriteString("client")
	}
	return sb.String()
}
