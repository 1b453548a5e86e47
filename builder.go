package siptx

import (
	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"

	"github.com/arcavoip/siptx/internal/errorutil"
)

// NewCancelRequest builds a CANCEL request for an in-progress INVITE
// per RFC 3261 section 9.1: same Request-URI, Call-ID, From, To and CSeq
// sequence number as the INVITE. The CANCEL gets its own freshly generated
// Via branch, so it runs as an independent client transaction correlated to
// the INVITE by the dialog identifiers rather than by the branch token.
func NewCancelRequest(invite *sip.Request) (*sip.Request, error) {
	if invite == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if invite.Method != sip.INVITE {
		return nil, errtrace.Wrap(NewInvalidArgumentError(
			errorutil.NewWrapperError(ErrMethodNotAllowed, "cannot cancel %q request", invite.Method),
		))
	}
	via := invite.Via()
	if via == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing Via header"))
	}
	cseq := invite.CSeq()
	if cseq == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing CSeq header"))
	}

	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancel.SipVersion = invite.SipVersion
	cancel.SetTransport(via.Transport)

	cancel.AppendHeader(&sip.ViaHeader{
		ProtocolName:    via.ProtocolName,
		ProtocolVersion: via.ProtocolVersion,
		Transport:       via.Transport,
		Host:            via.Host,
		Port:            via.Port,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	})
	sip.CopyHeaders("Route", invite, cancel)
	copyDialogHeaders(invite, cancel)
	cancel.AppendHeader(&sip.CSeqHeader{
		SeqNo:      cseq.SeqNo,
		MethodName: sip.CANCEL,
	})
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	return cancel, nil
}

// NewAckRequest builds the ACK for a 2xx final response per RFC 3261
// section 13.2.2.4: the ACK for 2xx is a new request outside the INVITE
// transaction, addressed to the remote target from the response Contact
// and carrying a freshly generated Via branch.
func NewAckRequest(invite *sip.Request, res *sip.Response) (*sip.Request, error) {
	if invite == nil || invite.Method != sip.INVITE {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if res == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	via := invite.Via()
	if via == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing Via header"))
	}
	cseq := invite.CSeq()
	if cseq == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing CSeq header"))
	}

	recipient := invite.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, recipient)
	ack.SipVersion = invite.SipVersion
	ack.SetTransport(via.Transport)

	ack.AppendHeader(&sip.ViaHeader{
		ProtocolName:    via.ProtocolName,
		ProtocolVersion: via.ProtocolVersion,
		Transport:       via.Transport,
		Host:            via.Host,
		Port:            via.Port,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	})
	sip.CopyHeaders("Route", invite, ack)
	if from := invite.From(); from != nil {
		ack.AppendHeader(sip.HeaderClone(from))
	}
	// To with the tag assigned by the response.
	if to := res.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	}
	if callID := invite.CallID(); callID != nil {
		ack.AppendHeader(sip.HeaderClone(callID))
	}
	ack.AppendHeader(&sip.CSeqHeader{
		SeqNo:      cseq.SeqNo,
		MethodName: sip.ACK,
	})
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	return ack, nil
}

// newAckRequest builds the in-transaction ACK for a non-2xx final response
// per RFC 3261 section 17.1.1.3: same Request-URI, Call-ID, From, CSeq
// number and topmost Via (same branch!) as the INVITE, To taken from the
// response. Inputs are trusted, the transaction validated them already.
func newAckRequest(invite *sip.Request, res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, invite.Recipient)
	ack.SipVersion = invite.SipVersion
	ack.SetTransport(invite.Transport())

	if via := invite.Via(); via != nil {
		ack.AppendHeader(sip.HeaderClone(via))
	}
	sip.CopyHeaders("Route", invite, ack)
	if from := invite.From(); from != nil {
		ack.AppendHeader(sip.HeaderClone(from))
	}
	if to := res.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	} else if to := invite.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	}
	if callID := invite.CallID(); callID != nil {
		ack.AppendHeader(sip.HeaderClone(callID))
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.ACK,
		})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	return ack
}

// copyDialogHeaders copies the dialog identification headers from src to dst.
func copyDialogHeaders(src *sip.Request, dst *sip.Request) {
	if from := src.From(); from != nil {
		dst.AppendHeader(sip.HeaderClone(from))
	}
	if to := src.To(); to != nil {
		dst.AppendHeader(sip.HeaderClone(to))
	}
	if callID := src.CallID(); callID != nil {
		dst.AppendHeader(sip.HeaderClone(callID))
	}
}
