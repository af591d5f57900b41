package sip

import "github.com/emiago/sipgo/sip"

// buildCalleeBYE creates an in-dialog BYE toward the callee leg. The
// Request-URI is the Contact from the callee's 200 OK and the dialog
// headers match the forwarded INVITE exchange.
func buildCalleeBYE(d *Dialog) *sip.Request {
	if d.CalleeReq == nil {
		return nil
	}

	recipient := &d.CalleeReq.Recipient
	if d.CalleeRes != nil {
		if contact := d.CalleeRes.Contact(); contact != nil {
			recipient = &contact.Address
		}
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = d.CalleeReq.SipVersion

	// From stays ours; To carries the remote tag from the 200 OK.
	if h := d.CalleeReq.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if d.CalleeRes != nil {
		if h := d.CalleeRes.To(); h != nil {
			bye.AppendHeader(sip.HeaderClone(h))
		}
	} else if h := d.CalleeReq.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := d.CalleeReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	cseq := &sip.CSeqHeader{SeqNo: 2, MethodName: sip.BYE}
	bye.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(d.CalleeReq.Transport())
	bye.SetSource(d.CalleeReq.Source())

	return bye
}

// buildCallerBYE creates a BYE toward the caller leg. The PBX was the
// UAS for the caller's INVITE, so From/To are swapped relative to the
// original request.
func buildCallerBYE(d *Dialog) *sip.Request {
	if d.CallerReq == nil {
		return nil
	}

	recipient := &d.CallerReq.Recipient
	if contact := d.CallerReq.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = d.CallerReq.SipVersion

	if h := d.CallerReq.To(); h != nil {
		fromHeader := h.AsFrom()
		bye.AppendHeader(&fromHeader)
	}
	if h := d.CallerReq.From(); h != nil {
		toHeader := h.AsTo()
		bye.AppendHeader(&toHeader)
	}
	if h := d.CallerReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	cseq := &sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE}
	bye.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(d.CallerReq.Transport())
	bye.SetSource(d.CallerReq.Source())

	return bye
}
