package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// ForwardResult describes the outcome of forwarding an INVITE to a
// callee's registered contacts.
type ForwardResult struct {
	// Answered is true if a contact returned a 2xx.
	Answered bool

	// AnsweringBinding is the contact that answered.
	AnsweringBinding *Binding

	// AnswerResponse is the 2xx from the answering contact.
	AnswerResponse *sip.Response

	// AnsweringTx is the client transaction for the answered leg, which
	// the router must ACK.
	AnsweringTx sip.ClientTransaction

	// AnsweringReq is the forwarded INVITE of the answered leg.
	AnsweringReq *sip.Request

	// AllBusy is true if every contact responded 486.
	AllBusy bool

	// FinalCode is 486 when every contact was busy; otherwise it is the
	// status of the last failure response other than 486 and 487 (0 when
	// Answered or when no such response arrived).
	FinalCode int

	// TimedOut is true when the ringing timeout elapsed before any
	// final response.
	TimedOut bool

	// Error is set for non-SIP failures (e.g. transport errors on every leg).
	Error error
}

// forwardLeg is a single outbound INVITE toward one registered contact.
type forwardLeg struct {
	binding Binding
	tx      sip.ClientTransaction
	req     *sip.Request
}

// legResponse pairs a response (or error) with the leg it came from.
type legResponse struct {
	leg *forwardLeg
	res *sip.Response
	err error
}

// Forwarder sends INVITEs to all of a callee's registered contacts in
// parallel (ring-all) and relays provisional responses back to the
// caller's server transaction. The first 2xx wins; the remaining legs
// are cancelled.
type Forwarder struct {
	client *sipgo.Client
	// txTimeout bounds how long legs may stay silent (no response at
	// all) before the whole forward is treated as failed.
	txTimeout time.Duration
	logger    *slog.Logger
}

// NewForwarder creates an INVITE forwarder on the shared user agent.
func NewForwarder(ua *sipgo.UserAgent, txTimeout time.Duration, logger *slog.Logger) (*Forwarder, error) {
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("subsystem", "forwarder")),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip client for forwarder: %w", err)
	}

	if txTimeout == 0 {
		txTimeout = 32 * time.Second
	}

	return &Forwarder{
		client:    client,
		txTimeout: txTimeout,
		logger:    logger.With("subsystem", "forwarder"),
	}, nil
}

// Client exposes the underlying SIP client for in-dialog requests (ACK,
// BYE) and MWI notifies.
func (f *Forwarder) Client() *sipgo.Client { return f.client }

// Close releases the forwarder's SIP client resources.
func (f *Forwarder) Close() {
	f.client.Close()
}

// Forward sends the INVITE to every contact and drives the response
// sequencing. Provisional 180/183 responses are relayed to callerTx with
// the caller's To tag and Via intact (sipgo builds the relayed response
// from the original request). Cancelling ctx aborts all legs.
func (f *Forwarder) Forward(
	ctx context.Context,
	incomingReq *sip.Request,
	callerTx sip.ServerTransaction,
	contacts []Binding,
	body []byte,
	callID string,
) *ForwardResult {
	if len(contacts) == 0 {
		return &ForwardResult{Error: fmt.Errorf("no contacts to forward to")}
	}

	forkCtx, forkCancel := context.WithCancel(ctx)
	defer forkCancel()

	legs := make([]*forwardLeg, 0, len(contacts))
	for i := range contacts {
		leg, err := f.createLeg(forkCtx, incomingReq, contacts[i], body, callID)
		if err != nil {
			f.logger.Error("failed to create forward leg",
				"call_id", callID,
				"contact", contacts[i].ContactURI,
				"error", err,
			)
			continue
		}
		legs = append(legs, leg)
	}

	if len(legs) == 0 {
		return &ForwardResult{Error: fmt.Errorf("failed to create any forward legs")}
	}

	f.logger.Info("invite forwarded to contacts",
		"call_id", callID,
		"legs", len(legs),
	)

	responseCh := make(chan legResponse, len(legs)*4)
	var wg sync.WaitGroup

	for _, leg := range legs {
		wg.Add(1)
		go func(l *forwardLeg) {
			defer wg.Done()
			f.collectResponses(forkCtx, l, responseCh)
		}(leg)
	}

	go func() {
		wg.Wait()
		close(responseCh)
	}()

	ringingRelayed := false
	busyCount := 0
	failedCount := 0
	lastFailure := 0
	totalLegs := len(legs)
	var winner *forwardLeg
	var winnerRes *sip.Response

	// Silence across every leg for the transaction timeout means the
	// callee network is unreachable; treat it as a timeout failure.
	txTimer := time.NewTimer(f.txTimeout)
	defer txTimer.Stop()

collect:
	for {
		var lr legResponse
		var ok bool
		select {
		case lr, ok = <-responseCh:
			if !ok {
				break collect
			}
			txTimer.Stop()
		case <-txTimer.C:
			f.logger.Warn("transaction timeout with no responses",
				"call_id", callID,
			)
			forkCancel()
			f.cancelLegs(legs, nil)
			f.terminateLegs(legs, nil)
			return &ForwardResult{TimedOut: true}
		}

		if lr.err != nil {
			f.logger.Debug("forward leg error",
				"call_id", callID,
				"contact", lr.leg.binding.ContactURI,
				"error", lr.err,
			)
			failedCount++
			if busyCount+failedCount >= totalLegs {
				break
			}
			continue
		}

		res := lr.res
		switch {
		case res.StatusCode == 100:
			// Absorbed; the router already sent its own 100 Trying.

		case res.StatusCode == 180 || res.StatusCode == 183:
			// Relay the first provisional to the caller. callerTx is nil
			// for PBX-originated calls, which have no upstream leg.
			if !ringingRelayed && callerTx != nil {
				ringingRelayed = true
				prov := sip.NewResponseFromRequest(incomingReq, res.StatusCode, res.Reason, nil)
				if err := callerTx.Respond(prov); err != nil {
					f.logger.Error("failed to relay provisional to caller",
						"call_id", callID,
						"error", err,
					)
				}
			}

		case res.StatusCode >= 200 && res.StatusCode < 300:
			winner = lr.leg
			winnerRes = res
			f.logger.Info("forward leg answered",
				"call_id", callID,
				"contact", lr.leg.binding.ContactURI,
			)
			forkCancel()
			break collect

		case res.StatusCode == 486:
			busyCount++
			if busyCount+failedCount >= totalLegs {
				break collect
			}

		case res.StatusCode == 487:
			// Expected after CANCEL.
			failedCount++
			if busyCount+failedCount >= totalLegs {
				break collect
			}

		case res.StatusCode >= 300:
			failedCount++
			lastFailure = res.StatusCode
			f.logger.Debug("forward leg failed",
				"call_id", callID,
				"contact", lr.leg.binding.ContactURI,
				"status", res.StatusCode,
			)
			if busyCount+failedCount >= totalLegs {
				break collect
			}
		}
	}

	forkCancel()
	f.cancelLegs(legs, winner)
	f.terminateLegs(legs, winner)

	if winner != nil {
		return &ForwardResult{
			Answered:         true,
			AnsweringBinding: &winner.binding,
			AnswerResponse:   winnerRes,
			AnsweringTx:      winner.tx,
			AnsweringReq:     winner.req,
		}
	}

	if ctx.Err() != nil {
		return &ForwardResult{TimedOut: true}
	}
	if busyCount == totalLegs {
		return &ForwardResult{AllBusy: true, FinalCode: 486}
	}
	return &ForwardResult{FinalCode: lastFailure}
}

// createLeg builds and sends a forwarded INVITE to one contact.
func (f *Forwarder) createLeg(
	ctx context.Context,
	incomingReq *sip.Request,
	contact Binding,
	body []byte,
	callID string,
) (*forwardLeg, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(contact.ContactURI, &recipient); err != nil {
		return nil, fmt.Errorf("parsing contact uri %q: %w", contact.ContactURI, err)
	}

	// The phone may be behind NAT; prefer the source address observed
	// at registration time over the Contact URI host.
	if contact.SourceIP != "" && contact.SourcePort > 0 {
		recipient.Host = contact.SourceIP
		recipient.Port = contact.SourcePort
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(transportForBinding(contact))

	if len(body) > 0 {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}

	// Both legs share the Call-ID so logs and the CDR correlate.
	if cid := incomingReq.CallID(); cid != nil {
		req.AppendHeader(sip.NewHeader("Call-ID", cid.Value()))
	}

	if from := incomingReq.From(); from != nil && from.DisplayName != "" {
		req.AppendHeader(sip.NewHeader("X-Caller-Name", from.DisplayName))
	}

	tx, err := f.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("sending invite to %s: %w", contact.ContactURI, err)
	}

	return &forwardLeg{
		binding: contact,
		tx:      tx,
		req:     req,
	}, nil
}

// collectResponses reads responses from a leg's client transaction into
// the shared channel until a final response or cancellation.
func (f *Forwarder) collectResponses(ctx context.Context, leg *forwardLeg, ch chan<- legResponse) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-leg.tx.Done():
			if err := leg.tx.Err(); err != nil {
				ch <- legResponse{leg: leg, err: err}
			}
			return
		case res, ok := <-leg.tx.Responses():
			if !ok {
				return
			}
			ch <- legResponse{leg: leg, res: res}
			if res.StatusCode >= 200 {
				return
			}
		}
	}
}

// cancelLegs sends CANCEL to every leg except the winner.
func (f *Forwarder) cancelLegs(legs []*forwardLeg, winner *forwardLeg) {
	for _, leg := range legs {
		if leg == winner {
			continue
		}
		cancelReq := sip.NewRequest(sip.CANCEL, leg.req.Recipient)
		cancelReq.SetTransport(leg.req.Transport())

		if cid := leg.req.CallID(); cid != nil {
			cancelReq.AppendHeader(sip.NewHeader("Call-ID", cid.Value()))
		}

		cancelTx, err := f.client.TransactionRequest(context.Background(), cancelReq, sipgo.ClientRequestBuild)
		if err != nil {
			f.logger.Debug("failed to cancel forward leg",
				"contact", leg.binding.ContactURI,
				"error", err,
			)
			continue
		}
		cancelTx.Terminate()
	}
}

// terminateLegs terminates every leg transaction except the winner's.
func (f *Forwarder) terminateLegs(legs []*forwardLeg, winner *forwardLeg) {
	for _, leg := range legs {
		if leg == winner {
			continue
		}
		leg.tx.Terminate()
	}
}

// transportForBinding returns the SIP transport for a registration.
func transportForBinding(b Binding) string {
	switch b.Transport {
	case "tcp":
		return "TCP"
	case "tls":
		return "TLS"
	case "wss":
		return "WSS"
	default:
		return "UDP"
	}
}

// buildACKFor2xx creates the ACK for a 2xx response on a client leg.
// Per RFC 3261 §13.2.2.4 the UAC core generates this ACK and sends it
// directly via the transport.
func buildACKFor2xx(inviteReq *sip.Request, res *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if h := inviteReq.Via(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To comes from the response so the remote tag is included.
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cseq := &sip.CSeqHeader{
			SeqNo:      h.SeqNo,
			MethodName: sip.ACK,
		}
		ack.AppendHeader(cseq)
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}
