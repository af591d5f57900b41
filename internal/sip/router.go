package sip

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/relaypbx/relaypbx/internal/media"
	"github.com/relaypbx/relaypbx/internal/sdp"
	"github.com/relaypbx/relaypbx/internal/store/models"
)

// ActiveCall is the monitoring view of one in-flight call.
type ActiveCall struct {
	CallID     string     `json:"call_id"`
	State      string     `json:"state"`
	Direction  string     `json:"direction"`
	CallerURI  string     `json:"caller_uri"`
	CalleeURI  string     `json:"callee_uri"`
	StartTime  time.Time  `json:"start_time"`
	AnswerTime *time.Time `json:"answer_time,omitempty"`
}

// Router is the call-control surface consumed by external collaborators
// (admin API, IVR engine). It operates on the same dialog and pending
// call state as the SIP dispatchers.
type Router struct {
	dialogs   *DialogManager
	pending   *PendingCallManager
	registrar *Registrar
	forwarder *Forwarder
	cdrs      *CDREmitter
	ports     *media.PortPool
	mediaIP   string
	codecs    []string
	ringingTO time.Duration
	logger    *slog.Logger
}

// NewRouter creates the call-control facade.
func NewRouter(
	dialogs *DialogManager,
	pending *PendingCallManager,
	registrar *Registrar,
	forwarder *Forwarder,
	cdrs *CDREmitter,
	ports *media.PortPool,
	mediaIP string,
	codecs []string,
	ringingTimeout time.Duration,
	logger *slog.Logger,
) *Router {
	if ringingTimeout == 0 {
		ringingTimeout = 60 * time.Second
	}
	return &Router{
		dialogs:   dialogs,
		pending:   pending,
		registrar: registrar,
		forwarder: forwarder,
		cdrs:      cdrs,
		ports:     ports,
		mediaIP:   mediaIP,
		codecs:    codecs,
		ringingTO: ringingTimeout,
		logger:    logger.With("subsystem", "router"),
	}
}

// CreateCall originates a PBX-sourced call to a registered user. Media
// is anchored at the PBX; the returned Call-ID identifies the dialog.
func (r *Router) CreateCall(callerID, calleeUser string) (string, error) {
	contacts := r.registrar.Lookup(calleeUser)
	if len(contacts) == 0 {
		return "", ErrNotFound
	}

	callID := uuid.New().String() + "@relaypbx"

	lease, err := r.ports.Allocate()
	if err != nil {
		return "", err
	}
	mcodec, _ := media.CodecByName(r.codecs[0])
	stream := media.NewStream(lease, mcodec, callID, r.logger)
	stream.SetDirection(media.DirectionSendRecv)

	offer, err := sdp.BuildOffer(sdp.AnswerParams{
		Username:   "relaypbx",
		SessionID:  time.Now().Unix(),
		LocalIP:    r.mediaIP,
		LocalPort:  stream.LocalRTPPort(),
		Preference: r.codecs,
	})
	if err != nil {
		stream.Stop()
		return "", err
	}

	caller := Leg{URI: "sip:" + callerID, Username: callerID, Stream: stream}
	callee := Leg{URI: "sip:" + calleeUser, Username: calleeUser}
	d, err := r.dialogs.Create(callID, caller, callee, models.DirectionOutbound)
	if err != nil {
		stream.Stop()
		return "", err
	}
	r.cdrs.Open(d)
	if err := d.Transition(StateTrying); err != nil {
		r.logger.Error("dialog transition failed", "call_id", callID, "error", err)
	}

	// Build a synthetic request so the forwarder can correlate legs.
	var recipient sip.Uri
	if err := sip.ParseUri(contacts[0].ContactURI, &recipient); err != nil {
		stream.Stop()
		r.dialogs.Terminate(callID, StateFailed, "bad contact", 500)
		return "", err
	}
	seedReq := sip.NewRequest(sip.INVITE, recipient)
	seedReq.AppendHeader(sip.NewHeader("Call-ID", callID))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.ringingTO)
		defer cancel()

		result := r.forwarder.Forward(ctx, seedReq, nil, contacts, offer.Marshal(), callID)
		if !result.Answered {
			stream.Stop()
			code := result.FinalCode
			if code == 0 {
				code = 408
			}
			if terminated := r.dialogs.Terminate(callID, StateFailed, "originate failed", code); terminated != nil {
				r.cdrs.Finalize(terminated, "")
			}
			return
		}

		ack := buildACKFor2xx(result.AnsweringReq, result.AnswerResponse)
		if err := r.forwarder.Client().WriteRequest(ack); err != nil {
			r.logger.Error("failed to ack originated call",
				"call_id", callID,
				"error", err,
			)
		}

		if answer, err := sdp.Parse(result.AnswerResponse.Body()); err == nil {
			if remote, err := answer.RTPAddr(); err == nil {
				stream.SetRemote(remote)
			}
		}
		stream.Start()

		d.CalleeTx = result.AnsweringTx
		d.CalleeReq = result.AnsweringReq
		d.CalleeRes = result.AnswerResponse
		d.Codec = r.codecs[0]
		if err := d.Transition(StateEstablished); err != nil {
			r.logger.Error("dialog transition failed", "call_id", callID, "error", err)
			return
		}
		r.cdrs.MarkAnswered(d)
		r.logger.Info("originated call answered", "call_id", callID)
	}()

	return callID, nil
}

// AnswerCall answers a ringing call at the PBX instead of waiting for a
// device: the forward legs are cancelled and media is terminated locally.
func (r *Router) AnswerCall(callID string) error {
	pc := r.pending.Remove(callID)
	if pc == nil {
		return ErrDialogNotFound
	}
	if pc.CancelForward != nil {
		pc.CancelForward()
	}
	if pc.Release != nil {
		pc.Release()
	}

	offer, err := sdp.Parse(pc.CallerReq.Body())
	if err != nil {
		return fmt.Errorf("parsing caller offer: %w", err)
	}
	codec, err := sdp.Negotiate(offer, r.codecs)
	if err != nil {
		return err
	}

	stream, body, err := allocateTerminatedMedia(r.ports, r.mediaIP, r.codecs, offer, codec, callID, r.logger)
	if err != nil {
		return err
	}

	res := sip.NewResponseFromRequest(pc.CallerReq, 200, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := pc.CallerTx.Respond(res); err != nil {
		stream.Stop()
		return fmt.Errorf("answering call: %w", err)
	}

	d := pc.Dialog
	d.Callee.Stream = stream
	d.Codec = codec.Name
	if err := d.Transition(StateEstablished); err != nil {
		r.logger.Error("dialog transition failed", "call_id", callID, "error", err)
	}
	r.cdrs.MarkAnswered(d)
	return nil
}

// GetState returns the state of the dialog owning the Call-ID.
func (r *Router) GetState(callID string) (CallState, bool) {
	d := r.dialogs.Get(callID)
	if d == nil {
		return StateIdle, false
	}
	return d.State(), true
}

// ListActive returns summaries of every active dialog.
func (r *Router) ListActive() []ActiveCall {
	dialogs := r.dialogs.ActiveCalls()
	calls := make([]ActiveCall, 0, len(dialogs))
	for _, d := range dialogs {
		calls = append(calls, ActiveCall{
			CallID:     d.CallID,
			State:      d.State().String(),
			Direction:  d.Direction,
			CallerURI:  d.Caller.URI,
			CalleeURI:  d.Callee.URI,
			StartTime:  d.StartTime,
			AnswerTime: d.AnswerTime,
		})
	}
	return calls
}

// GetActiveCalls is the monitoring alias for ListActive.
func (r *Router) GetActiveCalls() []ActiveCall {
	return r.ListActive()
}

// ActiveCallCount returns the number of active dialogs plus pending
// (ringing) calls.
func (r *Router) ActiveCallCount() int {
	return r.dialogs.ActiveCallCount() + r.pending.Count()
}

// CancelCall aborts a ringing call the way a caller's CANCEL would:
// 487 to the INVITE, forward legs cancelled, dialog Cancelled.
func (r *Router) CancelCall(callID string) error {
	pc := r.pending.Cancel(callID)
	if pc == nil {
		return ErrDialogNotFound
	}

	if terminated := r.dialogs.Terminate(callID, StateCancelled, "cancelled", 487); terminated != nil {
		r.cdrs.Finalize(terminated, terminated.Codec)
	}
	return nil
}

// RejectCall refuses a ringing call with the given SIP code (486 Busy,
// 603 Decline, ...).
func (r *Router) RejectCall(callID string, code int) error {
	pc := r.pending.Remove(callID)
	if pc == nil {
		return ErrDialogNotFound
	}

	if pc.CancelForward != nil {
		pc.CancelForward()
	}
	if pc.Release != nil {
		pc.Release()
	}

	res := sip.NewResponseFromRequest(pc.CallerReq, code, sipReason(code), nil)
	if err := pc.CallerTx.Respond(res); err != nil {
		r.logger.Error("failed to reject call",
			"call_id", callID,
			"code", code,
			"error", err,
		)
	}

	if terminated := r.dialogs.Terminate(callID, StateFailed, "rejected", code); terminated != nil {
		r.cdrs.Finalize(terminated, terminated.Codec)
	}
	return nil
}

// TerminateCall ends an established call gracefully: BYE to both legs,
// bridge stopped, CDR finalized as Completed.
func (r *Router) TerminateCall(callID string) error {
	d := r.dialogs.Get(callID)
	if d == nil {
		return ErrDialogNotFound
	}
	if d.State() != StateEstablished {
		return fmt.Errorf("%w: call is %s", ErrIllegalTransition, d.State())
	}

	r.hangupBothLegs(d)

	terminated := r.dialogs.Terminate(callID, StateCompleted, "terminated by control", 200)
	if terminated != nil {
		r.cdrs.Finalize(terminated, terminated.Codec)
	}
	return nil
}

// ForceHangup tears a call down regardless of state: pending calls are
// cancelled, established calls get BYE on both legs.
func (r *Router) ForceHangup(callID string) error {
	if r.pending.Get(callID) != nil {
		return r.CancelCall(callID)
	}

	d := r.dialogs.Get(callID)
	if d == nil {
		return ErrDialogNotFound
	}

	r.hangupBothLegs(d)

	final := StateCompleted
	code := 200
	if d.State() != StateEstablished {
		final = StateFailed
		code = 500
	}
	terminated := r.dialogs.Terminate(callID, final, "force hangup", code)
	if terminated != nil {
		r.cdrs.Finalize(terminated, terminated.Codec)
	}
	return nil
}

// SetCallerContact overrides the caller leg's transport address.
func (r *Router) SetCallerContact(callID, source string) error {
	d := r.dialogs.Get(callID)
	if d == nil {
		return ErrDialogNotFound
	}
	d.Caller.Source = source
	return nil
}

// SetCalleeContact overrides the callee leg's transport address.
func (r *Router) SetCalleeContact(callID, source string) error {
	d := r.dialogs.Get(callID)
	if d == nil {
		return ErrDialogNotFound
	}
	d.Callee.Source = source
	r.cdrs.SetCalleeContact(d, source)
	return nil
}

// hangupBothLegs sends BYE toward each leg that has dialog state.
func (r *Router) hangupBothLegs(d *Dialog) {
	if bye := buildCalleeBYE(d); bye != nil {
		if err := r.forwarder.Client().WriteRequest(bye); err != nil {
			r.logger.Error("failed to send bye to callee",
				"call_id", d.CallID,
				"error", err,
			)
		}
	}
	if bye := buildCallerBYE(d); bye != nil {
		if err := r.forwarder.Client().WriteRequest(bye); err != nil {
			r.logger.Error("failed to send bye to caller",
				"call_id", d.CallID,
				"error", err,
			)
		}
	}
}
