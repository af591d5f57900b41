package sip

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/rtp"
	"github.com/relaypbx/relaypbx/internal/media"
	"github.com/relaypbx/relaypbx/internal/sdp"
	"github.com/relaypbx/relaypbx/internal/store/models"
)

// InviteConfig tunes the INVITE dispatcher.
type InviteConfig struct {
	// AutoAnswer answers calls locally instead of forwarding them to the
	// callee's registered contacts.
	AutoAnswer bool
	// RequireAuth demands digest authentication on INVITE.
	RequireAuth bool
	// Codecs is the ordered codec preference (PCMU, PCMA).
	Codecs []string
	// MediaIP is the address advertised in SDP for local media.
	MediaIP string
	// RingingTimeout bounds how long the callee may ring before 408.
	RingingTimeout time.Duration
	// TransactionTimeout is defaulted here but not read by the handler;
	// forwarded legs are bounded by the timeout the Forwarder was built with.
	TransactionTimeout time.Duration
}

// InviteHandler processes INVITE requests: new calls, and re-INVITEs for
// hold and resume on established dialogs.
type InviteHandler struct {
	cfg       InviteConfig
	auth      *Authenticator
	registrar *Registrar
	forwarder *Forwarder
	dialogs   *DialogManager
	pending   *PendingCallManager
	ports     *media.PortPool
	cdrs      *CDREmitter
	logger    *slog.Logger
}

// NewInviteHandler creates the INVITE dispatcher.
func NewInviteHandler(
	cfg InviteConfig,
	auth *Authenticator,
	registrar *Registrar,
	forwarder *Forwarder,
	dialogs *DialogManager,
	pending *PendingCallManager,
	ports *media.PortPool,
	cdrs *CDREmitter,
	logger *slog.Logger,
) *InviteHandler {
	if cfg.RingingTimeout == 0 {
		cfg.RingingTimeout = 60 * time.Second
	}
	if cfg.TransactionTimeout == 0 {
		cfg.TransactionTimeout = 32 * time.Second
	}
	return &InviteHandler{
		cfg:       cfg,
		auth:      auth,
		registrar: registrar,
		forwarder: forwarder,
		dialogs:   dialogs,
		pending:   pending,
		ports:     ports,
		cdrs:      cdrs,
		logger:    logger.With("subsystem", "invite"),
	}
}

// HandleInvite is the entry point for all INVITE requests.
func (h *InviteHandler) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	h.logger.Info("invite received",
		"call_id", callID,
		"from", req.From().Address.User,
		"to", req.To().Address.User,
		"source", req.Source(),
	)

	// A known Call-ID means a re-INVITE on an existing dialog.
	if d := h.dialogs.Get(callID); d != nil {
		h.handleReInvite(req, tx, d)
		return
	}

	if h.cfg.RequireAuth && h.auth != nil {
		if _, ok := h.auth.Authenticate(req, tx); !ok {
			return
		}
	}

	// 100 Trying stops UAC retransmissions (RFC 3261 §8.2.6.1).
	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		h.logger.Error("failed to send 100 trying",
			"call_id", callID,
			"error", err,
		)
		return
	}

	// Parse and validate the SDP offer up front.
	offer, err := sdp.Parse(req.Body())
	if err != nil {
		h.logger.Warn("invite with malformed sdp",
			"call_id", callID,
			"error", err,
		)
		respondError(req, tx, 400, "Bad Request", h.logger)
		return
	}

	codec, err := sdp.Negotiate(offer, h.cfg.Codecs)
	if err != nil {
		h.logger.Info("invite rejected: no common codec",
			"call_id", callID,
		)
		respondError(req, tx, 488, "Not Acceptable Here", h.logger)
		return
	}

	// Locate the callee via the registrar.
	calleeAOR := aorFromRequest(req)
	contacts := h.registrar.Lookup(calleeAOR)
	if len(contacts) == 0 {
		h.logger.Info("invite rejected: callee not found",
			"call_id", callID,
			"callee", calleeAOR,
		)
		respondError(req, tx, 404, "Not Found", h.logger)
		return
	}

	d, err := h.createDialog(req, callID)
	if err != nil {
		h.logger.Error("failed to create dialog",
			"call_id", callID,
			"error", err,
		)
		respondError(req, tx, 500, "Internal Server Error", h.logger)
		return
	}
	d.CallerTx = tx
	d.CallerReq = req
	h.cdrs.Open(d)

	if err := d.Transition(StateTrying); err != nil {
		h.logger.Error("dialog transition failed", "call_id", callID, "error", err)
	}
	if err := d.Transition(StateProceeding); err != nil {
		h.logger.Error("dialog transition failed", "call_id", callID, "error", err)
	}

	if h.cfg.AutoAnswer {
		h.answerLocally(req, tx, d, offer, codec)
		return
	}

	h.forwardCall(req, tx, d, offer, codec, contacts)
}

// createDialog builds the dialog and legs for a new INVITE.
func (h *InviteHandler) createDialog(req *sip.Request, callID string) (*Dialog, error) {
	from := req.From()
	to := req.To()

	caller := Leg{
		URI:      from.Address.String(),
		Username: from.Address.User,
		Source:   req.Source(),
	}
	caller.DisplayName = from.DisplayName
	if tag, ok := from.Params.Get("tag"); ok {
		caller.Tag = tag
	}

	callee := Leg{
		URI:      to.Address.String(),
		Username: to.Address.User,
	}

	return h.dialogs.Create(callID, caller, callee, models.DirectionInternal)
}

// answerLocally anchors media at the PBX and answers the call with 200.
// Inbound audio runs through a jitter buffer; the stream is stored on
// the callee leg since the PBX is the answering party.
func (h *InviteHandler) answerLocally(req *sip.Request, tx sip.ServerTransaction, d *Dialog, offer *sdp.SessionDescription, codec sdp.Codec) {
	callID := d.CallID

	// Ring briefly so the caller hears progress before the answer.
	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		h.logger.Error("failed to send 180", "call_id", callID, "error", err)
	}
	if err := d.Transition(StateRinging); err != nil {
		h.logger.Error("dialog transition failed", "call_id", callID, "error", err)
	}

	stream, answerBody, err := h.allocateLocalMedia(offer, codec, callID)
	if err != nil {
		h.failDialog(req, tx, d, 500, "Server Internal Error", err)
		return
	}

	d.Callee.Stream = stream
	d.Codec = codec.Name

	res := sip.NewResponseFromRequest(req, 200, "OK", answerBody)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send 200", "call_id", callID, "error", err)
		stream.Stop()
		if terminated := h.dialogs.Terminate(callID, StateFailed, "transport failure", 500); terminated != nil {
			h.cdrs.Finalize(terminated, codec.Name)
		}
		return
	}

	if err := d.Transition(StateEstablished); err != nil {
		h.logger.Error("dialog transition failed", "call_id", callID, "error", err)
	}
	h.cdrs.MarkAnswered(d)

	h.logger.Info("call auto-answered",
		"call_id", callID,
		"codec", codec.Name,
		"rtp_port", stream.LocalRTPPort(),
	)
}

// allocateLocalMedia reserves a port pair, builds the SDP answer, and
// starts a stream that consumes inbound audio through a jitter buffer.
func (h *InviteHandler) allocateLocalMedia(offer *sdp.SessionDescription, codec sdp.Codec, callID string) (*media.Stream, []byte, error) {
	return allocateTerminatedMedia(h.ports, h.cfg.MediaIP, h.cfg.Codecs, offer, codec, callID, h.logger)
}

// allocateTerminatedMedia anchors one media leg at the PBX: a stream on
// a fresh port pair whose inbound audio is reordered through a jitter
// buffer and drained, plus the SDP answer advertising it.
func allocateTerminatedMedia(
	ports *media.PortPool,
	mediaIP string,
	prefs []string,
	offer *sdp.SessionDescription,
	codec sdp.Codec,
	callID string,
	logger *slog.Logger,
) (*media.Stream, []byte, error) {
	lease, err := ports.Allocate()
	if err != nil {
		return nil, nil, err
	}

	mcodec, ok := media.CodecByName(codec.Name)
	if !ok {
		mcodec = media.CodecPCMU
	}

	stream := media.NewStream(lease, mcodec, callID+"@relaypbx", logger)

	remote, err := offer.RTPAddr()
	if err != nil {
		stream.Stop()
		return nil, nil, err
	}
	stream.SetRemote(remote)

	offerDir := "sendrecv"
	if audio := offer.AudioMedia(); audio != nil {
		offerDir = audio.Direction
	}
	stream.SetDirection(media.ParseDirection(offerDir).Reverse())

	// Terminated media: reorder through the jitter buffer and drain.
	jb := media.NewJitterBuffer(media.DefaultJitterConfig())
	stream.SetConsumer(func(pkt *rtp.Packet) {
		jb.Add(pkt)
		for jb.Pop() != nil {
		}
	})
	stream.Start()

	answer, err := sdp.BuildAnswer(offer, sdp.AnswerParams{
		Username:   "relaypbx",
		SessionID:  time.Now().Unix(),
		LocalIP:    mediaIP,
		LocalPort:  stream.LocalRTPPort(),
		Preference: prefs,
	})
	if err != nil {
		stream.Stop()
		return nil, nil, err
	}

	return stream, answer.Marshal(), nil
}

// forwardCall rewrites the offer toward a local media leg, forwards the
// INVITE to the callee's contacts, and completes both legs on answer.
func (h *InviteHandler) forwardCall(req *sip.Request, tx sip.ServerTransaction, d *Dialog, offer *sdp.SessionDescription, codec sdp.Codec, contacts []Binding) {
	callID := d.CallID

	// Leg A faces the caller, leg B faces the callee. Both are
	// allocated up front so the forwarded offer can carry leg B's port.
	legA, legB, err := h.allocateBridgeLegs(offer, codec, callID)
	if err != nil {
		h.failDialog(req, tx, d, 500, "Server Internal Error", err)
		return
	}
	release := func() {
		legA.Stop()
		legB.Stop()
	}

	forwardOffer := rewriteOffer(offer, h.cfg.MediaIP, legB.LocalRTPPort())

	forwardCtx, cancelForward := context.WithTimeout(context.Background(), h.cfg.RingingTimeout)

	h.pending.Add(&PendingCall{
		CallID:        callID,
		Dialog:        d,
		CallerTx:      tx,
		CallerReq:     req,
		CancelForward: cancelForward,
		Release:       release,
	})

	result := h.forwarder.Forward(forwardCtx, req, tx, contacts, forwardOffer, callID)

	pc := h.pending.Remove(callID)
	cancelForward()

	// Already cancelled by the CANCEL handler: it has sent 487 and
	// released resources. If a device answered despite that, drop it.
	if pc == nil {
		h.logger.Info("forward finished after cancel", "call_id", callID)
		if result.Answered && result.AnsweringTx != nil {
			result.AnsweringTx.Terminate()
		}
		return
	}

	switch {
	case result.Error != nil:
		release()
		h.failDialog(req, tx, d, 500, "Server Internal Error", result.Error)
		return

	case result.TimedOut:
		release()
		h.logger.Info("no answer before ringing timeout", "call_id", callID)
		h.failDialog(req, tx, d, 408, "Request Timeout", nil)
		return

	case result.AllBusy:
		release()
		h.failDialog(req, tx, d, 486, "Busy Here", nil)
		return

	case !result.Answered:
		release()
		code := result.FinalCode
		if code == 0 {
			code = 480
		}
		h.failDialog(req, tx, d, code, sipReason(code), nil)
		return
	}

	// A contact answered. Complete the callee leg: ACK, remote media
	// address, direction.
	ack := buildACKFor2xx(result.AnsweringReq, result.AnswerResponse)
	if err := h.forwarder.Client().WriteRequest(ack); err != nil {
		h.logger.Error("failed to ack callee",
			"call_id", callID,
			"error", err,
		)
		result.AnsweringTx.Terminate()
		release()
		h.failDialog(req, tx, d, 500, "Server Internal Error", err)
		return
	}

	calleeAnswer, err := sdp.Parse(result.AnswerResponse.Body())
	if err != nil {
		release()
		h.failDialog(req, tx, d, 500, "Server Internal Error", err)
		return
	}
	if remote, err := calleeAnswer.RTPAddr(); err == nil {
		legB.SetRemote(remote)
	}

	d.CalleeTx = result.AnsweringTx
	d.CalleeReq = result.AnsweringReq
	d.CalleeRes = result.AnswerResponse
	d.Callee.Source = result.AnsweringBinding.SourceIP
	d.Caller.Stream = legA
	d.Callee.Stream = legB
	d.Codec = codec.Name
	h.cdrs.SetCalleeContact(d, result.AnsweringBinding.SourceIP)

	// Relay the answer to the caller with leg A as the media address.
	callerBody := rewriteOffer(calleeAnswer, h.cfg.MediaIP, legA.LocalRTPPort())
	res := sip.NewResponseFromRequest(req, 200, "OK", callerBody)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to relay 200 to caller",
			"call_id", callID,
			"error", err,
		)
		release()
		h.dialogs.Terminate(callID, StateFailed, "transport failure", 500)
		h.cdrs.Finalize(d, codec.Name)
		return
	}

	if err := d.Transition(StateEstablished); err != nil {
		h.logger.Error("dialog transition failed", "call_id", callID, "error", err)
	}
	h.cdrs.MarkAnswered(d)

	h.logger.Info("call answered and relayed",
		"call_id", callID,
		"contact", result.AnsweringBinding.ContactURI,
		"codec", codec.Name,
	)
}

// HandleAck confirms a dialog and, for forwarded calls, attaches and
// starts the media bridge between the two legs.
func (h *InviteHandler) HandleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	d := h.dialogs.Get(callID)
	if d == nil {
		h.logger.Debug("ack for unknown dialog", "call_id", callID)
		return
	}

	if d.State() != StateEstablished {
		h.logger.Debug("ack before establishment",
			"call_id", callID,
			"state", d.State().String(),
		)
		return
	}

	if d.Bridge() != nil || d.Caller.Stream == nil || d.Callee.Stream == nil {
		// Auto-answered call or bridge already running.
		return
	}

	bridge := media.NewBridge(d.Caller.Stream, d.Callee.Stream, h.logger)
	if err := d.AttachBridge(bridge); err != nil {
		h.logger.Error("failed to attach bridge",
			"call_id", callID,
			"error", err,
		)
		return
	}
	bridge.Start()

	h.logger.Info("dialog confirmed, media bridged",
		"call_id", callID,
	)
}

// handleReInvite negotiates a direction change (hold/resume) on an
// established dialog. The dialog never leaves Established.
func (h *InviteHandler) handleReInvite(req *sip.Request, tx sip.ServerTransaction, d *Dialog) {
	callID := d.CallID

	if d.State() != StateEstablished {
		h.logger.Warn("re-invite outside established dialog",
			"call_id", callID,
			"state", d.State().String(),
		)
		respondError(req, tx, 491, "Request Pending", h.logger)
		return
	}

	offer, err := sdp.Parse(req.Body())
	if err != nil {
		respondError(req, tx, 400, "Bad Request", h.logger)
		return
	}

	offerDir := "sendrecv"
	if audio := offer.AudioMedia(); audio != nil {
		offerDir = audio.Direction
	}

	// The re-INVITE arrives from the caller leg; its stream direction
	// becomes the mirror of the offer, which the bridge uses to
	// suppress held audio.
	var localPort int
	if d.Caller.Stream != nil {
		d.Caller.Stream.SetDirection(media.ParseDirection(offerDir).Reverse())
		localPort = d.Caller.Stream.LocalRTPPort()
	} else if d.Callee.Stream != nil {
		d.Callee.Stream.SetDirection(media.ParseDirection(offerDir).Reverse())
		localPort = d.Callee.Stream.LocalRTPPort()
	}

	answer, err := sdp.BuildAnswer(offer, sdp.AnswerParams{
		Username:   "relaypbx",
		SessionID:  time.Now().Unix(),
		LocalIP:    h.cfg.MediaIP,
		LocalPort:  localPort,
		Preference: h.cfg.Codecs,
	})
	if err != nil {
		code := 488
		if !errors.Is(err, sdp.ErrNoCommonCodec) {
			code = 500
		}
		respondError(req, tx, code, sipReason(code), h.logger)
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", answer.Marshal())
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to answer re-invite",
			"call_id", callID,
			"error", err,
		)
		return
	}

	h.logger.Info("re-invite negotiated",
		"call_id", callID,
		"offer_direction", offerDir,
		"answer_direction", answer.AudioMedia().Direction,
	)
}

// failDialog sends a failure response and drives the dialog terminal.
func (h *InviteHandler) failDialog(req *sip.Request, tx sip.ServerTransaction, d *Dialog, code int, reason string, cause error) {
	if cause != nil {
		h.logger.Error("call failed",
			"call_id", d.CallID,
			"code", code,
			"error", cause,
		)
	}
	respondError(req, tx, code, reason, h.logger)

	terminated := h.dialogs.Terminate(d.CallID, StateFailed, reason, code)
	if terminated != nil {
		h.cdrs.Finalize(terminated, terminated.Codec)
	}
}

// allocateBridgeLegs reserves the two media legs for a forwarded call.
func (h *InviteHandler) allocateBridgeLegs(offer *sdp.SessionDescription, codec sdp.Codec, callID string) (legA, legB *media.Stream, err error) {
	mcodec, ok := media.CodecByName(codec.Name)
	if !ok {
		mcodec = media.CodecPCMU
	}

	leaseA, err := h.ports.Allocate()
	if err != nil {
		return nil, nil, err
	}
	leaseB, err := h.ports.Allocate()
	if err != nil {
		leaseA.Close()
		return nil, nil, err
	}

	legA = media.NewStream(leaseA, mcodec, callID+"-a@relaypbx", h.logger)
	legB = media.NewStream(leaseB, mcodec, callID+"-b@relaypbx", h.logger)
	legA.SetDirection(media.DirectionSendRecv)
	legB.SetDirection(media.DirectionSendRecv)

	if remote, err := offer.RTPAddr(); err == nil {
		legA.SetRemote(remote)
	}

	return legA, legB, nil
}

// rewriteOffer clones a session description with the connection address
// and audio port replaced by the local media leg.
func rewriteOffer(original *sdp.SessionDescription, ip string, port int) []byte {
	clone := *original
	clone.Connection = &sdp.Connection{NetType: "IN", AddrType: "IP4", Address: ip}
	clone.Media = make([]sdp.MediaDescription, len(original.Media))
	copy(clone.Media, original.Media)
	for i := range clone.Media {
		if clone.Media[i].Type == "audio" {
			clone.Media[i].Port = port
			clone.Media[i].Connection = nil
		}
	}
	return clone.Marshal()
}

// sipReason returns the canonical reason phrase for the codes the
// router emits.
func sipReason(code int) string {
	switch code {
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 480:
		return "Temporarily Unavailable"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 500:
		return "Server Internal Error"
	case 503:
		return "Service Unavailable"
	case 603:
		return "Decline"
	default:
		return "Error"
	}
}

// callIDOf extracts the Call-ID value, or "".
func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
