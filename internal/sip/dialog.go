package sip

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/relaypbx/relaypbx/internal/event"
	"github.com/relaypbx/relaypbx/internal/media"
)

// Leg holds what the core knows about one side of a call.
type Leg struct {
	// URI is the party's SIP URI.
	URI string

	// DisplayName is the party's display name, when known.
	DisplayName string

	// Username is the user part of the URI.
	Username string

	// Tag is this side's dialog tag.
	Tag string

	// Source is the peer's transport address ("ip:port").
	Source string

	// Stream is this leg's media stream, when media is anchored here.
	Stream *media.Stream
}

// Dialog is one active call, uniquely identified by Call-ID for the life
// of the core's ownership. All state mutations go through Transition so
// the state machine is enforced in one place.
type Dialog struct {
	CallID    string
	CDRID     string
	Direction string
	// Codec is the negotiated audio codec name, set on answer.
	Codec string

	Caller Leg
	Callee Leg

	// CallerTx is the inbound INVITE server transaction.
	CallerTx sip.ServerTransaction
	// CallerReq is the original INVITE from the caller.
	CallerReq *sip.Request
	// CalleeTx is the outbound client transaction toward the callee.
	CalleeTx sip.ClientTransaction
	// CalleeReq is the forwarded INVITE sent to the callee.
	CalleeReq *sip.Request
	// CalleeRes is the callee's 200 OK, holding the remote tag and
	// Contact needed for in-dialog requests.
	CalleeRes *sip.Response

	StartTime  time.Time
	AnswerTime *time.Time
	EndTime    *time.Time

	// EndReason and SIPCode describe how the call ended.
	EndReason string
	SIPCode   int

	mu     sync.Mutex
	state  CallState
	bridge *media.Bridge

	bus    *event.Bus
	logger *slog.Logger
}

// State returns the dialog's current state.
func (d *Dialog) State() CallState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Transition moves the dialog to next, enforcing the state machine.
// Terminal states never transition again. Answer and end times are
// stamped as a side effect of entering Established and terminal states.
func (d *Dialog) Transition(next CallState) error {
	d.mu.Lock()
	prev := d.state
	if prev == next {
		d.mu.Unlock()
		return nil
	}
	if !prev.CanTransitionTo(next) {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, prev, next)
	}
	d.state = next

	now := time.Now()
	if next == StateEstablished && d.AnswerTime == nil {
		d.AnswerTime = &now
	}
	if next.IsTerminal() && d.EndTime == nil {
		d.EndTime = &now
	}
	d.mu.Unlock()

	d.logger.Info("dialog state changed",
		"call_id", d.CallID,
		"from", prev.String(),
		"to", next.String(),
	)

	if d.bus != nil {
		d.bus.Publish(event.NewCallStateChanged(event.CallStateChanged{
			CallID:    d.CallID,
			PrevState: prev.String(),
			NewState:  next.String(),
		}))
	}
	return nil
}

// AttachBridge binds the media bridge to the dialog. Only a dialog in
// Established may carry a bridge.
func (d *Dialog) AttachBridge(b *media.Bridge) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateEstablished {
		return fmt.Errorf("%w: bridge requires Established, dialog is %s", ErrIllegalTransition, d.state)
	}
	d.bridge = b
	return nil
}

// Bridge returns the attached media bridge, or nil.
func (d *Dialog) Bridge() *media.Bridge {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bridge
}

// StopBridge stops the media bridge if one is attached. The bridge stays
// referenced so its final counters remain readable for the CDR.
func (d *Dialog) StopBridge() {
	d.mu.Lock()
	b := d.bridge
	d.mu.Unlock()
	if b != nil {
		b.Stop()
	}
}

// TotalDuration returns the time from start to end, or zero while active.
func (d *Dialog) TotalDuration() time.Duration {
	if d.EndTime == nil {
		return 0
	}
	return d.EndTime.Sub(d.StartTime)
}

// CallDuration returns the time from answer to end, or zero if the call
// was never answered or has not ended.
func (d *Dialog) CallDuration() time.Duration {
	if d.AnswerTime == nil || d.EndTime == nil {
		return 0
	}
	return d.EndTime.Sub(*d.AnswerTime)
}

// DialogManager tracks all active call dialogs in memory. The manager is
// the sole owner of dialog state; per-call ordering is guaranteed by the
// per-dialog lock, and nothing is ordered across dialogs.
type DialogManager struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog // keyed by Call-ID
	bus     *event.Bus
	logger  *slog.Logger
}

// NewDialogManager creates an in-memory dialog tracker.
func NewDialogManager(bus *event.Bus, logger *slog.Logger) *DialogManager {
	return &DialogManager{
		dialogs: make(map[string]*Dialog),
		bus:     bus,
		logger:  logger.With("subsystem", "dialog"),
	}
}

// Create registers a new dialog in Idle. It fails if the Call-ID is
// already owned.
func (dm *DialogManager) Create(callID string, caller, callee Leg, direction string) (*Dialog, error) {
	dm.mu.Lock()
	if _, exists := dm.dialogs[callID]; exists {
		dm.mu.Unlock()
		return nil, fmt.Errorf("dialog %q already exists", callID)
	}

	d := &Dialog{
		CallID:    callID,
		Direction: direction,
		Caller:    caller,
		Callee:    callee,
		StartTime: time.Now(),
		state:     StateIdle,
		bus:       dm.bus,
		logger:    dm.logger,
	}
	dm.dialogs[callID] = d
	dm.mu.Unlock()

	dm.logger.Info("dialog created",
		"call_id", callID,
		"caller", caller.Username,
		"callee", callee.Username,
		"direction", direction,
	)

	if dm.bus != nil {
		dm.bus.Publish(event.NewCallInitiated(event.CallInitiated{
			CallID:    callID,
			CallerURI: caller.URI,
			CalleeURI: callee.URI,
			SourceIP:  caller.Source,
		}))
		dm.publishCount()
	}
	return d, nil
}

// publishCount broadcasts the active call gauge for bus subscribers that
// do not scrape metrics. Callers hold no locks.
func (dm *DialogManager) publishCount() {
	dm.bus.Publish(event.NewCounterUpdated(event.CounterUpdated{
		Name:  "active_calls",
		Value: uint64(dm.ActiveCallCount()),
	}))
}

// Get retrieves an active dialog by Call-ID, or nil.
func (dm *DialogManager) Get(callID string) *Dialog {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.dialogs[callID]
}

// Terminate drives the dialog to a terminal state, records the end
// cause, removes it from the active map, and returns it for CDR
// finalization. Returns nil if no dialog owns the Call-ID.
func (dm *DialogManager) Terminate(callID string, final CallState, reason string, sipCode int) *Dialog {
	dm.mu.Lock()
	d, ok := dm.dialogs[callID]
	if ok {
		delete(dm.dialogs, callID)
	}
	dm.mu.Unlock()

	if !ok {
		return nil
	}

	// BYE teardown passes through Terminating before Completed.
	if final == StateCompleted && d.State() == StateEstablished {
		if err := d.Transition(StateTerminating); err != nil {
			dm.logger.Warn("terminate transition failed",
				"call_id", callID,
				"error", err,
			)
		}
	}
	if err := d.Transition(final); err != nil {
		dm.logger.Warn("terminate transition failed",
			"call_id", callID,
			"final", final.String(),
			"error", err,
		)
	}

	d.mu.Lock()
	d.EndReason = reason
	d.SIPCode = sipCode
	d.mu.Unlock()

	d.StopBridge()

	dm.logger.Info("dialog terminated",
		"call_id", callID,
		"final", final.String(),
		"reason", reason,
		"duration_ms", d.TotalDuration().Milliseconds(),
	)

	if dm.bus != nil {
		dm.bus.Publish(event.NewCallEnded(event.CallEnded{
			CallID:      callID,
			FinalState:  final.String(),
			EndReason:   reason,
			SIPCode:     sipCode,
			DurationSec: int(d.TotalDuration().Seconds()),
		}))
		dm.publishCount()
	}
	return d
}

// ActiveCalls returns a snapshot of all currently active dialogs.
func (dm *DialogManager) ActiveCalls() []*Dialog {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	calls := make([]*Dialog, 0, len(dm.dialogs))
	for _, d := range dm.dialogs {
		calls = append(calls, d)
	}
	return calls
}

// ActiveCallCount returns the number of currently active dialogs.
func (dm *DialogManager) ActiveCallCount() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return len(dm.dialogs)
}

// Has reports whether a dialog exists for the Call-ID.
func (dm *DialogManager) Has(callID string) bool {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	_, ok := dm.dialogs[callID]
	return ok
}
