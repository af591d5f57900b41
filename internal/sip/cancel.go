package sip

import (
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// PendingCall is a call between INVITE receipt and answer or failure.
// The CANCEL handler finds pending calls here to abort the forward legs
// and emit the mandatory 487 on the original INVITE transaction.
type PendingCall struct {
	// CallID is the SIP Call-ID for this pending call.
	CallID string

	// Dialog is the dialog created for the INVITE.
	Dialog *Dialog

	// CallerTx is the original INVITE server transaction.
	CallerTx sip.ServerTransaction

	// CallerReq is the original INVITE request.
	CallerReq *sip.Request

	// CancelForward aborts the forward context, cancelling every
	// outstanding leg.
	CancelForward func()

	// Release frees resources reserved before answer (media streams).
	// May be nil.
	Release func()
}

// PendingCallManager tracks ringing calls by Call-ID.
type PendingCallManager struct {
	mu      sync.RWMutex
	pending map[string]*PendingCall
	logger  *slog.Logger
}

// NewPendingCallManager creates a pending call tracker.
func NewPendingCallManager(logger *slog.Logger) *PendingCallManager {
	return &PendingCallManager{
		pending: make(map[string]*PendingCall),
		logger:  logger.With("subsystem", "pending-calls"),
	}
}

// Add registers a pending call when forwarding begins.
func (pm *PendingCallManager) Add(pc *PendingCall) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.pending[pc.CallID] = pc
	pm.logger.Debug("pending call added", "call_id", pc.CallID)
}

// Remove removes and returns a pending call, or nil if not found.
func (pm *PendingCallManager) Remove(callID string) *PendingCall {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pc, ok := pm.pending[callID]
	if !ok {
		return nil
	}
	delete(pm.pending, callID)
	pm.logger.Debug("pending call removed", "call_id", callID)
	return pc
}

// Get retrieves a pending call without removing it.
func (pm *PendingCallManager) Get(callID string) *PendingCall {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.pending[callID]
}

// Count returns the number of currently pending calls.
func (pm *PendingCallManager) Count() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.pending)
}

// Cancel aborts a pending call: stops the forward legs, releases
// reserved media, and sends 487 Request Terminated on the caller's
// INVITE transaction. Returns the cancelled call, or nil if none was
// pending under the Call-ID.
func (pm *PendingCallManager) Cancel(callID string) *PendingCall {
	pc := pm.Remove(callID)
	if pc == nil {
		return nil
	}

	if pc.CancelForward != nil {
		pc.CancelForward()
	}
	if pc.Release != nil {
		pc.Release()
	}

	// 487 on the original INVITE transaction is mandatory: the CANCEL's
	// own 200 only acknowledges the CANCEL itself.
	terminated := sip.NewResponseFromRequest(pc.CallerReq, 487, "Request Terminated", nil)
	if err := pc.CallerTx.Respond(terminated); err != nil {
		pm.logger.Error("failed to send 487 to caller",
			"call_id", callID,
			"error", err,
		)
	} else {
		pm.logger.Info("sent 487 request terminated",
			"call_id", callID,
		)
	}

	return pc
}
