package sip

import "fmt"

// CallState represents the lifecycle state of a call dialog.
type CallState int

const (
	// StateIdle is the state before the INVITE has been accepted.
	StateIdle CallState = iota
	// StateTrying is entered when the INVITE is accepted for processing.
	StateTrying
	// StateProceeding is entered when 100 Trying has been emitted.
	StateProceeding
	// StateRinging is entered on a 180 from (or toward) the callee.
	StateRinging
	// StateSessionProgress is entered on 183 with early media.
	StateSessionProgress
	// StateEstablished is entered on a 2xx answer.
	StateEstablished
	// StateTerminating is entered when a BYE is being processed.
	StateTerminating
	// StateCompleted is the terminal state of a normally cleared call.
	StateCompleted
	// StateFailed is the terminal state after a >=300 final response or timeout.
	StateFailed
	// StateCancelled is the terminal state after a CANCEL.
	StateCancelled
)

// String returns the state name.
func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateTrying:
		return "Trying"
	case StateProceeding:
		return "Proceeding"
	case StateRinging:
		return "Ringing"
	case StateSessionProgress:
		return "SessionProgress"
	case StateEstablished:
		return "Established"
	case StateTerminating:
		return "Terminating"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// validTransitions defines which state transitions are allowed.
var validTransitions = map[CallState][]CallState{
	StateIdle:            {StateTrying, StateFailed, StateCancelled},
	StateTrying:          {StateProceeding, StateRinging, StateSessionProgress, StateEstablished, StateFailed, StateCancelled},
	StateProceeding:      {StateRinging, StateSessionProgress, StateEstablished, StateFailed, StateCancelled},
	StateRinging:         {StateEstablished, StateSessionProgress, StateFailed, StateCancelled},
	StateSessionProgress: {StateRinging, StateEstablished, StateFailed, StateCancelled},
	StateEstablished:     {StateTerminating, StateFailed},
	StateTerminating:     {StateCompleted, StateFailed},
	// Terminal states have no outgoing transitions.
	StateCompleted: {},
	StateFailed:    {},
	StateCancelled: {},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s CallState) CanTransitionTo(next CallState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a final state.
func (s CallState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsPreEstablished reports whether the dialog has not yet been answered.
// CANCEL is only legal in these states.
func (s CallState) IsPreEstablished() bool {
	switch s {
	case StateIdle, StateTrying, StateProceeding, StateRinging, StateSessionProgress:
		return true
	}
	return false
}
