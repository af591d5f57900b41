package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminates the closed set of events the core emits.
type Type string

const (
	TypeCallInitiated    Type = "call.initiated"
	TypeCallStateChanged Type = "call.state_changed"
	TypeCallEnded        Type = "call.ended"
	TypeUserRegistered   Type = "user.registered"
	TypeUserUnregistered Type = "user.unregistered"
	TypeCounterUpdated   Type = "counter.updated"
)

// Event is a single broadcast item. Exactly one of the payload pointers
// below is set, matching Type.
type Event struct {
	ID   string
	Type Type
	Time time.Time

	CallInitiated    *CallInitiated
	CallStateChanged *CallStateChanged
	CallEnded        *CallEnded
	UserRegistered   *UserRegistered
	UserUnregistered *UserUnregistered
	CounterUpdated   *CounterUpdated
}

// CallInitiated is published when a new dialog is created for an INVITE.
type CallInitiated struct {
	CallID    string
	CallerURI string
	CalleeURI string
	SourceIP  string
}

// CallStateChanged is published on every dialog state transition.
type CallStateChanged struct {
	CallID    string
	PrevState string
	NewState  string
}

// CallEnded is published when a dialog reaches a terminal state.
type CallEnded struct {
	CallID      string
	FinalState  string
	EndReason   string
	SIPCode     int
	DurationSec int
}

// UserRegistered is published when a REGISTER creates or refreshes a binding.
type UserRegistered struct {
	AOR        string
	ContactURI string
	ExpiresSec int
	SourceIP   string
	UserAgent  string
}

// UserUnregistered is published when a binding is removed or expires.
type UserUnregistered struct {
	AOR        string
	ContactURI string
	Reason     string // "expired" or "unregister"
}

// CounterUpdated carries a monotonic counter sample for observers that do
// not scrape the Prometheus endpoint.
type CounterUpdated struct {
	Name  string
	Value uint64
}

// newEvent stamps the common envelope fields.
func newEvent(typ Type) Event {
	return Event{
		ID:   uuid.New().String(),
		Type: typ,
		Time: time.Now().UTC(),
	}
}

// NewCallInitiated wraps a CallInitiated payload in its envelope.
func NewCallInitiated(p CallInitiated) Event {
	ev := newEvent(TypeCallInitiated)
	ev.CallInitiated = &p
	return ev
}

// NewCallStateChanged wraps a CallStateChanged payload in its envelope.
func NewCallStateChanged(p CallStateChanged) Event {
	ev := newEvent(TypeCallStateChanged)
	ev.CallStateChanged = &p
	return ev
}

// NewCallEnded wraps a CallEnded payload in its envelope.
func NewCallEnded(p CallEnded) Event {
	ev := newEvent(TypeCallEnded)
	ev.CallEnded = &p
	return ev
}

// NewUserRegistered wraps a UserRegistered payload in its envelope.
func NewUserRegistered(p UserRegistered) Event {
	ev := newEvent(TypeUserRegistered)
	ev.UserRegistered = &p
	return ev
}

// NewUserUnregistered wraps a UserUnregistered payload in its envelope.
func NewUserUnregistered(p UserUnregistered) Event {
	ev := newEvent(TypeUserUnregistered)
	ev.UserUnregistered = &p
	return ev
}

// NewCounterUpdated wraps a CounterUpdated payload in its envelope.
func NewCounterUpdated(p CounterUpdated) Event {
	ev := newEvent(TypeCounterUpdated)
	ev.CounterUpdated = &p
	return ev
}
