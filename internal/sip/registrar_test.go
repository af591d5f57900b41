package sip

import (
	"errors"
	"testing"
	"time"

	"github.com/relaypbx/relaypbx/internal/event"
)

func testRegistrar(bus *event.Bus) *Registrar {
	return NewRegistrar(nil, 3600, bus, nil, testLogger())
}

func testBinding(aor, contact, callID string, cseq uint32, ttl time.Duration) Binding {
	return Binding{
		AOR:        aor,
		ContactURI: contact,
		Expires:    time.Now().Add(ttl),
		CallID:     callID,
		CSeq:       cseq,
		SourceIP:   "10.0.0.2",
		SourcePort: 5060,
	}
}

func TestRegistrarBindAndLookup(t *testing.T) {
	r := testRegistrar(nil)

	if _, err := r.Bind(testBinding("alice@pbx.test", "sip:alice@10.0.0.2:5060", "c1", 1, time.Hour)); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	bindings := r.Lookup("alice@pbx.test")
	if len(bindings) != 1 {
		t.Fatalf("lookup = %d bindings, want 1", len(bindings))
	}
	if bindings[0].ContactURI != "sip:alice@10.0.0.2:5060" {
		t.Errorf("contact = %q", bindings[0].ContactURI)
	}

	if got := r.Lookup("bob@pbx.test"); got != nil {
		t.Errorf("unknown aor lookup = %v, want nil", got)
	}
}

func TestRegistrarCSeqMonotonicity(t *testing.T) {
	r := testRegistrar(nil)
	aor := "alice@pbx.test"
	contact := "sip:alice@10.0.0.2:5060"

	// Strictly increasing CSeq under one Call-ID accumulates state.
	for cseq := uint32(1); cseq <= 3; cseq++ {
		if _, err := r.Bind(testBinding(aor, contact, "c1", cseq, time.Hour)); err != nil {
			t.Fatalf("Bind cseq=%d: %v", cseq, err)
		}
	}

	// Equal and lower CSeq are rejected, state unchanged.
	for _, cseq := range []uint32{3, 2} {
		if _, err := r.Bind(testBinding(aor, contact, "c1", cseq, time.Hour)); !errors.Is(err, ErrStaleCSeq) {
			t.Errorf("Bind cseq=%d err = %v, want ErrStaleCSeq", cseq, err)
		}
	}

	bindings := r.Lookup(aor)
	if len(bindings) != 1 || bindings[0].CSeq != 3 {
		t.Errorf("bindings = %+v", bindings)
	}

	// A new Call-ID restarts the CSeq space.
	if _, err := r.Bind(testBinding(aor, contact, "c2", 1, time.Hour)); err != nil {
		t.Errorf("Bind with fresh call-id: %v", err)
	}
}

func TestRegistrarMultipleContacts(t *testing.T) {
	r := testRegistrar(nil)
	aor := "alice@pbx.test"

	r.Bind(testBinding(aor, "sip:alice@10.0.0.2:5060", "c1", 1, time.Hour))
	r.Bind(testBinding(aor, "sip:alice@10.0.0.3:5060", "c2", 1, time.Hour))

	if got := len(r.Lookup(aor)); got != 2 {
		t.Errorf("bindings = %d, want 2", got)
	}

	// Re-registering an existing contact deduplicates.
	r.Bind(testBinding(aor, "sip:alice@10.0.0.2:5060", "c1", 2, time.Hour))
	if got := len(r.Lookup(aor)); got != 2 {
		t.Errorf("bindings after re-register = %d, want 2", got)
	}
}

func TestRegistrarExpiresZeroRemoves(t *testing.T) {
	r := testRegistrar(nil)
	aor := "alice@pbx.test"
	contact := "sip:alice@10.0.0.2:5060"

	r.Bind(testBinding(aor, contact, "c1", 1, time.Hour))

	// Expires 0 removes; zero Expires time encodes that.
	if _, err := r.Bind(Binding{AOR: aor, ContactURI: contact, CallID: "c1", CSeq: 2}); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if got := r.Lookup(aor); len(got) != 0 {
		t.Errorf("lookup after unregister = %v, want empty", got)
	}

	// Removing a nonexistent binding still succeeds.
	if _, err := r.Bind(Binding{AOR: aor, ContactURI: "sip:other@10.0.0.4", CallID: "c9", CSeq: 1}); err != nil {
		t.Errorf("unregister of unknown contact: %v", err)
	}
}

func TestRegistrarExpiredBindingsHidden(t *testing.T) {
	r := testRegistrar(nil)
	aor := "alice@pbx.test"

	r.Bind(testBinding(aor, "sip:alice@10.0.0.2:5060", "c1", 1, -time.Minute))
	if got := r.Lookup(aor); len(got) != 0 {
		t.Errorf("expired binding visible: %v", got)
	}
}

func TestRegistrarPurgeExpired(t *testing.T) {
	bus := event.NewBus(testLogger())
	defer bus.Close()
	ch, cancel := bus.Subscribe(event.TypeUserUnregistered)
	defer cancel()

	r := testRegistrar(bus)
	r.Bind(testBinding("alice@pbx.test", "sip:alice@10.0.0.2:5060", "c1", 1, 10*time.Millisecond))
	r.Bind(testBinding("bob@pbx.test", "sip:bob@10.0.0.3:5060", "c2", 1, time.Hour))

	time.Sleep(30 * time.Millisecond)

	if purged := r.PurgeExpired(); purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if r.BindingCount() != 1 {
		t.Errorf("binding count = %d, want 1", r.BindingCount())
	}

	select {
	case ev := <-ch:
		if ev.UserUnregistered == nil || ev.UserUnregistered.Reason != "expired" {
			t.Errorf("event = %+v", ev.UserUnregistered)
		}
	case <-time.After(time.Second):
		t.Error("no unregistered event for purge")
	}
}

func TestRegistrarListByPrefix(t *testing.T) {
	r := testRegistrar(nil)

	r.Bind(testBinding("100@pbx.test", "sip:100@10.0.0.2:5060", "c1", 1, time.Hour))
	r.Bind(testBinding("101@pbx.test", "sip:101@10.0.0.3:5060", "c2", 1, time.Hour))
	r.Bind(testBinding("200@pbx.test", "sip:200@10.0.0.4:5060", "c3", 1, time.Hour))

	if got := len(r.ListByPrefix("10")); got != 2 {
		t.Errorf("prefix 10 = %d bindings, want 2", got)
	}
	if got := len(r.ListByPrefix("")); got != 3 {
		t.Errorf("empty prefix = %d bindings, want 3", got)
	}
	if got := len(r.ListByPrefix("9")); got != 0 {
		t.Errorf("prefix 9 = %d bindings, want 0", got)
	}
}

func TestRegistrarWildcardUnbind(t *testing.T) {
	bus := event.NewBus(testLogger())
	defer bus.Close()

	r := testRegistrar(bus)
	aor := "alice@pbx.test"
	r.Bind(testBinding(aor, "sip:alice@10.0.0.2:5060", "c1", 1, time.Hour))
	r.Bind(testBinding(aor, "sip:alice@10.0.0.3:5060", "c2", 1, time.Hour))

	if n := r.Unbind(aor); n != 2 {
		t.Errorf("unbind removed %d, want 2", n)
	}
	if got := r.Lookup(aor); len(got) != 0 {
		t.Errorf("lookup after wildcard unbind = %v", got)
	}
}

func TestRegistrarPublishesRegisteredEvent(t *testing.T) {
	bus := event.NewBus(testLogger())
	defer bus.Close()
	ch, cancel := bus.Subscribe(event.TypeUserRegistered)
	defer cancel()

	r := testRegistrar(bus)
	r.Bind(testBinding("alice@pbx.test", "sip:alice@10.0.0.2:5060", "c1", 1, time.Hour))

	select {
	case ev := <-ch:
		if ev.UserRegistered == nil || ev.UserRegistered.AOR != "alice@pbx.test" {
			t.Errorf("event = %+v", ev.UserRegistered)
		}
	case <-time.After(time.Second):
		t.Error("no registered event")
	}
}
