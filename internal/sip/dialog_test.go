package sip

import (
	"errors"
	"testing"
	"time"

	"github.com/relaypbx/relaypbx/internal/event"
	"github.com/relaypbx/relaypbx/internal/store/models"
)

func testDialogManager(bus *event.Bus) *DialogManager {
	return NewDialogManager(bus, testLogger())
}

func createTestDialog(t *testing.T, dm *DialogManager, callID string) *Dialog {
	t.Helper()
	d, err := dm.Create(callID,
		Leg{URI: "sip:alice@pbx.test", Username: "alice", Source: "10.0.0.2:5060"},
		Leg{URI: "sip:bob@pbx.test", Username: "bob"},
		models.DirectionInternal,
	)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return d
}

func TestDialogLifecycleToCompleted(t *testing.T) {
	dm := testDialogManager(nil)
	d := createTestDialog(t, dm, "call-1")

	for _, next := range []CallState{StateTrying, StateProceeding, StateRinging, StateEstablished} {
		if err := d.Transition(next); err != nil {
			t.Fatalf("Transition(%s): %v", next, err)
		}
	}
	if d.AnswerTime == nil {
		t.Error("answer time not stamped on establishment")
	}

	terminated := dm.Terminate("call-1", StateCompleted, "caller bye", 200)
	if terminated == nil {
		t.Fatal("Terminate returned nil")
	}
	if terminated.State() != StateCompleted {
		t.Errorf("state = %s", terminated.State())
	}
	if terminated.EndTime == nil {
		t.Error("end time not stamped")
	}
	if dm.Has("call-1") {
		t.Error("dialog still tracked after termination")
	}
}

func TestDialogIllegalTransition(t *testing.T) {
	dm := testDialogManager(nil)
	d := createTestDialog(t, dm, "call-2")

	if err := d.Transition(StateEstablished); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Idle -> Established err = %v, want ErrIllegalTransition", err)
	}
	if d.State() != StateIdle {
		t.Errorf("state changed to %s on illegal transition", d.State())
	}
}

func TestDialogTerminalIsFinal(t *testing.T) {
	dm := testDialogManager(nil)
	d := createTestDialog(t, dm, "call-3")

	d.Transition(StateTrying)
	d.Transition(StateCancelled)

	for _, next := range []CallState{StateTrying, StateEstablished, StateCompleted} {
		if err := d.Transition(next); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("Cancelled -> %s err = %v, want ErrIllegalTransition", next, err)
		}
	}
}

func TestDialogDuplicateCallID(t *testing.T) {
	dm := testDialogManager(nil)
	createTestDialog(t, dm, "call-4")

	if _, err := dm.Create("call-4", Leg{}, Leg{}, models.DirectionInternal); err == nil {
		t.Error("duplicate call-id should fail")
	}
}

func TestDialogBridgeRequiresEstablished(t *testing.T) {
	dm := testDialogManager(nil)
	d := createTestDialog(t, dm, "call-5")

	if err := d.AttachBridge(nil); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("AttachBridge in Idle err = %v, want ErrIllegalTransition", err)
	}

	d.Transition(StateTrying)
	d.Transition(StateEstablished)
	if err := d.AttachBridge(nil); err != nil {
		t.Errorf("AttachBridge in Established: %v", err)
	}
}

func TestDialogDurations(t *testing.T) {
	dm := testDialogManager(nil)
	d := createTestDialog(t, dm, "call-6")

	if d.TotalDuration() != 0 || d.CallDuration() != 0 {
		t.Error("durations should be zero while active")
	}

	d.Transition(StateTrying)
	d.Transition(StateEstablished)
	answer := time.Now().Add(-30 * time.Second)
	d.AnswerTime = &answer

	dm.Terminate("call-6", StateCompleted, "bye", 200)

	if d.CallDuration() < 29*time.Second {
		t.Errorf("call duration = %v", d.CallDuration())
	}
	if d.TotalDuration() <= 0 {
		t.Errorf("total duration = %v", d.TotalDuration())
	}
}

func TestDialogManagerEvents(t *testing.T) {
	bus := event.NewBus(testLogger())
	defer bus.Close()
	ch, cancel := bus.Subscribe(event.TypeCallInitiated, event.TypeCallStateChanged, event.TypeCallEnded)
	defer cancel()

	dm := testDialogManager(bus)
	d := createTestDialog(t, dm, "call-7")
	d.Transition(StateTrying)
	dm.Terminate("call-7", StateFailed, "timeout", 408)

	var types []event.Type
	timeout := time.After(time.Second)
	for len(types) < 4 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("only %d events seen: %v", len(types), types)
		}
	}

	if types[0] != event.TypeCallInitiated {
		t.Errorf("first event = %s", types[0])
	}
	if types[len(types)-1] != event.TypeCallEnded {
		t.Errorf("last event = %s", types[len(types)-1])
	}
}

func TestDialogManagerActiveCalls(t *testing.T) {
	dm := testDialogManager(nil)
	createTestDialog(t, dm, "a")
	createTestDialog(t, dm, "b")

	if dm.ActiveCallCount() != 2 {
		t.Errorf("count = %d, want 2", dm.ActiveCallCount())
	}
	if len(dm.ActiveCalls()) != 2 {
		t.Errorf("snapshot = %d, want 2", len(dm.ActiveCalls()))
	}

	dm.Terminate("a", StateFailed, "x", 500)
	if dm.ActiveCallCount() != 1 {
		t.Errorf("count after terminate = %d, want 1", dm.ActiveCallCount())
	}

	if dm.Terminate("a", StateFailed, "x", 500) != nil {
		t.Error("double terminate should return nil")
	}
}
