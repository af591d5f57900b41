package event

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusBroadcast(t *testing.T) {
	b := NewBus(testLogger())
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(NewUserRegistered(UserRegistered{AOR: "alice@pbx.test"}))

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeUserRegistered {
				t.Errorf("subscriber %d: type = %q", i, ev.Type)
			}
			if ev.UserRegistered == nil || ev.UserRegistered.AOR != "alice@pbx.test" {
				t.Errorf("subscriber %d: payload = %+v", i, ev.UserRegistered)
			}
			if ev.ID == "" {
				t.Errorf("subscriber %d: missing event id", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestBusTypeFilter(t *testing.T) {
	b := NewBus(testLogger())
	defer b.Close()

	ch, cancel := b.Subscribe(TypeCallEnded)
	defer cancel()

	b.Publish(NewCallInitiated(CallInitiated{CallID: "x"}))
	b.Publish(NewCallEnded(CallEnded{CallID: "x", FinalState: "Completed"}))

	select {
	case ev := <-ch:
		if ev.Type != TypeCallEnded {
			t.Errorf("got filtered-out event %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case ev := <-ch:
		t.Errorf("unexpected second event %q", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusSlowSubscriberDrops(t *testing.T) {
	b := NewBus(testLogger())
	defer b.Close()

	_, cancel := b.Subscribe()
	defer cancel()

	// Fill far past the queue depth without draining; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultQueueSize*2; i++ {
			b.Publish(NewCounterUpdated(CounterUpdated{Name: "test", Value: uint64(i)}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	if _, dropped := b.Stats(); dropped == 0 {
		t.Error("expected dropped events for slow subscriber")
	}
}

func TestBusClose(t *testing.T) {
	b := NewBus(testLogger())
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Close()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close")
	}

	// Publishing after close must not panic.
	b.Publish(NewCallEnded(CallEnded{CallID: "x"}))
}

func TestBusCancelIdempotent(t *testing.T) {
	b := NewBus(testLogger())
	defer b.Close()

	_, cancel := b.Subscribe()
	cancel()
	cancel() // second cancel is a no-op
}
