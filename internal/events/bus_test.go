package events

import (
	"testing"
	"time"
)

func TestBusDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	allID, all := bus.Subscribe()
	defer bus.Unsubscribe(allID)
	healthID, health := bus.Subscribe(HealthDegraded, HealthRecovered)
	defer bus.Unsubscribe(healthID)

	bus.Publish(Event{Type: SessionCreated, SessionID: "s1"})
	bus.Publish(Event{Type: HealthDegraded, BackendID: "b1"})

	got := <-all
	if got.Type != SessionCreated || got.SessionID != "s1" {
		t.Fatalf("all subscriber got %+v", got)
	}
	got = <-all
	if got.Type != HealthDegraded {
		t.Fatalf("all subscriber got %+v", got)
	}
	if got.At.IsZero() {
		t.Fatalf("expected At to be stamped")
	}

	got = <-health
	if got.Type != HealthDegraded || got.BackendID != "b1" {
		t.Fatalf("filtered subscriber got %+v", got)
	}
	select {
	case evt := <-health:
		t.Fatalf("filtered subscriber leaked %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	id, _ := bus.Subscribe(CommandExecuted)
	defer bus.Unsubscribe(id)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			bus.Publish(Event{Type: CommandExecuted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if bus.Dropped() == 0 {
		t.Fatalf("expected drops after flooding a 128-slot buffer")
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	id, ch := bus.Subscribe()
	bus.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: BackendReady})
}

type recordingMirror struct {
	events []Event
	closed bool
}

func (m *recordingMirror) Publish(evt Event) error {
	m.events = append(m.events, evt)
	return nil
}

func (m *recordingMirror) Close() { m.closed = true }

func TestBusMirrorReceivesEventsAndCloses(t *testing.T) {
	bus := NewBus(nil)
	mirror := &recordingMirror{}
	bus.AttachMirror(mirror)

	bus.Publish(Event{Type: BackendHotSwapped, BackendID: "b2"})
	if len(mirror.events) != 1 || mirror.events[0].BackendID != "b2" {
		t.Fatalf("mirror events = %+v", mirror.events)
	}

	bus.Close()
	if !mirror.closed {
		t.Fatalf("expected mirror closed with bus")
	}
	bus.Publish(Event{Type: BackendReady})
	if len(mirror.events) != 1 {
		t.Fatalf("publish after close reached mirror")
	}
}
