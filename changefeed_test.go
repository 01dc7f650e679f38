package carelog

import (
	"testing"
	"time"
)

func TestChangeHub_Subscribe(t *testing.T) {
	hub := NewChangeHub(4)
	defer hub.Close()

	sub := hub.Subscribe()
	defer sub.Close()

	hub.Publish(ChangeEvent{Type: ChangeCreated, RecordID: "r1", Kind: KindIncident})

	select {
	case ev := <-sub.C:
		if ev.RecordID != "r1" {
			t.Errorf("Expected r1, got %s", ev.RecordID)
		}
	case <-time.After(time.Second):
		t.Fatal("No event delivered")
	}
}

func TestChangeHub_KindFilter(t *testing.T) {
	hub := NewChangeHub(4)
	defer hub.Close()

	sub := hub.Subscribe(KindVitalSigns)
	defer sub.Close()

	hub.Publish(ChangeEvent{Type: ChangeCreated, RecordID: "r1", Kind: KindIncident})
	hub.Publish(ChangeEvent{Type: ChangeCreated, RecordID: "r2", Kind: KindVitalSigns})

	select {
	case ev := <-sub.C:
		if ev.RecordID != "r2" {
			t.Errorf("Filter leaked event for %s", ev.RecordID)
		}
	case <-time.After(time.Second):
		t.Fatal("No event delivered")
	}
}

func TestChangeHub_SlowSubscriberDrops(t *testing.T) {
	hub := NewChangeHub(1)
	defer hub.Close()

	sub := hub.Subscribe()
	defer sub.Close()

	// Nobody reading: the buffer holds one event, the rest drop without
	// blocking the publisher.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish(ChangeEvent{Type: ChangeUpdated, RecordID: "r1", Kind: KindIncident})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if hub.Dropped() == 0 {
		t.Error("Expected dropped events to be counted")
	}
}

func TestChangeHub_SubscriberCount(t *testing.T) {
	hub := NewChangeHub(4)
	defer hub.Close()

	a := hub.Subscribe()
	b := hub.Subscribe(KindIncident)
	if hub.SubscriberCount() != 2 {
		t.Errorf("Expected 2 subscribers, got %d", hub.SubscriberCount())
	}
	a.Close()
	b.Close()
	if hub.SubscriberCount() != 0 {
		t.Errorf("Expected 0 subscribers after close, got %d", hub.SubscriberCount())
	}
}
