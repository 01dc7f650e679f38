package carelog

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ChangeType classifies a record change notification.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeUpdated  ChangeType = "updated"
	ChangeDeleted  ChangeType = "deleted"
	ChangeMerged   ChangeType = "merged"
	ChangeConflict ChangeType = "conflict"
)

// ChangeEvent notifies subscribers that a record changed. The event carries
// metadata only; subscribers fetch the record through the store so every
// access stays audited.
type ChangeEvent struct {
	Type     ChangeType `json:"type"`
	RecordID string     `json:"record_id"`
	Kind     RecordKind `json:"kind"`
	At       int64      `json:"at"` // unix milliseconds
}

// ChangeSubscription is one subscriber's buffered event channel. Events are
// dropped rather than blocking writers when the subscriber falls behind.
type ChangeSubscription struct {
	ID     string
	Kinds  map[RecordKind]bool // empty means all kinds
	C      chan ChangeEvent
	hub    *ChangeHub
	closed bool
}

// Close cancels the subscription.
func (s *ChangeSubscription) Close() {
	s.hub.unsubscribe(s.ID)
}

// ChangeHub fans record change events out to subscribers. Callers that
// prefer polling simply never subscribe.
type ChangeHub struct {
	mu         sync.RWMutex
	subs       map[string]*ChangeSubscription
	nextID     uint64
	bufferSize int
	dropped    atomic.Uint64
}

// NewChangeHub creates a new change hub.
func NewChangeHub(bufferSize int) *ChangeHub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &ChangeHub{
		subs:       make(map[string]*ChangeSubscription),
		bufferSize: bufferSize,
	}
}

// Subscribe creates a subscription for the given kinds, all kinds when empty.
func (h *ChangeHub) Subscribe(kinds ...RecordKind) *ChangeSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &ChangeSubscription{
		ID:    fmt.Sprintf("sub-%d", h.nextID),
		Kinds: make(map[RecordKind]bool, len(kinds)),
		C:     make(chan ChangeEvent, h.bufferSize),
		hub:   h,
	}
	for _, k := range kinds {
		sub.Kinds[k] = true
	}
	h.subs[sub.ID] = sub
	return sub
}

func (h *ChangeHub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok || sub.closed {
		return
	}
	sub.closed = true
	close(sub.C)
	delete(h.subs, id)
}

// Publish delivers an event to all matching subscribers without blocking.
func (h *ChangeHub) Publish(ev ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if len(sub.Kinds) > 0 && !sub.Kinds[ev.Kind] {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events discarded because a subscriber's
// buffer was full.
func (h *ChangeHub) Dropped() uint64 {
	return h.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions.
func (h *ChangeHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close cancels all subscriptions.
func (h *ChangeHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.C)
		}
		delete(h.subs, id)
	}
}
