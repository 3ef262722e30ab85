// Package pubsub fans pickup-status updates out to the admin live view.
// Subscribers are explicit: every Subscribe is paired with an Unsubscribe
// on connection teardown, so nothing leaks when an SSE client drops.
package pubsub

import (
	"sync"
	"time"
)

// Update describes one pickup-status change.
type Update struct {
	RegistrationID int64     `json:"registration_id"`
	EventID        int64     `json:"event_id"`
	PickupCode     string    `json:"pickup_code"`
	PickedUp       bool      `json:"picked_up"`
	At             time.Time `json:"at"`
}

const subscriberBuffer = 16

type Hub struct {
	mu   sync.Mutex
	subs map[int64]chan Update
	next int64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int64]chan Update)}
}

// Subscribe registers a new subscriber and returns its id together with
// the channel updates arrive on. The channel is closed by Unsubscribe.
func (h *Hub) Subscribe() (int64, <-chan Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	ch := make(chan Update, subscriberBuffer)
	h.subs[h.next] = ch
	return h.next, ch
}

func (h *Hub) Unsubscribe(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish delivers the update to every current subscriber. A subscriber
// whose buffer is full misses the update rather than blocking the
// publisher; the admin view re-syncs on reconnect anyway.
func (h *Hub) Publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
