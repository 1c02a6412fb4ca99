package chat

import (
	"sync"
	"time"
)

type Operation string

const (
	OpSessionCreated Operation = "session.created"
	OpSessionUpdated Operation = "session.updated"
	OpSessionDeleted Operation = "session.deleted"
	OpMessageCreated Operation = "message.created"
	OpMessageUpdated Operation = "message.updated"
)

// ChangeEvent describes one committed write.
type ChangeEvent struct {
	Op        Operation `json:"op"`
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
	// Origin identifies the process that made the write; empty for local writes.
	Origin string `json:"origin,omitempty"`
}

// Query selects events for a live subscription. An empty SessionID matches every session.
type Query struct {
	SessionID string
}

func (q Query) matches(ev ChangeEvent) bool {
	return q.SessionID == "" || q.SessionID == ev.SessionID
}

// ChangeListener receives every locally committed event, synchronously.
type ChangeListener interface {
	OnChange(ev ChangeEvent)
}

type subscription struct {
	q  Query
	ch chan ChangeEvent
}

// Hub fans committed store changes out to subscribers and listeners.
// Subscribers that fall behind lose events rather than block writers; a
// subscriber only needs to know that something changed to re-read.
type Hub struct {
	mu        sync.RWMutex
	subs      map[*subscription]struct{}
	listeners []ChangeListener
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscription]struct{})}
}

func (h *Hub) AddListener(l ChangeListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

// Subscribe returns a channel of events matching q and a cancel func that closes it.
func (h *Hub) Subscribe(q Query) (<-chan ChangeEvent, func()) {
	sub := &subscription{q: q, ch: make(chan ChangeEvent, 64)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish delivers ev to subscribers and to listeners.
func (h *Hub) Publish(ev ChangeEvent) {
	h.Deliver(ev)

	h.mu.RLock()
	listeners := append([]ChangeListener(nil), h.listeners...)
	h.mu.RUnlock()
	for _, l := range listeners {
		l.OnChange(ev)
	}
}

// Deliver hands ev to subscribers only. Bridges use it for events that
// arrived from another process so they are not echoed back.
func (h *Hub) Deliver(ev ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.q.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
