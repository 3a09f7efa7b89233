// Package broadcast fans events out to every attached observer connection.
// Supervisors only ever publish; the websocket layer attaches and detaches
// observers as presentation clients come and go.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vpescete/odoo-claude-code/internal/event"
)

const observerBuffer = 256

// Observer is one attached presentation-layer connection.
type Observer struct {
	ID      string
	send    chan event.Event
	focused bool
}

// Events returns the observer's receive channel. Closed on detach.
func (o *Observer) Events() <-chan event.Event {
	return o.send
}

// Hub is the shared broadcast channel.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]*Observer
}

func NewHub() *Hub {
	return &Hub{observers: make(map[string]*Observer)}
}

// Attach registers a new observer. The returned detach func is idempotent.
func (h *Hub) Attach() (*Observer, func()) {
	obs := &Observer{
		ID:   uuid.NewString(),
		send: make(chan event.Event, observerBuffer),
	}
	h.mu.Lock()
	h.observers[obs.ID] = obs
	h.mu.Unlock()

	var once sync.Once
	detach := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.observers, obs.ID)
			h.mu.Unlock()
			close(obs.send)
		})
	}
	return obs, detach
}

// Publish delivers ev to every observer. Non-blocking: a full observer
// buffer drops the event for that observer only, so one stalled client
// cannot stall the supervisors.
func (h *Hub) Publish(ev event.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, obs := range h.observers {
		select {
		case obs.send <- ev:
		default:
			slog.Debug("observer buffer full, dropping event", "observer", obs.ID, "kind", ev.Kind)
		}
	}
}

// SetFocused records whether the given observer's window has focus.
func (h *Hub) SetFocused(observerID string, focused bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if obs, ok := h.observers[observerID]; ok {
		obs.focused = focused
	}
}

// AnyFocused reports whether any attached observer window currently has
// focus. Used to suppress desktop notifications the user would find noisy.
func (h *Hub) AnyFocused() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, obs := range h.observers {
		if obs.focused {
			return true
		}
	}
	return false
}

// ObserverCount returns the number of attached observers.
func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}
