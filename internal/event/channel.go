// Package event defines the duplex channel the peer engines talk through and
// the identity context they are constructed with.
package event

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrChannelUnavailable is returned by Emit when the channel is not
// connected. Sends are rejected rather than queued.
var ErrChannelUnavailable = errors.New("event: channel unavailable")

// Handler receives the raw JSON body of an event.
type Handler func(payload json.RawMessage)

// Channel is a named-event bus to the relay. Delivery is at-most-once and
// FIFO per event stream only; handlers must tolerate redelivery and
// reordering across event types.
type Channel interface {
	// Emit sends an event. It fails with ErrChannelUnavailable when the
	// channel is disconnected.
	Emit(name string, payload any) error

	// On registers a handler for an event name and returns a function that
	// removes it.
	On(name string, h Handler) (off func())

	// Connected reports whether the channel is currently live.
	Connected() bool
}

// Identity is the conversation context shared by all engines: who "I" am and
// who the partner is.
type Identity struct {
	UserID      string
	PartnerID   string
	PartnerName string
}

// ---------------------------------------------------------------------------
// Mux
// ---------------------------------------------------------------------------

type registration struct {
	id int
	h  Handler
}

// Mux is a goroutine-safe handler registry. Several handlers may listen on the
// same event; they run in registration order.
type Mux struct {
	mu       sync.RWMutex
	next     int
	handlers map[string][]registration
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string][]registration)}
}

// On registers h for name.
func (m *Mux) On(name string, h Handler) func() {
	m.mu.Lock()
	m.next++
	id := m.next
	m.handlers[name] = append(m.handlers[name], registration{id: id, h: h})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.remove(name, id) })
	}
}

func (m *Mux) remove(name string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	regs := m.handlers[name]
	for i, r := range regs {
		if r.id == id {
			m.handlers[name] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(m.handlers[name]) == 0 {
		delete(m.handlers, name)
	}
}

// Dispatch runs every handler registered for name and reports whether any
// handler was found. Handlers run outside the registry lock so they may
// register or remove handlers themselves.
func (m *Mux) Dispatch(name string, payload json.RawMessage) bool {
	m.mu.RLock()
	regs := make([]registration, len(m.handlers[name]))
	copy(regs, m.handlers[name])
	m.mu.RUnlock()

	for _, r := range regs {
		r.h(payload)
	}
	return len(regs) > 0
}
