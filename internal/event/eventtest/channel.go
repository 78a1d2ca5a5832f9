// Package eventtest provides an in-memory event.Channel that records emitted
// events and lets tests inject incoming ones.
package eventtest

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/whisper/duet/internal/event"
)

// Emitted is one recorded outgoing event.
type Emitted struct {
	Name    string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (e Emitted) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Channel is a fake event.Channel.
type Channel struct {
	mux *event.Mux

	mu        sync.Mutex
	connected bool
	emitted   []Emitted
	onEmit    func(Emitted)
}

// New returns a connected fake channel.
func New() *Channel {
	return &Channel{mux: event.NewMux(), connected: true}
}

// Emit records the event, or fails when disconnected.
func (c *Channel) Emit(name string, payload any) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return event.ErrChannelUnavailable
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("eventtest: marshal %s: %w", name, err)
	}
	e := Emitted{Name: name, Payload: raw}
	c.emitted = append(c.emitted, e)
	hook := c.onEmit
	c.mu.Unlock()

	if hook != nil {
		hook(e)
	}
	return nil
}

// OnEmit registers fn to run after each recorded emit, before Emit returns.
// It lets tests answer an event the way a fast relay would.
func (c *Channel) OnEmit(fn func(Emitted)) {
	c.mu.Lock()
	c.onEmit = fn
	c.mu.Unlock()
}

// On registers a handler.
func (c *Channel) On(name string, h event.Handler) func() {
	return c.mux.On(name, h)
}

// Connected reports the simulated link state.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetConnected flips the simulated link state.
func (c *Channel) SetConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Inject delivers an incoming event synchronously to the registered handlers.
// It panics on an unmarshalable payload since that is a test bug.
func (c *Channel) Inject(name string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("eventtest: marshal %s: %v", name, err))
	}
	c.mux.Dispatch(name, raw)
}

// Emitted returns a copy of all recorded events.
func (c *Channel) Emitted() []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Emitted, len(c.emitted))
	copy(out, c.emitted)
	return out
}

// Named returns the recorded events with the given name.
func (c *Channel) Named(name string) []Emitted {
	var out []Emitted
	for _, e := range c.Emitted() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops all recorded events.
func (c *Channel) Reset() {
	c.mu.Lock()
	c.emitted = nil
	c.mu.Unlock()
}

var _ event.Channel = (*Channel)(nil)
