package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Constraints selects the kinds of media to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// Track is one local media track.
type Track interface {
	Kind() string // "audio" or "video"
	Enabled() bool
	SetEnabled(bool)
	Local() webrtc.TrackLocal
}

// Stream is a set of acquired tracks. Close releases the underlying device.
type Stream interface {
	Tracks() []Track
	Close()
}

// MediaDevice hands out local media. Acquire may block, e.g. on a
// permission prompt, and must honour ctx.
type MediaDevice interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// MediaAccessError reports that local media could not be acquired.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("call: media access: %v", e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// exclusiveDevice lets one stream own the device at a time. Acquiring
// releases the previous owner first.
type exclusiveDevice struct {
	dev MediaDevice

	mu    sync.Mutex
	owner *ownedStream
}

func newExclusiveDevice(dev MediaDevice) *exclusiveDevice {
	return &exclusiveDevice{dev: dev}
}

func (g *exclusiveDevice) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	g.release()

	s, err := g.dev.Acquire(ctx, c)
	if err != nil {
		return nil, err
	}
	o := &ownedStream{Stream: s, guard: g}

	g.mu.Lock()
	prev := g.owner
	g.owner = o
	g.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return o, nil
}

func (g *exclusiveDevice) release() {
	g.mu.Lock()
	prev := g.owner
	g.owner = nil
	g.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// ownedStream closes its stream at most once.
type ownedStream struct {
	Stream
	guard *exclusiveDevice
	once  sync.Once
}

func (o *ownedStream) Close() {
	o.once.Do(func() {
		o.Stream.Close()
		o.guard.mu.Lock()
		if o.guard.owner == o {
			o.guard.owner = nil
		}
		o.guard.mu.Unlock()
	})
}
