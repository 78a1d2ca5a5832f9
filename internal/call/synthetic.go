package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// SyntheticDevice produces real pion sample tracks without hardware. Audio
// tracks carry Opus silence while enabled; video tracks are negotiated but
// send no frames. Used by headless peers.
type SyntheticDevice struct{}

// NewSyntheticDevice returns a device that always grants access.
func NewSyntheticDevice() *SyntheticDevice {
	return &SyntheticDevice{}
}

// Acquire builds the requested tracks.
func (d *SyntheticDevice) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, errors.New("call: no media requested")
	}

	streamID := "duet-" + uuid.NewString()
	s := &sampleStream{stop: make(chan struct{})}

	if c.Audio {
		local, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("call: audio track: %w", err)
		}
		t := newSampleTrack("audio", local)
		s.tracks = append(s.tracks, t)
		s.wg.Add(1)
		go s.pump(t)
	}
	if c.Video {
		local, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("call: video track: %w", err)
		}
		s.tracks = append(s.tracks, newSampleTrack("video", local))
	}
	return s, nil
}

type sampleTrack struct {
	kind    string
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

func newSampleTrack(kind string, local *webrtc.TrackLocalStaticSample) *sampleTrack {
	t := &sampleTrack{kind: kind, local: local}
	t.enabled.Store(true)
	return t
}

func (t *sampleTrack) Kind() string             { return t.kind }
func (t *sampleTrack) Enabled() bool            { return t.enabled.Load() }
func (t *sampleTrack) SetEnabled(v bool)        { t.enabled.Store(v) }
func (t *sampleTrack) Local() webrtc.TrackLocal { return t.local }

type sampleStream struct {
	tracks []Track
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *sampleStream) Tracks() []Track { return s.tracks }

func (s *sampleStream) Close() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *sampleStream) pump(t *sampleTrack) {
	defer s.wg.Done()
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !t.Enabled() {
				continue
			}
			// Unbound tracks drop samples silently.
			_ = t.local.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration})
		}
	}
}
