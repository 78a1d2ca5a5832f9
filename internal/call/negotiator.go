package call

import (
	"fmt"
	"log"

	"github.com/pion/webrtc/v4"
)

// Negotiator is one peer connection as the manager sees it. SDP is opaque.
type Negotiator interface {
	AddTrack(t webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnRemoteTrack(func(kind string))
	Close() error
}

// NegotiatorFactory creates a fresh negotiator per call.
type NegotiatorFactory func() (Negotiator, error)

// Config holds peer connection settings.
type Config struct {
	ICEServers []string
}

// DefaultConfig returns a config using Google's public STUN server.
func DefaultConfig() Config {
	return Config{ICEServers: []string{"stun:stun.l.google.com:19302"}}
}

// PionFactory returns a factory building pion peer connections.
func PionFactory(cfg Config) NegotiatorFactory {
	return func() (Negotiator, error) {
		n, err := NewPionNegotiator(cfg)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
}

// PionNegotiator implements Negotiator on a pion PeerConnection.
type PionNegotiator struct {
	pc *webrtc.PeerConnection
}

// NewPionNegotiator opens a peer connection.
func NewPionNegotiator(cfg Config) (*PionNegotiator, error) {
	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.ICEServers})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("call: new peer connection: %w", err)
	}
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Printf("[call] ice connection state: %s", s)
	})
	return &PionNegotiator{pc: pc}, nil
}

func (p *PionNegotiator) AddTrack(t webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(t)
	if err != nil {
		return fmt.Errorf("call: add track: %w", err)
	}
	// RTCP must be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *PionNegotiator) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *PionNegotiator) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *PionNegotiator) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *PionNegotiator) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *PionNegotiator) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// OnICECandidate skips the nil end-of-gathering candidate.
func (p *PionNegotiator) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// OnRemoteTrack reports each remote track and drains its packets.
func (p *PionNegotiator) OnRemoteTrack(fn func(kind string)) {
	p.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(tr.Kind().String())
		buf := make([]byte, 1500)
		for {
			if _, _, err := tr.Read(buf); err != nil {
				return
			}
		}
	})
}

func (p *PionNegotiator) Close() error {
	return p.pc.Close()
}
