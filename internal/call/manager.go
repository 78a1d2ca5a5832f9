// Package call manages audio/video call sessions with the partner: offer and
// answer exchange over the event channel, ICE candidate ordering, and local
// media ownership.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/whisper/duet/internal/event"
	"github.com/whisper/duet/internal/protocol"
)

var (
	ErrCallActive   = errors.New("call: a call is already active")
	ErrNoSession    = errors.New("call: no such call")
	ErrSessionEnded = errors.New("call: call ended")
)

// maxEarlyCandidates bounds candidates buffered before their call exists.
const maxEarlyCandidates = 64

// IncomingCall describes a call offered by the partner.
type IncomingCall struct {
	From       string
	CallerName string
	AudioOnly  bool
}

type session struct {
	partner   string
	phase     Phase
	audioOnly bool
	offer     webrtc.SessionDescription

	stream Stream
	neg    Negotiator
	cancel context.CancelFunc

	localSet  bool
	remoteSet bool
	accepting bool
	answered  bool

	iceQueue []webrtc.ICECandidateInit
	flushing bool

	// Local candidates are held until the offer is on the wire.
	holdLocal bool
	outQueue  []webrtc.ICECandidateInit
}

func (s *session) ready() bool {
	return s.localSet && s.remoteSet && s.neg != nil
}

// Manager owns every call session of one peer. All session state is guarded
// by a single mutex; hooks, emits, and negotiator calls run outside it.
type Manager struct {
	ch     event.Channel
	id     event.Identity
	device *exclusiveDevice
	newNeg NegotiatorFactory

	mu       sync.Mutex
	sessions map[string]*session
	early    map[string][]webrtc.ICECandidateInit

	onIncoming func(IncomingCall)
	onPhase    func(partnerID string, p Phase)

	offs []func()
}

// NewManager wires a manager to the channel.
func NewManager(ch event.Channel, id event.Identity, device MediaDevice, factory NegotiatorFactory) *Manager {
	m := &Manager{
		ch:       ch,
		id:       id,
		device:   newExclusiveDevice(device),
		newNeg:   factory,
		sessions: make(map[string]*session),
		early:    make(map[string][]webrtc.ICECandidateInit),
	}
	m.offs = append(m.offs,
		ch.On(protocol.TypeIncomingCall, m.handleIncoming),
		ch.On(protocol.TypeCallAnswered, m.handleAnswered),
		ch.On(protocol.TypeIceCandidate, m.handleCandidate),
		ch.On(protocol.TypeCallEnded, m.handleEnded),
	)
	return m
}

// OnIncoming registers the ring callback.
func (m *Manager) OnIncoming(fn func(IncomingCall)) { m.onIncoming = fn }

// OnPhase registers a callback for every phase change.
func (m *Manager) OnPhase(fn func(partnerID string, p Phase)) { m.onPhase = fn }

// Phase returns the phase of the call with partnerID, idle if none.
func (m *Manager) Phase(partnerID string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[partnerID]; ok {
		return s.phase
	}
	return PhaseIdle
}

// ---------------------------------------------------------------------------
// Outgoing
// ---------------------------------------------------------------------------

// StartCall acquires media, creates an offer and sends it to partnerID.
func (m *Manager) StartCall(ctx context.Context, partnerID string, audioOnly bool) error {
	m.mu.Lock()
	if m.activeLocked() != nil {
		m.mu.Unlock()
		return ErrCallActive
	}
	s := &session{partner: partnerID, phase: PhaseIdle, audioOnly: audioOnly, holdLocal: true}
	actx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	m.sessions[partnerID] = s
	delete(m.early, partnerID)
	m.mu.Unlock()

	neg, err := m.setup(actx, s)
	cancel()
	if err != nil {
		return err
	}

	offer, err := neg.CreateOffer()
	if err == nil {
		err = neg.SetLocalDescription(offer)
	}
	if err != nil {
		return m.fail(s, "create offer", err)
	}

	m.mu.Lock()
	if s.phase == PhaseEnded {
		m.mu.Unlock()
		return ErrSessionEnded
	}
	s.localSet = true
	changed := m.advanceLocked(s, PhaseCalling)
	m.mu.Unlock()
	if changed {
		m.notifyPhase(partnerID, PhaseCalling)
	}

	raw, err := json.Marshal(offer)
	if err != nil {
		return m.fail(s, "encode offer", err)
	}
	if err := m.ch.Emit(protocol.TypeCallUser, protocol.CallUserMsg{To: partnerID, Offer: raw, AudioOnly: audioOnly}); err != nil {
		m.end(s, false)
		return fmt.Errorf("call: send offer: %w", err)
	}
	log.Printf("[call] %s calling %s (audioOnly=%v)", m.id.UserID, partnerID, audioOnly)
	m.releaseLocal(s)
	return nil
}

func (m *Manager) handleAnswered(raw json.RawMessage) {
	var msg protocol.CallAnsweredMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("[call] bad call_answered: %v", err)
		return
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Answer, &answer); err != nil {
		log.Printf("[call] bad answer from %s: %v", msg.From, err)
		return
	}
	m.onAnswerReceived(msg.From, answer)
}

func (m *Manager) onAnswerReceived(from string, answer webrtc.SessionDescription) {
	m.mu.Lock()
	s, ok := m.sessions[from]
	if !ok || s.phase != PhaseCalling || s.answered {
		m.mu.Unlock()
		return
	}
	s.answered = true
	neg := s.neg
	m.mu.Unlock()

	if err := neg.SetRemoteDescription(answer); err != nil {
		m.fail(s, "set remote answer", err)
		return
	}

	m.mu.Lock()
	if s.phase == PhaseEnded {
		m.mu.Unlock()
		return
	}
	s.remoteSet = true
	changed := m.advanceLocked(s, PhaseConnecting)
	drain := m.claimDrainLocked(s)
	m.mu.Unlock()

	if changed {
		m.notifyPhase(from, PhaseConnecting)
	}
	if drain {
		m.drain(s)
	}
}

// ---------------------------------------------------------------------------
// Incoming
// ---------------------------------------------------------------------------

func (m *Manager) handleIncoming(raw json.RawMessage) {
	var msg protocol.IncomingCallMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("[call] bad incoming_call: %v", err)
		return
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Offer, &offer); err != nil {
		log.Printf("[call] bad offer from %s: %v", msg.From, err)
		return
	}
	m.ReceiveIncoming(IncomingCall{From: msg.From, CallerName: msg.CallerName, AudioOnly: msg.AudioOnly}, offer)
}

// ReceiveIncoming records an offered call. No media is acquired until the
// call is accepted. An offer arriving while another call is active is
// ignored.
func (m *Manager) ReceiveIncoming(in IncomingCall, offer webrtc.SessionDescription) {
	m.mu.Lock()
	if active := m.activeLocked(); active != nil {
		busyWith, phase := active.partner, active.phase
		m.mu.Unlock()
		log.Printf("[call] ignoring call from %s: call with %s is %s", in.From, busyWith, phase)
		return
	}
	s := &session{
		partner:   in.From,
		phase:     PhaseIncoming,
		audioOnly: in.AudioOnly,
		offer:     offer,
		iceQueue:  m.early[in.From],
	}
	delete(m.early, in.From)
	m.sessions[in.From] = s
	m.mu.Unlock()

	m.notifyPhase(in.From, PhaseIncoming)
	if m.onIncoming != nil {
		m.onIncoming(in)
	}
}

// AcceptCall acquires media, answers the stored offer and sends the answer.
func (m *Manager) AcceptCall(ctx context.Context, partnerID string) error {
	m.mu.Lock()
	s, ok := m.sessions[partnerID]
	if !ok || s.phase != PhaseIncoming {
		m.mu.Unlock()
		return ErrNoSession
	}
	if s.accepting {
		m.mu.Unlock()
		return ErrCallActive
	}
	s.accepting = true
	actx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	offer := s.offer
	m.mu.Unlock()

	neg, err := m.setup(actx, s)
	cancel()
	if err != nil {
		return err
	}

	if err := neg.SetRemoteDescription(offer); err != nil {
		return m.fail(s, "set remote offer", err)
	}
	m.mu.Lock()
	s.remoteSet = true
	m.mu.Unlock()

	answer, err := neg.CreateAnswer()
	if err == nil {
		err = neg.SetLocalDescription(answer)
	}
	if err != nil {
		return m.fail(s, "create answer", err)
	}

	m.mu.Lock()
	if s.phase == PhaseEnded {
		m.mu.Unlock()
		return ErrSessionEnded
	}
	s.localSet = true
	changed := m.advanceLocked(s, PhaseConnecting)
	drain := m.claimDrainLocked(s)
	m.mu.Unlock()

	if changed {
		m.notifyPhase(partnerID, PhaseConnecting)
	}
	if drain {
		m.drain(s)
	}

	raw, err := json.Marshal(answer)
	if err != nil {
		return m.fail(s, "encode answer", err)
	}
	if err := m.ch.Emit(protocol.TypeAnswerCall, protocol.AnswerCallMsg{To: partnerID, Answer: raw}); err != nil {
		m.end(s, false)
		return fmt.Errorf("call: send answer: %w", err)
	}
	return nil
}

// RejectCall declines an incoming call.
func (m *Manager) RejectCall(partnerID string) error {
	return m.EndCall(partnerID)
}

// setup acquires media for s and creates its negotiator with the local
// tracks attached. Denied media ends the session and notifies the partner.
func (m *Manager) setup(ctx context.Context, s *session) (Negotiator, error) {
	stream, err := m.device.Acquire(ctx, Constraints{Audio: true, Video: !s.audioOnly})
	if err != nil {
		m.mu.Lock()
		phase := s.phase
		m.mu.Unlock()
		if phase == PhaseEnded {
			return nil, ErrSessionEnded
		}
		// Only a callee's partner is already waiting on this call.
		m.end(s, phase == PhaseIncoming)
		return nil, &MediaAccessError{Err: err}
	}

	m.mu.Lock()
	if s.phase == PhaseEnded {
		m.mu.Unlock()
		stream.Close()
		return nil, ErrSessionEnded
	}
	s.stream = stream
	m.mu.Unlock()

	neg, err := m.newNeg()
	if err != nil {
		return nil, m.fail(s, "new negotiator", err)
	}
	partner := s.partner
	neg.OnICECandidate(func(c webrtc.ICECandidateInit) { m.localCandidate(s, partner, c) })
	neg.OnRemoteTrack(func(kind string) { m.remoteTrack(s, kind) })
	for _, t := range stream.Tracks() {
		if err := neg.AddTrack(t.Local()); err != nil {
			neg.Close()
			return nil, m.fail(s, "add track", err)
		}
	}

	m.mu.Lock()
	if s.phase == PhaseEnded {
		m.mu.Unlock()
		neg.Close()
		return nil, ErrSessionEnded
	}
	s.neg = neg
	m.mu.Unlock()
	return neg, nil
}

// ---------------------------------------------------------------------------
// ICE
// ---------------------------------------------------------------------------

func (m *Manager) localCandidate(s *session, partner string, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	if s.phase == PhaseEnded {
		m.mu.Unlock()
		return
	}
	if s.holdLocal {
		s.outQueue = append(s.outQueue, c)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.sendCandidate(partner, c)
}

// releaseLocal sends the candidates gathered before call_user went out, in
// order. Candidates gathered meanwhile join the queue until it is empty.
func (m *Manager) releaseLocal(s *session) {
	for {
		m.mu.Lock()
		if s.phase == PhaseEnded {
			s.holdLocal, s.outQueue = false, nil
			m.mu.Unlock()
			return
		}
		batch := s.outQueue
		s.outQueue = nil
		if len(batch) == 0 {
			s.holdLocal = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		for _, c := range batch {
			m.sendCandidate(s.partner, c)
		}
	}
}

func (m *Manager) sendCandidate(partner string, c webrtc.ICECandidateInit) {
	raw, err := json.Marshal(c)
	if err != nil {
		log.Printf("[call] encode candidate: %v", err)
		return
	}
	if err := m.ch.Emit(protocol.TypeIceCandidate, protocol.IceCandidateMsg{To: partner, Candidate: raw}); err != nil {
		log.Printf("[call] send candidate to %s: %v", partner, err)
	}
}

func (m *Manager) handleCandidate(raw json.RawMessage) {
	var msg protocol.IceCandidateMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("[call] bad ice_candidate: %v", err)
		return
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Candidate, &c); err != nil {
		log.Printf("[call] bad candidate from %s: %v", msg.From, err)
		return
	}
	m.onRemoteCandidate(msg.From, c)
}

// onRemoteCandidate queues c until both descriptions are set, then applies
// candidates in receipt order. Candidates that arrive before their call are
// held per partner and handed to the next incoming session. Candidates for a
// call that has already ended are dropped.
func (m *Manager) onRemoteCandidate(from string, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	s, ok := m.sessions[from]
	if ok && s.phase == PhaseEnded {
		m.mu.Unlock()
		log.Printf("[call] drop candidate from %s: call ended", from)
		return
	}
	if !ok {
		if q := m.early[from]; len(q) < maxEarlyCandidates {
			m.early[from] = append(q, c)
		}
		m.mu.Unlock()
		return
	}
	s.iceQueue = append(s.iceQueue, c)
	drain := m.claimDrainLocked(s)
	m.mu.Unlock()

	if drain {
		m.drain(s)
	}
}

// claimDrainLocked reports whether the caller should drain s's queue.
func (m *Manager) claimDrainLocked(s *session) bool {
	if !s.ready() || s.flushing || len(s.iceQueue) == 0 || s.phase == PhaseEnded {
		return false
	}
	s.flushing = true
	return true
}

// drain applies queued candidates until the queue is empty. Only the
// goroutine that claimed the drain runs it, so order is preserved.
func (m *Manager) drain(s *session) {
	for {
		m.mu.Lock()
		if len(s.iceQueue) == 0 || s.phase == PhaseEnded {
			s.flushing = false
			m.mu.Unlock()
			return
		}
		batch := s.iceQueue
		s.iceQueue = nil
		neg := s.neg
		m.mu.Unlock()

		for _, c := range batch {
			if err := neg.AddICECandidate(c); err != nil {
				log.Printf("[call] add candidate from %s: %v", s.partner, err)
			}
		}
	}
}

func (m *Manager) remoteTrack(s *session, kind string) {
	m.mu.Lock()
	changed := m.advanceLocked(s, PhaseConnected)
	m.mu.Unlock()
	if changed {
		log.Printf("[call] connected with %s (first %s track)", s.partner, kind)
		m.notifyPhase(s.partner, PhaseConnected)
	}
}

// ---------------------------------------------------------------------------
// Controls
// ---------------------------------------------------------------------------

// ToggleMute flips the local audio tracks and reports whether audio is now
// muted.
func (m *Manager) ToggleMute(partnerID string) (bool, error) {
	enabled, err := m.toggle(partnerID, "audio")
	return !enabled, err
}

// ToggleVideo flips the local video tracks and reports whether video is now
// off.
func (m *Manager) ToggleVideo(partnerID string) (bool, error) {
	enabled, err := m.toggle(partnerID, "video")
	return !enabled, err
}

func (m *Manager) toggle(partnerID, kind string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[partnerID]
	if !ok || s.phase == PhaseEnded || s.stream == nil {
		return false, ErrNoSession
	}
	found, enabled := false, false
	for _, t := range s.stream.Tracks() {
		if t.Kind() != kind {
			continue
		}
		if !found {
			enabled = !t.Enabled()
			found = true
		}
		t.SetEnabled(enabled)
	}
	if !found {
		return false, fmt.Errorf("call: no local %s track", kind)
	}
	return enabled, nil
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// EndCall hangs up and tells the partner. Ending an ended call is a no-op.
func (m *Manager) EndCall(partnerID string) error {
	m.mu.Lock()
	s, ok := m.sessions[partnerID]
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	m.end(s, true)
	return nil
}

func (m *Manager) handleEnded(raw json.RawMessage) {
	var msg protocol.CallEndedMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("[call] bad call_ended: %v", err)
		return
	}
	m.onRemoteEnded(msg.From)
}

func (m *Manager) onRemoteEnded(from string) {
	m.mu.Lock()
	s, ok := m.sessions[from]
	m.mu.Unlock()
	if ok {
		m.end(s, false)
	}
}

// Close ends every active call and detaches from the channel.
func (m *Manager) Close() {
	m.mu.Lock()
	var active []*session
	for _, s := range m.sessions {
		if s.phase != PhaseEnded {
			active = append(active, s)
		}
	}
	m.mu.Unlock()
	for _, s := range active {
		m.end(s, true)
	}
	for _, off := range m.offs {
		off()
	}
}

// end tears s down once: pending media acquisition is cancelled, media is
// released and the negotiator closed. notify sends end_call to the partner.
func (m *Manager) end(s *session, notify bool) bool {
	m.mu.Lock()
	if s.phase == PhaseEnded {
		m.mu.Unlock()
		return false
	}
	s.phase = PhaseEnded
	cancel, stream, neg := s.cancel, s.stream, s.neg
	s.cancel, s.stream, s.neg = nil, nil, nil
	s.iceQueue = nil
	s.outQueue = nil
	delete(m.early, s.partner)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Close()
	}
	if neg != nil {
		if err := neg.Close(); err != nil {
			log.Printf("[call] close negotiator for %s: %v", s.partner, err)
		}
	}
	m.notifyPhase(s.partner, PhaseEnded)

	if notify {
		if err := m.ch.Emit(protocol.TypeEndCall, protocol.EndCallMsg{To: s.partner}); err != nil {
			log.Printf("[call] send end_call to %s: %v", s.partner, err)
		}
	}
	log.Printf("[call] call with %s ended", s.partner)
	return true
}

// fail logs a negotiation failure and ends the session, notifying the
// partner.
func (m *Manager) fail(s *session, step string, err error) error {
	if m.isEnded(s) {
		return ErrSessionEnded
	}
	log.Printf("[call] %s with %s failed: %v", step, s.partner, err)
	m.end(s, true)
	return fmt.Errorf("call: %s: %w", step, err)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (m *Manager) activeLocked() *session {
	for _, s := range m.sessions {
		if s.phase != PhaseEnded {
			return s
		}
	}
	return nil
}

func (m *Manager) advanceLocked(s *session, next Phase) bool {
	if !s.phase.CanAdvance(next) {
		return false
	}
	s.phase = next
	return true
}

func (m *Manager) isEnded(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.phase == PhaseEnded
}

func (m *Manager) notifyPhase(partner string, p Phase) {
	if m.onPhase != nil {
		m.onPhase(partner, p)
	}
}
