package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/whisper/duet/internal/event"
	"github.com/whisper/duet/internal/event/eventtest"
	"github.com/whisper/duet/internal/protocol"
)

var alice = event.Identity{UserID: "alice", PartnerID: "bob", PartnerName: "Bob"}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeTrack struct {
	kind    string
	enabled atomic.Bool
}

func (t *fakeTrack) Kind() string             { return t.kind }
func (t *fakeTrack) Enabled() bool            { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(v bool)        { t.enabled.Store(v) }
func (t *fakeTrack) Local() webrtc.TrackLocal { return nil }

type fakeStream struct {
	tracks []Track
	closes atomic.Int32
}

func (s *fakeStream) Tracks() []Track { return s.tracks }
func (s *fakeStream) Close()          { s.closes.Add(1) }

type fakeDevice struct {
	mu       sync.Mutex
	err      error
	release  chan struct{} // when set, Acquire waits for it and ignores ctx
	started  chan struct{}
	streams  []*fakeStream
	requests []Constraints
}

func (d *fakeDevice) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	d.mu.Lock()
	d.requests = append(d.requests, c)
	release, started, err := d.release, d.started, d.err
	d.mu.Unlock()

	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s := &fakeStream{}
	for _, kind := range []string{"audio", "video"} {
		if (kind == "audio" && c.Audio) || (kind == "video" && c.Video) {
			t := &fakeTrack{kind: kind}
			t.enabled.Store(true)
			s.tracks = append(s.tracks, t)
		}
	}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDevice) stream(i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[i]
}

type fakeNeg struct {
	mu         sync.Mutex
	tracks     int
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []string
	closed     int
	onICE      func(webrtc.ICECandidateInit)
	onTrack    func(string)
	failRemote error
	gather     []string // candidates fired while the local description is set
}

func (n *fakeNeg) AddTrack(webrtc.TrackLocal) error {
	n.mu.Lock()
	n.tracks++
	n.mu.Unlock()
	return nil
}

func (n *fakeNeg) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "local-offer"}, nil
}

func (n *fakeNeg) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer"}, nil
}

func (n *fakeNeg) SetLocalDescription(d webrtc.SessionDescription) error {
	n.mu.Lock()
	n.local = &d
	n.mu.Unlock()
	for _, c := range n.gather {
		n.onICE(webrtc.ICECandidateInit{Candidate: c})
	}
	return nil
}

func (n *fakeNeg) SetRemoteDescription(d webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failRemote != nil {
		return n.failRemote
	}
	n.remote = &d
	return nil
}

func (n *fakeNeg) AddICECandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.local == nil || n.remote == nil {
		panic("candidate applied before both descriptions")
	}
	n.candidates = append(n.candidates, c.Candidate)
	return nil
}

func (n *fakeNeg) OnICECandidate(fn func(webrtc.ICECandidateInit)) { n.onICE = fn }
func (n *fakeNeg) OnRemoteTrack(fn func(string))                   { n.onTrack = fn }

func (n *fakeNeg) Close() error {
	n.mu.Lock()
	n.closed++
	n.mu.Unlock()
	return nil
}

func (n *fakeNeg) applied() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.candidates...)
}

type harness struct {
	m   *Manager
	ch  *eventtest.Channel
	dev *fakeDevice

	mu       sync.Mutex
	negs     []*fakeNeg
	phases   []Phase
	incoming []IncomingCall
	failNext error
	gather   []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{ch: eventtest.New(), dev: &fakeDevice{}}
	h.m = NewManager(h.ch, alice, h.dev, func() (Negotiator, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		n := &fakeNeg{failRemote: h.failNext, gather: h.gather}
		h.negs = append(h.negs, n)
		return n, nil
	})
	h.m.OnPhase(func(_ string, p Phase) {
		h.mu.Lock()
		h.phases = append(h.phases, p)
		h.mu.Unlock()
	})
	h.m.OnIncoming(func(in IncomingCall) {
		h.mu.Lock()
		h.incoming = append(h.incoming, in)
		h.mu.Unlock()
	})
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) neg(i int) *fakeNeg {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.negs) {
		return nil
	}
	return h.negs[i]
}

func (h *harness) seenPhases() []Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Phase(nil), h.phases...)
}

func sdpJSON(t *testing.T, typ webrtc.SDPType, sdp string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(webrtc.SessionDescription{Type: typ, SDP: sdp})
	if err != nil {
		t.Fatalf("marshal sdp: %v", err)
	}
	return raw
}

func candJSON(t *testing.T, c string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(webrtc.ICECandidateInit{Candidate: c})
	if err != nil {
		t.Fatalf("marshal candidate: %v", err)
	}
	return raw
}

func (h *harness) ring(t *testing.T, audioOnly bool) {
	t.Helper()
	h.ch.Inject(protocol.TypeIncomingCall, protocol.IncomingCallMsg{
		From:       "bob",
		CallerName: "Bob",
		Offer:      sdpJSON(t, webrtc.SDPTypeOffer, "remote-offer"),
		AudioOnly:  audioOnly,
	})
}

func (h *harness) candidate(t *testing.T, c string) {
	t.Helper()
	h.ch.Inject(protocol.TypeIceCandidate, protocol.IceCandidateMsg{From: "bob", Candidate: candJSON(t, c)})
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Caller
// ---------------------------------------------------------------------------

func TestStartCall_SendsOffer(t *testing.T) {
	h := newHarness(t)

	if err := h.m.StartCall(context.Background(), "bob", true); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if p := h.m.Phase("bob"); p != PhaseCalling {
		t.Fatalf("phase = %s, want calling", p)
	}

	calls := h.ch.Named(protocol.TypeCallUser)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call_user, got %d", len(calls))
	}
	var msg protocol.CallUserMsg
	if err := calls[0].Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Offer, &offer); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if msg.To != "bob" || !msg.AudioOnly || offer.SDP != "local-offer" || offer.Type != webrtc.SDPTypeOffer {
		t.Errorf("unexpected call_user: %+v / %+v", msg, offer)
	}
	if n := h.neg(0).tracks; n != 1 {
		t.Errorf("audio-only call added %d tracks, want 1", n)
	}
	if c := h.dev.requests[0]; !c.Audio || c.Video {
		t.Errorf("constraints = %+v", c)
	}
}

func TestStartCall_RejectsSecondCall(t *testing.T) {
	h := newHarness(t)
	if err := h.m.StartCall(context.Background(), "bob", false); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := h.m.StartCall(context.Background(), "bob", false); !errors.Is(err, ErrCallActive) {
		t.Errorf("second StartCall: got %v, want ErrCallActive", err)
	}
}

func TestStartCall_MediaDenied(t *testing.T) {
	h := newHarness(t)
	h.dev.err = errors.New("permission denied")

	err := h.m.StartCall(context.Background(), "bob", false)
	var mae *MediaAccessError
	if !errors.As(err, &mae) {
		t.Fatalf("expected MediaAccessError, got %v", err)
	}
	if p := h.m.Phase("bob"); p != PhaseEnded {
		t.Errorf("phase = %s, want ended", p)
	}
	if len(h.ch.Named(protocol.TypeCallUser)) != 0 || len(h.ch.Named(protocol.TypeEndCall)) != 0 {
		t.Error("nothing should reach the partner")
	}

	// A fresh attempt is allowed.
	h.dev.err = nil
	if err := h.m.StartCall(context.Background(), "bob", false); err != nil {
		t.Errorf("retry: %v", err)
	}
}

func TestCaller_AnswerThenFirstTrackConnects(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(context.Background(), "bob", false)

	h.ch.Inject(protocol.TypeCallAnswered, protocol.CallAnsweredMsg{From: "bob", Answer: sdpJSON(t, webrtc.SDPTypeAnswer, "remote-answer")})
	if p := h.m.Phase("bob"); p != PhaseConnecting {
		t.Fatalf("phase = %s, want connecting", p)
	}
	if r := h.neg(0).remote; r == nil || r.SDP != "remote-answer" {
		t.Fatalf("remote description not applied: %+v", r)
	}

	h.neg(0).onTrack("audio")
	h.neg(0).onTrack("video")
	if p := h.m.Phase("bob"); p != PhaseConnected {
		t.Fatalf("phase = %s, want connected", p)
	}

	want := []Phase{PhaseCalling, PhaseConnecting, PhaseConnected}
	got := h.seenPhases()
	if len(got) != len(want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phases = %v, want %v", got, want)
		}
	}

	// A duplicate answer is ignored.
	h.ch.Inject(protocol.TypeCallAnswered, protocol.CallAnsweredMsg{From: "bob", Answer: sdpJSON(t, webrtc.SDPTypeAnswer, "other")})
	if r := h.neg(0).remote; r.SDP != "remote-answer" {
		t.Errorf("duplicate answer replaced remote description")
	}
}

func TestCaller_CandidatesQueuedUntilAnswer(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(context.Background(), "bob", true)

	h.candidate(t, "c1")
	h.candidate(t, "c2")
	if got := h.neg(0).applied(); len(got) != 0 {
		t.Fatalf("candidates applied before answer: %v", got)
	}

	h.ch.Inject(protocol.TypeCallAnswered, protocol.CallAnsweredMsg{From: "bob", Answer: sdpJSON(t, webrtc.SDPTypeAnswer, "a")})
	h.candidate(t, "c3")

	if got := h.neg(0).applied(); !equalStrings(got, []string{"c1", "c2", "c3"}) {
		t.Errorf("applied = %v, want [c1 c2 c3]", got)
	}
}

func TestLocalCandidatesForwarded(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(context.Background(), "bob", true)

	h.neg(0).onICE(webrtc.ICECandidateInit{Candidate: "local-1"})

	sent := h.ch.Named(protocol.TypeIceCandidate)
	if len(sent) != 1 {
		t.Fatalf("expected 1 ice_candidate, got %d", len(sent))
	}
	var msg protocol.IceCandidateMsg
	sent[0].Decode(&msg)
	var c webrtc.ICECandidateInit
	json.Unmarshal(msg.Candidate, &c)
	if msg.To != "bob" || c.Candidate != "local-1" {
		t.Errorf("unexpected ice_candidate: %+v", msg)
	}
}

// Candidates gathered while the offer is being set must not reach the
// partner ahead of call_user.
func TestLocalCandidates_HeldUntilOfferSent(t *testing.T) {
	h := newHarness(t)
	h.gather = []string{"early-1", "early-2"}
	if err := h.m.StartCall(context.Background(), "bob", true); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	h.neg(0).onICE(webrtc.ICECandidateInit{Candidate: "late"})

	var order []string
	for _, e := range h.ch.Emitted() {
		switch e.Name {
		case protocol.TypeCallUser:
			order = append(order, "offer")
		case protocol.TypeIceCandidate:
			var msg protocol.IceCandidateMsg
			e.Decode(&msg)
			var c webrtc.ICECandidateInit
			json.Unmarshal(msg.Candidate, &c)
			order = append(order, c.Candidate)
		}
	}
	if want := []string{"offer", "early-1", "early-2", "late"}; !equalStrings(order, want) {
		t.Errorf("emit order = %v, want %v", order, want)
	}
}

func TestLocalCandidates_DroppedWhenOfferFails(t *testing.T) {
	h := newHarness(t)
	h.gather = []string{"early-1"}
	h.ch.SetConnected(false)
	if err := h.m.StartCall(context.Background(), "bob", true); err == nil {
		t.Fatal("expected StartCall to fail while disconnected")
	}
	h.ch.SetConnected(true)
	h.neg(0).onICE(webrtc.ICECandidateInit{Candidate: "late"})
	if n := len(h.ch.Named(protocol.TypeIceCandidate)); n != 0 {
		t.Errorf("sent %d candidates for a failed call", n)
	}
}

// ---------------------------------------------------------------------------
// Callee
// ---------------------------------------------------------------------------

func TestIncoming_RingsWithoutMedia(t *testing.T) {
	h := newHarness(t)
	h.ring(t, true)

	if p := h.m.Phase("bob"); p != PhaseIncoming {
		t.Fatalf("phase = %s, want incoming", p)
	}
	if len(h.incoming) != 1 || h.incoming[0].CallerName != "Bob" || !h.incoming[0].AudioOnly {
		t.Errorf("OnIncoming = %+v", h.incoming)
	}
	if len(h.dev.requests) != 0 {
		t.Error("media acquired before accept")
	}
}

func TestAcceptCall_SendsAnswer(t *testing.T) {
	h := newHarness(t)
	h.ring(t, false)

	if err := h.m.AcceptCall(context.Background(), "bob"); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	if p := h.m.Phase("bob"); p != PhaseConnecting {
		t.Fatalf("phase = %s, want connecting", p)
	}
	n := h.neg(0)
	if n.remote == nil || n.remote.SDP != "remote-offer" || n.tracks != 2 {
		t.Errorf("negotiator state: remote=%+v tracks=%d", n.remote, n.tracks)
	}

	answers := h.ch.Named(protocol.TypeAnswerCall)
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer_call, got %d", len(answers))
	}
	var msg protocol.AnswerCallMsg
	answers[0].Decode(&msg)
	if msg.To != "bob" {
		t.Errorf("answer_call addressed to %q", msg.To)
	}

	if err := h.m.AcceptCall(context.Background(), "bob"); !errors.Is(err, ErrNoSession) {
		t.Errorf("second accept: got %v", err)
	}
}

// Candidates may arrive before the offer and between the offer and accept.
// All of them are applied in receipt order once both descriptions exist.
func TestCallee_CandidateOrdering(t *testing.T) {
	h := newHarness(t)

	h.candidate(t, "c1")
	h.ring(t, true)
	h.candidate(t, "c2")
	h.candidate(t, "c3")

	if err := h.m.AcceptCall(context.Background(), "bob"); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	h.candidate(t, "c4")

	if got := h.neg(0).applied(); !equalStrings(got, []string{"c1", "c2", "c3", "c4"}) {
		t.Errorf("applied = %v, want [c1 c2 c3 c4]", got)
	}
}

// A candidate trailing a finished call must not be applied to the partner's
// next call.
func TestCandidateAfterEnd_NotCarriedIntoNextCall(t *testing.T) {
	h := newHarness(t)
	h.ring(t, true)
	if err := h.m.AcceptCall(context.Background(), "bob"); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	h.ch.Inject(protocol.TypeCallEnded, protocol.CallEndedMsg{From: "bob"})
	if p := h.m.Phase("bob"); p != PhaseEnded {
		t.Fatalf("phase = %s, want ended", p)
	}
	h.candidate(t, "stale")

	h.ring(t, true)
	h.candidate(t, "fresh")
	if err := h.m.AcceptCall(context.Background(), "bob"); err != nil {
		t.Fatalf("second AcceptCall: %v", err)
	}
	if got := h.neg(1).applied(); !equalStrings(got, []string{"fresh"}) {
		t.Errorf("applied = %v, want [fresh]", got)
	}
}

func TestAcceptCall_MediaDeniedNotifiesCaller(t *testing.T) {
	h := newHarness(t)
	h.ring(t, false)
	h.dev.err = errors.New("no camera")

	err := h.m.AcceptCall(context.Background(), "bob")
	var mae *MediaAccessError
	if !errors.As(err, &mae) {
		t.Fatalf("expected MediaAccessError, got %v", err)
	}
	if p := h.m.Phase("bob"); p != PhaseEnded {
		t.Errorf("phase = %s, want ended", p)
	}
	if len(h.ch.Named(protocol.TypeEndCall)) != 1 {
		t.Error("caller should be told the call ended")
	}
}

func TestIncoming_IgnoredWhileActive(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(context.Background(), "bob", false)

	h.ring(t, false)
	if p := h.m.Phase("bob"); p != PhaseCalling {
		t.Errorf("phase = %s, want calling", p)
	}
	if len(h.incoming) != 0 {
		t.Error("OnIncoming fired during an active call")
	}
}

func TestRejectCall(t *testing.T) {
	h := newHarness(t)
	h.ring(t, false)

	if err := h.m.RejectCall("bob"); err != nil {
		t.Fatalf("RejectCall: %v", err)
	}
	if p := h.m.Phase("bob"); p != PhaseEnded {
		t.Errorf("phase = %s, want ended", p)
	}
	if len(h.ch.Named(protocol.TypeEndCall)) != 1 {
		t.Error("end_call not sent")
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

func TestEndCall_ReleasesOnce(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(context.Background(), "bob", false)

	if err := h.m.EndCall("bob"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	h.m.EndCall("bob")
	h.ch.Inject(protocol.TypeCallEnded, protocol.CallEndedMsg{From: "bob"})

	if n := h.dev.stream(0).closes.Load(); n != 1 {
		t.Errorf("stream closed %d times, want 1", n)
	}
	if n := h.neg(0).closed; n != 1 {
		t.Errorf("negotiator closed %d times, want 1", n)
	}
	if n := len(h.ch.Named(protocol.TypeEndCall)); n != 1 {
		t.Errorf("end_call sent %d times, want 1", n)
	}
	if p := h.m.Phase("bob"); p != PhaseEnded {
		t.Errorf("phase = %s, want ended", p)
	}
}

func TestRemoteEnded_NoEcho(t *testing.T) {
	h := newHarness(t)
	h.ring(t, true)
	h.m.AcceptCall(context.Background(), "bob")

	h.ch.Inject(protocol.TypeCallEnded, protocol.CallEndedMsg{From: "bob"})

	if p := h.m.Phase("bob"); p != PhaseEnded {
		t.Errorf("phase = %s, want ended", p)
	}
	if len(h.ch.Named(protocol.TypeEndCall)) != 0 {
		t.Error("remote hangup should not be echoed")
	}
	if n := h.dev.stream(0).closes.Load(); n != 1 {
		t.Errorf("stream closed %d times, want 1", n)
	}
}

// The user hangs up while the media prompt is still open; the late stream
// must be released and no offer sent.
func TestEndCall_DuringMediaAcquisition(t *testing.T) {
	h := newHarness(t)
	h.dev.release = make(chan struct{})
	h.dev.started = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.m.StartCall(context.Background(), "bob", false) }()

	select {
	case <-h.dev.started:
	case <-time.After(2 * time.Second):
		t.Fatal("acquisition never started")
	}
	h.m.EndCall("bob")
	close(h.dev.release)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrSessionEnded) {
			t.Errorf("StartCall: got %v, want ErrSessionEnded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartCall did not return")
	}

	if n := h.dev.stream(0).closes.Load(); n != 1 {
		t.Errorf("late stream closed %d times, want 1", n)
	}
	if len(h.ch.Named(protocol.TypeCallUser)) != 0 {
		t.Error("offer sent after hangup")
	}
	if h.neg(0) != nil {
		t.Error("negotiator created after hangup")
	}
}

func TestNegotiationFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	h.failNext = errors.New("bad sdp")
	h.m.StartCall(context.Background(), "bob", true)

	h.ch.Inject(protocol.TypeCallAnswered, protocol.CallAnsweredMsg{From: "bob", Answer: sdpJSON(t, webrtc.SDPTypeAnswer, "x")})

	if p := h.m.Phase("bob"); p != PhaseEnded {
		t.Errorf("phase = %s, want ended", p)
	}
	if len(h.ch.Named(protocol.TypeEndCall)) != 1 {
		t.Error("partner not told about the failure")
	}
	if h.neg(0).closed != 1 {
		t.Error("negotiator not closed")
	}
}

// ---------------------------------------------------------------------------
// Controls and media ownership
// ---------------------------------------------------------------------------

func TestToggleMuteAndVideo(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(context.Background(), "bob", false)

	muted, err := h.m.ToggleMute("bob")
	if err != nil || !muted {
		t.Fatalf("ToggleMute = %v, %v; want true", muted, err)
	}
	muted, _ = h.m.ToggleMute("bob")
	if muted {
		t.Error("second toggle should unmute")
	}
	off, err := h.m.ToggleVideo("bob")
	if err != nil || !off {
		t.Errorf("ToggleVideo = %v, %v; want true", off, err)
	}
	if p := h.m.Phase("bob"); p != PhaseCalling {
		t.Errorf("toggles changed phase to %s", p)
	}

	if _, err := h.m.ToggleMute("carol"); !errors.Is(err, ErrNoSession) {
		t.Errorf("toggle without call: got %v", err)
	}
}

func TestToggleVideo_AudioOnly(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(context.Background(), "bob", true)
	if _, err := h.m.ToggleVideo("bob"); err == nil {
		t.Error("expected error toggling video on an audio-only call")
	}
}

func TestExclusiveDevice_ReleasesPreviousOwner(t *testing.T) {
	dev := &fakeDevice{}
	g := newExclusiveDevice(dev)

	s1, err := g.Acquire(context.Background(), Constraints{Audio: true})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := g.Acquire(context.Background(), Constraints{Audio: true}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if n := dev.stream(0).closes.Load(); n != 1 {
		t.Errorf("first stream closed %d times, want 1", n)
	}
	s1.Close()
	if n := dev.stream(0).closes.Load(); n != 1 {
		t.Errorf("repeat close reached the device: %d", n)
	}
	if n := dev.stream(1).closes.Load(); n != 0 {
		t.Error("closing an old owner released the new one")
	}
}
