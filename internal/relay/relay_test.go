package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/whisper/duet/internal/model"
	"github.com/whisper/duet/internal/protocol"
	"github.com/whisper/duet/internal/ratelimit"
	"github.com/whisper/duet/internal/store"
	"github.com/whisper/duet/internal/ws"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type frame struct {
	name string
	raw  json.RawMessage
}

type fakeLocal struct {
	mu        sync.Mutex
	connected map[string]bool
	frames    map[string][]frame
}

func newFakeLocal(users ...string) *fakeLocal {
	l := &fakeLocal{connected: map[string]bool{}, frames: map[string][]frame{}}
	for _, u := range users {
		l.connected[u] = true
	}
	return l
}

func (l *fakeLocal) SendToUser(userID string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected[userID] {
		return ws.ErrNotConnected
	}
	name, raw, _ := protocol.Decode(data)
	l.frames[userID] = append(l.frames[userID], frame{name, raw})
	return nil
}

func (l *fakeLocal) names(userID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, f := range l.frames[userID] {
		out = append(out, f.name)
	}
	return out
}

// last decodes the latest frame named name sent to userID.
func (l *fakeLocal) last(t *testing.T, userID, name string, v any) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	fs := l.frames[userID]
	for i := len(fs) - 1; i >= 0; i-- {
		if fs[i].name == name {
			if err := json.Unmarshal(fs[i].raw, v); err != nil {
				t.Fatalf("decode %s: %v", name, err)
			}
			return
		}
	}
	t.Fatalf("%s never received %s (got %v)", userID, name, l.namesLocked(userID))
}

func (l *fakeLocal) namesLocked(userID string) []string {
	var out []string
	for _, f := range l.frames[userID] {
		out = append(out, f.name)
	}
	return out
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][]string
	subs      map[string]func([]byte)
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[string][]string{}, subs: map[string]func([]byte){}}
}

func (b *fakeBus) PublishToUser(userID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	name, _, _ := protocol.Decode(data)
	b.published[userID] = append(b.published[userID], name)
	return nil
}

func (b *fakeBus) SubscribeUser(userID string, h func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[userID] = h
	return nil
}

func (b *fakeBus) UnsubscribeUser(userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, userID)
	return nil
}

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
	calls  map[string]string
	names  map[string]string
}

func newFakePresence(online ...string) *fakePresence {
	p := &fakePresence{online: map[string]bool{}, calls: map[string]string{}, names: map[string]string{}}
	for _, u := range online {
		p.online[u] = true
	}
	return p
}

func (p *fakePresence) SetOnline(_ context.Context, u string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[u] = true
	return nil
}

func (p *fakePresence) SetOffline(_ context.Context, u string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, u)
	delete(p.calls, u)
	return nil
}

func (p *fakePresence) IsOnline(_ context.Context, u string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[u], nil
}

func (p *fakePresence) SetActiveCall(_ context.Context, u, partner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[u] = partner
	return nil
}

func (p *fakePresence) ActiveCall(_ context.Context, u string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[u], nil
}

func (p *fakePresence) ClearActiveCall(_ context.Context, u string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calls, u)
	return nil
}

func (p *fakePresence) DisplayName(_ context.Context, u string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.names[u]; ok {
		return n
	}
	return u
}

type denyLimiter struct{ deny string }

func (l denyLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (ratelimit.Decision, error) {
	if rule.Name == l.deny {
		return ratelimit.Decision{RetryAfter: 3 * time.Second}, nil
	}
	return ratelimit.Decision{Allowed: true}, nil
}

type harness struct {
	relay    *Relay
	local    *fakeLocal
	bus      *fakeBus
	presence *fakePresence
	quizzes  *store.MemoryQuizStore
	messages *store.MemoryMessageStore
}

func newHarness(t *testing.T, limiter Limiter) *harness {
	t.Helper()
	h := &harness{
		local:    newFakeLocal("alice", "bob"),
		bus:      newFakeBus(),
		presence: newFakePresence("alice", "bob"),
		quizzes:  store.NewMemoryQuizStore(),
		messages: store.NewMemoryMessageStore(),
	}
	h.presence.names["alice"] = "Alice"
	h.relay = New(DefaultConfig(), h.local, h.bus, h.presence, limiter, h.quizzes, h.messages)
	return h
}

func (h *harness) handle(from string, msg interface{}, msgType string) {
	h.relay.Handle(context.Background(), from, msgType, msg)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func TestSendMessage_AckForwardDelivered(t *testing.T) {
	h := newHarness(t, nil)
	h.handle("alice", protocol.SendMessageMsg{To: "bob", Content: "hi", ClientID: "local-1"}, protocol.TypeSendMessage)

	var ack protocol.MessageMsg
	h.local.last(t, "alice", protocol.TypeMessageSent, &ack)
	if ack.Message.ID == "" || ack.Message.ClientID != "local-1" || ack.Message.From != "alice" {
		t.Errorf("ack = %+v", ack.Message)
	}

	var fwd protocol.MessageMsg
	h.local.last(t, "bob", protocol.TypeNewMessage, &fwd)
	if fwd.Message.ID != ack.Message.ID {
		t.Errorf("forwarded id %s, ack id %s", fwd.Message.ID, ack.Message.ID)
	}

	var delivered protocol.MessageDeliveredMsg
	h.local.last(t, "alice", protocol.TypeMessageDelivered, &delivered)
	if delivered.MessageID != ack.Message.ID {
		t.Errorf("delivered %s", delivered.MessageID)
	}
}

func TestSendMessage_RemoteRecipientGoesOverBus(t *testing.T) {
	h := newHarness(t, nil)
	h.presence.online["carol"] = true // online on another node
	h.handle("alice", protocol.SendMessageMsg{To: "carol", Content: "hey"}, protocol.TypeSendMessage)

	if got := h.bus.published["carol"]; len(got) != 1 || got[0] != protocol.TypeNewMessage {
		t.Errorf("bus published %v", got)
	}
	if names := h.local.names("alice"); len(names) != 2 || names[1] != protocol.TypeMessageDelivered {
		t.Errorf("alice frames = %v", names)
	}
}

func TestSendMessage_OfflineRecipientNotDelivered(t *testing.T) {
	h := newHarness(t, nil)
	h.handle("alice", protocol.SendMessageMsg{To: "dave", Content: "later"}, protocol.TypeSendMessage)
	for _, n := range h.local.names("alice") {
		if n == protocol.TypeMessageDelivered {
			t.Fatal("delivered sent for offline recipient")
		}
	}
}

func TestSendMessage_Invalid(t *testing.T) {
	h := newHarness(t, nil)
	h.handle("alice", protocol.SendMessageMsg{To: "bob", Content: "   "}, protocol.TypeSendMessage)

	var e protocol.FailureMsg
	h.local.last(t, "alice", protocol.TypeMessageError, &e)
	if len(h.local.names("bob")) != 0 {
		t.Error("invalid message forwarded")
	}
}

func TestSendMessage_Snap(t *testing.T) {
	h := newHarness(t, nil)
	h.handle("alice", protocol.SendMessageMsg{To: "bob", MediaRef: "snap://1", IsSnap: true}, protocol.TypeSendMessage)

	var fwd protocol.MessageMsg
	h.local.last(t, "bob", protocol.TypeNewMessage, &fwd)
	if fwd.Message.Type != model.MessageSnap || fwd.Message.MediaRef != "snap://1" {
		t.Errorf("snap = %+v", fwd.Message)
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	h := newHarness(t, denyLimiter{deny: ratelimit.RuleMessage.Name})
	h.handle("alice", protocol.SendMessageMsg{To: "bob", Content: "spam"}, protocol.TypeSendMessage)

	var rl protocol.RateLimitedMsg
	h.local.last(t, "alice", protocol.TypeRateLimited, &rl)
	if rl.Action != "message" || rl.RetryAfter != 3 {
		t.Errorf("rate_limited = %+v", rl)
	}
	if len(h.local.names("bob")) != 0 {
		t.Error("throttled message forwarded")
	}
}

func TestMessageRead_ReceiptOnce(t *testing.T) {
	h := newHarness(t, nil)
	m, _ := h.messages.CreateMessage(context.Background(), &model.Message{From: "alice", To: "bob", Content: "hi"})

	h.handle("bob", protocol.MessageReadMsg{MessageID: m.ID, SenderID: "alice"}, protocol.TypeMessageRead)
	h.handle("bob", protocol.MessageReadMsg{MessageID: m.ID, SenderID: "alice"}, protocol.TypeMessageRead)
	h.handle("alice", protocol.MessageReadMsg{MessageID: m.ID}, protocol.TypeMessageRead)

	receipts := 0
	for _, n := range h.local.names("alice") {
		if n == protocol.TypeMessageReadReceipt {
			receipts++
		}
	}
	if receipts != 1 {
		t.Errorf("receipts = %d, want 1", receipts)
	}
}

func TestTypingRelayed(t *testing.T) {
	h := newHarness(t, nil)
	h.handle("alice", protocol.TypingStartMsg{To: "bob"}, protocol.TypeTypingStart)
	h.handle("alice", protocol.TypingStopMsg{To: "bob"}, protocol.TypeTypingStop)

	names := h.local.names("bob")
	if len(names) != 2 || names[0] != protocol.TypeUserTyping || names[1] != protocol.TypeUserStoppedTyping {
		t.Errorf("bob frames = %v", names)
	}
	var u protocol.UserTypingMsg
	h.local.last(t, "bob", protocol.TypeUserTyping, &u)
	if u.UserID != "alice" {
		t.Errorf("userId = %q", u.UserID)
	}
}

func TestAddReaction_BothSidesUpdated(t *testing.T) {
	h := newHarness(t, nil)
	m, _ := h.messages.CreateMessage(context.Background(), &model.Message{From: "alice", To: "bob", Content: "hi"})

	h.handle("bob", protocol.AddReactionMsg{MessageID: m.ID, Emoji: "🔥", PartnerID: "alice"}, protocol.TypeAddReaction)

	for _, u := range []string{"alice", "bob"} {
		var r protocol.MessageReactionMsg
		h.local.last(t, u, protocol.TypeMessageReaction, &r)
		if len(r.Reactions) != 1 || r.Reactions[0].User != "bob" {
			t.Errorf("%s sees reactions %+v", u, r.Reactions)
		}
	}

	// Toggling off sends an empty list rather than null.
	h.handle("bob", protocol.AddReactionMsg{MessageID: m.ID, Emoji: "🔥"}, protocol.TypeAddReaction)
	var r protocol.MessageReactionMsg
	h.local.last(t, "alice", protocol.TypeMessageReaction, &r)
	if r.Reactions == nil || len(r.Reactions) != 0 {
		t.Errorf("after toggle off = %#v", r.Reactions)
	}
}

// ---------------------------------------------------------------------------
// Quizzes
// ---------------------------------------------------------------------------

func createQuiz(t *testing.T, h *harness) *model.Quiz {
	t.Helper()
	q := model.NewQuiz("q1", "alice", model.QuizDraft{
		Partner:  "bob",
		Type:     model.QuizClassic,
		Question: "Pineapple on pizza?",
		Options:  []string{"Yes", "No"},
	}, time.Now())
	if err := h.quizzes.CreateQuiz(context.Background(), q); err != nil {
		t.Fatalf("CreateQuiz: %v", err)
	}
	return q
}

func TestSendQuiz_HidesCreatorAnswer(t *testing.T) {
	h := newHarness(t, nil)
	createQuiz(t, h)
	h.quizzes.SubmitAnswer(context.Background(), "q1", "alice", "Yes")

	h.handle("alice", protocol.SendQuizMsg{To: "bob", QuizID: "q1"}, protocol.TypeSendQuiz)

	var nq protocol.NewQuizMsg
	h.local.last(t, "bob", protocol.TypeNewQuiz, &nq)
	if nq.Quiz.ID != "q1" || len(nq.Quiz.Answers) != 0 {
		t.Errorf("new_quiz = %+v", nq.Quiz)
	}
}

func TestSendQuiz_WrongConversation(t *testing.T) {
	h := newHarness(t, nil)
	createQuiz(t, h)

	h.handle("alice", protocol.SendQuizMsg{To: "carol", QuizID: "q1"}, protocol.TypeSendQuiz)
	var e protocol.FailureMsg
	h.local.last(t, "alice", protocol.TypeQuizError, &e)

	h.handle("mallory", protocol.SendQuizMsg{To: "bob", QuizID: "q1"}, protocol.TypeSendQuiz)
	if len(h.local.names("bob")) != 0 {
		t.Error("quiz delivered on behalf of a non-participant")
	}
}

func TestQuizAnswered_PartnerNotice(t *testing.T) {
	h := newHarness(t, nil)
	createQuiz(t, h)
	h.quizzes.SubmitAnswer(context.Background(), "q1", "alice", "Yes")

	h.handle("alice", protocol.QuizAnsweredMsg{QuizID: "q1", PartnerID: "bob"}, protocol.TypeQuizAnswered)

	var pa protocol.QuizPartnerAnsweredMsg
	h.local.last(t, "bob", protocol.TypeQuizPartnerAnswered, &pa)
	if pa.QuizID != "q1" || pa.PartnerName != "Alice" {
		t.Errorf("partner answered = %+v", pa)
	}
	if len(h.local.names("alice")) != 0 {
		t.Errorf("alice got %v", h.local.names("alice"))
	}
}

func TestQuizAnswered_RevealToBoth(t *testing.T) {
	h := newHarness(t, nil)
	createQuiz(t, h)
	ctx := context.Background()
	h.quizzes.SubmitAnswer(ctx, "q1", "alice", "Yes")
	h.quizzes.SubmitAnswer(ctx, "q1", "bob", "yes ")

	h.handle("bob", protocol.QuizAnsweredMsg{QuizID: "q1", PartnerID: "alice"}, protocol.TypeQuizAnswered)

	for _, u := range []string{"alice", "bob"} {
		var rv protocol.QuizRevealMsg
		h.local.last(t, u, protocol.TypeQuizReveal, &rv)
		if !rv.Matched || len(rv.Answers) != 2 || rv.Question != "Pineapple on pizza?" {
			t.Errorf("%s reveal = %+v", u, rv)
		}
	}
}

func TestQuizAnswered_WithoutAnswer(t *testing.T) {
	h := newHarness(t, nil)
	createQuiz(t, h)
	h.handle("bob", protocol.QuizAnsweredMsg{QuizID: "q1"}, protocol.TypeQuizAnswered)

	var e protocol.FailureMsg
	h.local.last(t, "bob", protocol.TypeQuizError, &e)
	if len(h.local.names("alice")) != 0 {
		t.Error("partner notified without a stored answer")
	}
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func TestCallRenames(t *testing.T) {
	h := newHarness(t, nil)
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	cand := json.RawMessage(`{"candidate":"candidate:1"}`)

	h.handle("alice", protocol.CallUserMsg{To: "bob", Offer: offer, AudioOnly: true}, protocol.TypeCallUser)
	var in protocol.IncomingCallMsg
	h.local.last(t, "bob", protocol.TypeIncomingCall, &in)
	if in.From != "alice" || in.CallerName != "Alice" || !in.AudioOnly || string(in.Offer) != string(offer) {
		t.Errorf("incoming_call = %+v", in)
	}

	h.handle("bob", protocol.AnswerCallMsg{To: "alice", Answer: answer}, protocol.TypeAnswerCall)
	var ans protocol.CallAnsweredMsg
	h.local.last(t, "alice", protocol.TypeCallAnswered, &ans)
	if ans.From != "bob" || string(ans.Answer) != string(answer) {
		t.Errorf("call_answered = %+v", ans)
	}

	h.handle("bob", protocol.IceCandidateMsg{To: "alice", Candidate: cand}, protocol.TypeIceCandidate)
	var ic protocol.IceCandidateMsg
	h.local.last(t, "alice", protocol.TypeIceCandidate, &ic)
	if ic.From != "bob" || ic.To != "" {
		t.Errorf("ice_candidate = %+v", ic)
	}

	h.handle("alice", protocol.EndCallMsg{To: "bob"}, protocol.TypeEndCall)
	var ended protocol.CallEndedMsg
	h.local.last(t, "bob", protocol.TypeCallEnded, &ended)
	if ended.From != "alice" {
		t.Errorf("call_ended = %+v", ended)
	}
	if p, _ := h.presence.ActiveCall(context.Background(), "alice"); p != "" {
		t.Errorf("alice still in call with %q", p)
	}
	if p, _ := h.presence.ActiveCall(context.Background(), "bob"); p != "" {
		t.Errorf("bob still in call with %q", p)
	}
}

func TestCallUser_OfflineCallee(t *testing.T) {
	h := newHarness(t, nil)
	h.handle("alice", protocol.CallUserMsg{To: "zed", Offer: json.RawMessage(`{}`)}, protocol.TypeCallUser)

	var ended protocol.CallEndedMsg
	h.local.last(t, "alice", protocol.TypeCallEnded, &ended)
	if ended.From != "zed" {
		t.Errorf("call_ended = %+v", ended)
	}
}

func TestDisconnect_EndsAnnouncedCall(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.relay.Connect(ctx, "alice")
	if _, ok := h.bus.subs["alice"]; !ok {
		t.Fatal("Connect did not subscribe alice")
	}

	h.handle("alice", protocol.CallUserMsg{To: "bob", Offer: json.RawMessage(`{}`)}, protocol.TypeCallUser)
	h.relay.Disconnect(ctx, "alice")

	var ended protocol.CallEndedMsg
	h.local.last(t, "bob", protocol.TypeCallEnded, &ended)
	if ended.From != "alice" {
		t.Errorf("call_ended = %+v", ended)
	}
	if online, _ := h.presence.IsOnline(ctx, "alice"); online {
		t.Error("alice still online")
	}
	if _, ok := h.bus.subs["alice"]; ok {
		t.Error("alice still subscribed")
	}
}

func TestDisconnect_NoCallNoNotice(t *testing.T) {
	h := newHarness(t, nil)
	h.relay.Disconnect(context.Background(), "alice")
	if names := h.local.names("bob"); len(names) != 0 {
		t.Errorf("bob got %v", names)
	}
}

func TestBusForwardsToLocalSocket(t *testing.T) {
	h := newHarness(t, nil)
	h.relay.Connect(context.Background(), "bob")

	data, _ := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{UserID: "carol"})
	h.bus.subs["bob"](data)

	if names := h.local.names("bob"); len(names) != 1 || names[0] != protocol.TypeUserTyping {
		t.Errorf("bob frames = %v", names)
	}
}
