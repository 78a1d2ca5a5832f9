// Package relay implements the relay's event handlers. Client events are
// re-addressed to the partner, chat messages and reactions are persisted,
// and quiz answers are turned into partner notices or reveals.
package relay

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/whisper/duet/internal/metrics"
	"github.com/whisper/duet/internal/model"
	"github.com/whisper/duet/internal/protocol"
	"github.com/whisper/duet/internal/ratelimit"
	"github.com/whisper/duet/internal/store"
	"github.com/whisper/duet/internal/ws"
)

// Local writes frames to users connected to this node. ws.Server
// implements it.
type Local interface {
	SendToUser(userID string, data []byte) error
}

// Bus carries frames to users connected to other nodes.
// messaging.NATSClient implements it.
type Bus interface {
	PublishToUser(userID string, data []byte) error
	SubscribeUser(userID string, handler func(data []byte)) error
	UnsubscribeUser(userID string) error
}

// Presence tracks who is online and who is in a call. session.Store
// implements it.
type Presence interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	SetActiveCall(ctx context.Context, userID, partnerID string) error
	ActiveCall(ctx context.Context, userID string) (string, error)
	ClearActiveCall(ctx context.Context, userID string) error
	DisplayName(ctx context.Context, userID string) string
}

// Limiter throttles actions per user. ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// Config holds relay settings.
type Config struct {
	HandlerTimeout time.Duration // per-event budget for store and Redis calls
}

// DefaultConfig returns the default relay settings.
func DefaultConfig() Config {
	return Config{HandlerTimeout: 5 * time.Second}
}

// Relay routes events between peers.
type Relay struct {
	cfg      Config
	local    Local
	bus      Bus // nil on a single node
	presence Presence
	limiter  Limiter // nil disables rate limiting
	quizzes  store.QuizStore
	messages store.MessageStore
}

// New creates a Relay. bus and limiter may be nil.
func New(cfg Config, local Local, bus Bus, presence Presence, limiter Limiter,
	quizzes store.QuizStore, messages store.MessageStore) *Relay {
	return &Relay{
		cfg:      cfg,
		local:    local,
		bus:      bus,
		presence: presence,
		limiter:  limiter,
		quizzes:  quizzes,
		messages: messages,
	}
}

// Register installs a handler for every client event on d.
func (r *Relay) Register(d *ws.MessageDispatcher) {
	for _, t := range []string{
		protocol.TypeCallUser, protocol.TypeAnswerCall, protocol.TypeIceCandidate, protocol.TypeEndCall,
		protocol.TypeSendMessage, protocol.TypeMessageRead, protocol.TypeTypingStart, protocol.TypeTypingStop,
		protocol.TypeAddReaction, protocol.TypeSendQuiz, protocol.TypeQuizAnswered,
	} {
		msgType := t
		d.Register(msgType, func(conn *ws.Connection, msg interface{}) {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HandlerTimeout)
			defer cancel()
			r.Handle(ctx, conn.UserID, msgType, msg)
		})
	}
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Connect marks userID online and subscribes to frames published for them
// by other nodes.
func (r *Relay) Connect(ctx context.Context, userID string) {
	if err := r.presence.SetOnline(ctx, userID); err != nil {
		log.Printf("[relay] presence online %s: %v", userID, err)
	}
	if r.bus == nil {
		return
	}
	err := r.bus.SubscribeUser(userID, func(data []byte) {
		if err := r.local.SendToUser(userID, data); err != nil && !errors.Is(err, ws.ErrNotConnected) {
			log.Printf("[relay] forward to %s: %v", userID, err)
		}
	})
	if err != nil {
		log.Printf("[relay] subscribe %s: %v", userID, err)
	}
}

// Disconnect ends any call userID announced and marks them offline.
func (r *Relay) Disconnect(ctx context.Context, userID string) {
	if r.bus != nil {
		if err := r.bus.UnsubscribeUser(userID); err != nil {
			log.Printf("[relay] unsubscribe %s: %v", userID, err)
		}
	}
	if partner, _ := r.presence.ActiveCall(ctx, userID); partner != "" {
		log.Printf("[relay] %s dropped during call with %s", userID, partner)
		r.endCall(ctx, userID, partner)
		r.deliver(ctx, partner, protocol.TypeCallEnded, protocol.CallEndedMsg{From: userID})
	}
	if err := r.presence.SetOffline(ctx, userID); err != nil {
		log.Printf("[relay] presence offline %s: %v", userID, err)
	}
}

// AdmitConnection applies the per-IP connect limit.
func (r *Relay) AdmitConnection(req *http.Request, userID string) bool {
	if r.limiter == nil {
		return true
	}
	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		ip = req.RemoteAddr
	}
	d, _ := r.limiter.Allow(req.Context(), ip, ratelimit.RuleConnect)
	if !d.Allowed {
		metrics.RateLimitedTotal.WithLabelValues(ratelimit.RuleConnect.Name).Inc()
		log.Printf("[relay] connect rate limited ip=%s user=%s", ip, userID)
	}
	return d.Allowed
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// Handle processes one decoded client event from user from.
func (r *Relay) Handle(ctx context.Context, from, msgType string, msg interface{}) {
	start := time.Now()
	defer func() {
		metrics.EventsTotal.WithLabelValues(msgType).Inc()
		metrics.EventLatency.Observe(time.Since(start).Seconds())
	}()

	switch m := msg.(type) {
	case protocol.CallUserMsg:
		r.callUser(ctx, from, m)
	case protocol.AnswerCallMsg:
		r.answerCall(ctx, from, m)
	case protocol.IceCandidateMsg:
		if r.validPeer(ctx, from, m.To, protocol.TypeError) {
			r.deliver(ctx, m.To, protocol.TypeIceCandidate, protocol.IceCandidateMsg{From: from, Candidate: m.Candidate})
		}
	case protocol.EndCallMsg:
		if r.validPeer(ctx, from, m.To, protocol.TypeError) {
			r.endCall(ctx, from, m.To)
			r.deliver(ctx, m.To, protocol.TypeCallEnded, protocol.CallEndedMsg{From: from})
		}
	case protocol.SendMessageMsg:
		r.sendMessage(ctx, from, m)
	case protocol.MessageReadMsg:
		r.messageRead(ctx, from, m)
	case protocol.TypingStartMsg:
		if m.To != "" && m.To != from {
			r.deliver(ctx, m.To, protocol.TypeUserTyping, protocol.UserTypingMsg{UserID: from})
		}
	case protocol.TypingStopMsg:
		if m.To != "" && m.To != from {
			r.deliver(ctx, m.To, protocol.TypeUserStoppedTyping, protocol.UserTypingMsg{UserID: from})
		}
	case protocol.AddReactionMsg:
		r.addReaction(ctx, from, m)
	case protocol.SendQuizMsg:
		r.sendQuiz(ctx, from, m)
	case protocol.QuizAnsweredMsg:
		r.quizAnswered(ctx, from, m)
	default:
		log.Printf("[relay] no handler for %s from %s", msgType, from)
	}
}

// deliver sends an event to userID, locally when possible and over the bus
// otherwise.
func (r *Relay) deliver(ctx context.Context, userID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[relay] build %s: %v", msgType, err)
		return
	}
	err = r.local.SendToUser(userID, data)
	if err == nil {
		return
	}
	if !errors.Is(err, ws.ErrNotConnected) {
		log.Printf("[relay] send %s to %s: %v", msgType, userID, err)
		return
	}
	if r.bus == nil {
		return
	}
	if err := r.bus.PublishToUser(userID, data); err != nil {
		log.Printf("[relay] publish %s to %s: %v", msgType, userID, err)
	}
}

func (r *Relay) fail(ctx context.Context, userID, msgType, text string) {
	switch msgType {
	case protocol.TypeMessageError, protocol.TypeQuizError:
		r.deliver(ctx, userID, msgType, protocol.FailureMsg{Error: text})
	default:
		r.deliver(ctx, userID, protocol.TypeError, protocol.ErrorMsg{Code: "invalid_request", Message: text})
	}
}

func (r *Relay) validPeer(ctx context.Context, from, to, errType string) bool {
	if to == "" || to == from {
		r.fail(ctx, from, errType, "invalid recipient")
		return false
	}
	return true
}

// allow checks rule for user and tells them when they are throttled.
func (r *Relay) allow(ctx context.Context, userID string, rule ratelimit.Rule) bool {
	if r.limiter == nil {
		return true
	}
	d, _ := r.limiter.Allow(ctx, userID, rule)
	if d.Allowed {
		return true
	}
	metrics.RateLimitedTotal.WithLabelValues(rule.Name).Inc()
	retry := int(d.RetryAfter.Round(time.Second) / time.Second)
	r.deliver(ctx, userID, protocol.TypeRateLimited, protocol.RateLimitedMsg{Action: rule.Name, RetryAfter: max(retry, 1)})
	return false
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func (r *Relay) callUser(ctx context.Context, from string, m protocol.CallUserMsg) {
	if !r.validPeer(ctx, from, m.To, protocol.TypeError) || !r.allow(ctx, from, ratelimit.RuleCall) {
		return
	}
	if online, err := r.presence.IsOnline(ctx, m.To); err == nil && !online {
		log.Printf("[relay] call %s -> %s: callee offline", from, m.To)
		r.deliver(ctx, from, protocol.TypeCallEnded, protocol.CallEndedMsg{From: m.To})
		return
	}
	if err := r.presence.SetActiveCall(ctx, from, m.To); err != nil {
		log.Printf("[relay] record call %s -> %s: %v", from, m.To, err)
	}
	metrics.ActiveCalls.Inc()
	r.deliver(ctx, m.To, protocol.TypeIncomingCall, protocol.IncomingCallMsg{
		From:       from,
		CallerName: r.presence.DisplayName(ctx, from),
		Offer:      m.Offer,
		AudioOnly:  m.AudioOnly,
	})
	log.Printf("[relay] call %s -> %s (audioOnly=%v)", from, m.To, m.AudioOnly)
}

func (r *Relay) answerCall(ctx context.Context, from string, m protocol.AnswerCallMsg) {
	if !r.validPeer(ctx, from, m.To, protocol.TypeError) {
		return
	}
	if err := r.presence.SetActiveCall(ctx, from, m.To); err != nil {
		log.Printf("[relay] record answer %s -> %s: %v", from, m.To, err)
	}
	r.deliver(ctx, m.To, protocol.TypeCallAnswered, protocol.CallAnsweredMsg{From: from, Answer: m.Answer})
}

// endCall clears the call between a and b. The gauge drops once per call.
func (r *Relay) endCall(ctx context.Context, a, b string) {
	pa, _ := r.presence.ActiveCall(ctx, a)
	pb, _ := r.presence.ActiveCall(ctx, b)
	if pa == b || pb == a {
		metrics.ActiveCalls.Dec()
	}
	if pa == b {
		r.presence.ClearActiveCall(ctx, a)
	}
	if pb == a {
		r.presence.ClearActiveCall(ctx, b)
	}
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (r *Relay) sendMessage(ctx context.Context, from string, m protocol.SendMessageMsg) {
	if !r.validPeer(ctx, from, m.To, protocol.TypeMessageError) || !r.allow(ctx, from, ratelimit.RuleMessage) {
		return
	}
	typ := m.Type
	if m.IsSnap {
		typ = model.MessageSnap
	}
	if typ == "" {
		typ = model.MessageText
	}
	msg := &model.Message{
		ClientID: m.ClientID,
		From:     from,
		To:       m.To,
		Type:     typ,
		Content:  m.Content,
		MediaRef: m.MediaRef,
	}
	if err := msg.Validate(); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		r.fail(ctx, from, protocol.TypeMessageError, err.Error())
		return
	}

	stored, err := r.messages.CreateMessage(ctx, msg)
	if err != nil {
		log.Printf("[relay] persist message %s -> %s: %v", from, m.To, err)
		r.fail(ctx, from, protocol.TypeMessageError, "message could not be sent")
		return
	}
	metrics.MessagesTotal.WithLabelValues("persisted").Inc()

	r.deliver(ctx, from, protocol.TypeMessageSent, protocol.MessageMsg{Message: *stored})
	r.deliver(ctx, m.To, protocol.TypeNewMessage, protocol.MessageMsg{Message: *stored})

	if online, err := r.presence.IsOnline(ctx, m.To); err == nil && online {
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
		r.deliver(ctx, from, protocol.TypeMessageDelivered, protocol.MessageDeliveredMsg{
			MessageID:   stored.ID,
			DeliveredAt: time.Now().UTC(),
		})
	}
}

func (r *Relay) messageRead(ctx context.Context, from string, m protocol.MessageReadMsg) {
	msg, changed, err := r.messages.MarkRead(ctx, m.MessageID, from, time.Now().UTC())
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrNotParticipant):
		log.Printf("[relay] read of %s by %s ignored: %v", m.MessageID, from, err)
		return
	case err != nil:
		log.Printf("[relay] mark read %s: %v", m.MessageID, err)
		return
	case !changed:
		return
	}
	r.deliver(ctx, msg.From, protocol.TypeMessageReadReceipt, protocol.ReadReceiptMsg{
		MessageID: msg.ID,
		ReadAt:    *msg.ReadAt,
	})
}

func (r *Relay) addReaction(ctx context.Context, from string, m protocol.AddReactionMsg) {
	if !r.allow(ctx, from, ratelimit.RuleReaction) {
		return
	}
	if err := model.ValidateEmoji(m.Emoji); err != nil {
		r.fail(ctx, from, protocol.TypeMessageError, err.Error())
		return
	}
	msg, err := r.messages.SetReaction(ctx, m.MessageID, from, m.Emoji)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrNotParticipant) {
			log.Printf("[relay] reaction on %s: %v", m.MessageID, err)
		}
		r.fail(ctx, from, protocol.TypeMessageError, "reaction could not be saved")
		return
	}
	update := protocol.MessageReactionMsg{MessageID: msg.ID, Reactions: msg.Reactions}
	if update.Reactions == nil {
		update.Reactions = []model.Reaction{}
	}
	r.deliver(ctx, msg.From, protocol.TypeMessageReaction, update)
	r.deliver(ctx, msg.To, protocol.TypeMessageReaction, update)
}

// ---------------------------------------------------------------------------
// Quizzes
// ---------------------------------------------------------------------------

func (r *Relay) loadQuiz(ctx context.Context, from, quizID string) (*model.Quiz, bool) {
	q, err := r.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[relay] load quiz %s: %v", quizID, err)
		}
		r.fail(ctx, from, protocol.TypeQuizError, "quiz not found")
		return nil, false
	}
	if !q.IsParticipant(from) {
		r.fail(ctx, from, protocol.TypeQuizError, "quiz not found")
		return nil, false
	}
	return q, true
}

func (r *Relay) sendQuiz(ctx context.Context, from string, m protocol.SendQuizMsg) {
	if !r.allow(ctx, from, ratelimit.RuleQuiz) {
		return
	}
	q, ok := r.loadQuiz(ctx, from, m.QuizID)
	if !ok {
		return
	}
	to := q.Other(from)
	if m.To != "" && m.To != to {
		r.fail(ctx, from, protocol.TypeQuizError, "quiz belongs to another conversation")
		return
	}

	// The recipient only ever sees their own answer before the reveal.
	shared := *q
	shared.Answers = []model.Answer{}
	if a, ok := q.AnswerBy(to); ok {
		shared.Answers = append(shared.Answers, model.Answer{User: to, Answer: a})
	}
	r.deliver(ctx, to, protocol.TypeNewQuiz, protocol.NewQuizMsg{Quiz: shared})
}

func (r *Relay) quizAnswered(ctx context.Context, from string, m protocol.QuizAnsweredMsg) {
	q, ok := r.loadQuiz(ctx, from, m.QuizID)
	if !ok {
		return
	}
	if _, answered := q.AnswerBy(from); !answered {
		r.fail(ctx, from, protocol.TypeQuizError, "answer not recorded")
		return
	}
	partner := q.Other(from)

	if len(q.Answers) < model.MaxQuizAnswers {
		r.deliver(ctx, partner, protocol.TypeQuizPartnerAnswered, protocol.QuizPartnerAnsweredMsg{
			QuizID:      q.ID,
			PartnerName: r.presence.DisplayName(ctx, from),
		})
		return
	}

	matched := model.Matched(q.Answers[0].Answer, q.Answers[1].Answer)
	metrics.QuizRevealsTotal.WithLabelValues(strconv.FormatBool(matched)).Inc()
	reveal := protocol.QuizRevealMsg{
		QuizID:   q.ID,
		Question: q.Question,
		Answers:  q.Answers,
		Matched:  matched,
	}
	r.deliver(ctx, from, protocol.TypeQuizReveal, reveal)
	r.deliver(ctx, partner, protocol.TypeQuizReveal, reveal)
	log.Printf("[relay] quiz %s revealed (matched=%v)", q.ID, matched)
}

