// Package protocol defines the events exchanged between peers and the relay.
// Every frame is a JSON object with a "type" discriminator; the remaining
// fields are the event payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/whisper/duet/internal/model"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Peer -> Relay events.
const (
	TypeCallUser     = "call_user"
	TypeAnswerCall   = "answer_call"
	TypeIceCandidate = "ice_candidate" // both directions
	TypeEndCall      = "end_call"
	TypeSendMessage  = "send_message"
	TypeMessageRead  = "message_read"
	TypeTypingStart  = "typing_start"
	TypeTypingStop   = "typing_stop"
	TypeAddReaction  = "add_reaction"
	TypeSendQuiz     = "send_quiz"
	TypeQuizAnswered = "quiz_answered"
	TypePing         = "ping"
)

// Relay -> Peer events.
const (
	TypeSessionCreated      = "session_created"
	TypeIncomingCall        = "incoming_call"
	TypeCallAnswered        = "call_answered"
	TypeCallEnded           = "call_ended"
	TypeNewMessage          = "new_message"
	TypeMessageSent         = "message_sent"
	TypeMessageDelivered    = "message_delivered"
	TypeMessageReadReceipt  = "message_read_receipt"
	TypeUserTyping          = "user_typing"
	TypeUserStoppedTyping   = "user_stopped_typing"
	TypeMessageReaction     = "message_reaction"
	TypeMessageError        = "message_error"
	TypeNewQuiz             = "new_quiz"
	TypeQuizPartnerAnswered = "quiz_partner_answered"
	TypeQuizReveal          = "quiz_reveal"
	TypeQuizError           = "quiz_error"
	TypeRateLimited         = "rate_limited"
	TypeError               = "error"
	TypePong                = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON frame for deferred decoding
// into a concrete payload struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full frame and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Call negotiation
// ---------------------------------------------------------------------------

// Session descriptions and candidates are relayed as opaque JSON.

// CallUserMsg carries the caller's offer to the relay.
type CallUserMsg struct {
	To        string          `json:"to"`
	Offer     json.RawMessage `json:"offer"`
	AudioOnly bool            `json:"audioOnly"`
}

// IncomingCallMsg delivers an offer to the callee.
type IncomingCallMsg struct {
	From       string          `json:"from"`
	CallerName string          `json:"callerName,omitempty"`
	Offer      json.RawMessage `json:"offer"`
	AudioOnly  bool            `json:"audioOnly"`
}

// AnswerCallMsg carries the callee's answer to the relay.
type AnswerCallMsg struct {
	To     string          `json:"to"`
	Answer json.RawMessage `json:"answer"`
}

// CallAnsweredMsg delivers the answer to the caller.
type CallAnsweredMsg struct {
	From   string          `json:"from"`
	Answer json.RawMessage `json:"answer"`
}

// IceCandidateMsg is addressed with To on the way up and From on the way down.
type IceCandidateMsg struct {
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

// EndCallMsg asks the relay to end the call with To.
type EndCallMsg struct {
	To string `json:"to"`
}

// CallEndedMsg tells a peer its partner ended the call.
type CallEndedMsg struct {
	From string `json:"from"`
}

// ---------------------------------------------------------------------------
// Messaging
// ---------------------------------------------------------------------------

// SendMessageMsg submits a chat message. ClientID is echoed back in the
// acknowledgment.
type SendMessageMsg struct {
	To       string            `json:"to"`
	Content  string            `json:"content,omitempty"`
	Type     model.MessageType `json:"messageType"`
	MediaRef string            `json:"mediaRef,omitempty"`
	IsSnap   bool              `json:"isSnap,omitempty"`
	ClientID string            `json:"clientId,omitempty"`
}

// MessageMsg wraps a stored message; used by new_message and message_sent.
type MessageMsg struct {
	Message model.Message `json:"message"`
}

// MessageDeliveredMsg confirms the recipient was online when the message
// was relayed.
type MessageDeliveredMsg struct {
	MessageID   string    `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// MessageReadMsg is sent by the recipient when a message becomes visible.
type MessageReadMsg struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

// ReadReceiptMsg tells the sender their message was read.
type ReadReceiptMsg struct {
	MessageID string    `json:"messageId"`
	ReadAt    time.Time `json:"readAt"`
}

// TypingStartMsg and TypingStopMsg toggle the typing indicator for To.
type TypingStartMsg struct {
	To string `json:"to"`
}

type TypingStopMsg struct {
	To string `json:"to"`
}

// UserTypingMsg relays a typing transition; used by user_typing and
// user_stopped_typing.
type UserTypingMsg struct {
	UserID string `json:"userId"`
}

// AddReactionMsg reacts to a message.
type AddReactionMsg struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	PartnerID string `json:"partnerId"`
}

// MessageReactionMsg carries the full reaction set after a change.
type MessageReactionMsg struct {
	MessageID string           `json:"messageId"`
	Reactions []model.Reaction `json:"reactions"`
}

// FailureMsg is the payload of message_error and quiz_error.
type FailureMsg struct {
	Error string `json:"error"`
}

// ---------------------------------------------------------------------------
// Quiz sync
// ---------------------------------------------------------------------------

// SendQuizMsg notifies the partner about a quiz created over HTTP.
type SendQuizMsg struct {
	To     string `json:"to"`
	QuizID string `json:"quizId"`
}

// NewQuizMsg delivers a quiz to the recipient.
type NewQuizMsg struct {
	Quiz model.Quiz `json:"quiz"`
}

// QuizAnsweredMsg is sent after a peer's answer was accepted.
type QuizAnsweredMsg struct {
	QuizID    string `json:"quizId"`
	PartnerID string `json:"partnerId"`
}

// QuizPartnerAnsweredMsg tells a peer their partner has answered.
type QuizPartnerAnsweredMsg struct {
	QuizID      string `json:"quizId"`
	PartnerName string `json:"partnerName"`
}

// QuizRevealMsg discloses both answers and the verdict.
type QuizRevealMsg struct {
	QuizID   string         `json:"quizId"`
	Question string         `json:"question"`
	Answers  []model.Answer `json:"answers"`
	Matched  bool           `json:"matched"`
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the relay has registered the connection.
type SessionCreatedMsg struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// RateLimitedMsg is sent when an action exceeds its rate limit.
type RateLimitedMsg struct {
	Action     string `json:"action"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg is a transport-level error.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PingMsg and PongMsg are application keepalives.
type PingMsg struct{}

type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// clientTypes maps every peer -> relay event to a decoder.
var clientTypes = map[string]func(json.RawMessage) (interface{}, error){
	TypeCallUser:     decodeAs[CallUserMsg],
	TypeAnswerCall:   decodeAs[AnswerCallMsg],
	TypeIceCandidate: decodeAs[IceCandidateMsg],
	TypeEndCall:      decodeAs[EndCallMsg],
	TypeSendMessage:  decodeAs[SendMessageMsg],
	TypeMessageRead:  decodeAs[MessageReadMsg],
	TypeTypingStart:  decodeAs[TypingStartMsg],
	TypeTypingStop:   decodeAs[TypingStopMsg],
	TypeAddReaction:  decodeAs[AddReactionMsg],
	TypeSendQuiz:     decodeAs[SendQuizMsg],
	TypeQuizAnswered: decodeAs[QuizAnsweredMsg],
	TypePing:         decodeAs[PingMsg],
}

func decodeAs[T any](raw json.RawMessage) (interface{}, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseClientMessage parses a frame sent by a peer into its typed payload.
// An error is returned for unknown or relay-only event types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	decode, ok := clientTypes[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
	msg, err := decode(env.Raw)
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// Decode splits a frame into its type and raw body. Payload structs decode
// the body directly; the "type" key is ignored by them.
func Decode(data []byte) (string, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, err
	}
	return env.Type, env.Raw, nil
}

// Encode marshals payload and injects msgType under the "type" key. A nil
// payload produces a frame with only the type.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	m := map[string]interface{}{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: payload of %q is not an object: %w", msgType, err)
		}
		if m == nil {
			m = map[string]interface{}{}
		}
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q: %w", msgType, err)
	}
	return out, nil
}

// NewServerMessage builds a relay -> peer frame.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return Encode(msgType, payload)
}
