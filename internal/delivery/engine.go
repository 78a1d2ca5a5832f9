// Package delivery keeps one conversation's message list consistent with the
// relay: optimistic local echo, acknowledgment reconciliation, delivery and
// read receipts, reactions and the typing indicator.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/duet/internal/event"
	"github.com/whisper/duet/internal/model"
	"github.com/whisper/duet/internal/protocol"
)

// LocalIDPrefix marks identities assigned before the relay acknowledges.
const LocalIDPrefix = "local-"

// State is the delivery lifecycle of an entry. It only moves forward.
type State int

const (
	StatePending State = iota
	StateSent
	StateDelivered
	StateRead
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Entry is one rendered message.
type Entry struct {
	LocalID  string // stable render key; the client id for own sends
	Message  model.Message
	State    State
	Outgoing bool
}

// Key returns the server id when known, else the local id.
func (e Entry) Key() string {
	if e.Message.ID != "" {
		return e.Message.ID
	}
	return e.LocalID
}

// HistorySource fetches stored conversation history.
type HistorySource interface {
	FetchHistory(ctx context.Context, partnerID string, limit int) ([]model.Message, error)
}

// Config tunes the engine.
type Config struct {
	TypingIdle   time.Duration // inactivity before typing_stop is sent
	HistoryLimit int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TypingIdle:   1 * time.Second,
		HistoryLimit: 50,
	}
}

type receipt struct {
	readAt time.Time
}

// Engine is the message delivery state machine for one conversation.
type Engine struct {
	ch      event.Channel
	id      event.Identity
	cfg     Config
	history HistorySource

	mu       sync.Mutex
	entries  []*Entry
	byID     map[string]*Entry
	byClient map[string]*Entry // pending own sends keyed by client id

	// receipts that arrived before the entry they refer to
	earlyReads     map[string]receipt
	earlyDelivered map[string]bool

	markedRead map[string]bool

	typingActive  bool
	typingTimer   *time.Timer
	typingGen     int
	partnerTyping bool

	onChange        func(Entry)
	onError         func(error)
	onPartnerTyping func(bool)

	offs []func()
}

// NewEngine wires an engine to the channel. history may be nil.
func NewEngine(ch event.Channel, id event.Identity, history HistorySource, cfg Config) *Engine {
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = DefaultConfig().TypingIdle
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	e := &Engine{
		ch:             ch,
		id:             id,
		cfg:            cfg,
		history:        history,
		byID:           make(map[string]*Entry),
		byClient:       make(map[string]*Entry),
		earlyReads:     make(map[string]receipt),
		earlyDelivered: make(map[string]bool),
		markedRead:     make(map[string]bool),
	}

	e.offs = append(e.offs,
		ch.On(protocol.TypeNewMessage, e.handleNewMessage),
		ch.On(protocol.TypeMessageSent, e.handleMessageSent),
		ch.On(protocol.TypeMessageDelivered, e.handleDelivered),
		ch.On(protocol.TypeMessageReadReceipt, e.handleReadReceipt),
		ch.On(protocol.TypeUserTyping, e.handleUserTyping(true)),
		ch.On(protocol.TypeUserStoppedTyping, e.handleUserTyping(false)),
		ch.On(protocol.TypeMessageReaction, e.handleReaction),
		ch.On(protocol.TypeMessageError, e.handleError),
	)
	return e
}

// OnChange registers a callback for every mutated or appended entry.
func (e *Engine) OnChange(fn func(Entry)) { e.onChange = fn }

// OnError registers a callback for non-fatal relay errors.
func (e *Engine) OnError(fn func(error)) { e.onError = fn }

// OnPartnerTyping registers a callback for partner typing transitions.
func (e *Engine) OnPartnerTyping(fn func(bool)) { e.onPartnerTyping = fn }

// Close detaches the engine from the channel and stops the typing timer.
func (e *Engine) Close() {
	for _, off := range e.offs {
		off()
	}
	e.mu.Lock()
	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	e.typingActive = false
	e.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send posts a text message.
func (e *Engine) Send(content string) (Entry, error) {
	return e.send(model.Message{Type: model.MessageText, Content: content})
}

// SendSnap posts a snap referencing previously uploaded media.
func (e *Engine) SendSnap(mediaRef, caption string) (Entry, error) {
	return e.send(model.Message{Type: model.MessageSnap, MediaRef: mediaRef, Content: caption})
}

func (e *Engine) send(msg model.Message) (Entry, error) {
	if !e.ch.Connected() {
		return Entry{}, fmt.Errorf("delivery: send: %w", event.ErrChannelUnavailable)
	}
	if err := msg.Validate(); err != nil {
		return Entry{}, fmt.Errorf("delivery: send: %w", err)
	}

	localID := LocalIDPrefix + uuid.New().String()
	msg.ClientID = localID
	msg.From = e.id.UserID
	msg.To = e.id.PartnerID
	msg.CreatedAt = time.Now()

	entry := &Entry{LocalID: localID, Message: msg, State: StatePending, Outgoing: true}

	e.mu.Lock()
	e.entries = append(e.entries, entry)
	e.byClient[localID] = entry
	e.mu.Unlock()

	err := e.ch.Emit(protocol.TypeSendMessage, protocol.SendMessageMsg{
		To:       msg.To,
		Content:  msg.Content,
		Type:     msg.Type,
		MediaRef: msg.MediaRef,
		IsSnap:   msg.Type == model.MessageSnap,
		ClientID: localID,
	})
	if err != nil {
		e.mu.Lock()
		e.removeLocked(entry)
		e.mu.Unlock()
		return Entry{}, fmt.Errorf("delivery: send: %w", err)
	}

	// The acknowledgment may already have been applied during Emit, and it
	// reported the newer state itself.
	e.mu.Lock()
	snap := *entry
	e.mu.Unlock()
	if snap.State == StatePending {
		e.notify(snap)
	}
	e.StopTyping()
	return snap, nil
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

func (e *Engine) handleNewMessage(raw json.RawMessage) {
	var m protocol.MessageMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("[delivery] bad new_message: %v", err)
		return
	}
	e.apply(m.Message, false)
}

func (e *Engine) handleMessageSent(raw json.RawMessage) {
	var m protocol.MessageMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("[delivery] bad message_sent: %v", err)
		return
	}
	e.apply(m.Message, true)
}

// OnIncoming merges a message pushed by the relay: the partner's messages
// and echoes of our own.
func (e *Engine) OnIncoming(msg model.Message) { e.apply(msg, false) }

// OnAcknowledged merges the relay's confirmation of one of our sends.
func (e *Engine) OnAcknowledged(msg model.Message) { e.apply(msg, true) }

func (e *Engine) apply(msg model.Message, ack bool) {
	if msg.ID == "" {
		log.Printf("[delivery] dropping message without id (client=%s)", msg.ClientID)
		return
	}
	if !msg.Between(e.id.UserID, e.id.PartnerID) {
		return
	}

	e.mu.Lock()
	changed := e.reconcileLocked(msg)
	e.mu.Unlock()

	if changed != nil {
		e.notify(*changed)
	}
	if msg.From == e.id.PartnerID && !ack {
		e.setPartnerTyping(false)
	}
}

// reconcileLocked applies msg and returns a snapshot of the resulting entry,
// or nil when nothing changed.
func (e *Engine) reconcileLocked(msg model.Message) *Entry {
	outgoing := msg.From == e.id.UserID

	var pending *Entry
	if msg.ClientID != "" {
		pending = e.byClient[msg.ClientID]
	}

	entry := e.byID[msg.ID]
	before := Entry{}
	switch {
	case entry != nil:
		before = *entry
		if pending != nil && pending != entry {
			e.removeLocked(pending)
		}
		mergeInto(entry, msg)

	case pending != nil:
		before = *pending
		delete(e.byClient, msg.ClientID)
		entry = pending
		mergeInto(entry, msg)
		e.byID[msg.ID] = entry

	default:
		entry = &Entry{LocalID: msg.ID, Message: msg, Outgoing: outgoing}
		if msg.ClientID != "" && outgoing {
			entry.LocalID = msg.ClientID
		}
		e.entries = append(e.entries, entry)
		e.byID[msg.ID] = entry
	}

	// A relay-assigned id means the relay has stored the message; an echo of
	// our own message counts as its acknowledgment.
	entry.State = maxState(entry.State, StateSent)
	if entry.Message.IsRead {
		entry.State = maxState(entry.State, StateRead)
	}

	if e.earlyDelivered[msg.ID] {
		delete(e.earlyDelivered, msg.ID)
		entry.State = maxState(entry.State, StateDelivered)
	}
	if r, ok := e.earlyReads[msg.ID]; ok {
		delete(e.earlyReads, msg.ID)
		markReadLocked(entry, r.readAt)
	}

	if sameEntry(before, *entry) {
		return nil
	}
	snap := *entry
	return &snap
}

// mergeInto overwrites the entry with the relay copy. Read state is monotonic
// so a stale copy never un-reads a message.
func mergeInto(entry *Entry, msg model.Message) {
	wasRead := entry.Message.IsRead
	readAt := entry.Message.ReadAt

	clientID := entry.Message.ClientID
	entry.Message = msg
	if entry.Message.ClientID == "" {
		entry.Message.ClientID = clientID
	}
	if wasRead && !msg.IsRead {
		entry.Message.IsRead = true
		entry.Message.ReadAt = readAt
	}
}

func markReadLocked(entry *Entry, at time.Time) bool {
	if entry.Message.IsRead && entry.State == StateRead {
		return false
	}
	if !entry.Message.IsRead {
		t := at
		entry.Message.IsRead = true
		entry.Message.ReadAt = &t
	}
	entry.State = maxState(entry.State, StateRead)
	return true
}

func (e *Engine) removeLocked(target *Entry) {
	for i, en := range e.entries {
		if en == target {
			e.entries = append(e.entries[:i:i], e.entries[i+1:]...)
			break
		}
	}
	if target.Message.ClientID != "" && e.byClient[target.Message.ClientID] == target {
		delete(e.byClient, target.Message.ClientID)
	}
	if target.Message.ID != "" && e.byID[target.Message.ID] == target {
		delete(e.byID, target.Message.ID)
	}
}

// ---------------------------------------------------------------------------
// Receipts
// ---------------------------------------------------------------------------

func (e *Engine) handleDelivered(raw json.RawMessage) {
	var m protocol.MessageDeliveredMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("[delivery] bad message_delivered: %v", err)
		return
	}
	e.OnDelivered(m.MessageID)
}

// OnDelivered marks one of our messages as delivered to the partner.
func (e *Engine) OnDelivered(id string) {
	if id == "" {
		return
	}
	e.mu.Lock()
	entry := e.byID[id]
	if entry == nil {
		e.earlyDelivered[id] = true
		e.mu.Unlock()
		return
	}
	if entry.State >= StateDelivered {
		e.mu.Unlock()
		return
	}
	entry.State = StateDelivered
	snap := *entry
	e.mu.Unlock()
	e.notify(snap)
}

func (e *Engine) handleReadReceipt(raw json.RawMessage) {
	var m protocol.ReadReceiptMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("[delivery] bad message_read_receipt: %v", err)
		return
	}
	e.OnReadReceipt(m.MessageID, m.ReadAt)
}

// OnReadReceipt marks one of our messages as read. Receipts for ids not yet
// known are held until the entry appears.
func (e *Engine) OnReadReceipt(id string, readAt time.Time) {
	if id == "" {
		return
	}
	if readAt.IsZero() {
		readAt = time.Now()
	}
	e.mu.Lock()
	entry := e.byID[id]
	if entry == nil {
		if _, ok := e.earlyReads[id]; !ok {
			e.earlyReads[id] = receipt{readAt: readAt}
		}
		e.mu.Unlock()
		return
	}
	if !markReadLocked(entry, readAt) {
		e.mu.Unlock()
		return
	}
	snap := *entry
	e.mu.Unlock()
	e.notify(snap)
}

// MarkRead tells the partner that one of their messages has been seen. It
// emits at most once per message and reports whether it did.
func (e *Engine) MarkRead(id string) (bool, error) {
	e.mu.Lock()
	entry := e.byID[id]
	if entry == nil || entry.Outgoing || entry.Message.IsRead || e.markedRead[id] {
		e.mu.Unlock()
		return false, nil
	}
	e.markedRead[id] = true
	sender := entry.Message.From
	e.mu.Unlock()

	err := e.ch.Emit(protocol.TypeMessageRead, protocol.MessageReadMsg{MessageID: id, SenderID: sender})
	if err != nil {
		e.mu.Lock()
		delete(e.markedRead, id)
		e.mu.Unlock()
		return false, fmt.Errorf("delivery: mark read: %w", err)
	}

	e.mu.Lock()
	markReadLocked(entry, time.Now())
	snap := *entry
	e.mu.Unlock()
	e.notify(snap)
	return true, nil
}

// MarkAllRead marks every unread incoming message and returns how many read
// events were emitted.
func (e *Engine) MarkAllRead() (int, error) {
	e.mu.Lock()
	var ids []string
	for _, en := range e.entries {
		if !en.Outgoing && !en.Message.IsRead && en.Message.ID != "" {
			ids = append(ids, en.Message.ID)
		}
	}
	e.mu.Unlock()

	n := 0
	for _, id := range ids {
		ok, err := e.MarkRead(id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Reactions
// ---------------------------------------------------------------------------

// React adds an emoji reaction to a stored message.
func (e *Engine) React(id, emoji string) error {
	if err := model.ValidateEmoji(emoji); err != nil {
		return fmt.Errorf("delivery: react: %w", err)
	}
	e.mu.Lock()
	_, ok := e.byID[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("delivery: react: unknown message %q", id)
	}
	if err := e.ch.Emit(protocol.TypeAddReaction, protocol.AddReactionMsg{
		MessageID: id,
		Emoji:     emoji,
		PartnerID: e.id.PartnerID,
	}); err != nil {
		return fmt.Errorf("delivery: react: %w", err)
	}
	return nil
}

func (e *Engine) handleReaction(raw json.RawMessage) {
	var m protocol.MessageReactionMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("[delivery] bad message_reaction: %v", err)
		return
	}
	e.mu.Lock()
	entry := e.byID[m.MessageID]
	if entry == nil {
		e.mu.Unlock()
		return
	}
	entry.Message.Reactions = append([]model.Reaction(nil), m.Reactions...)
	snap := *entry
	e.mu.Unlock()
	e.notify(snap)
}

// ---------------------------------------------------------------------------
// Typing
// ---------------------------------------------------------------------------

// OnInput records a keystroke. typing_start is emitted on the idle -> active
// transition only; typing_stop follows after TypingIdle without input.
func (e *Engine) OnInput() {
	e.mu.Lock()
	start := !e.typingActive
	e.typingActive = true
	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	e.typingGen++
	gen := e.typingGen
	e.typingTimer = time.AfterFunc(e.cfg.TypingIdle, func() { e.typingExpired(gen) })
	e.mu.Unlock()

	if start {
		e.emitTyping(protocol.TypeTypingStart)
	}
}

func (e *Engine) typingExpired(gen int) {
	e.mu.Lock()
	if gen != e.typingGen || !e.typingActive {
		e.mu.Unlock()
		return
	}
	e.typingActive = false
	e.mu.Unlock()
	e.emitTyping(protocol.TypeTypingStop)
}

// StopTyping ends the typing indicator immediately, if active.
func (e *Engine) StopTyping() {
	e.mu.Lock()
	if !e.typingActive {
		e.mu.Unlock()
		return
	}
	e.typingActive = false
	e.typingGen++
	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	e.mu.Unlock()
	e.emitTyping(protocol.TypeTypingStop)
}

func (e *Engine) emitTyping(name string) {
	var payload any = protocol.TypingStartMsg{To: e.id.PartnerID}
	if name == protocol.TypeTypingStop {
		payload = protocol.TypingStopMsg{To: e.id.PartnerID}
	}
	if err := e.ch.Emit(name, payload); err != nil && !errors.Is(err, event.ErrChannelUnavailable) {
		log.Printf("[delivery] %s: %v", name, err)
	}
}

func (e *Engine) handleUserTyping(typing bool) event.Handler {
	return func(raw json.RawMessage) {
		var m protocol.UserTypingMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		if m.UserID != e.id.PartnerID {
			return
		}
		e.setPartnerTyping(typing)
	}
}

func (e *Engine) setPartnerTyping(v bool) {
	e.mu.Lock()
	if e.partnerTyping == v {
		e.mu.Unlock()
		return
	}
	e.partnerTyping = v
	fn := e.onPartnerTyping
	e.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

// PartnerTyping reports whether the partner is currently typing.
func (e *Engine) PartnerTyping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.partnerTyping
}

// ---------------------------------------------------------------------------
// History and snapshots
// ---------------------------------------------------------------------------

// LoadHistory fetches stored history and merges it like pushed messages.
func (e *Engine) LoadHistory(ctx context.Context) (int, error) {
	if e.history == nil {
		return 0, nil
	}
	msgs, err := e.history.FetchHistory(ctx, e.id.PartnerID, e.cfg.HistoryLimit)
	if err != nil {
		return 0, fmt.Errorf("delivery: load history: %w", err)
	}
	for _, m := range msgs {
		e.apply(m, false)
	}
	return len(msgs), nil
}

func (e *Engine) handleError(raw json.RawMessage) {
	var m protocol.FailureMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	log.Printf("[delivery] relay error: %s", m.Error)
	if e.onError != nil {
		e.onError(fmt.Errorf("delivery: relay: %s", m.Error))
	}
}

// Entries returns the conversation in render order.
func (e *Engine) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Entry, 0, len(e.entries))
	for _, en := range e.entries {
		out = append(out, *en)
	}
	return out
}

// Entry looks up an entry by server id or local id.
func (e *Engine) Entry(key string) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if en, ok := e.byID[key]; ok {
		return *en, true
	}
	for _, en := range e.entries {
		if en.LocalID == key {
			return *en, true
		}
	}
	return Entry{}, false
}

func (e *Engine) notify(en Entry) {
	if e.onChange != nil {
		e.onChange(en)
	}
}

func maxState(a, b State) State {
	if a > b {
		return a
	}
	return b
}

func sameEntry(a, b Entry) bool {
	if a.State != b.State || a.LocalID != b.LocalID {
		return false
	}
	am, bm := a.Message, b.Message
	if am.ID != bm.ID || am.Content != bm.Content || am.MediaRef != bm.MediaRef ||
		am.IsRead != bm.IsRead || len(am.Reactions) != len(bm.Reactions) {
		return false
	}
	for i := range am.Reactions {
		if am.Reactions[i] != bm.Reactions[i] {
			return false
		}
	}
	return true
}
