// Package quiz synchronizes two-party quizzes between a viewer and their
// partner. Push events drive the fast path; a periodic reconciliation poll
// repairs state when an event is missed.
package quiz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/whisper/duet/internal/api"
	"github.com/whisper/duet/internal/event"
	"github.com/whisper/duet/internal/model"
	"github.com/whisper/duet/internal/protocol"
)

var (
	ErrUnknownQuiz     = errors.New("quiz: unknown quiz")
	ErrAlreadyAnswered = errors.New("quiz: already answered")
	ErrRevealed        = errors.New("quiz: already revealed")
	ErrAnswerInFlight  = errors.New("quiz: answer already in flight")
)

// Collaborator is the HTTP side of quizzes. FetchQuiz returns an error
// wrapping api.ErrNotFound for quizzes that no longer exist.
type Collaborator interface {
	CreateQuiz(ctx context.Context, draft model.QuizDraft) (*model.Quiz, error)
	SubmitAnswer(ctx context.Context, quizID, answer string) (*model.Quiz, bool, error)
	FetchQuiz(ctx context.Context, quizID string) (*model.Quiz, error)
}

// Config tunes the engine.
type Config struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration // per poll fetch
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   2 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// Entry is a snapshot of one tracked quiz. Quiz.Answers holds only answers
// whose text is known; PartnerAnswered is also true when the partner's
// answer is known to exist but is still hidden.
type Entry struct {
	Quiz            model.Quiz
	Status          Status
	Matched         bool
	PartnerAnswered bool
}

type slot struct {
	user  string
	text  string
	known bool
}

type tracked struct {
	quiz      model.Quiz
	slots     []slot
	revealed  bool
	matched   bool
	status    Status
	answering bool
	polling   bool
	gone      bool // the collaborator no longer has it
}

// Engine is the quiz state machine for one conversation.
type Engine struct {
	ch     event.Channel
	id     event.Identity
	collab Collaborator
	cfg    Config

	mu      sync.Mutex
	quizzes map[string]*tracked
	order   []string

	onStatus func(Entry)
	onReveal func(Entry)
	onError  func(error)

	offs []func()

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewEngine wires an engine to the channel and collaborator.
func NewEngine(ch event.Channel, id event.Identity, collab Collaborator, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	e := &Engine{
		ch:      ch,
		id:      id,
		collab:  collab,
		cfg:     cfg,
		quizzes: make(map[string]*tracked),
	}
	e.offs = append(e.offs,
		ch.On(protocol.TypeNewQuiz, e.handleNewQuiz),
		ch.On(protocol.TypeQuizPartnerAnswered, e.handlePartnerAnswered),
		ch.On(protocol.TypeQuizReveal, e.handleReveal),
		ch.On(protocol.TypeQuizError, e.handleError),
	)
	return e
}

// OnStatus registers a callback for every status transition.
func (e *Engine) OnStatus(fn func(Entry)) { e.onStatus = fn }

// OnReveal registers a callback that fires exactly once per revealed quiz.
func (e *Engine) OnReveal(fn func(Entry)) { e.onReveal = fn }

// OnError registers a callback for non-fatal failures.
func (e *Engine) OnError(fn func(error)) { e.onError = fn }

// ---------------------------------------------------------------------------
// Creating and receiving
// ---------------------------------------------------------------------------

// Create stores a new quiz through the collaborator, tracks it and notifies
// the partner. A notify failure is reported through OnError only; the
// partner's poll-free view is repaired when they next load the quiz.
func (e *Engine) Create(ctx context.Context, draft model.QuizDraft) (Entry, error) {
	if draft.Partner == "" {
		draft.Partner = e.id.PartnerID
	}
	if err := model.ValidateDraft(draft); err != nil {
		return Entry{}, fmt.Errorf("quiz: create: %w", err)
	}
	q, err := e.collab.CreateQuiz(ctx, draft)
	if err != nil {
		return Entry{}, fmt.Errorf("quiz: create: %w", err)
	}

	e.mu.Lock()
	t, _ := e.trackLocked(*q)
	snap := t.entry(e.id.UserID)
	e.mu.Unlock()

	e.emitStatus(snap)

	if err := e.ch.Emit(protocol.TypeSendQuiz, protocol.SendQuizMsg{To: draft.Partner, QuizID: q.ID}); err != nil {
		e.warn(fmt.Errorf("quiz: notify partner of %s: %w", q.ID, err))
	}
	return snap, nil
}

func (e *Engine) handleNewQuiz(raw json.RawMessage) {
	var m protocol.NewQuizMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("[quiz] bad new_quiz: %v", err)
		return
	}
	e.OnReceivedQuiz(m.Quiz)
}

// OnReceivedQuiz tracks a quiz sent by the partner. Redelivery is harmless.
func (e *Engine) OnReceivedQuiz(q model.Quiz) {
	if q.ID == "" || !q.IsParticipant(e.id.UserID) || q.Other(e.id.UserID) != e.id.PartnerID {
		return
	}
	e.mu.Lock()
	t, changed := e.trackLocked(q)
	snap := t.entry(e.id.UserID)
	e.mu.Unlock()

	if changed {
		e.emitStatus(snap)
	}
}

// trackLocked starts tracking q, or merges its answers into an existing
// entry. It reports whether anything changed.
func (e *Engine) trackLocked(q model.Quiz) (*tracked, bool) {
	t, ok := e.quizzes[q.ID]
	if !ok {
		t = &tracked{quiz: q, status: StatusWaiting}
		t.quiz.Answers = nil
		e.quizzes[q.ID] = t
		e.order = append(e.order, q.ID)
	}
	changed := !ok
	if t.revealed {
		return t, changed
	}
	if t.mergeAnswers(q.Answers) {
		changed = true
	}
	if t.recompute(e.id.UserID) {
		changed = true
	}
	return t, changed
}

// ---------------------------------------------------------------------------
// Answering
// ---------------------------------------------------------------------------

// Answer submits the viewer's choice. When the collaborator reports both
// answers are in, the entry moves straight to revealing. quiz_answered is
// emitted whether or not the partner has answered.
func (e *Engine) Answer(ctx context.Context, quizID, choice string) (Entry, error) {
	e.mu.Lock()
	t, ok := e.quizzes[quizID]
	switch {
	case !ok:
		e.mu.Unlock()
		return Entry{}, ErrUnknownQuiz
	case t.revealed:
		e.mu.Unlock()
		return Entry{}, ErrRevealed
	case t.slotOf(e.id.UserID) != nil:
		e.mu.Unlock()
		return Entry{}, ErrAlreadyAnswered
	case t.answering:
		e.mu.Unlock()
		return Entry{}, ErrAnswerInFlight
	}
	if err := t.quiz.ValidateAnswer(choice); err != nil {
		e.mu.Unlock()
		return Entry{}, fmt.Errorf("quiz: answer: %w", err)
	}
	t.answering = true
	e.mu.Unlock()

	q, bothAnswered, err := e.collab.SubmitAnswer(ctx, quizID, choice)

	e.mu.Lock()
	t.answering = false
	if err != nil {
		e.mu.Unlock()
		return Entry{}, fmt.Errorf("quiz: answer %s: %w", quizID, err)
	}
	t.setSlot(e.id.UserID, choice, true)
	if q != nil && !t.revealed {
		t.mergeAnswers(q.Answers)
	}
	if bothAnswered && !t.revealed {
		t.setSlot(e.id.PartnerID, "", false)
	}
	changed := t.recompute(e.id.UserID)
	snap := t.entry(e.id.UserID)
	e.mu.Unlock()

	if changed {
		e.emitStatus(snap)
	}
	if err := e.ch.Emit(protocol.TypeQuizAnswered, protocol.QuizAnsweredMsg{QuizID: quizID, PartnerID: e.id.PartnerID}); err != nil {
		e.warn(fmt.Errorf("quiz: notify answer on %s: %w", quizID, err))
	}
	return snap, nil
}

func (e *Engine) handlePartnerAnswered(raw json.RawMessage) {
	var m protocol.QuizPartnerAnsweredMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("[quiz] bad quiz_partner_answered: %v", err)
		return
	}
	e.OnPartnerAnswered(m.QuizID)
}

// OnPartnerAnswered records that the partner answered without disclosing
// what they chose.
func (e *Engine) OnPartnerAnswered(quizID string) {
	e.mu.Lock()
	t, ok := e.quizzes[quizID]
	if !ok || t.revealed {
		e.mu.Unlock()
		return
	}
	t.setSlot(e.id.PartnerID, "", false)
	changed := t.recompute(e.id.UserID)
	snap := t.entry(e.id.UserID)
	e.mu.Unlock()

	if changed {
		e.emitStatus(snap)
	}
}

// ---------------------------------------------------------------------------
// Reveal
// ---------------------------------------------------------------------------

func (e *Engine) handleReveal(raw json.RawMessage) {
	var m protocol.QuizRevealMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("[quiz] bad quiz_reveal: %v", err)
		return
	}
	e.Reveal(m.QuizID, m.Answers, m.Matched)
}

// Reveal is the terminal transition. Duplicate reveals, from the relay or
// from the poll, are ignored.
func (e *Engine) Reveal(quizID string, answers []model.Answer, matched bool) {
	e.mu.Lock()
	t, ok := e.quizzes[quizID]
	if !ok || t.revealed {
		e.mu.Unlock()
		return
	}
	for _, a := range answers {
		t.setSlot(a.User, a.Answer, true)
	}
	snaps := e.revealLocked(t, matched)
	e.mu.Unlock()

	e.emitReveal(snaps)
}

// revealLocked moves t to revealed, passing through revealing if needed. It
// returns the snapshots to announce: zero or one for revealing, then the
// revealed one.
func (e *Engine) revealLocked(t *tracked, matched bool) []Entry {
	var snaps []Entry
	if t.status != StatusRevealing && t.bothPresent() {
		t.status = StatusRevealing
		snaps = append(snaps, t.entry(e.id.UserID))
	}
	t.revealed = true
	t.matched = matched
	t.recompute(e.id.UserID)
	return append(snaps, t.entry(e.id.UserID))
}

func (e *Engine) emitReveal(snaps []Entry) {
	for _, s := range snaps {
		e.emitStatus(s)
	}
	if len(snaps) > 0 && e.onReveal != nil {
		e.onReveal(snaps[len(snaps)-1])
	}
}

// ---------------------------------------------------------------------------
// Reconciliation poll
// ---------------------------------------------------------------------------

// Start runs the reconciliation poll until Stop or ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	if e.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.pollCancel = cancel
	e.pollDone = make(chan struct{})
	go e.pollLoop(ctx, e.pollDone)
}

// Stop halts the poll and waits for the loop to exit.
func (e *Engine) Stop() {
	e.pollMu.Lock()
	cancel, done := e.pollCancel, e.pollDone
	e.pollCancel, e.pollDone = nil, nil
	e.pollMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Close stops polling and detaches from the channel.
func (e *Engine) Close() {
	e.Stop()
	for _, off := range e.offs {
		off()
	}
}

func (e *Engine) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Poll(ctx)
		}
	}
}

// Poll runs one reconciliation round over every unrevealed quiz. Fetches run
// without the engine lock; results for quizzes revealed or untracked in the
// meantime are discarded.
func (e *Engine) Poll(ctx context.Context) {
	e.mu.Lock()
	var ids []string
	for _, id := range e.order {
		t := e.quizzes[id]
		if t == nil || t.revealed || t.polling || t.gone {
			continue
		}
		t.polling = true
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			e.clearPolling(ids)
			return
		}
		e.pollOne(ctx, id)
	}
}

func (e *Engine) clearPolling(ids []string) {
	e.mu.Lock()
	for _, id := range ids {
		if t := e.quizzes[id]; t != nil {
			t.polling = false
		}
	}
	e.mu.Unlock()
}

func (e *Engine) pollOne(ctx context.Context, id string) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	q, err := e.collab.FetchQuiz(fctx, id)
	cancel()

	e.mu.Lock()
	t := e.quizzes[id]
	if t != nil {
		t.polling = false
	}
	if err != nil {
		// A quiz that no longer exists is skipped quietly and not polled
		// again.
		if errors.Is(err, api.ErrNotFound) {
			if t != nil {
				t.gone = true
			}
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
		if ctx.Err() == nil {
			log.Printf("[quiz] poll %s: %v", id, err)
		}
		return
	}
	if t == nil || t.revealed || q == nil {
		e.mu.Unlock()
		return
	}

	var snaps []Entry
	t.mergeAnswers(q.Answers)
	if t.recompute(e.id.UserID) {
		snaps = append(snaps, t.entry(e.id.UserID))
	}
	reveal := t.bothKnown()
	if reveal {
		matched := false
		if mine, theirs := t.slotOf(e.id.UserID), t.otherSlot(e.id.UserID); mine != nil && theirs != nil {
			matched = model.Matched(mine.text, theirs.text)
		}
		snaps = append(snaps, e.revealLocked(t, matched)...)
	}
	e.mu.Unlock()

	if reveal {
		e.emitReveal(snaps)
		return
	}
	for _, s := range snaps {
		e.emitStatus(s)
	}
}

// Untrack stops following a quiz, e.g. when its view is closed. An in-flight
// poll result for it is discarded.
func (e *Engine) Untrack(quizID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.quizzes[quizID]; !ok {
		return
	}
	delete(e.quizzes, quizID)
	for i, id := range e.order {
		if id == quizID {
			e.order = append(e.order[:i:i], e.order[i+1:]...)
			break
		}
	}
}

// ---------------------------------------------------------------------------
// Snapshots and helpers
// ---------------------------------------------------------------------------

// Entries returns all tracked quizzes in the order they were first seen.
func (e *Engine) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Entry, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.quizzes[id].entry(e.id.UserID))
	}
	return out
}

// Entry returns one tracked quiz.
func (e *Engine) Entry(quizID string) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.quizzes[quizID]
	if !ok {
		return Entry{}, false
	}
	return t.entry(e.id.UserID), true
}

func (e *Engine) handleError(raw json.RawMessage) {
	var m protocol.FailureMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	e.warn(fmt.Errorf("quiz: relay: %s", m.Error))
}

func (e *Engine) warn(err error) {
	log.Printf("[quiz] %v", err)
	if e.onError != nil {
		e.onError(err)
	}
}

func (e *Engine) emitStatus(s Entry) {
	if e.onStatus != nil {
		e.onStatus(s)
	}
}

// setSlot records an answer for user. A known answer is never overwritten;
// a placeholder is filled in once the text is known. A third distinct user
// is refused.
func (t *tracked) setSlot(user, text string, known bool) bool {
	if user == "" {
		return false
	}
	if s := t.slotOf(user); s != nil {
		if !s.known && known {
			s.text, s.known = text, true
			return true
		}
		return false
	}
	if len(t.slots) >= model.MaxQuizAnswers {
		log.Printf("[quiz] %s: ignoring answer from %s, quiz is closed", t.quiz.ID, user)
		return false
	}
	t.slots = append(t.slots, slot{user: user, text: text, known: known})
	return true
}

// mergeAnswers records answers from the collaborator. An answer with empty
// text is one the viewer may not see yet.
func (t *tracked) mergeAnswers(answers []model.Answer) bool {
	changed := false
	for _, a := range answers {
		if t.setSlot(a.User, a.Answer, a.Answer != "") {
			changed = true
		}
	}
	return changed
}

func (t *tracked) slotOf(user string) *slot {
	for i := range t.slots {
		if t.slots[i].user == user {
			return &t.slots[i]
		}
	}
	return nil
}

func (t *tracked) otherSlot(user string) *slot {
	for i := range t.slots {
		if t.slots[i].user != user {
			return &t.slots[i]
		}
	}
	return nil
}

func (t *tracked) bothPresent() bool {
	return len(t.slots) >= model.MaxQuizAnswers
}

func (t *tracked) bothKnown() bool {
	if !t.bothPresent() {
		return false
	}
	for _, s := range t.slots {
		if !s.known {
			return false
		}
	}
	return true
}

func (t *tracked) answerList() []model.Answer {
	out := make([]model.Answer, 0, len(t.slots))
	for _, s := range t.slots {
		out = append(out, model.Answer{User: s.user, Answer: s.text})
	}
	return out
}

// recompute refreshes the derived status. Status never moves back.
func (t *tracked) recompute(viewer string) bool {
	st := DeriveStatus(t.answerList(), viewer, t.revealed)
	if st == t.status || st.Rank() < t.status.Rank() {
		return false
	}
	t.status = st
	return true
}

func (t *tracked) entry(viewer string) Entry {
	q := t.quiz
	q.Options = append([]string(nil), t.quiz.Options...)
	q.Answers = nil
	partner := false
	for _, s := range t.slots {
		if s.known {
			q.Answers = append(q.Answers, model.Answer{User: s.user, Answer: s.text})
		}
		if s.user != viewer {
			partner = true
		}
	}
	return Entry{
		Quiz:            q,
		Status:          t.status,
		Matched:         t.revealed && t.matched,
		PartnerAnswered: partner,
	}
}
