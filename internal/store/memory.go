package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/duet/internal/model"
)

// MemoryQuizStore is an in-process QuizStore.
type MemoryQuizStore struct {
	mu      sync.Mutex
	quizzes map[string]*model.Quiz
}

// NewMemoryQuizStore returns an empty store.
func NewMemoryQuizStore() *MemoryQuizStore {
	return &MemoryQuizStore{quizzes: make(map[string]*model.Quiz)}
}

func cloneQuiz(q *model.Quiz) *model.Quiz {
	cp := *q
	cp.Options = append([]string(nil), q.Options...)
	cp.Answers = append([]model.Answer{}, q.Answers...)
	return &cp
}

func (s *MemoryQuizStore) CreateQuiz(_ context.Context, q *model.Quiz) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneQuiz(q)
	cp.Answers = []model.Answer{}
	s.quizzes[q.ID] = cp
	return nil
}

func (s *MemoryQuizStore) GetQuiz(_ context.Context, id string) (*model.Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quizzes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneQuiz(q), nil
}

func (s *MemoryQuizStore) SubmitAnswer(_ context.Context, id, user, answer string) (*model.Quiz, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quizzes[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !q.IsParticipant(user) {
		return nil, false, ErrNotParticipant
	}
	if _, done := q.AnswerBy(user); done {
		return nil, false, ErrAlreadyAnswered
	}
	if len(q.Answers) >= model.MaxQuizAnswers {
		return nil, false, ErrQuizClosed
	}
	byUser := map[string]string{user: answer}
	for _, a := range q.Answers {
		byUser[a.User] = a.Answer
	}
	q.Answers = orderAnswers(q, byUser)
	return cloneQuiz(q), len(q.Answers) == model.MaxQuizAnswers, nil
}

func (s *MemoryQuizStore) PairQuizzes(_ context.Context, a, b string) ([]model.Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair := pairID(a, b)
	var out []model.Quiz
	for _, q := range s.quizzes {
		if pairID(q.Creator, q.Partner) == pair {
			out = append(out, *cloneQuiz(q))
		}
	}
	sortByCreated(out)
	return out, nil
}

// MemoryMessageStore is an in-process MessageStore.
type MemoryMessageStore struct {
	mu       sync.Mutex
	messages map[string]*model.Message
	byClient map[string]string // sender + "\x00" + clientID -> id
}

// NewMemoryMessageStore returns an empty store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		messages: make(map[string]*model.Message),
		byClient: make(map[string]string),
	}
}

func cloneMessage(m *model.Message) *model.Message {
	cp := *m
	cp.Reactions = append([]model.Reaction(nil), m.Reactions...)
	if m.ReadAt != nil {
		t := *m.ReadAt
		cp.ReadAt = &t
	}
	return &cp
}

func (s *MemoryMessageStore) CreateMessage(_ context.Context, m *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientKey := m.From + "\x00" + m.ClientID
	if m.ClientID != "" {
		if id, ok := s.byClient[clientKey]; ok {
			return cloneMessage(s.messages[id]), nil
		}
	}
	stored := cloneMessage(m)
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now().UTC()
	stored.IsRead = false
	stored.ReadAt = nil
	if stored.Type == "" {
		stored.Type = model.MessageText
	}
	s.messages[stored.ID] = stored
	if m.ClientID != "" {
		s.byClient[clientKey] = stored.ID
	}
	return cloneMessage(stored), nil
}

func (s *MemoryMessageStore) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryMessageStore) MarkRead(_ context.Context, id, reader string, at time.Time) (*model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if m.To != reader {
		return nil, false, ErrNotParticipant
	}
	if m.IsRead {
		return cloneMessage(m), false, nil
	}
	t := at.UTC()
	m.IsRead, m.ReadAt = true, &t
	return cloneMessage(m), true, nil
}

func (s *MemoryMessageStore) SetReaction(_ context.Context, id, user, emoji string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.From != user && m.To != user {
		return nil, ErrNotParticipant
	}
	m.Reactions = model.ApplyReaction(m.Reactions, user, emoji)
	if len(m.Reactions) == 0 {
		m.Reactions = nil
	}
	return cloneMessage(m), nil
}

func (s *MemoryMessageStore) History(_ context.Context, a, b string, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.Between(a, b) {
			out = append(out, *cloneMessage(m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

var (
	_ QuizStore    = (*MemoryQuizStore)(nil)
	_ QuizStore    = (*RedisQuizStore)(nil)
	_ MessageStore = (*MemoryMessageStore)(nil)
	_ MessageStore = (*PostgresMessageStore)(nil)
)
