// Package store persists quizzes and chat messages. Quizzes live in Redis
// with a TTL; messages live in PostgreSQL. In-memory implementations back
// tests and single-node development runs.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/whisper/duet/internal/model"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrQuizClosed      = errors.New("store: quiz already has two answers")
	ErrAlreadyAnswered = errors.New("store: already answered")
	ErrNotParticipant  = errors.New("store: not a participant")
)

// QuizTTL is how long an unanswered or revealed quiz is kept.
const QuizTTL = 30 * 24 * time.Hour

// QuizStore holds quizzes and their answers.
type QuizStore interface {
	CreateQuiz(ctx context.Context, q *model.Quiz) error
	GetQuiz(ctx context.Context, id string) (*model.Quiz, error)
	// SubmitAnswer records user's answer atomically. At most one answer per
	// participant and two in total are accepted.
	SubmitAnswer(ctx context.Context, id, user, answer string) (q *model.Quiz, bothAnswered bool, err error)
	// PairQuizzes returns every stored quiz between a and b, oldest first.
	PairQuizzes(ctx context.Context, a, b string) ([]model.Quiz, error)
}

// MessageStore holds chat messages.
type MessageStore interface {
	// CreateMessage assigns ID and CreatedAt. A repeated ClientID from the
	// same sender returns the stored message instead of a new one.
	CreateMessage(ctx context.Context, m *model.Message) (*model.Message, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// MarkRead marks id read by its recipient. changed is false when it
	// was already read.
	MarkRead(ctx context.Context, id, reader string, at time.Time) (m *model.Message, changed bool, err error)
	// SetReaction applies user's reaction with model.ApplyReaction.
	SetReaction(ctx context.Context, id, user, emoji string) (*model.Message, error)
	// History returns up to limit messages between a and b, oldest first.
	History(ctx context.Context, a, b string, limit int) ([]model.Message, error)
}

// pairID names a conversation independent of who is asking.
func pairID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func sortByCreated(qs []model.Quiz) {
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].CreatedAt.Before(qs[j].CreatedAt) })
}

// orderAnswers lists the creator's answer before the partner's.
func orderAnswers(q *model.Quiz, byUser map[string]string) []model.Answer {
	answers := make([]model.Answer, 0, len(byUser))
	for _, u := range []string{q.Creator, q.Partner} {
		if a, ok := byUser[u]; ok {
			answers = append(answers, model.Answer{User: u, Answer: a})
		}
	}
	return answers
}
