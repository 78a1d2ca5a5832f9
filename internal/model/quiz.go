package model

import (
	"fmt"
	"strings"
	"time"
)

// QuizType is the flavour of a two-party prompt.
type QuizType string

const (
	QuizClassic        QuizType = "quiz"
	QuizWouldYouRather QuizType = "would-you-rather"
	QuizThisOrThat     QuizType = "this-or-that"
	QuizTruthOrDare    QuizType = "truth-or-dare"
	QuizPoll           QuizType = "poll"
	QuizRandom         QuizType = "random"
)

const (
	MinQuizOptions   = 2
	MaxQuizOptions   = 8
	MaxQuestionChars = 280
	MaxAnswerChars   = 500

	// MaxQuizAnswers closes a quiz: one answer from each participant.
	MaxQuizAnswers = 2
)

// Answer is one participant's response to a quiz.
type Answer struct {
	User   string `json:"user"`
	Answer string `json:"answer"`
}

// Quiz is a prompt exchanged between a creator and their partner. Status is
// never stored; it is derived per viewer from Answers.
type Quiz struct {
	ID          string    `json:"id"`
	Creator     string    `json:"creator"`
	Partner     string    `json:"partner"`
	Type        QuizType  `json:"type"`
	Question    string    `json:"question"`
	Options     []string  `json:"options,omitempty"`
	Answers     []Answer  `json:"answers"`
	TruthOrDare string    `json:"truthOrDareChoice,omitempty"`
	IsRandom    bool      `json:"isRandom,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// QuizDraft is the creator's input for a new quiz.
type QuizDraft struct {
	Partner     string   `json:"partner"`
	Type        QuizType `json:"type"`
	Question    string   `json:"question"`
	Options     []string `json:"options,omitempty"`
	TruthOrDare string   `json:"truthOrDareChoice,omitempty"`
	IsRandom    bool     `json:"isRandom,omitempty"`
}

// IsParticipant reports whether user may answer the quiz.
func (q *Quiz) IsParticipant(user string) bool {
	return user != "" && (user == q.Creator || user == q.Partner)
}

// Other returns the participant that is not user.
func (q *Quiz) Other(user string) string {
	switch user {
	case q.Creator:
		return q.Partner
	case q.Partner:
		return q.Creator
	}
	return ""
}

// AnswerBy returns the answer recorded for user, if any.
func (q *Quiz) AnswerBy(user string) (string, bool) {
	for _, a := range q.Answers {
		if a.User == user {
			return a.Answer, true
		}
	}
	return "", false
}

// Matched reports whether two answers agree: case-insensitive equality after
// trimming surrounding whitespace. The relay and both peers use this function
// so every viewer sees the same verdict.
func Matched(a, b string) bool {
	return strings.ToLower(strings.TrimSpace(a)) == strings.ToLower(strings.TrimSpace(b))
}

// freeForm reports whether a quiz type accepts answers outside its options.
func freeForm(t QuizType) bool {
	return t == QuizTruthOrDare
}

// ValidateDraft checks a quiz draft before it is created.
func ValidateDraft(d QuizDraft) error {
	switch d.Type {
	case QuizClassic, QuizWouldYouRather, QuizThisOrThat, QuizTruthOrDare, QuizPoll, QuizRandom:
	default:
		return fmt.Errorf("unknown quiz type %q", d.Type)
	}
	q := strings.TrimSpace(d.Question)
	if q == "" {
		return fmt.Errorf("quiz question is empty")
	}
	if len([]rune(q)) > MaxQuestionChars {
		return fmt.Errorf("quiz question exceeds %d characters", MaxQuestionChars)
	}
	if freeForm(d.Type) {
		switch d.TruthOrDare {
		case "", "truth", "dare":
		default:
			return fmt.Errorf("truth-or-dare choice must be truth or dare")
		}
		return nil
	}
	if len(d.Options) < MinQuizOptions || len(d.Options) > MaxQuizOptions {
		return fmt.Errorf("quiz needs %d-%d options, got %d", MinQuizOptions, MaxQuizOptions, len(d.Options))
	}
	seen := make(map[string]bool, len(d.Options))
	for i, o := range d.Options {
		key := strings.ToLower(strings.TrimSpace(o))
		if key == "" {
			return fmt.Errorf("quiz option %d is empty", i+1)
		}
		if seen[key] {
			return fmt.Errorf("quiz option %q is duplicated", o)
		}
		seen[key] = true
	}
	return nil
}

// ValidateAnswer checks a choice against the quiz. Choice types accept any
// option under the same trim/case rule used by Matched.
func (q *Quiz) ValidateAnswer(choice string) error {
	c := strings.TrimSpace(choice)
	if c == "" {
		return fmt.Errorf("answer is empty")
	}
	if len([]rune(c)) > MaxAnswerChars {
		return fmt.Errorf("answer exceeds %d characters", MaxAnswerChars)
	}
	if freeForm(q.Type) || len(q.Options) == 0 {
		return nil
	}
	for _, o := range q.Options {
		if Matched(o, c) {
			return nil
		}
	}
	return fmt.Errorf("answer %q is not one of the options", choice)
}

// NewQuiz builds a quiz from a draft for the given creator.
func NewQuiz(id, creator string, d QuizDraft, now time.Time) *Quiz {
	opts := make([]string, 0, len(d.Options))
	for _, o := range d.Options {
		opts = append(opts, strings.TrimSpace(o))
	}
	return &Quiz{
		ID:          id,
		Creator:     creator,
		Partner:     d.Partner,
		Type:        d.Type,
		Question:    strings.TrimSpace(d.Question),
		Options:     opts,
		Answers:     []Answer{},
		TruthOrDare: d.TruthOrDare,
		IsRandom:    d.IsRandom || d.Type == QuizRandom,
		CreatedAt:   now,
	}
}
