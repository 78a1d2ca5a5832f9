package quiz

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/whisper/duet/internal/model"
)

var randomBank = []model.QuizDraft{
	{Type: model.QuizWouldYouRather, Question: "Would you rather travel to the past or the future?", Options: []string{"Past", "Future"}},
	{Type: model.QuizWouldYouRather, Question: "Would you rather live by the sea or in the mountains?", Options: []string{"Sea", "Mountains"}},
	{Type: model.QuizWouldYouRather, Question: "Would you rather have breakfast for dinner or dinner for breakfast?", Options: []string{"Breakfast for dinner", "Dinner for breakfast"}},
	{Type: model.QuizThisOrThat, Question: "Coffee or tea?", Options: []string{"Coffee", "Tea"}},
	{Type: model.QuizThisOrThat, Question: "Sunrise or sunset?", Options: []string{"Sunrise", "Sunset"}},
	{Type: model.QuizThisOrThat, Question: "Cats or dogs?", Options: []string{"Cats", "Dogs"}},
	{Type: model.QuizThisOrThat, Question: "Movie night or game night?", Options: []string{"Movie night", "Game night"}},
	{Type: model.QuizClassic, Question: "Which season suits us best?", Options: []string{"Spring", "Summer", "Autumn", "Winter"}},
	{Type: model.QuizClassic, Question: "Where should our next trip be?", Options: []string{"Beach", "City", "Countryside", "Abroad"}},
	{Type: model.QuizPoll, Question: "Best way to spend a rainy Sunday?", Options: []string{"Reading", "Cooking", "Napping", "Board games"}},
}

var truths = []string{
	"What was your first impression of me?",
	"What is a habit of mine you secretly love?",
	"What is the most embarrassing thing on your phone right now?",
	"When did you last cry at a movie?",
	"What is one thing you have never told anyone?",
}

var dares = []string{
	"Send me a voice note singing the chorus of your favourite song.",
	"Change your profile picture to one I choose for an hour.",
	"Send me the last photo in your camera roll.",
	"Write me a four line poem in the next two minutes.",
	"Describe your day using only emojis.",
}

// SendRandom creates a quiz drawn from the built-in bank.
func (e *Engine) SendRandom(ctx context.Context) (Entry, error) {
	tpl := randomBank[rand.Intn(len(randomBank))]
	tpl.Options = append([]string(nil), tpl.Options...)
	tpl.IsRandom = true
	return e.Create(ctx, tpl)
}

// SendTruthOrDare creates a truth-or-dare prompt. An empty choice picks one
// at random.
func (e *Engine) SendTruthOrDare(ctx context.Context, choice string) (Entry, error) {
	if choice == "" {
		choice = "truth"
		if rand.Intn(2) == 1 {
			choice = "dare"
		}
	}
	var pool []string
	switch choice {
	case "truth":
		pool = truths
	case "dare":
		pool = dares
	default:
		return Entry{}, fmt.Errorf("quiz: truth-or-dare choice must be truth or dare, got %q", choice)
	}
	return e.Create(ctx, model.QuizDraft{
		Type:        model.QuizTruthOrDare,
		Question:    pool[rand.Intn(len(pool))],
		TruthOrDare: choice,
		IsRandom:    true,
	})
}
