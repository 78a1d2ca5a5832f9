package model

import "sort"

// CategoryScore counts matched quizzes of one type.
type CategoryScore struct {
	Matches int `json:"matches"`
	Total   int `json:"total"`
}

// Compatibility summarizes how often a pair answered alike. Score is the
// matched share of scored quizzes as a percentage.
type Compatibility struct {
	Score          int                        `json:"score"`
	TotalQuizzes   int                        `json:"totalQuizzes"`
	MatchedQuizzes int                        `json:"matchedQuizzes"`
	Categories     map[QuizType]CategoryScore `json:"categories"`
}

// Scored reports whether a quiz counts towards compatibility: both
// participants answered and the type has comparable answers.
func (q *Quiz) Scored() bool {
	return len(q.Answers) == MaxQuizAnswers && !freeForm(q.Type)
}

// ScoreQuizzes computes the compatibility of the quizzes' participants.
// Quizzes that are open or free-form are ignored.
func ScoreQuizzes(quizzes []Quiz) Compatibility {
	c := Compatibility{Categories: make(map[QuizType]CategoryScore)}
	for i := range quizzes {
		q := &quizzes[i]
		if !q.Scored() {
			continue
		}
		cat := c.Categories[q.Type]
		cat.Total++
		c.TotalQuizzes++
		if Matched(q.Answers[0].Answer, q.Answers[1].Answer) {
			cat.Matches++
			c.MatchedQuizzes++
		}
		c.Categories[q.Type] = cat
	}
	if c.TotalQuizzes > 0 {
		c.Score = (c.MatchedQuizzes*100 + c.TotalQuizzes/2) / c.TotalQuizzes
	}
	return c
}

// CategoryNames returns the scored categories in a stable order.
func (c Compatibility) CategoryNames() []QuizType {
	out := make([]QuizType, 0, len(c.Categories))
	for t := range c.Categories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
