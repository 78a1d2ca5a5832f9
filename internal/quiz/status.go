package quiz

import "github.com/whisper/duet/internal/model"

// Status is a quiz's state as seen by one viewer.
type Status string

const (
	StatusWaiting       Status = "waiting"
	StatusAnswered      Status = "answered"
	StatusWaitingForYou Status = "waiting_for_you"
	StatusRevealing     Status = "revealing"
	StatusRevealed      Status = "revealed"
)

// Rank orders statuses along the lifecycle. answered and waiting_for_you
// share a rank since they are two views of the same step.
func (s Status) Rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusAnswered, StatusWaitingForYou:
		return 1
	case StatusRevealing:
		return 2
	case StatusRevealed:
		return 3
	}
	return -1
}

// DeriveStatus computes the viewer-relative status from the answer list.
// Answers by users other than the viewer count as the partner's.
func DeriveStatus(answers []model.Answer, viewerID string, revealed bool) Status {
	if revealed {
		return StatusRevealed
	}
	var mine, theirs bool
	for _, a := range answers {
		if a.User == viewerID {
			mine = true
		} else if a.User != "" {
			theirs = true
		}
	}
	switch {
	case mine && theirs:
		return StatusRevealing
	case mine:
		return StatusAnswered
	case theirs:
		return StatusWaitingForYou
	}
	return StatusWaiting
}
