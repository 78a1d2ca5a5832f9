package call

// Phase is the lifecycle position of one call session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseCalling    Phase = "calling"
	PhaseIncoming   Phase = "incoming"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseEnded      Phase = "ended"
)

// Rank orders phases. calling and incoming share a rank.
func (p Phase) Rank() int {
	switch p {
	case PhaseIdle:
		return 0
	case PhaseCalling, PhaseIncoming:
		return 1
	case PhaseConnecting:
		return 2
	case PhaseConnected:
		return 3
	case PhaseEnded:
		return 4
	}
	return -1
}

// CanAdvance reports whether a session in p may move to next. Moves go
// forward only; ended is reachable from anywhere and is terminal.
func (p Phase) CanAdvance(next Phase) bool {
	if p == PhaseEnded {
		return false
	}
	if next == PhaseEnded {
		return true
	}
	return next.Rank() > p.Rank()
}
