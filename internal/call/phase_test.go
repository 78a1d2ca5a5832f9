package call

import "testing"

func TestPhase_CanAdvance(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseIdle, PhaseCalling, true},
		{PhaseIdle, PhaseIncoming, true},
		{PhaseCalling, PhaseConnecting, true},
		{PhaseIncoming, PhaseConnecting, true},
		{PhaseConnecting, PhaseConnected, true},
		{PhaseConnected, PhaseConnecting, false},
		{PhaseConnecting, PhaseCalling, false},
		{PhaseCalling, PhaseIncoming, false},
		{PhaseConnected, PhaseConnected, false},
		{PhaseIdle, PhaseEnded, true},
		{PhaseConnected, PhaseEnded, true},
		{PhaseEnded, PhaseEnded, false},
		{PhaseEnded, PhaseCalling, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanAdvance(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
