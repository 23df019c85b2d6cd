package compact

import (
	"strings"
	"testing"

	"github.com/smallnest/clawmem/conversation"
)

func TestShouldAutoCompact(t *testing.T) {
	s := conversation.NewStore(nil, 100)
	s.AddUser(strings.Repeat("abcdefgh ", 60)) // 远超 100 token 阈值

	tests := []struct {
		name   string
		limits Limits
		want   bool
	}{
		{"over trigger", Limits{AutoCompactEnabled: true, ThresholdTokens: 100, TriggerPercent: 85}, true},
		{"disabled", Limits{AutoCompactEnabled: false, ThresholdTokens: 100, TriggerPercent: 85}, false},
		{"zero threshold", Limits{AutoCompactEnabled: true, ThresholdTokens: 0, TriggerPercent: 85}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(s, func() Limits { return tt.limits })
			if got := m.ShouldAutoCompact(); got != tt.want {
				t.Fatalf("ShouldAutoCompact() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldAutoCompactBelowTrigger(t *testing.T) {
	s := conversation.NewStore(nil, 1000000)
	s.AddUser("tiny")

	m := NewMonitor(s, func() Limits {
		return Limits{AutoCompactEnabled: true, ThresholdTokens: 1000000, TriggerPercent: 85}
	})
	if m.ShouldAutoCompact() {
		t.Fatal("should not trigger at low occupancy")
	}
}

func TestEstimateContext(t *testing.T) {
	s := conversation.NewStore(nil, 500)
	s.AddUser("hello there general kenobi")

	m := NewMonitor(s, func() Limits { return Limits{} })
	snap := m.EstimateContext()
	if snap.EstimatedTokens <= 0 {
		t.Fatal("expected positive token estimate")
	}
	if snap.ThresholdTokens != 500 {
		t.Fatalf("threshold = %d, want 500", snap.ThresholdTokens)
	}
}
