package compact

import (
	"strings"
	"testing"

	"github.com/smallnest/clawmem/conversation"
)

func storeWithToolResults(t *testing.T, sizes ...int) *conversation.Store {
	t.Helper()
	s := conversation.NewStore(nil, 0)
	s.AddUser("go")
	var calls []conversation.ToolCall
	var results []conversation.ToolResult
	for i, size := range sizes {
		id := string(rune('a' + i))
		calls = append(calls, conversation.ToolCall{ID: id, Name: "exec"})
		results = append(results, conversation.ToolResult{ToolCallID: id, Content: strings.Repeat("x", size)})
	}
	s.AddAssistant("", calls)
	s.AddToolResults(results...)
	return s
}

func toolContents(s *conversation.Store) []string {
	var out []string
	for _, m := range s.Messages() {
		if m.Role == conversation.RoleTool {
			out = append(out, m.Content)
		}
	}
	return out
}

func TestPruneRespectsProtectionThreshold(t *testing.T) {
	s := storeWithToolResults(t, 100, 1000)
	p := NewPruner(s, 256)

	if got := p.PruneAll(); got != 1 {
		t.Fatalf("pruned = %d, want 1", got)
	}
	contents := toolContents(s)
	if len(contents[0]) != 100 {
		t.Fatal("100-byte result below threshold must survive")
	}
	if contents[1] != PrunedPlaceholder {
		t.Fatalf("1000-byte result = %q, want placeholder", contents[1][:40])
	}
}

func TestPruneIdempotent(t *testing.T) {
	s := storeWithToolResults(t, 1000)
	p := NewPruner(s, 256)

	if got := p.PruneAll(); got != 1 {
		t.Fatalf("first prune = %d, want 1", got)
	}
	if got := p.PruneAll(); got != 0 {
		t.Fatalf("second prune = %d, want 0", got)
	}
}

func TestPruneOldest(t *testing.T) {
	s := storeWithToolResults(t, 1000, 1000, 1000)
	p := NewPruner(s, 256)

	if got := p.PruneOldest(2); got != 2 {
		t.Fatalf("pruned = %d, want 2", got)
	}
	contents := toolContents(s)
	if contents[0] != PrunedPlaceholder || contents[1] != PrunedPlaceholder {
		t.Fatal("oldest two should be pruned")
	}
	if contents[2] == PrunedPlaceholder {
		t.Fatal("newest should survive")
	}
}

func TestPruneOldestNegativeKeepsNewest(t *testing.T) {
	s := storeWithToolResults(t, 1000, 1000, 1000)
	p := NewPruner(s, 256)

	if got := p.PruneOldest(-1); got != 2 {
		t.Fatalf("pruned = %d, want 2", got)
	}
	contents := toolContents(s)
	if contents[2] == PrunedPlaceholder {
		t.Fatal("the single newest result must be kept")
	}
}

func TestPruneKeepNewestSaturates(t *testing.T) {
	s := storeWithToolResults(t, 1000, 1000)
	p := NewPruner(s, 256)

	if got := p.PruneKeepNewest(10); got != 0 {
		t.Fatalf("pruned = %d, want 0 when keep exceeds store size", got)
	}
	if got := p.PruneOldest(10); got != 2 {
		t.Fatalf("pruned = %d, want 2 when n exceeds store size", got)
	}
}

func TestPruneByTargetPercentage(t *testing.T) {
	s := storeWithToolResults(t, 4000, 2000, 100)
	p := NewPruner(s, 256)

	before := 0
	for _, c := range toolContents(s) {
		before += len(c)
	}

	report := p.PruneByTargetPercentage(50)
	if report.TotalSize != before {
		t.Fatalf("total size = %d, want %d", report.TotalSize, before)
	}
	if report.PrunedCount == 0 {
		t.Fatal("expected at least one eviction")
	}

	after := 0
	for _, c := range toolContents(s) {
		after += len(c)
	}
	if after > before {
		t.Fatalf("total bytes grew: %d -> %d", before, after)
	}
	// 最大的先淘汰
	if toolContents(s)[0] != PrunedPlaceholder {
		t.Fatal("largest result should be evicted first")
	}
}

func TestPruneByTargetPercentageInsufficientEligible(t *testing.T) {
	// 只有小结果，全部受保护
	s := storeWithToolResults(t, 100, 120)
	p := NewPruner(s, 256)

	report := p.PruneByTargetPercentage(90)
	if report.PrunedCount != 0 {
		t.Fatalf("pruned = %d, want 0", report.PrunedCount)
	}
	if report.ActualPercentage > 90 {
		t.Fatalf("actual percentage %f exceeds requested", report.ActualPercentage)
	}
}
