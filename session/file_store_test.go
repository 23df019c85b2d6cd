package session

import (
	"testing"
	"time"

	"github.com/smallnest/clawmem/conversation"
)

func TestFileStoreSaveAndLoad(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	msgs := []conversation.Message{
		conversation.NewSystemMessage("prompt"),
		conversation.NewUserMessage("hello"),
		conversation.NewAssistantMessage("", []conversation.ToolCall{{ID: "c1", Name: "exec", Arguments: `{"cmd":"ls"}`}}),
		conversation.NewToolMessage("c1", "a.go"),
	}
	created := time.Now().Add(-time.Hour)
	if err := store.Save("main", msgs, created); err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, err := store.Load("main")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap == nil {
		t.Fatal("Load returned nil for existing session")
	}
	if len(snap.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(snap.Messages))
	}
	if snap.Messages[2].ToolCalls[0].ID != "c1" {
		t.Fatal("tool calls not round-tripped")
	}
	if snap.Messages[3].ToolCallID != "c1" {
		t.Fatal("tool_call_id not round-tripped")
	}
}

func TestFileStoreLoadMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	snap, err := store.Load("nope")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap != nil {
		t.Fatal("expected nil snapshot for missing session")
	}
}

func TestFileStoreLoadFreshStaleSession(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	policy := NewResetPolicy("idle", 0, 30)
	store.SetResetPolicy(&policy)

	msgs := []conversation.Message{conversation.NewUserMessage("old talk")}
	if err := store.Save("main", msgs, time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Save 把 UpdatedAt 写成当前时间，手动前移 now 让会话过期
	snap, err := store.LoadFresh("main", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("LoadFresh: %v", err)
	}
	if snap == nil {
		t.Fatal("expected a snapshot")
	}
	if len(snap.Messages) != 0 {
		t.Fatalf("stale session should come back empty, got %d messages", len(snap.Messages))
	}
}

func TestFileStoreListAndDelete(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	now := time.Now()
	store.Save("a", []conversation.Message{conversation.NewUserMessage("1")}, now)
	store.Save("b", []conversation.Message{conversation.NewUserMessage("1"), conversation.NewAssistantMessage("2", nil)}, now)

	infos, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("sessions = %d, want 2", len(infos))
	}

	if err := store.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	infos, _ = store.List()
	if len(infos) != 1 || infos[0].Key != "b" {
		t.Fatalf("after delete: %+v", infos)
	}
}

func TestEvaluateSessionFreshness(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		updatedAt time.Time
		policy    ResetPolicy
		want      bool
	}{
		{"idle fresh", now.Add(-10 * time.Minute), NewResetPolicy("idle", 0, 60), true},
		{"idle stale", now.Add(-90 * time.Minute), NewResetPolicy("idle", 0, 60), false},
		{"daily fresh after reset", now.Add(-time.Hour), NewResetPolicy("daily", 4, 0), true},
		{"daily stale before reset", now.Add(-12 * time.Hour), NewResetPolicy("daily", 4, 0), false},
		{"no policy defaults fresh", now.Add(-100 * time.Hour), ResetPolicy{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateSessionFreshness(tt.updatedAt, now, tt.policy); got != tt.want {
				t.Fatalf("EvaluateSessionFreshness = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSanitizeKey(t *testing.T) {
	if got := SanitizeKey("agent:main/chat 1"); got != "agent_main_chat_1" {
		t.Fatalf("SanitizeKey = %q", got)
	}
	if got := SanitizeKey(""); got != DefaultKey {
		t.Fatalf("SanitizeKey(\"\") = %q, want %q", got, DefaultKey)
	}
}
