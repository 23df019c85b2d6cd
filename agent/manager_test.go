package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/smallnest/clawmem/compact"
	"github.com/smallnest/clawmem/conversation"
	"github.com/smallnest/clawmem/gateway"
	"github.com/smallnest/clawmem/providers"
	"github.com/smallnest/clawmem/session"
)

var _ gateway.Core = (*Manager)(nil)

type completeResult struct {
	resp *providers.Response
	err  error
}

// fakeProvider 按脚本依次返回 Complete 结果，Summarize 返回固定摘要
type fakeProvider struct {
	script  []completeResult
	calls   int
	summary string

	lastMessages []conversation.Message
}

func (f *fakeProvider) Complete(_ context.Context, messages []conversation.Message, _ []providers.ToolDefinition) (*providers.Response, error) {
	f.lastMessages = messages
	if f.calls >= len(f.script) {
		return &providers.Response{Content: "ok"}, nil
	}
	r := f.script[f.calls]
	f.calls++
	return r.resp, r.err
}

func (f *fakeProvider) Summarize(context.Context, string) (string, error) {
	if f.summary == "" {
		return strings.Repeat("the conversation so far covered several topics. ", 3), nil
	}
	return f.summary, nil
}

func (f *fakeProvider) Close() error { return nil }

func newTestManager(p providers.Provider, lim compact.Limits) *Manager {
	return NewManager(&ManagerConfig{
		Provider: p,
		Limits:   lim,
	})
}

func TestRunTurnBasic(t *testing.T) {
	p := &fakeProvider{script: []completeResult{
		{resp: &providers.Response{Content: "hello back"}},
	}}
	m := newTestManager(p, compact.Limits{ThresholdTokens: 100000})
	m.SetSystemPrompt("you are a coding assistant")

	resp, err := m.RunTurn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if resp.Content != "hello back" {
		t.Fatalf("content = %q", resp.Content)
	}

	msgs := m.Store().Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want system+user+assistant", len(msgs))
	}
	if msgs[2].Role != conversation.RoleAssistant || msgs[2].Content != "hello back" {
		t.Fatalf("last message = %+v", msgs[2])
	}
	// 发给模型的请求应包含系统提示与用户消息
	if len(p.lastMessages) != 2 {
		t.Fatalf("model saw %d messages, want 2", len(p.lastMessages))
	}
}

func TestRunTurnNonRetryableError(t *testing.T) {
	p := &fakeProvider{script: []completeResult{
		{err: errors.New("invalid api key")},
	}}
	m := newTestManager(p, compact.Limits{ThresholdTokens: 100000})

	if _, err := m.RunTurn(context.Background(), "hi"); err == nil {
		t.Fatal("expected error")
	}
	if p.calls != 1 {
		t.Fatalf("calls = %d, auth errors must not be retried", p.calls)
	}
}

func TestRunTurnContextOverflowRecovery(t *testing.T) {
	p := &fakeProvider{script: []completeResult{
		{err: errors.New("400: prompt is too long")},
		{resp: &providers.Response{Content: "recovered"}},
	}}
	m := newTestManager(p, compact.Limits{
		AutoCompactEnabled: false,
		ThresholdTokens:    100000,
		KeepLastRounds:     1,
	})

	// 预置可压缩的历史：多轮对话加一条大工具结果
	m.Store().AddSystem("assistant setup")
	for i := 0; i < 3; i++ {
		m.Store().AddUser("please run the build " + strings.Repeat("with verbose output ", 10))
		m.Store().AddAssistant("", []conversation.ToolCall{{ID: "call-1", Name: "exec"}})
		m.Store().AddToolResults(conversation.ToolResult{ToolCallID: "call-1", Content: strings.Repeat("build log line\n", 100)})
		m.Store().AddAssistant("build finished", nil)
	}

	resp, err := m.RunTurn(context.Background(), "and now?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if resp.Content != "recovered" {
		t.Fatalf("content = %q", resp.Content)
	}
	if p.calls != 2 {
		t.Fatalf("calls = %d, want overflow then retry", p.calls)
	}
	if m.engine.Compactions() != 1 {
		t.Fatalf("compactions = %d, want 1 forced compaction", m.engine.Compactions())
	}

	// 重试请求里应出现摘要消息
	found := false
	for _, msg := range p.lastMessages {
		if msg.IsSummary() {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("retry request should contain a summary message")
	}
}

func TestRunTurnOverflowWithNothingToCompact(t *testing.T) {
	p := &fakeProvider{script: []completeResult{
		{err: errors.New("input is too long for the model")},
	}}
	m := newTestManager(p, compact.Limits{ThresholdTokens: 100000})

	if _, err := m.RunTurn(context.Background(), "hi"); err == nil {
		t.Fatal("expected error when recovery has nothing to do")
	}
	if p.calls != 1 {
		t.Fatalf("calls = %d, no retry without successful recovery", p.calls)
	}
}

func TestAutoCompactBeforeModelCall(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(p, compact.Limits{
		AutoCompactEnabled: true,
		ThresholdTokens:    50,
		TriggerPercent:     85,
		KeepLastRounds:     1,
	})

	m.Store().AddUser("first question about the parser " + strings.Repeat("details ", 20))
	m.Store().AddAssistant("first answer "+strings.Repeat("explained ", 20), nil)
	m.Store().AddUser("second question")
	m.Store().AddAssistant("second answer", nil)

	if !m.NeedsCompaction() {
		t.Fatal("budget should be over trigger")
	}
	if _, err := m.RunTurn(context.Background(), "third question"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if m.engine.Compactions() != 1 {
		t.Fatalf("compactions = %d, want auto compaction before model call", m.engine.Compactions())
	}
}

func TestApplyLimitsUpdatesThreshold(t *testing.T) {
	m := newTestManager(&fakeProvider{}, compact.Limits{ThresholdTokens: 1000})
	m.Store().AddUser("hello there")

	m.ApplyLimits(compact.Limits{ThresholdTokens: 10})
	snap := m.Store().Snapshot()
	if snap.ThresholdTokens != 10 {
		t.Fatalf("threshold = %d, want 10", snap.ThresholdTokens)
	}
	if snap.Percent <= 0 {
		t.Fatal("percent should be recomputed against new threshold")
	}
}

func TestSetToolsAddsSchemaTokens(t *testing.T) {
	m := newTestManager(&fakeProvider{}, compact.Limits{ThresholdTokens: 1000})
	m.Store().AddUser("hello")
	before := m.Store().Snapshot().EstimatedTokens

	m.SetTools([]providers.ToolDefinition{{
		Name:        "exec",
		Description: "run a shell command in the workspace",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"cmd": map[string]interface{}{"type": "string"},
			},
		},
	}})

	after := m.Store().Snapshot().EstimatedTokens
	if after <= before {
		t.Fatalf("tokens %d -> %d, schema overhead should be counted", before, after)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sessions, err := session.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	p := &fakeProvider{script: []completeResult{
		{resp: &providers.Response{Content: "answer one"}},
	}}
	m := NewManager(&ManagerConfig{
		Provider: p,
		Sessions: sessions,
		Limits:   compact.Limits{ThresholdTokens: 100000},
	})
	if err := m.AttachSession("main"); err != nil {
		t.Fatalf("AttachSession: %v", err)
	}
	if _, err := m.RunTurn(context.Background(), "question one"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	// 新实例加载同一会话
	m2 := NewManager(&ManagerConfig{
		Provider: &fakeProvider{},
		Sessions: sessions,
		Limits:   compact.Limits{ThresholdTokens: 100000},
	})
	if err := m2.AttachSession("main"); err != nil {
		t.Fatalf("AttachSession: %v", err)
	}
	msgs := m2.Store().Messages()
	if len(msgs) != 2 {
		t.Fatalf("loaded %d messages, want 2", len(msgs))
	}
	if msgs[1].Content != "answer one" {
		t.Fatalf("loaded assistant = %q", msgs[1].Content)
	}
}

func TestStatsReflectsStore(t *testing.T) {
	m := newTestManager(&fakeProvider{}, compact.Limits{ThresholdTokens: 1000})
	m.Store().AddUser("q1")
	m.Store().AddAssistant("a1", nil)
	m.Store().AddUser("q2")

	st := m.Stats()
	if st.RoundCount != 2 {
		t.Fatalf("rounds = %d, want 2", st.RoundCount)
	}
	if st.MessageCount != 3 {
		t.Fatalf("messages = %d, want 3", st.MessageCount)
	}
	if st.ThresholdTokens != 1000 {
		t.Fatalf("threshold = %d", st.ThresholdTokens)
	}
}

func TestAddToolResultsAnchored(t *testing.T) {
	m := newTestManager(&fakeProvider{}, compact.Limits{ThresholdTokens: 1000})
	m.Store().AddUser("run it")
	m.Store().AddAssistant("", []conversation.ToolCall{{ID: "c1", Name: "exec"}})

	m.AddToolResults(conversation.ToolResult{ToolCallID: "c1", Content: "done"})

	msgs := m.Store().Messages()
	if len(msgs) != 3 || msgs[2].Role != conversation.RoleTool {
		t.Fatalf("tool result not anchored: %+v", msgs)
	}
	if m.ToolStats().Count != 1 {
		t.Fatalf("tool stats count = %d", m.ToolStats().Count)
	}
}
