package conversation

import (
	"fmt"
	"strings"
	"time"
)

// Role 消息角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ValidRole 判断角色是否为已知角色
func ValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// SummaryMessagePrefix 压缩摘要消息的保留前缀；以此开头的 user/assistant 消息视为摘要
const SummaryMessagePrefix = "[Previous conversation summary]: "

// ToolCall 工具调用
type ToolCall struct {
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"`
	Name      string `json:"function_name"`
	Arguments string `json:"arguments,omitempty"`
	Index     int    `json:"index"`
}

// Part 多模态内容片段；计量时只有 text 片段按字符计入
type Part struct {
	Type     string `json:"type"` // text, image
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
}

// Message 对话消息
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Parts      []Part     `json:"parts,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`  // 仅 assistant
	ToolCallID string     `json:"tool_call_id,omitempty"` // 仅 tool
	Timestamp  int64      `json:"timestamp,omitempty"`
}

// ToolResult 待写入的工具结果
type ToolResult struct {
	ToolCallID string
	Content    string
}

// NewSystemMessage 创建 system 消息
func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text, Timestamp: time.Now().UnixMilli()}
}

// NewUserMessage 创建纯文本 user 消息
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text, Timestamp: time.Now().UnixMilli()}
}

// NewUserPartsMessage 创建多模态 user 消息
func NewUserPartsMessage(parts []Part) Message {
	return Message{Role: RoleUser, Parts: parts, Timestamp: time.Now().UnixMilli()}
}

// NewAssistantMessage 创建 assistant 消息，toolCalls 可为 nil
func NewAssistantMessage(content string, toolCalls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls, Timestamp: time.Now().UnixMilli()}
}

// NewToolMessage 创建 tool 结果消息
func NewToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID, Timestamp: time.Now().UnixMilli()}
}

// NewSummaryMessage 创建带保留前缀的摘要消息
func NewSummaryMessage(text string) Message {
	return Message{Role: RoleUser, Content: SummaryMessagePrefix + text, Timestamp: time.Now().UnixMilli()}
}

// IsSummary 判断是否为摘要消息
func (m Message) IsSummary() bool {
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return false
	}
	return strings.HasPrefix(m.Content, SummaryMessagePrefix)
}

// Validate 校验角色与字段组合；非法消息不会进入 Store
func (m Message) Validate() error {
	if !ValidRole(m.Role) {
		return fmt.Errorf("unknown message role %q", m.Role)
	}
	if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
		return fmt.Errorf("tool_calls only valid on assistant messages, got role %q", m.Role)
	}
	if m.ToolCallID != "" && m.Role != RoleTool {
		return fmt.Errorf("tool_call_id only valid on tool messages, got role %q", m.Role)
	}
	return nil
}

// TextLen 返回计量用字符长度：content 加所有 text 片段
func (m Message) TextLen() int {
	n := len(m.Content)
	for _, p := range m.Parts {
		if p.Type == "text" {
			n += len(p.Text)
		}
	}
	return n
}

// canonical 返回稳定字段序的规范序列化形式，作为 token 估算缓存键。
// 不含 Timestamp：时间戳变化不影响计量。
func (m Message) canonical() string {
	var b strings.Builder
	b.WriteString(string(m.Role))
	b.WriteByte('\x1f')
	b.WriteString(m.Content)
	for _, p := range m.Parts {
		b.WriteByte('\x1f')
		b.WriteString(p.Type)
		b.WriteByte(':')
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	for _, tc := range m.ToolCalls {
		b.WriteByte('\x1f')
		b.WriteString(tc.ID)
		b.WriteByte('|')
		b.WriteString(tc.Name)
		b.WriteByte('|')
		b.WriteString(tc.Arguments)
	}
	if m.ToolCallID != "" {
		b.WriteString("\x1ftool_call_id:")
		b.WriteString(m.ToolCallID)
	}
	return b.String()
}
