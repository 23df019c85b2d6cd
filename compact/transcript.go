package compact

import (
	"strings"

	"github.com/smallnest/clawmem/conversation"
	"github.com/tidwall/gjson"
)

// 单条工具结果进入摘要请求前的安全截断长度，
// 防止一个超大结果撑爆摘要请求自身的预算
const transcriptToolResultCutoff = 2000

const transcriptTruncatedMarker = "... [truncated for summarization]"

// buildTranscript 把待压缩消息摊平成带角色标签的纯文本转写，
// 工具调用参数内联渲染，超长工具结果按 cutoff 截断
func buildTranscript(msgs []conversation.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleSystem:
			b.WriteString("System: ")
			b.WriteString(m.Content)
		case conversation.RoleUser:
			b.WriteString("User: ")
			b.WriteString(messageText(m))
		case conversation.RoleAssistant:
			b.WriteString("Assistant: ")
			b.WriteString(m.Content)
			for _, tc := range m.ToolCalls {
				b.WriteString("\n  [tool call ")
				b.WriteString(tc.Name)
				b.WriteString("(")
				b.WriteString(renderArguments(tc.Arguments))
				b.WriteString(")]")
			}
		case conversation.RoleTool:
			b.WriteString("Tool result: ")
			b.WriteString(truncateToolResult(m.Content, transcriptToolResultCutoff))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// messageText 取消息的文本内容；多模态消息拼接全部 text 片段，
// 非文本片段以类型占位
func messageText(m conversation.Message) string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	b.WriteString(m.Content)
	for _, p := range m.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		} else {
			b.WriteString("[")
			b.WriteString(p.Type)
			b.WriteString("]")
		}
	}
	return b.String()
}

// renderArguments 内联渲染工具调用参数。合法 JSON 对象渲染成 key=value
// 列表更省 token；其余原样输出
func renderArguments(args string) string {
	if args == "" {
		return ""
	}
	parsed := gjson.Parse(args)
	if !parsed.IsObject() {
		return args
	}
	var pairs []string
	parsed.ForEach(func(key, value gjson.Result) bool {
		pairs = append(pairs, key.String()+"="+value.String())
		return true
	})
	return strings.Join(pairs, ", ")
}

// truncateToolResult 截断超长工具结果并附截断标记
func truncateToolResult(content string, cutoff int) string {
	if len(content) <= cutoff {
		return content
	}
	return content[:cutoff] + transcriptTruncatedMarker
}
