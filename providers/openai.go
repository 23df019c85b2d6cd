package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/smallnest/clawmem/conversation"
	"github.com/smallnest/clawmem/internal/logger"
	"go.uber.org/zap"
)

// ToolDefinition 暴露给模型的工具定义
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Usage 一次补全的 token 用量
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response 一次补全的结果
type Response struct {
	Content      string
	ToolCalls    []conversation.ToolCall
	FinishReason string
	Usage        Usage
}

// summarySystemPrompt 摘要请求的固定系统提示
const summarySystemPrompt = "You are a summarization assistant. Summarize the following conversation transcript concisely, preserving key facts, decisions, file names and open tasks. Output plain text only."

// OpenAIProvider OpenAI 兼容后端，同时承担对话补全和压缩摘要
type OpenAIProvider struct {
	client       openai.Client
	model        string
	summaryModel string
	baseURL      string
	maxTokens    int
}

// NewOpenAIProvider 创建 OpenAI provider；summaryModel 为空时摘要复用对话模型
func NewOpenAIProvider(apiKey, baseURL, model, summaryModel string, maxTokens int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if summaryModel == "" {
		summaryModel = model
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}

	return &OpenAIProvider{
		client:       openai.NewClient(clientOpts...),
		model:        model,
		summaryModel: summaryModel,
		baseURL:      baseURL,
		maxTokens:    maxTokens,
	}, nil
}

// Complete 发起一次对话补全
func (p *OpenAIProvider) Complete(ctx context.Context, messages []conversation.Message, tools []ToolDefinition) (*Response, error) {
	openAIMessages, err := convertMessagesToOpenAI(messages)
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}

	req := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: openAIMessages,
	}
	if p.maxTokens > 0 {
		req.MaxTokens = openai.Int(int64(p.maxTokens))
	}
	if len(tools) > 0 {
		req.Tools = convertToolsToOpenAI(tools)
	}

	completion, err := p.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned from model")
	}

	choice := completion.Choices[0]
	response := &Response{
		Content:      choice.Message.Content,
		ToolCalls:    parseOpenAIToolCalls(choice.Message.ToolCalls),
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}
	if response.FinishReason == "" {
		response.FinishReason = "stop"
	}
	return response, nil
}

// Summarize 把转写文本交给摘要模型，返回纯文本摘要
func (p *OpenAIProvider) Summarize(ctx context.Context, transcript string) (string, error) {
	req := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.summaryModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(summarySystemPrompt),
			openai.UserMessage(transcript),
		},
	}
	if p.maxTokens > 0 {
		req.MaxTokens = openai.Int(int64(p.maxTokens))
	}

	completion, err := p.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return "", fmt.Errorf("summarization request failed: %w", err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from summary model")
	}

	summary := strings.TrimSpace(completion.Choices[0].Message.Content)
	logger.Debug("Summarization completed",
		zap.Int("transcript_chars", len(transcript)),
		zap.Int("summary_chars", len(summary)))
	return summary, nil
}

// Close 释放资源
func (p *OpenAIProvider) Close() error {
	return nil
}

func convertMessagesToOpenAI(messages []conversation.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		converted, err := convertMessageToOpenAI(msg)
		if err != nil {
			return nil, err
		}
		result = append(result, converted)
	}
	return result, nil
}

func convertMessageToOpenAI(msg conversation.Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch msg.Role {
	case conversation.RoleSystem:
		return openai.SystemMessage(msg.Content), nil
	case conversation.RoleUser:
		if len(msg.Parts) == 0 {
			return openai.UserMessage(msg.Content), nil
		}

		parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Parts)+1)
		if msg.Content != "" {
			parts = append(parts, openai.TextContentPart(msg.Content))
		}
		for _, part := range msg.Parts {
			switch part.Type {
			case "text":
				parts = append(parts, openai.TextContentPart(part.Text))
			case "image":
				if part.URL == "" {
					continue
				}
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: part.URL,
				}))
			}
		}
		if len(parts) == 0 {
			parts = append(parts, openai.TextContentPart(""))
		}
		return openai.UserMessage(parts), nil
	case conversation.RoleAssistant:
		return convertAssistantMessageToOpenAI(msg), nil
	case conversation.RoleTool:
		if msg.ToolCallID == "" {
			return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("tool message is missing tool_call_id")
		}
		return openai.ToolMessage(msg.Content, msg.ToolCallID), nil
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unknown message role %q", msg.Role)
	}
}

func convertAssistantMessageToOpenAI(msg conversation.Message) openai.ChatCompletionMessageParamUnion {
	if len(msg.ToolCalls) == 0 {
		return openai.AssistantMessage(msg.Content)
	}

	assistant := openai.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" {
		assistant.Content.OfString = openai.String(msg.Content)
	}

	assistant.ToolCalls = make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		rawArgs := tc.Arguments
		if rawArgs == "" {
			rawArgs = "{}"
		}

		toolCallID := tc.ID
		if toolCallID == "" {
			toolCallID = fmt.Sprintf("call_%d", i)
		}

		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: toolCallID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: rawArgs,
			},
		})
	}

	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func convertToolsToOpenAI(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	result := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, tool := range tools {
		function := shared.FunctionDefinitionParam{
			Name: tool.Name,
		}
		if tool.Description != "" {
			function.Description = openai.String(tool.Description)
		}
		if len(tool.Parameters) > 0 {
			function.Parameters = shared.FunctionParameters(tool.Parameters)
		}

		result = append(result, openai.ChatCompletionToolParam{
			Function: function,
		})
	}
	return result
}

func parseOpenAIToolCalls(toolCalls []openai.ChatCompletionMessageToolCall) []conversation.ToolCall {
	if len(toolCalls) == 0 {
		return nil
	}

	result := make([]conversation.ToolCall, 0, len(toolCalls))
	for i, tc := range toolCalls {
		result = append(result, conversation.ToolCall{
			ID:        tc.ID,
			Type:      "function",
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
			Index:     i,
		})
	}
	return result
}
