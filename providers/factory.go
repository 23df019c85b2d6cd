package providers

import (
	"context"

	"github.com/smallnest/clawmem/config"
	"github.com/smallnest/clawmem/conversation"
)

// Provider 模型后端
type Provider interface {
	Complete(ctx context.Context, messages []conversation.Message, tools []ToolDefinition) (*Response, error)
	Summarize(ctx context.Context, transcript string) (string, error)
	Close() error
}

// NewProvider 根据配置创建模型后端
func NewProvider(cfg *config.Config) (Provider, error) {
	return NewOpenAIProvider(
		cfg.Provider.APIKey,
		cfg.Provider.BaseURL,
		cfg.Provider.Model,
		cfg.Provider.SummaryModel,
		cfg.Provider.MaxTokens,
	)
}
