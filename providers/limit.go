package providers

import (
	"context"

	"github.com/smallnest/clawmem/conversation"
)

// LimitConcurrencyProvider 包装 Provider，限制并发模型调用数。
// 轮询循环和控制面触发的压缩共用同一个后端，不限流时可能互相挤兑。
type LimitConcurrencyProvider struct {
	inner Provider
	sem   chan struct{} // 信号量，cap = maxConcurrent
}

// NewLimitConcurrencyProvider 创建限流包装。maxConcurrent 必须 >= 1。
func NewLimitConcurrencyProvider(inner Provider, maxConcurrent int) *LimitConcurrencyProvider {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &LimitConcurrencyProvider{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (p *LimitConcurrencyProvider) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *LimitConcurrencyProvider) release() {
	<-p.sem
}

// Complete 实现 Provider
func (p *LimitConcurrencyProvider) Complete(ctx context.Context, messages []conversation.Message, tools []ToolDefinition) (*Response, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()
	return p.inner.Complete(ctx, messages, tools)
}

// Summarize 实现 Provider
func (p *LimitConcurrencyProvider) Summarize(ctx context.Context, transcript string) (string, error) {
	if err := p.acquire(ctx); err != nil {
		return "", err
	}
	defer p.release()
	return p.inner.Summarize(ctx, transcript)
}

// Close 实现 Provider
func (p *LimitConcurrencyProvider) Close() error {
	return p.inner.Close()
}
