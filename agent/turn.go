package agent

import (
	"context"
	"fmt"

	"github.com/smallnest/clawmem/compact"
	"github.com/smallnest/clawmem/conversation"
	"github.com/smallnest/clawmem/internal/logger"
	"github.com/smallnest/clawmem/providers"
	"github.com/smallnest/clawmem/types"
	"go.uber.org/zap"
)

// preCompactKeepToolResults 自动压缩前先淘汰旧工具结果，保留最新几条。
// 先淘汰再摘要，大块工具输出不会整段进入摘要转写。
const preCompactKeepToolResults = 3

// RunTurn 处理一条用户消息：入库、按需自动压缩、调用模型、回写助手回复。
// 模型报上下文溢出时强制淘汰加压缩后重试一次。
func (m *Manager) RunTurn(ctx context.Context, userText string) (*providers.Response, error) {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()

	m.store.AddUser(userText)
	m.publishBudget()
	m.maybeAutoCompact(ctx)

	resp, err := m.completeWithRecovery(ctx)
	if err != nil {
		return nil, err
	}

	m.store.AddAssistant(resp.Content, resp.ToolCalls)
	m.persistSession()
	m.publishBudget()
	return resp, nil
}

// AddToolResults 写入工具执行结果并持久化
func (m *Manager) AddToolResults(results ...conversation.ToolResult) {
	m.store.AddToolResults(results...)
	m.persistSession()
	m.publishBudget()
}

// ContinueTurn 在工具结果写入后继续本轮：再次调用模型并回写助手回复
func (m *Manager) ContinueTurn(ctx context.Context) (*providers.Response, error) {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()

	m.maybeAutoCompact(ctx)

	resp, err := m.completeWithRecovery(ctx)
	if err != nil {
		return nil, err
	}

	m.store.AddAssistant(resp.Content, resp.ToolCalls)
	m.persistSession()
	m.publishBudget()
	return resp, nil
}

// maybeAutoCompact 达到触发线时先淘汰旧工具结果再压缩
func (m *Manager) maybeAutoCompact(ctx context.Context) {
	if !m.monitor.ShouldAutoCompact() {
		return
	}

	snap := m.store.Snapshot()
	logger.Info("Context budget over trigger, compacting",
		zap.Int("estimated_tokens", snap.EstimatedTokens),
		zap.Float64("percentage", snap.Percent))

	if pruned := m.currentPruner().PruneKeepNewest(preCompactKeepToolResults); pruned > 0 {
		logger.Info("Pruned old tool results before compaction", zap.Int("pruned", pruned))
		m.publishPrune(pruned)
	}

	outcome := m.engine.Compact(ctx)
	logger.Info("Auto compaction finished", zap.String("outcome", outcome.String()))
	m.afterCompaction(outcome)
}

// completeWithRecovery 调用模型；上下文溢出时强制腾挪后重试一次
func (m *Manager) completeWithRecovery(ctx context.Context) (*providers.Response, error) {
	resp, err := m.complete(ctx)
	if err == nil {
		return resp, nil
	}
	if !m.classifier.IsContextOverflow(err) {
		return nil, err
	}

	logger.Warn("Model rejected request with context overflow, forcing recovery", zap.Error(err))
	if !m.recoverFromOverflow(ctx) {
		return nil, fmt.Errorf("context overflow and nothing left to compact: %w", err)
	}

	resp, err = m.complete(ctx)
	if err != nil {
		return nil, fmt.Errorf("model call failed after forced compaction: %w", err)
	}
	return resp, nil
}

// complete 带重试策略地调用模型。溢出错误不在重试范围内，
// 由 completeWithRecovery 先压缩再重试。
func (m *Manager) complete(ctx context.Context) (*providers.Response, error) {
	if m.provider == nil {
		return nil, fmt.Errorf("no model provider configured")
	}
	return types.RetryWithResult(ctx, m.retry, func() (*providers.Response, error) {
		return m.provider.Complete(ctx, m.store.Messages(), m.toolDefs())
	})
}

// recoverFromOverflow 上下文溢出的强制腾挪：淘汰全部工具结果，
// 再强制压缩到只剩最近轮次。两者都无事可做时返回 false。
func (m *Manager) recoverFromOverflow(ctx context.Context) bool {
	pruned := m.currentPruner().PruneAll()
	if pruned > 0 {
		m.afterPrune(pruned)
	}

	// 负数表示保留最新 |n| 轮、压缩其余
	outcome := m.engine.ForceCompactRounds(ctx, -m.Limits().KeepLastRounds)
	m.afterCompaction(outcome)

	return outcome == compact.OutcomeCompacted || pruned > 0
}
