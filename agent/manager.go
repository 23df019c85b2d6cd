package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/smallnest/clawmem/bus"
	"github.com/smallnest/clawmem/compact"
	"github.com/smallnest/clawmem/conversation"
	"github.com/smallnest/clawmem/gateway"
	"github.com/smallnest/clawmem/internal/logger"
	"github.com/smallnest/clawmem/providers"
	"github.com/smallnest/clawmem/session"
	"github.com/smallnest/clawmem/types"
	"go.uber.org/zap"
)

// Manager 把消息存储、预算监控、淘汰器和压缩引擎装配成一个可运行的整体。
// 单实例对应单个活跃会话；轮次处理与控制面命令可以并发调用。
type Manager struct {
	store      *conversation.Store
	monitor    *compact.Monitor
	engine     *compact.Engine
	provider   providers.Provider
	sessions   *session.FileStore
	events     *bus.Bus
	retry      *types.RetryStrategy
	classifier *types.PatternClassifier

	limitsMu sync.RWMutex
	limits   compact.Limits
	pruner   *compact.Pruner

	toolsMu sync.RWMutex
	tools   []providers.ToolDefinition

	sessMu     sync.Mutex
	sessionKey string
	createdAt  time.Time

	// 轮次串行：同一时刻只处理一条用户消息
	turnMu sync.Mutex
}

// ManagerConfig Manager 装配参数
type ManagerConfig struct {
	Provider    providers.Provider
	Sessions    *session.FileStore // 可为 nil，此时不持久化
	Events      *bus.Bus           // 可为 nil，此时不发事件
	Limits      compact.Limits
	ArchivePath string             // 压缩存档 SQLite 路径，空表示不存档
	Retry       *types.RetryConfig // nil 使用默认重试策略
}

// NewManager 创建管理器
func NewManager(cfg *ManagerConfig) *Manager {
	lim := normalizeLimits(cfg.Limits)
	classifier := types.NewPatternClassifier()

	var retry *types.RetryStrategy
	if cfg.Retry != nil {
		retry = cfg.Retry.ToRetryStrategy(classifier)
	} else {
		retry = types.NewDefaultRetryStrategy(classifier)
	}

	store := conversation.NewStore(nil, lim.ThresholdTokens)

	m := &Manager{
		store:      store,
		provider:   cfg.Provider,
		sessions:   cfg.Sessions,
		events:     cfg.Events,
		retry:      retry,
		classifier: classifier,
		limits:     lim,
		pruner:     compact.NewPruner(store, lim.ProtectBytes),
		createdAt:  time.Now(),
	}
	m.monitor = compact.NewMonitor(store, m.Limits)
	m.engine = compact.NewEngine(store, cfg.Provider, m.Limits)

	if cfg.ArchivePath != "" {
		archive, err := compact.OpenArchive(cfg.ArchivePath)
		if err != nil {
			logger.Warn("Failed to open compaction archive, continuing without it",
				zap.String("path", cfg.ArchivePath), zap.Error(err))
		} else {
			m.engine.SetArchive(archive)
		}
	}

	return m
}

// normalizeLimits 填充零值参数的默认值
func normalizeLimits(lim compact.Limits) compact.Limits {
	if lim.TriggerPercent <= 0 {
		lim.TriggerPercent = 85
	}
	if lim.KeepLastRounds <= 0 {
		lim.KeepLastRounds = 2
	}
	if lim.ProtectBytes <= 0 {
		lim.ProtectBytes = compact.DefaultProtectBytes
	}
	return lim
}

// Limits 返回当前运行期参数（配置热更新后可变）
func (m *Manager) Limits() compact.Limits {
	m.limitsMu.RLock()
	defer m.limitsMu.RUnlock()
	return m.limits
}

// ApplyLimits 应用新的运行期参数，配置热更新回调里调用
func (m *Manager) ApplyLimits(lim compact.Limits) {
	lim = normalizeLimits(lim)

	m.limitsMu.Lock()
	m.limits = lim
	m.pruner = compact.NewPruner(m.store, lim.ProtectBytes)
	m.limitsMu.Unlock()

	m.store.SetThresholdTokens(lim.ThresholdTokens)
	logger.Info("Context limits updated",
		zap.Int("threshold_tokens", lim.ThresholdTokens),
		zap.Int("trigger_percent", lim.TriggerPercent),
		zap.Int("keep_last_rounds", lim.KeepLastRounds))
}

func (m *Manager) currentPruner() *compact.Pruner {
	m.limitsMu.RLock()
	defer m.limitsMu.RUnlock()
	return m.pruner
}

// Store 返回底层消息存储
func (m *Manager) Store() *conversation.Store {
	return m.store
}

// SetSystemPrompt 设置系统提示词
func (m *Manager) SetSystemPrompt(text string) {
	if text == "" {
		return
	}
	m.store.AddSystem(text)
}

// SetTools 注册工具定义并把 schema 的固定 token 开销计入估算器。
// schema 随每次请求发送，不属于任何消息，所以作为估算偏移而非消息存储。
func (m *Manager) SetTools(tools []providers.ToolDefinition) {
	m.toolsMu.Lock()
	m.tools = tools
	m.toolsMu.Unlock()

	raw, err := json.Marshal(tools)
	if err != nil {
		logger.Warn("Failed to serialize tool definitions for token estimate", zap.Error(err))
		return
	}
	est := m.store.Estimator()
	est.SetToolSchemaTokens(est.Estimate(string(raw)))
	// 触发一次重算，让快照立即包含 schema 开销
	m.store.SetThresholdTokens(m.Limits().ThresholdTokens)
}

func (m *Manager) toolDefs() []providers.ToolDefinition {
	m.toolsMu.RLock()
	defer m.toolsMu.RUnlock()
	return m.tools
}

// AttachSession 加载指定会话到消息存储。过期会话（按重置策略）从空白开始。
func (m *Manager) AttachSession(key string) error {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	key = session.SanitizeKey(key)
	m.sessionKey = key
	m.createdAt = time.Now()

	if m.sessions == nil {
		return nil
	}

	snap, err := m.sessions.LoadFresh(key, time.Now())
	if err != nil {
		return err
	}
	if snap == nil {
		logger.Info("Starting new session", zap.String("session_key", key))
		return nil
	}
	if !snap.CreatedAt.IsZero() {
		m.createdAt = snap.CreatedAt
	}
	removed := m.store.SetMessages(snap.Messages)
	logger.Info("Session loaded",
		zap.String("session_key", key),
		zap.Int("messages", len(snap.Messages)),
		zap.Int("dropped", removed))
	return nil
}

// SessionKey 返回当前会话键
func (m *Manager) SessionKey() string {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	return m.sessionKey
}

// persistSession 持久化当前消息到会话文件，失败只记日志
func (m *Manager) persistSession() {
	m.sessMu.Lock()
	key := m.sessionKey
	createdAt := m.createdAt
	m.sessMu.Unlock()

	if m.sessions == nil || key == "" {
		return
	}
	if err := m.sessions.Save(key, m.store.Messages(), createdAt); err != nil {
		logger.Error("Failed to save session",
			zap.String("session_key", key), zap.Error(err))
	}
}

func (m *Manager) publish(typ bus.EventType, data map[string]interface{}) {
	if m.events == nil {
		return
	}
	m.events.Publish(bus.Event{Type: typ, Data: data})
}

func (m *Manager) publishBudget() {
	snap := m.store.Snapshot()
	m.publish(bus.EventBudget, map[string]interface{}{
		"estimated_tokens": snap.EstimatedTokens,
		"threshold_tokens": snap.ThresholdTokens,
		"percentage":       snap.Percent,
	})
}

func (m *Manager) publishCompaction(outcome compact.Outcome) {
	snap := m.store.Snapshot()
	m.publish(bus.EventCompaction, map[string]interface{}{
		"outcome":          outcome.String(),
		"estimated_tokens": snap.EstimatedTokens,
		"percentage":       snap.Percent,
	})
}

func (m *Manager) publishPrune(pruned int) {
	m.publish(bus.EventPrune, map[string]interface{}{
		"pruned": pruned,
	})
}

// Close 收尾：保存会话并关闭模型后端
func (m *Manager) Close() error {
	m.persistSession()
	if m.provider != nil {
		return m.provider.Close()
	}
	return nil
}

// 以下方法实现 gateway.Core，控制面与 HTTP 网关通过它们触碰上下文状态。

// NeedsCompaction 判断是否达到自动压缩触发线
func (m *Manager) NeedsCompaction() bool {
	return m.monitor.ShouldAutoCompact()
}

// Compact 执行一次自动压缩
func (m *Manager) Compact(ctx context.Context) compact.Outcome {
	outcome := m.engine.Compact(ctx)
	m.afterCompaction(outcome)
	return outcome
}

// ForceCompactRounds 强制压缩最老的 n 轮（n<0 表示保留最新 |n| 轮、压缩其余）
func (m *Manager) ForceCompactRounds(ctx context.Context, n int) compact.Outcome {
	outcome := m.engine.ForceCompactRounds(ctx, n)
	m.afterCompaction(outcome)
	return outcome
}

// ForceCompactMessages 强制压缩最老的 n 条消息（n<0 表示保留最新 |n| 条）
func (m *Manager) ForceCompactMessages(ctx context.Context, n int) compact.Outcome {
	outcome := m.engine.ForceCompactMessages(ctx, n)
	m.afterCompaction(outcome)
	return outcome
}

func (m *Manager) afterCompaction(outcome compact.Outcome) {
	if outcome != compact.OutcomeCompacted {
		return
	}
	m.persistSession()
	m.publishCompaction(outcome)
	m.publishBudget()
}

// PruneAll 淘汰全部可淘汰的工具结果
func (m *Manager) PruneAll() int {
	pruned := m.currentPruner().PruneAll()
	m.afterPrune(pruned)
	return pruned
}

// PruneOldest 淘汰最旧的 n 条工具结果（n<0 表示保留最新 |n| 条）
func (m *Manager) PruneOldest(n int) int {
	pruned := m.currentPruner().PruneOldest(n)
	m.afterPrune(pruned)
	return pruned
}

func (m *Manager) afterPrune(pruned int) {
	if pruned <= 0 {
		return
	}
	m.persistSession()
	m.publishPrune(pruned)
	m.publishBudget()
}

// ToolStats 返回工具结果占用统计
func (m *Manager) ToolStats() conversation.ToolStats {
	return m.store.ToolCallStats()
}

// PruneOldSummaries 只保留最新一条摘要，返回移除条数
func (m *Manager) PruneOldSummaries() int {
	removed := m.engine.PruneOldSummaries()
	if removed > 0 {
		m.persistSession()
	}
	return removed
}

// Stats 返回控制面统计快照
func (m *Manager) Stats() gateway.Stats {
	snap := m.store.Snapshot()
	return gateway.Stats{
		RoundCount:      m.store.RoundCount(),
		MessageCount:    m.store.Len(),
		EstimatedTokens: snap.EstimatedTokens,
		ThresholdTokens: snap.ThresholdTokens,
		Percent:         snap.Percent,
		Compactions:     m.engine.Compactions(),
	}
}
