package compact

import (
	"github.com/smallnest/clawmem/conversation"
)

// Limits 压缩与淘汰相关的运行期参数，来自配置层，可热更新
type Limits struct {
	AutoCompactEnabled bool
	ThresholdTokens    int
	TriggerPercent     int // 占用率达到该百分比才触发自动压缩
	KeepLastRounds     int // 压缩时保留的最近轮次数
	ProtectBytes       int // 小于该字节数的工具结果不淘汰
}

// Monitor 预算监控。无自有状态，是 Store 内容与配置在调用时刻的纯函数，
// 每次模型请求前调用的开销可以忽略。
type Monitor struct {
	store  *conversation.Store
	limits func() Limits
}

// NewMonitor 创建监控器；limits 每次调用时取最新配置
func NewMonitor(store *conversation.Store, limits func() Limits) *Monitor {
	return &Monitor{store: store, limits: limits}
}

// EstimateContext 返回当前预算快照
func (m *Monitor) EstimateContext() conversation.BudgetSnapshot {
	return m.store.Snapshot()
}

// ShouldAutoCompact 判断是否需要自动压缩：
// 开关打开、阈值为正、占用率达到触发线三者同时成立才返回 true
func (m *Monitor) ShouldAutoCompact() bool {
	lim := m.limits()
	if !lim.AutoCompactEnabled || lim.ThresholdTokens <= 0 {
		return false
	}
	snap := m.store.Snapshot()
	return snap.Percent >= float64(lim.TriggerPercent)
}
