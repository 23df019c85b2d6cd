package compact

import (
	"sort"

	"github.com/smallnest/clawmem/conversation"
	"github.com/smallnest/clawmem/internal/logger"
	"go.uber.org/zap"
)

// PrunedPlaceholder 淘汰后写入工具结果的占位文本
const PrunedPlaceholder = "[Old tool result content cleared due to memory compaction]"

// DefaultProtectBytes 默认的最小保护阈值
const DefaultProtectBytes = 256

// PruneReport 按目标百分比淘汰的结果
type PruneReport struct {
	PrunedCount      int     `json:"pruned_count"`
	TotalSize        int     `json:"total_size"`
	ActualPercentage float64 `json:"actual_percentage"`
}

// Pruner 工具结果淘汰策略。所有策略幂等：
// 已写入占位文本的消息不再满足资格检查，重复执行是空操作。
type Pruner struct {
	store        *conversation.Store
	protectBytes int
}

// NewPruner 创建淘汰器；protectBytes <= 0 时用默认值
func NewPruner(store *conversation.Store, protectBytes int) *Pruner {
	if protectBytes <= 0 {
		protectBytes = DefaultProtectBytes
	}
	return &Pruner{store: store, protectBytes: protectBytes}
}

// eligible 资格检查：内容必须同时长于占位文本和保护阈值，
// 否则淘汰只是把小内容换成等长或更长的占位符，得不偿失
func (p *Pruner) eligible(size int) bool {
	return size > len(PrunedPlaceholder) && size > p.protectBytes
}

// PruneAll 淘汰全部合格的工具结果，返回淘汰条数
func (p *Pruner) PruneAll() int {
	n := p.store.PruneToolResults(PrunedPlaceholder, func(tools []conversation.ToolView) []int {
		var targets []int
		for _, tv := range tools {
			if p.eligible(tv.Size) {
				targets = append(targets, tv.Index)
			}
		}
		return targets
	})
	if n > 0 {
		logger.Info("Pruned tool results", zap.Int("count", n))
	}
	return n
}

// PruneOldest 淘汰最老的 n 条工具结果；n < 0 解释为保留最新 |n| 条。
// n 超过存量时饱和为全部淘汰，不报错。
func (p *Pruner) PruneOldest(n int) int {
	if n < 0 {
		return p.PruneKeepNewest(-n)
	}
	if n == 0 {
		return 0
	}
	return p.store.PruneToolResults(PrunedPlaceholder, func(tools []conversation.ToolView) []int {
		limit := n
		if limit > len(tools) {
			limit = len(tools)
		}
		var targets []int
		for _, tv := range tools[:limit] {
			if p.eligible(tv.Size) {
				targets = append(targets, tv.Index)
			}
		}
		return targets
	})
}

// PruneKeepNewest 保留最新 keep 条工具结果，淘汰其余合格项。
// keep 超过存量时无事发生。
func (p *Pruner) PruneKeepNewest(keep int) int {
	if keep < 0 {
		keep = 0
	}
	return p.store.PruneToolResults(PrunedPlaceholder, func(tools []conversation.ToolView) []int {
		if keep >= len(tools) {
			return nil
		}
		var targets []int
		for _, tv := range tools[:len(tools)-keep] {
			if p.eligible(tv.Size) {
				targets = append(targets, tv.Index)
			}
		}
		return targets
	})
}

// PruneByTargetPercentage 按大小降序淘汰（先淘汰最大的，单次释放字节最多、
// 破坏的结果最少），直到剩余字节 <= 总字节 * (100-targetPct)/100。
// 合格内容不足时实际释放比例会低于请求值，如实上报。
func (p *Pruner) PruneByTargetPercentage(targetPct int) PruneReport {
	if targetPct < 0 {
		targetPct = 0
	}
	if targetPct > 100 {
		targetPct = 100
	}

	var report PruneReport
	p.store.PruneToolResults(PrunedPlaceholder, func(tools []conversation.ToolView) []int {
		total := 0
		for _, tv := range tools {
			total += tv.Size
		}
		report.TotalSize = total
		if total == 0 {
			return nil
		}

		sorted := make([]conversation.ToolView, len(tools))
		copy(sorted, tools)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size > sorted[j].Size })

		limit := total * (100 - targetPct) / 100
		remaining := total
		var targets []int
		for _, tv := range sorted {
			if remaining <= limit {
				break
			}
			if !p.eligible(tv.Size) {
				continue
			}
			targets = append(targets, tv.Index)
			remaining -= tv.Size - len(PrunedPlaceholder)
		}
		report.PrunedCount = len(targets)
		report.ActualPercentage = float64(total-remaining) / float64(total) * 100
		return targets
	})

	if report.PrunedCount > 0 {
		logger.Info("Pruned tool results by target percentage",
			zap.Int("target_pct", targetPct),
			zap.Int("pruned", report.PrunedCount),
			zap.Float64("actual_pct", report.ActualPercentage))
	}
	return report
}

// Stats 返回当前工具结果的聚合统计
func (p *Pruner) Stats() conversation.ToolStats {
	return p.store.ToolCallStats()
}
