package conversation

import (
	"sync"

	"github.com/smallnest/clawmem/internal/logger"
	"github.com/smallnest/clawmem/tokens"
	"go.uber.org/zap"
)

// BudgetSnapshot 预算快照，每次变更操作后重算，读取为 O(1)
type BudgetSnapshot struct {
	EstimatedTokens int     `json:"estimated_tokens"`
	ThresholdTokens int     `json:"threshold_tokens"`
	Percent         float64 `json:"percentage"`
}

// ToolStats 全部 tool 消息的聚合统计
type ToolStats struct {
	Count           int `json:"count"`
	TotalBytes      int `json:"total_bytes"`
	EstimatedTokens int `json:"total_estimated_tokens"`
}

// ToolView 供淘汰策略选择目标时使用的 tool 消息视图
type ToolView struct {
	Index int // Store 内的消息下标
	Size  int // 当前内容字节数
}

// Store 有序消息日志。持有全部消息的唯一所有权：
// 对外只给副本，消费方不跨阻塞点持有内部引用。
// 所有变更操作在同一把锁内完成（含控制面触发的修剪/压缩重建）。
type Store struct {
	mu            sync.Mutex
	messages      []Message
	initialSystem *Message // 首条 system 提示，clear 时恢复
	estimator     *tokens.Estimator
	threshold     int
	snapshot      BudgetSnapshot
}

// NewStore 创建消息日志；thresholdTokens 为预算阈值（0 表示未配置）
func NewStore(est *tokens.Estimator, thresholdTokens int) *Store {
	if est == nil {
		est = tokens.NewEstimator(nil)
	}
	return &Store{estimator: est, threshold: thresholdTokens}
}

// Estimator 返回底层估算器
func (s *Store) Estimator() *tokens.Estimator {
	return s.estimator
}

// AddSystem 追加 system 消息；首条 system 记为初始系统提示，clear 后保留
func (s *Store) AddSystem(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := NewSystemMessage(text)
	if s.initialSystem == nil {
		cp := msg
		s.initialSystem = &cp
	}
	s.messages = append(s.messages, msg)
	s.recomputeLocked()
}

// AddUser 追加纯文本 user 消息
func (s *Store) AddUser(text string) {
	s.appendLocked(NewUserMessage(text))
}

// AddUserParts 追加多模态 user 消息
func (s *Store) AddUserParts(parts []Part) {
	s.appendLocked(NewUserPartsMessage(parts))
}

// AddAssistant 追加 assistant 消息，toolCalls 可为 nil
func (s *Store) AddAssistant(content string, toolCalls []ToolCall) {
	s.appendLocked(NewAssistantMessage(content, toolCalls))
}

// AddSummary 追加带保留前缀的摘要消息
func (s *Store) AddSummary(text string) {
	s.appendLocked(NewSummaryMessage(text))
}

// Append 校验后追加任意消息；未知角色拒绝（丢弃并返回错误，Store 不受影响）
func (s *Store) Append(msg Message) error {
	if err := msg.Validate(); err != nil {
		logger.Warn("Rejecting invalid message", zap.Error(err))
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Role == RoleSystem && s.initialSystem == nil {
		cp := msg
		s.initialSystem = &cp
	}
	s.messages = append(s.messages, msg)
	s.recomputeLocked()
	return nil
}

func (s *Store) appendLocked(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.recomputeLocked()
}

// AddToolResults 写入一个或多个工具结果。
// 对每个结果从尾部向前找最近一条声明了匹配 id 的 assistant 消息，
// 插到它（及其已有 tool 结果）之后，而不是日志末尾——这样压缩摘要等
// 后来插入的消息不会把调用和结果隔开。找不到匹配时容错追加到末尾并记日志。
func (s *Store) AddToolResults(results ...ToolResult) {
	if len(results) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range results {
		msg := NewToolMessage(r.ToolCallID, r.Content)
		anchor := s.findAnchorLocked(r.ToolCallID)
		if anchor < 0 {
			logger.Warn("Tool result without matching tool call, appending at end",
				zap.String("tool_call_id", r.ToolCallID))
			s.messages = append(s.messages, msg)
			continue
		}
		// 跳过该 assistant 已有的 tool 结果，保持调用顺序
		pos := anchor + 1
		for pos < len(s.messages) && s.messages[pos].Role == RoleTool {
			pos++
		}
		s.messages = append(s.messages, Message{})
		copy(s.messages[pos+1:], s.messages[pos:])
		s.messages[pos] = msg
	}
	s.recomputeLocked()
}

// findAnchorLocked 从尾部向前找声明了 id 的最近 assistant 消息下标，找不到返回 -1
func (s *Store) findAnchorLocked(toolCallID string) int {
	if toolCallID == "" {
		return -1
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role != RoleAssistant {
			continue
		}
		for _, tc := range s.messages[i].ToolCalls {
			if tc.ID == toolCallID {
				return i
			}
		}
	}
	return -1
}

// SetMessages 批量替换（加载、压缩重建共用的唯一入口），随后立即做结构修复，
// 保证外部来源的列表也满足配对不变量。返回修复中删除的孤儿 tool 消息数。
func (s *Store) SetMessages(msgs []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	installed := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			logger.Warn("Dropping invalid message on bulk replace", zap.Error(err))
			continue
		}
		installed = append(installed, m)
	}
	s.messages = installed
	if s.initialSystem == nil {
		for i := range s.messages {
			if s.messages[i].Role == RoleSystem {
				cp := s.messages[i]
				s.initialSystem = &cp
				break
			}
		}
	}

	removed := s.repairLocked()
	s.estimator.ClearCache()
	s.recomputeLocked()
	return removed
}

// Clear 清空全部消息，仅保留初始系统提示；预算快照归零
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = nil
	if s.initialSystem != nil {
		s.messages = append(s.messages, *s.initialSystem)
	}
	s.estimator.ClearCache()
	s.recomputeLocked()
}

// RemoveOrphanToolResults 单遍扫描删除所有孤儿 tool 消息，返回删除数。
// 孤儿：无 tool_call_id，或 id 在所有前置 assistant 的工具调用里都找不到。
func (s *Store) RemoveOrphanToolResults() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeOrphansLocked()
	if removed > 0 {
		s.recomputeLocked()
	}
	return removed
}

func (s *Store) removeOrphansLocked() int {
	declared := make(map[string]bool)
	kept := s.messages[:0:0]
	removed := 0
	for _, m := range s.messages {
		if m.Role == RoleAssistant {
			for _, tc := range m.ToolCalls {
				declared[tc.ID] = true
			}
		}
		if m.Role == RoleTool {
			if m.ToolCallID == "" || !declared[m.ToolCallID] {
				removed++
				continue
			}
		}
		kept = append(kept, m)
	}
	s.messages = kept
	if removed > 0 {
		logger.Info("Removed orphan tool results", zap.Int("count", removed))
	}
	return removed
}

// repairLocked 结构修复：先删孤儿，再把每个 tool 结果重新锚定到
// 它来源的（最近的）assistant 调用之后，保持幸存者相对顺序。
func (s *Store) repairLocked() int {
	removed := s.removeOrphansLocked()

	// 每个 tool 结果的锚点：其原始位置之前最近的、声明了匹配 id 的 assistant
	type anchored struct {
		msg    Message
		anchor int // 原始列表中的 assistant 下标
	}
	var results []anchored
	lastDecl := make(map[string]int) // id -> 最近声明它的 assistant 下标
	for i, m := range s.messages {
		switch m.Role {
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				lastDecl[tc.ID] = i
			}
		case RoleTool:
			results = append(results, anchored{msg: m, anchor: lastDecl[m.ToolCallID]})
		}
	}
	if len(results) == 0 {
		return removed
	}

	rebuilt := make([]Message, 0, len(s.messages))
	for i, m := range s.messages {
		if m.Role == RoleTool {
			continue
		}
		rebuilt = append(rebuilt, m)
		if m.Role == RoleAssistant {
			for _, r := range results {
				if r.anchor == i {
					rebuilt = append(rebuilt, r.msg)
				}
			}
		}
	}
	s.messages = rebuilt
	return removed
}

// Messages 返回全部消息的副本
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len 返回消息数
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// RoundCount 返回轮次数
func (s *Store) RoundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countRounds(s.messages)
}

// ToolCallStats 聚合当前全部 tool 消息的统计
func (s *Store) ToolCallStats() ToolStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st ToolStats
	for i := range s.messages {
		if s.messages[i].Role != RoleTool {
			continue
		}
		st.Count++
		st.TotalBytes += len(s.messages[i].Content)
		st.EstimatedTokens += s.estimator.Estimate(s.messages[i].Content)
	}
	return st
}

// Snapshot 返回最近一次重算的预算快照
func (s *Store) Snapshot() BudgetSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// SetThresholdTokens 更新预算阈值（配置热更新）并重算快照
func (s *Store) SetThresholdTokens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = n
	s.recomputeLocked()
}

// PruneToolResults 在单个临界区内执行一次淘汰：select 基于当前 tool
// 消息视图挑选目标下标，选中的 tool 消息内容被替换为 placeholder。
// 选择与应用同锁完成，下标不会因并发变更漂移。返回实际替换条数。
func (s *Store) PruneToolResults(placeholder string, selectTargets func(tools []ToolView) []int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var views []ToolView
	for i := range s.messages {
		if s.messages[i].Role == RoleTool {
			views = append(views, ToolView{Index: i, Size: len(s.messages[i].Content)})
		}
	}
	if len(views) == 0 {
		return 0
	}

	pruned := 0
	for _, idx := range selectTargets(views) {
		if idx < 0 || idx >= len(s.messages) || s.messages[idx].Role != RoleTool {
			continue
		}
		if s.messages[idx].Content == placeholder {
			continue
		}
		s.messages[idx].Content = placeholder
		pruned++
	}
	if pruned > 0 {
		s.recomputeLocked()
	}
	return pruned
}

// recomputeLocked 重算预算快照
func (s *Store) recomputeLocked() {
	forms := make([]string, len(s.messages))
	for i := range s.messages {
		forms[i] = s.messages[i].canonical()
	}
	total := s.estimator.EstimateSerialized(forms)

	snap := BudgetSnapshot{EstimatedTokens: total, ThresholdTokens: s.threshold}
	if s.threshold > 0 {
		snap.Percent = float64(total) / float64(s.threshold) * 100
	}
	s.snapshot = snap
}
