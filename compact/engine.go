package compact

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/smallnest/clawmem/conversation"
	"github.com/smallnest/clawmem/internal/logger"
	"go.uber.org/zap"
)

// Outcome 单次压缩的结果。压缩是尽力而为的：除 Compacted 外的所有结果
// 都保证 Store 原封不动，调用方按枚举分支而不是捕获错误。
type Outcome int

const (
	OutcomeCompacted Outcome = iota
	OutcomeNoCandidates
	OutcomeSummarizerFailed
	OutcomeSummaryRejected
	OutcomeCancelled
	OutcomeBusy
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompacted:
		return "compacted"
	case OutcomeNoCandidates:
		return "no candidates"
	case OutcomeSummarizerFailed:
		return "summarizer failed"
	case OutcomeSummaryRejected:
		return "summary rejected"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeBusy:
		return "busy"
	}
	return "unknown"
}

// Summarizer 压缩引擎依赖的外部摘要后端
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// 短于该长度的摘要视为退化输出，拒绝入库
const minSummaryChars = 50

// 消息数不超过该值时压缩必然无收益，直接空操作
const minCompactableMessages = 4

// Engine 压缩引擎。除单个"压缩进行中"守卫外无跨调用状态；
// 摘要网络往返期间守卫保持置位，重入请求立即拒绝而不是排队——
// 第二次压缩若基于已过期的分区重建，会悄悄复活第一次已折叠的轮次。
type Engine struct {
	store      *conversation.Store
	summarizer Summarizer
	limits     func() Limits
	archive    *Archive

	inProgress  atomic.Bool
	compactions atomic.Int64
}

// NewEngine 创建压缩引擎
func NewEngine(store *conversation.Store, summarizer Summarizer, limits func() Limits) *Engine {
	return &Engine{store: store, summarizer: summarizer, limits: limits}
}

// SetArchive 挂载压缩历史归档，nil 表示不归档
func (e *Engine) SetArchive(a *Archive) {
	e.archive = a
}

// Compactions 返回进程内累计压缩次数
func (e *Engine) Compactions() int64 {
	return e.compactions.Load()
}

// partition 顶部扫描的分区结果
type partition struct {
	system    *conversation.Message
	summaries []conversation.Message
	remaining []conversation.Message
}

func partitionMessages(msgs []conversation.Message) partition {
	var p partition
	for i := range msgs {
		m := msgs[i]
		switch {
		case i == 0 && m.Role == conversation.RoleSystem:
			cp := m
			p.system = &cp
		case m.IsSummary():
			p.summaries = append(p.summaries, m)
		default:
			p.remaining = append(p.remaining, m)
		}
	}
	return p
}

// Compact 自动压缩：保留最近 KeepLastRounds 轮，其余折叠为一条摘要。
// 没有可压缩轮次时返回 NoCandidates（空操作，不是错误）。
func (e *Engine) Compact(ctx context.Context) Outcome {
	if !e.inProgress.CompareAndSwap(false, true) {
		logger.Warn("Compaction already in progress, rejecting")
		return OutcomeBusy
	}
	defer e.inProgress.Store(false)

	msgs := e.store.Messages()
	if len(msgs) < minCompactableMessages {
		return OutcomeNoCandidates
	}
	part := partitionMessages(msgs)
	rounds := conversation.GroupRounds(part.remaining)

	keep := e.limits().KeepLastRounds
	if keep < 0 {
		keep = 0
	}
	if len(rounds) <= keep {
		return OutcomeNoCandidates
	}
	return e.compactRounds(ctx, part, rounds[:len(rounds)-keep], rounds[len(rounds)-keep:])
}

// ForceCompactRounds 绕过自动窗口，直接压缩最老的 n 轮。
// n < 0 解释为保留最新 |n| 轮、压缩其余；越界饱和处理，不会 panic。
func (e *Engine) ForceCompactRounds(ctx context.Context, n int) Outcome {
	if !e.inProgress.CompareAndSwap(false, true) {
		logger.Warn("Compaction already in progress, rejecting")
		return OutcomeBusy
	}
	defer e.inProgress.Store(false)

	part := partitionMessages(e.store.Messages())
	rounds := conversation.GroupRounds(part.remaining)

	if n < 0 {
		n = len(rounds) + n // 保留 |n| 轮
	}
	if n > len(rounds) {
		n = len(rounds)
	}
	if n <= 0 {
		return OutcomeNoCandidates
	}
	return e.compactRounds(ctx, part, rounds[:n], rounds[n:])
}

// ForceCompactMessages 按消息条数压缩最老的 n 条（可能切开轮次边界）。
// n < 0 解释为保留最新 |n| 条；越界饱和处理。
func (e *Engine) ForceCompactMessages(ctx context.Context, n int) Outcome {
	if !e.inProgress.CompareAndSwap(false, true) {
		logger.Warn("Compaction already in progress, rejecting")
		return OutcomeBusy
	}
	defer e.inProgress.Store(false)

	part := partitionMessages(e.store.Messages())
	remaining := part.remaining

	if n < 0 {
		n = len(remaining) + n
	}
	if n > len(remaining) {
		n = len(remaining)
	}
	if n <= 0 {
		return OutcomeNoCandidates
	}
	return e.rebuild(ctx, part, remaining[:n], remaining[n:])
}

func (e *Engine) compactRounds(ctx context.Context, part partition, candidates, kept []conversation.Round) Outcome {
	var candidateMsgs, keptMsgs []conversation.Message
	for _, r := range candidates {
		candidateMsgs = append(candidateMsgs, r.Messages...)
	}
	for _, r := range kept {
		keptMsgs = append(keptMsgs, r.Messages...)
	}
	return e.rebuild(ctx, part, candidateMsgs, keptMsgs)
}

// rebuild 摘要-校验-重建。失败路径一律原样返回，Store 不会处于半重建状态。
func (e *Engine) rebuild(ctx context.Context, part partition, candidates, kept []conversation.Message) Outcome {
	if len(candidates) == 0 {
		return OutcomeNoCandidates
	}

	transcript := buildTranscript(candidates)
	summary, err := e.summarizer.Summarize(ctx, transcript)
	if ctx.Err() != nil {
		logger.Warn("Compaction cancelled", zap.Error(ctx.Err()))
		return OutcomeCancelled
	}
	if err != nil {
		logger.Warn("Summarizer failed, store unchanged", zap.Error(err))
		return OutcomeSummarizerFailed
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		logger.Warn("Summarizer returned empty output, store unchanged")
		return OutcomeSummarizerFailed
	}
	if len(summary) < minSummaryChars {
		logger.Warn("Summary too short, rejecting",
			zap.Int("length", len(summary)), zap.Int("minimum", minSummaryChars))
		return OutcomeSummaryRejected
	}

	before := e.store.Snapshot().EstimatedTokens

	rebuilt := make([]conversation.Message, 0, 2+len(part.summaries)+len(kept))
	if part.system != nil {
		rebuilt = append(rebuilt, *part.system)
	}
	rebuilt = append(rebuilt, part.summaries...)
	rebuilt = append(rebuilt, conversation.NewSummaryMessage(summary))
	rebuilt = append(rebuilt, kept...)
	e.store.SetMessages(rebuilt)

	after := e.store.Snapshot().EstimatedTokens
	e.compactions.Add(1)
	logger.Info("Compacted conversation",
		zap.Int("messages_compacted", len(candidates)),
		zap.Int("tokens_before", before),
		zap.Int("tokens_after", after))

	if e.archive != nil {
		if err := e.archive.Record(Record{
			MessagesCompacted: len(candidates),
			Summary:           summary,
			TokensBefore:      before,
			TokensAfter:       after,
		}); err != nil {
			logger.Warn("Failed to archive compaction record", zap.Error(err))
		}
	}
	return OutcomeCompacted
}

// PruneOldSummaries 只保留最近一条摘要，删除其余，返回删除条数。
// 多次压缩累积出冗余摘要后用它收敛。
func (e *Engine) PruneOldSummaries() int {
	if !e.inProgress.CompareAndSwap(false, true) {
		logger.Warn("Compaction in progress, skipping summary prune")
		return 0
	}
	defer e.inProgress.Store(false)

	msgs := e.store.Messages()
	lastSummary := -1
	total := 0
	for i := range msgs {
		if msgs[i].IsSummary() {
			lastSummary = i
			total++
		}
	}
	if total <= 1 {
		return 0
	}

	kept := make([]conversation.Message, 0, len(msgs)-total+1)
	for i := range msgs {
		if msgs[i].IsSummary() && i != lastSummary {
			continue
		}
		kept = append(kept, msgs[i])
	}
	e.store.SetMessages(kept)
	removed := total - 1
	logger.Info("Pruned old summaries", zap.Int("removed", removed))
	return removed
}
