package session

import (
	"strings"
	"time"
)

// ResetMode 重置模式：daily 按日重置，idle 按空闲时长
type ResetMode string

const (
	ResetModeDaily ResetMode = "daily"
	ResetModeIdle  ResetMode = "idle"
)

// DefaultResetAtHour 默认每日重置时刻（0-23）
const DefaultResetAtHour = 4

// ResetPolicy 会话重置策略
type ResetPolicy struct {
	Mode        ResetMode
	AtHour      int // 0-23，daily 时在当日该小时重置
	IdleMinutes int // idle 时多少分钟无活动视为不新鲜
}

// NewResetPolicy 从配置值构造策略；非法 mode 按 daily 处理，非法 atHour 取默认
func NewResetPolicy(mode string, atHour, idleMinutes int) ResetPolicy {
	m := ResetModeDaily
	if strings.ToLower(strings.TrimSpace(mode)) == "idle" {
		m = ResetModeIdle
	}
	if atHour < 0 || atHour > 23 {
		atHour = DefaultResetAtHour
	}
	return ResetPolicy{Mode: m, AtHour: atHour, IdleMinutes: idleMinutes}
}

// EvaluateSessionFreshness 根据策略判断会话是否仍为新鲜。
// 返回 true 表示新鲜（可复用该会话），false 表示应开启空白会话。
func EvaluateSessionFreshness(updatedAt, now time.Time, policy ResetPolicy) bool {
	if policy.Mode == ResetModeIdle && policy.IdleMinutes > 0 {
		return now.Sub(updatedAt) < time.Duration(policy.IdleMinutes)*time.Minute
	}
	if policy.Mode == ResetModeDaily && policy.AtHour >= 0 && policy.AtHour <= 23 {
		return !updatedAt.Before(lastDailyResetAt(now, policy.AtHour))
	}
	// 无有效策略时默认视为新鲜
	return true
}

// lastDailyResetAt 返回在 now 之前最近一次 atHour 时刻
func lastDailyResetAt(now time.Time, atHour int) time.Time {
	y, m, d := now.Date()
	reset := time.Date(y, m, d, atHour, 0, 0, 0, now.Location())
	if now.Before(reset) {
		reset = reset.AddDate(0, 0, -1)
	}
	return reset
}
