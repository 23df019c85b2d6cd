package config

import (
	"fmt"

	"github.com/smallnest/clawmem/types"
)

// Config 是主配置结构
type Config struct {
	Provider ProviderConfig `mapstructure:"provider" json:"provider"`
	Context  ContextConfig  `mapstructure:"context" json:"context"`
	Gateway  GatewayConfig  `mapstructure:"gateway" json:"gateway"`
	Session  SessionConfig  `mapstructure:"session" json:"session"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
}

// ProviderConfig 模型后端配置，同一后端同时承担对话补全和压缩摘要
type ProviderConfig struct {
	APIKey       string             `mapstructure:"api_key" json:"api_key"`
	BaseURL      string             `mapstructure:"base_url" json:"base_url"`             // 空则使用官方端点
	Model        string             `mapstructure:"model" json:"model"`                   // 对话模型
	SummaryModel string             `mapstructure:"summary_model" json:"summary_model"`   // 摘要模型，空则复用对话模型
	MaxTokens    int                `mapstructure:"max_tokens" json:"max_tokens"`         // 单次补全的输出上限
	Retry        *types.RetryConfig `mapstructure:"retry" json:"retry"`
}

// ContextConfig 上下文窗口管理配置
type ContextConfig struct {
	AutoCompactEnabled bool   `mapstructure:"auto_compact_enabled" json:"auto_compact_enabled"`
	ThresholdTokens    int    `mapstructure:"threshold_tokens" json:"threshold_tokens"`       // 预算阈值，0 表示不启用预算
	TriggerPercent     int    `mapstructure:"trigger_percent" json:"trigger_percent"`         // 占用率达到该百分比触发自动压缩，默认 85
	KeepLastRounds     int    `mapstructure:"keep_last_rounds" json:"keep_last_rounds"`       // 压缩保留的最近轮次，默认 2
	ProtectBytes       int    `mapstructure:"protect_bytes" json:"protect_bytes"`             // 小于该字节数的工具结果不淘汰，默认 256
	ArchivePath        string `mapstructure:"archive_path" json:"archive_path"`               // 压缩历史 sqlite 文件，空则不归档
}

// GatewayConfig 网关与控制面配置
type GatewayConfig struct {
	Host         string `mapstructure:"host" json:"host"`
	Port         int    `mapstructure:"port" json:"port"` // HTTP 网关端口（/health /api/stats /ws）
	ControlHost  string `mapstructure:"control_host" json:"control_host"`
	ControlPort  int    `mapstructure:"control_port" json:"control_port"` // 控制面行协议端口
	ReadTimeout  int    `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout" json:"write_timeout"`
}

// SessionConfig 会话持久化配置
type SessionConfig struct {
	Store string              `mapstructure:"store" json:"store"` // 会话文件目录，空则使用默认路径
	Reset *SessionResetConfig `mapstructure:"reset" json:"reset"` // 会话新鲜度重置策略
}

// SessionResetConfig 会话重置策略
type SessionResetConfig struct {
	Mode        string `mapstructure:"mode" json:"mode"`                 // daily | idle
	AtHour      int    `mapstructure:"at_hour" json:"at_hour"`           // daily 时 0-23，默认 4
	IdleMinutes int    `mapstructure:"idle_minutes" json:"idle_minutes"` // idle 时多少分钟无活动则视为不新鲜
}

// LogConfig 日志配置
type LogConfig struct {
	Debug bool `mapstructure:"debug" json:"debug"`
}

// Normalize 把零值字段填成默认值，加载后调用一次
func (c *ContextConfig) Normalize() {
	if c.TriggerPercent <= 0 {
		c.TriggerPercent = 85
	}
	if c.KeepLastRounds <= 0 {
		c.KeepLastRounds = 2
	}
	if c.ProtectBytes <= 0 {
		c.ProtectBytes = 256
	}
}

// Validate 校验配置合法性
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Context.TriggerPercent < 0 || cfg.Context.TriggerPercent > 100 {
		return fmt.Errorf("context.trigger_percent must be in [0, 100], got %d", cfg.Context.TriggerPercent)
	}
	if cfg.Context.ThresholdTokens < 0 {
		return fmt.Errorf("context.threshold_tokens must be >= 0, got %d", cfg.Context.ThresholdTokens)
	}
	if cfg.Context.KeepLastRounds < 0 {
		return fmt.Errorf("context.keep_last_rounds must be >= 0, got %d", cfg.Context.KeepLastRounds)
	}
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be in [0, 65535], got %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.ControlPort < 0 || cfg.Gateway.ControlPort > 65535 {
		return fmt.Errorf("gateway.control_port must be in [0, 65535], got %d", cfg.Gateway.ControlPort)
	}
	if r := cfg.Session.Reset; r != nil {
		switch r.Mode {
		case "", "daily", "idle":
		default:
			return fmt.Errorf("session.reset.mode must be daily or idle, got %q", r.Mode)
		}
		if r.AtHour < 0 || r.AtHour > 23 {
			return fmt.Errorf("session.reset.at_hour must be in [0, 23], got %d", r.AtHour)
		}
	}
	return nil
}
