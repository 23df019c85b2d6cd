package cli

import (
	"fmt"

	"github.com/smallnest/clawmem/agent"
	"github.com/smallnest/clawmem/bus"
	"github.com/smallnest/clawmem/compact"
	"github.com/smallnest/clawmem/config"
	"github.com/smallnest/clawmem/providers"
	"github.com/smallnest/clawmem/session"
)

// limitsFromConfig 把配置映射为运行期参数
func limitsFromConfig(cfg *config.Config) compact.Limits {
	return compact.Limits{
		AutoCompactEnabled: cfg.Context.AutoCompactEnabled,
		ThresholdTokens:    cfg.Context.ThresholdTokens,
		TriggerPercent:     cfg.Context.TriggerPercent,
		KeepLastRounds:     cfg.Context.KeepLastRounds,
		ProtectBytes:       cfg.Context.ProtectBytes,
	}
}

// buildManager 按配置装配 Manager：模型后端、会话存储、事件总线、压缩存档
func buildManager(cfg *config.Config) (*agent.Manager, *bus.Bus, error) {
	provider, err := providers.NewProvider(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create provider: %w", err)
	}
	// 轮次处理与控制面压缩共用同一后端，限制并发
	limited := providers.NewLimitConcurrencyProvider(provider, 2)

	dataDir, err := config.GetDefaultDataDir()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve data dir: %w", err)
	}

	sessionsDir := cfg.Session.Store
	if sessionsDir == "" {
		sessionsDir = config.GetSessionsDir(dataDir)
	}
	sessions, err := session.NewFileStore(sessionsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("create session store: %w", err)
	}
	if cfg.Session.Reset != nil {
		policy := session.NewResetPolicy(
			cfg.Session.Reset.Mode,
			cfg.Session.Reset.AtHour,
			cfg.Session.Reset.IdleMinutes,
		)
		sessions.SetResetPolicy(&policy)
	}

	archivePath := cfg.Context.ArchivePath
	if archivePath == "" {
		archivePath = config.GetArchivePath(dataDir)
	}

	events := bus.New()
	mgr := agent.NewManager(&agent.ManagerConfig{
		Provider:    limited,
		Sessions:    sessions,
		Events:      events,
		Limits:      limitsFromConfig(cfg),
		ArchivePath: archivePath,
		Retry:       cfg.Provider.Retry,
	})
	return mgr, events, nil
}

// enableHotReload 打开配置热更新并把运行期参数变更应用到 Manager
func enableHotReload(mgr *agent.Manager) {
	configFile := config.ConfigFileUsed()
	if configFile == "" {
		return
	}
	if err := config.EnableHotReload(configFile); err != nil {
		return
	}
	_ = config.OnConfigChange(func(oldCfg, newCfg *config.Config) error {
		mgr.ApplyLimits(limitsFromConfig(newCfg))
		return nil
	})
}
