package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

var globalConfig *Config
var globalConfigMu sync.RWMutex
var lastConfigFile string // 上次 Load 实际使用的配置文件路径，供排查用
var configWatcher *Watcher

// ConfigFileUsed 返回上次 Load 时实际使用的配置文件路径（可能为空，如仅用默认值或环境变量）
func ConfigFileUsed() string {
	return lastConfigFile
}

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 默认配置文件路径：~/.clawmem/config.json
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(home, ".clawmem"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("json")
	}

	// 环境变量前缀（如 CLAWMEM_CONTEXT_THRESHOLD_TOKENS 覆盖 context.threshold_tokens）
	v.SetEnvPrefix("CLAWMEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// 配置文件不存在，使用默认值和环境变量
	}
	lastConfigFile = v.ConfigFileUsed()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Context.Normalize()

	globalConfigMu.Lock()
	globalConfig = &cfg
	globalConfigMu.Unlock()

	return &cfg, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// Provider 默认配置
	v.SetDefault("provider.model", "gpt-4o-mini")
	v.SetDefault("provider.max_tokens", 8192)

	// 上下文管理默认配置
	v.SetDefault("context.auto_compact_enabled", true)
	v.SetDefault("context.threshold_tokens", 100000)
	v.SetDefault("context.trigger_percent", 85)
	v.SetDefault("context.keep_last_rounds", 2)
	v.SetDefault("context.protect_bytes", 256)

	// Gateway 默认配置
	v.SetDefault("gateway.host", "localhost")
	v.SetDefault("gateway.port", 28789)
	v.SetDefault("gateway.control_host", "127.0.0.1")
	v.SetDefault("gateway.control_port", 28790)
	v.SetDefault("gateway.read_timeout", 30)
	v.SetDefault("gateway.write_timeout", 30)

	// 会话默认配置
	v.SetDefault("session.reset.mode", "daily")
	v.SetDefault("session.reset.at_hour", 4)
	v.SetDefault("session.reset.idle_minutes", 60)
}

// Save 保存配置到文件
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Get 获取全局配置
func Get() *Config {
	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// Set 设置全局配置（用于热重载）
func Set(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// EnableHotReload 启用配置热重载
func EnableHotReload(configPath string) error {
	if configWatcher != nil {
		return fmt.Errorf("hot reload already enabled")
	}

	watcher, err := NewWatcher(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	configWatcher = watcher
	configWatcher.Start()
	return nil
}

// DisableHotReload 禁用配置热重载
func DisableHotReload() error {
	if configWatcher == nil {
		return nil
	}

	if err := configWatcher.Stop(); err != nil {
		return fmt.Errorf("failed to stop config watcher: %w", err)
	}

	configWatcher = nil
	return nil
}

// OnConfigChange 注册配置变更处理函数
func OnConfigChange(handler ChangeHandler) error {
	if configWatcher == nil {
		return fmt.Errorf("hot reload not enabled")
	}

	configWatcher.OnChange(handler)
	return nil
}
