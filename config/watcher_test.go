package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")
	if err := os.WriteFile(configPath, []byte(`{}`), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if !cfg.Context.AutoCompactEnabled {
		t.Error("auto compact should default to enabled")
	}
	if cfg.Context.TriggerPercent != 85 {
		t.Errorf("trigger_percent = %d, want 85", cfg.Context.TriggerPercent)
	}
	if cfg.Context.KeepLastRounds != 2 {
		t.Errorf("keep_last_rounds = %d, want 2", cfg.Context.KeepLastRounds)
	}
	if cfg.Context.ProtectBytes != 256 {
		t.Errorf("protect_bytes = %d, want 256", cfg.Context.ProtectBytes)
	}
	if cfg.Gateway.ControlPort != 28790 {
		t.Errorf("control_port = %d, want 28790", cfg.Gateway.ControlPort)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(*Config) {}, false},
		{"trigger percent too high", func(c *Config) { c.Context.TriggerPercent = 150 }, true},
		{"negative threshold", func(c *Config) { c.Context.ThresholdTokens = -1 }, true},
		{"bad reset mode", func(c *Config) { c.Session.Reset = &SessionResetConfig{Mode: "weekly"} }, true},
		{"bad control port", func(c *Config) { c.Gateway.ControlPort = 70000 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Context: ContextConfig{TriggerPercent: 85, KeepLastRounds: 2, ProtectBytes: 256},
				Gateway: GatewayConfig{Port: 28789, ControlPort: 28790},
			}
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWatcher(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	initialConfig := `{
  "context": {
    "threshold_tokens": 50000,
    "trigger_percent": 85,
    "keep_last_rounds": 2
  },
  "gateway": {
    "host": "localhost",
    "port": 8080
  }
}`

	if err := os.WriteFile(configPath, []byte(initialConfig), 0644); err != nil {
		t.Fatalf("Failed to write initial config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Gateway.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.Gateway.Port)
	}
	if cfg.Context.ThresholdTokens != 50000 {
		t.Errorf("Expected threshold 50000, got %d", cfg.Context.ThresholdTokens)
	}

	watcher, err := NewWatcher(configPath)
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	defer watcher.Stop()

	var mu sync.Mutex
	var gotNew *Config
	watcher.OnChange(func(oldCfg, newCfg *Config) error {
		mu.Lock()
		gotNew = newCfg
		mu.Unlock()
		return nil
	})
	watcher.Start()

	updatedConfig := `{
  "context": {
    "threshold_tokens": 120000,
    "trigger_percent": 85,
    "keep_last_rounds": 3
  },
  "gateway": {
    "host": "localhost",
    "port": 8080
  }
}`
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(configPath, []byte(updatedConfig), 0644); err != nil {
		t.Fatalf("Failed to write updated config: %v", err)
	}

	// 防抖 500ms，留出余量
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := gotNew != nil
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotNew == nil {
		t.Fatal("change handler was not invoked")
	}
	if gotNew.Context.ThresholdTokens != 120000 {
		t.Errorf("reloaded threshold = %d, want 120000", gotNew.Context.ThresholdTokens)
	}
	if gotNew.Context.KeepLastRounds != 3 {
		t.Errorf("reloaded keep_last_rounds = %d, want 3", gotNew.Context.KeepLastRounds)
	}
}
