package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaultDataDir 返回默认数据目录 ~/.clawmem
func GetDefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".clawmem"), nil
}

// GetConfigPath 返回默认配置文件路径
func GetConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.json")
}

// GetSessionsDir 返回会话持久化目录
func GetSessionsDir(dataDir string) string {
	return filepath.Join(dataDir, "sessions")
}

// GetArchivePath 返回压缩历史归档数据库路径
func GetArchivePath(dataDir string) string {
	return filepath.Join(dataDir, "compactions.db")
}
