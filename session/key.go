package session

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultKey 默认会话 key
const DefaultKey = "main"

// NewKey 生成新的唯一会话 key
func NewKey() string {
	return "session-" + uuid.NewString()
}

// SanitizeKey 把会话 key 转成安全的文件名片段
func SanitizeKey(key string) string {
	if key == "" {
		return DefaultKey
	}
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
	)
	return replacer.Replace(key)
}
