package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/smallnest/clawmem/conversation"
	"github.com/smallnest/clawmem/internal/logger"
	"go.uber.org/zap"
)

// Snapshot 一个持久化会话的完整内容。
// 加载后必须经由消息日志的批量替换入口安装，让结构修复有机会运行。
type Snapshot struct {
	Key       string                 `json:"key"`
	Messages  []conversation.Message `json:"messages"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Info 会话列表项
type Info struct {
	Key          string    `json:"key"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// fileMetadata JSONL 文件首行的元数据记录
type fileMetadata struct {
	Type      string    `json:"_type"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileStore 基于 JSONL 文件的会话存储：首行元数据，之后每行一条消息。
// 写入先落临时文件再原子重命名，崩溃时旧文件完好。
type FileStore struct {
	dir    string
	mu     sync.Mutex
	policy *ResetPolicy
}

// NewFileStore 创建文件会话存储
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// SetResetPolicy 设置会话新鲜度策略；LoadFresh 按它判定是否丢弃过期会话
func (s *FileStore) SetResetPolicy(policy *ResetPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = policy
}

// Save 持久化一个会话
func (s *FileStore) Save(key string, msgs []conversation.Message, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.sessionPath(key)
	tmpPath := filePath + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}

	encoder := json.NewEncoder(file)
	meta := fileMetadata{
		Type:      "metadata",
		Key:       key,
		CreatedAt: createdAt,
		UpdatedAt: time.Now(),
	}
	if err := encoder.Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write session metadata: %w", err)
	}
	for _, msg := range msgs {
		if err := encoder.Encode(msg); err != nil {
			_ = file.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to write session message: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	// Windows 上句柄可能延迟释放，重试几次
	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		if attempt > 0 {
			time.Sleep(25 * time.Millisecond)
		}
		lastErr = os.Rename(tmpPath, filePath)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// Load 加载一个会话；文件不存在时返回 (nil, nil)
func (s *FileStore) Load(key string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(key)
}

func (s *FileStore) loadLocked(key string) (*Snapshot, error) {
	file, err := os.Open(s.sessionPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	snap := &Snapshot{Key: key}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			var meta fileMetadata
			if err := json.Unmarshal(line, &meta); err == nil && meta.Type == "metadata" {
				snap.CreatedAt = meta.CreatedAt
				snap.UpdatedAt = meta.UpdatedAt
				continue
			}
			// 无元数据行的旧文件，按消息解析
		}
		var msg conversation.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Warn("Skipping unparsable session line",
				zap.String("key", key), zap.Error(err))
			continue
		}
		snap.Messages = append(snap.Messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return snap, nil
}

// LoadFresh 加载会话并按重置策略判定新鲜度；过期会话不返回消息（只保留 key），
// 等价于开启一个空白会话
func (s *FileStore) LoadFresh(key string, now time.Time) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.loadLocked(key)
	if err != nil || snap == nil {
		return snap, err
	}
	if s.policy != nil && !EvaluateSessionFreshness(snap.UpdatedAt, now, *s.policy) {
		logger.Info("Session is stale, starting fresh",
			zap.String("key", key),
			zap.Time("updated_at", snap.UpdatedAt))
		return &Snapshot{Key: key, CreatedAt: now, UpdatedAt: now}, nil
	}
	return snap, nil
}

// List 列出全部会话，按更新时间倒序
func (s *FileStore) List() ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions directory: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		key := entry.Name()[:len(entry.Name())-len(".jsonl")]
		snap, err := s.loadLocked(key)
		if err != nil || snap == nil {
			continue
		}
		infos = append(infos, Info{
			Key:          key,
			UpdatedAt:    snap.UpdatedAt,
			MessageCount: len(snap.Messages),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt.After(infos[j].UpdatedAt) })
	return infos, nil
}

// Delete 删除一个会话文件
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.sessionPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *FileStore) sessionPath(key string) string {
	return filepath.Join(s.dir, SanitizeKey(key)+".jsonl")
}
