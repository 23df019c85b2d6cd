package bus

import (
	"sync"
	"time"
)

// EventType 事件类型
type EventType string

const (
	// EventBudget 预算快照更新
	EventBudget EventType = "budget"
	// EventCompaction 一次压缩完成
	EventCompaction EventType = "compaction"
	// EventPrune 一次工具结果淘汰完成
	EventPrune EventType = "prune"
)

// Event 上下文管理事件，广播给网关的 WebSocket 订阅者
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Bus 进程内事件总线。订阅者各持一个带缓冲通道，
// 发布非阻塞：通道满时丢弃该订阅者的事件而不是拖慢发布方。
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// New 创建事件总线
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe 订阅事件，返回接收通道和取消函数
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 16)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish 发布事件；时间戳为空时补当前时间
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// 慢订阅者丢事件
		}
	}
}

// SubscriberCount 当前订阅者数量
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
