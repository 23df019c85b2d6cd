package tokens

import (
	"math"
	"strings"
	"sync"
	"unicode"
)

// 字符分类权重：letter/digit/other 为除法权重，punct/whitespace 为乘法权重。
// 刻意不用 len/4 的粗估，阈值行为需要可复现。
const (
	letterDivisor     = 4.2
	digitDivisor      = 3.5
	otherDivisor      = 3.0
	punctMultiplier   = 1.0
	whitespaceMultiplier = 0.15
)

// asciiPunct 固定的 32 个 ASCII 标点符号
const asciiPunct = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// Cache token 估算的记忆化缓存，按消息规范序列化形式为键。
// 显式注入 Estimator，而不是进程级隐藏状态；批量替换消息后由调用方 Clear。
type Cache struct {
	mu      sync.Mutex
	entries map[string]int
}

// NewCache 创建缓存
func NewCache() *Cache {
	return &Cache{entries: make(map[string]int)}
}

// get 查缓存
func (c *Cache) get(key string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.entries[key]
	return n, ok
}

// put 写缓存
func (c *Cache) put(key string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = n
}

// Clear 清空缓存条目
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]int)
}

// Len 返回缓存条目数
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Estimator 加权字符类 token 估算器。
// toolSchemaTokens 是随每个请求发送的工具定义 schema 的固定 token 开销，
// 启动时设置一次；消息变更触发的 ClearCache 不影响它，只有 Reset 清除。
type Estimator struct {
	cache *Cache

	mu               sync.RWMutex
	toolSchemaTokens int
}

// NewEstimator 创建估算器；cache 为 nil 时内部新建
func NewEstimator(cache *Cache) *Estimator {
	if cache == nil {
		cache = NewCache()
	}
	return &Estimator{cache: cache}
}

// Estimate 估算文本的 token 数，恒 >= 0。
// 每个字符归入 letter/digit/punct/whitespace/other（含非 ASCII）五类之一，
// 按类别权重求和后四舍五入。
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}

	var letters, digits, puncts, spaces, others int
	for _, r := range text {
		switch {
		case r < 128 && unicode.IsLetter(r):
			letters++
		case r >= '0' && r <= '9':
			digits++
		case r < 128 && strings.ContainsRune(asciiPunct, r):
			puncts++
		case r < 128 && unicode.IsSpace(r):
			spaces++
		default:
			others++
		}
	}

	sum := float64(letters)/letterDivisor +
		float64(digits)/digitDivisor +
		float64(others)/otherDivisor +
		float64(puncts)*punctMultiplier +
		float64(spaces)*whitespaceMultiplier

	n := int(math.Round(sum))
	if n < 0 {
		return 0
	}
	return n
}

// EstimateSerialized 估算一组已序列化消息的总 token 数，外加一次工具 schema 开销。
// 相同序列化形式命中缓存，重复估算未变化的消息是 O(1)。
func (e *Estimator) EstimateSerialized(forms []string) int {
	total := 0
	for _, form := range forms {
		if n, ok := e.cache.get(form); ok {
			total += n
			continue
		}
		n := e.Estimate(form)
		e.cache.put(form, n)
		total += n
	}
	return total + e.ToolSchemaTokens()
}

// SetToolSchemaTokens 设置工具定义 schema 的固定 token 开销（启动时调用一次）
func (e *Estimator) SetToolSchemaTokens(n int) {
	if n < 0 {
		n = 0
	}
	e.mu.Lock()
	e.toolSchemaTokens = n
	e.mu.Unlock()
}

// ToolSchemaTokens 返回工具 schema 开销
func (e *Estimator) ToolSchemaTokens() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.toolSchemaTokens
}

// ClearCache 清空记忆化缓存；批量替换或清空消息后调用，避免陈旧条目
func (e *Estimator) ClearCache() {
	e.cache.Clear()
}

// Reset 完全重置：清缓存并清零工具 schema 开销
func (e *Estimator) Reset() {
	e.cache.Clear()
	e.mu.Lock()
	e.toolSchemaTokens = 0
	e.mu.Unlock()
}
