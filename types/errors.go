package types

import (
	"errors"
	"strings"
)

// ErrContextOverflow 模型调用因上下文超限失败。
// 调用链捕获它后触发一次强制淘汰加压缩再重试。
var ErrContextOverflow = errors.New("model context window exceeded")

// Reason 模型调用失败的归类
type Reason string

const (
	// ReasonAuth 认证错误
	ReasonAuth Reason = "auth"
	// ReasonRateLimit 速率限制
	ReasonRateLimit Reason = "rate_limit"
	// ReasonTimeout 超时
	ReasonTimeout Reason = "timeout"
	// ReasonContextOverflow 上下文溢出
	ReasonContextOverflow Reason = "context_overflow"
	// ReasonServerError 服务器错误（5xx）
	ReasonServerError Reason = "server_error"
	// ReasonNetworkError 网络错误
	ReasonNetworkError Reason = "network_error"
	// ReasonUnknown 未知错误
	ReasonUnknown Reason = "unknown"
)

// IsRetryable 判断错误类型是否可原样重试。
// 上下文溢出不在其中：重试前必须先压缩，由上层处理。
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonTimeout, ReasonRateLimit, ReasonServerError, ReasonNetworkError:
		return true
	default:
		return false
	}
}

// ErrorClassifier 错误分类器接口
type ErrorClassifier interface {
	ClassifyError(err error) Reason
}

// PatternClassifier 基于错误文本模式的分类器。
// 各家后端没有统一的结构化错误码，字符串匹配是现实可用的最大公约数。
type PatternClassifier struct {
	authPatterns            []string
	rateLimitPatterns       []string
	timeoutPatterns         []string
	serverErrorPatterns     []string
	networkErrorPatterns    []string
	contextOverflowPatterns []string
}

// NewPatternClassifier 创建模式分类器
func NewPatternClassifier() *PatternClassifier {
	return &PatternClassifier{
		authPatterns: []string{
			"invalid api key", "incorrect api key", "invalid token",
			"authentication", "unauthorized", "forbidden",
			"access denied", "401", "403",
		},
		rateLimitPatterns: []string{
			"rate limit", "too many requests", "429",
			"quota exceeded", "resource_exhausted", "overloaded",
		},
		timeoutPatterns: []string{
			"timeout", "timed out", "deadline exceeded",
			"gateway timeout", "504",
		},
		serverErrorPatterns: []string{
			"500", "502", "503",
			"internal server error", "bad gateway", "service unavailable",
		},
		networkErrorPatterns: []string{
			"connection refused", "connection reset", "no such host",
			"eof", "broken pipe", "connection closed",
		},
		contextOverflowPatterns: []string{
			"context length", "maximum context", "token limit",
			"context_length_exceeded", "tokens exceed",
			"prompt is too long", "input is too long",
		},
	}
}

// ClassifyError 分类错误，按从最具体到最一般的顺序匹配
func (c *PatternClassifier) ClassifyError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, ErrContextOverflow) {
		return ReasonContextOverflow
	}

	msg := strings.ToLower(err.Error())

	if c.matchesAny(msg, c.contextOverflowPatterns) {
		return ReasonContextOverflow
	}
	if c.matchesAny(msg, c.authPatterns) {
		return ReasonAuth
	}
	if c.matchesAny(msg, c.rateLimitPatterns) {
		return ReasonRateLimit
	}
	if c.matchesAny(msg, c.timeoutPatterns) {
		return ReasonTimeout
	}
	if c.matchesAny(msg, c.serverErrorPatterns) {
		return ReasonServerError
	}
	if c.matchesAny(msg, c.networkErrorPatterns) {
		return ReasonNetworkError
	}
	return ReasonUnknown
}

// IsContextOverflow 判断是否为上下文溢出错误
func (c *PatternClassifier) IsContextOverflow(err error) bool {
	return c.ClassifyError(err) == ReasonContextOverflow
}

func (c *PatternClassifier) matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
