package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global *zap.Logger
	mu     sync.RWMutex
)

// Init 初始化全局日志器；debug 为 true 时输出 Debug 级别
func Init(debug bool) error {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	mu.Lock()
	global = l
	mu.Unlock()
	return nil
}

// get 返回全局日志器，未初始化时退化为 Nop
func get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return zap.NewNop()
	}
	return global
}

// Debug 输出 Debug 日志
func Debug(msg string, fields ...zap.Field) {
	get().Debug(msg, fields...)
}

// Info 输出 Info 日志
func Info(msg string, fields ...zap.Field) {
	get().Info(msg, fields...)
}

// Warn 输出 Warn 日志
func Warn(msg string, fields ...zap.Field) {
	get().Warn(msg, fields...)
}

// Error 输出 Error 日志
func Error(msg string, fields ...zap.Field) {
	get().Error(msg, fields...)
}

// Sync 刷新缓冲的日志
func Sync() {
	_ = get().Sync()
}
