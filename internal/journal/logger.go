package journal

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm/logger"

	applog "netgate/internal/logger"
)

type requestIDKey struct{}

// WithRequestID 在 ctx 中携带请求ID，SQL 日志会带上该字段
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) any {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// GormLogger 把 GORM 日志桥接到应用日志
type GormLogger struct {
	applog.Logger
	LogLevel      logger.LogLevel
	SlowThreshold time.Duration
}

// NewGormLogger 创建新的GormLogger实例
func NewGormLogger(l applog.Logger) *GormLogger {
	return &GormLogger{
		Logger:        l,
		LogLevel:      logger.Warn,
		SlowThreshold: time.Second,
	}
}

// LogMode 设置日志级别
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		l.Logger.Info(msg, "requestID", requestID(ctx), "data", data)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		l.Logger.Warn(msg, "requestID", requestID(ctx), "data", data)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		l.Logger.Error(msg, "requestID", requestID(ctx), "data", data)
	}
}

// Trace 打印SQL日志
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && l.LogLevel >= logger.Error && !errors.Is(err, logger.ErrRecordNotFound):
		sql, rows := fc()
		l.Logger.Err(err, "SQL执行错误", "requestID", requestID(ctx), "sql", sql, "rows", rows, "timeMs", ms(elapsed))
	case l.SlowThreshold > 0 && elapsed > l.SlowThreshold && l.LogLevel >= logger.Warn:
		sql, rows := fc()
		l.Logger.Warn("慢SQL查询", "requestID", requestID(ctx), "sql", sql, "rows", rows, "timeMs", ms(elapsed), "threshold", l.SlowThreshold)
	case l.LogLevel == logger.Info:
		sql, rows := fc()
		l.Logger.Debug("SQL执行", "requestID", requestID(ctx), "sql", sql, "rows", rows, "timeMs", ms(elapsed))
	}
}

func ms(d time.Duration) float64 { return float64(d.Nanoseconds()) / 1e6 }
