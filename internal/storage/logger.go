package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"netlens/internal/ctxkeys"
	logger2 "netlens/internal/logger"
)

// slowThreshold 超过该耗时的 SQL 记为慢查询
const slowThreshold = 200 * time.Millisecond

// GormLogger 将 GORM 日志转发到结构化日志器，带上导出任务与追踪 ID
type GormLogger struct {
	logger2.Logger
	LogLevel logger.LogLevel
}

// NewGormLogger 创建 GormLogger，默认只记录告警与错误
func NewGormLogger(l logger2.Logger) *GormLogger {
	if l == nil {
		l = logger2.NewNop()
	}
	return &GormLogger{
		Logger:   l,
		LogLevel: logger.Warn,
	}
}

// ctxFields 从上下文提取追踪字段
func ctxFields(ctx context.Context) []any {
	fields := []any{"traceId", ctx.Value(ctxkeys.TraceIDKey{})}
	if sid, ok := ctx.Value(ctxkeys.SessionIDKey{}).(string); ok && sid != "" {
		fields = append(fields, "session", sid)
	}
	return fields
}

// LogMode 设置日志级别
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

// Info 打印info级别日志
func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		l.Logger.Info(msg, append(ctxFields(ctx), data...)...)
	}
}

// Warn 打印warn级别日志
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		l.Logger.Warn(msg, append(ctxFields(ctx), data...)...)
	}
}

// Error 打印error级别日志
func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		l.Logger.Error(msg, append(ctxFields(ctx), data...)...)
	}
}

// Trace 打印SQL日志
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := append(ctxFields(ctx),
		"sql", sql,
		"rows", rows,
		"timeMs", float64(elapsed.Nanoseconds())/1e6,
	)

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		l.Logger.Debug("SQL未找到记录", fields...)
	case err != nil && l.LogLevel >= logger.Error:
		l.Logger.Error("SQL执行错误", append(fields, "error", err)...)
	case elapsed > slowThreshold && l.LogLevel >= logger.Warn:
		l.Logger.Warn("慢SQL查询", append(fields, "threshold", slowThreshold.String())...)
	case l.LogLevel == logger.Info:
		l.Logger.Debug("SQL执行", fields...)
	}
}
