package storage

import (
	"context"
	"time"

	"cdpnethar/internal/ctxkeys"
	"cdpnethar/internal/logger"

	gormlogger "gorm.io/gorm/logger"
)

const slowQuery = 200 * time.Millisecond

// GormLogger 将 GORM 日志转发到项目日志，附带上下文中的捕获 ID
type GormLogger struct {
	log   logger.Logger
	level gormlogger.LogLevel
}

// NewGormLogger 创建 GORM 日志桥
func NewGormLogger(l logger.Logger) *GormLogger {
	return &GormLogger{log: l, level: gormlogger.Warn}
}

// LogMode 返回指定级别的副本
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	c := *l
	c.level = level
	return &c
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.log.Info(msg, l.fields(ctx, "data", data)...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(msg, l.fields(ctx, "data", data)...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.log.Error(msg, l.fields(ctx, "data", data)...)
	}
}

// Trace 记录 SQL；失败记错误，慢查询记警告，其余仅在 Info 级别下以 debug 输出
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := l.fields(ctx, "sql", sql, "rows", rows, "elapsed", elapsed)

	switch {
	case err != nil && err != gormlogger.ErrRecordNotFound && l.level >= gormlogger.Error:
		l.log.Err(err, "SQL执行错误", fields...)
	case elapsed > slowQuery && l.level >= gormlogger.Warn:
		l.log.Warn("慢SQL", append(fields, "threshold", slowQuery)...)
	case l.level >= gormlogger.Info:
		l.log.Debug("SQL执行", fields...)
	}
}

func (l *GormLogger) fields(ctx context.Context, kv ...any) []any {
	if id := ctx.Value(ctxkeys.CaptureIDKey{}); id != nil {
		return append([]any{"captureId", id}, kv...)
	}
	return kv
}
