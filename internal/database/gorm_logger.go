package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const defaultSlowQueryThreshold = 200 * time.Millisecond

// queryLogger routes gorm diagnostics to zap. Missing rows are an expected lookup outcome and are not logged.
type queryLogger struct {
	logger        *zap.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

func newQueryLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		return gormlogger.Discard
	}
	return queryLogger{logger: logger, level: gormlogger.Warn, slowThreshold: defaultSlowQueryThreshold}
}

func (l queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	l.level = level
	return l
}

func (l queryLogger) Info(_ context.Context, message string, args ...any) {
	if l.level >= gormlogger.Info {
		l.logger.Info(fmt.Sprintf(message, args...))
	}
}

func (l queryLogger) Warn(_ context.Context, message string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.Warn(fmt.Sprintf(message, args...))
	}
}

func (l queryLogger) Error(_ context.Context, message string, args ...any) {
	if l.level >= gormlogger.Error {
		l.logger.Error(fmt.Sprintf(message, args...))
	}
}

func (l queryLogger) Trace(_ context.Context, begin time.Time, query func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		statement, rows := query()
		l.logger.Error("database query failed",
			zap.Error(err),
			zap.String("sql", statement),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed))
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		statement, rows := query()
		l.logger.Warn("slow database query",
			zap.String("sql", statement),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed))
	}
}
