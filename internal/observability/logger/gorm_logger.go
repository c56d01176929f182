package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

const defaultSlowQuery = 200 * time.Millisecond

// StoreLogger writes payment store statements through zap. Each entry names
// the mpesa table touched and carries the request and payment correlation
// fields from the context. Bound values are never logged because they hold
// phone numbers.
type StoreLogger struct {
	base  *zap.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

// NewStoreLogger logs failed statements and statements slower than slow.
// Missing rows are not failures: the repository maps them to nil results.
func NewStoreLogger(base *zap.Logger, slow time.Duration) *StoreLogger {
	if base == nil {
		base = zap.NewNop()
	}
	if slow <= 0 {
		slow = defaultSlowQuery
	}
	return &StoreLogger{base: base, level: gormlogger.Warn, slow: slow}
}

func (l *StoreLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *StoreLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l *StoreLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l *StoreLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l *StoreLogger) message(ctx context.Context, threshold gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.level < threshold {
		return
	}
	log := WithContext(ctx, l.base)
	if ce := log.Check(level, msg); ce != nil {
		ce.Write(zap.Int("args", len(data)))
	}
}

func (l *StoreLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)

	var (
		level zapcore.Level
		msg   string
	)
	switch {
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound) && l.level >= gormlogger.Error:
		level, msg = zapcore.ErrorLevel, "payment store query failed"
	case elapsed > l.slow && l.level >= gormlogger.Warn:
		level, msg = zapcore.WarnLevel, "slow payment store query"
	case l.level >= gormlogger.Info:
		level, msg = zapcore.DebugLevel, "payment store query"
	default:
		return
	}

	log := WithContext(ctx, l.base)
	ce := log.Check(level, msg)
	if ce == nil {
		return
	}
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("table", tableFromSQL(sql)),
		zap.String("operation", operationFromSQL(sql)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows", rows))
	}
	if level != zapcore.DebugLevel {
		fields = append(fields, zap.String("sql", strings.TrimSpace(sql)))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	ce.Write(fields...)
}

// ParamsFilter keeps placeholders in logged SQL.
func (l *StoreLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func operationFromSQL(sql string) string {
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		switch token = strings.Trim(token, "();"); token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			return token
		}
	}
	return "OTHER"
}

// tableFromSQL picks the first mpesa_* table a statement touches.
func tableFromSQL(sql string) string {
	for _, token := range strings.Fields(sql) {
		token = strings.Trim(token, "\"`();,")
		if strings.HasPrefix(strings.ToLower(token), "mpesa_") {
			return strings.ToLower(token)
		}
	}
	return ""
}

var _ gormlogger.Interface = (*StoreLogger)(nil)
