package auth

import "go.uber.org/zap"

// ZapLogger adapts a zap logger to the Logger interface.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

var _ Logger = (*ZapLogger)(nil)

// NewZapLogger wraps the given zap logger. A nil logger falls back to
// zap.NewNop so callers never need to guard.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{sugar: l.Sugar()}
}

// Named returns a child logger scoped to the given component.
func (z *ZapLogger) Named(name string) *ZapLogger {
	return &ZapLogger{sugar: z.sugar.Named(name)}
}

func (z *ZapLogger) Debug(format string, args ...any) { z.sugar.Debugf(format, args...) }
func (z *ZapLogger) Info(format string, args ...any)  { z.sugar.Infof(format, args...) }
func (z *ZapLogger) Warn(format string, args ...any)  { z.sugar.Warnf(format, args...) }
func (z *ZapLogger) Error(format string, args ...any) { z.sugar.Errorf(format, args...) }

// Sync flushes buffered log entries.
func (z *ZapLogger) Sync() error {
	return z.sugar.Sync()
}
