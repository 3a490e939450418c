package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// ZapLogger wraps a zap.Logger, an alternative to the Clue-backed logger
// (NewClueLogger) that cmd/trajectoryd uses.
type ZapLogger struct {
	base *zap.Logger
}

// NewZapLogger wraps base. Pass zap.NewProduction() or zap.NewDevelopment()
// depending on deployment.
func NewZapLogger(base *zap.Logger) Logger {
	return &ZapLogger{base: base}
}

func (l *ZapLogger) Debug(_ context.Context, msg string, keyvals ...any) {
	l.base.Sugar().Debugw(msg, keyvals...)
}

func (l *ZapLogger) Info(_ context.Context, msg string, keyvals ...any) {
	l.base.Sugar().Infow(msg, keyvals...)
}

func (l *ZapLogger) Warn(_ context.Context, msg string, keyvals ...any) {
	l.base.Sugar().Warnw(msg, keyvals...)
}

func (l *ZapLogger) Error(_ context.Context, msg string, keyvals ...any) {
	l.base.Sugar().Errorw(msg, keyvals...)
}
