package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// ZapLogger adapts a *zap.Logger to the Logger interface. Grounded on
// yungbote-neurobridge-backend's use of go.uber.org/zap for structured
// service logging.
type ZapLogger struct {
	base *zap.SugaredLogger
}

// NewZapLogger wraps an existing *zap.Logger. If l is nil, a production
// default is built.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l, _ = zap.NewProduction()
	}
	return &ZapLogger{base: l.Sugar()}
}

func (z *ZapLogger) Debug(_ context.Context, msg string, kv ...any) { z.base.Debugw(msg, kv...) }
func (z *ZapLogger) Info(_ context.Context, msg string, kv ...any)  { z.base.Infow(msg, kv...) }
func (z *ZapLogger) Warn(_ context.Context, msg string, kv ...any)  { z.base.Warnw(msg, kv...) }
func (z *ZapLogger) Error(_ context.Context, msg string, kv ...any) { z.base.Errorw(msg, kv...) }
