package logbase

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const callerWidth = 30

func encodeCaller(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	p := caller.TrimmedPath()
	if len(p) > callerWidth {
		p = "..." + p[len(p)-(callerWidth-3):]
	}
	enc.AppendString(fmt.Sprintf("%*s", callerWidth, p))
}

// New returns a console logger with fixed width caller fields. Debug
// messages are only emitted when verbose is set.
func New(verbose bool) (*zap.Logger, error) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	c.EncoderConfig.EncodeCaller = encodeCaller
	if !verbose {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return c.Build()
}

// Fatal logs msg at error level and terminates the process. Unlike
// (*zap.Logger).Fatal it flushes the logger before exiting.
func Fatal(log *zap.Logger, msg string, fields ...zap.Field) {
	log.WithOptions(zap.AddCallerSkip(1), zap.WithFatalHook(flushHook{log})).Fatal(msg, fields...)
}

type flushHook struct {
	log *zap.Logger
}

func (h flushHook) OnWrite(ce *zapcore.CheckedEntry, fields []zapcore.Field) {
	_ = h.log.Sync()
	zapcore.WriteThenFatal.OnWrite(ce, fields)
}
