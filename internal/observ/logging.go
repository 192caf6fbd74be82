package observ

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logMu  sync.RWMutex
	logger = newLogger("info", "json")
)

// InitLogger swaps the process logger. Format is "json" or "console".
func InitLogger(level, format string) {
	l := newLogger(level, format)
	logMu.Lock()
	old := logger
	logger = l
	logMu.Unlock()
	_ = old.Sync()
}

// SetLogger installs a caller-provided zap logger (tests use zaptest/observer cores).
func SetLogger(l *zap.Logger) {
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

// Sync flushes buffered log entries.
func Sync() {
	logMu.RLock()
	defer logMu.RUnlock()
	_ = logger.Sync()
}

// Log writes one structured event line.
func Log(event string, kv map[string]any) {
	logAt(zapcore.InfoLevel, event, kv)
}

// Warn is Log at warn level.
func Warn(event string, kv map[string]any) {
	logAt(zapcore.WarnLevel, event, kv)
}

// Debug is Log at debug level.
func Debug(event string, kv map[string]any) {
	logAt(zapcore.DebugLevel, event, kv)
}

func logAt(level zapcore.Level, event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()

	if ce := l.Check(level, event); ce != nil {
		fields := make([]zap.Field, 0, len(kv)+1)
		fields = append(fields, zap.String("event", event))
		for k, v := range kv {
			if err, ok := v.(error); ok {
				fields = append(fields, zap.NamedError(k, err))
				continue
			}
			fields = append(fields, zap.Any(k, v))
		}
		ce.Write(fields...)
	}
}

func newLogger(level, format string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         "json",
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}
