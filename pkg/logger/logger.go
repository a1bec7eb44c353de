package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu sync.RWMutex
	// Usable before Init so early failures still have somewhere to go.
	global = zap.NewNop()
)

// Init builds the process-wide logger at the given level. An unrecognised
// level string falls back to info rather than failing startup.
func Init(level string) error {
	parsed, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.Sampling = nil // consent evidence entries must not be sampled away
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	built, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	global = built
	return nil
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Sync flushes buffered log entries.
func Sync() error {
	return current().Sync()
}

// WithModule returns a child logger annotated with the owning module. All
// packages log through this; there is no bare package-level logging surface.
func WithModule(module string) *zap.Logger {
	return current().With(zap.String("module", module))
}
