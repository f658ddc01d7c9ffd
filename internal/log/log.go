// Package log provides the shared zap logger for the runtime.
//
// The default logger writes human-readable console output and honors the
// CONDUCTOR_LOG_LEVEL environment variable. Components receive a *zap.Logger
// (usually via New or a Named child) rather than reaching for a global.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const levelEnv = "CONDUCTOR_LOG_LEVEL"

var (
	mu     sync.Mutex
	global *zap.Logger

	// Level is the shared atomic level. Adjusting it changes the verbosity
	// of every logger derived from this package at runtime.
	Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// New builds a logger at the given level. An empty level falls back to the
// CONDUCTOR_LOG_LEVEL environment variable, then to "info".
func New(level string) *zap.Logger {
	if level == "" {
		level = os.Getenv(levelEnv)
	}
	if level != "" {
		if parsed, err := zapcore.ParseLevel(level); err == nil {
			Level.SetLevel(parsed)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = Level
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	cfg.DisableStacktrace = true

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		// Config above is static; Build can only fail on an invalid sink.
		logger = zap.NewNop()
	}
	return logger
}

// Global returns the process-wide logger, building it on first use.
func Global() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = New("")
	}
	return global
}

// SetGlobal replaces the process-wide logger. Intended for main and tests.
func SetGlobal(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	global = l
}

// Nop returns a logger that discards everything. Handy default for
// components constructed without an explicit logger.
func Nop() *zap.Logger { return zap.NewNop() }
