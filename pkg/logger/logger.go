package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig controls logger construction
type LoggerConfig struct {
	Debug bool
}

// NewLogger creates a production zap logger.
// Debug enables development mode with debug-level output.
func NewLogger(cfg *LoggerConfig) (*zap.Logger, error) {
	if cfg == nil {
		cfg = &LoggerConfig{}
	}

	c := zap.NewProductionConfig()
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Debug {
		c.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		c.Development = true
	}

	return c.Build()
}

// NewNopLogger returns a logger that discards everything. Useful in tests
// that don't assert on log output.
func NewNopLogger() *zap.Logger {
	return zap.NewNop()
}
