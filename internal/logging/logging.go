package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Development mode switches to console encoding.
func New(level string, development bool) (*zap.Logger, error) {
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// MustNew is New for process entrypoints; it falls back to a production logger on a bad level.
func MustNew(level string, development bool) *zap.Logger {
	logger, err := New(level, development)
	if err == nil {
		return logger
	}
	fallback := zap.Must(zap.NewProduction())
	fallback.Warn("invalid log level, using info", zap.String("level", level), zap.Error(err))
	return fallback
}
