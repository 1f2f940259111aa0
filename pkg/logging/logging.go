// Package logging builds the zap-backed logr.Logger used by every component.
package logging

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/based/iacgen/pkg/config"
)

// New returns a logger for cfg. Development mode uses the console encoder
// with coloured levels; otherwise JSON with ISO8601 timestamps under "ts".
// Level "debug" also enables V(1) output.
func New(cfg config.LoggingConfig) (logr.Logger, func(), error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.Sampling = nil
	}
	zc.OutputPaths = []string{"stderr"}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	zapLog, err := zc.Build()
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapr.NewLogger(zapLog), func() { _ = zapLog.Sync() }, nil
}

// parseLevel maps a config level to zap. logr V(1) is zap level -1, so
// debug is lowered one step further.
func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.Level(-1), nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
}
