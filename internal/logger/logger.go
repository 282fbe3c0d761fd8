// Package logger builds the zap logger shared by all components.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects level, encoding and an optional file sink.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	File   string
}

// New returns a configured logger. Output goes to stderr and, when File is
// set, to that file as well.
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
	}

	var cfg zap.Config
	switch opts.Format {
	case "", "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "json":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("log format %q: want console or json", opts.Format)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	if opts.File != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, opts.File)
	}
	cfg.DisableStacktrace = level > zapcore.DebugLevel

	return cfg.Build()
}
