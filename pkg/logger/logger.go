// Package logger wires up the shared zap logger that every megumidb
// component receives at construction time.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level, encoding and destination of the process
// logger. Zero values mean info-level JSON on stdout.
type Config struct {
	// Level is the minimum level to emit: debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is "stdout", "stderr" or a file path to append to.
	OutputFile string `yaml:"output_file"`
}

// normalized fills in defaults so callers can pass a zero Config.
func (c Config) normalized() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	c.Format = strings.ToLower(c.Format)
	if c.Format == "" {
		c.Format = "json"
	}
	if c.OutputFile == "" {
		c.OutputFile = "stdout"
	}
	return c
}

// New builds the process logger. Bad configuration is rejected outright
// rather than silently downgraded. Call once at startup and hand the
// logger down; components default to zap.NewNop when given nothing.
func New(config Config) (*zap.Logger, error) {
	config = config.normalized()

	level, err := zap.ParseAtomicLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}
	if config.Format != "json" && config.Format != "console" {
		return nil, fmt.Errorf("unknown log format %q", config.Format)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	if config.Format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapConfig := zap.Config{
		Level:            level,
		Encoding:         config.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{config.OutputFile},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zapConfig.Build(zap.Fields(zap.String("service", "megumidb")))
}
