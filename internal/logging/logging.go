// Package logging builds the zap logger shared by every engine component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultFilePath is the log file used when output includes a file and no
// path is configured. It is relative to the working directory.
var DefaultFilePath = filepath.Join(".taskforge", "logs", "taskforge.log")

// Config controls log level, encoding and destination.
type Config struct {
	// Level is one of debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is json or console.
	Format string `mapstructure:"format"`
	// Output is stdout, stderr, file, both or none. both writes to stderr and the file.
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultConfig returns console logging at info level to stderr.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		Output:     "stderr",
		FilePath:   DefaultFilePath,
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 7,
	}
}

// New creates a logger from cfg. Output "none" returns a no-op logger.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var cores []zapcore.Core
	switch cfg.Output {
	case "none":
		return zap.NewNop(), nil
	case "", "stderr":
		cores = append(cores, zapcore.NewCore(encoder(cfg.Format, true), zapcore.Lock(os.Stderr), level))
	case "stdout":
		cores = append(cores, zapcore.NewCore(encoder(cfg.Format, true), zapcore.Lock(os.Stdout), level))
	case "file", "both":
		w, err := fileWriter(cfg)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder(cfg.Format, false), zapcore.AddSync(w), level))
		if cfg.Output == "both" {
			cores = append(cores, zapcore.NewCore(encoder(cfg.Format, true), zapcore.Lock(os.Stderr), level))
		}
	default:
		return nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// NewWriter creates a logger that writes cfg's encoding to w. Tests and the
// CLI use it to capture output.
func NewWriter(cfg Config, w io.Writer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	core := zapcore.NewCore(encoder(cfg.Format, false), zapcore.AddSync(w), level)
	return zap.New(core), nil
}

func encoder(format string, color bool) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	if color {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return zapcore.NewConsoleEncoder(ec)
}

func fileWriter(cfg Config) (io.Writer, error) {
	path := cfg.FilePath
	if path == "" {
		path = DefaultFilePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}, nil
}
