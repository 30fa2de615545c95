// Package logger builds the slog logger used by the daemon and CLI.
// Console output goes through a colorizing text handler; file output, when
// configured, is rotated with lumberjack.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the daemon log destination and verbosity.
type Config struct {
	Level      string `mapstructure:"level"` // debug, info, warn, error
	File       string `mapstructure:"file"`  // optional rotating log file
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	NoColor    bool   `mapstructure:"no_color"`
}

func (c Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a *slog.Logger per the config. With a File set, records go to
// both stderr and the rotating file; the file side never gets ANSI codes.
func New(c Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.slogLevel()}

	var console slog.Handler
	if c.NoColor {
		console = slog.NewTextHandler(os.Stderr, opts)
	} else {
		console = newColorHandler(os.Stderr, opts)
	}
	if c.File == "" {
		return slog.New(console)
	}

	fileW := &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
	return slog.New(newTeeHandler(console, slog.NewTextHandler(fileW, opts)))
}

// FileWriter returns a rotating writer for the configured file, for callers
// that need raw io.Writer access (e.g. gin's request log).
func (c Config) FileWriter() io.Writer {
	if c.File == "" {
		return os.Stderr
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
