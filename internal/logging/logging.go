// Package logging builds the kernel logger for the binary.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/modkernel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatZap  = "zap"
)

var (
	ErrUnknownFormat = errors.New("unknown log format")
	ErrUnknownLevel  = errors.New("unknown log level")
)

// Config selects the backend and destinations. When File is set, lines
// go to stdout and to a rotating file.
type Config struct {
	Format     string
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New builds a logger writing to out. The returned closer flushes and
// releases the log file.
func New(cfg Config, out io.Writer) (modkernel.Logger, io.Closer, error) {
	var closers multiCloser
	if cfg.File != "" {
		file := &lj.Logger{
			Filename:   cfg.File,
			MaxSize:    valOr(cfg.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(cfg.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(cfg.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   cfg.Compress,
		}
		closers = append(closers, file)
		out = io.MultiWriter(out, file)
	}

	switch strings.ToLower(cfg.Format) {
	case "", FormatText, FormatJSON:
		level, err := slogLevel(cfg.Level)
		if err != nil {
			return nil, nil, err
		}
		opts := &slog.HandlerOptions{Level: level}
		var h slog.Handler = slog.NewTextHandler(out, opts)
		if strings.EqualFold(cfg.Format, FormatJSON) {
			h = slog.NewJSONHandler(out, opts)
		}
		return slog.New(h), closers, nil

	case FormatZap:
		level, err := zapLevel(cfg.Level)
		if err != nil {
			return nil, nil, err
		}
		core := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(out),
			level,
		)
		z := zap.New(core)
		closers = append(closers, syncCloser{z})
		return &zapLogger{s: z.Sugar()}, closers, nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownFormat, cfg.Format)
	}
}

func slogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

func zapLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	l, err := zapcore.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
	return l, nil
}

// zapLogger adapts a sugared zap logger to modkernel.Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l *zapLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }
func (l *zapLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
func (l *zapLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }

type syncCloser struct{ z *zap.Logger }

func (c syncCloser) Close() error {
	_ = c.z.Sync()
	return nil
}

type multiCloser []io.Closer

// Close closes in reverse order so loggers flush before files close.
func (m multiCloser) Close() error {
	var errs []error
	for i := len(m) - 1; i >= 0; i-- {
		if err := m[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
