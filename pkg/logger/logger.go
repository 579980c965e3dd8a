package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the process logger behaves.
type Config struct {
	Service string
	Level   string
	Format  string
	Outputs []string
	Audit   AuditConfig
}

// AuditConfig controls the dedicated audit channel.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	processLogger *slog.Logger
	auditLogger   *slog.Logger
	once          sync.Once
	closers       []io.Closer
	initErr       error
)

// Init configures the global loggers. Subsequent calls are no-ops.
func Init(cfg Config) error {
	once.Do(func() { initErr = configure(cfg) })
	if initErr != nil {
		return initErr
	}
	if processLogger == nil {
		return errors.New("logger already initialised")
	}
	return nil
}

func configure(cfg Config) error {
	service := cfg.Service
	if service == "" {
		service = "opensouk"
	}

	sink, err := combineOutputs(cfg.Outputs)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: levelFromName(cfg.Level), AddSource: true}
	processLogger = slog.New(newHandler(cfg.Format, sink, opts)).
		With(slog.String("service", service))

	// Without a dedicated file the audit channel rides on the process logger.
	auditLogger = processLogger.With(slog.String("channel", "audit"))
	if !cfg.Audit.Enabled {
		return nil
	}
	auditSink, err := openAuditSink(cfg.Audit)
	if err != nil {
		return err
	}
	auditHandler := slog.NewJSONHandler(auditSink, &slog.HandlerOptions{Level: slog.LevelInfo})
	auditLogger = slog.New(auditHandler).
		With(slog.String("service", service), slog.String("channel", "audit"))
	return nil
}

// combineOutputs resolves every output target and fans writes out to all of
// them. An empty list means stdout.
func combineOutputs(outputs []string) (io.Writer, error) {
	if len(outputs) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		writer, err := openSink(out)
		if err != nil {
			return nil, err
		}
		writers = append(writers, writer)
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func openSink(path string) (io.Writer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	closers = append(closers, file)
	return file, nil
}

func newHandler(format string, sink io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(sink, opts)
	}
	return slog.NewJSONHandler(sink, opts)
}

// openAuditSink wires the audit channel to a size and age rotated file so
// the trail is kept across restarts.
func openAuditSink(cfg AuditConfig) (io.Writer, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 7),
		MaxAge:     orDefault(cfg.MaxAgeDays, 30),
	}
	closers = append(closers, rotated)
	return rotated, nil
}

func orDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func levelFromName(name string) slog.Level {
	switch strings.ToLower(name) {
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

// L returns the process logger.
func L() *slog.Logger {
	if processLogger == nil {
		_ = Init(Config{})
	}
	return processLogger
}

// Audit returns the audit logger. Audit records ignore the configured log
// level; with a file configured, rotation keeps them for the retention
// window.
func Audit() *slog.Logger {
	if auditLogger == nil {
		return L()
	}
	return auditLogger
}

// Named returns a child logger tagged with the component name.
func Named(component string) *slog.Logger {
	return L().With(slog.String("component", component))
}

// Sync flushes buffered log entries to their outputs.
func Sync() error {
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}
