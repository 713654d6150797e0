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
)

// Config describes how the agent logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Rotation    RotationConfig
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger bundles a structured logger with the outputs it writes to. It is
// owned by a single agent context and is safe for concurrent use.
type Logger struct {
	*slog.Logger

	mu      sync.Mutex
	files   []*rotatingFile
	closers []io.Closer
}

// New builds a logger from cfg. File outputs are opened lazily by the
// rotation writer; stdout and stderr are used as is.
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	l := &Logger{}
	handlerOpts := &slog.HandlerOptions{Level: level, AddSource: true}

	handler, err := l.buildHandler(cfg, handlerOpts)
	if err != nil {
		_ = l.Sync()
		return nil, err
	}
	l.Logger = slog.New(handler)
	return l, nil
}

// NewWriter returns a logger writing text records to w, used for early
// startup reporting and tests.
func NewWriter(w io.Writer, level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))}
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return NewWriter(io.Discard, slog.LevelError+1)
}

func (l *Logger) buildHandler(cfg Config, opts *slog.HandlerOptions) (slog.Handler, error) {
	writers := make([]io.Writer, 0, len(cfg.OutputPaths))
	if len(cfg.OutputPaths) == 0 {
		writers = append(writers, os.Stdout)
	} else {
		for _, out := range cfg.OutputPaths {
			writer, err := l.openWriter(out, cfg.Rotation)
			if err != nil {
				return nil, err
			}
			writers = append(writers, writer)
		}
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(writer, opts), nil
	}
	return slog.NewTextHandler(writer, opts), nil
}

func (l *Logger) openWriter(path string, rotation RotationConfig) (io.Writer, error) {
	switch strings.ToLower(path) {
	case "stdout", "-":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file := newRotatingFile(path, rotation)
		l.files = append(l.files, file)
		l.closers = append(l.closers, file)
		return file, nil
	}
}

// ParseLevel maps a level name to a slog level. The empty string is info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// Rotate starts a new segment for every file output. Outputs that have not
// been written yet are left alone.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	for _, file := range l.files {
		err = errors.Join(err, file.Rotate())
	}
	return err
}

// Files returns the paths of the file outputs.
func (l *Logger) Files() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	paths := make([]string, 0, len(l.files))
	for _, file := range l.files {
		paths = append(paths, file.path)
	}
	return paths
}

// Flush closes the file outputs so everything written so far is on disk.
// Later records reopen the files.
func (l *Logger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	for _, file := range l.files {
		err = errors.Join(err, file.Close())
	}
	return err
}

// Sync flushes buffered log entries and closes file outputs for good.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	for _, closer := range l.closers {
		err = errors.Join(err, closer.Close())
	}
	l.closers = nil
	l.files = nil
	return err
}

// Named returns a child logger with the provided component name.
func (l *Logger) Named(name string) *slog.Logger {
	return l.Logger.With(slog.String("component", name))
}
