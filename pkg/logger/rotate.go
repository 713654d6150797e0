package logger

import (
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// rotatingFile wraps lumberjack so that Rotate on a file that was never
// written does not leave an empty backup behind.
type rotatingFile struct {
	mu      sync.Mutex
	path    string
	written bool
	writer  *lumberjack.Logger
}

func newRotatingFile(path string, cfg RotationConfig) *rotatingFile {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	return &rotatingFile{
		path: path,
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		},
	}
}

func (f *rotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.writer.Write(p)
	if n > 0 {
		f.written = true
	}
	return n, err
}

// Rotate moves the current file aside when it holds data, either from this
// process or from a previous run.
func (f *rotatingFile) Rotate() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.written {
		info, err := os.Stat(f.path)
		if err != nil || info.Size() == 0 {
			return nil
		}
	}
	f.written = false
	return f.writer.Rotate()
}

func (f *rotatingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writer.Close()
}
