package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	currentFileName   = "audit.log"
	rotatedFilePrefix = "audit-"
	rotatedTimeFormat = "20060102-150405.000000000"
)

// FileLoggerConfig configures a FileLogger
type FileLoggerConfig struct {
	// BasePath is the directory holding audit.log and rotated files
	BasePath string
	// MaxSize is the size in bytes at which audit.log is rotated. 0 disables rotation.
	MaxSize int64
	// MaxFiles is how many rotated files are kept. 0 keeps all of them.
	MaxFiles int
}

// FileLogger appends events as JSON lines to BasePath/audit.log
type FileLogger struct {
	cfg FileLoggerConfig

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	now     func() time.Time
}

// NewFileLogger creates the directory if needed and opens audit.log
func NewFileLogger(cfg FileLoggerConfig) (*FileLogger, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("audit log base path is required")
	}
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &FileLogger{cfg: cfg, now: time.Now}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) currentPath() string {
	return filepath.Join(l.cfg.BasePath, currentFileName)
}

func (l *FileLogger) open() error {
	file, err := os.OpenFile(l.currentPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	l.file = file
	l.encoder = json.NewEncoder(file)
	return nil
}

// Log appends event, rotating first when audit.log has reached MaxSize
func (l *FileLogger) Log(_ context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log is closed")
	}

	if l.cfg.MaxSize > 0 {
		if info, err := l.file.Stat(); err == nil && info.Size() >= l.cfg.MaxSize {
			if err := l.rotate(); err != nil {
				return err
			}
		}
	}

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// rotate renames audit.log to a timestamped file and reopens a fresh one.
// Caller holds mu.
func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log file: %w", err)
	}
	l.file = nil

	rotated := filepath.Join(l.cfg.BasePath, rotatedFilePrefix+l.now().UTC().Format(rotatedTimeFormat)+".log")
	if err := os.Rename(l.currentPath(), rotated); err != nil {
		return fmt.Errorf("failed to rotate audit log file: %w", err)
	}
	if err := l.cleanup(); err != nil {
		return err
	}
	return l.open()
}

// cleanup removes the oldest rotated files beyond MaxFiles. The timestamp
// format sorts lexically.
func (l *FileLogger) cleanup() error {
	if l.cfg.MaxFiles <= 0 {
		return nil
	}
	files, err := l.rotatedFiles()
	if err != nil {
		return err
	}
	if len(files) <= l.cfg.MaxFiles {
		return nil
	}
	for _, f := range files[:len(files)-l.cfg.MaxFiles] {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove old audit log %s: %w", f, err)
		}
	}
	return nil
}

func (l *FileLogger) rotatedFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.cfg.BasePath, rotatedFilePrefix+"*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// ReadLogs reads up to count events from audit.log, oldest first.
// count <= 0 reads all of them.
func (l *FileLogger) ReadLogs(count int) ([]*Event, error) {
	file, err := os.Open(l.currentPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	var events []*Event
	decoder := json.NewDecoder(file)
	for count <= 0 || len(events) < count {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode audit log entry: %w", err)
		}
		events = append(events, &event)
	}
	return events, nil
}

// Close closes audit.log. Later Log calls fail.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
