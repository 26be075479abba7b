// Package buildlog is the canonical, append-only log of a build namespace.
// Operators diagnose failed builds from this file alone, so every directive
// failure ends up here as well as in the daemon's own log stream.
package buildlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/grs/internal/rotate"
)

// Banner is written for the `log stamp` directive.
var Banner = strings.Repeat("=", 80)

// Log appends lines to a single file. It is used from one goroutine at a time.
type Log struct {
	path string
	now  func() time.Time
}

// Open binds a log file, creating its parent directories and the file itself
// when they are missing.
func Open(path string) (*Log, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := touch(path); err != nil {
		return nil, err
	}
	return &Log{path: path, now: time.Now}, nil
}

// Path returns the active log file.
func (l *Log) Path() string {
	return l.path
}

// Log appends msg as one line. Stamped lines carry a bracketed UTC unix
// timestamp with microsecond resolution.
func (l *Log) Log(msg string, stamped bool) error {
	if stamped {
		msg = fmt.Sprintf("[%s] %s", l.timestamp(), msg)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", l.path, err)
	}
	if _, err := fmt.Fprintln(f, msg); err != nil {
		f.Close()
		return fmt.Errorf("write log %s: %w", l.path, err)
	}
	return f.Close()
}

// Rotate moves the active log to log.0, shifting older generations, and
// starts a new empty log.
func (l *Log) Rotate(upperLimit int) error {
	if err := rotate.FullRotate(l.path, upperLimit); err != nil {
		return fmt.Errorf("rotate log: %w", err)
	}
	return touch(l.path)
}

func (l *Log) timestamp() string {
	now := l.now().UTC()
	return fmt.Sprintf("%d.%06d", now.Unix(), now.Nanosecond()/int(time.Microsecond))
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create log %s: %w", path, err)
	}
	return f.Close()
}
