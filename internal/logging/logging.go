// Package logging builds the daemon's structured logger and supports
// reopening its output file across a SIGHUP-triggered log rotation.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// Logger wraps a *slog.Logger whose destination file can be swapped out
// in place, so every component that was handed the *slog.Logger at
// startup keeps logging to the right place after a reopen.
type Logger struct {
	mu   sync.Mutex
	path string
	file *os.File
	level *slog.LevelVar
	*slog.Logger
}

// New builds a Logger writing to path (stderr if empty) at the given
// level name ("debug", "info", "warn", "error") or numeric level (3..10).
func New(path, levelName string) (*Logger, error) {
	lv := new(slog.LevelVar)
	if err := setLevel(lv, levelName); err != nil {
		return nil, err
	}

	l := &Logger{path: path, level: lv}
	if err := l.openFile(); err != nil {
		return nil, err
	}
	l.Logger = slog.New(slog.NewTextHandler(l.output(), &slog.HandlerOptions{Level: lv}))
	return l, nil
}

func (l *Logger) output() *os.File {
	if l.file != nil {
		return l.file
	}
	return os.Stderr
}

func (l *Logger) openFile() error {
	if l.path == "" {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

// Reopen closes and reopens the log file, picking up a rename done by log
// rotation out from under the daemon. It is the SIGHUP log-rotation
// half-partner to config.Reload.
func (l *Logger) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	old := l.file
	if err := l.openFile(); err != nil {
		return err
	}
	if old != nil {
		old.Close()
	}
	l.Logger = slog.New(slog.NewTextHandler(l.output(), &slog.HandlerOptions{Level: l.level}))
	return nil
}

// SetLevel changes the minimum level this logger emits, in place.
func (l *Logger) SetLevel(levelName string) error {
	return setLevel(l.level, levelName)
}

func setLevel(lv *slog.LevelVar, name string) error {
	switch name {
	case "", "info":
		lv.Set(slog.LevelInfo)
	case "debug":
		lv.Set(slog.LevelDebug)
	case "warn", "warning":
		lv.Set(slog.LevelWarn)
	case "error":
		lv.Set(slog.LevelError)
	default:
		// Numeric levels 3..10 follow syslog numbering (3 error, 4 warning,
		// 5 notice, 6 info, 7 debug); 8..10 are trace levels, logged as debug.
		n, err := strconv.Atoi(name)
		if err != nil || n < 3 || n > 10 {
			return fmt.Errorf("logging: unknown loglevel %q", name)
		}
		switch {
		case n == 3:
			lv.Set(slog.LevelError)
		case n == 4:
			lv.Set(slog.LevelWarn)
		case n <= 6:
			lv.Set(slog.LevelInfo)
		default:
			lv.Set(slog.LevelDebug)
		}
	}
	return nil
}
