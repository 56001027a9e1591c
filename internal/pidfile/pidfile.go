// Package pidfile implements an flock(2)-guarded pidfile: at most one
// running daemon can hold the lock at a time, and the file's contents are
// always exactly this process's PID.
package pidfile

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// File is a held pidfile. Release drops the lock and removes the file.
type File struct {
	path string
	f    *os.File
}

// Acquire opens path (creating it if necessary), takes an exclusive
// advisory lock, and writes the current PID. It fails if another process
// already holds the lock, which is how a second daemon instance detects
// it should refuse to start.
func Acquire(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("pidfile: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidfile: %s is locked by another process: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidfile: truncate %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidfile: write %s: %w", path, err)
	}

	return &File{path: path, f: f}, nil
}

// Release unlocks and removes the pidfile. Safe to call once at shutdown.
func (p *File) Release() error {
	defer p.f.Close()
	unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
	return os.Remove(p.path)
}
