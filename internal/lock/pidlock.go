// Package lock keeps a single ticketd daemon per state directory.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("another ticketd instance holds the lock")

// PIDLock is an flock(2) on a file that also records the holder's PID. The
// lock lives as long as the descriptor stays open.
type PIDLock struct {
	path string
	f    *os.File
}

// tryFlock applies a non-blocking flock. busy is true when someone else
// already holds a conflicting lock.
func tryFlock(f *os.File, how int) (busy bool, err error) {
	err = syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB)
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return true, nil
	}
	return false, err
}

func unlock(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}

// AcquirePIDLock takes the exclusive lock at lockPath without blocking and
// writes the current PID into it. A held lock yields ErrLocked naming the
// holder's PID when it can be read.
func AcquirePIDLock(lockPath string) (*PIDLock, error) {
	if lockPath == "" {
		return nil, errors.New("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	busy, err := tryFlock(f, syscall.LOCK_EX)
	if busy || err != nil {
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if pid, _ := readPIDFile(lockPath); pid > 0 {
			return nil, fmt.Errorf("%w (pid %d)", ErrLocked, pid)
		}
		return nil, ErrLocked
	}

	if err := writePID(f, os.Getpid()); err != nil {
		unlock(f)
		_ = f.Close()
		return nil, err
	}
	return &PIDLock{path: lockPath, f: f}, nil
}

func writePID(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (l *PIDLock) Path() string { return l.path }

// Release drops the lock. It is safe on a nil or already released lock.
func (l *PIDLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	unlock(f)
	return f.Close()
}

// Holder probes the lock with a shared flock. It reports whether a daemon
// holds it and the PID that daemon recorded. A missing file is not held.
func Holder(lockPath string) (held bool, pid int, err error) {
	f, err := os.Open(lockPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return false, 0, nil
	case err != nil:
		return false, 0, fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	busy, err := tryFlock(f, syscall.LOCK_SH)
	if err != nil {
		return false, 0, fmt.Errorf("probe lock: %w", err)
	}
	if !busy {
		unlock(f)
		return false, 0, nil
	}
	pid, _ = readPIDFile(lockPath)
	return true, pid, nil
}

func readPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}
