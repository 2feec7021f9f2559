// Package filelock provides advisory locks on files. Locks are held per
// process through fcntl on unix and tracked in-process so that two owners
// inside one process also conflict.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrLocked is returned when a conflicting lock is held.
var ErrLocked = errors.New("filelock: already locked")

// Locker is an advisory lock capability.
type Locker interface {
	LockShared() error
	LockExclusive() error
	Unlock() error
}

type mode uint8

const (
	unlocked mode = iota
	shared
	exclusive
)

type holders struct {
	shared    int
	exclusive bool
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*holders)
)

// File is a Locker backed by a lock file. Lock calls never block; a
// conflicting holder yields ErrLocked.
type File struct {
	mu   sync.Mutex
	path string
	file *os.File
	mode mode
}

// Open creates (if needed) and opens the lock file at path.
func Open(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", abs, err)
	}
	return &File{path: abs, file: f}, nil
}

// Path returns the absolute lock file path.
func (l *File) Path() string { return l.path }

// LockShared takes a shared lock.
func (l *File) LockShared() error { return l.lock(shared) }

// LockExclusive takes an exclusive lock.
func (l *File) LockExclusive() error { return l.lock(exclusive) }

func (l *File) lock(want mode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return os.ErrClosed
	}
	if l.mode == want {
		return nil
	}
	if l.mode != unlocked {
		return fmt.Errorf("filelock: %s already held in another mode", l.path)
	}
	registryMu.Lock()
	h := registry[l.path]
	if h == nil {
		h = &holders{}
		registry[l.path] = h
	}
	if h.exclusive || (want == exclusive && h.shared > 0) {
		registryMu.Unlock()
		return fmt.Errorf("%w: %s", ErrLocked, l.path)
	}
	if err := tryLock(l.file, want == exclusive); err != nil {
		if h.shared == 0 && !h.exclusive {
			delete(registry, l.path)
		}
		registryMu.Unlock()
		return err
	}
	if want == exclusive {
		h.exclusive = true
	} else {
		h.shared++
	}
	registryMu.Unlock()
	l.mode = want
	return nil
}

// Unlock releases the held lock. Unlocking an unlocked File is a no-op.
func (l *File) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unlockLocked()
}

func (l *File) unlockLocked() error {
	if l.mode == unlocked || l.file == nil {
		return nil
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	h := registry[l.path]
	if h != nil {
		if l.mode == exclusive {
			h.exclusive = false
		} else {
			h.shared--
		}
	}
	// fcntl locks belong to the process; drop ours only when no other
	// in-process holder remains.
	var err error
	if h == nil || (h.shared == 0 && !h.exclusive) {
		delete(registry, l.path)
		err = unlockFile(l.file)
	}
	l.mode = unlocked
	return err
}

// Close unlocks and closes the lock file.
func (l *File) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.unlockLocked()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
