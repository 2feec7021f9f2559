package filelock

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestExclusiveConflicts(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	a, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	b, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	if err := a.LockExclusive(); err != nil {
		t.Fatalf("lock a: %v", err)
	}
	if err := b.LockExclusive(); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := b.LockShared(); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked for shared, got %v", err)
	}
	if err := a.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := b.LockExclusive(); err != nil {
		t.Fatalf("lock b after release: %v", err)
	}
}

func TestSharedHolders(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	a, _ := Open(path)
	b, _ := Open(path)
	c, _ := Open(path)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	if err := a.LockShared(); err != nil {
		t.Fatalf("shared a: %v", err)
	}
	if err := b.LockShared(); err != nil {
		t.Fatalf("shared b: %v", err)
	}
	if err := c.LockExclusive(); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected exclusive to conflict, got %v", err)
	}
	_ = a.Unlock()
	if err := c.LockExclusive(); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected exclusive to conflict with b, got %v", err)
	}
	_ = b.Close()
	if err := c.LockExclusive(); err != nil {
		t.Fatalf("exclusive after release: %v", err)
	}
}

func TestCloseReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	a, _ := Open(path)
	if err := a.LockExclusive(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.LockShared(); err == nil {
		t.Fatal("expected lock on closed file to fail")
	}
	b, _ := Open(path)
	defer b.Close()
	if err := b.LockExclusive(); err != nil {
		t.Fatalf("lock after close: %v", err)
	}
}

var _ Locker = (*File)(nil)
