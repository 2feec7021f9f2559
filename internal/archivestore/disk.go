package archivestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Disk copies objects into a directory, typically a mounted remote volume.
type Disk struct {
	root string
}

// NewDisk creates root if needed.
func NewDisk(root string) (*Disk, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("archivestore: disk root: %w", err)
	}
	return &Disk{root: root}, nil
}

// Root returns the target directory.
func (d *Disk) Root() string { return d.root }

// Put writes key atomically under the root.
func (d *Disk) Put(ctx context.Context, key string, r io.ReadSeeker, size int64, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean := filepath.Clean("/" + key)
	if strings.Contains(key, "..") || clean == "/" {
		return fmt.Errorf("archivestore: invalid key %q", key)
	}
	dest := filepath.Join(d.root, clean)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	n, err := io.Copy(tmp, r)
	if err == nil && n != size {
		err = fmt.Errorf("archivestore: wrote %d of %d bytes", n, size)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("archivestore: disk put %s: %w", key, err)
	}
	return os.Rename(tmpPath, dest)
}
