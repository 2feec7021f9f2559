package ocsp

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/svcfields"
)

// SpoolExt is the extension of response files in a spool directory.
const SpoolExt = ".der"

// Spool loads responses dropped into a directory as <key>.der.
type Spool struct {
	dir    string
	cache  *Cache
	issuer *x509.Certificate
	logger pslog.Logger
}

// NewSpool watches dir and feeds cache. issuer, when set, verifies response
// signatures.
func NewSpool(dir string, cache *Cache, issuer *x509.Certificate, logger pslog.Logger) *Spool {
	return &Spool{
		dir:    dir,
		cache:  cache,
		issuer: issuer,
		logger: svcfields.WithSubsystem(logger, "pipeline.ocsp.spool"),
	}
}

// LoadAll reads every response file currently in the directory and returns
// the number cached.
func (s *Spool) LoadAll() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("ocsp: read spool: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), SpoolExt) {
			continue
		}
		if err := s.Load(filepath.Join(s.dir, entry.Name())); err != nil {
			s.logger.Warn("relayd.ocsp.spool.rejected", "file", entry.Name(), "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// Load parses one spool file and caches it under the key named by the file.
func (s *Spool) Load(path string) error {
	key := strings.TrimSuffix(filepath.Base(path), SpoolExt)
	sep := strings.LastIndexByte(key, ':')
	if sep <= 0 || sep == len(key)-1 {
		return fmt.Errorf("ocsp: spool file %s is not named <issuer>:<serial>%s", filepath.Base(path), SpoolExt)
	}
	der, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	resp, err := ParseResponse(der, s.issuer)
	if err != nil {
		return err
	}
	if serial := strings.ToLower(key[sep+1:]); serial != resp.SerialNumber {
		return fmt.Errorf("ocsp: spool file %s holds serial %s", filepath.Base(path), resp.SerialNumber)
	}
	if !s.cache.Put(key, resp) {
		return errors.New("ocsp: response already expired")
	}
	s.logger.Debug("relayd.ocsp.cached", "key", key, "status", resp.Status.String(), "valid_until", resp.ValidUntil)
	return nil
}

// Run loads the directory, then reloads files as they are written until ctx
// ends. It returns after the watcher is closed.
func (s *Spool) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("ocsp: prepare spool: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ocsp: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("ocsp: watch %s: %w", s.dir, err)
	}
	n, err := s.LoadAll()
	if err != nil {
		return err
	}
	s.logger.Info("relayd.ocsp.spool.loaded", "dir", s.dir, "responses", n)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, SpoolExt) || !ev.Has(fsnotify.Create|fsnotify.Write) {
				continue
			}
			if err := s.Load(ev.Name); err != nil {
				s.logger.Warn("relayd.ocsp.spool.rejected", "file", filepath.Base(ev.Name), "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("relayd.ocsp.spool.watch_error", "error", err)
		}
	}
}
