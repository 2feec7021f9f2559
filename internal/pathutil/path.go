// Package pathutil expands user-supplied filesystem paths.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv expands $VAR / ${VAR} tokens and a leading "~/" in p.
// Relative paths stay relative.
func ExpandUserAndEnv(p string) (string, error) {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p == "" || p[0] != '~' {
		return p, nil
	}
	if len(p) > 1 && p[1] != '/' && p[1] != '\\' {
		// ~user is left alone.
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}

// ExpandAll expands every non-empty path in place.
func ExpandAll(paths ...*string) error {
	for _, p := range paths {
		if p == nil || *p == "" {
			continue
		}
		expanded, err := ExpandUserAndEnv(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}
