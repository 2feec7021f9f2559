package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestConfigGenWritesDefaults(t *testing.T) {
	out := filepath.Join(t.TempDir(), "relayd", "config.yaml")
	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", out)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, out) {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	known := make(map[string]bool, len(serverFlagNames))
	for _, name := range serverFlagNames {
		known[name] = true
	}
	for key := range doc {
		if !known[key] {
			t.Fatalf("config key %q does not match a flag", key)
		}
	}
	if doc["listen"] != ":5500" {
		t.Fatalf("listen default %v", doc["listen"])
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config mode %o", perm)
	}

	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
}

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen --stdout: %v", err)
	}
	if !strings.Contains(stdout, "hash-algorithm: SHA-256") {
		t.Fatalf("stdout lacks defaults: %q", stdout)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", "x.yaml"); err == nil {
		t.Fatal("expected --stdout and --out to conflict")
	}
}
