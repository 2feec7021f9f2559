package main

import (
	"bytes"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("RELAYD_CONFIG", "")
	t.Setenv("RELAYD_CONFIG_DIR", "")
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--upstream", "tcp://127.0.0.1:5501"}, want: true},
		{name: "root flag with equals", args: []string{"--listen=:6000"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "bool flag", args: []string{"--keep-segments", "archive"}, want: false},
		{name: "subcommand", args: []string{"archive", "list"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "keygen"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown long before subcommand", args: []string{"--bogus", "version"}, want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestEveryServerFlagIsRegistered(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	for _, name := range serverFlagNames {
		if root.Flags().Lookup(name) == nil && root.PersistentFlags().Lookup(name) == nil {
			t.Fatalf("flag %q is bound but not registered", name)
		}
	}
}

func TestBindConfigReadsFlags(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	root := newRootCommand(pslog.NoopLogger())
	flags := root.Flags()
	for name, value := range map[string]string{
		"max-segment-bytes":  "2MiB",
		"spool-threshold":    "64KiB",
		"timestamp-interval": "-1s",
		"upstream":           "tls://provider.example:5500",
		"signing-key-id":     "member-key",
		"per-address-cap":    "3",
	} {
		if err := flags.Set(name, value); err != nil {
			t.Fatalf("set %s: %v", name, err)
		}
	}
	var cfg relayd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.MaxSegmentBytes != 2<<20 {
		t.Fatalf("max segment bytes %d", cfg.MaxSegmentBytes)
	}
	if cfg.SpoolThreshold != 64<<10 {
		t.Fatalf("spool threshold %d", cfg.SpoolThreshold)
	}
	if cfg.TimestampInterval != -time.Second {
		t.Fatalf("timestamp interval %s", cfg.TimestampInterval)
	}
	if cfg.Upstream != "tls://provider.example:5500" || cfg.SigningKeyID != "member-key" || cfg.PerAddressCap != 3 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.MaxEnvelopeBytes != relayd.DefaultMaxEnvelopeBytes {
		t.Fatalf("max envelope bytes default %d", cfg.MaxEnvelopeBytes)
	}
}

func TestBindConfigRejectsBadSize(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	root := newRootCommand(pslog.NoopLogger())
	if err := root.Flags().Set("max-part-bytes", "lots"); err != nil {
		t.Fatalf("set: %v", err)
	}
	var cfg relayd.Config
	if err := bindConfig(&cfg); err == nil {
		t.Fatal("expected size parse error")
	}
}
