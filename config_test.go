package relayd

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func baseConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		DataDir:        t.TempDir(),
		SigningKeyFile: "signing-key.pem",
		Upstream:       "tcp://provider.example:5500",
	}
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := baseConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen || cfg.ListenProto != "tcp" {
		t.Fatalf("listen defaults %s %s", cfg.ListenProto, cfg.Listen)
	}
	if cfg.LogDir != filepath.Join(cfg.DataDir, "messagelog") || cfg.ArchiveDir != filepath.Join(cfg.DataDir, "archive") {
		t.Fatalf("derived dirs %s %s", cfg.LogDir, cfg.ArchiveDir)
	}
	if cfg.CatalogDSN != "file:"+filepath.Join(cfg.DataDir, "catalog.db") || !cfg.CatalogEnabled() {
		t.Fatalf("catalog dsn %q", cfg.CatalogDSN)
	}
	if cfg.SigningKeyID != DefaultSigningKeyID {
		t.Fatalf("signing key id %q", cfg.SigningKeyID)
	}
	if cfg.MaxEnvelopeBytes != DefaultMaxEnvelopeBytes || cfg.MaxParts != DefaultMaxParts || cfg.SpoolThreshold != DefaultSpoolThreshold {
		t.Fatal("expected envelope limit defaults")
	}
	if cfg.FreeHandleFloor != DefaultFreeHandleFloor || cfg.CPULoadCeiling != DefaultCPULoadCeiling || cfg.IdleTimeout != DefaultIdleTimeout {
		t.Fatal("expected admission defaults")
	}
	if cfg.TimestampInterval != DefaultTimestampInterval || cfg.MaxSegmentBytes != DefaultMaxSegmentBytes {
		t.Fatal("expected log defaults")
	}
	if cfg.RetryMaxAttempts != DefaultRetryMaxAttempts || cfg.RetryMultiplier != DefaultRetryMultiplier {
		t.Fatal("expected retry defaults")
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("shutdown timeout %s", cfg.ShutdownTimeout)
	}
}

func TestConfigValidateKeepsNegativeDisables(t *testing.T) {
	cfg := baseConfig(t)
	cfg.TimestampInterval = -1
	cfg.MaxSegmentAge = -1
	cfg.LoadLogInterval = -1
	cfg.CatalogDSN = "-"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.TimestampInterval != -1 || cfg.MaxSegmentAge != -1 || cfg.LoadLogInterval != -1 {
		t.Fatalf("negative values were overwritten: %+v", cfg)
	}
	if cfg.CatalogEnabled() {
		t.Fatal("catalog should be disabled")
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"no signer":        {func(c *Config) { c.SigningKeyFile = "" }, "signer target or signing key file"},
		"both signers":     {func(c *Config) { c.SignerTarget = "signer:7000" }, "mutually exclusive"},
		"no upstream":      {func(c *Config) { c.Upstream = "" }, "upstream is required"},
		"bad upstream":     {func(c *Config) { c.Upstream = "ftp://provider" }, "unsupported upstream scheme"},
		"upstream host":    {func(c *Config) { c.Upstream = "tcp://" }, "has no host"},
		"listen proto":     {func(c *Config) { c.ListenProto = "udp" }, "listen proto"},
		"hash":             {func(c *Config) { c.HashAlgorithm = "MD5" }, "hash algorithm"},
		"tsa scheme":       {func(c *Config) { c.TSAURL = "ftp://tsa" }, "tsa url"},
		"spool no issuer":  {func(c *Config) { c.OCSPSpoolDir = "/tmp/ocsp"; c.SigningCertFile = "cert.pem" }, "issuer"},
		"ocsp no cert":     {func(c *Config) { c.OCSPRequireGood = true }, "signing certificate"},
		"envelope limits":  {func(c *Config) { c.MaxPartBytes = 10 << 20; c.MaxEnvelopeBytes = 1 << 20 }, "max envelope bytes"},
		"retry delays":     {func(c *Config) { c.RetryBaseDelay = time.Second; c.RetryMaxDelay = time.Millisecond }, "retry max delay"},
		"profiling":        {func(c *Config) { c.EnableProfilingMetrics = true }, "metrics-listen"},
		"handle floor":     {func(c *Config) { c.FreeHandleFloor = -1 }, "free handle floor"},
		"timestamp batch":  {func(c *Config) { c.TimestampMaxBatch = -1 }, "timestamp max batch"},
		"shutdown timeout": {func(c *Config) { c.ShutdownTimeout = -time.Second }, "shutdown timeout"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := baseConfig(t)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestConfigInjectedComponentsLiftRequirements(t *testing.T) {
	cfg := Config{DataDir: t.TempDir()}
	if err := cfg.validate(injected{signer: true, upstream: true}); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestConfigExpandsPaths(t *testing.T) {
	t.Setenv("RELAYD_TEST_ROOT", "/srv/relayd")
	cfg := baseConfig(t)
	cfg.DataDir = "$RELAYD_TEST_ROOT/data"
	cfg.SigningKeyFile = "${RELAYD_TEST_ROOT}/keys/signing-key.pem"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.DataDir != "/srv/relayd/data" || cfg.SigningKeyFile != "/srv/relayd/keys/signing-key.pem" {
		t.Fatalf("paths not expanded: %s %s", cfg.DataDir, cfg.SigningKeyFile)
	}
	if cfg.LogDir != "/srv/relayd/data/messagelog" {
		t.Fatalf("log dir %s", cfg.LogDir)
	}
}

func TestParseUpstream(t *testing.T) {
	cases := []struct {
		raw, scheme, target string
	}{
		{"https://provider.example/relay", "https", "https://provider.example/relay"},
		{"HTTP://provider.example:8080/x", "http", "http://provider.example:8080/x"},
		{"tcp://10.0.0.5:5500", "tcp", "10.0.0.5:5500"},
		{"tls://provider.example:5501", "tls", "provider.example:5501"},
	}
	for _, tc := range cases {
		scheme, target, err := ParseUpstream(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if scheme != tc.scheme || target != tc.target {
			t.Fatalf("%s: got %s %s", tc.raw, scheme, target)
		}
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RELAYD_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil || got != dir {
		t.Fatalf("config dir %q %v", got, err)
	}
	data, err := DefaultDataDir()
	if err != nil || data != filepath.Join(dir, "data") {
		t.Fatalf("data dir %q %v", data, err)
	}
}
