package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/relayd"
	"pkt.systems/relayd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("RELAYD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "relayd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand. Server failures are logged; subcommand failures are
// printed plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(sh)-1
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := relayd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, relayd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// serverFlagNames lists every root flag that maps onto relayd.Config. The
// same names are the keys of the YAML config file and, upper-cased with a
// RELAYD_ prefix, the environment variables.
var serverFlagNames = []string{
	"listen", "listen-proto", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"data-dir", "log-dir", "archive-dir", "catalog-dsn", "keep-segments", "archive-encryption-key", "hash-algorithm",
	"archive-store", "s3-access-key-id", "s3-secret-access-key", "s3-session-token", "aws-region",
	"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
	"spool-threshold", "max-part-bytes", "max-envelope-bytes", "max-parts", "spool-dir",
	"free-handle-floor", "cpu-load-ceiling", "per-address-cap", "max-connections", "idle-timeout",
	"admission-sweep-interval", "load-sample-interval", "load-log-interval",
	"signer-target", "signer-ca", "signing-key", "signing-key-id", "signing-cert", "signer-timeout",
	"ocsp-spool-dir", "ocsp-issuer", "ocsp-require-good",
	"tsa-url", "tsa-timeout", "timestamp-interval", "timestamp-max-batch", "timestamp-immediately", "timestamp-failure-tolerance",
	"max-segment-bytes", "max-segment-age", "append-timeout",
	"upstream", "upstream-timeout", "upstream-insecure",
	"read-timeout", "handle-timeout", "write-timeout", "shutdown-timeout",
	"retry-attempts", "retry-base-delay", "retry-max-delay", "retry-multiplier",
	"log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg relayd.Config
	cmd := &cobra.Command{
		Use:           "relayd",
		Short:         "relayd signs, forwards and durably logs every message a member exchanges with a service provider",
		SilenceErrors: true,
		Example: `
  # Development: generate a signing identity, then relay to a provider over HTTPS
  relayd keygen --out ~/.relayd/keys
  relayd --signing-key ~/.relayd/keys/signing-key.pem --signing-cert ~/.relayd/keys/signing-cert.pem \
    --upstream https://provider.example/relay --tsa-url https://tsa.example/tsr

  # Chain to another relayd over TLS and archive to MinIO
  RELAYD_ARCHIVE_STORE=s3://localhost:9000/archives/relayd?insecure=1 \
  RELAYD_S3_ACCESS_KEY_ID=minioadmin RELAYD_S3_SECRET_ACCESS_KEY=minioadmin \
    relayd --signer-target signer.internal:7000 --upstream tls://provider-gw.example:5500

  # Verify an archive and find where a message was archived
  relayd archive verify ~/.relayd/data/archive/archive-00000000000000000001-00000000000000000042.zip
  relayd archive find msg-20260101-0001
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to relayd",
				"app", "relayd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := relayd.NewServer(cfg, relayd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				_ = server.Close()
			}()
			go func() {
				<-ctx.Done()
				if err := server.Close(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			if err := server.Start(); err != nil && !errors.Is(err, relayd.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.relayd/"+relayd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", relayd.DefaultListen, "listen address for member connections")
	flags.String("listen-proto", relayd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("metrics-listen", relayd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", relayd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	flags.String("data-dir", "", "root for the message log, archives and catalog (defaults to $HOME/.relayd/data)")
	flags.String("log-dir", "", "message log directory (defaults to <data-dir>/messagelog)")
	flags.String("archive-dir", "", "archive directory (defaults to <data-dir>/archive)")
	flags.String("catalog-dsn", "", `sqlite DSN of the archive catalog (defaults to <data-dir>/catalog.db; "-" disables)`)
	flags.Bool("keep-segments", false, "keep sealed log segments after they are archived")
	flags.String("archive-encryption-key", "", "kryptograf key file; seals archives at rest when set (create with 'relayd archive genkey')")
	flags.String("hash-algorithm", relayd.DefaultHashAlgorithm, "digest for hash chains, the log and archives (SHA-256, SHA-384, SHA-512)")

	flags.String("archive-store", "", "optional archive sink URL (disk:///path, s3://host[:port]/bucket/prefix, aws://bucket/prefix, azure://container/prefix)")
	flags.String("s3-access-key-id", "", "S3 access key for s3:// archive stores")
	flags.String("s3-secret-access-key", "", "S3 secret for s3:// archive stores")
	flags.String("s3-session-token", "", "S3 session token for temporary credentials")
	flags.String("aws-region", "", "AWS region for aws:// archive stores")
	flags.String("azure-account", "", "Azure storage account for azure:// archive stores")
	flags.String("azure-key", "", "Azure storage account key (or use RELAYD_AZURE_KEY)")
	flags.String("azure-endpoint", "", "Azure Blob endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")

	flags.String("spool-threshold", humanizeBytes(relayd.DefaultSpoolThreshold), "bytes of a part held in memory before spooling to disk")
	flags.String("max-part-bytes", humanizeBytes(relayd.DefaultMaxPartBytes), "maximum size of one envelope part")
	flags.String("max-envelope-bytes", humanizeBytes(relayd.DefaultMaxEnvelopeBytes), "maximum size of a whole envelope")
	flags.Int("max-parts", relayd.DefaultMaxParts, "maximum parts per envelope")
	flags.String("spool-dir", "", "directory for spooled parts (defaults to the system temp dir)")

	flags.Int64("free-handle-floor", relayd.DefaultFreeHandleFloor, "reject connections while fewer file handles are free")
	flags.Float64("cpu-load-ceiling", relayd.DefaultCPULoadCeiling, "reject connections while CPU load is above this fraction (>= 1 disables)")
	flags.Int("per-address-cap", relayd.DefaultPerAddressCap, "maximum concurrent connections per remote host (0 disables)")
	flags.Int("max-connections", relayd.DefaultMaxConnections, "global connection ceiling (0 disables)")
	flags.Duration("idle-timeout", relayd.DefaultIdleTimeout, "close admitted connections that send nothing for this long")
	flags.Duration("admission-sweep-interval", relayd.DefaultAdmissionSweepInterval, "idle connection sweep cadence")
	flags.Duration("load-sample-interval", relayd.DefaultLoadSampleInterval, "host load sampling cadence")
	flags.Duration("load-log-interval", relayd.DefaultLoadLogInterval, "interval between load summary logs (negative disables)")

	flags.String("signer-target", "", "gRPC target of the external signing service")
	flags.String("signer-ca", "", "CA bundle enabling TLS to the signing service")
	flags.String("signing-key", "", "PEM private key for in-process signing (mutually exclusive with --signer-target)")
	flags.String("signing-key-id", relayd.DefaultSigningKeyID, "key identifier passed to the signer")
	flags.String("signing-cert", "", "PEM certificate of the signing key")
	flags.Duration("signer-timeout", relayd.DefaultSignerTimeout, "timeout for one signing call")

	flags.String("ocsp-spool-dir", "", "directory watched for OCSP responses named <issuer-hash>:<serial>.der")
	flags.String("ocsp-issuer", "", "PEM issuer certificate the OCSP responses are checked against")
	flags.Bool("ocsp-require-good", false, "refuse to sign unless a good OCSP status is cached")

	flags.String("tsa-url", "", "RFC 3161 timestamp authority URL (empty disables timestamping)")
	flags.Duration("tsa-timeout", relayd.DefaultTSATimeout, "timeout for one timestamp request")
	flags.Duration("timestamp-interval", relayd.DefaultTimestampInterval, "batch timestamping cadence (negative disables the loop)")
	flags.Int("timestamp-max-batch", 0, "maximum records per timestamp token (0 is unlimited)")
	flags.Bool("timestamp-immediately", false, "timestamp each record right after it is logged")
	flags.Duration("timestamp-failure-tolerance", 0, "refuse relays once timestamping has failed for this long (0 disables)")

	flags.String("max-segment-bytes", humanizeBytes(relayd.DefaultMaxSegmentBytes), "seal the active log segment past this size")
	flags.Duration("max-segment-age", relayd.DefaultMaxSegmentAge, "seal the active log segment once its oldest record is this old (negative disables)")
	flags.Duration("append-timeout", relayd.DefaultAppendTimeout, "maximum wait for a durable log append")

	flags.String("upstream", "", "next hop: http(s)://host/path posts envelopes, tcp://host:port or tls://host:port streams them")
	flags.Duration("upstream-timeout", relayd.DefaultUpstreamTimeout, "timeout for one upstream exchange")
	flags.Bool("upstream-insecure", false, "skip TLS verification for https:// and tls:// upstreams")

	flags.Duration("read-timeout", relayd.DefaultReadTimeout, "timeout for reading one request envelope")
	flags.Duration("handle-timeout", relayd.DefaultHandleTimeout, "timeout for processing one request")
	flags.Duration("write-timeout", relayd.DefaultWriteTimeout, "timeout for writing one reply")
	flags.Duration("shutdown-timeout", relayd.DefaultShutdownTimeout, "overall graceful shutdown timeout")

	flags.Int("retry-attempts", relayd.DefaultRetryMaxAttempts, "attempts for transient signer and timestamp authority failures")
	flags.Duration("retry-base-delay", relayd.DefaultRetryBaseDelay, "initial retry backoff")
	flags.Duration("retry-max-delay", relayd.DefaultRetryMaxDelay, "maximum retry backoff")
	flags.Float64("retry-multiplier", relayd.DefaultRetryMultiplier, "retry backoff multiplier")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("RELAYD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindFlag("config")
	for _, name := range serverFlagNames {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newKeygenCommand())
	cmd.AddCommand(newArchiveCommand(svcfields.WithSubsystem(baseLogger, "cli.archive")))
	cmd.AddCommand(newSignerCommand(svcfields.WithSubsystem(baseLogger, "cli.signer")))
	return cmd
}

func parseSize(name string) (int64, error) {
	raw := strings.TrimSpace(viper.GetString(name))
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return int64(size), nil
}

func bindConfig(cfg *relayd.Config) error {
	var err error
	for name, dst := range map[string]*int64{
		"spool-threshold":    &cfg.SpoolThreshold,
		"max-part-bytes":     &cfg.MaxPartBytes,
		"max-envelope-bytes": &cfg.MaxEnvelopeBytes,
		"max-segment-bytes":  &cfg.MaxSegmentBytes,
	} {
		if *dst, err = parseSize(name); err != nil {
			return err
		}
	}
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")

	cfg.DataDir = viper.GetString("data-dir")
	cfg.LogDir = viper.GetString("log-dir")
	cfg.ArchiveDir = viper.GetString("archive-dir")
	cfg.CatalogDSN = viper.GetString("catalog-dsn")
	cfg.KeepSegments = viper.GetBool("keep-segments")
	cfg.ArchiveEncryptionKey = viper.GetString("archive-encryption-key")
	cfg.HashAlgorithm = viper.GetString("hash-algorithm")

	cfg.ArchiveStore = viper.GetString("archive-store")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AWSRegion = viper.GetString("aws-region")
	if cfg.AWSRegion == "" {
		if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" {
			cfg.AWSRegion = v
		} else if v := strings.TrimSpace(os.Getenv("AWS_DEFAULT_REGION")); v != "" {
			cfg.AWSRegion = v
		}
	}
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")

	cfg.MaxParts = viper.GetInt("max-parts")
	cfg.SpoolDir = viper.GetString("spool-dir")

	cfg.FreeHandleFloor = viper.GetInt64("free-handle-floor")
	cfg.CPULoadCeiling = viper.GetFloat64("cpu-load-ceiling")
	cfg.PerAddressCap = viper.GetInt("per-address-cap")
	cfg.MaxConnections = viper.GetInt("max-connections")
	cfg.IdleTimeout = viper.GetDuration("idle-timeout")
	cfg.AdmissionSweepInterval = viper.GetDuration("admission-sweep-interval")
	cfg.LoadSampleInterval = viper.GetDuration("load-sample-interval")
	cfg.LoadLogInterval = viper.GetDuration("load-log-interval")

	cfg.SignerTarget = viper.GetString("signer-target")
	cfg.SignerCAFile = viper.GetString("signer-ca")
	cfg.SigningKeyFile = viper.GetString("signing-key")
	cfg.SigningKeyID = viper.GetString("signing-key-id")
	cfg.SigningCertFile = viper.GetString("signing-cert")
	cfg.SignerTimeout = viper.GetDuration("signer-timeout")

	cfg.OCSPSpoolDir = viper.GetString("ocsp-spool-dir")
	cfg.OCSPIssuerFile = viper.GetString("ocsp-issuer")
	cfg.OCSPRequireGood = viper.GetBool("ocsp-require-good")

	cfg.TSAURL = viper.GetString("tsa-url")
	cfg.TSATimeout = viper.GetDuration("tsa-timeout")
	cfg.TimestampInterval = viper.GetDuration("timestamp-interval")
	cfg.TimestampMaxBatch = viper.GetInt("timestamp-max-batch")
	cfg.TimestampImmediately = viper.GetBool("timestamp-immediately")
	cfg.TimestampFailureTolerance = viper.GetDuration("timestamp-failure-tolerance")

	cfg.MaxSegmentAge = viper.GetDuration("max-segment-age")
	cfg.AppendTimeout = viper.GetDuration("append-timeout")

	cfg.Upstream = viper.GetString("upstream")
	cfg.UpstreamTimeout = viper.GetDuration("upstream-timeout")
	cfg.UpstreamInsecure = viper.GetBool("upstream-insecure")

	cfg.ReadTimeout = viper.GetDuration("read-timeout")
	cfg.HandleTimeout = viper.GetDuration("handle-timeout")
	cfg.WriteTimeout = viper.GetDuration("write-timeout")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")

	cfg.RetryMaxAttempts = viper.GetInt("retry-attempts")
	cfg.RetryBaseDelay = viper.GetDuration("retry-base-delay")
	cfg.RetryMaxDelay = viper.GetDuration("retry-max-delay")
	cfg.RetryMultiplier = viper.GetFloat64("retry-multiplier")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
