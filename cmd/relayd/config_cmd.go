package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/relayd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage relayd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.relayd/" + relayd.DefaultConfigFileName
	if dir, err := relayd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, relayd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default relayd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := relayd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, relayd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root flags; every yaml key is a flag name.
type configDefaults struct {
	Listen                 string  `yaml:"listen"`
	ListenProto            string  `yaml:"listen-proto"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	DataDir                string  `yaml:"data-dir"`
	LogDir                 string  `yaml:"log-dir"`
	ArchiveDir             string  `yaml:"archive-dir"`
	CatalogDSN             string  `yaml:"catalog-dsn"`
	KeepSegments           bool    `yaml:"keep-segments"`
	ArchiveEncryptionKey   string  `yaml:"archive-encryption-key"`
	HashAlgorithm          string  `yaml:"hash-algorithm"`
	ArchiveStore           string  `yaml:"archive-store"`
	S3AccessKeyID          string  `yaml:"s3-access-key-id"`
	S3SecretAccessKey      string  `yaml:"s3-secret-access-key"`
	AWSRegion              string  `yaml:"aws-region"`
	AzureAccount           string  `yaml:"azure-account"`
	AzureEndpoint          string  `yaml:"azure-endpoint"`
	SpoolThreshold         string  `yaml:"spool-threshold"`
	MaxPartBytes           string  `yaml:"max-part-bytes"`
	MaxEnvelopeBytes       string  `yaml:"max-envelope-bytes"`
	MaxParts               int     `yaml:"max-parts"`
	SpoolDir               string  `yaml:"spool-dir"`
	FreeHandleFloor        int64   `yaml:"free-handle-floor"`
	CPULoadCeiling         float64 `yaml:"cpu-load-ceiling"`
	PerAddressCap          int     `yaml:"per-address-cap"`
	MaxConnections         int     `yaml:"max-connections"`
	IdleTimeout            string  `yaml:"idle-timeout"`
	AdmissionSweepInterval string  `yaml:"admission-sweep-interval"`
	LoadSampleInterval     string  `yaml:"load-sample-interval"`
	LoadLogInterval        string  `yaml:"load-log-interval"`
	SignerTarget           string  `yaml:"signer-target"`
	SignerCA               string  `yaml:"signer-ca"`
	SigningKey             string  `yaml:"signing-key"`
	SigningKeyID           string  `yaml:"signing-key-id"`
	SigningCert            string  `yaml:"signing-cert"`
	SignerTimeout          string  `yaml:"signer-timeout"`
	OCSPSpoolDir           string  `yaml:"ocsp-spool-dir"`
	OCSPIssuer             string  `yaml:"ocsp-issuer"`
	OCSPRequireGood        bool    `yaml:"ocsp-require-good"`
	TSAURL                 string  `yaml:"tsa-url"`
	TSATimeout             string  `yaml:"tsa-timeout"`
	TimestampInterval      string  `yaml:"timestamp-interval"`
	TimestampMaxBatch      int     `yaml:"timestamp-max-batch"`
	TimestampImmediately   bool    `yaml:"timestamp-immediately"`
	TimestampTolerance     string  `yaml:"timestamp-failure-tolerance"`
	MaxSegmentBytes        string  `yaml:"max-segment-bytes"`
	MaxSegmentAge          string  `yaml:"max-segment-age"`
	AppendTimeout          string  `yaml:"append-timeout"`
	Upstream               string  `yaml:"upstream"`
	UpstreamTimeout        string  `yaml:"upstream-timeout"`
	UpstreamInsecure       bool    `yaml:"upstream-insecure"`
	ReadTimeout            string  `yaml:"read-timeout"`
	HandleTimeout          string  `yaml:"handle-timeout"`
	WriteTimeout           string  `yaml:"write-timeout"`
	ShutdownTimeout        string  `yaml:"shutdown-timeout"`
	RetryAttempts          int     `yaml:"retry-attempts"`
	RetryBaseDelay         string  `yaml:"retry-base-delay"`
	RetryMaxDelay          string  `yaml:"retry-max-delay"`
	RetryMultiplier        float64 `yaml:"retry-multiplier"`
	LogLevel               string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	dataDir := ""
	if dir, err := relayd.DefaultDataDir(); err == nil {
		dataDir = dir
	}
	defaults := configDefaults{
		Listen:                 relayd.DefaultListen,
		ListenProto:            relayd.DefaultListenProto,
		MetricsListen:          relayd.DefaultMetricsListen,
		PprofListen:            relayd.DefaultPprofListen,
		DataDir:                dataDir,
		HashAlgorithm:          relayd.DefaultHashAlgorithm,
		SpoolThreshold:         humanizeBytes(relayd.DefaultSpoolThreshold),
		MaxPartBytes:           humanizeBytes(relayd.DefaultMaxPartBytes),
		MaxEnvelopeBytes:       humanizeBytes(relayd.DefaultMaxEnvelopeBytes),
		MaxParts:               relayd.DefaultMaxParts,
		FreeHandleFloor:        relayd.DefaultFreeHandleFloor,
		CPULoadCeiling:         relayd.DefaultCPULoadCeiling,
		PerAddressCap:          relayd.DefaultPerAddressCap,
		MaxConnections:         relayd.DefaultMaxConnections,
		IdleTimeout:            relayd.DefaultIdleTimeout.String(),
		AdmissionSweepInterval: relayd.DefaultAdmissionSweepInterval.String(),
		LoadSampleInterval:     relayd.DefaultLoadSampleInterval.String(),
		LoadLogInterval:        relayd.DefaultLoadLogInterval.String(),
		SigningKeyID:           relayd.DefaultSigningKeyID,
		SignerTimeout:          relayd.DefaultSignerTimeout.String(),
		TSATimeout:             relayd.DefaultTSATimeout.String(),
		TimestampInterval:      relayd.DefaultTimestampInterval.String(),
		TimestampTolerance:     "0s",
		MaxSegmentBytes:        humanizeBytes(relayd.DefaultMaxSegmentBytes),
		MaxSegmentAge:          relayd.DefaultMaxSegmentAge.String(),
		AppendTimeout:          relayd.DefaultAppendTimeout.String(),
		UpstreamTimeout:        relayd.DefaultUpstreamTimeout.String(),
		ReadTimeout:            relayd.DefaultReadTimeout.String(),
		HandleTimeout:          relayd.DefaultHandleTimeout.String(),
		WriteTimeout:           relayd.DefaultWriteTimeout.String(),
		ShutdownTimeout:        relayd.DefaultShutdownTimeout.String(),
		RetryAttempts:          relayd.DefaultRetryMaxAttempts,
		RetryBaseDelay:         relayd.DefaultRetryBaseDelay.String(),
		RetryMaxDelay:          relayd.DefaultRetryMaxDelay.String(),
		RetryMultiplier:        relayd.DefaultRetryMultiplier,
		LogLevel:               "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
