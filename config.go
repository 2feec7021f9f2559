package relayd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/envelope"
	"pkt.systems/relayd/internal/gateway"
	"pkt.systems/relayd/internal/messagelog"
	"pkt.systems/relayd/internal/pathutil"
)

const (
	// DefaultListen is the TCP endpoint members connect to.
	DefaultListen = ":5500"
	// DefaultListenProto controls the listener network when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the Prometheus scrape endpoint; empty disables metrics.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener; empty disables it.
	DefaultPprofListen = ""
	// DefaultHashAlgorithm is the digest used for the log and archives.
	DefaultHashAlgorithm = "SHA-256"
	// DefaultConfigFileName is searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"

	// DefaultSpoolThreshold is the in-memory budget per part before spilling to disk.
	DefaultSpoolThreshold = envelope.DefaultSpoolThreshold
	// DefaultMaxPartBytes bounds one envelope part.
	DefaultMaxPartBytes = envelope.DefaultMaxPartBytes
	// DefaultMaxEnvelopeBytes bounds a whole envelope on the wire.
	DefaultMaxEnvelopeBytes = envelope.DefaultMaxEnvelopeBytes
	// DefaultMaxParts bounds the number of parts per envelope.
	DefaultMaxParts = envelope.DefaultMaxParts

	// DefaultFreeHandleFloor rejects connections while fewer file handles are free.
	DefaultFreeHandleFloor = 64
	// DefaultCPULoadCeiling rejects connections while CPU load is above this fraction.
	DefaultCPULoadCeiling = 0.95
	// DefaultPerAddressCap bounds concurrent connections per remote host.
	DefaultPerAddressCap = 64
	// DefaultMaxConnections is the global connection ceiling.
	DefaultMaxConnections = 4096
	// DefaultIdleTimeout closes admitted connections that send nothing.
	DefaultIdleTimeout = 30 * time.Second
	// DefaultAdmissionSweepInterval is the idle sweeper cadence.
	DefaultAdmissionSweepInterval = 5 * time.Second
	// DefaultLoadSampleInterval is the load sampler cadence.
	DefaultLoadSampleInterval = time.Second
	// DefaultLoadLogInterval throttles the periodic load summary log.
	DefaultLoadLogInterval = time.Minute

	// DefaultTimestampInterval is the batch timestamping cadence.
	DefaultTimestampInterval = messagelog.DefaultTimestampInterval
	// DefaultMaxSegmentBytes seals the active segment once it grows past this size.
	DefaultMaxSegmentBytes = int64(messagelog.DefaultMaxSegmentBytes)
	// DefaultMaxSegmentAge seals the active segment once its oldest record is this old.
	DefaultMaxSegmentAge = messagelog.DefaultMaxSegmentAge
	// DefaultAppendTimeout bounds how long a relay waits for a durable append.
	DefaultAppendTimeout = messagelog.DefaultAppendTimeout

	// DefaultSigningKeyID names the signing key when none is configured.
	DefaultSigningKeyID = "default"
	// DefaultSignerTimeout bounds one signing call.
	DefaultSignerTimeout = 5 * time.Second
	// DefaultTSATimeout bounds one timestamp request.
	DefaultTSATimeout = 10 * time.Second
	// DefaultUpstreamTimeout bounds one upstream exchange.
	DefaultUpstreamTimeout = 30 * time.Second
	// DefaultReadTimeout bounds reading one request envelope.
	DefaultReadTimeout = gateway.DefaultReadTimeout
	// DefaultHandleTimeout bounds processing of one parsed request.
	DefaultHandleTimeout = gateway.DefaultHandleTimeout
	// DefaultWriteTimeout bounds writing one reply.
	DefaultWriteTimeout = gateway.DefaultWriteTimeout
	// DefaultShutdownTimeout caps the total graceful shutdown time.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultRetryMaxAttempts is how many times transient signer and TSA errors are tried.
	DefaultRetryMaxAttempts = 3
	// DefaultRetryBaseDelay is the base backoff between attempts.
	DefaultRetryBaseDelay = 100 * time.Millisecond
	// DefaultRetryMaxDelay caps the backoff between attempts.
	DefaultRetryMaxDelay = 2 * time.Second
	// DefaultRetryMultiplier is the exponential backoff ratio.
	DefaultRetryMultiplier = 2.0
)

// Config captures the tunables for a relayd.Server instance.
type Config struct {
	// Listen is the bind address for member connections.
	Listen string
	// ListenProto selects the listener network ("tcp" or "unix").
	ListenProto string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables OTLP trace export to the given collector.
	OTLPEndpoint string

	// DataDir holds the message log, archives and catalog unless overridden.
	DataDir string
	// LogDir holds message log segments.
	LogDir string
	// ArchiveDir holds built archives and their indexes.
	ArchiveDir string
	// CatalogDSN is the sqlite DSN of the archive catalog; "-" disables it.
	CatalogDSN string
	// KeepSegments leaves sealed segments in LogDir after archiving.
	KeepSegments bool
	// ArchiveEncryptionKey is a kryptograf PEM key file; when set every
	// archive is sealed at rest (see `relayd archive genkey`).
	ArchiveEncryptionKey string
	// HashAlgorithm names the digest used for the log and archives.
	HashAlgorithm string

	// ArchiveStore is an optional sink URL (disk://, s3://, aws://, azure://)
	// receiving every finished archive.
	ArchiveStore string
	// S3AccessKeyID sets a static S3 access key.
	S3AccessKeyID string
	// S3SecretAccessKey sets a static S3 secret.
	S3SecretAccessKey string
	// S3SessionToken sets an optional session token for temporary credentials.
	S3SessionToken string
	// AWSRegion sets the region for aws:// sinks.
	AWSRegion string
	// AzureAccount is the Azure storage account name.
	AzureAccount string
	// AzureAccountKey is the shared-key credential for Azure Blob.
	AzureAccountKey string
	// AzureEndpoint overrides the Azure Blob endpoint URL.
	AzureEndpoint string
	// AzureSASToken configures SAS-token auth for Azure Blob.
	AzureSASToken string

	// SpoolThreshold is the in-memory budget per part before spilling to disk.
	SpoolThreshold int64
	// MaxPartBytes bounds one envelope part.
	MaxPartBytes int64
	// MaxEnvelopeBytes bounds a whole envelope.
	MaxEnvelopeBytes int64
	// MaxParts bounds the number of parts per envelope.
	MaxParts int
	// SpoolDir receives spilled parts; empty uses the system temp dir.
	SpoolDir string

	// FreeHandleFloor rejects connections while fewer handles are free.
	FreeHandleFloor int64
	// CPULoadCeiling rejects connections above this CPU load fraction; >= 1 disables it.
	CPULoadCeiling float64
	// PerAddressCap bounds concurrent connections per remote host; 0 disables it.
	PerAddressCap int
	// MaxConnections is the global connection ceiling; 0 disables it.
	MaxConnections int
	// IdleTimeout closes admitted connections that send nothing for this long.
	IdleTimeout time.Duration
	// AdmissionSweepInterval is the idle sweeper cadence.
	AdmissionSweepInterval time.Duration
	// LoadSampleInterval is the load sampler cadence.
	LoadSampleInterval time.Duration
	// LoadLogInterval throttles the load summary log; negative disables it.
	LoadLogInterval time.Duration

	// SignerTarget is the gRPC target of the external signer.
	SignerTarget string
	// SignerCAFile enables TLS to the signer using this CA bundle.
	SignerCAFile string
	// SigningKeyFile is a PEM private key used by the in-process signer
	// when no SignerTarget is set.
	SigningKeyFile string
	// SigningKeyID identifies the signing key at the signer.
	SigningKeyID string
	// SigningCertFile is the PEM certificate of the signing key.
	SigningCertFile string
	// SignerTimeout bounds one signing call.
	SignerTimeout time.Duration

	// OCSPSpoolDir is watched for OCSP responses named <key>.der.
	OCSPSpoolDir string
	// OCSPIssuerFile is the PEM issuer certificate the responses are checked against.
	OCSPIssuerFile string
	// OCSPRequireGood rejects relays unless a good status is cached.
	OCSPRequireGood bool

	// TSAURL is the RFC 3161 timestamp authority; empty disables timestamping.
	TSAURL string
	// TSATimeout bounds one timestamp request.
	TSATimeout time.Duration
	// TimestampInterval is the batch timestamping cadence.
	TimestampInterval time.Duration
	// TimestampMaxBatch caps records per token; 0 is unlimited.
	TimestampMaxBatch int
	// TimestampImmediately timestamps each record right after it is logged.
	TimestampImmediately bool
	// TimestampFailureTolerance makes relays fail once timestamping has been
	// failing for this long; 0 disables the check.
	TimestampFailureTolerance time.Duration

	// MaxSegmentBytes seals the active segment past this size.
	MaxSegmentBytes int64
	// MaxSegmentAge seals the active segment once its oldest record is this old.
	MaxSegmentAge time.Duration
	// AppendTimeout bounds how long a relay waits for a durable append.
	AppendTimeout time.Duration

	// Upstream is where relayed messages go: http(s):// posts the envelope,
	// tcp:// and tls:// stream it.
	Upstream string
	// UpstreamTimeout bounds one upstream exchange.
	UpstreamTimeout time.Duration
	// UpstreamInsecure skips TLS verification for tls:// and https:// upstreams.
	UpstreamInsecure bool

	// ReadTimeout bounds reading one request envelope.
	ReadTimeout time.Duration
	// HandleTimeout bounds processing of one parsed request.
	HandleTimeout time.Duration
	// WriteTimeout bounds writing one reply.
	WriteTimeout time.Duration
	// ShutdownTimeout caps the total graceful shutdown time.
	ShutdownTimeout time.Duration

	// RetryMaxAttempts bounds attempts for transient signer and TSA errors.
	RetryMaxAttempts int
	// RetryBaseDelay is the base backoff between attempts.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff between attempts.
	RetryMaxDelay time.Duration
	// RetryMultiplier is the exponential backoff ratio.
	RetryMultiplier float64
}

// Algorithm returns the parsed HashAlgorithm. Call after Validate.
func (c Config) Algorithm() digest.Algorithm {
	alg, err := digest.Parse(c.HashAlgorithm)
	if err != nil {
		return digest.SHA256
	}
	return alg
}

// CatalogEnabled reports whether the archive catalog is in use.
func (c Config) CatalogEnabled() bool {
	return c.CatalogDSN != "-"
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	return c.validate(injected{})
}

// injected records components supplied through server options, which lift
// the matching configuration requirements.
type injected struct {
	signer   bool
	upstream bool
}

func (c *Config) validate(in injected) error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if err := pathutil.ExpandAll(&c.DataDir, &c.LogDir, &c.ArchiveDir, &c.SpoolDir, &c.SigningKeyFile,
		&c.SigningCertFile, &c.SignerCAFile, &c.OCSPSpoolDir, &c.OCSPIssuerFile, &c.ArchiveEncryptionKey); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return fmt.Errorf("config: resolve data dir: %w", err)
		}
		c.DataDir = dir
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.DataDir, "messagelog")
	}
	if c.ArchiveDir == "" {
		c.ArchiveDir = filepath.Join(c.DataDir, "archive")
	}
	if c.CatalogDSN == "" {
		c.CatalogDSN = "file:" + filepath.Join(c.DataDir, "catalog.db")
	}
	if c.HashAlgorithm == "" {
		c.HashAlgorithm = DefaultHashAlgorithm
	}
	if _, err := digest.Parse(c.HashAlgorithm); err != nil {
		return fmt.Errorf("config: hash algorithm: %w", err)
	}

	if c.SpoolThreshold <= 0 {
		c.SpoolThreshold = DefaultSpoolThreshold
	}
	if c.MaxPartBytes <= 0 {
		c.MaxPartBytes = DefaultMaxPartBytes
	}
	if c.MaxEnvelopeBytes <= 0 {
		c.MaxEnvelopeBytes = DefaultMaxEnvelopeBytes
	}
	if c.MaxEnvelopeBytes < c.MaxPartBytes {
		return fmt.Errorf("config: max envelope bytes must be >= max part bytes")
	}
	if c.MaxParts <= 0 {
		c.MaxParts = DefaultMaxParts
	}

	if c.FreeHandleFloor < 0 {
		return fmt.Errorf("config: free handle floor must be >= 0")
	}
	if c.FreeHandleFloor == 0 {
		c.FreeHandleFloor = DefaultFreeHandleFloor
	}
	if c.CPULoadCeiling < 0 {
		return fmt.Errorf("config: cpu load ceiling must be >= 0")
	}
	if c.CPULoadCeiling == 0 {
		c.CPULoadCeiling = DefaultCPULoadCeiling
	}
	if c.PerAddressCap < 0 {
		return fmt.Errorf("config: per-address cap must be >= 0")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("config: max connections must be >= 0")
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.AdmissionSweepInterval <= 0 {
		c.AdmissionSweepInterval = DefaultAdmissionSweepInterval
	}
	if c.LoadSampleInterval <= 0 {
		c.LoadSampleInterval = DefaultLoadSampleInterval
	}
	if c.LoadLogInterval == 0 {
		c.LoadLogInterval = DefaultLoadLogInterval
	}

	if c.SignerTarget == "" && c.SigningKeyFile == "" && !in.signer {
		return fmt.Errorf("config: signer target or signing key file is required")
	}
	if c.SignerTarget != "" && c.SigningKeyFile != "" {
		return fmt.Errorf("config: signer target and signing key file are mutually exclusive")
	}
	if c.SigningKeyID == "" {
		c.SigningKeyID = DefaultSigningKeyID
	}
	if c.SignerTimeout <= 0 {
		c.SignerTimeout = DefaultSignerTimeout
	}
	if c.OCSPSpoolDir != "" && c.OCSPIssuerFile == "" {
		return fmt.Errorf("config: ocsp spool dir requires an issuer certificate")
	}
	if (c.OCSPSpoolDir != "" || c.OCSPRequireGood) && c.SigningCertFile == "" {
		return fmt.Errorf("config: ocsp checks require the signing certificate")
	}

	if c.TSAURL != "" {
		u, err := url.Parse(c.TSAURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: tsa url %q must be http(s)", c.TSAURL)
		}
	}
	if c.TSATimeout <= 0 {
		c.TSATimeout = DefaultTSATimeout
	}
	if c.TimestampInterval == 0 {
		c.TimestampInterval = DefaultTimestampInterval
	}
	if c.TimestampMaxBatch < 0 {
		return fmt.Errorf("config: timestamp max batch must be >= 0")
	}
	if c.TimestampFailureTolerance < 0 {
		return fmt.Errorf("config: timestamp failure tolerance must be >= 0")
	}
	if c.MaxSegmentBytes <= 0 {
		c.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if c.MaxSegmentAge == 0 {
		c.MaxSegmentAge = DefaultMaxSegmentAge
	}
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = DefaultAppendTimeout
	}

	if c.Upstream == "" && !in.upstream {
		return fmt.Errorf("config: upstream is required")
	}
	if c.Upstream != "" {
		if _, _, err := ParseUpstream(c.Upstream); err != nil {
			return err
		}
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = DefaultHandleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = DefaultRetryMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry max delay must be >= base delay")
	}
	if c.RetryMultiplier <= 0 {
		c.RetryMultiplier = DefaultRetryMultiplier
	}
	return nil
}

// ParseUpstream splits an upstream URL into its scheme and the address or
// URL the transport needs.
func ParseUpstream(raw string) (scheme, target string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("config: parse upstream: %w", err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("config: upstream %q has no host", raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return strings.ToLower(u.Scheme), u.String(), nil
	case "tcp", "tls":
		return strings.ToLower(u.Scheme), u.Host, nil
	default:
		return "", "", fmt.Errorf("config: unsupported upstream scheme %q (use http, https, tcp or tls)", u.Scheme)
	}
}

// DefaultConfigDir returns the default configuration directory ($HOME/.relayd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("RELAYD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".relayd"), nil
}

// DefaultDataDir returns the default data directory ($HOME/.relayd/data).
func DefaultDataDir() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}
