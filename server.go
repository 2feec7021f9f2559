package relayd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc/credentials"
	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/admission"
	"pkt.systems/relayd/internal/archive"
	"pkt.systems/relayd/internal/archivestore"
	"pkt.systems/relayd/internal/catalog"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/envelope"
	"pkt.systems/relayd/internal/gateway"
	"pkt.systems/relayd/internal/loadsample"
	"pkt.systems/relayd/internal/messagelog"
	"pkt.systems/relayd/internal/ocsp"
	"pkt.systems/relayd/internal/retry"
	"pkt.systems/relayd/internal/signer"
	"pkt.systems/relayd/internal/svcfields"
	"pkt.systems/relayd/internal/tlsutil"
	"pkt.systems/relayd/internal/tsa"
)

// ErrServerClosed is returned by Start after Shutdown has been called.
var ErrServerClosed = errors.New("relayd: server closed")

// Server owns the listener, the relay pipeline and the log, archive and
// status components behind it.
type Server struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	telemetry    *telemetry
	catalog      *catalog.Catalog
	archiver     *archive.Archiver
	log          *messagelog.Log
	signerCloser func() error
	spool        *ocsp.Spool
	sampler      *loadsample.Sampler
	admission    *admission.Controller
	gateway      *gateway.Server

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup

	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	started    bool
	shutdown   bool
	readyOnce  sync.Once
	readyCh    chan struct{}
	doneOnce   sync.Once
	done       chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	Clock      clock.Clock
	Signer     signer.Signer
	Upstream   gateway.Upstream
	Authority  tsa.Authority
	LoadSource loadsample.Source
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithSigner replaces the configured signer. The server still applies its
// retry policy.
func WithSigner(s signer.Signer) Option {
	return func(o *options) {
		o.Signer = s
	}
}

// WithUpstream replaces the configured upstream transport.
func WithUpstream(u gateway.Upstream) Option {
	return func(o *options) {
		o.Upstream = u
	}
}

// WithAuthority replaces the configured timestamp authority.
func WithAuthority(a tsa.Authority) Option {
	return func(o *options) {
		o.Authority = a
	}
}

// WithLoadSource replaces the host load sampler source (useful for tests).
func WithLoadSource(src loadsample.Source) Option {
	return func(o *options) {
		o.LoadSource = src
	}
}

// NewServer validates cfg and wires every component. Nothing listens until
// Start is called, but recovered log segments are queued for archiving.
// Example:
//
//	cfg := relayd.Config{SigningKeyFile: "signing-key.pem", Upstream: "https://provider.example/relay"}
//	srv, err := relayd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.validate(injected{signer: o.Signer != nil, upstream: o.Upstream != nil}); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	s := &Server{
		cfg:     cfg,
		logger:  svcfields.WithSubsystem(logger, "server.relayd"),
		clock:   clock.Ensure(o.Clock),
		readyCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	if err := s.wire(logger, o); err != nil {
		s.release(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Server) wire(logger pslog.Logger, o options) error {
	cfg := s.cfg
	ctx := s.bgCtx
	alg := cfg.Algorithm()

	tel, err := setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:    cfg.OTLPEndpoint,
		MetricsListen:   cfg.MetricsListen,
		PprofListen:     cfg.PprofListen,
		RuntimeMetrics:  cfg.EnableProfilingMetrics,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, svcfields.WithSubsystem(logger, "server.telemetry"))
	if err != nil {
		return err
	}
	s.telemetry = tel

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("relayd: create data dir: %w", err)
	}
	var cat archive.Catalog
	if cfg.CatalogEnabled() {
		c, err := catalog.Open(cfg.CatalogDSN, logger)
		if err != nil {
			return err
		}
		s.catalog = c
		cat = c
	}
	var sink archive.Sink
	store, err := archivestore.Open(ctx, archivestore.Config{
		URL:               cfg.ArchiveStore,
		S3AccessKeyID:     cfg.S3AccessKeyID,
		S3SecretAccessKey: cfg.S3SecretAccessKey,
		S3SessionToken:    cfg.S3SessionToken,
		AWSRegion:         cfg.AWSRegion,
		AzureAccount:      cfg.AzureAccount,
		AzureAccountKey:   cfg.AzureAccountKey,
		AzureSASToken:     cfg.AzureSASToken,
		AzureEndpoint:     cfg.AzureEndpoint,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	if store != nil {
		sink = store
	}
	var enc *archive.Encryption
	if cfg.ArchiveEncryptionKey != "" {
		enc, err = archive.LoadEncryptionKey(cfg.ArchiveEncryptionKey)
		if err != nil {
			return err
		}
	}
	policy := retry.New(retry.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Multiplier:  cfg.RetryMultiplier,
	}, s.clock, logger)
	s.archiver, err = archive.NewArchiver(archive.ArchiverConfig{
		Dir:          cfg.ArchiveDir,
		Algorithm:    alg,
		KeepSegments: cfg.KeepSegments,
		Catalog:      cat,
		Sink:         sink,
		Encryption:   enc,
		Retry:        policy,
		Clock:        s.clock,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	authority, err := buildAuthority(cfg, o.Authority, policy, logger)
	if err != nil {
		return err
	}
	if authority == nil {
		s.logger.Warn("relayd.server.timestamping_disabled")
	}
	s.log, err = messagelog.Open(messagelog.Config{
		Dir:                       cfg.LogDir,
		Algorithm:                 alg,
		AppendTimeout:             cfg.AppendTimeout,
		MaxSegmentBytes:           cfg.MaxSegmentBytes,
		MaxSegmentAge:             cfg.MaxSegmentAge,
		TimestampInterval:         cfg.TimestampInterval,
		TimestampMaxBatch:         cfg.TimestampMaxBatch,
		TimestampImmediately:      cfg.TimestampImmediately,
		TimestampFailureTolerance: cfg.TimestampFailureTolerance,
		Authority:                 authority,
		Clock:                     s.clock,
		Logger:                    logger,
		OnSealed:                  s.archiver.Enqueue,
	})
	if err != nil {
		return err
	}

	sign, err := s.buildSigner(o.Signer, policy, logger)
	if err != nil {
		return err
	}
	cert, status, err := s.buildStatus(logger)
	if err != nil {
		return err
	}

	codec := envelope.NewCodec(envelope.Limits{
		SpoolThreshold:   cfg.SpoolThreshold,
		MaxPartBytes:     cfg.MaxPartBytes,
		MaxEnvelopeBytes: cfg.MaxEnvelopeBytes,
		MaxParts:         cfg.MaxParts,
		TempDir:          cfg.SpoolDir,
	}, logger)
	upstream := o.Upstream
	if upstream == nil {
		upstream, err = buildUpstream(cfg, codec)
		if err != nil {
			return err
		}
	}
	pipeline, err := gateway.NewPipeline(gateway.Config{
		Codec:       codec,
		Signer:      sign,
		KeyID:       cfg.SigningKeyID,
		Certificate: cert,
		Status:      status,
		Upstream:    upstream,
		Log:         s.log,
		Clock:       s.clock,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	s.sampler = loadsample.New(loadsample.Config{
		Interval:    cfg.LoadSampleInterval,
		LogInterval: cfg.LoadLogInterval,
	}, o.LoadSource, logger)
	s.admission = admission.NewController(admission.Config{
		FreeHandleFloor: cfg.FreeHandleFloor,
		CPULoadCeiling:  cfg.CPULoadCeiling,
		PerAddressCap:   cfg.PerAddressCap,
		IdleTimeout:     cfg.IdleTimeout,
		SweepInterval:   cfg.AdmissionSweepInterval,
		MaxConnections:  cfg.MaxConnections,
	}, s.sampler, logger)
	s.gateway = gateway.NewServer(pipeline, gateway.ServerConfig{
		ReadTimeout:   cfg.ReadTimeout,
		HandleTimeout: cfg.HandleTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		OnStopAccepting: func() {
			if n := s.admission.CloseUnparsed(); n > 0 {
				s.logger.Info("relayd.server.unparsed_closed", "connections", n)
			}
		},
		OnHalted: func(err error) {
			s.logger.Error("relayd.server.log_halted", "error", err, "stats", s.log.Stats())
		},
		Logger: logger,
	})
	return nil
}

func buildAuthority(cfg Config, injected tsa.Authority, policy *retry.Policy, logger pslog.Logger) (tsa.Authority, error) {
	inner := injected
	if inner == nil {
		if cfg.TSAURL == "" {
			return nil, nil
		}
		client, err := tsa.NewHTTPClient(tsa.HTTPConfig{URL: cfg.TSAURL, Timeout: cfg.TSATimeout})
		if err != nil {
			return nil, err
		}
		inner = client
	}
	return tsa.WithRetry(inner, policy, logger), nil
}

func (s *Server) buildSigner(injected signer.Signer, policy *retry.Policy, logger pslog.Logger) (signer.Signer, error) {
	cfg := s.cfg
	inner := injected
	switch {
	case inner != nil:
	case cfg.SignerTarget != "":
		var creds credentials.TransportCredentials
		if cfg.SignerCAFile != "" {
			pool, err := tlsutil.LoadCertPool(cfg.SignerCAFile)
			if err != nil {
				return nil, err
			}
			creds = credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})
		}
		client, err := signer.Dial(cfg.SignerTarget, signer.GRPCOptions{TLS: creds, CallTimeout: cfg.SignerTimeout})
		if err != nil {
			return nil, err
		}
		s.signerCloser = client.Close
		inner = client
		s.logger.Info("relayd.server.signer", "target", cfg.SignerTarget, "tls", creds != nil)
	default:
		key, err := tlsutil.LoadPrivateKey(cfg.SigningKeyFile)
		if err != nil {
			return nil, err
		}
		local := signer.NewLocal()
		local.Add(cfg.SigningKeyID, key)
		inner = local
		s.logger.Info("relayd.server.signer", "key_file", cfg.SigningKeyFile, "key_id", cfg.SigningKeyID)
	}
	return signer.WithRetry(inner, policy, logger), nil
}

// buildStatus loads the signing certificate and the OCSP spool. The
// returned checker is nil when no status source is configured.
func (s *Server) buildStatus(logger pslog.Logger) (*x509.Certificate, gateway.StatusChecker, error) {
	cfg := s.cfg
	if cfg.SigningCertFile == "" {
		return nil, nil, nil
	}
	cert, err := tlsutil.LoadCertificate(cfg.SigningCertFile)
	if err != nil {
		return nil, nil, err
	}
	if cfg.SigningKeyFile != "" && cfg.SignerTarget == "" {
		key, err := tlsutil.LoadPrivateKey(cfg.SigningKeyFile)
		if err != nil {
			return nil, nil, err
		}
		if !tlsutil.KeyMatchesCertificate(key, cert) {
			return nil, nil, fmt.Errorf("relayd: %s does not match %s", cfg.SigningKeyFile, cfg.SigningCertFile)
		}
	}
	if cfg.OCSPSpoolDir == "" && !cfg.OCSPRequireGood {
		return cert, nil, nil
	}
	cache := ocsp.NewCache(s.clock)
	if cfg.OCSPSpoolDir != "" {
		issuer, err := tlsutil.LoadCertificate(cfg.OCSPIssuerFile)
		if err != nil {
			return nil, nil, err
		}
		if err := os.MkdirAll(cfg.OCSPSpoolDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("relayd: create ocsp spool: %w", err)
		}
		s.spool = ocsp.NewSpool(cfg.OCSPSpoolDir, cache, issuer, logger)
		if _, err := s.spool.LoadAll(); err != nil {
			return nil, nil, err
		}
	}
	return cert, ocsp.Checker{Cache: cache, RequireGood: cfg.OCSPRequireGood}, nil
}

func buildUpstream(cfg Config, codec *envelope.Codec) (gateway.Upstream, error) {
	scheme, target, err := ParseUpstream(cfg.Upstream)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "http", "https":
		up := gateway.NewHTTPUpstream(target, codec, cfg.UpstreamTimeout)
		if scheme == "https" && cfg.UpstreamInsecure {
			transport := http.DefaultTransport.(*http.Transport).Clone()
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
			up.Client.Transport = otelhttp.NewTransport(transport)
		}
		return up, nil
	case "tls":
		host, _, err := net.SplitHostPort(target)
		if err != nil {
			host = target
		}
		return &gateway.StreamUpstream{
			Network: "tcp",
			Address: target,
			TLS: &tls.Config{
				ServerName:         host,
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: cfg.UpstreamInsecure, //nolint:gosec // operator opt-in
			},
			Codec:   codec,
			Timeout: cfg.UpstreamTimeout,
		}, nil
	default:
		return &gateway.StreamUpstream{Network: "tcp", Address: target, Codec: codec, Timeout: cfg.UpstreamTimeout}, nil
	}
}

// Start listens, launches the background workers and serves until Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	switch {
	case s.shutdown:
		s.mu.Unlock()
		return ErrServerClosed
	case s.started:
		s.mu.Unlock()
		return errors.New("relayd: server already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()

	s.sampler.Start(s.bgCtx)
	s.goBackground(func(ctx context.Context) { s.admission.RunSweeper(ctx) })
	if err := s.archiver.Start(); err != nil {
		_ = ln.Close()
		return fmt.Errorf("relayd: start archiver: %w", err)
	}
	if s.spool != nil {
		s.goBackground(func(ctx context.Context) {
			if err := s.spool.Run(ctx); err != nil {
				s.logger.Error("relayd.server.ocsp_spool_failed", "error", err)
			}
		})
	}
	if err := s.gateway.Serve(s.admission.WrapListener(ln, gateway.AdmissionFault)); err != nil {
		_ = ln.Close()
		return fmt.Errorf("relayd: serve: %w", err)
	}
	s.logger.Info("relayd.server.listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"upstream", s.cfg.Upstream,
		"log_dir", s.cfg.LogDir,
	)
	s.signalReady()
	<-s.done
	return nil
}

func (s *Server) goBackground(fn func(context.Context)) {
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		fn(s.bgCtx)
	}()
}

// Shutdown stops accepting, drains in-flight relays, writes a final
// timestamp and closes the log, archive and telemetry components in that
// order. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	defer s.doneOnce.Do(func() { close(s.done) })

	var errs []error
	if s.gateway != nil {
		stopped := make(chan error, 1)
		go func() { stopped <- s.gateway.Stop() }()
		select {
		case err := <-stopped:
			if err != nil {
				errs = append(errs, fmt.Errorf("gateway stop: %w", err))
			}
		case <-ctx.Done():
			s.logger.Warn("relayd.server.drain_timeout", "in_flight", s.gateway.InFlight())
			errs = append(errs, fmt.Errorf("drain: %w", ctx.Err()))
		}
	}
	if err := s.release(ctx); err != nil {
		errs = append(errs, err)
	}
	s.mu.Lock()
	socket := s.socketPath
	s.mu.Unlock()
	if socket != "" {
		if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("relayd.server.stopped")
	return nil
}

// release closes everything behind the gateway. Components that were never
// built are skipped.
func (s *Server) release(ctx context.Context) error {
	var errs []error
	s.bgCancel()
	s.bgWG.Wait()
	if s.sampler != nil {
		s.sampler.Wait()
	}
	closeCtx := ctx
	if closeCtx.Err() != nil {
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if s.log != nil {
		if err := s.log.Close(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("log close: %w", err))
		}
	}
	if s.archiver != nil {
		if err := s.archiver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archiver close: %w", err))
		}
	}
	if s.catalog != nil {
		if err := s.catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("catalog close: %w", err))
		}
	}
	if s.signerCloser != nil {
		if err := s.signerCloser(); err != nil {
			errs = append(errs, fmt.Errorf("signer close: %w", err))
		}
	}
	if err := s.telemetry.Shutdown(closeCtx); err != nil {
		errs = append(errs, err)
	}
	s.telemetry = nil
	return errors.Join(errs...)
}

// Close gracefully shuts the server down using the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server is accepting connections or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.done:
		return ErrServerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// LogStats reports the message log state.
func (s *Server) LogStats() messagelog.Stats {
	return s.log.Stats()
}

// Halted reports whether the log has failed and relays are refused.
func (s *Server) Halted() bool {
	return s.gateway.Halted()
}

// StartServer starts a relayd server in a background goroutine and waits
// until it accepts connections. The returned stop function shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	readyErr := make(chan error, 1)
	go func() { readyErr <- srv.WaitUntilReady(waitCtx) }()
	select {
	case err := <-readyErr:
		if err != nil {
			_ = srv.Close()
			<-errCh
			return nil, nil, err
		}
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = ErrServerClosed
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
