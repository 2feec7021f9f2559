// Package gateway runs the relay pipeline: every parsed request is
// hash-chained, signed, forwarded upstream, chained with the response and
// durably logged before the reply leaves the gateway.
package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/envelope"
	"pkt.systems/relayd/internal/hashchain"
	"pkt.systems/relayd/internal/messagelog"
	"pkt.systems/relayd/internal/signer"
	"pkt.systems/relayd/internal/svcfields"
)

const (
	// SignatureContentType marks the detached signature part.
	SignatureContentType = "application/vnd.relayd.signature"
	// ManifestPartName is the part name of the attached hash chain.
	ManifestPartName = "hashchain"
	// SignaturePartName is the part name of the attached signature.
	SignaturePartName = "signature"
	// SignatureURI references the request signature inside manifests.
	SignatureURI = "sig:request"
	// ResponsePrefix marks response parts inside manifests.
	ResponsePrefix = "resp:"
)

// ErrUpstreamUnavailable wraps failures reaching the upstream peer.
var ErrUpstreamUnavailable = errors.New("gateway: upstream unavailable")

// Appender is the durable log the pipeline writes to.
type Appender interface {
	Append(ctx context.Context, rec *messagelog.SignatureRecord) (messagelog.Ack, error)
}

// StatusChecker decides whether the signing certificate may be used.
type StatusChecker interface {
	Check(cert *x509.Certificate) error
}

// Config wires the pipeline.
type Config struct {
	Codec  *envelope.Codec
	Signer signer.Signer
	KeyID  string
	// Certificate is the signing certificate; it is checked against Status
	// before every signature and fingerprinted into log records.
	Certificate *x509.Certificate
	Status      StatusChecker
	Upstream    Upstream
	Log         Appender
	// VerifyConcurrency bounds concurrent verification of embedded
	// manifests; zero means unbounded.
	VerifyConcurrency int
	Clock             clock.Clock
	Logger            pslog.Logger
}

// Pipeline processes one request envelope at a time per caller.
type Pipeline struct {
	cfg         Config
	clock       clock.Clock
	logger      pslog.Logger
	fingerprint string
	metrics     *pipelineMetrics
}

// NewPipeline validates cfg.
func NewPipeline(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Signer == nil:
		return nil, errors.New("gateway: signer required")
	case cfg.Upstream == nil:
		return nil, errors.New("gateway: upstream required")
	case cfg.Log == nil:
		return nil, errors.New("gateway: log required")
	}
	if cfg.Codec == nil {
		cfg.Codec = envelope.NewCodec(envelope.Limits{}, cfg.Logger)
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "pipeline.gateway")
	p := &Pipeline{
		cfg:     cfg,
		clock:   clock.Ensure(cfg.Clock),
		logger:  logger,
		metrics: newPipelineMetrics(logger),
	}
	if cfg.Certificate != nil {
		sum := sha256.Sum256(cfg.Certificate.Raw)
		p.fingerprint = hex.EncodeToString(sum[:])
	}
	return p, nil
}

// Codec returns the envelope codec used for requests and replies.
func (p *Pipeline) Codec() *envelope.Codec { return p.cfg.Codec }

// Handle relays req and returns the reply envelope. The caller owns and
// closes both req and the reply. A returned error means nothing was logged.
func (p *Pipeline) Handle(ctx context.Context, req *envelope.Envelope) (*envelope.Envelope, error) {
	start := p.clock.Now()
	reply, seq, err := p.handle(ctx, req)
	elapsed := p.clock.Now().Sub(start)
	p.metrics.observe(ctx, outcome(err), elapsed)
	logger := svcfields.WithRequest(ctx, p.logger, req.MessageID)
	if err != nil {
		logger.Warn("relayd.gateway.rejected", "code", FaultCode(err), "error", err)
		return nil, err
	}
	logger.Debug("relayd.gateway.relayed", "sequence", seq, "elapsed", elapsed)
	return reply, nil
}

func (p *Pipeline) handle(ctx context.Context, req *envelope.Envelope) (*envelope.Envelope, uint64, error) {
	alg := req.Algorithm

	embedded, err := req.Manifests()
	if err != nil {
		return nil, 0, &envelope.MalformedError{State: envelope.StateDone, Reason: "unreadable hash chain part", Err: err}
	}
	if len(embedded) > 0 {
		if err := hashchain.VerifyAll(ctx, embedded, req.Resolver(), p.cfg.VerifyConcurrency); err != nil {
			return nil, 0, err
		}
	}

	manifest, err := hashchain.Build(alg, req.ChainInputs(), nil)
	if err != nil {
		return nil, 0, &envelope.MalformedError{State: envelope.StateDone, Reason: "cannot chain parts", Err: err}
	}

	if p.cfg.Status != nil {
		if err := p.cfg.Status.Check(p.cfg.Certificate); err != nil {
			return nil, 0, err
		}
	}
	sig, err := p.cfg.Signer.Sign(ctx, alg, manifest.Root(), p.cfg.KeyID)
	if err != nil {
		return nil, 0, err
	}
	manifest, err = hashchain.Extend(manifest, []hashchain.Input{{URI: SignatureURI, Digest: alg.Sum(sig)}})
	if err != nil {
		return nil, 0, err
	}

	outbound, err := p.outbound(req, manifest, sig)
	if err != nil {
		return nil, 0, err
	}
	resp, err := p.cfg.Upstream.Exchange(ctx, outbound)
	_ = outbound.Close()
	if err != nil {
		return nil, 0, err
	}
	defer resp.Close()
	if fault, ok := resp.Fault(); ok {
		return nil, 0, fmt.Errorf("%w: peer fault: %w", ErrUpstreamUnavailable, fault)
	}
	if resp.Algorithm != alg {
		return nil, 0, fmt.Errorf("%w: response uses %s, request uses %s", ErrUpstreamUnavailable, resp.Algorithm, alg)
	}

	respInputs := responseInputs(resp)
	if len(respInputs) > 0 {
		manifest, err = hashchain.Extend(manifest, respInputs)
		if err != nil {
			return nil, 0, err
		}
	}

	ack, err := p.cfg.Log.Append(ctx, &messagelog.SignatureRecord{
		MessageID:  req.MessageID,
		Manifest:   manifest,
		Signature:  sig,
		KeyID:      p.cfg.KeyID,
		SignerCert: p.fingerprint,
		CreatedAt:  p.clock.Now(),
	})
	if err != nil {
		return nil, 0, err
	}

	reply, err := p.reply(req.MessageID, resp, manifest)
	if err != nil {
		return nil, 0, err
	}
	return reply, ack.Sequence, nil
}

// outbound copies the request payload parts and attaches the manifest and
// signature. Unnamed parts are named after their URI so references stay
// stable across the hop; attached parts take the first free name.
func (p *Pipeline) outbound(req *envelope.Envelope, manifest *hashchain.Manifest, sig []byte) (*envelope.Envelope, error) {
	out := envelope.New(req.Algorithm, req.MessageID)
	out.OriginalContentType = req.OriginalContentType
	if err := p.copyParts(out, req.Parts); err != nil {
		_ = out.Close()
		return nil, err
	}
	raw, err := manifest.Marshal()
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	out.AddBytes(uniqueName(out, ManifestPartName), hashchain.ContentType, raw)
	out.AddBytes(uniqueName(out, SignaturePartName), SignatureContentType, sig)
	return out, nil
}

func (p *Pipeline) reply(messageID string, resp *envelope.Envelope, manifest *hashchain.Manifest) (*envelope.Envelope, error) {
	out := envelope.New(resp.Algorithm, messageID)
	out.OriginalContentType = resp.OriginalContentType
	if err := p.copyParts(out, resp.Parts); err != nil {
		_ = out.Close()
		return nil, err
	}
	raw, err := manifest.Marshal()
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	out.AddBytes(uniqueName(out, ManifestPartName), hashchain.ContentType, raw)
	return out, nil
}

func (p *Pipeline) copyParts(dst *envelope.Envelope, parts []*envelope.Part) error {
	limits := p.cfg.Codec.Limits()
	for _, part := range parts {
		if isManifestPart(part) {
			continue
		}
		name := strings.TrimPrefix(part.URI(), envelope.CIDPrefix)
		if _, err := dst.AddReader(name, part.ContentType, part.Open(), limits.SpoolThreshold, limits.TempDir); err != nil {
			return fmt.Errorf("gateway: copy part %s: %w", name, err)
		}
	}
	return nil
}

func responseInputs(resp *envelope.Envelope) []hashchain.Input {
	var inputs []hashchain.Input
	for _, part := range resp.Parts {
		if isManifestPart(part) {
			continue
		}
		inputs = append(inputs, hashchain.Input{
			URI:    ResponsePrefix + strings.TrimPrefix(part.URI(), envelope.CIDPrefix),
			Digest: append([]byte(nil), part.Digest...),
		})
	}
	return inputs
}

func isManifestPart(part *envelope.Part) bool {
	ct := strings.ToLower(strings.TrimSpace(part.ContentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct == hashchain.ContentType
}

// uniqueName returns base, or base-N when env already has a part of that name.
func uniqueName(env *envelope.Envelope, base string) string {
	name := base
	for n := 1; ; n++ {
		if _, taken := env.Part(name); !taken {
			return name
		}
		name = fmt.Sprintf("%s-%d", base, n)
	}
}

func outcome(err error) string {
	if err == nil {
		return "relayed"
	}
	return FaultCode(err)
}
