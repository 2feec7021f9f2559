// Package tsa obtains RFC 3161 timestamp tokens over batch digests.
package tsa

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/retry"
	"pkt.systems/relayd/internal/svcfields"
	"pkt.systems/relayd/internal/version"
)

const (
	// RequestContentType is the RFC 3161 query media type.
	RequestContentType = "application/timestamp-query"
	// ResponseContentType is the RFC 3161 reply media type.
	ResponseContentType = "application/timestamp-reply"

	maxResponseBytes = 1 << 20
)

var (
	// ErrTimestampingUnavailable is returned once the retry budget is spent.
	ErrTimestampingUnavailable = errors.New("tsa: timestamping unavailable")
	// ErrTimestampRejected is returned when the authority refuses the request.
	ErrTimestampRejected = errors.New("tsa: timestamp rejected")
)

// Authority issues timestamp tokens.
type Authority interface {
	Timestamp(ctx context.Context, alg digest.Algorithm, sum []byte) ([]byte, error)
}

// AuthorityFunc adapts a function to Authority.
type AuthorityFunc func(ctx context.Context, alg digest.Algorithm, sum []byte) ([]byte, error)

// Timestamp implements Authority.
func (f AuthorityFunc) Timestamp(ctx context.Context, alg digest.Algorithm, sum []byte) ([]byte, error) {
	return f(ctx, alg, sum)
}

// MessageImprint is the hashed message of a request.
type MessageImprint struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashedMessage []byte
}

// Request is the ASN.1 TimeStampReq.
type Request struct {
	Version        int
	MessageImprint MessageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional,default:false"`
}

// StatusInfo is the ASN.1 PKIStatusInfo.
type StatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional,utf8"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// Response is the ASN.1 TimeStampResp.
type Response struct {
	Status         StatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// Granted reports PKIStatus granted (0) or grantedWithMods (1).
func (s StatusInfo) Granted() bool {
	return s.Status == 0 || s.Status == 1
}

// NewRequest builds a DER TimeStampReq with a random nonce.
func NewRequest(alg digest.Algorithm, sum []byte, policy asn1.ObjectIdentifier) ([]byte, *big.Int, error) {
	if len(sum) != alg.Size() {
		return nil, nil, fmt.Errorf("tsa: digest is %d bytes, want %d", len(sum), alg.Size())
	}
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, nil, err
	}
	der, err := asn1.Marshal(Request{
		Version: 1,
		MessageImprint: MessageImprint{
			HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: alg.OID(), Parameters: asn1.NullRawValue},
			HashedMessage: sum,
		},
		ReqPolicy: policy,
		Nonce:     nonce,
		CertReq:   true,
	})
	return der, nonce, err
}

// ParseResponse returns the token of a granted response.
func ParseResponse(der []byte) ([]byte, error) {
	var resp Response
	rest, err := asn1.Unmarshal(der, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed response: %w", ErrTimestampRejected, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after response", ErrTimestampRejected)
	}
	if !resp.Status.Granted() {
		return nil, fmt.Errorf("%w: status %d %v", ErrTimestampRejected, resp.Status.Status, resp.Status.StatusString)
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: granted response without token", ErrTimestampRejected)
	}
	return resp.TimeStampToken.FullBytes, nil
}

var (
	oidSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidTSTInfo    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}
)

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	EncapContentInfo encapContentInfo
}

type encapContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"optional"`
}

// Accuracy is the optional TSTInfo accuracy.
type Accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,tag:0"`
	Micros  int `asn1:"optional,tag:1"`
}

// TokenInfo is the part of a token's TSTInfo that binds it to a request.
type TokenInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time `asn1:"generalized"`
	Accuracy       Accuracy  `asn1:"optional"`
	Ordering       bool      `asn1:"optional"`
	Nonce          *big.Int  `asn1:"optional"`
}

// ParseToken extracts the TSTInfo of a DER timestamp token. The CMS
// signature is not checked here.
func ParseToken(token []byte) (*TokenInfo, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(token, &ci); err != nil {
		return nil, fmt.Errorf("%w: malformed token: %w", ErrTimestampRejected, err)
	}
	if !ci.ContentType.Equal(oidSignedData) || ci.Content.Class != asn1.ClassContextSpecific || ci.Content.Tag != 0 {
		return nil, fmt.Errorf("%w: token is not signed data", ErrTimestampRejected)
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: malformed signed data: %w", ErrTimestampRejected, err)
	}
	encap := sd.EncapContentInfo
	if !encap.EContentType.Equal(oidTSTInfo) || encap.EContent.Class != asn1.ClassContextSpecific || encap.EContent.Tag != 0 {
		return nil, fmt.Errorf("%w: token carries no TSTInfo", ErrTimestampRejected)
	}
	var content []byte
	if _, err := asn1.Unmarshal(encap.EContent.Bytes, &content); err != nil {
		return nil, fmt.Errorf("%w: malformed TSTInfo wrapper: %w", ErrTimestampRejected, err)
	}
	var info TokenInfo
	if _, err := asn1.Unmarshal(content, &info); err != nil {
		return nil, fmt.Errorf("%w: malformed TSTInfo: %w", ErrTimestampRejected, err)
	}
	return &info, nil
}

// CheckToken verifies that token stamps sum under alg and echoes nonce.
// A nil nonce skips the nonce comparison.
func CheckToken(token []byte, alg digest.Algorithm, sum []byte, nonce *big.Int) (*TokenInfo, error) {
	info, err := ParseToken(token)
	if err != nil {
		return nil, err
	}
	imprint := info.MessageImprint
	if !imprint.HashAlgorithm.Algorithm.Equal(alg.OID()) {
		return nil, fmt.Errorf("%w: token imprint algorithm %v, want %s", ErrTimestampRejected, imprint.HashAlgorithm.Algorithm, alg)
	}
	if !bytes.Equal(imprint.HashedMessage, sum) {
		return nil, fmt.Errorf("%w: token imprint does not match the requested digest", ErrTimestampRejected)
	}
	if nonce != nil && (info.Nonce == nil || info.Nonce.Cmp(nonce) != 0) {
		return nil, fmt.Errorf("%w: token nonce does not match the request", ErrTimestampRejected)
	}
	return info, nil
}

// HTTPConfig configures an HTTP authority client.
type HTTPConfig struct {
	URL     string
	Policy  asn1.ObjectIdentifier
	Timeout time.Duration
	// Client overrides the default instrumented client.
	Client *http.Client
}

// HTTPClient posts RFC 3161 requests to a timestamp authority.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPClient returns an authority client. The default transport is
// instrumented with otelhttp.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("tsa: url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		}
	}
	return &HTTPClient{cfg: cfg, client: client}, nil
}

// Timestamp implements Authority. Network failures and 5xx replies are
// transient. The token must stamp sum and echo the request nonce.
func (c *HTTPClient) Timestamp(ctx context.Context, alg digest.Algorithm, sum []byte) ([]byte, error) {
	body, nonce, err := NewRequest(alg, sum, c.cfg.Policy)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", RequestContentType)
	req.Header.Set("Accept", ResponseContentType)
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Transient(fmt.Errorf("tsa: post: %w", err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("tsa: read response: %w", err))
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, retry.Transient(fmt.Errorf("tsa: http status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: http status %d", ErrTimestampRejected, resp.StatusCode)
	}
	token, err := ParseResponse(raw)
	if err != nil {
		return nil, err
	}
	if _, err := CheckToken(token, alg, sum, nonce); err != nil {
		return nil, err
	}
	return token, nil
}

// Retrying wraps an Authority with a retry policy.
type Retrying struct {
	inner  Authority
	policy *retry.Policy
	logger pslog.Logger
}

// WithRetry wraps inner; exhaustion surfaces as ErrTimestampingUnavailable.
func WithRetry(inner Authority, policy *retry.Policy, logger pslog.Logger) *Retrying {
	return &Retrying{inner: inner, policy: policy, logger: svcfields.WithSubsystem(logger, "backend.tsa")}
}

// Timestamp implements Authority.
func (r *Retrying) Timestamp(ctx context.Context, alg digest.Algorithm, sum []byte) ([]byte, error) {
	var token []byte
	err := r.policy.Do(ctx, "tsa.timestamp", func(ctx context.Context) error {
		var err error
		token, err = r.inner.Timestamp(ctx, alg, sum)
		return err
	})
	if err == nil {
		return token, nil
	}
	if errors.Is(err, ErrTimestampRejected) || errors.Is(err, context.Canceled) {
		return nil, err
	}
	r.logger.Warn("relayd.tsa.unavailable", "attempts", r.policy.Attempts(), "error", err)
	return nil, fmt.Errorf("%w: %w", ErrTimestampingUnavailable, err)
}
