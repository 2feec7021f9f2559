package ocsp

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	xocsp "golang.org/x/crypto/ocsp"
)

var (
	// ErrRevoked is returned by Checker.Check for a revoked certificate.
	ErrRevoked = errors.New("ocsp: certificate revoked")
	// ErrStatusUnavailable is returned when a good status is required but
	// no valid response is cached.
	ErrStatusUnavailable = errors.New("ocsp: status unavailable")
	// ErrNoValidity is returned for responses without NextUpdate.
	ErrNoValidity = errors.New("ocsp: response has no next update")
)

// ParseResponse decodes der. When issuer is non-nil the response signature
// is checked against it. The validity end is NextUpdate.
func ParseResponse(der []byte, issuer *x509.Certificate) (*Response, error) {
	parsed, err := xocsp.ParseResponse(der, issuer)
	if err != nil {
		return nil, fmt.Errorf("ocsp: parse response: %w", err)
	}
	if parsed.NextUpdate.IsZero() {
		return nil, ErrNoValidity
	}
	resp := &Response{
		Raw:          append([]byte(nil), der...),
		SerialNumber: strings.ToLower(parsed.SerialNumber.Text(16)),
		ThisUpdate:   parsed.ThisUpdate,
		ValidUntil:   parsed.NextUpdate,
	}
	switch parsed.Status {
	case xocsp.Good:
		resp.Status = Good
	case xocsp.Revoked:
		resp.Status = Revoked
		resp.RevokedAt = parsed.RevokedAt
	default:
		resp.Status = Unknown
	}
	return resp, nil
}

// Checker answers certificate status from a Cache.
type Checker struct {
	Cache *Cache
	// RequireGood rejects certificates without a cached good response.
	// Otherwise only a cached revoked status rejects.
	RequireGood bool
}

// Check returns nil when cert may be used.
func (c Checker) Check(cert *x509.Certificate) error {
	if c.Cache == nil || cert == nil {
		return nil
	}
	key := Key(cert)
	resp, ok := c.Cache.Get(key)
	switch {
	case ok && resp.Status == Revoked:
		return fmt.Errorf("%w: %s at %s", ErrRevoked, key, resp.RevokedAt.UTC().Format("2006-01-02T15:04:05Z"))
	case c.RequireGood && (!ok || resp.Status != Good):
		return fmt.Errorf("%w: %s", ErrStatusUnavailable, key)
	}
	return nil
}
