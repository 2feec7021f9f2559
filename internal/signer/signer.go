// Package signer reaches the external signing service holding private keys.
package signer

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/retry"
	"pkt.systems/relayd/internal/svcfields"
)

var (
	// ErrSigningUnavailable is returned once the retry budget is spent.
	ErrSigningUnavailable = errors.New("signer: signing unavailable")
	// ErrSigningRejected is returned when the signer refuses the request.
	ErrSigningRejected = errors.New("signer: signing rejected")
	// ErrUnknownKey is returned by Local for keys it does not hold.
	ErrUnknownKey = errors.New("signer: unknown key")
)

// Signer signs digests with a key identified by keyID.
type Signer interface {
	Sign(ctx context.Context, alg digest.Algorithm, sum []byte, keyID string) ([]byte, error)
}

// Local signs in-process with crypto.Signer keys. It backs development
// deployments and tests.
type Local struct {
	mu   sync.RWMutex
	keys map[string]crypto.Signer
}

// NewLocal returns an empty local signer.
func NewLocal() *Local {
	return &Local{keys: make(map[string]crypto.Signer)}
}

// Add registers key under keyID.
func (l *Local) Add(keyID string, key crypto.Signer) {
	l.mu.Lock()
	l.keys[keyID] = key
	l.mu.Unlock()
}

// Public returns the public key for keyID.
func (l *Local) Public(keyID string) (crypto.PublicKey, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	key, ok := l.keys[keyID]
	if !ok {
		return nil, false
	}
	return key.Public(), true
}

// Sign implements Signer. Ed25519 keys sign the digest bytes as the message.
func (l *Local) Sign(_ context.Context, alg digest.Algorithm, sum []byte, keyID string) ([]byte, error) {
	l.mu.RLock()
	key, ok := l.keys[keyID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	if len(sum) != alg.Size() {
		return nil, fmt.Errorf("signer: digest is %d bytes, want %d for %s", len(sum), alg.Size(), alg)
	}
	var opts crypto.SignerOpts = alg.CryptoHash()
	if _, isEd := key.Public().(ed25519.PublicKey); isEd {
		opts = crypto.Hash(0)
	}
	return key.Sign(rand.Reader, sum, opts)
}

// Retrying wraps a Signer with a retry policy.
type Retrying struct {
	inner  Signer
	policy *retry.Policy
	logger pslog.Logger
}

// WithRetry returns inner wrapped in policy. Errors marked transient by inner
// are retried; exhaustion surfaces as ErrSigningUnavailable.
func WithRetry(inner Signer, policy *retry.Policy, logger pslog.Logger) *Retrying {
	return &Retrying{inner: inner, policy: policy, logger: svcfields.WithSubsystem(logger, "backend.signer")}
}

// Sign implements Signer.
func (r *Retrying) Sign(ctx context.Context, alg digest.Algorithm, sum []byte, keyID string) ([]byte, error) {
	var sig []byte
	err := r.policy.Do(ctx, "signer.sign", func(ctx context.Context) error {
		var err error
		sig, err = r.inner.Sign(ctx, alg, sum, keyID)
		return err
	})
	if err == nil {
		return sig, nil
	}
	if errors.Is(err, retry.ErrExhausted) || errors.Is(err, context.DeadlineExceeded) {
		r.logger.Error("relayd.signer.unavailable", "key_id", keyID, "attempts", r.policy.Attempts(), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSigningUnavailable, err)
	}
	if errors.Is(err, ErrSigningRejected) || errors.Is(err, ErrUnknownKey) || errors.Is(err, context.Canceled) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %w", ErrSigningRejected, err)
}
