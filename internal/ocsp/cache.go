// Package ocsp caches OCSP responses supplied from outside the gateway and
// answers certificate status queries from that cache.
package ocsp

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"pkt.systems/relayd/internal/clock"
)

// Status of a certificate as stated by a cached response.
type Status uint8

const (
	Good Status = iota + 1
	Revoked
	Unknown
)

func (s Status) String() string {
	switch s {
	case Good:
		return "good"
	case Revoked:
		return "revoked"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Response is one cached OCSP response.
type Response struct {
	Raw          []byte
	Status       Status
	SerialNumber string
	ThisUpdate   time.Time
	// ValidUntil is the validity end. The response is never returned at or
	// after this instant.
	ValidUntil time.Time
	RevokedAt  time.Time
}

// Key derives the cache key for cert: the hex SHA-256 of the raw issuer
// name and the hex serial number.
func Key(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawIssuer)
	return hex.EncodeToString(sum[:]) + ":" + strings.ToLower(cert.SerialNumber.Text(16))
}

// Cache holds responses keyed by Key. Expired entries are evicted by the
// lookup that finds them; there is no background sweep and absence is never
// cached.
type Cache struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*Response
}

// NewCache creates an empty cache reading time from clk.
func NewCache(clk clock.Clock) *Cache {
	return &Cache{clock: clock.Ensure(clk), entries: make(map[string]*Response)}
}

// Get returns the response for key, or false when absent or expired.
func (c *Cache) Get(key string) (*Response, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(resp.ValidUntil) {
		delete(c.entries, key)
		return nil, false
	}
	return resp, true
}

// Put stores resp under key, replacing any earlier response. Responses that
// are already expired are not stored.
func (c *Cache) Put(key string, resp *Response) bool {
	if resp == nil || !c.clock.Now().Before(resp.ValidUntil) {
		return false
	}
	c.mu.Lock()
	c.entries[key] = resp
	c.mu.Unlock()
	return true
}

// Len counts stored entries, including ones not yet evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
