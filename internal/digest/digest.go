// Package digest resolves the digest algorithms accepted on the wire into a
// closed set of implementations chosen once at construction time.
package digest

import (
	"crypto"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/asn1"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

// Algorithm identifies a supported digest algorithm.
type Algorithm uint8

const (
	// Unknown is the zero value and never valid.
	Unknown Algorithm = iota
	SHA256
	SHA384
	SHA512
)

// ErrUnsupported reports an algorithm identifier outside the supported set.
var ErrUnsupported = errors.New("digest: unsupported algorithm")

type spec struct {
	name    string
	uri     string
	aliases []string
	hash    crypto.Hash
	oid     asn1.ObjectIdentifier
}

var specs = map[Algorithm]spec{
	SHA256: {
		name:    "SHA-256",
		uri:     "http://www.w3.org/2001/04/xmlenc#sha256",
		aliases: []string{"sha256", "sha-256"},
		hash:    crypto.SHA256,
		oid:     asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1},
	},
	SHA384: {
		name:    "SHA-384",
		uri:     "http://www.w3.org/2001/04/xmldsig-more#sha384",
		aliases: []string{"sha384", "sha-384"},
		hash:    crypto.SHA384,
		oid:     asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2},
	},
	SHA512: {
		name:    "SHA-512",
		uri:     "http://www.w3.org/2001/04/xmlenc#sha512",
		aliases: []string{"sha512", "sha-512"},
		hash:    crypto.SHA512,
		oid:     asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3},
	},
}

// Parse accepts a short name (SHA-256), a lowercase alias (sha256) or an
// XML-DSig algorithm URI.
func Parse(id string) (Algorithm, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Unknown, fmt.Errorf("%w: empty identifier", ErrUnsupported)
	}
	lower := strings.ToLower(id)
	for alg, s := range specs {
		if strings.EqualFold(id, s.name) || id == s.uri {
			return alg, nil
		}
		for _, alias := range s.aliases {
			if lower == alias {
				return alg, nil
			}
		}
	}
	return Unknown, fmt.Errorf("%w: %q", ErrUnsupported, id)
}

// Valid reports whether a names a supported algorithm.
func (a Algorithm) Valid() bool {
	_, ok := specs[a]
	return ok
}

func (a Algorithm) String() string {
	if s, ok := specs[a]; ok {
		return s.name
	}
	return fmt.Sprintf("digest(%d)", uint8(a))
}

// URI returns the XML-DSig identifier.
func (a Algorithm) URI() string {
	return specs[a].uri
}

// CryptoHash returns the crypto.Hash used for signing.
func (a Algorithm) CryptoHash() crypto.Hash {
	return specs[a].hash
}

// OID returns the ASN.1 object identifier used in RFC 3161 requests.
func (a Algorithm) OID() asn1.ObjectIdentifier {
	return specs[a].oid
}

// Size returns the digest length in bytes.
func (a Algorithm) Size() int {
	switch a {
	case SHA256:
		return sha256.Size
	case SHA384:
		return sha512.Size384
	case SHA512:
		return sha512.Size
	default:
		return 0
	}
}

// New returns a fresh hash.Hash. It panics for invalid algorithms; callers
// resolve the algorithm with Parse first.
func (a Algorithm) New() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case SHA384:
		return sha512.New384()
	case SHA512:
		return sha512.New()
	default:
		panic(fmt.Sprintf("digest: New on invalid algorithm %d", uint8(a)))
	}
}

// Sum digests data in one call.
func (a Algorithm) Sum(data []byte) []byte {
	h := a.New()
	_, _ = h.Write(data)
	return h.Sum(nil)
}

// Reader digests everything read from r and reports the byte count.
func (a Algorithm) Reader(r io.Reader) ([]byte, int64, error) {
	h := a.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, n, err
	}
	return h.Sum(nil), n, nil
}

// MarshalText encodes the short name.
func (a Algorithm) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupported, uint8(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText accepts anything Parse accepts.
func (a *Algorithm) UnmarshalText(text []byte) error {
	alg, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = alg
	return nil
}
