// Package tlsutil loads and generates the PEM material relayd needs: the
// signing key and certificate, issuer certificates and CA pools.
package tlsutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ErrNoCertificate is returned when a PEM input holds no certificate.
var ErrNoCertificate = errors.New("tlsutil: no certificate found")

// LoadCertificate returns the first certificate in the PEM file at path.
func LoadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read %s: %w", path, err)
	}
	cert, err := FirstCertificateFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: %s: %w", path, err)
	}
	return cert, nil
}

// FirstCertificateFromPEM returns the first certificate contained in pemBytes.
func FirstCertificateFromPEM(pemBytes []byte) (*x509.Certificate, error) {
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, ErrNoCertificate
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

// LoadCertPool builds a pool from every certificate in the PEM file at path.
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("tlsutil: %s: %w", path, ErrNoCertificate)
	}
	return pool, nil
}

// LoadPrivateKey returns the first private key in the PEM file at path.
func LoadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read %s: %w", path, err)
	}
	key, err := PrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: %s: %w", path, err)
	}
	return key, nil
}

// PrivateKeyFromPEM decodes the first PKCS#8, PKCS#1 or SEC 1 key block.
func PrivateKeyFromPEM(pemBytes []byte) (crypto.Signer, error) {
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.New("no private key found")
		}
		switch block.Type {
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			return parsePrivateKey(block)
		}
	}
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			return k, nil
		}
		if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
			return k, nil
		}
		return nil, err
	}
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return k, nil
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}

// KeyMatchesCertificate reports whether key is the private half of cert.
func KeyMatchesCertificate(key crypto.Signer, cert *x509.Certificate) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	pub, ok := key.Public().(equaler)
	return ok && pub.Equal(cert.PublicKey)
}
