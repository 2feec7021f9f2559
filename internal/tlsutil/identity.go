package tlsutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File names written by Identity.WriteDir.
const (
	CAFileName          = "ca.pem"
	SigningCertFileName = "signing-cert.pem"
	SigningKeyFileName  = "signing-key.pem"
)

// IdentityRequest describes a development signing identity.
type IdentityRequest struct {
	// MemberCode becomes the signing certificate common name.
	MemberCode string
	// Organization is recorded in both subjects.
	Organization string
	Validity     time.Duration
	Now          time.Time
}

// Identity is a self-contained CA plus a signing certificate it issued.
// The CA doubles as the OCSP issuer.
type Identity struct {
	CACert      *x509.Certificate
	CACertPEM   []byte
	CAKey       ed25519.PrivateKey
	SigningCert *x509.Certificate
	CertPEM     []byte
	Key         ed25519.PrivateKey
	KeyPEM      []byte
}

// GenerateIdentity creates a CA and a signing certificate for req.
func GenerateIdentity(req IdentityRequest) (*Identity, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	validity := req.Validity
	if validity <= 0 {
		validity = 365 * 24 * time.Hour
	}
	member := strings.TrimSpace(req.MemberCode)
	if member == "" {
		member = "relayd-member"
	}
	caPub, caKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: generate ca key: %w", err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          mustSerial(),
		Subject:               subject("relayd-dev-ca", req.Organization),
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity * 2),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, caPub, caKey)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: create ca certificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, err
	}

	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: generate signing key: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: mustSerial(),
		Subject:      subject(member, req.Organization),
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, pub, caKey)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: create signing certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: marshal signing key: %w", err)
	}
	return &Identity{
		CACert:      caCert,
		CACertPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		CAKey:       caKey,
		SigningCert: cert,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Key:         key,
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// WriteDir writes the CA certificate, signing certificate and key into dir.
// Existing files are only replaced when force is set.
func (id *Identity) WriteDir(dir string, force bool) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("tlsutil: create %s: %w", dir, err)
	}
	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{CAFileName, id.CACertPEM, 0o644},
		{SigningCertFileName, id.CertPEM, 0o644},
		{SigningKeyFileName, id.KeyPEM, 0o600},
	}
	if !force {
		for _, f := range files {
			if _, err := os.Stat(filepath.Join(dir, f.name)); err == nil {
				return fmt.Errorf("tlsutil: %s already exists", filepath.Join(dir, f.name))
			}
		}
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.mode); err != nil {
			return fmt.Errorf("tlsutil: write %s: %w", f.name, err)
		}
	}
	return nil
}

func subject(cn, org string) pkix.Name {
	name := pkix.Name{CommonName: cn}
	if org = strings.TrimSpace(org); org != "" {
		name.Organization = []string{org}
	}
	return name
}

func mustSerial() *big.Int {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		panic(fmt.Sprintf("tlsutil: serial: %v", err))
	}
	return serial
}
