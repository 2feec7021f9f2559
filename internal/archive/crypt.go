package archive

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// EncryptedSuffix is appended to the name of an archive sealed at rest.
const EncryptedSuffix = ".enc"

var encryptedMagic = []byte("RELAYD-ENC1\n")

// ErrEncryptionKeyRequired is returned when an encrypted archive is opened
// without a key.
var ErrEncryptionKeyRequired = errors.New("archive: encrypted archive requires a key")

// Encryption seals archives with a kryptograf root key. Every archive gets
// its own data key bound to the archive name; the key descriptor travels in
// the file header.
type Encryption struct {
	kg kryptograf.Kryptograf
}

// NewEncryption returns an Encryption for root.
func NewEncryption(root keymgmt.RootKey) *Encryption {
	return &Encryption{kg: kryptograf.New(root)}
}

// LoadEncryptionKey reads a PEM key file written by WriteEncryptionKey.
func LoadEncryptionKey(path string) (*Encryption, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("archive: read encryption key: %w", err)
	}
	store, err := keymgmt.LoadPEM(data)
	if err != nil {
		return nil, fmt.Errorf("archive: load encryption key: %w", err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return nil, fmt.Errorf("archive: read root key: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("archive: %s holds no root key", path)
	}
	return NewEncryption(root), nil
}

// WriteEncryptionKey generates a root key into a new PEM file at path.
func WriteEncryptionKey(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("archive: key file %s already exists", path)
		}
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto(nil, &out)
	if err != nil {
		return fmt.Errorf("archive: create key store: %w", err)
	}
	if _, err := store.EnsureRootKey(); err != nil {
		return fmt.Errorf("archive: generate root key: %w", err)
	}
	if err := store.Commit(); err != nil {
		return fmt.Errorf("archive: commit key store: %w", err)
	}
	if len(out) == 0 {
		if out, err = store.Bytes(); err != nil {
			return fmt.Errorf("archive: serialize key store: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return writeFileSync(path, out, 0o600)
}

// Seal encrypts src into dst under a fresh data key bound to name.
func (e *Encryption) Seal(dst io.Writer, src io.Reader, name string) error {
	mat, err := e.kg.MintDEK([]byte(name))
	if err != nil {
		return fmt.Errorf("archive: mint data key: %w", err)
	}
	defer mat.Zero()
	desc, err := mat.Descriptor.MarshalBinary()
	if err != nil {
		return fmt.Errorf("archive: encode key descriptor: %w", err)
	}
	header := make([]byte, 0, len(encryptedMagic)+2+len(desc))
	header = append(header, encryptedMagic...)
	header = binary.BigEndian.AppendUint16(header, uint16(len(desc)))
	header = append(header, desc...)
	if _, err := dst.Write(header); err != nil {
		return err
	}
	w, err := e.kg.EncryptWriter(dst, mat)
	if err != nil {
		return fmt.Errorf("archive: encrypt: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return fmt.Errorf("archive: encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive: encrypt close: %w", err)
	}
	return nil
}

// Open returns the plaintext of an archive sealed for name.
func (e *Encryption) Open(src io.Reader, name string) (io.ReadCloser, error) {
	br := bufio.NewReader(src)
	head := make([]byte, len(encryptedMagic)+2)
	if _, err := io.ReadFull(br, head); err != nil {
		return nil, corrupt("encrypted header: %v", err)
	}
	if !bytes.Equal(head[:len(encryptedMagic)], encryptedMagic) {
		return nil, corrupt("not an encrypted archive")
	}
	raw := make([]byte, binary.BigEndian.Uint16(head[len(encryptedMagic):]))
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, corrupt("key descriptor: %v", err)
	}
	var desc keymgmt.Descriptor
	if err := desc.UnmarshalBinary(raw); err != nil {
		return nil, corrupt("key descriptor: %v", err)
	}
	mat, err := e.kg.ReconstructDEK([]byte(name), desc)
	if err != nil {
		return nil, fmt.Errorf("archive: reconstruct data key for %s: %w", name, err)
	}
	r, err := e.kg.DecryptReader(br, mat)
	if err != nil {
		mat.Zero()
		return nil, fmt.Errorf("archive: decrypt %s: %w", name, err)
	}
	return &zeroingReader{ReadCloser: r, mat: mat}, nil
}

type zeroingReader struct {
	io.ReadCloser
	mat kryptograf.Material
}

func (z *zeroingReader) Close() error {
	err := z.ReadCloser.Close()
	z.mat.Zero()
	return err
}

// decryptToTemp writes the plaintext of the archive sealed for name at path
// to a temp file in dir. The caller closes and removes it.
func (e *Encryption) decryptToTemp(path, name, dir string) (*os.File, int64, error) {
	if e == nil {
		return nil, 0, ErrEncryptionKeyRequired
	}
	src, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer src.Close()
	plain, err := e.Open(src, name)
	if err != nil {
		return nil, 0, err
	}
	defer plain.Close()
	tmp, err := os.CreateTemp(dir, ".relayd-decrypt-*")
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(tmp, plain)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, 0, fmt.Errorf("archive: decrypt %s: %w", path, err)
	}
	return tmp, n, nil
}
