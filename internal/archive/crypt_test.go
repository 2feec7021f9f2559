package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testEncryption(t *testing.T) *Encryption {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.pem")
	if err := WriteEncryptionKey(path, false); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := WriteEncryptionKey(path, false); err == nil {
		t.Fatal("expected existing key file to be refused")
	}
	enc, err := LoadEncryptionKey(path)
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	return enc
}

func TestSealOpenRoundTrip(t *testing.T) {
	enc := testEncryption(t)
	plaintext := bytes.Repeat([]byte("archive payload "), 10000)
	var sealed bytes.Buffer
	if err := enc.Seal(&sealed, bytes.NewReader(plaintext), "archive-1-2.zip"); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed.Bytes(), []byte("archive payload")) {
		t.Fatal("sealed output contains plaintext")
	}
	r, err := enc.Open(bytes.NewReader(sealed.Bytes()), "archive-1-2.zip")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil || !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %v", err)
	}

	if r, err := enc.Open(bytes.NewReader(sealed.Bytes()), "archive-3-4.zip"); err == nil {
		_, err = io.ReadAll(r)
		_ = r.Close()
		if err == nil {
			t.Fatal("data key must be bound to the archive name")
		}
	}
	if _, err := enc.Open(strings.NewReader("PK\x03\x04 plain zip"), "archive-1-2.zip"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected corrupt header error, got %v", err)
	}
}

func TestArchiverEncryptsAtRest(t *testing.T) {
	logDir := t.TempDir()
	archiveDir := t.TempDir()
	enc := testEncryption(t)
	sink := &memorySink{}
	a, err := NewArchiver(ArchiverConfig{Dir: archiveDir, Sink: sink, Encryption: enc})
	if err != nil {
		t.Fatalf("archiver: %v", err)
	}
	seg := sealedSegment(t, logDir, "secret-1", "secret-2")
	info, err := a.ArchiveSegment(context.Background(), seg)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !strings.HasSuffix(info.Path, EncryptedSuffix) || info.Name != ArchiveName(seg.FirstSeq, seg.LastSeq) {
		t.Fatalf("unexpected info %+v", info)
	}
	raw, err := os.ReadFile(info.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if bytes.HasPrefix(raw, []byte("PK")) || bytes.Contains(raw, []byte("secret-1")) {
		t.Fatal("archive stored in plaintext")
	}
	if int64(len(raw)) != info.Size {
		t.Fatalf("size %d, info says %d", len(raw), info.Size)
	}
	if _, ok := sink.objects[filepath.Base(info.Path)]; !ok {
		t.Fatal("sink did not receive the sealed archive")
	}

	report, err := VerifyFile(context.Background(), info.Path, info.IndexPath, enc)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Digest != info.Digest || report.Records != 2 {
		t.Fatalf("report %+v", report)
	}
	if _, err := VerifyFile(context.Background(), info.Path, info.IndexPath, nil); !errors.Is(err, ErrEncryptionKeyRequired) {
		t.Fatalf("expected key required, got %v", err)
	}
	if _, err := VerifyFile(context.Background(), info.Path, info.IndexPath, testEncryption(t)); err == nil {
		t.Fatal("expected a foreign key to fail")
	}
	leftovers, _ := filepath.Glob(filepath.Join(archiveDir, ".*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}
