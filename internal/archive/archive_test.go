package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/hashchain"
	"pkt.systems/relayd/internal/messagelog"
	"pkt.systems/relayd/internal/retry"
	"pkt.systems/relayd/internal/tsa"
)

func sealedSegment(t *testing.T, dir string, ids ...string) *messagelog.ClosedSegment {
	t.Helper()
	auth := tsa.AuthorityFunc(func(_ context.Context, _ digest.Algorithm, sum []byte) ([]byte, error) {
		return append([]byte("tst:"), sum...), nil
	})
	l, err := messagelog.Open(messagelog.Config{
		Dir:               dir,
		TimestampInterval: -1,
		MaxSegmentAge:     -1,
		Authority:         auth,
	})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer l.Close(context.Background())
	for _, id := range ids {
		manifest, err := hashchain.Build(digest.SHA256, []hashchain.Input{
			{URI: "cid:body", Digest: digest.SHA256.Sum([]byte("body of " + id))},
			{URI: "sig:request", Digest: digest.SHA256.Sum([]byte("sig of " + id))},
		}, nil)
		if err != nil {
			t.Fatalf("manifest: %v", err)
		}
		rec := &messagelog.SignatureRecord{MessageID: id, Manifest: manifest, Signature: []byte("sig"), CreatedAt: time.Unix(1700000000, 0).UTC()}
		if _, err := l.Append(context.Background(), rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	seg, err := l.Rotate(context.Background())
	if err != nil || seg == nil {
		t.Fatalf("rotate: %v %v", seg, err)
	}
	return seg
}

func TestIndexFidelity(t *testing.T) {
	seg := sealedSegment(t, t.TempDir(), "a", "b/c", "d")
	var buf bytes.Buffer
	res, err := Build(context.Background(), &buf, seg.Path, digest.SHA256, Link{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if res.Records != 3 || res.Timestamps != 1 || res.Size != int64(buf.Len()) {
		t.Fatalf("unexpected result %+v", res)
	}

	var idx bytes.Buffer
	if _, err := res.Index.WriteTo(&idx); err != nil {
		t.Fatalf("write index: %v", err)
	}
	loaded, err := LoadIndex(&idx)
	if err != nil {
		t.Fatalf("load index: %v", err)
	}
	originals := map[uint64][]byte{}
	if err := messagelog.ReadSegment(seg.Path, func(f messagelog.Frame) error {
		if f.Type == messagelog.RecordSignature {
			originals[f.Sequence] = f.Raw
		}
		return nil
	}); err != nil {
		t.Fatalf("read segment: %v", err)
	}
	reader := bytes.NewReader(buf.Bytes())
	for _, entry := range loaded.Entries() {
		frame, err := ReadRecord(reader, entry.Offset)
		if err != nil {
			t.Fatalf("read record %d: %v", entry.Sequence, err)
		}
		if !bytes.Equal(frame.Raw, originals[entry.Sequence]) {
			t.Fatalf("record %d differs from the segment", entry.Sequence)
		}
	}
	if got := loaded.ByMessageID("b/c"); len(got) != 1 || got[0].Sequence != 2 {
		t.Fatalf("lookup by id: %+v", got)
	}

	zr, err := zip.NewReader(reader, int64(buf.Len()))
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	want := []string{
		EntryMimeType,
		RecordEntryName(1, "a"),
		RecordEntryName(2, "b/c"),
		RecordEntryName(3, "d"),
		EntrySignatures,
		EntryTimestamps,
		EntryLinkingInfo,
	}
	if strings.Join(names, " ") != strings.Join(want, " ") {
		t.Fatalf("entries %v, want %v", names, want)
	}
	for _, f := range zr.File[1:4] {
		off, err := f.DataOffset()
		if err != nil {
			t.Fatalf("data offset: %v", err)
		}
		found := false
		for _, entry := range loaded.Entries() {
			found = found || entry.Offset == off
		}
		if !found {
			t.Fatalf("entry %s at %d not indexed", f.Name, off)
		}
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	seg := sealedSegment(t, t.TempDir(), "x", "y")
	var a, b bytes.Buffer
	if _, err := Build(context.Background(), &a, seg.Path, digest.SHA256, Link{}); err != nil {
		t.Fatalf("build a: %v", err)
	}
	if _, err := Build(context.Background(), &b, seg.Path, digest.SHA256, Link{}); err != nil {
		t.Fatalf("build b: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatal("archives of the same segment differ")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	seg := sealedSegment(t, t.TempDir(), "m1", "m2")
	var buf bytes.Buffer
	res, err := Build(context.Background(), &buf, seg.Path, digest.SHA256, Link{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	report, err := Verify(context.Background(), bytes.NewReader(buf.Bytes()), int64(buf.Len()), res.Index)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Records != 2 || report.Timestamps != 1 || report.Digest != res.Digest || report.Algorithm != digest.SHA256 {
		t.Fatalf("unexpected report %+v", report)
	}

	entry, _ := res.Index.BySequence(2)
	tampered := append([]byte(nil), buf.Bytes()...)
	tampered[entry.Offset+messagelog.HeaderSize+2] ^= 0x20
	if _, err := Verify(context.Background(), bytes.NewReader(tampered), int64(len(tampered)), nil); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}

	shifted, _ := NewIndex([]IndexEntry{{MessageID: "m1", Sequence: 1, Offset: 1}, {MessageID: "m2", Sequence: 2, Offset: entry.Offset}})
	if _, err := Verify(context.Background(), bytes.NewReader(buf.Bytes()), int64(buf.Len()), shifted); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected index mismatch, got %v", err)
	}
}

func TestLoadIndexRejectsMalformedLines(t *testing.T) {
	cases := map[string]string{
		"fields":        "a,1\n",
		"extra":         "a,1,2,3\n",
		"sequence":      "a,x,10\n",
		"offset":        "a,1,ten\n",
		"duplicate":     "a,1,10\nb,1,20\n",
		"nonincreasing": "a,1,10\nb,2,10\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadIndex(strings.NewReader(input)); err == nil {
				t.Fatalf("expected error for %q", input)
			} else if !strings.Contains(err.Error(), "line") {
				t.Fatalf("error does not name the line: %v", err)
			}
		})
	}
	ix, err := LoadIndex(strings.NewReader("a,1,10\nb,2,20\n"))
	if err != nil || ix.Len() != 2 {
		t.Fatalf("valid index: %v", err)
	}
}

type recordingCatalog struct {
	mu    sync.Mutex
	infos []Info
}

func (c *recordingCatalog) RegisterArchive(_ context.Context, info Info, entries []IndexEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(entries) != info.Records {
		return fmt.Errorf("entries %d != records %d", len(entries), info.Records)
	}
	c.infos = append(c.infos, info)
	return nil
}

type memorySink struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memorySink) Put(_ context.Context, key string, r io.ReadSeeker, size int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size %d != %d", len(data), size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[key] = data
	return nil
}

func TestArchiverLinksArchives(t *testing.T) {
	logDir := t.TempDir()
	archiveDir := t.TempDir()
	catalog := &recordingCatalog{}
	sink := &memorySink{}
	a, err := NewArchiver(ArchiverConfig{Dir: archiveDir, Catalog: catalog, Sink: sink})
	if err != nil {
		t.Fatalf("archiver: %v", err)
	}
	first := sealedSegment(t, logDir, "one", "two")
	infoA, err := a.ArchiveSegment(context.Background(), first)
	if err != nil {
		t.Fatalf("archive first: %v", err)
	}
	if _, err := os.Stat(first.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("segment should be removed, stat err %v", err)
	}
	second := sealedSegment(t, logDir, "three")
	infoB, err := a.ArchiveSegment(context.Background(), second)
	if err != nil {
		t.Fatalf("archive second: %v", err)
	}
	if infoB.PreviousDigest != infoA.Digest {
		t.Fatalf("second archive does not link to the first")
	}
	report, err := VerifyFile(context.Background(), infoB.Path, infoB.IndexPath, nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Link.Digest != infoA.Digest || report.Link.Name != infoA.Name {
		t.Fatalf("report link %+v", report.Link)
	}
	if len(catalog.infos) != 2 {
		t.Fatalf("catalog saw %d archives", len(catalog.infos))
	}
	for _, key := range []string{infoA.Name, IndexName(infoA.Name), infoB.Name, IndexName(infoB.Name)} {
		if _, ok := sink.objects[key]; !ok {
			t.Fatalf("sink missing %s", key)
		}
	}

	reloaded, err := NewArchiver(ArchiverConfig{Dir: archiveDir})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Link().Digest != infoB.Digest || reloaded.Link().Name != filepath.Base(infoB.Path) {
		t.Fatalf("link not persisted: %+v", reloaded.Link())
	}
}

func TestArchiverWorkerDrainsQueue(t *testing.T) {
	logDir := t.TempDir()
	archiveDir := t.TempDir()
	a, err := NewArchiver(ArchiverConfig{Dir: archiveDir})
	if err != nil {
		t.Fatalf("archiver: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Close()
	seg := sealedSegment(t, logDir, "queued")
	a.Enqueue(seg)
	want := filepath.Join(archiveDir, ArchiveName(seg.FirstSeq, seg.LastSeq))
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(want); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("archive was not produced by the worker")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type flakySink struct {
	memorySink
	failures atomic.Int32
}

func (s *flakySink) Put(ctx context.Context, key string, r io.ReadSeeker, size int64, ct string) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("sink unavailable")
	}
	return s.memorySink.Put(ctx, key, r, size, ct)
}

func TestArchiverHoldsQueueUntilHeadSucceeds(t *testing.T) {
	logDir := t.TempDir()
	archiveDir := t.TempDir()
	catalog := &recordingCatalog{}
	sink := &flakySink{}
	sink.failures.Store(3)
	policy := retry.New(retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, nil, nil)
	a, err := NewArchiver(ArchiverConfig{Dir: archiveDir, Catalog: catalog, Sink: sink, Retry: policy})
	if err != nil {
		t.Fatalf("archiver: %v", err)
	}
	first := sealedSegment(t, logDir, "one")
	second := sealedSegment(t, logDir, "two")
	a.Enqueue(first)
	a.Enqueue(second)
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Close()

	deadline := time.Now().Add(5 * time.Second)
	for a.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue not drained, %d pending", a.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	if len(catalog.infos) != 2 {
		t.Fatalf("catalog saw %d archives", len(catalog.infos))
	}
	a1, a2 := catalog.infos[0], catalog.infos[1]
	if a1.FirstSeq != first.FirstSeq || a2.FirstSeq != second.FirstSeq {
		t.Fatalf("archived out of order: %d then %d", a1.FirstSeq, a2.FirstSeq)
	}
	if a2.PreviousDigest != a1.Digest {
		t.Fatal("second archive does not link to the first")
	}
	if a1.PreviousDigest != ZeroLink(digest.SHA256).Digest {
		t.Fatalf("retried archive was relinked: previous %s", a1.PreviousDigest)
	}
	for _, key := range []string{a1.Name, IndexName(a1.Name), a2.Name, IndexName(a2.Name)} {
		if _, ok := sink.objects[key]; !ok {
			t.Fatalf("sink missing %s", key)
		}
	}
}

func TestArchiverResumesInstalledArchive(t *testing.T) {
	logDir := t.TempDir()
	archiveDir := t.TempDir()
	a, err := NewArchiver(ArchiverConfig{Dir: archiveDir, KeepSegments: true})
	if err != nil {
		t.Fatalf("archiver: %v", err)
	}
	seg := sealedSegment(t, logDir, "resumed")
	info, err := a.ArchiveSegment(context.Background(), seg)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}

	// A restart hands the same segment over again.
	catalog := &recordingCatalog{}
	restarted, err := NewArchiver(ArchiverConfig{Dir: archiveDir, Catalog: catalog})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	again, err := restarted.ArchiveSegment(context.Background(), seg)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if again.Digest != info.Digest || again.PreviousDigest != info.PreviousDigest {
		t.Fatalf("segment archived twice: %+v vs %+v", again, info)
	}
	if restarted.Link().Digest != info.Digest {
		t.Fatal("link advanced past the resumed archive")
	}
	if len(catalog.infos) != 1 || catalog.infos[0].Name != info.Name {
		t.Fatalf("catalog %+v", catalog.infos)
	}
	if _, err := os.Stat(seg.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("segment should be removed after resume, stat err %v", err)
	}
}
