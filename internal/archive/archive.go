// Package archive packages sealed log segments into deterministic zip
// containers with an offset index, and verifies them.
package archive

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/messagelog"
)

// Entry names in container order.
const (
	MimeType         = "application/vnd.relayd.log-archive+zip"
	EntryMimeType    = "mimetype"
	RecordsDir       = "records/"
	EntrySignatures  = "META-INF/signatures.json"
	EntryTimestamps  = "META-INF/timestamps.json"
	EntryLinkingInfo = "META-INF/linkinginfo"
	IndexContentType = "text/csv"
)

// modTime is fixed so identical segments produce identical archives.
var modTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Link ties an archive to its predecessor.
type Link struct {
	// Digest is the hex chain digest of the previous archive; empty for the
	// first archive.
	Digest string
	// Name of the previous archive, "-" when unknown.
	Name string
}

// ZeroLink returns the link of the first archive for alg.
func ZeroLink(alg digest.Algorithm) Link {
	return Link{Digest: strings.Repeat("0", alg.Size()*2), Name: "-"}
}

// Result describes a built archive.
type Result struct {
	FirstSeq   uint64
	LastSeq    uint64
	Records    int
	Timestamps int
	Size       int64
	// Digest is the final linking step, carried into the next archive.
	Digest string
	Link   Link
	Index  *Index
}

type segmentContent struct {
	frames     []messagelog.Frame
	signatures []*messagelog.SignatureRecord
	timestamps []*messagelog.TimestampRecord
	first      uint64
	last       uint64
}

func loadSegment(path string) (*segmentContent, error) {
	content := &segmentContent{}
	err := messagelog.ReadSegment(path, func(f messagelog.Frame) error {
		if content.first == 0 || f.Sequence < content.first {
			content.first = f.Sequence
		}
		if f.Sequence > content.last {
			content.last = f.Sequence
		}
		switch f.Type {
		case messagelog.RecordSignature:
			rec, err := f.Signature()
			if err != nil {
				return err
			}
			content.frames = append(content.frames, f)
			content.signatures = append(content.signatures, rec)
		case messagelog.RecordTimestamp:
			rec, err := f.Timestamp()
			if err != nil {
				return err
			}
			content.timestamps = append(content.timestamps, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(content.frames, func(i, j int) bool { return content.frames[i].Sequence < content.frames[j].Sequence })
	sort.Slice(content.signatures, func(i, j int) bool { return content.signatures[i].Sequence < content.signatures[j].Sequence })
	sort.Slice(content.timestamps, func(i, j int) bool { return content.timestamps[i].Sequence < content.timestamps[j].Sequence })
	return content, nil
}

// RecordEntryName is the container entry holding one record frame.
func RecordEntryName(seq uint64, messageID string) string {
	return fmt.Sprintf("%s%020d-%s.rec", RecordsDir, seq, sanitizeName(messageID))
}

func sanitizeName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() > 128 {
		return b.String()[:128]
	}
	return b.String()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Build writes the archive for the segment at segmentPath to w. Record
// offsets in the returned index are absolute offsets into w's output.
func Build(ctx context.Context, w io.Writer, segmentPath string, alg digest.Algorithm, link Link) (*Result, error) {
	if !alg.Valid() {
		return nil, fmt.Errorf("archive: %w", digest.ErrUnsupported)
	}
	if link.Digest == "" {
		link = ZeroLink(alg)
	}
	content, err := loadSegment(segmentPath)
	if err != nil {
		return nil, err
	}
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	chain := newLinker(alg, link)

	put := func(name string, data []byte) (int64, error) {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: modTime})
		if err != nil {
			return 0, fmt.Errorf("archive: create %s: %w", name, err)
		}
		if err := zw.Flush(); err != nil {
			return 0, err
		}
		offset := cw.n
		if _, err := fw.Write(data); err != nil {
			return 0, fmt.Errorf("archive: write %s: %w", name, err)
		}
		return offset, nil
	}

	if _, err := put(EntryMimeType, []byte(MimeType)); err != nil {
		return nil, err
	}
	entries := make([]IndexEntry, 0, len(content.frames))
	for i, frame := range content.frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := content.signatures[i].MessageID
		name := RecordEntryName(frame.Sequence, id)
		offset, err := put(name, frame.Raw)
		if err != nil {
			return nil, err
		}
		chain.add(name, frame.Raw)
		entries = append(entries, IndexEntry{MessageID: id, Sequence: frame.Sequence, Offset: offset})
	}
	sigs, err := json.MarshalIndent(nonNil(content.signatures), "", "  ")
	if err != nil {
		return nil, err
	}
	if _, err := put(EntrySignatures, sigs); err != nil {
		return nil, err
	}
	chain.add(EntrySignatures, sigs)
	stamps, err := json.MarshalIndent(nonNil(content.timestamps), "", "  ")
	if err != nil {
		return nil, err
	}
	if _, err := put(EntryTimestamps, stamps); err != nil {
		return nil, err
	}
	chain.add(EntryTimestamps, stamps)
	if _, err := put(EntryLinkingInfo, chain.bytes()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("archive: finish: %w", err)
	}
	index, err := NewIndex(entries)
	if err != nil {
		return nil, err
	}
	return &Result{
		FirstSeq:   content.first,
		LastSeq:    content.last,
		Records:    len(entries),
		Timestamps: len(content.timestamps),
		Size:       cw.n,
		Digest:     chain.digest(),
		Link:       link,
		Index:      index,
	}, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// ReadRecord reads the frame at offset in an archive using only the index.
func ReadRecord(r io.ReaderAt, offset int64) (messagelog.Frame, error) {
	header := make([]byte, messagelog.HeaderSize)
	if _, err := r.ReadAt(header, offset); err != nil {
		return messagelog.Frame{}, fmt.Errorf("archive: read header at %d: %w", offset, err)
	}
	size, err := messagelog.FrameLength(header)
	if err != nil {
		return messagelog.Frame{}, fmt.Errorf("archive: record at %d: %w", offset, err)
	}
	raw := make([]byte, size)
	if _, err := r.ReadAt(raw, offset); err != nil {
		return messagelog.Frame{}, fmt.Errorf("archive: read record at %d: %w", offset, err)
	}
	frame, err := messagelog.DecodeFrame(raw)
	if err != nil {
		return messagelog.Frame{}, fmt.Errorf("archive: record at %d: %w", offset, err)
	}
	frame.Offset = offset
	return frame, nil
}

// linker computes the linking info: a header line naming the previous
// archive digest, then one line per entry with
// hex(H(previous || hex(H(entry)))).
type linker struct {
	alg   digest.Algorithm
	prev  string
	lines []string
}

func newLinker(alg digest.Algorithm, link Link) *linker {
	name := link.Name
	if name == "" {
		name = "-"
	}
	return &linker{
		alg:   alg,
		prev:  link.Digest,
		lines: []string{fmt.Sprintf("%s %s %s", link.Digest, name, alg)},
	}
}

func (l *linker) add(name string, data []byte) {
	l.prev = linkStep(l.alg, l.prev, data)
	l.lines = append(l.lines, l.prev+" "+name)
}

func linkStep(alg digest.Algorithm, prev string, data []byte) string {
	h := alg.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte(hex.EncodeToString(alg.Sum(data))))
	return hex.EncodeToString(h.Sum(nil))
}

func (l *linker) digest() string { return l.prev }

func (l *linker) bytes() []byte {
	return []byte(strings.Join(l.lines, "\n") + "\n")
}
