package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/hashchain"
	"pkt.systems/relayd/internal/messagelog"
)

// ErrCorrupt is wrapped by every verification failure.
var ErrCorrupt = errors.New("archive: corrupt")

// Report summarises a verified archive.
type Report struct {
	Records    int
	Timestamps int
	Algorithm  digest.Algorithm
	Link       Link
	Digest     string
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// declineAll trusts every data reference; step structure is still checked.
type declineAll struct{}

func (declineAll) ShouldResolve(string, []byte) bool { return false }
func (declineAll) Resolve(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("archive: resolution declined")
}

// Verify checks container layout, record frames, the index (when given),
// timestamp batches over records in this archive, signature manifests and
// the linking info.
func Verify(ctx context.Context, r io.ReaderAt, size int64, index *Index) (*Report, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, corrupt("open container: %v", err)
	}
	if len(zr.File) < 4 {
		return nil, corrupt("container has %d entries", len(zr.File))
	}
	first := zr.File[0]
	if first.Name != EntryMimeType || first.Method != zip.Store {
		return nil, corrupt("first entry must be a stored %s", EntryMimeType)
	}
	mimeData, err := readEntry(first)
	if err != nil {
		return nil, err
	}
	if string(mimeData) != MimeType {
		return nil, corrupt("mimetype %q", mimeData)
	}

	var (
		frames     = messagelog.FrameResolver{}
		offsets    = make(map[uint64]int64)
		contents   = make(map[string][]byte)
		order      []string
		linkData   []byte
		signatures []*messagelog.SignatureRecord
		timestamps []*messagelog.TimestampRecord
	)
	for _, f := range zr.File[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		switch {
		case strings.HasPrefix(f.Name, RecordsDir):
			if f.Method != zip.Store {
				return nil, corrupt("record %s is compressed", f.Name)
			}
			frame, err := messagelog.DecodeFrame(data)
			if err != nil {
				return nil, corrupt("%s: %v", f.Name, err)
			}
			rec, err := frame.Signature()
			if err != nil {
				return nil, corrupt("%s: %v", f.Name, err)
			}
			if want := RecordEntryName(frame.Sequence, rec.MessageID); f.Name != want {
				return nil, corrupt("entry %s holds record %d (%s)", f.Name, frame.Sequence, want)
			}
			offset, err := f.DataOffset()
			if err != nil {
				return nil, corrupt("%s offset: %v", f.Name, err)
			}
			frames[frame.Sequence] = data
			offsets[frame.Sequence] = offset
			signatures = append(signatures, rec)
		case f.Name == EntrySignatures:
		case f.Name == EntryTimestamps:
			if err := json.Unmarshal(data, &timestamps); err != nil {
				return nil, corrupt("timestamps: %v", err)
			}
		case f.Name == EntryLinkingInfo:
			linkData = data
			continue
		default:
			return nil, corrupt("unexpected entry %s", f.Name)
		}
		contents[f.Name] = data
		order = append(order, f.Name)
	}
	if linkData == nil {
		return nil, corrupt("missing %s", EntryLinkingInfo)
	}
	if zr.File[len(zr.File)-1].Name != EntryLinkingInfo {
		return nil, corrupt("%s must be the last entry", EntryLinkingInfo)
	}

	link, alg, finalDigest, err := checkLinking(linkData, order, contents)
	if err != nil {
		return nil, err
	}

	if index != nil {
		if index.Len() != len(offsets) {
			return nil, corrupt("index has %d entries, archive has %d records", index.Len(), len(offsets))
		}
		for _, entry := range index.Entries() {
			offset, ok := offsets[entry.Sequence]
			if !ok || offset != entry.Offset {
				return nil, corrupt("index offset for sequence %d is %d, record is at %d", entry.Sequence, entry.Offset, offset)
			}
			frame, err := ReadRecord(r, entry.Offset)
			if err != nil {
				return nil, corrupt("%v", err)
			}
			if !bytes.Equal(frame.Raw, frames[entry.Sequence]) {
				return nil, corrupt("index record %d differs from entry", entry.Sequence)
			}
		}
	}

	for _, rec := range signatures {
		if rec.Manifest == nil {
			continue
		}
		if err := hashchain.Verify(ctx, rec.Manifest, declineAll{}); err != nil {
			return nil, corrupt("record %d manifest: %v", rec.Sequence, err)
		}
	}
	for _, ts := range timestamps {
		if err := messagelog.VerifyTimestamp(ctx, ts, frames); err != nil {
			return nil, corrupt("timestamp %d: %v", ts.Sequence, err)
		}
	}
	return &Report{
		Records:    len(signatures),
		Timestamps: len(timestamps),
		Algorithm:  alg,
		Link:       link,
		Digest:     finalDigest,
	}, nil
}

func checkLinking(data []byte, order []string, contents map[string][]byte) (Link, digest.Algorithm, string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return Link{}, 0, "", corrupt("empty linking info")
	}
	head := strings.Fields(scanner.Text())
	if len(head) != 3 {
		return Link{}, 0, "", corrupt("linking header %q", scanner.Text())
	}
	alg, err := digest.Parse(head[2])
	if err != nil {
		return Link{}, 0, "", corrupt("linking algorithm: %v", err)
	}
	link := Link{Digest: head[0], Name: head[1]}
	prev := link.Digest
	i := 0
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			return Link{}, 0, "", corrupt("linking line %q", scanner.Text())
		}
		if i >= len(order) || fields[1] != order[i] {
			return Link{}, 0, "", corrupt("linking line %d names %s", i+1, fields[1])
		}
		prev = linkStep(alg, prev, contents[fields[1]])
		if prev != fields[0] {
			return Link{}, 0, "", corrupt("linking digest mismatch at %s", fields[1])
		}
		i++
	}
	if i != len(order) {
		return Link{}, 0, "", corrupt("linking info covers %d of %d entries", i, len(order))
	}
	return link, alg, prev, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, corrupt("open %s: %v", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, corrupt("read %s: %v", f.Name, err)
	}
	return data, nil
}

// VerifyFile verifies an archive on disk, with its index when indexPath is
// non-empty. Archives named with EncryptedSuffix are decrypted with enc
// first.
func VerifyFile(ctx context.Context, archivePath, indexPath string, enc *Encryption) (*Report, error) {
	var (
		file *os.File
		size int64
		err  error
	)
	if strings.HasSuffix(archivePath, EncryptedSuffix) {
		name := strings.TrimSuffix(filepath.Base(archivePath), EncryptedSuffix)
		file, size, err = enc.decryptToTemp(archivePath, name, "")
		if err != nil {
			return nil, err
		}
		defer os.Remove(file.Name())
	} else {
		file, err = os.Open(archivePath)
		if err != nil {
			return nil, err
		}
		info, err := file.Stat()
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		size = info.Size()
	}
	defer file.Close()
	var index *Index
	if indexPath != "" {
		idx, err := os.Open(indexPath)
		if err != nil {
			return nil, err
		}
		index, err = LoadIndex(idx)
		_ = idx.Close()
		if err != nil {
			return nil, err
		}
	}
	return Verify(ctx, file, size, index)
}
