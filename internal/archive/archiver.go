package archive

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glowlabs-org/threadgroup"
	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/messagelog"
	"pkt.systems/relayd/internal/retry"
	"pkt.systems/relayd/internal/svcfields"
)

const linkFileName = "LINK"

// Info describes a stored archive.
type Info struct {
	Name           string
	Path           string
	IndexPath      string
	FirstSeq       uint64
	LastSeq        uint64
	Records        int
	Timestamps     int
	Size           int64
	Digest         string
	PreviousDigest string
	CreatedAt      time.Time
}

// Catalog records archives and their index entries.
type Catalog interface {
	RegisterArchive(ctx context.Context, info Info, entries []IndexEntry) error
}

// Sink stores finished archives off-host.
type Sink interface {
	Put(ctx context.Context, key string, r io.ReadSeeker, size int64, contentType string) error
}

// ArchiverConfig configures an Archiver.
type ArchiverConfig struct {
	Dir       string
	Algorithm digest.Algorithm
	// KeepSegments leaves sealed segments in place after archiving.
	KeepSegments bool
	Catalog      Catalog
	Sink         Sink
	// Encryption seals archives at rest when set.
	Encryption *Encryption
	// Retry paces attempts on the segment at the head of the queue. The
	// queue does not advance past a failing segment.
	Retry  *retry.Policy
	Clock  clock.Clock
	Logger pslog.Logger
}

// Archiver turns sealed segments into archives in the background, one at a
// time and in sequence order.
type Archiver struct {
	cfg    ArchiverConfig
	clock  clock.Clock
	logger pslog.Logger
	retry  *retry.Policy
	tg     threadgroup.ThreadGroup

	mu      sync.Mutex
	queue   []*messagelog.ClosedSegment
	wake    chan struct{}
	started bool

	// buildMu serialises builds so links form a single chain.
	buildMu  sync.Mutex
	link     Link
	progress *progress
}

// progress records how far a segment got after its archive was installed,
// so a retry resumes there instead of linking the segment a second time.
type progress struct {
	segment    string
	info       *Info
	entries    []IndexEntry
	catalogued bool
	uploaded   bool
}

// ArchiveName is the file name for an archive of first..last.
func ArchiveName(first, last uint64) string {
	return fmt.Sprintf("archive-%020d-%020d.zip", first, last)
}

// IndexName is the index file name paired with an archive.
func IndexName(archiveName string) string {
	return strings.TrimSuffix(archiveName, ".zip") + ".idx"
}

// NewArchiver prepares the archive directory and loads the last link.
func NewArchiver(cfg ArchiverConfig) (*Archiver, error) {
	if cfg.Dir == "" {
		return nil, errors.New("archive: dir required")
	}
	if cfg.Algorithm == digest.Unknown {
		cfg.Algorithm = digest.SHA256
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create dir: %w", err)
	}
	a := &Archiver{
		cfg:    cfg,
		clock:  clock.Ensure(cfg.Clock),
		logger: svcfields.WithSubsystem(cfg.Logger, "pipeline.archive"),
		retry:  cfg.Retry,
		wake:   make(chan struct{}, 1),
	}
	if a.retry == nil {
		a.retry = retry.New(retry.Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}, a.clock, cfg.Logger)
	}
	link, err := readLink(filepath.Join(cfg.Dir, linkFileName))
	if err != nil {
		return nil, err
	}
	if link.Digest == "" {
		link = ZeroLink(cfg.Algorithm)
	}
	a.link = link
	return a, nil
}

// Link returns the link the next archive will carry.
func (a *Archiver) Link() Link {
	a.buildMu.Lock()
	defer a.buildMu.Unlock()
	return a.link
}

// Enqueue schedules seg for archiving. It never blocks and is suitable as a
// messagelog OnSealed callback.
func (a *Archiver) Enqueue(seg *messagelog.ClosedSegment) {
	if seg == nil {
		return
	}
	a.mu.Lock()
	a.queue = append(a.queue, seg)
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued segments.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Start launches the worker.
func (a *Archiver) Start() error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	a.tg.OnStop(func() error {
		cancel()
		return nil
	})
	return a.tg.Launch(func() { a.loop(ctx) })
}

// Close stops the worker after the segment in progress.
func (a *Archiver) Close() error {
	return a.tg.Stop()
}

func (a *Archiver) loop(ctx context.Context) {
	for {
		seg := a.head()
		if seg == nil {
			select {
			case <-a.tg.StopChan():
				return
			case <-a.wake:
				continue
			}
		}
		if !a.archiveHead(ctx, seg) {
			return
		}
		a.pop(seg)
	}
}

// archiveHead archives seg, retrying until it succeeds or the archiver
// stops. Later segments wait so archive links follow sequence order.
func (a *Archiver) archiveHead(ctx context.Context, seg *messagelog.ClosedSegment) bool {
	for round := 1; ; round++ {
		err := a.retry.Do(ctx, "archive.segment", func(ctx context.Context) error {
			_, err := a.ArchiveSegment(ctx, seg)
			return retry.Transient(err)
		})
		if err == nil {
			return true
		}
		if a.tg.IsStopped() || ctx.Err() != nil {
			return false
		}
		a.logger.Error("relayd.archive.failed",
			"segment", filepath.Base(seg.Path),
			"round", round,
			"queued", a.Pending(),
			"error", err,
		)
		select {
		case <-a.tg.StopChan():
			return false
		case <-a.clock.After(a.retry.MaxDelay()):
		}
	}
}

func (a *Archiver) head() *messagelog.ClosedSegment {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return nil
	}
	return a.queue[0]
}

func (a *Archiver) pop(seg *messagelog.ClosedSegment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) > 0 && a.queue[0] == seg {
		a.queue = a.queue[1:]
	}
}

// ArchiveSegment builds, stores, catalogs and uploads one segment, then
// removes it unless KeepSegments is set. After a failure past installation
// the next call for the same segment resumes with the installed archive.
func (a *Archiver) ArchiveSegment(ctx context.Context, seg *messagelog.ClosedSegment) (*Info, error) {
	a.buildMu.Lock()
	defer a.buildMu.Unlock()

	p := a.progress
	if p == nil || p.segment != seg.Path {
		info, entries, err := a.installed(ctx, seg)
		if err != nil {
			return nil, err
		}
		if info == nil {
			if info, entries, err = a.install(ctx, seg); err != nil {
				return nil, err
			}
		}
		p = &progress{segment: seg.Path, info: info, entries: entries}
		a.progress = p
	}
	info := p.info
	if a.cfg.Catalog != nil && !p.catalogued {
		if err := a.cfg.Catalog.RegisterArchive(ctx, *info, p.entries); err != nil {
			return info, fmt.Errorf("archive: catalog %s: %w", info.Name, err)
		}
		p.catalogued = true
	}
	if a.cfg.Sink != nil && !p.uploaded {
		if err := a.upload(ctx, info.Path, filepath.Base(info.Path), a.contentType()); err != nil {
			return info, err
		}
		if err := a.upload(ctx, info.IndexPath, filepath.Base(info.IndexPath), IndexContentType); err != nil {
			return info, err
		}
		p.uploaded = true
	}
	if !a.cfg.KeepSegments {
		if err := os.Remove(seg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return info, fmt.Errorf("archive: remove segment: %w", err)
		}
	}
	a.progress = nil
	a.logger.Info("relayd.archive.created",
		"archive", filepath.Base(info.Path),
		"records", info.Records,
		"timestamps", info.Timestamps,
		"bytes", info.Size,
		"digest", info.Digest,
		"encrypted", a.cfg.Encryption != nil,
	)
	return info, nil
}

func (a *Archiver) archivePath(name string) string {
	path := filepath.Join(a.cfg.Dir, name)
	if a.cfg.Encryption != nil {
		path += EncryptedSuffix
	}
	return path
}

func (a *Archiver) contentType() string {
	if a.cfg.Encryption != nil {
		return "application/octet-stream"
	}
	return "application/zip"
}

// installed returns the archive of seg when LINK already names it, which
// happens when the process stopped between installing the archive and
// removing the segment.
func (a *Archiver) installed(ctx context.Context, seg *messagelog.ClosedSegment) (*Info, []IndexEntry, error) {
	name := ArchiveName(seg.FirstSeq, seg.LastSeq)
	if a.link.Name != name {
		return nil, nil, nil
	}
	path := a.archivePath(name)
	st, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("archive: link names %s but the archive is missing: %w", name, err)
	}
	indexPath := filepath.Join(a.cfg.Dir, IndexName(name))
	report, err := VerifyFile(ctx, path, indexPath, a.cfg.Encryption)
	if err != nil {
		return nil, nil, err
	}
	if report.Digest != a.link.Digest {
		return nil, nil, corrupt("%s digest %s does not match LINK %s", name, report.Digest, a.link.Digest)
	}
	f, err := os.Open(indexPath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	index, err := LoadIndex(f)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Warn("relayd.archive.resumed", "archive", name)
	return &Info{
		Name:           name,
		Path:           path,
		IndexPath:      indexPath,
		FirstSeq:       seg.FirstSeq,
		LastSeq:        seg.LastSeq,
		Records:        report.Records,
		Timestamps:     report.Timestamps,
		Size:           st.Size(),
		Digest:         report.Digest,
		PreviousDigest: report.Link.Digest,
		CreatedAt:      st.ModTime(),
	}, index.Entries(), nil
}

// install builds the archive of seg, seals it when encryption is on, and
// advances LINK.
func (a *Archiver) install(ctx context.Context, seg *messagelog.ClosedSegment) (*Info, []IndexEntry, error) {
	name := ArchiveName(seg.FirstSeq, seg.LastSeq)
	path := a.archivePath(name)
	tmp, err := os.CreateTemp(a.cfg.Dir, ".archive-*")
	if err != nil {
		return nil, nil, fmt.Errorf("archive: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	bw := bufio.NewWriterSize(tmp, 256<<10)
	res, err := Build(ctx, bw, seg.Path, a.cfg.Algorithm, a.link)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, nil, err
	}
	size := res.Size
	if a.cfg.Encryption != nil {
		sealed, n, err := a.seal(ctx, tmpPath, name, res)
		if err != nil {
			return nil, nil, err
		}
		defer os.Remove(sealed)
		tmpPath, size = sealed, n
	}

	var idx bytes.Buffer
	if _, err := res.Index.WriteTo(&idx); err != nil {
		return nil, nil, err
	}
	indexPath := filepath.Join(a.cfg.Dir, IndexName(name))
	if err := writeFileSync(indexPath, idx.Bytes(), 0o644); err != nil {
		return nil, nil, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, nil, fmt.Errorf("archive: install %s: %w", name, err)
	}
	next := Link{Digest: res.Digest, Name: name}
	if err := writeFileSync(filepath.Join(a.cfg.Dir, linkFileName), []byte(next.Digest+" "+next.Name+"\n"), 0o644); err != nil {
		return nil, nil, err
	}
	info := &Info{
		Name:           name,
		Path:           path,
		IndexPath:      indexPath,
		FirstSeq:       seg.FirstSeq,
		LastSeq:        seg.LastSeq,
		Records:        res.Records,
		Timestamps:     res.Timestamps,
		Size:           size,
		Digest:         res.Digest,
		PreviousDigest: a.link.Digest,
		CreatedAt:      a.clock.Now(),
	}
	a.link = next
	return info, res.Index.Entries(), nil
}

// seal encrypts the plaintext archive at plainPath and verifies the result
// after decryption. It returns the path and size of the sealed temp file.
func (a *Archiver) seal(ctx context.Context, plainPath, name string, res *Result) (string, int64, error) {
	plain, err := os.Open(plainPath)
	if err != nil {
		return "", 0, err
	}
	defer plain.Close()
	out, err := os.CreateTemp(a.cfg.Dir, ".archive-sealed-*")
	if err != nil {
		return "", 0, fmt.Errorf("archive: temp file: %w", err)
	}
	sealedPath := out.Name()
	bw := bufio.NewWriterSize(out, 256<<10)
	err = a.cfg.Encryption.Seal(bw, plain, name)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(sealedPath)
		return "", 0, err
	}

	fail := func(err error) (string, int64, error) {
		_ = os.Remove(sealedPath)
		return "", 0, err
	}
	decrypted, size, err := a.cfg.Encryption.decryptToTemp(sealedPath, name, a.cfg.Dir)
	if err != nil {
		return fail(err)
	}
	defer os.Remove(decrypted.Name())
	defer decrypted.Close()
	report, err := Verify(ctx, decrypted, size, res.Index)
	if err != nil {
		return fail(fmt.Errorf("archive: sealed %s does not verify: %w", name, err))
	}
	if report.Digest != res.Digest {
		return fail(corrupt("sealed %s digest %s, built %s", name, report.Digest, res.Digest))
	}
	st, err := os.Stat(sealedPath)
	if err != nil {
		return fail(err)
	}
	return sealedPath, st.Size(), nil
}

func (a *Archiver) upload(ctx context.Context, path, key, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if err := a.cfg.Sink.Put(ctx, key, f, st.Size(), contentType); err != nil {
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}
	return nil
}

func readLink(path string) (Link, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Link{}, nil
	}
	if err != nil {
		return Link{}, fmt.Errorf("archive: read link: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return Link{}, fmt.Errorf("archive: malformed link file %s", path)
	}
	return Link{Digest: fields[0], Name: fields[1]}, nil
}

func writeFileSync(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
