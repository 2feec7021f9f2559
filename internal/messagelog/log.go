// Package messagelog is the append-only evidentiary log. A single writer
// goroutine frames, writes and fdatasyncs records before acknowledging them;
// pending signature records are bound to timestamp tokens in batches, and
// full segments are sealed and handed to the archiver.
package messagelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/filelock"
	"pkt.systems/relayd/internal/svcfields"
	"pkt.systems/relayd/internal/tsa"
)

const (
	DefaultQueueDepth        = 1024
	DefaultCommitMaxOps      = 128
	DefaultAppendTimeout     = 5 * time.Second
	DefaultMaxSegmentBytes   = 64 << 20
	DefaultMaxSegmentAge     = 24 * time.Hour
	DefaultTimestampInterval = time.Minute
)

var (
	// ErrLogHalted is returned for every append after a durability failure.
	ErrLogHalted = errors.New("messagelog: log halted")
	// ErrNoPendingRecords is returned by TimestampBatch when nothing awaits a token.
	ErrNoPendingRecords = errors.New("messagelog: no pending records")
	// ErrTimestampingUnavailable is tsa.ErrTimestampingUnavailable.
	ErrTimestampingUnavailable = tsa.ErrTimestampingUnavailable
	// ErrTimestampingOverdue is returned by Append when timestamping has been
	// failing for longer than the configured tolerance.
	ErrTimestampingOverdue = errors.New("messagelog: timestamping overdue")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("messagelog: closed")
)

// Config configures a Log.
type Config struct {
	Dir       string
	Algorithm digest.Algorithm

	QueueDepth    int
	CommitMaxOps  int
	AppendTimeout time.Duration

	MaxSegmentBytes int64
	// MaxSegmentAge seals a non-empty segment once its oldest record is this
	// old. Negative disables age rotation.
	MaxSegmentAge time.Duration

	// TimestampInterval is the batch cadence. Negative disables the loop.
	TimestampInterval time.Duration
	// TimestampMaxBatch caps records per token; zero is unlimited.
	TimestampMaxBatch    int
	TimestampImmediately bool
	// TimestampFailureTolerance makes Append refuse with
	// ErrTimestampingOverdue once timestamping has failed for this long.
	// Zero disables the check.
	TimestampFailureTolerance time.Duration

	// StartSequence is the first sequence of an empty log directory.
	StartSequence uint64

	Authority tsa.Authority
	Clock     clock.Clock
	Logger    pslog.Logger
	// OnSealed receives every sealed segment, including ones recovered at
	// Open, in sequence order. With an Authority configured a segment is
	// held back until each of its signature records is covered by a
	// timestamp record. It must not block.
	OnSealed func(*ClosedSegment)
	// SyncFile replaces fdatasync.
	SyncFile func(*os.File) error
}

func (c Config) withDefaults() (Config, error) {
	if c.Dir == "" {
		return c, errors.New("messagelog: dir required")
	}
	if c.Algorithm == digest.Unknown {
		c.Algorithm = digest.SHA256
	}
	if !c.Algorithm.Valid() {
		return c, fmt.Errorf("messagelog: %w", digest.ErrUnsupported)
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.CommitMaxOps <= 0 {
		c.CommitMaxOps = DefaultCommitMaxOps
	}
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = DefaultAppendTimeout
	}
	if c.MaxSegmentBytes <= 0 {
		c.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if c.MaxSegmentAge == 0 {
		c.MaxSegmentAge = DefaultMaxSegmentAge
	}
	if c.TimestampInterval == 0 {
		c.TimestampInterval = DefaultTimestampInterval
	}
	if c.TimestampMaxBatch < 0 {
		c.TimestampMaxBatch = 0
	}
	if c.StartSequence == 0 {
		c.StartSequence = 1
	}
	if c.SyncFile == nil {
		c.SyncFile = syncFile
	}
	return c, nil
}

// Ack confirms a durable append.
type Ack struct {
	Sequence uint64
	Segment  string
	Offset   int64
}

// Stats is a point-in-time view of the log.
type Stats struct {
	NextSequence   uint64
	Pending        int
	Segment        string
	SegmentBytes   int64
	SegmentRecords int
	// AwaitingTimestamps counts sealed segments held back from OnSealed.
	AwaitingTimestamps int
	Halted             bool
}

type pendingEntry struct {
	seq       uint64
	messageID string
	digest    []byte
}

type activeSegment struct {
	name    string
	first   uint64
	last    uint64
	size    int64
	records int
	opened  time.Time
}

type requestKind uint8

const (
	reqAppend requestKind = iota
	reqTimestamp
	reqRotate
	reqClose
)

type request struct {
	ctx   context.Context
	kind  requestKind
	sig   *SignatureRecord
	ts    *TimestampRecord
	reply chan response

	seq    uint64
	offset int64
	digest []byte
}

type response struct {
	ack    Ack
	sealed *ClosedSegment
	err    error
}

func (r *request) fail(err error) {
	r.reply <- response{err: err}
}

// expired reports the caller's context error for a request that has not
// been written yet.
func (r *request) expired() error {
	if r.ctx == nil {
		return nil
	}
	return r.ctx.Err()
}

// Log is the evidentiary message log.
type Log struct {
	cfg     Config
	alg     digest.Algorithm
	clock   clock.Clock
	logger  pslog.Logger
	metrics *logMetrics
	lock    *filelock.File

	reqCh      chan *request
	writerDone chan struct{}
	rotateCh   chan struct{}

	// writer-owned
	file *os.File
	buf  *bufio.Writer

	sendMu sync.RWMutex
	closed bool

	mu           sync.Mutex
	nextSeq      uint64
	pending      []pendingEntry
	active       activeSegment
	halted       error
	firstFailure time.Time
	// awaiting holds sealed segments not yet handed to OnSealed.
	awaiting []*ClosedSegment

	tsMu      sync.Mutex
	handoffMu sync.Mutex

	bgCancel  context.CancelFunc
	bgDone    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open locks dir, recovers its segments and starts the writer and the
// timestamp loop.
func Open(cfg Config) (*Log, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("messagelog: create dir: %w", err)
	}
	lock, err := filelock.Open(filepath.Join(cfg.Dir, lockFileName))
	if err != nil {
		return nil, err
	}
	if err := lock.LockExclusive(); err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("messagelog: %s in use: %w", cfg.Dir, err)
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "pipeline.log")
	l := &Log{
		cfg:        cfg,
		alg:        cfg.Algorithm,
		clock:      clock.Ensure(cfg.Clock),
		logger:     logger,
		lock:       lock,
		reqCh:      make(chan *request, cfg.QueueDepth),
		writerDone: make(chan struct{}),
		rotateCh:   make(chan struct{}, 1),
		bgDone:     make(chan struct{}),
	}
	if err := l.recover(); err != nil {
		_ = lock.Close()
		return nil, err
	}
	l.metrics = newLogMetrics(logger, l)
	l.logger.Info("relayd.log.opened",
		"dir", cfg.Dir,
		"next_sequence", l.nextSeq,
		"pending", len(l.pending),
		"sealed_backlog", len(l.awaiting),
	)
	go l.writeLoop()
	ctx, cancel := context.WithCancel(context.Background())
	l.bgCancel = cancel
	go l.run(ctx)
	return l, nil
}

func (l *Log) recover() error {
	segs, err := listSegments(l.cfg.Dir)
	if err != nil {
		return err
	}
	var (
		maxSeq  uint64
		sigs    []pendingEntry
		covered = make(map[uint64]struct{})
		openSeg *segmentName
		openAt  activeSegment
	)
	collect := func(frame Frame) error {
		if frame.Sequence > maxSeq {
			maxSeq = frame.Sequence
		}
		switch frame.Type {
		case RecordSignature:
			rec, err := frame.Signature()
			if err != nil {
				return err
			}
			sigs = append(sigs, pendingEntry{seq: frame.Sequence, messageID: rec.MessageID, digest: l.alg.Sum(frame.Raw)})
		case RecordTimestamp:
			rec, err := frame.Timestamp()
			if err != nil {
				return err
			}
			for _, seq := range rec.Covers {
				covered[seq] = struct{}{}
			}
		}
		return nil
	}
	for i := range segs {
		seg := segs[i]
		path := filepath.Join(l.cfg.Dir, seg.name)
		if seg.sealed {
			closed := &ClosedSegment{Path: path, FirstSeq: seg.first, LastSeq: seg.last}
			if err := ReadSegment(path, func(f Frame) error {
				closed.Records++
				closed.Bytes += int64(len(f.Raw))
				return collect(f)
			}); err != nil {
				return err
			}
			l.awaiting = append(l.awaiting, closed)
			continue
		}
		if openSeg != nil {
			return fmt.Errorf("messagelog: multiple open segments: %s and %s", openSeg.name, seg.name)
		}
		openSeg = &seg
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("messagelog: open segment: %w", err)
		}
		openAt = activeSegment{name: seg.name, first: seg.first}
		good, scanErr := scanFrames(file, func(f Frame) error {
			if openAt.records == 0 {
				openAt.opened = f.CreatedAt
			}
			openAt.records++
			openAt.last = f.Sequence
			return collect(f)
		})
		_ = file.Close()
		openAt.size = good
		if scanErr != nil {
			if !errors.Is(scanErr, errTornFrame) {
				return fmt.Errorf("messagelog: recover %s: %w", seg.name, scanErr)
			}
			if err := os.Truncate(path, good); err != nil {
				return fmt.Errorf("messagelog: truncate torn tail: %w", err)
			}
			l.logger.Warn("relayd.log.recovery.truncated", "segment", seg.name, "offset", good, "error", scanErr)
		}
	}

	l.nextSeq = l.cfg.StartSequence
	if maxSeq+1 > l.nextSeq && maxSeq > 0 {
		l.nextSeq = maxSeq + 1
	}
	if openSeg != nil && openSeg.first > l.nextSeq {
		l.nextSeq = openSeg.first
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].seq < sigs[j].seq })
	for _, entry := range sigs {
		if _, ok := covered[entry.seq]; !ok {
			l.pending = append(l.pending, entry)
		}
	}

	if openSeg == nil {
		return l.openSegment(l.nextSeq)
	}
	file, err := os.OpenFile(filepath.Join(l.cfg.Dir, openSeg.name), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("messagelog: reopen segment: %w", err)
	}
	if openAt.opened.IsZero() {
		openAt.opened = l.clock.Now()
	}
	l.file = file
	l.buf = bufio.NewWriterSize(file, 64<<10)
	l.active = openAt
	return nil
}

func (l *Log) openSegment(first uint64) error {
	name := openSegmentName(first)
	file, err := os.OpenFile(filepath.Join(l.cfg.Dir, name), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("messagelog: create segment: %w", err)
	}
	if err := syncDir(l.cfg.Dir); err != nil {
		_ = file.Close()
		return err
	}
	l.file = file
	if l.buf == nil {
		l.buf = bufio.NewWriterSize(file, 64<<10)
	} else {
		l.buf.Reset(file)
	}
	l.mu.Lock()
	l.active = activeSegment{name: name, first: first, opened: l.clock.Now()}
	l.mu.Unlock()
	return nil
}

// Append durably stores rec and returns its sequence. rec is not modified.
// When ctx or AppendTimeout expires before rec reaches the writer, rec is not
// stored; once it is written Append waits for the group commit, so an error
// always means the record is absent from the log.
func (l *Log) Append(ctx context.Context, rec *SignatureRecord) (Ack, error) {
	if rec == nil || rec.MessageID == "" {
		return Ack{}, errors.New("messagelog: append requires a message id")
	}
	if err := l.haltedErr(); err != nil {
		l.metrics.append(ctx, false)
		return Ack{}, err
	}
	if err := l.checkOverdue(); err != nil {
		l.metrics.append(ctx, false)
		return Ack{}, err
	}
	copied := *rec
	req := &request{kind: reqAppend, sig: &copied, reply: make(chan response, 1)}
	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.AppendTimeout)
	resp, err := l.submit(waitCtx, req)
	cancel()
	l.metrics.append(ctx, err == nil)
	if err != nil {
		return Ack{}, err
	}
	if l.cfg.TimestampImmediately && l.cfg.Authority != nil {
		if _, err := l.TimestampBatch(ctx); err != nil && !errors.Is(err, ErrNoPendingRecords) {
			l.logger.Warn("relayd.log.timestamp.immediate_failed", "sequence", resp.ack.Sequence, "error", err)
		}
	}
	return resp.ack, nil
}

func (l *Log) submit(ctx context.Context, req *request) (response, error) {
	req.ctx = ctx
	l.sendMu.RLock()
	if l.closed {
		l.sendMu.RUnlock()
		return response{}, ErrClosed
	}
	select {
	case l.reqCh <- req:
	case <-ctx.Done():
		l.sendMu.RUnlock()
		return response{}, ctx.Err()
	}
	l.sendMu.RUnlock()
	// The writer answers every queued request.
	resp := <-req.reply
	return resp, resp.err
}

func (l *Log) checkOverdue() error {
	tolerance := l.cfg.TimestampFailureTolerance
	if tolerance <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.firstFailure.IsZero() || len(l.pending) == 0 {
		return nil
	}
	if since := l.clock.Now().Sub(l.firstFailure); since > tolerance {
		return fmt.Errorf("%w: failing for %s with %d records pending", ErrTimestampingOverdue, since.Truncate(time.Second), len(l.pending))
	}
	return nil
}

func (l *Log) halt(err error) {
	l.mu.Lock()
	first := l.halted == nil
	if first {
		l.halted = err
	}
	l.mu.Unlock()
	if first {
		l.logger.Error("relayd.log.halted", "error", err)
	}
}

func (l *Log) haltedErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrLogHalted, l.halted)
}

func (l *Log) writeLoop() {
	defer close(l.writerDone)
	batch := make([]*request, 0, l.cfg.CommitMaxOps)
	for {
		batch = append(batch[:0], <-l.reqCh)
	drain:
		for len(batch) < l.cfg.CommitMaxOps {
			select {
			case req := <-l.reqCh:
				batch = append(batch, req)
			default:
				break drain
			}
		}
		if l.commit(batch) {
			return
		}
	}
}

// commit writes batch in order. Control requests first make the preceding
// writes durable. It reports whether the writer should stop.
func (l *Log) commit(batch []*request) bool {
	var group []*request
	var groupStart int64
	for _, req := range batch {
		switch req.kind {
		case reqAppend, reqTimestamp:
			if err := l.haltedErr(); err != nil {
				req.fail(err)
				continue
			}
			if err := req.expired(); err != nil {
				req.fail(err)
				continue
			}
			if len(group) == 0 {
				groupStart = l.active.size
			}
			if err := l.write(req); err != nil {
				req.fail(err)
				continue
			}
			group = append(group, req)
		case reqRotate:
			l.syncGroup(group, groupStart)
			group = nil
			sealed, err := l.seal()
			req.reply <- response{sealed: sealed, err: err}
		case reqClose:
			l.syncGroup(group, groupStart)
			group = nil
			req.reply <- response{err: l.closeActive()}
			return true
		}
	}
	l.syncGroup(group, groupStart)
	return false
}

func (l *Log) write(req *request) error {
	l.mu.Lock()
	seq := l.nextSeq
	l.mu.Unlock()
	now := l.clock.Now()
	var (
		recType RecordType
		payload []byte
		err     error
	)
	switch req.kind {
	case reqAppend:
		recType = RecordSignature
		req.sig.Sequence = seq
		if req.sig.CreatedAt.IsZero() {
			req.sig.CreatedAt = now
		}
		payload, err = json.Marshal(req.sig)
	case reqTimestamp:
		recType = RecordTimestamp
		req.ts.Sequence = seq
		req.ts.CreatedAt = now
		payload, err = json.Marshal(req.ts)
	}
	if err != nil {
		return fmt.Errorf("messagelog: encode record: %w", err)
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("messagelog: record of %d bytes exceeds limit", len(payload))
	}
	frame := encodeFrame(recType, seq, now, payload)
	if _, err := l.buf.Write(frame); err != nil {
		l.halt(err)
		return fmt.Errorf("%w: %w", ErrLogHalted, err)
	}
	req.seq = seq
	req.offset = l.active.size
	req.digest = l.alg.Sum(frame)
	l.mu.Lock()
	l.nextSeq = seq + 1
	l.active.size += int64(len(frame))
	l.mu.Unlock()
	return nil
}

func (l *Log) syncGroup(group []*request, start int64) {
	if len(group) == 0 {
		return
	}
	err := l.buf.Flush()
	if err == nil {
		err = l.cfg.SyncFile(l.file)
	}
	if err != nil {
		l.halt(err)
		if terr := l.file.Truncate(start); terr != nil {
			l.logger.Error("relayd.log.truncate_failed", "offset", start, "error", terr)
		}
		l.mu.Lock()
		l.active.size = start
		l.mu.Unlock()
		herr := l.haltedErr()
		for _, req := range group {
			req.fail(herr)
		}
		return
	}

	l.mu.Lock()
	for _, req := range group {
		if l.active.records == 0 {
			l.active.opened = l.clock.Now()
		}
		l.active.records++
		l.active.last = req.seq
		switch req.kind {
		case reqAppend:
			l.pending = append(l.pending, pendingEntry{seq: req.seq, messageID: req.sig.MessageID, digest: req.digest})
		case reqTimestamp:
			covered := make(map[uint64]struct{}, len(req.ts.Covers))
			for _, seq := range req.ts.Covers {
				covered[seq] = struct{}{}
			}
			kept := l.pending[:0]
			for _, entry := range l.pending {
				if _, ok := covered[entry.seq]; !ok {
					kept = append(kept, entry)
				}
			}
			l.pending = kept
			l.firstFailure = time.Time{}
		}
	}
	segment := l.active.name
	full := l.active.size >= l.cfg.MaxSegmentBytes
	l.mu.Unlock()

	for _, req := range group {
		req.reply <- response{ack: Ack{Sequence: req.seq, Segment: segment, Offset: req.offset}}
	}
	if full {
		select {
		case l.rotateCh <- struct{}{}:
		default:
		}
	}
}

// seal renames the active segment and opens the next one. An empty segment
// is left in place.
func (l *Log) seal() (*ClosedSegment, error) {
	if err := l.haltedErr(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	active := l.active
	next := l.nextSeq
	l.mu.Unlock()
	if active.records == 0 {
		return nil, nil
	}
	if err := l.file.Close(); err != nil {
		l.halt(err)
		return nil, l.haltedErr()
	}
	from := filepath.Join(l.cfg.Dir, active.name)
	to := filepath.Join(l.cfg.Dir, sealedSegmentName(active.first, active.last))
	if err := os.Rename(from, to); err != nil {
		l.halt(err)
		return nil, l.haltedErr()
	}
	if err := l.openSegment(next); err != nil {
		l.halt(err)
		return nil, l.haltedErr()
	}
	return &ClosedSegment{
		Path:     to,
		FirstSeq: active.first,
		LastSeq:  active.last,
		Records:  active.records,
		Bytes:    active.size,
	}, nil
}

func (l *Log) closeActive() error {
	if l.file == nil {
		return nil
	}
	var err error
	if l.haltedErr() == nil {
		if err = l.buf.Flush(); err == nil {
			err = l.cfg.SyncFile(l.file)
		}
	}
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// TimestampBatch obtains one token over the pending records, oldest first,
// and durably appends the timestamp record. On failure the batch stays
// pending.
func (l *Log) TimestampBatch(ctx context.Context) (*TimestampRecord, error) {
	l.tsMu.Lock()
	defer l.tsMu.Unlock()
	if err := l.haltedErr(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	n := len(l.pending)
	if limit := l.cfg.TimestampMaxBatch; limit > 0 && n > limit {
		n = limit
	}
	batch := make([]pendingEntry, n)
	copy(batch, l.pending[:n])
	l.mu.Unlock()
	if len(batch) == 0 {
		return nil, ErrNoPendingRecords
	}
	rec, err := l.prepareTimestamp(ctx, batch)
	if err != nil {
		l.noteTimestampFailure()
		l.metrics.timestamp(ctx, false, 0)
		if errors.Is(err, ErrTimestampingUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTimestampingUnavailable, err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.AppendTimeout)
	defer cancel()
	if _, err := l.submit(waitCtx, &request{kind: reqTimestamp, ts: rec, reply: make(chan response, 1)}); err != nil {
		l.metrics.timestamp(ctx, false, 0)
		return nil, err
	}
	l.metrics.timestamp(ctx, true, len(batch))
	l.logger.Debug("relayd.log.timestamp.appended",
		"sequence", rec.Sequence,
		"records", len(rec.Covers),
		"first", rec.Covers[0],
		"last", rec.Covers[len(rec.Covers)-1],
	)
	l.release()
	return rec, nil
}

func (l *Log) noteTimestampFailure() {
	l.mu.Lock()
	if l.firstFailure.IsZero() {
		l.firstFailure = l.clock.Now()
	}
	l.mu.Unlock()
}

// Rotate flushes pending timestamps on a best-effort basis, then seals the
// active segment and hands it to OnSealed, or holds it back while any of its
// records still awaits a timestamp. It returns nil when the active segment
// is empty.
func (l *Log) Rotate(ctx context.Context) (*ClosedSegment, error) {
	l.flushTimestamps(ctx)
	resp, err := l.submit(ctx, &request{kind: reqRotate, reply: make(chan response, 1)})
	if err != nil {
		return nil, err
	}
	if resp.sealed != nil {
		l.metrics.rotation(ctx)
		l.logger.Info("relayd.log.segment.sealed",
			"segment", filepath.Base(resp.sealed.Path),
			"first", resp.sealed.FirstSeq,
			"last", resp.sealed.LastSeq,
			"records", resp.sealed.Records,
		)
		l.release(resp.sealed)
	}
	return resp.sealed, nil
}

// release queues segs and hands every leading segment whose records are all
// timestamped to OnSealed, oldest first. A held segment blocks the ones
// after it so archives link in sequence order.
func (l *Log) release(segs ...*ClosedSegment) {
	l.handoffMu.Lock()
	defer l.handoffMu.Unlock()
	l.mu.Lock()
	l.awaiting = append(l.awaiting, segs...)
	sort.Slice(l.awaiting, func(i, j int) bool { return l.awaiting[i].FirstSeq < l.awaiting[j].FirstSeq })
	var ready []*ClosedSegment
	for len(l.awaiting) > 0 && l.coveredLocked(l.awaiting[0]) {
		ready = append(ready, l.awaiting[0])
		l.awaiting = l.awaiting[1:]
	}
	held := len(l.awaiting)
	var oldest uint64
	if len(l.pending) > 0 {
		oldest = l.pending[0].seq
	}
	l.mu.Unlock()

	if held > 0 && len(segs) > 0 {
		l.logger.Warn("relayd.log.segment.awaiting_timestamps",
			"segments", held,
			"oldest_pending", oldest,
		)
	}
	if l.cfg.OnSealed == nil {
		return
	}
	for _, seg := range ready {
		l.cfg.OnSealed(seg)
	}
}

// coveredLocked reports whether no signature record of seg is pending.
// pending is ordered by sequence. Without an authority nothing is ever
// timestamped and segments are released as sealed.
func (l *Log) coveredLocked(seg *ClosedSegment) bool {
	if l.cfg.Authority == nil {
		return true
	}
	return len(l.pending) == 0 || l.pending[0].seq > seg.LastSeq
}

// flushTimestamps runs enough batches to cover the records pending now.
func (l *Log) flushTimestamps(ctx context.Context) {
	if l.cfg.Authority == nil {
		return
	}
	l.mu.Lock()
	pending := len(l.pending)
	l.mu.Unlock()
	rounds := 1
	if limit := l.cfg.TimestampMaxBatch; limit > 0 {
		rounds = (pending + limit - 1) / limit
	}
	for i := 0; i < rounds; i++ {
		if _, err := l.TimestampBatch(ctx); err != nil {
			if !errors.Is(err, ErrNoPendingRecords) {
				l.logger.Warn("relayd.log.timestamp.flush_failed", "error", err)
			}
			return
		}
	}
}

func (l *Log) run(ctx context.Context) {
	defer close(l.bgDone)
	l.release()
	if held := l.Stats().AwaitingTimestamps; held > 0 {
		l.logger.Warn("relayd.log.segment.awaiting_timestamps", "segments", held, "pending", l.Stats().Pending)
	}

	var tickC <-chan time.Time
	if l.cfg.TimestampInterval > 0 && l.cfg.Authority != nil {
		ticker := l.clock.NewTicker(l.cfg.TimestampInterval)
		defer ticker.Stop()
		tickC = ticker.C()
	}
	var ageC <-chan time.Time
	if l.cfg.MaxSegmentAge > 0 {
		every := l.cfg.MaxSegmentAge / 4
		if every < time.Second {
			every = time.Second
		}
		ticker := l.clock.NewTicker(every)
		defer ticker.Stop()
		ageC = ticker.C()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tickC:
			if _, err := l.TimestampBatch(ctx); err != nil && !errors.Is(err, ErrNoPendingRecords) && ctx.Err() == nil {
				l.logger.Warn("relayd.log.timestamp.failed", "error", err)
			}
		case <-ageC:
			l.mu.Lock()
			due := l.active.records > 0 && l.clock.Now().Sub(l.active.opened) >= l.cfg.MaxSegmentAge
			l.mu.Unlock()
			if due {
				l.autoRotate(ctx, "age")
			}
		case <-l.rotateCh:
			l.autoRotate(ctx, "size")
		}
	}
}

func (l *Log) autoRotate(ctx context.Context, reason string) {
	if _, err := l.Rotate(ctx); err != nil && ctx.Err() == nil {
		l.logger.Error("relayd.log.rotate_failed", "reason", reason, "error", err)
	}
}

// Stats returns the current log state.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		NextSequence:       l.nextSeq,
		Pending:            len(l.pending),
		Segment:            l.active.name,
		SegmentBytes:       l.active.size,
		SegmentRecords:     l.active.records,
		AwaitingTimestamps: len(l.awaiting),
		Halted:             l.halted != nil,
	}
}

// Close stops the timestamp loop, flushes a final timestamp batch, makes
// every acknowledged record durable and releases the directory lock. The
// active segment stays open on disk and is resumed by the next Open.
func (l *Log) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.bgCancel()
		<-l.bgDone
		l.flushTimestamps(ctx)

		l.sendMu.Lock()
		l.closed = true
		l.sendMu.Unlock()

		req := &request{kind: reqClose, reply: make(chan response, 1)}
		l.reqCh <- req
		resp := <-req.reply
		<-l.writerDone
		l.closeErr = resp.err
		if err := l.lock.Close(); l.closeErr == nil {
			l.closeErr = err
		}
		l.logger.Info("relayd.log.closed", "next_sequence", l.Stats().NextSequence)
	})
	return l.closeErr
}
