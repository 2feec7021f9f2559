package messagelog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/hashchain"
	"pkt.systems/relayd/internal/logcapture"
	"pkt.systems/relayd/internal/tsa"
)

type fakeAuthority struct {
	mu      sync.Mutex
	fail    bool
	calls   int
	digests [][]byte
}

func (a *fakeAuthority) Timestamp(_ context.Context, alg digest.Algorithm, sum []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.fail {
		return nil, fmt.Errorf("%w: tsa down", tsa.ErrTimestampingUnavailable)
	}
	a.digests = append(a.digests, append([]byte(nil), sum...))
	return append([]byte("token:"), sum...), nil
}

func (a *fakeAuthority) setFail(v bool) {
	a.mu.Lock()
	a.fail = v
	a.mu.Unlock()
}

func testConfig(t *testing.T, dir string) Config {
	t.Helper()
	return Config{
		Dir:               dir,
		Algorithm:         digest.SHA256,
		TimestampInterval: -1,
		MaxSegmentAge:     -1,
		Logger:            logcapture.New(),
	}
}

func openLog(t *testing.T, cfg Config) *Log {
	t.Helper()
	l, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func signatureRecord(t *testing.T, id string) *SignatureRecord {
	t.Helper()
	manifest, err := hashchain.Build(digest.SHA256, []hashchain.Input{
		{URI: "cid:body", Digest: digest.SHA256.Sum([]byte(id))},
	}, nil)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	return &SignatureRecord{
		MessageID: id,
		Manifest:  manifest,
		Signature: []byte("sig-" + id),
		KeyID:     "key-1",
	}
}

func appendN(t *testing.T, l *Log, n int, prefix string) []Ack {
	t.Helper()
	acks := make([]Ack, n)
	for i := range acks {
		ack, err := l.Append(context.Background(), signatureRecord(t, fmt.Sprintf("%s-%d", prefix, i)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		acks[i] = ack
	}
	return acks
}

func TestAppendAssignsSequencesAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	l, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	acks := appendN(t, l, 3, "m")
	for i, ack := range acks {
		if ack.Sequence != uint64(i+1) {
			t.Fatalf("ack %d sequence %d", i, ack.Sequence)
		}
		if i > 0 && ack.Offset <= acks[i-1].Offset {
			t.Fatalf("offsets not increasing: %+v", acks)
		}
	}
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := l.Append(context.Background(), signatureRecord(t, "late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	reopened := openLog(t, testConfig(t, dir))
	stats := reopened.Stats()
	if stats.NextSequence != 4 || stats.Pending != 3 || stats.SegmentRecords != 3 {
		t.Fatalf("unexpected stats after reopen: %+v", stats)
	}
	ack, err := reopened.Append(context.Background(), signatureRecord(t, "next"))
	if err != nil || ack.Sequence != 4 {
		t.Fatalf("append after reopen: %+v %v", ack, err)
	}
}

func TestSecondOpenIsRefused(t *testing.T) {
	dir := t.TempDir()
	openLog(t, testConfig(t, dir))
	if _, err := Open(testConfig(t, dir)); err == nil {
		t.Fatal("expected second open of the same directory to fail")
	}
}

func TestTimestampBatchCoversPending(t *testing.T) {
	dir := t.TempDir()
	auth := &fakeAuthority{}
	cfg := testConfig(t, dir)
	cfg.Authority = auth
	l := openLog(t, cfg)

	if _, err := l.TimestampBatch(context.Background()); !errors.Is(err, ErrNoPendingRecords) {
		t.Fatalf("expected ErrNoPendingRecords, got %v", err)
	}
	appendN(t, l, 4, "ts")
	rec, err := l.TimestampBatch(context.Background())
	if err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	if len(rec.Covers) != 4 || rec.Covers[0] != 1 || rec.Covers[3] != 4 || rec.Sequence != 5 {
		t.Fatalf("unexpected timestamp record %+v", rec)
	}
	if !bytes.Equal(rec.Token, append([]byte("token:"), rec.BatchDigest...)) {
		t.Fatal("token does not bind the batch digest")
	}
	if l.Stats().Pending != 0 {
		t.Fatalf("pending = %d", l.Stats().Pending)
	}
	if _, err := l.TimestampBatch(context.Background()); !errors.Is(err, ErrNoPendingRecords) {
		t.Fatalf("expected nothing pending, got %v", err)
	}

	seg, err := l.Rotate(context.Background())
	if err != nil || seg == nil {
		t.Fatalf("rotate: %v %v", seg, err)
	}
	frames := FrameResolver{}
	var stamp *TimestampRecord
	if err := ReadSegment(seg.Path, func(f Frame) error {
		switch f.Type {
		case RecordSignature:
			frames[f.Sequence] = f.Raw
		case RecordTimestamp:
			stamp, err = f.Timestamp()
			return err
		}
		return nil
	}); err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if stamp == nil {
		t.Fatal("timestamp record not in segment")
	}
	if err := VerifyTimestamp(context.Background(), stamp, frames); err != nil {
		t.Fatalf("verify timestamp: %v", err)
	}
	frames[2] = append([]byte(nil), frames[2]...)
	frames[2][HeaderSize] ^= 0x01
	err = VerifyTimestamp(context.Background(), stamp, frames)
	if step, ok := hashchain.StepOf(err); !ok || step != 1 {
		t.Fatalf("expected failure at step 1, got %v", err)
	}
}

func TestTimestampFailureKeepsBatchPending(t *testing.T) {
	auth := &fakeAuthority{fail: true}
	cfg := testConfig(t, t.TempDir())
	cfg.Authority = auth
	l := openLog(t, cfg)
	appendN(t, l, 2, "f")

	if _, err := l.TimestampBatch(context.Background()); !errors.Is(err, ErrTimestampingUnavailable) {
		t.Fatalf("expected ErrTimestampingUnavailable, got %v", err)
	}
	if l.Stats().Pending != 2 {
		t.Fatalf("batch must stay pending, pending=%d", l.Stats().Pending)
	}
	appendN(t, l, 1, "g")
	auth.setFail(false)
	rec, err := l.TimestampBatch(context.Background())
	if err != nil {
		t.Fatalf("timestamp after recovery: %v", err)
	}
	if len(rec.Covers) != 3 {
		t.Fatalf("expected all three records in one batch, got %v", rec.Covers)
	}
}

func TestTimestampMaxBatch(t *testing.T) {
	auth := &fakeAuthority{}
	cfg := testConfig(t, t.TempDir())
	cfg.Authority = auth
	cfg.TimestampMaxBatch = 2
	l := openLog(t, cfg)
	appendN(t, l, 5, "b")

	var sizes []int
	for {
		rec, err := l.TimestampBatch(context.Background())
		if errors.Is(err, ErrNoPendingRecords) {
			break
		}
		if err != nil {
			t.Fatalf("timestamp: %v", err)
		}
		sizes = append(sizes, len(rec.Covers))
	}
	if fmt.Sprint(sizes) != "[2 2 1]" {
		t.Fatalf("batch sizes %v", sizes)
	}
}

func TestTimestampImmediately(t *testing.T) {
	auth := &fakeAuthority{}
	cfg := testConfig(t, t.TempDir())
	cfg.Authority = auth
	cfg.TimestampImmediately = true
	l := openLog(t, cfg)
	appendN(t, l, 3, "i")
	if l.Stats().Pending != 0 || auth.calls != 3 {
		t.Fatalf("pending=%d calls=%d", l.Stats().Pending, auth.calls)
	}
	// Sequences interleave with the timestamp records.
	if next := l.Stats().NextSequence; next != 7 {
		t.Fatalf("next sequence %d", next)
	}
}

func TestTimestampFailureTolerance(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	auth := &fakeAuthority{fail: true}
	cfg := testConfig(t, t.TempDir())
	cfg.Authority = auth
	cfg.Clock = clk
	cfg.TimestampFailureTolerance = time.Minute
	l := openLog(t, cfg)
	appendN(t, l, 1, "o")

	if _, err := l.TimestampBatch(context.Background()); err == nil {
		t.Fatal("expected timestamp failure")
	}
	clk.Advance(30 * time.Second)
	appendN(t, l, 1, "within")
	clk.Advance(31 * time.Second)
	if _, err := l.Append(context.Background(), signatureRecord(t, "late")); !errors.Is(err, ErrTimestampingOverdue) {
		t.Fatalf("expected ErrTimestampingOverdue, got %v", err)
	}
	auth.setFail(false)
	if _, err := l.TimestampBatch(context.Background()); err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	appendN(t, l, 1, "after")
}

func TestRotateSealsAndContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	var sealed []*ClosedSegment
	var mu sync.Mutex
	cfg := testConfig(t, dir)
	cfg.OnSealed = func(seg *ClosedSegment) {
		mu.Lock()
		sealed = append(sealed, seg)
		mu.Unlock()
	}
	l := openLog(t, cfg)

	if seg, err := l.Rotate(context.Background()); err != nil || seg != nil {
		t.Fatalf("empty rotate: %v %v", seg, err)
	}
	appendN(t, l, 3, "r")
	seg, err := l.Rotate(context.Background())
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if seg.FirstSeq != 1 || seg.LastSeq != 3 || seg.Records != 3 {
		t.Fatalf("unexpected segment %+v", seg)
	}
	if filepath.Base(seg.Path) != sealedSegmentName(1, 3) {
		t.Fatalf("sealed name %s", seg.Path)
	}
	var seqs []uint64
	if err := ReadSegment(seg.Path, func(f Frame) error {
		seqs = append(seqs, f.Sequence)
		return nil
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if fmt.Sprint(seqs) != "[1 2 3]" {
		t.Fatalf("sealed sequences %v", seqs)
	}
	ack, err := l.Append(context.Background(), signatureRecord(t, "after"))
	if err != nil || ack.Sequence != 4 || ack.Segment != openSegmentName(4) {
		t.Fatalf("append after rotate: %+v %v", ack, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sealed) != 1 || sealed[0].Path != seg.Path {
		t.Fatalf("OnSealed calls %+v", sealed)
	}
}

func TestSizeRotation(t *testing.T) {
	got := make(chan *ClosedSegment, 4)
	cfg := testConfig(t, t.TempDir())
	cfg.MaxSegmentBytes = 1
	cfg.OnSealed = func(seg *ClosedSegment) { got <- seg }
	l := openLog(t, cfg)
	appendN(t, l, 1, "s")
	select {
	case seg := <-got:
		if seg.Records != 1 {
			t.Fatalf("unexpected segment %+v", seg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("segment was not rotated on size")
	}
}

func TestRecoveredSealedSegmentsAreHandedOff(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(testConfig(t, dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendN(t, l, 2, "x")
	if _, err := l.Rotate(context.Background()); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := make(chan *ClosedSegment, 1)
	cfg := testConfig(t, dir)
	cfg.OnSealed = func(seg *ClosedSegment) { got <- seg }
	reopened := openLog(t, cfg)
	select {
	case seg := <-got:
		if seg.FirstSeq != 1 || seg.LastSeq != 2 || seg.Records != 2 {
			t.Fatalf("recovered %+v", seg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sealed segment not handed off")
	}
	if next := reopened.Stats().NextSequence; next != 3 {
		t.Fatalf("next sequence %d", next)
	}
}

func TestDurabilityFailureHaltsWithoutResurrection(t *testing.T) {
	dir := t.TempDir()
	var failSync atomic.Bool
	cfg := testConfig(t, dir)
	cfg.SyncFile = func(f *os.File) error {
		if failSync.Load() {
			return errors.New("injected fdatasync failure")
		}
		return syncFile(f)
	}
	l, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendN(t, l, 2, "ok")
	failSync.Store(true)
	if _, err := l.Append(context.Background(), signatureRecord(t, "lost")); !errors.Is(err, ErrLogHalted) {
		t.Fatalf("expected ErrLogHalted, got %v", err)
	}
	failSync.Store(false)
	if _, err := l.Append(context.Background(), signatureRecord(t, "after-halt")); !errors.Is(err, ErrLogHalted) {
		t.Fatalf("log must stay halted, got %v", err)
	}
	if !l.Stats().Halted {
		t.Fatal("stats should report halted")
	}
	_ = l.Close(context.Background())

	reopened := openLog(t, testConfig(t, dir))
	if next := reopened.Stats().NextSequence; next != 3 {
		t.Fatalf("unacknowledged record resurrected: next sequence %d", next)
	}
	var ids []string
	if err := ReadSegment(filepath.Join(dir, openSegmentName(1)), func(f Frame) error {
		rec, err := f.Signature()
		if err != nil {
			return err
		}
		ids = append(ids, rec.MessageID)
		return nil
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if fmt.Sprint(ids) != "[ok-0 ok-1]" {
		t.Fatalf("segment holds %v", ids)
	}
}

func TestTornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(testConfig(t, dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendN(t, l, 2, "t")
	segment := filepath.Join(dir, l.Stats().Segment)
	_ = l.Close(context.Background())

	info, err := os.Stat(segment)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	good := info.Size()
	torn := encodeFrame(RecordSignature, 3, time.Now(), []byte(`{"message_id":"torn"}`))
	f, err := os.OpenFile(segment, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	_, _ = f.Write(torn[:len(torn)-5])
	_ = f.Close()

	logger := logcapture.New()
	cfg := testConfig(t, dir)
	cfg.Logger = logger
	reopened := openLog(t, cfg)
	if next := reopened.Stats().NextSequence; next != 3 {
		t.Fatalf("next sequence %d", next)
	}
	if info, _ := os.Stat(segment); info.Size() != good {
		t.Fatalf("segment size %d, want %d", info.Size(), good)
	}
	if logger.Count("relayd.log.recovery.truncated") != 1 {
		t.Fatal("expected truncation to be logged")
	}
}

func TestConcurrentAppendsAreDistinct(t *testing.T) {
	l := openLog(t, testConfig(t, t.TempDir()))
	const workers, each = 8, 25
	var wg sync.WaitGroup
	seen := make(chan uint64, workers*each)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				ack, err := l.Append(context.Background(), &SignatureRecord{MessageID: fmt.Sprintf("w%d-%d", w, i)})
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				seen <- ack.Sequence
			}
		}(w)
	}
	wg.Wait()
	close(seen)
	unique := make(map[uint64]struct{})
	for seq := range seen {
		if _, dup := unique[seq]; dup {
			t.Fatalf("duplicate sequence %d", seq)
		}
		unique[seq] = struct{}{}
	}
	if len(unique) != workers*each {
		t.Fatalf("got %d sequences", len(unique))
	}
}

func TestAppendDeadlineDuringGroupCommit(t *testing.T) {
	dir := t.TempDir()
	var block atomic.Bool
	entered := make(chan struct{}, 1)
	unblock := make(chan struct{})
	cfg := testConfig(t, dir)
	cfg.AppendTimeout = 20 * time.Millisecond
	cfg.SyncFile = func(f *os.File) error {
		if block.Load() {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-unblock
		}
		return syncFile(f)
	}
	l, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	heldRec, queuedRec := signatureRecord(t, "held"), signatureRecord(t, "queued")
	block.Store(true)
	held := make(chan error, 1)
	go func() {
		_, err := l.Append(context.Background(), heldRec)
		held <- err
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("group commit did not start")
	}
	queued := make(chan error, 1)
	go func() {
		_, err := l.Append(context.Background(), queuedRec)
		queued <- err
	}()
	// Both deadlines pass while the first group is still syncing.
	time.Sleep(100 * time.Millisecond)
	block.Store(false)
	close(unblock)

	if err := <-held; err != nil {
		t.Fatalf("written record must be acknowledged after its sync, got %v", err)
	}
	if err := <-queued; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error for the queued record, got %v", err)
	}
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openLog(t, testConfig(t, dir))
	if stats := reopened.Stats(); stats.NextSequence != 2 || stats.Pending != 1 {
		t.Fatalf("timed out record reached the log: %+v", stats)
	}
	var ids []string
	if err := ReadSegment(filepath.Join(dir, openSegmentName(1)), func(f Frame) error {
		rec, err := f.Signature()
		if err != nil {
			return err
		}
		ids = append(ids, rec.MessageID)
		return nil
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if fmt.Sprint(ids) != "[held]" {
		t.Fatalf("segment holds %v", ids)
	}
}

func TestAppendErrorMeansAbsent(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.AppendTimeout = 50 * time.Millisecond
	cfg.SyncFile = func(f *os.File) error {
		time.Sleep(300 * time.Millisecond)
		return syncFile(f)
	}
	l, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, appendErr := l.Append(context.Background(), signatureRecord(t, "slow"))
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	stats := openLog(t, testConfig(t, dir)).Stats()
	switch {
	case appendErr == nil && stats.Pending != 1:
		t.Fatalf("acknowledged record missing after reopen: %+v", stats)
	case appendErr != nil && stats.Pending != 0:
		t.Fatalf("append failed with %v but the record is durable: %+v", appendErr, stats)
	}
}

func TestUntimestampedSegmentIsHeldAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	var sealed []*ClosedSegment
	onSealed := func(seg *ClosedSegment) {
		mu.Lock()
		sealed = append(sealed, seg)
		mu.Unlock()
	}
	handed := func() []*ClosedSegment {
		mu.Lock()
		defer mu.Unlock()
		return append([]*ClosedSegment(nil), sealed...)
	}

	logger := logcapture.New()
	cfg := testConfig(t, dir)
	cfg.Authority = &fakeAuthority{fail: true}
	cfg.OnSealed = onSealed
	cfg.Logger = logger
	l, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendN(t, l, 2, "down")
	seg, err := l.Rotate(context.Background())
	if err != nil || seg == nil {
		t.Fatalf("rotate: %v %v", seg, err)
	}
	if got := l.Stats().AwaitingTimestamps; got != 1 {
		t.Fatalf("awaiting timestamps = %d", got)
	}
	if got := handed(); len(got) != 0 {
		t.Fatalf("untimestamped segment handed off: %+v", got)
	}
	if logger.Count("relayd.log.segment.awaiting_timestamps") == 0 {
		t.Fatal("expected held segment to be logged")
	}
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	cfg = testConfig(t, dir)
	cfg.Authority = &fakeAuthority{}
	cfg.OnSealed = onSealed
	reopened := openLog(t, cfg)
	if stats := reopened.Stats(); stats.Pending != 2 || stats.AwaitingTimestamps != 1 {
		t.Fatalf("stats after restart: %+v", stats)
	}
	if got := handed(); len(got) != 0 {
		t.Fatalf("segment handed off before its records were timestamped: %+v", got)
	}
	rec, err := reopened.TimestampBatch(context.Background())
	if err != nil {
		t.Fatalf("timestamp after restart: %v", err)
	}
	if fmt.Sprint(rec.Covers) != "[1 2]" {
		t.Fatalf("batch covers %v", rec.Covers)
	}
	got := handed()
	if len(got) != 1 || got[0].FirstSeq != 1 || got[0].LastSeq != 2 || got[0].Records != 2 {
		t.Fatalf("handed off %+v", got)
	}
	if _, err := os.Stat(got[0].Path); err != nil {
		t.Fatalf("sealed segment: %v", err)
	}
	if stats := reopened.Stats(); stats.Pending != 0 || stats.AwaitingTimestamps != 0 {
		t.Fatalf("stats after batch: %+v", stats)
	}
}

func TestHeldSegmentBlocksLaterSegments(t *testing.T) {
	auth := &fakeAuthority{fail: true}
	var mu sync.Mutex
	var order []uint64
	cfg := testConfig(t, t.TempDir())
	cfg.Authority = auth
	cfg.OnSealed = func(seg *ClosedSegment) {
		mu.Lock()
		order = append(order, seg.FirstSeq)
		mu.Unlock()
	}
	l := openLog(t, cfg)
	appendN(t, l, 1, "first")
	if _, err := l.Rotate(context.Background()); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	auth.setFail(false)
	appendN(t, l, 1, "second")
	// The flush covers both records, so both segments go out in order.
	if _, err := l.Rotate(context.Background()); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != "[1 2]" {
		t.Fatalf("handoff order %v", order)
	}
}
