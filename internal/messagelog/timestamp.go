package messagelog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/hashchain"
)

// RecordURI names a record inside a batch manifest.
func RecordURI(seq uint64) string {
	return "seq:" + strconv.FormatUint(seq, 10)
}

// ParseRecordURI is the inverse of RecordURI.
func ParseRecordURI(uri string) (uint64, bool) {
	rest, ok := strings.CutPrefix(uri, "seq:")
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(rest, 10, 64)
	return seq, err == nil
}

func (l *Log) prepareTimestamp(ctx context.Context, batch []pendingEntry) (*TimestampRecord, error) {
	if l.cfg.Authority == nil {
		return nil, fmt.Errorf("%w: no timestamp authority configured", ErrTimestampingUnavailable)
	}
	inputs := make([]hashchain.Input, len(batch))
	covers := make([]uint64, len(batch))
	ids := make([]string, len(batch))
	for i, entry := range batch {
		inputs[i] = hashchain.Input{URI: RecordURI(entry.seq), Digest: entry.digest}
		covers[i] = entry.seq
		ids[i] = entry.messageID
	}
	manifest, err := hashchain.Build(l.alg, inputs, nil)
	if err != nil {
		return nil, err
	}
	root := manifest.Root()
	token, err := l.cfg.Authority.Timestamp(ctx, l.alg, root)
	if err != nil {
		return nil, err
	}
	return &TimestampRecord{
		Covers:      covers,
		MessageIDs:  ids,
		Algorithm:   l.alg,
		BatchDigest: root,
		Manifest:    manifest,
		Token:       token,
	}, nil
}

// FrameResolver resolves seq: URIs of a batch manifest to raw frames.
type FrameResolver map[uint64][]byte

// ShouldResolve implements hashchain.Resolver for record URIs.
func (r FrameResolver) ShouldResolve(uri string, _ []byte) bool {
	seq, ok := ParseRecordURI(uri)
	if !ok {
		return false
	}
	_, ok = r[seq]
	return ok
}

// Resolve implements hashchain.Resolver.
func (r FrameResolver) Resolve(_ context.Context, uri string) (io.ReadCloser, error) {
	seq, ok := ParseRecordURI(uri)
	if !ok {
		return nil, fmt.Errorf("messagelog: not a record uri: %s", uri)
	}
	raw, ok := r[seq]
	if !ok {
		return nil, fmt.Errorf("messagelog: record %d not available", seq)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

// VerifyTimestamp checks that rec's manifest covers exactly rec.Covers, that
// its root is the batch digest, and that every covered frame present in
// frames matches its data reference.
func VerifyTimestamp(ctx context.Context, rec *TimestampRecord, frames FrameResolver) error {
	if rec == nil || rec.Manifest == nil {
		return errors.New("messagelog: timestamp record without manifest")
	}
	if len(rec.Covers) == 0 {
		return errors.New("messagelog: timestamp record covers nothing")
	}
	if rec.Manifest.Algorithm != rec.Algorithm || rec.Algorithm == digest.Unknown {
		return fmt.Errorf("messagelog: timestamp %d algorithm mismatch", rec.Sequence)
	}
	if len(rec.Manifest.Steps) != len(rec.Covers) {
		return fmt.Errorf("messagelog: timestamp %d manifest has %d steps for %d records", rec.Sequence, len(rec.Manifest.Steps), len(rec.Covers))
	}
	for i, step := range rec.Manifest.Steps {
		if len(step.Inputs) == 0 || step.Inputs[0].URI != RecordURI(rec.Covers[i]) {
			return fmt.Errorf("messagelog: timestamp %d step %d does not reference record %d", rec.Sequence, i, rec.Covers[i])
		}
	}
	if !bytes.Equal(rec.Manifest.Root(), rec.BatchDigest) {
		return fmt.Errorf("messagelog: timestamp %d batch digest does not match manifest root", rec.Sequence)
	}
	return hashchain.Verify(ctx, rec.Manifest, frames)
}
