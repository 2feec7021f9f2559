package envelope

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strings"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/svcfields"
)

const (
	// DefaultSpoolThreshold is the in-memory budget per part before spilling.
	DefaultSpoolThreshold = 1 << 20
	// DefaultMaxPartBytes bounds one part.
	DefaultMaxPartBytes = 64 << 20
	// DefaultMaxEnvelopeBytes bounds a whole envelope on the wire.
	DefaultMaxEnvelopeBytes = 256 << 20
	// DefaultMaxParts bounds the number of parts.
	DefaultMaxParts = 256

	multipartRelated = "multipart/related"
)

// Limits bounds parser resource usage.
type Limits struct {
	SpoolThreshold   int64
	MaxPartBytes     int64
	MaxEnvelopeBytes int64
	MaxParts         int
	// TempDir receives spilled parts; empty uses os.TempDir.
	TempDir string
}

func (l Limits) withDefaults() Limits {
	if l.SpoolThreshold <= 0 {
		l.SpoolThreshold = DefaultSpoolThreshold
	}
	if l.MaxPartBytes <= 0 {
		l.MaxPartBytes = DefaultMaxPartBytes
	}
	if l.MaxEnvelopeBytes <= 0 {
		l.MaxEnvelopeBytes = DefaultMaxEnvelopeBytes
	}
	if l.MaxParts <= 0 {
		l.MaxParts = DefaultMaxParts
	}
	return l
}

// Codec parses and encodes envelopes.
type Codec struct {
	limits Limits
	logger pslog.Logger
}

// NewCodec returns a codec enforcing limits.
func NewCodec(limits Limits, logger pslog.Logger) *Codec {
	return &Codec{
		limits: limits.withDefaults(),
		logger: svcfields.WithSubsystem(logger, "pipeline.envelope"),
	}
}

// Limits returns the effective limits.
func (c *Codec) Limits() Limits { return c.limits }

type parser struct {
	codec *Codec
	state State
	part  int
	env   *Envelope
}

func (p *parser) fail(reason string, err error) error {
	state := p.state
	p.state = StateError
	return &MalformedError{State: state, Part: p.part, Reason: reason, Err: err}
}

// Parse reads one envelope from r. Every part is digested while streaming and
// a declared digest is checked before the part is added to the result. On
// error all spooled payloads are released.
func (c *Codec) Parse(ctx context.Context, r io.Reader) (*Envelope, error) {
	p := &parser{codec: c, state: StateReadingHeaders, env: &Envelope{}}
	env, err := p.run(ctx, &limitedReader{r: r, remaining: c.limits.MaxEnvelopeBytes})
	if err != nil {
		_ = p.env.Close()
		c.logger.Debug("relayd.envelope.rejected", "state", p.state, "part", p.part, "error", err)
		return nil, err
	}
	return env, nil
}

func (p *parser) run(ctx context.Context, src io.Reader) (*Envelope, error) {
	br := bufio.NewReaderSize(src, 16<<10)
	header, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil {
		if errors.Is(err, errTooLarge) {
			return nil, p.fail("header block too large", err)
		}
		return nil, p.fail("unreadable header block", err)
	}
	algID := header.Get(HeaderHashAlgorithm)
	if strings.TrimSpace(algID) == "" {
		p.state = StateError
		return nil, ErrMissingHashAlgorithm
	}
	alg, err := digest.Parse(algID)
	if err != nil {
		return nil, p.fail("unsupported hash algorithm", err)
	}
	p.env.Algorithm = alg

	mt, params, err := mime.ParseMediaType(header.Get(HeaderContentType))
	if err != nil {
		return nil, p.fail("invalid content type", err)
	}
	if !strings.HasPrefix(mt, "multipart/") || params["boundary"] == "" {
		return nil, p.fail(fmt.Sprintf("content type %q is not multipart with a boundary", mt), nil)
	}
	p.env.Boundary = params["boundary"]
	p.env.OriginalContentType = header.Get(HeaderOriginalContentType)
	p.env.MessageID = strings.TrimSpace(header.Get(HeaderMessageID))
	if p.env.MessageID == "" {
		p.env.MessageID = uuid.Must(uuid.NewV7()).String()
	} else if !validMessageID(p.env.MessageID) {
		return nil, p.fail("invalid message id", nil)
	}

	p.state = StateReadingBoundaryPart
	mr := multipart.NewReader(br, p.env.Boundary)
	refs := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return nil, p.fail("cancelled", err)
		}
		raw, err := mr.NextRawPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, errTooLarge) {
				return nil, p.fail("envelope too large", err)
			}
			return nil, p.fail("broken multipart framing", err)
		}
		if len(p.env.Parts) >= p.codec.limits.MaxParts {
			_ = raw.Close()
			return nil, p.fail(fmt.Sprintf("more than %d parts", p.codec.limits.MaxParts), nil)
		}
		part, err := p.readPart(raw, alg)
		_ = raw.Close()
		if err != nil {
			return nil, err
		}
		// Unnamed parts are referenced as cid:part-<index>, so a named part
		// may collide with one.
		if _, dup := refs[part.URI()]; dup {
			_ = part.spool.Close()
			return nil, p.fail(fmt.Sprintf("duplicate part reference %q", part.URI()), nil)
		}
		refs[part.URI()] = struct{}{}
		p.env.Parts = append(p.env.Parts, part)
		p.part++
	}

	p.state = StateReadingTrailer
	if len(p.env.Parts) == 0 {
		return nil, p.fail("no parts", nil)
	}
	p.state = StateDone
	return p.env, nil
}

func (p *parser) readPart(raw *multipart.Part, alg digest.Algorithm) (*Part, error) {
	limits := p.codec.limits
	part := &Part{
		Name:        strings.TrimSpace(raw.Header.Get(HeaderPartName)),
		ContentType: raw.Header.Get(HeaderContentType),
		index:       p.part,
	}
	if strings.ContainsAny(part.Name, " \t\r\n") {
		return nil, p.fail(fmt.Sprintf("invalid part name %q", part.Name), nil)
	}
	var declared []byte
	if value := raw.Header.Get(HeaderPartDigest); value != "" {
		declAlg, sum, err := parsePartDigest(value)
		if err != nil {
			return nil, p.fail("invalid part digest header", err)
		}
		part.DeclaredAlgorithm = declAlg
		declared = sum
	}

	envHash := alg.New()
	writers := []io.Writer{nil, envHash}
	var declHash = envHash
	if part.DeclaredAlgorithm.Valid() && part.DeclaredAlgorithm != alg {
		declHash = part.DeclaredAlgorithm.New()
		writers = append(writers, declHash)
	}
	part.spool = newSpool(limits.SpoolThreshold, limits.TempDir)
	writers[0] = part.spool
	n, err := io.Copy(io.MultiWriter(writers...), io.LimitReader(raw, limits.MaxPartBytes+1))
	if err != nil {
		_ = part.spool.Close()
		if errors.Is(err, errTooLarge) {
			return nil, p.fail("envelope too large", err)
		}
		return nil, p.fail("truncated part", err)
	}
	if n > limits.MaxPartBytes {
		_ = part.spool.Close()
		return nil, p.fail(fmt.Sprintf("part exceeds %d bytes", limits.MaxPartBytes), errTooLarge)
	}
	part.Digest = envHash.Sum(nil)
	if declared != nil {
		got := part.Digest
		if declHash != envHash {
			got = declHash.Sum(nil)
		}
		if subtle.ConstantTimeCompare(got, declared) != 1 {
			_ = part.spool.Close()
			p.state = StateError
			return nil, fmt.Errorf("%w: part %s", ErrDigestMismatch, part.URI())
		}
	}
	return part, nil
}

// parsePartDigest splits "<algorithm>=<base64>". The first '=' separates the
// algorithm because base64 padding may also contain '='.
func parsePartDigest(value string) (digest.Algorithm, []byte, error) {
	name, encoded, ok := strings.Cut(strings.TrimSpace(value), "=")
	if !ok {
		return digest.Unknown, nil, errors.New("expected <algorithm>=<base64>")
	}
	alg, err := digest.Parse(name)
	if err != nil {
		return digest.Unknown, nil, err
	}
	sum, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return digest.Unknown, nil, err
	}
	if len(sum) != alg.Size() {
		return digest.Unknown, nil, fmt.Errorf("digest is %d bytes, want %d", len(sum), alg.Size())
	}
	return alg, sum, nil
}

// FormatPartDigest renders the X-Part-Digest header value.
func FormatPartDigest(alg digest.Algorithm, sum []byte) string {
	return alg.String() + "=" + base64.StdEncoding.EncodeToString(sum)
}

// Encode writes env deterministically: the header block in sorted order, a
// boundary derived from the part digests unless env.Boundary is set, and the
// parts in their original order.
func Encode(w io.Writer, env *Envelope) error {
	if env == nil || !env.Algorithm.Valid() {
		return errors.New("envelope: encode requires a valid algorithm")
	}
	if len(env.Parts) == 0 {
		return errors.New("envelope: encode requires at least one part")
	}
	if err := env.checkReferences(); err != nil {
		return err
	}
	boundary := env.Boundary
	if boundary == "" {
		boundary = DeriveBoundary(env)
	}
	header := map[string]string{
		HeaderContentType:   mime.FormatMediaType(multipartRelated, map[string]string{"boundary": boundary}),
		HeaderHashAlgorithm: env.Algorithm.String(),
	}
	if env.MessageID != "" {
		header[HeaderMessageID] = env.MessageID
	}
	if env.OriginalContentType != "" {
		header[HeaderOriginalContentType] = env.OriginalContentType
	}
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	bw := bufio.NewWriter(w)
	for _, k := range keys {
		if _, err := fmt.Fprintf(bw, "%s: %s\r\n", k, header[k]); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	mw := multipart.NewWriter(bw)
	if err := mw.SetBoundary(boundary); err != nil {
		return fmt.Errorf("envelope: boundary: %w", err)
	}
	for _, part := range env.Parts {
		h := textproto.MIMEHeader{}
		if part.ContentType != "" {
			h.Set(HeaderContentType, part.ContentType)
		}
		if part.Name != "" {
			h.Set(HeaderPartName, part.Name)
		}
		h.Set(HeaderPartDigest, FormatPartDigest(env.Algorithm, part.Digest))
		pw, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := io.Copy(pw, part.Open()); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

// DeriveBoundary returns a boundary that depends only on the part digests.
func DeriveBoundary(env *Envelope) string {
	h := env.Algorithm.New()
	for _, part := range env.Parts {
		_, _ = h.Write(part.Digest)
	}
	return "relayd-" + hex.EncodeToString(h.Sum(nil)[:16])
}

type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// Distinguish a clean end of input from an oversize one.
		var peek [1]byte
		n, err := l.r.Read(peek[:])
		if n > 0 {
			return 0, errTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
