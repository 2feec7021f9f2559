// Package envelope implements the relay wire envelope: a MIME header block
// followed by a multipart body whose parts carry per-part digests.
package envelope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/hashchain"
)

// Wire header names.
const (
	HeaderContentType         = "Content-Type"
	HeaderHashAlgorithm       = "X-Hash-Algorithm"
	HeaderMessageID           = "X-Message-Id"
	HeaderOriginalContentType = "X-Original-Content-Type"
	HeaderPartName            = "X-Part-Name"
	HeaderPartDigest          = "X-Part-Digest"
)

// CIDPrefix is the URI scheme of references to parts of the same envelope.
const CIDPrefix = "cid:"

// Part is one parsed or constructed attachment. Its payload is only reachable
// once its digest has been computed and, when declared, verified.
type Part struct {
	Name        string
	ContentType string
	// Digest is computed with the envelope algorithm.
	Digest []byte
	// DeclaredAlgorithm is the algorithm named in X-Part-Digest, or Unknown
	// when the part did not declare a digest.
	DeclaredAlgorithm digest.Algorithm

	index int
	spool *spool
}

// URI returns the cid: reference used for this part in hash chains.
func (p *Part) URI() string {
	if p.Name != "" {
		return CIDPrefix + p.Name
	}
	return fmt.Sprintf("%spart-%d", CIDPrefix, p.index)
}

// Size returns the payload length.
func (p *Part) Size() int64 { return p.spool.size }

// Spilled reports whether the payload lives in a temp file.
func (p *Part) Spilled() bool { return p.spool.spilled() }

// Open returns an independent reader over the payload.
func (p *Part) Open() io.ReadSeeker { return p.spool.reader() }

// Bytes reads the whole payload.
func (p *Part) Bytes() ([]byte, error) {
	return io.ReadAll(p.Open())
}

// Envelope is a parsed or constructed message.
type Envelope struct {
	MessageID           string
	Algorithm           digest.Algorithm
	OriginalContentType string
	// Boundary is reused by Encode when set; otherwise Encode derives one.
	Boundary string
	Parts    []*Part
}

// New returns an empty envelope.
func New(alg digest.Algorithm, messageID string) *Envelope {
	return &Envelope{Algorithm: alg, MessageID: messageID}
}

// AddBytes appends an in-memory part and computes its digest.
func (e *Envelope) AddBytes(name, contentType string, data []byte) *Part {
	s := newSpool(int64(len(data)), "")
	_, _ = s.Write(data)
	p := &Part{
		Name:              name,
		ContentType:       contentType,
		Digest:            e.Algorithm.Sum(data),
		DeclaredAlgorithm: e.Algorithm,
		index:             len(e.Parts),
		spool:             s,
	}
	e.Parts = append(e.Parts, p)
	return p
}

// AddReader appends a part streamed from r, spilling to a temp file in dir
// above threshold bytes.
func (e *Envelope) AddReader(name, contentType string, r io.Reader, threshold int64, dir string) (*Part, error) {
	s := newSpool(threshold, dir)
	h := e.Algorithm.New()
	if _, err := io.Copy(io.MultiWriter(s, h), r); err != nil {
		_ = s.Close()
		return nil, err
	}
	p := &Part{
		Name:              name,
		ContentType:       contentType,
		Digest:            h.Sum(nil),
		DeclaredAlgorithm: e.Algorithm,
		index:             len(e.Parts),
		spool:             s,
	}
	e.Parts = append(e.Parts, p)
	return p, nil
}

// Part looks up a part by name or cid: URI.
func (e *Envelope) Part(ref string) (*Part, bool) {
	for _, p := range e.Parts {
		if p.Name == ref || p.URI() == ref {
			return p, true
		}
	}
	return nil, false
}

func (e *Envelope) checkReferences() error {
	seen := make(map[string]int, len(e.Parts))
	for i, p := range e.Parts {
		uri := p.URI()
		if j, dup := seen[uri]; dup {
			return fmt.Errorf("envelope: parts %d and %d share reference %q", j, i, uri)
		}
		seen[uri] = i
	}
	return nil
}

// PartsByType returns parts whose content type matches ct.
func (e *Envelope) PartsByType(ct string) []*Part {
	var out []*Part
	for _, p := range e.Parts {
		if mediaType(p.ContentType) == ct {
			out = append(out, p)
		}
	}
	return out
}

// ChainInputs returns one hash-chain input per payload part, skipping
// embedded manifests.
func (e *Envelope) ChainInputs() []hashchain.Input {
	inputs := make([]hashchain.Input, 0, len(e.Parts))
	for _, p := range e.Parts {
		if mediaType(p.ContentType) == hashchain.ContentType {
			continue
		}
		inputs = append(inputs, hashchain.Input{URI: p.URI(), Digest: append([]byte(nil), p.Digest...)})
	}
	return inputs
}

// Manifests decodes every embedded hash-chain manifest part.
func (e *Envelope) Manifests() ([]*hashchain.Manifest, error) {
	var out []*hashchain.Manifest
	for _, p := range e.PartsByType(hashchain.ContentType) {
		raw, err := p.Bytes()
		if err != nil {
			return nil, err
		}
		m, err := hashchain.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("part %s: %w", p.URI(), err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Resolver resolves cid: references against this envelope's parts and
// declines everything else.
func (e *Envelope) Resolver() hashchain.Resolver {
	return partResolver{env: e}
}

type partResolver struct {
	env *Envelope
}

func (r partResolver) ShouldResolve(uri string, _ []byte) bool {
	return strings.HasPrefix(uri, CIDPrefix)
}

func (r partResolver) Resolve(_ context.Context, uri string) (io.ReadCloser, error) {
	p, ok := r.env.Part(uri)
	if !ok {
		return nil, fmt.Errorf("envelope has no part %q", uri)
	}
	return io.NopCloser(p.Open()), nil
}

// Close releases spooled payloads.
func (e *Envelope) Close() error {
	if e == nil {
		return nil
	}
	var errs []error
	for _, p := range e.Parts {
		if p.spool != nil {
			if err := p.spool.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func mediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func validMessageID(id string) bool {
	if id == "" || len(id) > 255 {
		return false
	}
	return !strings.ContainsAny(id, ",\r\n")
}
