// Package hashchain builds and verifies hash-chain manifests: ordered steps
// whose digests link message parts, the signature over them and the
// timestamp token into one tamper-evident structure.
package hashchain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"pkt.systems/relayd/internal/digest"
)

// ContentType identifies a serialized manifest carried as an envelope part.
const ContentType = "application/vnd.relayd.hashchain+json"

// RefKind distinguishes data references from step references.
type RefKind uint8

const (
	// RefData points at external content by URI and declared digest.
	RefData RefKind = iota + 1
	// RefStep points at an earlier step of the same manifest.
	RefStep
)

func (k RefKind) String() string {
	switch k {
	case RefData:
		return "data"
	case RefStep:
		return "step"
	default:
		return fmt.Sprintf("ref(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k RefKind) MarshalText() ([]byte, error) {
	switch k {
	case RefData, RefStep:
		return []byte(k.String()), nil
	}
	return nil, fmt.Errorf("hashchain: invalid reference kind %d", uint8(k))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *RefKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "data":
		*k = RefData
	case "step":
		*k = RefStep
	default:
		return fmt.Errorf("hashchain: invalid reference kind %q", text)
	}
	return nil
}

// Ref is one input of a step.
type Ref struct {
	Kind   RefKind `json:"kind"`
	URI    string  `json:"uri,omitempty"`
	Step   int     `json:"step,omitempty"`
	Digest []byte  `json:"digest,omitempty"`
}

// Step is one link of the chain.
type Step struct {
	Index  int    `json:"index"`
	Inputs []Ref  `json:"inputs"`
	Digest []byte `json:"digest"`
}

// Manifest is an ordered, acyclic list of steps.
type Manifest struct {
	Algorithm digest.Algorithm `json:"algorithm"`
	Steps     []Step           `json:"steps"`
}

// Input is a logical unit appended to a chain: a message part, a signature
// or a timestamp token.
type Input struct {
	URI    string
	Digest []byte
}

// ErrEmptyInputs is returned when Build is called with nothing to chain.
var ErrEmptyInputs = errors.New("hashchain: no inputs")

// Build returns a manifest with one step per input in order. When previous is
// non-nil the new steps continue its indices and the first new step links to
// its last step. previous is not modified.
func Build(alg digest.Algorithm, inputs []Input, previous *Manifest) (*Manifest, error) {
	if !alg.Valid() {
		return nil, fmt.Errorf("hashchain: build: %w", digest.ErrUnsupported)
	}
	if len(inputs) == 0 {
		return nil, ErrEmptyInputs
	}
	out := &Manifest{Algorithm: alg}
	if previous != nil {
		if previous.Algorithm != alg {
			return nil, fmt.Errorf("hashchain: cannot extend %s chain with %s", previous.Algorithm, alg)
		}
		out.Steps = previous.Clone().Steps
	}
	for _, in := range inputs {
		if len(in.Digest) != alg.Size() {
			return nil, fmt.Errorf("hashchain: input %q digest is %d bytes, want %d", in.URI, len(in.Digest), alg.Size())
		}
		index := len(out.Steps)
		refs := []Ref{{Kind: RefData, URI: in.URI, Digest: cloneBytes(in.Digest)}}
		digests := [][]byte{in.Digest}
		if index > 0 {
			refs = append(refs, Ref{Kind: RefStep, Step: index - 1})
			digests = append(digests, out.Steps[index-1].Digest)
		}
		out.Steps = append(out.Steps, Step{
			Index:  index,
			Inputs: refs,
			Digest: stepDigest(alg, digests),
		})
	}
	return out, nil
}

// Extend is Build with previous's algorithm.
func Extend(previous *Manifest, inputs []Input) (*Manifest, error) {
	if previous == nil {
		return nil, errors.New("hashchain: extend of nil manifest")
	}
	return Build(previous.Algorithm, inputs, previous)
}

// stepDigest hashes the concatenation of the input digests in byte order so
// the result depends only on the set of inputs.
func stepDigest(alg digest.Algorithm, inputs [][]byte) []byte {
	sorted := make([][]byte, len(inputs))
	copy(sorted, inputs)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})
	h := alg.New()
	for _, d := range sorted {
		_, _ = h.Write(d)
	}
	return h.Sum(nil)
}

// Root returns the digest of the last step, or nil for an empty manifest.
func (m *Manifest) Root() []byte {
	if m == nil || len(m.Steps) == 0 {
		return nil
	}
	return cloneBytes(m.Steps[len(m.Steps)-1].Digest)
}

// Len returns the number of steps.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Steps)
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := &Manifest{Algorithm: m.Algorithm, Steps: make([]Step, len(m.Steps))}
	for i, step := range m.Steps {
		refs := make([]Ref, len(step.Inputs))
		for j, ref := range step.Inputs {
			ref.Digest = cloneBytes(ref.Digest)
			refs[j] = ref
		}
		out.Steps[i] = Step{Index: step.Index, Inputs: refs, Digest: cloneBytes(step.Digest)}
	}
	return out
}

// Marshal serializes the manifest as JSON.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a JSON manifest. Structural validation happens in Verify.
func Unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("hashchain: decode manifest: %w", err)
	}
	return &m, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
