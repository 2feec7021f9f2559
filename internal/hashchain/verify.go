package hashchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Resolver supplies the content behind data references.
type Resolver interface {
	// ShouldResolve reports whether uri must be fetched and digested. A
	// declined reference is accepted with its declared digest.
	ShouldResolve(uri string, declared []byte) bool
	Resolve(ctx context.Context, uri string) (io.ReadCloser, error)
}

// ChainError identifies the first step that failed verification. Step is -1
// for manifest-level failures.
type ChainError struct {
	Step   int
	Reason string
	Err    error
}

func (e *ChainError) Error() string {
	var b strings.Builder
	if e.Step < 0 {
		b.WriteString("hashchain: manifest invalid: ")
	} else {
		fmt.Fprintf(&b, "hashchain: step %d invalid: ", e.Step)
	}
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ChainError) Unwrap() error { return e.Err }

// StepOf extracts the failing step index from err, or -1 with ok false.
func StepOf(err error) (int, bool) {
	var chainErr *ChainError
	if errors.As(err, &chainErr) {
		return chainErr.Step, true
	}
	return -1, false
}

// Verify replays m step by step. A nil resolver declines every reference.
func Verify(ctx context.Context, m *Manifest, resolver Resolver) error {
	if m == nil || len(m.Steps) == 0 {
		return &ChainError{Step: -1, Reason: "no steps"}
	}
	alg := m.Algorithm
	if !alg.Valid() {
		return &ChainError{Step: -1, Reason: "unsupported algorithm"}
	}
	verified := make([][]byte, len(m.Steps))
	for i, step := range m.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if step.Index != i {
			return &ChainError{Step: i, Reason: fmt.Sprintf("index %d is not contiguous", step.Index)}
		}
		if len(step.Inputs) == 0 {
			return &ChainError{Step: i, Reason: "no inputs"}
		}
		inputs := make([][]byte, 0, len(step.Inputs))
		for _, ref := range step.Inputs {
			switch ref.Kind {
			case RefData:
				if len(ref.Digest) != alg.Size() {
					return &ChainError{Step: i, Reason: fmt.Sprintf("reference %q has malformed digest", ref.URI)}
				}
				if resolver != nil && resolver.ShouldResolve(ref.URI, ref.Digest) {
					if err := checkData(ctx, m, ref, resolver); err != nil {
						return &ChainError{Step: i, Reason: fmt.Sprintf("reference %q", ref.URI), Err: err}
					}
				}
				inputs = append(inputs, ref.Digest)
			case RefStep:
				if ref.Step < 0 || ref.Step >= i {
					return &ChainError{Step: i, Reason: fmt.Sprintf("step reference %d does not point backwards", ref.Step)}
				}
				inputs = append(inputs, verified[ref.Step])
			default:
				return &ChainError{Step: i, Reason: fmt.Sprintf("unknown reference kind %d", uint8(ref.Kind))}
			}
		}
		want := stepDigest(alg, inputs)
		if !bytes.Equal(want, step.Digest) {
			return &ChainError{Step: i, Reason: "digest mismatch"}
		}
		verified[i] = want
	}
	return nil
}

var errDataMismatch = errors.New("content digest does not match declared digest")

func checkData(ctx context.Context, m *Manifest, ref Ref, resolver Resolver) error {
	rc, err := resolver.Resolve(ctx, ref.URI)
	if err != nil {
		return err
	}
	defer rc.Close()
	sum, _, err := m.Algorithm.Reader(rc)
	if err != nil {
		return err
	}
	if !bytes.Equal(sum, ref.Digest) {
		return errDataMismatch
	}
	return nil
}

// VerifyAll verifies independent manifests concurrently, at most limit at a
// time (unbounded when limit <= 0). The first failure cancels the rest.
func VerifyAll(ctx context.Context, manifests []*Manifest, resolver Resolver, limit int) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, m := range manifests {
		g.Go(func() error {
			if err := Verify(gctx, m, resolver); err != nil {
				return fmt.Errorf("manifest %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}
