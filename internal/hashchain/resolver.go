package hashchain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
)

// MapResolver resolves URIs from an in-memory map. URIs without an entry are
// declined unless Strict is set, in which case they fail verification.
type MapResolver struct {
	Content map[string][]byte
	Strict  bool
}

// ShouldResolve implements Resolver.
func (r MapResolver) ShouldResolve(uri string, _ []byte) bool {
	if r.Strict {
		return true
	}
	_, ok := r.Content[uri]
	return ok
}

// Resolve implements Resolver.
func (r MapResolver) Resolve(_ context.Context, uri string) (io.ReadCloser, error) {
	data, ok := r.Content[uri]
	if !ok {
		return nil, fmt.Errorf("unresolvable reference %q", uri)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// PrefixResolver delegates URIs with a given scheme prefix and declines
// everything else. Declined references are trusted at their declared digest.
type PrefixResolver struct {
	Prefix string
	Inner  Resolver
}

// ShouldResolve implements Resolver.
func (r PrefixResolver) ShouldResolve(uri string, declared []byte) bool {
	if !strings.HasPrefix(uri, r.Prefix) || r.Inner == nil {
		return false
	}
	return r.Inner.ShouldResolve(uri, declared)
}

// Resolve implements Resolver.
func (r PrefixResolver) Resolve(ctx context.Context, uri string) (io.ReadCloser, error) {
	return r.Inner.Resolve(ctx, uri)
}
