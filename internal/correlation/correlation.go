// Package correlation carries the request identifier that ties the log lines
// of one relayed message together across hops.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header carrying the identifier to HTTP upstreams.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx carrying id. Invalid identifiers leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the identifier on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure returns ctx with an identifier, generating one when absent.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return With(ctx, id), id
}

// Inject copies the identifier on ctx into h.
func Inject(ctx context.Context, h http.Header) {
	if id := ID(ctx); id != "" {
		h.Set(Header, id)
	}
}

// Normalize trims id and accepts printable ASCII up to MaxIDLength.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a time-ordered UUIDv7 identifier.
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
