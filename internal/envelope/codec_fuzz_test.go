package envelope

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"pkt.systems/relayd/internal/digest"
)

func FuzzParseEncodeRoundTrip(f *testing.F) {
	seed := New(digest.SHA256, "seed")
	seed.AddBytes("body", "text/xml", []byte("<x/>"))
	var buf bytes.Buffer
	if err := Encode(&buf, seed); err != nil {
		f.Fatalf("encode seed: %v", err)
	}
	_ = seed.Close()
	f.Add(buf.Bytes())
	f.Add([]byte("Content-Type: multipart/related; boundary=b\r\nX-Hash-Algorithm: SHA-512\r\n\r\n--b\r\n\r\nx\r\n--b--\r\n"))
	f.Add([]byte("X-Hash-Algorithm: SHA-256\r\n\r\n"))

	f.Fuzz(func(t *testing.T, wire []byte) {
		codec := NewCodec(Limits{SpoolThreshold: 64, MaxPartBytes: 1 << 16, MaxEnvelopeBytes: 1 << 18, TempDir: t.TempDir()}, nil)
		env, err := codec.Parse(context.Background(), bytes.NewReader(wire))
		if err != nil {
			if !errors.Is(err, ErrMalformedEnvelope) && !errors.Is(err, ErrMissingHashAlgorithm) && !errors.Is(err, ErrDigestMismatch) {
				t.Fatalf("unclassified parse error: %v", err)
			}
			return
		}
		defer env.Close()

		var out bytes.Buffer
		if err := Encode(&out, env); err != nil {
			// Boundaries accepted by the reader are not always valid for the writer.
			env.Boundary = ""
			out.Reset()
			if err := Encode(&out, env); err != nil {
				t.Fatalf("encode parsed envelope: %v", err)
			}
		}
		again, err := codec.Parse(context.Background(), &out)
		if err != nil {
			t.Fatalf("parse re-encoded envelope: %v", err)
		}
		defer again.Close()
		if len(again.Parts) != len(env.Parts) {
			t.Fatalf("part count changed: %d -> %d", len(env.Parts), len(again.Parts))
		}
		for i := range env.Parts {
			a, _ := env.Parts[i].Bytes()
			b, _ := again.Parts[i].Bytes()
			if !bytes.Equal(a, b) {
				t.Fatalf("part %d payload changed", i)
			}
		}
	})
}
