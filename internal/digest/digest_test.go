package digest

import (
	"bytes"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseAcceptsNamesAliasesAndURIs(t *testing.T) {
	cases := map[string]Algorithm{
		"SHA-256": SHA256,
		"sha256":  SHA256,
		"http://www.w3.org/2001/04/xmldsig-more#sha384": SHA384,
		"SHA-512":   SHA512,
		" sha-512 ": SHA512,
	}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Parse(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	for _, in := range []string{"", "MD5", "sha1", "http://www.w3.org/2000/09/xmldsig#sha1"} {
		if _, err := Parse(in); !errors.Is(err, ErrUnsupported) {
			t.Fatalf("Parse(%q) err = %v, want ErrUnsupported", in, err)
		}
	}
}

func TestSumMatchesSize(t *testing.T) {
	for _, alg := range []Algorithm{SHA256, SHA384, SHA512} {
		sum := alg.Sum([]byte("relay"))
		if len(sum) != alg.Size() {
			t.Fatalf("%v: digest length %d, want %d", alg, len(sum), alg.Size())
		}
		fromReader, n, err := alg.Reader(strings.NewReader("relay"))
		if err != nil {
			t.Fatalf("%v reader: %v", alg, err)
		}
		if n != 5 || !bytes.Equal(sum, fromReader) {
			t.Fatalf("%v: reader digest mismatch", alg)
		}
	}
	want := sha512.Sum384([]byte("relay"))
	if !bytes.Equal(SHA384.Sum([]byte("relay")), want[:]) {
		t.Fatal("SHA384 does not match crypto/sha512")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	raw, err := json.Marshal(struct {
		Alg Algorithm `json:"alg"`
	}{SHA384})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"alg":"SHA-384"}` {
		t.Fatalf("unexpected json %s", raw)
	}
	var out struct {
		Alg Algorithm `json:"alg"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Alg != SHA384 {
		t.Fatalf("got %v", out.Alg)
	}
	if _, err := json.Marshal(struct{ A Algorithm }{Unknown}); err == nil {
		t.Fatal("expected marshal of Unknown to fail")
	}
}
