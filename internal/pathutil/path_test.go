package pathutil

import (
	"path/filepath"
	"testing"
)

func TestExpandUserAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("RELAYD_TEST_DIR", "/srv/relayd")
	cases := map[string]string{
		"~/keys":                   filepath.Join(home, "keys"),
		"~":                        home,
		"$RELAYD_TEST_DIR/data":    "/srv/relayd/data",
		"${RELAYD_TEST_DIR}/spool": "/srv/relayd/spool",
		"~other/x":                 "~other/x",
		"relative/dir":             "relative/dir",
	}
	for in, want := range cases {
		got, err := ExpandUserAndEnv(in)
		if err != nil {
			t.Fatalf("expand %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("expand %q = %q want %q", in, got, want)
		}
	}
}

func TestExpandAllSkipsEmpty(t *testing.T) {
	t.Setenv("HOME", "/home/member")
	a, b := "~/a", ""
	if err := ExpandAll(&a, &b, nil); err != nil {
		t.Fatalf("expand all: %v", err)
	}
	if a != "/home/member/a" || b != "" {
		t.Fatalf("got %q %q", a, b)
	}
}
