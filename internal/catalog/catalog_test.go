package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/relayd/internal/archive"
)

func openTest(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testInfo(name string, first, last uint64) archive.Info {
	return archive.Info{
		Name:      name,
		Path:      "/archives/" + name,
		IndexPath: "/archives/" + archive.IndexName(name),
		FirstSeq:  first,
		LastSeq:   last,
		Records:   int(last - first + 1),
		Size:      1024,
		Digest:    "ab" + name,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestRegisterAndLookup(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()
	a := testInfo(archive.ArchiveName(1, 2), 1, 2)
	b := testInfo(archive.ArchiveName(3, 4), 3, 4)
	if err := c.RegisterArchive(ctx, a, []archive.IndexEntry{
		{MessageID: "m1", Sequence: 1, Offset: 40},
		{MessageID: "m2", Sequence: 2, Offset: 300},
	}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := c.RegisterArchive(ctx, b, []archive.IndexEntry{
		{MessageID: "m1", Sequence: 3, Offset: 40},
		{MessageID: "m3", Sequence: 4, Offset: 300},
	}); err != nil {
		t.Fatalf("register b: %v", err)
	}

	locs, err := c.Lookup(ctx, "m1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(locs) != 2 || locs[0].Archive.Name != a.Name || locs[1].Archive.Name != b.Name || locs[1].Sequence != 3 {
		t.Fatalf("unexpected locations %+v", locs)
	}
	if !locs[0].Archive.CreatedAt.Equal(a.CreatedAt) || locs[0].Offset != 40 {
		t.Fatalf("location fields lost: %+v", locs[0])
	}
	if _, err := c.Lookup(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	last, err := c.LastArchive(ctx)
	if err != nil || last.Name != b.Name {
		t.Fatalf("last archive %+v %v", last, err)
	}
	all, err := c.Archives(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("archives %d %v", len(all), err)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()
	info := testInfo(archive.ArchiveName(1, 1), 1, 1)
	entries := []archive.IndexEntry{{MessageID: "m1", Sequence: 1, Offset: 40}}
	for i := 0; i < 2; i++ {
		if err := c.RegisterArchive(ctx, info, entries); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	locs, err := c.Lookup(ctx, "m1")
	if err != nil || len(locs) != 1 {
		t.Fatalf("lookup after re-register: %+v %v", locs, err)
	}
}

func TestEmptyCatalog(t *testing.T) {
	c := openTest(t)
	if _, err := c.LastArchive(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
