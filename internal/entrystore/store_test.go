package entrystore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "entries.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateLocation(t *testing.T, s *Store) uuid.UUID {
	t.Helper()
	id, err := s.CreateLocation(context.Background(), uuid.New(), "test-location", "/tmp/test-location", "full")
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	return id
}

func TestSetLocationScanStateUpdatesRow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	loc := mustCreateLocation(t, s)

	got, err := s.GetLocation(ctx, loc)
	if err != nil {
		t.Fatalf("get location: %v", err)
	}
	if got.ScanState != "idle" {
		t.Fatalf("expected default scan_state idle, got %q", got.ScanState)
	}

	if err := s.SetLocationScanState(ctx, loc, "scanning"); err != nil {
		t.Fatalf("set scan state: %v", err)
	}
	got, err = s.GetLocation(ctx, loc)
	if err != nil {
		t.Fatalf("get location after update: %v", err)
	}
	if got.ScanState != "scanning" {
		t.Fatalf("expected scan_state scanning, got %q", got.ScanState)
	}
}

func TestAggregateSizePropagatesToAncestors(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	loc := mustCreateLocation(t, s)

	rootID, err := s.EnsureDirectoryPath(ctx, loc, []string{"a", "b"})
	if err != nil {
		t.Fatalf("ensure directory path: %v", err)
	}

	file := Entry{
		LocationID: loc,
		ParentID:   &rootID,
		Name:       "file.txt",
		Kind:       KindFile,
		IsoPath:    "a/b/file.txt",
		Size:       1024,
	}
	if err := s.Insert(ctx, []Entry{file}); err != nil {
		t.Fatalf("insert file: %v", err)
	}

	a, err := s.FindByIsoPath(ctx, loc, "a")
	if err != nil {
		t.Fatalf("find a: %v", err)
	}
	b, err := s.FindByIsoPath(ctx, loc, "a/b")
	if err != nil {
		t.Fatalf("find a/b: %v", err)
	}

	if a.AggregateSize != 1024 {
		t.Fatalf("expected ancestor a aggregate_size=1024, got %d", a.AggregateSize)
	}
	if b.AggregateSize != 1024 {
		t.Fatalf("expected ancestor a/b aggregate_size=1024, got %d", b.AggregateSize)
	}
	if a.FileCount != 1 || b.FileCount != 1 {
		t.Fatalf("expected file_count=1 on both ancestors, got a=%d b=%d", a.FileCount, b.FileCount)
	}
}

func TestUpdateSizePropagatesDelta(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	loc := mustCreateLocation(t, s)

	parentID, err := s.EnsureDirectoryPath(ctx, loc, []string{"dir"})
	if err != nil {
		t.Fatalf("ensure directory path: %v", err)
	}

	fileID := uuid.New()
	file := Entry{
		ID:         fileID,
		LocationID: loc,
		ParentID:   &parentID,
		Name:       "f.bin",
		Kind:       KindFile,
		IsoPath:    "dir/f.bin",
		Size:       100,
	}
	if err := s.Insert(ctx, []Entry{file}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	file.Size = 300
	if err := s.Update(ctx, []Entry{file}); err != nil {
		t.Fatalf("update: %v", err)
	}

	dir, err := s.FindByIsoPath(ctx, loc, "dir")
	if err != nil {
		t.Fatalf("find dir: %v", err)
	}
	if dir.AggregateSize != 300 {
		t.Fatalf("expected aggregate_size=300 after growth delta, got %d", dir.AggregateSize)
	}
}

func TestRemoveDecrementsAncestorsAndContentRefcount(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	loc := mustCreateLocation(t, s)

	parentID, err := s.EnsureDirectoryPath(ctx, loc, []string{"dir"})
	if err != nil {
		t.Fatalf("ensure directory path: %v", err)
	}

	fileID := uuid.New()
	hash := "deadbeef"
	file := Entry{
		ID:         fileID,
		LocationID: loc,
		ParentID:   &parentID,
		Name:       "f.bin",
		Kind:       KindFile,
		IsoPath:    "dir/f.bin",
		Size:       500,
	}
	if err := s.Insert(ctx, []Entry{file}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SetContent(ctx, fileID, hash); err != nil {
		t.Fatalf("set content: %v", err)
	}

	if err := s.Remove(ctx, []uuid.UUID{fileID}); err != nil {
		t.Fatalf("remove: %v", err)
	}

	dir, err := s.FindByIsoPath(ctx, loc, "dir")
	if err != nil {
		t.Fatalf("find dir: %v", err)
	}
	if dir.AggregateSize != 0 || dir.FileCount != 0 {
		t.Fatalf("expected dir counters reset to zero, got aggregate_size=%d file_count=%d", dir.AggregateSize, dir.FileCount)
	}

	var refcount int
	row := s.DB().QueryRowContext(ctx, `SELECT reference_count FROM content_identities WHERE content_hash = ?`, hash)
	if err := row.Scan(&refcount); err == nil {
		t.Fatalf("expected content identity to be garbage collected at refcount 0, found refcount=%d", refcount)
	}
}

func TestClosureTableReflexiveAndTransitive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	loc := mustCreateLocation(t, s)

	leafID, err := s.EnsureDirectoryPath(ctx, loc, []string{"x", "y", "z"})
	if err != nil {
		t.Fatalf("ensure directory path: %v", err)
	}

	rootEntry, err := s.FindByIsoPath(ctx, loc, "x")
	if err != nil {
		t.Fatalf("find x: %v", err)
	}

	var depth int
	row := s.DB().QueryRowContext(ctx, `
		SELECT depth FROM entry_closure WHERE ancestor_id = ? AND descendant_id = ?
	`, leafID.String(), leafID.String())
	if err := row.Scan(&depth); err != nil {
		t.Fatalf("expected reflexive closure row for leaf: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected reflexive depth=0, got %d", depth)
	}

	row = s.DB().QueryRowContext(ctx, `
		SELECT depth FROM entry_closure WHERE ancestor_id = ? AND descendant_id = ?
	`, rootEntry.ID.String(), leafID.String())
	if err := row.Scan(&depth); err != nil {
		t.Fatalf("expected transitive closure row from x to z: %v", err)
	}
	if depth != 2 {
		t.Fatalf("expected transitive depth=2 (x->y->z), got %d", depth)
	}
}

func TestListUnderFiltersByKind(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	loc := mustCreateLocation(t, s)

	rootID, err := s.EnsureDirectoryPath(ctx, loc, []string{"root"})
	if err != nil {
		t.Fatalf("ensure directory path: %v", err)
	}

	entries := []Entry{
		{LocationID: loc, ParentID: &rootID, Name: "a.txt", Kind: KindFile, IsoPath: "root/a.txt", Size: 10},
		{LocationID: loc, ParentID: &rootID, Name: "b.txt", Kind: KindFile, IsoPath: "root/b.txt", Size: 20},
	}
	if err := s.Insert(ctx, entries); err != nil {
		t.Fatalf("insert: %v", err)
	}

	kindFile := KindFile
	files, err := s.ListUnder(ctx, rootID, ListPredicate{KindEquals: &kindFile})
	if err != nil {
		t.Fatalf("list under: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files under root, got %d", len(files))
	}
}

func TestPathOfIsCachedAfterWarm(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	loc := mustCreateLocation(t, s)

	id, err := s.EnsureDirectoryPath(ctx, loc, []string{"cached", "dir"})
	if err != nil {
		t.Fatalf("ensure directory path: %v", err)
	}

	p, err := s.PathOf(ctx, id)
	if err != nil {
		t.Fatalf("path of: %v", err)
	}
	if p != "cached/dir" {
		t.Fatalf("expected iso path cached/dir, got %q", p)
	}
}
