package walker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/filedevice/core/internal/entrystore"
	"github.com/filedevice/core/internal/rules"
	"github.com/filedevice/core/internal/tasksys"
)

func openTestStore(t *testing.T) *entrystore.Store {
	t.Helper()
	s, err := entrystore.Open(filepath.Join(t.TempDir(), "entries.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatalf("write file %s: %v", name, err)
	}
}

func runWalk(t *testing.T, task *Task) Result {
	t.Helper()
	res := task.Run(context.Background(), tasksys.NewInterrupter(context.Background()))
	if res.Status != tasksys.StatusDone {
		t.Fatalf("expected walker to complete, got status=%v err=%v", res.Status, res.Err)
	}
	if res.Err != nil {
		t.Fatalf("walker returned error: %v", res.Err)
	}
	out, ok := res.Output.(Result)
	if !ok {
		t.Fatalf("expected Result output, got %T", res.Output)
	}
	return out
}

func TestScanFindsAllFilesOnFirstPass(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	writeFile(t, dir, "b.txt", "world")

	locID, err := store.CreateLocation(ctx, uuid.New(), "loc", dir, "full")
	if err != nil {
		t.Fatalf("create location: %v", err)
	}

	ruler := rules.New()
	task := New("scan-1", false, locID, dir, "", ModeDeep, ruler, store)
	res := runWalk(t, task)

	if len(res.ToCreate) != 2 {
		t.Fatalf("expected 2 entries to create, got %d: %+v", len(res.ToCreate), res.ToCreate)
	}
	if len(res.ToUpdate) != 0 || len(res.ToRemove) != 0 {
		t.Fatalf("expected no updates/removals on first pass, got update=%d remove=%d", len(res.ToUpdate), len(res.ToRemove))
	}
}

func TestScanIsIdempotentWhenNothingChanges(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")

	locID, err := store.CreateLocation(ctx, uuid.New(), "loc", dir, "full")
	if err != nil {
		t.Fatalf("create location: %v", err)
	}

	ruler := rules.New()
	first := New("scan-1", false, locID, dir, "", ModeDeep, ruler, store)
	runWalk(t, first)
	if _, err := store.FindByIsoPath(ctx, locID, "a.txt"); err != nil {
		t.Fatalf("first scan did not persist a.txt: %v", err)
	}

	second := New("scan-2", false, locID, dir, "", ModeDeep, ruler, store)
	secondRes := second.Run(ctx, tasksys.NewInterrupter(ctx))
	out := secondRes.Output.(Result)

	if len(out.ToCreate) != 0 {
		t.Fatalf("expected no re-creation on unchanged rescan, got %d", len(out.ToCreate))
	}
}

func TestScanDetectsSizeChangeAsUpdate(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")

	locID, err := store.CreateLocation(ctx, uuid.New(), "loc", dir, "full")
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	ruler := rules.New()

	first := New("scan-1", false, locID, dir, "", ModeDeep, ruler, store)
	runWalk(t, first)
	if _, err := store.FindByIsoPath(ctx, locID, "a.txt"); err != nil {
		t.Fatalf("first scan did not persist a.txt: %v", err)
	}

	writeFile(t, dir, "a.txt", "hello world, much longer now")

	second := New("scan-2", false, locID, dir, "", ModeDeep, ruler, store)
	secondRes := runWalk(t, second)

	if len(secondRes.ToUpdate) != 1 {
		t.Fatalf("expected 1 update after size change, got %d", len(secondRes.ToUpdate))
	}
}

func TestScanDetectsRemovedFile(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	writeFile(t, dir, "b.txt", "world")

	locID, err := store.CreateLocation(ctx, uuid.New(), "loc", dir, "full")
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	ruler := rules.New()

	first := New("scan-1", false, locID, dir, "", ModeDeep, ruler, store)
	runWalk(t, first)
	if _, err := store.FindByIsoPath(ctx, locID, "a.txt"); err != nil {
		t.Fatalf("first scan did not persist a.txt: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "b.txt")); err != nil {
		t.Fatalf("remove file: %v", err)
	}

	second := New("scan-2", false, locID, dir, "", ModeDeep, ruler, store)
	secondRes := runWalk(t, second)

	if len(secondRes.ToRemove) != 1 {
		t.Fatalf("expected 1 removal after deleting b.txt, got %d", len(secondRes.ToRemove))
	}
}

func TestScanHonorsGitignoreScoping(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	dir := t.TempDir()
	writeFile(t, dir, ".gitignore", "*.log\n")
	writeFile(t, dir, "keep.txt", "data")
	writeFile(t, dir, "skip.log", "noise")

	locID, err := store.CreateLocation(ctx, uuid.New(), "loc", dir, "full")
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	ruler := rules.New()

	task := New("scan-1", false, locID, dir, "", ModeShallow, ruler, store)
	res := runWalk(t, task)

	var createdNames []string
	for _, e := range res.ToCreate {
		createdNames = append(createdNames, e.Name)
	}

	foundKeep, foundSkip := false, false
	for _, n := range createdNames {
		if n == "keep.txt" {
			foundKeep = true
		}
		if n == "skip.log" {
			foundSkip = true
		}
	}
	if !foundKeep {
		t.Fatalf("expected keep.txt to be indexed, got %v", createdNames)
	}
	if foundSkip {
		t.Fatalf("expected skip.log to be rejected by gitignore, got %v", createdNames)
	}

	found := false
	for _, p := range res.NonIndexedPaths {
		if p == "skip.log" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected skip.log in non_indexed_paths (shallow mode), got %v", res.NonIndexedPaths)
	}
}

func TestDeepModeSpawnsChildWalksForAcceptedDirectories(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir sub: %v", err)
	}
	writeFile(t, filepath.Join(dir, "sub"), "nested.txt", "x")

	locID, err := store.CreateLocation(ctx, uuid.New(), "loc", dir, "full")
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	ruler := rules.New()

	task := New("scan-1", false, locID, dir, "", ModeDeep, ruler, store)
	res := runWalk(t, task)

	if len(res.ChildWalks) != 1 {
		t.Fatalf("expected 1 child walk for subdirectory, got %d", len(res.ChildWalks))
	}
	if res.ChildWalks[0].IsoPrefix != "sub" {
		t.Fatalf("expected child walk iso prefix 'sub', got %q", res.ChildWalks[0].IsoPrefix)
	}
}

func TestScanPopulatesInodeFromDirEntry(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")

	locID, err := store.CreateLocation(ctx, uuid.New(), "loc", dir, "full")
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	ruler := rules.New()

	task := New("scan-1", false, locID, dir, "", ModeDeep, ruler, store)
	res := runWalk(t, task)

	if len(res.ToCreate) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(res.ToCreate))
	}
	if res.ToCreate[0].Inode == nil {
		t.Fatal("expected scan to populate Inode on the created entry")
	}
}

func TestEntryChangedDetectsInodeChangeWithSameSizeAndModTime(t *testing.T) {
	inoOld := int64(100)
	inoNew := int64(200)
	mtime := time.Now()

	existing := &entrystore.Entry{
		Kind:       entrystore.KindFile,
		Size:       5,
		ModifiedAt: mtime,
		Inode:      &inoOld,
	}
	we := WalkedEntry{
		Size:    5,
		ModTime: mtime,
		Inode:   &inoNew,
	}

	if !entryChanged(existing, we) {
		t.Fatal("expected entryChanged to flag a replaced inode even when size and mtime match")
	}
}

func TestShallowModeSuppressesChildWalks(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir sub: %v", err)
	}

	locID, err := store.CreateLocation(ctx, uuid.New(), "loc", dir, "full")
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	ruler := rules.New()

	task := New("scan-1", false, locID, dir, "", ModeShallow, ruler, store)
	res := runWalk(t, task)

	if len(res.ChildWalks) != 0 {
		t.Fatalf("expected no child walks in shallow mode, got %d", len(res.ChildWalks))
	}
}
