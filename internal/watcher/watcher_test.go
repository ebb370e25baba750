package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/filedevice/core/internal/rules"
)

type allowAllOwnership struct{}

func (allowAllOwnership) OwnsLocation(string) bool { return true }

type denyOwnership struct{}

func (denyOwnership) OwnsLocation(string) bool { return false }

func TestWatchRefusesUnownedLocation(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(denyOwnership{}, nil, 0)
	err := m.Watch(context.Background(), Location{ID: "loc-1", Path: dir})
	if err == nil {
		t.Fatal("expected watch of an unowned location to be refused")
	}
}

func TestNewManagerClampsDebounceToBounds(t *testing.T) {
	m := NewManager(allowAllOwnership{}, nil, 5*time.Second)
	if m.debounce != maxDebounce {
		t.Fatalf("expected debounce clamped to %v, got %v", maxDebounce, m.debounce)
	}

	m2 := NewManager(allowAllOwnership{}, nil, time.Millisecond)
	if m2.debounce != minDebounce {
		t.Fatalf("expected debounce clamped to %v, got %v", minDebounce, m2.debounce)
	}

	m3 := NewManager(allowAllOwnership{}, nil, 0)
	if m3.debounce != defaultDebounce {
		t.Fatalf("expected default debounce %v, got %v", defaultDebounce, m3.debounce)
	}
}

func TestWatchDetectsCreatedFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(allowAllOwnership{}, nil, 60*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Watch(ctx, Location{ID: "loc-1", Path: dir}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	newFile := filepath.Join(dir, "created.txt")
	if err := os.WriteFile(newFile, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case ev := <-m.Events():
		if ev.Path != newFile {
			t.Fatalf("expected event for %s, got %s", newFile, ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for create event")
	}
}

func TestWatchFiltersPathsRejectedByRuler(t *testing.T) {
	dir := t.TempDir()
	ruler := rules.New(rules.RejectFilesByGlob("*.tmp"))
	m := NewManager(allowAllOwnership{}, nil, 60*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Watch(ctx, Location{ID: "loc-1", Path: dir, Ruler: ruler}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	ignoredFile := filepath.Join(dir, "scratch.tmp")
	if err := os.WriteFile(ignoredFile, []byte("x"), 0o644); err != nil {
		t.Fatalf("write ignored file: %v", err)
	}
	keptFile := filepath.Join(dir, "keep.txt")
	if err := os.WriteFile(keptFile, []byte("x"), 0o644); err != nil {
		t.Fatalf("write kept file: %v", err)
	}

	select {
	case ev := <-m.Events():
		if ev.Path != keptFile {
			t.Fatalf("expected only the non-ignored file to surface, got %s", ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case ev := <-m.Events():
		t.Fatalf("expected no further events (ignored file should be filtered), got %v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPairRenamesMatchesRemoveThenCreateWithinWindow(t *testing.T) {
	now := time.Now()
	batch := []rawEvent{
		{kind: RawRemove, path: "/a/old.txt", at: now},
		{kind: RawCreate, path: "/a/new.txt", at: now.Add(10 * time.Millisecond)},
	}

	events := pairRenames(batch)
	if len(events) != 1 {
		t.Fatalf("expected remove+create to merge into 1 rename event, got %d", len(events))
	}
	if events[0].Kind != RawRenameTo || events[0].Path != "/a/new.txt" || events[0].RenameFrom != "/a/old.txt" {
		t.Fatalf("unexpected merged event: %+v", events[0])
	}
}

func TestPairRenamesLeavesUnmatchedEventsAlone(t *testing.T) {
	now := time.Now()
	batch := []rawEvent{
		{kind: RawModify, path: "/a/touched.txt", at: now},
	}

	events := pairRenames(batch)
	if len(events) != 1 || events[0].Kind != RawModify {
		t.Fatalf("expected unmatched modify event to pass through unchanged, got %+v", events)
	}
}

func TestCommonAncestorFindsDeepestSharedDirectory(t *testing.T) {
	got := commonAncestor([]string{
		"/root/locA/sub/one.txt",
		"/root/locA/sub/deeper/two.txt",
		"/root/locA/three.txt",
	})
	want := "/root/locA"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCommonAncestorEmptyInput(t *testing.T) {
	if got := commonAncestor(nil); got != "" {
		t.Fatalf("expected empty ancestor for no paths, got %q", got)
	}
}

func TestEnqueueTriggersRescanOnOverflow(t *testing.T) {
	var rescanCalled bool
	var rescanLocation string

	m := NewManager(allowAllOwnership{}, func(locationID, ancestorPath string) {
		rescanCalled = true
		rescanLocation = locationID
	}, 0)

	w := &locationWorker{
		loc:   Location{ID: "loc-overflow", Path: "/watched"},
		queue: make(chan rawEvent, 4),
	}

	// Fill past half capacity to force the drain-and-rescan path.
	for i := 0; i < 3; i++ {
		w.queue <- rawEvent{kind: RawModify, path: "/watched/f", at: time.Now()}
	}
	// Fill the channel fully as well, so the overflow path is also covered
	// for a queue with no free slot left.
	w.queue <- rawEvent{kind: RawModify, path: "/watched/f", at: time.Now()}

	m.enqueue(w, rawEvent{kind: RawModify, path: "/watched/new", at: time.Now()})

	if !rescanCalled {
		t.Fatal("expected queue overflow to trigger a rescan")
	}
	if rescanLocation != "loc-overflow" {
		t.Fatalf("expected rescan for loc-overflow, got %s", rescanLocation)
	}
}
