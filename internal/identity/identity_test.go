package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashStableAcrossPathAndMtime(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.txt")
	p2 := filepath.Join(dir, "subdir")
	if err := os.Mkdir(p2, 0o755); err != nil {
		t.Fatal(err)
	}
	p2 = filepath.Join(p2, "b.txt")

	content := []byte("identical bytes, different paths\n")
	if err := os.WriteFile(p1, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p2, content, 0o644); err != nil {
		t.Fatal(err)
	}

	h1, err := Hash(p1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(p2)
	if err != nil {
		t.Fatal(err)
	}

	if h1 != h2 {
		t.Fatalf("expected identical hash for identical content, got %s vs %s", h1, h2)
	}
}

func TestHashDiffersOnContent(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.txt")
	p2 := filepath.Join(dir, "b.txt")

	os.WriteFile(p1, []byte("one"), 0o644)
	os.WriteFile(p2, []byte("two"), 0o644)

	h1, _ := Hash(p1)
	h2, _ := Hash(p2)

	if h1 == h2 {
		t.Fatalf("expected different hashes for different content")
	}
}

func TestClassifyByExtension(t *testing.T) {
	cases := map[string]Kind{
		"photo.jpg":  KindImage,
		"movie.mp4":  KindVideo,
		"archive.zip": KindArchive,
		"notes.go":   KindCode,
		"data.json":  KindConfig,
	}
	for name, want := range cases {
		if got := Classify(name, nil); got != want {
			t.Errorf("Classify(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestClassifyByMagicFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mystery.dat")
	os.WriteFile(path, []byte("%PDF-1.4 fake pdf body"), 0o644)

	if got := Classify(path, nil); got != KindDocument {
		t.Errorf("Classify(%q) = %q, want %q", path, got, KindDocument)
	}
}
