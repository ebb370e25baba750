package rules

import "testing"

func TestAcceptRejectGlobCompositionRejectDominates(t *testing.T) {
	rl := New(
		AcceptFilesByGlob("**/*.go"),
		RejectFilesByGlob("**/*_test.go"),
	)

	keep := rl.Evaluate(Candidate{RelPath: "main.go"}, false)
	if keep != VerdictKeep {
		t.Fatalf("expected main.go kept, got %v", keep)
	}

	drop := rl.Evaluate(Candidate{RelPath: "main_test.go"}, false)
	if drop != VerdictDrop {
		t.Fatalf("expected main_test.go dropped (reject dominates), got %v", drop)
	}
}

func TestAcceptIfChildrenPresentNonMatchingRootYieldsNoAccepted(t *testing.T) {
	rl := New(AcceptIfChildrenDirectoriesArePresent(".git"))

	v := rl.Evaluate(Candidate{
		RelPath:       "plain-dir",
		IsDir:         true,
		ChildDirNames: map[string]struct{}{"src": {}},
	}, false)

	if v != VerdictDrop {
		t.Fatalf("expected non-matching root dropped, got %v", v)
	}
}

func TestAcceptIfChildrenPresentMatchingRootAccepted(t *testing.T) {
	rl := New(AcceptIfChildrenDirectoriesArePresent(".git"))

	v := rl.Evaluate(Candidate{
		RelPath:       "repo",
		IsDir:         true,
		ChildDirNames: map[string]struct{}{".git": {}, "src": {}},
	}, false)

	if v != VerdictKeep {
		t.Fatalf("expected repo root accepted, got %v", v)
	}
}

func TestRejectIfChildrenPresentDropsSubtree(t *testing.T) {
	rl := New(RejectIfChildrenDirectoriesArePresent("node_modules"))

	v := rl.Evaluate(Candidate{
		RelPath:       "project",
		IsDir:         true,
		ChildDirNames: map[string]struct{}{"node_modules": {}},
	}, false)

	if v != VerdictDropSubtree {
		t.Fatalf("expected subtree dropped, got %v", v)
	}
}

func TestSymlinksHardIgnored(t *testing.T) {
	rl := New()
	v := rl.Evaluate(Candidate{RelPath: "link", IsSymlink: true}, false)
	if v != VerdictDrop {
		t.Fatalf("expected symlink dropped, got %v", v)
	}
}

func TestParentForcedAcceptOverridesMissingAcceptGlobMatch(t *testing.T) {
	rl := New(AcceptFilesByGlob("**/*.md"))

	// A file that doesn't match the accept-glob would normally be
	// dropped, but a forced-accept parent (ancestor promotion) keeps it.
	v := rl.Evaluate(Candidate{RelPath: "dir/file.bin"}, true)
	if v != VerdictKeep {
		t.Fatalf("expected kept due to parent forced acceptance, got %v", v)
	}
}

func TestAcceptAncestorsStopsAtDroppedSubtree(t *testing.T) {
	if AcceptAncestors([]Verdict{VerdictKeep, VerdictDropSubtree}) {
		t.Fatal("expected false when an ancestor was dropped as a subtree")
	}
	if !AcceptAncestors([]Verdict{VerdictKeep, VerdictKeep}) {
		t.Fatal("expected true when all ancestors kept")
	}
}
