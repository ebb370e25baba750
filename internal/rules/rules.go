// Package rules implements the accept/reject rule engine:
// glob-based accept/reject rules, directory-presence predicates, and
// gitignore roll-up with scoped negation.
package rules

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Kind discriminates the four rule kinds.
type Kind int

const (
	KindAcceptGlob Kind = iota
	KindRejectGlob
	KindAcceptIfChildrenPresent
	KindRejectIfChildrenPresent
)

// Rule is one compiled accept/reject predicate.
type Rule struct {
	Kind Kind

	// Glob patterns, used by KindAcceptGlob / KindRejectGlob. Patterns use
	// doublestar syntax (`**` matches across directory separators).
	Globs []string

	// ChildDirs names the directory-presence set, used by
	// KindAcceptIfChildrenPresent / KindRejectIfChildrenPresent.
	ChildDirs map[string]struct{}
}

// AcceptFilesByGlob builds a KindAcceptGlob rule.
func AcceptFilesByGlob(globs ...string) Rule {
	return Rule{Kind: KindAcceptGlob, Globs: globs}
}

// RejectFilesByGlob builds a KindRejectGlob rule.
func RejectFilesByGlob(globs ...string) Rule {
	return Rule{Kind: KindRejectGlob, Globs: globs}
}

// AcceptIfChildrenDirectoriesArePresent builds a KindAcceptIfChildrenPresent
// rule: a directory is accepted only if it contains all of names as
// immediate subdirectories.
func AcceptIfChildrenDirectoriesArePresent(names ...string) Rule {
	return Rule{Kind: KindAcceptIfChildrenPresent, ChildDirs: toSet(names)}
}

// RejectIfChildrenDirectoriesArePresent builds the symmetric rejection rule.
func RejectIfChildrenDirectoriesArePresent(names ...string) Rule {
	return Rule{Kind: KindRejectIfChildrenPresent, ChildDirs: toSet(names)}
}

func toSet(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

func (r Rule) matchesGlob(relPath string) bool {
	for _, g := range r.Globs {
		ok, err := doublestar.Match(g, relPath)
		if err == nil && ok {
			return true
		}
	}
	return false
}

func (r Rule) childrenPresent(childDirNames map[string]struct{}) bool {
	for want := range r.ChildDirs {
		if _, ok := childDirNames[want]; !ok {
			return false
		}
	}
	return true
}

// Candidate describes the filesystem entry under evaluation.
type Candidate struct {
	// RelPath is the path relative to the ruler's scope root, using
	// forward slashes regardless of OS.
	RelPath string
	IsDir   bool
	IsSymlink bool
	// ChildDirNames lists immediate subdirectory names; only meaningful
	// (and only needed) when IsDir is true.
	ChildDirNames map[string]struct{}
}

// Verdict is the roll-up outcome of evaluating a Candidate against a Ruler.
type Verdict int

const (
	VerdictKeep Verdict = iota
	VerdictDrop
	// VerdictDropSubtree additionally instructs the walker to not descend
	// into this directory at all (reject-if-children-present on a dir).
	VerdictDropSubtree
)

// Ruler is an ordered set of compiled rules plus any gitignore extensions
// scoped to subtrees beneath it.
type Ruler struct {
	rules []Rule

	// gitignoreExtensions maps a subtree-relative directory prefix (with
	// trailing slash, "" for the root) to the glob rules contributed by
	// a .gitignore found in that directory.
	gitignoreExtensions map[string][]gitignoreGlob
}

type gitignoreGlob struct {
	pattern string
	negate  bool
	dirOnly bool
}

// New builds a Ruler from a fixed rule set.
func New(rules ...Rule) *Ruler {
	return &Ruler{rules: rules, gitignoreExtensions: map[string][]gitignoreGlob{}}
}

// ExtendWithGitignore compiles the .gitignore found at gitignorePath into
// reject globs scoped to scopeRelDir (the directory containing the file,
// relative to the ruler's root; "" for the root itself). Negation patterns
// are retained for Evaluate to interpret as accept-overrides.
func (rl *Ruler) ExtendWithGitignore(gitignorePath, scopeRelDir string) error {
	f, err := os.Open(gitignorePath)
	if err != nil {
		return fmt.Errorf("open gitignore %s: %w", gitignorePath, err)
	}
	defer f.Close()

	var globs []gitignoreGlob
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		negate := strings.HasPrefix(line, "!")
		if negate {
			line = line[1:]
		}
		dirOnly := strings.HasSuffix(line, "/")
		line = strings.TrimSuffix(line, "/")
		if !strings.Contains(line, "/") {
			line = "**/" + line
		} else {
			line = strings.TrimPrefix(line, "/")
		}
		globs = append(globs, gitignoreGlob{pattern: line, negate: negate, dirOnly: dirOnly})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan gitignore %s: %w", gitignorePath, err)
	}

	scopeRelDir = strings.TrimSuffix(scopeRelDir, "/")
	rl.gitignoreExtensions[scopeRelDir] = append(rl.gitignoreExtensions[scopeRelDir], globs...)
	return nil
}

// Evaluate runs the 5-step roll-up against one candidate.
// parentForcedAccept is true when an ancestor directory was promoted to
// "accepted by children" (step 5's "or parent forced acceptance").
func (rl *Ruler) Evaluate(c Candidate, parentForcedAccept bool) Verdict {
	if c.IsSymlink {
		return VerdictDrop
	}

	// Step 1: reject-glob dominates, including gitignore-contributed
	// globs (with their own negation resolution).
	if rl.rejectedByGlob(c.RelPath, c.IsDir) {
		return VerdictDrop
	}

	// Step 2: reject-if-children-present drops the whole subtree.
	if c.IsDir {
		for _, r := range rl.rules {
			if r.Kind == KindRejectIfChildrenPresent && r.childrenPresent(c.ChildDirNames) {
				return VerdictDropSubtree
			}
		}
	}

	// Step 3: accept-if-children-present.
	hasAcceptChildRule := false
	acceptedByChildren := false
	if c.IsDir {
		for _, r := range rl.rules {
			if r.Kind != KindAcceptIfChildrenPresent {
				continue
			}
			hasAcceptChildRule = true
			if r.childrenPresent(c.ChildDirNames) {
				acceptedByChildren = true
			}
		}
		if hasAcceptChildRule && !acceptedByChildren {
			return VerdictDrop
		}
	}

	// Step 4: accept-glob, if configured, is required for acceptance.
	hasAcceptGlobRule := false
	acceptedByGlob := false
	for _, r := range rl.rules {
		if r.Kind != KindAcceptGlob {
			continue
		}
		hasAcceptGlobRule = true
		if r.matchesGlob(c.RelPath) {
			acceptedByGlob = true
		}
	}
	if hasAcceptGlobRule && !acceptedByGlob && !acceptedByChildren && !parentForcedAccept {
		return VerdictDrop
	}

	// Step 5: otherwise, or if parent forced acceptance, keep.
	return VerdictKeep
}

func (rl *Ruler) rejectedByGlob(relPath string, isDir bool) bool {
	for _, r := range rl.rules {
		if r.Kind == KindRejectGlob && r.matchesGlob(relPath) {
			return true
		}
	}

	// gitignore-contributed globs: process scopes from the root down to
	// the most specific matching subtree, so a nested .gitignore's
	// patterns are considered after (and can override) its ancestors'.
	// Within and across scopes, the last matching pattern wins; negation
	// re-accepts. Map iteration order isn't ordered by depth, so scopes
	// are sorted explicitly before being walked.
	scopes := make([]string, 0, len(rl.gitignoreExtensions))
	for scope := range rl.gitignoreExtensions {
		if scope != "" && !strings.HasPrefix(relPath, scope+"/") {
			continue
		}
		scopes = append(scopes, scope)
	}
	sort.Slice(scopes, func(i, j int) bool { return len(scopes[i]) < len(scopes[j]) })

	rejected := false
	for _, scope := range scopes {
		for _, g := range rl.gitignoreExtensions[scope] {
			if g.dirOnly && !isDir {
				continue
			}
			ok, err := doublestar.Match(g.pattern, relPath)
			if err != nil || !ok {
				// Also try matching just the basename for simple patterns.
				ok, err = doublestar.Match(g.pattern, filepath.Base(relPath))
				if err != nil || !ok {
					continue
				}
			}
			if g.negate {
				rejected = false
			} else {
				rejected = true
			}
		}
	}
	return rejected
}

// AcceptAncestors promotes an accepted path's ancestors so the directory
// skeleton is preserved, unless an ancestor was itself dropped at step 2
// (reject-if-children-present). Callers supply the already-computed
// verdict for each ancestor walking up from the accepted leaf.
func AcceptAncestors(ancestorVerdicts []Verdict) bool {
	for _, v := range ancestorVerdicts {
		if v == VerdictDropSubtree {
			return false
		}
	}
	return true
}
