package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nexus-cli/nexus/internal/action"
)

func newPatchGateway(t *testing.T) (*Gateway, string) {
	t.Helper()
	workspace := t.TempDir()
	return &Gateway{workspace: workspace, logger: discardLogger()}, workspace
}

func writeFile(t *testing.T, workspace, rel, content string) {
	t.Helper()
	abs := filepath.Join(workspace, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		t.Fatalf("write error: %v", err)
	}
}

func readFile(t *testing.T, workspace, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(workspace, rel))
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	return string(data)
}

func patchOf(d *action.PatchDetails) *action.ProposedAction {
	return &action.ProposedAction{ID: "act-1", Kind: action.KindPatch, Summary: "patch", Risk: 1, Patch: d}
}

func TestApplyPatch_UnifiedExact(t *testing.T) {
	g, workspace := newPatchGateway(t)
	writeFile(t, workspace, "src/main.go", "package main\n\nfunc main() {\n\tprintln(\"hello\")\n}\n")

	diff := "--- a/src/main.go\n+++ b/src/main.go\n" +
		"@@ -1,5 +1,5 @@\n package main\n \n func main() {\n" +
		"-\tprintln(\"hello\")\n+\tprintln(\"goodbye\")\n }\n"
	result, err := g.applyPatch(patchOf(&action.PatchDetails{Format: action.FormatUnified, Diff: diff}))
	if err != nil {
		t.Fatalf("applyPatch error: %v", err)
	}
	if !result.Success || len(result.Files) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := readFile(t, workspace, "src/main.go"); !strings.Contains(got, "goodbye") || strings.Contains(got, "hello") {
		t.Fatalf("patch not applied: %q", got)
	}
}

func TestApplyPatch_UnifiedContextMismatchFails(t *testing.T) {
	g, workspace := newPatchGateway(t)
	writeFile(t, workspace, "a.txt", "alpha\nbeta\ngamma\n")

	diff := "--- a/a.txt\n+++ b/a.txt\n@@ -1,3 +1,3 @@\n alpha\n-DOES NOT EXIST\n+replacement\n gamma\n"
	_, err := g.applyPatch(patchOf(&action.PatchDetails{Format: action.FormatUnified, Diff: diff}))
	var perr *PatchError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PatchError without fallback, got %v", err)
	}
	if got := readFile(t, workspace, "a.txt"); got != "alpha\nbeta\ngamma\n" {
		t.Fatalf("file must be untouched on failure, got %q", got)
	}
}

func TestApplyPatch_FuzzyFallbackRecordsConfidence(t *testing.T) {
	g, workspace := newPatchGateway(t)
	// indentation differs from the diff context so exact match fails
	writeFile(t, workspace, "b.txt", "one\n  two\nthree\nfour\n")

	diff := "--- a/b.txt\n+++ b/b.txt\n@@ -1,4 +1,4 @@\n one\n two\n-three\n+THREE\n four\n"
	result, err := g.applyPatch(patchOf(&action.PatchDetails{
		Format:           action.FormatUnified,
		Diff:             diff,
		FallbackStrategy: action.FallbackFuzzy,
		FuzzyThreshold:   0.7,
	}))
	if err != nil {
		t.Fatalf("applyPatch error: %v", err)
	}
	if result.Files[0].Fallback != "fuzzy" {
		t.Fatalf("expected fuzzy fallback recorded, got %q", result.Files[0].Fallback)
	}
	if result.Files[0].MatchConfidence < 0.7 {
		t.Fatalf("expected confidence >= threshold, got %v", result.Files[0].MatchConfidence)
	}
	if got := readFile(t, workspace, "b.txt"); !strings.Contains(got, "THREE") {
		t.Fatalf("fuzzy patch not applied: %q", got)
	}
}

func TestApplyPatch_FuzzyBelowThresholdFails(t *testing.T) {
	g, workspace := newPatchGateway(t)
	writeFile(t, workspace, "c.txt", "completely\ndifferent\ncontent\nhere\n")

	diff := "--- a/c.txt\n+++ b/c.txt\n@@ -1,4 +1,4 @@\n one\n two\n-three\n+THREE\n four\n"
	_, err := g.applyPatch(patchOf(&action.PatchDetails{
		Format:           action.FormatUnified,
		Diff:             diff,
		FallbackStrategy: action.FallbackFuzzy,
		FuzzyThreshold:   0.9,
	}))
	var perr *PatchError
	if !errors.As(err, &perr) {
		t.Fatalf("expected hard failure below threshold, got %v", err)
	}
}

func TestApplyPatch_LineAnchorFallback(t *testing.T) {
	g, workspace := newPatchGateway(t)
	writeFile(t, workspace, "d.txt", "start\nchanged middle\nend\n")

	diff := "--- a/d.txt\n+++ b/d.txt\n@@ -1,3 +1,3 @@\n start\n-middle\n+MIDDLE\n end\n"
	_, err := g.applyPatch(patchOf(&action.PatchDetails{
		Format:           action.FormatUnified,
		Diff:             diff,
		FallbackStrategy: action.FallbackLineAnchor,
	}))
	if err != nil {
		t.Fatalf("applyPatch error: %v", err)
	}
	if got := readFile(t, workspace, "d.txt"); !strings.Contains(got, "MIDDLE") {
		t.Fatalf("anchor patch not applied: %q", got)
	}
}

func TestApplyPatch_UnifiedCreatesNewFile(t *testing.T) {
	g, workspace := newPatchGateway(t)
	diff := "--- /dev/null\n+++ b/docs/new.md\n@@ -0,0 +1,2 @@\n+# Title\n+body\n"
	result, err := g.applyPatch(patchOf(&action.PatchDetails{Format: action.FormatUnified, Diff: diff}))
	if err != nil {
		t.Fatalf("applyPatch error: %v", err)
	}
	if result.Files[0].Status != StatusCreated {
		t.Fatalf("expected created status, got %q", result.Files[0].Status)
	}
	if got := readFile(t, workspace, "docs/new.md"); got != "# Title\nbody\n" {
		t.Fatalf("unexpected new file content %q", got)
	}
}

func TestApplyPatch_SearchReplaceUnique(t *testing.T) {
	g, workspace := newPatchGateway(t)
	writeFile(t, workspace, "e.txt", "aaa\nbbb\nccc\n")

	result, err := g.applyPatch(patchOf(&action.PatchDetails{
		Format: action.FormatSearchReplace,
		SearchReplaceBlocks: []action.SearchReplaceBlock{
			{File: "e.txt", Search: "bbb", Replace: "BBB", MatchMode: action.MatchExact},
		},
	}))
	if err != nil {
		t.Fatalf("applyPatch error: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success")
	}
	if got := readFile(t, workspace, "e.txt"); got != "aaa\nBBB\nccc\n" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestApplyPatch_SearchReplaceAmbiguousFails(t *testing.T) {
	g, workspace := newPatchGateway(t)
	writeFile(t, workspace, "f.txt", "dup\ndup\n")

	_, err := g.applyPatch(patchOf(&action.PatchDetails{
		Format: action.FormatSearchReplace,
		SearchReplaceBlocks: []action.SearchReplaceBlock{
			{File: "f.txt", Search: "dup", Replace: "x", MatchMode: action.MatchExact},
		},
	}))
	var perr *PatchError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PatchError for ambiguous search, got %v", err)
	}
}

func TestApplyPatch_SearchReplaceWhitespaceInsensitive(t *testing.T) {
	g, workspace := newPatchGateway(t)
	writeFile(t, workspace, "g.txt", "if x {\n\t\tdo()\n}\n")

	_, err := g.applyPatch(patchOf(&action.PatchDetails{
		Format: action.FormatSearchReplace,
		SearchReplaceBlocks: []action.SearchReplaceBlock{
			{File: "g.txt", Search: "if x {\n  do()\n}", Replace: "if x {\n\tdone()\n}", MatchMode: action.MatchWhitespaceInsensitive},
		},
	}))
	if err != nil {
		t.Fatalf("applyPatch error: %v", err)
	}
	if got := readFile(t, workspace, "g.txt"); !strings.Contains(got, "done()") {
		t.Fatalf("loose match not applied: %q", got)
	}
}

func TestApplyPatch_WholeFileStaleBaseFails(t *testing.T) {
	g, workspace := newPatchGateway(t)
	writeFile(t, workspace, "h.txt", "current content\n")

	staleSum := sha256.Sum256([]byte("what the approver saw\n"))
	_, err := g.applyPatch(patchOf(&action.PatchDetails{
		Format:           action.FormatWholeFile,
		WholeFileContent: map[string]string{"h.txt": "new content\n"},
		BaseFileSHA256:   map[string]string{"h.txt": hex.EncodeToString(staleSum[:])},
		OnConflict:       action.ConflictFail,
	}))
	var perr *PatchError
	if !errors.As(err, &perr) {
		t.Fatalf("expected stale base to fail, got %v", err)
	}
	if got := readFile(t, workspace, "h.txt"); got != "current content\n" {
		t.Fatalf("file must be untouched, got %q", got)
	}
}

func TestApplyPatch_WholeFileConflictPolicies(t *testing.T) {
	staleSum := sha256.Sum256([]byte("old\n"))
	stale := hex.EncodeToString(staleSum[:])

	t.Run("ours keeps current", func(t *testing.T) {
		g, workspace := newPatchGateway(t)
		writeFile(t, workspace, "i.txt", "current\n")
		result, err := g.applyPatch(patchOf(&action.PatchDetails{
			Format:           action.FormatWholeFile,
			WholeFileContent: map[string]string{"i.txt": "incoming\n"},
			BaseFileSHA256:   map[string]string{"i.txt": stale},
			OnConflict:       action.ConflictOurs,
		}))
		if err != nil {
			t.Fatalf("applyPatch error: %v", err)
		}
		if result.Files[0].Status != StatusSkipped {
			t.Fatalf("expected skipped, got %q", result.Files[0].Status)
		}
		if got := readFile(t, workspace, "i.txt"); got != "current\n" {
			t.Fatalf("expected current content kept, got %q", got)
		}
	})

	t.Run("theirs overwrites", func(t *testing.T) {
		g, workspace := newPatchGateway(t)
		writeFile(t, workspace, "i.txt", "current\n")
		_, err := g.applyPatch(patchOf(&action.PatchDetails{
			Format:           action.FormatWholeFile,
			WholeFileContent: map[string]string{"i.txt": "incoming\n"},
			BaseFileSHA256:   map[string]string{"i.txt": stale},
			OnConflict:       action.ConflictTheirs,
		}))
		if err != nil {
			t.Fatalf("applyPatch error: %v", err)
		}
		if got := readFile(t, workspace, "i.txt"); got != "incoming\n" {
			t.Fatalf("expected incoming content, got %q", got)
		}
	})

	t.Run("marker merges both", func(t *testing.T) {
		g, workspace := newPatchGateway(t)
		writeFile(t, workspace, "i.txt", "current\n")
		result, err := g.applyPatch(patchOf(&action.PatchDetails{
			Format:           action.FormatWholeFile,
			WholeFileContent: map[string]string{"i.txt": "incoming\n"},
			BaseFileSHA256:   map[string]string{"i.txt": stale},
			OnConflict:       action.ConflictMarker,
		}))
		if err != nil {
			t.Fatalf("applyPatch error: %v", err)
		}
		if result.Files[0].Status != StatusConflict {
			t.Fatalf("expected conflict status, got %q", result.Files[0].Status)
		}
		got := readFile(t, workspace, "i.txt")
		if !strings.Contains(got, "<<<<<<<") || !strings.Contains(got, "current") || !strings.Contains(got, "incoming") {
			t.Fatalf("expected conflict markers with both sides, got %q", got)
		}
	})
}

func TestResolve_EscapeRejected(t *testing.T) {
	g, _ := newPatchGateway(t)
	if _, err := g.resolve("../outside.txt"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
	if _, err := g.resolve("/etc/passwd"); err == nil {
		t.Fatal("expected absolute path to be rejected")
	}
	if _, err := g.resolve("src/ok.txt"); err != nil {
		t.Fatalf("expected relative path to resolve, got %v", err)
	}
}
