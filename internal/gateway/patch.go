package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nexus-cli/nexus/internal/action"
)

// defaultFuzzyThreshold is used when a fuzzy fallback is requested
// without an explicit threshold.
const defaultFuzzyThreshold = 0.8

func (g *Gateway) applyPatch(a *action.ProposedAction) (*ExecutionResult, error) {
	d := a.Patch
	result := &ExecutionResult{ActionID: a.ID}

	switch d.Format {
	case action.FormatUnified:
		return g.applyUnified(a, result)
	case action.FormatSearchReplace:
		return g.applySearchReplace(a, result)
	case action.FormatWholeFile:
		return g.applyWholeFile(a, result)
	default:
		return result, &PatchError{Reason: fmt.Sprintf("unknown patch format %q", d.Format)}
	}
}

// checkBase verifies the expected base hash for a file, when declared.
// The conflict policy decides what a stale base means: fail rejects,
// ours skips the file, theirs proceeds against the changed content.
func (g *Gateway) checkBase(d *action.PatchDetails, rel, abs string) (skip bool, err error) {
	want, ok := d.BaseFileSHA256[rel]
	if !ok || want == "" {
		return false, nil
	}
	data, readErr := os.ReadFile(abs)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			data = nil
		} else {
			return false, fmt.Errorf("read %s: %w", rel, readErr)
		}
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) == want {
		return false, nil
	}
	switch d.OnConflict {
	case action.ConflictOurs:
		return true, nil
	case action.ConflictTheirs:
		return false, nil
	default:
		return false, &PatchError{File: rel, Reason: "file changed since the patch was prepared"}
	}
}

// unified diff

type hunk struct {
	oldStart int
	newStart int
	lines    []string
}

type fileDiff struct {
	oldPath string
	newPath string
	hunks   []hunk
}

func (g *Gateway) applyUnified(a *action.ProposedAction, result *ExecutionResult) (*ExecutionResult, error) {
	d := a.Patch
	diffs, err := parseUnified(strings.TrimRight(action.NormalizeDiff(d.Diff), "\n"))
	if err != nil {
		return result, err
	}
	if len(diffs) == 0 {
		return result, &PatchError{Reason: "diff contains no file sections"}
	}

	for _, fd := range diffs {
		fr, err := g.applyUnifiedFile(fd, d)
		if err != nil {
			return result, err
		}
		result.Files = append(result.Files, fr)
	}
	result.Success = true
	return result, nil
}

func parseUnified(diff string) ([]fileDiff, error) {
	var diffs []fileDiff
	var current *fileDiff
	lines := strings.Split(diff, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- "):
			if current != nil {
				diffs = append(diffs, *current)
			}
			current = &fileDiff{oldPath: diffPathFromHeader(line[4:])}
		case strings.HasPrefix(line, "+++ "):
			if current == nil {
				return nil, &PatchError{Reason: "+++ header without --- header"}
			}
			current.newPath = diffPathFromHeader(line[4:])
		case strings.HasPrefix(line, "@@ "):
			if current == nil {
				return nil, &PatchError{Reason: "hunk header outside a file section"}
			}
			h, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			for i+1 < len(lines) {
				next := lines[i+1]
				if len(next) == 0 {
					h.lines = append(h.lines, " ")
					i++
					continue
				}
				if next[0] == '\\' {
					// "\ No newline at end of file"
					i++
					continue
				}
				if next[0] != ' ' && next[0] != '-' && next[0] != '+' {
					break
				}
				h.lines = append(h.lines, next)
				i++
			}
			current.hunks = append(current.hunks, h)
		}
	}
	if current != nil {
		diffs = append(diffs, *current)
	}
	return diffs, nil
}

func diffPathFromHeader(s string) string {
	if tab := strings.IndexByte(s, '\t'); tab >= 0 {
		s = s[:tab]
	}
	s = strings.TrimSpace(s)
	if s == "/dev/null" {
		return ""
	}
	s = strings.TrimPrefix(s, "a/")
	s = strings.TrimPrefix(s, "b/")
	return s
}

func parseHunkHeader(line string) (hunk, error) {
	var h hunk
	var oldCount, newCount int
	header := strings.TrimSuffix(strings.TrimPrefix(line, "@@ "), " @@")
	if idx := strings.Index(header, " @@"); idx >= 0 {
		header = header[:idx]
	}
	parts := strings.Fields(header)
	if len(parts) < 2 {
		return h, &PatchError{Reason: fmt.Sprintf("malformed hunk header %q", line)}
	}
	if _, err := fmt.Sscanf(parts[0], "-%d,%d", &h.oldStart, &oldCount); err != nil {
		if _, err := fmt.Sscanf(parts[0], "-%d", &h.oldStart); err != nil {
			return h, &PatchError{Reason: fmt.Sprintf("malformed hunk header %q", line)}
		}
	}
	if _, err := fmt.Sscanf(parts[1], "+%d,%d", &h.newStart, &newCount); err != nil {
		if _, err := fmt.Sscanf(parts[1], "+%d", &h.newStart); err != nil {
			return h, &PatchError{Reason: fmt.Sprintf("malformed hunk header %q", line)}
		}
	}
	return h, nil
}

// hunkBlocks splits hunk lines into the text expected on disk and the
// text that replaces it.
func hunkBlocks(h hunk) (old, new []string) {
	for _, l := range h.lines {
		op, text := l[0], l[1:]
		switch op {
		case ' ':
			old = append(old, text)
			new = append(new, text)
		case '-':
			old = append(old, text)
		case '+':
			new = append(new, text)
		}
	}
	return old, new
}

func (g *Gateway) applyUnifiedFile(fd fileDiff, d *action.PatchDetails) (FileResult, error) {
	target := fd.newPath
	if target == "" {
		target = fd.oldPath
	}
	if target == "" {
		return FileResult{}, &PatchError{Reason: "file section names no target"}
	}
	abs, err := g.resolve(target)
	if err != nil {
		return FileResult{}, err
	}

	// new file: every hunk is pure additions
	if fd.oldPath == "" {
		var content []string
		for _, h := range fd.hunks {
			_, added := hunkBlocks(h)
			content = append(content, added...)
		}
		if err := writeLines(abs, content, true); err != nil {
			return FileResult{}, err
		}
		return FileResult{Path: target, Status: StatusCreated, Hunks: len(fd.hunks)}, nil
	}

	skip, err := g.checkBase(d, target, abs)
	if err != nil {
		return FileResult{}, err
	}
	if skip {
		return FileResult{Path: target, Status: StatusSkipped}, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return FileResult{}, &PatchError{File: target, Reason: err.Error()}
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	trailingNewline := strings.HasSuffix(text, "\n")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	fr := FileResult{Path: target, Status: StatusApplied}
	offset := 0
	for _, h := range fd.hunks {
		oldBlock, newBlock := hunkBlocks(h)
		pos, confidence, fallback, err := locateBlock(lines, oldBlock, h.oldStart-1+offset, d)
		if err != nil {
			return FileResult{}, &PatchError{File: target, Reason: err.Error()}
		}
		if fallback != "" {
			fr.Fallback = fallback
			fr.MatchConfidence = confidence
		}
		lines = splice(lines, pos, len(oldBlock), newBlock)
		offset += len(newBlock) - len(oldBlock)
		fr.Hunks++
	}

	if fd.newPath == "" {
		// old file patched to /dev/null: deletion
		if err := os.Remove(abs); err != nil {
			return FileResult{}, &PatchError{File: target, Reason: err.Error()}
		}
		fr.Status = StatusDeleted
		return fr, nil
	}
	if err := writeLines(abs, lines, trailingNewline); err != nil {
		return FileResult{}, err
	}
	return fr, nil
}

// locateBlock finds where oldBlock sits in lines. Exact matching is
// tried first, at the declared position and then anywhere if unique.
// Fallbacks run only when the action asked for them.
func locateBlock(lines, oldBlock []string, declared int, d *action.PatchDetails) (int, float64, string, error) {
	if len(oldBlock) == 0 {
		if declared < 0 || declared > len(lines) {
			return 0, 0, "", fmt.Errorf("insertion point %d out of range", declared+1)
		}
		return declared, 0, "", nil
	}

	if declared >= 0 && matchAt(lines, oldBlock, declared) {
		return declared, 0, "", nil
	}
	matches := exactMatches(lines, oldBlock)
	if len(matches) == 1 {
		return matches[0], 0, "", nil
	}
	if len(matches) > 1 {
		return 0, 0, "", fmt.Errorf("context matches %d locations, refusing to guess", len(matches))
	}

	switch d.FallbackStrategy {
	case action.FallbackFuzzy:
		threshold := d.FuzzyThreshold
		if threshold == 0 {
			threshold = defaultFuzzyThreshold
		}
		pos, score := bestFuzzyWindow(lines, oldBlock)
		if score < threshold {
			return 0, 0, "", fmt.Errorf("no fuzzy match above threshold %.2f (best %.2f)", threshold, score)
		}
		return pos, score, "fuzzy", nil
	case action.FallbackLineAnchor:
		pos, err := anchorMatch(lines, oldBlock)
		if err != nil {
			return 0, 0, "", err
		}
		return pos, 1, "line_anchor", nil
	default:
		return 0, 0, "", fmt.Errorf("context mismatch at line %d", declared+1)
	}
}

func matchAt(lines, block []string, pos int) bool {
	if pos < 0 || pos+len(block) > len(lines) {
		return false
	}
	for i, b := range block {
		if lines[pos+i] != b {
			return false
		}
	}
	return true
}

func exactMatches(lines, block []string) []int {
	var matches []int
	for pos := 0; pos+len(block) <= len(lines); pos++ {
		if matchAt(lines, block, pos) {
			matches = append(matches, pos)
		}
	}
	return matches
}

// bestFuzzyWindow slides a window of the block's size over the file
// and scores each by the fraction of lines equal after trimming.
func bestFuzzyWindow(lines, block []string) (int, float64) {
	bestPos, bestScore := 0, 0.0
	for pos := 0; pos+len(block) <= len(lines); pos++ {
		matched := 0
		for i, b := range block {
			if strings.TrimSpace(lines[pos+i]) == strings.TrimSpace(b) {
				matched++
			}
		}
		score := float64(matched) / float64(len(block))
		if score > bestScore {
			bestPos, bestScore = pos, score
		}
	}
	return bestPos, bestScore
}

// anchorMatch locates the block by its first and last lines, which
// must frame exactly one candidate of the block's length.
func anchorMatch(lines, block []string) (int, error) {
	first, last := block[0], block[len(block)-1]
	var candidates []int
	for pos := 0; pos+len(block) <= len(lines); pos++ {
		if lines[pos] == first && lines[pos+len(block)-1] == last {
			candidates = append(candidates, pos)
		}
	}
	switch len(candidates) {
	case 0:
		return 0, fmt.Errorf("no line anchor candidate found")
	case 1:
		return candidates[0], nil
	default:
		return 0, fmt.Errorf("line anchors match %d locations, refusing to guess", len(candidates))
	}
}

func splice(lines []string, pos, remove int, insert []string) []string {
	out := make([]string, 0, len(lines)-remove+len(insert))
	out = append(out, lines[:pos]...)
	out = append(out, insert...)
	out = append(out, lines[pos+remove:]...)
	return out
}

func writeLines(abs string, lines []string, trailingNewline bool) error {
	content := strings.Join(lines, "\n")
	if trailingNewline {
		content += "\n"
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", abs, err)
	}
	return nil
}

// search/replace

func (g *Gateway) applySearchReplace(a *action.ProposedAction, result *ExecutionResult) (*ExecutionResult, error) {
	d := a.Patch
	applied := make(map[string]*FileResult)
	for _, block := range d.SearchReplaceBlocks {
		abs, err := g.resolve(block.File)
		if err != nil {
			return result, err
		}
		skip, err := g.checkBase(d, block.File, abs)
		if err != nil {
			return result, err
		}
		if skip {
			if applied[block.File] == nil {
				fr := FileResult{Path: block.File, Status: StatusSkipped}
				result.Files = append(result.Files, fr)
				applied[block.File] = &result.Files[len(result.Files)-1]
			}
			continue
		}

		data, err := os.ReadFile(abs)
		if err != nil {
			return result, &PatchError{File: block.File, Reason: err.Error()}
		}
		updated, err := applyBlock(string(data), block)
		if err != nil {
			return result, err
		}
		if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
			return result, &PatchError{File: block.File, Reason: err.Error()}
		}
		if fr := applied[block.File]; fr != nil {
			fr.Hunks++
		} else {
			result.Files = append(result.Files, FileResult{Path: block.File, Status: StatusApplied, Hunks: 1})
			applied[block.File] = &result.Files[len(result.Files)-1]
		}
	}
	result.Success = true
	return result, nil
}

// applyBlock replaces exactly one occurrence of the search text. A
// search that matches zero or multiple locations is an error, never a
// guess.
func applyBlock(content string, block action.SearchReplaceBlock) (string, error) {
	if block.MatchMode == action.MatchWhitespaceInsensitive {
		return applyBlockLoose(content, block)
	}
	count := strings.Count(content, block.Search)
	if count == 0 {
		return "", &PatchError{File: block.File, Reason: "search text not found"}
	}
	if count > 1 {
		return "", &PatchError{File: block.File, Reason: fmt.Sprintf("search text matches %d locations, provide a unique snippet", count)}
	}
	return strings.Replace(content, block.Search, block.Replace, 1), nil
}

// applyBlockLoose matches line by line with whitespace collapsed, then
// replaces the original lines it matched.
func applyBlockLoose(content string, block action.SearchReplaceBlock) (string, error) {
	normalize := func(s string) string {
		return strings.Join(strings.Fields(s), " ")
	}
	search := strings.Split(strings.ReplaceAll(block.Search, "\r\n", "\n"), "\n")
	for len(search) > 0 && normalize(search[len(search)-1]) == "" {
		search = search[:len(search)-1]
	}
	if len(search) == 0 {
		return "", &PatchError{File: block.File, Reason: "empty search text"}
	}

	trailingNewline := strings.HasSuffix(content, "\n")
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	var matches []int
	for pos := 0; pos+len(search) <= len(lines); pos++ {
		ok := true
		for i, s := range search {
			if normalize(lines[pos+i]) != normalize(s) {
				ok = false
				break
			}
		}
		if ok {
			matches = append(matches, pos)
		}
	}
	if len(matches) == 0 {
		return "", &PatchError{File: block.File, Reason: "search text not found"}
	}
	if len(matches) > 1 {
		return "", &PatchError{File: block.File, Reason: fmt.Sprintf("search text matches %d locations, provide a unique snippet", len(matches))}
	}

	replace := strings.Split(strings.ReplaceAll(block.Replace, "\r\n", "\n"), "\n")
	lines = splice(lines, matches[0], len(search), replace)
	out := strings.Join(lines, "\n")
	if trailingNewline {
		out += "\n"
	}
	return out, nil
}

// whole file

func (g *Gateway) applyWholeFile(a *action.ProposedAction, result *ExecutionResult) (*ExecutionResult, error) {
	d := a.Patch
	files := make([]string, 0, len(d.WholeFileContent))
	for f := range d.WholeFileContent {
		files = append(files, f)
	}
	// deterministic order for results and events
	sort.Strings(files)

	for _, rel := range files {
		abs, err := g.resolve(rel)
		if err != nil {
			return result, err
		}
		fr, err := g.writeWholeFile(d, rel, abs, d.WholeFileContent[rel])
		if err != nil {
			return result, err
		}
		result.Files = append(result.Files, fr)
	}
	result.Success = true
	return result, nil
}

func (g *Gateway) writeWholeFile(d *action.PatchDetails, rel, abs, content string) (FileResult, error) {
	want, declared := d.BaseFileSHA256[rel]
	if declared && want != "" {
		existing, err := os.ReadFile(abs)
		if err != nil && !os.IsNotExist(err) {
			return FileResult{}, fmt.Errorf("read %s: %w", rel, err)
		}
		sum := sha256.Sum256(existing)
		if hex.EncodeToString(sum[:]) != want {
			switch d.OnConflict {
			case action.ConflictOurs:
				return FileResult{Path: rel, Status: StatusSkipped}, nil
			case action.ConflictTheirs:
				// fall through and overwrite
			case action.ConflictMarker:
				merged := conflictMarkers(string(existing), content)
				if err := os.WriteFile(abs, []byte(merged), 0o644); err != nil {
					return FileResult{}, &PatchError{File: rel, Reason: err.Error()}
				}
				return FileResult{Path: rel, Status: StatusConflict}, nil
			default:
				return FileResult{}, &PatchError{File: rel, Reason: "file changed since the patch was prepared"}
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return FileResult{}, fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return FileResult{}, &PatchError{File: rel, Reason: err.Error()}
	}
	return FileResult{Path: rel, Status: StatusApplied}, nil
}

func conflictMarkers(ours, theirs string) string {
	var b strings.Builder
	b.WriteString("<<<<<<< current\n")
	b.WriteString(ours)
	if !strings.HasSuffix(ours, "\n") && ours != "" {
		b.WriteByte('\n')
	}
	b.WriteString("=======\n")
	b.WriteString(theirs)
	if !strings.HasSuffix(theirs, "\n") && theirs != "" {
		b.WriteByte('\n')
	}
	b.WriteString(">>>>>>> incoming\n")
	return b.String()
}

