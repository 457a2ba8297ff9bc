package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrCommandTimeout means the subprocess hit its hard timeout and
	// was terminated. Reported, never silent.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrCommandFailed means the subprocess exited non-zero.
	ErrCommandFailed = errors.New("command failed")
)

// PatchError reports why a patch could not be applied to a file.
type PatchError struct {
	File   string
	Reason string
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("patch apply failed for %s: %s", e.File, e.Reason)
}

// FileStatus describes what happened to one touched file.
type FileStatus string

const (
	StatusApplied  FileStatus = "applied"
	StatusSkipped  FileStatus = "skipped"
	StatusConflict FileStatus = "conflict"
	StatusCreated  FileStatus = "created"
	StatusRenamed  FileStatus = "renamed"
	StatusDeleted  FileStatus = "deleted"
)

// FileResult is the per-file outcome of a patch or file action.
// MatchConfidence is set only when a fuzzy fallback placed the hunk.
type FileResult struct {
	Path            string     `json:"path"`
	Status          FileStatus `json:"status"`
	Fallback        string     `json:"fallback,omitempty"`
	MatchConfidence float64    `json:"match_confidence,omitempty"`
	Hunks           int        `json:"hunks,omitempty"`
}

// ExecutionResult is the structured outcome of one gateway execution.
type ExecutionResult struct {
	ActionID   string         `json:"action_id"`
	Success    bool           `json:"success"`
	Files      []FileResult   `json:"files,omitempty"`
	Stdout     string         `json:"stdout,omitempty"`
	Stderr     string         `json:"stderr,omitempty"`
	ExitCode   int            `json:"exit_code,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Extra      map[string]any `json:"extra,omitempty"`
}

func (r *ExecutionResult) payload() map[string]any {
	p := map[string]any{"duration_ms": r.DurationMS}
	if len(r.Files) > 0 {
		files := make([]map[string]any, 0, len(r.Files))
		for _, f := range r.Files {
			entry := map[string]any{"path": f.Path, "status": string(f.Status)}
			if f.Fallback != "" {
				entry["fallback"] = f.Fallback
				entry["match_confidence"] = f.MatchConfidence
			}
			files = append(files, entry)
		}
		p["files"] = files
	}
	if r.Stdout != "" {
		p["stdout"] = r.Stdout
	}
	if r.Stderr != "" {
		p["stderr"] = r.Stderr
	}
	if r.ExitCode != 0 {
		p["exit_code"] = r.ExitCode
	}
	for k, v := range r.Extra {
		p[k] = v
	}
	return p
}
