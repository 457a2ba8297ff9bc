package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxRunIDLen keeps "<run_id>.jsonl" comfortably under common
// filesystem filename limits.
const maxRunIDLen = 200

const logExtension = ".jsonl"

// Dir resolves run identifiers to log file paths under a base
// directory, typically <workspace>/.nexus/runs.
type Dir struct {
	base string
}

// NewDir creates a Dir rooted at <root>/.nexus/runs.
func NewDir(root string) Dir {
	return Dir{base: filepath.Join(root, ".nexus", "runs")}
}

// Base returns the runs directory path.
func (d Dir) Base() string { return d.base }

// ForRun validates runID and returns the log file path for it. The
// run identifier is caller supplied and must be rejected before any
// filesystem access when unsafe.
func (d Dir) ForRun(runID string) (string, error) {
	if err := ValidateRunID(runID); err != nil {
		return "", err
	}
	return filepath.Join(d.base, runID+logExtension), nil
}

// Ensure creates the runs directory if absent.
func (d Dir) Ensure() error {
	return os.MkdirAll(d.base, 0o755)
}

// ValidateRunID rejects identifiers that are empty, contain path
// separators or parent traversal, contain control characters, or would
// produce an over-long filename.
func ValidateRunID(runID string) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("invalid run id: empty")
	}
	if strings.ContainsAny(runID, "/\\") || strings.Contains(runID, "..") {
		return fmt.Errorf("invalid run id %q: path separators and traversal not allowed", runID)
	}
	for _, r := range runID {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("invalid run id %q: control characters not allowed", runID)
		}
	}
	if len(runID) > maxRunIDLen {
		return fmt.Errorf("invalid run id: length %d exceeds %d", len(runID), maxRunIDLen)
	}
	return nil
}
