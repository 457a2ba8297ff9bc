package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nexus-cli/nexus/internal/action"
)

func (g *Gateway) createFile(a *action.ProposedAction) (*ExecutionResult, error) {
	d := a.FileCreate
	result := &ExecutionResult{ActionID: a.ID}
	abs, err := g.resolve(d.Path)
	if err != nil {
		return result, err
	}

	if _, statErr := os.Stat(abs); statErr == nil {
		if d.IgnoreIfExists {
			result.Success = true
			result.Files = []FileResult{{Path: d.Path, Status: StatusSkipped}}
			return result, nil
		}
		if !d.Overwrite {
			return result, fmt.Errorf("file %s already exists", d.Path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return result, fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(d.Content), 0o644); err != nil {
		return result, fmt.Errorf("write %s: %w", d.Path, err)
	}
	result.Success = true
	result.Files = []FileResult{{Path: d.Path, Status: StatusCreated}}
	return result, nil
}

func (g *Gateway) renameFile(a *action.ProposedAction) (*ExecutionResult, error) {
	d := a.FileRename
	result := &ExecutionResult{ActionID: a.ID}
	oldAbs, err := g.resolve(d.OldPath)
	if err != nil {
		return result, err
	}
	newAbs, err := g.resolve(d.NewPath)
	if err != nil {
		return result, err
	}

	if _, err := os.Stat(oldAbs); err != nil {
		return result, fmt.Errorf("rename source %s: %w", d.OldPath, err)
	}
	if _, err := os.Stat(newAbs); err == nil && !d.Overwrite {
		return result, fmt.Errorf("rename target %s already exists", d.NewPath)
	}

	if err := os.MkdirAll(filepath.Dir(newAbs), 0o755); err != nil {
		return result, fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.Rename(oldAbs, newAbs); err != nil {
		return result, fmt.Errorf("rename %s to %s: %w", d.OldPath, d.NewPath, err)
	}
	result.Success = true
	result.Files = []FileResult{{Path: d.NewPath, Status: StatusRenamed}}
	return result, nil
}

func (g *Gateway) deleteFile(a *action.ProposedAction) (*ExecutionResult, error) {
	d := a.FileDelete
	result := &ExecutionResult{ActionID: a.ID}
	abs, err := g.resolve(d.Path)
	if err != nil {
		return result, err
	}

	info, statErr := os.Stat(abs)
	if statErr != nil {
		if os.IsNotExist(statErr) && d.IgnoreIfMissing {
			result.Success = true
			result.Files = []FileResult{{Path: d.Path, Status: StatusSkipped}}
			return result, nil
		}
		return result, fmt.Errorf("delete %s: %w", d.Path, statErr)
	}

	if info.IsDir() && !d.Recursive {
		return result, fmt.Errorf("delete %s: is a directory and recursive not requested", d.Path)
	}

	// expected hash is a last safeguard against deleting content that
	// is not what the approver reviewed
	if d.ExpectedSHA256 != "" {
		if info.IsDir() {
			return result, fmt.Errorf("delete %s: expected hash declared for a directory", d.Path)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return result, fmt.Errorf("delete %s: %w", d.Path, err)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != d.ExpectedSHA256 {
			return result, fmt.Errorf("delete %s: content does not match expected hash", d.Path)
		}
	}

	if d.Recursive {
		err = os.RemoveAll(abs)
	} else {
		err = os.Remove(abs)
	}
	if err != nil {
		return result, fmt.Errorf("delete %s: %w", d.Path, err)
	}
	result.Success = true
	result.Files = []FileResult{{Path: d.Path, Status: StatusDeleted}}
	return result, nil
}
