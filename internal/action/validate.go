package action

import (
	"fmt"
	"strings"
)

const (
	defaultRisk           = 1
	maxRisk               = 3
	defaultCommandTimeout = 1200 // seconds
)

// ValidationError reports a malformed action. Validation happens before
// any policy evaluation or I/O.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid action: " + e.Message
	}
	return fmt.Sprintf("invalid action: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Construct validates a decoded action and applies kind-specific
// defaults. It returns the same action on success so callers can chain.
func Construct(a *ProposedAction) (*ProposedAction, error) {
	if strings.TrimSpace(a.ID) == "" {
		return nil, invalid("id", "must not be empty")
	}
	if strings.TrimSpace(a.Summary) == "" {
		return nil, invalid("summary", "must not be empty")
	}
	if a.Risk < 0 || a.Risk > maxRisk {
		return nil, invalid("risk", "must be between 0 and %d, got %d", maxRisk, a.Risk)
	}
	if err := a.validateDetails(); err != nil {
		return nil, err
	}
	for _, p := range a.Paths() {
		if err := ValidatePath(p); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *ProposedAction) validateDetails() error {
	populated := 0
	for _, d := range []bool{
		a.Patch != nil, a.Command != nil, a.FileCreate != nil,
		a.FileRename != nil, a.FileDelete != nil, a.Handoff != nil,
		a.PlanPatch != nil, a.AgendaPatch != nil,
	} {
		if d {
			populated++
		}
	}
	if populated > 1 {
		return invalid("details", "payloads from multiple kinds present")
	}

	switch a.Kind {
	case KindPatch:
		if a.Patch == nil {
			return invalid("details", "patch details required")
		}
		return a.Patch.validate()
	case KindCommand:
		if a.Command == nil {
			return invalid("details", "command details required")
		}
		return a.Command.validate()
	case KindFileCreate:
		if a.FileCreate == nil {
			return invalid("details", "file_create details required")
		}
		if a.FileCreate.Path == "" {
			return invalid("path", "must not be empty")
		}
		return nil
	case KindFileRename:
		if a.FileRename == nil {
			return invalid("details", "file_rename details required")
		}
		if a.FileRename.OldPath == "" || a.FileRename.NewPath == "" {
			return invalid("path", "old_path and new_path must not be empty")
		}
		return nil
	case KindFileDelete:
		if a.FileDelete == nil {
			return invalid("details", "file_delete details required")
		}
		if a.FileDelete.Path == "" {
			return invalid("path", "must not be empty")
		}
		return nil
	case KindHandoff:
		if a.Handoff == nil {
			return invalid("details", "handoff details required")
		}
		if a.Handoff.From == "" || a.Handoff.To == "" {
			return invalid("handoff", "from and to roles are required")
		}
		return nil
	case KindPlanPatch:
		if a.PlanPatch == nil {
			return invalid("details", "plan_patch details required")
		}
		if a.PlanPatch.PlanID == "" || a.PlanPatch.PatchRef == "" {
			return invalid("plan_patch", "plan_id and patch_ref are required")
		}
		if a.PlanPatch.PatchMode == "" {
			a.PlanPatch.PatchMode = PatchModeReplace
		}
		return nil
	case KindAgendaPatch:
		if a.AgendaPatch == nil {
			return invalid("details", "agenda_patch details required")
		}
		if a.AgendaPatch.TargetPath == "" || a.AgendaPatch.Diff == "" {
			return invalid("agenda_patch", "target_path and diff are required")
		}
		return nil
	}
	return invalid("kind", "unknown kind %q", a.Kind)
}

func (p *PatchDetails) validate() error {
	if p.Format == "" {
		p.Format = FormatUnified
	}
	if p.OnConflict == "" {
		p.OnConflict = ConflictFail
	}
	if p.FallbackStrategy == "" {
		p.FallbackStrategy = FallbackNone
	}
	switch p.OnConflict {
	case ConflictFail, ConflictOurs, ConflictTheirs, ConflictMarker:
	default:
		return invalid("on_conflict", "unknown policy %q", p.OnConflict)
	}
	switch p.FallbackStrategy {
	case FallbackNone, FallbackFuzzy, FallbackLineAnchor:
	default:
		return invalid("fallback_strategy", "unknown strategy %q", p.FallbackStrategy)
	}
	if p.FuzzyThreshold < 0 || p.FuzzyThreshold > 1 {
		return invalid("fuzzy_threshold", "must be within [0,1], got %v", p.FuzzyThreshold)
	}

	switch p.Format {
	case FormatUnified:
		if strings.TrimSpace(p.Diff) == "" {
			return invalid("diff", "unified patch requires a diff")
		}
		if len(p.SearchReplaceBlocks) > 0 || len(p.WholeFileContent) > 0 {
			return invalid("details", "unified patch must not carry other payloads")
		}
	case FormatSearchReplace:
		if len(p.SearchReplaceBlocks) == 0 {
			return invalid("search_replace_blocks", "search_replace patch requires blocks")
		}
		if p.Diff != "" || len(p.WholeFileContent) > 0 {
			return invalid("details", "search_replace patch must not carry other payloads")
		}
		for i, b := range p.SearchReplaceBlocks {
			if b.File == "" {
				return invalid("search_replace_blocks", "block %d missing file", i)
			}
			if b.Search == "" {
				return invalid("search_replace_blocks", "block %d missing search text", i)
			}
			switch b.MatchMode {
			case "", MatchExact:
				p.SearchReplaceBlocks[i].MatchMode = MatchExact
			case MatchWhitespaceInsensitive:
			default:
				return invalid("match_mode", "unknown mode %q", b.MatchMode)
			}
		}
	case FormatWholeFile:
		if len(p.WholeFileContent) == 0 {
			return invalid("whole_file_content", "whole_file patch requires a content map")
		}
		if p.Diff != "" || len(p.SearchReplaceBlocks) > 0 {
			return invalid("details", "whole_file patch must not carry other payloads")
		}
	default:
		return invalid("format", "unknown format %q", p.Format)
	}
	return nil
}

func (c *CommandDetails) validate() error {
	if len(c.Argv) == 0 {
		return invalid("argv", "must not be empty")
	}
	for i, arg := range c.Argv {
		if i == 0 && strings.TrimSpace(arg) == "" {
			return invalid("argv", "program name must not be blank")
		}
		if strings.ContainsRune(arg, 0) {
			return invalid("argv", "argument %d contains a NUL byte", i)
		}
	}
	if c.TimeoutSeconds < 0 {
		return invalid("timeout_s", "must not be negative")
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = defaultCommandTimeout
	}
	if c.Cwd != "" {
		if err := ValidatePath(c.Cwd); err != nil {
			return err
		}
	}
	for _, name := range c.EnvAllow {
		if strings.ContainsAny(name, "=\x00") || strings.TrimSpace(name) == "" {
			return invalid("env_allow", "invalid variable name %q", name)
		}
	}
	return nil
}

// ValidatePath enforces the shared path invariant: workspace relative,
// no parent traversal segment, no leading separator, no control
// characters. Validated once at construction, never re-derived.
func ValidatePath(p string) error {
	if p == "" {
		return invalid("path", "must not be empty")
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return invalid("path", "%q must be workspace relative", p)
	}
	if len(p) >= 2 && p[1] == ':' {
		return invalid("path", "%q must not use a drive prefix", p)
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return invalid("path", "%q contains a parent traversal segment", p)
		}
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return invalid("path", "%q contains a control character", p)
		}
	}
	return nil
}
