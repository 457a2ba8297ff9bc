package action

// Kind discriminates the action variants.
type Kind string

const (
	KindHandoff     Kind = "handoff"
	KindPatch       Kind = "patch"
	KindCommand     Kind = "command"
	KindPlanPatch   Kind = "plan_patch"
	KindAgendaPatch Kind = "agenda_patch"
	KindFileCreate  Kind = "file_create"
	KindFileRename  Kind = "file_rename"
	KindFileDelete  Kind = "file_delete"
)

// AgentRole identifies who produced or should receive an action.
type AgentRole string

const (
	RoleRouter     AgentRole = "router"
	RoleResearcher AgentRole = "researcher"
	RolePlanner    AgentRole = "planner"
	RoleExecutor   AgentRole = "executor"
	RoleReviewer   AgentRole = "reviewer"
	RoleTool       AgentRole = "tool"
)

// CreatedBy records the origin of a proposed action.
type CreatedBy struct {
	Agent    AgentRole `json:"agent,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Model    string    `json:"model,omitempty"`
}

// ApprovalGroup labels a batch of actions that are reviewed together.
type ApprovalGroup struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Size  int    `json:"size"`
	Index int    `json:"index"`
}

// ProposedAction is a validated action candidate. Exactly one of the
// details fields is non-nil, determined by Kind.
type ProposedAction struct {
	ID               string         `json:"id"`
	Kind             Kind           `json:"kind"`
	Summary          string         `json:"summary"`
	Why              string         `json:"why,omitempty"`
	Risk             int            `json:"risk"`
	PolicyTags       []string       `json:"policy_tags,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
	CreatedBy        *CreatedBy     `json:"created_by,omitempty"`
	ApprovalGroup    *ApprovalGroup `json:"approval_group,omitempty"`

	Patch       *PatchDetails       `json:"-"`
	Command     *CommandDetails     `json:"-"`
	FileCreate  *FileCreateDetails  `json:"-"`
	FileRename  *FileRenameDetails  `json:"-"`
	FileDelete  *FileDeleteDetails  `json:"-"`
	Handoff     *HandoffDetails     `json:"-"`
	PlanPatch   *PlanPatchDetails   `json:"-"`
	AgendaPatch *AgendaPatchDetails `json:"-"`
}

// PatchFormat selects one of the three mutually exclusive patch payloads.
type PatchFormat string

const (
	FormatUnified       PatchFormat = "unified"
	FormatSearchReplace PatchFormat = "search_replace"
	FormatWholeFile     PatchFormat = "whole_file"
)

// OnConflict is the conflict resolution policy for patches.
type OnConflict string

const (
	ConflictFail   OnConflict = "fail"
	ConflictOurs   OnConflict = "ours"
	ConflictTheirs OnConflict = "theirs"
	ConflictMarker OnConflict = "marker"
)

// FallbackStrategy controls what happens when exact context matching fails.
type FallbackStrategy string

const (
	FallbackNone       FallbackStrategy = "none"
	FallbackFuzzy      FallbackStrategy = "fuzzy"
	FallbackLineAnchor FallbackStrategy = "line_anchor"
)

// MatchMode controls search text comparison for search/replace blocks.
type MatchMode string

const (
	MatchExact                 MatchMode = "exact"
	MatchWhitespaceInsensitive MatchMode = "whitespace_insensitive"
)

// SearchReplaceBlock is one search -> replace edit against a file.
type SearchReplaceBlock struct {
	File      string    `json:"file"`
	Search    string    `json:"search"`
	Replace   string    `json:"replace"`
	MatchMode MatchMode `json:"match_mode,omitempty"`
}

// PatchDetails carries one of three patch payloads selected by Format.
type PatchDetails struct {
	Format              PatchFormat          `json:"format"`
	Diff                string               `json:"diff,omitempty"`
	SearchReplaceBlocks []SearchReplaceBlock `json:"search_replace_blocks,omitempty"`
	WholeFileContent    map[string]string    `json:"whole_file_content,omitempty"`
	Files               []string             `json:"files,omitempty"`
	BaseFileSHA256      map[string]string    `json:"base_file_sha256,omitempty"`
	OnConflict          OnConflict           `json:"on_conflict,omitempty"`
	FallbackStrategy    FallbackStrategy     `json:"fallback_strategy,omitempty"`
	FuzzyThreshold      float64              `json:"fuzzy_threshold,omitempty"`
}

// CommandDetails describes a subprocess execution request. Argv is a
// literal argument vector, never a shell string. The subprocess
// environment is built from EnvAllow plus PATH and HOME, which are
// always inherited; every other variable is withheld.
type CommandDetails struct {
	Argv            []string `json:"argv"`
	Cwd             string   `json:"cwd,omitempty"`
	TimeoutSeconds  int      `json:"timeout_s"`
	EnvAllow        []string `json:"env_allow,omitempty"`
	RequiresNetwork bool     `json:"requires_network"`
	Purpose         string   `json:"purpose,omitempty"`
}

// FileCreateDetails describes creation of a single file.
type FileCreateDetails struct {
	Path           string `json:"path"`
	Content        string `json:"content"`
	Overwrite      bool   `json:"overwrite"`
	IgnoreIfExists bool   `json:"ignore_if_exists"`
}

// FileRenameDetails describes a rename/move within the workspace.
type FileRenameDetails struct {
	OldPath   string `json:"old_path"`
	NewPath   string `json:"new_path"`
	Overwrite bool   `json:"overwrite"`
}

// FileDeleteDetails describes a delete. ExpectedSHA256, when set, must
// match the file content for the delete to proceed.
type FileDeleteDetails struct {
	Path            string `json:"path"`
	Recursive       bool   `json:"recursive"`
	IgnoreIfMissing bool   `json:"ignore_if_missing"`
	ExpectedSHA256  string `json:"expected_sha256,omitempty"`
}

// HandoffDetails transfers control between agent roles. Executed by an
// external collaborator, not the filesystem.
type HandoffDetails struct {
	From             AgentRole `json:"from"`
	To               AgentRole `json:"to"`
	Reason           string    `json:"reason"`
	WorkflowPatchRef string    `json:"workflow_patch_ref,omitempty"`
}

// PatchMode selects how a plan patch payload is applied.
type PatchMode string

const (
	PatchModeReplace   PatchMode = "replace"
	PatchModeJSONPatch PatchMode = "json_patch"
)

// PlanPatchDetails mutates a stored plan document.
type PlanPatchDetails struct {
	PlanID    string    `json:"plan_id"`
	PatchRef  string    `json:"patch_ref"`
	PatchMode PatchMode `json:"patch_mode,omitempty"`
	Summary   string    `json:"summary,omitempty"`
}

// AgendaPatchDetails mutates an agenda document.
type AgendaPatchDetails struct {
	TargetPath string `json:"target_path"`
	Diff       string `json:"diff"`
}

// Paths returns every workspace-relative path the action touches, used
// for policy path matching.
func (a *ProposedAction) Paths() []string {
	switch {
	case a.Patch != nil:
		return a.Patch.touchedFiles()
	case a.FileCreate != nil:
		return []string{a.FileCreate.Path}
	case a.FileRename != nil:
		return []string{a.FileRename.OldPath, a.FileRename.NewPath}
	case a.FileDelete != nil:
		return []string{a.FileDelete.Path}
	case a.AgendaPatch != nil:
		return []string{a.AgendaPatch.TargetPath}
	}
	return nil
}

func (p *PatchDetails) touchedFiles() []string {
	if len(p.Files) > 0 {
		return p.Files
	}
	seen := make(map[string]struct{})
	var files []string
	add := func(f string) {
		if f == "" {
			return
		}
		if _, ok := seen[f]; ok {
			return
		}
		seen[f] = struct{}{}
		files = append(files, f)
	}
	switch p.Format {
	case FormatUnified:
		for _, f := range FilesFromDiff(p.Diff) {
			add(f)
		}
	case FormatSearchReplace:
		for _, b := range p.SearchReplaceBlocks {
			add(b.File)
		}
	case FormatWholeFile:
		for f := range p.WholeFileContent {
			add(f)
		}
	}
	return files
}
