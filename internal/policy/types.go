package policy

import "github.com/nexus-cli/nexus/internal/action"

// Outcome is the policy decision for a proposed action.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeAsk   Outcome = "ask"
	OutcomeDeny  Outcome = "deny"
)

// Scope governs how long a resulting approval may be reused without
// re-prompting.
type Scope string

const (
	ScopeOnce     Scope = "once"
	ScopeSession  Scope = "session"
	ScopeRepo     Scope = "repo"
	ScopeRepoPath Scope = "repo+path"
	ScopeRepoArgv Scope = "repo+argv"
	ScopeWorkflow Scope = "workflow-instance"
)

// ValidScope reports whether s is a known scope value.
func ValidScope(s Scope) bool {
	switch s {
	case ScopeOnce, ScopeSession, ScopeRepo, ScopeRepoPath, ScopeRepoArgv, ScopeWorkflow:
		return true
	}
	return false
}

// Predicate selects the actions a rule applies to. Empty fields match
// everything; populated fields must all match.
type Predicate struct {
	Kinds      []action.Kind `json:"kinds,omitempty" mapstructure:"kinds"`
	PathGlobs  []string      `json:"path_globs,omitempty" mapstructure:"path_globs"`
	ArgvPrefix []string      `json:"argv_prefix,omitempty" mapstructure:"argv_prefix"`
	MinRisk    int           `json:"min_risk,omitempty" mapstructure:"min_risk"`
	Tags       []string      `json:"tags,omitempty" mapstructure:"tags"`
}

// Rule pairs a predicate with an outcome and the scope a resulting
// approval is remembered at.
type Rule struct {
	Name      string    `json:"name,omitempty" mapstructure:"name"`
	Predicate Predicate `json:"predicate" mapstructure:"predicate"`
	Outcome   Outcome   `json:"outcome" mapstructure:"outcome"`
	Scope     Scope     `json:"scope,omitempty" mapstructure:"scope"`
}

// Decision is the evaluator result.
type Decision struct {
	Outcome     Outcome
	MatchedRule string
	Scope       Scope
	Reason      string
}

// Mode is the settings permission mode selector.
type Mode string

const (
	ModeDefault     Mode = "default"
	ModeAcceptEdits Mode = "acceptEdits"
	ModeAutopilot   Mode = "autopilot"
)

// AutopilotConfig bounds unattended approval batches.
type AutopilotConfig struct {
	MaxBatchCU         int  `json:"max_batch_cu" mapstructure:"max_batch_cu"`
	MaxBatchSteps      int  `json:"max_batch_steps" mapstructure:"max_batch_steps"`
	AutoApprovePatches bool `json:"auto_approve_patches" mapstructure:"auto_approve_patches"`
	AutoApproveTests   bool `json:"auto_approve_tests" mapstructure:"auto_approve_tests"`
	AutoHandoffs       bool `json:"auto_handoffs" mapstructure:"auto_handoffs"`
}

// Settings is the policy configuration document.
type Settings struct {
	SchemaVersion   string           `json:"schema_version" mapstructure:"schema_version"`
	PermissionMode  Mode             `json:"permission_mode" mapstructure:"permission_mode"`
	DenyPaths       []string         `json:"deny_paths" mapstructure:"deny_paths"`
	AllowPathsWrite []string         `json:"allow_paths_write" mapstructure:"allow_paths_write"`
	AllowCommands   [][]string       `json:"allow_commands" mapstructure:"allow_commands"`
	AskCommands     [][]string       `json:"ask_commands" mapstructure:"ask_commands"`
	DenyCommands    [][]string       `json:"deny_commands" mapstructure:"deny_commands"`
	Rules           []Rule           `json:"rules,omitempty" mapstructure:"rules"`
	Autopilot       *AutopilotConfig `json:"autopilot,omitempty" mapstructure:"autopilot"`
}
