package policy

import (
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nexus-cli/nexus/internal/action"
)

// Engine evaluates proposed actions against an ordered rule set. It is
// immutable after construction; a settings reload means building a new
// Engine, so decisions already issued are never reinterpreted.
type Engine struct {
	mode      Mode
	rules     []Rule
	autopilot AutopilotConfig
}

// editKinds are the kinds the acceptEdits mode auto-allows.
var editKinds = map[action.Kind]bool{
	action.KindPatch:       true,
	action.KindFileCreate:  true,
	action.KindFileRename:  true,
	action.KindFileDelete:  true,
	action.KindAgendaPatch: true,
}

// NewEngine compiles settings into an engine. The settings must already
// be validated; compile errors here mean a malformed rule slipped
// through and are treated as fatal configuration errors.
func NewEngine(s Settings) (*Engine, error) {
	rules := make([]Rule, 0, len(s.Rules)+len(s.DenyPaths)+len(s.AllowPathsWrite)+
		len(s.DenyCommands)+len(s.AskCommands)+len(s.AllowCommands))

	for _, glob := range s.DenyPaths {
		rules = append(rules, Rule{
			Name:      "deny-path:" + glob,
			Predicate: Predicate{PathGlobs: []string{glob}},
			Outcome:   OutcomeDeny,
		})
	}
	for _, prefix := range s.DenyCommands {
		rules = append(rules, Rule{
			Name:      "deny-command:" + strings.Join(prefix, " "),
			Predicate: Predicate{Kinds: []action.Kind{action.KindCommand}, ArgvPrefix: prefix},
			Outcome:   OutcomeDeny,
		})
	}
	for _, prefix := range s.AskCommands {
		rules = append(rules, Rule{
			Name:      "ask-command:" + strings.Join(prefix, " "),
			Predicate: Predicate{Kinds: []action.Kind{action.KindCommand}, ArgvPrefix: prefix},
			Outcome:   OutcomeAsk,
			Scope:     ScopeOnce,
		})
	}
	for _, prefix := range s.AllowCommands {
		rules = append(rules, Rule{
			Name:      "allow-command:" + strings.Join(prefix, " "),
			Predicate: Predicate{Kinds: []action.Kind{action.KindCommand}, ArgvPrefix: prefix},
			Outcome:   OutcomeAllow,
			Scope:     ScopeRepoArgv,
		})
	}
	for _, glob := range s.AllowPathsWrite {
		kinds := make([]action.Kind, 0, len(editKinds))
		for k := range editKinds {
			kinds = append(kinds, k)
		}
		rules = append(rules, Rule{
			Name:      "allow-path:" + glob,
			Predicate: Predicate{Kinds: kinds, PathGlobs: []string{glob}},
			Outcome:   OutcomeAllow,
			Scope:     ScopeRepoPath,
		})
	}
	rules = append(rules, s.Rules...)

	for _, r := range rules {
		switch r.Outcome {
		case OutcomeAllow, OutcomeAsk, OutcomeDeny:
		default:
			return nil, fmt.Errorf("%w: rule %q has unknown outcome %q", ErrConfigMalformed, r.Name, r.Outcome)
		}
		if r.Scope != "" && !ValidScope(r.Scope) {
			return nil, fmt.Errorf("%w: rule %q has unknown scope %q", ErrConfigMalformed, r.Name, r.Scope)
		}
		for _, glob := range r.Predicate.PathGlobs {
			if !doublestar.ValidatePattern(glob) {
				return nil, fmt.Errorf("%w: rule %q has invalid glob %q", ErrConfigMalformed, r.Name, glob)
			}
		}
	}

	autopilot := AutopilotConfig{}
	if s.Autopilot != nil {
		autopilot = *s.Autopilot
	}
	mode := s.PermissionMode
	if mode == "" {
		mode = ModeDefault
	}
	return &Engine{mode: mode, rules: rules, autopilot: autopilot}, nil
}

// Evaluate decides the outcome for one action. Precedence is position
// independent: any matching deny wins, then any matching ask, then any
// matching allow, then the mode default. Remembered approvals in ctx
// upgrade an undecided action to allow but never override a deny.
func (e *Engine) Evaluate(a *action.ProposedAction, ctx *ApprovalContext) Decision {
	var deny, ask, allow *Rule
	for i := range e.rules {
		r := &e.rules[i]
		if !r.Predicate.matches(a) {
			continue
		}
		switch r.Outcome {
		case OutcomeDeny:
			if deny == nil {
				deny = r
			}
		case OutcomeAsk:
			if ask == nil {
				ask = r
			}
		case OutcomeAllow:
			if allow == nil {
				allow = r
			}
		}
	}

	if deny != nil {
		return Decision{Outcome: OutcomeDeny, MatchedRule: deny.Name, Reason: "matched deny rule"}
	}
	if ctx != nil {
		if grant, ok := ctx.covering(a); ok {
			return Decision{Outcome: OutcomeAllow, MatchedRule: "remembered:" + grant.key, Scope: grant.Scope}
		}
	}
	if ask != nil {
		scope := ask.Scope
		if scope == "" {
			scope = ScopeOnce
		}
		return Decision{Outcome: OutcomeAsk, MatchedRule: ask.Name, Scope: scope}
	}
	if allow != nil {
		scope := allow.Scope
		if scope == "" {
			scope = ScopeSession
		}
		return Decision{Outcome: OutcomeAllow, MatchedRule: allow.Name, Scope: scope}
	}
	return e.defaultDecision(a, ctx)
}

func (e *Engine) defaultDecision(a *action.ProposedAction, ctx *ApprovalContext) Decision {
	switch e.mode {
	case ModeAcceptEdits:
		if editKinds[a.Kind] && a.Risk < 3 {
			return Decision{Outcome: OutcomeAllow, MatchedRule: "mode:acceptEdits", Scope: ScopeSession}
		}
	case ModeAutopilot:
		if d, ok := e.autopilotDecision(a, ctx); ok {
			return d
		}
	}
	return Decision{Outcome: OutcomeAsk, MatchedRule: "default", Scope: ScopeOnce}
}

func (e *Engine) autopilotDecision(a *action.ProposedAction, ctx *ApprovalContext) (Decision, bool) {
	if ctx == nil {
		return Decision{}, false
	}
	if !ctx.batchWithin(e.autopilot) {
		slog.Debug("autopilot batch limit reached", "steps", ctx.batchSteps, "cu", ctx.batchCU)
		return Decision{}, false
	}
	auto := false
	switch {
	case a.Kind == action.KindPatch && e.autopilot.AutoApprovePatches:
		auto = true
	case a.Kind == action.KindHandoff && e.autopilot.AutoHandoffs:
		auto = true
	case a.Kind == action.KindCommand && e.autopilot.AutoApproveTests && hasTag(a, "tests"):
		auto = true
	}
	if !auto || a.Risk >= 3 {
		return Decision{}, false
	}
	ctx.consumeBatchStep(a.Risk)
	return Decision{Outcome: OutcomeAllow, MatchedRule: "mode:autopilot", Scope: ScopeWorkflow}, true
}

func (p *Predicate) matches(a *action.ProposedAction) bool {
	if len(p.Kinds) > 0 && !containsKind(p.Kinds, a.Kind) {
		return false
	}
	if p.MinRisk > 0 && a.Risk < p.MinRisk {
		return false
	}
	if len(p.Tags) > 0 && !anyTag(a, p.Tags) {
		return false
	}
	if len(p.ArgvPrefix) > 0 {
		if a.Command == nil || !argvHasPrefix(a.Command.Argv, p.ArgvPrefix) {
			return false
		}
	}
	if len(p.PathGlobs) > 0 {
		// One touched path matching any glob is sufficient: a rule that
		// covers part of an action covers the action.
		matched := false
		for _, touched := range a.Paths() {
			for _, glob := range p.PathGlobs {
				if globMatch(glob, touched) {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// globMatch matches the glob against the full relative path, and for
// basename-style patterns (no separator) against the final element too,
// so ".env*" covers both ".env.local" and "config/.env.local".
func globMatch(glob, p string) bool {
	if ok, err := doublestar.Match(glob, p); err == nil && ok {
		return true
	}
	if !strings.Contains(glob, "/") {
		if ok, err := doublestar.Match(glob, path.Base(p)); err == nil && ok {
			return true
		}
	}
	return false
}

func argvHasPrefix(argv, prefix []string) bool {
	if len(argv) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if argv[i] != p {
			return false
		}
	}
	return true
}

func containsKind(kinds []action.Kind, k action.Kind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

func anyTag(a *action.ProposedAction, tags []string) bool {
	for _, t := range tags {
		if hasTag(a, t) {
			return true
		}
	}
	return false
}

func hasTag(a *action.ProposedAction, tag string) bool {
	for _, t := range a.PolicyTags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
