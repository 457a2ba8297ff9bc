package policy

import (
	"errors"
	"testing"

	"github.com/nexus-cli/nexus/internal/action"
)

func patchAction(id string, files ...string) *action.ProposedAction {
	return &action.ProposedAction{
		ID:      id,
		Kind:    action.KindPatch,
		Summary: "edit files",
		Risk:    1,
		Patch: &action.PatchDetails{
			Format: action.FormatSearchReplace,
			SearchReplaceBlocks: func() []action.SearchReplaceBlock {
				blocks := make([]action.SearchReplaceBlock, 0, len(files))
				for _, f := range files {
					blocks = append(blocks, action.SearchReplaceBlock{File: f, Search: "a", Replace: "b"})
				}
				return blocks
			}(),
		},
	}
}

func commandAction(id string, argv ...string) *action.ProposedAction {
	return &action.ProposedAction{
		ID:      id,
		Kind:    action.KindCommand,
		Summary: "run command",
		Risk:    1,
		Command: &action.CommandDetails{Argv: argv, TimeoutSeconds: 60},
	}
}

func mustEngine(t *testing.T, s Settings) *Engine {
	t.Helper()
	e, err := NewEngine(s)
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}
	return e
}

func TestEvaluate_DenyWinsRegardlessOfOrder(t *testing.T) {
	denyFirst := []Rule{
		{Name: "deny-secrets", Predicate: Predicate{PathGlobs: []string{".env*"}}, Outcome: OutcomeDeny},
		{Name: "allow-src", Predicate: Predicate{PathGlobs: []string{"src/**"}}, Outcome: OutcomeAllow},
	}
	allowFirst := []Rule{denyFirst[1], denyFirst[0]}

	a := patchAction("act-1", ".env.local", "src/a.go")
	for name, rules := range map[string][]Rule{"deny first": denyFirst, "allow first": allowFirst} {
		e := mustEngine(t, Settings{SchemaVersion: "1.0", Rules: rules})
		d := e.Evaluate(a, nil)
		if d.Outcome != OutcomeDeny {
			t.Fatalf("%s: expected deny, got %q via %q", name, d.Outcome, d.MatchedRule)
		}
	}
}

func TestEvaluate_PartialPathDenyDeniesWholeAction(t *testing.T) {
	e := mustEngine(t, Settings{
		SchemaVersion:   "1.0",
		DenyPaths:       []string{".env*"},
		AllowPathsWrite: []string{"src/**"},
	})
	d := e.Evaluate(patchAction("act-2", ".env.local", "src/a.go"), nil)
	if d.Outcome != OutcomeDeny {
		t.Fatalf("expected deny when one touched path is denied, got %q", d.Outcome)
	}
}

func TestEvaluate_DefaultModeAsks(t *testing.T) {
	e := mustEngine(t, Settings{SchemaVersion: "1.0"})
	d := e.Evaluate(commandAction("act-3", "ls"), nil)
	if d.Outcome != OutcomeAsk {
		t.Fatalf("expected ask in default mode, got %q", d.Outcome)
	}
	if d.Scope != ScopeOnce {
		t.Fatalf("expected once scope, got %q", d.Scope)
	}
}

func TestEvaluate_DenyCommandPrefix(t *testing.T) {
	e := mustEngine(t, Settings{SchemaVersion: "1.0", DenyCommands: [][]string{{"sudo"}}})
	if d := e.Evaluate(commandAction("act-4", "sudo", "ls"), nil); d.Outcome != OutcomeDeny {
		t.Fatalf("expected sudo prefix deny, got %q", d.Outcome)
	}
	if d := e.Evaluate(commandAction("act-5", "ls", "sudo"), nil); d.Outcome == OutcomeDeny {
		t.Fatal("expected non-prefix occurrence not to match")
	}
}

func TestEvaluate_AllowCommandScope(t *testing.T) {
	e := mustEngine(t, Settings{SchemaVersion: "1.0", AllowCommands: [][]string{{"go", "test"}}})
	d := e.Evaluate(commandAction("act-6", "go", "test", "./..."), nil)
	if d.Outcome != OutcomeAllow {
		t.Fatalf("expected allow, got %q", d.Outcome)
	}
	if d.Scope != ScopeRepoArgv {
		t.Fatalf("expected repo+argv scope, got %q", d.Scope)
	}
}

func TestEvaluate_RememberedGrantUpgradesAsk(t *testing.T) {
	e := mustEngine(t, Settings{SchemaVersion: "1.0"})
	ctx := NewApprovalContext("")
	a := commandAction("act-7", "go", "vet")

	if d := e.Evaluate(a, ctx); d.Outcome != OutcomeAsk {
		t.Fatalf("expected initial ask, got %q", d.Outcome)
	}
	ctx.Remember(a, ScopeRepoArgv)
	d := e.Evaluate(commandAction("act-8", "go", "vet", "./..."), ctx)
	if d.Outcome != OutcomeAllow {
		t.Fatalf("expected remembered grant to allow, got %q", d.Outcome)
	}
}

func TestEvaluate_RememberedGrantNeverOverridesDeny(t *testing.T) {
	e := mustEngine(t, Settings{SchemaVersion: "1.0", DenyCommands: [][]string{{"rm"}}})
	ctx := NewApprovalContext("")
	a := commandAction("act-9", "rm", "old.txt")
	ctx.Remember(a, ScopeRepoArgv)

	if d := e.Evaluate(a, ctx); d.Outcome != OutcomeDeny {
		t.Fatalf("expected deny despite remembered grant, got %q", d.Outcome)
	}
}

func TestEvaluate_AcceptEditsAllowsLowRiskEdits(t *testing.T) {
	e := mustEngine(t, Settings{SchemaVersion: "1.0", PermissionMode: ModeAcceptEdits})
	if d := e.Evaluate(patchAction("act-10", "src/a.go"), nil); d.Outcome != OutcomeAllow {
		t.Fatalf("expected acceptEdits to allow low risk edit, got %q", d.Outcome)
	}

	risky := patchAction("act-11", "src/b.go")
	risky.Risk = 3
	if d := e.Evaluate(risky, nil); d.Outcome != OutcomeAllow {
		// risk 3 must still ask
		if d.Outcome != OutcomeAsk {
			t.Fatalf("expected ask for risk 3, got %q", d.Outcome)
		}
	} else {
		t.Fatal("expected risk 3 edit not to be auto-allowed")
	}

	if d := e.Evaluate(commandAction("act-12", "ls"), nil); d.Outcome != OutcomeAsk {
		t.Fatalf("expected acceptEdits to still ask for commands, got %q", d.Outcome)
	}
}

func TestEvaluate_BasenameGlobMatchesNestedPath(t *testing.T) {
	e := mustEngine(t, Settings{SchemaVersion: "1.0", DenyPaths: []string{".env*"}})
	if d := e.Evaluate(patchAction("act-13", "config/.env.local"), nil); d.Outcome != OutcomeDeny {
		t.Fatalf("expected basename pattern to cover nested path, got %q", d.Outcome)
	}
}

func TestNewEngine_RejectsUnknownOutcome(t *testing.T) {
	_, err := NewEngine(Settings{
		SchemaVersion: "1.0",
		Rules:         []Rule{{Name: "bad", Outcome: Outcome("maybe")}},
	})
	if !errors.Is(err, ErrConfigMalformed) {
		t.Fatalf("expected ErrConfigMalformed, got %v", err)
	}
}

func TestNewEngine_RejectsInvalidGlob(t *testing.T) {
	_, err := NewEngine(Settings{
		SchemaVersion: "1.0",
		Rules:         []Rule{{Name: "bad-glob", Predicate: Predicate{PathGlobs: []string{"[unclosed"}}, Outcome: OutcomeDeny}},
	})
	if !errors.Is(err, ErrConfigMalformed) {
		t.Fatalf("expected ErrConfigMalformed, got %v", err)
	}
}
