package token

import (
	"errors"
	"testing"
	"time"

	"github.com/nexus-cli/nexus/internal/action"
	"github.com/nexus-cli/nexus/internal/policy"
)

func commandAction(argv ...string) *action.ProposedAction {
	return &action.ProposedAction{
		ID:      "act-1",
		Kind:    action.KindCommand,
		Summary: "run command",
		Risk:    1,
		Command: &action.CommandDetails{Argv: argv, TimeoutSeconds: 60},
	}
}

func allowDecision(scope policy.Scope) policy.Decision {
	return policy.Decision{Outcome: policy.OutcomeAllow, MatchedRule: "test", Scope: scope}
}

func TestBind_RequiresAllowOutcome(t *testing.T) {
	b := NewBinder()
	_, err := b.Bind(commandAction("ls"), policy.Decision{Outcome: policy.OutcomeDeny})
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
}

func TestRedeem_Succeeds(t *testing.T) {
	b := NewBinder()
	a := commandAction("go", "test")
	tok, err := b.Bind(a, allowDecision(policy.ScopeOnce))
	if err != nil {
		t.Fatalf("Bind error: %v", err)
	}
	if err := b.Redeem(tok, a); err != nil {
		t.Fatalf("Redeem error: %v", err)
	}
}

func TestRedeem_FingerprintMismatch(t *testing.T) {
	b := NewBinder()
	approved := commandAction("go", "test", "./...")
	tok, err := b.Bind(approved, allowDecision(policy.ScopeOnce))
	if err != nil {
		t.Fatalf("Bind error: %v", err)
	}

	substituted := commandAction("go", "test", "./...", "-run", "TestNothing")
	if err := b.Redeem(tok, substituted); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch, got %v", err)
	}
}

func TestRedeem_AlteredDiffRejected(t *testing.T) {
	b := NewBinder()
	approved := &action.ProposedAction{
		ID:      "act-2",
		Kind:    action.KindPatch,
		Summary: "edit",
		Risk:    1,
		Patch:   &action.PatchDetails{Format: action.FormatUnified, Diff: "--- a/x\n+++ b/x\n@@ -1 +1 @@\n-a\n+b\n"},
	}
	tok, err := b.Bind(approved, allowDecision(policy.ScopeOnce))
	if err != nil {
		t.Fatalf("Bind error: %v", err)
	}

	live := *approved
	altered := *approved.Patch
	altered.Diff = "--- a/x\n+++ b/x\n@@ -1 +1 @@\n-a\n+c\n"
	live.Patch = &altered
	if err := b.Redeem(tok, &live); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch for altered diff, got %v", err)
	}
}

func TestRedeem_OnceTokenSingleUse(t *testing.T) {
	b := NewBinder()
	a := commandAction("ls")
	tok, err := b.Bind(a, allowDecision(policy.ScopeOnce))
	if err != nil {
		t.Fatalf("Bind error: %v", err)
	}
	if err := b.Redeem(tok, a); err != nil {
		t.Fatalf("first Redeem error: %v", err)
	}
	if err := b.Redeem(tok, a); !errors.Is(err, ErrAlreadyConsumed) {
		t.Fatalf("expected ErrAlreadyConsumed on second redemption, got %v", err)
	}
}

func TestRedeem_SessionScopeReusable(t *testing.T) {
	b := NewBinder()
	a := commandAction("go", "vet")
	tok, err := b.Bind(a, allowDecision(policy.ScopeSession))
	if err != nil {
		t.Fatalf("Bind error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := b.Redeem(tok, a); err != nil {
			t.Fatalf("redeem %d error: %v", i, err)
		}
	}
}

func TestRedeem_Expired(t *testing.T) {
	b := NewBinder()
	current := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }

	a := commandAction("ls")
	tok, err := b.Bind(a, allowDecision(policy.ScopeOnce))
	if err != nil {
		t.Fatalf("Bind error: %v", err)
	}

	current = current.Add(16 * time.Minute)
	if err := b.Redeem(tok, a); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestRedeem_MismatchBeatsConsumption(t *testing.T) {
	b := NewBinder()
	a := commandAction("ls")
	tok, err := b.Bind(a, allowDecision(policy.ScopeOnce))
	if err != nil {
		t.Fatalf("Bind error: %v", err)
	}

	other := commandAction("ls", "-la")
	if err := b.Redeem(tok, other); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	// the failed attempt must not consume the token
	if err := b.Redeem(tok, a); err != nil {
		t.Fatalf("expected token still redeemable, got %v", err)
	}
}
