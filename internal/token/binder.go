package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-cli/nexus/internal/action"
	"github.com/nexus-cli/nexus/internal/policy"
)

const defaultTTL = 15 * time.Minute

var (
	// ErrFingerprintMismatch means the live action's canonical form is
	// not the one that was approved. Execution must not proceed.
	ErrFingerprintMismatch = errors.New("approval token fingerprint mismatch")
	// ErrExpired means the token's time window has elapsed.
	ErrExpired = errors.New("approval token expired")
	// ErrAlreadyConsumed means a once-scoped token was redeemed before.
	ErrAlreadyConsumed = errors.New("approval token already consumed")
	// ErrNotAllowed means the decision bound to the token did not allow
	// execution in the first place.
	ErrNotAllowed = errors.New("decision does not permit execution")
)

// Token binds an allow decision to the exact content that may execute.
type Token struct {
	ID          string
	ActionID    string
	Fingerprint string
	Scope       policy.Scope
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Fingerprint hashes the canonical byte form of an action.
func Fingerprint(a *action.ProposedAction) string {
	sum := sha256.Sum256(a.CanonicalBytes())
	return hex.EncodeToString(sum[:])
}

// Binder issues and redeems approval tokens. Consumption state is held
// in memory: tokens are process-lifetime artifacts and never survive
// the run that issued them.
type Binder struct {
	ttl      time.Duration
	now      func() time.Time
	mu       sync.Mutex
	consumed map[string]bool
}

// NewBinder creates a binder with the default token TTL.
func NewBinder() *Binder {
	return NewBinderWithTTL(defaultTTL)
}

// NewBinderWithTTL creates a binder whose tokens expire after ttl.
func NewBinderWithTTL(ttl time.Duration) *Binder {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Binder{
		ttl:      ttl,
		now:      time.Now,
		consumed: make(map[string]bool),
	}
}

// Bind issues a token for an action whose decision allows execution.
// Once-scoped tokens are single use; all tokens are time bounded.
func (b *Binder) Bind(a *action.ProposedAction, decision policy.Decision) (Token, error) {
	if decision.Outcome != policy.OutcomeAllow {
		return Token{}, fmt.Errorf("%w: outcome %q", ErrNotAllowed, decision.Outcome)
	}
	scope := decision.Scope
	if scope == "" {
		scope = policy.ScopeOnce
	}
	issued := b.now().UTC()
	return Token{
		ID:          uuid.NewString(),
		ActionID:    a.ID,
		Fingerprint: Fingerprint(a),
		Scope:       scope,
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(b.ttl),
	}, nil
}

// Redeem validates a token against the live action. The fingerprint of
// the live action must equal the token's fingerprint exactly; this is
// the defense against approve-X-execute-Y substitution. Once-scoped
// tokens are marked consumed on the first successful redemption.
func (b *Binder) Redeem(t Token, live *action.ProposedAction) error {
	if Fingerprint(live) != t.Fingerprint {
		return fmt.Errorf("%w: action %s", ErrFingerprintMismatch, live.ID)
	}
	if !t.ExpiresAt.IsZero() && b.now().UTC().After(t.ExpiresAt) {
		return fmt.Errorf("%w: token %s", ErrExpired, t.ID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumed[t.ID] {
		return fmt.Errorf("%w: token %s", ErrAlreadyConsumed, t.ID)
	}
	if t.Scope == policy.ScopeOnce {
		b.consumed[t.ID] = true
	}
	return nil
}
