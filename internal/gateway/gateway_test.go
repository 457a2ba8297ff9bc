package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nexus-cli/nexus/internal/action"
	"github.com/nexus-cli/nexus/internal/eventlog"
	"github.com/nexus-cli/nexus/internal/policy"
	"github.com/nexus-cli/nexus/internal/token"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFullGateway(t *testing.T) (*Gateway, *token.Binder, string, string) {
	t.Helper()
	workspace := t.TempDir()
	runID := "run-1"
	w, err := eventlog.OpenWriter(eventlog.NewDir(workspace), runID)
	if err != nil {
		t.Fatalf("OpenWriter error: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	binder := token.NewBinder()
	g := New(workspace, binder, w, nil)
	g.logger = discardLogger()
	return g, binder, workspace, runID
}

func bindOnce(t *testing.T, b *token.Binder, a *action.ProposedAction) token.Token {
	t.Helper()
	tok, err := b.Bind(a, policy.Decision{Outcome: policy.OutcomeAllow, MatchedRule: "test", Scope: policy.ScopeOnce})
	if err != nil {
		t.Fatalf("Bind error: %v", err)
	}
	return tok
}

func loadEvents(t *testing.T, workspace, runID string) []eventlog.RunEvent {
	t.Helper()
	r, err := eventlog.OpenReader(eventlog.NewDir(workspace), runID)
	if err != nil {
		t.Fatalf("OpenReader error: %v", err)
	}
	defer r.Close()
	events, err := r.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll error: %v", err)
	}
	return events
}

func terminalEvents(events []eventlog.RunEvent) []eventlog.RunEvent {
	var out []eventlog.RunEvent
	for _, e := range events {
		if eventlog.TerminalTypes[e.Type] {
			out = append(out, e)
		}
	}
	return out
}

func TestApply_SuccessWritesOneTerminalEvent(t *testing.T) {
	g, binder, workspace, runID := newFullGateway(t)
	a := &action.ProposedAction{
		ID: "act-1", Kind: action.KindFileCreate, Summary: "create", Risk: 1,
		FileCreate: &action.FileCreateDetails{Path: "out.txt", Content: "hi"},
	}
	tok := bindOnce(t, binder, a)

	result, err := g.Apply(context.Background(), a, tok)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success")
	}

	events := terminalEvents(loadEvents(t, workspace, runID))
	if len(events) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", len(events))
	}
	if events[0].Type != eventlog.TypeToolExecuted {
		t.Fatalf("expected tool.executed, got %q", events[0].Type)
	}
	if got := readFile(t, workspace, "out.txt"); got != "hi" {
		t.Fatalf("unexpected file content %q", got)
	}
}

func TestApply_MismatchedTokenNeverExecutes(t *testing.T) {
	g, binder, workspace, runID := newFullGateway(t)
	approved := &action.ProposedAction{
		ID: "act-1", Kind: action.KindFileCreate, Summary: "create", Risk: 1,
		FileCreate: &action.FileCreateDetails{Path: "safe.txt", Content: "safe"},
	}
	tok := bindOnce(t, binder, approved)

	substituted := &action.ProposedAction{
		ID: "act-1", Kind: action.KindFileCreate, Summary: "create", Risk: 1,
		FileCreate: &action.FileCreateDetails{Path: "evil.txt", Content: "evil"},
	}
	_, err := g.Apply(context.Background(), substituted, tok)
	if !errors.Is(err, token.ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}

	if _, statErr := os.Stat(filepath.Join(workspace, "evil.txt")); !os.IsNotExist(statErr) {
		t.Fatal("substituted action must not execute")
	}
	events := terminalEvents(loadEvents(t, workspace, runID))
	if len(events) != 1 || events[0].Type != eventlog.TypePermissionDenied {
		t.Fatalf("expected one permission.denied terminal event, got %+v", events)
	}
}

func TestApply_FailureWritesToolFailed(t *testing.T) {
	g, binder, workspace, runID := newFullGateway(t)
	a := &action.ProposedAction{
		ID: "act-1", Kind: action.KindCommand, Summary: "fail", Risk: 1,
		Command: &action.CommandDetails{Argv: []string{"sh", "-c", "exit 1"}, TimeoutSeconds: 30},
	}
	tok := bindOnce(t, binder, a)

	if _, err := g.Apply(context.Background(), a, tok); !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected ErrCommandFailed, got %v", err)
	}
	events := terminalEvents(loadEvents(t, workspace, runID))
	if len(events) != 1 || events[0].Type != eventlog.TypeToolFailed {
		t.Fatalf("expected one tool.failed terminal event, got %+v", events)
	}
}

func TestApply_CancelledContextWritesToolCancelled(t *testing.T) {
	g, binder, workspace, runID := newFullGateway(t)
	a := &action.ProposedAction{
		ID: "act-1", Kind: action.KindFileCreate, Summary: "create", Risk: 1,
		FileCreate: &action.FileCreateDetails{Path: "never.txt", Content: "x"},
	}
	tok := bindOnce(t, binder, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Apply(ctx, a, tok); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if _, statErr := os.Stat(filepath.Join(workspace, "never.txt")); !os.IsNotExist(statErr) {
		t.Fatal("cancelled action must not execute")
	}
	events := terminalEvents(loadEvents(t, workspace, runID))
	if len(events) != 1 || events[0].Type != eventlog.TypeToolCancelled {
		t.Fatalf("expected one tool.cancelled terminal event, got %+v", events)
	}
}

func TestApply_NoDispatcherControlActionFails(t *testing.T) {
	g, binder, workspace, runID := newFullGateway(t)
	a := &action.ProposedAction{
		ID: "act-1", Kind: action.KindHandoff, Summary: "hand off", Risk: 0,
		Handoff: &action.HandoffDetails{From: action.RoleExecutor, To: action.RoleReviewer, Reason: "done"},
	}
	tok := bindOnce(t, binder, a)

	if _, err := g.Apply(context.Background(), a, tok); err == nil {
		t.Fatal("expected error without a dispatcher")
	}
	events := terminalEvents(loadEvents(t, workspace, runID))
	if len(events) != 1 || events[0].Type != eventlog.TypeToolFailed {
		t.Fatalf("expected one tool.failed terminal event, got %+v", events)
	}
}

type stubDispatcher struct {
	called bool
}

func (s *stubDispatcher) Dispatch(ctx context.Context, a *action.ProposedAction) (map[string]any, error) {
	s.called = true
	return map[string]any{"to": "reviewer"}, nil
}

func TestApply_DispatchesControlActions(t *testing.T) {
	g, binder, _, _ := newFullGateway(t)
	dispatcher := &stubDispatcher{}
	g.dispatcher = dispatcher

	a := &action.ProposedAction{
		ID: "act-1", Kind: action.KindHandoff, Summary: "hand off", Risk: 0,
		Handoff: &action.HandoffDetails{From: action.RoleExecutor, To: action.RoleReviewer, Reason: "done"},
	}
	tok := bindOnce(t, binder, a)

	result, err := g.Apply(context.Background(), a, tok)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if !dispatcher.called {
		t.Fatal("expected dispatcher to be invoked")
	}
	if result.Extra["to"] != "reviewer" {
		t.Fatalf("expected dispatcher payload in result, got %+v", result.Extra)
	}
}

func TestDeleteFile_ExpectedHashMismatch(t *testing.T) {
	g, workspace := newPatchGateway(t)
	writeFile(t, workspace, "keep.txt", "live content")

	wrongSum := sha256.Sum256([]byte("reviewed content"))
	_, err := g.deleteFile(&action.ProposedAction{
		ID: "act-1", Kind: action.KindFileDelete, Summary: "delete", Risk: 2,
		FileDelete: &action.FileDeleteDetails{Path: "keep.txt", ExpectedSHA256: hex.EncodeToString(wrongSum[:])},
	})
	if err == nil {
		t.Fatal("expected hash mismatch to block deletion")
	}
	if _, statErr := os.Stat(filepath.Join(workspace, "keep.txt")); statErr != nil {
		t.Fatal("file must survive a blocked delete")
	}
}

func TestRenameFile_TargetExists(t *testing.T) {
	g, workspace := newPatchGateway(t)
	writeFile(t, workspace, "a.txt", "a")
	writeFile(t, workspace, "b.txt", "b")

	_, err := g.renameFile(&action.ProposedAction{
		ID: "act-1", Kind: action.KindFileRename, Summary: "rename", Risk: 1,
		FileRename: &action.FileRenameDetails{OldPath: "a.txt", NewPath: "b.txt"},
	})
	if err == nil {
		t.Fatal("expected rename onto existing target to fail without overwrite")
	}
}

func TestCreateFile_IgnoreIfExists(t *testing.T) {
	g, workspace := newPatchGateway(t)
	writeFile(t, workspace, "existing.txt", "original")

	result, err := g.createFile(&action.ProposedAction{
		ID: "act-1", Kind: action.KindFileCreate, Summary: "create", Risk: 1,
		FileCreate: &action.FileCreateDetails{Path: "existing.txt", Content: "new", IgnoreIfExists: true},
	})
	if err != nil {
		t.Fatalf("createFile error: %v", err)
	}
	if result.Files[0].Status != StatusSkipped {
		t.Fatalf("expected skipped, got %q", result.Files[0].Status)
	}
	if got := readFile(t, workspace, "existing.txt"); got != "original" {
		t.Fatalf("expected original content kept, got %q", got)
	}
}
