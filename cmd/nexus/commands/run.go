package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nexus-cli/nexus/internal/action"
	"github.com/nexus-cli/nexus/internal/config"
	"github.com/nexus-cli/nexus/internal/eventlog"
	"github.com/nexus-cli/nexus/internal/gateway"
	"github.com/nexus-cli/nexus/internal/policy"
	"github.com/nexus-cli/nexus/internal/token"
)

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a file of proposed actions through the policy gate",
		RunE:  runActions,
	}

	cmd.Flags().String("proposals", "", "Path to a JSON file with proposed actions (required)")
	cmd.Flags().String("run-id", "", "Run identifier (generated when empty)")
	cmd.Flags().String("workflow-id", "", "Workflow identifier for workflow scoped approvals")
	cmd.Flags().String("task", "", "Human readable task description for the run log")
	_ = cmd.MarkFlagRequired("proposals")

	return cmd
}

func runActions(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	workspace, err := cfg.WorkspacePath()
	if err != nil {
		return err
	}

	settings, err := policy.LoadSettings(config.SettingsPath(workspace))
	if err != nil {
		// fail closed: a malformed policy never degrades to permissive
		return err
	}
	engine, err := policy.NewEngine(settings)
	if err != nil {
		return err
	}

	proposalsPath, _ := cmd.Flags().GetString("proposals")
	actions, err := loadProposals(proposalsPath)
	if err != nil {
		return err
	}

	runID, _ := cmd.Flags().GetString("run-id")
	if runID == "" {
		runID = "run_" + uuid.NewString()
	}
	workflowID, _ := cmd.Flags().GetString("workflow-id")
	task, _ := cmd.Flags().GetString("task")

	writer, err := eventlog.OpenWriter(eventlog.NewDir(workspace), runID)
	if err != nil {
		return err
	}
	defer writer.Close()

	if err := writer.Append(eventlog.RunStarted(runID, task)); err != nil {
		return err
	}
	if err := writer.Sync(); err != nil {
		return err
	}

	binder := token.NewBinderWithTTL(time.Duration(cfg.Approval.TokenTTLMinutes) * time.Minute)
	p := &pipeline{
		engine:      engine,
		binder:      binder,
		gw:          gateway.New(workspace, binder, writer, nil),
		log:         writer,
		approver:    &terminalApprover{in: os.Stdin, out: os.Stdout},
		approvalCtx: policy.NewApprovalContext(workflowID),
		runID:       runID,
	}

	applied, cancelled := p.process(ctx, actions)

	status := "completed"
	if cancelled {
		status = "cancelled"
	}
	if err := writer.Append(eventlog.RunCompleted(runID, status, applied)); err != nil {
		return err
	}
	if err := writer.Sync(); err != nil {
		return err
	}

	fmt.Printf("Run %s %s: %d/%d actions applied.\n", runID, status, applied, len(actions))
	if cancelled {
		return context.Canceled
	}
	return nil
}

func loadProposals(path string) ([]*action.ProposedAction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read proposals: %w", err)
	}
	var actions []*action.ProposedAction
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("parse proposals: %w", err)
	}
	return actions, nil
}

// pipeline runs actions one at a time: validate, decide, collect
// approval when asked, bind, execute. One action is in flight at any
// moment; the expensive waits are the human and the subprocess.
type pipeline struct {
	engine      *policy.Engine
	binder      *token.Binder
	gw          *gateway.Gateway
	log         *eventlog.Writer
	approver    approver
	approvalCtx *policy.ApprovalContext
	runID       string
}

// process returns how many actions were applied and whether the run
// was cancelled mid-flight.
func (p *pipeline) process(ctx context.Context, actions []*action.ProposedAction) (applied int, cancelled bool) {
	for _, raw := range actions {
		if ctx.Err() != nil {
			return applied, true
		}
		a, err := action.Construct(raw)
		if err != nil {
			slog.Error("rejected malformed action", "action_id", raw.ID, "error", err)
			continue
		}
		if err := p.log.Append(eventlog.ActionProposed(p.runID, a)); err != nil {
			slog.Error("failed to record proposal", "action_id", a.ID, "error", err)
			return applied, true
		}

		switch ok, err := p.authorizeAndApply(ctx, a); {
		case errors.Is(err, context.Canceled):
			return applied, true
		case err != nil:
			slog.Error("action failed", "action_id", a.ID, "error", err)
		case ok:
			applied++
		}
	}
	return applied, false
}

func (p *pipeline) authorizeAndApply(ctx context.Context, a *action.ProposedAction) (bool, error) {
	decision := p.engine.Evaluate(a, p.approvalCtx)

	switch decision.Outcome {
	case policy.OutcomeDeny:
		p.record(eventlog.PermissionDenied(p.runID, a.ID, decision.Reason+" ("+decision.MatchedRule+")"))
		return false, nil

	case policy.OutcomeAsk:
		response, err := p.approver.Approve(ctx, a, decision)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// no token exists and nothing ran; close out the action
				p.record(eventlog.ToolCancelled(p.runID, a.ID, "cancelled while awaiting approval"))
				return false, err
			}
			return false, err
		}
		if response == approvalNo {
			p.record(eventlog.PermissionDenied(p.runID, a.ID, "declined by approver"))
			return false, nil
		}
		scope := decision.Scope
		if response == approvalAlways {
			scope = rememberScope(a)
			p.approvalCtx.Remember(a, scope)
		}
		decision = policy.Decision{Outcome: policy.OutcomeAllow, MatchedRule: decision.MatchedRule, Scope: scope}
	}

	p.record(eventlog.PermissionGranted(p.runID, a.ID, decision.MatchedRule, string(decision.Scope)))
	tok, err := p.binder.Bind(a, decision)
	if err != nil {
		return false, err
	}

	result, err := p.gw.Apply(ctx, a, tok)
	if err != nil {
		return false, err
	}
	return result != nil && result.Success, nil
}

// rememberScope picks the narrowest useful scope for an "always"
// answer: commands repeat by argv prefix, edits repeat by path.
func rememberScope(a *action.ProposedAction) policy.Scope {
	switch {
	case a.Command != nil:
		return policy.ScopeRepoArgv
	case len(a.Paths()) > 0:
		return policy.ScopeRepoPath
	default:
		return policy.ScopeSession
	}
}

func (p *pipeline) record(event eventlog.RunEvent) {
	if err := p.log.Append(event); err != nil {
		slog.Error("failed to append event", "type", event.Type, "error", err)
		return
	}
	if err := p.log.Sync(); err != nil {
		slog.Error("failed to sync event log", "error", err)
	}
}
