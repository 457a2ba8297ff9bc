package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/nexus-cli/nexus/internal/action"
	"github.com/nexus-cli/nexus/internal/eventlog"
	"github.com/nexus-cli/nexus/internal/token"
)

// Dispatcher receives control actions that mutate state outside the
// filesystem: handoffs, plan patches, agenda patches. The gateway
// authorizes them the same way but hands execution over.
type Dispatcher interface {
	Dispatch(ctx context.Context, a *action.ProposedAction) (map[string]any, error)
}

// Gateway is the sole component that touches the filesystem or spawns
// processes. Everything it does flows through Apply, which refuses to
// start unless the approval token redeems against the live action.
type Gateway struct {
	workspace  string
	binder     *token.Binder
	log        *eventlog.Writer
	dispatcher Dispatcher
	logger     *slog.Logger
}

// New creates a gateway rooted at the workspace directory. dispatcher
// may be nil when no external collaborator is attached; control
// actions then fail rather than being silently dropped.
func New(workspace string, binder *token.Binder, log *eventlog.Writer, dispatcher Dispatcher) *Gateway {
	return &Gateway{
		workspace:  workspace,
		binder:     binder,
		log:        log,
		dispatcher: dispatcher,
		logger:     slog.Default().With("component", "gateway"),
	}
}

// Apply redeems the token and executes the action. Exactly one
// terminal event is appended to the run log on every path out of this
// function, and the log is synced before control returns.
func (g *Gateway) Apply(ctx context.Context, a *action.ProposedAction, t token.Token) (*ExecutionResult, error) {
	if err := g.binder.Redeem(t, a); err != nil {
		g.terminal(eventlog.PermissionDenied(g.log.RunID(), a.ID, err.Error()))
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		g.terminal(eventlog.ToolCancelled(g.log.RunID(), a.ID, "cancelled before execution"))
		return nil, err
	}

	g.logger.Info("executing action", "action_id", a.ID, "kind", a.Kind)
	result, err := g.execute(ctx, a)
	if result == nil {
		result = &ExecutionResult{ActionID: a.ID}
	}

	switch {
	case err == nil:
		g.terminal(eventlog.ToolExecuted(g.log.RunID(), a.ID, result.payload()))
	case errors.Is(err, context.Canceled):
		g.terminal(eventlog.ToolCancelled(g.log.RunID(), a.ID, "cancelled during execution"))
	default:
		g.terminal(eventlog.ToolFailed(g.log.RunID(), a.ID, err.Error()))
	}
	return result, err
}

func (g *Gateway) execute(ctx context.Context, a *action.ProposedAction) (*ExecutionResult, error) {
	switch a.Kind {
	case action.KindPatch:
		return g.applyPatch(a)
	case action.KindCommand:
		return g.runCommand(ctx, a)
	case action.KindFileCreate:
		return g.createFile(a)
	case action.KindFileRename:
		return g.renameFile(a)
	case action.KindFileDelete:
		return g.deleteFile(a)
	case action.KindHandoff, action.KindPlanPatch, action.KindAgendaPatch:
		return g.dispatch(ctx, a)
	default:
		return nil, fmt.Errorf("no executor for kind %q", a.Kind)
	}
}

func (g *Gateway) dispatch(ctx context.Context, a *action.ProposedAction) (*ExecutionResult, error) {
	if g.dispatcher == nil {
		return nil, fmt.Errorf("no dispatcher configured for kind %q", a.Kind)
	}
	extra, err := g.dispatcher.Dispatch(ctx, a)
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{ActionID: a.ID, Success: true, Extra: extra}, nil
}

// terminal appends one terminal event and forces it to disk. An
// unrecordable terminal event is worth a loud log line but must not
// mask the execution outcome.
func (g *Gateway) terminal(event eventlog.RunEvent) {
	if err := g.log.Append(event); err != nil {
		g.logger.Error("failed to append terminal event", "type", event.Type, "error", err)
		return
	}
	if err := g.log.Sync(); err != nil {
		g.logger.Error("failed to sync event log", "error", err)
	}
}

// resolve maps a workspace-relative path to an absolute one and
// confines the result to the workspace. Relative paths were already
// screened at construction; this is the second gate closest to the
// filesystem.
func (g *Gateway) resolve(rel string) (string, error) {
	if err := action.ValidatePath(rel); err != nil {
		return "", err
	}
	root := filepath.Clean(g.workspace)
	abs := filepath.Clean(filepath.Join(root, filepath.FromSlash(rel)))
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return abs, nil
}
