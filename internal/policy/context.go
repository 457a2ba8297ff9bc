package policy

import (
	"sort"
	"strings"

	"github.com/nexus-cli/nexus/internal/action"
)

// grant is one remembered approval.
type grant struct {
	Scope Scope
	key   string
	paths []string
	argv  []string
}

// ApprovalContext carries remembered approvals and autopilot batch
// accounting for a single run. It is passed explicitly into every
// Evaluate call; two runs in one process never share a context.
type ApprovalContext struct {
	grants     []grant
	workflowID string
	batchSteps int
	batchCU    int
}

// NewApprovalContext creates an empty context. workflowID scopes
// workflow-instance grants; it may be empty when the run has no
// workflow.
func NewApprovalContext(workflowID string) *ApprovalContext {
	return &ApprovalContext{workflowID: workflowID}
}

// Remember records a confirmed approval at the given scope. Once-scoped
// approvals are not remembered; their reuse control lives in the token.
func (c *ApprovalContext) Remember(a *action.ProposedAction, scope Scope) {
	if c == nil || scope == ScopeOnce || scope == "" {
		return
	}
	g := grant{Scope: scope}
	switch scope {
	case ScopeSession, ScopeRepo:
		g.key = string(scope)
	case ScopeRepoPath:
		g.paths = append([]string(nil), a.Paths()...)
		sort.Strings(g.paths)
		g.key = "path:" + strings.Join(g.paths, ",")
	case ScopeRepoArgv:
		if a.Command == nil {
			return
		}
		g.argv = append([]string(nil), a.Command.Argv...)
		g.key = "argv:" + strings.Join(g.argv, " ")
	case ScopeWorkflow:
		if c.workflowID == "" {
			return
		}
		g.key = "workflow:" + c.workflowID
	}
	c.grants = append(c.grants, g)
}

func (c *ApprovalContext) covering(a *action.ProposedAction) (grant, bool) {
	for _, g := range c.grants {
		if g.covers(a, c.workflowID) {
			return g, true
		}
	}
	return grant{}, false
}

func (g *grant) covers(a *action.ProposedAction, workflowID string) bool {
	switch g.Scope {
	case ScopeSession, ScopeRepo:
		return true
	case ScopeRepoPath:
		touched := a.Paths()
		if len(touched) == 0 {
			return false
		}
		for _, p := range touched {
			if !containsString(g.paths, p) {
				return false
			}
		}
		return true
	case ScopeRepoArgv:
		return a.Command != nil && argvHasPrefix(a.Command.Argv, g.argv)
	case ScopeWorkflow:
		return workflowID != "" && g.key == "workflow:"+workflowID
	}
	return false
}

func (c *ApprovalContext) batchWithin(cfg AutopilotConfig) bool {
	if cfg.MaxBatchSteps > 0 && c.batchSteps >= cfg.MaxBatchSteps {
		return false
	}
	if cfg.MaxBatchCU > 0 && c.batchCU >= cfg.MaxBatchCU {
		return false
	}
	return true
}

// consumeBatchStep charges one autopilot step; risk weights the compute
// unit cost so risky actions exhaust the batch faster.
func (c *ApprovalContext) consumeBatchStep(risk int) {
	c.batchSteps++
	c.batchCU += 1 + risk
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
