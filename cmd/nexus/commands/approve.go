package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/nexus-cli/nexus/internal/action"
	"github.com/nexus-cli/nexus/internal/policy"
)

// approvalResponse is what the interactive collaborator answered.
type approvalResponse int

const (
	approvalNo approvalResponse = iota
	approvalYes
	approvalAlways
)

// approver collects a human decision for an ask outcome. Implemented
// by the terminal prompt here and by stubs in tests.
type approver interface {
	Approve(ctx context.Context, a *action.ProposedAction, d policy.Decision) (approvalResponse, error)
}

// terminalApprover prompts on the controlling terminal. The read runs
// in a goroutine so a cancelled context aborts the wait; in that case
// no token is ever issued and nothing executes.
type terminalApprover struct {
	in  io.Reader
	out io.Writer
}

func (t *terminalApprover) Approve(ctx context.Context, a *action.ProposedAction, d policy.Decision) (approvalResponse, error) {
	fmt.Fprintf(t.out, "\n%s [%s] risk=%d\n  %s\n", a.ID, a.Kind, a.Risk, a.Summary)
	if a.Why != "" {
		fmt.Fprintf(t.out, "  why: %s\n", a.Why)
	}
	for _, p := range a.Paths() {
		fmt.Fprintf(t.out, "  touches: %s\n", p)
	}
	if a.Command != nil {
		fmt.Fprintf(t.out, "  argv: %s\n", strings.Join(a.Command.Argv, " "))
	}
	fmt.Fprintf(t.out, "Approve? [y]es / [a]lways / [N]o: ")

	type answer struct {
		text string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		reader := bufio.NewReader(t.in)
		text, err := reader.ReadString('\n')
		ch <- answer{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return approvalNo, ctx.Err()
	case ans := <-ch:
		if ans.err != nil && ans.text == "" {
			return approvalNo, ans.err
		}
		switch strings.ToLower(strings.TrimSpace(ans.text)) {
		case "y", "yes":
			return approvalYes, nil
		case "a", "always":
			return approvalAlways, nil
		default:
			return approvalNo, nil
		}
	}
}
