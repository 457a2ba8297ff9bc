package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/nexus-cli/nexus/internal/action"
)

// maxCapturedOutput bounds what gets carried into the event log per
// stream. Subprocess output is unbounded; log lines are not.
const maxCapturedOutput = 64 * 1024

// runCommand executes the literal argv. No shell is involved at any
// point, so the approved vector is exactly what runs. The environment
// starts empty and inherits only the allow-listed names.
func (g *Gateway) runCommand(ctx context.Context, a *action.ProposedAction) (*ExecutionResult, error) {
	d := a.Command
	result := &ExecutionResult{ActionID: a.ID}

	cwd := g.workspace
	if d.Cwd != "" {
		abs, err := g.resolve(d.Cwd)
		if err != nil {
			return result, err
		}
		cwd = abs
	}

	timeout := time.Duration(d.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, d.Argv[0], d.Argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = allowedEnv(d.EnvAllow)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	result.DurationMS = time.Since(started).Milliseconds()
	result.Stdout = truncate(stdout.String())
	result.Stderr = truncate(stderr.String())

	if err != nil {
		if ctx.Err() != nil {
			// parent cancellation, not the command's own timeout
			return result, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("%w after %ds: %s", ErrCommandTimeout, d.TimeoutSeconds, strings.Join(d.Argv, " "))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, fmt.Errorf("%w: exit code %d", ErrCommandFailed, result.ExitCode)
		}
		return result, fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}

	result.Success = true
	return result, nil
}

// allowedEnv builds the subprocess environment from the allow-list.
// PATH and HOME are always inherited, per the CommandDetails contract;
// everything else must be named in env_allow.
func allowedEnv(allow []string) []string {
	names := map[string]bool{"PATH": true, "HOME": true}
	for _, n := range allow {
		names[n] = true
	}
	var env []string
	for name := range names {
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return env
}

func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput] + "\n[output truncated]"
}
