package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexus-cli/nexus/internal/config"
	"github.com/nexus-cli/nexus/internal/eventlog"
)

func NewResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Inspect an interrupted run and list actions still pending",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	workspace, err := cfg.WorkspacePath()
	if err != nil {
		return err
	}

	state, err := eventlog.Load(eventlog.NewDir(workspace), args[0])
	if err != nil {
		return err
	}

	if state.Completed {
		fmt.Printf("Run %s completed at event %d. Nothing to resume.\n", state.RunID, state.LastSeq)
		return nil
	}
	if len(state.Pending) == 0 {
		fmt.Printf("Run %s was interrupted at event %d but has no pending actions.\n", state.RunID, state.LastSeq)
		return nil
	}

	fmt.Printf("Run %s has %d pending action(s); last event %d.\n", state.RunID, len(state.Pending), state.LastSeq)
	fmt.Println("Pending actions require fresh policy evaluation and approval:")
	for _, p := range state.Pending {
		fmt.Printf("  %s [%s] %s (proposed at event %d)\n", p.ActionID, p.Kind, p.Summary, p.Seq)
	}
	return nil
}
