package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nexus-cli/nexus/internal/config"
	"github.com/nexus-cli/nexus/internal/eventlog"
)

func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print a run's event log",
		Args:  cobra.ExactArgs(1),
		RunE:  runEvents,
	}
	cmd.Flags().Bool("json", false, "Emit raw JSON lines instead of a summary")
	cmd.Flags().Bool("strict", false, "Fail on the first malformed line instead of skipping it")
	return cmd
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	workspace, err := cfg.WorkspacePath()
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	strict, _ := cmd.Flags().GetBool("strict")

	reader, err := eventlog.OpenReader(eventlog.NewDir(workspace), args[0])
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		event, err, more := reader.Next()
		if !more {
			return nil
		}
		if err != nil {
			var lineErr *eventlog.LineError
			if errors.As(err, &lineErr) && !strict {
				fmt.Fprintf(os.Stderr, "warning: %v\n", lineErr)
				continue
			}
			return err
		}
		if asJSON {
			line, err := json.Marshal(event)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
			continue
		}
		fmt.Printf("%6d  %s  %-20s", event.EventSeq, event.Time.Format("15:04:05"), event.Type)
		if id, ok := event.Payload["action_id"].(string); ok {
			fmt.Printf("  %s", id)
		}
		fmt.Println()
	}
}
