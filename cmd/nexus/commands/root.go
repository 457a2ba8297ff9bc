package commands

import (
	"github.com/nexus-cli/nexus/internal/config"
	"github.com/spf13/cobra"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nexus",
		Short: "Nexus - policy gated action runner",
		Long:  `Nexus validates proposed actions, gates them through a policy engine, and executes approved ones with a full audit trail.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" {
				return configureLogger(config.DefaultConfig(), logLevelOverride)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewInitCmd(),
		NewRunCmd(),
		NewResumeCmd(),
		NewEventsCmd(),
		NewPolicyCmd(),
		NewVersionCmd(),
	)

	return cmd
}
