package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexus-cli/nexus/internal/action"
	"github.com/nexus-cli/nexus/internal/config"
	"github.com/nexus-cli/nexus/internal/policy"
)

func NewPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test the workspace policy",
	}

	cmd.AddCommand(
		newPolicyShowCmd(),
		newPolicyCheckCmd(),
	)

	return cmd
}

func newPolicyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective policy settings",
		RunE:  runPolicyShow,
	}
	cmd.Flags().Bool("json", false, "Emit the settings as JSON")
	return cmd
}

func newPolicyCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate proposed actions without executing anything",
		RunE:  runPolicyCheck,
	}
	cmd.Flags().String("proposals", "", "Path to a JSON file with proposed actions (required)")
	_ = cmd.MarkFlagRequired("proposals")
	return cmd
}

func loadWorkspaceSettings() (policy.Settings, error) {
	cfg, err := config.Load()
	if err != nil {
		return policy.Settings{}, fmt.Errorf("failed to load config: %w", err)
	}
	workspace, err := cfg.WorkspacePath()
	if err != nil {
		return policy.Settings{}, err
	}
	return policy.LoadSettings(config.SettingsPath(workspace))
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	settings, err := loadWorkspaceSettings()
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("permission_mode: %s\n", settings.PermissionMode)
	printPatterns("deny_paths", settings.DenyPaths)
	printPatterns("allow_paths_write", settings.AllowPathsWrite)
	printArgv("deny_commands", settings.DenyCommands)
	printArgv("ask_commands", settings.AskCommands)
	printArgv("allow_commands", settings.AllowCommands)
	if len(settings.Rules) > 0 {
		fmt.Printf("rules: %d custom rule(s)\n", len(settings.Rules))
	}
	return nil
}

func printPatterns(name string, patterns []string) {
	if len(patterns) == 0 {
		return
	}
	fmt.Printf("%s:\n", name)
	for _, p := range patterns {
		fmt.Printf("  %s\n", p)
	}
}

func printArgv(name string, prefixes [][]string) {
	if len(prefixes) == 0 {
		return
	}
	fmt.Printf("%s:\n", name)
	for _, p := range prefixes {
		fmt.Printf("  %s\n", strings.Join(p, " "))
	}
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	settings, err := loadWorkspaceSettings()
	if err != nil {
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

	approvalCtx := policy.NewApprovalContext("")
	for _, raw := range actions {
		a, err := action.Construct(raw)
		if err != nil {
			slog.Error("rejected malformed action", "action_id", raw.ID, "error", err)
			fmt.Printf("%-12s %s (invalid: %v)\n", "rejected", raw.ID, err)
			continue
		}
		d := engine.Evaluate(a, approvalCtx)
		fmt.Printf("%-12s %s [%s] via %s\n", d.Outcome, a.ID, a.Kind, d.MatchedRule)
	}
	return nil
}
