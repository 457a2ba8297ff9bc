package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nexus-cli/nexus/internal/config"
	"github.com/nexus-cli/nexus/internal/policy"
)

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the default config and workspace policy settings",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if _, err := os.Stat(config.ConfigPath()); os.IsNotExist(err) {
		if err := config.Save(cfg); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("Wrote %s\n", config.ConfigPath())
	} else {
		fmt.Printf("Config already exists at %s\n", config.ConfigPath())
	}

	workspace, err := cfg.WorkspacePath()
	if err != nil {
		return err
	}
	settingsPath := config.SettingsPath(workspace)
	if _, err := os.Stat(settingsPath); err == nil {
		fmt.Printf("Policy settings already exist at %s\n", settingsPath)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(settingsPath), 0755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	data, err := json.MarshalIndent(policy.DefaultSettings(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(settingsPath, data, 0644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	fmt.Printf("Wrote %s\n", settingsPath)
	return nil
}
