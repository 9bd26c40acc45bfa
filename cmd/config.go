package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"backup-engine/internal/backup"
	"backup-engine/internal/scheduler"
)

var configForce bool

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create and inspect the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter configuration file",
	Long: `Write a starter configuration file with the backup and scheduler sections
and the default schedules.

Examples:
  backup-engine config init
  backup-engine config init /etc/backup-engine.yaml --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Long: `Print the configuration after the file, environment variables and
defaults are merged. Passwords and keys are redacted.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "backup-engine.yaml"
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil && !configForce {
		return backup.NewConflictError(fmt.Sprintf("%s already exists, use --force to overwrite", path), nil)
	}

	backupSection, err := backup.GenerateDefaultConfigYAML()
	if err != nil {
		return err
	}
	schedulerSection, err := scheduler.GenerateDefaultConfigYAML()
	if err != nil {
		return err
	}

	content := append(backupSection, '\n')
	content = append(content, schedulerSection...)
	if err := os.WriteFile(path, content, 0600); err != nil {
		return backup.NewStorageError(fmt.Sprintf("failed to write %s", path), err)
	}

	printer.Success("Configuration written to %s", path)
	return nil
}

type effectiveConfig struct {
	Backup    *backup.Config    `json:"backup" yaml:"backup"`
	Scheduler *scheduler.Config `json:"scheduler" yaml:"scheduler"`
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	backupConfig, err := backup.NewConfigLoader(configPath()).LoadConfig()
	if err != nil {
		return err
	}
	schedulerConfig, err := scheduler.LoadConfig(configPath())
	if err != nil {
		return err
	}

	effective := effectiveConfig{
		Backup:    backupConfig.Redacted(),
		Scheduler: schedulerConfig,
	}
	if printer.Structured() {
		return printer.Render(effective, nil)
	}

	if path := configPath(); path != "" {
		printer.Info("Config file: %s", path)
	} else {
		printer.Info("No config file, showing environment and defaults")
	}
	data, err := yaml.Marshal(effective)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
