package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"backup-engine/internal/backup"
	"backup-engine/internal/display"
	apperrors "backup-engine/internal/errors"
	"backup-engine/internal/logging"
)

var cfgFile string

// CLI flag variables
var (
	logLevel      string
	logFormat     string
	logFile       string
	noColor       bool
	theme         string
	outputFormat  string
	tableStyle    string
	maxTableWidth int
	assumeYes     bool
)

// Exit codes
const (
	exitGeneral       = 1
	exitConfiguration = 2
	exitConflict      = 3
	exitNotFound      = 4
	exitIntegrity     = 5
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "backup-engine",
	Short: "Backup, integrity and recovery engine for the shop database and files",
	Long: `backup-engine creates full, incremental and file backups of the shop,
verifies them, restores them, and runs them on cron schedules.

Database backups are taken with pg_dump/mysqldump against DATABASE_URL. File
backups archive the upload, log and metadata directories. Every artifact is
checksummed and described by a JSON metadata record next to it.

Examples:
  # Take a compressed full backup including files
  backup-engine backup full --compress --include-files

  # List backups as JSON
  backup-engine backup list --output json

  # Restore the database to how it was at a point in time
  backup-engine restore pitr 2024-03-10T14:00:00Z --verify

  # Run the scheduler with a metrics endpoint
  backup-engine daemon --metrics-addr :9090`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupOutput,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", userMessage(err))
		os.Exit(exitCode(err))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./backup-engine.yaml or $HOME/.backup-engine.yaml)")
	flags.StringVar(&logLevel, "log-level", "normal", "log level: quiet, normal, verbose, debug")
	flags.StringVar(&logFormat, "log-format", "text", "log format: text, json")
	flags.StringVar(&logFile, "log-file", "", "also write logs to this file")
	flags.BoolVar(&noColor, "no-color", false, "disable color output")
	flags.StringVar(&theme, "theme", "auto", "color theme: auto, dark, light, high-contrast, plain")
	flags.StringVarP(&outputFormat, "output", "o", "table", "output format: table, json, yaml")
	flags.StringVar(&tableStyle, "table-style", "default", "table style: default, rounded, compact, grid")
	flags.IntVar(&maxTableWidth, "max-table-width", 0, "maximum table width (40-300, 0 = terminal width)")
	flags.BoolVarP(&assumeYes, "yes", "y", false, "approve destructive operations without prompting")

	viper.BindPFlag("log.level", flags.Lookup("log-level"))
	viper.BindPFlag("log.format", flags.Lookup("log-format"))
	viper.BindPFlag("log.file", flags.Lookup("log-file"))
	viper.BindPFlag("display.no_color", flags.Lookup("no-color"))
	viper.BindPFlag("display.theme", flags.Lookup("theme"))
	viper.BindPFlag("display.output_format", flags.Lookup("output"))
	viper.BindPFlag("display.table_style", flags.Lookup("table-style"))
	viper.BindPFlag("display.max_table_width", flags.Lookup("max-table-width"))

	rootCmd.AddCommand(createVersionCommand())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName("backup-engine")
	}

	viper.SetEnvPrefix("BACKUP_ENGINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if cfgFile == "" {
			// look for the dot-file variant in $HOME
			viper.SetConfigName(".backup-engine")
			viper.ReadInConfig()
		}
	}
}

// configPath is the YAML file the engine and scheduler sections are read
// from. Empty means environment and defaults only.
func configPath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		if _, err := os.Stat(used); err == nil {
			return used
		}
	}
	return cfgFile
}

var (
	appLogger *logging.Logger
	printer   *display.Printer
)

// setupOutput builds the logger and printer from flags, environment and
// the logging/display sections of the config file.
func setupOutput(cmd *cobra.Command, args []string) error {
	level, err := logging.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return backup.NewConfigurationError("invalid --log-level", err)
	}

	appLogger, err = logging.NewLogger(logging.Config{
		Level:   level,
		Output:  os.Stderr,
		Format:  viper.GetString("log.format"),
		LogFile: viper.GetString("log.file"),
	})
	if err != nil {
		return backup.NewConfigurationError("failed to create logger", err)
	}

	displayConfig := &display.Config{
		ColorEnabled:  !viper.GetBool("display.no_color"),
		Theme:         viper.GetString("display.theme"),
		OutputFormat:  viper.GetString("display.output_format"),
		TableStyle:    viper.GetString("display.table_style"),
		MaxTableWidth: viper.GetInt("display.max_table_width"),
	}
	displayConfig.SetDefaults()
	if err := displayConfig.Validate(); err != nil {
		return backup.NewConfigurationError("display configuration validation failed", err)
	}
	printer = display.NewPrinter(displayConfig)

	if used := viper.ConfigFileUsed(); used != "" {
		appLogger.WithField("config_file", used).Debug("Using config file")
	}
	return nil
}

// userMessage renders err for the terminal
func userMessage(err error) string {
	if backup.ErrorType(err) != "" {
		return err.Error()
	}
	return apperrors.FormatUserError(apperrors.NewErrorClassifier().ClassifyError(err))
}

func exitCode(err error) int {
	switch backup.ErrorType(err) {
	case backup.BackupErrorTypeConfiguration, backup.BackupErrorTypeValidation, backup.BackupErrorTypePreflight:
		return exitConfiguration
	case backup.BackupErrorTypeConflict:
		return exitConflict
	case backup.BackupErrorTypeNotFound:
		return exitNotFound
	case backup.BackupErrorTypeIntegrity:
		return exitIntegrity
	default:
		return exitGeneral
	}
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backup-engine version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}
