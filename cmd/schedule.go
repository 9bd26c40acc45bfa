package cmd

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"backup-engine/internal/backup"
	"backup-engine/internal/display"
	"backup-engine/internal/scheduler"
)

// Schedule command flags
var (
	scheduleID        string
	scheduleName      string
	scheduleType      string
	scheduleCron      string
	scheduleDisabled  bool
	scheduleEnabled   bool
	scheduleOptions   scheduler.ScheduleOptions
	scheduleNextCount int
)

// scheduleCmd represents the schedule command
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring backup schedules",
	Long: `Manage the cron schedules the daemon runs backups on.

Schedules are kept in the scheduler state file, so changes made here are
picked up the next time the daemon starts.`,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all schedules",
	Args:  cobra.NoArgs,
	RunE:  runScheduleList,
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show <schedule-id>",
	Short: "Show one schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleShow,
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a schedule",
	Long: `Create a schedule. Unset fields take defaults: a generated id, a daily
full backup at 02:00.

Examples:
  backup-engine schedule create --id nightly --type full --cron "0 1 * * *" --compress
  backup-engine schedule create --type incremental --cron "*/30 * * * *" --tables orders,order_items
  backup-engine schedule create --type files --cron "@weekly" --disabled`,
	Args: cobra.NoArgs,
	RunE: runScheduleCreate,
}

var scheduleUpdateCmd = &cobra.Command{
	Use:   "update <schedule-id>",
	Short: "Change a schedule",
	Long: `Change the fields of a schedule given on the command line. Option flags
replace the whole option set.

Examples:
  backup-engine schedule update nightly --cron "0 3 * * *"
  backup-engine schedule update nightly --compress --include-files`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleUpdate,
}

var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete <schedule-id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleDelete,
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <schedule-id>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScheduleToggle(cmd, args[0], true)
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <schedule-id>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScheduleToggle(cmd, args[0], false)
	},
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run <schedule-id>",
	Short: "Run a schedule now and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRun,
}

var scheduleStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show scheduler statistics",
	Args:  cobra.NoArgs,
	RunE:  runScheduleStats,
}

var scheduleValidateCmd = &cobra.Command{
	Use:   "validate <cron-expression>",
	Short: "Check a cron expression and print its next runs",
	Long: `Check a five-field cron expression or descriptor and print when it fires.

Examples:
  backup-engine schedule validate "0 2 * * *"
  backup-engine schedule validate "@hourly" --count 3`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleValidate,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleShowCmd)
	scheduleCmd.AddCommand(scheduleCreateCmd)
	scheduleCmd.AddCommand(scheduleUpdateCmd)
	scheduleCmd.AddCommand(scheduleDeleteCmd)
	scheduleCmd.AddCommand(scheduleEnableCmd)
	scheduleCmd.AddCommand(scheduleDisableCmd)
	scheduleCmd.AddCommand(scheduleRunCmd)
	scheduleCmd.AddCommand(scheduleStatsCmd)
	scheduleCmd.AddCommand(scheduleValidateCmd)

	for _, c := range []*cobra.Command{scheduleCreateCmd, scheduleUpdateCmd} {
		c.Flags().StringVar(&scheduleName, "name", "", "display name")
		c.Flags().StringVar(&scheduleType, "type", "", "backup type: full, incremental, files")
		c.Flags().StringVar(&scheduleCron, "cron", "", "cron expression")
		addScheduleOptionFlags(c)
	}
	scheduleCreateCmd.Flags().StringVar(&scheduleID, "id", "", "schedule id (default generated)")
	scheduleCreateCmd.Flags().BoolVar(&scheduleDisabled, "disabled", false, "create the schedule disabled")
	scheduleUpdateCmd.Flags().BoolVar(&scheduleEnabled, "enabled", true, "enable or disable the schedule")

	scheduleValidateCmd.Flags().IntVar(&scheduleNextCount, "count", 5, "number of upcoming runs to print")
}

func addScheduleOptionFlags(c *cobra.Command) {
	c.Flags().BoolVar(&scheduleOptions.IncludeFiles, "include-files", false, "full backups also take a file backup")
	c.Flags().BoolVar(&scheduleOptions.Compress, "compress", false, "compress dumps")
	c.Flags().BoolVar(&scheduleOptions.Encrypt, "encrypt", false, "encrypt dumps")
	c.Flags().BoolVar(&scheduleOptions.UploadToCloud, "upload", false, "upload artifacts to cloud storage")
	c.Flags().IntVar(&scheduleOptions.RetentionDays, "retention-days", 0, "retention recorded with the schedule")
	c.Flags().StringVar(&scheduleOptions.Comment, "comment", "", "comment stored with each backup")
	c.Flags().StringSliceVar(&scheduleOptions.Tables, "tables", nil, "tables for incremental backups")
	c.Flags().StringSliceVar(&scheduleOptions.Directories, "dirs", nil, "directories for file backups")
}

var scheduleOptionFlags = []string{"include-files", "compress", "encrypt", "upload", "retention-days", "comment", "tables", "dirs"}

// withScheduler runs fn with a loaded schedule service
func withScheduler(cmd *cobra.Command, fn func(ctx context.Context, a *app, service *scheduler.Service) error) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		service, _, err := a.newScheduler()
		if err != nil {
			return err
		}
		if err := service.Load(); err != nil {
			return err
		}
		return fn(ctx, a, service)
	})
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	return withScheduler(cmd, func(ctx context.Context, a *app, service *scheduler.Service) error {
		schedules := service.GetAllSchedules()
		if len(schedules) == 0 && !printer.Structured() {
			printer.Info("No schedules configured")
			return nil
		}

		return printer.Render(schedules, func(t *display.Table) {
			t.SetHeaders("ID", "Name", "Type", "Cron", "Enabled", "Status", "Last run", "Next run")
			for _, s := range schedules {
				t.AddRow(s.ID, s.Name, string(s.Type), s.CronExpression, strconv.FormatBool(s.Enabled),
					string(s.Status), display.FormatTime(s.LastRun), display.FormatTime(s.NextRun))
			}
		})
	})
}

func runScheduleShow(cmd *cobra.Command, args []string) error {
	return withScheduler(cmd, func(ctx context.Context, a *app, service *scheduler.Service) error {
		sched, err := service.GetSchedule(args[0])
		if err != nil {
			return err
		}
		return renderSchedule(sched)
	})
}

func runScheduleCreate(cmd *cobra.Command, args []string) error {
	enabled := !scheduleDisabled
	spec := scheduler.ScheduleSpec{
		ID:             scheduleID,
		Name:           scheduleName,
		Type:           backup.BackupType(scheduleType),
		CronExpression: scheduleCron,
		Enabled:        &enabled,
		Options:        scheduleOptions,
	}

	return withScheduler(cmd, func(ctx context.Context, a *app, service *scheduler.Service) error {
		sched, err := service.CreateSchedule(spec)
		if err != nil {
			return err
		}
		printer.Success("Schedule created: %s", sched.ID)
		return renderSchedule(sched)
	})
}

func runScheduleUpdate(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	update := scheduler.ScheduleUpdate{}
	if flags.Changed("name") {
		update.Name = &scheduleName
	}
	if flags.Changed("type") {
		typ := backup.BackupType(scheduleType)
		update.Type = &typ
	}
	if flags.Changed("cron") {
		update.CronExpression = &scheduleCron
	}
	if flags.Changed("enabled") {
		update.Enabled = &scheduleEnabled
	}
	for _, name := range scheduleOptionFlags {
		if flags.Changed(name) {
			update.Options = &scheduleOptions
			break
		}
	}

	return withScheduler(cmd, func(ctx context.Context, a *app, service *scheduler.Service) error {
		sched, err := service.UpdateSchedule(args[0], update)
		if err != nil {
			return err
		}
		printer.Success("Schedule updated: %s", sched.ID)
		return renderSchedule(sched)
	})
}

func runScheduleDelete(cmd *cobra.Command, args []string) error {
	return withScheduler(cmd, func(ctx context.Context, a *app, service *scheduler.Service) error {
		if err := service.DeleteSchedule(args[0]); err != nil {
			return err
		}
		printer.Success("Schedule deleted: %s", args[0])
		return nil
	})
}

func runScheduleToggle(cmd *cobra.Command, id string, enabled bool) error {
	return withScheduler(cmd, func(ctx context.Context, a *app, service *scheduler.Service) error {
		var (
			sched *scheduler.Schedule
			err   error
		)
		if enabled {
			sched, err = service.EnableSchedule(id)
		} else {
			sched, err = service.DisableSchedule(id)
		}
		if err != nil {
			return err
		}

		if enabled {
			printer.Success("Schedule enabled: %s (next run %s)", sched.ID, display.FormatTime(sched.NextRun))
		} else {
			printer.Success("Schedule disabled: %s", sched.ID)
		}
		return nil
	})
}

func runScheduleRun(cmd *cobra.Command, args []string) error {
	return withScheduler(cmd, func(ctx context.Context, a *app, service *scheduler.Service) error {
		printer.Info("Running schedule %s...", args[0])
		result, err := service.RunScheduleNow(ctx, args[0])
		if err != nil {
			return err
		}
		printer.Success("Schedule %s produced backup %s", args[0], result.BackupID)
		return renderResult(result)
	})
}

func runScheduleStats(cmd *cobra.Command, args []string) error {
	return withScheduler(cmd, func(ctx context.Context, a *app, service *scheduler.Service) error {
		stats := service.GetSchedulerStats()
		return printer.KeyValues(stats, [][2]string{
			{"Mode", string(stats.Mode)},
			{"Timer available", strconv.FormatBool(stats.TimerAvailable)},
			{"Total schedules", strconv.Itoa(stats.TotalSchedules)},
			{"Active", strconv.Itoa(stats.ActiveSchedules)},
			{"Running", strconv.Itoa(stats.RunningSchedules)},
			{"Errored", strconv.Itoa(stats.ErrorSchedules)},
			{"Timer jobs", strconv.Itoa(stats.TimerJobs)},
			{"Next scheduled backup", display.FormatTime(stats.NextScheduledBackup)},
		})
	})
}

type cronPreview struct {
	Expression string      `json:"expression" yaml:"expression"`
	NextRuns   []time.Time `json:"nextRuns" yaml:"next_runs"`
}

func runScheduleValidate(cmd *cobra.Command, args []string) error {
	if err := scheduler.ValidateCronExpression(args[0]); err != nil {
		return err
	}

	preview := cronPreview{Expression: args[0]}
	from := time.Now()
	for i := 0; i < scheduleNextCount; i++ {
		next, err := scheduler.NextRun(args[0], from, time.Local)
		if err != nil {
			return err
		}
		preview.NextRuns = append(preview.NextRuns, next)
		from = next
	}

	printer.Success("Valid cron expression: %s", args[0])
	return printer.Render(preview, func(t *display.Table) {
		t.SetHeaders("#", "Next run")
		t.SetColumnAlignment(0, display.AlignRight)
		for i, next := range preview.NextRuns {
			t.AddRow(strconv.Itoa(i+1), next.Format(time.RFC3339))
		}
	})
}

func renderSchedule(s *scheduler.Schedule) error {
	pairs := [][2]string{
		{"ID", s.ID},
		{"Name", s.Name},
		{"Type", string(s.Type)},
		{"Cron", s.CronExpression},
		{"Enabled", strconv.FormatBool(s.Enabled)},
		{"Status", string(s.Status)},
		{"Last run", display.FormatTime(s.LastRun)},
		{"Next run", display.FormatTime(s.NextRun)},
	}
	if s.ErrorMessage != "" {
		pairs = append(pairs, [2]string{"Error", s.ErrorMessage})
	}
	if s.Options.Comment != "" {
		pairs = append(pairs, [2]string{"Comment", s.Options.Comment})
	}
	return printer.KeyValues(s, pairs)
}
