package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"backup-engine/internal/backup"
	"backup-engine/internal/confirmation"
	"backup-engine/internal/display"
)

// Backup command flags
var (
	fullIncludeFiles bool
	fullCompress     bool
	fullEncrypt      bool
	fullUpload       bool
	backupComment    string

	incrementalSince    string
	incrementalTables   []string
	incrementalCompress bool

	filesID       string
	filesDirs     []string
	filesExcludes []string

	listType   string
	listStatus string
	listLimit  int
	listOffset int
)

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list and manage backups",
	Long: `Create, list and manage database and file backups.

Only one backup runs at a time; a second request while one is running fails
with a conflict error.`,
}

var backupFullCmd = &cobra.Command{
	Use:   "full",
	Short: "Create a full database backup",
	Long: `Create a full database backup with pg_dump or mysqldump.

The dump is verified and checksummed before its metadata record is written.
With --include-files a file backup is taken afterwards; its failure does not
fail the database backup.

Examples:
  backup-engine backup full
  backup-engine backup full --compress --include-files --comment "before migration"
  backup-engine backup full --encrypt --upload`,
	Args: cobra.NoArgs,
	RunE: runBackupFull,
}

var backupIncrementalCmd = &cobra.Command{
	Use:   "incremental",
	Short: "Create an incremental (data-only) backup",
	Long: `Create a data-only backup of the selected tables.

The backup records the time window it claims to cover (--since, default 24
hours ago). Point-in-time recovery replays incrementals in timestamp order on
top of the newest full backup.

Examples:
  backup-engine backup incremental
  backup-engine backup incremental --since 2024-03-10T00:00:00Z --tables orders,order_items`,
	Args: cobra.NoArgs,
	RunE: runBackupIncremental,
}

var backupFilesCmd = &cobra.Command{
	Use:   "files",
	Short: "Archive the configured directories",
	Long: `Create a gzip-compressed tar archive of the configured directories.

Missing directories are skipped with a warning. Exclude patterns are matched
against file names and relative paths.

Examples:
  backup-engine backup files
  backup-engine backup files --dir ./uploads --dir ./public --exclude "*.tmp"`,
	Args: cobra.NoArgs,
	RunE: runBackupFiles,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	Long: `List completed backups from the metadata store, newest first.

Examples:
  backup-engine backup list
  backup-engine backup list --type full --limit 10
  backup-engine backup list --output json`,
	Args: cobra.NoArgs,
	RunE: runBackupList,
}

var backupShowCmd = &cobra.Command{
	Use:   "show <backup-id>",
	Short: "Show the metadata of one backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupShow,
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <backup-id>",
	Short: "Delete a backup artifact and its metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupDelete,
}

var backupExportCmd = &cobra.Command{
	Use:   "export <backup-id> <destination>",
	Short: "Copy a backup artifact to a file or directory",
	Long: `Copy a backup artifact out of the backup directory.

When destination is an existing directory the artifact keeps its file name.

Examples:
  backup-engine backup export backup_1710036000000_ab12cd /mnt/offsite/
  backup-engine backup export backup_1710036000000_ab12cd ./latest.sql.gz`,
	Args: cobra.ExactArgs(2),
	RunE: runBackupExport,
}

var backupStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backup totals, the latest backup and the next scheduled run",
	Args:  cobra.NoArgs,
	RunE:  runBackupStatus,
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete backups older than the retention period",
	Args:  cobra.NoArgs,
	RunE:  runBackupCleanup,
}

var backupPreflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check external tools, the backup directory and free space",
	Args:  cobra.NoArgs,
	RunE:  runBackupPreflight,
}

var backupAnalyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Summarize backup sizes, types and health",
	Args:  cobra.NoArgs,
	RunE:  runBackupAnalytics,
}

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(backupFullCmd)
	backupCmd.AddCommand(backupIncrementalCmd)
	backupCmd.AddCommand(backupFilesCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupShowCmd)
	backupCmd.AddCommand(backupDeleteCmd)
	backupCmd.AddCommand(backupExportCmd)
	backupCmd.AddCommand(backupStatusCmd)
	backupCmd.AddCommand(backupCleanupCmd)
	backupCmd.AddCommand(backupPreflightCmd)
	backupCmd.AddCommand(backupAnalyticsCmd)

	backupFullCmd.Flags().BoolVar(&fullIncludeFiles, "include-files", false, "also take a file backup")
	backupFullCmd.Flags().BoolVar(&fullCompress, "compress", false, "compress the dump")
	backupFullCmd.Flags().BoolVar(&fullEncrypt, "encrypt", false, "encrypt the dump with the configured key")
	backupFullCmd.Flags().BoolVar(&fullUpload, "upload", false, "copy the artifact to cloud storage")
	backupFullCmd.Flags().StringVar(&backupComment, "comment", "", "comment stored in the metadata")

	backupIncrementalCmd.Flags().StringVar(&incrementalSince, "since", "", "start of the covered window (RFC3339, default 24h ago)")
	backupIncrementalCmd.Flags().StringSliceVar(&incrementalTables, "tables", nil, "tables to include (default all)")
	backupIncrementalCmd.Flags().BoolVar(&incrementalCompress, "compress", false, "compress the dump")
	backupIncrementalCmd.Flags().StringVar(&backupComment, "comment", "", "comment stored in the metadata")

	backupFilesCmd.Flags().StringVar(&filesID, "id", "", "backup id (default generated)")
	backupFilesCmd.Flags().StringArrayVar(&filesDirs, "dir", nil, "directory to archive (repeatable, default from config)")
	backupFilesCmd.Flags().StringArrayVar(&filesExcludes, "exclude", nil, "exclude pattern (repeatable, default from config)")
	backupFilesCmd.Flags().StringVar(&backupComment, "comment", "", "comment stored in the metadata")

	backupListCmd.Flags().StringVar(&listType, "type", "", "filter by type (full, incremental, files)")
	backupListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	backupListCmd.Flags().IntVar(&listLimit, "limit", backup.DefaultListLimit, "maximum number of backups to list")
	backupListCmd.Flags().IntVar(&listOffset, "offset", 0, "number of backups to skip")
}

func runBackupFull(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		printer.Info("Creating full backup...")
		result, err := a.engine.CreateFullBackup(ctx, backup.FullBackupOptions{
			IncludeFiles:  fullIncludeFiles,
			Compress:      fullCompress,
			Encrypt:       fullEncrypt,
			Comment:       backupComment,
			UploadToCloud: fullUpload,
		})
		if err != nil {
			return err
		}
		printer.Success("Full backup created: %s", result.BackupID)
		if fullIncludeFiles && result.FileBackup == nil {
			printer.Warning("File backup was not created, see the log for details")
		}
		if fullUpload && result.CloudURL == "" {
			printer.Warning("Cloud upload did not complete, the local backup is intact")
		}
		return renderResult(result)
	})
}

func runBackupIncremental(cmd *cobra.Command, args []string) error {
	opts := backup.IncrementalBackupOptions{
		Tables:   incrementalTables,
		Compress: incrementalCompress,
		Comment:  backupComment,
	}
	if incrementalSince != "" {
		since, err := time.Parse(time.RFC3339, incrementalSince)
		if err != nil {
			return backup.NewValidationError(fmt.Sprintf("invalid --since %q, expected RFC3339", incrementalSince), err)
		}
		opts.Since = since
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		printer.Info("Creating incremental backup...")
		result, err := a.engine.CreateIncrementalBackup(ctx, opts)
		if err != nil {
			return err
		}
		printer.Success("Incremental backup created: %s", result.BackupID)
		return renderResult(result)
	})
}

func runBackupFiles(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		id := filesID
		if id == "" {
			id = backup.GenerateBackupID(time.Now())
		}

		printer.Info("Archiving directories...")
		result, err := a.engine.CreateFileBackup(ctx, id, backup.FileBackupOptions{
			Directories:     filesDirs,
			ExcludePatterns: filesExcludes,
			Comment:         backupComment,
		})
		if err != nil {
			return err
		}
		printer.Success("File backup created: %s", result.BackupID)
		return renderResult(result)
	})
}

func runBackupList(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		records, err := a.engine.ListBackups(ctx, backup.ListFilter{
			Type:   backup.BackupType(listType),
			Status: backup.BackupStatus(listStatus),
			Limit:  listLimit,
			Offset: listOffset,
		})
		if err != nil {
			return err
		}

		if len(records) == 0 && !printer.Structured() {
			printer.Info("No backups found")
			return nil
		}

		return printer.Render(records, func(t *display.Table) {
			t.SetHeaders("ID", "Type", "Timestamp", "Size", "Duration", "Flags", "Comment")
			t.SetColumnAlignment(3, display.AlignRight)
			for _, r := range records {
				t.AddRow(r.ID, string(r.Type), r.Timestamp.Format(time.RFC3339), display.FormatBytes(r.Size),
					display.FormatDuration(r.Duration()), recordFlags(r), r.Comment)
			}
		})
	})
}

func runBackupShow(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		record, err := a.engine.GetBackup(ctx, args[0])
		if err != nil {
			return err
		}
		return renderRecord(record)
	})
}

func runBackupDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		record, err := a.engine.GetBackup(ctx, args[0])
		if err != nil {
			return err
		}
		ok, err := confirmAction(confirmation.Summary{
			Action: fmt.Sprintf("Delete backup %s", record.ID),
			Details: [][2]string{
				{"Type", string(record.Type)},
				{"Taken at", record.Timestamp.Format(time.RFC3339)},
				{"Size", display.FormatBytes(record.Size)},
			},
			Destructive: true,
		})
		if err != nil || !ok {
			return err
		}

		if err := a.engine.DeleteBackup(ctx, args[0]); err != nil {
			return err
		}
		printer.Success("Backup deleted: %s", args[0])
		return nil
	})
}

func runBackupExport(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		source, err := a.engine.ExportPath(ctx, args[0])
		if err != nil {
			return err
		}

		dest := args[1]
		if info, err := os.Stat(dest); err == nil && info.IsDir() {
			dest = filepath.Join(dest, filepath.Base(source))
		}

		written, err := copyFile(source, dest)
		if err != nil {
			return backup.NewStorageError(fmt.Sprintf("failed to export %s", args[0]), err)
		}
		printer.Success("Exported %s to %s (%s)", args[0], dest, display.FormatBytes(written))
		return nil
	})
}

func runBackupStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		service, _, err := a.newScheduler()
		if err != nil {
			a.logger.WithError(err).Warn("Scheduler unavailable, next run unknown")
		} else if err := service.Load(); err != nil {
			a.logger.WithError(err).Warn("Failed to load schedules")
		}

		report, err := a.engine.GetBackupStatus(ctx)
		if err != nil {
			return err
		}

		return printer.KeyValues(report, [][2]string{
			{"Total backups", strconv.Itoa(report.TotalBackups)},
			{"Latest backup", display.FormatTime(report.LatestBackup)},
			{"Total size", display.FormatBytes(report.TotalSize)},
			{"Failed backups", strconv.Itoa(report.FailedBackups)},
			{"Backup in progress", strconv.FormatBool(report.IsBackupInProgress)},
			{"Next scheduled backup", display.FormatTime(report.NextScheduledBackup)},
		})
	})
}

func runBackupCleanup(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		ok, err := confirmAction(confirmation.Summary{
			Action:      fmt.Sprintf("Delete backups older than %d days", a.config.RetentionDays),
			Destructive: true,
		})
		if err != nil || !ok {
			return err
		}

		deleted, err := a.engine.CleanupOldBackups(ctx)
		if err != nil {
			return err
		}
		printer.Success("Retention cleanup removed %d backup(s) older than %d days", deleted, a.config.RetentionDays)
		return nil
	})
}

func runBackupPreflight(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		status := a.engine.Preflight(ctx)

		tools := make([]string, 0, len(status.Tools))
		for tool := range status.Tools {
			tools = append(tools, tool)
		}
		sort.Strings(tools)

		err := printer.Render(status, func(t *display.Table) {
			t.SetHeaders("Check", "Result")
			for _, tool := range tools {
				t.AddRow("tool "+tool, okMissing(status.Tools[tool]))
			}
			t.AddRow("backup dir writable", strconv.FormatBool(status.Writable))
			t.AddRow("free space", fmt.Sprintf("%s (min %s)", display.FormatBytes(status.FreeBytes), display.FormatBytes(status.MinFreeSpaceBytes)))
		})
		if err != nil {
			return err
		}

		for _, problem := range status.Problems {
			printer.Warning("%s", problem)
		}
		if !status.OK {
			return backup.NewPreflightError("preflight checks failed", nil)
		}
		printer.Success("Environment ready for backups")
		return nil
	})
}

func runBackupAnalytics(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		analytics, err := a.engine.Analytics(ctx)
		if err != nil {
			return err
		}

		return printer.Render(analytics, func(t *display.Table) {
			t.SetHeaders("Metric", "Value")
			t.AddRow("Status", analytics.Health)
			t.AddRow("Total backups", strconv.Itoa(analytics.TotalBackups))
			for _, typ := range []backup.BackupType{backup.BackupTypeFull, backup.BackupTypeIncremental, backup.BackupTypeFiles} {
				t.AddRow("  "+string(typ), strconv.Itoa(analytics.ByType[typ]))
			}
			t.AddRow("Total size", display.FormatBytes(analytics.TotalSize))
			t.AddRow("Average size", display.FormatBytes(analytics.AverageSize))
			t.AddRow("Largest", display.FormatBytes(analytics.LargestSize))
			t.AddRow("Oldest", display.FormatTime(analytics.Oldest))
			t.AddRow("Newest", display.FormatTime(analytics.Newest))
			t.AddRow("Success rate", fmt.Sprintf("%.1f%%", analytics.SuccessRate))
		})
	})
}

func renderResult(result *backup.BackupResult) error {
	pairs := [][2]string{
		{"ID", result.BackupID},
		{"Path", result.Path},
		{"Size", display.FormatBytes(result.Size)},
		{"Duration", display.FormatDuration(result.Duration)},
	}
	if result.Record != nil && result.Record.Checksum != "" {
		pairs = append(pairs, [2]string{"Checksum", result.Record.Checksum})
	}
	if result.CloudURL != "" {
		pairs = append(pairs, [2]string{"Cloud URL", result.CloudURL})
	}
	if result.FileBackup != nil {
		pairs = append(pairs, [2]string{"File backup", result.FileBackup.BackupID})
	}
	return printer.KeyValues(result, pairs)
}

func renderRecord(r *backup.BackupRecord) error {
	pairs := [][2]string{
		{"ID", r.ID},
		{"Type", string(r.Type)},
		{"Status", string(r.Status)},
		{"Timestamp", r.Timestamp.Format(time.RFC3339)},
		{"Path", r.Path},
		{"Size", display.FormatBytes(r.Size)},
		{"Duration", display.FormatDuration(r.Duration())},
		{"Checksum", r.Checksum},
		{"Flags", recordFlags(r)},
	}
	if r.Comment != "" {
		pairs = append(pairs, [2]string{"Comment", r.Comment})
	}
	if r.CloudURL != "" {
		pairs = append(pairs, [2]string{"Cloud URL", r.CloudURL})
	}
	switch r.Type {
	case backup.BackupTypeFull:
		pairs = append(pairs,
			[2]string{"Database version", r.DatabaseVersion},
			[2]string{"Tables", strconv.Itoa(r.TablesCount)},
			[2]string{"Records", strconv.FormatInt(r.RecordsCount, 10)},
		)
	case backup.BackupTypeIncremental:
		pairs = append(pairs, [2]string{"Since", display.FormatTime(r.SinceTimestamp)})
		if len(r.AffectedTables) > 0 {
			pairs = append(pairs, [2]string{"Tables", fmt.Sprint(r.AffectedTables)})
		}
	case backup.BackupTypeFiles:
		pairs = append(pairs, [2]string{"Directories", fmt.Sprint(r.Directories)})
	}
	return printer.KeyValues(r, pairs)
}

func recordFlags(r *backup.BackupRecord) string {
	flags := ""
	if r.Compressed {
		flags += "C"
	}
	if r.Encrypted {
		flags += "E"
	}
	if r.CloudURL != "" {
		flags += "U"
	}
	if flags == "" {
		return "-"
	}
	return flags
}

func okMissing(ok bool) string {
	if ok {
		return "ok"
	}
	return "missing"
}

func copyFile(source, dest string) (int64, error) {
	in, err := os.Open(source)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}
	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}

	written, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return written, err
}
