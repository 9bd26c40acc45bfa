package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"backup-engine/internal/backup"
	"backup-engine/internal/confirmation"
	"backup-engine/internal/display"
)

// Restore command flags
var (
	restoreDropExisting bool
	restoreVerify       bool
	restoreDryRun       bool
)

// restoreCmd represents the restore command
var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore the database or files from a backup",
	Long: `Restore the database from a full or incremental backup, or extract a file
backup over the working directory.

With --verify the artifact checksum is checked before anything is changed.
With --dry-run nothing is changed and the estimated duration is printed.

Examples:
  backup-engine restore backup_1710036000000_ab12cd --verify
  backup-engine restore backup_1710036000000_ab12cd --drop-existing
  backup-engine restore backup_1710036000000_ab12cd --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

var restorePITRCmd = &cobra.Command{
	Use:   "pitr <time>",
	Short: "Recover the database to a point in time",
	Long: `Recover the database to how it was at the given RFC3339 time.

The newest full backup taken at or before the target is restored, then every
incremental backup between it and the target is replayed in timestamp order.

Examples:
  backup-engine restore pitr 2024-03-10T14:00:00Z --dry-run
  backup-engine restore pitr 2024-03-10T14:00:00+03:00 --verify`,
	Args: cobra.ExactArgs(1),
	RunE: runRestorePITR,
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.AddCommand(restorePITRCmd)

	restoreCmd.Flags().BoolVar(&restoreDropExisting, "drop-existing", false, "drop existing objects before restoring")
	restoreCmd.Flags().BoolVar(&restoreVerify, "verify", false, "verify the checksum before restoring")
	restoreCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "show what would be restored without changing anything")

	restorePITRCmd.Flags().BoolVar(&restoreVerify, "verify", false, "verify every backup in the chain before restoring")
	restorePITRCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "show the recovery plan without changing anything")
}

func runRestore(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		opts := backup.RestoreOptions{
			DropExisting:        restoreDropExisting,
			VerifyBeforeRestore: restoreVerify,
			DryRun:              true,
		}

		if !restoreDryRun {
			preview, err := a.engine.RestoreFromBackup(ctx, args[0], opts)
			if err != nil {
				return err
			}
			ok, err := confirmAction(restoreSummary(preview))
			if err != nil || !ok {
				return err
			}
			printer.Info("Restoring from %s...", args[0])
			opts.DryRun = false
		}

		result, err := a.engine.RestoreFromBackup(ctx, args[0], opts)
		if err != nil {
			return err
		}

		if result.DryRun {
			printer.Info("Dry run, nothing was changed")
		} else {
			printer.Success("Restore from %s completed in %s", result.BackupID, display.FormatDuration(result.Duration))
		}

		pairs := [][2]string{
			{"Backup", result.BackupID},
			{"Dry run", strconv.FormatBool(result.DryRun)},
			{"Estimated duration", display.FormatDuration(result.EstimatedDuration)},
		}
		if result.Record != nil {
			pairs = append(pairs,
				[2]string{"Type", string(result.Record.Type)},
				[2]string{"Taken at", result.Record.Timestamp.Format(time.RFC3339)},
				[2]string{"Size", display.FormatBytes(result.Record.Size)},
			)
		}
		if !result.DryRun {
			pairs = append(pairs, [2]string{"Duration", display.FormatDuration(result.Duration)})
		}
		return printer.KeyValues(result, pairs)
	})
}

func runRestorePITR(cmd *cobra.Command, args []string) error {
	target, err := time.Parse(time.RFC3339, args[0])
	if err != nil {
		return backup.NewValidationError(fmt.Sprintf("invalid point in time %q, expected RFC3339", args[0]), err)
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		opts := backup.PITROptions{DryRun: true, Verify: restoreVerify}

		if !restoreDryRun {
			preview, err := a.engine.PointInTimeRecovery(ctx, target, opts)
			if err != nil {
				return err
			}
			ok, err := confirmAction(recoverySummary(preview))
			if err != nil || !ok {
				return err
			}
			printer.Info("Recovering to %s...", target.Format(time.RFC3339))
			opts.DryRun = false
		}

		result, err := a.engine.PointInTimeRecovery(ctx, target, opts)
		if err != nil {
			return err
		}

		if result.DryRun {
			printer.Info("Dry run, nothing was changed. Estimated duration %s", display.FormatDuration(result.EstimatedDuration))
		} else {
			printer.Success("Recovered to %s in %s", result.TargetTime.Format(time.RFC3339), display.FormatDuration(result.Duration))
		}

		return printer.Render(result, func(t *display.Table) {
			t.SetHeaders("Step", "Backup", "Type", "Timestamp", "Size")
			t.SetColumnAlignment(0, display.AlignRight)
			t.SetColumnAlignment(4, display.AlignRight)
			for i, step := range result.Plan.Steps() {
				t.AddRow(strconv.Itoa(i+1), step.ID, string(step.Type), step.Timestamp.Format(time.RFC3339), display.FormatBytes(step.Size))
			}
		})
	})
}

func restoreSummary(preview *backup.RestoreResult) confirmation.Summary {
	summary := confirmation.Summary{
		Action: fmt.Sprintf("Restore from %s", preview.BackupID),
		Details: [][2]string{
			{"Estimated duration", display.FormatDuration(preview.EstimatedDuration)},
		},
		Destructive: true,
	}
	if r := preview.Record; r != nil {
		summary.Details = append(summary.Details,
			[2]string{"Type", string(r.Type)},
			[2]string{"Taken at", r.Timestamp.Format(time.RFC3339)},
			[2]string{"Size", display.FormatBytes(r.Size)},
		)
		if r.Type == backup.BackupTypeFiles {
			summary.Warnings = append(summary.Warnings, "Files in the working directory will be overwritten")
		}
	}
	if restoreDropExisting {
		summary.Warnings = append(summary.Warnings, "Existing database objects will be dropped before restoring")
	}
	return summary
}

func recoverySummary(preview *backup.RecoveryResult) confirmation.Summary {
	summary := confirmation.Summary{
		Action: fmt.Sprintf("Recover database to %s", preview.TargetTime.Format(time.RFC3339)),
		Details: [][2]string{
			{"Full backup", preview.Plan.Full.ID},
			{"Incrementals", strconv.Itoa(len(preview.Plan.Incrementals))},
			{"Estimated duration", display.FormatDuration(preview.EstimatedDuration)},
		},
		Destructive: true,
	}
	if len(preview.Plan.Incrementals) == 0 {
		summary.Warnings = append(summary.Warnings, "No incremental backups cover the window after the full backup")
	}
	return summary
}
