package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// RestoreEngine replays backup artifacts into the database or the
// filesystem.
type RestoreEngine struct {
	deps Dependencies
}

// NewRestoreEngine creates a restore engine. Missing dependencies get
// defaults.
func NewRestoreEngine(deps Dependencies) *RestoreEngine {
	deps.setDefaults()
	return &RestoreEngine{deps: deps}
}

// RestoreFromBackup restores a single backup by id
func (re *RestoreEngine) RestoreFromBackup(ctx context.Context, id string, opts RestoreOptions) (*RestoreResult, error) {
	start := re.deps.Clock()
	done := re.deps.Audit.LogRestoreStart(ctx, id, opts)

	result, err := re.restore(ctx, id, start, opts)
	done(err)

	return result, err
}

func (re *RestoreEngine) restore(ctx context.Context, id string, start time.Time, opts RestoreOptions) (*RestoreResult, error) {
	record, err := re.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if opts.VerifyBeforeRestore {
		if err := re.deps.Verifier.VerifyChecksum(record); err != nil {
			return nil, err
		}
	}

	if opts.DryRun {
		return &RestoreResult{
			BackupID:          id,
			DryRun:            true,
			EstimatedDuration: record.Duration(),
			Record:            record,
		}, nil
	}

	err = re.apply(ctx, record, opts.DropExisting)
	re.deps.Metrics.RecordRestore(record.Type, err)
	if err != nil {
		return nil, err
	}

	re.deps.Logger.WithFields(map[string]interface{}{
		"backup_id": id,
		"type":      string(record.Type),
	}).Info("Backup restored")

	return &RestoreResult{
		BackupID: id,
		Duration: re.deps.Clock().Sub(start),
		Record:   record,
	}, nil
}

// apply dispatches one record to the matching restore path
func (re *RestoreEngine) apply(ctx context.Context, record *BackupRecord, dropExisting bool) error {
	switch record.Type {
	case BackupTypeFull, BackupTypeIncremental:
		return re.applyDatabase(ctx, record, dropExisting)
	case BackupTypeFiles:
		return re.applyFiles(ctx, record)
	}
	return NewValidationError(fmt.Sprintf("unsupported backup type %q", record.Type), nil)
}

func (re *RestoreEngine) applyDatabase(ctx context.Context, record *BackupRecord, dropExisting bool) error {
	target, dialect, err := re.deps.database()
	if err != nil {
		return err
	}

	tool := dialect.RestoreTool()
	if record.Type == BackupTypeIncremental {
		tool = dialect.ApplyTool()
	}
	if err := re.deps.Preflight.Check(ctx, tool); err != nil {
		return err
	}

	path, cleanup, err := re.materialize(record)
	if err != nil {
		return err
	}
	defer cleanup()

	var (
		cmd     Command
		release func()
	)
	if record.Type == BackupTypeFull {
		if dropExisting && dialect.Name() == DialectMySQL {
			re.deps.Logger.Debug("mysql dumps carry DROP TABLE statements, drop-existing is implied")
		}
		cmd, release, err = dialect.RestoreCommand(target, path, dropExisting)
	} else {
		cmd, release, err = dialect.ApplySQLCommand(target, path)
	}
	if err != nil {
		return err
	}
	defer release()

	_, err = re.deps.Runner.Run(ctx, cmd)
	return err
}

func (re *RestoreEngine) applyFiles(ctx context.Context, record *BackupRecord) error {
	if err := re.deps.Preflight.Check(ctx, "tar"); err != nil {
		return err
	}
	if _, err := os.Stat(record.Path); err != nil {
		return NewNotFoundError(fmt.Sprintf("backup artifact %s not found", record.Path), err)
	}

	root := re.deps.Config.RestoreRoot
	if err := os.MkdirAll(root, 0755); err != nil {
		return NewStorageError(fmt.Sprintf("failed to create %s", root), err)
	}

	_, err := re.deps.Runner.Run(ctx, Command{
		Name: "tar",
		Args: []string{"-xzf", record.Path, "-C", root},
	})
	return err
}

// materialize returns a plain copy of the artifact, decrypting and
// decompressing into a temporary directory under the backup dir when needed.
// The returned cleanup removes anything it created.
func (re *RestoreEngine) materialize(record *BackupRecord) (string, func(), error) {
	if _, err := os.Stat(record.Path); err != nil {
		return "", nil, NewNotFoundError(fmt.Sprintf("backup artifact %s not found", record.Path), err)
	}

	compression := record.Compression
	if compression == "" && record.Compressed {
		compression = DetectCompression(record.Path)
	}
	if !record.Encrypted && (compression == "" || compression == CompressionTypeNone) {
		return record.Path, func() {}, nil
	}

	tmpDir, err := os.MkdirTemp(re.deps.Config.BackupDir, ".restore-*")
	if err != nil {
		return "", nil, NewStorageError("failed to create restore working directory", err)
	}
	cleanup := func() { os.RemoveAll(tmpDir) }

	path := record.Path
	if record.Encrypted {
		decrypted := filepath.Join(tmpDir, "decrypted")
		if err := re.deps.Encryption.DecryptTo(path, decrypted); err != nil {
			cleanup()
			return "", nil, err
		}
		path = decrypted
	}

	if compression != "" && compression != CompressionTypeNone {
		plain := filepath.Join(tmpDir, "plain")
		if err := re.deps.Compression.DecompressTo(path, plain, compression); err != nil {
			cleanup()
			return "", nil, err
		}
		path = plain
	}

	return path, cleanup, nil
}

// PointInTimeRecovery restores the newest full backup at or before target
// followed by every incremental between it and target.
func (re *RestoreEngine) PointInTimeRecovery(ctx context.Context, target time.Time, opts PITROptions) (*RecoveryResult, error) {
	start := re.deps.Clock()
	done := re.deps.Audit.LogRecoveryStart(ctx, target, opts)

	result, err := re.recover(ctx, target, start, opts)

	var plan *RecoveryPlan
	if result != nil {
		plan = result.Plan
	}
	done(err, plan)

	return result, err
}

func (re *RestoreEngine) recover(ctx context.Context, target time.Time, start time.Time, opts PITROptions) (*RecoveryResult, error) {
	records, err := re.deps.Store.All(ctx)
	if err != nil {
		return nil, err
	}

	plan, err := BuildRecoveryPlan(records, target)
	if err != nil {
		return nil, err
	}

	result := &RecoveryResult{
		TargetTime: target,
		DryRun:     opts.DryRun,
		Plan:       plan,
	}

	steps := plan.Steps()
	for _, step := range steps {
		result.EstimatedDuration += step.Duration()
	}
	if opts.DryRun {
		return result, nil
	}

	if opts.Verify {
		for _, step := range steps {
			if err := re.deps.Verifier.VerifyChecksum(step); err != nil {
				return nil, err
			}
		}
	}

	for i, step := range steps {
		err := re.apply(ctx, step, i == 0)
		re.deps.Metrics.RecordRestore(step.Type, err)
		if err != nil {
			re.deps.Logger.WithError(err).WithFields(map[string]interface{}{
				"backup_id": step.ID,
				"applied":   i,
				"steps":     len(steps),
			}).Error("Point-in-time recovery stopped")
			return nil, err
		}
		result.Restored = append(result.Restored, step.ID)

		re.deps.Logger.WithFields(map[string]interface{}{
			"backup_id": step.ID,
			"step":      i + 1,
			"steps":     len(steps),
		}).Info("Recovery step applied")
	}

	result.Duration = re.deps.Clock().Sub(start)
	return result, nil
}

// BuildRecoveryPlan selects the chain for target from records. The base is
// the full backup with the greatest timestamp not after target; incrementals
// strictly after the base and not after target follow in ascending order.
func BuildRecoveryPlan(records []*BackupRecord, target time.Time) (*RecoveryPlan, error) {
	candidates := make([]*BackupRecord, 0, len(records))
	for _, record := range records {
		if record.Status != BackupStatusCompleted || !record.Type.IsDatabase() {
			continue
		}
		if record.Timestamp.After(target) {
			continue
		}
		candidates = append(candidates, record)
	}
	if len(candidates) == 0 {
		return nil, NewNotFoundError(fmt.Sprintf("no backups found before %s", target.UTC().Format(time.RFC3339)), nil)
	}

	var full *BackupRecord
	for _, record := range candidates {
		if record.Type != BackupTypeFull {
			continue
		}
		if full == nil || record.Timestamp.After(full.Timestamp) ||
			(record.Timestamp.Equal(full.Timestamp) && record.ID > full.ID) {
			full = record
		}
	}
	if full == nil {
		return nil, NewNotFoundError(fmt.Sprintf("no full backup found before %s", target.UTC().Format(time.RFC3339)), nil)
	}

	incrementals := make([]*BackupRecord, 0)
	for _, record := range candidates {
		if record.Type == BackupTypeIncremental && record.Timestamp.After(full.Timestamp) {
			incrementals = append(incrementals, record)
		}
	}
	sort.SliceStable(incrementals, func(i, j int) bool {
		if incrementals[i].Timestamp.Equal(incrementals[j].Timestamp) {
			return incrementals[i].ID < incrementals[j].ID
		}
		return incrementals[i].Timestamp.Before(incrementals[j].Timestamp)
	})

	return &RecoveryPlan{
		TargetTime:   target,
		Full:         full,
		Incrementals: incrementals,
	}, nil
}
