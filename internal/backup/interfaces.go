package backup

import (
	"context"
	"time"

	"backup-engine/internal/logging"
)

// BackupManager is the full set of operations exposed to the CLI and the
// scheduler.
type BackupManager interface {
	CreateFullBackup(ctx context.Context, opts FullBackupOptions) (*BackupResult, error)
	CreateIncrementalBackup(ctx context.Context, opts IncrementalBackupOptions) (*BackupResult, error)
	CreateFileBackup(ctx context.Context, id string, opts FileBackupOptions) (*BackupResult, error)

	RestoreFromBackup(ctx context.Context, id string, opts RestoreOptions) (*RestoreResult, error)
	PointInTimeRecovery(ctx context.Context, target time.Time, opts PITROptions) (*RecoveryResult, error)

	GetBackup(ctx context.Context, id string) (*BackupRecord, error)
	ListBackups(ctx context.Context, filter ListFilter) ([]*BackupRecord, error)
	DeleteBackup(ctx context.Context, id string) error
	ExportPath(ctx context.Context, id string) (string, error)
	GetBackupStatus(ctx context.Context) (*StatusReport, error)
	Analytics(ctx context.Context) (*Analytics, error)
	CleanupOldBackups(ctx context.Context) (int, error)
	Preflight(ctx context.Context) *PreflightStatus
}

// NextRunProvider reports the next scheduled backup, if any
type NextRunProvider interface {
	NextScheduledRun() *time.Time
}

// Dependencies lists the collaborators shared by the executor and the
// restore engine. Nil optional fields disable the feature they back:
// Target and Inspector (database backups), Uploader (off-site copies).
type Dependencies struct {
	Config      *Config
	Target      *DatabaseTarget
	Runner      CommandRunner
	Preflight   PreflightChecker
	Verifier    IntegrityVerifier
	Store       MetadataStore
	Inspector   DatabaseInspector
	Compression *CompressionManager
	Encryption  *EncryptionManager
	Archiver    *DirectoryArchiver
	Uploader    Uploader
	Audit       *BackupLogger
	Metrics     *Metrics
	Logger      *logging.Logger
	Clock       func() time.Time
}

func (d *Dependencies) setDefaults() {
	if d.Config == nil {
		d.Config = DefaultConfig()
	}
	if d.Logger == nil {
		d.Logger = logging.NewNopLogger()
	}
	if d.Runner == nil {
		d.Runner = NewExecRunner(d.Config.CommandTimeout, d.Logger)
	}
	if d.Preflight == nil {
		d.Preflight = NewPreflightChecker(d.Config, d.Runner, d.Logger)
	}
	if d.Verifier == nil {
		d.Verifier = NewIntegrityVerifier(d.Config.MaxBackupSizeBytes())
	}
	if d.Store == nil {
		d.Store = NewFileMetadataStore(d.Config.MetadataDir(), d.Logger)
	}
	if d.Compression == nil {
		d.Compression = NewCompressionManager()
	}
	if d.Encryption == nil {
		d.Encryption = NewEncryptionManager(&d.Config.Encryption)
	}
	if d.Archiver == nil {
		d.Archiver = NewDirectoryArchiver(6, d.Logger)
	}
	if d.Audit == nil {
		d.Audit, _ = NewBackupLogger(BackupLoggerConfig{Logger: d.Logger})
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
}

func (d *Dependencies) database() (*DatabaseTarget, Dialect, error) {
	target := d.Target
	if target == nil {
		if d.Config.DatabaseURL == "" {
			return nil, nil, NewConfigurationError("DATABASE_URL is not configured", nil)
		}
		parsed, err := ParseDatabaseURL(d.Config.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		target = parsed
	}
	dialect, err := DialectFor(target)
	if err != nil {
		return nil, nil, err
	}
	return target, dialect, nil
}
