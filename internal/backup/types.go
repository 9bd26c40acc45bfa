package backup

import (
	"time"
)

// BackupType identifies what a backup artifact contains
type BackupType string

const (
	BackupTypeFull        BackupType = "full"
	BackupTypeIncremental BackupType = "incremental"
	BackupTypeFiles       BackupType = "files"
)

// IsValid reports whether t is a known backup type
func (t BackupType) IsValid() bool {
	switch t {
	case BackupTypeFull, BackupTypeIncremental, BackupTypeFiles:
		return true
	}
	return false
}

// IsDatabase reports whether the artifact is a database dump
func (t BackupType) IsDatabase() bool {
	return t == BackupTypeFull || t == BackupTypeIncremental
}

// BackupStatus is the lifecycle state of a backup record
type BackupStatus string

const (
	BackupStatusCompleted  BackupStatus = "completed"
	BackupStatusFailed     BackupStatus = "failed"
	BackupStatusInProgress BackupStatus = "in_progress"
)

// BackupRecord describes one backup artifact. Only completed records are
// ever written to the metadata store.
type BackupRecord struct {
	ID          string          `json:"id" yaml:"id"`
	Type        BackupType      `json:"type" yaml:"type"`
	Timestamp   time.Time       `json:"timestamp" yaml:"timestamp"`
	Size        int64           `json:"size" yaml:"size"`
	DurationMs  int64           `json:"duration" yaml:"duration"`
	Status      BackupStatus    `json:"status" yaml:"status"`
	Path        string          `json:"path" yaml:"path"`
	Checksum    string          `json:"checksum" yaml:"checksum"`
	Compressed  bool            `json:"compressed" yaml:"compressed"`
	Compression CompressionType `json:"compression,omitempty" yaml:"compression,omitempty"`
	Encrypted   bool            `json:"encrypted" yaml:"encrypted"`
	Comment     string          `json:"comment,omitempty" yaml:"comment,omitempty"`
	CloudURL    string          `json:"cloudUrl,omitempty" yaml:"cloud_url,omitempty"`

	// full
	DatabaseVersion string `json:"databaseVersion,omitempty" yaml:"database_version,omitempty"`
	TablesCount     int    `json:"tablesCount,omitempty" yaml:"tables_count,omitempty"`
	RecordsCount    int64  `json:"recordsCount,omitempty" yaml:"records_count,omitempty"`

	// incremental
	SinceTimestamp *time.Time `json:"sinceTimestamp,omitempty" yaml:"since_timestamp,omitempty"`
	AffectedTables []string   `json:"affectedTables,omitempty" yaml:"affected_tables,omitempty"`

	// files
	Directories     []string `json:"directories,omitempty" yaml:"directories,omitempty"`
	ExcludePatterns []string `json:"excludePatterns,omitempty" yaml:"exclude_patterns,omitempty"`
}

// Duration returns the recorded backup duration
func (r *BackupRecord) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// FullBackupOptions controls CreateFullBackup
type FullBackupOptions struct {
	IncludeFiles  bool
	Compress      bool
	Encrypt       bool
	Comment       string
	UploadToCloud bool
}

// IncrementalBackupOptions controls CreateIncrementalBackup. A zero Since
// means 24 hours ago; empty Tables means every table.
type IncrementalBackupOptions struct {
	Since    time.Time
	Tables   []string
	Compress bool
	Comment  string
}

// FileBackupOptions controls CreateFileBackup. Empty slices fall back to
// the configured directories and exclude patterns.
type FileBackupOptions struct {
	Directories     []string
	ExcludePatterns []string
	Comment         string
}

// BackupResult is returned by every create operation
type BackupResult struct {
	BackupID   string        `json:"backupId"`
	Path       string        `json:"path"`
	Size       int64         `json:"size"`
	Duration   time.Duration `json:"duration"`
	Record     *BackupRecord `json:"metadata"`
	CloudURL   string        `json:"cloudUrl,omitempty"`
	FileBackup *BackupResult `json:"fileBackup,omitempty"`
}

// RestoreOptions controls RestoreFromBackup
type RestoreOptions struct {
	DropExisting        bool
	VerifyBeforeRestore bool
	DryRun              bool
}

// RestoreResult is returned by RestoreFromBackup
type RestoreResult struct {
	BackupID          string        `json:"backupId"`
	DryRun            bool          `json:"dryRun"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
	Duration          time.Duration `json:"duration"`
	Record            *BackupRecord `json:"metadata"`
}

// PITROptions controls PointInTimeRecovery
type PITROptions struct {
	DryRun bool
	Verify bool
}

// RecoveryPlan is the ordered chain applied by point-in-time recovery
type RecoveryPlan struct {
	TargetTime   time.Time       `json:"targetTime"`
	Full         *BackupRecord   `json:"full"`
	Incrementals []*BackupRecord `json:"incrementals"`
}

// Steps returns the plan in execution order
func (p *RecoveryPlan) Steps() []*BackupRecord {
	steps := make([]*BackupRecord, 0, len(p.Incrementals)+1)
	steps = append(steps, p.Full)
	return append(steps, p.Incrementals...)
}

// RecoveryResult is returned by PointInTimeRecovery
type RecoveryResult struct {
	TargetTime        time.Time     `json:"pointInTime"`
	DryRun            bool          `json:"dryRun"`
	Plan              *RecoveryPlan `json:"plan"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
	Duration          time.Duration `json:"duration"`
	Restored          []string      `json:"restored,omitempty"`
}

// ListFilter narrows ListBackups. Limit defaults to 50.
type ListFilter struct {
	Type   BackupType
	Status BackupStatus
	Limit  int
	Offset int
}

// DefaultListLimit is applied when ListFilter.Limit is zero
const DefaultListLimit = 50

// StatusReport is the aggregate returned by GetBackupStatus
type StatusReport struct {
	TotalBackups        int        `json:"totalBackups"`
	LatestBackup        *time.Time `json:"latestBackup,omitempty"`
	TotalSize           int64      `json:"totalSize"`
	FailedBackups       int        `json:"failedBackups"`
	IsBackupInProgress  bool       `json:"isBackupInProgress"`
	NextScheduledBackup *time.Time `json:"nextScheduledBackup,omitempty"`
}

// Analytics summarizes the backup history
type Analytics struct {
	TotalBackups int                  `json:"totalBackups"`
	ByType       map[BackupType]int   `json:"byType"`
	ByStatus     map[BackupStatus]int `json:"byStatus"`
	TotalSize    int64                `json:"totalSize"`
	AverageSize  int64                `json:"averageSize"`
	LargestSize  int64                `json:"largestSize"`
	Oldest       *time.Time           `json:"oldest,omitempty"`
	Newest       *time.Time           `json:"newest,omitempty"`
	SuccessRate  float64              `json:"successRate"`
	Health       string               `json:"status"`
}

const (
	HealthHealthy   = "healthy"
	HealthWarning   = "warning"
	HealthNoBackups = "no_backups"
)

// PreflightStatus is the non-failing environment report
type PreflightStatus struct {
	Tools             map[string]bool `json:"tools"`
	Writable          bool            `json:"writable"`
	FreeBytes         int64           `json:"freeBytes"`
	MinFreeSpaceBytes int64           `json:"minFreeSpaceBytes"`
	OK                bool            `json:"ok"`
	Problems          []string        `json:"problems,omitempty"`
}
