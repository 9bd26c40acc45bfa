package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"backup-engine/internal/backup"
)

// ScheduleStatus is the runtime state of a schedule
type ScheduleStatus string

const (
	ScheduleStatusActive   ScheduleStatus = "active"
	ScheduleStatusInactive ScheduleStatus = "inactive"
	ScheduleStatusRunning  ScheduleStatus = "running"
	ScheduleStatusError    ScheduleStatus = "error"
)

// ScheduleOptions are passed to the backup operation a schedule triggers
type ScheduleOptions struct {
	IncludeFiles  bool     `json:"include_files,omitempty" yaml:"include_files,omitempty"`
	Compress      bool     `json:"compress,omitempty" yaml:"compress,omitempty"`
	Encrypt       bool     `json:"encrypt,omitempty" yaml:"encrypt,omitempty"`
	UploadToCloud bool     `json:"upload_to_cloud,omitempty" yaml:"upload_to_cloud,omitempty"`
	RetentionDays int      `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
	Comment       string   `json:"comment,omitempty" yaml:"comment,omitempty"`
	Tables        []string `json:"tables,omitempty" yaml:"tables,omitempty"`
	Directories   []string `json:"directories,omitempty" yaml:"directories,omitempty"`
}

// Schedule is a named recurring backup
type Schedule struct {
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name" yaml:"name"`
	Type           backup.BackupType `json:"type" yaml:"type"`
	CronExpression string            `json:"cronExpression" yaml:"cron_expression"`
	Enabled        bool              `json:"enabled" yaml:"enabled"`
	Options        ScheduleOptions   `json:"options" yaml:"options"`
	LastRun        *time.Time        `json:"lastRun,omitempty" yaml:"last_run,omitempty"`
	NextRun        *time.Time        `json:"nextRun,omitempty" yaml:"next_run,omitempty"`
	Status         ScheduleStatus    `json:"status" yaml:"status"`
	ErrorMessage   string            `json:"errorMessage,omitempty" yaml:"error_message,omitempty"`
}

func (s *Schedule) clone() *Schedule {
	c := *s
	c.Options.Tables = append([]string(nil), s.Options.Tables...)
	c.Options.Directories = append([]string(nil), s.Options.Directories...)
	if s.LastRun != nil {
		t := *s.LastRun
		c.LastRun = &t
	}
	if s.NextRun != nil {
		t := *s.NextRun
		c.NextRun = &t
	}
	return &c
}

// ScheduleSpec describes a schedule to create. Zero fields take defaults;
// a nil Enabled means enabled.
type ScheduleSpec struct {
	ID             string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name           string            `json:"name,omitempty" yaml:"name,omitempty"`
	Type           backup.BackupType `json:"type,omitempty" yaml:"type,omitempty"`
	CronExpression string            `json:"cronExpression,omitempty" yaml:"cron_expression,omitempty"`
	Enabled        *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Options        ScheduleOptions   `json:"options,omitempty" yaml:"options,omitempty"`
}

// ScheduleUpdate carries the fields to change; nil fields are left alone
type ScheduleUpdate struct {
	Name           *string            `json:"name,omitempty"`
	Type           *backup.BackupType `json:"type,omitempty"`
	CronExpression *string            `json:"cronExpression,omitempty"`
	Enabled        *bool              `json:"enabled,omitempty"`
	Options        *ScheduleOptions   `json:"options,omitempty"`
}

// DefaultSchedules are created on Start when nothing else is configured
func DefaultSchedules() []ScheduleSpec {
	enabled := func() *bool { v := true; return &v }
	return []ScheduleSpec{
		{
			ID:             "full_backup_daily",
			Name:           "Daily Full Backup",
			Type:           backup.BackupTypeFull,
			CronExpression: "0 2 * * *",
			Enabled:        enabled(),
			Options: ScheduleOptions{
				IncludeFiles:  true,
				Compress:      true,
				RetentionDays: 30,
				Comment:       "Automated daily full backup",
			},
		},
		{
			ID:             "incremental_backup_hourly",
			Name:           "Hourly Incremental Backup",
			Type:           backup.BackupTypeIncremental,
			CronExpression: "0 * * * *",
			Enabled:        enabled(),
			Options: ScheduleOptions{
				Compress: true,
				Comment:  "Automated hourly incremental backup",
			},
		},
		{
			ID:             "file_backup_weekly",
			Name:           "Weekly File Backup",
			Type:           backup.BackupTypeFiles,
			CronExpression: "0 3 * * 0",
			Enabled:        enabled(),
			Options: ScheduleOptions{
				Comment: "Automated weekly file backup",
			},
		},
	}
}

// Store persists schedule definitions between processes
type Store interface {
	Load() ([]*Schedule, error)
	Save(schedules []*Schedule) error
}

// FileStore keeps schedules in a YAML file
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

type stateLayout struct {
	Schedules []*Schedule `yaml:"schedules"`
}

// Load returns the stored schedules. A missing file yields nil.
func (s *FileStore) Load() ([]*Schedule, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, backup.NewStorageError(fmt.Sprintf("failed to read %s", s.path), err)
	}

	var state stateLayout
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, backup.NewStorageError(fmt.Sprintf("failed to parse %s", s.path), err)
	}
	return state.Schedules, nil
}

// Save writes schedules sorted by id, atomically
func (s *FileStore) Save(schedules []*Schedule) error {
	sorted := append([]*Schedule(nil), schedules...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	data, err := yaml.Marshal(stateLayout{Schedules: sorted})
	if err != nil {
		return backup.NewStorageError("failed to encode schedules", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return backup.NewStorageError("failed to create schedule state directory", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return backup.NewStorageError(fmt.Sprintf("failed to write %s", tmp), err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return backup.NewStorageError(fmt.Sprintf("failed to replace %s", s.path), err)
	}
	return nil
}
