package scheduler

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"backup-engine/internal/backup"
)

// Mode selects how SelectTimer picks the timer implementation
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeCron   Mode = "cron"
	ModeManual Mode = "manual"
)

// DefaultCleanupCron is the retention cadence when none is configured
const DefaultCleanupCron = "30 4 * * *"

// Config holds scheduler settings. It lives under the "scheduler" key of
// the same YAML file as the backup configuration.
type Config struct {
	Mode        Mode           `yaml:"mode" json:"mode"`
	Timezone    string         `yaml:"timezone" json:"timezone"`
	CleanupCron string         `yaml:"cleanup_cron" json:"cleanup_cron"`
	StateFile   string         `yaml:"state_file,omitempty" json:"state_file,omitempty"`
	Schedules   []ScheduleSpec `yaml:"schedules,omitempty" json:"schedules,omitempty"`
}

// DefaultConfig returns a config with defaults applied
func DefaultConfig() *Config {
	config := &Config{}
	config.SetDefaults()
	return config
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ModeAuto
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.CleanupCron == "" {
		c.CleanupCron = DefaultCleanupCron
	}
}

// Validate checks the mode and every cron expression
func (c *Config) Validate() error {
	var errs backup.ValidationErrors

	switch c.Mode {
	case ModeAuto, ModeCron, ModeManual:
	default:
		errs.Add("scheduler.mode", "must be one of auto, cron, manual", c.Mode)
	}

	if err := ValidateCronExpression(c.CleanupCron); err != nil {
		errs.Add("scheduler.cleanup_cron", err.Error(), c.CleanupCron)
	}

	seen := make(map[string]bool, len(c.Schedules))
	for i, spec := range c.Schedules {
		field := fmt.Sprintf("scheduler.schedules[%d]", i)
		if spec.ID != "" {
			if seen[spec.ID] {
				errs.Add(field+".id", "duplicate schedule id", spec.ID)
			}
			seen[spec.ID] = true
		}
		if spec.CronExpression != "" {
			if err := ValidateCronExpression(spec.CronExpression); err != nil {
				errs.Add(field+".cron_expression", err.Error(), spec.CronExpression)
			}
		}
		if spec.Type != "" && !spec.Type.IsValid() {
			errs.Add(field+".type", "must be one of full, incremental, files", spec.Type)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// LoadFromEnvironment overlays BACKUP_SCHEDULER_* variables. BACKUP_SCHEDULES
// replaces the schedule list with a JSON array.
func (c *Config) LoadFromEnvironment() error {
	if val := os.Getenv("BACKUP_SCHEDULER_MODE"); val != "" {
		c.Mode = Mode(strings.ToLower(val))
	}
	if val := os.Getenv("BACKUP_SCHEDULER_TIMEZONE"); val != "" {
		c.Timezone = val
	}
	if val := os.Getenv("BACKUP_CLEANUP_CRON"); val != "" {
		c.CleanupCron = val
	}
	if val := os.Getenv("BACKUP_SCHEDULER_STATE_FILE"); val != "" {
		c.StateFile = val
	}
	if val := os.Getenv("BACKUP_SCHEDULES"); val != "" {
		var specs []ScheduleSpec
		if err := json.Unmarshal([]byte(val), &specs); err != nil {
			return fmt.Errorf("failed to parse BACKUP_SCHEDULES: %w", err)
		}
		c.Schedules = specs
	}
	return nil
}

type fileLayout struct {
	Scheduler Config `yaml:"scheduler"`
}

// LoadConfig reads the "scheduler" section of path, overlays the
// environment and validates. A missing file yields defaults.
func LoadConfig(path string) (*Config, error) {
	config := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, backup.NewConfigurationError("failed to read scheduler config", err)
		default:
			layout := fileLayout{}
			if err := yaml.Unmarshal(data, &layout); err != nil {
				return nil, backup.NewConfigurationError("failed to parse scheduler config", err)
			}
			*config = layout.Scheduler
		}
	}

	if err := config.LoadFromEnvironment(); err != nil {
		return nil, backup.NewConfigurationError("invalid scheduler environment", err)
	}
	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, backup.NewConfigurationError("scheduler configuration validation failed", err)
	}
	return config, nil
}

// GenerateDefaultConfigYAML renders the scheduler section of a starter
// configuration file, listing the default schedules.
func GenerateDefaultConfigYAML() ([]byte, error) {
	config := DefaultConfig()
	config.Schedules = DefaultSchedules()

	data, err := yaml.Marshal(fileLayout{Scheduler: *config})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal default scheduler config: %w", err)
	}
	return data, nil
}
