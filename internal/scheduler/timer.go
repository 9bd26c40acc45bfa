package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"backup-engine/internal/backup"
	"backup-engine/internal/logging"
)

// cronParser accepts standard five-field expressions and @descriptors
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Timer is the recurring-job capability the scheduler depends on
type Timer interface {
	Register(id, expr string, job func()) error
	Unregister(id string)
	Start()
	// Stop halts new firings. The returned context is done once running
	// jobs have returned.
	Stop() context.Context
	Available() bool
	Location() *time.Location
}

// ValidateCronExpression reports whether expr is a valid cron expression
func ValidateCronExpression(expr string) error {
	if expr == "" {
		return backup.NewValidationError("cron expression is empty", nil)
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return backup.NewValidationError(fmt.Sprintf("invalid cron expression %q", expr), err)
	}
	return nil
}

// NextRun returns the first firing of expr strictly after from in loc
func NextRun(expr string, from time.Time, loc *time.Location) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, backup.NewValidationError(fmt.Sprintf("invalid cron expression %q", expr), err)
	}
	if loc != nil {
		from = from.In(loc)
	}
	next := schedule.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", expr)
	}
	return next, nil
}

// cronLogger adapts logging.Logger to cron.Logger
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}

// CronTimer runs jobs on a robfig/cron scheduler
type CronTimer struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	loc     *time.Location
	logger  *logging.Logger
}

// NewCronTimer creates a cron timer firing in loc. Panicking jobs are
// recovered and logged.
func NewCronTimer(loc *time.Location, logger *logging.Logger) *CronTimer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if loc == nil {
		loc = time.Local
	}
	adapter := cronLogger{logger: logger}
	return &CronTimer{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(loc),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter)),
		),
		entries: make(map[string]cron.EntryID),
		loc:     loc,
		logger:  logger,
	}
}

// Register adds job under id, replacing any existing registration
func (t *CronTimer) Register(id, expr string, job func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.entries[id]; ok {
		t.cron.Remove(existing)
		delete(t.entries, id)
	}

	entryID, err := t.cron.AddFunc(expr, job)
	if err != nil {
		return backup.NewValidationError(fmt.Sprintf("invalid cron expression %q", expr), err)
	}
	t.entries[id] = entryID
	return nil
}

func (t *CronTimer) Unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entryID, ok := t.entries[id]; ok {
		t.cron.Remove(entryID)
		delete(t.entries, id)
	}
}

// Next returns the next firing of a registered job
func (t *CronTimer) Next(id string) (time.Time, bool) {
	t.mu.Lock()
	entryID, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := t.cron.Entry(entryID)
	return entry.Next, entry.Valid()
}

// Jobs returns the number of registered jobs
func (t *CronTimer) Jobs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *CronTimer) Start() {
	t.cron.Start()
}

func (t *CronTimer) Stop() context.Context {
	return t.cron.Stop()
}

func (t *CronTimer) Available() bool {
	return true
}

func (t *CronTimer) Location() *time.Location {
	return t.loc
}

// ManualTimer is used when recurring timers cannot be created. Schedules
// still exist but only run when forced.
type ManualTimer struct {
	reason string
	loc    *time.Location
}

// NewManualTimer creates a timer that never fires
func NewManualTimer(reason string, loc *time.Location) *ManualTimer {
	if loc == nil {
		loc = time.Local
	}
	return &ManualTimer{reason: reason, loc: loc}
}

func (t *ManualTimer) Register(id, expr string, job func()) error {
	return fmt.Errorf("cannot register %s: %s", id, t.reason)
}

func (t *ManualTimer) Unregister(string) {}

func (t *ManualTimer) Start() {}

func (t *ManualTimer) Stop() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func (t *ManualTimer) Available() bool {
	return false
}

func (t *ManualTimer) Location() *time.Location {
	return t.loc
}

// Reason explains why automatic scheduling is unavailable
func (t *ManualTimer) Reason() string {
	return t.reason
}

// SelectTimer picks the timer implementation for config. In auto mode a
// timezone that cannot be loaded degrades to a manual timer; in cron mode
// it is a configuration error.
func SelectTimer(config *Config, logger *logging.Logger) (Timer, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if config == nil {
		config = DefaultConfig()
	}

	if config.Mode == ModeManual {
		return NewManualTimer("scheduler mode is manual", nil), nil
	}

	loc, err := loadLocation(config.Timezone)
	if err != nil {
		if config.Mode == ModeCron {
			return nil, backup.NewConfigurationError(fmt.Sprintf("cannot load timezone %q", config.Timezone), err)
		}
		reason := fmt.Sprintf("timezone %q unavailable: %v", config.Timezone, err)
		logger.WithField("timezone", config.Timezone).WithError(err).Warn("Falling back to manual scheduling")
		return NewManualTimer(reason, nil), nil
	}

	return NewCronTimer(loc, logger), nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
