// Package scheduler runs named recurring backups on top of the backup
// engine. Schedules are kept in memory, optionally persisted to a YAML
// state file, and fired by a Timer.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"backup-engine/internal/backup"
	"backup-engine/internal/logging"
)

// CleanupJobID is the timer id of the internal retention job
const CleanupJobID = "retention_cleanup"

// BackupRunner is the subset of the backup engine the scheduler drives
type BackupRunner interface {
	CreateFullBackup(ctx context.Context, opts backup.FullBackupOptions) (*backup.BackupResult, error)
	CreateIncrementalBackup(ctx context.Context, opts backup.IncrementalBackupOptions) (*backup.BackupResult, error)
	CreateFileBackup(ctx context.Context, id string, opts backup.FileBackupOptions) (*backup.BackupResult, error)
	CleanupOldBackups(ctx context.Context) (int, error)
}

var _ BackupRunner = (*backup.Engine)(nil)
var _ backup.NextRunProvider = (*Service)(nil)

// Stats is the summary returned by GetSchedulerStats
type Stats struct {
	TotalSchedules      int        `json:"totalSchedules"`
	ActiveSchedules     int        `json:"activeSchedules"`
	RunningSchedules    int        `json:"runningSchedules"`
	ErrorSchedules      int        `json:"errorSchedules"`
	TimerJobs           int        `json:"timerJobs"`
	NextScheduledBackup *time.Time `json:"nextScheduledBackup,omitempty"`
	TimerAvailable      bool       `json:"timerAvailable"`
	Mode                Mode       `json:"mode"`
}

// DetailedStatus is the health view returned by GetDetailedStatus
type DetailedStatus struct {
	IsHealthy       bool                      `json:"isHealthy"`
	IsShuttingDown  bool                      `json:"isShuttingDown"`
	TotalSchedules  int                       `json:"totalSchedules"`
	ByType          map[backup.BackupType]int `json:"byType"`
	ByStatus        map[ScheduleStatus]int    `json:"byStatus"`
	ActiveTimerJobs int                       `json:"activeTimerJobs"`
	NextBackup      *time.Time                `json:"nextBackup,omitempty"`
	TimerReason     string                    `json:"timerReason,omitempty"`
	Schedules       []*Schedule               `json:"schedules"`
}

// Service owns the schedule table and fires backups through a Timer
type Service struct {
	mu           sync.RWMutex
	schedules    map[string]*Schedule
	registered   map[string]bool
	loaded       bool
	shuttingDown bool

	backups BackupRunner
	timer   Timer
	store   Store
	config  *Config
	logger  *logging.Logger
	clock   func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	forced  sync.WaitGroup

	// dbSlot queues timer and forced runs of database backups, which share
	// the engine's in-progress flag
	dbSlot chan struct{}
}

// NewService creates a scheduler. Nothing is registered until Load or Start.
func NewService(config *Config, backups BackupRunner, timer Timer, logger *logging.Logger) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if timer == nil {
		timer = NewManualTimer("no timer configured", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		schedules:  make(map[string]*Schedule),
		registered: make(map[string]bool),
		backups:    backups,
		timer:      timer,
		config:     config,
		logger:     logger,
		clock:      time.Now,
		baseCtx:    ctx,
		cancel:     cancel,
		dbSlot:     make(chan struct{}, 1),
	}
}

// WithClock overrides the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.clock = now
	return s
}

// WithStore persists every schedule change to store
func (s *Service) WithStore(store Store) *Service {
	s.store = store
	return s
}

// Load populates the schedule table from the store, the configured
// schedules or the defaults, in that order, and registers enabled
// schedules with the timer. It does not start the timer.
func (s *Service) Load() error {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return nil
	}
	s.loaded = true
	s.mu.Unlock()

	if s.store != nil {
		stored, err := s.store.Load()
		if err != nil {
			return err
		}
		if len(stored) > 0 {
			return s.restore(stored)
		}
	}

	specs := s.config.Schedules
	if len(specs) == 0 {
		specs = DefaultSchedules()
	}
	for _, spec := range specs {
		if _, err := s.CreateSchedule(spec); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerCleanupLocked()
	return nil
}

func (s *Service) restore(stored []*Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sched := range stored {
		if sched == nil || sched.ID == "" {
			continue
		}
		if err := ValidateCronExpression(sched.CronExpression); err != nil {
			s.logger.WithField("schedule_id", sched.ID).WithError(err).Warn("Skipping stored schedule")
			continue
		}
		sched = sched.clone()
		if sched.Status != ScheduleStatusError {
			s.applyRestingStatusLocked(sched)
		}
		next := s.computeNextRun(sched.CronExpression)
		sched.NextRun = &next
		s.schedules[sched.ID] = sched
		if sched.Enabled {
			s.registerLocked(sched)
		}
	}
	s.registerCleanupLocked()
	return nil
}

// Start loads schedules and starts the timer
func (s *Service) Start() error {
	if err := s.Load(); err != nil {
		return err
	}
	s.timer.Start()

	stats := s.GetSchedulerStats()
	s.logger.WithFields(map[string]interface{}{
		"schedules":       stats.TotalSchedules,
		"timer_jobs":      stats.TimerJobs,
		"timer_available": stats.TimerAvailable,
	}).Info("Backup scheduler started")
	return nil
}

// Stop halts the timer and waits for running jobs until ctx is done, at
// which point in-flight backups are cancelled.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()

	timerDone := s.timer.Stop()
	forcedDone := make(chan struct{})
	go func() {
		s.forced.Wait()
		close(forcedDone)
	}()

	var err error
	select {
	case <-timerDone.Done():
		select {
		case <-forcedDone:
		case <-ctx.Done():
			err = ctx.Err()
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.cancel()

	if err != nil {
		s.logger.WithError(err).Warn("Backup scheduler stopped before running jobs finished")
		return err
	}
	s.logger.Info("Backup scheduler stopped")
	return nil
}

// CreateSchedule adds a schedule. Unset fields take defaults.
func (s *Service) CreateSchedule(spec ScheduleSpec) (*Schedule, error) {
	now := s.clock()

	if spec.ID == "" {
		spec.ID = fmt.Sprintf("schedule_%d", now.UnixMilli())
	}
	if spec.Name == "" {
		spec.Name = "Unnamed Schedule"
	}
	if spec.Type == "" {
		spec.Type = backup.BackupTypeFull
	}
	if spec.CronExpression == "" {
		spec.CronExpression = "0 2 * * *"
	}
	if !spec.Type.IsValid() {
		return nil, backup.NewValidationError(fmt.Sprintf("unknown backup type %q", spec.Type), nil)
	}
	if err := ValidateCronExpression(spec.CronExpression); err != nil {
		return nil, err
	}
	if spec.ID == CleanupJobID {
		return nil, backup.NewValidationError(fmt.Sprintf("schedule id %q is reserved", CleanupJobID), nil)
	}

	enabled := true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}

	sched := &Schedule{
		ID:             spec.ID,
		Name:           spec.Name,
		Type:           spec.Type,
		CronExpression: spec.CronExpression,
		Enabled:        enabled,
		Options:        spec.Options,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[sched.ID]; exists {
		return nil, backup.NewConflictError(fmt.Sprintf("schedule %s already exists", sched.ID), nil)
	}

	next := s.computeNextRun(sched.CronExpression)
	sched.NextRun = &next
	s.applyRestingStatusLocked(sched)

	if sched.Enabled {
		s.registerLocked(sched)
	}
	s.schedules[sched.ID] = sched

	if err := s.persistLocked(); err != nil {
		s.unregisterLocked(sched.ID)
		delete(s.schedules, sched.ID)
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"schedule_id": sched.ID,
		"type":        string(sched.Type),
		"cron":        sched.CronExpression,
		"enabled":     sched.Enabled,
	}).Info("Schedule created")

	return sched.clone(), nil
}

// UpdateSchedule applies the non-nil fields of update
func (s *Service) UpdateSchedule(id string, update ScheduleUpdate) (*Schedule, error) {
	if update.CronExpression != nil {
		if err := ValidateCronExpression(*update.CronExpression); err != nil {
			return nil, err
		}
	}
	if update.Type != nil && !update.Type.IsValid() {
		return nil, backup.NewValidationError(fmt.Sprintf("unknown backup type %q", *update.Type), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return nil, scheduleNotFound(id)
	}

	s.unregisterLocked(id)

	if update.Name != nil {
		sched.Name = *update.Name
	}
	if update.Type != nil {
		sched.Type = *update.Type
	}
	if update.CronExpression != nil {
		sched.CronExpression = *update.CronExpression
	}
	if update.Enabled != nil {
		sched.Enabled = *update.Enabled
	}
	if update.Options != nil {
		sched.Options = *update.Options
	}

	next := s.computeNextRun(sched.CronExpression)
	sched.NextRun = &next
	if sched.Status != ScheduleStatusRunning {
		s.applyRestingStatusLocked(sched)
	}
	if sched.Enabled {
		s.registerLocked(sched)
	}

	if err := s.persistLocked(); err != nil {
		return nil, err
	}

	s.logger.WithField("schedule_id", id).Info("Schedule updated")
	return sched.clone(), nil
}

// DeleteSchedule removes a schedule and its timer registration
func (s *Service) DeleteSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return scheduleNotFound(id)
	}

	s.unregisterLocked(id)
	delete(s.schedules, id)

	if err := s.persistLocked(); err != nil {
		return err
	}
	s.logger.WithField("schedule_id", id).Info("Schedule deleted")
	return nil
}

// EnableSchedule turns a schedule on and registers it with the timer
func (s *Service) EnableSchedule(id string) (*Schedule, error) {
	return s.setEnabled(id, true)
}

// DisableSchedule turns a schedule off; a running job finishes normally
func (s *Service) DisableSchedule(id string) (*Schedule, error) {
	return s.setEnabled(id, false)
}

func (s *Service) setEnabled(id string, enabled bool) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return nil, scheduleNotFound(id)
	}

	sched.Enabled = enabled
	s.unregisterLocked(id)
	if sched.Status != ScheduleStatusRunning {
		s.applyRestingStatusLocked(sched)
	}
	if enabled {
		s.registerLocked(sched)
	}

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{"schedule_id": id, "enabled": enabled}).Info("Schedule toggled")
	return sched.clone(), nil
}

// GetSchedule returns a copy of one schedule
func (s *Service) GetSchedule(id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[id]
	if !ok {
		return nil, scheduleNotFound(id)
	}
	return sched.clone(), nil
}

// GetAllSchedules returns copies of every schedule sorted by id
func (s *Service) GetAllSchedules() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() []*Schedule {
	all := make([]*Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		all = append(all, sched.clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// ForceRunSchedule starts a run in the background. The timer registration
// is left untouched.
func (s *Service) ForceRunSchedule(id string) error {
	s.mu.Lock()
	if _, ok := s.schedules[id]; !ok {
		s.mu.Unlock()
		return scheduleNotFound(id)
	}
	if s.shuttingDown {
		s.mu.Unlock()
		return backup.NewConflictError("scheduler is shutting down", nil)
	}
	s.forced.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.forced.Done()
		s.execute(s.baseCtx, id, true)
	}()
	return nil
}

// RunScheduleNow runs a schedule synchronously and returns its result
func (s *Service) RunScheduleNow(ctx context.Context, id string) (*backup.BackupResult, error) {
	return s.Execute(ctx, id)
}

// Execute runs one schedule: running, then active/inactive on success or
// error on failure. Errors are recorded on the schedule and returned.
// A database backup already in progress fails the run with a conflict.
func (s *Service) Execute(ctx context.Context, id string) (*backup.BackupResult, error) {
	return s.execute(ctx, id, false)
}

// execute with queue set waits for earlier scheduler-started database
// backups to finish instead of failing on the engine's in-progress flag.
func (s *Service) execute(ctx context.Context, id string, queue bool) (*backup.BackupResult, error) {
	s.mu.Lock()
	sched, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return nil, scheduleNotFound(id)
	}
	if sched.Status == ScheduleStatusRunning {
		s.mu.Unlock()
		return nil, backup.NewConflictError(fmt.Sprintf("schedule %s is already running", id), nil)
	}
	sched.Status = ScheduleStatusRunning
	snapshot := sched.clone()
	s.mu.Unlock()

	var (
		result *backup.BackupResult
		err    error
	)
	start := s.clock()
	if release, waitErr := s.acquireSlot(ctx, snapshot.Type, queue); waitErr != nil {
		err = waitErr
	} else {
		result, err = s.dispatch(ctx, snapshot, start)
		release()
	}
	finished := s.clock()

	s.mu.Lock()
	if current, ok := s.schedules[id]; ok {
		if err != nil {
			current.Status = ScheduleStatusError
			current.ErrorMessage = err.Error()
		} else {
			current.LastRun = &finished
			s.applyRestingStatusLocked(current)
		}
		next := s.computeNextRun(current.CronExpression)
		current.NextRun = &next

		if perr := s.persistLocked(); perr != nil {
			s.logger.WithField("schedule_id", id).WithError(perr).Warn("Failed to persist schedule state")
		}
	}
	s.mu.Unlock()

	s.logger.LogScheduleRun(id, string(snapshot.Type), finished.Sub(start), err)
	return result, err
}

func (s *Service) acquireSlot(ctx context.Context, backupType backup.BackupType, queue bool) (func(), error) {
	if !queue || backupType == backup.BackupTypeFiles {
		return func() {}, nil
	}
	select {
	case s.dbSlot <- struct{}{}:
		return func() { <-s.dbSlot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) dispatch(ctx context.Context, sched *Schedule, now time.Time) (*backup.BackupResult, error) {
	opts := sched.Options
	switch sched.Type {
	case backup.BackupTypeFull:
		return s.backups.CreateFullBackup(ctx, backup.FullBackupOptions{
			IncludeFiles:  opts.IncludeFiles,
			Compress:      opts.Compress,
			Encrypt:       opts.Encrypt,
			Comment:       opts.Comment,
			UploadToCloud: opts.UploadToCloud,
		})
	case backup.BackupTypeIncremental:
		return s.backups.CreateIncrementalBackup(ctx, backup.IncrementalBackupOptions{
			Tables:   opts.Tables,
			Compress: opts.Compress,
			Comment:  opts.Comment,
		})
	case backup.BackupTypeFiles:
		id := fmt.Sprintf("scheduled_files_%d", now.UnixMilli())
		return s.backups.CreateFileBackup(ctx, id, backup.FileBackupOptions{
			Directories: opts.Directories,
			Comment:     opts.Comment,
		})
	default:
		return nil, backup.NewValidationError(fmt.Sprintf("unknown backup type %q", sched.Type), nil)
	}
}

func (s *Service) runScheduled(id string) {
	s.mu.RLock()
	shuttingDown := s.shuttingDown
	s.mu.RUnlock()
	if shuttingDown {
		return
	}
	// errors are recorded on the schedule
	s.execute(s.baseCtx, id, true)
}

func (s *Service) runCleanup() {
	done := s.logger.LogOperationStart("scheduled_retention_cleanup", nil)
	deleted, err := s.backups.CleanupOldBackups(s.baseCtx)
	if err == nil && deleted > 0 {
		s.logger.WithField("deleted", deleted).Info("Scheduled retention cleanup removed backups")
	}
	done(err)
}

// GetSchedulerStats summarizes the schedule table
func (s *Service) GetSchedulerStats() *Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		TotalSchedules: len(s.schedules),
		TimerJobs:      len(s.registered),
		TimerAvailable: s.timer.Available(),
		Mode:           s.config.Mode,
	}
	for _, sched := range s.schedules {
		if sched.Enabled {
			stats.ActiveSchedules++
		}
		switch sched.Status {
		case ScheduleStatusRunning:
			stats.RunningSchedules++
		case ScheduleStatusError:
			stats.ErrorSchedules++
		}
	}
	stats.NextScheduledBackup = s.nextRunLocked()
	return stats
}

// GetDetailedStatus reports health and per-type/per-status counts
func (s *Service) GetDetailedStatus() *DetailedStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &DetailedStatus{
		IsHealthy:       s.healthyLocked(),
		IsShuttingDown:  s.shuttingDown,
		TotalSchedules:  len(s.schedules),
		ByType:          make(map[backup.BackupType]int),
		ByStatus:        make(map[ScheduleStatus]int),
		ActiveTimerJobs: len(s.registered),
		NextBackup:      s.nextRunLocked(),
		TimerReason:     timerReason(s.timer),
		Schedules:       s.snapshotLocked(),
	}
	for _, sched := range s.schedules {
		status.ByType[sched.Type]++
		status.ByStatus[sched.Status]++
	}
	return status
}

// IsHealthy reports false while shutting down, when any schedule is in
// error, or when enabled schedules cannot fire automatically.
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthyLocked()
}

func (s *Service) healthyLocked() bool {
	if s.shuttingDown {
		return false
	}
	anyEnabled := false
	for _, sched := range s.schedules {
		if sched.Status == ScheduleStatusError {
			return false
		}
		anyEnabled = anyEnabled || sched.Enabled
	}
	return s.timer.Available() || !anyEnabled
}

// NextScheduledRun returns the earliest next run of an enabled schedule,
// or nil when nothing will fire automatically.
func (s *Service) NextScheduledRun() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextRunLocked()
}

func (s *Service) nextRunLocked() *time.Time {
	if !s.timer.Available() {
		return nil
	}
	var next *time.Time
	for _, sched := range s.schedules {
		if !sched.Enabled || sched.NextRun == nil {
			continue
		}
		if next == nil || sched.NextRun.Before(*next) {
			t := *sched.NextRun
			next = &t
		}
	}
	return next
}

func (s *Service) registerLocked(sched *Schedule) {
	if !s.timer.Available() {
		return
	}
	id := sched.ID
	if err := s.timer.Register(id, sched.CronExpression, func() { s.runScheduled(id) }); err != nil {
		sched.Status = ScheduleStatusError
		sched.ErrorMessage = err.Error()
		s.logger.WithField("schedule_id", id).WithError(err).Error("Failed to register schedule")
		return
	}
	s.registered[id] = true
}

func (s *Service) unregisterLocked(id string) {
	if s.registered[id] {
		s.timer.Unregister(id)
		delete(s.registered, id)
	}
}

func (s *Service) registerCleanupLocked() {
	if !s.timer.Available() || s.registered[CleanupJobID] {
		return
	}
	if err := s.timer.Register(CleanupJobID, s.config.CleanupCron, s.runCleanup); err != nil {
		s.logger.WithError(err).Error("Failed to register retention cleanup")
		return
	}
	s.registered[CleanupJobID] = true
}

// applyRestingStatusLocked sets the status a schedule has when not running
func (s *Service) applyRestingStatusLocked(sched *Schedule) {
	switch {
	case !sched.Enabled:
		sched.Status = ScheduleStatusInactive
		sched.ErrorMessage = ""
	case !s.timer.Available():
		sched.Status = ScheduleStatusInactive
		sched.ErrorMessage = "automatic scheduling unavailable: " + timerReason(s.timer)
	default:
		sched.Status = ScheduleStatusActive
		sched.ErrorMessage = ""
	}
}

func (s *Service) computeNextRun(expr string) time.Time {
	now := s.clock()
	next, err := NextRun(expr, now, s.timer.Location())
	if err != nil {
		return now.Add(24 * time.Hour)
	}
	return next
}

func (s *Service) persistLocked() error {
	if s.store == nil {
		return nil
	}
	return s.store.Save(s.snapshotLocked())
}

func timerReason(timer Timer) string {
	if r, ok := timer.(interface{ Reason() string }); ok {
		return r.Reason()
	}
	return ""
}

func scheduleNotFound(id string) error {
	return backup.NewNotFoundError(fmt.Sprintf("schedule %s not found", id), nil).WithContext("schedule_id", id)
}
