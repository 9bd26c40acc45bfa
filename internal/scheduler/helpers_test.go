package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"backup-engine/internal/backup"
)

var testNow = time.Date(2024, 3, 10, 10, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) CreateFullBackup(ctx context.Context, opts backup.FullBackupOptions) (*backup.BackupResult, error) {
	args := m.Called(ctx, opts)
	result, _ := args.Get(0).(*backup.BackupResult)
	return result, args.Error(1)
}

func (m *mockRunner) CreateIncrementalBackup(ctx context.Context, opts backup.IncrementalBackupOptions) (*backup.BackupResult, error) {
	args := m.Called(ctx, opts)
	result, _ := args.Get(0).(*backup.BackupResult)
	return result, args.Error(1)
}

func (m *mockRunner) CreateFileBackup(ctx context.Context, id string, opts backup.FileBackupOptions) (*backup.BackupResult, error) {
	args := m.Called(ctx, id, opts)
	result, _ := args.Get(0).(*backup.BackupResult)
	return result, args.Error(1)
}

func (m *mockRunner) CleanupOldBackups(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// fakeTimer records registrations and fires them on demand
type fakeTimer struct {
	mu      sync.Mutex
	jobs    map[string]func()
	exprs   map[string]string
	started bool
	stopped bool

	registerErr error
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{jobs: make(map[string]func()), exprs: make(map[string]string)}
}

func (t *fakeTimer) Register(id, expr string, job func()) error {
	if err := ValidateCronExpression(expr); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.registerErr != nil {
		return t.registerErr
	}
	t.jobs[id] = job
	t.exprs[id] = expr
	return nil
}

func (t *fakeTimer) Unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
	delete(t.exprs, id)
}

func (t *fakeTimer) Start() {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
}

func (t *fakeTimer) Stop() context.Context {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func (t *fakeTimer) Available() bool          { return true }
func (t *fakeTimer) Location() *time.Location { return time.UTC }

func (t *fakeTimer) fire(id string) bool {
	t.mu.Lock()
	job, ok := t.jobs[id]
	t.mu.Unlock()
	if ok {
		job()
	}
	return ok
}

func (t *fakeTimer) registered(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	expr, ok := t.exprs[id]
	return expr, ok
}

func newTestService(runner BackupRunner, timer Timer) *Service {
	return NewService(DefaultConfig(), runner, timer, nil).WithClock(fixedClock)
}

func boolPtr(v bool) *bool { return &v }

func strPtr(v string) *string { return &v }

// exclusiveRunner fails a database backup that overlaps another one, the
// way the engine's in-progress flag does
type exclusiveRunner struct {
	inProgress atomic.Bool
	hold       time.Duration

	mu        sync.Mutex
	completed []backup.BackupType
}

func (r *exclusiveRunner) run(backupType backup.BackupType) (*backup.BackupResult, error) {
	if !r.inProgress.CompareAndSwap(false, true) {
		return nil, backup.NewConflictError("backup already in progress", nil)
	}
	defer r.inProgress.Store(false)

	time.Sleep(r.hold)

	r.mu.Lock()
	r.completed = append(r.completed, backupType)
	r.mu.Unlock()
	return &backup.BackupResult{BackupID: "backup_" + string(backupType)}, nil
}

func (r *exclusiveRunner) CreateFullBackup(context.Context, backup.FullBackupOptions) (*backup.BackupResult, error) {
	return r.run(backup.BackupTypeFull)
}

func (r *exclusiveRunner) CreateIncrementalBackup(context.Context, backup.IncrementalBackupOptions) (*backup.BackupResult, error) {
	return r.run(backup.BackupTypeIncremental)
}

func (r *exclusiveRunner) CreateFileBackup(context.Context, string, backup.FileBackupOptions) (*backup.BackupResult, error) {
	return &backup.BackupResult{BackupID: "files"}, nil
}

func (r *exclusiveRunner) CleanupOldBackups(context.Context) (int, error) { return 0, nil }

func (r *exclusiveRunner) completedTypes() []backup.BackupType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]backup.BackupType(nil), r.completed...)
}
