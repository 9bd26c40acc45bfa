package backup

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordBackup(t *testing.T) {
	m := NewMetrics()

	m.RecordBackup(BackupTypeFull, 3*time.Second, nil)
	m.RecordBackup(BackupTypeFull, time.Second, errors.New("dump failed"))
	m.RecordBackup(BackupTypeFiles, time.Second, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("full", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("full", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("files", "success")))
	assert.Greater(t, testutil.ToFloat64(m.lastSuccess.WithLabelValues("full")), 0.0)
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestMetrics_RestoreRetentionUpload(t *testing.T) {
	m := NewMetrics()

	m.RecordRestore(BackupTypeIncremental, nil)
	m.RecordRetention(0)
	m.RecordRetention(3)
	m.RecordUpload("s3", errors.New("timeout"))
	m.SetInProgress(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.restores.WithLabelValues("incremental", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.retentionDeleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("s3", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inProgress))

	m.SetInProgress(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inProgress))
}

func TestMetrics_IsolatedRegistries(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.RecordRetention(1)

	assert.Equal(t, 0.0, testutil.ToFloat64(b.retentionDeleted))
	assert.NotSame(t, a.Registry(), b.Registry())

	families, err := a.Registry().Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordBackup(BackupTypeFull, time.Second, nil)
		m.RecordRestore(BackupTypeFull, nil)
		m.RecordRetention(1)
		m.RecordUpload("rclone", nil)
		m.SetInProgress(true)
	})
}
