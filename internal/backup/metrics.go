package backup

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus collectors. Each instance owns its
// registry so tests and multiple engines never collide.
type Metrics struct {
	registry *prometheus.Registry

	operations       *prometheus.CounterVec
	restores         *prometheus.CounterVec
	retentionDeleted prometheus.Counter
	uploads          *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	inProgress       prometheus.Gauge
	lastSuccess      *prometheus.GaugeVec
}

// NewMetrics registers every collector on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_operations_total",
			Help: "Backup operations by type and result",
		}, []string{"type", "result"}),
		restores: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_restores_total",
			Help: "Restore operations by backup type and result",
		}, []string{"type", "result"}),
		retentionDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "backup_retention_deleted_total",
			Help: "Backups removed by the retention policy",
		}),
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_uploads_total",
			Help: "Off-site uploads by provider and result",
		}, []string{"provider", "result"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backup_duration_seconds",
			Help:    "Duration of backup operations",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"type"}),
		inProgress: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backup_in_progress",
			Help: "1 while a database backup holds the exclusion flag",
		}),
		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backup_last_success_timestamp_seconds",
			Help: "Unix time of the last successful backup by type",
		}, []string{"type"}),
	}
}

// Registry exposes the registry for promhttp
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordBackup records one finished backup operation
func (m *Metrics) RecordBackup(backupType BackupType, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(string(backupType), result(err)).Inc()
	if err == nil {
		m.duration.WithLabelValues(string(backupType)).Observe(duration.Seconds())
		m.lastSuccess.WithLabelValues(string(backupType)).SetToCurrentTime()
	}
}

// RecordRestore records one finished restore step
func (m *Metrics) RecordRestore(backupType BackupType, err error) {
	if m == nil {
		return
	}
	m.restores.WithLabelValues(string(backupType), result(err)).Inc()
}

// RecordRetention adds deleted backups to the retention counter
func (m *Metrics) RecordRetention(deleted int) {
	if m == nil || deleted <= 0 {
		return
	}
	m.retentionDeleted.Add(float64(deleted))
}

// RecordUpload records one upload attempt
func (m *Metrics) RecordUpload(provider string, err error) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(provider, result(err)).Inc()
}

// SetInProgress mirrors the executor's exclusion flag
func (m *Metrics) SetInProgress(active bool) {
	if m == nil {
		return
	}
	if active {
		m.inProgress.Set(1)
	} else {
		m.inProgress.Set(0)
	}
}
