// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "famsync"

// Collector is a prometheus.Collector for backup, sync and conflict activity.
// A nil *Collector is valid and records nothing.
type Collector struct {
	backupsCreated    *prometheus.CounterVec
	backupBytes       prometheus.Histogram
	backupRatio       prometheus.Histogram
	syncRuns          *prometheus.CounterVec
	syncDuration      prometheus.Histogram
	syncRecords       *prometheus.CounterVec
	conflictsDetected *prometheus.CounterVec
	conflictsResolved *prometheus.CounterVec
	transportRetries  prometheus.Counter
	scheduledEntries  prometheus.Gauge
	retentionDeleted  prometheus.Counter
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		backupsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backups_created_total",
				Help:      "The number of backups created.",
			}, []string{"remote_uploaded"},
		),
		backupBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "backup_size_bytes",
				Help:      "The stored size of created backups.",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),
		backupRatio: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "backup_compression_ratio",
				Help:      "The raw to stored size ratio of created backups.",
				Buckets:   []float64{1, 1.5, 2, 3, 5, 8, 13},
			},
		),
		syncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sync_runs_total",
				Help:      "The number of finished sync runs by status.",
			}, []string{"status"},
		),
		syncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "sync_duration_seconds",
				Help:      "The wall time of finished sync runs.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
		),
		syncRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sync_records_total",
				Help:      "The number of records moved by sync runs.",
			}, []string{"change"},
		),
		conflictsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "conflicts_detected_total",
				Help:      "The number of conflicts detected by kind.",
			}, []string{"kind"},
		),
		conflictsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "conflicts_resolved_total",
				Help:      "The number of conflicts resolved by resolution.",
			}, []string{"resolution"},
		),
		transportRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "transport_retries_total",
				Help:      "The number of retried remote transport calls.",
			},
		),
		scheduledEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "scheduled_entries",
				Help:      "The number of queued scheduler entries.",
			},
		),
		retentionDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retention_deleted_total",
				Help:      "The number of backups removed by retention.",
			},
		),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.backupsCreated, c.backupBytes, c.backupRatio,
		c.syncRuns, c.syncDuration, c.syncRecords,
		c.conflictsDetected, c.conflictsResolved,
		c.transportRetries, c.scheduledEntries, c.retentionDeleted,
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

// BackupCreated records a created backup
func (c *Collector) BackupCreated(sizeBytes int64, ratio float64, uploaded bool) {
	if c == nil {
		return
	}
	label := "false"
	if uploaded {
		label = "true"
	}
	c.backupsCreated.WithLabelValues(label).Inc()
	c.backupBytes.Observe(float64(sizeBytes))
	c.backupRatio.Observe(ratio)
}

// SyncFinished records a terminal sync run
func (c *Collector) SyncFinished(status string, duration time.Duration, newRecords, updated, deleted int) {
	if c == nil {
		return
	}
	c.syncRuns.WithLabelValues(status).Inc()
	c.syncDuration.Observe(duration.Seconds())
	c.syncRecords.WithLabelValues("new").Add(float64(newRecords))
	c.syncRecords.WithLabelValues("updated").Add(float64(updated))
	c.syncRecords.WithLabelValues("deleted").Add(float64(deleted))
}

// ConflictDetected records a detected conflict
func (c *Collector) ConflictDetected(kind string) {
	if c == nil {
		return
	}
	c.conflictsDetected.WithLabelValues(kind).Inc()
}

// ConflictResolved records a resolution, automatic or manual
func (c *Collector) ConflictResolved(resolution string) {
	if c == nil {
		return
	}
	c.conflictsResolved.WithLabelValues(resolution).Inc()
}

// TransportRetry records one retried remote call
func (c *Collector) TransportRetry() {
	if c == nil {
		return
	}
	c.transportRetries.Inc()
}

// SetScheduled sets the scheduler queue depth
func (c *Collector) SetScheduled(n int) {
	if c == nil {
		return
	}
	c.scheduledEntries.Set(float64(n))
}

// RetentionDeleted records backups removed by retention
func (c *Collector) RetentionDeleted(n int) {
	if c == nil {
		return
	}
	c.retentionDeleted.Add(float64(n))
}
