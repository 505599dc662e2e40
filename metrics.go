package quarry

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems.
type MetricsCollector interface {
	// RecordApply is called after each build pass.
	// indexed/removed count documents, duration is the total pass time,
	// err is nil if the pass published.
	RecordApply(indexed, removed int, duration time.Duration, err error)

	// RecordSearch is called after each search.
	// hits is the page size returned, duration is the time taken,
	// err is nil if successful.
	RecordSearch(hits int, duration time.Duration, err error)

	// RecordBackup is called after each backup or restore.
	RecordBackup(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordApply(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)     {}
func (NoopMetricsCollector) RecordBackup(time.Duration, error)          {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	ApplyCount       atomic.Int64
	ApplyErrors      atomic.Int64
	ApplyTotalNanos  atomic.Int64
	DocsIndexed      atomic.Int64
	DocsRemoved      atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	BackupCount      atomic.Int64
	BackupErrors     atomic.Int64
}

// RecordApply implements MetricsCollector.
func (b *BasicMetricsCollector) RecordApply(indexed, removed int, duration time.Duration, err error) {
	b.ApplyCount.Add(1)
	b.ApplyTotalNanos.Add(duration.Nanoseconds())
	b.DocsIndexed.Add(int64(indexed))
	b.DocsRemoved.Add(int64(removed))
	if err != nil {
		b.ApplyErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(hits int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordBackup implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBackup(duration time.Duration, err error) {
	b.BackupCount.Add(1)
	if err != nil {
		b.BackupErrors.Add(1)
	}
}

// PrometheusMetricsCollector exports engine metrics through a Prometheus
// registry.
type PrometheusMetricsCollector struct {
	applies        *prometheus.CounterVec
	applyDuration  prometheus.Histogram
	docsIndexed    prometheus.Counter
	docsRemoved    prometheus.Counter
	searches       *prometheus.CounterVec
	searchDuration prometheus.Histogram
	backups        *prometheus.CounterVec
}

// NewPrometheusMetricsCollector registers the engine's metrics with the
// given registerer (e.g. prometheus.DefaultRegisterer) under the quarry
// namespace.
func NewPrometheusMetricsCollector(reg prometheus.Registerer) (*PrometheusMetricsCollector, error) {
	c := &PrometheusMetricsCollector{
		applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quarry",
			Name:      "applies_total",
			Help:      "Build passes, by outcome.",
		}, []string{"status"}),
		applyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quarry",
			Name:      "apply_duration_seconds",
			Help:      "Build pass duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		docsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Name:      "documents_indexed_total",
			Help:      "Documents written by build passes.",
		}),
		docsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Name:      "documents_removed_total",
			Help:      "Documents removed by build passes.",
		}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quarry",
			Name:      "searches_total",
			Help:      "Search requests, by outcome.",
		}, []string{"status"}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quarry",
			Name:      "search_duration_seconds",
			Help:      "Search request duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quarry",
			Name:      "backups_total",
			Help:      "Backup and restore operations, by outcome.",
		}, []string{"status"}),
	}
	for _, col := range []prometheus.Collector{
		c.applies, c.applyDuration, c.docsIndexed, c.docsRemoved,
		c.searches, c.searchDuration, c.backups,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordApply implements MetricsCollector.
func (c *PrometheusMetricsCollector) RecordApply(indexed, removed int, duration time.Duration, err error) {
	c.applies.WithLabelValues(status(err)).Inc()
	c.applyDuration.Observe(duration.Seconds())
	c.docsIndexed.Add(float64(indexed))
	c.docsRemoved.Add(float64(removed))
}

// RecordSearch implements MetricsCollector.
func (c *PrometheusMetricsCollector) RecordSearch(hits int, duration time.Duration, err error) {
	c.searches.WithLabelValues(status(err)).Inc()
	c.searchDuration.Observe(duration.Seconds())
}

// RecordBackup implements MetricsCollector.
func (c *PrometheusMetricsCollector) RecordBackup(duration time.Duration, err error) {
	c.backups.WithLabelValues(status(err)).Inc()
}
