// Package metrics exposes the service's runtime counters on a
// dedicated registry and optionally pushes them to a Prometheus
// remote write endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/config"
	"github.com/leozw/query-guardian/internal/db"
	"github.com/leozw/query-guardian/internal/monitor"
)

type Collector struct {
	registry *prometheus.Registry
	cfg      config.MetricsConfig
	logger   *zap.Logger

	// Per-run metrics
	checksTotal    *prometheus.CounterVec
	checkDuration  *prometheus.HistogramVec
	rowsReturned   *prometheus.GaugeVec
	newErrors      *prometheus.CounterVec
	resolvedErrors *prometheus.CounterVec
	activeErrors   *prometheus.GaugeVec
	remindersSent  *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	unmatchedRows  *prometheus.CounterVec
	lastCheck      *prometheus.GaugeVec

	// Fleet and scheduler metrics
	queriesTotal    prometheus.Gauge
	queriesEnabled  prometheus.Gauge
	queriesBySource *prometheus.GaugeVec
	queueDepth      *prometheus.GaugeVec
	cleanupDeleted  *prometheus.CounterVec
}

// NewCollector builds a collector on its own registry, so the api and
// scheduler binaries (and tests) can each hold one without colliding
// on the default registry.
func NewCollector(cfg config.MetricsConfig, logger *zap.Logger) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		cfg:      cfg,
		logger:   logger,

		checksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_checks_total",
				Help: "Total number of check runs by outcome",
			},
			[]string{"query_id", "query_name", "status"},
		),

		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guardian_check_duration_seconds",
				Help:    "Duration of check runs in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"query_id", "query_name"},
		),

		rowsReturned: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "guardian_rows_returned",
				Help: "Rows returned by the last successful run",
			},
			[]string{"query_id", "query_name"},
		),

		newErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_errors_new_total",
				Help: "Total number of newly detected errors",
			},
			[]string{"query_id", "query_name"},
		),

		resolvedErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_errors_resolved_total",
				Help: "Total number of errors that stopped appearing",
			},
			[]string{"query_id", "query_name"},
		),

		activeErrors: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "guardian_errors_active",
				Help: "Unresolved errors after the last successful run",
			},
			[]string{"query_id", "query_name"},
		),

		remindersSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_reminders_sent_total",
				Help: "Total number of reminder notifications delivered",
			},
			[]string{"query_id", "query_name"},
		),

		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_notifications_sent_total",
				Help: "Total number of notifications that went out on any transport",
			},
			[]string{"query_id", "query_name"},
		),

		unmatchedRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_unmatched_rows_total",
				Help: "Rows that matched no routing rule",
			},
			[]string{"query_id", "query_name"},
		),

		lastCheck: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "guardian_last_check_timestamp",
				Help: "Unix time of the last executed run",
			},
			[]string{"query_id", "query_name"},
		),

		queriesTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "guardian_queries_total",
				Help: "Total number of configured queries",
			},
		),

		queriesEnabled: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "guardian_queries_enabled",
				Help: "Number of enabled queries",
			},
		),

		queriesBySource: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "guardian_queries_by_source",
				Help: "Number of queries by source type",
			},
			[]string{"source_type"},
		),

		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "guardian_check_queue_depth",
				Help: "Jobs waiting in the worker queue",
			},
			[]string{"worker_pool"},
		),

		cleanupDeleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_retention_deleted_total",
				Help: "Rows removed by retention cleanup",
			},
			[]string{"category"},
		),
	}
}

// Registry backs the /metrics endpoint.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RecordRun folds one execution result into the metric set. Skipped
// runs only count; durations and gauges reflect runs that actually
// executed, so a skip never wipes the last real values.
func (c *Collector) RecordRun(res *monitor.ExecutionResult) {
	base := prometheus.Labels{
		"query_id":   res.QueryID,
		"query_name": res.QueryName,
	}

	c.checksTotal.With(prometheus.Labels{
		"query_id":   res.QueryID,
		"query_name": res.QueryName,
		"status":     string(res.Status),
	}).Inc()

	if res.Status == db.RunStatusSkipped {
		return
	}

	c.checkDuration.With(base).Observe(float64(res.DurationMs) / 1000)
	c.lastCheck.With(base).SetToCurrentTime()

	if res.Status != db.RunStatusSuccess {
		return
	}

	c.rowsReturned.With(base).Set(float64(res.RowsReturned))
	c.activeErrors.With(base).Set(float64(res.ActiveErrors))
	c.newErrors.With(base).Add(float64(res.NewErrors))
	c.resolvedErrors.With(base).Add(float64(res.ResolvedErrors))
	c.remindersSent.With(base).Add(float64(res.RemindersSent))
	c.notifications.With(base).Add(float64(res.NotificationsSent))
	c.unmatchedRows.With(base).Add(float64(res.UnmatchedRows))
}

// RecordQueryStats refreshes the fleet gauges; the scheduler calls it
// once per tick.
func (c *Collector) RecordQueryStats(total, enabled int, bySource map[string]int) {
	c.queriesTotal.Set(float64(total))
	c.queriesEnabled.Set(float64(enabled))
	for sourceType, count := range bySource {
		c.queriesBySource.With(prometheus.Labels{"source_type": sourceType}).Set(float64(count))
	}
}

func (c *Collector) RecordQueueDepth(pool string, depth int) {
	c.queueDepth.With(prometheus.Labels{"worker_pool": pool}).Set(float64(depth))
}

func (c *Collector) RecordCleanup(category string, deleted int64) {
	c.cleanupDeleted.With(prometheus.Labels{"category": category}).Add(float64(deleted))
}
