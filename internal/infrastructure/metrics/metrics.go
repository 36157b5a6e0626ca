// Package metrics exposes Prometheus metrics for sync runs, resolution and
// the HTTP API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"contactsync/internal/domain/resolution"
	"contactsync/internal/domain/source"
	"contactsync/internal/domain/syncrun"
)

const namespace = "contactsync"

// Recorder implements syncrun.Metrics and resolution.Metrics.
type Recorder struct {
	runsTotal     *prometheus.CounterVec
	runRows       *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	fetchRetries  *prometheus.CounterVec
	lastRunStatus *prometheus.GaugeVec

	decisions         *prometheus.CounterVec
	supersessions     *prometheus.CounterVec
	reconcileRecords  *prometheus.CounterVec
	reconcileDuration prometheus.Histogram

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	HTTPPanics   prometheus.Counter
}

var (
	_ syncrun.Metrics    = (*Recorder)(nil)
	_ resolution.Metrics = (*Recorder)(nil)
)

// NewRecorder registers all metrics with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Sealed sync runs by source and terminal status",
		}, []string{"source_type", "status"}),
		runRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "rows_total",
			Help:      "Rows seen by sync runs by outcome",
		}, []string{"source_type", "outcome"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"source_type"}),
		fetchRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "fetch_retries_total",
			Help:      "Retried page fetches by source",
		}, []string{"source_type"}),
		lastRunStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_run_success",
			Help:      "1 when the last run of the source was not failed",
		}, []string{"source_type"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolution",
			Name:      "decisions_total",
			Help:      "Resolution decisions by confidence tier",
		}, []string{"tier"}),
		supersessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolution",
			Name:      "supersessions_total",
			Help:      "Resolution records replaced, by previous and new tier",
		}, []string{"from", "to"}),
		reconcileRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "records_total",
			Help:      "Records handled by reconcile passes by outcome",
		}, []string{"outcome"}),
		reconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of reconcile passes",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		HTTPPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "panics_total",
			Help:      "Handler panics recovered",
		}),
	}
}

// RunSealed implements syncrun.Metrics.
func (r *Recorder) RunSealed(run *syncrun.Run) {
	st := string(run.SourceType)
	r.runsTotal.WithLabelValues(st, string(run.Status)).Inc()
	r.runRows.WithLabelValues(st, "processed").Add(float64(run.RowsProcessed))
	r.runRows.WithLabelValues(st, "failed").Add(float64(run.RowsFailed))
	r.runRows.WithLabelValues(st, "skipped").Add(float64(run.RowsSkipped))
	r.runDuration.WithLabelValues(st).Observe(run.Duration().Seconds())

	ok := 0.0
	if run.Status != syncrun.StatusFailed {
		ok = 1
	}
	r.lastRunStatus.WithLabelValues(st).Set(ok)
}

// FetchRetried implements syncrun.Metrics.
func (r *Recorder) FetchRetried(st source.Type) {
	r.fetchRetries.WithLabelValues(string(st)).Inc()
}

// Decided implements resolution.Metrics.
func (r *Recorder) Decided(tier resolution.Tier) {
	r.decisions.WithLabelValues(string(tier)).Inc()
}

// Superseded implements resolution.Metrics. from is empty for a first resolution.
func (r *Recorder) Superseded(from, to resolution.Tier) {
	if from == "" {
		from = "none"
	}
	r.supersessions.WithLabelValues(string(from), string(to)).Inc()
}

// ReconcileFinished implements resolution.Metrics.
func (r *Recorder) ReconcileFinished(res resolution.ReconcileResult, elapsed time.Duration) {
	r.reconcileRecords.WithLabelValues("rescored").Add(float64(res.Rescored))
	r.reconcileRecords.WithLabelValues("upgraded").Add(float64(res.Upgraded))
	r.reconcileRecords.WithLabelValues("failed").Add(float64(res.Failed))
	r.reconcileDuration.Observe(elapsed.Seconds())
}
