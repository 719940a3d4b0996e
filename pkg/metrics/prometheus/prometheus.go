// Package prometheus is the default metrics.* implementation, registering
// "realmsync_" prefixed gauges/counters/histograms against a supplied
// prometheus.Registerer.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arcusdb/realmsync/pkg/metrics"
)

// Recorder implements metrics.WorkerMetrics, metrics.CoordinatorMetrics,
// metrics.ConnectionMetrics, and metrics.BackupMetrics against one
// prometheus.Registerer. A nil *Recorder is not valid; construct one with
// New even in tests that never serve /metrics.
type Recorder struct {
	queueDepth     prometheus.Gauge
	jobLatency     prometheus.Histogram
	openFiles      prometheus.Gauge
	blockedBytes   *prometheus.GaugeVec
	workUnitLat    *prometheus.HistogramVec
	activeConns    prometheus.Gauge
	activeSessions prometheus.Gauge
	rtt            prometheus.Histogram
	uploadDuration prometheus.Histogram
	uploadFailures prometheus.Counter
}

var (
	_ metrics.WorkerMetrics      = (*Recorder)(nil)
	_ metrics.CoordinatorMetrics = (*Recorder)(nil)
	_ metrics.ConnectionMetrics  = (*Recorder)(nil)
	_ metrics.BackupMetrics      = (*Recorder)(nil)
)

// New creates and registers all realmsync metrics against registerer. If
// registerer is nil, prometheus.DefaultRegisterer is used.
func New(registerer prometheus.Registerer) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realmsync_worker_queue_depth",
			Help: "Number of work units waiting on the primary worker.",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "realmsync_worker_job_latency_seconds",
			Help:    "Time spent processing one work unit on the primary worker.",
			Buckets: prometheus.DefBuckets,
		}),
		openFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realmsync_open_realm_files",
			Help: "Number of realm files with an active File Coordinator.",
		}),
		blockedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "realmsync_blocked_bytes",
			Help: "Bytes accumulated in a realm file's blocked-changeset queue.",
		}, []string{"path"}),
		workUnitLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "realmsync_work_unit_latency_seconds",
			Help:    "Time spent in one work unit's Process step on the primary worker.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realmsync_active_connections",
			Help: "Number of currently connected clients.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realmsync_active_sessions",
			Help: "Number of currently bound sessions across all connections.",
		}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "realmsync_ping_rtt_seconds",
			Help:    "Observed PING/PONG round-trip time.",
			Buckets: prometheus.DefBuckets,
		}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "realmsync_backup_upload_duration_seconds",
			Help:    "Time spent uploading a realm snapshot to the backup sink.",
			Buckets: prometheus.DefBuckets,
		}),
		uploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realmsync_backup_upload_failures_total",
			Help: "Count of failed realm snapshot uploads.",
		}),
	}

	registerer.MustRegister(
		r.queueDepth, r.jobLatency, r.openFiles, r.blockedBytes, r.workUnitLat,
		r.activeConns, r.activeSessions, r.rtt, r.uploadDuration, r.uploadFailures,
	)
	return r
}

func (r *Recorder) SetQueueDepth(n int)                   { r.queueDepth.Set(float64(n)) }
func (r *Recorder) ObserveJobLatency(d time.Duration)     { r.jobLatency.Observe(d.Seconds()) }
func (r *Recorder) SetOpenFiles(n int)                    { r.openFiles.Set(float64(n)) }
func (r *Recorder) SetBlockedBytes(path string, n int64)  { r.blockedBytes.WithLabelValues(path).Set(float64(n)) }
func (r *Recorder) ObserveWorkUnitLatency(path string, d time.Duration) {
	r.workUnitLat.WithLabelValues(path).Observe(d.Seconds())
}
func (r *Recorder) SetActiveConnections(n int)         { r.activeConns.Set(float64(n)) }
func (r *Recorder) SetActiveSessions(n int)            { r.activeSessions.Set(float64(n)) }
func (r *Recorder) ObserveRoundTripTime(d time.Duration) { r.rtt.Observe(d.Seconds()) }
func (r *Recorder) ObserveUploadDuration(d time.Duration) { r.uploadDuration.Observe(d.Seconds()) }
func (r *Recorder) IncUploadFailures()                  { r.uploadFailures.Inc() }
