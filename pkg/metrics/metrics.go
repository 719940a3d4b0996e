// Package metrics declares the gauges/counters/histograms the synchronization
// core reports through, independent of any particular metrics backend.
// pkg/metrics/prometheus supplies the default Prometheus-backed
// implementation; the core itself only depends on these interfaces.
package metrics

import "time"

// WorkerMetrics reports primary-worker queue depth and job latency.
type WorkerMetrics interface {
	SetQueueDepth(n int)
	ObserveJobLatency(d time.Duration)
}

// CoordinatorMetrics reports File Coordinator gauges.
type CoordinatorMetrics interface {
	SetOpenFiles(n int)
	SetBlockedBytes(path string, n int64)
	ObserveWorkUnitLatency(path string, d time.Duration)
}

// ConnectionMetrics reports per-connection liveness gauges.
type ConnectionMetrics interface {
	SetActiveConnections(n int)
	SetActiveSessions(n int)
	ObserveRoundTripTime(d time.Duration)
}

// BackupMetrics reports realm-snapshot upload outcomes.
type BackupMetrics interface {
	ObserveUploadDuration(d time.Duration)
	IncUploadFailures()
}
