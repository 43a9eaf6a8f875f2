package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stream"

// Metrics holds all Prometheus metrics for the stream node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Log metrics
	AppendsTotal      *prometheus.CounterVec
	AppendBytes       *prometheus.HistogramVec
	AppendDuration    *prometheus.HistogramVec
	AppendErrorsTotal *prometheus.CounterVec
	ReadsTotal        *prometheus.CounterVec
	CommitsTotal      *prometheus.CounterVec
	OpenTailers       prometheus.Gauge

	// Computation metrics
	RecordsProcessedTotal *prometheus.CounterVec
	RecordsProducedTotal  *prometheus.CounterVec
	ProcessDuration       *prometheus.HistogramVec
	FailuresTotal         *prometheus.CounterVec
	RetriesTotal          *prometheus.CounterVec
	SkippedTotal          *prometheus.CounterVec
	CheckpointsTotal      *prometheus.CounterVec
	TimersFiredTotal      *prometheus.CounterVec
	ActiveRunners         *prometheus.GaugeVec
	ComputationLag        *prometheus.GaugeVec
	LowWatermark          prometheus.Gauge

	// System metrics
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
}

// NewMetrics creates the metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		AppendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "appends_total",
			Help:        "Total number of records appended by stream",
			ConstLabels: labels,
		}, []string{"stream"}),
		AppendBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "append_bytes",
			Help:        "Histogram of encoded record sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(64, 4, 8), // 64B to 1MB
		}, []string{"stream"}),
		AppendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "append_duration_seconds",
			Help:        "Histogram of append durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"stream"}),
		AppendErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "append_errors_total",
			Help:        "Total number of rejected or failed appends",
			ConstLabels: labels,
		}, []string{"stream"}),
		ReadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "reads_total",
			Help:        "Total number of records read by consumer group",
			ConstLabels: labels,
		}, []string{"group"}),
		CommitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "commits_total",
			Help:        "Total number of tailer commits by consumer group",
			ConstLabels: labels,
		}, []string{"group"}),
		OpenTailers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "open_tailers",
			Help:        "Current number of open tailers",
			ConstLabels: labels,
		}),

		RecordsProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "computation",
			Name:        "records_processed_total",
			Help:        "Total number of records processed by computation",
			ConstLabels: labels,
		}, []string{"computation"}),
		RecordsProducedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "computation",
			Name:        "records_produced_total",
			Help:        "Total number of records produced by computation",
			ConstLabels: labels,
		}, []string{"computation"}),
		ProcessDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "computation",
			Name:        "process_duration_seconds",
			Help:        "Histogram of record callback durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"computation"}),
		FailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "computation",
			Name:        "failures_total",
			Help:        "Total number of callback failures by computation",
			ConstLabels: labels,
		}, []string{"computation"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "computation",
			Name:        "retries_total",
			Help:        "Total number of retried records by computation",
			ConstLabels: labels,
		}, []string{"computation"}),
		SkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "computation",
			Name:        "skipped_total",
			Help:        "Total number of records skipped after failure",
			ConstLabels: labels,
		}, []string{"computation"}),
		CheckpointsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "computation",
			Name:        "checkpoints_total",
			Help:        "Total number of checkpoints by computation",
			ConstLabels: labels,
		}, []string{"computation"}),
		TimersFiredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "computation",
			Name:        "timers_fired_total",
			Help:        "Total number of timers fired by computation",
			ConstLabels: labels,
		}, []string{"computation"}),
		ActiveRunners: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "computation",
			Name:        "active_runners",
			Help:        "Current number of running runners by computation",
			ConstLabels: labels,
		}, []string{"computation"}),
		ComputationLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "computation",
			Name:        "lag",
			Help:        "Records not yet committed by computation on its input streams",
			ConstLabels: labels,
		}, []string{"computation"}),
		LowWatermark: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "processor",
			Name:        "low_watermark_timestamp_ms",
			Help:        "Timestamp of the processor low watermark",
			ConstLabels: labels,
		}),

		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available disk space in bytes",
			ConstLabels: labels,
		}),
		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage",
			ConstLabels: labels,
		}),
	}
}

// RecordAppend records a successful append
func (m *Metrics) RecordAppend(stream string, duration float64, bytes int) {
	if m == nil {
		return
	}
	m.AppendsTotal.WithLabelValues(stream).Inc()
	m.AppendBytes.WithLabelValues(stream).Observe(float64(bytes))
	m.AppendDuration.WithLabelValues(stream).Observe(duration)
}

// RecordAppendError records a failed append
func (m *Metrics) RecordAppendError(stream string) {
	if m == nil {
		return
	}
	m.AppendErrorsTotal.WithLabelValues(stream).Inc()
}

// RecordRead records a record read by a tailer
func (m *Metrics) RecordRead(group string) {
	if m == nil {
		return
	}
	m.ReadsTotal.WithLabelValues(group).Inc()
}

// RecordCommit records a tailer commit
func (m *Metrics) RecordCommit(group string) {
	if m == nil {
		return
	}
	m.CommitsTotal.WithLabelValues(group).Inc()
}

// TailerOpened tracks open tailers, delta is 1 on open and -1 on close
func (m *Metrics) TailerOpened(delta int) {
	if m == nil {
		return
	}
	m.OpenTailers.Add(float64(delta))
}

// RecordProcessed records a processed record
func (m *Metrics) RecordProcessed(computation string, duration float64) {
	if m == nil {
		return
	}
	m.RecordsProcessedTotal.WithLabelValues(computation).Inc()
	m.ProcessDuration.WithLabelValues(computation).Observe(duration)
}

// RecordProduced records records produced by a computation
func (m *Metrics) RecordProduced(computation string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.RecordsProducedTotal.WithLabelValues(computation).Add(float64(count))
}

// RecordFailure records a failed callback
func (m *Metrics) RecordFailure(computation string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(computation).Inc()
}

// RecordRetry records a retry attempt
func (m *Metrics) RecordRetry(computation string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(computation).Inc()
}

// RecordSkipped records records dropped after failure
func (m *Metrics) RecordSkipped(computation string, count int) {
	if m == nil {
		return
	}
	m.SkippedTotal.WithLabelValues(computation).Add(float64(count))
}

// RecordCheckpoint records a checkpoint
func (m *Metrics) RecordCheckpoint(computation string) {
	if m == nil {
		return
	}
	m.CheckpointsTotal.WithLabelValues(computation).Inc()
}

// RecordTimerFired records a fired timer
func (m *Metrics) RecordTimerFired(computation string) {
	if m == nil {
		return
	}
	m.TimersFiredTotal.WithLabelValues(computation).Inc()
}

// RunnerStarted tracks running runners, delta is 1 on start and -1 on exit
func (m *Metrics) RunnerStarted(computation string, delta int) {
	if m == nil {
		return
	}
	m.ActiveRunners.WithLabelValues(computation).Add(float64(delta))
}

// UpdateLag sets the lag of a computation
func (m *Metrics) UpdateLag(computation string, lag int64) {
	if m == nil {
		return
	}
	m.ComputationLag.WithLabelValues(computation).Set(float64(lag))
}

// UpdateLowWatermark sets the processor low watermark timestamp
func (m *Metrics) UpdateLowWatermark(timestampMs int64) {
	if m == nil {
		return
	}
	m.LowWatermark.Set(float64(timestampMs))
}

// UpdateDiskStats updates disk statistics
func (m *Metrics) UpdateDiskStats(usagePercent float64, availableBytes uint64) {
	if m == nil {
		return
	}
	m.DiskUsagePercent.Set(usagePercent)
	m.DiskAvailableBytes.Set(float64(availableBytes))
}
