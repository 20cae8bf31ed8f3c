package prometheus

import (
	"sync"
	"time"

	"github.com/marmos91/pipeserv/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// pipelineMetrics is the Prometheus implementation of metrics.PipelineMetrics.
type pipelineMetrics struct {
	connectionsAccepted prometheus.Counter
	acceptErrors        prometheus.Counter
	activeConnections   prometheus.Gauge
	stageEnqueues       *prometheus.CounterVec
	stageDuration       *prometheus.HistogramVec
	bytesRead           prometheus.Counter
	bytesWritten        *prometheus.CounterVec
	syncFlushes         prometheus.Counter
	writeBackRetries    prometheus.Counter
	recycleBatchSize    prometheus.Histogram
	connectionsRecycled prometheus.Counter
	handlerPanics       prometheus.Counter
	ownershipViolations prometheus.Counter
}

var (
	pipelineOnce sync.Once
	pipelineInst *pipelineMetrics
)

// NewPipelineMetrics returns the Prometheus-backed PipelineMetrics bound to
// the global registry. The collectors are registered once; every later call
// returns the same instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewPipelineMetrics() metrics.PipelineMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopPipelineMetrics()
	}
	pipelineOnce.Do(func() {
		pipelineInst = newPipelineMetrics(metrics.GetRegistry())
	})
	return pipelineInst
}

func newPipelineMetrics(reg prometheus.Registerer) *pipelineMetrics {
	return &pipelineMetrics{
		connectionsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "pipeserv_connections_accepted_total",
				Help: "Total number of connections accepted",
			},
		),
		acceptErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "pipeserv_accept_errors_total",
				Help: "Total number of failed accept calls",
			},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeserv_active_connections",
				Help: "Current number of connections not yet destroyed",
			},
		),
		stageEnqueues: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeserv_stage_enqueues_total",
				Help: "Total number of connection hand-offs into each stage",
			},
			[]string{"stage"},
		),
		stageDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "pipeserv_stage_duration_milliseconds",
				Help: "Time spent processing one connection in a stage",
				Buckets: []float64{
					0.1, // 100us
					1,   // 1ms
					10,  // 10ms
					100, // 100ms
					1000,
				},
			},
			[]string{"stage"},
		),
		bytesRead: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "pipeserv_bytes_read_total",
				Help: "Total bytes read from client sockets",
			},
		),
		bytesWritten: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeserv_bytes_written_total",
				Help: "Total bytes written to client sockets by write path",
			},
			[]string{"path"},
		),
		syncFlushes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "pipeserv_sync_flushes_total",
				Help: "Synchronous flushes forced by the response memory threshold",
			},
		),
		writeBackRetries: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "pipeserv_write_back_retries_total",
				Help: "Write-back re-enqueues caused by would-block",
			},
		),
		recycleBatchSize: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeserv_recycle_batch_size",
				Help:    "Number of connections destroyed per recycle batch",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
			},
		),
		connectionsRecycled: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "pipeserv_connections_recycled_total",
				Help: "Total number of connections destroyed by the recycle stage",
			},
		),
		handlerPanics: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "pipeserv_handler_panics_total",
				Help: "Handler panics recovered by stage workers",
			},
		),
		ownershipViolations: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "pipeserv_ownership_violations_total",
				Help: "Connections observed in two stages at once",
			},
		),
	}
}

func (m *pipelineMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *pipelineMetrics) RecordAcceptError() {
	m.acceptErrors.Inc()
}

func (m *pipelineMetrics) SetActiveConnections(count int) {
	m.activeConnections.Set(float64(count))
}

func (m *pipelineMetrics) RecordStageEnqueue(stage string) {
	m.stageEnqueues.WithLabelValues(stage).Inc()
}

func (m *pipelineMetrics) RecordStageDuration(stage string, duration time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(float64(duration.Microseconds()) / 1000)
}

func (m *pipelineMetrics) RecordBytesRead(bytes int) {
	m.bytesRead.Add(float64(bytes))
}

func (m *pipelineMetrics) RecordBytesWritten(path string, bytes int) {
	m.bytesWritten.WithLabelValues(path).Add(float64(bytes))
}

func (m *pipelineMetrics) RecordSyncFlush() {
	m.syncFlushes.Inc()
}

func (m *pipelineMetrics) RecordWriteBackRetry() {
	m.writeBackRetries.Inc()
}

func (m *pipelineMetrics) RecordRecycleBatch(size int) {
	m.recycleBatchSize.Observe(float64(size))
	m.connectionsRecycled.Add(float64(size))
}

func (m *pipelineMetrics) RecordHandlerPanic() {
	m.handlerPanics.Inc()
}

func (m *pipelineMetrics) RecordOwnershipViolation() {
	m.ownershipViolations.Inc()
}
