package prometheus

import (
	"testing"
	"time"

	"github.com/marmos91/pipeserv/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newPipelineMetrics(reg)

	m.RecordConnectionAccepted()
	m.RecordConnectionAccepted()
	m.SetActiveConnections(2)
	m.RecordStageEnqueue("poll_in")
	m.RecordStageEnqueue("write_back")
	m.RecordStageEnqueue("write_back")
	m.RecordStageDuration("poll_in", 3*time.Millisecond)
	m.RecordBytesWritten(metrics.PathBuffer, 100)
	m.RecordBytesWritten(metrics.PathSendfile, 4096)
	m.RecordRecycleBatch(3)
	m.RecordOwnershipViolation()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionsAccepted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageEnqueues.WithLabelValues("poll_in")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stageEnqueues.WithLabelValues("write_back")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.bytesWritten.WithLabelValues(metrics.PathBuffer)))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.bytesWritten.WithLabelValues(metrics.PathSendfile)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.connectionsRecycled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ownershipViolations))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewPipelineMetricsDisabled(t *testing.T) {
	if metrics.IsEnabled() {
		t.Skip("registry already initialised by another test")
	}
	m := NewPipelineMetrics()
	// The no-op implementation must accept every call.
	m.RecordConnectionAccepted()
	m.RecordRecycleBatch(4)
}

// Runs after the disabled case, which skips once the registry exists.
func TestNewPipelineMetricsShared(t *testing.T) {
	metrics.InitRegistry()

	var first, second metrics.PipelineMetrics
	require.NotPanics(t, func() {
		first = NewPipelineMetrics()
		second = NewPipelineMetrics()
	}, "a second call must not re-register collectors")
	assert.Same(t, first.(*pipelineMetrics), second.(*pipelineMetrics))

	first.RecordConnectionAccepted()
	families, err := metrics.GetRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
