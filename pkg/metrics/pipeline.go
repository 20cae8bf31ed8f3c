package metrics

import "time"

// Write paths reported by RecordBytesWritten.
const (
	PathBuffer   = "buffer"
	PathSendfile = "sendfile"
)

// PipelineMetrics provides observability for the connection pipeline.
//
// Implementations collect metrics about connection lifecycle, stage traffic,
// write-back behaviour and recycling. The interface is optional: components
// that receive nil fall back to NewNoopPipelineMetrics with zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	m := prometheus.NewPipelineMetrics()
//	srv, err := server.New(cfg, handler, m)
//
//	// Without metrics (no-op)
//	srv, err := server.New(cfg, handler, nil)
type PipelineMetrics interface {
	// RecordConnectionAccepted increments the accepted connections counter.
	RecordConnectionAccepted()

	// RecordAcceptError increments the failed accept counter.
	RecordAcceptError()

	// SetActiveConnections updates the number of live connections
	// (created and not yet destroyed).
	SetActiveConnections(count int)

	// RecordStageEnqueue counts a hand-off into the named stage.
	RecordStageEnqueue(stage string)

	// RecordStageDuration records how long a stage spent processing one
	// connection.
	RecordStageDuration(stage string, duration time.Duration)

	// RecordBytesRead records bytes pulled from sockets into input streams.
	RecordBytesRead(bytes int)

	// RecordBytesWritten records bytes sent to sockets.
	//
	// Parameters:
	//   - path: PathBuffer for buffered writes, PathSendfile for zero-copy
	//   - bytes: Number of bytes transferred
	RecordBytesWritten(path string, bytes int)

	// RecordSyncFlush counts a synchronous flush triggered by the
	// backpressure threshold.
	RecordSyncFlush()

	// RecordWriteBackRetry counts a would-block re-enqueue in the
	// write-back stage.
	RecordWriteBackRetry()

	// RecordRecycleBatch records the size of a destroyed batch.
	RecordRecycleBatch(size int)

	// RecordHandlerPanic counts a recovered handler panic.
	RecordHandlerPanic()

	// RecordOwnershipViolation counts a connection entering a stage while
	// another stage still held it.
	RecordOwnershipViolation()
}

// NewNoopPipelineMetrics returns a PipelineMetrics that discards everything.
func NewNoopPipelineMetrics() PipelineMetrics {
	return noopPipelineMetrics{}
}

type noopPipelineMetrics struct{}

func (noopPipelineMetrics) RecordConnectionAccepted()                 {}
func (noopPipelineMetrics) RecordAcceptError()                        {}
func (noopPipelineMetrics) SetActiveConnections(int)                  {}
func (noopPipelineMetrics) RecordStageEnqueue(string)                 {}
func (noopPipelineMetrics) RecordStageDuration(string, time.Duration) {}
func (noopPipelineMetrics) RecordBytesRead(int)                       {}
func (noopPipelineMetrics) RecordBytesWritten(string, int)            {}
func (noopPipelineMetrics) RecordSyncFlush()                          {}
func (noopPipelineMetrics) RecordWriteBackRetry()                     {}
func (noopPipelineMetrics) RecordRecycleBatch(int)                    {}
func (noopPipelineMetrics) RecordHandlerPanic()                       {}
func (noopPipelineMetrics) RecordOwnershipViolation()                 {}
