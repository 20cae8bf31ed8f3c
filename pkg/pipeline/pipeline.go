// Package pipeline implements a staged connection-processing pipeline.
//
// An accepted socket is wrapped in a Connection and handed through
// independently scheduled stages, each with its own queue and worker pool:
//
//	accept ──▶ poll_in ──▶ (handler) ──▶ write_back ──▶ poll_in ...
//	              │                          │
//	              └──────────▶ recycle ◀─────┘
//
// PollInStage waits for read readiness and runs the Handler, WriteBackStage
// drains output that did not fit in the socket, and RecycleStage destroys
// closed connections in batches.
//
// A Connection is held by exactly one stage at a time. Stages hand it over
// with SchedAdd and never touch it afterwards.
//
// The package is Linux only: it relies on epoll, sendfile and writev.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/pipeserv/internal/logger"
	"github.com/marmos91/pipeserv/pkg/metrics"
)

var (
	// ErrStageNotFound is returned when no stage is registered under a name.
	ErrStageNotFound = errors.New("stage not found")

	// ErrStageExists is returned when registering a duplicate stage name.
	ErrStageExists = errors.New("stage already registered")

	// ErrPipelineStarted is returned when the registry is modified after Start.
	ErrPipelineStarted = errors.New("pipeline already started")

	// ErrStageStarted is returned when a stage is reconfigured after its
	// workers started.
	ErrStageStarted = errors.New("stage already started")
)

// Pipeline is the registry of stages and the factory of connections.
//
// One Pipeline is created per server and passed to every stage. Stages are
// registered before Start; after that the registry is read-only.
type Pipeline struct {
	metrics metrics.PipelineMetrics

	mu      sync.RWMutex
	stages  map[string]Stage
	order   []Stage
	started bool

	connMu sync.Mutex
	conns  map[uint64]*Connection
	nextID atomic.Uint64

	violations atomic.Int64
}

// NewPipeline creates an empty pipeline. A nil m disables metrics.
func NewPipeline(m metrics.PipelineMetrics) *Pipeline {
	if m == nil {
		m = metrics.NewNoopPipelineMetrics()
	}
	return &Pipeline{
		metrics: m,
		stages:  make(map[string]Stage),
		conns:   make(map[uint64]*Connection),
	}
}

// Metrics returns the metrics sink shared by the stages.
func (p *Pipeline) Metrics() metrics.PipelineMetrics {
	return p.metrics
}

// RegisterStage adds stage under stage.Name().
func (p *Pipeline) RegisterStage(stage Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("register stage %s: %w", stage.Name(), ErrPipelineStarted)
	}
	if _, exists := p.stages[stage.Name()]; exists {
		return fmt.Errorf("register stage %s: %w", stage.Name(), ErrStageExists)
	}
	p.stages[stage.Name()] = stage
	p.order = append(p.order, stage)
	return nil
}

// FindStage returns the stage registered under name.
func (p *Pipeline) FindStage(name string) (Stage, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stage, ok := p.stages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStageNotFound, name)
	}
	return stage, nil
}

// MustFindStage is FindStage for stages the caller cannot run without. A
// missing stage is a wiring bug and panics.
func (p *Pipeline) MustFindStage(name string) Stage {
	stage, err := p.FindStage(name)
	if err != nil {
		panic(err)
	}
	return stage
}

// Stages returns the registered stages in registration order.
func (p *Pipeline) Stages() []Stage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Stage(nil), p.order...)
}

// Start closes the registry.
func (p *Pipeline) Start() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
}

// Started reports whether Start has been called.
func (p *Pipeline) Started() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// Stop stops every stage in registration order and returns the joined
// errors. Registering poll_in, write_back and recycle in that order lets
// each stage hand its leftovers to the ones after it.
func (p *Pipeline) Stop(ctx context.Context) error {
	var errs []error
	for _, stage := range p.Stages() {
		if err := stage.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop stage %s: %w", stage.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// CreateConnection wraps a freshly accepted socket. The connection starts
// active and held by no stage.
func (p *Pipeline) CreateConnection(sock Socket, peer net.Addr) *Connection {
	conn := &Connection{
		id:       p.nextID.Add(1),
		sock:     sock,
		peer:     peer,
		pipeline: p,
		created:  time.Now(),
		active:   true,
	}
	conn.out.observe = p.observeWrite

	p.connMu.Lock()
	p.conns[conn.id] = conn
	count := len(p.conns)
	p.connMu.Unlock()

	p.metrics.SetActiveConnections(count)
	return conn
}

func (p *Pipeline) observeWrite(zeroCopy bool, n int) {
	path := metrics.PathBuffer
	if zeroCopy {
		path = metrics.PathSendfile
	}
	p.metrics.RecordBytesWritten(path, n)
}

// Connections returns the number of live connections.
func (p *Pipeline) Connections() int {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return len(p.conns)
}

// OwnershipViolations returns how many times a connection entered a stage
// while another stage still held it.
func (p *Pipeline) OwnershipViolations() int64 {
	return p.violations.Load()
}

// claim records that stage takes conn over.
func (p *Pipeline) claim(conn *Connection, stage string) {
	p.metrics.RecordStageEnqueue(stage)
	if conn.acquire(stage) {
		return
	}
	p.violations.Add(1)
	p.metrics.RecordOwnershipViolation()
	logger.Error("Ownership violation: %s entered %s while held by %q", conn, stage, conn.Owner())
}

// destroy releases conn and forgets it. Only RecycleStage calls it.
func (p *Pipeline) destroy(conn *Connection) {
	conn.release()
	if err := conn.destroy(); err != nil {
		logger.Debug("Recycle: %v", err)
	}

	p.connMu.Lock()
	delete(p.conns, conn.id)
	count := len(p.conns)
	p.connMu.Unlock()

	p.metrics.SetActiveConnections(count)
}

// recycleStage returns the recycle stage, or nil when none is registered.
func (p *Pipeline) recycleStage() Stage {
	stage, err := p.FindStage(StageRecycle)
	if err != nil {
		logger.Error("No %s stage registered: connection leaked", StageRecycle)
		return nil
	}
	return stage
}
