package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/pipeserv/internal/logger"
)

// Well-known stage names.
const (
	StagePollIn    = "poll_in"
	StageWriteBack = "write_back"
	StageRecycle   = "recycle"
)

// Stage is one independently scheduled unit of connection processing.
//
// Lifecycle: Initialize once, then StartThread once per worker, then Stop.
// SchedAdd is the only way a Connection enters a stage; it is safe for
// concurrent use and transfers ownership of the connection to the stage.
type Stage interface {
	// Name returns the registry name.
	Name() string

	// Initialize performs one-time setup. Must run before StartThread.
	Initialize() error

	// StartThread adds one worker to the stage's pool.
	StartThread() error

	// SchedAdd enqueues conn and wakes a worker.
	SchedAdd(conn *Connection)

	// Stop drains the stage and waits for its workers, bounded by ctx.
	Stop(ctx context.Context) error
}

// processFunc handles one connection and returns the stage that should hold
// it next: nil drops the reference, the stage itself requeues.
type processFunc func(conn *Connection) Stage

// queuedStage is the queue-plus-worker-pool shared by stages whose input is a
// plain FIFO.
type queuedStage struct {
	name     string
	pipeline *Pipeline
	queue    *workQueue[*Connection]
	process  processFunc

	initialized atomic.Bool
	workers     atomic.Int32
	wg          sync.WaitGroup
}

func newQueuedStage(p *Pipeline, name string) *queuedStage {
	return &queuedStage{
		name:     name,
		pipeline: p,
		queue:    newWorkQueue[*Connection](),
	}
}

func (s *queuedStage) Name() string {
	return s.name
}

func (s *queuedStage) Initialize() error {
	if !s.initialized.CompareAndSwap(false, true) {
		return fmt.Errorf("stage %s: already initialized", s.name)
	}
	return nil
}

func (s *queuedStage) SchedAdd(conn *Connection) {
	s.pipeline.claim(conn, s.name)
	s.queue.push(conn)
}

// Workers returns the number of running workers.
func (s *queuedStage) Workers() int {
	return int(s.workers.Load())
}

// Queued returns the number of connections waiting in the queue.
func (s *queuedStage) Queued() int {
	return s.queue.len()
}

func (s *queuedStage) StartThread() error {
	if !s.initialized.Load() {
		return fmt.Errorf("stage %s: start thread before initialize", s.name)
	}
	id := s.workers.Add(1)
	s.wg.Add(1)
	go s.run(id)
	return nil
}

func (s *queuedStage) run(id int32) {
	defer s.wg.Done()
	defer s.workers.Add(-1)

	logger.Debug("Stage %s: worker %d started", s.name, id)
	for {
		conn, ok := s.queue.pop()
		if !ok {
			logger.Debug("Stage %s: worker %d stopped", s.name, id)
			return
		}
		s.pipeline.dispatch(s.name, conn, s.process)
	}
}

// stop closes the queue and waits for the workers to drain it.
func (s *queuedStage) stop(ctx context.Context) error {
	s.queue.close()
	return waitContext(ctx, &s.wg)
}

// dispatch runs process for conn with the worker holding it, then releases
// the hold and applies the hand-off. A panic in process is contained: the
// connection is closed and routed to recycling.
func (p *Pipeline) dispatch(stage string, conn *Connection, process processFunc) {
	start := time.Now()
	next := p.runGuarded(stage, conn, process)
	p.metrics.RecordStageDuration(stage, time.Since(start))

	conn.release()
	if next != nil {
		next.SchedAdd(conn)
	}
}

func (p *Pipeline) runGuarded(stage string, conn *Connection, process processFunc) (next Stage) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.RecordHandlerPanic()
			logger.Error("Stage %s: panic processing %s: %v\n%s", stage, conn, r, debug.Stack())
			conn.markClosing()
			next = p.recycleStage()
		}
	}()
	return process(conn)
}

// waitContext waits for wg or until ctx is done.
func waitContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
