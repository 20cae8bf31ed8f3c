package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/marmos91/pipeserv/internal/logger"
)

// DefaultRecycleThreshold is the batch size used when none is configured.
const DefaultRecycleThreshold = 8

// RecycleStage destroys closed connections in batches.
//
// SchedAdd appends to a pending list. When the list reaches the threshold it
// is moved as one batch to the workers, which close sockets, release stream
// storage and drop the connections from the pipeline. A connection handed
// here must not be reachable from any other stage.
type RecycleStage struct {
	pipeline *Pipeline

	mu        sync.Mutex
	threshold int
	pending   []*Connection

	batches     *workQueue[[]*Connection]
	initialized atomic.Bool
	started     atomic.Bool
	stopped     atomic.Bool
	workers     atomic.Int32
	wg          sync.WaitGroup

	batchCount atomic.Int64
	destroyed  atomic.Int64
}

// NewRecycleStage creates the stage. A threshold below one selects
// DefaultRecycleThreshold.
func NewRecycleStage(p *Pipeline, threshold int) *RecycleStage {
	if threshold < 1 {
		threshold = DefaultRecycleThreshold
	}
	return &RecycleStage{
		pipeline:  p,
		threshold: threshold,
		batches:   newWorkQueue[[]*Connection](),
	}
}

func (s *RecycleStage) Name() string {
	return StageRecycle
}

// SetThreshold changes the batch size. It must be called before the first
// worker starts.
func (s *RecycleStage) SetThreshold(n int) error {
	if n < 1 {
		return fmt.Errorf("recycle threshold must be at least 1, got %d", n)
	}
	if s.started.Load() {
		return fmt.Errorf("set recycle threshold: %w", ErrStageStarted)
	}
	s.mu.Lock()
	s.threshold = n
	s.mu.Unlock()
	return nil
}

// Threshold returns the batch size.
func (s *RecycleStage) Threshold() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold
}

func (s *RecycleStage) Initialize() error {
	if !s.initialized.CompareAndSwap(false, true) {
		return fmt.Errorf("stage %s: already initialized", StageRecycle)
	}
	return nil
}

func (s *RecycleStage) StartThread() error {
	if !s.initialized.Load() {
		return fmt.Errorf("stage %s: start thread before initialize", StageRecycle)
	}
	s.started.Store(true)
	id := s.workers.Add(1)
	s.wg.Add(1)
	go s.run(id)
	return nil
}

// SchedAdd appends conn to the pending list and dispatches a batch when the
// threshold is reached. After Stop every arrival is dispatched at once.
func (s *RecycleStage) SchedAdd(conn *Connection) {
	s.pipeline.claim(conn, StageRecycle)

	s.mu.Lock()
	s.pending = append(s.pending, conn)
	var batch []*Connection
	if len(s.pending) >= s.threshold || s.stopped.Load() {
		batch = s.pending
		s.pending = nil
	}
	s.mu.Unlock()

	if batch != nil {
		s.dispatchBatch(batch)
	}
}

func (s *RecycleStage) dispatchBatch(batch []*Connection) {
	s.batchCount.Add(1)
	s.pipeline.metrics.RecordRecycleBatch(len(batch))
	// Once Stop has closed the queue nobody is left to pop it.
	if !s.batches.tryPush(batch) {
		s.destroyBatch(batch)
	}
}

func (s *RecycleStage) run(id int32) {
	defer s.wg.Done()
	defer s.workers.Add(-1)

	logger.Debug("Stage %s: worker %d started", StageRecycle, id)
	for {
		batch, ok := s.batches.pop()
		if !ok {
			logger.Debug("Stage %s: worker %d stopped", StageRecycle, id)
			return
		}
		s.destroyBatch(batch)
	}
}

func (s *RecycleStage) destroyBatch(batch []*Connection) {
	for _, conn := range batch {
		s.destroyOne(conn)
	}
	logger.Debug("Stage %s: destroyed batch of %d", StageRecycle, len(batch))
}

func (s *RecycleStage) destroyOne(conn *Connection) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Stage %s: panic destroying %s: %v\n%s", StageRecycle, conn, r, debug.Stack())
		}
	}()
	s.pipeline.destroy(conn)
	s.destroyed.Add(1)
}

// Pending returns the number of connections waiting for the next batch.
func (s *RecycleStage) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Batches returns the number of batches dispatched so far.
func (s *RecycleStage) Batches() int64 {
	return s.batchCount.Load()
}

// Destroyed returns the number of connections destroyed so far.
func (s *RecycleStage) Destroyed() int64 {
	return s.destroyed.Load()
}

// Flush dispatches the pending list as a batch regardless of the threshold.
func (s *RecycleStage) Flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) > 0 {
		s.dispatchBatch(batch)
	}
}

// Stop flushes the partially filled pending list as a final batch and waits
// for the workers to destroy everything queued. Without running workers the
// final batches are destroyed on the calling goroutine.
func (s *RecycleStage) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.Flush()
	s.batches.close()

	if s.workers.Load() == 0 {
		for {
			batch, ok := s.batches.pop()
			if !ok {
				break
			}
			s.destroyBatch(batch)
		}
		return nil
	}
	return waitContext(ctx, &s.wg)
}
