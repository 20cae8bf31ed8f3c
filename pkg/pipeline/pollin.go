package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marmos91/pipeserv/internal/logger"
)

// PollInConfig configures PollInStage.
type PollInConfig struct {
	// Timeout bounds each epoll wait so workers notice Stop. Default: 500ms.
	Timeout time.Duration

	// MaxEvents is the per-wait event buffer size. Default: 128.
	MaxEvents int

	// ReadChunkSize is the read size used when filling input streams.
	// Default: 64KB.
	ReadChunkSize int

	// FlushThreshold is the buffered-output size above which
	// Response.WriteData flushes synchronously. Default: 4MiB.
	FlushThreshold int
}

// DefaultFlushThreshold is the Response backpressure limit.
const DefaultFlushThreshold = 4 << 20

func (c *PollInConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 500 * time.Millisecond
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 128
	}
	if c.ReadChunkSize <= 0 {
		c.ReadChunkSize = largeChunkSize
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = DefaultFlushThreshold
	}
}

// PollInStage waits for read readiness and runs the handler.
//
// SchedAdd registers the connection with epoll instead of a queue; the epoll
// wait set is the stage's queue. Each worker runs its own EpollWait loop.
// For a ready connection the worker reads everything available, invokes the
// Handler, then re-registers the connection, hands it to write-back, or sends
// it to recycling.
type PollInStage struct {
	pipeline *Pipeline
	handler  Handler
	config   PollInConfig

	poller    *poller
	writeBack Stage
	recycle   Stage

	stopped atomic.Bool
	workers atomic.Int32
	wg      sync.WaitGroup
}

// NewPollInStage creates the stage. Initialize must be called before workers
// are started.
func NewPollInStage(p *Pipeline, handler Handler, config PollInConfig) *PollInStage {
	config.applyDefaults()
	return &PollInStage{
		pipeline: p,
		handler:  handler,
		config:   config,
	}
}

func (s *PollInStage) Name() string {
	return StagePollIn
}

// Initialize creates the epoll instance and resolves the stages this one
// hands off to.
func (s *PollInStage) Initialize() error {
	if s.poller != nil {
		return fmt.Errorf("stage %s: already initialized", StagePollIn)
	}
	writeBack, err := s.pipeline.FindStage(StageWriteBack)
	if err != nil {
		return fmt.Errorf("stage %s: %w", StagePollIn, err)
	}
	recycle, err := s.pipeline.FindStage(StageRecycle)
	if err != nil {
		return fmt.Errorf("stage %s: %w", StagePollIn, err)
	}

	pl, err := newPoller()
	if err != nil {
		return fmt.Errorf("stage %s: %w", StagePollIn, err)
	}
	s.poller = pl
	s.writeBack = writeBack
	s.recycle = recycle
	return nil
}

func (s *PollInStage) StartThread() error {
	if s.poller == nil {
		return fmt.Errorf("stage %s: start thread before initialize", StagePollIn)
	}
	id := s.workers.Add(1)
	s.wg.Add(1)
	go s.run(id)
	return nil
}

// Workers returns the number of running workers.
func (s *PollInStage) Workers() int {
	return int(s.workers.Load())
}

// Waiting returns the number of connections registered for readiness.
func (s *PollInStage) Waiting() int {
	if s.poller == nil {
		return 0
	}
	return s.poller.len()
}

// SchedAdd registers conn for read readiness. After Stop the connection is
// sent to recycling instead.
func (s *PollInStage) SchedAdd(conn *Connection) {
	s.pipeline.claim(conn, StagePollIn)

	err := errPollerClosed
	if !s.stopped.Load() {
		err = s.poller.add(conn)
	}
	if err == nil {
		return
	}

	if !errors.Is(err, errPollerClosed) {
		logger.Warn("PollIn: cannot register %s: %v", conn, err)
	}
	conn.markClosing()
	conn.release()
	s.recycle.SchedAdd(conn)
}

func (s *PollInStage) run(id int32) {
	defer s.wg.Done()
	defer s.workers.Add(-1)

	events := make([]unix.EpollEvent, s.config.MaxEvents)
	logger.Debug("Stage %s: worker %d started", StagePollIn, id)

	for !s.stopped.Load() {
		ready, err := s.poller.wait(events, s.config.Timeout)
		if err != nil {
			logger.Error("Stage %s: worker %d: %v", StagePollIn, id, err)
			time.Sleep(s.config.Timeout)
			continue
		}
		for _, conn := range ready {
			s.pipeline.dispatch(StagePollIn, conn, s.process)
		}
	}
	logger.Debug("Stage %s: worker %d stopped", StagePollIn, id)
}

// process reads what the socket has, runs the handler and decides where the
// connection goes next.
func (s *PollInStage) process(conn *Connection) Stage {
	n, eof, err := conn.in.FillFrom(conn.sock, s.config.ReadChunkSize)
	if n > 0 {
		s.pipeline.metrics.RecordBytesRead(n)
	}
	if err != nil {
		logger.Debug("PollIn: read %s: %v", conn, err)
		conn.markClosing()
		return s.recycle
	}
	if eof {
		conn.activeClose()
	}

	if n > 0 {
		req := newRequest(conn)
		resp := newResponse(conn, s.config.FlushThreshold, s.pipeline.metrics)
		s.handler.Handle(req, resp)
		if resp.finish() {
			return s.writeBack
		}
	}

	if conn.active {
		return s
	}
	if !conn.out.Empty() {
		conn.setCork()
		return s.writeBack
	}
	conn.markClosing()
	return s.recycle
}

// Stop stops the workers and sends every connection still waiting for input
// to recycling.
func (s *PollInStage) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if s.poller == nil {
		return nil
	}

	waitErr := waitContext(ctx, &s.wg)

	left := s.poller.drain()
	for _, conn := range left {
		conn.markClosing()
		conn.release()
		s.recycle.SchedAdd(conn)
	}
	if len(left) > 0 {
		logger.Debug("Stage %s: recycled %d idle connections", StagePollIn, len(left))
	}

	if waitErr != nil {
		return waitErr
	}
	return s.poller.close()
}
