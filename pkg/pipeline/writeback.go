package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/marmos91/pipeserv/internal/logger"
)

// WriteBackConfig configures WriteBackStage.
type WriteBackConfig struct {
	// RetryDelay is how long a worker pauses after a would-block when no other
	// connection is queued. Default: 200µs.
	RetryDelay time.Duration
}

func (c *WriteBackConfig) applyDefaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Microsecond
	}
}

// WriteBackStage drains output streams that the handler left behind.
//
// Each attempt writes until the stream is empty or the socket would block.
// On would-block the connection goes back to the end of this stage's queue
// and the worker moves on; the stream keeps its position so the next attempt
// resumes at the first unsent byte. A drained connection returns to poll_in,
// or to recycle if it is closing.
type WriteBackStage struct {
	*queuedStage
	config WriteBackConfig

	pollIn  Stage
	recycle Stage

	// aborting routes connections to recycle instead of retrying, once a
	// Stop deadline has passed.
	aborting atomic.Bool
}

// NewWriteBackStage creates the stage.
func NewWriteBackStage(p *Pipeline, config WriteBackConfig) *WriteBackStage {
	config.applyDefaults()
	s := &WriteBackStage{
		queuedStage: newQueuedStage(p, StageWriteBack),
		config:      config,
	}
	s.process = s.drain
	return s
}

func (s *WriteBackStage) Initialize() error {
	pollIn, err := s.pipeline.FindStage(StagePollIn)
	if err != nil {
		return fmt.Errorf("stage %s: %w", StageWriteBack, err)
	}
	recycle, err := s.pipeline.FindStage(StageRecycle)
	if err != nil {
		return fmt.Errorf("stage %s: %w", StageWriteBack, err)
	}
	s.pollIn = pollIn
	s.recycle = recycle
	return s.queuedStage.Initialize()
}

func (s *WriteBackStage) drain(conn *Connection) Stage {
	for {
		n, err := conn.out.WriteOnce(conn.sock)
		if err != nil {
			logger.Debug("WriteBack: %s: %v", conn, err)
			conn.markClosing()
			return s.recycle
		}

		if conn.out.Empty() {
			conn.uncork()
			if conn.closing || !conn.active {
				conn.markClosing()
				return s.recycle
			}
			return s.pollIn
		}

		if n > 0 {
			continue
		}

		if s.aborting.Load() {
			logger.Debug("WriteBack: dropping %d pending bytes of %s on shutdown", conn.out.Buffered(), conn)
			conn.markClosing()
			return s.recycle
		}

		s.pipeline.metrics.RecordWriteBackRetry()
		if s.queue.len() == 0 {
			time.Sleep(s.config.RetryDelay)
		}
		return s
	}
}

// Stop lets the workers finish draining. When ctx expires first, the
// remaining connections are recycled without further retries.
func (s *WriteBackStage) Stop(ctx context.Context) error {
	err := s.stop(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	s.aborting.Store(true)
	logger.Warn("Stage %s: stop deadline reached, recycling %d pending connections", StageWriteBack, s.queue.len())

	// Workers now route every connection to recycle within one attempt each.
	grace, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if waitErr := waitContext(grace, &s.wg); waitErr != nil {
		return fmt.Errorf("stage %s: workers did not exit: %w", StageWriteBack, waitErr)
	}
	return nil
}
