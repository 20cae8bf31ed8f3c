// Package server owns the listening socket and wires the pipeline stages.
//
// The accept loop runs on a dedicated goroutine and feeds every accepted
// descriptor, switched to non-blocking mode, into the poll_in stage. All
// further processing happens in the stages.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marmos91/pipeserv/internal/logger"
	"github.com/marmos91/pipeserv/internal/ratelimiter"
	"github.com/marmos91/pipeserv/pkg/metrics"
	"github.com/marmos91/pipeserv/pkg/pipeline"
)

// ErrServing is returned by Serve when the server is already running, and by
// setters that must run before Serve.
var ErrServing = errors.New("server already serving")

// Config holds the listener and pipeline settings.
//
// Default values (applied by New if zero):
//   - Port: "8080"
//   - Backlog: 1024
//   - PollInWorkers: 1, WriteBackWorkers: 2, RecycleWorkers: 1
//   - RecycleThreshold: 8
//   - PollTimeout: 500ms, MaxEvents: 128
//   - ReadChunkSize: 64KB, FlushThreshold: 4MiB
//   - WriteRetryDelay: 200µs
//   - ShutdownTimeout: 30s
//   - AcceptRate: 0 (unlimited)
type Config struct {
	// Host is the address or name to bind. Empty binds the IPv6 and IPv4
	// wildcards, first one that works.
	Host string `mapstructure:"host" yaml:"host" json:"host,omitempty"`

	// Port is a port number or a service name from the services database.
	Port string `mapstructure:"port" yaml:"port" validate:"required" json:"port"`

	// Backlog is the listen queue size.
	Backlog int `mapstructure:"backlog" yaml:"backlog" validate:"min=0" json:"backlog,omitempty"`

	// PollInWorkers is the number of poll_in workers. Handlers run on these.
	PollInWorkers int `mapstructure:"poll_in_workers" yaml:"poll_in_workers" validate:"min=0,max=1024" json:"poll_in_workers,omitempty"`

	// WriteBackWorkers is the number of write_back workers.
	WriteBackWorkers int `mapstructure:"write_back_workers" yaml:"write_back_workers" validate:"min=0,max=1024" json:"write_back_workers,omitempty"`

	// RecycleWorkers is the number of recycle workers.
	RecycleWorkers int `mapstructure:"recycle_workers" yaml:"recycle_workers" validate:"min=0,max=64" json:"recycle_workers,omitempty"`

	// RecycleThreshold is the number of closed connections destroyed per
	// batch.
	RecycleThreshold int `mapstructure:"recycle_threshold" yaml:"recycle_threshold" validate:"min=0" json:"recycle_threshold,omitempty"`

	// PollTimeout bounds each epoll wait.
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout" validate:"min=0" json:"poll_timeout,omitempty"`

	// MaxEvents is the epoll event buffer size per worker.
	MaxEvents int `mapstructure:"max_events" yaml:"max_events" validate:"min=0" json:"max_events,omitempty"`

	// ReadChunkSize is the socket read size for input streams.
	ReadChunkSize int `mapstructure:"read_chunk_size" yaml:"read_chunk_size" validate:"min=0" json:"read_chunk_size,omitempty"`

	// FlushThreshold is the buffered output size that forces a synchronous
	// flush in Response.WriteData.
	FlushThreshold int `mapstructure:"flush_threshold" yaml:"flush_threshold" validate:"min=0" json:"flush_threshold,omitempty"`

	// WriteRetryDelay is the write-back pause after a would-block when its
	// queue is otherwise empty.
	WriteRetryDelay time.Duration `mapstructure:"write_retry_delay" yaml:"write_retry_delay" validate:"min=0" json:"write_retry_delay,omitempty"`

	// ShutdownTimeout bounds how long Stop waits for pending output to drain.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"min=0" json:"shutdown_timeout,omitempty"`

	// AcceptRate limits accepted connections per second. 0 disables.
	AcceptRate float64 `mapstructure:"accept_rate" yaml:"accept_rate" validate:"min=0" json:"accept_rate,omitempty"`

	// AcceptBurst is the accept rate limiter burst.
	AcceptBurst int `mapstructure:"accept_burst" yaml:"accept_burst" validate:"min=0" json:"accept_burst,omitempty"`
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.Backlog == 0 {
		c.Backlog = 1024
	}
	if c.PollInWorkers == 0 {
		c.PollInWorkers = 1
	}
	if c.WriteBackWorkers == 0 {
		c.WriteBackWorkers = 2
	}
	if c.RecycleWorkers == 0 {
		c.RecycleWorkers = 1
	}
	if c.RecycleThreshold == 0 {
		c.RecycleThreshold = pipeline.DefaultRecycleThreshold
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 500 * time.Millisecond
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = 128
	}
	if c.ReadChunkSize == 0 {
		c.ReadChunkSize = 64 << 10
	}
	if c.FlushThreshold == 0 {
		c.FlushThreshold = pipeline.DefaultFlushThreshold
	}
	if c.WriteRetryDelay == 0 {
		c.WriteRetryDelay = 200 * time.Microsecond
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.AcceptRate > 0 && c.AcceptBurst == 0 {
		c.AcceptBurst = int(c.AcceptRate)
	}
}

func (c *Config) validate() error {
	if c.Backlog < 0 {
		return fmt.Errorf("invalid backlog %d: must be >= 0", c.Backlog)
	}
	if c.PollInWorkers < 1 || c.WriteBackWorkers < 1 || c.RecycleWorkers < 1 {
		return fmt.Errorf("invalid worker counts poll_in=%d write_back=%d recycle=%d: each must be >= 1",
			c.PollInWorkers, c.WriteBackWorkers, c.RecycleWorkers)
	}
	if c.RecycleThreshold < 1 {
		return fmt.Errorf("invalid recycle threshold %d: must be >= 1", c.RecycleThreshold)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout %v: must be > 0", c.ShutdownTimeout)
	}
	return nil
}

// Server accepts TCP connections and runs them through the pipeline.
//
// Lifecycle: New resolves, binds and listens (fatal errors surface here),
// Serve runs the accept loop until ctx is cancelled or Stop is called, then
// stops the stages in order.
type Server struct {
	config  Config
	metrics metrics.PipelineMetrics
	limiter *ratelimiter.Limiter

	pipeline  *pipeline.Pipeline
	pollIn    *pipeline.PollInStage
	writeBack *pipeline.WriteBackStage
	recycle   *pipeline.RecycleStage

	fd      int
	serving atomic.Bool
	accepts atomic.Uint64

	shutdownOnce sync.Once
	shutdown     chan struct{}
	closeOnce    sync.Once
	done         chan struct{}
	stopErr      error
}

// New resolves the bind target, binds the first candidate that works, starts
// listening and builds the pipeline around handler. Clients can connect as
// soon as New returns; they are accepted once Serve runs. A nil m disables
// metrics.
func New(config Config, handler pipeline.Handler, m metrics.PipelineMetrics) (*Server, error) {
	config.ApplyDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}
	if handler == nil {
		return nil, fmt.Errorf("server: nil handler")
	}
	if m == nil {
		m = metrics.NewNoopPipelineMetrics()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	candidates, err := resolveCandidates(ctx, config.Host, config.Port)
	if err != nil {
		return nil, err
	}
	fd, err := bindFirst(candidates)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", net.JoinHostPort(config.Host, config.Port), err)
	}
	if err := unix.Listen(fd, config.Backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen on %s: %w", net.JoinHostPort(config.Host, config.Port), err)
	}

	p := pipeline.NewPipeline(m)
	s := &Server{
		config:   config,
		metrics:  m,
		limiter:  ratelimiter.New(config.AcceptRate, config.AcceptBurst),
		pipeline: p,
		pollIn: pipeline.NewPollInStage(p, handler, pipeline.PollInConfig{
			Timeout:        config.PollTimeout,
			MaxEvents:      config.MaxEvents,
			ReadChunkSize:  config.ReadChunkSize,
			FlushThreshold: config.FlushThreshold,
		}),
		writeBack: pipeline.NewWriteBackStage(p, pipeline.WriteBackConfig{RetryDelay: config.WriteRetryDelay}),
		recycle:   pipeline.NewRecycleStage(p, config.RecycleThreshold),
		fd:        fd,
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	// Registration order is also stop order.
	for _, stage := range []pipeline.Stage{s.pollIn, s.writeBack, s.recycle} {
		if err := p.RegisterStage(stage); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
	}
	return s, nil
}

// SetRecycleThreshold overrides the recycle batch size. Must be called
// before Serve.
func (s *Server) SetRecycleThreshold(n int) error {
	if s.serving.Load() {
		return fmt.Errorf("set recycle threshold: %w", ErrServing)
	}
	return s.recycle.SetThreshold(n)
}

// Pipeline returns the server's pipeline.
func (s *Server) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// Addr returns the bound local address.
func (s *Server) Addr() net.Addr {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return nil
	}
	return sockaddrToTCPAddr(sa)
}

// ActiveConnections returns the number of connections not yet recycled.
func (s *Server) ActiveConnections() int {
	return s.pipeline.Connections()
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() uint64 {
	return s.accepts.Load()
}

// Recycled returns the number of connections destroyed so far.
func (s *Server) Recycled() int64 {
	return s.recycle.Destroyed()
}

// Serve starts the stages and accepts until ctx is cancelled or
// Stop is called. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if !s.serving.CompareAndSwap(false, true) {
		return ErrServing
	}

	if err := s.startStages(); err != nil {
		s.initiateShutdown()
		return errors.Join(err, s.gracefulShutdown())
	}

	logger.Info("Listening on %s (backlog=%d poll_in=%d write_back=%d recycle=%d)",
		s.Addr(), s.config.Backlog, s.config.PollInWorkers, s.config.WriteBackWorkers, s.config.RecycleWorkers)
	if s.limiter.Enabled() {
		logger.Info("Accept rate limited to %.1f/s (burst=%d)", s.config.AcceptRate, s.config.AcceptBurst)
	}

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received: %v", ctx.Err())
			s.initiateShutdown()
		case <-s.shutdown:
		}
	}()

	for {
		select {
		case <-s.shutdown:
			return s.gracefulShutdown()
		default:
		}

		if err := s.limiter.Wait(ctx); err != nil {
			s.initiateShutdown()
			return s.gracefulShutdown()
		}

		nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			select {
			case <-s.shutdown:
				return s.gracefulShutdown()
			default:
			}
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			s.metrics.RecordAcceptError()
			logger.Warn("Accept error: %v", err)
			if errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) || errors.Is(err, unix.ENOBUFS) {
				// Out of descriptors: give recycling a chance before retrying.
				time.Sleep(10 * time.Millisecond)
			}
			continue
		}

		conn := s.pipeline.CreateConnection(pipeline.NewSocket(nfd), sockaddrToTCPAddr(sa))
		s.accepts.Add(1)
		s.metrics.RecordConnectionAccepted()
		logger.Debug("Accepted %s", conn)
		s.pollIn.SchedAdd(conn)
	}
}

// startStages initializes every stage and starts its workers. The recycle
// threshold is frozen from here on.
func (s *Server) startStages() error {
	s.pipeline.Start()

	workers := map[string]int{
		pipeline.StagePollIn:    s.config.PollInWorkers,
		pipeline.StageWriteBack: s.config.WriteBackWorkers,
		pipeline.StageRecycle:   s.config.RecycleWorkers,
	}
	stages := s.pipeline.Stages()
	for _, stage := range stages {
		if err := stage.Initialize(); err != nil {
			return fmt.Errorf("initialize stage %s: %w", stage.Name(), err)
		}
	}
	for _, stage := range stages {
		for i := 0; i < workers[stage.Name()]; i++ {
			if err := stage.StartThread(); err != nil {
				return fmt.Errorf("start stage %s: %w", stage.Name(), err)
			}
		}
	}
	return nil
}

// initiateShutdown stops the accept loop. Safe to call more than once.
func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("Shutdown initiated")
		close(s.shutdown)
		// shutdown(2) wakes a thread blocked in accept on Linux.
		if err := unix.Shutdown(s.fd, unix.SHUT_RDWR); err != nil && !errors.Is(err, unix.ENOTCONN) {
			logger.Debug("Shutdown listener: %v", err)
		}
	})
}

// gracefulShutdown stops the stages within ShutdownTimeout and releases the
// listener.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	err := s.pipeline.Stop(ctx)
	s.closeListener()
	if err != nil {
		logger.Warn("Shutdown incomplete: %v", err)
		s.stopErr = err
	} else {
		logger.Info("Server stopped (accepted=%d recycled=%d)", s.Accepted(), s.Recycled())
	}
	close(s.done)
	return err
}

func (s *Server) closeListener() {
	s.closeOnce.Do(func() {
		if err := unix.Close(s.fd); err != nil {
			logger.Debug("Close listener: %v", err)
		}
	})
}

// Stop initiates shutdown and waits for Serve to finish, bounded by ctx. On a
// server that never served it only releases the listener.
func (s *Server) Stop(ctx context.Context) error {
	if !s.serving.Load() {
		s.initiateShutdown()
		s.closeListener()
		return nil
	}

	s.initiateShutdown()
	select {
	case <-s.done:
		return s.stopErr
	case <-ctx.Done():
		return fmt.Errorf("stop: %w", ctx.Err())
	}
}
