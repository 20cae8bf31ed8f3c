package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	p := NewPipeline(nil)

	require.NoError(t, p.RegisterStage(newRecordingStage(p, StageWriteBack)))
	require.ErrorIs(t, p.RegisterStage(newRecordingStage(p, StageWriteBack)), ErrStageExists)

	stage, err := p.FindStage(StageWriteBack)
	require.NoError(t, err)
	assert.Equal(t, StageWriteBack, stage.Name())

	_, err = p.FindStage("missing")
	require.ErrorIs(t, err, ErrStageNotFound)
	assert.Panics(t, func() { p.MustFindStage("missing") })

	p.Start()
	assert.True(t, p.Started())
	require.ErrorIs(t, p.RegisterStage(newRecordingStage(p, StageRecycle)), ErrPipelineStarted)
}

func TestCreateConnection(t *testing.T) {
	p := NewPipeline(nil)
	a := p.CreateConnection(&fakeSocket{}, nil)
	b := p.CreateConnection(&fakeSocket{}, nil)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.True(t, a.Active())
	assert.False(t, a.Corked())
	assert.False(t, a.Closing())
	assert.Equal(t, 2, p.Connections())
}

func TestOwnershipViolationDetected(t *testing.T) {
	p := NewPipeline(nil)
	first := newRecordingStage(p, "first")
	second := newRecordingStage(p, "second")
	conn := p.CreateConnection(&fakeSocket{}, nil)

	first.SchedAdd(conn)
	assert.Equal(t, "first", conn.Owner())
	assert.Zero(t, p.OwnershipViolations())

	second.SchedAdd(conn)
	assert.EqualValues(t, 1, p.OwnershipViolations())
}

// pollInHarness wires a real PollInStage to recording write-back and recycle
// stages so a single processing step can be observed.
type pollInHarness struct {
	p         *Pipeline
	pollIn    *PollInStage
	writeBack *recordingStage
	recycle   *recordingStage
}

func newPollInHarness(t *testing.T, handler Handler) *pollInHarness {
	t.Helper()
	h := &pollInHarness{p: NewPipeline(nil)}
	h.pollIn = NewPollInStage(h.p, handler, PollInConfig{Timeout: 20 * time.Millisecond})
	h.writeBack = newRecordingStage(h.p, StageWriteBack)
	h.recycle = newRecordingStage(h.p, StageRecycle)

	require.NoError(t, h.p.RegisterStage(h.pollIn))
	require.NoError(t, h.p.RegisterStage(h.writeBack))
	require.NoError(t, h.p.RegisterStage(h.recycle))
	require.NoError(t, h.pollIn.Initialize())
	t.Cleanup(func() { _ = h.pollIn.Stop(context.Background()) })
	return h
}

// step runs one poll-in processing pass as a worker would.
func (h *pollInHarness) step(conn *Connection) {
	h.p.claim(conn, StagePollIn)
	h.p.dispatch(StagePollIn, conn, h.pollIn.process)
}

func TestPollInHandsIncompleteResponseToWriteBackOnce(t *testing.T) {
	h := newPollInHarness(t, HandlerFunc(func(req *Request, resp *Response) {
		_, _ = resp.WriteData(req.Buffered())
		req.Discard(req.Len())
	}))

	conn := h.p.CreateConnection(&fakeSocket{input: []byte("ping")}, nil)
	h.step(conn)

	require.Len(t, h.writeBack.Received(), 1)
	assert.Same(t, conn, h.writeBack.Received()[0])
	assert.Empty(t, h.recycle.Received())
	assert.True(t, conn.Corked())
	assert.Equal(t, 4, conn.Out().Buffered())
	assert.Zero(t, h.p.OwnershipViolations())
}

func TestPollInClosedConnectionIsRecycled(t *testing.T) {
	h := newPollInHarness(t, HandlerFunc(func(req *Request, resp *Response) {
		req.Discard(req.Len())
		resp.Close()
	}))

	conn := h.p.CreateConnection(&fakeSocket{input: []byte("bye")}, nil)
	h.step(conn)

	assert.Empty(t, h.writeBack.Received())
	require.Len(t, h.recycle.Received(), 1)
	assert.True(t, conn.Closing())
}

func TestPollInPeerEOFRecycles(t *testing.T) {
	var calls int
	h := newPollInHarness(t, HandlerFunc(func(*Request, *Response) { calls++ }))

	conn := h.p.CreateConnection(&fakeSocket{eof: true}, nil)
	h.step(conn)

	assert.Zero(t, calls, "handler is not invoked without input")
	require.Len(t, h.recycle.Received(), 1)
}

func TestPollInHandlerPanicIsContained(t *testing.T) {
	h := newPollInHarness(t, HandlerFunc(func(*Request, *Response) {
		panic("handler bug")
	}))

	conn := h.p.CreateConnection(&fakeSocket{input: []byte("x")}, nil)
	assert.NotPanics(t, func() { h.step(conn) })

	require.Len(t, h.recycle.Received(), 1)
	assert.True(t, conn.Closing())
}

func TestWriteBackDrainsAndReturnsToPollIn(t *testing.T) {
	p := NewPipeline(nil)
	pollIn := newRecordingStage(p, StagePollIn)
	recycle := newRecordingStage(p, StageRecycle)
	wb := NewWriteBackStage(p, WriteBackConfig{RetryDelay: time.Microsecond})
	require.NoError(t, p.RegisterStage(pollIn))
	require.NoError(t, p.RegisterStage(wb))
	require.NoError(t, p.RegisterStage(recycle))
	require.NoError(t, wb.Initialize())
	require.NoError(t, wb.StartThread())
	require.NoError(t, wb.StartThread())

	payload := bytes.Repeat([]byte("abc"), 10_000)
	sock := &fakeSocket{plan: []int{0, 10, 0, 0, 100, 0, 1, 0, 5000}}
	active := p.CreateConnection(sock, nil)
	active.Out().Append(payload)
	active.setCork()
	wb.SchedAdd(active)

	closingSock := &fakeSocket{plan: []int{0, 0, 3}}
	closing := p.CreateConnection(closingSock, nil)
	closing.Out().Append([]byte("last words"))
	closing.activeClose()
	wb.SchedAdd(closing)

	require.Eventually(t, func() bool {
		return len(pollIn.Received()) == 1 && len(recycle.Received()) == 1
	}, 2*time.Second, time.Millisecond)

	assert.Same(t, active, pollIn.Received()[0])
	assert.Same(t, closing, recycle.Received()[0])
	assert.Equal(t, payload, sock.Written())
	assert.Equal(t, "last words", string(closingSock.Written()))
	assert.False(t, active.Corked())
	assert.Zero(t, p.OwnershipViolations())

	require.NoError(t, wb.Stop(context.Background()))
}

func TestWriteBackErrorRecycles(t *testing.T) {
	p := NewPipeline(nil)
	recycle := newRecordingStage(p, StageRecycle)
	wb := NewWriteBackStage(p, WriteBackConfig{})
	require.NoError(t, p.RegisterStage(newRecordingStage(p, StagePollIn)))
	require.NoError(t, p.RegisterStage(wb))
	require.NoError(t, p.RegisterStage(recycle))
	require.NoError(t, wb.Initialize())
	require.NoError(t, wb.StartThread())

	conn := p.CreateConnection(&fakeSocket{writeErr: errBrokenPipe}, nil)
	conn.Out().Append([]byte("data"))
	wb.SchedAdd(conn)

	require.Eventually(t, func() bool { return len(recycle.Received()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, conn.Closing())
	require.NoError(t, wb.Stop(context.Background()))
}

func TestInitializeRequiresPeers(t *testing.T) {
	p := NewPipeline(nil)
	pollIn := NewPollInStage(p, HandlerFunc(func(*Request, *Response) {}), PollInConfig{})
	require.NoError(t, p.RegisterStage(pollIn))
	require.ErrorIs(t, pollIn.Initialize(), ErrStageNotFound)
	require.Error(t, pollIn.StartThread())

	wb := NewWriteBackStage(p, WriteBackConfig{})
	require.ErrorIs(t, wb.Initialize(), ErrStageNotFound)
}

// startFullPipeline registers and starts the three real stages.
func startFullPipeline(t *testing.T, handler Handler, pollWorkers, writeWorkers int) (*Pipeline, *RecycleStage) {
	t.Helper()
	p := NewPipeline(nil)
	recycle := NewRecycleStage(p, 2)
	stages := []Stage{
		NewPollInStage(p, handler, PollInConfig{Timeout: 20 * time.Millisecond}),
		NewWriteBackStage(p, WriteBackConfig{}),
		recycle,
	}
	workers := []int{pollWorkers, writeWorkers, 1}

	for _, s := range stages {
		require.NoError(t, p.RegisterStage(s))
	}
	p.Start()
	for i, s := range stages {
		require.NoError(t, s.Initialize())
		for w := 0; w < workers[i]; w++ {
			require.NoError(t, s.StartThread())
		}
	}
	return p, recycle
}

// amplifyHandler echoes every byte it receives factor times, which overflows
// socket buffers and forces write-back.
func amplifyHandler(factor int) Handler {
	return HandlerFunc(func(req *Request, resp *Response) {
		data := req.Buffered()
		for i := 0; i < factor; i++ {
			if _, err := resp.WriteData(data); err != nil {
				resp.Close()
				return
			}
		}
		req.Discard(len(data))
		if bytes.Contains(data, []byte("quit")) {
			resp.Close()
		}
	})
}

func TestPipelineEndToEndExclusiveOwnership(t *testing.T) {
	const (
		clients  = 24
		rounds   = 5
		factor   = 2000
		msgBytes = 32
	)

	p, recycle := startFullPipeline(t, amplifyHandler(factor), 3, 2)
	pollIn := p.MustFindStage(StagePollIn)

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for c := 0; c < clients; c++ {
		sock, peer := socketPair(t)
		pollIn.SchedAdd(p.CreateConnection(sock, nil))

		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				msg := []byte(fmt.Sprintf("%0*d", msgBytes, c*1000+r))
				if _, err := peer.Write(msg); err != nil {
					errs <- err
					return
				}
				got := make([]byte, len(msg)*factor)
				if _, err := io.ReadFull(peer, got); err != nil {
					errs <- fmt.Errorf("client %d round %d: %w", c, r, err)
					return
				}
				if !bytes.Equal(got, bytes.Repeat(msg, factor)) {
					errs <- fmt.Errorf("client %d round %d: payload mismatch", c, r)
					return
				}
			}
			_ = peer.Close()
		}(c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	assert.Zero(t, p.OwnershipViolations())
	assert.EqualValues(t, clients, recycle.Destroyed())
	assert.Zero(t, p.Connections())
}
