package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeSocket is an in-memory Socket with a scripted write schedule.
//
// Each Writev or SendFile call consumes one entry of plan as the maximum
// number of bytes it may transfer; 0 means would-block. Once plan is
// exhausted writes are unlimited.
type fakeSocket struct {
	mu sync.Mutex

	plan  []int
	calls int

	written bytes.Buffer
	input   []byte
	eof     bool

	writeErr  error
	blocking  bool
	toggles   int
	closed    bool
	closeHits int
}

func (s *fakeSocket) Fd() int { return -1 }

func (s *fakeSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.input) == 0 {
		if s.eof {
			return 0, nil
		}
		return 0, unix.EAGAIN
	}
	n := copy(p, s.input)
	s.input = s.input[n:]
	return n, nil
}

func (s *fakeSocket) allowance() int {
	if s.calls < len(s.plan) {
		n := s.plan[s.calls]
		s.calls++
		return n
	}
	s.calls++
	return 1 << 30
}

func (s *fakeSocket) Writev(bufs [][]byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return 0, s.writeErr
	}
	limit := s.allowance()
	if limit == 0 {
		return 0, unix.EAGAIN
	}
	total := 0
	for _, b := range bufs {
		if total == limit {
			break
		}
		n := min(len(b), limit-total)
		s.written.Write(b[:n])
		total += n
	}
	return total, nil
}

func (s *fakeSocket) SendFile(src *os.File, offset int64, count int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return 0, s.writeErr
	}
	limit := s.allowance()
	if limit == 0 {
		return 0, unix.EAGAIN
	}
	buf := make([]byte, min(count, limit))
	n, err := src.ReadAt(buf, offset)
	s.written.Write(buf[:n])
	if err != nil && n == 0 {
		return 0, nil
	}
	return n, nil
}

func (s *fakeSocket) SetBlocking(blocking bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocking = blocking
	s.toggles++
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHits++
	s.closed = true
	return nil
}

func (s *fakeSocket) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written.Bytes()...)
}

func (s *fakeSocket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// recordingStage is a Stage that only records what it receives.
type recordingStage struct {
	name string
	p    *Pipeline

	mu    sync.Mutex
	conns []*Connection
}

func newRecordingStage(p *Pipeline, name string) *recordingStage {
	return &recordingStage{name: name, p: p}
}

func (s *recordingStage) Name() string                 { return s.name }
func (s *recordingStage) Initialize() error            { return nil }
func (s *recordingStage) StartThread() error           { return nil }
func (s *recordingStage) Stop(_ context.Context) error { return nil }

func (s *recordingStage) SchedAdd(conn *Connection) {
	s.p.claim(conn, s.name)
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
}

func (s *recordingStage) Received() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Connection(nil), s.conns...)
}

// socketPair returns a non-blocking pipeline-side Socket and a net.Conn for
// the peer end of an AF_UNIX stream pair.
func socketPair(t *testing.T) (Socket, net.Conn) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	f := os.NewFile(uintptr(fds[1]), "peer")
	peer, err := net.FileConn(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	sock := NewSocket(fds[0])
	t.Cleanup(func() {
		_ = peer.Close()
		_ = sock.Close()
	})
	return sock, peer
}

func isNonblocking(t *testing.T, fd int) bool {
	t.Helper()
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	return flags&unix.O_NONBLOCK != 0
}

var errBrokenPipe = errors.New("broken pipe")
