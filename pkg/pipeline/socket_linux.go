//go:build linux

package pipeline

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Socket is the descriptor-level view of an accepted client connection.
//
// The pipeline never goes through net.Conn: stages need the raw descriptor for
// readiness polling, sendfile and explicit blocking-mode switches. Read, Writev
// and SendFile report would-block as unix.EAGAIN.
type Socket interface {
	Fd() int
	Read(p []byte) (int, error)
	Writev(bufs [][]byte) (int, error)
	SendFile(src *os.File, offset int64, count int) (int, error)
	SetBlocking(blocking bool) error
	Close() error
}

// fdSocket is the Socket backed by a real descriptor.
type fdSocket struct {
	fd     int
	closed atomic.Bool
}

// NewSocket wraps fd. The Socket takes ownership of the descriptor.
func NewSocket(fd int) Socket {
	return &fdSocket{fd: fd}
}

func (s *fdSocket) Fd() int {
	return s.fd
}

func (s *fdSocket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (s *fdSocket) Writev(bufs [][]byte) (int, error) {
	for {
		n, err := unix.Writev(s.fd, bufs)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (s *fdSocket) SendFile(src *os.File, offset int64, count int) (int, error) {
	off := offset
	for {
		n, err := unix.Sendfile(s.fd, int(src.Fd()), &off, count)
		if err == unix.EINTR {
			if n > 0 {
				return n, nil
			}
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (s *fdSocket) SetBlocking(blocking bool) error {
	if err := unix.SetNonblock(s.fd, !blocking); err != nil {
		return fmt.Errorf("set blocking=%v on fd %d: %w", blocking, s.fd, err)
	}
	return nil
}

func (s *fdSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(s.fd)
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
