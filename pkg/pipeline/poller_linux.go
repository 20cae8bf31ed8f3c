//go:build linux

package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// errPollerClosed is returned by add once the poller has been drained.
var errPollerClosed = errors.New("poller closed")

// readEvents is the interest set for a waiting connection. EPOLLONESHOT
// disarms the descriptor after the first report so exactly one worker sees
// each readiness event.
const readEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// poller is the epoll wait set of PollInStage.
//
// A connection is in conns exactly while it is registered with epoll. The
// worker that takes it out of conns owns it; epoll registration is removed
// under the same lock so a descriptor can never be reported twice.
type poller struct {
	epfd int

	mu     sync.Mutex
	conns  map[int]*Connection
	closed bool
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &poller{
		epfd:  epfd,
		conns: make(map[int]*Connection),
	}, nil
}

// add registers conn for read readiness.
func (p *poller) add(conn *Connection) error {
	fd := conn.sock.Fd()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errPollerClosed
	}
	if _, exists := p.conns[fd]; exists {
		return fmt.Errorf("fd %d already registered", fd)
	}

	ev := unix.EpollEvent{Events: readEvents, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	p.conns[fd] = conn
	return nil
}

// wait blocks up to timeout and returns the connections that became ready,
// already removed from the wait set.
func (p *poller) wait(events []unix.EpollEvent, timeout time.Duration) ([]*Connection, error) {
	n, err := unix.EpollWait(p.epfd, events, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}
	if n <= 0 {
		return nil, nil
	}

	ready := make([]*Connection, 0, n)
	p.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		conn, ok := p.conns[fd]
		if !ok {
			continue
		}
		delete(p.conns, fd)
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		ready = append(ready, conn)
	}
	p.mu.Unlock()
	return ready, nil
}

// len returns the number of registered connections.
func (p *poller) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// drain closes the poller for new registrations and returns every connection
// still waiting.
func (p *poller) drain() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	left := make([]*Connection, 0, len(p.conns))
	for fd, conn := range p.conns {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(p.conns, fd)
		left = append(left, conn)
	}
	return left
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
