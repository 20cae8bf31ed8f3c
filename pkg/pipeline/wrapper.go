package pipeline

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/marmos91/pipeserv/internal/logger"
	"github.com/marmos91/pipeserv/pkg/metrics"
)

// ErrFlushIncomplete is returned by Response.WriteData when a synchronous
// flush could not bring buffered output back under the threshold.
var ErrFlushIncomplete = errors.New("flush left output above threshold")

// Request is the handler's read side of a connection.
//
// Buffered bytes come from the poll stage's non-blocking reads. ReadData can
// also block the calling worker for bytes not yet received.
type Request struct {
	conn *Connection
}

func newRequest(conn *Connection) *Request {
	return &Request{conn: conn}
}

// ConnID returns the connection identifier.
func (r *Request) ConnID() uint64 { return r.conn.id }

// Peer returns the remote address.
func (r *Request) Peer() net.Addr { return r.conn.peer }

// Buffered returns the unconsumed input without consuming it. The slice
// aliases the connection's input storage: it is only valid until the next
// Discard or ReadData and must not be kept after the handler returns.
func (r *Request) Buffered() []byte { return r.conn.in.Peek() }

// Len returns the number of buffered input bytes.
func (r *Request) Len() int { return r.conn.in.Len() }

// Discard consumes up to n buffered bytes.
func (r *Request) Discard(n int) int { return r.conn.in.Discard(n) }

// ReadData fills dst completely. Buffered bytes are used first; the rest is
// read synchronously with the socket switched to blocking mode for the
// duration of the call.
//
// Returns len(dst), or the number of bytes delivered together with an error.
// A peer that closes early yields io.ErrUnexpectedEOF and marks the
// connection inactive.
func (r *Request) ReadData(dst []byte) (int, error) {
	n := r.conn.in.CopyFront(dst)
	if n == len(dst) {
		return n, nil
	}

	sock := r.conn.sock
	if err := sock.SetBlocking(true); err != nil {
		return n, err
	}
	defer func() {
		if err := sock.SetBlocking(false); err != nil {
			logger.Warn("Request: restore non-blocking on %s: %v", r.conn, err)
		}
	}()

	for n < len(dst) {
		m, err := sock.Read(dst[n:])
		n += m
		if err != nil {
			return n, fmt.Errorf("read %s: %w", r.conn, err)
		}
		if m == 0 {
			r.conn.activeClose()
			return n, io.ErrUnexpectedEOF
		}
	}
	return n, nil
}

// Response is the handler's write side of a connection.
//
// Writes are buffered in the output stream. Whatever is still buffered when
// the handler returns is drained by WriteBackStage.
type Response struct {
	conn      *Connection
	threshold int
	metrics   metrics.PipelineMetrics
	finished  bool
}

func newResponse(conn *Connection, threshold int, m metrics.PipelineMetrics) *Response {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	if m == nil {
		m = metrics.NewNoopPipelineMetrics()
	}
	return &Response{conn: conn, threshold: threshold, metrics: m}
}

// WriteData appends p to the output. If buffered output then exceeds the
// flush threshold it is flushed synchronously before returning.
func (r *Response) WriteData(p []byte) (int, error) {
	r.conn.out.Append(p)

	if r.conn.out.Buffered() <= r.threshold {
		return len(p), nil
	}

	r.metrics.RecordSyncFlush()
	if _, err := r.Flush(); err != nil {
		return 0, err
	}
	if r.conn.out.Buffered() > r.threshold {
		return 0, fmt.Errorf("%s: %d bytes buffered: %w", r.conn, r.conn.out.Buffered(), ErrFlushIncomplete)
	}
	return len(p), nil
}

// WriteString is WriteData for a string.
func (r *Response) WriteString(s string) (int, error) {
	return r.WriteData([]byte(s))
}

// Write implements io.Writer.
func (r *Response) Write(p []byte) (int, error) {
	return r.WriteData(p)
}

// WriteFile queues length bytes of f from offset for zero-copy transmission.
// The response takes ownership of f and closes it once sent or dropped.
func (r *Response) WriteFile(f *os.File, offset, length int64) error {
	return r.conn.out.AppendFile(f, offset, length)
}

// Buffered returns the number of in-memory output bytes not yet written.
func (r *Response) Buffered() int {
	return r.conn.out.Buffered()
}

// Flush writes queued output synchronously, with the socket in blocking mode,
// until the stream is empty or an error occurs. It returns the number of
// bytes written.
func (r *Response) Flush() (int, error) {
	if r.conn.out.Empty() {
		return 0, nil
	}

	sock := r.conn.sock
	if err := sock.SetBlocking(true); err != nil {
		return 0, err
	}
	defer func() {
		if err := sock.SetBlocking(false); err != nil {
			logger.Warn("Response: restore non-blocking on %s: %v", r.conn, err)
		}
	}()

	written := 0
	for !r.conn.out.Empty() {
		n, err := r.conn.out.WriteOnce(sock)
		written += n
		if err != nil {
			r.conn.markClosing()
			return written, err
		}
		if n == 0 {
			break
		}
	}
	return written, nil
}

// Close stops reading from the connection. Output already queued is still
// delivered before the connection is destroyed.
func (r *Response) Close() {
	r.conn.activeClose()
}

// Complete reports whether all queued output has been written.
func (r *Response) Complete() bool {
	return r.conn.out.Empty()
}

// finish runs after the handler returns. If output is still queued the
// connection is corked and finish reports true, meaning the caller must hand
// it to write-back. Only the first call can report true.
func (r *Response) finish() bool {
	if r.finished {
		return false
	}
	r.finished = true

	if r.conn.out.Empty() {
		return false
	}
	r.conn.setCork()
	return true
}
