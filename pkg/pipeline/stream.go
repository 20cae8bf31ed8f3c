package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// maxIovecs bounds the number of byte chunks gathered into one writev.
	maxIovecs = 64

	// maxSendfileChunk bounds a single sendfile call.
	maxSendfileChunk = 1 << 20

	// fillLimitChunks bounds one FillFrom call to this many read chunks so a
	// chatty client cannot monopolise a poll worker.
	fillLimitChunks = 16
)

// ErrFileRegionTruncated is returned when a queued file region ends before
// its declared length.
var ErrFileRegionTruncated = errors.New("file region truncated")

// InputStream accumulates bytes received from a socket.
//
// Bytes are kept in pooled chunks and consumed strictly from the front.
type InputStream struct {
	chunks [][]byte
	head   int // bytes already consumed from chunks[0]
	size   int
}

// Len returns the number of buffered, unconsumed bytes.
func (s *InputStream) Len() int {
	return s.size
}

// Append copies p to the back of the stream.
func (s *InputStream) Append(p []byte) {
	for len(p) > 0 {
		tail := s.tailWithSpace(len(p))
		n := copy(tail[len(tail):cap(tail)], p)
		s.chunks[len(s.chunks)-1] = tail[:len(tail)+n]
		s.size += n
		p = p[n:]
	}
}

// tailWithSpace returns the last chunk, appending a new one from the pool if
// the current tail is full.
func (s *InputStream) tailWithSpace(hint int) []byte {
	if n := len(s.chunks); n > 0 {
		tail := s.chunks[n-1]
		if len(tail) < cap(tail) {
			return tail
		}
	}
	if hint > largeChunkSize {
		hint = largeChunkSize
	}
	chunk := chunks.get(hint)
	s.chunks = append(s.chunks, chunk)
	return chunk
}

// Peek returns the buffered bytes without consuming them. The result aliases
// stream storage when it fits a single chunk; callers must not keep it across
// a consume.
func (s *InputStream) Peek() []byte {
	switch len(s.chunks) {
	case 0:
		return nil
	case 1:
		return s.chunks[0][s.head:]
	}
	out := make([]byte, 0, s.size)
	out = append(out, s.chunks[0][s.head:]...)
	for _, c := range s.chunks[1:] {
		out = append(out, c...)
	}
	return out
}

// CopyFront moves up to len(dst) bytes from the front of the stream into dst
// and returns how many were copied.
func (s *InputStream) CopyFront(dst []byte) int {
	copied := 0
	for copied < len(dst) && len(s.chunks) > 0 {
		n := copy(dst[copied:], s.chunks[0][s.head:])
		copied += n
		s.consume(n)
	}
	return copied
}

// Discard drops up to n bytes from the front and returns how many were dropped.
func (s *InputStream) Discard(n int) int {
	dropped := 0
	for dropped < n && len(s.chunks) > 0 {
		avail := len(s.chunks[0]) - s.head
		step := min(avail, n-dropped)
		dropped += step
		s.consume(step)
	}
	return dropped
}

func (s *InputStream) consume(n int) {
	s.head += n
	s.size -= n
	if s.head == len(s.chunks[0]) {
		chunks.put(s.chunks[0])
		s.chunks[0] = nil
		s.chunks = s.chunks[1:]
		s.head = 0
	}
}

// FillFrom reads from sock until it would block, the peer closes, or the
// per-call limit is reached.
//
// Returns the number of bytes appended, whether the peer reached EOF, and any
// I/O error other than would-block.
func (s *InputStream) FillFrom(sock Socket, chunkSize int) (int, bool, error) {
	if chunkSize <= 0 {
		chunkSize = largeChunkSize
	}
	limit := chunkSize * fillLimitChunks
	total := 0

	for total < limit {
		tail := s.tailWithSpace(chunkSize)
		n, err := sock.Read(tail[len(tail):cap(tail)])
		if n > 0 {
			s.chunks[len(s.chunks)-1] = tail[:len(tail)+n]
			s.size += n
			total += n
		}
		if err != nil {
			s.trimEmptyTail()
			if isWouldBlock(err) {
				return total, false, nil
			}
			return total, false, err
		}
		if n == 0 {
			s.trimEmptyTail()
			return total, true, nil
		}
	}
	return total, false, nil
}

// trimEmptyTail returns a freshly taken but unused tail chunk to the pool.
func (s *InputStream) trimEmptyTail() {
	n := len(s.chunks)
	if n == 0 || len(s.chunks[n-1]) > 0 {
		return
	}
	chunks.put(s.chunks[n-1])
	s.chunks[n-1] = nil
	s.chunks = s.chunks[:n-1]
}

// Reset drops all buffered bytes and releases storage.
func (s *InputStream) Reset() {
	for i, c := range s.chunks {
		chunks.put(c)
		s.chunks[i] = nil
	}
	s.chunks = nil
	s.head = 0
	s.size = 0
}

// FileRegion is a slice of a file queued for zero-copy transmission. The
// output stream owns File and closes it once the region is sent or dropped.
type FileRegion struct {
	File   *os.File
	Offset int64
	Length int64
}

type outSegment struct {
	data   []byte // nil for file regions
	off    int
	region *FileRegion
	sent   int64
}

// OutputStream is a FIFO of byte chunks and file regions awaiting
// transmission.
//
// WriteOnce resumes exactly where the previous attempt stopped: the offset
// into the head segment is kept across calls, so a partial write never
// repeats or skips a byte.
type OutputStream struct {
	segs     []*outSegment
	buffered int

	// observe, when set, is told about every successful transfer.
	observe func(zeroCopy bool, n int)
}

// Buffered returns the number of in-memory bytes not yet written. File
// regions do not count.
func (s *OutputStream) Buffered() int {
	return s.buffered
}

// Empty reports whether nothing at all is queued.
func (s *OutputStream) Empty() bool {
	return len(s.segs) == 0
}

// Append copies p to the back of the stream.
func (s *OutputStream) Append(p []byte) {
	for len(p) > 0 {
		var tail *outSegment
		if n := len(s.segs); n > 0 && s.segs[n-1].region == nil {
			tail = s.segs[n-1]
		}
		if tail == nil || len(tail.data) == cap(tail.data) {
			size := len(p)
			if size > largeChunkSize {
				size = largeChunkSize
			}
			tail = &outSegment{data: chunks.get(size)}
			s.segs = append(s.segs, tail)
		}
		n := copy(tail.data[len(tail.data):cap(tail.data)], p)
		tail.data = tail.data[:len(tail.data)+n]
		s.buffered += n
		p = p[n:]
	}
}

// AppendFile queues length bytes of f starting at offset. Ownership of f
// passes to the stream.
func (s *OutputStream) AppendFile(f *os.File, offset, length int64) error {
	if f == nil {
		return fmt.Errorf("append file: nil file")
	}
	if offset < 0 || length < 0 {
		_ = f.Close()
		return fmt.Errorf("append file %s: invalid range offset=%d length=%d", f.Name(), offset, length)
	}
	if length == 0 {
		return f.Close()
	}
	s.segs = append(s.segs, &outSegment{region: &FileRegion{File: f, Offset: offset, Length: length}})
	return nil
}

// WriteOnce performs one non-blocking transfer attempt of the head of the
// stream: a gathered writev of the leading byte chunks, or one sendfile call
// for a leading file region.
//
// Returns n > 0 for bytes written, 0 with a nil error when there is nothing to
// write or the socket would block, or an I/O error.
func (s *OutputStream) WriteOnce(sock Socket) (int, error) {
	if len(s.segs) == 0 {
		return 0, nil
	}

	if head := s.segs[0]; head.region != nil {
		return s.writeRegion(sock, head)
	}
	return s.writeBuffered(sock)
}

func (s *OutputStream) writeBuffered(sock Socket) (int, error) {
	iov := make([][]byte, 0, min(len(s.segs), maxIovecs))
	for _, seg := range s.segs {
		if seg.region != nil || len(iov) == maxIovecs {
			break
		}
		iov = append(iov, seg.data[seg.off:])
	}

	n, err := sock.Writev(iov)
	if n > 0 {
		s.advance(n)
		if s.observe != nil {
			s.observe(false, n)
		}
	}
	if err != nil {
		if isWouldBlock(err) {
			return n, nil
		}
		return n, fmt.Errorf("writev: %w", err)
	}
	return n, nil
}

func (s *OutputStream) writeRegion(sock Socket, seg *outSegment) (int, error) {
	r := seg.region
	remaining := r.Length - seg.sent
	count := int(min(remaining, int64(maxSendfileChunk)))

	n, err := sock.SendFile(r.File, r.Offset+seg.sent, count)
	if n > 0 {
		seg.sent += int64(n)
		if seg.sent == r.Length {
			s.popHead()
		}
		if s.observe != nil {
			s.observe(true, n)
		}
	}
	if err != nil {
		if isWouldBlock(err) {
			return n, nil
		}
		return n, fmt.Errorf("sendfile %s: %w", r.File.Name(), err)
	}
	if n == 0 && count > 0 {
		return 0, fmt.Errorf("sendfile %s at offset %d: %w", r.File.Name(), r.Offset+seg.sent, ErrFileRegionTruncated)
	}
	return n, nil
}

// advance consumes n written bytes from the leading byte segments.
func (s *OutputStream) advance(n int) {
	for n > 0 && len(s.segs) > 0 {
		head := s.segs[0]
		avail := len(head.data) - head.off
		if n < avail {
			head.off += n
			s.buffered -= n
			return
		}
		n -= avail
		s.buffered -= avail
		s.popHead()
	}
}

func (s *OutputStream) popHead() {
	head := s.segs[0]
	if head.region != nil {
		_ = head.region.File.Close()
	} else {
		chunks.put(head.data)
	}
	s.segs[0] = nil
	s.segs = s.segs[1:]
}

// Reset drops everything queued, closing pending file regions.
func (s *OutputStream) Reset() {
	for len(s.segs) > 0 {
		s.popHead()
	}
	s.segs = nil
	s.buffered = 0
}

// WriteTo drains the stream into w. Used where a plain writer stands in for a
// socket, e.g. when dumping a response in tests.
func (s *OutputStream) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for len(s.segs) > 0 {
		head := s.segs[0]
		if head.region != nil {
			r := head.region
			n, err := io.Copy(w, io.NewSectionReader(r.File, r.Offset+head.sent, r.Length-head.sent))
			total += n
			if err != nil {
				return total, err
			}
			s.popHead()
			continue
		}
		n, err := w.Write(head.data[head.off:])
		total += int64(n)
		s.advance(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
