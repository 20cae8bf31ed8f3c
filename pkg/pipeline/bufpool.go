package pipeline

import "sync"

// Stream storage is built from pooled chunks. Two size classes cover the
// common cases: small response fragments (headers, short replies) and socket
// read chunks. Larger requests are allocated directly and never pooled.
const (
	smallChunkSize = 4 << 10  // 4KB
	largeChunkSize = 64 << 10 // 64KB
)

type chunkPool struct {
	small sync.Pool
	large sync.Pool
}

var chunks = &chunkPool{
	small: sync.Pool{
		New: func() any {
			buf := make([]byte, smallChunkSize)
			return &buf
		},
	},
	large: sync.Pool{
		New: func() any {
			buf := make([]byte, largeChunkSize)
			return &buf
		},
	},
}

// get returns an empty slice with capacity of at least size.
func (p *chunkPool) get(size int) []byte {
	var bufPtr *[]byte

	switch {
	case size <= smallChunkSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= largeChunkSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		return make([]byte, 0, size)
	}

	return (*bufPtr)[:0]
}

// put hands a chunk back. Chunks that do not match a size class are left to
// the GC.
func (p *chunkPool) put(buf []byte) {
	if buf == nil {
		return
	}

	full := buf[:cap(buf)]
	switch cap(buf) {
	case smallChunkSize:
		p.small.Put(&full)
	case largeChunkSize:
		p.large.Put(&full)
	}
}
