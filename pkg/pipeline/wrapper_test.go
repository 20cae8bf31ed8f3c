package pipeline

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestReadData(t *testing.T) {
	t.Run("BufferedOnly", func(t *testing.T) {
		p := NewPipeline(nil)
		sock := &fakeSocket{}
		conn := p.CreateConnection(sock, nil)
		conn.in.Append([]byte("0123456789"))

		dst := make([]byte, 4)
		n, err := newRequest(conn).ReadData(dst)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.Equal(t, "0123", string(dst))
		assert.Zero(t, sock.toggles, "buffered read must not touch blocking mode")
	})

	t.Run("BufferedPlusWire", func(t *testing.T) {
		p := NewPipeline(nil)
		sock, peer := socketPair(t)
		conn := p.CreateConnection(sock, nil)
		conn.in.Append([]byte("hello "))

		go func() {
			time.Sleep(50 * time.Millisecond)
			_, _ = peer.Write([]byte("wor"))
			time.Sleep(20 * time.Millisecond)
			_, _ = peer.Write([]byte("ld!"))
		}()

		dst := make([]byte, 12)
		n, err := newRequest(conn).ReadData(dst)
		require.NoError(t, err)
		assert.Equal(t, 12, n)
		assert.Equal(t, "hello world!", string(dst))
		assert.True(t, isNonblocking(t, sock.Fd()), "non-blocking mode must be restored")
	})

	t.Run("EarlyEOF", func(t *testing.T) {
		p := NewPipeline(nil)
		sock, peer := socketPair(t)
		conn := p.CreateConnection(sock, nil)
		conn.in.Append([]byte("ab"))

		_, err := peer.Write([]byte("cd"))
		require.NoError(t, err)
		require.NoError(t, peer.Close())

		dst := make([]byte, 10)
		n, err := newRequest(conn).ReadData(dst)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
		assert.Equal(t, 4, n)
		assert.Equal(t, "abcd", string(dst[:n]))
		assert.False(t, conn.Active())
	})
}

func TestResponseFlushThreshold(t *testing.T) {
	t.Run("FlushesAboveThreshold", func(t *testing.T) {
		p := NewPipeline(nil)
		sock, peer := socketPair(t)
		conn := p.CreateConnection(sock, nil)
		resp := newResponse(conn, 64<<10, nil)

		received := make(chan []byte, 1)
		go func() {
			data, _ := io.ReadAll(peer)
			received <- data
		}()

		chunk := bytes.Repeat([]byte("x"), 40<<10)
		var want []byte

		n, err := resp.WriteData(chunk)
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
		assert.Equal(t, len(chunk), resp.Buffered(), "below threshold stays buffered")
		want = append(want, chunk...)

		n, err = resp.WriteData(chunk)
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
		assert.LessOrEqual(t, resp.Buffered(), 64<<10)
		assert.True(t, resp.Complete())
		assert.True(t, isNonblocking(t, sock.Fd()))
		want = append(want, chunk...)

		require.NoError(t, sock.Close())
		assert.Equal(t, want, <-received)
	})

	t.Run("FlushError", func(t *testing.T) {
		p := NewPipeline(nil)
		sock := &fakeSocket{writeErr: errBrokenPipe}
		conn := p.CreateConnection(sock, nil)
		resp := newResponse(conn, 8, nil)

		_, err := resp.WriteString("more than eight bytes")
		require.ErrorIs(t, err, errBrokenPipe)
		assert.True(t, conn.Closing())
		assert.False(t, sock.blocking, "blocking mode restored after failed flush")
	})

	t.Run("StallReported", func(t *testing.T) {
		p := NewPipeline(nil)
		sock := &fakeSocket{plan: []int{4, 0}}
		conn := p.CreateConnection(sock, nil)
		resp := newResponse(conn, 8, nil)

		_, err := resp.WriteString("0123456789abcdef")
		require.ErrorIs(t, err, ErrFlushIncomplete)
		assert.Equal(t, "0123", string(sock.Written()))
	})
}

func TestResponseFinishHandsOffOnce(t *testing.T) {
	p := NewPipeline(nil)
	conn := p.CreateConnection(&fakeSocket{}, nil)
	resp := newResponse(conn, 0, nil)

	assert.False(t, resp.finish(), "nothing queued")

	p2 := NewPipeline(nil)
	conn = p2.CreateConnection(&fakeSocket{}, nil)
	resp = newResponse(conn, 0, nil)
	_, err := resp.WriteString("pending")
	require.NoError(t, err)

	assert.True(t, resp.finish())
	assert.True(t, conn.Corked())
	assert.False(t, resp.finish(), "second finish must not hand off again")
}
