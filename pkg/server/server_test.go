package server

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pipeserv/pkg/pipeline"
)

// lineEcho echoes complete lines and closes on "quit".
var lineEcho = pipeline.HandlerFunc(func(req *pipeline.Request, resp *pipeline.Response) {
	for {
		buf := req.Buffered()
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			return
		}
		line := string(buf[:i+1])
		req.Discard(i + 1)
		if line == "quit\n" {
			_, _ = resp.WriteString("bye\n")
			resp.Close()
			return
		}
		_, _ = resp.WriteString(line)
	}
})

func startServer(t *testing.T, cfg Config, h pipeline.Handler) (*Server, func() error) {
	t.Helper()
	srv, err := New(cfg, h, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()

	stop := func() error {
		cancel()
		select {
		case err := <-errc:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("server did not stop")
			return nil
		}
	}
	return srv, stop
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServeEcho(t *testing.T) {
	srv, stop := startServer(t, Config{
		Host:             "127.0.0.1",
		Port:             "0",
		RecycleThreshold: 1,
		PollTimeout:      20 * time.Millisecond,
	}, lineEcho)

	addr, ok := srv.Addr().(*net.TCPAddr)
	require.True(t, ok)
	assert.NotZero(t, addr.Port)

	conn := dial(t, srv)
	r := bufio.NewReader(conn)

	for i := 0; i < 10; i++ {
		msg := "hello " + strconv.Itoa(i) + "\n"
		_, err := conn.Write([]byte(msg))
		require.NoError(t, err)
		got, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}

	_, err := conn.Write([]byte("quit\n"))
	require.NoError(t, err)
	got, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "bye\n", got)

	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF, "server closes after quit")

	require.NoError(t, stop())
	assert.EqualValues(t, 1, srv.Accepted())
	assert.Zero(t, srv.ActiveConnections())
	assert.Zero(t, srv.Pipeline().OwnershipViolations())
}

func TestServeManyClients(t *testing.T) {
	srv, stop := startServer(t, Config{
		Host:             "127.0.0.1",
		Port:             "0",
		PollInWorkers:    2,
		WriteBackWorkers: 2,
		RecycleThreshold: 4,
		PollTimeout:      20 * time.Millisecond,
	}, lineEcho)

	const clients = 16
	done := make(chan error, clients)
	for c := 0; c < clients; c++ {
		conn := dial(t, srv)
		go func(conn net.Conn) {
			r := bufio.NewReader(conn)
			for i := 0; i < 20; i++ {
				if _, err := conn.Write([]byte("ping\n")); err != nil {
					done <- err
					return
				}
				if _, err := r.ReadString('\n'); err != nil {
					done <- err
					return
				}
			}
			done <- conn.Close()
		}(conn)
	}
	for c := 0; c < clients; c++ {
		require.NoError(t, <-done)
	}

	require.NoError(t, stop())
	assert.EqualValues(t, clients, srv.Accepted())
	assert.EqualValues(t, clients, srv.Recycled())
	assert.Zero(t, srv.Pipeline().OwnershipViolations())
}

func TestStopWithIdleConnections(t *testing.T) {
	srv, stop := startServer(t, Config{Host: "127.0.0.1", Port: "0", PollTimeout: 20 * time.Millisecond}, lineEcho)

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, stop())
	assert.Zero(t, srv.ActiveConnections(), "idle connections are recycled on shutdown")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestNewFailures(t *testing.T) {
	t.Run("UnresolvableHost", func(t *testing.T) {
		_, err := New(Config{Host: "host.invalid", Port: "0"}, lineEcho, nil)
		require.Error(t, err)
	})

	t.Run("UnknownService", func(t *testing.T) {
		_, err := New(Config{Host: "127.0.0.1", Port: "no-such-service-xyz"}, lineEcho, nil)
		require.Error(t, err)
	})

	t.Run("PortInUse", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
		_, err = New(Config{Host: "127.0.0.1", Port: port}, lineEcho, nil)
		require.ErrorIs(t, err, ErrNoBindableAddress)
	})

	t.Run("NilHandler", func(t *testing.T) {
		_, err := New(Config{Host: "127.0.0.1", Port: "0"}, nil, nil)
		require.Error(t, err)
	})
}

func TestSetRecycleThreshold(t *testing.T) {
	srv, err := New(Config{Host: "127.0.0.1", Port: "0", PollTimeout: 20 * time.Millisecond}, lineEcho, nil)
	require.NoError(t, err)

	require.NoError(t, srv.SetRecycleThreshold(3))
	require.Error(t, srv.SetRecycleThreshold(0))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()
	require.Eventually(t, func() bool { return srv.serving.Load() }, time.Second, time.Millisecond)

	require.ErrorIs(t, srv.SetRecycleThreshold(5), ErrServing)
	cancel()
	require.NoError(t, <-errc)
}

func TestConnectBeforeServe(t *testing.T) {
	srv, err := New(Config{Host: "127.0.0.1", Port: "0", RecycleThreshold: 1, PollTimeout: 20 * time.Millisecond}, lineEcho, nil)
	require.NoError(t, err)

	// The listen queue holds the handshake until the accept loop runs.
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err, "listener is open once New returns")
	defer conn.Close()
	_, err = conn.Write([]byte("early\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "early\n", got)

	cancel()
	require.NoError(t, <-errc)
	assert.EqualValues(t, 1, srv.Accepted())
	assert.Zero(t, srv.Pipeline().OwnershipViolations())
}

func TestStopBeforeServe(t *testing.T) {
	srv, err := New(Config{Host: "127.0.0.1", Port: "0"}, lineEcho, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Stop(context.Background()))
}

func TestResolveCandidates(t *testing.T) {
	ctx := context.Background()

	wild, err := resolveCandidates(ctx, "", "8080")
	require.NoError(t, err)
	require.Len(t, wild, 2, "wildcard yields both families")
	assert.Equal(t, "[::]:8080", sockaddrString(wild[0]))
	assert.Equal(t, "0.0.0.0:8080", sockaddrString(wild[1]))

	local, err := resolveCandidates(ctx, "127.0.0.1", "0")
	require.NoError(t, err)
	require.Len(t, local, 1)

	_, err = resolveCandidates(ctx, "", "70000")
	require.Error(t, err)
}
