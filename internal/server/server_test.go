package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringkv/internal/logging"
	"ringkv/internal/wire"
)

// echoHandler answers GET k with the value k and PUT with 200 OK.
var echoHandler = HandlerFunc(func(ctx context.Context, req wire.Request) wire.Response {
	switch req.Op {
	case wire.OpGet:
		return wire.Value(req.Key)
	case wire.OpPut:
		return wire.OK()
	default:
		return wire.NotFound()
	}
})

// startServer serves h on a loopback port. The returned stop cancels the
// server and returns Serve's result; it is safe to call more than once.
func startServer(t *testing.T, h Handler, opts Options) (string, func() error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := New(h, logging.Nop(), opts)
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	var (
		once     sync.Once
		serveErr error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			serveErr = <-done
		})
		return serveErr
	}
	t.Cleanup(func() { _ = stop() })
	return ln.Addr().String(), stop
}

type testConn struct {
	net.Conn
	r *bufio.Reader
}

func dial(t *testing.T, addr string) *testConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &testConn{Conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) roundTrip(t *testing.T, line string) string {
	t.Helper()
	require.NoError(t, wire.WriteLine(c, line))
	resp, err := wire.ReadLine(c.r)
	require.NoError(t, err)
	return resp
}

func TestServer_RequestResponse(t *testing.T) {
	addr, _ := startServer(t, echoHandler, Options{})
	conn := dial(t, addr)

	assert.Equal(t, "200 OK", conn.roundTrip(t, "PUT name Alice"))
	assert.Equal(t, "name", conn.roundTrip(t, "get name"))
	assert.Equal(t, "404 Key not found", conn.roundTrip(t, "DELETE name"))
}

func TestServer_MalformedRequests(t *testing.T) {
	addr, _ := startServer(t, echoHandler, Options{})
	conn := dial(t, addr)

	assert.Equal(t, "ERROR: Invalid request format", conn.roundTrip(t, "GET"))
	assert.Equal(t, "ERROR: Invalid request format", conn.roundTrip(t, ""))
	assert.Equal(t, "ERROR: PUT operation requires a key and value", conn.roundTrip(t, "PUT name"))
	assert.Equal(t, "ERROR: Unsupported operation", conn.roundTrip(t, "POST name"))
	// The connection is still usable.
	assert.Equal(t, "k", conn.roundTrip(t, "GET k"))
}

func TestServer_LineTooLong(t *testing.T) {
	addr, _ := startServer(t, echoHandler, Options{MaxLineBytes: 64})
	conn := dial(t, addr)

	long := "PUT k " + strings.Repeat("v", 10000)
	assert.Equal(t, "ERROR: Invalid request format", conn.roundTrip(t, long))
	// The rest of the long line was skipped and the connection still works.
	assert.Equal(t, "k", conn.roundTrip(t, "GET k"))
}

func TestServer_DefaultLineLimitAcceptsLargeValues(t *testing.T) {
	addr, _ := startServer(t, echoHandler, Options{})
	conn := dial(t, addr)

	// Larger than bufio.Scanner's 64 KiB default token size.
	assert.Equal(t, "200 OK", conn.roundTrip(t, "PUT k "+strings.Repeat("v", 100<<10)))
}

func TestServer_PanicDoesNotStopListener(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, req wire.Request) wire.Response {
		if req.Key == "boom" {
			panic("handler failure")
		}
		return wire.Value(req.Key)
	})
	addr, _ := startServer(t, h, Options{Workers: 1})

	bad := dial(t, addr)
	require.NoError(t, wire.WriteLine(bad, "GET boom"))
	_, err := wire.ReadLine(bad.r)
	assert.Error(t, err, "panicking handler closes the connection without a line")

	good := dial(t, addr)
	assert.Equal(t, "ok", good.roundTrip(t, "GET ok"))
}

func TestServer_WorkerPoolBound(t *testing.T) {
	var (
		active    atomic.Int32
		maxActive atomic.Int32
		release   = make(chan struct{})
	)
	h := HandlerFunc(func(ctx context.Context, req wire.Request) wire.Response {
		n := active.Add(1)
		for {
			old := maxActive.Load()
			if n <= old || maxActive.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return wire.OK()
	})
	addr, _ := startServer(t, h, Options{Workers: 2})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", addr, time.Second)
			if err != nil {
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
			_ = wire.WriteLine(conn, "PUT k v")
			_, _ = wire.ReadLine(bufio.NewReader(conn))
		}()
	}

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 2, active.Load(), "only two workers may run at once")
	close(release)
	wg.Wait()
	assert.EqualValues(t, 2, maxActive.Load())
}

func TestServer_Shutdown(t *testing.T) {
	addr, stop := startServer(t, echoHandler, Options{IdleTimeout: time.Minute})
	conn := dial(t, addr)
	assert.Equal(t, "a", conn.roundTrip(t, "GET a"))

	start := time.Now()
	require.NoError(t, stop())
	assert.Less(t, time.Since(start), 2*time.Second, "drain must not wait for the idle timeout")

	// The idle connection was closed by the drain.
	_, err := wire.ReadLine(conn.r)
	assert.Error(t, err)

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed")
}

func TestServer_IdleTimeout(t *testing.T) {
	addr, _ := startServer(t, echoHandler, Options{IdleTimeout: 50 * time.Millisecond})
	conn := dial(t, addr)

	_, err := wire.ReadLine(conn.r)
	assert.Error(t, err, "idle connection should be closed by the server")
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, minAcceptBackoff, nextBackoff(0))
	assert.Equal(t, 2*minAcceptBackoff, nextBackoff(minAcceptBackoff))
	assert.Equal(t, maxAcceptBackoff, nextBackoff(maxAcceptBackoff))
}
