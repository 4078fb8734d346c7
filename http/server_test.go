package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/freekieb7/pebble/filesystem"
	"github.com/freekieb7/pebble/socket"
	"github.com/freekieb7/pebble/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// serve runs s in the background until the test ends and returns the
// address clients should dial.
func serve(t *testing.T, s *Server, ln *socket.Listener) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln.Fd) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return ln.Addr.String()
}

func TestServeFile(t *testing.T) {
	s, ln := newTestServer(t, testFiles)
	addr := serve(t, s, ln)

	tests := []struct {
		path        string
		contentType string
		body        string
	}{
		{"/hello.txt", "text/plain; charset=utf-8", "hi\n"},
		{"/index.html", "text/html; charset=utf-8", "<p>pebble</p>"},
		{"/css/style.css", "text/css; charset=utf-8", "body{}"},
		{"/dir/nested.txt", "text/plain; charset=utf-8", "nested"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := test.RoundTrip(t, addr, "GET "+tt.path+" HTTP/1.1\r\nHost: localhost\r\n\r\n")
			head, body := test.SplitResponse(t, resp)

			lines := strings.Split(head, "\r\n")
			assert.Equal(t, "HTTP/1.1 200 OK", lines[0])
			assert.Contains(t, lines, "Content-Type: "+tt.contentType)
			assert.Equal(t, tt.body, body)
		})
	}
}

func TestServeLargeFileInChunks(t *testing.T) {
	content := strings.Repeat("0123456789abcdef", 64*1024)
	s, ln := newTestServer(t, map[string]string{"big.bin": content})
	addr := serve(t, s, ln)

	resp := test.RoundTrip(t, addr, "GET /big.bin HTTP/1.0\r\n\r\n")
	head, body := test.SplitResponse(t, resp)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK"))
	assert.Equal(t, len(content), len(body))
	assert.Equal(t, content, body)
}

func TestServeNotFound(t *testing.T) {
	s, ln := newTestServer(t, testFiles)
	addr := serve(t, s, ln)

	// The first dial sets up the runtime's network poller descriptors.
	test.RoundTrip(t, addr, "GET /hello.txt HTTP/1.1\r\n\r\n")
	baseline := test.OpenFDs(t)

	for _, path := range []string{"/missing.txt", "/dir", "/", "/hello.txt/x"} {
		resp := test.RoundTrip(t, addr, "GET "+path+" HTTP/1.1\r\n\r\n")
		head, body := test.SplitResponse(t, resp)
		assert.True(t, strings.HasPrefix(head, "HTTP/1.1 404 Not Found"), head)
		assert.Equal(t, "404: "+path+" NOTFOUND\n", body)
	}

	assert.Eventually(t, func() bool {
		return test.OpenFDs(t) == baseline
	}, 2*time.Second, 10*time.Millisecond, "descriptors leaked")
}

func TestServeSlowClient(t *testing.T) {
	s, ln := newTestServer(t, testFiles)
	addr := serve(t, s, ln)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	raw := "GET /hello.txt HTTP/1.1\r\nHost: x\r\n\r\n"
	for i := range len(raw) {
		_, err := conn.Write([]byte{raw[i]})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	_, body := test.SplitResponse(t, string(resp))
	assert.Equal(t, "hi\n", body)
}

func TestServeIdleTimeout(t *testing.T) {
	s, ln := newTestServer(t, testFiles)
	s.IdleTimeout = 100 * time.Millisecond
	addr := serve(t, s, ln)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	start := time.Now()
	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, resp)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestServeConcurrentClients(t *testing.T) {
	s, ln := newTestServer(t, testFiles)
	addr := serve(t, s, ln)

	const clients = 32
	var wg sync.WaitGroup
	bodies := make([]string, clients)
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", addr, time.Second)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(5 * time.Second))
			fmt.Fprintf(conn, "GET /hello.txt HTTP/1.1\r\nX-Client: %d\r\n\r\n", i)
			resp, err := io.ReadAll(conn)
			if assert.NoError(t, err) {
				_, bodies[i], _ = strings.Cut(string(resp), "\r\n\r\n")
			}
		}()
	}
	wg.Wait()

	for i, body := range bodies {
		assert.Equal(t, "hi\n", body, "client %d", i)
	}
}

func TestServeTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	recorder := tracetest.NewSpanRecorder()

	s, ln := newTestServer(t, testFiles)
	s.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	s.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	addr := serve(t, s, ln)

	test.RoundTrip(t, addr, "GET /hello.txt HTTP/1.1\r\n\r\n")
	test.RoundTrip(t, addr, "GET /missing HTTP/1.1\r\n\r\n")
	test.RoundTrip(t, addr, "BROKEN\r\n\r\n")

	require.Eventually(t, func() bool {
		return len(recorder.Ended()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 3, sumInt64(t, reader, "pebble.connections.accepted"))
	assert.EqualValues(t, 0, sumInt64(t, reader, "pebble.connections.active"))
	assert.EqualValues(t, 2, sumInt64(t, reader, "pebble.requests.parsed"))
	assert.EqualValues(t, 2, sumInt64(t, reader, "pebble.connections.closed", attribute.String("state", "done")))
	assert.EqualValues(t, 1, sumInt64(t, reader, "pebble.connections.closed", attribute.String("state", "error")))
	assert.Positive(t, sumInt64(t, reader, "pebble.response.bytes"))

	span := recorder.Ended()[0]
	assert.Equal(t, "pebble.conn", span.Name())
	attrs := attribute.NewSet(span.Attributes()...)
	state, _ := attrs.Value("pebble.conn.state")
	assert.Equal(t, "done", state.AsString())
	path, _ := attrs.Value("url.path")
	assert.Equal(t, "/hello.txt", path.AsString())
}

func sumInt64(t *testing.T, reader *sdkmetric.ManualReader, name string, filter ...attribute.KeyValue) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if matches(dp.Attributes, filter) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func matches(set attribute.Set, filter []attribute.KeyValue) bool {
	for _, kv := range filter {
		v, ok := set.Value(kv.Key)
		if !ok || v.Emit() != kv.Value.Emit() {
			return false
		}
	}
	return true
}

func TestServeMissingRoot(t *testing.T) {
	ln, err := socket.Listen(netip.MustParseAddrPort("127.0.0.1:0"), socket.DefaultBacklog)
	require.NoError(t, err)
	defer ln.Close()

	fs, err := filesystem.NewLocalFileSystem(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)

	var logs bytes.Buffer
	s := NewServer("test", fs)
	s.Logger = slog.New(slog.NewTextHandler(&logs, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln.Fd) }()

	resp := test.RoundTrip(t, ln.Addr.String(), "GET /index.html HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 404 Not Found"), resp)

	cancel()
	require.NoError(t, <-done)
	assert.Contains(t, logs.String(), "document root missing")
	assert.Contains(t, logs.String(), "worker=test")
}
