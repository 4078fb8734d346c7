package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"github.com/freekieb7/pebble/reactor"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
)

// State is the position of a connection in its request lifecycle.
type State uint8

const (
	StateAccepted State = iota
	StateReading
	StateParsed
	StateResponding
	StateDone
	StateTimedOut
	StateError
)

var stateNames = [...]string{
	StateAccepted:   "accepted",
	StateReading:    "reading",
	StateParsed:     "parsed",
	StateResponding: "responding",
	StateDone:       "done",
	StateTimedOut:   "timed_out",
	StateError:      "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Conn is the record of one accepted connection. It is only touched from
// the goroutine running the worker's reactor.
type Conn struct {
	Fd      int
	Peer    netip.AddrPort
	State   State
	Request Request

	server *Server
	watch  *reactor.Watch
	ctx    context.Context
	span   trace.Span

	buf   [MaxRequestSize]byte
	n     int // bytes accumulated in buf
	prev  int // n before the last read
	reads int
	sent  int64
	err   error
	start time.Time

	closed bool
}

func (c *Conn) reset(s *Server, fd int, peer netip.AddrPort) {
	c.Fd = fd
	c.Peer = peer
	c.State = StateAccepted
	c.Request.Reset()

	c.server = s
	c.watch = nil
	c.ctx = context.Background()
	c.span = trace.SpanFromContext(c.ctx)

	c.n = 0
	c.prev = 0
	c.reads = 0
	c.sent = 0
	c.err = nil
	c.start = time.Now()

	c.closed = false
}

// Buffered returns the bytes received so far.
func (c *Conn) Buffered() []byte {
	return c.buf[:c.n]
}

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool {
	return c.closed
}

// handle is the reactor callback for the connection's readable watch.
func (c *Conn) handle(_ int, ev reactor.Event) {
	if c.closed {
		return
	}

	if ev == reactor.EventTimeout {
		c.State = StateTimedOut
		c.server.Logger.InfoContext(c.ctx, "connection timed out",
			"fd", c.Fd,
			"idle", c.server.IdleTimeout,
			"buffered", c.n,
		)
		c.Close()
		return
	}

	c.read()
}

func (c *Conn) read() {
	if c.reads == 0 {
		c.server.Logger.InfoContext(c.ctx, "reading request", "fd", c.Fd)
	}
	c.reads++

	var n int
	var err error
	for {
		n, err = unix.Read(c.Fd, c.buf[c.n:])
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}

	switch {
	case errors.Is(err, unix.EAGAIN):
		return
	case err != nil:
		c.fail(err)
		return
	case n == 0:
		c.fail(io.ErrUnexpectedEOF)
		return
	}

	c.prev = c.n
	c.n += n

	consumed, err := ParseRequest(c.buf[:c.n], c.prev, &c.Request)
	switch {
	case err == nil:
		c.parsed(consumed)
	case errors.Is(err, ErrIncomplete):
		if c.n == len(c.buf) {
			c.fail(ErrRequestTooLarge)
		}
	default:
		c.fail(err)
	}
}

func (c *Conn) parsed(consumed int) {
	s := c.server
	c.State = StateParsed

	if err := s.reactor.Del(c.watch); err != nil {
		s.Logger.WarnContext(c.ctx, "cancel read watch", "fd", c.Fd, "error", err)
	}
	c.watch = nil

	s.metrics.parsed.Add(c.ctx, 1)
	c.span.SetAttributes(
		attribute.String("http.request.method", string(c.Request.Method)),
		attribute.String("url.path", string(c.Request.Path)),
	)

	s.Logger.InfoContext(c.ctx, "request parsed",
		"fd", c.Fd,
		"bytes", consumed,
		"method", string(c.Request.Method),
		"path", string(c.Request.Path),
		"version", "1."+strconv.Itoa(c.Request.MinorVersion),
		"headers", len(c.Request.Headers),
	)
	if s.Logger.Enabled(c.ctx, slog.LevelDebug) {
		for _, h := range c.Request.Headers {
			s.Logger.DebugContext(c.ctx, "request header", "fd", c.Fd, "name", string(h.Name), "value", string(h.Value))
		}
	}

	c.State = StateResponding
	s.sendFile(c)

	if !c.closed {
		c.State = StateDone
		c.Close()
	}
}

// fail tears the connection down after a connection-fatal error.
func (c *Conn) fail(err error) {
	if c.closed {
		return
	}
	c.State = StateError
	c.err = err
	c.Close()
}

// Close deregisters the watch, closes the descriptor and returns the record
// to the pool. Only the first call has any effect.
func (c *Conn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	s := c.server

	if err := s.reactor.Del(c.watch); err != nil {
		s.Logger.WarnContext(c.ctx, "deregister watch", "fd", c.Fd, "error", err)
	}
	c.watch = nil

	if err := unix.Close(c.Fd); err != nil {
		s.Logger.WarnContext(c.ctx, "close connection", "fd", c.Fd, "error", err)
	}

	attrs := []any{
		"fd", c.Fd,
		"state", c.State.String(),
		"sent", c.sent,
		"duration", time.Since(c.start),
	}
	if c.err != nil {
		attrs = append(attrs, "error", c.err)
	}
	s.Logger.InfoContext(c.ctx, "connection closed", attrs...)

	s.metrics.connClosed(c.ctx, c.State)
	c.span.SetAttributes(
		attribute.String("pebble.conn.state", c.State.String()),
		attribute.Int64("pebble.conn.sent", c.sent),
	)
	if c.err != nil {
		c.span.RecordError(c.err)
		c.span.SetStatus(codes.Error, c.err.Error())
	}
	c.span.End()

	c.Fd = -1
	s.pool.Release(c)
}
