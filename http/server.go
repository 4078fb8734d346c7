package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/freekieb7/pebble/filesystem"
	"github.com/freekieb7/pebble/reactor"
	"github.com/freekieb7/pebble/socket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
)

// Server serves files for one worker process. All of its state is owned by
// the goroutine running Serve.
type Server struct {
	// Name identifies the worker in logs, metrics and traces.
	Name        string
	FS          filesystem.Filesystem
	Logger      *slog.Logger
	IdleTimeout time.Duration
	MaxConns    int

	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	listenFd    int
	acceptWatch *reactor.Watch
	reactor     *reactor.Reactor
	pool        *ConnPool
	metrics     *metrics
	tracer      trace.Tracer
}

func NewServer(name string, fs filesystem.Filesystem) *Server {
	return &Server{
		Name:        name,
		FS:          fs,
		Logger:      slog.Default(),
		IdleTimeout: DefaultIdleTimeout,
		MaxConns:    DefaultMaxConns,

		MeterProvider:  otel.GetMeterProvider(),
		TracerProvider: otel.GetTracerProvider(),

		listenFd: -1,
	}
}

// Serve runs the worker's event loop on an already listening socket until
// ctx is done. The listening socket is not closed.
func (s *Server) Serve(ctx context.Context, listenFd int) error {
	if err := s.init(listenFd); err != nil {
		return err
	}
	defer s.shutdown()

	root := s.FS.Root()
	if ok, err := s.FS.FileExists(root); err != nil || !ok {
		s.Logger.Warn("document root missing", "root", root, "error", err)
	} else if isFile, _ := s.FS.IsFile(root); isFile {
		s.Logger.Warn("document root is not a directory", "root", root)
	}

	s.Logger.Info("worker serving",
		"listen_fd", listenFd,
		"root", root,
		"idle_timeout", s.IdleTimeout,
		"max_conns", s.MaxConns,
	)

	return s.reactor.Run(ctx)
}

func (s *Server) init(listenFd int) error {
	if s.FS == nil {
		return errors.New("http: server has no filesystem")
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.Logger = s.Logger.With("worker", s.Name)
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.MaxConns <= 0 {
		s.MaxConns = DefaultMaxConns
	}
	if s.MeterProvider == nil {
		s.MeterProvider = otel.GetMeterProvider()
	}
	if s.TracerProvider == nil {
		s.TracerProvider = otel.GetTracerProvider()
	}

	m, err := newMetrics(s.MeterProvider.Meter(instrumentationName))
	if err != nil {
		return fmt.Errorf("http: create instruments: %w", err)
	}
	s.metrics = m
	s.tracer = s.TracerProvider.Tracer(instrumentationName)
	s.pool = NewConnPool(s.MaxConns)

	// Inherited descriptors may have lost O_NONBLOCK on the way.
	if err := unix.SetNonblock(listenFd, true); err != nil {
		return fmt.Errorf("http: set listener non-blocking: %w", err)
	}
	s.listenFd = listenFd

	r, err := reactor.New()
	if err != nil {
		return err
	}
	s.reactor = r

	w, err := r.Add(listenFd, reactor.Readable, 0, s.accept)
	if err != nil {
		r.Close()
		return fmt.Errorf("http: watch listener: %w", err)
	}
	s.acceptWatch = w

	return nil
}

// accept takes at most one pending connection per readiness event. Other
// workers watch the same socket, so losing the race is normal.
func (s *Server) accept(_ int, _ reactor.Event) {
	nfd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ECONNABORTED), errors.Is(err, unix.EINTR):
			s.Logger.Debug("accept skipped", "error", err)
		default:
			s.Logger.Error("accept failed", "error", err)
		}
		return
	}
	peer := socket.AddrPort(sa)

	c, err := s.pool.Acquire()
	if err != nil {
		s.Logger.Warn("connection limit reached, dropping", "peer", peer, "max_conns", s.MaxConns)
		if err := unix.Close(nfd); err != nil {
			s.Logger.Warn("close dropped connection", "fd", nfd, "error", err)
		}
		return
	}

	c.reset(s, nfd, peer)
	c.ctx, c.span = s.tracer.Start(context.Background(), "pebble.conn",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("client.address", peer.Addr().String()),
			attribute.Int("client.port", int(peer.Port())),
			attribute.String("pebble.worker", s.Name),
		),
	)
	s.metrics.accepted.Add(c.ctx, 1)
	s.metrics.active.Add(c.ctx, 1)
	s.Logger.InfoContext(c.ctx, "connection accepted", "fd", nfd, "peer", peer)

	w, err := s.reactor.Add(nfd, reactor.Readable, s.IdleTimeout, c.handle)
	if err != nil {
		c.fail(err)
		return
	}
	c.watch = w
	c.State = StateReading
}

func (s *Server) shutdown() {
	s.pool.Live(func(c *Conn) {
		c.fail(context.Canceled)
	})

	if err := s.reactor.Del(s.acceptWatch); err != nil {
		s.Logger.Warn("deregister listener", "error", err)
	}
	if err := s.reactor.Close(); err != nil {
		s.Logger.Warn("close reactor", "error", err)
	}

	s.Logger.Info("worker stopped")
}
