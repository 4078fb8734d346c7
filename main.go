// Command pebble serves static files from a document root with a pool of
// worker processes sharing one listening socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/freekieb7/pebble/config"
	"github.com/freekieb7/pebble/filesystem"
	"github.com/freekieb7/pebble/http"
	"github.com/freekieb7/pebble/probe"
	"github.com/freekieb7/pebble/socket"
	"github.com/freekieb7/pebble/supervisor"
	"github.com/freekieb7/pebble/telemetry"
	"github.com/freekieb7/pebble/uuid"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Getenv))
}

func run(ctx context.Context, args []string, getenv func(string) string) int {
	cfg, err := config.Load(args, getenv)
	if errors.Is(err, flag.ErrHelp) {
		config.Usage(os.Stdout)
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "pebble:", err)
		config.Usage(os.Stderr)
		return 1
	}

	if cfg.Probe != "" {
		if err := probe.Get(ctx, cfg.Probe, probe.DefaultTimeout); err != nil {
			fmt.Fprintln(os.Stderr, "pebble:", err)
			return 1
		}
		return 0
	}

	worker, isWorker, err := supervisor.WorkerFromEnv(getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pebble:", err)
		return 1
	}

	sink, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pebble: open log:", err)
		return 1
	}
	defer sink.Close()

	if isWorker {
		return runWorker(ctx, cfg, worker, sink)
	}
	return runSupervisor(ctx, cfg, sink)
}

func runSupervisor(ctx context.Context, cfg config.Config, sink io.Writer) int {
	runID, err := uuid.NewV4()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pebble:", err)
		return 1
	}

	tel, err := telemetry.Setup(ctx, telemetry.Options{
		Role:     "supervisor",
		RunID:    runID.String(),
		Endpoint: cfg.OTLPEndpoint,
		Sink:     sink,
		Level:    cfg.LogLevel,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "pebble:", err)
		return 1
	}
	defer tel.Shutdown(context.Background())
	logger := tel.Logger

	ln, err := socket.Listen(cfg.Addr(), cfg.Backlog)
	if err != nil {
		logger.Error("listen failed", "addr", cfg.Addr(), "error", err)
		return 1
	}
	defer ln.Close()

	logger.Info("listening",
		"addr", ln.Addr,
		"root", cfg.Root,
		"workers", cfg.Workers,
		"backlog", cfg.Backlog,
	)

	sup := supervisor.New(cfg.Workers, ln.File(), runID)
	sup.Logger = logger
	if err := sup.Start(); err != nil {
		logger.Error("start workers", "error", err)
		return 1
	}

	sig, err := sup.Run(ctx)
	if err != nil {
		logger.Error("stop workers", "error", err)
		return 1
	}
	logger.Info("supervisor exiting", "signal", sig)

	return 0
}

func runWorker(ctx context.Context, cfg config.Config, w supervisor.Worker, sink io.Writer) int {
	tel, err := telemetry.Setup(ctx, telemetry.Options{
		Role:     "worker",
		WorkerID: strconv.Itoa(w.ID),
		RunID:    w.RunID.String(),
		Endpoint: cfg.OTLPEndpoint,
		Sink:     sink,
		Level:    cfg.LogLevel,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "pebble:", err)
		return 1
	}
	defer tel.Shutdown(context.Background())

	fs, err := filesystem.NewLocalFileSystem(cfg.Root)
	if err != nil {
		tel.Logger.Error("document root", "root", cfg.Root, "error", err)
		return 1
	}

	s := http.NewServer(w.Name(), fs)
	s.Logger = tel.Logger
	s.IdleTimeout = cfg.IdleTimeout
	s.MaxConns = cfg.MaxConns
	s.MeterProvider = tel.MeterProvider
	s.TracerProvider = tel.TracerProvider

	if err := s.Serve(ctx, w.ListenFD); err != nil {
		tel.Logger.Error("worker failed", "error", err)
		return 1
	}
	return 0
}
