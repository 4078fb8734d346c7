// Package config reads the command line and environment of a pebble process.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

var ErrInvalid = errors.New("config: invalid")

const usage = `usage: pebble [OPTIONS]

OPTIONS
  -port         <port>      # TCP port to listen on (default: %d)
  -root         <path>      # absolute document root (default: %s)
  -workers      <n>         # worker processes (default: number of CPUs)
  -backlog      <n>         # listen backlog (default: %d)
  -idle-timeout <duration>  # close idle connections after (default: %s)
  -max-conns    <n>         # connection records per worker (default: %d)
  -log          <path>      # log sink, opened append-only (default: %s)
  -log-level    <level>     # debug, info, warn or error (default: info)
  -otlp-endpoint <url>      # OTLP/gRPC collector
  -probe        <url>       # GET url once and exit 0 on 200

Every option also reads PEBBLE_<NAME> from the environment, with dashes as
underscores. -otlp-endpoint falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
`

const (
	DefaultPort        = 8081
	DefaultRoot        = "/var/www/html"
	DefaultBacklog     = 128
	DefaultIdleTimeout = 5 * time.Second
	DefaultMaxConns    = 1024
	DefaultLogPath     = "/dev/stderr"
)

type Config struct {
	Port         int
	Root         string
	Workers      int
	Backlog      int
	IdleTimeout  time.Duration
	MaxConns     int
	LogPath      string
	LogLevel     slog.Level
	OTLPEndpoint string
	// Probe switches the process to health probe mode.
	Probe string
}

// Addr is the wildcard IPv4 address on the configured port.
func (c Config) Addr() netip.AddrPort {
	return netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(c.Port))
}

// Usage writes the option summary to w.
func Usage(w io.Writer) {
	fmt.Fprintf(w, usage, DefaultPort, DefaultRoot, DefaultBacklog, DefaultIdleTimeout, DefaultMaxConns, DefaultLogPath)
}

// Load parses args (without the program name). Environment values from
// getenv replace the defaults and flags replace both.
func Load(args []string, getenv func(string) string) (Config, error) {
	c := Config{
		Port:         DefaultPort,
		Root:         DefaultRoot,
		Workers:      runtime.NumCPU(),
		Backlog:      DefaultBacklog,
		IdleTimeout:  DefaultIdleTimeout,
		MaxConns:     DefaultMaxConns,
		LogPath:      DefaultLogPath,
		LogLevel:     slog.LevelInfo,
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if err := c.fromEnv(getenv); err != nil {
		return c, err
	}

	fs := flag.NewFlagSet("pebble", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&c.Port, "port", c.Port, "")
	fs.StringVar(&c.Root, "root", c.Root, "")
	fs.IntVar(&c.Workers, "workers", c.Workers, "")
	fs.IntVar(&c.Backlog, "backlog", c.Backlog, "")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "")
	fs.IntVar(&c.MaxConns, "max-conns", c.MaxConns, "")
	fs.StringVar(&c.LogPath, "log", c.LogPath, "")
	fs.TextVar(&c.LogLevel, "log-level", c.LogLevel, "")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", c.OTLPEndpoint, "")
	fs.StringVar(&c.Probe, "probe", c.Probe, "")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return c, err
		}
		return c, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if fs.NArg() > 0 {
		return c, fmt.Errorf("%w: unexpected argument %q", ErrInvalid, fs.Arg(0))
	}

	return c, c.Validate()
}

func (c *Config) fromEnv(getenv func(string) string) error {
	ints := []struct {
		name string
		dst  *int
	}{
		{"PEBBLE_PORT", &c.Port},
		{"PEBBLE_WORKERS", &c.Workers},
		{"PEBBLE_BACKLOG", &c.Backlog},
		{"PEBBLE_MAX_CONNS", &c.MaxConns},
	}
	for _, v := range ints {
		s := getenv(v.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, v.name, s)
		}
		*v.dst = n
	}

	if s := getenv("PEBBLE_IDLE_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%w: PEBBLE_IDLE_TIMEOUT=%q", ErrInvalid, s)
		}
		c.IdleTimeout = d
	}
	if s := getenv("PEBBLE_LOG_LEVEL"); s != "" {
		if err := c.LogLevel.UnmarshalText([]byte(s)); err != nil {
			return fmt.Errorf("%w: PEBBLE_LOG_LEVEL=%q", ErrInvalid, s)
		}
	}
	if s := getenv("PEBBLE_ROOT"); s != "" {
		c.Root = s
	}
	if s := getenv("PEBBLE_LOG"); s != "" {
		c.LogPath = s
	}
	if s := getenv("PEBBLE_OTLP_ENDPOINT"); s != "" {
		c.OTLPEndpoint = s
	}
	if s := getenv("PEBBLE_PROBE"); s != "" {
		c.Probe = s
	}
	return nil
}

// Validate checks ranges. The document root is not needed in probe mode.
func (c Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	case c.Probe == "" && !filepath.IsAbs(c.Root):
		return fmt.Errorf("%w: root %q is not absolute", ErrInvalid, c.Root)
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be at least 1", ErrInvalid)
	case c.Backlog < 1:
		return fmt.Errorf("%w: backlog must be at least 1", ErrInvalid)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("%w: idle timeout must be positive", ErrInvalid)
	case c.MaxConns < 1:
		return fmt.Errorf("%w: max conns must be at least 1", ErrInvalid)
	case c.LogPath == "":
		return fmt.Errorf("%w: log path is empty", ErrInvalid)
	}
	return nil
}
