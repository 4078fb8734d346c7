// Package supervisor starts the worker processes that share one listening
// socket and kills them when the supervisor is told to stop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/freekieb7/pebble/uuid"
)

const (
	EnvWorkerID = "PEBBLE_WORKER_ID"
	EnvListenFD = "PEBBLE_LISTEN_FD"
	EnvRunID    = "PEBBLE_RUN_ID"

	// The listening socket follows stdin, stdout and stderr in the worker.
	workerListenFD = 3
)

// Signals end the supervisor and all of its workers.
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

type Supervisor struct {
	Workers  int
	Listener *os.File
	RunID    uuid.UUID
	Logger   *slog.Logger

	// Path and Args start a worker; they default to the running binary and
	// its arguments. Env defaults to the supervisor's environment.
	Path   string
	Args   []string
	Env    []string
	Stdout *os.File
	Stderr *os.File

	workers      []*os.Process
	signals      chan os.Signal
	startProcess func(name string, argv []string, attr *os.ProcAttr) (*os.Process, error)
}

func New(workers int, listener *os.File, runID uuid.UUID) *Supervisor {
	return &Supervisor{
		Workers:  workers,
		Listener: listener,
		RunID:    runID,
		Logger:   slog.Default(),
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,

		startProcess: os.StartProcess,
	}
}

// Start installs the termination signal handlers and spawns the workers. If
// a worker cannot be started, the ones already running are killed.
func (s *Supervisor) Start() error {
	if s.Workers < 1 {
		return fmt.Errorf("supervisor: need at least one worker, got %d", s.Workers)
	}
	if s.Listener == nil {
		return errors.New("supervisor: no listening socket")
	}
	if s.Path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("supervisor: locate executable: %w", err)
		}
		s.Path = exe
	}
	if s.Args == nil {
		s.Args = os.Args
	}
	if s.Env == nil {
		s.Env = os.Environ()
	}
	if s.startProcess == nil {
		s.startProcess = os.StartProcess
	}

	s.signals = make(chan os.Signal, len(Signals))
	signal.Notify(s.signals, Signals...)

	s.workers = make([]*os.Process, s.Workers)
	for id := range s.workers {
		p, err := s.spawn(id)
		if err != nil {
			return errors.Join(fmt.Errorf("supervisor: start worker %d: %w", id, err), s.Terminate())
		}
		s.workers[id] = p
		s.Logger.Info("worker started", "worker", id, "pid", p.Pid)
	}

	return nil
}

func (s *Supervisor) spawn(id int) (*os.Process, error) {
	env := append(s.Env[:len(s.Env):len(s.Env)],
		EnvWorkerID+"="+strconv.Itoa(id),
		EnvListenFD+"="+strconv.Itoa(workerListenFD),
		EnvRunID+"="+s.RunID.String(),
	)

	return s.startProcess(s.Path, s.Args, &os.ProcAttr{
		Env:   env,
		Files: []*os.File{os.Stdin, s.Stdout, s.Stderr, s.Listener},
	})
}

// Run blocks until a termination signal arrives or ctx is done, then kills
// every worker. It returns the signal, or nil when ctx ended the run.
func (s *Supervisor) Run(ctx context.Context) (os.Signal, error) {
	var sig os.Signal
	select {
	case sig = <-s.signals:
		s.Logger.Info("signal received, stopping workers", "signal", sig.String())
	case <-ctx.Done():
		s.Logger.Info("context done, stopping workers", "error", ctx.Err())
	}

	return sig, s.Terminate()
}

// Terminate kills and reaps every recorded worker. Workers get no chance to
// finish in-flight requests.
func (s *Supervisor) Terminate() error {
	if s.signals != nil {
		signal.Stop(s.signals)
	}

	var errs []error
	for id, p := range s.workers {
		if p == nil {
			continue
		}
		if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("supervisor: kill worker %d: %w", id, err))
		}
		state, err := p.Wait()
		if err != nil {
			errs = append(errs, fmt.Errorf("supervisor: wait worker %d: %w", id, err))
		} else {
			s.Logger.Info("worker stopped", "worker", id, "pid", p.Pid, "state", state.String())
		}
		s.workers[id] = nil
	}

	return errors.Join(errs...)
}

// Pids lists the process ids of the recorded workers.
func (s *Supervisor) Pids() []int {
	pids := make([]int, 0, len(s.workers))
	for _, p := range s.workers {
		if p != nil {
			pids = append(pids, p.Pid)
		}
	}
	return pids
}
