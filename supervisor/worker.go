package supervisor

import (
	"fmt"
	"strconv"

	"github.com/freekieb7/pebble/uuid"
)

// Worker describes the process it is read in, as set up by the supervisor.
type Worker struct {
	ID       int
	ListenFD int
	RunID    uuid.UUID
}

func (w Worker) Name() string {
	return "worker-" + strconv.Itoa(w.ID)
}

// WorkerFromEnv reports whether this process is a worker and, if so, which
// one. A partially set environment is an error.
func WorkerFromEnv(getenv func(string) string) (Worker, bool, error) {
	id := getenv(EnvWorkerID)
	if id == "" {
		return Worker{}, false, nil
	}

	var w Worker
	var err error
	if w.ID, err = strconv.Atoi(id); err != nil || w.ID < 0 {
		return Worker{}, true, fmt.Errorf("supervisor: bad %s %q", EnvWorkerID, id)
	}
	fd := getenv(EnvListenFD)
	if w.ListenFD, err = strconv.Atoi(fd); err != nil || w.ListenFD < 0 {
		return Worker{}, true, fmt.Errorf("supervisor: bad %s %q", EnvListenFD, fd)
	}
	if w.RunID, err = uuid.Parse(getenv(EnvRunID)); err != nil {
		return Worker{}, true, fmt.Errorf("supervisor: bad %s: %w", EnvRunID, err)
	}

	return w, true, nil
}
