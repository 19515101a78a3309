package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/vango-dev/wavebench/internal/errors"
	"github.com/vango-dev/wavebench/pkg/protocol"
)

// Environment variables describing an invocation. The driver sets all four
// for worker processes; ExecWorkload sets the first two for its command.
const (
	EnvWorkerID   = "WAVEBENCH_WORKER_ID"
	EnvMode       = "WAVEBENCH_MODE"
	EnvRendezvous = "WAVEBENCH_RENDEZVOUS"
	EnvLogs       = "WAVEBENCH_LOGS"
)

// ErrAborted is returned by Run when the rendezvous server refuses the
// worker.
var ErrAborted = stderrors.New("worker: registration aborted")

// Config identifies a worker and the servers it reports to.
type Config struct {
	ID             string
	Mode           string
	RendezvousAddr string
	LogAddr        string

	// Logger receives the worker's own progress. Default: slog.Default().
	Logger *slog.Logger
}

// Job is what a workload is told about its invocation.
type Job struct {
	ID   string
	Mode string
}

// Workload is the benchmark body. Everything it writes to out reaches the
// log server.
type Workload func(ctx context.Context, job Job, out io.Writer) error

// Run registers, waits for release and runs workload. It returns ErrAborted
// without running anything if the worker is refused. The log stream is only
// opened once the worker is released, so refused workers never count
// towards log completion.
func Run(ctx context.Context, cfg Config, workload Workload) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker", "worker_id", cfg.ID)

	logger.Info("signalling", "rendezvous", cfg.RendezvousAddr)
	kind, err := Register(ctx, cfg.RendezvousAddr, cfg.ID)
	if err != nil {
		return err
	}
	if kind == protocol.KindAbort {
		logger.Warn("registration aborted")
		return ErrAborted
	}

	logs, err := DialLogs(ctx, cfg.LogAddr)
	if err != nil {
		return err
	}

	logger.Info("released", "mode", cfg.Mode)
	werr := workload(ctx, Job{ID: cfg.ID, Mode: cfg.Mode}, logs)
	if werr != nil {
		logger.Error("workload failed", "error", werr)
		fmt.Fprintf(logs, "workload failed: %v\n", werr)
	}
	return stderrors.Join(werr, logs.Close())
}

// ExecWorkload returns a workload that runs an external command with stdout
// and stderr attached to the log stream. The worker id and mode are passed
// in the environment.
func ExecWorkload(name string, args ...string) Workload {
	return func(ctx context.Context, job Job, out io.Writer) error {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdout = out
		cmd.Stderr = out
		cmd.Env = append(os.Environ(),
			EnvWorkerID+"="+job.ID,
			EnvMode+"="+job.Mode,
		)
		if err := cmd.Run(); err != nil {
			return errors.New("E112").
				WithWorker(job.ID).
				WithDetail("workload command " + name + " failed").
				Wrap(err)
		}
		return nil
	}
}
