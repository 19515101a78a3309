package driver

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/vango-dev/wavebench/internal/errors"
	"github.com/vango-dev/wavebench/pkg/worker"
)

// Invocation describes one worker to start.
type Invocation struct {
	ID             string
	Mode           string
	RendezvousAddr string
	LogAddr        string
}

// Env returns the invocation as worker environment variables.
func (inv Invocation) Env() []string {
	return []string{
		worker.EnvWorkerID + "=" + inv.ID,
		worker.EnvMode + "=" + inv.Mode,
		worker.EnvRendezvous + "=" + inv.RendezvousAddr,
		worker.EnvLogs + "=" + inv.LogAddr,
	}
}

// Handle tracks a started worker.
type Handle interface {
	// Wait blocks until the worker has finished.
	Wait() error
}

// Invoker starts workers. Invoke must not block until the worker finishes.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (Handle, error)
}

// ProcessInvoker starts each worker as a local child process. The
// invocation is passed in the environment (see Invocation.Env).
type ProcessInvoker struct {
	// Path is the executable. Default: the running binary.
	Path string

	// Args are the arguments after Path. Default: ["worker"].
	Args []string

	// Env is added to the parent environment.
	Env []string

	// Dir is the working directory.
	Dir string

	// Stdout and Stderr receive the process output. Default: discarded.
	Stdout io.Writer
	Stderr io.Writer
}

// Invoke starts the process.
func (p *ProcessInvoker) Invoke(ctx context.Context, inv Invocation) (Handle, error) {
	path, args := p.Path, p.Args
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.New("E112").WithWorker(inv.ID).Wrap(err)
		}
		path = exe
		if args == nil {
			args = []string{"worker"}
		}
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = p.Dir
	cmd.Env = append(append(os.Environ(), p.Env...), inv.Env()...)
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.New("E112").
			WithWorker(inv.ID).
			WithDetail("could not start " + path).
			Wrap(err)
	}
	return processHandle{cmd: cmd, id: inv.ID}, nil
}

type processHandle struct {
	cmd *exec.Cmd
	id  string
}

func (h processHandle) Wait() error {
	if err := h.cmd.Wait(); err != nil {
		return errors.New("E112").WithWorker(h.id).Wrap(err)
	}
	return nil
}

// FuncInvoker runs each worker as a goroutine in this process.
type FuncInvoker func(ctx context.Context, inv Invocation) error

// Invoke starts f in a goroutine.
func (f FuncInvoker) Invoke(ctx context.Context, inv Invocation) (Handle, error) {
	h := &funcHandle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = f(ctx, inv)
	}()
	return h, nil
}

type funcHandle struct {
	done chan struct{}
	err  error
}

func (h *funcHandle) Wait() error {
	<-h.done
	return h.err
}

// InProcess returns an invoker that runs the worker protocol in-process
// with workload as the benchmark body.
func InProcess(workload worker.Workload) FuncInvoker {
	return func(ctx context.Context, inv Invocation) error {
		return worker.Run(ctx, worker.Config{
			ID:             inv.ID,
			Mode:           inv.Mode,
			RendezvousAddr: inv.RendezvousAddr,
			LogAddr:        inv.LogAddr,
		}, workload)
	}
}

// External is an invoker for workers started outside this process, for
// example by a cloud function trigger. Invoke only reports where the worker
// must connect; the returned handle completes immediately.
type External struct {
	// Announce is called once per invocation.
	Announce func(inv Invocation)
}

// Invoke announces inv.
func (e External) Invoke(_ context.Context, inv Invocation) (Handle, error) {
	if e.Announce != nil {
		e.Announce(inv)
	}
	return doneHandle{}, nil
}

type doneHandle struct{}

func (doneHandle) Wait() error { return nil }
