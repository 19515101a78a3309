package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-dev/wavebench/internal/errors"
	"github.com/vango-dev/wavebench/pkg/worker"
)

func workerCmd() *cobra.Command {
	var cfg worker.Config

	cmd := &cobra.Command{
		Use:   "worker [-- command [args...]]",
		Short: "Register with a run and execute a workload once released",
		Long: `Register with the rendezvous server, wait for RUN and then execute
the workload, streaming its output to the log server.

With a command, the command is the workload and its stdout and stderr
are streamed. Without one, the worker only reports that it ran.

Flags default to the WAVEBENCH_* variables the driver sets.`,
		Example: `  wavebench worker --id 7 --rendezvous 10.0.0.1:8889 --logs 10.0.0.1:8888 -- ./storage_bench read`,
		Args:    cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ID == "" || cfg.RendezvousAddr == "" || cfg.LogAddr == "" {
				return errors.New("E122").
					WithDetail("worker needs --id, --rendezvous and --logs").
					WithSuggestion("Set them as flags or through " + worker.EnvWorkerID + ", " +
						worker.EnvRendezvous + " and " + worker.EnvLogs)
			}

			var workload worker.Workload = reportWorkload
			if len(args) > 0 {
				workload = worker.ExecWorkload(args[0], args[1:]...)
			}

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err := worker.Run(ctx, cfg, workload)
			if stderrors.Is(err, worker.ErrAborted) {
				warn("worker %s was refused by the rendezvous server", cfg.ID)
				return nil
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ID, "id", os.Getenv(worker.EnvWorkerID), "Worker id")
	flags.StringVarP(&cfg.Mode, "mode", "m", os.Getenv(worker.EnvMode), "Workload mode")
	flags.StringVar(&cfg.RendezvousAddr, "rendezvous", os.Getenv(worker.EnvRendezvous), "Rendezvous server address")
	flags.StringVar(&cfg.LogAddr, "logs", os.Getenv(worker.EnvLogs), "Log server address")
	return cmd
}

func reportWorkload(_ context.Context, job worker.Job, out io.Writer) error {
	host, _ := os.Hostname()
	_, err := fmt.Fprintf(out, "worker %s ran mode %s on %s (pid %d)\n", job.ID, job.Mode, host, os.Getpid())
	return err
}
