package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/wavebench/internal/config"
	"github.com/vango-dev/wavebench/pkg/logserver"
	"github.com/vango-dev/wavebench/pkg/rendezvous"
	"github.com/vango-dev/wavebench/pkg/sink"
	"github.com/vango-dev/wavebench/pkg/telemetry"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one server on its own",
		Long: `Run the rendezvous or the log server without the driver, for
workers that are invoked by some other means.`,
	}
	cmd.AddCommand(serveRendezvousCmd(), serveLogsCmd())
	return cmd
}

func serveRendezvousCmd() *cobra.Command {
	var (
		addr           string
		mode           string
		barrierTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "rendezvous",
		Short: "Gather workers at the barrier and release them in waves",
		Example: `  wavebench serve rendezvous --mode scale:read:2:5:2
  wavebench serve rendezvous --addr :9001 --barrier-timeout 2m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.ParseMode(mode)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := rendezvous.Listen(ctx, rendezvous.Config{
				Address:         addr,
				ExpectedWorkers: m.Workers(),
				WorkersPerWave:  m.WorkersPerWave,
				WaveCount:       m.WaveCount,
				WavePeriod:      m.WavePeriod,
				BarrierTimeout:  barrierTimeout,
			}, rendezvous.WithMetrics(telemetry.NewMetrics()))
			if err != nil {
				return err
			}
			info("Waiting for %d workers on %s", m.Workers(), srv.Addr())

			res, err := srv.Run(ctx)
			if res != nil {
				for _, w := range res.Waves {
					success("wave %d released %s", w.Index, strings.Join(w.WorkerIDs, ", "))
				}
				for _, f := range res.SendFailures {
					warn("worker %s: %v", f.WorkerID, f.Err)
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":"+strconv.Itoa(config.DefaultPort+1), "Address to listen on")
	cmd.Flags().StringVarP(&mode, "mode", "m", config.DefaultMode, "Workload mode or scale:<mode>:<perWave>:<periodSeconds>:<waves>")
	cmd.Flags().DurationVar(&barrierTimeout, "barrier-timeout", 0, "Give up if the barrier has not filled after this long")
	return cmd
}

func serveLogsCmd() *cobra.Command {
	var (
		addr        string
		connections int
		quiet       bool
		quieter     bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Collect worker logs until every stream has closed",
		Example: `  wavebench serve logs --connections 4
  wavebench serve logs --addr :9000 --connections 40 --quiet`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := logserver.Listen(ctx, logserver.Config{
				Address:             addr,
				ExpectedConnections: connections,
				SuppressWorkerLogs:  quiet || quieter,
				SuppressAllLogs:     quieter,
			},
				logserver.WithMetrics(telemetry.NewMetrics()),
				logserver.WithSink(sink.NewPrinter(os.Stdout)),
			)
			if err != nil {
				return err
			}
			if !quieter {
				info("Collecting %d log streams on %s", connections, srv.Addr())
			}

			res, err := srv.Run(ctx)
			if res != nil && !quieter {
				success("Collected %d lines (%d bytes) from %d streams", res.Lines, res.Bytes, res.Closed)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":"+strconv.Itoa(config.DefaultPort), "Address to listen on")
	cmd.Flags().IntVarP(&connections, "connections", "n", 1, "Number of log streams to wait for")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print worker logs")
	cmd.Flags().BoolVar(&quieter, "quieter", false, "Do not print worker or server logs")
	return cmd
}

// cmdContext returns the command's context, or Background when it was
// executed without one.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
