package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/wavebench/internal/config"
	"github.com/vango-dev/wavebench/pkg/driver"
	"github.com/vango-dev/wavebench/pkg/monitor"
	"github.com/vango-dev/wavebench/pkg/record"
	"github.com/vango-dev/wavebench/pkg/sink"
	"github.com/vango-dev/wavebench/pkg/telemetry"
)

type runFlags struct {
	configPath     string
	host           string
	port           int
	mode           string
	quiet          bool
	quieter        bool
	invokeLocal    bool
	workerCmd      string
	barrierTimeout string
	monitor        string
	idBase         int
	advertiseHost  string
	bucket         string
	broker         string
}

func runCmd() *cobra.Command {
	return newRunCmd(&runFlags{})
}

func newRunCmd(f *runFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a benchmark",
		Long: `Run a benchmark: start the log and rendezvous servers, invoke
the workers, release them in waves and collect their logs.

Settings come from wavebench.json in the current directory (or --config)
and are overridden by flags.

Modes:
  <name>                              one worker, one wave
  scale:<name>:<perWave>:<period>:<n> n waves of perWave workers,
                                      period seconds apart

Examples:
  wavebench run --invoke-local --worker-cmd "./storage_bench read"
  wavebench run --mode scale:read:2:5:2 --invoke-local
  wavebench run --port 9000 --mode scale:write:10:30:4 --quiet --monitor :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f.configPath)
			if err != nil {
				return err
			}
			applyRunFlags(cmd, cfg, f)
			return runBenchmark(cmdContext(cmd), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "Config file or directory (default ./"+config.ConfigFileName+")")
	flags.StringVarP(&f.host, "host", "H", config.DefaultHost, "Host to bind both servers to")
	flags.IntVarP(&f.port, "port", "p", config.DefaultPort, "Log server port; the rendezvous server uses port+1")
	flags.StringVarP(&f.mode, "mode", "m", config.DefaultMode, "Workload mode or scale:<mode>:<perWave>:<periodSeconds>:<waves>")
	flags.BoolVarP(&f.quiet, "quiet", "q", false, "Do not print worker logs")
	flags.BoolVar(&f.quieter, "quieter", false, "Do not print worker or server logs")
	flags.BoolVar(&f.invokeLocal, "invoke-local", false, "Start workers as local processes")
	flags.StringVar(&f.workerCmd, "worker-cmd", "", "Workload command local workers run")
	flags.StringVar(&f.barrierTimeout, "barrier-timeout", "", "Give up if the barrier has not filled after this long (e.g. 2m)")
	flags.StringVar(&f.monitor, "monitor", "", "Serve the HTTP monitor on this address")
	flags.IntVar(&f.idBase, "id-base", 0, "Id of the first worker")
	flags.StringVar(&f.advertiseHost, "advertise-host", "", "Host workers dial (default --host)")
	flags.StringVar(&f.bucket, "s3-bucket", "", "Upload the run transcript to this S3 bucket")
	flags.StringVar(&f.broker, "mqtt-broker", "", "Publish run events to this MQTT broker (tcp://host:1883)")

	return cmd
}

// loadConfig loads path, which may be a file or a directory. An empty path
// loads ./wavebench.json, falling back to defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadOrDefault(".")
	}
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		return config.Load(path)
	}
	return config.LoadFile(path)
}

// applyRunFlags overrides cfg with every flag set on the command line.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, f *runFlags) {
	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.Host = f.host
	}
	if changed("port") {
		cfg.Port = f.port
	}
	if changed("mode") {
		cfg.Mode = f.mode
	}
	if changed("quiet") {
		cfg.Logs.Quiet = f.quiet
	}
	if changed("quieter") {
		cfg.Logs.Quieter = f.quieter
	}
	if changed("invoke-local") {
		cfg.Invoke.Local = f.invokeLocal
	}
	if changed("worker-cmd") {
		cfg.Invoke.Command = strings.Fields(f.workerCmd)
	}
	if changed("barrier-timeout") {
		cfg.Rendezvous.BarrierTimeout = f.barrierTimeout
	}
	if changed("monitor") {
		cfg.Monitor.Enabled = f.monitor != ""
		cfg.Monitor.Address = f.monitor
	}
	if changed("id-base") {
		cfg.Invoke.IDBase = f.idBase
	}
	if changed("advertise-host") {
		cfg.Invoke.AdvertiseHost = f.advertiseHost
	}
	if changed("s3-bucket") {
		cfg.Sinks.S3.Bucket = f.bucket
	}
	if changed("mqtt-broker") {
		cfg.Sinks.MQTT.Broker = f.broker
	}
}

func runBenchmark(ctx context.Context, cfg *config.Config) error {
	plan, err := cfg.Resolve()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sinks, closeSinks, err := buildSinks(ctx, cfg, plan)
	if err != nil {
		return err
	}
	defer closeSinks()

	var (
		d   *driver.Driver
		mon *monitor.Monitor
	)
	if cfg.Monitor.Enabled {
		mon = monitor.New(monitor.Config{
			Address: cfg.Monitor.Address,
			Status:  func() any { return d.Status() },
		})
		sinks = append(sinks, mon.Hub())
	}

	d = driver.New(driver.FromPlan(plan, cfg.Invoke.IDBase), buildInvoker(cfg),
		driver.WithMetrics(telemetry.NewMetrics()),
		driver.WithTracer(telemetry.Tracer()),
		driver.WithSink(sinks),
	)

	if mon != nil {
		monCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := mon.ListenAndServe(monCtx); err != nil {
				slog.Warn("monitor stopped", "error", err)
			}
		}()
		info("Monitor:           http://%s", cfg.Monitor.Address)
	}

	if !plan.SuppressAllLogs {
		info("Log server:        %s", plan.LogAddress)
		info("Rendezvous server: %s", plan.RendezvousAddress)
		info("Mode:              %s (%d workers)", plan.Mode, plan.ExpectedWorkers)
		fmt.Println()
	}

	report, err := d.Run(ctx)
	if report != nil && !plan.SuppressAllLogs {
		printReport(report)
	}
	return err
}

func buildSinks(ctx context.Context, cfg *config.Config, plan *config.Plan) (record.Multi, func(), error) {
	sinks := record.Multi{sink.NewPrinter(os.Stdout)}
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if s3cfg := cfg.Sinks.S3; s3cfg.Bucket != "" {
		client, err := newS3Client(ctx, s3cfg.Region)
		if err != nil {
			return nil, closeAll, err
		}
		run := strings.ReplaceAll(plan.Name+"-"+plan.Mode.String(), ":", "-")
		sinks = append(sinks, sink.NewS3Sink(client, nil, sink.S3Options{
			Bucket: s3cfg.Bucket,
			Prefix: s3cfg.Prefix,
			Run:    run,
		}))
	}

	if mq := cfg.Sinks.MQTT; mq.Broker != "" {
		pub, err := sink.DialMQTT(ctx, sink.MQTTOptions{
			Broker:   mq.Broker,
			ClientID: mq.ClientID,
			Topic:    mq.Topic,
			QoS:      mq.QoS,
		})
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		sinks = append(sinks, pub)
		closers = append(closers, pub.Close)
	}

	return sinks, closeAll, nil
}

func buildInvoker(cfg *config.Config) driver.Invoker {
	if cfg.Invoke.Local {
		args := []string{"worker"}
		if len(cfg.Invoke.Command) > 0 {
			args = append(append(args, "--"), cfg.Invoke.Command...)
		}
		return &driver.ProcessInvoker{
			Args:   args,
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		}
	}
	return driver.External{Announce: func(inv driver.Invocation) {
		info("Waiting for worker %s: wavebench worker --id %s --mode %s --rendezvous %s --logs %s",
			inv.ID, inv.ID, inv.Mode, inv.RendezvousAddr, inv.LogAddr)
	}}
}

func printReport(r *driver.Report) {
	fmt.Println()
	if rv := r.Rendezvous; rv != nil && len(rv.Waves) > 0 {
		success("Released %d workers in %d waves", len(rv.Admitted), len(rv.Waves))
		for _, w := range rv.Waves {
			info("wave %d: %s (lag %s)", w.Index, strings.Join(w.WorkerIDs, ", "),
				w.SentAt.Sub(w.Deadline).Round(time.Millisecond))
		}
		if rv.Aborted > 0 {
			warn("%d connections refused with ABORT", rv.Aborted)
		}
	}
	if l := r.Logs; l != nil {
		success("Collected %d lines from %d workers", l.Lines, l.Closed)
	}
	for _, inv := range r.Failed() {
		warn("worker %s: %v", inv.ID, inv.Err)
	}
	info("Finished in %s", r.Finished.Sub(r.Started).Round(time.Millisecond))
}
