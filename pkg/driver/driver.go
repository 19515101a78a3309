package driver

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/wavebench/internal/config"
	"github.com/vango-dev/wavebench/internal/errors"
	"github.com/vango-dev/wavebench/pkg/logserver"
	"github.com/vango-dev/wavebench/pkg/record"
	"github.com/vango-dev/wavebench/pkg/rendezvous"
	"github.com/vango-dev/wavebench/pkg/telemetry"
)

// Config describes one run.
type Config struct {
	// Name labels the run in logs and reports.
	Name string

	// Mode is the workload mode passed to every worker.
	Mode string

	// RendezvousAddress and LogAddress are the bind addresses.
	RendezvousAddress string
	LogAddress        string

	// AdvertiseHost is the host workers dial. Default: the bound host, or
	// 127.0.0.1 when bound to an unspecified address.
	AdvertiseHost string

	ExpectedWorkers int
	WorkersPerWave  int
	WaveCount       int
	WavePeriod      time.Duration
	BarrierTimeout  time.Duration

	SuppressWorkerLogs bool
	SuppressAllLogs    bool

	// IDBase is the id of the first worker.
	IDBase int
}

// FromPlan builds a Config from a resolved configuration file.
func FromPlan(p *config.Plan, idBase int) Config {
	return Config{
		Name:               p.Name,
		Mode:               p.Mode.Name,
		RendezvousAddress:  p.RendezvousAddress,
		LogAddress:         p.LogAddress,
		AdvertiseHost:      p.AdvertiseHost,
		ExpectedWorkers:    p.ExpectedWorkers,
		WorkersPerWave:     p.Mode.WorkersPerWave,
		WaveCount:          p.Mode.WaveCount,
		WavePeriod:         p.Mode.WavePeriod,
		BarrierTimeout:     p.BarrierTimeout,
		SuppressWorkerLogs: p.SuppressWorkerLogs,
		SuppressAllLogs:    p.SuppressAllLogs,
		IDBase:             idBase,
	}
}

// Option configures a Driver.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	sink    record.Sink
}

// WithLogger sets the logger for the driver and both servers.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics sets the collectors both servers update.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer sets the tracer for driver and server spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithSink sets the sink for every record of the run. It is flushed once
// the run has finished.
func WithSink(s record.Sink) Option {
	return func(o *options) {
		o.sink = s
	}
}

// InvocationResult is the outcome of one worker.
type InvocationResult struct {
	ID       string
	Err      error
	Duration time.Duration
}

// Report aggregates the outcome of a run.
type Report struct {
	Name     string
	Started  time.Time
	Finished time.Time

	Rendezvous    *rendezvous.Result
	RendezvousErr error

	Logs    *logserver.Result
	LogsErr error

	Invocations []InvocationResult

	SinkErr error
}

// Failed returns the invocations that ended with an error.
func (r *Report) Failed() []InvocationResult {
	var out []InvocationResult
	for _, inv := range r.Invocations {
		if inv.Err != nil {
			out = append(out, inv)
		}
	}
	return out
}

// Status is a point-in-time view of a running driver.
type Status struct {
	Name       string               `json:"name"`
	Running    bool                 `json:"running"`
	Invoked    int                  `json:"invoked"`
	Terminated int                  `json:"terminated"`
	Rendezvous *rendezvous.Snapshot `json:"rendezvous,omitempty"`
	Logs       *logserver.Snapshot  `json:"logs,omitempty"`
}

// Driver runs a benchmark.
type Driver struct {
	cfg     Config
	invoker Invoker
	opts    options
	logger  *slog.Logger

	rv         atomic.Pointer[rendezvous.Server]
	ls         atomic.Pointer[logserver.Server]
	running    atomic.Bool
	invoked    atomic.Int64
	terminated atomic.Int64
}

// New creates a driver that starts workers with invoker.
func New(cfg Config, invoker Invoker, opts ...Option) *Driver {
	o := options{sink: record.Discard}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.sink == nil {
		o.sink = record.Discard
	}
	if cfg.Name == "" {
		cfg.Name = "wavebench"
	}

	logger := o.logger
	if cfg.SuppressAllLogs {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Driver{
		cfg:     cfg,
		invoker: invoker,
		opts:    o,
		logger:  logger.With("component", "driver", "run", cfg.Name),
	}
}

// Status returns a point-in-time view of the run.
func (d *Driver) Status() Status {
	st := Status{
		Name:       d.cfg.Name,
		Running:    d.running.Load(),
		Invoked:    int(d.invoked.Load()),
		Terminated: int(d.terminated.Load()),
	}
	if rv := d.rv.Load(); rv != nil {
		snap := rv.Snapshot()
		st.Rendezvous = &snap
	}
	if ls := d.ls.Load(); ls != nil {
		snap := ls.Snapshot()
		st.Logs = &snap
	}
	return st
}

// Run binds both servers, invokes every worker and waits for all of them.
//
// Bind failures and invalid configuration are returned before any worker is
// invoked. Otherwise the returned error joins the rendezvous, log server and
// sink errors; per-worker failures are only reported in the Report.
func (d *Driver) Run(ctx context.Context) (report *Report, err error) {
	if !d.running.CompareAndSwap(false, true) {
		return nil, stderrors.New("driver: Run called twice")
	}
	defer d.running.Store(false)

	ctx, span := telemetry.StartSpan(ctx, d.opts.tracer, "driver.run",
		attribute.String("driver.name", d.cfg.Name),
		attribute.String("driver.mode", d.cfg.Mode),
		attribute.Int("driver.workers", d.cfg.ExpectedWorkers),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	rv, ls, err := d.bind(ctx)
	if err != nil {
		return nil, err
	}
	d.rv.Store(rv)
	d.ls.Store(ls)

	report = &Report{Name: d.cfg.Name, Started: time.Now()}
	rvAddr := d.advertise(rv.Addr())
	logAddr := d.advertise(ls.Addr())
	d.logger.Info("servers listening",
		"rendezvous", rv.Addr().String(),
		"logs", ls.Addr().String(),
		"workers", d.cfg.ExpectedWorkers)

	// The log server has no deadline of its own; it is cancelled if the
	// barrier can no longer fill.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		report.Rendezvous, report.RendezvousErr = rv.Run(runCtx)
		if report.RendezvousErr != nil {
			cancel()
		}
		d.terminate("rendezvous", report.RendezvousErr)
	}()
	go func() {
		defer wg.Done()
		report.Logs, report.LogsErr = ls.Run(runCtx)
		d.terminate("logs", report.LogsErr)
	}()

	report.Invocations = make([]InvocationResult, d.cfg.ExpectedWorkers)
	attempted := 0
	for i := range d.cfg.ExpectedWorkers {
		if runCtx.Err() != nil {
			break
		}
		attempted++
		inv := Invocation{
			ID:             strconv.Itoa(d.cfg.IDBase + i),
			Mode:           d.cfg.Mode,
			RendezvousAddr: rvAddr,
			LogAddr:        logAddr,
		}
		report.Invocations[i].ID = inv.ID

		started := time.Now()
		h, err := d.invoker.Invoke(runCtx, inv)
		if err != nil {
			// The barrier can never fill without this worker.
			report.Invocations[i].Err = err
			d.logger.Error("invocation failed", "worker_id", inv.ID, "error", err)
			cancel()
			break
		}
		d.invoked.Add(1)

		wg.Add(1)
		go func(res *InvocationResult) {
			defer wg.Done()
			res.Err = h.Wait()
			res.Duration = time.Since(started)
			d.terminate("worker "+res.ID, res.Err)
		}(&report.Invocations[i])
	}
	report.Invocations = report.Invocations[:attempted]
	d.logger.Info("workers invoked", "count", d.invoked.Load())

	wg.Wait()
	report.Finished = time.Now()

	if err := record.Flush(ctx, d.opts.sink); err != nil {
		report.SinkErr = err
		d.logger.Error("flushing results failed", "error", err)
	}

	d.logger.Info("run finished",
		"duration", report.Finished.Sub(report.Started),
		"failed_workers", len(report.Failed()))
	return report, stderrors.Join(report.RendezvousErr, report.LogsErr, report.SinkErr)
}

func (d *Driver) bind(ctx context.Context) (*rendezvous.Server, *logserver.Server, error) {
	rv, err := rendezvous.Listen(ctx, rendezvous.Config{
		Address:         d.cfg.RendezvousAddress,
		ExpectedWorkers: d.cfg.ExpectedWorkers,
		WorkersPerWave:  d.cfg.WorkersPerWave,
		WaveCount:       d.cfg.WaveCount,
		WavePeriod:      d.cfg.WavePeriod,
		BarrierTimeout:  d.cfg.BarrierTimeout,
	},
		rendezvous.WithLogger(d.serverLogger("rendezvous")),
		rendezvous.WithMetrics(d.opts.metrics),
		rendezvous.WithTracer(d.opts.tracer),
		rendezvous.WithSink(d.opts.sink),
	)
	if err != nil {
		return nil, nil, err
	}

	ls, err := logserver.Listen(ctx, logserver.Config{
		Address:             d.cfg.LogAddress,
		ExpectedConnections: d.cfg.ExpectedWorkers,
		SuppressWorkerLogs:  d.cfg.SuppressWorkerLogs,
		SuppressAllLogs:     d.cfg.SuppressAllLogs,
	},
		logserver.WithLogger(d.serverLogger("logs")),
		logserver.WithMetrics(d.opts.metrics),
		logserver.WithTracer(d.opts.tracer),
		logserver.WithSink(d.opts.sink),
	)
	if err != nil {
		_ = rv.Close()
		return nil, nil, err
	}
	return rv, ls, nil
}

func (d *Driver) serverLogger(component string) *slog.Logger {
	if d.cfg.SuppressAllLogs {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d.opts.logger.With("component", component)
}

// advertise returns the address workers should dial for a bound listener.
func (d *Driver) advertise(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	switch {
	case d.cfg.AdvertiseHost != "":
		host = d.cfg.AdvertiseHost
	case net.ParseIP(host) == nil || net.ParseIP(host).IsUnspecified():
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (d *Driver) terminate(component string, err error) {
	d.terminated.Add(1)
	d.opts.sink.Emit(record.Record{
		Time:   time.Now(),
		Source: record.SourceDriver,
		Kind:   record.KindTerminated,
		Text:   component,
	})
	if err != nil && !stderrors.Is(err, context.Canceled) {
		d.logger.Warn("terminated", "name", component, "code", errors.CodeOf(err), "error", err)
		return
	}
	d.logger.Info("terminated", "name", component)
}
