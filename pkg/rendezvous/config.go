package rendezvous

import (
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/wavebench/internal/errors"
	"github.com/vango-dev/wavebench/pkg/mux"
	"github.com/vango-dev/wavebench/pkg/record"
	"github.com/vango-dev/wavebench/pkg/telemetry"
)

// Config holds the rendezvous server configuration.
type Config struct {
	// Address is the TCP address to listen on.
	Address string

	// ExpectedWorkers is the barrier size. It must equal
	// WorkersPerWave * WaveCount.
	ExpectedWorkers int

	// WorkersPerWave is the number of workers released together.
	WorkersPerWave int

	// WaveCount is the number of waves.
	WaveCount int

	// WavePeriod is the delay between consecutive wave deadlines.
	WavePeriod time.Duration

	// BarrierTimeout bounds the wait for the barrier. Zero waits forever.
	BarrierTimeout time.Duration

	// ReadBufferSize bounds each socket read and the bytes buffered for a
	// registration. Default: 4096.
	ReadBufferSize int
}

// SingleWave returns a configuration that releases expected workers at once.
func SingleWave(address string, expected int) Config {
	return Config{
		Address:         address,
		ExpectedWorkers: expected,
		WorkersPerWave:  expected,
		WaveCount:       1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.ExpectedWorkers <= 0:
		return errors.New("E122").WithDetail("expected workers must be positive, got " + strconv.Itoa(c.ExpectedWorkers))
	case c.WorkersPerWave <= 0:
		return errors.New("E122").WithDetail("workers per wave must be positive, got " + strconv.Itoa(c.WorkersPerWave))
	case c.WaveCount <= 0:
		return errors.New("E122").WithDetail("wave count must be positive, got " + strconv.Itoa(c.WaveCount))
	case c.WavePeriod < 0:
		return errors.New("E122").WithDetail("wave period must not be negative")
	case c.BarrierTimeout < 0:
		return errors.New("E122").WithDetail("barrier timeout must not be negative")
	case c.ReadBufferSize < 0:
		return errors.New("E122").WithDetail("read buffer size must not be negative")
	case c.ExpectedWorkers != c.WorkersPerWave*c.WaveCount:
		return errors.New("E122").WithDetail(
			"expected workers (" + strconv.Itoa(c.ExpectedWorkers) + ") must equal workers per wave (" +
				strconv.Itoa(c.WorkersPerWave) + ") times wave count (" + strconv.Itoa(c.WaveCount) + ")")
	}
	return nil
}

func (c Config) readBufferSize() int {
	if c.ReadBufferSize > 0 {
		return c.ReadBufferSize
	}
	return mux.DefaultReadBufferSize
}

// Option configures a Server.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	sink    record.Sink
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics sets the Prometheus collectors the server updates.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer sets the tracer used for run and wave spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithSink sets the sink that receives lifecycle records.
func WithSink(s record.Sink) Option {
	return func(o *options) {
		o.sink = s
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger: slog.Default().With("component", "rendezvous"),
		sink:   record.Discard,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "rendezvous")
	}
	if o.sink == nil {
		o.sink = record.Discard
	}
	return o
}
