package logserver

import (
	"io"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/wavebench/internal/errors"
	"github.com/vango-dev/wavebench/pkg/mux"
	"github.com/vango-dev/wavebench/pkg/record"
	"github.com/vango-dev/wavebench/pkg/telemetry"
)

// Config holds the log server configuration.
type Config struct {
	// Address is the TCP address to listen on.
	Address string

	// ExpectedConnections is the number of streams that must end before
	// Run returns.
	ExpectedConnections int

	// SuppressWorkerLogs stops worker lines from reaching the sink.
	SuppressWorkerLogs bool

	// SuppressAllLogs also silences the server's own logging.
	SuppressAllLogs bool

	// ReadBufferSize bounds each socket read. Default: 4096.
	ReadBufferSize int
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ExpectedConnections <= 0 {
		return errors.New("E122").
			WithDetail("expected connections must be positive, got " + strconv.Itoa(c.ExpectedConnections))
	}
	if c.ReadBufferSize < 0 {
		return errors.New("E122").WithDetail("read buffer size must not be negative")
	}
	return nil
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

// WithTracer sets the tracer used for the run span.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithSink sets the sink that receives line and lifecycle records.
func WithSink(s record.Sink) Option {
	return func(o *options) {
		o.sink = s
	}
}

func buildOptions(cfg Config, opts []Option) options {
	o := options{sink: record.Discard}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "logs")
	}
	if cfg.SuppressAllLogs {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.sink == nil {
		o.sink = record.Discard
	}
	return o
}

func (c Config) readBufferSize() int {
	if c.ReadBufferSize > 0 {
		return c.ReadBufferSize
	}
	return mux.DefaultReadBufferSize
}
