package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "wavebench").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// LagBuckets are the histogram buckets for dispatch lag in seconds.
	LagBuckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus collectors.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace:  "wavebench",
		LagBuckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		Registry:   prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors shared by the rendezvous and log servers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections      *prometheus.CounterVec
	connectionFaults *prometheus.CounterVec
	openConnections  *prometheus.GaugeVec
	admitted         prometheus.Counter
	aborted          *prometheus.CounterVec
	barrierWait      prometheus.Gauge
	wavesDispatched  prometheus.Counter
	runsSent         prometheus.Counter
	runSendFailures  prometheus.Counter
	dispatchLag      prometheus.Histogram
	logLines         prometheus.Counter
	logBytes         prometheus.Counter
	streamsClosed    *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Metrics{
		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "connections_total",
			Help:        "Total connections accepted by server",
			ConstLabels: config.ConstLabels,
		}, []string{"server"}),

		connectionFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "connection_faults_total",
			Help:        "Connections dropped after a read error or malformed payload",
			ConstLabels: config.ConstLabels,
		}, []string{"server", "type"}),

		openConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "open_connections",
			Help:        "Connections currently tracked by server",
			ConstLabels: config.ConstLabels,
		}, []string{"server"}),

		admitted: counter("workers_admitted_total", "Distinct worker ids queued at the barrier"),

		aborted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "workers_aborted_total",
			Help:        "Connections sent ABORT, by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		barrierWait: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "barrier_wait_seconds",
			Help:        "Time from listen to the barrier filling in the last run",
			ConstLabels: config.ConstLabels,
		}),

		wavesDispatched: counter("waves_dispatched_total", "Waves released"),
		runsSent:        counter("runs_sent_total", "RUN sentinels written"),
		runSendFailures: counter("run_send_failures_total", "RUN sentinels that could not be written"),

		dispatchLag: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "dispatch_lag_seconds",
			Help:        "Delay between a wave's scheduled deadline and its dispatch",
			ConstLabels: config.ConstLabels,
			Buckets:     config.LagBuckets,
		}),

		logLines: counter("log_lines_total", "Worker log lines received"),
		logBytes: counter("log_bytes_total", "Worker log bytes received"),

		streamsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "log_streams_closed_total",
			Help:        "Log streams that reached a terminal state, by cause",
			ConstLabels: config.ConstLabels,
		}, []string{"cause"}),
	}
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened(server string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(server).Inc()
	m.openConnections.WithLabelValues(server).Inc()
}

// ConnectionClosed records a connection leaving the tracked set.
func (m *Metrics) ConnectionClosed(server string) {
	if m == nil {
		return
	}
	m.openConnections.WithLabelValues(server).Dec()
}

// ConnectionFault records a connection dropped because of faultType.
func (m *Metrics) ConnectionFault(server, faultType string) {
	if m == nil {
		return
	}
	m.connectionFaults.WithLabelValues(server, faultType).Inc()
}

// WorkerAdmitted records a worker queued at the barrier.
func (m *Metrics) WorkerAdmitted() {
	if m == nil {
		return
	}
	m.admitted.Inc()
}

// WorkerAborted records a connection sent ABORT.
func (m *Metrics) WorkerAborted(reason string) {
	if m == nil {
		return
	}
	m.aborted.WithLabelValues(reason).Inc()
}

// BarrierFilled records how long the barrier took to fill.
func (m *Metrics) BarrierFilled(wait time.Duration) {
	if m == nil {
		return
	}
	m.barrierWait.Set(wait.Seconds())
}

// WaveDispatched records a released wave.
func (m *Metrics) WaveDispatched(sent, failed int, lag time.Duration) {
	if m == nil {
		return
	}
	m.wavesDispatched.Inc()
	m.runsSent.Add(float64(sent))
	m.runSendFailures.Add(float64(failed))
	if lag < 0 {
		lag = 0
	}
	m.dispatchLag.Observe(lag.Seconds())
}

// LogReceived records a chunk of worker output split into lines.
func (m *Metrics) LogReceived(lines, bytes int) {
	if m == nil {
		return
	}
	m.logLines.Add(float64(lines))
	m.logBytes.Add(float64(bytes))
}

// StreamClosed records a log stream reaching its terminal state.
func (m *Metrics) StreamClosed(cause string) {
	if m == nil {
		return
	}
	m.streamsClosed.WithLabelValues(cause).Inc()
}
