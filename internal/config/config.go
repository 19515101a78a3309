package config

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vango-dev/wavebench/internal/errors"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "wavebench.json"

	// DefaultPort is the default log server port. The rendezvous server
	// listens on DefaultPort+1.
	DefaultPort = 8888

	// DefaultHost is the default bind host.
	DefaultHost = "localhost"

	// DefaultMode runs a single worker.
	DefaultMode = "create_read_write_destroy"

	// DefaultMonitorAddress is the default address of the HTTP monitor.
	DefaultMonitorAddress = ":9090"

	// DefaultMQTTTopic is the default topic lifecycle records are published to.
	DefaultMQTTTopic = "wavebench/events"
)

// Config represents the complete wavebench.json configuration.
type Config struct {
	// Name labels the run in metrics, traces and uploaded transcripts.
	Name string `json:"name,omitempty"`

	// Host is the host both servers bind to.
	Host string `json:"host,omitempty"`

	// Port is the log server port.
	Port int `json:"port,omitempty"`

	// Mode is a workload mode name or a scale:... mode string.
	Mode string `json:"mode,omitempty"`

	// Rendezvous contains rendezvous server configuration.
	Rendezvous RendezvousConfig `json:"rendezvous,omitempty"`

	// Logs contains log server configuration.
	Logs LogsConfig `json:"logs,omitempty"`

	// Invoke contains worker invocation configuration.
	Invoke InvokeConfig `json:"invoke,omitempty"`

	// Monitor contains HTTP monitor configuration.
	Monitor MonitorConfig `json:"monitor,omitempty"`

	// Sinks contains record sink configuration.
	Sinks SinksConfig `json:"sinks,omitempty"`

	configPath string
}

// RendezvousConfig contains rendezvous server settings.
type RendezvousConfig struct {
	// Port overrides the rendezvous port (default: Port+1).
	Port int `json:"port,omitempty"`

	// BarrierTimeout bounds the wait for every worker to register
	// (e.g., "2m"). Empty or "0s" waits forever.
	BarrierTimeout string `json:"barrierTimeout,omitempty"`
}

// LogsConfig contains log server settings.
type LogsConfig struct {
	// Quiet suppresses worker log lines.
	Quiet bool `json:"quiet,omitempty"`

	// Quieter suppresses all logs except completion records.
	Quieter bool `json:"quieter,omitempty"`
}

// InvokeConfig contains worker invocation settings.
type InvokeConfig struct {
	// Local spawns workers as local child processes.
	Local bool `json:"local,omitempty"`

	// Command is the workload each worker runs once released.
	Command []string `json:"command,omitempty"`

	// AdvertiseHost is the host workers dial (default: Host).
	AdvertiseHost string `json:"advertiseHost,omitempty"`

	// IDBase is added to each worker's index to form its id.
	IDBase int `json:"idBase,omitempty"`
}

// MonitorConfig contains HTTP monitor settings.
type MonitorConfig struct {
	// Enabled starts the monitor alongside the run.
	Enabled bool `json:"enabled,omitempty"`

	// Address is the monitor listen address.
	Address string `json:"address,omitempty"`
}

// SinksConfig contains record sink settings.
type SinksConfig struct {
	S3   S3Config   `json:"s3,omitempty"`
	MQTT MQTTConfig `json:"mqtt,omitempty"`
}

// S3Config configures transcript upload. Upload is disabled when Bucket is
// empty.
type S3Config struct {
	Bucket string `json:"bucket,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	Region string `json:"region,omitempty"`
}

// MQTTConfig configures lifecycle publishing. Publishing is disabled when
// Broker is empty.
type MQTTConfig struct {
	Broker   string `json:"broker,omitempty"`
	Topic    string `json:"topic,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	QoS      byte   `json:"qos,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	return &Config{
		Name: "wavebench",
		Host: DefaultHost,
		Port: DefaultPort,
		Mode: DefaultMode,
		Monitor: MonitorConfig{
			Address: DefaultMonitorAddress,
		},
		Sinks: SinksConfig{
			MQTT: MQTTConfig{Topic: DefaultMQTTTopic},
		},
	}
}

// Load reads configuration from the specified directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E121").
				WithDetail("No " + ConfigFileName + " found at " + path).
				WithSuggestion("Pass flags on the command line or create " + ConfigFileName)
		}
		return nil, errors.New("E120").Wrap(err)
	}

	cfg := New()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.New("E120").
			WithDetail("Failed to parse " + path + ": " + err.Error()).
			WithSuggestion("Check that " + ConfigFileName + " is valid JSON")
	}

	cfg.configPath = path
	cfg.applyDefaults()

	return cfg, nil
}

// LoadOrDefault loads dir's config file, returning defaults when none exists.
func LoadOrDefault(dir string) (*Config, error) {
	cfg, err := Load(dir)
	if errors.HasCode(err, "E121") {
		return New(), nil
	}
	return cfg, err
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.New("E120").Wrap(err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New("E120").Wrap(err)
	}

	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "wavebench"
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Mode == "" {
		c.Mode = DefaultMode
	}
	if c.Monitor.Address == "" {
		c.Monitor.Address = DefaultMonitorAddress
	}
	if c.Sinks.MQTT.Topic == "" {
		c.Sinks.MQTT.Topic = DefaultMQTTTopic
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("E122").
			WithDetail("port must be between 1 and 65535, got " + strconv.Itoa(c.Port))
	}
	if p := c.RendezvousPort(); p <= 0 || p > 65535 {
		return errors.New("E122").
			WithDetail("rendezvous port must be between 1 and 65535, got " + strconv.Itoa(p))
	}
	if c.RendezvousPort() == c.Port {
		return errors.New("E122").
			WithDetail("rendezvous and log servers cannot share port " + strconv.Itoa(c.Port))
	}
	if _, err := ParseMode(c.Mode); err != nil {
		return err
	}
	if _, err := c.BarrierTimeout(); err != nil {
		return err
	}
	if c.Invoke.IDBase < 0 {
		return errors.New("E122").WithDetail("invoke.idBase must not be negative")
	}
	if c.Sinks.MQTT.QoS > 2 {
		return errors.New("E122").WithDetail("sinks.mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

// RendezvousPort returns the rendezvous server port.
func (c *Config) RendezvousPort() int {
	if c.Rendezvous.Port != 0 {
		return c.Rendezvous.Port
	}
	return c.Port + 1
}

// LogAddress returns the log server bind address.
func (c *Config) LogAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RendezvousAddress returns the rendezvous server bind address.
func (c *Config) RendezvousAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.RendezvousPort()))
}

// AdvertiseHost returns the host workers dial.
func (c *Config) AdvertiseHost() string {
	if c.Invoke.AdvertiseHost != "" {
		return c.Invoke.AdvertiseHost
	}
	return c.Host
}

// BarrierTimeout parses rendezvous.barrierTimeout. Zero means no timeout.
func (c *Config) BarrierTimeout() (time.Duration, error) {
	if c.Rendezvous.BarrierTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Rendezvous.BarrierTimeout)
	if err != nil || d < 0 {
		return 0, errors.New("E122").
			WithDetail("rendezvous.barrierTimeout must be a non-negative duration, got " +
				strconv.Quote(c.Rendezvous.BarrierTimeout))
	}
	return d, nil
}

// Plan is a validated, fully resolved run configuration.
type Plan struct {
	Name               string
	Mode               Mode
	ExpectedWorkers    int
	RendezvousAddress  string
	LogAddress         string
	AdvertiseHost      string
	LogPort            int
	RendezvousPort     int
	BarrierTimeout     time.Duration
	SuppressWorkerLogs bool
	SuppressAllLogs    bool
}

// Resolve validates the configuration and returns the run plan.
func (c *Config) Resolve() (*Plan, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	mode, _ := ParseMode(c.Mode)
	timeout, _ := c.BarrierTimeout()

	return &Plan{
		Name:               c.Name,
		Mode:               mode,
		ExpectedWorkers:    mode.Workers(),
		RendezvousAddress:  c.RendezvousAddress(),
		LogAddress:         c.LogAddress(),
		AdvertiseHost:      c.AdvertiseHost(),
		LogPort:            c.Port,
		RendezvousPort:     c.RendezvousPort(),
		BarrierTimeout:     timeout,
		SuppressWorkerLogs: c.Logs.Quiet || c.Logs.Quieter,
		SuppressAllLogs:    c.Logs.Quieter,
	}, nil
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}
