package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "fleetbench.yaml"

// Transport values accepted for the transport override.
const (
	TransportAuto    = "auto"
	TransportSSH     = "ssh"
	TransportVirtctl = "virtctl"
)

// Compression values accepted for result archives.
const (
	CompressionGzip = "gzip"
	CompressionXZ   = "xz"
)

// Config represents the runtime configuration for a benchmark run.
type Config struct {
	Description string           `yaml:"description"`
	Transport   string           `yaml:"transport"`
	VM          VMConfig         `yaml:"vm"`
	SSH         SSHConfig        `yaml:"ssh"`
	Storage     StorageConfig    `yaml:"storage"`
	Fio         FioConfig        `yaml:"fio"`
	Output      OutputConfig     `yaml:"output"`
	Retry       RetryConfig      `yaml:"retry"`
	Monitoring  MonitoringConfig `yaml:"monitoring"`
	Migrate     *MigrateConfig   `yaml:"migrate"`
	Lock        *LockConfig      `yaml:"lock"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	DryRun      bool             `yaml:"dry_run"`
}

// VMConfig selects the fleet and the control-plane namespace for proxied hosts.
// Exactly one of the host sources must be provided.
type VMConfig struct {
	Namespace   string   `yaml:"namespace"`
	Hosts       []string `yaml:"hosts"`
	HostPattern string   `yaml:"host_pattern"`
	HostFile    string   `yaml:"host_file"`
	HostLabels  string   `yaml:"host_labels"`
}

// SSHConfig carries the credentials used by the direct transport.
type SSHConfig struct {
	User              string `yaml:"user"`
	Port              int    `yaml:"port"`
	KeyFile           string `yaml:"key_file"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
}

// StorageConfig describes the device under test on every host.
type StorageConfig struct {
	MountPoint string            `yaml:"mount_point"`
	Filesystem string            `yaml:"filesystem"`
	Devices    map[string]string `yaml:"devices"`
}

// FioConfig carries the benchmark parameters. Block sizes and patterns are
// opaque strings substituted into the fio command line.
type FioConfig struct {
	TestSize   string   `yaml:"test_size"`
	RuntimeSec int      `yaml:"runtime"`
	BlockSizes []string `yaml:"block_sizes"`
	IOPatterns []string `yaml:"io_patterns"`
	NumJobs    int      `yaml:"numjobs"`
	IODepth    int      `yaml:"iodepth"`
	DirectIO   int      `yaml:"direct_io"`
	RateIOPS   int      `yaml:"rate_iops"`
}

// OutputConfig controls the remote artifact directory and the local results tree.
type OutputConfig struct {
	Directory   string `yaml:"directory"`
	Format      string `yaml:"format"`
	Compression string `yaml:"compression"`
	LocalDir    string `yaml:"local_dir"`
}

// RetryConfig bounds transient-failure handling for remote commands.
type RetryConfig struct {
	IntervalSec          int  `yaml:"interval"`
	MaxRetries           int  `yaml:"max_retries"`
	SkipConnectivityTest bool `yaml:"skip_connectivity_test"`
}

// MonitoringConfig controls completion polling.
type MonitoringConfig struct {
	PollIntervalSec int `yaml:"task_monitor_interval"`
	GraceSec        int `yaml:"grace"`
}

// MigrateConfig enables live migration injection for selected I/O patterns.
// A positive interval selects sequential mode; zero selects parallel mode.
type MigrateConfig struct {
	Workloads   []string `yaml:"workloads"`
	IntervalSec int      `yaml:"interval"`
	TimeoutSec  int      `yaml:"timeout"`
	FailRun     bool     `yaml:"fail_run"`
}

// LockConfig enables the optional etcd-backed fleet lock.
type LockConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Key       string   `yaml:"key"`
	Namespace string   `yaml:"namespace"`
	TTLSec    int      `yaml:"ttl_sec"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	switch c.Transport {
	case TransportAuto, TransportSSH, TransportVirtctl:
	default:
		problems = append(problems, fmt.Sprintf("transport %q is not supported (auto, ssh, virtctl)", c.Transport))
	}

	sources := 0
	if len(c.VM.Hosts) > 0 {
		sources++
	}
	if strings.TrimSpace(c.VM.HostPattern) != "" {
		sources++
	}
	if strings.TrimSpace(c.VM.HostFile) != "" {
		sources++
	}
	if strings.TrimSpace(c.VM.HostLabels) != "" {
		sources++
	}
	if sources == 0 {
		problems = append(problems, "vm must provide one of hosts, host_pattern, host_file, host_labels")
	}
	if sources > 1 {
		problems = append(problems, "vm must provide exactly one host source")
	}
	if strings.TrimSpace(c.VM.HostLabels) != "" && c.Transport == TransportSSH {
		problems = append(problems, "vm.host_labels requires the virtctl transport")
	}

	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		problems = append(problems, "ssh.port must be within (0,65535]")
	}
	if c.SSH.ConnectTimeoutSec <= 0 {
		problems = append(problems, "ssh.connect_timeout_sec must be greater than zero")
	}

	if strings.TrimSpace(c.Storage.MountPoint) == "" {
		problems = append(problems, "storage.mount_point is required")
	}
	if strings.TrimSpace(c.Storage.Filesystem) == "" {
		problems = append(problems, "storage.filesystem is required")
	}
	if len(c.Storage.Devices) == 0 {
		problems = append(problems, "storage.devices must map every host to a block device")
	}

	if strings.TrimSpace(c.Fio.TestSize) == "" {
		problems = append(problems, "fio.test_size is required")
	}
	if c.Fio.RuntimeSec <= 0 {
		problems = append(problems, "fio.runtime must be greater than zero")
	}
	if len(c.Fio.BlockSizes) == 0 {
		problems = append(problems, "fio.block_sizes must contain at least one entry")
	}
	if len(c.Fio.IOPatterns) == 0 {
		problems = append(problems, "fio.io_patterns must contain at least one entry")
	}
	if c.Fio.NumJobs <= 0 {
		problems = append(problems, "fio.numjobs must be greater than zero")
	}
	if c.Fio.IODepth <= 0 {
		problems = append(problems, "fio.iodepth must be greater than zero")
	}
	if c.Fio.DirectIO != 0 && c.Fio.DirectIO != 1 {
		problems = append(problems, "fio.direct_io must be 0 or 1")
	}
	if c.Fio.RateIOPS < 0 {
		problems = append(problems, "fio.rate_iops must be non-negative")
	}

	if strings.TrimSpace(c.Output.Directory) == "" {
		problems = append(problems, "output.directory is required")
	}
	if strings.TrimSpace(c.Output.Format) == "" {
		problems = append(problems, "output.format is required")
	}
	switch c.Output.Compression {
	case CompressionGzip, CompressionXZ:
	default:
		problems = append(problems, fmt.Sprintf("output.compression %q is not supported (gzip, xz)", c.Output.Compression))
	}

	if c.Retry.IntervalSec <= 0 {
		problems = append(problems, "retry.interval must be greater than zero")
	}
	if c.Retry.MaxRetries <= 0 {
		problems = append(problems, "retry.max_retries must be greater than zero")
	}

	if c.Monitoring.PollIntervalSec <= 0 {
		problems = append(problems, "monitoring.task_monitor_interval must be greater than zero")
	}
	if c.Monitoring.GraceSec <= 0 {
		problems = append(problems, "monitoring.grace must be greater than zero")
	}

	if c.Migrate != nil {
		if len(c.Migrate.Workloads) == 0 {
			problems = append(problems, "migrate.workloads must name at least one pattern when migrate is configured")
		}
		if c.Migrate.IntervalSec < 0 {
			problems = append(problems, "migrate.interval must be non-negative")
		}
		if c.Migrate.TimeoutSec <= 0 {
			problems = append(problems, "migrate.timeout must be greater than zero")
		}
		if c.Transport == TransportSSH {
			problems = append(problems, "migrate requires the virtctl transport")
		}
	}

	if c.Lock != nil {
		if len(c.Lock.Endpoints) == 0 {
			problems = append(problems, "lock.endpoints must contain at least one endpoint when lock is configured")
		}
		if strings.TrimSpace(c.Lock.Key) == "" {
			problems = append(problems, "lock.key is required when lock is configured")
		}
		if c.Lock.TTLSec <= 0 {
			problems = append(problems, "lock.ttl_sec must be greater than zero")
		}
	}

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Transport) == "" {
		c.Transport = TransportAuto
	}
	if strings.TrimSpace(c.VM.Namespace) == "" {
		c.VM.Namespace = "default"
	}
	if strings.TrimSpace(c.SSH.User) == "" {
		c.SSH.User = "root"
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.ConnectTimeoutSec == 0 {
		c.SSH.ConnectTimeoutSec = 10
	}
	if c.Fio.NumJobs == 0 {
		c.Fio.NumJobs = 1
	}
	if c.Fio.IODepth == 0 {
		c.Fio.IODepth = 1
	}
	if strings.TrimSpace(c.Output.Compression) == "" {
		c.Output.Compression = CompressionGzip
	}
	if strings.TrimSpace(c.Output.LocalDir) == "" {
		c.Output.LocalDir = "."
	}
	if c.Monitoring.GraceSec == 0 {
		c.Monitoring.GraceSec = 60
	}
	if c.Migrate != nil && c.Migrate.TimeoutSec == 0 {
		c.Migrate.TimeoutSec = 600
	}
	if c.Lock != nil {
		if strings.TrimSpace(c.Lock.Key) == "" {
			c.Lock.Key = "/fleetbench/lock"
		}
		if c.Lock.TTLSec == 0 {
			c.Lock.TTLSec = 120
		}
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
}

// RetryInterval returns the pause between retry attempts as a duration.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Retry.IntervalSec) * time.Second
}

// Runtime returns the configured fio runtime as a duration.
func (c *Config) Runtime() time.Duration {
	return time.Duration(c.Fio.RuntimeSec) * time.Second
}

// PollInterval returns how often the poller probes job liveness.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Monitoring.PollIntervalSec) * time.Second
}

// PollGrace returns the buffer added to the expected runtime before the
// poller falls back to the artifact check.
func (c *Config) PollGrace() time.Duration {
	return time.Duration(c.Monitoring.GraceSec) * time.Second
}

// SSHConnectTimeout returns the dial timeout for the direct transport.
func (c *Config) SSHConnectTimeout() time.Duration {
	return time.Duration(c.SSH.ConnectTimeoutSec) * time.Second
}

// MigrateInterval returns the inter-host pause for sequential migration,
// zero when migration is parallel or unconfigured.
func (c *Config) MigrateInterval() time.Duration {
	if c.Migrate == nil {
		return 0
	}
	return time.Duration(c.Migrate.IntervalSec) * time.Second
}

// MigrateTimeout bounds a single migration attempt.
func (c *Config) MigrateTimeout() time.Duration {
	if c.Migrate == nil {
		return 0
	}
	return time.Duration(c.Migrate.TimeoutSec) * time.Second
}

// MigratesPattern reports whether migration is configured for the pattern.
func (c *Config) MigratesPattern(pattern string) bool {
	if c.Migrate == nil {
		return false
	}
	for _, w := range c.Migrate.Workloads {
		if w == pattern {
			return true
		}
	}
	return false
}

// LockTTL returns the etcd lease TTL for the fleet lock.
func (c *Config) LockTTL() time.Duration {
	if c.Lock == nil {
		return 0
	}
	return time.Duration(c.Lock.TTLSec) * time.Second
}
