package session

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/proftrace/capd/internal/export"
	exporthttp "github.com/proftrace/capd/internal/export/http"
	"github.com/proftrace/capd/internal/pid"
)

// Config is the top-level configuration for one capture session,
// generalizing agent.Config's top-level-daemon shape to the
// per-session semantics of spec.md §5 (duration, one-shot,
// local-capture, app command, wait-for-process).
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// ListenAddr is the address Streamline connects to for a live
	// capture session. Not required when LocalCapture is set.
	ListenAddr string `yaml:"listen_addr"`

	// MLRuntimeAddr is the address ML-runtime sessions connect to for
	// counter reconciliation, per internal/source/mlruntime.go.
	MLRuntimeAddr string `yaml:"mlruntime_addr"`

	// LocalCapture, if set, captures directly to a local .apc
	// directory instead of streaming to a live Streamline connection.
	LocalCapture bool `yaml:"local_capture"`

	// CaptureDir is the target .apc directory when LocalCapture is
	// set.
	CaptureDir string `yaml:"capture_dir"`

	// Duration, if positive, ends the session automatically after
	// this long once the primary source starts.
	Duration time.Duration `yaml:"duration"`

	// OneShot halts the drain loop's sender thread until the session
	// ends, matching the original's haltPipeline semaphore semantics
	// for one-shot captures.
	OneShot bool `yaml:"one_shot"`

	// AppCommand, if non-empty, is spawned as the profiling target;
	// its PID is added to the watch/capture set.
	AppCommand []string `yaml:"app_command"`

	// StopOnExit ends the session once the app command exits, or once
	// every watched PID (the app command's PID plus those found via
	// WaitForProcessCommand or PID) has exited.
	StopOnExit bool `yaml:"stop_on_exit"`

	// WaitForProcessCommand, if set, blocks session startup until a
	// process matching this name appears, the way
	// WaitForProcessPoller does in Child::run.
	WaitForProcessCommand string `yaml:"wait_for_process_command"`

	// PID configures process-name/cgroup discovery for watched targets
	// that aren't spawned by this daemon.
	PID pid.Config `yaml:"pid"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`

	// OTLP configures the optional OTLP metric push pipeline.
	OTLP export.OTLPConfig `yaml:"otlp"`

	// MLRuntimeHTTP configures the HTTP counter-sample export path.
	MLRuntimeHTTP exporthttp.Config `yaml:"mlruntime_http"`

	// MLRuntimeClickHouse configures the ClickHouse counter-sample
	// export path.
	MLRuntimeClickHouse export.ClickHouseConfig `yaml:"mlruntime_clickhouse"`

	// EnableFtrace turns on the kernel ftrace source. Off by default
	// since it requires access to /sys/kernel/debug/tracing, which
	// isn't available in every deployment (unprivileged containers,
	// for instance).
	EnableFtrace bool `yaml:"enable_ftrace"`

	// GPUCounterDir is the sysfs-style directory the GPU source
	// polls. Empty disables the GPU source.
	GPUCounterDir string `yaml:"gpu_counter_dir"`

	// GPUPollInterval controls how often the GPU source polls.
	// Defaults to 100ms.
	GPUPollInterval time.Duration `yaml:"gpu_poll_interval"`

	// PolledInterval controls how often the user-space polled source
	// samples its counters. Defaults to 100ms.
	PolledInterval time.Duration `yaml:"polled_interval"`

	// SamplePeriodMs is the periodic counter sample period, in
	// milliseconds, sent to ML-runtime sessions.
	SamplePeriodMs uint32 `yaml:"sample_period_ms"`

	// SpeSampleRate is the sample rate passed to SPE drivers when
	// claiming a requested SPE stream.
	SpeSampleRate int `yaml:"spe_sample_rate"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        "info",
		ListenAddr:      ":8080",
		MLRuntimeAddr:   ":8443",
		GPUPollInterval: 100 * time.Millisecond,
		PolledInterval:  100 * time.Millisecond,
		SamplePeriodMs:  1000,
		Health: export.HealthConfig{
			Addr: ":9090",
		},
		MLRuntimeHTTP: exporthttp.DefaultConfig(),
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and
// consistency.
func (c *Config) Validate() error {
	if c.LocalCapture && c.CaptureDir == "" {
		return fmt.Errorf("capture_dir is required when local_capture is set")
	}

	if !c.LocalCapture && c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required unless local_capture is set")
	}

	if c.Duration < 0 {
		return fmt.Errorf("duration must not be negative")
	}

	if c.GPUPollInterval <= 0 {
		c.GPUPollInterval = 100 * time.Millisecond
	}

	if c.PolledInterval <= 0 {
		c.PolledInterval = 100 * time.Millisecond
	}

	return nil
}
