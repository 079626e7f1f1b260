package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RecordingConfig holds recording buffer configurations.
type RecordingConfig struct {
	ChunkSizeBytes int    `yaml:"chunk_size_bytes"`
	Compression    string `yaml:"compression"`
	Directory      string `yaml:"directory"`
}

// ChannelConfig holds channel transport configurations. Addresses with a
// "unix:" prefix use unix domain sockets.
type ChannelConfig struct {
	Address     string `yaml:"address"`
	DialTimeout string `yaml:"dial_timeout"`
}

// ForkConfig holds fork and rewind configurations.
type ForkConfig struct {
	ListenAddress string `yaml:"listen_address"`
	InitTimeout   string `yaml:"init_timeout"`
	SnapshotDir   string `yaml:"snapshot_dir"`
}

// SupervisorConfig holds ping and hang detection configurations.
type SupervisorConfig struct {
	PingInterval   string `yaml:"ping_interval"`
	MaxMissedPings int    `yaml:"max_missed_pings"`
	CrashGrace     string `yaml:"crash_grace"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`
}

// DebugConfig holds the debug HTTP endpoint configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // OTLP/HTTP collector endpoint
}

// Config is the top-level configuration struct.
type Config struct {
	Recording  RecordingConfig  `yaml:"recording"`
	Channel    ChannelConfig    `yaml:"channel"`
	Fork       ForkConfig       `yaml:"fork"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Logging    LoggingConfig    `yaml:"logging"`
	Debug      DebugConfig      `yaml:"debug"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if
// the string is empty or invalid, logging a warning on invalid input.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader, filling defaults first.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Recording: RecordingConfig{
			ChunkSizeBytes: 16 * 1024,
			Compression:    "lz4",
			Directory:      "./recordings",
		},
		Channel: ChannelConfig{
			Address:     "127.0.0.1:47700",
			DialTimeout: "10s",
		},
		Fork: ForkConfig{
			ListenAddress: "127.0.0.1:47701",
			InitTimeout:   "15s",
			SnapshotDir:   "./snapshots",
		},
		Supervisor: SupervisorConfig{
			PingInterval:   "2s",
			MaxMissedPings: 5,
			CrashGrace:     "5s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusreplay.log",
		},
		Debug: DebugConfig{
			Enabled:          false,
			ListenAddress:    "127.0.0.1:6061",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4318",
		},
	}

	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()
	return Load(file)
}
