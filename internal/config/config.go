// Package config handles msghubd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/homehub/msghub/internal/msg"
	"github.com/homehub/msghub/internal/policy"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/msghub/config.yaml, /etc/msghub/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "msghub", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/msghub/config.yaml")
	return paths
}

// searchPathsFunc is overridden in tests so TestFindConfig_SearchPath does
// not depend on whatever config files happen to exist on the machine
// running the test.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all msghubd configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Store     StoreConfig     `yaml:"store"`
	QuietHours QuietHoursConfig `yaml:"quiet_hours"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the livefeed HTTP/websocket server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"` // Upgrade endpoint path (default: "/live")
}

// MQTTConfig defines the broker connection the platform adapter uses to
// reach object/state topics and subscribe to producer/consumer plugin
// traffic.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. tcp://localhost:1883, mqtts://broker:8883
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Namespace   string `yaml:"namespace"`    // instance id prefix, e.g. "msghub.0"
	TopicPrefix string `yaml:"topic_prefix"` // e.g. "msghub"
	QoS         byte   `yaml:"qos"`
}

// StoreConfig defines the maintenance timers and retention windows the
// store runs on. Zero values fall back to the store package's own
// defaults (spec.md §5: 10s notify, 30s prune, 4h hard-delete with a
// 60s startup grace, 10s closed-cleanup).
type StoreConfig struct {
	PruneIntervalSec        int `yaml:"prune_interval_sec"`
	DeleteClosedIntervalSec int `yaml:"delete_closed_interval_sec"`
	HardDeleteIntervalSec   int `yaml:"hard_delete_interval_sec"`
	NotifyIntervalSec       int `yaml:"notify_interval_sec"`

	ClosedGraceSec      int `yaml:"closed_grace_sec"`
	RetentionWindowSec  int `yaml:"retention_window_sec"`
	StartupGraceSec     int `yaml:"startup_grace_sec"`
	HardDeleteBatchSize int `yaml:"hard_delete_batch_size"`
}

// QuietHoursConfig mirrors policy.QuietHours with YAML tags and
// plain-int minute-of-day fields for config-file ergonomics.
type QuietHoursConfig struct {
	Enabled  bool `yaml:"enabled"`
	StartMin int  `yaml:"start_min"`
	EndMin   int  `yaml:"end_min"`
	MaxLevel int  `yaml:"max_level"`
	SpreadMs int64 `yaml:"spread_ms"`
}

// ToPolicy converts the YAML-shaped quiet-hours config into the
// policy package's native type.
func (q QuietHoursConfig) ToPolicy() policy.QuietHours {
	return policy.QuietHours{
		Enabled:  q.Enabled,
		StartMin: q.StartMin,
		EndMin:   q.EndMin,
		MaxLevel: msg.Level(q.MaxLevel),
		SpreadMs: q.SpreadMs,
	}
}

// Durations converts the second-granularity StoreConfig fields to
// time.Duration, leaving zero fields at zero so store.Config's own
// withDefaults can fill them in.
func (s StoreConfig) Durations() (prune, deleteClosed, hardDelete, notify, closedGrace, retention, startupGrace time.Duration, batchSize int) {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return sec(s.PruneIntervalSec), sec(s.DeleteClosedIntervalSec), sec(s.HardDeleteIntervalSec),
		sec(s.NotifyIntervalSec), sec(s.ClosedGraceSec), sec(s.RetentionWindowSec), sec(s.StartupGraceSec),
		s.HardDeleteBatchSize
}

// Configured reports whether a broker URL has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MQTT_PASSWORD}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Listen.Path == "" {
		c.Listen.Path = "/live"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "msghubd"
	}
	if c.MQTT.Namespace == "" {
		c.MQTT.Namespace = "msghub.0"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "msghub"
	}
	if c.MQTT.QoS == 0 {
		c.MQTT.QoS = 1
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d out of range (0-2)", c.MQTT.QoS)
	}
	if c.QuietHours.Enabled {
		if c.QuietHours.StartMin < 0 || c.QuietHours.StartMin >= 24*60 {
			return fmt.Errorf("quiet_hours.start_min %d out of range (0-1439)", c.QuietHours.StartMin)
		}
		if c.QuietHours.EndMin < 0 || c.QuietHours.EndMin >= 24*60 {
			return fmt.Errorf("quiet_hours.end_min %d out of range (0-1439)", c.QuietHours.EndMin)
		}
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development against a local MQTT broker. All defaults are already
// applied.
func Default() *Config {
	cfg := &Config{
		MQTT: MQTTConfig{
			Broker: "tcp://localhost:1883",
		},
	}
	cfg.applyDefaults()
	return cfg
}
