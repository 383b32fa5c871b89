// Package bootcfg loads the boot-time constants: broker endpoint, topic
// prefix, file paths and hardware geometry. These correspond to the fixed
// build-time configuration of the firmware and are not runtime-configurable;
// the device configuration proper lives in the CBOR config store.
package bootcfg

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig enables shipping log lines to a Loki endpoint.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig selects the log level, output format and sinks.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format"`
	Loki   LokiConfig `yaml:"loki"`
}

// MQTTConfig is the broker endpoint and topic layout.
type MQTTConfig struct {
	Broker         string   `yaml:"broker"`
	ClientIDPrefix string   `yaml:"client_id_prefix"`
	Topic          string   `yaml:"topic"`
	RemoteTopic    string   `yaml:"remote_topic"`
	IRCChannel     string   `yaml:"irc_channel"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	KeepAlive      Duration `yaml:"keep_alive"`
}

// HardwareConfig is the board geometry.
type HardwareConfig struct {
	Switches          int  `yaml:"switches"`
	Buttons           int  `yaml:"buttons"`
	Dimmers           int  `yaml:"dimmers"`
	SelectorPositions int  `yaml:"selector_positions"`
	ColdBoot          bool `yaml:"cold_boot"`
}

// FilesConfig locates the persistent state.
type FilesConfig struct {
	Config string `yaml:"config"`
	Backup string `yaml:"backup"`
	NVRAM  string `yaml:"nvram"`
}

// TelemetryConfig enables the Prometheus listener.
type TelemetryConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the complete boot configuration.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Hardware  HardwareConfig  `yaml:"hardware"`
	Files     FilesConfig     `yaml:"files"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Load reads and validates the boot configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read boot config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse boot config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MQTT.Broker == "" {
		return errors.New("boot config: mqtt.broker is required")
	}
	if c.MQTT.Topic == "" {
		return errors.New("boot config: mqtt.topic is required")
	}
	if c.Hardware.Switches < 0 || c.Hardware.Buttons < 0 || c.Hardware.Dimmers < 0 ||
		c.Hardware.SelectorPositions < 0 {
		return errors.New("boot config: hardware counts must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Files.Config == "" {
		c.Files.Config = "config.cbor"
	}
	if c.Files.Backup == "" {
		c.Files.Backup = c.Files.Config + "~"
	}
	if c.Files.NVRAM == "" {
		c.Files.NVRAM = "nvram.bin"
	}
}

// Remote reports whether this controller forwards commands to a peer
// instead of driving a local bus.
func (c *Config) Remote() bool {
	return c.MQTT.RemoteTopic != ""
}
