// Package config holds the daemon's own launch-time settings: control
// endpoints, state directory, encoder binary location, and the option
// catalog surfaced by settings.get_available.
//
// Reference: spec §6 command-line surface, §4.F.1 settings.get /
// settings.get_available. Grounded on the teacher's internal/config —
// same struct-tag convention (yaml + koanf on every field), same
// atomic-write-on-Save discipline — generalized from audio-device
// settings to daemon-level control-plane settings.
package config

import (
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"go.yaml.in/yaml/v3"
)

// DefaultConfigPath is the conventional location of the daemon's YAML
// config. The daemon does not read it on its own: a config file is loaded
// only when --config names one.
const DefaultConfigPath = "/etc/exostream/config.yaml"

// DefaultSocketPath is the local control-socket path (spec §6).
const DefaultSocketPath = "/tmp/exostream.sock"

// DefaultStateDirName is appended to $HOME when --state-dir is omitted.
const DefaultStateDirName = ".exostream"

// DefaultNetworkPort is the TCP control port (spec §6).
const DefaultNetworkPort = 9023

// DefaultHealthAddr is the bind address for the health/metrics surface.
const DefaultHealthAddr = "127.0.0.1:9998"

// Config is the daemon's full launch-time configuration.
type Config struct {
	Socket         string `yaml:"socket" koanf:"socket"`
	StateDir       string `yaml:"state_dir" koanf:"state_dir"`
	NetworkControl bool   `yaml:"network_control" koanf:"network_control"`
	NetworkHost    string `yaml:"network_host" koanf:"network_host"`
	NetworkPort    int    `yaml:"network_port" koanf:"network_port"`
	Verbose        bool   `yaml:"verbose" koanf:"verbose"`

	EncoderBinaryPath string `yaml:"encoder_binary_path" koanf:"encoder_binary_path"`
	NDIOutputModule   string `yaml:"ndi_output_module" koanf:"ndi_output_module"`

	PresenceName     string `yaml:"presence_name" koanf:"presence_name"`
	HealthAddr       string `yaml:"health_addr" koanf:"health_addr"`

	AvailableResolutions  []string `yaml:"available_resolutions" koanf:"available_resolutions"`
	AvailableFPSOptions   []int    `yaml:"available_fps_options" koanf:"available_fps_options"`
	AvailableInputFormats []string `yaml:"available_input_formats" koanf:"available_input_formats"`
}

// DefaultConfig returns the daemon's built-in defaults (spec §6, §4.F.1).
func DefaultConfig() *Config {
	return &Config{
		Socket:         DefaultSocketPath,
		StateDir:       "", // resolved to $HOME/.exostream by the caller when empty
		NetworkControl: false,
		NetworkHost:    "0.0.0.0",
		NetworkPort:    DefaultNetworkPort,
		Verbose:        false,

		EncoderBinaryPath: "ffmpeg",
		NDIOutputModule:   "libndi_newtek",

		HealthAddr: DefaultHealthAddr,

		AvailableResolutions:  []string{"3840x2160", "1920x1080", "1280x720", "854x480"},
		AvailableFPSOptions:   []int{15, 24, 25, 30, 50, 60},
		AvailableInputFormats: []string{"yuyv422", "rawvideo"},
	}
}

// LoadConfig reads and validates a YAML configuration file. A missing
// file is not an error here — callers that want defaults-on-missing
// should check os.IsNotExist and fall back to DefaultConfig themselves.
// The daemon itself loads its configuration through KoanfConfig instead.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - path is administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to path as YAML via an atomic
// temp-file-then-rename, matching the state store's durability
// discipline (spec §4.A's atomicity requirement applied to config too).
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("failed to persist config file: %w", err)
	}
	return nil
}

// Validate rejects an obviously broken configuration before the daemon
// acts on it.
func (c *Config) Validate() error {
	if c.Socket == "" {
		return fmt.Errorf("socket path cannot be empty")
	}
	if c.NetworkControl {
		if c.NetworkPort <= 0 || c.NetworkPort > 65535 {
			return fmt.Errorf("network_port must be between 1 and 65535")
		}
		if c.NetworkHost == "" {
			return fmt.Errorf("network_host cannot be empty when network_control is enabled")
		}
	}
	if c.EncoderBinaryPath == "" {
		return fmt.Errorf("encoder_binary_path cannot be empty")
	}
	return nil
}
