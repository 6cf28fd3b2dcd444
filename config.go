package main

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk YAML shape for --config, mirroring RadioConfig
// field-for-field. CLI flags always take precedence over a loaded file,
// and the file always takes precedence over built-in defaults, matching
// the teacher's own config.go layering (flags override yaml, yaml
// overrides struct zero values).
type Config struct {
	Radio       string  `yaml:"radio"` // hardware kind name, e.g. "hermes"
	MAC         string  `yaml:"mac"`   // colon-separated hex MAC
	ToneHz      float64 `yaml:"tone_hz"`
	NoiseLevel  float64 `yaml:"noise_level"`
	Echo        bool    `yaml:"echo"`
	SignalMode  string  `yaml:"signal_mode"` // "tone" or "multitone"
	SampleRate  int     `yaml:"sample_rate"`
	DDCs        int     `yaml:"ddcs"`
	MetricsAddr string  `yaml:"metrics_addr,omitempty"`
	Verbose     bool    `yaml:"verbose"`
}

// LoadConfig reads and parses a YAML config file. A missing path is not
// an error here; the caller only invokes LoadConfig when --config was
// given explicitly.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("reading %s: %v", path, err)}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("parsing %s: %v", path, err)}
	}
	return &cfg, nil
}

// defaultMAC is used when neither a config file nor --mac supplies one.
var defaultMAC = net.HardwareAddr{0x00, 0x1c, 0xc0, 0xa2, 0x00, 0x01}

// parseMAC accepts the standard colon-separated hex form used by both
// --mac and the config file's mac field.
func parseMAC(s string) (net.HardwareAddr, error) {
	if s == "" {
		return defaultMAC, nil
	}
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("invalid --mac %q: %v", s, err)}
	}
	return mac, nil
}

// resolveSignalMode validates the signal_mode value, rejecting anything
// other than tone or multitone as a fatal startup error rather than
// silently coercing it.
func resolveSignalMode(mode string) (string, error) {
	switch mode {
	case signalModeTone, signalModeMultitone:
		return mode, nil
	default:
		return "", &ConfigError{Msg: fmt.Sprintf("invalid --signal-mode %q: must be %q or %q", mode, signalModeTone, signalModeMultitone)}
	}
}
