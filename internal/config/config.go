package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the system service looks for its config file.
const DefaultPath = "/etc/storage-dispatcher/config.yaml"

// Duration wraps time.Duration with YAML unmarshalling for human-readable strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// HelperConfig holds privilege helper settings.
type HelperConfig struct {
	Path          string   `yaml:"path"`
	Timeout       Duration `yaml:"timeout"`
	MaxConcurrent int      `yaml:"max_concurrent"`
}

// ToolsConfig holds filesystem tool detection settings.
type ToolsConfig struct {
	Watch *bool `yaml:"watch"`
}

// Config is the top-level configuration file structure.
type Config struct {
	BusAddress      string       `yaml:"bus_address"`
	LogLevel        string       `yaml:"log_level"`
	LogFormat       string       `yaml:"log_format"`
	ActionNamespace string       `yaml:"action_namespace"`
	ProtectedPaths  []string     `yaml:"protected_paths"`
	KillGrace       Duration     `yaml:"kill_grace"`
	MetricsListen   string       `yaml:"metrics_listen"`
	Helper          HelperConfig `yaml:"helper"`
	Tools           ToolsConfig  `yaml:"tools"`
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}
