package config

// Package config loads the optional .shardrun.yaml file that provides
// defaults for the run command. Command-line flags override it.

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perfgo/shardrun/supervisor"
)

// DefaultFile is looked up in the working directory when --config is unset.
const DefaultFile = ".shardrun.yaml"

// Config holds run defaults.
type Config struct {
	// Shard selection
	SingleTest                   string `yaml:"single_test"`
	TestList                     string `yaml:"test_list"`
	ChunkSize                    int    `yaml:"chunk_size"`
	PreserveStateAcrossMultiTest bool   `yaml:"preserve_state"`

	// Supervision
	ShardTimeout   Duration `yaml:"shard_timeout"`
	StartupTimeout Duration `yaml:"startup_timeout"`
	PollInterval   Duration `yaml:"poll_interval"`

	// Launch
	Binary      string   `yaml:"binary"`
	Package     string   `yaml:"package"`      // built with go test -c when Binary is empty
	FilterStyle string   `yaml:"filter_style"` // go, gtest or none
	StateDir    string   `yaml:"state_dir"`
	Output      string   `yaml:"output"`
	RemoteHost  string   `yaml:"remote_host"`
	Args        []string `yaml:"args,omitempty"`
}

// Duration is a time.Duration that unmarshals from strings like "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		ShardTimeout:   Duration(supervisor.DefaultShardTimeout),
		StartupTimeout: Duration(supervisor.DefaultStartupTimeout),
		PollInterval:   Duration(supervisor.DefaultPollInterval),
		FilterStyle:    "go",
	}
}

// Load reads path on top of the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Relative paths in the file are relative to the file itself.
	dir := filepath.Dir(path)
	cfg.TestList = resolve(dir, cfg.TestList)
	cfg.Binary = resolve(dir, cfg.Binary)
	cfg.StateDir = resolve(dir, cfg.StateDir)
	cfg.Output = resolve(dir, cfg.Output)

	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
