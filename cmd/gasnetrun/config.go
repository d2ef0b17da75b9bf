package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig is the on-disk ~/.gasnetrun/config.toml: the launcher-level
// defaults a `gasnetrun run` invocation falls back to when a flag isn't
// given explicitly, the same config.toml-overridable-by-flags shape
// dsmmcken-dh-cli's own launcher config uses. `run` falls back to nodes,
// segment_size and metrics_addr; log_level, trace_file and stats_file are
// stored here but `run` does not read them.
type fileConfig struct {
	Nodes       int    `toml:"nodes,omitempty"`
	SegmentSize string `toml:"segment_size,omitempty"`
	MetricsAddr string `toml:"metrics_addr,omitempty"`
	LogLevel    string `toml:"log_level,omitempty"`
	TraceFile   string `toml:"trace_file,omitempty"`
	StatsFile   string `toml:"stats_file,omitempty"`
}

var configDirOverride string

func setConfigDir(dir string) { configDirOverride = dir }

func gasnetrunHome() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	if v := os.Getenv("GASNETRUN_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".gasnetrun")
	}
	return filepath.Join(home, ".gasnetrun")
}

func configPath() string {
	return filepath.Join(gasnetrunHome(), "config.toml")
}

func loadConfig() (*fileConfig, error) {
	cfg := &fileConfig{}
	data, err := os.ReadFile(configPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}
	return cfg, nil
}

func saveConfig(cfg *fileConfig) error {
	if err := os.MkdirAll(gasnetrunHome(), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config.toml: %w", err)
	}
	return os.WriteFile(configPath(), data, 0o644)
}
