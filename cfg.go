// Package memmgr implements the in-memory DNS zone data lifecycle manager
// described in SPEC_FULL.md: it coordinates shared-memory segment handoff
// between a single writer (the builder) and many out-of-process readers.
package memmgr

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/yodamaster/bundy/internal/logging"
)

// Config is the top-level manager configuration, grounded on the teacher's
// coordinator.Config: a YAML document with a DefaultConfig fallback merged
// by LoadConfig.
type Config struct {
	// MappedFileDir is the directory FileSegment-backed data sources use
	// for their backing files.
	MappedFileDir string `yaml:"mapped_file_dir"`
	// Bus configures the control bus connection.
	Bus BusConfig `yaml:"bus"`
	// Log configures the structured logger.
	Log logging.Config `yaml:"log"`
	// DataSources lists every (class, name) pair the manager should
	// track a SegmentInfo for.
	DataSources []DataSourceConfig `yaml:"data_sources"`
}

// BusConfig configures the control bus. Endpoint is unused by LocalBus and
// exists for a transport-backed Bus implementation to consume.
type BusConfig struct {
	Endpoint      string `yaml:"endpoint"`
	ChannelBuffer int    `yaml:"channel_buffer"`
}

// DataSourceConfig describes one tracked (class, name) data source and the
// size of the backing segment pair to allocate for it.
type DataSourceConfig struct {
	Class       string            `yaml:"class"`
	Name        string            `yaml:"name"`
	SegmentSize datasize.ByteSize `yaml:"segment_size"`
}

// LoadConfig reads and parses a YAML config file, merging it over
// DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration: a local bus, default
// logging, and no data sources (the operator must configure at least one).
func DefaultConfig() *Config {
	return &Config{
		MappedFileDir: "/var/lib/memmgr",
		Bus: BusConfig{
			Endpoint:      "[::1]:50055",
			ChannelBuffer: 16,
		},
		Log: logging.Config{Level: zapcore.InfoLevel},
	}
}

// Validate checks the configuration for obvious mistakes before the
// manager starts. It does not check MappedFileDir's existence; the manager
// creates it on demand.
func (c *Config) Validate() error {
	if len(c.DataSources) == 0 {
		return fmt.Errorf("no data sources configured")
	}

	seen := map[[2]string]struct{}{}
	for _, ds := range c.DataSources {
		if ds.Class == "" {
			return fmt.Errorf("data source %q: class must not be empty", ds.Name)
		}
		if ds.Name == "" {
			return fmt.Errorf("data source with class %q: name must not be empty", ds.Class)
		}
		key := [2]string{ds.Class, ds.Name}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate data source (class=%s, name=%s)", ds.Class, ds.Name)
		}
		seen[key] = struct{}{}
	}

	if c.Bus.ChannelBuffer < 0 {
		return fmt.Errorf("bus.channel_buffer must not be negative")
	}

	return nil
}
