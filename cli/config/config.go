// Package config loads ferry.yaml, the optional defaults file for ferry
// export, list and inspect.
package config

import (
	"fmt"
	"time"
)

// Config represents a ferry.yaml configuration file.
// All values are optional and act as defaults for ferry export flags.
// CLI flags always override config values.
type Config struct {
	SegmentSize   int64          `yaml:"segment_size"`
	Backlog       BacklogConfig  `yaml:"backlog"`
	Dispatch      DispatchConfig `yaml:"dispatch"`
	BlobRetention Duration       `yaml:"blob_retention"`
	Storage       StorageConfig  `yaml:"storage"`
	Adapter       AdapterConfig  `yaml:"adapter"`
}

// BacklogConfig holds backpressure defaults from the config file.
type BacklogConfig struct {
	Bound        int32   `yaml:"bound"`
	WakeFraction float64 `yaml:"wake_fraction"`
}

// DispatchConfig holds dispatch spacing defaults from the config file.
type DispatchConfig struct {
	MinDelay Duration `yaml:"min_delay"`
	MaxDelay Duration `yaml:"max_delay"`
}

// StorageConfig holds download target defaults from the config file.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// AdapterConfig holds notification adapter defaults from the config file.
type AdapterConfig struct {
	Type            string            `yaml:"type"`
	URL             string            `yaml:"url"`
	Channel         string            `yaml:"channel,omitempty"`
	SessionChannels bool              `yaml:"session_channels,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty"`
	Timeout         Duration          `yaml:"timeout,omitempty"`
	Retries         *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
