package rtprx

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the per-stream parameters. Zero values are rejected by
// Validate; start from DefaultConfig and override what you need.
type Config struct {
	// Sample rate of the stream in Hz. This is the rate the 32-bit
	// timestamp advances at, e.g. 48000 for wideband audio channels.
	SampleRate uint32 `yaml:"sample_rate"`

	// Bytes per sample frame in the payload, e.g. 4 for 16-bit stereo
	// or complex int16 IQ. Used to turn payload lengths into sample counts.
	SampleBytes uint `yaml:"sample_bytes"`

	// Maximum lead, in sequence numbers, a packet may have over the next
	// expected one and still be buffered for reordering.
	WindowCapacity uint `yaml:"window_capacity"`

	// How long to wait for the initially expected sequence number before
	// rebaselining onto whatever has arrived.
	StartupGrace time.Duration `yaml:"startup_grace"`

	// Current GPS-UTC leap second offset. 18 since 2017; update when the
	// IERS announces the next one.
	LeapSeconds int `yaml:"leap_seconds"`
}

// DefaultConfig is the default configuration for a stream.
var DefaultConfig Config = Config{
	SampleBytes:    4,
	WindowCapacity: 32,
	StartupGrace:   2 * time.Second,
	LeapSeconds:    18,
}

// UnmarshalYAML merges the document over the existing values, so decoding
// into DefaultConfig overrides only what the document mentions. Durations
// are given as strings like "500ms".
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		SampleRate     *uint32 `yaml:"sample_rate"`
		SampleBytes    *uint   `yaml:"sample_bytes"`
		WindowCapacity *uint   `yaml:"window_capacity"`
		StartupGrace   *string `yaml:"startup_grace"`
		LeapSeconds    *int    `yaml:"leap_seconds"`
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.SampleRate != nil {
		c.SampleRate = *raw.SampleRate
	}

	if raw.SampleBytes != nil {
		c.SampleBytes = *raw.SampleBytes
	}

	if raw.WindowCapacity != nil {
		c.WindowCapacity = *raw.WindowCapacity
	}

	if raw.StartupGrace != nil {
		grace, err := time.ParseDuration(*raw.StartupGrace)
		if err != nil {
			return fmt.Errorf("startup_grace: %w", err)
		}

		c.StartupGrace = grace
	}

	if raw.LeapSeconds != nil {
		c.LeapSeconds = *raw.LeapSeconds
	}

	return nil
}

// Validate checks a configuration for impossible values.
func (c Config) Validate() error {
	if c.SampleRate == 0 {
		return fmt.Errorf("SampleRate must be greater than 0")
	}

	if c.SampleBytes == 0 {
		return fmt.Errorf("SampleBytes must be greater than 0")
	}

	if c.WindowCapacity < 2 || c.WindowCapacity > 4096 {
		return fmt.Errorf("WindowCapacity must be between 2 and 4096")
	}

	if c.StartupGrace < 0 {
		return fmt.Errorf("StartupGrace must not be negative")
	}

	if c.LeapSeconds < 0 {
		return fmt.Errorf("LeapSeconds must not be negative")
	}

	return nil
}
