package rtprx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	// The sample rate is per-channel, there is no sensible default for it.
	config := DefaultConfig
	config.SampleRate = 48000

	require.NoError(t, config.Validate())
}

func TestValidateConfig(t *testing.T) {
	base := DefaultConfig
	base.SampleRate = 48000

	config := base
	config.SampleRate = 0
	require.Error(t, config.Validate())

	config = base
	config.SampleBytes = 0
	require.Error(t, config.Validate())

	config = base
	config.WindowCapacity = 1
	require.Error(t, config.Validate())

	config = base
	config.WindowCapacity = 5000
	require.Error(t, config.Validate())

	config = base
	config.StartupGrace = -time.Second
	require.Error(t, config.Validate())

	config = base
	config.LeapSeconds = -1
	require.Error(t, config.Validate())
}

func TestConfigYAML(t *testing.T) {
	data := []byte(`
sample_rate: 24000
sample_bytes: 8
window_capacity: 64
startup_grace: 500ms
leap_seconds: 18
`)

	config := DefaultConfig

	require.NoError(t, yaml.Unmarshal(data, &config))
	require.NoError(t, config.Validate())

	require.Equal(t, uint32(24000), config.SampleRate)
	require.Equal(t, uint(8), config.SampleBytes)
	require.Equal(t, uint(64), config.WindowCapacity)
	require.Equal(t, 500*time.Millisecond, config.StartupGrace)
	require.Equal(t, 18, config.LeapSeconds)
}
