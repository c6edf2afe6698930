package rtprx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReceiverStreamDefaults(t *testing.T) {
	config := ReceiverConfig{
		Defaults: Config{
			SampleRate:     48000,
			SampleBytes:    4,
			WindowCapacity: 32,
			StartupGrace:   2 * time.Second,
			LeapSeconds:    18,
		},
	}

	stream := config.applyDefaults(StreamConfig{SSRC: 1})
	require.Equal(t, uint32(48000), stream.SampleRate)
	require.Equal(t, uint(4), stream.SampleBytes)
	require.Equal(t, uint(32), stream.WindowCapacity)
	require.Equal(t, 2*time.Second, stream.StartupGrace)
	require.Equal(t, 18, stream.LeapSeconds)

	// Explicit values survive the merge.
	stream = config.applyDefaults(StreamConfig{
		Config: Config{
			SampleRate:  24000,
			LeapSeconds: 19,
		},
	})
	require.Equal(t, uint32(24000), stream.SampleRate)
	require.Equal(t, uint(4), stream.SampleBytes)
	require.Equal(t, 19, stream.LeapSeconds)

	// Zero means unset, so a zero leap offset comes from the receiver
	// defaults, never per stream.
	config.Defaults.LeapSeconds = 0
	stream = config.applyDefaults(StreamConfig{
		Config: Config{
			LeapSeconds: 0,
		},
	})
	require.Equal(t, 0, stream.LeapSeconds)
}
