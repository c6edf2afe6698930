package rtprx

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openradio/gortprx/internal/packet"
)

// dgram builds a raw datagram with a payload of the given sample count,
// 4 bytes per sample.
func dgram(seq uint16, timestamp, ssrc uint32, samples int) []byte {
	data := make([]byte, 12+samples*4)
	data[0] = 0x80
	data[1] = 96
	binary.BigEndian.PutUint16(data[2:], seq)
	binary.BigEndian.PutUint32(data[4:], timestamp)
	binary.BigEndian.PutUint32(data[8:], ssrc)

	return data
}

func streamConfig() Config {
	config := DefaultConfig
	config.SampleRate = 48000

	return config
}

func mockStream(t *testing.T, config Config) (*Stream, *[]Unit, *[]GapEvent) {
	units := &[]Unit{}
	gaps := &[]GapEvent{}

	s, err := NewStream(StreamConfig{
		Config: config,
		SSRC:   4711,
		OnUnit: func(u Unit) {
			*units = append(*units, u)
		},
		OnGap: func(e GapEvent) {
			*gaps = append(*gaps, e)
		},
	})
	require.NoError(t, err)

	return s, units, gaps
}

func TestStreamInOrder(t *testing.T) {
	s, units, _ := mockStream(t, streamConfig())

	for i := 0; i < 5; i++ {
		err := s.Push(dgram(uint16(i), 1000+uint32(i)*240, 4711, 240), time.Now())
		require.NoError(t, err)
	}

	require.Len(t, *units, 5)

	for i, u := range *units {
		require.Equal(t, uint16(i), u.SequenceNumber)
		require.Equal(t, int64(240), u.SampleCount)
		require.Len(t, u.Payload, 960)
		require.False(t, u.Recovered)

		if i == 0 {
			require.NotNil(t, u.Gap)
			require.Equal(t, GapUnknown, u.Gap.Source)
		} else {
			require.Nil(t, u.Gap)
		}
	}

	stats := s.Stats()
	require.Equal(t, uint64(5), stats.PktReceived)
	require.Equal(t, uint64(5), stats.PktDelivered)
	require.Equal(t, int64(0), stats.SamplesLost)
	require.Equal(t, uint64(5), stats.WallclockIndeterminate)
}

func TestStreamReorder(t *testing.T) {
	s, units, _ := mockStream(t, streamConfig())

	for _, seq := range []uint16{0, 2, 1} {
		err := s.Push(dgram(seq, 1000+uint32(seq)*240, 4711, 240), time.Now())
		require.NoError(t, err)
	}

	require.Len(t, *units, 3)
	require.Equal(t, uint16(0), (*units)[0].SequenceNumber)
	require.Equal(t, uint16(1), (*units)[1].SequenceNumber)
	require.Equal(t, uint16(2), (*units)[2].SequenceNumber)
	require.True(t, (*units)[2].Recovered)

	stats := s.Stats()
	require.Equal(t, uint64(1), stats.PktRecovered)
	require.Equal(t, int64(0), stats.SamplesLost)
}

func TestStreamLossClassified(t *testing.T) {
	config := streamConfig()
	config.WindowCapacity = 2

	s, units, gaps := mockStream(t, config)

	// Packet 1 carrying 240 samples is lost; 2 forces the window past it.
	require.NoError(t, s.Push(dgram(0, 1000, 4711, 240), time.Now()))
	require.NoError(t, s.Push(dgram(2, 1480, 4711, 240), time.Now()))

	require.Len(t, *units, 2)

	u := (*units)[1]
	require.NotNil(t, u.Gap)
	require.Equal(t, GapNetworkLoss, u.Gap.Source)
	require.Equal(t, uint16(1), u.Gap.FirstMissingSequence)
	require.Equal(t, int64(240), u.Gap.SampleCountLost)

	require.Len(t, *gaps, 2) // startup unknown + the loss
	require.Equal(t, GapNetworkLoss, (*gaps)[1].Source)

	stats := s.Stats()
	require.Equal(t, uint64(1), stats.PktLoss)
	require.Equal(t, int64(240), stats.SamplesLost)
	require.Equal(t, uint64(1), stats.GapsNetworkLoss)
}

func TestStreamCloseFlushes(t *testing.T) {
	s, units, gaps := mockStream(t, streamConfig())

	// 1 never arrives, 2 is still pending at teardown. The hole is network
	// loss sized by 2's timestamp, 2 itself a local drop.
	require.NoError(t, s.Push(dgram(0, 1000, 4711, 240), time.Now()))
	require.NoError(t, s.Push(dgram(2, 1480, 4711, 240), time.Now()))

	require.Len(t, *units, 1)

	s.Close()

	require.Len(t, *units, 1)
	require.Len(t, *gaps, 3)
	require.Equal(t, GapNetworkLoss, (*gaps)[1].Source)
	require.Equal(t, int64(240), (*gaps)[1].SampleCountLost)
	require.Equal(t, GapOverflow, (*gaps)[2].Source)
	require.Equal(t, int64(240), (*gaps)[2].SampleCountLost)

	stats := s.Stats()
	require.Equal(t, uint64(1), stats.PktLoss)
	require.Equal(t, uint64(1), stats.PktDropped)
	require.Equal(t, int64(480), stats.SamplesLost)

	err := s.Push(dgram(3, 1720, 4711, 240), time.Now())
	require.ErrorIs(t, err, ErrStreamClosed)
}

func TestStreamWallclock(t *testing.T) {
	s, units, _ := mockStream(t, streamConfig())

	s.SetTimeReference(TimeReference{
		DeviceTimestamp: 1000,
		GPSTimeNs:       1388102418000000000, // 2024-01-01 00:00:00 UTC
	})

	require.NoError(t, s.Push(dgram(0, 1000, 4711, 240), time.Now()))
	require.NoError(t, s.Push(dgram(1, 1000+48000, 4711, 240), time.Now()))

	require.Len(t, *units, 2)
	require.True(t, (*units)[0].WallclockValid)
	require.Equal(t, 1704067200.0, (*units)[0].Wallclock)
	require.Equal(t, 1704067201.0, (*units)[1].Wallclock)

	require.Equal(t, uint64(0), s.Stats().WallclockIndeterminate)
}

func TestStreamForeignSSRC(t *testing.T) {
	s, units, _ := mockStream(t, streamConfig())

	err := s.Push(dgram(0, 1000, 999, 240), time.Now())
	require.ErrorIs(t, err, ErrForeignSSRC)
	require.Empty(t, *units)
}

func TestStreamParseError(t *testing.T) {
	s, _, _ := mockStream(t, streamConfig())

	err := s.Push([]byte{0x80, 96, 0, 1}, time.Now())
	require.ErrorIs(t, err, packet.ErrTruncated)
	require.Equal(t, uint64(1), s.Stats().PktParseError)
}

func TestStreamPushFromCallback(t *testing.T) {
	// More data arriving while an earlier batch is still being handed out
	// must not overtake it: the consumer sees strictly ascending sequence
	// numbers no matter which call triggered the delivery.
	var s *Stream
	var err error

	delivered := []uint16{}

	s, err = NewStream(StreamConfig{
		Config: streamConfig(),
		SSRC:   4711,
		OnUnit: func(u Unit) {
			delivered = append(delivered, u.SequenceNumber)

			if u.SequenceNumber == 1 {
				require.NoError(t, s.Push(dgram(3, 1000+3*240, 4711, 240), time.Now()))
			}
		},
	})
	require.NoError(t, err)

	// 2 is buffered; 1 releases the batch [1, 2], and the callback for 1
	// pushes 3 in the middle of it.
	require.NoError(t, s.Push(dgram(0, 1000, 4711, 240), time.Now()))
	require.NoError(t, s.Push(dgram(2, 1480, 4711, 240), time.Now()))
	require.NoError(t, s.Push(dgram(1, 1240, 4711, 240), time.Now()))

	require.Exactly(t, []uint16{0, 1, 2, 3}, delivered)
}

func TestStreamResetStats(t *testing.T) {
	s, _, _ := mockStream(t, streamConfig())

	require.NoError(t, s.Push(dgram(0, 1000, 4711, 240), time.Now()))
	require.Equal(t, uint64(1), s.Stats().PktReceived)

	s.ResetStats()

	stats := s.Stats()
	require.Equal(t, uint64(0), stats.PktReceived)
	require.Equal(t, uint64(0), stats.GapsUnknown)

	// The baseline survives the reset.
	require.NoError(t, s.Push(dgram(1, 1240, 4711, 240), time.Now()))
	require.Equal(t, uint64(1), s.Stats().PktDelivered)
}
