package packet

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func rawPacket(seq uint16, timestamp, ssrc uint32, csrcCount int, payload []byte) []byte {
	data := make([]byte, 12+4*csrcCount+len(payload))

	data[0] = 0x80 | byte(csrcCount) // version 2
	data[1] = 96

	binary.BigEndian.PutUint16(data[2:], seq)
	binary.BigEndian.PutUint32(data[4:], timestamp)
	binary.BigEndian.PutUint32(data[8:], ssrc)

	copy(data[12+4*csrcCount:], payload)

	return data
}

func TestParse(t *testing.T) {
	payload := make([]byte, 960)
	for i := range payload {
		payload[i] = byte(i)
	}

	arrival := time.Now()

	p, err := NewPacket(arrival, rawPacket(4711, 123456789, 0x00989680, 0, payload))
	require.NoError(t, err)

	require.Equal(t, uint32(4711), p.Header().SequenceNumber.Val())
	require.Equal(t, uint32(123456789), p.Header().Timestamp.Val())
	require.Equal(t, uint32(0x00989680), p.Header().SSRC)
	require.Equal(t, 12, p.Header().PayloadOffset)
	require.Equal(t, payload, p.Data())
	require.Equal(t, uint64(960), p.Len())
	require.Equal(t, arrival, p.Arrival())

	p.Decommission()
}

func TestParseCSRC(t *testing.T) {
	// Each CSRC word moves the payload 4 bytes further into the datagram.
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	p, err := NewPacket(time.Now(), rawPacket(1, 2, 3, 2, payload))
	require.NoError(t, err)

	require.Equal(t, 12+8, p.Header().PayloadOffset)
	require.Equal(t, payload, p.Data())

	p.Decommission()
}

func TestParseTruncated(t *testing.T) {
	_, err := NewPacket(time.Now(), []byte{0x80, 96, 0, 1})
	require.ErrorIs(t, err, ErrTruncated)

	_, err = NewPacket(time.Now(), nil)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestParseCSRCBeyondDatagram(t *testing.T) {
	// 3 declared CSRC words but no room for them.
	data := rawPacket(1, 2, 3, 0, nil)
	data[0] = 0x80 | 3

	_, err := NewPacket(time.Now(), data)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestParsePionRoundtrip(t *testing.T) {
	src := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: 65535,
			Timestamp:      0xFFFFFFF0,
			SSRC:           10000000,
		},
		Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}

	data, err := src.Marshal()
	require.NoError(t, err)

	p, err := NewPacket(time.Now(), data)
	require.NoError(t, err)

	require.Equal(t, uint32(65535), p.Header().SequenceNumber.Val())
	require.Equal(t, uint32(0xFFFFFFF0), p.Header().Timestamp.Val())
	require.Equal(t, src.Payload, p.Data())

	p.Decommission()
}

func TestClone(t *testing.T) {
	p, err := NewPacket(time.Now(), rawPacket(7, 8, 9, 0, []byte{1, 2, 3}))
	require.NoError(t, err)

	clone := p.Clone()
	p.Decommission()

	require.Equal(t, uint32(7), clone.Header().SequenceNumber.Val())
	require.Equal(t, []byte{1, 2, 3}, clone.Data())

	clone.Decommission()
}

func BenchmarkNewPacket(b *testing.B) {
	data := rawPacket(0, 0, 1, 0, make([]byte, 1280))
	arrival := time.Now()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		p, _ := NewPacket(arrival, data)

		p.Decommission()
	}
}
