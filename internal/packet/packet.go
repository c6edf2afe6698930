// Package packet implements the wire codec for ka9q-radio data packets.
//
// The wire format is plain RTP: a 12 byte fixed header carrying the 16-bit
// sequence number, the 32-bit sample-clock timestamp and the 32-bit SSRC,
// followed by one optional 4 byte word per CSRC entry before the payload.
// The layout is bit-exact; any datagram that cannot account for its declared
// header is rejected, never guessed at.
package packet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/openradio/gortprx/internal/circular"
)

const (
	// MAX_SEQUENCENUMBER is the highest 16-bit RTP sequence number.
	MAX_SEQUENCENUMBER uint32 = 0xFFFF

	// MAX_TIMESTAMP is the highest 32-bit RTP timestamp.
	MAX_TIMESTAMP uint32 = 0xFFFFFFFF

	headerSize = 12
)

// ErrTruncated is returned when a datagram is shorter than the fixed RTP
// header, or when the declared CSRC/extension words imply a payload offset
// beyond the end of the datagram.
var ErrTruncated = errors.New("truncated packet header")

// Header holds the ordering and timing metadata of one data packet.
type Header struct {
	SequenceNumber circular.Number // 16-bit transmission counter
	Timestamp      circular.Number // 32-bit sample clock, not wall time
	SSRC           uint32
	PayloadType    uint8
	Marker         bool
	PayloadOffset  int // byte offset of the sample data in the datagram
}

// Packet is one received data packet. It is owned by exactly one pipeline
// stage at a time; whoever holds it last calls Decommission to return it
// to the pool.
type Packet interface {
	Header() *Header
	Data() []byte
	Len() uint64
	Arrival() time.Time
	Clone() Packet
	Decommission()
}

var pool = sync.Pool{
	New: func() interface{} {
		return new(pkt)
	},
}

type pkt struct {
	header  Header
	arrival time.Time
	buffer  []byte
	scratch rtp.Header
}

// NewPacket parses the given datagram and returns a pooled Packet holding a
// copy of its payload. The arrival time is the wall-clock reception time of
// the datagram; it is carried for latency diagnostics only and plays no role
// in ordering.
func NewPacket(arrival time.Time, data []byte) (Packet, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}

	p := pool.Get().(*pkt)

	p.scratch = rtp.Header{}

	offset, err := p.scratch.Unmarshal(data)
	if err != nil {
		pool.Put(p)
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	if offset > len(data) {
		pool.Put(p)
		return nil, fmt.Errorf("%w: payload offset %d beyond %d bytes", ErrTruncated, offset, len(data))
	}

	p.header = Header{
		SequenceNumber: circular.New(uint32(p.scratch.SequenceNumber), MAX_SEQUENCENUMBER),
		Timestamp:      circular.New(p.scratch.Timestamp, MAX_TIMESTAMP),
		SSRC:           p.scratch.SSRC,
		PayloadType:    p.scratch.PayloadType,
		Marker:         p.scratch.Marker,
		PayloadOffset:  offset,
	}

	p.arrival = arrival

	// The read buffer is reused for the next datagram, the payload must
	// be copied out.
	p.buffer = append(p.buffer[:0], data[offset:]...)

	return p, nil
}

func (p *pkt) Header() *Header {
	return &p.header
}

func (p *pkt) Data() []byte {
	return p.buffer
}

func (p *pkt) Len() uint64 {
	return uint64(len(p.buffer))
}

func (p *pkt) Arrival() time.Time {
	return p.arrival
}

func (p *pkt) Clone() Packet {
	clone := pool.Get().(*pkt)

	clone.header = p.header
	clone.arrival = p.arrival
	clone.buffer = append(clone.buffer[:0], p.buffer...)

	return clone
}

func (p *pkt) Decommission() {
	pool.Put(p)
}
