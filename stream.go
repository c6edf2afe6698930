package rtprx

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openradio/gortprx/internal/packet"
	"github.com/openradio/gortprx/internal/resequence"
)

// ErrStreamClosed is returned by Push after Close.
var ErrStreamClosed = errors.New("stream is closed")

// ErrForeignSSRC is returned by Push for a datagram that carries a different
// SSRC than the stream is bound to.
var ErrForeignSSRC = errors.New("packet belongs to another stream")

// Unit is one resequenced payload handed downstream. The payload is a copy
// owned by whoever receives the unit.
type Unit struct {
	SSRC           uint32
	SequenceNumber uint16
	Timestamp      uint32
	PayloadType    uint8
	Marker         bool
	Payload        []byte
	SampleCount    int64
	Arrival        time.Time

	// Wallclock is the UTC capture time of the unit's first sample, as Unix
	// seconds with fractional part. Only meaningful if WallclockValid; a
	// missing or stale time reference leaves it false rather than guessing.
	Wallclock      float64
	WallclockValid bool

	// Recovered is true if the packet arrived out of order and was
	// reordered before delivery.
	Recovered bool

	// Gap is the discontinuity immediately preceding this unit, if any.
	Gap *GapEvent
}

// StreamConfig is the configuration for a single stream.
type StreamConfig struct {
	Config

	// SSRC this stream is bound to.
	SSRC uint32

	// OnUnit is called for every unit, strictly in sequence order.
	OnUnit func(u Unit)

	// OnGap is called for every classified discontinuity.
	OnGap func(e GapEvent)
}

// Stream reassembles the transmission order of one SSRC, classifies its
// gaps and stamps each unit with an absolute capture time. Push, Tick and
// Close may be called from any goroutine; callbacks are invoked outside the
// stream's critical section and must not be relied on for back-pressure.
type Stream struct {
	config StreamConfig

	lock       sync.Mutex
	window     *resequence.Window
	classifier *gapClassifier
	stats      Statistics
	closed     bool

	timeref atomic.Pointer[TimeReference]

	unitQueue   []Unit
	gapQueue    []GapEvent
	dispatching bool

	onUnit func(u Unit)
	onGap  func(e GapEvent)
}

// NewStream takes a StreamConfig and returns a running Stream. The first
// packet that arrives becomes the sequence baseline.
func NewStream(config StreamConfig) (*Stream, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Stream{
		config: config,

		onUnit: config.OnUnit,
		onGap:  config.OnGap,
	}

	if s.onUnit == nil {
		s.onUnit = func(u Unit) {}
	}

	if s.onGap == nil {
		s.onGap = func(e GapEvent) {}
	}

	s.classifier = newGapClassifier(config.SSRC, config.Config, s.enqueueGap, &s.stats)

	s.window = resequence.New(resequence.Config{
		WindowCapacity:        config.WindowCapacity,
		StartupGrace:          config.StartupGrace,
		InitialSequenceNumber: -1,
		OnDeliver:             s.handleDeliver,
		OnLoss:                s.classifier.lost,
	})

	Logger.WithField("ssrc", config.SSRC).Debugf("stream created (rate=%d window=%d)", config.SampleRate, config.WindowCapacity)

	return s, nil
}

// Push accepts one datagram in arrival order.
func (s *Stream) Push(data []byte, arrival time.Time) error {
	p, err := packet.NewPacket(arrival, data)
	if err != nil {
		s.lock.Lock()
		s.stats.PktParseError++
		s.lock.Unlock()

		return err
	}

	if p.Header().SSRC != s.config.SSRC {
		p.Decommission()
		return ErrForeignSSRC
	}

	s.lock.Lock()

	if s.closed {
		s.lock.Unlock()
		p.Decommission()

		return ErrStreamClosed
	}

	s.window.Push(p)
	s.lock.Unlock()

	s.dispatch()

	return nil
}

// Tick drives time-based housekeeping, currently the startup grace period.
// Call it periodically, e.g. every 100ms.
func (s *Stream) Tick(now time.Time) {
	s.lock.Lock()

	if s.closed {
		s.lock.Unlock()
		return
	}

	s.window.Tick(now)
	s.lock.Unlock()

	s.dispatch()
}

// Close flushes the reorder window. Pending packets are reported as local
// drops, unreceived holes as network loss. Push returns ErrStreamClosed
// afterwards.
func (s *Stream) Close() {
	s.lock.Lock()

	if s.closed {
		s.lock.Unlock()
		return
	}

	s.closed = true

	s.window.Flush()
	s.classifier.finish(time.Now())
	s.lock.Unlock()

	s.dispatch()

	Logger.WithField("ssrc", s.config.SSRC).Debug("stream closed")
}

// SetTimeReference installs a new sample-clock to GPS-time anchor, usually
// from the source's status channel. A zero UpdatedAt is filled in with the
// current time.
func (s *Stream) SetTimeReference(ref TimeReference) {
	if ref.UpdatedAt.IsZero() {
		ref.UpdatedAt = time.Now()
	}

	s.timeref.Store(&ref)
}

// TimeReference returns the current anchor, if one has been set.
func (s *Stream) TimeReference() (TimeReference, bool) {
	ref := s.timeref.Load()
	if ref == nil {
		return TimeReference{}, false
	}

	return *ref, true
}

// Wallclock converts a sample-clock timestamp observed at the given local
// time to UTC Unix seconds.
func (s *Stream) Wallclock(deviceTimestamp uint32, at time.Time) (float64, error) {
	ref := s.timeref.Load()
	if ref == nil {
		return 0, ErrNoTimeReference
	}

	if ref.StaleAt(at, s.config.SampleRate) {
		return 0, ErrStaleTimeReference
	}

	return ref.Wallclock(deviceTimestamp, s.config.SampleRate, s.config.LeapSeconds), nil
}

// Stats returns a copy of the stream's counters.
func (s *Stream) Stats() Statistics {
	s.lock.Lock()
	defer s.lock.Unlock()

	stats := s.stats
	ws := s.window.Stats()

	stats.PktReceived = ws.Pkt
	stats.PktDelivered = ws.PktDelivered
	stats.PktRecovered = ws.PktRecovered
	stats.PktBelated = ws.PktBelated
	stats.PktDuplicate = ws.PktDuplicate
	stats.PktLoss = ws.PktLoss
	stats.PktDropped = ws.PktDropped

	return stats
}

// ResetStats zeroes all counters. Ongoing state (baseline, pending packets,
// time reference) is untouched.
func (s *Stream) ResetStats() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.stats = Statistics{}
	s.window.ResetStats()
}

// handleDeliver runs under the stream lock, called by the reorder window
// for every packet in sequence order.
func (s *Stream) handleDeliver(p packet.Packet, recovered bool) {
	ev := s.classifier.delivered(p)

	u := Unit{
		SSRC:           p.Header().SSRC,
		SequenceNumber: uint16(p.Header().SequenceNumber.Val()),
		Timestamp:      p.Header().Timestamp.Val(),
		PayloadType:    p.Header().PayloadType,
		Marker:         p.Header().Marker,
		Payload:        append([]byte(nil), p.Data()...),
		SampleCount:    int64(p.Len() / uint64(s.config.SampleBytes)),
		Arrival:        p.Arrival(),
		Recovered:      recovered,
		Gap:            ev,
	}

	if ref := s.timeref.Load(); ref != nil && !ref.StaleAt(p.Arrival(), s.config.SampleRate) {
		u.Wallclock = ref.Wallclock(u.Timestamp, s.config.SampleRate, s.config.LeapSeconds)
		u.WallclockValid = true
	} else {
		s.stats.WallclockIndeterminate++
	}

	p.Decommission()

	s.unitQueue = append(s.unitQueue, u)
}

func (s *Stream) enqueueGap(e GapEvent) {
	s.gapQueue = append(s.gapQueue, e)
}

// dispatch hands queued units and gap events to the callbacks outside the
// critical section, so a callback may call back into the stream. Exactly
// one goroutine drains at a time and it keeps going until the queues are
// empty; concurrent Push, Tick and Close only enqueue. Otherwise a later
// batch could reach the consumer before an earlier one and break the
// ordering OnUnit promises.
func (s *Stream) dispatch() {
	s.lock.Lock()

	if s.dispatching {
		// whoever is draining picks up what we just enqueued
		s.lock.Unlock()
		return
	}

	s.dispatching = true

	for len(s.unitQueue) != 0 || len(s.gapQueue) != 0 {
		units := s.unitQueue
		gaps := s.gapQueue
		s.unitQueue = nil
		s.gapQueue = nil

		s.lock.Unlock()

		for _, e := range gaps {
			s.onGap(e)
		}

		for _, u := range units {
			s.onUnit(u)
		}

		s.lock.Lock()
	}

	s.dispatching = false
	s.lock.Unlock()
}
