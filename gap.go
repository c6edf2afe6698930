package rtprx

import (
	"time"

	"github.com/openradio/gortprx/internal/circular"
	"github.com/openradio/gortprx/internal/packet"
	"github.com/openradio/gortprx/internal/resequence"
)

// GapSource classifies the cause of a discontinuity in the sample stream.
type GapSource int

const (
	// GapUnknown means there was not enough data to classify, e.g. the
	// first packet of a session.
	GapUnknown GapSource = iota

	// GapNetworkLoss is a sequence discontinuity whose timestamp delta
	// matches the missing packets: the transport dropped them.
	GapNetworkLoss

	// GapSourceDiscontinuity is a jump of the sample clock between
	// contiguously delivered packets: the source itself skipped samples,
	// e.g. on a retune.
	GapSourceDiscontinuity

	// GapOverflow is a packet that was received but given up on locally,
	// by reorder window eviction or stream teardown. Loss, but not the
	// network's fault.
	GapOverflow
)

func (s GapSource) String() string {
	switch s {
	case GapUnknown:
		return "unknown"
	case GapNetworkLoss:
		return "network_loss"
	case GapSourceDiscontinuity:
		return "source_discontinuity"
	case GapOverflow:
		return "overflow"
	}

	return "invalid"
}

// GapEvent is an immutable record of one classified discontinuity.
type GapEvent struct {
	SSRC                 uint32
	FirstMissingSequence uint16
	SampleCountLost      int64 // negative if the sample clock jumped backwards
	Source               GapSource
	DetectedAt           time.Time
}

type pendingLoss struct {
	firstMissing uint16
	source       GapSource
}

// gapClassifier turns the reorder window's delivery and loss reports into
// GapEvents and quality counters. Missing sample counts are attributed from
// timestamp deltas, not from sequence counts, since payload sizes vary.
type gapClassifier struct {
	ssrc        uint32
	sampleBytes uint64
	sampleRate  uint32

	baselined       bool
	lastTimestamp   circular.Number
	lastSampleCount int64
	lastArrival     time.Time

	pending *pendingLoss

	emit  func(e GapEvent)
	stats *Statistics
}

func newGapClassifier(ssrc uint32, config Config, emit func(e GapEvent), stats *Statistics) *gapClassifier {
	return &gapClassifier{
		ssrc:        ssrc,
		sampleBytes: uint64(config.SampleBytes),
		sampleRate:  config.SampleRate,
		emit:        emit,
		stats:       stats,
	}
}

// expectedTimestamp is where the sample clock should be if the stream had
// no gap after the last delivered packet.
func (c *gapClassifier) expectedTimestamp() circular.Number {
	return c.lastTimestamp.Add(uint32(c.lastSampleCount))
}

func (c *gapClassifier) samples(p packet.Packet) int64 {
	return int64(p.Len() / c.sampleBytes)
}

// delivered classifies one in-order packet. It returns the gap event the
// packet is tagged with, or nil if the stream was contiguous.
func (c *gapClassifier) delivered(p packet.Packet) *GapEvent {
	ts := p.Header().Timestamp

	if c.baselined && c.sampleRate != 0 {
		// The baseline cannot be trusted across a full wrap of the 32-bit
		// sample clock.
		if p.Arrival().Sub(c.lastArrival) > wrapPeriod(c.sampleRate) {
			c.baselined = false
			c.pending = nil
		}
	}

	if !c.baselined {
		c.baselined = true
		c.lastTimestamp = ts
		c.lastSampleCount = c.samples(p)
		c.lastArrival = p.Arrival()
		c.pending = nil

		return c.event(GapEvent{
			SSRC:                 c.ssrc,
			FirstMissingSequence: uint16(p.Header().SequenceNumber.Val()),
			Source:               GapUnknown,
			DetectedAt:           p.Arrival(),
		})
	}

	delta := ts.Diff(c.expectedTimestamp())

	var ev *GapEvent

	if c.pending != nil {
		// The window already reported the missing range; the first packet
		// after it tells us exactly how many samples are gone.
		ev = c.event(GapEvent{
			SSRC:                 c.ssrc,
			FirstMissingSequence: c.pending.firstMissing,
			SampleCountLost:      delta,
			Source:               c.pending.source,
			DetectedAt:           p.Arrival(),
		})

		c.stats.SamplesLost += delta
		c.pending = nil
	} else if delta != 0 {
		// The transport was contiguous but the sample clock jumped.
		ev = c.event(GapEvent{
			SSRC:                 c.ssrc,
			FirstMissingSequence: uint16(p.Header().SequenceNumber.Val()),
			SampleCountLost:      delta,
			Source:               GapSourceDiscontinuity,
			DetectedAt:           p.Arrival(),
		})

		c.stats.SamplesLost += delta
	}

	c.lastTimestamp = ts
	c.lastSampleCount = c.samples(p)
	c.lastArrival = p.Arrival()

	return ev
}

// lost handles a loss report from the reorder window. Dropped packets were
// received but discarded locally; their headers still carry usable
// timestamps, and their payload sizes give exact sample counts.
func (c *gapClassifier) lost(from, to circular.Number, dropped []packet.Packet, reason resequence.Reason) {
	source := GapNetworkLoss
	if reason != resequence.LossNetwork {
		source = GapOverflow
	}

	if len(dropped) == 0 {
		if c.pending == nil {
			c.pending = &pendingLoss{
				firstMissing: uint16(from.Val()),
				source:       source,
			}
		}

		return
	}

	for _, q := range dropped {
		if c.pending != nil && c.baselined {
			delta := q.Header().Timestamp.Diff(c.expectedTimestamp())

			c.event(GapEvent{
				SSRC:                 c.ssrc,
				FirstMissingSequence: c.pending.firstMissing,
				SampleCountLost:      delta,
				Source:               c.pending.source,
				DetectedAt:           q.Arrival(),
			})

			c.stats.SamplesLost += delta
			c.pending = nil
		}

		samples := c.samples(q)

		c.event(GapEvent{
			SSRC:                 c.ssrc,
			FirstMissingSequence: uint16(q.Header().SequenceNumber.Val()),
			SampleCountLost:      samples,
			Source:               source,
			DetectedAt:           q.Arrival(),
		})

		c.stats.SamplesLost += samples

		c.baselined = true
		c.lastTimestamp = q.Header().Timestamp
		c.lastSampleCount = samples
		c.lastArrival = q.Arrival()

		q.Decommission()
	}
}

// finish emits any unresolved loss report. Called at stream teardown; with
// no later packet to take a timestamp delta from, the sample count stays 0.
func (c *gapClassifier) finish(now time.Time) {
	if c.pending == nil {
		return
	}

	c.event(GapEvent{
		SSRC:                 c.ssrc,
		FirstMissingSequence: c.pending.firstMissing,
		Source:               c.pending.source,
		DetectedAt:           now,
	})

	c.pending = nil
}

func (c *gapClassifier) event(e GapEvent) *GapEvent {
	switch e.Source {
	case GapUnknown:
		c.stats.GapsUnknown++
	case GapNetworkLoss:
		c.stats.GapsNetworkLoss++
	case GapSourceDiscontinuity:
		c.stats.GapsSourceDiscontinuity++
	case GapOverflow:
		c.stats.GapsOverflow++
	}

	c.emit(e)

	return &e
}
