// Package resequence reconstructs the transmission order of a packet stream
// from its arbitrary arrival order. Packets are held in a bounded reorder
// window keyed by sequence number; everything the window gives up on is
// reported as an explicit loss range, never silently dropped.
package resequence

import (
	"time"

	"github.com/openradio/gortprx/internal/circular"
	"github.com/openradio/gortprx/internal/packet"
)

// Reason describes why a sequence range was given up on.
type Reason int

const (
	// LossNetwork means the range was never received.
	LossNetwork Reason = iota

	// LossOverflow means a received packet was evicted because the window
	// was full before its slot came up.
	LossOverflow

	// LossShutdown means a received packet was still pending when the
	// stream was torn down.
	LossShutdown
)

// Config is the configuration for a reorder window.
type Config struct {
	// WindowCapacity is the maximum lead, in sequence numbers, a packet may
	// have over the next expected one and still be buffered.
	WindowCapacity uint

	// StartupGrace is how long the window waits for the initially expected
	// sequence number before rebaselining onto whatever has arrived.
	StartupGrace time.Duration

	// InitialSequenceNumber is the first expected sequence number, or -1 to
	// baseline on the first packet that arrives.
	InitialSequenceNumber int

	// OnDeliver is called for every packet, strictly in ascending sequence
	// order. recovered is true if the packet arrived out of order and was
	// buffered first. The callee takes ownership of the packet.
	OnDeliver func(p packet.Packet, recovered bool)

	// OnLoss is called for every sequence range [from, to] the window gives
	// up on. dropped holds any packets from the range that were actually
	// received but discarded (overflow, shutdown); the callee takes
	// ownership of them.
	OnLoss func(from, to circular.Number, dropped []packet.Packet, reason Reason)
}

// Stats are the running counters of a reorder window.
type Stats struct {
	Pkt          uint64 // packets pushed in total
	PktDelivered uint64
	PktRecovered uint64 // delivered, but arrived out of order
	PktBelated   uint64 // arrived after their slot was already resolved
	PktDuplicate uint64
	PktLoss      uint64 // sequence numbers never received
	PktDropped   uint64 // received but discarded (overflow, shutdown)
}

// Window is a bounded resequencing buffer for one stream. It is not safe
// for concurrent use; a single goroutine owns it for the stream's lifetime.
type Window struct {
	capacity uint
	grace    time.Duration

	expected  circular.Number
	baselined bool
	delivered bool
	started   time.Time

	pending map[uint32]packet.Packet

	stats Stats

	deliver func(p packet.Packet, recovered bool)
	loss    func(from, to circular.Number, dropped []packet.Packet, reason Reason)
}

// New takes a Config and returns a new Window.
func New(config Config) *Window {
	w := &Window{
		capacity: config.WindowCapacity,
		grace:    config.StartupGrace,
		started:  time.Now(),
		pending:  make(map[uint32]packet.Packet),

		deliver: config.OnDeliver,
		loss:    config.OnLoss,
	}

	if w.deliver == nil {
		w.deliver = func(p packet.Packet, recovered bool) {}
	}

	if w.loss == nil {
		w.loss = func(from, to circular.Number, dropped []packet.Packet, reason Reason) {}
	}

	if config.InitialSequenceNumber >= 0 {
		w.expected = circular.New(uint32(config.InitialSequenceNumber), packet.MAX_SEQUENCENUMBER)
		w.baselined = true
	}

	return w
}

// Push accepts one packet in arrival order. The window takes ownership of it.
func (w *Window) Push(p packet.Packet) {
	w.stats.Pkt++

	s := p.Header().SequenceNumber

	if !w.baselined {
		w.expected = s
		w.baselined = true
	}

	d := s.Diff(w.expected)

	switch {
	case d == 0:
		w.emit(p, false)
		w.drain()
	case d < 0:
		// Its slot was already delivered or declared lost. Never re-emit.
		w.stats.PktBelated++
		w.stats.PktDuplicate++
		p.Decommission()
	case d < int64(w.capacity):
		if _, ok := w.pending[s.Val()]; ok {
			w.stats.PktDuplicate++
			p.Decommission()
			return
		}

		w.pending[s.Val()] = p

		if uint(len(w.pending)) >= w.capacity {
			w.evictOldest()
		}
	default:
		// Too far ahead to ever recover the skipped range. Advance the
		// baseline to the new packet, delivering whatever of the range is
		// pending and declaring the holes lost.
		w.advance(s, LossNetwork)
		w.emit(p, false)
		w.drain()
	}
}

// Tick drives the startup grace period. If nothing has been delivered by
// grace expiry, the lowest pending packet becomes the new baseline; no loss
// is charged for sequence numbers that may never have existed.
func (w *Window) Tick(now time.Time) {
	if w.delivered || len(w.pending) == 0 {
		return
	}

	if now.Sub(w.started) < w.grace {
		return
	}

	if m, ok := w.lowestPending(); ok {
		w.expected = m
		w.drain()
	}
}

// Flush gives up on all pending packets, reporting unreceived holes as
// network loss and the pending packets themselves as shutdown drops. Used
// when the stream is torn down so the quality stats stay accurate.
func (w *Window) Flush() {
	for len(w.pending) > 0 {
		m, _ := w.lowestPending()

		if m.Gt(w.expected) {
			w.reportLoss(w.expected, m.Dec(), nil, LossNetwork)
		}

		q := w.pending[m.Val()]
		delete(w.pending, m.Val())

		w.reportLoss(m, m, []packet.Packet{q}, LossShutdown)

		w.expected = m.Inc()
	}
}

// Stats returns a copy of the window's counters.
func (w *Window) Stats() Stats {
	return w.stats
}

// ResetStats zeroes the counters without touching the window state.
func (w *Window) ResetStats() {
	w.stats = Stats{}
}

func (w *Window) emit(p packet.Packet, recovered bool) {
	w.stats.PktDelivered++
	if recovered {
		w.stats.PktRecovered++
	}

	w.expected = p.Header().SequenceNumber.Inc()
	w.delivered = true

	w.deliver(p, recovered)
}

// drain emits pending packets that have become contiguous with expected.
func (w *Window) drain() {
	for {
		q, ok := w.pending[w.expected.Val()]
		if !ok {
			return
		}

		delete(w.pending, w.expected.Val())
		w.emit(q, true)
	}
}

// advance moves the baseline forward to `to`, emitting any pending packets
// below it in order and reporting the holes between them.
func (w *Window) advance(to circular.Number, reason Reason) {
	for {
		m, ok := w.lowestPendingBelow(to)
		if !ok {
			break
		}

		if m.Gt(w.expected) {
			w.reportLoss(w.expected, m.Dec(), nil, reason)
		}

		q := w.pending[m.Val()]
		delete(w.pending, m.Val())

		w.expected = m
		w.emit(q, true)
	}

	if to.Gt(w.expected) {
		w.reportLoss(w.expected, to.Dec(), nil, reason)
	}

	w.expected = to
}

// evictOldest frees one slot by giving up on everything up to and including
// the lowest pending packet. The skipped holes count as loss, the evicted
// packet itself as a local drop.
func (w *Window) evictOldest() {
	m, ok := w.lowestPending()
	if !ok {
		return
	}

	q := w.pending[m.Val()]
	delete(w.pending, m.Val())

	w.reportLoss(w.expected, m, []packet.Packet{q}, LossOverflow)

	w.expected = m.Inc()
	w.drain()
}

func (w *Window) reportLoss(from, to circular.Number, dropped []packet.Packet, reason Reason) {
	n := to.Diff(from) + 1
	if n < 0 {
		return
	}

	w.stats.PktLoss += uint64(n) - uint64(len(dropped))
	w.stats.PktDropped += uint64(len(dropped))

	w.loss(from, to, dropped, reason)
}

func (w *Window) lowestPending() (circular.Number, bool) {
	var lowest circular.Number
	found := false

	for _, q := range w.pending {
		s := q.Header().SequenceNumber
		if !found || s.Lt(lowest) {
			lowest = s
			found = true
		}
	}

	return lowest, found
}

func (w *Window) lowestPendingBelow(limit circular.Number) (circular.Number, bool) {
	var lowest circular.Number
	found := false

	for _, q := range w.pending {
		s := q.Header().SequenceNumber
		if !s.Lt(limit) {
			continue
		}

		if !found || s.Lt(lowest) {
			lowest = s
			found = true
		}
	}

	return lowest, found
}
