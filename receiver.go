package rtprx

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	rxsync "github.com/openradio/gortprx/internal/sync"
)

// ReceiverConfig is the configuration for a multicast Receiver.
type ReceiverConfig struct {
	// Address is the multicast group to join, e.g. "239.1.2.3:5004".
	Address string `yaml:"address"`

	// Interface is the name of the interface to join the group on. Empty
	// picks the first multicast-capable interface that is up.
	Interface string `yaml:"interface"`

	// ReadBuffer is the kernel receive buffer size in bytes. A group
	// carrying many channels bursts; the default is 1MiB.
	ReadBuffer int `yaml:"read_buffer"`

	// TickInterval drives per-stream housekeeping.
	TickInterval time.Duration `yaml:"tick_interval"`

	// Defaults are the stream parameters applied to every admitted SSRC
	// whose own config leaves them zero. Zero means unset for every
	// field, LeapSeconds included; a true zero leap offset is expressed
	// by setting Defaults.LeapSeconds to 0, or by building the stream
	// with NewStream directly.
	Defaults Config `yaml:"defaults"`

	// OnStream decides about unknown SSRCs. Returning nil ignores the
	// SSRC. If OnStream itself is nil only explicitly added streams
	// receive packets.
	OnStream func(ssrc uint32) *StreamConfig

	// OnUnit and OnGap are fallbacks for streams whose own config leaves
	// them nil.
	OnUnit func(u Unit)
	OnGap  func(e GapEvent)

	// Metrics, if not nil, observes every unit and gap event.
	Metrics *Metrics
}

// Receiver joins one multicast group and demultiplexes its datagrams onto
// per-SSRC streams. One group typically carries many channels; each gets
// its own reorder window and counters.
type Receiver struct {
	config ReceiverConfig

	addr *net.UDPAddr
	conn *net.UDPConn

	lock    sync.RWMutex
	streams map[uint32]*Stream
	ignored map[uint32]uint64

	readStopper rxsync.Stopper
	tickStopper rxsync.Stopper
	stopOnce    sync.Once
}

// NewReceiver opens the multicast socket and returns a Receiver. Call Start
// to begin reading.
func NewReceiver(config ReceiverConfig) (*Receiver, error) {
	if config.ReadBuffer <= 0 {
		config.ReadBuffer = 1 << 20
	}

	if config.TickInterval <= 0 {
		config.TickInterval = 100 * time.Millisecond
	}

	conn, addr, err := listenMulticast(config.Address, config.Interface, config.ReadBuffer)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		config: config,

		addr: addr,
		conn: conn,

		streams: make(map[uint32]*Stream),
		ignored: make(map[uint32]uint64),

		readStopper: rxsync.NewStopper(),
		tickStopper: rxsync.NewStopper(),
	}

	return r, nil
}

// Start launches the read and tick loops.
func (r *Receiver) Start() {
	go r.receiveLoop()
	go r.tickLoop()

	Logger.WithField("address", r.addr.String()).Info("receiver started")
}

// Stop closes the socket and all streams. Every stream's reorder window is
// flushed so nothing goes missing from the counters.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		r.conn.Close()

		r.readStopper.Stop()
		r.tickStopper.Stop()

		r.lock.Lock()
		streams := r.streams
		r.streams = make(map[uint32]*Stream)
		r.lock.Unlock()

		for _, s := range streams {
			s.Close()
		}

		Logger.WithField("address", r.addr.String()).Info("receiver stopped")
	})
}

// AddStream admits an SSRC explicitly. Zero fields in the config inherit
// the receiver's defaults, see ReceiverConfig.Defaults.
func (r *Receiver) AddStream(config StreamConfig) (*Stream, error) {
	config = r.config.applyDefaults(config)

	onUnit := config.OnUnit
	if onUnit == nil {
		onUnit = r.config.OnUnit
	}

	onGap := config.OnGap
	if onGap == nil {
		onGap = r.config.OnGap
	}

	metrics := r.config.Metrics

	config.OnUnit = func(u Unit) {
		if metrics != nil {
			metrics.ObserveUnit(u)
		}

		if onUnit != nil {
			onUnit(u)
		}
	}

	config.OnGap = func(e GapEvent) {
		if metrics != nil {
			metrics.ObserveGap(e)
		}

		if onGap != nil {
			onGap(e)
		}
	}

	s, err := NewStream(config)
	if err != nil {
		return nil, err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.streams[config.SSRC]; ok {
		return nil, fmt.Errorf("a stream for SSRC %d already exists", config.SSRC)
	}

	r.streams[config.SSRC] = s

	return s, nil
}

// applyDefaults fills zero fields of a stream config from Defaults. The
// zero value is the unset marker for every field, LeapSeconds included.
func (c ReceiverConfig) applyDefaults(config StreamConfig) StreamConfig {
	if config.SampleRate == 0 {
		config.SampleRate = c.Defaults.SampleRate
	}

	if config.SampleBytes == 0 {
		config.SampleBytes = c.Defaults.SampleBytes
	}

	if config.WindowCapacity == 0 {
		config.WindowCapacity = c.Defaults.WindowCapacity
	}

	if config.StartupGrace == 0 {
		config.StartupGrace = c.Defaults.StartupGrace
	}

	if config.LeapSeconds == 0 {
		config.LeapSeconds = c.Defaults.LeapSeconds
	}

	return config
}

// RemoveStream closes and forgets the stream for the given SSRC.
func (r *Receiver) RemoveStream(ssrc uint32) {
	r.lock.Lock()
	s := r.streams[ssrc]
	delete(r.streams, ssrc)
	r.lock.Unlock()

	if s != nil {
		s.Close()
	}
}

// Stream returns the stream for the given SSRC, if one exists.
func (r *Receiver) Stream(ssrc uint32) (*Stream, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	s, ok := r.streams[ssrc]

	return s, ok
}

// SetTimeReference forwards a time anchor to the stream for the given SSRC.
// It reports whether such a stream exists.
func (r *Receiver) SetTimeReference(ssrc uint32, ref TimeReference) bool {
	s, ok := r.Stream(ssrc)
	if !ok {
		return false
	}

	s.SetTimeReference(ref)

	return true
}

// Stats returns a snapshot of the counters of every active stream.
func (r *Receiver) Stats() map[uint32]Statistics {
	r.lock.RLock()
	defer r.lock.RUnlock()

	stats := make(map[uint32]Statistics, len(r.streams))
	for ssrc, s := range r.streams {
		stats[ssrc] = s.Stats()
	}

	return stats
}

func (r *Receiver) receiveLoop() {
	buffer := make([]byte, 65536)

	for {
		select {
		case <-r.readStopper.Check():
			r.readStopper.Done()
			return
		default:
		}

		n, _, err := r.conn.ReadFromUDP(buffer)
		if err != nil {
			// A closed socket means Stop is underway; the next check of
			// the stopper ends the loop.
			if !errors.Is(err, net.ErrClosed) {
				Logger.WithError(err).Error("multicast read failed")
			}

			continue
		}

		arrival := time.Now()

		if n < 12 {
			continue
		}

		// Peek the SSRC before parsing so unknown senders cost nothing.
		ssrc := binary.BigEndian.Uint32(buffer[8:12])

		s := r.lookup(ssrc)
		if s == nil {
			continue
		}

		if err := s.Push(buffer[:n], arrival); err != nil {
			if r.config.Metrics != nil {
				r.config.Metrics.ObserveParseError()
			}

			Logger.WithField("ssrc", ssrc).Debugf("dropping datagram: %v", err)
		}
	}
}

func (r *Receiver) tickLoop() {
	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.tickStopper.Check():
			r.tickStopper.Done()
			return
		case now := <-ticker.C:
			r.lock.RLock()
			streams := make([]*Stream, 0, len(r.streams))
			for _, s := range r.streams {
				streams = append(streams, s)
			}
			r.lock.RUnlock()

			for _, s := range streams {
				s.Tick(now)
			}
		}
	}
}

func (r *Receiver) lookup(ssrc uint32) *Stream {
	r.lock.RLock()
	s := r.streams[ssrc]
	r.lock.RUnlock()

	if s != nil {
		return s
	}

	if r.config.OnStream == nil {
		r.countIgnored(ssrc)
		return nil
	}

	config := r.config.OnStream(ssrc)
	if config == nil {
		r.countIgnored(ssrc)
		return nil
	}

	config.SSRC = ssrc

	s, err := r.AddStream(*config)
	if err != nil {
		Logger.WithField("ssrc", ssrc).Warnf("not admitting stream: %v", err)
		r.countIgnored(ssrc)

		return nil
	}

	Logger.WithField("ssrc", ssrc).Info("stream admitted")

	return s
}

func (r *Receiver) countIgnored(ssrc uint32) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.ignored[ssrc] == 0 {
		Logger.WithField("ssrc", ssrc).Debug("ignoring unknown SSRC")
	}

	r.ignored[ssrc]++
}

// listenMulticast opens a UDP socket on the group's port with address and
// port reuse enabled, joins the group and sizes the kernel buffer. Reuse
// matters because other consumers on the host listen to the same group.
func listenMulticast(address, ifname string, readBuffer int) (*net.UDPConn, *net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving %s: %w", address, err)
	}

	if !addr.IP.IsMulticast() {
		return nil, nil, fmt.Errorf("%s is not a multicast address", addr.IP)
	}

	lc := net.ListenConfig{
		Control: reuseControl,
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", address)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on %s: %w", address, err)
	}

	conn := pc.(*net.UDPConn)

	iface, err := multicastInterface(ifname)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	p := ipv4.NewPacketConn(conn)
	if err := p.JoinGroup(iface, &net.UDPAddr{IP: addr.IP}); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("joining %s on %s: %w", addr.IP, iface.Name, err)
	}

	if err := conn.SetReadBuffer(readBuffer); err != nil {
		Logger.WithError(err).Warn("could not size the receive buffer")
	}

	return conn, addr, nil
}

func reuseControl(network, address string, c syscall.RawConn) error {
	var serr error

	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			serr = err
			return
		}

		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}

	return serr
}

// multicastInterface resolves the named interface, or picks the first one
// that is up and multicast-capable. The loopback is the fallback of last
// resort; radiod on the same host delivers over it.
func multicastInterface(name string) (*net.Interface, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", name, err)
		}

		return iface, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var loopback *net.Interface

	for i := range ifaces {
		iface := &ifaces[i]

		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		if iface.Flags&net.FlagLoopback != 0 {
			loopback = iface
			continue
		}

		return iface, nil
	}

	if loopback != nil {
		return loopback, nil
	}

	return nil, errors.New("no multicast-capable interface found")
}
