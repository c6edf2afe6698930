package rtprx

import (
	"errors"
	"net"
	"sync"
	"time"

	rxsync "github.com/openradio/gortprx/internal/sync"
)

// Status packets share the data group's framing: one type byte followed by
// tag-length-value entries with leading-zero-suppressed integer values.
const (
	pktTypeStatus = 0

	tagEOL            = 0
	tagGPSTime        = 3
	tagOutputSSRC     = 18
	tagOutputSamprate = 20
	tagOutputSamples  = 68
)

// StatusConfig is the configuration for a StatusListener.
type StatusConfig struct {
	// Address is the status multicast group, e.g. "239.1.2.3:5006".
	Address string `yaml:"address"`

	// Interface is the name of the interface to join the group on.
	Interface string `yaml:"interface"`

	// OnTimeReference is called whenever a status packet pairs a GPS time
	// with a sample counter reading for a channel.
	OnTimeReference func(ssrc uint32, ref TimeReference)

	// OnSampleRate is called whenever a status packet announces a
	// channel's output sample rate.
	OnSampleRate func(ssrc uint32, sampleRate uint32)
}

// StatusListener joins the status group of the source and extracts the
// metadata the data plane needs: the GPS-time to sample-counter anchor and
// the per-channel sample rate. Everything else in the packets is skipped
// over, unknown tags included.
type StatusListener struct {
	config StatusConfig

	conn *net.UDPConn

	stopper  rxsync.Stopper
	stopOnce sync.Once
}

// NewStatusListener opens the status socket. Call Start to begin reading.
func NewStatusListener(config StatusConfig) (*StatusListener, error) {
	conn, addr, err := listenMulticast(config.Address, config.Interface, 1<<16)
	if err != nil {
		return nil, err
	}

	l := &StatusListener{
		config: config,

		conn: conn,

		stopper: rxsync.NewStopper(),
	}

	Logger.WithField("address", addr.String()).Debug("status listener created")

	return l, nil
}

// Start launches the read loop.
func (l *StatusListener) Start() {
	go l.listenLoop()
}

// Stop closes the socket and waits for the read loop to exit.
func (l *StatusListener) Stop() {
	l.stopOnce.Do(func() {
		l.conn.Close()

		l.stopper.Stop()
	})
}

func (l *StatusListener) listenLoop() {
	buffer := make([]byte, 16384)

	for {
		select {
		case <-l.stopper.Check():
			l.stopper.Done()
			return
		default:
		}

		n, _, err := l.conn.ReadFromUDP(buffer)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				Logger.WithError(err).Error("status read failed")
			}

			continue
		}

		if n < 2 || buffer[0] != pktTypeStatus {
			continue
		}

		l.parse(buffer[1:n], time.Now())
	}
}

// parse walks the TLV entries of one status packet. A malformed entry ends
// the walk; whatever was decoded before it is still used.
func (l *StatusListener) parse(data []byte, arrival time.Time) {
	var (
		ssrc    uint32
		gpsNs   int64
		rate    uint32
		samples uint32

		haveSSRC    bool
		haveGPS     bool
		haveRate    bool
		haveSamples bool
	)

	i := 0

	for i < len(data) {
		tag := data[i]
		i++

		if tag == tagEOL {
			break
		}

		if i >= len(data) {
			break
		}

		length := int(data[i])
		i++

		if length&0x80 != 0 {
			// Extended form: the low bits give the number of length bytes.
			n := length & 0x7f
			if n > 4 || i+n > len(data) {
				break
			}

			length = int(decodeUint(data[i : i+n]))
			i += n
		}

		if i+length > len(data) {
			break
		}

		value := data[i : i+length]
		i += length

		switch tag {
		case tagOutputSSRC:
			ssrc = uint32(decodeUint(value))
			haveSSRC = true
		case tagGPSTime:
			gpsNs = int64(decodeUint(value))
			haveGPS = true
		case tagOutputSamprate:
			rate = uint32(decodeUint(value))
			haveRate = true
		case tagOutputSamples:
			// The full counter is wider, but the data packets carry only
			// its low 32 bits as the timestamp. Anchor in those terms.
			samples = uint32(decodeUint(value))
			haveSamples = true
		}
	}

	if !haveSSRC {
		return
	}

	if haveRate && l.config.OnSampleRate != nil {
		l.config.OnSampleRate(ssrc, rate)
	}

	if haveGPS && haveSamples && l.config.OnTimeReference != nil {
		l.config.OnTimeReference(ssrc, TimeReference{
			DeviceTimestamp: samples,
			GPSTimeNs:       gpsNs,
			UpdatedAt:       arrival,
		})
	}
}

// decodeUint reads a big-endian integer with leading zero bytes suppressed,
// as the status protocol encodes all its numbers.
func decodeUint(b []byte) uint64 {
	var v uint64

	for _, x := range b {
		v = v<<8 | uint64(x)
	}

	return v
}
