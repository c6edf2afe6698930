package rtprx

import (
	"errors"
	"time"

	"github.com/openradio/gortprx/internal/circular"
	"github.com/openradio/gortprx/internal/packet"
)

// Seconds between the Unix epoch (1970-01-01) and the GPS epoch (1980-01-06).
const gpsEpochUnixOffset = 315964800

// ErrNoTimeReference is returned when no time reference has been set yet.
var ErrNoTimeReference = errors.New("no time reference")

// ErrStaleTimeReference is returned when the time reference is older than one
// full wrap of the 32-bit sample clock, so the pairing of sample counter and
// GPS time is no longer unambiguous.
var ErrStaleTimeReference = errors.New("time reference is stale")

// TimeReference anchors the 32-bit sample clock of one stream to absolute
// time: the source observed its sample counter at DeviceTimestamp when its
// GPS clock read GPSTimeNs.
type TimeReference struct {
	DeviceTimestamp uint32
	GPSTimeNs       int64     // nanoseconds since the GPS epoch
	UpdatedAt       time.Time // local reception time of the reference
}

// Valid reports whether the reference has been populated at all.
func (ref TimeReference) Valid() bool {
	return !ref.UpdatedAt.IsZero()
}

// wrapPeriod is how long the 32-bit sample clock takes to wrap around once
// at the given rate. About 25 hours at 48 kHz.
func wrapPeriod(sampleRate uint32) time.Duration {
	return time.Duration(float64(1<<32) / float64(sampleRate) * float64(time.Second))
}

// StaleAt reports whether the reference is too old to anchor a timestamp
// observed at the given local time. Once the sample clock may have wrapped
// since the reference was taken, the circular distance between the two
// counter values no longer identifies a unique instant.
func (ref TimeReference) StaleAt(at time.Time, sampleRate uint32) bool {
	if !ref.Valid() || sampleRate == 0 {
		return true
	}

	return at.Sub(ref.UpdatedAt) > wrapPeriod(sampleRate)
}

// Wallclock converts a sample-clock timestamp to UTC, expressed as Unix
// seconds with fractional part. The wraparound-aware distance between the
// timestamp and the reference counter is divided by the sample rate and
// added to the reference's GPS time.
//
// GPS time runs ahead of UTC by the accumulated leap seconds; without the
// subtraction every result is exactly that many seconds in the future.
func (ref TimeReference) Wallclock(deviceTimestamp uint32, sampleRate uint32, leapSeconds int) float64 {
	ts := circular.New(deviceTimestamp, packet.MAX_TIMESTAMP)
	anchor := circular.New(ref.DeviceTimestamp, packet.MAX_TIMESTAMP)

	elapsed := float64(ts.Diff(anchor)) / float64(sampleRate)

	gps := float64(ref.GPSTimeNs)/1e9 + elapsed

	return gps + gpsEpochUnixOffset - float64(leapSeconds)
}
