// Package circular provides wraparound-aware arithmetic on fixed-width
// unsigned counters, such as the 16-bit RTP sequence number and the
// 32-bit RTP timestamp.
package circular

// Number is a counter value in the range [0, max]. All comparisons and
// distances are defined modulo max+1, i.e. the value that follows max is 0.
type Number struct {
	value     uint32
	max       uint32
	threshold uint32
}

// New returns a Number with the given value in the domain [0, max].
// Values larger than max wrap around.
func New(value, max uint32) Number {
	n := Number{
		max:       max,
		threshold: max/2 + 1,
	}

	if value > max {
		return n.Add(value)
	}

	n.value = value

	return n
}

func (a Number) Val() uint32 {
	return a.value
}

func (a Number) Equals(b Number) bool {
	return a.value == b.value
}

// Distance returns the shorter of the two ways around the circle between
// a and b. It is always non-negative and at most (max+1)/2.
func (a Number) Distance(b Number) uint32 {
	if a.value == b.value {
		return 0
	}

	var d uint32
	if a.value > b.value {
		d = a.value - b.value
	} else {
		d = b.value - a.value
	}

	if d >= a.threshold {
		d = a.max - d + 1
	}

	return d
}

// Diff returns the signed distance a - b, i.e. how far a is ahead of b
// (positive) or behind b (negative), taking the shorter way around the
// circle. For a 16-bit domain this is ((a - b + 32768) mod 65536) - 32768.
func (a Number) Diff(b Number) int64 {
	d := int64(a.value) - int64(b.value)

	width := int64(a.max) + 1
	half := width / 2

	if d >= half {
		d -= width
	} else if d < -half {
		d += width
	}

	return d
}

// Lt reports whether a is behind b on the circle.
func (a Number) Lt(b Number) bool {
	return a.Diff(b) < 0
}

func (a Number) Lte(b Number) bool {
	return a.Diff(b) <= 0
}

// Gt reports whether a is ahead of b on the circle.
func (a Number) Gt(b Number) bool {
	return a.Diff(b) > 0
}

func (a Number) Gte(b Number) bool {
	return a.Diff(b) >= 0
}

func (a Number) Inc() Number {
	b := a

	if b.value == b.max {
		b.value = 0
	} else {
		b.value++
	}

	return b
}

func (a Number) Dec() Number {
	b := a

	if b.value == 0 {
		b.value = b.max
	} else {
		b.value--
	}

	return b
}

func (a Number) Add(x uint32) Number {
	b := a
	room := b.max - b.value

	if x <= room {
		b.value += x
	} else {
		b.value = x - room - 1
	}

	return b
}

func (a Number) Sub(x uint32) Number {
	b := a

	if x <= b.value {
		b.value -= x
	} else {
		b.value = b.max - (x - b.value) + 1
	}

	return b
}
