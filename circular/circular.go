// Package circular implements circular (modular) numbers as used by the SRT
// wire protocol for sequence numbers (31-bit space) and timestamps (32-bit
// space). A circular number wraps around at a configured maximum and defines
// comparisons in terms of the shorter arc between two values, so that "after
// wraparound" still orders correctly against "before wraparound" as long as
// the two values are never more than half the space apart.
package circular

// Number is an immutable circular (modular) number. All arithmetic on a
// Number returns a new Number; the receiver is never mutated.
type Number struct {
	value     uint32
	max       uint32
	threshold uint32
}

// New returns a circular number with the given value and maximum. If x is
// greater than max, it is reduced modulo max+1 via Add.
func New(x, max uint32) Number {
	n := Number{max: max, threshold: max / 2}

	if x > max {
		return n.Add(x)
	}

	n.value = x

	return n
}

// Val returns the underlying value.
func (a Number) Val() uint32 {
	return a.value
}

// Max returns the configured maximum.
func (a Number) Max() uint32 {
	return a.max
}

// Equals reports whether a and b have the same value.
func (a Number) Equals(b Number) bool {
	return a.value == b.value
}

// Distance returns the absolute distance between a and b along the shorter
// arc of the circular space.
func (a Number) Distance(b Number) uint32 {
	if a.Equals(b) {
		return 0
	}

	d := uint32(0)
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

// Lt reports whether a is lower than b.
func (a Number) Lt(b Number) bool {
	if a.Equals(b) {
		return false
	}

	var d uint32
	altb := false

	if a.value > b.value {
		d = a.value - b.value
	} else {
		d = b.value - a.value
		altb = true
	}

	if d < a.threshold {
		return altb
	}

	return !altb
}

// Lte reports whether a is lower than or equal to b.
func (a Number) Lte(b Number) bool {
	return a.Equals(b) || a.Lt(b)
}

// Gt reports whether a is greater than b.
func (a Number) Gt(b Number) bool {
	if a.Equals(b) {
		return false
	}

	var d uint32
	agtb := false

	if a.value > b.value {
		d = a.value - b.value
		agtb = true
	} else {
		d = b.value - a.value
	}

	if d < a.threshold {
		return agtb
	}

	return !agtb
}

// Gte reports whether a is greater than or equal to b.
func (a Number) Gte(b Number) bool {
	return a.Equals(b) || a.Gt(b)
}

// Cmp returns -1, 0 or +1 depending on whether a is less than, equal to, or
// greater than b.
func (a Number) Cmp(b Number) int {
	if a.Equals(b) {
		return 0
	}

	if a.Lt(b) {
		return -1
	}

	return 1
}

// Inc returns a new Number with a value one higher, wrapping at max.
func (a Number) Inc() Number {
	b := a

	if b.value == b.max {
		b.value = 0
	} else {
		b.value++
	}

	return b
}

// Dec returns a new Number with a value one lower, wrapping below zero.
func (a Number) Dec() Number {
	b := a

	if b.value == 0 {
		b.value = b.max
	} else {
		b.value--
	}

	return b
}

// Add returns a new Number increased by n, wrapping at max.
func (a Number) Add(n uint32) Number {
	c := a
	room := c.max - c.value

	if n <= room {
		c.value += n
	} else {
		c.value = n - room - 1
	}

	return c
}

// Sub returns a new Number decreased by n, wrapping below zero.
func (a Number) Sub(n uint32) Number {
	c := a

	if n <= c.value {
		c.value -= n
	} else {
		c.value = c.max - (n - c.value) + 1
	}

	return c
}
