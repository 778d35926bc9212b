// Package fixed implements Q17.14 fixed-point arithmetic, the scalar type
// the scheduler's load-average accounting is built on. All products and
// quotients are computed in a 64-bit intermediate to avoid overflow; only
// the final result is truncated back to the 32-bit representation.
package fixed

// Fixed_t is a signed Q17.14 fixed-point scalar: 17 integer bits, a sign
// bit, and 14 fractional bits.
type Fixed_t int32

const fbits = 14

// f is the scale factor, 2^14.
const f = 1 << fbits

// FromInt converts an integer to Q17.14.
func FromInt(n int) Fixed_t {
	return Fixed_t(n * f)
}

// ToIntTrunc truncates toward zero, dropping the fractional bits.
func ToIntTrunc(x Fixed_t) int {
	return int(x) / f
}

// ToIntRound rounds to the nearest integer. Negative values are rounded by
// subtracting (not adding) the half-unit before truncation, so that
// round(-x) == -round(x) for all x; adding the half-unit unconditionally
// would bias negative values toward zero one ulp less often than positive
// ones.
func ToIntRound(x Fixed_t) int {
	if x >= 0 {
		return int(x+f/2) / f
	}
	return int(x-f/2) / f
}

// ToIntRoundScaled rounds x / 2^shift to the nearest integer, so the result
// counts units of 2^shift -- a coarser scale than ToIntRound's unit
// rounding -- using the same sign-dependent half-unit adjustment.
func ToIntRoundScaled(x Fixed_t, shift uint) int {
	unit := Fixed_t(f) << shift
	if x >= 0 {
		return int((x + unit/2) / unit)
	}
	return int((x - unit/2) / unit)
}

// Add returns x+y.
func Add(x, y Fixed_t) Fixed_t { return x + y }

// Sub returns x-y.
func Sub(x, y Fixed_t) Fixed_t { return x - y }

// AddInt returns x+n for integer n.
func AddInt(x Fixed_t, n int) Fixed_t { return x + FromInt(n) }

// SubInt returns x-n for integer n.
func SubInt(x Fixed_t, n int) Fixed_t { return x - FromInt(n) }

// Mul returns x*y, widening to 64 bits before re-scaling.
func Mul(x, y Fixed_t) Fixed_t {
	return Fixed_t((int64(x) * int64(y)) / f)
}

// MulInt returns x*n for integer n.
func MulInt(x Fixed_t, n int) Fixed_t { return x * Fixed_t(n) }

// Div returns x/y, widening the dividend to 64 bits before the shift so the
// quotient retains full fractional precision.
func Div(x, y Fixed_t) Fixed_t {
	return Fixed_t((int64(x) * f) / int64(y))
}

// DivInt returns x/n for integer n.
func DivInt(x Fixed_t, n int) Fixed_t { return x / Fixed_t(n) }
