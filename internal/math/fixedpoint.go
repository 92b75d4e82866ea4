// internal/math/fixedpoint.go
package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// All index values are 1e18-scaled unsigned 256-bit integers.
const (
	WadUint64     = 1_000_000_000_000_000_000
	BasisPoints   = 10_000
	DaysPerYear   = 365
	SecondsPerDay = 86_400
)

// Wad returns a fresh copy of the 1e18 scale.
func Wad() *uint256.Int {
	return uint256.NewInt(WadUint64)
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Clone copies v, treating nil as zero.
func Clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

// MulDiv returns floor(a * b / d) with a 512-bit intermediate.
// d == 0 yields zero; callers guard the zero-denominator cases themselves.
func MulDiv(a, b, d *uint256.Int) *uint256.Int {
	if d == nil || d.IsZero() || a == nil || b == nil {
		return new(uint256.Int)
	}
	result, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		panic(fmt.Sprintf("FATAL: mulDiv overflow: %s * %s / %s", a.Dec(), b.Dec(), d.Dec()))
	}
	return result
}

// MulWad returns floor(amount * indexDelta / 1e18).
func MulWad(amount, indexDelta *uint256.Int) *uint256.Int {
	return MulDiv(amount, indexDelta, Wad())
}

// SaturatingSub returns max(0, a - b).
func SaturatingSub(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// IndexStep is the outcome of a remainder-carrying index accrual.
type IndexStep struct {
	Delta     *uint256.Int // amount added to the index
	Remainder *uint256.Int // carried into the next accrual
}

// AccrueIndex distributes amount over base with no cumulative precision loss:
//
//	dividend  = amount * 1e18 + remainder
//	delta     = dividend / base
//	remainder = dividend - delta * base
//
// When delta is zero the whole dividend is carried forward. base must be
// non-zero.
func AccrueIndex(amount, remainder, base *uint256.Int) IndexStep {
	dividend := new(uint256.Int).Mul(amount, Wad())
	dividend.Add(dividend, Clone(remainder))

	delta := new(uint256.Int).Div(dividend, base)
	if delta.IsZero() {
		return IndexStep{Delta: delta, Remainder: dividend}
	}

	used := new(uint256.Int).Mul(delta, base)
	return IndexStep{
		Delta:     delta,
		Remainder: new(uint256.Int).Sub(dividend, used),
	}
}

// ApplyBps returns floor(amount * bps / 10_000).
func ApplyBps(amount *uint256.Int, bps uint64) *uint256.Int {
	return MulDiv(amount, uint256.NewInt(bps), uint256.NewInt(BasisPoints))
}
