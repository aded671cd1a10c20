package core

import (
	"math"
	"math/big"
)

// Fixed is the scaled-integer form of a Number: value = v / 2^bits.
//
// It honours the same contract as Number with the exponent pinned at -bits and
// is cheaper when the magnitudes involved stay within a small, known range
// (the escape iteration never leaves |z| <= 2 for long). Values of different
// scales are aligned to the larger bits before combining.
type Fixed struct {
	v    *big.Int
	bits uint
}

// FixedZero returns zero at the given scale.
func FixedZero(bits uint) Fixed {
	return Fixed{v: new(big.Int), bits: bits}
}

// FixedFromNumber converts n to bits fractional bits, truncating toward zero.
func FixedFromNumber(n Number, bits uint) Fixed {
	if n.IsZero() {
		return FixedZero(bits)
	}
	v := new(big.Int).Set(n.mant)
	if sh := n.exp + int64(bits); sh >= 0 {
		v.Lsh(v, uint(sh))
	} else {
		truncShift(v, uint(-sh))
	}
	return Fixed{v: v, bits: bits}
}

// Bits returns the number of fractional bits.
func (a Fixed) Bits() uint { return a.bits }

// IsZero reports whether a == 0.
func (a Fixed) IsZero() bool { return a.v == nil || a.v.Sign() == 0 }

// Int returns a copy of the scaled integer.
func (a Fixed) Int() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

func (a Fixed) raw() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// align returns both scaled integers at the larger scale. The returned
// integers may alias the operands and must not be mutated.
func align(a, b Fixed) (*big.Int, *big.Int, uint) {
	switch {
	case a.bits == b.bits:
		return a.raw(), b.raw(), a.bits
	case a.bits > b.bits:
		return a.raw(), new(big.Int).Lsh(b.raw(), a.bits-b.bits), a.bits
	default:
		return new(big.Int).Lsh(a.raw(), b.bits-a.bits), b.raw(), b.bits
	}
}

// Add returns a + b.
func (a Fixed) Add(b Fixed) Fixed {
	x, y, bits := align(a, b)
	return Fixed{v: new(big.Int).Add(x, y), bits: bits}
}

// Sub returns a - b.
func (a Fixed) Sub(b Fixed) Fixed {
	x, y, bits := align(a, b)
	return Fixed{v: new(big.Int).Sub(x, y), bits: bits}
}

// Mul returns (a·b) >> bits, truncated toward zero.
func (a Fixed) Mul(b Fixed) Fixed {
	x, y, bits := align(a, b)
	p := new(big.Int).Mul(x, y)
	truncShift(p, bits)
	return Fixed{v: p, bits: bits}
}

// MulInt returns a × n. The result is exact.
func (a Fixed) MulInt(n int64) Fixed {
	return Fixed{v: new(big.Int).Mul(a.raw(), big.NewInt(n)), bits: a.bits}
}

// Float64 returns a best-effort float64 approximation.
func (a Fixed) Float64() float64 {
	if a.IsZero() {
		return 0
	}
	v := a.v
	e := -int64(a.bits)
	if bl := v.BitLen(); bl > 53 {
		v = new(big.Int).Set(v)
		truncShift(v, uint(bl-53))
		e += int64(bl - 53)
	}
	if e < -2048 {
		return math.Copysign(0, float64(v.Sign()))
	}
	return math.Ldexp(float64(v.Int64()), int(e))
}

// Number converts a back to floating-exponent form at prec bits.
func (a Fixed) Number(prec uint) Number {
	return normalize(a.Int(), -int64(a.bits), prec)
}
