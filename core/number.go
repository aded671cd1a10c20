// Package core provides the numeric primitives of the mandelzoom engine.
//
// The central type is Number, an immutable arbitrary-precision binary floating
// value: a signed big-integer mantissa scaled by a power of two and tied to a
// fixed mantissa width (the precision). Every constructor and every arithmetic
// operation returns a freshly normalized Number; no method mutates its receiver
// or any mantissa it has handed out.
//
// Key components:
//   - Number: normalized mantissa × 2^exponent at a fixed bit-width
//   - Fixed: scaled-integer variant (value = integer / 2^bits) for bounded ranges
//   - ParseError / ErrPrecisionUnderflow: the error taxonomy shared by the engine
//   - Text, JSON and binary serialization with strict validation on decode
//
// Normalization: a nonzero mantissa always has exactly prec significant bits.
// Wider intermediate results are shifted right (toward zero, on the magnitude)
// and the exponent is raised by the same amount; narrower ones are shifted left.
// Zero is represented by a zero mantissa and a zero exponent.
package core

import (
	"math"
	"math/big"
	"strconv"
	"strings"
)

// GuardBits is the number of extra bits carried while converting decimal input
// and while aligning addends. It bounds the truncation error of those steps.
const GuardBits = 64

// MinLog2 is returned by Log2Mag for zero.
const MinLog2 = int64(math.MinInt32)

// maxDecimalExponent limits the base-10 exponent accepted by Parse.
const maxDecimalExponent = 100000

// Number is an immutable arbitrary-precision value mant × 2^exp.
type Number struct {
	mant *big.Int // nil or zero means the value is zero
	exp  int64
	prec uint
}

// Zero returns the zero value at the given precision.
func Zero(prec uint) Number {
	return Number{prec: prec}
}

// FromInt64 converts an integer exactly (when prec >= 63) into a Number.
func FromInt64(v int64, prec uint) Number {
	if prec == 0 {
		prec = 64
	}
	return normalize(big.NewInt(v), 0, prec)
}

// FromFloat64 decomposes x into its 53-bit binary mantissa and exponent.
// Zero, NaN and infinities yield zero. A zero prec means 53 bits.
func FromFloat64(x float64, prec uint) Number {
	if prec == 0 {
		prec = 53
	}
	if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return Zero(prec)
	}
	frac, e := math.Frexp(x) // |frac| in [0.5, 1)
	m := int64(frac * (1 << 53))
	return normalize(big.NewInt(m), int64(e-53), prec)
}

// Parse converts a decimal string into a Number.
//
// Accepted form: optional sign, integer digits, optional fraction, optional
// base-10 exponent ("-1.25e-40", ".5", "3."). The decimal rational is divided
// out exactly to prec+GuardBits significant bits and then normalized.
func Parse(s string, prec uint) (Number, error) {
	if prec == 0 {
		return Number{}, &ParseError{Input: s, Reason: "precision must be positive"}
	}
	str := strings.TrimSpace(s)
	if str == "" {
		return Number{}, &ParseError{Input: s, Reason: "empty input"}
	}

	neg := false
	switch str[0] {
	case '+':
		str = str[1:]
	case '-':
		neg = true
		str = str[1:]
	}

	mantStr, expStr, hasExp := strings.Cut(strings.ToLower(str), "e")
	intPart, fracPart, _ := strings.Cut(mantStr, ".")
	if intPart == "" && fracPart == "" {
		return Number{}, &ParseError{Input: s, Reason: "no digits"}
	}
	if !allDigits(intPart) || !allDigits(fracPart) {
		return Number{}, &ParseError{Input: s, Reason: "invalid digit"}
	}

	var exp10 int64
	if hasExp {
		if expStr == "" {
			return Number{}, &ParseError{Input: s, Reason: "missing exponent"}
		}
		e, err := strconv.ParseInt(expStr, 10, 32)
		if err != nil {
			return Number{}, &ParseError{Input: s, Reason: "invalid exponent"}
		}
		if e > maxDecimalExponent || e < -maxDecimalExponent {
			return Number{}, &ParseError{Input: s, Reason: "exponent out of range"}
		}
		exp10 = e
	}

	d, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return Number{}, &ParseError{Input: s, Reason: "invalid digits"}
	}
	if d.Sign() == 0 {
		return Zero(prec), nil
	}
	if neg {
		d.Neg(d)
	}

	k := exp10 - int64(len(fracPart))
	if k >= 0 {
		d.Mul(d, pow10(k))
		return normalize(d, 0, prec), nil
	}

	den := pow10(-k)
	shift := int(prec+GuardBits) - (d.BitLen() - den.BitLen()) + 1
	if shift < 0 {
		shift = 0
	}
	num := new(big.Int).Lsh(d, uint(shift))
	num.Quo(num, den)
	return normalize(num, -int64(shift), prec), nil
}

// MustParse is like Parse but panics on malformed input. Intended for constants.
func MustParse(s string, prec uint) Number {
	n, err := Parse(s, prec)
	if err != nil {
		panic(err)
	}
	return n
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func pow10(k int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(k), nil)
}

// normalize takes ownership of m.
func normalize(m *big.Int, exp int64, prec uint) Number {
	if m.Sign() == 0 {
		return Zero(prec)
	}
	bl := uint(m.BitLen())
	switch {
	case bl > prec:
		excess := bl - prec
		truncShift(m, excess)
		exp += int64(excess)
	case bl < prec:
		deficit := prec - bl
		m.Lsh(m, deficit)
		exp -= int64(deficit)
	}
	return Number{mant: m, exp: exp, prec: prec}
}

// truncShift shifts m right by n bits, truncating the magnitude toward zero.
func truncShift(m *big.Int, n uint) {
	if m.Sign() < 0 {
		m.Neg(m)
		m.Rsh(m, n)
		m.Neg(m)
		return
	}
	m.Rsh(m, n)
}

func maxPrec(a, b uint) uint {
	if a > b {
		return a
	}
	return b
}

// Prec returns the mantissa bit-width.
func (x Number) Prec() uint { return x.prec }

// Exp returns the binary exponent.
func (x Number) Exp() int64 { return x.exp }

// Mantissa returns a copy of the mantissa.
func (x Number) Mantissa() *big.Int {
	if x.mant == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x.mant)
}

// IsZero reports whether x == 0.
func (x Number) IsZero() bool {
	return x.mant == nil || x.mant.Sign() == 0
}

// Sign returns -1, 0 or +1.
func (x Number) Sign() int {
	if x.mant == nil {
		return 0
	}
	return x.mant.Sign()
}

// WithPrecision renormalizes x to prec bits. Narrowing drops low-order bits
// for good; widening appends zero bits. A zero prec returns x unchanged.
func (x Number) WithPrecision(prec uint) Number {
	if prec == 0 || prec == x.prec {
		return x
	}
	if x.IsZero() {
		return Zero(prec)
	}
	return normalize(new(big.Int).Set(x.mant), x.exp, prec)
}

// Neg returns -x.
func (x Number) Neg() Number {
	if x.IsZero() {
		return x
	}
	return Number{mant: new(big.Int).Neg(x.mant), exp: x.exp, prec: x.prec}
}

// Abs returns |x|.
func (x Number) Abs() Number {
	if x.Sign() >= 0 {
		return x
	}
	return x.Neg()
}

// Add returns x + y at the larger of the two precisions.
//
// When the magnitudes differ by more than prec+GuardBits the smaller operand
// cannot reach the retained bits and the larger operand is returned as is.
func (x Number) Add(y Number) Number {
	prec := maxPrec(x.prec, y.prec)
	if y.IsZero() {
		return x.WithPrecision(prec)
	}
	if x.IsZero() {
		return y.WithPrecision(prec)
	}

	hi, lo := x, y
	if lo.Log2Mag() > hi.Log2Mag() {
		hi, lo = lo, hi
	}
	if hi.Log2Mag()-lo.Log2Mag() > int64(prec+GuardBits) {
		return hi.WithPrecision(prec)
	}

	// Align GuardBits below the last bit of hi widened to prec, so a narrower
	// hi does not cut off the low bits of a wider lo.
	target := hi.exp + int64(hi.prec) - int64(prec) - GuardBits
	sum := new(big.Int).Lsh(hi.mant, uint(hi.exp-target))
	loM := new(big.Int).Set(lo.mant)
	if d := lo.exp - target; d >= 0 {
		loM.Lsh(loM, uint(d))
	} else {
		truncShift(loM, uint(-d))
	}
	sum.Add(sum, loM)
	return normalize(sum, target, prec)
}

// Sub returns x - y.
func (x Number) Sub(y Number) Number {
	return x.Add(y.Neg())
}

// Mul returns x × y truncated to the larger of the two precisions.
func (x Number) Mul(y Number) Number {
	prec := maxPrec(x.prec, y.prec)
	if x.IsZero() || y.IsZero() {
		return Zero(prec)
	}
	m := new(big.Int).Mul(x.mant, y.mant)
	return normalize(m, x.exp+y.exp, prec)
}

// MulInt returns x × n.
func (x Number) MulInt(n int64) Number {
	if n == 0 || x.IsZero() {
		return Zero(x.prec)
	}
	m := new(big.Int).Mul(x.mant, big.NewInt(n))
	return normalize(m, x.exp, x.prec)
}

// MulPow2 returns x × 2^k. The result is exact.
func (x Number) MulPow2(k int64) Number {
	if x.IsZero() || k == 0 {
		return x
	}
	// The mantissa is never mutated, sharing it is safe.
	return Number{mant: x.mant, exp: x.exp + k, prec: x.prec}
}

// Cmp compares x and y and returns -1, 0 or +1.
func (x Number) Cmp(y Number) int {
	return x.Sub(y).Sign()
}

// Log2Mag returns floor(log2|x|): exponent + bitlen(mantissa) - 1.
// It is a heuristic helper only; zero yields MinLog2.
func (x Number) Log2Mag() int64 {
	if x.IsZero() {
		return MinLog2
	}
	return x.exp + int64(x.mant.BitLen()) - 1
}

// Float64 returns a best-effort float64 approximation built from the top 53
// mantissa bits. Magnitudes outside the float64 range saturate to ±Inf or ±0.
func (x Number) Float64() float64 {
	if x.IsZero() {
		return 0
	}
	m := x.mant
	e := x.exp
	if bl := m.BitLen(); bl > 53 {
		m = new(big.Int).Set(m)
		truncShift(m, uint(bl-53))
		e += int64(bl - 53)
	}
	f := float64(m.Int64())
	switch {
	case e > 2048:
		return math.Copysign(math.Inf(1), f)
	case e < -2048:
		return math.Copysign(0, f)
	}
	return math.Ldexp(f, int(e))
}

// BigFloat returns x as a big.Float carrying at least x's precision.
func (x Number) BigFloat() *big.Float {
	prec := x.prec
	if prec < 64 {
		prec = 64
	}
	f := new(big.Float).SetPrec(prec)
	if x.IsZero() {
		return f
	}
	f.SetInt(x.mant)
	return f.SetMantExp(f, int(x.exp))
}

// Decimal renders x in decimal with the given number of significant digits;
// a negative count gives the shortest representation that round-trips.
func (x Number) Decimal(digits int) string {
	if x.IsZero() {
		return "0"
	}
	return x.BigFloat().Text('g', digits)
}

func (x Number) String() string {
	return x.Decimal(-1)
}
