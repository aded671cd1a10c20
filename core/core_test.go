package core

import (
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"math/rand"
	"testing"
)

func sameNumber(a, b Number) bool {
	return a.Prec() == b.Prec() && a.Exp() == b.Exp() && a.Mantissa().Cmp(b.Mantissa()) == 0
}

func checkNormalized(t *testing.T, n Number) {
	t.Helper()
	if n.IsZero() {
		if n.Exp() != 0 {
			t.Errorf("zero with exponent %d", n.Exp())
		}
		return
	}
	if got := uint(new(big.Int).Abs(n.Mantissa()).BitLen()); got != n.Prec() {
		t.Errorf("bitlen(|mantissa|) = %d, want %d", got, n.Prec())
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want float64
	}{
		{"1", 1},
		{"-0.5", -0.5},
		{"+2.5E2", 250},
		{".25", 0.25},
		{"3.", 3},
		{"1e-3", 0.001},
		{"0", 0},
		{"-0.000", 0},
		{"  42  ", 42},
		{"-1.25e-40", -1.25e-40},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			n, err := Parse(tt.in, 128)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.in, err)
			}
			checkNormalized(t, n)
			got := n.Float64()
			if tt.want == 0 {
				if got != 0 {
					t.Errorf("Parse(%q) = %g, want 0", tt.in, got)
				}
				return
			}
			if rel := math.Abs(got-tt.want) / math.Abs(tt.want); rel > 1e-15 {
				t.Errorf("Parse(%q) = %g, want %g (rel err %g)", tt.in, got, tt.want, rel)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "abc", "1e", ".", "1.2.3", "--1", "1e99999999", "0x10", "1,5", "e5"} {
		_, err := Parse(in, 64)
		if err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
			continue
		}
		if !errors.Is(err, ErrParse) {
			t.Errorf("Parse(%q) error %v does not match ErrParse", in, err)
		}
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Errorf("Parse(%q) error is %T, want *ParseError", in, err)
		}
	}
	if _, err := Parse("1", 0); !errors.Is(err, ErrParse) {
		t.Errorf("zero precision: got %v, want ErrParse", err)
	}
}

func TestParseDeepDecimal(t *testing.T) {
	t.Parallel()
	// 1 + 10^-60 needs about 200 bits to tell apart from 1.
	one := FromInt64(1, 256)
	n := MustParse("1.000000000000000000000000000000000000000000000000000000000001", 256)
	diff := n.Sub(one)
	if diff.Sign() <= 0 {
		t.Fatalf("difference lost at 256 bits: %v", diff)
	}
	want := 1e-60
	if rel := math.Abs(diff.Float64()-want) / want; rel > 1e-9 {
		t.Errorf("difference = %g, want %g", diff.Float64(), want)
	}

	coarse := MustParse("1.000000000000000000000000000000000000000000000000000000000001", 64)
	if !coarse.Sub(FromInt64(1, 64)).IsZero() {
		t.Error("64-bit parse should not resolve 1e-60")
	}
}

func TestFromFloat64RoundTrip(t *testing.T) {
	t.Parallel()
	values := []float64{1, -1, 0.1, 3.5 / 100, -0.743643887037151, 1e-300, 6.02e23, math.Pi, math.SmallestNonzeroFloat64 * 8}
	for _, p := range []uint{24, 53, 64, 256} {
		bound := math.Ldexp(1, -int(p-2))
		for _, x := range values {
			got := FromFloat64(x, p).Float64()
			if rel := math.Abs(got-x) / math.Abs(x); rel > bound {
				t.Errorf("p=%d x=%g: got %g (rel err %g > %g)", p, x, got, rel, bound)
			}
		}
	}
	for _, x := range []float64{0, math.NaN(), math.Inf(1), math.Inf(-1)} {
		if n := FromFloat64(x, 64); !n.IsZero() || n.Exp() != 0 {
			t.Errorf("FromFloat64(%g) = %v, want zero", x, n)
		}
	}
}

func TestNormalizationInvariant(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	for _, p := range []uint{1, 17, 64, 200, 1024} {
		a := FromFloat64(rng.NormFloat64(), p)
		b := FromFloat64(rng.NormFloat64()*1e-9, p)
		for i := 0; i < 50; i++ {
			ops := []Number{
				a.Add(b), a.Sub(b), a.Mul(b), a.MulInt(int64(rng.Intn(2000) - 1000)),
				a.Neg(), a.WithPrecision(p * 2), a.WithPrecision(p/2 + 1), a.MulPow2(int64(i)),
			}
			for _, n := range ops {
				checkNormalized(t, n)
			}
			a, b = a.Mul(a).Add(b), b.Sub(a.MulInt(3))
		}
	}
}

func TestWithPrecision(t *testing.T) {
	t.Parallel()
	x := MustParse("0.7436438870371587", 256)
	for _, p2 := range []uint{200, 128, 53, 8, 1} {
		once := x.WithPrecision(p2)
		twice := once.WithPrecision(p2)
		if !sameNumber(once, twice) {
			t.Errorf("WithPrecision(%d) not idempotent", p2)
		}
	}

	// Narrowing is lossy: widening back does not restore the dropped bits.
	back := x.WithPrecision(16).WithPrecision(256)
	if back.Prec() != 256 {
		t.Fatalf("prec = %d, want 256", back.Prec())
	}
	if back.Cmp(x) == 0 {
		t.Error("narrow/widen round trip restored information")
	}
	if x.WithPrecision(0).Prec() != 256 {
		t.Error("WithPrecision(0) should keep the precision")
	}
}

func TestArithmetic(t *testing.T) {
	t.Parallel()
	a := MustParse("1.5", 64)
	b := MustParse("2.25", 64)

	if got := a.Mul(b).Float64(); got != 3.375 {
		t.Errorf("1.5*2.25 = %g", got)
	}
	if got := a.Add(b).Float64(); got != 3.75 {
		t.Errorf("1.5+2.25 = %g", got)
	}
	if got := a.Sub(b).Float64(); got != -0.75 {
		t.Errorf("1.5-2.25 = %g", got)
	}
	if got := a.MulInt(-6).Float64(); got != -9 {
		t.Errorf("1.5*-6 = %g", got)
	}
	if got := a.MulPow2(-3).Float64(); got != 0.1875 {
		t.Errorf("1.5*2^-3 = %g", got)
	}
	if got := a.Sub(a); !got.IsZero() || got.Exp() != 0 {
		t.Errorf("a-a = %v, want canonical zero", got)
	}
	if a.Cmp(b) != -1 || b.Cmp(a) != 1 || a.Cmp(a) != 0 {
		t.Error("Cmp ordering broken")
	}

	mixed := a.Add(FromInt64(1, 128))
	if mixed.Prec() != 128 {
		t.Errorf("mixed precision result prec = %d, want 128", mixed.Prec())
	}
}

func TestAddNegligible(t *testing.T) {
	t.Parallel()
	x := FromInt64(1, 64)
	tiny := FromInt64(1, 64).MulPow2(-(64 + GuardBits + 10))
	if got := x.Add(tiny); !sameNumber(got, x) {
		t.Errorf("1 + 2^-138 = %v, want 1 unchanged", got)
	}
	if got := tiny.Add(x); !sameNumber(got, x) {
		t.Errorf("2^-138 + 1 = %v, want 1 unchanged", got)
	}
	near := FromInt64(1, 64).MulPow2(-60)
	if got := x.Add(near); got.Cmp(x) <= 0 {
		t.Error("2^-60 should still register at 64 bits")
	}
}

func TestAddMixedPrecision(t *testing.T) {
	t.Parallel()
	one := FromInt64(1, 64)
	tiny := MustParse("1e-100", 4096)
	for name, sum := range map[string]Number{"1 + tiny": one.Add(tiny), "tiny + 1": tiny.Add(one)} {
		if sum.Prec() != 4096 {
			t.Errorf("%s: precision %d, want 4096", name, sum.Prec())
		}
		got := sum.Sub(one)
		if got.IsZero() {
			t.Fatalf("%s: the low operand was dropped", name)
		}
		if diff := got.Sub(tiny); !diff.IsZero() && diff.Log2Mag() > tiny.Log2Mag()-3000 {
			t.Errorf("%s - 1 = %s, want %s", name, got.Decimal(20), tiny.Decimal(20))
		}
	}
}

func TestTruncationIsSignSymmetric(t *testing.T) {
	t.Parallel()
	x := MustParse("0.333333333333333333333333", 40)
	y := MustParse("-1.7777777777777777777", 40)
	if !sameNumber(x.Neg().Mul(y), x.Mul(y).Neg()) {
		t.Error("(-x)*y != -(x*y)")
	}
	if !sameNumber(x.WithPrecision(9).Neg(), x.Neg().WithPrecision(9)) {
		t.Error("narrowing is not sign symmetric")
	}
}

func TestImmutability(t *testing.T) {
	t.Parallel()
	x := MustParse("12.75", 64)
	before, _ := x.MarshalText()

	m := x.Mantissa()
	m.SetInt64(5)
	_ = x.Add(x).Mul(x).MulInt(3).Sub(x).Neg().MulPow2(4).WithPrecision(8)

	after, _ := x.MarshalText()
	if string(before) != string(after) {
		t.Errorf("receiver mutated: %s -> %s", before, after)
	}
}

func TestLog2Mag(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want int64
	}{
		{"8", 3},
		{"9", 3},
		{"0.5", -1},
		{"-0.75", -1},
		{"0.035", -5},
	}
	for _, tt := range tests {
		if got := MustParse(tt.in, 64).Log2Mag(); got != tt.want {
			t.Errorf("Log2Mag(%s) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if Zero(64).Log2Mag() != MinLog2 {
		t.Error("Log2Mag(0) != MinLog2")
	}
}

func TestDecimal(t *testing.T) {
	t.Parallel()
	if got := MustParse("1.5", 64).Decimal(3); got != "1.5" {
		t.Errorf("Decimal = %q", got)
	}
	if got := Zero(64).String(); got != "0" {
		t.Errorf("zero String = %q", got)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	t.Parallel()
	values := []Number{
		Zero(96),
		MustParse("-0.743643887037158704752191506114774", 256),
		FromFloat64(3.5/1920, 128).MulPow2(-4000),
		FromInt64(1, 1),
	}
	for _, n := range values {
		text, err := n.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var fromText Number
		if err := fromText.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%s): %v", text, err)
		}
		if !sameNumber(n, fromText) {
			t.Errorf("text round trip changed %s", text)
		}

		js, err := json.Marshal(n)
		if err != nil {
			t.Fatal(err)
		}
		var fromJSON Number
		if err := json.Unmarshal(js, &fromJSON); err != nil {
			t.Fatalf("UnmarshalJSON(%s): %v", js, err)
		}
		if !sameNumber(n, fromJSON) {
			t.Errorf("json round trip changed %s", js)
		}

		bin, err := n.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		var fromBin Number
		if err := fromBin.UnmarshalBinary(bin); err != nil {
			t.Fatalf("UnmarshalBinary: %v", err)
		}
		if !sameNumber(n, fromBin) {
			t.Errorf("binary round trip changed %s", text)
		}
	}
}

func TestDeserializeRejects(t *testing.T) {
	t.Parallel()
	texts := []string{
		"5,0,8",     // mantissa 5 has 3 bits, not 8
		"0,3,8",     // zero with exponent
		"128,0,0",   // zero precision
		"x,0,8",     // bad mantissa
		"1,0",       // missing field
		"128,0,8,1", // extra field
	}
	for _, in := range texts {
		var n Number
		if err := n.UnmarshalText([]byte(in)); !errors.Is(err, ErrParse) {
			t.Errorf("UnmarshalText(%q) = %v, want ErrParse", in, err)
		}
	}

	jsons := []string{
		`{"mantissa":"128","exponent":0}`,
		`{"mantissa":"128","exponent":0,"precision":8,"bits":8}`,
		`{"mantissa":"5","exponent":0,"precision":8}`,
		`[1,2,3]`,
	}
	for _, in := range jsons {
		var n Number
		if err := json.Unmarshal([]byte(in), &n); err == nil {
			t.Errorf("json.Unmarshal(%s) succeeded", in)
		}
	}

	bin, _ := MustParse("2.5", 64).MarshalBinary()
	bin[5] ^= 0xFF
	var n Number
	if err := n.UnmarshalBinary(bin); !errors.Is(err, ErrParse) {
		t.Errorf("tampered binary: got %v, want ErrParse", err)
	}
	if err := n.UnmarshalBinary([]byte{1, 2}); !errors.Is(err, ErrParse) {
		t.Errorf("short binary: got %v, want ErrParse", err)
	}
}

func TestFixed(t *testing.T) {
	t.Parallel()
	a := FixedFromNumber(MustParse("0.75", 64), 64)
	b := FixedFromNumber(MustParse("-1.5", 64), 64)

	if got := a.Mul(b).Float64(); got != -1.125 {
		t.Errorf("0.75*-1.5 = %g", got)
	}
	if got := a.Add(b).Float64(); got != -0.75 {
		t.Errorf("0.75+-1.5 = %g", got)
	}
	if got := a.Sub(b).MulInt(2).Float64(); got != 4.5 {
		t.Errorf("(0.75--1.5)*2 = %g", got)
	}

	wide := FixedFromNumber(MustParse("0.25", 64), 128)
	if got := a.Add(wide); got.Bits() != 128 || got.Float64() != 1 {
		t.Errorf("mixed scale add = %g at %d bits", got.Float64(), got.Bits())
	}

	n := MustParse("-0.7436438870371587", 192)
	back := FixedFromNumber(n, 192).Number(192)
	if diff := back.Sub(n).Abs(); diff.Log2Mag() > -190 {
		t.Errorf("fixed round trip error 2^%d too large", diff.Log2Mag())
	}

	if !FixedFromNumber(FromInt64(1, 64).MulPow2(-100), 64).IsZero() {
		t.Error("value below the fixed quantum should truncate to zero")
	}
	if !FixedZero(32).Number(64).IsZero() {
		t.Error("FixedZero.Number should be zero")
	}
}

func BenchmarkNumberMul256(b *testing.B) {
	x := MustParse("-0.7436438870371587047521915061147", 256)
	y := MustParse("0.1318259042053988", 256)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = x.Mul(y)
	}
}

func BenchmarkNumberAdd256(b *testing.B) {
	x := MustParse("-0.7436438870371587047521915061147", 256)
	y := MustParse("0.1318259042053988", 256)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = x.Add(y)
	}
}

func BenchmarkFixedMul256(b *testing.B) {
	x := FixedFromNumber(MustParse("-0.7436438870371587047521915061147", 256), 256)
	y := FixedFromNumber(MustParse("0.1318259042053988", 256), 256)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = x.Mul(y)
	}
}
