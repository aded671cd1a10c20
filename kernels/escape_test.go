package kernels

import (
	"math"
	"testing"

	"github.com/sbl8/mandelzoom/core"
)

var allBackends = []Backend{BackendFixed, BackendFloat, BackendNative}

func point(re, im string, prec uint) (core.Number, core.Number) {
	return core.MustParse(re, prec), core.MustParse(im, prec)
}

func TestOriginIsInterior(t *testing.T) {
	t.Parallel()
	cre, cim := point("0", "0", 128)
	for _, b := range allBackends {
		for _, budget := range []int{1, 10, 1000} {
			for _, skip := range []bool{false, true} {
				res := EscapeNumber(cre, cim, budget, b, Options{SkipInterior: skip})
				if !res.Interior() || res.Iterations != budget || res.Smooth != float64(budget) {
					t.Errorf("%v budget=%d skip=%v: got %+v, want interior at %d", b, budget, skip, res, budget)
				}
			}
		}
	}
}

func TestTwoEscapesAtIndexOne(t *testing.T) {
	t.Parallel()
	// z1 = 2 sits on |z|² == 4 and is not counted as escaped; z2 = 6 is.
	cre, cim := point("2", "0", 128)
	for _, b := range allBackends {
		res := EscapeNumber(cre, cim, 100, b, Options{})
		if !res.Escaped || res.Iterations != 1 {
			t.Errorf("%v: got %+v, want escape at index 1", b, res)
		}
		want := 2 - math.Log2(math.Log2(6))
		if math.Abs(res.Smooth-want) > 1e-9 {
			t.Errorf("%v: smooth = %g, want %g", b, res.Smooth, want)
		}
	}
}

func TestPeriodTwoBulbFastPath(t *testing.T) {
	t.Parallel()
	cre, cim := point("-1", "0", 256)
	for _, b := range allBackends {
		res := EscapeNumber(cre, cim, 5000, b, Options{})
		if res.Region != RegionBulb || !res.Interior() || res.Iterations != 5000 {
			t.Errorf("%v: got %+v, want bulb fast path", b, res)
		}
	}
}

func TestInteriorRegion(t *testing.T) {
	t.Parallel()
	tests := []struct {
		x, y float64
		want Region
	}{
		{0, 0, RegionCardioid},
		{-0.5, 0, RegionCardioid},
		{0.25, 0, RegionCardioid},
		{-1, 0, RegionBulb},
		{-1.2, 0.1, RegionBulb},
		{0.5, 0.5, RegionNone},
		{-2, 0, RegionNone},
		{-0.75, 0.2, RegionNone},
	}
	for _, tt := range tests {
		if got := InteriorRegion(tt.x, tt.y); got != tt.want {
			t.Errorf("InteriorRegion(%g, %g) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}
}

func TestBackendsAgreeOnDyadicPoint(t *testing.T) {
	t.Parallel()
	// Every orbit value of 0.5+0.5i before escape is a short dyadic fraction,
	// so all backends compute it exactly: |z5|² > 4 at index 4.
	cre, cim := point("0.5", "0.5", 96)
	for _, b := range allBackends {
		res := EscapeNumber(cre, cim, 50, b, Options{})
		if !res.Escaped || res.Iterations != 4 {
			t.Errorf("%v: got %+v, want escape at index 4", b, res)
		}
	}
}

func TestFarPointEscapesImmediately(t *testing.T) {
	t.Parallel()
	cre, cim := point("-2.5", "1.75", 128)
	for _, b := range allBackends {
		res := EscapeNumber(cre, cim, 200, b, Options{})
		if !res.Escaped || res.Iterations != 0 {
			t.Errorf("%v: got %+v, want escape at index 0", b, res)
		}
	}
}

func TestDeterminism(t *testing.T) {
	t.Parallel()
	cre, cim := point("-0.7436438870371587", "0.1318259042053988", 256)
	for _, b := range allBackends {
		first := EscapeNumber(cre, cim, 400, b, Options{})
		for i := 0; i < 5; i++ {
			if got := EscapeNumber(cre, cim, 400, b, Options{}); got != first {
				t.Fatalf("%v: call %d = %+v, first = %+v", b, i, got, first)
			}
		}
	}
}

func TestAliveAbortsLoop(t *testing.T) {
	t.Parallel()
	cre, cim := point("0", "0", 64)
	polls := 0
	opts := Options{
		SkipInterior: true,
		CheckEvery:   100,
		Alive: func() bool {
			polls++
			return false
		},
	}
	res := EscapeNumber(cre, cim, 10000, BackendFloat, opts)
	if !res.Aborted || res.Iterations != 100 || polls != 1 {
		t.Errorf("got %+v after %d polls, want abort at 100", res, polls)
	}
	if res.Interior() {
		t.Error("aborted result must not read as interior")
	}

	opts.Alive = func() bool { return true }
	if res := EscapeNumber(cre, cim, 1000, BackendFloat, opts); !res.Interior() {
		t.Errorf("live loop: got %+v, want interior", res)
	}
}

func TestNativeScalar(t *testing.T) {
	t.Parallel()
	a, b := Native(1.5), Native(-2)
	if a.Add(b) != -0.5 || a.Sub(b) != 3.5 || a.Mul(b) != -3 || a.MulInt(4) != 6 || a.Float64() != 1.5 {
		t.Error("Native arithmetic broken")
	}
}

func TestParseBackend(t *testing.T) {
	t.Parallel()
	for _, b := range []Backend{BackendAuto, BackendFixed, BackendFloat, BackendNative} {
		got, err := ParseBackend(b.String())
		if err != nil || got != b {
			t.Errorf("ParseBackend(%q) = %v, %v", b.String(), got, err)
		}
	}
	if _, err := ParseBackend("quad"); err == nil {
		t.Error("ParseBackend(quad) should fail")
	}
	var b Backend
	if err := b.UnmarshalText([]byte("FIXED")); err != nil || b != BackendFixed {
		t.Errorf("UnmarshalText(FIXED) = %v, %v", b, err)
	}
}

func benchmarkBackend(b *testing.B, backend Backend, prec uint) {
	cre, cim := point("-0.7436438870371587", "0.1318259042053988", prec)
	opts := Options{SkipInterior: true}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		EscapeNumber(cre, cim, 500, backend, opts)
	}
}

func BenchmarkEscape_Native(b *testing.B)     { benchmarkBackend(b, BackendNative, 64) }
func BenchmarkEscape_Fixed_256(b *testing.B)  { benchmarkBackend(b, BackendFixed, 256) }
func BenchmarkEscape_Float_256(b *testing.B)  { benchmarkBackend(b, BackendFloat, 256) }
func BenchmarkEscape_Fixed_1024(b *testing.B) { benchmarkBackend(b, BackendFixed, 1024) }
func BenchmarkEscape_Float_1024(b *testing.B) { benchmarkBackend(b, BackendFloat, 1024) }
