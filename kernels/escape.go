// Package kernels provides the escape-time kernel of the mandelzoom engine.
//
// One generic loop, EscapeTime, iterates z <- z² + c over any numeric backend
// satisfying Scalar: the floating-exponent core.Number, the scaled-integer
// core.Fixed, or Native float64. Backends are interchangeable; the precision
// policy picks one per render.
//
// Before iterating, the kernel tries two closed-form interior tests (main
// cardioid and period-2 bulb) on a float64 view of c. Both regions lie well
// inside the set, so the approximation cannot misclassify them at any depth.
//
// Escape is tested in float64 as well: re²+im² > 4 on the updated z, strictly
// greater. A point sitting exactly on |z|² = 4 keeps iterating. c = 2 therefore
// escapes at iteration index 1 (z1 = 2, z2 = 6).
//
// Results are a pure function of (c, precision, maxIter, backend); the kernel
// keeps no state between calls.
package kernels

import (
	"math"

	"github.com/sbl8/mandelzoom/core"
)

// DefaultCheckEvery is the liveness polling interval, in iterations.
const DefaultCheckEvery = 1024

const smoothEpsilon = 1e-9

// Region names the interior fast path that classified a point, if any.
type Region uint8

const (
	RegionNone Region = iota
	RegionCardioid
	RegionBulb
)

func (r Region) String() string {
	switch r {
	case RegionCardioid:
		return "cardioid"
	case RegionBulb:
		return "bulb"
	default:
		return "none"
	}
}

// Result classifies one point.
type Result struct {
	Escaped    bool
	Iterations int     // escape index, or maxIter for interior points
	Smooth     float64 // continuous iteration value, maxIter for interior points
	Region     Region  // interior fast path taken, RegionNone if iterated
	Aborted    bool    // Alive returned false before a classification
}

// Interior reports whether the point was classified as inside the set.
func (r Result) Interior() bool {
	return !r.Escaped && !r.Aborted
}

// Options tunes a kernel call.
type Options struct {
	SkipInterior bool        // iterate even inside the cardioid / bulb
	Alive        func() bool // optional checkpoint; false aborts the loop
	CheckEvery   int         // iterations between Alive polls
}

// InteriorRegion runs the cardioid and period-2 bulb membership tests.
func InteriorRegion(x, y float64) Region {
	xp := x + 1
	y2 := y * y
	if xp*xp+y2 <= 1.0/16 {
		return RegionBulb
	}
	xq := x - 0.25
	q := xq*xq + y2
	if q*(q+xq) <= 0.25*y2 {
		return RegionCardioid
	}
	return RegionNone
}

func interior(maxIter int, r Region) Result {
	return Result{Iterations: maxIter, Smooth: float64(maxIter), Region: r}
}

func escaped(i int, mag float64) Result {
	smooth := float64(i)
	if !math.IsInf(mag, 0) && !math.IsNaN(mag) {
		smooth = float64(i) + 1 - math.Log2(math.Log2(math.Max(smoothEpsilon, mag)))
	}
	return Result{Escaped: true, Iterations: i, Smooth: smooth}
}

// EscapeTime iterates z <- z² + c from z = 0 at most maxIter times.
func EscapeTime[T Scalar[T]](cre, cim T, maxIter int, opts Options) Result {
	if maxIter < 0 {
		maxIter = 0
	}
	if !opts.SkipInterior {
		if r := InteriorRegion(cre.Float64(), cim.Float64()); r != RegionNone {
			return interior(maxIter, r)
		}
	}

	every := opts.CheckEvery
	if every <= 0 {
		every = DefaultCheckEvery
	}

	zre, zim := cre.MulInt(0), cim.MulInt(0)
	for i := 0; i < maxIter; i++ {
		if opts.Alive != nil && i > 0 && i%every == 0 && !opts.Alive() {
			return Result{Aborted: true, Iterations: i}
		}

		re2 := zre.Mul(zre)
		im2 := zim.Mul(zim)
		reim := zre.Mul(zim).MulInt(2)
		zre = re2.Sub(im2).Add(cre)
		zim = reim.Add(cim)

		fr, fi := zre.Float64(), zim.Float64()
		if mag2 := fr*fr + fi*fi; mag2 > 4 {
			return escaped(i, math.Sqrt(mag2))
		}
	}
	return interior(maxIter, RegionNone)
}

// EscapeNumber runs EscapeTime on c given in floating-exponent form, converted
// to backend b. The working precision is the wider of the two inputs;
// BackendAuto is treated as BackendFloat.
func EscapeNumber(cre, cim core.Number, maxIter int, b Backend, opts Options) Result {
	prec := cre.Prec()
	if cim.Prec() > prec {
		prec = cim.Prec()
	}
	switch b {
	case BackendFixed:
		return EscapeTime(core.FixedFromNumber(cre, prec), core.FixedFromNumber(cim, prec), maxIter, opts)
	case BackendNative:
		return EscapeTime(Native(cre.Float64()), Native(cim.Float64()), maxIter, opts)
	default:
		return EscapeTime(cre.WithPrecision(prec), cim.WithPrecision(prec), maxIter, opts)
	}
}
