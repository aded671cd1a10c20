// Package session holds the interactive state of a zoom session as immutable
// values. Every pan, zoom or precision change returns a new Viewport; the
// engine only ever sees the snapshots derived from them.
package session

import (
	"fmt"

	"github.com/sbl8/mandelzoom/core"
	"github.com/sbl8/mandelzoom/model"
	"github.com/sbl8/mandelzoom/policy"
)

const (
	// MaxZoomShift bounds the power-of-two shift of a single zoom step.
	MaxZoomShift = 60

	// homeSpan is the width of the complex plane shown by the home view.
	homeSpan = 3.5

	// minStatePrec is the smallest precision the viewport keeps its
	// coordinates in; statePrecMargin bits are kept below the pixel scale.
	minStatePrec    = 128
	statePrecMargin = 64
)

// Viewport is an immutable view of the complex plane.
type Viewport struct {
	centerRe core.Number
	centerIm core.Number
	scale    core.Number
	initial  core.Number
	bits     int // 0: automatic precision
}

// Home returns the standard starting view for an image width pixels wide:
// centered on -0.5+0i with the real axis spanning about 3.5.
func Home(width int) Viewport {
	s := core.FromFloat64(homeSpan/float64(max(1, width)), minStatePrec)
	return Viewport{
		centerRe: core.MustParse("-0.5", minStatePrec),
		centerIm: core.Zero(minStatePrec),
		scale:    s,
		initial:  s,
	}
}

// New returns a viewport at the given center and pixel scale. The scale also
// becomes the initial scale the iteration budget is measured from.
func New(re, im, scale core.Number) (Viewport, error) {
	if scale.Sign() <= 0 {
		return Viewport{}, fmt.Errorf("session: pixel scale must be positive, got %s", scale)
	}
	v := Viewport{centerRe: re, centerIm: im, scale: scale, initial: scale}
	return v.rebase(), nil
}

func (v Viewport) Center() (re, im core.Number) { return v.centerRe, v.centerIm }
func (v Viewport) Scale() core.Number           { return v.scale }
func (v Viewport) InitialScale() core.Number    { return v.initial }

// Bits returns the manual precision, 0 when precision is automatic.
func (v Viewport) Bits() int { return v.bits }

// ZoomBits returns how many halvings of the scale separate the view from its
// initial scale.
func (v Viewport) ZoomBits() int64 { return policy.ZoomBits(v.scale, v.initial) }

// Pan moves the view by a pointer drag of (dx, dy) pixels: the content follows
// the pointer, so the center moves the opposite way.
func (v Viewport) Pan(dx, dy int) Viewport {
	v.centerRe = v.centerRe.Sub(v.scale.MulInt(int64(dx)))
	v.centerIm = v.centerIm.Sub(v.scale.MulInt(int64(dy)))
	return v
}

// ZoomAt scales the view by 2^k around the pixel at offset (dx, dy) from the
// image center, keeping that pixel fixed on screen. k > 0 zooms out, k < 0
// zooms in; |k| is clamped to MaxZoomShift.
func (v Viewport) ZoomAt(dx, dy, k int) Viewport {
	if k == 0 {
		return v
	}
	k = max(-MaxZoomShift, min(MaxZoomShift, k))
	next := v.scale.MulPow2(int64(k))
	// c' = c + d·(s - s'), so that c + d·s == c' + d·s'.
	delta := v.scale.Sub(next)
	v.scale = next
	v = v.rebase()
	v.centerRe = v.centerRe.Add(delta.MulInt(int64(dx)))
	v.centerIm = v.centerIm.Add(delta.MulInt(int64(dy)))
	return v
}

// WithPrecision fixes the render precision to bits, or returns to automatic
// precision when bits is 0.
func (v Viewport) WithPrecision(bits int) Viewport {
	v.bits = max(0, bits)
	return v.rebase()
}

// Snapshot renders the view as an engine snapshot of the given size. iters 0
// leaves the iteration budget to the policy.
func (v Viewport) Snapshot(width, height, step, iters int) model.Snapshot {
	return model.Snapshot{
		CenterRe:      v.centerRe,
		CenterIm:      v.centerIm,
		PixelScale:    v.scale,
		PrecisionBits: v.bits,
		MaxIterations: iters,
		SampleStep:    step,
		Width:         width,
		Height:        height,
	}
}

// Request wraps Snapshot into a render request at quality q. Precision is
// automatic unless WithPrecision fixed it.
func (v Viewport) Request(width, height, step, iters int, q policy.Quality) model.RenderRequest {
	return model.RenderRequest{
		Snapshot:      v.Snapshot(width, height, step, iters),
		AutoPrecision: v.bits == 0,
		Quality:       q,
		InitialScale:  v.initial,
	}
}

// rebase keeps the coordinates precise enough for the current scale, so that
// the center still resolves single pixels after a deep zoom.
func (v Viewport) rebase() Viewport {
	need := uint(max(minStatePrec, v.bits))
	if lg := v.scale.Log2Mag(); lg < 0 {
		need = max(need, uint(-lg)+statePrecMargin)
	}
	if v.centerRe.Prec() < need {
		v.centerRe = v.centerRe.WithPrecision(need)
	}
	if v.centerIm.Prec() < need {
		v.centerIm = v.centerIm.WithPrecision(need)
	}
	return v
}
