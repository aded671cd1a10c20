// Package model defines the values exchanged between the controller, the
// scheduler and the workers of the mandelzoom engine.
//
// Key data structures:
//   - Snapshot: immutable viewport (center, pixel scale, size, precision, budget)
//   - RenderRequest: a Snapshot plus the per-render knobs of the controller
//   - Job: one strip of work, self-contained and serializable
//   - StripResult / ErrorMessage: what a worker sends back for one job
//
// Jobs and results have one canonical wire form, version 1 of a strict JSON
// schema: unknown fields, missing fields and unknown versions are rejected with
// a *core.ParseError. Numbers travel as floating-exponent triples.
//
// Strip results also have a compact binary frame (see EncodeStrip) whose pixel
// payload is zstd-compressed.
package model

import (
	"errors"
	"fmt"

	"github.com/sbl8/mandelzoom/core"
	"github.com/sbl8/mandelzoom/kernels"
	"github.com/sbl8/mandelzoom/policy"
)

// MaxDimension bounds the width and height of any image the engine renders.
const MaxDimension = 1 << 15

// Snapshot is an immutable description of what to render. The controller
// builds a new Snapshot for every change; the engine never mutates one.
type Snapshot struct {
	CenterRe      core.Number
	CenterIm      core.Number
	PixelScale    core.Number // complex-plane distance between adjacent pixels
	PrecisionBits int         // 0 lets the policy decide
	MaxIterations int         // 0 lets the policy decide
	SampleStep    int         // 0 means 1
	Width         int
	Height        int
}

// Validate checks the snapshot for values no render can use.
func (s Snapshot) Validate() error {
	if s.Width < 1 || s.Height < 1 || s.Width > MaxDimension || s.Height > MaxDimension {
		return fmt.Errorf("model: image size %dx%d out of range [1,%d]", s.Width, s.Height, MaxDimension)
	}
	if s.PixelScale.Sign() <= 0 {
		return errors.New("model: pixel scale must be positive")
	}
	if s.PrecisionBits < 0 {
		return fmt.Errorf("model: negative precision %d", s.PrecisionBits)
	}
	if s.MaxIterations < 0 {
		return fmt.Errorf("model: negative iteration budget %d", s.MaxIterations)
	}
	if s.SampleStep < 0 {
		return fmt.Errorf("model: negative sample step %d", s.SampleStep)
	}
	return nil
}

// MaxDim returns the larger image dimension.
func (s Snapshot) MaxDim() int {
	return max(s.Width, s.Height)
}

// Origin returns the complex coordinate of pixel (0, 0) at the given
// precision: center - floor(dim/2)·scale on each axis. The center thus falls
// on pixel (width/2, height/2), the pixel cursor offsets are measured from.
func (s Snapshot) Origin(bits uint) (xMin, yMin core.Number) {
	scale := s.PixelScale.WithPrecision(bits)
	halfW := scale.MulInt(int64(s.Width / 2))
	halfH := scale.MulInt(int64(s.Height / 2))
	xMin = s.CenterRe.WithPrecision(bits).Sub(halfW)
	yMin = s.CenterIm.WithPrecision(bits).Sub(halfH)
	return xMin, yMin
}

// RenderRequest is the controller's input to the engine.
type RenderRequest struct {
	Snapshot      Snapshot
	AutoPrecision bool // raise precision through the ratchet as the scale shrinks
	Quality       policy.Quality
	Palette       kernels.Palette
	Backend       kernels.Backend
	InitialScale  core.Number // reference for the iteration budget; zero means Snapshot.PixelScale
}

// Supersampled returns the request rendered at 2^shift samples per output
// pixel on each axis: the same view, with the size multiplied and the pixel
// scale divided exactly. The iteration budget stays that of the output scale.
func (r RenderRequest) Supersampled(shift int) RenderRequest {
	if shift <= 0 {
		return r
	}
	n := 1 << shift
	r.Snapshot.Width *= n
	r.Snapshot.Height *= n
	r.Snapshot.PixelScale = r.Snapshot.PixelScale.MulPow2(-int64(shift))
	r.InitialScale = r.InitialScale.MulPow2(-int64(shift))
	return r
}
