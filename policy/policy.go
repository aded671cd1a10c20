// Package policy derives the working precision, the iteration budget and the
// numeric backend of a render from its viewport.
//
// Everything here is a pure function of its arguments except Ratchet, which
// holds the one piece of policy state the engine keeps between renders: the
// active precision. Precision only moves up automatically; a manual Set may
// lower it.
package policy

import (
	"fmt"
	"math"
	"sync"

	"github.com/sbl8/mandelzoom/core"
	"github.com/sbl8/mandelzoom/kernels"
)

const (
	// FixedMaxBits is the widest precision served by the fixed-point backend.
	FixedMaxBits = 1024

	// PrecisionStep is added to the precision after an underflow.
	PrecisionStep = 256

	// MaxUnderflowRetries bounds the automatic precision raises of one render.
	MaxUnderflowRetries = 4

	// iterationsPerZoomBit is the iteration growth per halving of the scale.
	iterationsPerZoomBit = 2.4
)

// Policy holds the clamps and constants of the heuristics.
type Policy struct {
	MinBits        int // lower clamp of the required precision
	MaxBits        int // upper clamp of the required precision
	MarginBits     int // bits kept below the pixel granularity
	BaseIterations int // budget at the initial scale
	MinIterations  int
	MaxIterations  int
	IterationCap   int // ceiling applied by the HQ quality preset
}

// Default returns the stock policy.
func Default() Policy {
	return Policy{
		MinBits:        128,
		MaxBits:        16384,
		MarginBits:     48,
		BaseIterations: 220,
		MinIterations:  100,
		MaxIterations:  200000,
		IterationCap:   20000,
	}
}

// Validate rejects clamps that cannot be satisfied.
func (p Policy) Validate() error {
	switch {
	case p.MinBits < 64:
		return fmt.Errorf("policy: min bits %d below 64", p.MinBits)
	case p.MaxBits < p.MinBits:
		return fmt.Errorf("policy: max bits %d below min bits %d", p.MaxBits, p.MinBits)
	case p.MarginBits < 0:
		return fmt.Errorf("policy: negative margin %d", p.MarginBits)
	case p.MinIterations < 1:
		return fmt.Errorf("policy: min iterations %d below 1", p.MinIterations)
	case p.MaxIterations < p.MinIterations:
		return fmt.Errorf("policy: max iterations %d below min iterations %d", p.MaxIterations, p.MinIterations)
	case p.IterationCap < 1:
		return fmt.Errorf("policy: iteration cap %d below 1", p.IterationCap)
	}
	return nil
}

// RequiredPrecisionBits returns ceil(-log2(scale) + log2(maxDim) + margin),
// clamped to [MinBits, MaxBits]. A zero scale has no finite requirement and
// reports core.ErrPrecisionUnderflow.
func (p Policy) RequiredPrecisionBits(scale core.Number, maxDim int) (int, error) {
	if scale.IsZero() {
		return 0, fmt.Errorf("policy: zero pixel scale: %w", core.ErrPrecisionUnderflow)
	}
	if maxDim < 1 {
		maxDim = 1
	}
	need := math.Ceil(float64(-scale.Log2Mag()) + math.Log2(float64(maxDim)) + float64(p.MarginBits))
	return clamp(int(need), p.MinBits, p.MaxBits), nil
}

// CheckBits rejects a caller-chosen precision the policy cannot serve. Values
// below MinBits are allowed: a manual precision may undercut the clamp.
func (p Policy) CheckBits(bits int) error {
	if bits < 1 || bits > p.MaxBits {
		return fmt.Errorf("policy: precision %d bits outside [1, %d]", bits, p.MaxBits)
	}
	return nil
}

// CheckIterations rejects a caller-chosen iteration count above MaxIterations.
func (p Policy) CheckIterations(iters int) error {
	if iters < 1 || iters > p.MaxIterations {
		return fmt.Errorf("policy: %d iterations outside [1, %d]", iters, p.MaxIterations)
	}
	return nil
}

// IterationBudget grows the budget by 2.4 iterations per bit of zoom relative
// to initial. A non-positive base falls back to BaseIterations.
func (p Policy) IterationBudget(scale, initial core.Number, base int) int {
	if base <= 0 {
		base = p.BaseIterations
	}
	zoomBits := ZoomBits(scale, initial)
	n := float64(base) + math.Floor(iterationsPerZoomBit*float64(zoomBits))
	if n > float64(p.MaxIterations) {
		return p.MaxIterations
	}
	return clamp(int(n), p.MinIterations, p.MaxIterations)
}

// ZoomBits returns max(0, log2(initial) - log2(scale)) on integer log2
// magnitudes.
func ZoomBits(scale, initial core.Number) int64 {
	if initial.IsZero() {
		return 0
	}
	d := initial.Log2Mag() - scale.Log2Mag()
	if d < 0 {
		return 0
	}
	return d
}

// SelectBackend picks fixed point up to FixedMaxBits and the floating-exponent
// representation beyond.
func SelectBackend(bits int) kernels.Backend {
	if bits <= FixedMaxBits {
		return kernels.BackendFixed
	}
	return kernels.BackendFloat
}

// Resolve maps BackendAuto to SelectBackend(bits); explicit choices pass through.
func Resolve(b kernels.Backend, bits int) kernels.Backend {
	if b == kernels.BackendAuto {
		return SelectBackend(bits)
	}
	return b
}

// Ratchet holds the active precision. Observe never lowers it. The zero value
// is ready to use and safe for concurrent use.
type Ratchet struct {
	mu     sync.Mutex
	active int
}

// Observe raises the active precision to required if needed and returns it.
func (r *Ratchet) Observe(required int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if required > r.active {
		r.active = required
	}
	return r.active
}

// Set replaces the active precision, lowering it if asked.
func (r *Ratchet) Set(bits int) {
	r.mu.Lock()
	r.active = bits
	r.mu.Unlock()
}

// Active returns the current precision.
func (r *Ratchet) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
