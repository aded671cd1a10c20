package runtime

import (
	"errors"
	"fmt"
	goruntime "runtime"

	"github.com/sbl8/mandelzoom/core"
	"github.com/sbl8/mandelzoom/kernels"
	"github.com/sbl8/mandelzoom/model"
	"github.com/sbl8/mandelzoom/policy"
)

const (
	minStripHeight  = 16
	stripsPerWorker = 6
	maxWorkers      = 8
)

// ErrFatalConfig reports a render that cannot be planned at any precision the
// policy allows. It wraps the underlying cause.
var ErrFatalConfig = errors.New("runtime: fatal render configuration")

// Span is a half-open row range [Start, Start+Rows).
type Span struct {
	Start int
	Rows  int
}

// Partition splits [0, height) into consecutive spans of stripHeight rows; the
// last span takes the remainder. The spans cover every row exactly once.
func Partition(height, stripHeight int) []Span {
	if height <= 0 {
		return nil
	}
	if stripHeight < 1 {
		stripHeight = 1
	}
	spans := make([]Span, 0, (height+stripHeight-1)/stripHeight)
	for y := 0; y < height; y += stripHeight {
		spans = append(spans, Span{Start: y, Rows: min(stripHeight, height-y)})
	}
	return spans
}

// StripHeight returns max(16, height/(workers·6)): about six strips per worker
// on tall images, never slivers on small ones.
func StripHeight(height, workers int) int {
	if workers < 1 {
		workers = 1
	}
	return max(minStripHeight, height/(workers*stripsPerWorker))
}

// WorkerCount returns the hardware parallelism minus one, clamped to [1, 8].
func WorkerCount() int {
	return min(max(goruntime.NumCPU()-1, 1), maxWorkers)
}

// PlanOptions tunes Plan.
type PlanOptions struct {
	StripHeight int // 0 derives it from Workers
	Workers     int
	Backend     kernels.Backend
	Palette     kernels.Palette
	MaxBits     int // underflow retries never exceed it; 0 means no limit
}

// Plan turns a resolved snapshot into the strip jobs of one render.
//
// The origin (XMin, YMin) is derived once at the snapshot's precision. If the
// pixel step cannot be represented next to it, Plan raises the precision by
// policy.PrecisionStep and retries, at most policy.MaxUnderflowRetries times
// and never past opts.MaxBits. All jobs of the result carry the precision
// finally used.
func Plan(snap model.Snapshot, token uint64, opts PlanOptions) ([]model.Job, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	if snap.PrecisionBits < 1 || snap.MaxIterations < 1 {
		return nil, fmt.Errorf("runtime: unresolved snapshot: %d bits, %d iterations", snap.PrecisionBits, snap.MaxIterations)
	}
	step := max(snap.SampleStep, 1)

	bits := snap.PrecisionBits
	var (
		xMin, yMin, scale core.Number
		backend           kernels.Backend
	)
	for attempt := 0; ; attempt++ {
		backend = policy.Resolve(opts.Backend, bits)
		xMin, yMin = snap.Origin(uint(bits))
		scale = snap.PixelScale.WithPrecision(uint(bits))
		if !underflows(xMin, yMin, scale, backend, uint(bits)) {
			break
		}
		if attempt == policy.MaxUnderflowRetries || (opts.MaxBits > 0 && bits >= opts.MaxBits) {
			return nil, fmt.Errorf("%w: pixel scale %s still unresolvable at %d bits (%s): %w",
				ErrFatalConfig, snap.PixelScale.Decimal(12), bits, backend, core.ErrPrecisionUnderflow)
		}
		bits += policy.PrecisionStep
		if opts.MaxBits > 0 {
			bits = min(bits, opts.MaxBits)
		}
	}

	sh := opts.StripHeight
	if sh <= 0 {
		workers := opts.Workers
		if workers <= 0 {
			workers = WorkerCount()
		}
		sh = StripHeight(snap.Height, workers)
	}

	spans := Partition(snap.Height, sh)
	jobs := make([]model.Job, len(spans))
	for i, sp := range spans {
		jobs[i] = model.Job{
			Version:       model.SchemaVersion,
			Token:         token,
			ImageWidth:    snap.Width,
			ImageHeight:   snap.Height,
			StripStartRow: sp.Start,
			StripRowCount: sp.Rows,
			SampleStep:    step,
			MaxIterations: snap.MaxIterations,
			PrecisionBits: bits,
			Backend:       backend,
			Palette:       opts.Palette,
			XMin:          xMin,
			YMin:          yMin,
			PixelScale:    scale,
		}
	}
	return jobs, nil
}

// underflows reports whether adjacent pixels collapse onto the same
// coordinate at the given precision and backend.
func underflows(xMin, yMin, scale core.Number, b kernels.Backend, bits uint) bool {
	if scale.IsZero() {
		return true
	}
	switch b {
	case kernels.BackendFixed:
		if core.FixedFromNumber(scale, bits).IsZero() {
			return true
		}
	case kernels.BackendNative:
		s := scale.Float64()
		x, y := xMin.Float64(), yMin.Float64()
		return s == 0 || x+s == x || y+s == y
	}
	return xMin.Add(scale).Sub(xMin).IsZero() || yMin.Add(scale).Sub(yMin).IsZero()
}
