package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sbl8/mandelzoom/core"
	"github.com/sbl8/mandelzoom/kernels"
	"github.com/sbl8/mandelzoom/model"
	"github.com/sbl8/mandelzoom/policy"
)

// Worker computes strip jobs. It keeps no state between jobs beyond the
// buffer pool it draws pixel buffers from.
type Worker struct {
	ID         int
	Pool       *BufferPool // nil allocates a fresh buffer per job
	CheckEvery int         // kernel liveness polling interval, 0 for the default
	Logger     *slog.Logger

	// Kernel classifies one point; nil uses kernels.EscapeNumber.
	Kernel func(cre, cim core.Number, maxIter int, b kernels.Backend, opts kernels.Options) kernels.Result
}

// Compute runs one job with a throwaway worker.
func Compute(job model.Job) model.Result {
	return ComputeContext(context.Background(), job)
}

// ComputeContext runs one job with a throwaway worker that gives up once ctx
// is done. It backs remote job execution.
func ComputeContext(ctx context.Context, job model.Job) model.Result {
	var w Worker
	res := w.Run(job, func() bool { return ctx.Err() == nil })
	if res.Err != nil && res.Err.Message == errAbandoned && ctx.Err() != nil {
		res.Err.Message = "abandoned: " + ctx.Err().Error()
	}
	return res
}

// Run computes job and returns its strip. Any failure, including a recovered
// panic or a false alive check, comes back as an error message instead.
func (w *Worker) Run(job model.Job, alive func() bool) (res model.Result) {
	fail := func(msg string) model.Result {
		return model.Result{Err: &model.ErrorMessage{
			Type:          model.TypeError,
			Token:         job.Token,
			StripStartRow: job.StripStartRow,
			Message:       msg,
		}}
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger().Warn("strip computation panicked",
				"worker", w.ID, "token", job.Token, "strip", job.StripStartRow, "error", r)
			res = fail(fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := job.Validate(); err != nil {
		return fail(err.Error())
	}

	kernel := w.Kernel
	if kernel == nil {
		kernel = kernels.EscapeNumber
	}
	pix := w.Pool.Get(job.PixLen())

	opts := kernels.Options{Alive: alive, CheckEvery: w.CheckEvery}
	backend := policy.Resolve(job.Backend, job.PrecisionBits)
	width, rows, step := job.ImageWidth, job.StripRowCount, job.SampleStep
	stride := width * 4

	for by := 0; by < rows; by += step {
		if alive != nil && !alive() {
			w.Pool.Put(pix)
			return fail(errAbandoned)
		}
		cim := job.Im(job.StripStartRow + by)
		for bx := 0; bx < width; bx += step {
			cre := job.Re(bx)
			r := kernel(cre, cim, job.MaxIterations, backend, opts)
			if r.Aborted {
				w.Pool.Put(pix)
				return fail(errAbandoned)
			}
			c := kernels.Colorize(r, job.MaxIterations, job.Palette)

			// Replicate the sample over its step×step block, clipped to the strip.
			for y := by; y < min(by+step, rows); y++ {
				row := pix[y*stride:]
				for x := bx; x < min(bx+step, width); x++ {
					o := x * 4
					row[o], row[o+1], row[o+2], row[o+3] = c.R, c.G, c.B, c.A
				}
			}
		}
	}

	return model.Result{Strip: &model.StripResult{
		Type:          model.TypeStrip,
		Token:         job.Token,
		StripStartRow: job.StripStartRow,
		StripRowCount: rows,
		Width:         width,
		Pix:           pix,
	}}
}

// errAbandoned is the message of strips dropped by a stale liveness check.
const errAbandoned = "abandoned: render superseded"

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}
