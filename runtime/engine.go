// Package runtime implements the mandelzoom render engine.
//
// A render request is resolved against the precision policy, planned into
// horizontal strip jobs and handed to a fixed pool of worker goroutines. The
// workers share nothing: each job carries its own numeric inputs and each
// reply carries its own pixels. A single collector goroutine feeds replies to
// the Compositor, which applies only those of the current render token.
//
// Key components:
//   - Engine: token allocation, dispatch, collection, completion events
//   - Plan / Partition: strip planning with precision underflow retries
//   - Worker: stateless strip computation with panic recovery
//   - Compositor: current-token image assembly, accept-once per strip
//   - BufferPool: recycled pixel buffers between workers and the compositor
//
// Execution model:
//  1. Render allocates token = previous + 1 and makes it current
//  2. The dispatcher deals the strips round-robin to the worker queues
//  3. Workers compute strips and send replies in any order
//  4. The collector drops stale replies and publishes a Completion once every
//     strip of the current token is accepted or failed
//
// Superseded strips keep computing unless Options.CancelStale is set, in which
// case kernels poll the current token and stop early.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sbl8/mandelzoom/kernels"
	"github.com/sbl8/mandelzoom/model"
	"github.com/sbl8/mandelzoom/policy"
)

var (
	ErrNotStarted = errors.New("runtime: engine not started")
	ErrClosed     = errors.New("runtime: engine closed")
	ErrSuperseded = errors.New("runtime: render superseded")
)

const (
	defaultQueueDepth = 64
	completionBuffer  = 16
	recentCompletions = 64
)

// Options configures an Engine.
type Options struct {
	Workers     int           // worker goroutines, 0 uses WorkerCount()
	StripHeight int           // rows per strip, 0 derives it per render
	Policy      policy.Policy // zero value uses policy.Default()
	CancelStale bool          // stop kernels of superseded renders early
	CheckEvery  int           // kernel liveness polling interval
	QueueDepth  int           // per-worker job queue length
	OnComplete  func(Completion)
}

// DefaultOptions returns the stock engine configuration.
func DefaultOptions() Options {
	return Options{
		Workers:    WorkerCount(),
		Policy:     policy.Default(),
		QueueDepth: defaultQueueDepth,
	}
}

// Completion reports a finished render and the effective values it used.
type Completion struct {
	Token         uint64
	Elapsed       time.Duration
	PrecisionBits int
	MaxIterations int
	SampleStep    int
	Backend       kernels.Backend
	Strips        int
	Failed        int
}

// ExecutionStats tracks engine activity since New.
type ExecutionStats struct {
	TotalRenders     int64
	CompletedRenders int64
	AbandonedRenders int64
	StripsAccepted   int64
	StripErrors      int64
	StaleDropped     int64
	Duplicates       int64
	AverageLatency   time.Duration
	BackendRenders   map[kernels.Backend]int64
}

type renderState struct {
	start  time.Time
	meta   Completion
	failed int
}

type waitResult struct {
	c   Completion
	err error
}

// Engine runs renders on a fixed worker pool.
type Engine struct {
	opts    Options
	policy  policy.Policy
	logger  *slog.Logger
	ratchet policy.Ratchet
	comp    *Compositor
	pool    *BufferPool

	queues      []chan model.Job
	dispatch    chan []model.Job
	results     chan model.Result
	completions chan Completion

	lastToken atomic.Uint64
	current   atomic.Uint64

	renderMu sync.Mutex // orders token allocation, Begin and dispatch

	mu        sync.Mutex
	stats     ExecutionStats
	pending   map[uint64]*renderState
	done      map[uint64]Completion
	doneOrder []uint64
	waiters   map[uint64][]chan waitResult
	started   bool
	closed    bool

	quit          chan struct{}
	workersWG     sync.WaitGroup
	collectorDone chan struct{}
	closeOnce     sync.Once
}

// New creates an engine. Call Start before Render.
func New(opts Options, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = WorkerCount()
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	if opts.Policy == (policy.Policy{}) {
		opts.Policy = policy.Default()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		opts:          opts,
		policy:        opts.Policy,
		logger:        logger,
		comp:          NewCompositor(),
		pool:          NewBufferPool(opts.Workers * 4),
		queues:        make([]chan model.Job, opts.Workers),
		dispatch:      make(chan []model.Job, 4),
		results:       make(chan model.Result, opts.Workers*2),
		completions:   make(chan Completion, completionBuffer),
		pending:       make(map[uint64]*renderState),
		done:          make(map[uint64]Completion),
		waiters:       make(map[uint64][]chan waitResult),
		quit:          make(chan struct{}),
		collectorDone: make(chan struct{}),
	}
	e.stats.BackendRenders = make(map[kernels.Backend]int64)
	for i := range e.queues {
		e.queues[i] = make(chan model.Job, opts.QueueDepth)
	}
	return e, nil
}

// Start launches the workers, the dispatcher and the collector.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return errors.New("runtime: engine already started")
	}
	e.started = true

	for i, q := range e.queues {
		w := &Worker{ID: i, Pool: e.pool, CheckEvery: e.opts.CheckEvery, Logger: e.logger}
		e.workersWG.Add(1)
		go e.workerLoop(w, q)
	}
	go e.dispatchLoop()
	go e.collect()
	go func() {
		e.workersWG.Wait()
		close(e.results)
	}()

	e.logger.Debug("engine started", "workers", len(e.queues), "cancel_stale", e.opts.CancelStale)
	return nil
}

// Close stops the engine. In-flight strips finish; their replies are
// discarded. Pending Wait calls return ErrClosed.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		started := e.started
		e.mu.Unlock()

		close(e.quit)
		if started {
			<-e.collectorDone
		}

		e.mu.Lock()
		for tok, ws := range e.waiters {
			for _, ch := range ws {
				ch <- waitResult{err: ErrClosed}
			}
			delete(e.waiters, tok)
		}
		e.mu.Unlock()
		close(e.completions)
	})
	return nil
}

// Render starts a render and returns its token without waiting for any
// strip. Results arrive asynchronously; use Wait, Completions or OnComplete.
func (e *Engine) Render(ctx context.Context, req model.RenderRequest) (uint64, error) {
	e.mu.Lock()
	started, closed := e.started, e.closed
	e.mu.Unlock()
	switch {
	case closed:
		return 0, ErrClosed
	case !started:
		return 0, ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.renderMu.Lock()
	defer e.renderMu.Unlock()

	snap, err := e.resolve(req)
	if err != nil {
		return 0, err
	}
	token := e.lastToken.Add(1)
	jobs, err := Plan(snap, token, PlanOptions{
		StripHeight: e.opts.StripHeight,
		Workers:     len(e.queues),
		Backend:     req.Backend,
		Palette:     req.Palette,
		MaxBits:     e.policy.MaxBits,
	})
	if err != nil {
		e.logger.Warn("render plan failed", "token", token, "error", err)
		return 0, err
	}
	bits := jobs[0].PrecisionBits
	if bits != snap.PrecisionBits {
		e.logger.Info("precision raised after underflow", "token", token, "from", snap.PrecisionBits, "bits", bits)
		if req.AutoPrecision {
			e.ratchet.Observe(bits)
		}
	}

	e.comp.Begin(token, snap.Width, snap.Height, len(jobs))
	e.current.Store(token)

	e.mu.Lock()
	e.pending[token] = &renderState{
		start: time.Now(),
		meta: Completion{
			Token:         token,
			PrecisionBits: bits,
			MaxIterations: snap.MaxIterations,
			SampleStep:    jobs[0].SampleStep,
			Backend:       jobs[0].Backend,
			Strips:        len(jobs),
		},
	}
	for tok := range e.pending {
		if tok < token {
			delete(e.pending, tok)
		}
	}
	for tok, ws := range e.waiters {
		if tok < token {
			for _, ch := range ws {
				ch <- waitResult{err: ErrSuperseded}
			}
			delete(e.waiters, tok)
		}
	}
	e.stats.TotalRenders++
	e.stats.BackendRenders[jobs[0].Backend]++
	e.mu.Unlock()

	e.logger.Debug("render dispatched",
		"token", token, "strips", len(jobs), "bits", bits,
		"iterations", snap.MaxIterations, "step", jobs[0].SampleStep, "backend", jobs[0].Backend)

	select {
	case e.dispatch <- jobs:
		return token, nil
	case <-e.quit:
		return 0, ErrClosed
	case <-ctx.Done():
		e.abandon(token, ctx.Err())
		return 0, ctx.Err()
	}
}

// abandon forgets a render whose jobs never reached the dispatcher. The token
// stays current, so late strips of older renders remain stale.
func (e *Engine) abandon(token uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, token)
	for _, ch := range e.waiters[token] {
		ch <- waitResult{err: err}
	}
	delete(e.waiters, token)
	e.stats.AbandonedRenders++
	e.logger.Debug("render abandoned before dispatch", "token", token, "error", err)
}

// resolve fills the automatic fields of the snapshot: precision through the
// ratchet or the policy, the iteration budget, and the quality preset.
func (e *Engine) resolve(req model.RenderRequest) (model.Snapshot, error) {
	snap := req.Snapshot
	if err := snap.Validate(); err != nil {
		return snap, err
	}
	p := e.policy
	required, err := p.RequiredPrecisionBits(snap.PixelScale, snap.MaxDim())
	if err != nil {
		return snap, fmt.Errorf("%w: %w", ErrFatalConfig, err)
	}

	bits := snap.PrecisionBits
	switch {
	case req.AutoPrecision:
		bits = e.ratchet.Observe(max(required, bits))
	case bits == 0:
		bits = required
	default:
		if err := p.CheckBits(bits); err != nil {
			return snap, fmt.Errorf("%w: %w", ErrFatalConfig, err)
		}
		e.ratchet.Set(bits)
	}

	iters := snap.MaxIterations
	if iters > p.MaxIterations {
		return snap, fmt.Errorf("%w: %w", ErrFatalConfig, p.CheckIterations(iters))
	}
	if iters == 0 {
		initial := req.InitialScale
		if initial.IsZero() {
			initial = snap.PixelScale
		}
		iters = p.IterationBudget(snap.PixelScale, initial, 0)
	}

	step, iters, bits := req.Quality.Apply(snap.SampleStep, iters, bits, p.IterationCap)
	if req.AutoPrecision && bits < required {
		bits = required
	}
	snap.PrecisionBits, snap.MaxIterations, snap.SampleStep = bits, iters, step
	return snap, nil
}

// Wait blocks until the render identified by token completes. It returns
// ErrSuperseded once a newer render has been started before completion.
func (e *Engine) Wait(ctx context.Context, token uint64) (Completion, error) {
	e.mu.Lock()
	if c, ok := e.done[token]; ok {
		e.mu.Unlock()
		return c, nil
	}
	if e.closed {
		e.mu.Unlock()
		return Completion{}, ErrClosed
	}
	if token == 0 || token > e.lastToken.Load() {
		e.mu.Unlock()
		return Completion{}, fmt.Errorf("runtime: unknown render token %d", token)
	}
	if _, ok := e.pending[token]; !ok {
		e.mu.Unlock()
		return Completion{}, ErrSuperseded
	}
	ch := make(chan waitResult, 1)
	e.waiters[token] = append(e.waiters[token], ch)
	e.mu.Unlock()

	select {
	case r := <-ch:
		return r.c, r.err
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

// RenderImage renders req and returns a copy of the finished image.
func (e *Engine) RenderImage(ctx context.Context, req model.RenderRequest) (Completion, *image.RGBA, error) {
	token, err := e.Render(ctx, req)
	if err != nil {
		return Completion{}, nil, err
	}
	c, err := e.Wait(ctx, token)
	if err != nil {
		return c, nil, err
	}
	img := e.comp.Image()
	if e.comp.Current() != token {
		return c, nil, ErrSuperseded
	}
	return c, img, nil
}

// Completions delivers completion events. Events are dropped while the
// channel is full. The channel is closed by Close.
func (e *Engine) Completions() <-chan Completion {
	return e.completions
}

// Image returns a copy of the output image.
func (e *Engine) Image() *image.RGBA {
	return e.comp.Image()
}

// Current returns the current render token.
func (e *Engine) Current() uint64 {
	return e.current.Load()
}

// Progress reports the counted, failed and total strips of the current render.
func (e *Engine) Progress() (done, failed, total int) {
	return e.comp.Progress()
}

// Precision returns the active precision of the ratchet.
func (e *Engine) Precision() int {
	return e.ratchet.Active()
}

// SetPrecision replaces the active precision; it may lower it.
func (e *Engine) SetPrecision(bits int) {
	e.ratchet.Set(bits)
}

// Policy returns the precision and iteration policy in use.
func (e *Engine) Policy() policy.Policy {
	return e.policy
}

// Stats returns current execution statistics.
func (e *Engine) Stats() ExecutionStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Return a copy to avoid races
	stats := e.stats
	stats.BackendRenders = make(map[kernels.Backend]int64, len(e.stats.BackendRenders))
	for k, v := range e.stats.BackendRenders {
		stats.BackendRenders[k] = v
	}
	return stats
}

func (e *Engine) dispatchLoop() {
	defer func() {
		for _, q := range e.queues {
			close(q)
		}
	}()
	next := 0
	for {
		select {
		case <-e.quit:
			return
		case jobs := <-e.dispatch:
			for _, job := range jobs {
				if e.opts.CancelStale && job.Token != e.current.Load() {
					continue
				}
				select {
				case e.queues[next] <- job:
				case <-e.quit:
					return
				}
				next = (next + 1) % len(e.queues)
			}
		}
	}
}

func (e *Engine) workerLoop(w *Worker, q <-chan model.Job) {
	defer e.workersWG.Done()
	for job := range q {
		var alive func() bool
		if e.opts.CancelStale {
			tok := job.Token
			alive = func() bool { return e.current.Load() == tok }
		}
		e.results <- w.Run(job, alive)
	}
}

func (e *Engine) collect() {
	defer close(e.collectorDone)
	for res := range e.results {
		e.handle(res)
	}
}

// handle applies one worker reply. It runs on the collector goroutine only.
func (e *Engine) handle(res model.Result) {
	var out Outcome
	switch {
	case res.Strip != nil:
		out = e.comp.Accept(*res.Strip)
		if out == Rejected {
			e.logger.Warn("strip geometry mismatch", "token", res.Strip.Token, "strip", res.Strip.StripStartRow)
			out = e.comp.Fail(model.ErrorMessage{
				Type:          model.TypeError,
				Token:         res.Strip.Token,
				StripStartRow: res.Strip.StripStartRow,
				Message:       "strip geometry mismatch",
			})
			res = model.Result{Err: &model.ErrorMessage{Token: res.Strip.Token}}
		} else {
			e.pool.Put(res.Strip.Pix)
		}
	case res.Err != nil:
		out = e.comp.Fail(*res.Err)
		if out.Counted() {
			e.logger.Warn("strip failed", "token", res.Err.Token, "strip", res.Err.StripStartRow, "error", res.Err.Message)
		}
	default:
		return
	}

	token := res.Token()
	e.mu.Lock()
	switch out {
	case Stale:
		e.stats.StaleDropped++
	case Duplicate:
		e.stats.Duplicates++
	case Applied, Completed:
		if res.Err != nil {
			e.stats.StripErrors++
			if st, ok := e.pending[token]; ok {
				st.failed++
			}
		} else {
			e.stats.StripsAccepted++
		}
	}
	e.mu.Unlock()

	switch out {
	case Stale:
		e.logger.Debug("stale strip dropped", "token", token)
	case Completed:
		e.finish(token)
	}
}

func (e *Engine) finish(token uint64) {
	e.mu.Lock()
	st, ok := e.pending[token]
	if !ok {
		e.mu.Unlock()
		return
	}
	c := st.meta
	c.Elapsed = time.Since(st.start)
	c.Failed = st.failed
	e.mu.Unlock()

	e.logger.Info("render complete",
		"token", token, "elapsed", c.Elapsed, "bits", c.PrecisionBits,
		"iterations", c.MaxIterations, "strips", c.Strips, "failed", c.Failed)

	// Events go out before waiters wake, so a returned Wait implies the
	// hook has run.
	select {
	case e.completions <- c:
	default:
		e.logger.Debug("completion event dropped", "token", token)
	}
	if e.opts.OnComplete != nil {
		e.opts.OnComplete(c)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, token)
	e.stats.CompletedRenders++
	if e.stats.CompletedRenders == 1 {
		e.stats.AverageLatency = c.Elapsed
	} else {
		n := e.stats.CompletedRenders
		e.stats.AverageLatency = time.Duration((int64(e.stats.AverageLatency)*(n-1) + int64(c.Elapsed)) / n)
	}

	e.done[token] = c
	e.doneOrder = append(e.doneOrder, token)
	if len(e.doneOrder) > recentCompletions {
		delete(e.done, e.doneOrder[0])
		e.doneOrder = e.doneOrder[1:]
	}
	for _, ch := range e.waiters[token] {
		ch <- waitResult{c: c}
	}
	delete(e.waiters, token)
}
