package session

import (
	"sync"
	"time"

	"github.com/sbl8/mandelzoom/policy"
)

const (
	DefaultPreviewDelay = 40 * time.Millisecond
	DefaultSettleDelay  = 220 * time.Millisecond
)

// Debouncer coalesces bursts of viewport changes. After each change it fires
// a preview render once the preview delay passes without another change, and
// a full-quality render once the settle delay passes. Only the latest
// viewport of a burst is ever fired.
type Debouncer struct {
	mu      sync.Mutex
	preview time.Duration
	settle  time.Duration // 0 disables the settle render
	fire    func(Viewport, policy.Quality)
	pt, st  *time.Timer
	gen     uint64
	stopped bool
}

// NewDebouncer returns a debouncer calling fire from its own goroutine.
func NewDebouncer(preview, settle time.Duration, fire func(Viewport, policy.Quality)) *Debouncer {
	return &Debouncer{preview: preview, settle: settle, fire: fire}
}

// Schedule replaces any pending renders with renders of v.
func (d *Debouncer) Schedule(v Viewport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopLocked()
	d.gen++
	gen := d.gen
	d.pt = time.AfterFunc(d.preview, func() { d.run(gen, v, policy.QualityPreview) })
	if d.settle > 0 {
		d.st = time.AfterFunc(d.settle, func() { d.run(gen, v, policy.QualityNormal) })
	}
}

// Flush cancels pending renders and fires v at quality q right away.
func (d *Debouncer) Flush(v Viewport, q policy.Quality) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopLocked()
	d.gen++
	d.mu.Unlock()
	d.fire(v, q)
}

// Stop cancels pending renders; later calls to Schedule are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.gen++
	d.stopped = true
}

func (d *Debouncer) run(gen uint64, v Viewport, q policy.Quality) {
	d.mu.Lock()
	current := gen == d.gen && !d.stopped
	d.mu.Unlock()
	if current {
		d.fire(v, q)
	}
}

func (d *Debouncer) stopLocked() {
	if d.pt != nil {
		d.pt.Stop()
	}
	if d.st != nil {
		d.st.Stop()
	}
}
