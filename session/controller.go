package session

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sbl8/mandelzoom/kernels"
	"github.com/sbl8/mandelzoom/model"
	"github.com/sbl8/mandelzoom/policy"
)

// DefaultWheelRate converts wheel delta units into zoom shifts: 50 units of
// scroll halve or double the scale.
const DefaultWheelRate = 0.02

// Renderer starts renders. *runtime.Engine satisfies it.
type Renderer interface {
	Render(ctx context.Context, req model.RenderRequest) (uint64, error)
}

// Settings are the display parameters of a session.
type Settings struct {
	Width, Height int
	Step          int // sample step of normal renders
	Palette       kernels.Palette
	Backend       kernels.Backend
	PreviewDelay  time.Duration // 0 uses DefaultPreviewDelay
	SettleDelay   time.Duration // 0 uses DefaultSettleDelay, negative disables
	WheelRate     float64       // 0 uses DefaultWheelRate
}

// Controller turns pointer input into viewport changes and debounced render
// requests. All methods are safe for concurrent use.
type Controller struct {
	r      Renderer
	logger *slog.Logger
	deb    *Debouncer

	mu       sync.Mutex
	set      Settings
	view     Viewport
	wheelAcc float64

	last atomic.Uint64
}

// NewController starts a session at the home view. No render is issued until
// the first change or an explicit Refresh.
func NewController(r Renderer, s Settings, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	s.Width, s.Height, s.Step = max(1, s.Width), max(1, s.Height), max(1, s.Step)
	if s.PreviewDelay <= 0 {
		s.PreviewDelay = DefaultPreviewDelay
	}
	switch {
	case s.SettleDelay == 0:
		s.SettleDelay = DefaultSettleDelay
	case s.SettleDelay < 0:
		s.SettleDelay = 0
	}
	if s.WheelRate == 0 {
		s.WheelRate = DefaultWheelRate
	}
	c := &Controller{r: r, logger: logger, set: s, view: Home(s.Width)}
	c.deb = NewDebouncer(s.PreviewDelay, s.SettleDelay, c.fire)
	return c
}

// View returns the current viewport.
func (c *Controller) View() Viewport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// LastToken returns the token of the most recent render started by the
// controller, 0 before the first one.
func (c *Controller) LastToken() uint64 {
	return c.last.Load()
}

// Pan drags the view by (dx, dy) pixels.
func (c *Controller) Pan(dx, dy int) {
	c.update(func(v Viewport) Viewport { return v.Pan(dx, dy) })
}

// ZoomAt zooms by 2^k keeping the pixel (px, py) fixed.
func (c *Controller) ZoomAt(px, py, k int) {
	c.mu.Lock()
	dx, dy := c.offsetLocked(px, py)
	c.mu.Unlock()
	c.update(func(v Viewport) Viewport { return v.ZoomAt(dx, dy, k) })
}

// Wheel accumulates a wheel delta at pixel (px, py). Positive deltas zoom
// out. Whole zoom steps are applied as they accumulate; the fraction carries
// over to the next event.
func (c *Controller) Wheel(px, py int, delta float64) {
	c.mu.Lock()
	c.wheelAcc += delta * c.set.WheelRate
	k := int(math.Trunc(c.wheelAcc))
	if k == 0 {
		c.mu.Unlock()
		return
	}
	c.wheelAcc -= float64(k)
	dx, dy := c.offsetLocked(px, py)
	c.mu.Unlock()
	c.update(func(v Viewport) Viewport { return v.ZoomAt(dx, dy, k) })
}

// Resize changes the image size and schedules a render.
func (c *Controller) Resize(width, height int) {
	c.mu.Lock()
	c.set.Width, c.set.Height = max(1, width), max(1, height)
	v := c.view
	c.mu.Unlock()
	c.deb.Schedule(v)
}

// Reset returns to the home view and renders it at once.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.view = Home(c.set.Width).WithPrecision(c.view.Bits())
	c.wheelAcc = 0
	v := c.view
	c.mu.Unlock()
	c.deb.Flush(v, policy.QualityNormal)
}

// SetPrecision fixes the render precision (0: automatic) and renders at once.
func (c *Controller) SetPrecision(bits int) {
	c.mu.Lock()
	c.view = c.view.WithPrecision(bits)
	v := c.view
	c.mu.Unlock()
	c.deb.Flush(v, policy.QualityNormal)
}

// Refresh renders the current view at quality q at once.
func (c *Controller) Refresh(q policy.Quality) {
	c.deb.Flush(c.View(), q)
}

// Close cancels pending renders.
func (c *Controller) Close() {
	c.deb.Stop()
}

func (c *Controller) update(f func(Viewport) Viewport) {
	c.mu.Lock()
	c.view = f(c.view)
	v := c.view
	c.mu.Unlock()
	c.deb.Schedule(v)
}

// offsetLocked clamps (px, py) to the image and returns its offset from the
// center pixel.
func (c *Controller) offsetLocked(px, py int) (int, int) {
	w, h := c.set.Width, c.set.Height
	px = max(0, min(w-1, px))
	py = max(0, min(h-1, py))
	return px - w/2, py - h/2
}

func (c *Controller) fire(v Viewport, q policy.Quality) {
	c.mu.Lock()
	s := c.set
	c.mu.Unlock()

	req := v.Request(s.Width, s.Height, s.Step, 0, q)
	req.Palette = s.Palette
	req.Backend = s.Backend
	token, err := c.r.Render(context.Background(), req)
	if err != nil {
		c.logger.Warn("render request failed", "quality", q, "error", err)
		return
	}
	c.last.Store(token)
	c.logger.Debug("render requested", "token", token, "quality", q, "zoom", v.ZoomBits())
}
