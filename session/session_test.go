package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sbl8/mandelzoom/core"
	"github.com/sbl8/mandelzoom/kernels"
	"github.com/sbl8/mandelzoom/model"
	"github.com/sbl8/mandelzoom/policy"
)

func near(a, b float64) bool { return math.Abs(a-b) <= 1e-12*math.Max(1, math.Abs(b)) }

func TestHome(t *testing.T) {
	t.Parallel()
	v := Home(700)
	re, im := v.Center()
	if re.Float64() != -0.5 || !im.IsZero() {
		t.Errorf("center = %s, %s", re, im)
	}
	if !near(v.Scale().Float64(), 0.005) {
		t.Errorf("scale = %v, want 0.005", v.Scale().Float64())
	}
	if v.ZoomBits() != 0 || v.Bits() != 0 {
		t.Errorf("zoom=%d bits=%d, want 0 0", v.ZoomBits(), v.Bits())
	}
	if Home(0).Scale().Float64() != 3.5 {
		t.Error("zero width should fall back to one pixel")
	}
}

func TestPanMovesCenterAgainstDrag(t *testing.T) {
	t.Parallel()
	v := Home(100).Pan(10, -4)
	re, im := v.Center()
	if !near(re.Float64(), -0.85) || !near(im.Float64(), 0.14) {
		t.Errorf("center = %v%+vi, want -0.85+0.14i", re.Float64(), im.Float64())
	}
	if v.Scale().Cmp(Home(100).Scale()) != 0 {
		t.Error("pan changed the scale")
	}
}

func TestZoomAtKeepsCursorFixed(t *testing.T) {
	t.Parallel()
	v, err := New(core.MustParse("0.25", 256), core.MustParse("-0.125", 256), core.FromInt64(1, 128).MulPow2(-10))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct{ dx, dy, k, shift int }{
		{37, -11, -3, -3},
		{-50, 20, 2, 2},
		{5, 5, -60, -60},
		{-7, 3, 61, 60},
		{0, 0, -200, -60},
	}
	for _, tt := range tests {
		w := v.ZoomAt(tt.dx, tt.dy, tt.k)
		if want := v.Scale().MulPow2(int64(tt.shift)); w.Scale().Cmp(want) != 0 {
			t.Errorf("k=%d: scale = %s, want %s", tt.k, w.Scale(), want)
		}
		vre, vim := v.Center()
		wre, wim := w.Center()
		beforeRe := vre.Add(v.Scale().MulInt(int64(tt.dx)))
		beforeIm := vim.Add(v.Scale().MulInt(int64(tt.dy)))
		afterRe := wre.Add(w.Scale().MulInt(int64(tt.dx)))
		afterIm := wim.Add(w.Scale().MulInt(int64(tt.dy)))
		if beforeRe.Cmp(afterRe) != 0 || beforeIm.Cmp(afterIm) != 0 {
			t.Errorf("k=%d at (%d,%d): cursor moved from (%s, %s) to (%s, %s)",
				tt.k, tt.dx, tt.dy, beforeRe, beforeIm, afterRe, afterIm)
		}
	}
	if w := v.ZoomAt(3, 3, 0); w != v {
		t.Error("k=0 should return the view unchanged")
	}
}

func TestDeepZoomRoundTrip(t *testing.T) {
	t.Parallel()
	start := Home(640)
	v := start
	for range 12 {
		v = v.ZoomAt(123, -77, -50)
	}
	if got := v.ZoomBits(); got != 600 {
		t.Errorf("ZoomBits = %d, want 600", got)
	}
	re, _ := v.Center()
	if re.Prec() < 600 {
		t.Errorf("center kept %d bits at 2^-600 zoom", re.Prec())
	}
	for range 12 {
		v = v.ZoomAt(123, -77, 50)
	}
	sre, sim := start.Center()
	vre, vim := v.Center()
	if sre.Cmp(vre) != 0 || sim.Cmp(vim) != 0 {
		t.Errorf("round trip moved the center to (%s, %s)", vre, vim)
	}
	if v.Scale().Cmp(start.Scale()) != 0 {
		t.Errorf("round trip scale = %s", v.Scale())
	}
}

func TestRequest(t *testing.T) {
	t.Parallel()
	v := Home(200).ZoomAt(0, 0, -4)
	req := v.Request(200, 100, 2, 0, policy.QualityPreview)
	if !req.AutoPrecision || req.Quality != policy.QualityPreview {
		t.Errorf("auto=%v quality=%v", req.AutoPrecision, req.Quality)
	}
	if req.InitialScale.Cmp(Home(200).Scale()) != 0 {
		t.Error("initial scale not carried")
	}
	s := req.Snapshot
	if s.Width != 200 || s.Height != 100 || s.SampleStep != 2 || s.MaxIterations != 0 || s.PrecisionBits != 0 {
		t.Errorf("snapshot = %+v", s)
	}
	if err := s.Validate(); err != nil {
		t.Fatal(err)
	}

	manual := v.WithPrecision(512).Request(200, 100, 1, 300, policy.QualityNormal)
	if manual.AutoPrecision || manual.Snapshot.PrecisionBits != 512 || manual.Snapshot.MaxIterations != 300 {
		t.Errorf("manual request = %+v", manual)
	}
	if v.WithPrecision(-3).Bits() != 0 {
		t.Error("negative precision should mean automatic")
	}
}

func TestNewRejectsNonPositiveScale(t *testing.T) {
	t.Parallel()
	if _, err := New(core.Zero(128), core.Zero(128), core.Zero(128)); err == nil {
		t.Error("zero scale accepted")
	}
	if _, err := New(core.Zero(128), core.Zero(128), core.MustParse("-1e-3", 128)); err == nil {
		t.Error("negative scale accepted")
	}
}

func sameView(a, b Viewport) bool {
	are, aim := a.Center()
	bre, bim := b.Center()
	return are.Cmp(bre) == 0 && aim.Cmp(bim) == 0 &&
		a.Scale().Cmp(b.Scale()) == 0 && a.Bits() == b.Bits()
}

type fired struct {
	v Viewport
	q policy.Quality
}

func TestDebouncerCoalescesBurst(t *testing.T) {
	t.Parallel()
	ch := make(chan fired, 16)
	d := NewDebouncer(10*time.Millisecond, 40*time.Millisecond, func(v Viewport, q policy.Quality) {
		ch <- fired{v, q}
	})
	defer d.Stop()

	v := Home(100)
	for i := range 5 {
		v = v.Pan(i, 0)
		d.Schedule(v)
	}
	want := []policy.Quality{policy.QualityPreview, policy.QualityNormal}
	for _, q := range want {
		select {
		case f := <-ch:
			if f.q != q {
				t.Fatalf("fired %v, want %v", f.q, q)
			}
			if f.v != v {
				t.Fatal("fired a viewport other than the latest")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %v render", q)
		}
	}
	select {
	case f := <-ch:
		t.Fatalf("extra render %v", f.q)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDebouncerStopAndFlush(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got []policy.Quality
	d := NewDebouncer(20*time.Millisecond, 0, func(_ Viewport, q policy.Quality) {
		mu.Lock()
		got = append(got, q)
		mu.Unlock()
	})
	d.Schedule(Home(10))
	d.Flush(Home(10), policy.QualityHQ)
	d.Schedule(Home(10))
	d.Stop()
	d.Schedule(Home(10))
	d.Flush(Home(10), policy.QualityHQ)
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != policy.QualityHQ {
		t.Errorf("fired %v, want only the first flush", got)
	}
}

type fakeRenderer struct {
	mu   sync.Mutex
	reqs []model.RenderRequest
	err  error
}

func (f *fakeRenderer) Render(_ context.Context, req model.RenderRequest) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.reqs = append(f.reqs, req)
	return uint64(len(f.reqs)), nil
}

func (f *fakeRenderer) requests() []model.RenderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.RenderRequest(nil), f.reqs...)
}

// quietController never fires on its own: only Flush-driven calls render.
func quietController(t *testing.T, r Renderer) *Controller {
	t.Helper()
	c := NewController(r, Settings{
		Width: 64, Height: 48, Step: 2,
		Palette:      kernels.PaletteWheel,
		Backend:      kernels.BackendFloat,
		PreviewDelay: time.Hour,
		SettleDelay:  -1,
	}, nil)
	t.Cleanup(c.Close)
	return c
}

func TestControllerWheelAccumulates(t *testing.T) {
	t.Parallel()
	c := quietController(t, &fakeRenderer{})
	home := c.View()

	c.Wheel(32, 24, 30)
	if c.View() != home {
		t.Fatal("a fraction of a step zoomed")
	}
	c.Wheel(32, 24, 30)
	if got, want := c.View().Scale(), home.Scale().MulPow2(1); got.Cmp(want) != 0 {
		t.Errorf("scale = %s, want %s", got, want)
	}
	c.Wheel(32, 24, -170)
	if got := c.View().ZoomBits(); got != 2 {
		t.Errorf("ZoomBits = %d, want 2", got)
	}
}

func TestControllerZoomClampsCursor(t *testing.T) {
	t.Parallel()
	c := quietController(t, &fakeRenderer{})
	c.ZoomAt(-100, 1000, -1)
	want := Home(64).ZoomAt(0-32, 47-24, -1)
	if !sameView(c.View(), want) {
		t.Error("cursor outside the image was not clamped to its edge")
	}
}

func TestControllerZoomKeepsCornerOnOddSize(t *testing.T) {
	t.Parallel()
	const w, h = 101, 75
	c := NewController(&fakeRenderer{}, Settings{
		Width: w, Height: h, Step: 1,
		PreviewDelay: time.Hour,
		SettleDelay:  -1,
	}, nil)
	t.Cleanup(c.Close)

	corner := func() (core.Number, core.Number) {
		return c.View().Snapshot(w, h, 1, 0).Origin(2048)
	}
	re0, im0 := corner()
	for k := range 8 {
		c.ZoomAt(0, 0, -1)
		re, im := corner()
		if re.Cmp(re0) != 0 || im.Cmp(im0) != 0 {
			t.Fatalf("zoom %d moved pixel (0,0) from (%s, %s) to (%s, %s)", k+1, re0, im0, re, im)
		}
	}
	c.ZoomAt(w-1, h-1, 3)
	c.ZoomAt(w-1, h-1, -3)
	if re, im := corner(); re.Cmp(re0) != 0 || im.Cmp(im0) != 0 {
		t.Errorf("zoom round trip at the far corner moved pixel (0,0) to (%s, %s)", re, im)
	}
}

func TestControllerRefreshBuildsRequest(t *testing.T) {
	t.Parallel()
	r := &fakeRenderer{}
	c := quietController(t, r)
	c.Pan(3, 4)
	c.Refresh(policy.QualityHQ)
	c.SetPrecision(384)
	c.Reset()

	reqs := r.requests()
	if len(reqs) != 3 {
		t.Fatalf("got %d requests, want 3", len(reqs))
	}
	hq := reqs[0]
	if hq.Quality != policy.QualityHQ || hq.Palette != kernels.PaletteWheel || hq.Backend != kernels.BackendFloat {
		t.Errorf("HQ request = %+v", hq)
	}
	if s := hq.Snapshot; s.Width != 64 || s.Height != 48 || s.SampleStep != 2 || !hq.AutoPrecision {
		t.Errorf("HQ snapshot = %+v", s)
	}
	if reqs[1].AutoPrecision || reqs[1].Snapshot.PrecisionBits != 384 {
		t.Errorf("manual precision request = %+v", reqs[1])
	}
	if re, _ := c.View().Center(); re.Float64() != -0.5 || c.View().Bits() != 384 {
		t.Error("reset should return home and keep the manual precision")
	}
	if c.LastToken() != 3 {
		t.Errorf("LastToken = %d, want 3", c.LastToken())
	}
}

func TestControllerLogsRenderErrors(t *testing.T) {
	t.Parallel()
	c := quietController(t, &fakeRenderer{err: errors.New("engine closed")})
	c.Refresh(policy.QualityNormal)
	if c.LastToken() != 0 {
		t.Error("failed render recorded a token")
	}
}
