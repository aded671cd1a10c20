package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math/bits"
	"net/http"
	"strconv"

	"golang.org/x/image/draw"

	"github.com/sbl8/mandelzoom/core"
	"github.com/sbl8/mandelzoom/kernels"
	"github.com/sbl8/mandelzoom/model"
	"github.com/sbl8/mandelzoom/policy"
	"github.com/sbl8/mandelzoom/runtime"
	"github.com/sbl8/mandelzoom/store"
)

// RenderRequest is the body of POST /v1/render. Coordinates are decimal
// strings so that deep views survive JSON.
type RenderRequest struct {
	CenterRe    string           `json:"centerRe"`
	CenterIm    string           `json:"centerIm"`
	PixelScale  string           `json:"pixelScale"`
	Width       int              `json:"width"`
	Height      int              `json:"height"`
	Step        int              `json:"step,omitempty"`
	Precision   int              `json:"precision,omitempty"`  // 0: automatic
	Iterations  int              `json:"iterations,omitempty"` // 0: automatic
	Quality     policy.Quality   `json:"quality,omitempty"`
	Palette     *kernels.Palette `json:"palette,omitempty"`
	Backend     *kernels.Backend `json:"backend,omitempty"`
	Supersample int              `json:"ss,omitempty"` // 1, 2 or 4
}

// minParsePrec is the least precision decimal inputs are read at.
const minParsePrec = 256

// request turns the body into an engine request and its supersample factor.
func (s *Server) request(body RenderRequest) (model.RenderRequest, int, error) {
	ss := max(1, body.Supersample)
	if ss != 1 && ss != 2 && ss != 4 {
		return model.RenderRequest{}, 0, fmt.Errorf("ss must be 1, 2 or 4, got %d", body.Supersample)
	}
	if body.Width < 1 || body.Height < 1 || body.Width > s.opts.MaxPixels || body.Height > s.opts.MaxPixels {
		return model.RenderRequest{}, 0, fmt.Errorf("image size %dx%d out of range", body.Width, body.Height)
	}
	if body.Width*body.Height*ss*ss > s.opts.MaxPixels {
		return model.RenderRequest{}, 0, fmt.Errorf("%dx%d at ss=%d exceeds %d pixels", body.Width, body.Height, ss, s.opts.MaxPixels)
	}
	p := s.engine.Policy()
	if body.Precision != 0 {
		if err := p.CheckBits(body.Precision); err != nil {
			return model.RenderRequest{}, 0, err
		}
	}
	if body.Iterations != 0 {
		if err := p.CheckIterations(body.Iterations); err != nil {
			return model.RenderRequest{}, 0, err
		}
	}

	scale, err := core.Parse(body.PixelScale, minParsePrec)
	if err != nil {
		return model.RenderRequest{}, 0, fmt.Errorf("pixelScale: %w", err)
	}
	// Read the center at least as precisely as the view needs.
	prec := minParsePrec
	if need, err := p.RequiredPrecisionBits(scale, max(body.Width, body.Height)*ss); err == nil {
		prec = max(prec, need)
	}
	prec = max(prec, body.Precision)
	re, err := core.Parse(body.CenterRe, uint(prec))
	if err != nil {
		return model.RenderRequest{}, 0, fmt.Errorf("centerRe: %w", err)
	}
	im, err := core.Parse(body.CenterIm, uint(prec))
	if err != nil {
		return model.RenderRequest{}, 0, fmt.Errorf("centerIm: %w", err)
	}

	req := model.RenderRequest{
		Snapshot: model.Snapshot{
			CenterRe:      re,
			CenterIm:      im,
			PixelScale:    scale,
			PrecisionBits: body.Precision,
			MaxIterations: body.Iterations,
			SampleStep:    body.Step,
			Width:         body.Width,
			Height:        body.Height,
		},
		AutoPrecision: body.Precision == 0,
		Quality:       body.Quality,
		Palette:       s.opts.Palette,
		Backend:       s.opts.Backend,
		InitialScale:  scale,
	}
	if body.Palette != nil {
		req.Palette = *body.Palette
	}
	if body.Backend != nil {
		req.Backend = *body.Backend
	}
	req = req.Supersampled(bits.TrailingZeros(uint(ss)))
	if err := req.Snapshot.Validate(); err != nil {
		return model.RenderRequest{}, 0, err
	}
	return req, ss, nil
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	var body RenderRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, ss, err := s.request(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RenderTimeout)
	defer cancel()
	c, img, err := s.render(ctx, req)
	if err != nil {
		writeError(w, renderStatus(err), err)
		return
	}
	if ss > 1 {
		img = downsample(img, body.Width, body.Height)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if id := s.record(r.Context(), c, req.Snapshot); id != "" {
		w.Header().Set("X-Render-ID", id)
	}
	h := w.Header()
	h.Set("Content-Type", "image/png")
	h.Set("X-Render-Token", strconv.FormatUint(c.Token, 10))
	h.Set("X-Precision-Bits", strconv.Itoa(c.PrecisionBits))
	h.Set("X-Max-Iterations", strconv.Itoa(c.MaxIterations))
	h.Set("X-Backend", c.Backend.String())
	h.Set("X-Failed-Strips", strconv.Itoa(c.Failed))
	w.Write(buf.Bytes())
}

// render runs one request at a time on the shared engine.
func (s *Server) render(ctx context.Context, req model.RenderRequest) (runtime.Completion, *image.RGBA, error) {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()
	return s.engine.RenderImage(ctx, req)
}

// record stores the completion and returns its history ID, "" when history is
// disabled or the insert failed.
func (s *Server) record(ctx context.Context, c runtime.Completion, snap model.Snapshot) string {
	if s.store == nil {
		return ""
	}
	rec := store.FromCompletion(c, snap)
	if err := s.store.Insert(ctx, &rec); err != nil {
		s.logger.Warn("render history insert failed", "token", c.Token, "error", err)
		return ""
	}
	return rec.ID
}

func renderStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, runtime.ErrFatalConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, runtime.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, runtime.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// downsample scales src to w×h with a Catmull-Rom filter.
func downsample(src *image.RGBA, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func parsePositive(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid positive integer %q", v)
	}
	return n, nil
}
