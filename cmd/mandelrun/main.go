// Command mandelrun renders views to PNG files.
//
// Without -script it renders the one view given by -center, -scale and -size.
// With -script it renders every frame of a zoom script. With -i it reads
// navigation commands from stdin and drives an interactive session.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"github.com/sbl8/mandelzoom/config"
	"github.com/sbl8/mandelzoom/core"
	"github.com/sbl8/mandelzoom/kernels"
	"github.com/sbl8/mandelzoom/model"
	"github.com/sbl8/mandelzoom/policy"
	"github.com/sbl8/mandelzoom/runtime"
	"github.com/sbl8/mandelzoom/script"
	"github.com/sbl8/mandelzoom/session"
)

const version = "v1.0.0"

type options struct {
	center      string
	scale       string
	size        string
	iterations  int
	precision   int
	step        int
	supersample int
	quality     string
	palette     string
	backend     string
	script      string
	out         string
	interactive bool
	configPath  string
	verbose     bool
}

func main() {
	var o options
	flag.StringVar(&o.center, "center", "-0.5,0", "View center as re,im decimals")
	flag.StringVar(&o.scale, "scale", "", "Pixel scale, default fits [-2.25,1.25] in the width")
	flag.StringVar(&o.size, "size", "640x480", "Image size WxH")
	flag.IntVar(&o.iterations, "iter", 0, "Iteration budget, 0 for automatic")
	flag.IntVar(&o.precision, "prec", 0, "Precision in bits, 0 for automatic")
	flag.IntVar(&o.step, "step", 1, "Sample step")
	flag.IntVar(&o.supersample, "ss", 1, "Supersampling factor: 1, 2 or 4")
	flag.StringVar(&o.quality, "quality", "normal", "Render quality: normal, preview or hq")
	flag.StringVar(&o.palette, "palette", "", "Palette: sine, smooth, wheel or gray")
	flag.StringVar(&o.backend, "backend", "", "Backend: auto, fixed, float or native")
	flag.StringVar(&o.script, "script", "", "Zoom script to render frame by frame")
	flag.StringVar(&o.out, "o", "out.png", "Output file; with -script a pattern such as frame_%04d.png")
	flag.BoolVar(&o.interactive, "i", false, "Read navigation commands from stdin")
	flag.StringVar(&o.configPath, "config", "", "YAML configuration file")
	flag.BoolVar(&o.verbose, "verbose", false, "Enable verbose output")
	showVer := flag.Bool("version", false, "Show version information")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVer {
		fmt.Println("mandelrun - Mandelbrot renderer", version)
		fmt.Println("Built with Go", goruntime.Version())
		return
	}
	if err := run(o); err != nil {
		fmt.Fprintln(os.Stderr, "mandelrun:", err)
		os.Exit(1)
	}
}

func run(o options) error {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(o.configPath); err != nil {
			return err
		}
	}
	level := cfg.LogLevel
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ss, err := supersampleShift(o.supersample)
	if err != nil {
		return err
	}
	palette, backend := cfg.Engine.Palette, cfg.Engine.Backend
	if o.palette != "" {
		if palette, err = kernels.ParsePalette(o.palette); err != nil {
			return err
		}
	}
	if o.backend != "" {
		if backend, err = kernels.ParseBackend(o.backend); err != nil {
			return err
		}
	}
	quality, err := policy.ParseQuality(o.quality)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	engine, err := runtime.New(cfg.EngineOptions(), logger)
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Close()
	if o.precision != 0 {
		if err := engine.Policy().CheckBits(o.precision); err != nil {
			return err
		}
	}

	decorate := func(req model.RenderRequest) model.RenderRequest {
		req.Palette, req.Backend, req.Quality = palette, backend, quality
		return req.Supersampled(ss)
	}

	switch {
	case o.interactive:
		w, h, err := parseSize(o.size)
		if err != nil {
			return err
		}
		return interactive(ctx, engine, session.Settings{
			Width: w, Height: h, Step: o.step, Palette: palette, Backend: backend,
		}, logger)
	case o.script != "":
		frames, err := script.CompileFile(o.script)
		if err != nil {
			return err
		}
		logger.Info("script compiled", "file", o.script, "frames", len(frames))
		for _, f := range frames {
			path := framePath(o.out, f.Index)
			if err := renderTo(ctx, engine, decorate(f.Request()), ss, path, logger); err != nil {
				return fmt.Errorf("frame %d (line %d): %w", f.Index, f.Line, err)
			}
		}
		return nil
	default:
		req, err := viewRequest(o)
		if err != nil {
			return err
		}
		return renderTo(ctx, engine, decorate(req), ss, o.out, logger)
	}
}

// viewRequest builds the single-view request of the command line flags.
func viewRequest(o options) (model.RenderRequest, error) {
	w, h, err := parseSize(o.size)
	if err != nil {
		return model.RenderRequest{}, err
	}
	reStr, imStr, ok := strings.Cut(o.center, ",")
	if !ok {
		return model.RenderRequest{}, fmt.Errorf("center %q: want re,im", o.center)
	}
	view := session.Home(w)
	scale := view.Scale()
	if o.scale != "" {
		if scale, err = core.Parse(o.scale, 256); err != nil {
			return model.RenderRequest{}, fmt.Errorf("scale: %w", err)
		}
		if scale.Sign() <= 0 {
			return model.RenderRequest{}, fmt.Errorf("scale %q must be positive", o.scale)
		}
	}
	prec := uint(max(256, int64(o.precision), 64-scale.Log2Mag()))
	re, err := core.Parse(strings.TrimSpace(reStr), prec)
	if err != nil {
		return model.RenderRequest{}, fmt.Errorf("center: %w", err)
	}
	im, err := core.Parse(strings.TrimSpace(imStr), prec)
	if err != nil {
		return model.RenderRequest{}, fmt.Errorf("center: %w", err)
	}
	if view, err = session.New(re, im, scale); err != nil {
		return model.RenderRequest{}, err
	}
	req := view.WithPrecision(o.precision).Request(w, h, o.step, o.iterations, policy.QualityNormal)
	req.InitialScale = session.Home(w).Scale()
	return req, req.Snapshot.Validate()
}

// renderTo renders req and writes it as PNG to path, scaled down by 2^ss.
func renderTo(ctx context.Context, e *runtime.Engine, req model.RenderRequest, ss int, path string, logger *slog.Logger) error {
	c, img, err := e.RenderImage(ctx, req)
	if err != nil {
		return err
	}
	if ss > 0 {
		img = downsample(img, ss)
	}
	if err := writePNG(path, img); err != nil {
		return err
	}
	logger.Info("rendered", "file", path, "token", c.Token, "bits", c.PrecisionBits,
		"iterations", c.MaxIterations, "backend", c.Backend, "failed", c.Failed, "elapsed", c.Elapsed)
	return nil
}

func downsample(src *image.RGBA, shift int) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, max(1, b.Dx()>>shift), max(1, b.Dy()>>shift)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func writePNG(path string, img image.Image) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// framePath expands a frame pattern. A pattern without a verb gets the index
// inserted before its extension.
func framePath(pattern string, index int) string {
	if strings.Contains(pattern, "%") {
		return fmt.Sprintf(pattern, index)
	}
	ext := filepath.Ext(pattern)
	return fmt.Sprintf("%s_%04d%s", strings.TrimSuffix(pattern, ext), index, ext)
}

func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q: want WxH", s)
	}
	w, err1 := strconv.Atoi(ws)
	h, err2 := strconv.Atoi(hs)
	if err1 != nil || err2 != nil || w < 1 || h < 1 {
		return 0, 0, fmt.Errorf("size %q: want positive WxH", s)
	}
	return w, h, nil
}

func supersampleShift(ss int) (int, error) {
	switch ss {
	case 1:
		return 0, nil
	case 2:
		return 1, nil
	case 4:
		return 2, nil
	}
	return 0, fmt.Errorf("supersample factor %d: want 1, 2 or 4", ss)
}

const interactiveHelp = `commands:
  pan DX DY           drag the view by pixels
  zoom PX PY K        zoom by 2^K keeping pixel (PX,PY) fixed
  wheel PX PY DELTA   scroll at a pixel, positive zooms out
  size W H            resize
  prec BITS           fix the precision, 0 for automatic
  reset               back to the home view
  where               print the view
  save FILE           render at full quality and write a PNG
  quit
`

// interactive drives a session from stdin, one command per line.
func interactive(ctx context.Context, e *runtime.Engine, set session.Settings, logger *slog.Logger) error {
	c := session.NewController(e, set, logger)
	defer c.Close()

	go func() {
		for comp := range e.Completions() {
			logger.Debug("render complete", "token", comp.Token, "elapsed", comp.Elapsed, "failed", comp.Failed)
		}
	}()

	fmt.Fprint(os.Stderr, interactiveHelp)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		args := atois(fields[1:])
		switch cmd := fields[0]; {
		case cmd == "quit" || cmd == "exit":
			return nil
		case cmd == "where":
			v := c.View()
			re, im := v.Center()
			fmt.Printf("center %s %s scale %s zoom 2^%d\n", re.Decimal(30), im.Decimal(30), v.Scale().Decimal(6), v.ZoomBits())
		case cmd == "reset":
			c.Reset()
		case cmd == "save" && len(fields) == 2:
			if err := save(ctx, e, c, fields[1]); err != nil {
				logger.Error("save failed", "file", fields[1], "error", err)
			}
		case cmd == "pan" && len(args) == 2:
			c.Pan(args[0], args[1])
		case cmd == "zoom" && len(args) == 3:
			c.ZoomAt(args[0], args[1], args[2])
		case cmd == "size" && len(args) == 2:
			c.Resize(args[0], args[1])
		case cmd == "prec" && len(args) == 1:
			c.SetPrecision(args[0])
		case cmd == "wheel" && len(fields) == 4 && len(args) >= 2:
			delta, err := strconv.ParseFloat(fields[3], 64)
			if err != nil {
				logger.Error("bad wheel delta", "error", err)
				continue
			}
			c.Wheel(args[0], args[1], delta)
		default:
			fmt.Fprint(os.Stderr, interactiveHelp)
		}
	}
	return sc.Err()
}

func save(ctx context.Context, e *runtime.Engine, c *session.Controller, path string) error {
	c.Refresh(policy.QualityNormal)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if _, err := e.Wait(ctx, c.LastToken()); err != nil {
		if errors.Is(err, runtime.ErrSuperseded) {
			return fmt.Errorf("view changed while saving: %w", err)
		}
		return err
	}
	return writePNG(path, e.Image())
}

// atois returns the leading integer arguments.
func atois(fields []string) []int {
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			break
		}
		out = append(out, n)
	}
	return out
}
