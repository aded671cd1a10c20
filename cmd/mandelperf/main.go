// Command mandelperf compares the numeric backends of the escape kernel and
// measures whole-engine render throughput.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	goruntime "runtime"
	"strconv"
	"strings"
	"time"

	"github.com/sbl8/mandelzoom/core"
	"github.com/sbl8/mandelzoom/kernels"
	"github.com/sbl8/mandelzoom/model"
	"github.com/sbl8/mandelzoom/policy"
	"github.com/sbl8/mandelzoom/runtime"
)

var (
	testType = flag.String("test", "all", "Test type: all, kernel, engine")
	precList = flag.String("prec", "64,256,1024", "Comma-separated precisions for the kernel test")
	iter     = flag.Int("iter", 500, "Iteration budget per point")
	points   = flag.Int("points", 2000, "Points per kernel measurement")
	size     = flag.Int("size", 256, "Image side for the engine test")
	workers  = flag.Int("workers", 0, "Engine workers, 0 for automatic")
	verbose  = flag.Bool("verbose", false, "Verbose output")
)

// A boundary point near the seahorse valley: escapes late, never hits the
// interior fast paths.
const (
	probeRe = "-0.7436438870371587"
	probeIm = "0.1318259042053988"
)

var backends = []kernels.Backend{kernels.BackendNative, kernels.BackendFixed, kernels.BackendFloat}

func main() {
	flag.Parse()

	precs, err := parsePrecisions(*precList)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mandelperf:", err)
		os.Exit(1)
	}

	fmt.Printf("Mandelzoom Performance Analysis Tool\n")
	fmt.Printf("====================================\n")
	fmt.Printf("Go Version: %s\n", goruntime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
	fmt.Printf("CPUs: %d\n", goruntime.NumCPU())
	fmt.Printf("Iteration budget: %d\n", *iter)
	fmt.Printf("\n")

	switch *testType {
	case "all":
		runKernelTests(precs)
		runEngineTests()
	case "kernel":
		runKernelTests(precs)
	case "engine":
		runEngineTests()
	default:
		fmt.Printf("Unknown test type: %s\n", *testType)
		os.Exit(1)
	}
}

func runKernelTests(precs []uint) {
	fmt.Printf("Escape Kernel Performance\n")
	fmt.Printf("-------------------------\n")

	opts := kernels.Options{SkipInterior: true}
	for _, prec := range precs {
		cre := core.MustParse(probeRe, prec)
		cim := core.MustParse(probeIm, prec)
		for _, b := range backends {
			if b == kernels.BackendNative && prec > 64 {
				continue
			}
			if b == kernels.BackendFixed && prec > policy.FixedMaxBits {
				continue
			}
			var res kernels.Result
			start := time.Now()
			for i := 0; i < *points; i++ {
				res = kernels.EscapeNumber(cre, cim, *iter, b, opts)
			}
			d := time.Since(start)
			steps := float64(*points) * float64(res.Iterations)
			fmt.Printf("%-7s %5d bits:  %v (%.2f Msteps/s)\n", b, prec, d, steps/d.Seconds()/1e6)
			if *verbose {
				fmt.Printf("  escaped=%t iterations=%d smooth=%.4f\n", res.Escaped, res.Iterations, res.Smooth)
			}
		}
	}
	fmt.Printf("\n")
}

func runEngineTests() {
	fmt.Printf("Engine Render Performance\n")
	fmt.Printf("-------------------------\n")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	opts := runtime.DefaultOptions()
	if *workers > 0 {
		opts.Workers = *workers
	}
	e, err := runtime.New(opts, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mandelperf:", err)
		os.Exit(1)
	}
	if err := e.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "mandelperf:", err)
		os.Exit(1)
	}
	defer e.Close()

	for _, b := range backends {
		snap := model.Snapshot{
			CenterRe:      core.MustParse(probeRe, 256),
			CenterIm:      core.MustParse(probeIm, 256),
			PixelScale:    core.MustParse("1e-6", 256),
			PrecisionBits: 256,
			MaxIterations: *iter,
			Width:         *size,
			Height:        *size,
		}
		if b == kernels.BackendNative {
			snap.PrecisionBits = 64
		}
		req := model.RenderRequest{Snapshot: snap, Backend: b}
		start := time.Now()
		c, _, err := e.RenderImage(context.Background(), req)
		if err != nil {
			fmt.Printf("%-7s render failed: %v\n", b, err)
			continue
		}
		d := time.Since(start)
		pixels := float64(*size) * float64(*size)
		fmt.Printf("%-7s %dx%d at %d bits: %v (%.2f Kpixels/s, %d strips)\n",
			c.Backend, *size, *size, c.PrecisionBits, d, pixels/d.Seconds()/1e3, c.Strips)
	}

	if *verbose {
		s := e.Stats()
		fmt.Printf("  renders=%d strips=%d errors=%d avg latency=%v\n",
			s.CompletedRenders, s.StripsAccepted, s.StripErrors, s.AverageLatency)
	}
	fmt.Printf("\n")
}

func parsePrecisions(s string) ([]uint, error) {
	var out []uint
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("bad precision %q", f)
		}
		out = append(out, uint(n))
	}
	return out, nil
}
