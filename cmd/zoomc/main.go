// Command zoomc compiles a zoom script into one JSON line per frame.
//
// With -plan every frame is resolved against the precision policy and its
// strip jobs are emitted instead, in the wire form the workers accept.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	goruntime "runtime"

	"github.com/sbl8/mandelzoom/config"
	"github.com/sbl8/mandelzoom/policy"
	"github.com/sbl8/mandelzoom/runtime"
	"github.com/sbl8/mandelzoom/script"
)

const version = "v1.0.0"

// frameLine is the JSON form of one compiled frame. Coordinates are decimal
// strings with enough digits for the frame's precision.
type frameLine struct {
	Index      int    `json:"index"`
	Line       int    `json:"line"`
	CenterRe   string `json:"centerRe"`
	CenterIm   string `json:"centerIm"`
	PixelScale string `json:"pixelScale"`
	ZoomBits   int64  `json:"zoomBits"`
	Precision  int    `json:"precision,omitempty"`
	Iterations int    `json:"iterations,omitempty"`
	Step       int    `json:"step"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

func main() {
	var (
		plan       = flag.Bool("plan", false, "Emit the strip jobs of every frame")
		strip      = flag.Int("strip", 0, "Strip height for -plan, 0 derives it from -workers")
		workers    = flag.Int("workers", 0, "Worker count assumed by -plan")
		configPath = flag.String("config", "", "YAML configuration file for the policy")
		check      = flag.Bool("check", false, "Only report the frame count")
		showVer    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVer {
		fmt.Println("zoomc - zoom script compiler", version)
		fmt.Println("Built with Go", goruntime.Version())
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <script.zoom> [out.jsonl]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	frames, err := script.CompileFile(args[0])
	if err != nil {
		log.Fatalf("compilation failed: %v", err)
	}
	if *check {
		fmt.Printf("%s: %d frames\n", args[0], len(frames))
		return
	}

	var out io.Writer = os.Stdout
	if len(args) > 1 {
		f, err := os.Create(args[1])
		if err != nil {
			log.Fatalf("create output: %v", err)
		}
		defer f.Close()
		out = f
	}

	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.LoadFile(*configPath); err != nil {
			log.Fatal(err)
		}
	}
	enc := json.NewEncoder(out)
	if *plan {
		err = emitJobs(enc, frames, cfg.PolicyValue(), runtime.PlanOptions{
			StripHeight: *strip,
			Workers:     *workers,
			Backend:     cfg.Engine.Backend,
			Palette:     cfg.Engine.Palette,
		})
	} else {
		err = emitFrames(enc, frames)
	}
	if err != nil {
		log.Fatal(err)
	}
	if len(args) > 1 {
		fmt.Fprintf(os.Stderr, "Successfully compiled %s -> %s (%d frames)\n", args[0], args[1], len(frames))
	}
}

func emitFrames(enc *json.Encoder, frames []script.Frame) error {
	for _, f := range frames {
		s := f.Snapshot
		// Enough digits to separate adjacent pixels.
		digits := 10 + int(max(0, -s.PixelScale.Log2Mag())*3/10)
		if err := enc.Encode(frameLine{
			Index:      f.Index,
			Line:       f.Line,
			CenterRe:   s.CenterRe.Decimal(digits),
			CenterIm:   s.CenterIm.Decimal(digits),
			PixelScale: s.PixelScale.Decimal(17),
			ZoomBits:   policy.ZoomBits(s.PixelScale, f.InitialScale),
			Precision:  s.PrecisionBits,
			Iterations: s.MaxIterations,
			Step:       max(1, s.SampleStep),
			Width:      s.Width,
			Height:     s.Height,
		}); err != nil {
			return err
		}
	}
	return nil
}

// emitJobs resolves each frame the way the engine does for a normal-quality
// render and writes its strip jobs, tokens numbered from 1.
func emitJobs(enc *json.Encoder, frames []script.Frame, p policy.Policy, opts runtime.PlanOptions) error {
	for _, f := range frames {
		snap := f.Snapshot
		if snap.PrecisionBits == 0 {
			bits, err := p.RequiredPrecisionBits(snap.PixelScale, snap.MaxDim())
			if err != nil {
				return fmt.Errorf("frame %d: %w", f.Index, err)
			}
			snap.PrecisionBits = bits
		}
		if snap.MaxIterations == 0 {
			snap.MaxIterations = p.IterationBudget(snap.PixelScale, f.InitialScale, 0)
		}
		jobs, err := runtime.Plan(snap, uint64(f.Index)+1, opts)
		if err != nil {
			return fmt.Errorf("frame %d (line %d): %w", f.Index, f.Line, err)
		}
		for _, j := range jobs {
			if err := enc.Encode(j); err != nil {
				return err
			}
		}
	}
	return nil
}
