// Package mandelzoom implements a deep-zoom Mandelbrot render engine.
//
// Mandelzoom renders views of the Mandelbrot set at magnifications far beyond
// float64. Coordinates are immutable arbitrary-precision binary floats whose
// width follows the zoom depth; an escape-time kernel iterates over one of
// three interchangeable numeric backends, and a pool of stateless workers
// renders each image as horizontal strips tagged with a render token so that
// results of superseded views are never composited.
//
// # Architecture Overview
//
// The engine consists of several key components:
//
//   - Numbers: normalized mantissa × 2^exponent at a fixed precision
//   - Kernels: escape-time iteration with interior fast paths and palettes
//   - Policy: precision and iteration budgets derived from the zoom depth
//   - Runtime: token allocation, strip planning, workers and the compositor
//   - Session: pan, cursor-anchored zoom and debounced preview renders
//
// # Concurrency Characteristics
//
// Workers share nothing. Every job carries its own numeric inputs and every
// reply carries its own pixels; a single collector applies replies of the
// current token only. A newer render supersedes older ones immediately and,
// when enabled, stops their kernels early.
//
// # Basic Usage
//
//	// Render a view from the command line
//	mandelrun -center=-0.743643887037151,0.13182590420533 -scale=1e-12 -o seahorse.png
//
//	// Compile and render a zoom script
//	zoomc path.zoom frames.jsonl
//	mandelrun -script path.zoom -o frames/f_%04d.png
//
//	// Or drive the engine from Go
//	engine, err := runtime.New(runtime.DefaultOptions(), slog.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	_, img, err := engine.RenderImage(ctx, req)
//
// # Package Structure
//
//   - core: arbitrary-precision numbers, fixed point and their wire forms
//   - kernels: escape-time kernel, numeric backends and palettes
//   - policy: precision ratchet, iteration budget and quality presets
//   - model: snapshots, strip jobs, results and the binary strip frame
//   - runtime: render engine, planner, workers and compositor
//   - session: viewport navigation and the debounced render controller
//   - script: zoom script compiler
//   - config: YAML configuration
//   - store: SQLite render history
//   - server: HTTP API
//   - cmd: command-line tools (mandelzoom, mandelrun, mandelperf, zoomc)
package mandelzoom
