// Command mandelzoom serves the render engine over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"

	"github.com/sbl8/mandelzoom/config"
	"github.com/sbl8/mandelzoom/runtime"
	"github.com/sbl8/mandelzoom/server"
	"github.com/sbl8/mandelzoom/store"
)

const version = "v1.0.0"

func main() {
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		addr       = flag.String("addr", "", "Listen address, overrides server.addr")
		noHistory  = flag.Bool("no-history", false, "Disable the render history store")
		showVer    = flag.Bool("version", false, "Show version information")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVer {
		fmt.Println("mandelzoom - Mandelbrot render server", version)
		fmt.Println("Built with Go", goruntime.Version())
		return
	}

	if err := run(*configPath, *addr, *noHistory); err != nil {
		fmt.Fprintln(os.Stderr, "mandelzoom:", err)
		os.Exit(1)
	}
}

func run(configPath, addr string, noHistory bool) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return err
		}
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := runtime.New(cfg.EngineOptions(), logger)
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Close()

	var st *store.Store
	if !noHistory {
		st, err = store.Open(cfg.Store.Path, store.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("open render history: %w", err)
		}
		defer st.Close()
		logger.Info("render history opened", "path", cfg.Store.Path)
	}

	srv := server.New(engine, st, server.Options{
		RenderTimeout: cfg.Server.RenderTimeout,
		MaxPixels:     cfg.Server.MaxPixels,
		Palette:       cfg.Engine.Palette,
		Backend:       cfg.Engine.Backend,
	}, logger)
	return srv.ListenAndServe(ctx, cfg.Server.Addr)
}
