// Package server exposes the mandelzoom engine over HTTP.
//
// Routes:
//
//	GET  /healthz           liveness
//	GET  /v1/stats          engine execution statistics
//	POST /v1/render         render a view, reply image/png
//	POST /v1/jobs           compute one strip job, reply a binary strip frame
//	GET  /v1/renders        recent render history
//	GET  /v1/renders/{id}   one history record
//
// Renders share one engine and are serialized: a second request waits for
// the first instead of superseding it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sbl8/mandelzoom/kernels"
	"github.com/sbl8/mandelzoom/model"
	"github.com/sbl8/mandelzoom/policy"
	"github.com/sbl8/mandelzoom/runtime"
	"github.com/sbl8/mandelzoom/store"
)

// Engine is the part of *runtime.Engine the server drives.
type Engine interface {
	RenderImage(ctx context.Context, req model.RenderRequest) (runtime.Completion, *image.RGBA, error)
	Stats() runtime.ExecutionStats
	Policy() policy.Policy
}

// Options configures a Server.
type Options struct {
	RenderTimeout time.Duration   // 0: 30s
	MaxPixels     int             // bound on rendered pixels per request, 0: 16M
	Palette       kernels.Palette // default palette of /v1/render
	Backend       kernels.Backend // default backend of /v1/render
}

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 20
	maxLimit     = 500
)

// Server serves the HTTP API.
type Server struct {
	engine Engine
	store  *store.Store // nil disables history
	opts   Options
	logger *slog.Logger
	router *chi.Mux

	renderMu sync.Mutex
}

// New builds the server and its routes. st may be nil.
func New(engine Engine, st *store.Store, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = 30 * time.Second
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = 16 << 20
	}
	s := &Server{engine: engine, store: st, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/render", s.handleRender)
		r.Post("/jobs", s.handleJob)
		r.Get("/renders", s.handleListRenders)
		r.Get("/renders/{id}", s.handleGetRender)
	})
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.RenderTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"bytes", ww.BytesWritten(), "elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	job, err := model.DecodeJob(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if job.ImageWidth*job.StripRowCount > s.opts.MaxPixels {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("strip exceeds the pixel limit"))
		return
	}
	p := s.engine.Policy()
	if err := p.CheckIterations(max(job.MaxIterations, 1)); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := p.CheckBits(job.PrecisionBits); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RenderTimeout)
	defer cancel()
	res := runtime.ComputeContext(ctx, job)
	if res.Err != nil {
		s.logger.Warn("remote job failed", "token", job.Token, "strip", job.StripStartRow, "error", res.Err.Message)
		status := http.StatusOK
		if ctx.Err() != nil {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, res.Err)
		return
	}
	frame, err := model.MarshalStrip(*res.Strip)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", StripContentType)
	w.Write(frame)
}

// StripContentType is the media type of binary strip frames.
const StripContentType = "application/vnd.mandelzoom.strip"

func (s *Server) handleListRenders(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("render history is disabled"))
		return
	}
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := parsePositive(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		limit = min(n, maxLimit)
	}
	recs, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetRender(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("render history is disabled"))
		return
	}
	rec, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
		} else {
			writeError(w, http.StatusBadRequest, err)
		}
		return nil, false
	}
	return buf, true
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
