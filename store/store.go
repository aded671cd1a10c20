// Package store keeps the history of finished renders in SQLite.
//
// Every completion the engine reports can be recorded together with the view
// it rendered, so that a render can be listed, inspected and reproduced
// later. Coordinates are stored in the text form of core.Number, which
// round-trips exactly.
//
// Usage:
//
//	s, err := store.Open("mandelzoom.db")
//	rec := store.FromCompletion(c, snap)
//	err = s.Insert(ctx, &rec)
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sbl8/mandelzoom/core"
	"github.com/sbl8/mandelzoom/kernels"
	"github.com/sbl8/mandelzoom/model"
	"github.com/sbl8/mandelzoom/runtime"
)

// ErrNotFound is returned by Get for an unknown render ID.
var ErrNotFound = errors.New("store: render not found")

const schema = `
CREATE TABLE IF NOT EXISTS renders (
	id             TEXT PRIMARY KEY,
	token          INTEGER NOT NULL,
	width          INTEGER NOT NULL,
	height         INTEGER NOT NULL,
	center_re      TEXT NOT NULL,
	center_im      TEXT NOT NULL,
	scale          TEXT NOT NULL,
	precision_bits INTEGER NOT NULL,
	max_iterations INTEGER NOT NULL,
	sample_step    INTEGER NOT NULL,
	backend        TEXT NOT NULL,
	strips         INTEGER NOT NULL,
	failed         INTEGER NOT NULL,
	elapsed_ms     INTEGER NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS renders_created ON renders(created_at);
`

// Record is one finished render.
type Record struct {
	ID            string          `json:"id"`
	Token         uint64          `json:"token"`
	Width         int             `json:"width"`
	Height        int             `json:"height"`
	CenterRe      core.Number     `json:"centerRe"`
	CenterIm      core.Number     `json:"centerIm"`
	Scale         core.Number     `json:"pixelScale"`
	PrecisionBits int             `json:"precisionBits"`
	MaxIterations int             `json:"maxIterations"`
	SampleStep    int             `json:"sampleStep"`
	Backend       kernels.Backend `json:"backend"`
	Strips        int             `json:"strips"`
	Failed        int             `json:"failed"`
	ElapsedMS     int64           `json:"elapsedMs"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// FromCompletion builds the record of a completion of snap. ID and CreatedAt
// are filled by Insert.
func FromCompletion(c runtime.Completion, snap model.Snapshot) Record {
	return Record{
		Token:         c.Token,
		Width:         snap.Width,
		Height:        snap.Height,
		CenterRe:      snap.CenterRe,
		CenterIm:      snap.CenterIm,
		Scale:         snap.PixelScale,
		PrecisionBits: c.PrecisionBits,
		MaxIterations: c.MaxIterations,
		SampleStep:    c.SampleStep,
		Backend:       c.Backend,
		Strips:        c.Strips,
		Failed:        c.Failed,
		ElapsedMS:     c.Elapsed.Milliseconds(),
	}
}

// Snapshot returns the view the record rendered, with the effective precision,
// budget and sample step.
func (r Record) Snapshot() model.Snapshot {
	return model.Snapshot{
		CenterRe:      r.CenterRe,
		CenterIm:      r.CenterIm,
		PixelScale:    r.Scale,
		PrecisionBits: r.PrecisionBits,
		MaxIterations: r.MaxIterations,
		SampleStep:    r.SampleStep,
		Width:         r.Width,
		Height:        r.Height,
	}
}

type config struct {
	busyTimeout int
	mkdirAll    bool
	newID       func() string
	now         func() time.Time
}

// Option customises Open.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithMkdirAll creates the parent directories of the database path.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithIDGenerator replaces the UUIDv7 render IDs.
func WithIDGenerator(gen func() string) Option { return func(c *config) { c.newID = gen } }

// WithClock replaces time.Now for CreatedAt.
func WithClock(now func() time.Time) Option { return func(c *config) { c.now = now } }

// Store is the render history.
type Store struct {
	db    *sql.DB
	newID func() string
	now   func() time.Time
}

// Open opens (creating if needed) the history database at path. ":memory:"
// opens a private in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := config{
		busyTimeout: 10_000,
		newID:       func() string { return uuid.Must(uuid.NewV7()).String() },
		now:         time.Now,
	}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return &Store{db: db, newID: cfg.newID, now: cfg.now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert records r, filling ID and CreatedAt when they are empty.
func (s *Store) Insert(ctx context.Context, r *Record) error {
	if r.ID == "" {
		r.ID = s.newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	re, err := r.CenterRe.MarshalText()
	if err != nil {
		return fmt.Errorf("store: center re: %w", err)
	}
	im, err := r.CenterIm.MarshalText()
	if err != nil {
		return fmt.Errorf("store: center im: %w", err)
	}
	scale, err := r.Scale.MarshalText()
	if err != nil {
		return fmt.Errorf("store: scale: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO renders
		(id, token, width, height, center_re, center_im, scale, precision_bits,
		 max_iterations, sample_step, backend, strips, failed, elapsed_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, int64(r.Token), r.Width, r.Height, string(re), string(im), string(scale),
		r.PrecisionBits, r.MaxIterations, r.SampleStep, r.Backend.String(),
		r.Strips, r.Failed, r.ElapsedMS, r.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: insert %s: %w", r.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, token, width, height, center_re, center_im, scale,
	precision_bits, max_iterations, sample_step, backend, strips, failed,
	elapsed_ms, created_at FROM renders`

// Get returns the render with the given ID.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// Recent returns up to limit renders, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of recorded renders.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM renders`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r              Record
		token, created int64
		re, im, scale  string
		backend        string
	)
	err := sc.Scan(&r.ID, &token, &r.Width, &r.Height, &re, &im, &scale,
		&r.PrecisionBits, &r.MaxIterations, &r.SampleStep, &backend,
		&r.Strips, &r.Failed, &r.ElapsedMS, &created)
	if err != nil {
		return Record{}, err
	}
	r.Token = uint64(token)
	r.CreatedAt = time.UnixMilli(created)
	if err := r.CenterRe.UnmarshalText([]byte(re)); err != nil {
		return Record{}, fmt.Errorf("store: render %s center re: %w", r.ID, err)
	}
	if err := r.CenterIm.UnmarshalText([]byte(im)); err != nil {
		return Record{}, fmt.Errorf("store: render %s center im: %w", r.ID, err)
	}
	if err := r.Scale.UnmarshalText([]byte(scale)); err != nil {
		return Record{}, fmt.Errorf("store: render %s scale: %w", r.ID, err)
	}
	if r.Backend, err = kernels.ParseBackend(backend); err != nil {
		return Record{}, fmt.Errorf("store: render %s: %w", r.ID, err)
	}
	return r, nil
}
