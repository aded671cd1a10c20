// Package config loads the mandelzoom daemon and tool configuration from YAML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sbl8/mandelzoom/kernels"
	"github.com/sbl8/mandelzoom/policy"
	"github.com/sbl8/mandelzoom/runtime"
)

// Config is the top-level configuration.
type Config struct {
	Engine   EngineConfig `yaml:"engine"`
	Policy   PolicyConfig `yaml:"policy"`
	Server   ServerConfig `yaml:"server"`
	Store    StoreConfig  `yaml:"store"`
	LogLevel slog.Level   `yaml:"log_level"` // debug | info | warn | error
}

// EngineConfig controls the worker pool.
type EngineConfig struct {
	Workers     int             `yaml:"workers"`      // 0: hardware parallelism - 1, within [1,8]
	StripHeight int             `yaml:"strip_height"` // 0: derived per render
	CancelStale bool            `yaml:"cancel_stale"`
	CheckEvery  int             `yaml:"check_every"`
	Palette     kernels.Palette `yaml:"palette"`
	Backend     kernels.Backend `yaml:"backend"` // auto | fixed | float | native
}

// PolicyConfig mirrors policy.Policy.
type PolicyConfig struct {
	MinBits        int `yaml:"min_bits"`
	MaxBits        int `yaml:"max_bits"`
	MarginBits     int `yaml:"margin_bits"`
	BaseIterations int `yaml:"base_iterations"`
	MinIterations  int `yaml:"min_iterations"`
	MaxIterations  int `yaml:"max_iterations"`
	IterationCap   int `yaml:"iteration_cap"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	RenderTimeout time.Duration `yaml:"render_timeout"`
	MaxPixels     int           `yaml:"max_pixels"` // bound on width·height·ss²
}

// StoreConfig locates the render history.
type StoreConfig struct {
	Path string `yaml:"path"` // ":memory:" keeps history in memory
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	d := policy.Default()
	p := &c.Policy
	if p.MinBits <= 0 {
		p.MinBits = d.MinBits
	}
	if p.MaxBits <= 0 {
		p.MaxBits = d.MaxBits
	}
	if p.MarginBits <= 0 {
		p.MarginBits = d.MarginBits
	}
	if p.BaseIterations <= 0 {
		p.BaseIterations = d.BaseIterations
	}
	if p.MinIterations <= 0 {
		p.MinIterations = d.MinIterations
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = d.MaxIterations
	}
	if p.IterationCap <= 0 {
		p.IterationCap = d.IterationCap
	}
	if c.Engine.CheckEvery <= 0 {
		c.Engine.CheckEvery = kernels.DefaultCheckEvery
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.RenderTimeout <= 0 {
		c.Server.RenderTimeout = 30 * time.Second
	}
	if c.Server.MaxPixels <= 0 {
		c.Server.MaxPixels = 16 << 20
	}
	if c.Store.Path == "" {
		c.Store.Path = "mandelzoom.db"
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers: negative value %d", c.Engine.Workers)
	}
	if c.Engine.StripHeight < 0 {
		return fmt.Errorf("engine.strip_height: negative value %d", c.Engine.StripHeight)
	}
	if !c.Engine.Palette.Valid() {
		return fmt.Errorf("engine.palette: invalid palette %d", c.Engine.Palette)
	}
	if err := c.PolicyValue().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if c.Server.MaxPixels < 1 {
		return fmt.Errorf("server.max_pixels: %d", c.Server.MaxPixels)
	}
	return nil
}

// PolicyValue returns the configured policy.
func (c *Config) PolicyValue() policy.Policy {
	p := c.Policy
	return policy.Policy{
		MinBits:        p.MinBits,
		MaxBits:        p.MaxBits,
		MarginBits:     p.MarginBits,
		BaseIterations: p.BaseIterations,
		MinIterations:  p.MinIterations,
		MaxIterations:  p.MaxIterations,
		IterationCap:   p.IterationCap,
	}
}

// EngineOptions returns the engine options the configuration describes.
func (c *Config) EngineOptions() runtime.Options {
	opts := runtime.DefaultOptions()
	if c.Engine.Workers > 0 {
		opts.Workers = c.Engine.Workers
	}
	opts.StripHeight = c.Engine.StripHeight
	opts.CancelStale = c.Engine.CancelStale
	opts.CheckEvery = c.Engine.CheckEvery
	opts.Policy = c.PolicyValue()
	return opts
}
