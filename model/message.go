package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sbl8/mandelzoom/core"
	"github.com/sbl8/mandelzoom/kernels"
)

// SchemaVersion is the only job schema version this build accepts.
const SchemaVersion = 1

// Message types carried in the "type" field of worker replies.
const (
	TypeStrip = "strip"
	TypeError = "error"
)

// Job is one strip of work. It carries everything needed to colour any of its
// pixels: pixel (x, y) sits at (XMin + x·PixelScale, YMin + y·PixelScale).
type Job struct {
	Version       int             `json:"version"`
	Token         uint64          `json:"token"`
	ImageWidth    int             `json:"imageWidth"`
	ImageHeight   int             `json:"imageHeight"`
	StripStartRow int             `json:"stripStartRow"`
	StripRowCount int             `json:"stripRowCount"`
	SampleStep    int             `json:"sampleStep"`
	MaxIterations int             `json:"maxIterations"`
	PrecisionBits int             `json:"precisionBits"`
	Backend       kernels.Backend `json:"backend"`
	Palette       kernels.Palette `json:"palette"`
	XMin          core.Number     `json:"xMin"`
	YMin          core.Number     `json:"yMin"`
	PixelScale    core.Number     `json:"pixelScale"`
}

// Validate checks the job for values a worker cannot compute.
func (j Job) Validate() error {
	switch {
	case j.Version != SchemaVersion:
		return fmt.Errorf("model: unsupported job version %d", j.Version)
	case j.ImageWidth < 1 || j.ImageWidth > MaxDimension:
		return fmt.Errorf("model: image width %d out of range", j.ImageWidth)
	case j.ImageHeight < 1 || j.ImageHeight > MaxDimension:
		return fmt.Errorf("model: image height %d out of range", j.ImageHeight)
	case j.StripStartRow < 0 || j.StripRowCount < 1 || j.StripRowCount > j.ImageHeight ||
		j.StripStartRow > j.ImageHeight-j.StripRowCount:
		return fmt.Errorf("model: strip [%d,+%d) outside image height %d", j.StripStartRow, j.StripRowCount, j.ImageHeight)
	case j.SampleStep < 1:
		return fmt.Errorf("model: sample step %d below 1", j.SampleStep)
	case j.MaxIterations < 0:
		return fmt.Errorf("model: negative iteration budget %d", j.MaxIterations)
	case j.PrecisionBits < 1:
		return fmt.Errorf("model: precision %d below 1", j.PrecisionBits)
	case j.Backend > kernels.BackendNative:
		return fmt.Errorf("model: invalid backend %d", uint8(j.Backend))
	case !j.Palette.Valid():
		return fmt.Errorf("model: invalid palette %d", uint8(j.Palette))
	case j.PixelScale.Sign() <= 0:
		return errors.New("model: pixel scale must be positive")
	}
	// Operands are rounded to the job precision once, by the planner.
	for _, n := range []struct {
		name string
		x    core.Number
	}{{"xMin", j.XMin}, {"yMin", j.YMin}, {"pixelScale", j.PixelScale}} {
		if n.x.Prec() != uint(j.PrecisionBits) {
			return fmt.Errorf("model: %s carries %d bits, job precision is %d", n.name, n.x.Prec(), j.PrecisionBits)
		}
	}
	return nil
}

// Coord returns the complex coordinate of pixel (x, y).
func (j Job) Coord(x, y int) (re, im core.Number) {
	return j.Re(x), j.Im(y)
}

// Re returns the real part of column x.
func (j Job) Re(x int) core.Number {
	return j.XMin.Add(j.PixelScale.MulInt(int64(x)))
}

// Im returns the imaginary part of row y.
func (j Job) Im(y int) core.Number {
	return j.YMin.Add(j.PixelScale.MulInt(int64(y)))
}

// PixLen is the byte length of the strip's RGBA buffer.
func (j Job) PixLen() int {
	return j.ImageWidth * j.StripRowCount * 4
}

// StripResult carries the RGBA pixels of one finished strip, row-major.
type StripResult struct {
	Type          string `json:"type"`
	Token         uint64 `json:"token"`
	StripStartRow int    `json:"stripStartRow"`
	StripRowCount int    `json:"stripRowCount"`
	Width         int    `json:"imageWidth"`
	Pix           []byte `json:"pix"`
}

// ErrorMessage reports a strip that could not be computed.
type ErrorMessage struct {
	Type          string `json:"type"`
	Token         uint64 `json:"token"`
	StripStartRow int    `json:"stripStartRow"`
	Message       string `json:"message"`
}

func (e ErrorMessage) Error() string {
	return fmt.Sprintf("strip %d of render %d: %s", e.StripStartRow, e.Token, e.Message)
}

// Result is a worker reply. Exactly one of Strip and Err is set.
type Result struct {
	Strip *StripResult
	Err   *ErrorMessage
}

// Token returns the render token of the reply.
func (r Result) Token() uint64 {
	if r.Strip != nil {
		return r.Strip.Token
	}
	if r.Err != nil {
		return r.Err.Token
	}
	return 0
}

func parseErr(data []byte, reason string) error {
	return &core.ParseError{Input: string(data), Reason: reason}
}

// decodeStrict decodes exactly one JSON value into v, rejecting unknown fields
// and trailing data. Errors are *core.ParseError.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var pe *core.ParseError
		if errors.As(err, &pe) {
			return pe
		}
		return parseErr(data, err.Error())
	}
	if dec.More() {
		return parseErr(data, "trailing data after message")
	}
	return nil
}

func requireFields(data []byte, fields map[string]bool) error {
	var missing []string
	for name, ok := range fields {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return parseErr(data, "missing fields: "+strings.Join(missing, ", "))
}

type jobWire struct {
	Version       *int             `json:"version"`
	Token         *uint64          `json:"token"`
	ImageWidth    *int             `json:"imageWidth"`
	ImageHeight   *int             `json:"imageHeight"`
	StripStartRow *int             `json:"stripStartRow"`
	StripRowCount *int             `json:"stripRowCount"`
	SampleStep    *int             `json:"sampleStep"`
	MaxIterations *int             `json:"maxIterations"`
	PrecisionBits *int             `json:"precisionBits"`
	Backend       *kernels.Backend `json:"backend"`
	Palette       *kernels.Palette `json:"palette"`
	XMin          *core.Number     `json:"xMin"`
	YMin          *core.Number     `json:"yMin"`
	PixelScale    *core.Number     `json:"pixelScale"`
}

// DecodeJob parses and validates a version 1 job.
func DecodeJob(data []byte) (Job, error) {
	var w jobWire
	if err := decodeStrict(data, &w); err != nil {
		return Job{}, err
	}
	if w.Version != nil && *w.Version != SchemaVersion {
		return Job{}, parseErr(data, fmt.Sprintf("unsupported schema version %d", *w.Version))
	}
	err := requireFields(data, map[string]bool{
		"version":       w.Version != nil,
		"token":         w.Token != nil,
		"imageWidth":    w.ImageWidth != nil,
		"imageHeight":   w.ImageHeight != nil,
		"stripStartRow": w.StripStartRow != nil,
		"stripRowCount": w.StripRowCount != nil,
		"sampleStep":    w.SampleStep != nil,
		"maxIterations": w.MaxIterations != nil,
		"precisionBits": w.PrecisionBits != nil,
		"backend":       w.Backend != nil,
		"palette":       w.Palette != nil,
		"xMin":          w.XMin != nil,
		"yMin":          w.YMin != nil,
		"pixelScale":    w.PixelScale != nil,
	})
	if err != nil {
		return Job{}, err
	}
	j := Job{
		Version:       *w.Version,
		Token:         *w.Token,
		ImageWidth:    *w.ImageWidth,
		ImageHeight:   *w.ImageHeight,
		StripStartRow: *w.StripStartRow,
		StripRowCount: *w.StripRowCount,
		SampleStep:    *w.SampleStep,
		MaxIterations: *w.MaxIterations,
		PrecisionBits: *w.PrecisionBits,
		Backend:       *w.Backend,
		Palette:       *w.Palette,
		XMin:          *w.XMin,
		YMin:          *w.YMin,
		PixelScale:    *w.PixelScale,
	}
	if err := j.Validate(); err != nil {
		return Job{}, parseErr(data, err.Error())
	}
	return j, nil
}

type stripWire struct {
	Type          *string `json:"type"`
	Token         *uint64 `json:"token"`
	StripStartRow *int    `json:"stripStartRow"`
	StripRowCount *int    `json:"stripRowCount"`
	Width         *int    `json:"imageWidth"`
	Pix           *[]byte `json:"pix"`
}

type errorWire struct {
	Type          *string `json:"type"`
	Token         *uint64 `json:"token"`
	StripStartRow *int    `json:"stripStartRow"`
	Message       *string `json:"message"`
}

// DecodeResult parses a worker reply of either type.
func DecodeResult(data []byte) (Result, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Result{}, parseErr(data, err.Error())
	}
	switch head.Type {
	case TypeStrip:
		var w stripWire
		if err := decodeStrict(data, &w); err != nil {
			return Result{}, err
		}
		err := requireFields(data, map[string]bool{
			"token":         w.Token != nil,
			"stripStartRow": w.StripStartRow != nil,
			"stripRowCount": w.StripRowCount != nil,
			"imageWidth":    w.Width != nil,
			"pix":           w.Pix != nil,
		})
		if err != nil {
			return Result{}, err
		}
		s := &StripResult{
			Type:          TypeStrip,
			Token:         *w.Token,
			StripStartRow: *w.StripStartRow,
			StripRowCount: *w.StripRowCount,
			Width:         *w.Width,
			Pix:           *w.Pix,
		}
		if s.StripRowCount < 1 || s.Width < 1 || len(s.Pix) != s.Width*s.StripRowCount*4 {
			return Result{}, parseErr(data, "pixel buffer does not match strip size")
		}
		return Result{Strip: s}, nil
	case TypeError:
		var w errorWire
		if err := decodeStrict(data, &w); err != nil {
			return Result{}, err
		}
		err := requireFields(data, map[string]bool{
			"token":         w.Token != nil,
			"stripStartRow": w.StripStartRow != nil,
			"message":       w.Message != nil,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Err: &ErrorMessage{
			Type:          TypeError,
			Token:         *w.Token,
			StripStartRow: *w.StripStartRow,
			Message:       *w.Message,
		}}, nil
	default:
		return Result{}, parseErr(data, fmt.Sprintf("unknown message type %q", head.Type))
	}
}
