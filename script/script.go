// Package script compiles zoom scripts into sequences of render frames.
//
// A zoom script is a line-oriented description of a camera path through the
// complex plane. Directives update the current view; every render directive
// emits one Frame holding the snapshot of the view at that point.
//
// Directives:
//
//	precision <bits|auto>     render precision, auto lets the engine decide
//	size <w> <h>              image size in pixels
//	center <re> <im>          view center, decimal
//	scale <decimal>           complex distance between adjacent pixels
//	iterations <n|auto>       iteration budget
//	step <n>                  sample step
//	zoom <k> [<dx> <dy>]      scale by 2^k around a pixel offset from the center
//	pan <dx> <dy>             drag the view by whole pixels
//	render                    emit a frame
//	iterate <var> <a> <b> {   repeat the block for var = a..b, $var expands
//	}
//
// Blank lines and lines starting with '#' are ignored. Iterate blocks nest.
package script

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sbl8/mandelzoom/core"
	"github.com/sbl8/mandelzoom/model"
	"github.com/sbl8/mandelzoom/session"
)

const (
	// MaxFrames bounds the output of one script.
	MaxFrames = 100000

	// maxDirectives bounds the directives executed after expansion.
	maxDirectives = 1 << 20

	defaultWidth  = 640
	defaultHeight = 480

	// parsePrec is the minimum precision decimal coordinates are read at.
	parsePrec = 256
)

// Frame is one render of a compiled script.
type Frame struct {
	Index        int            // position in the script output, from 0
	Line         int            // line of the render directive
	Snapshot     model.Snapshot // view to render
	InitialScale core.Number    // scale the iteration budget grows from
}

// Request returns the frame as a render request. Precision is automatic unless
// the script fixed it.
func (f Frame) Request() model.RenderRequest {
	return model.RenderRequest{
		Snapshot:      f.Snapshot,
		AutoPrecision: f.Snapshot.PrecisionBits == 0,
		InitialScale:  f.InitialScale,
	}
}

// Error reports a script error at a source line.
type Error struct {
	Line int
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrTooManyFrames is returned when a script would emit more than MaxFrames.
	ErrTooManyFrames = errors.New("script: too many frames")

	// ErrTooLong is returned when iterate expansion runs away.
	ErrTooLong = errors.New("script: too many directives after expansion")
)

// CompileFile reads and compiles a script file.
func CompileFile(path string) ([]Frame, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Compile(src)
}

// Compile turns script source into frames.
func Compile(src []byte) ([]Frame, error) {
	raw := strings.Split(string(src), "\n")
	lines := make([]line, 0, len(raw))
	for i, text := range raw {
		text = strings.TrimSpace(text)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		lines = append(lines, line{no: i + 1, text: text})
	}

	p := newParser()
	if err := p.run(lines); err != nil {
		return nil, err
	}
	return p.frames, nil
}

type line struct {
	no   int
	text string
}

// parser holds the view being built and the frames emitted so far.
type parser struct {
	view     session.Viewport
	initial  core.Number
	width    int
	height   int
	bits     int // 0: auto
	iters    int // 0: auto
	step     int
	scaleSet bool
	line     int // line of the directive being executed
	executed int
	frames   []Frame
}

func newParser() *parser {
	v := session.Home(defaultWidth)
	return &parser{
		view:    v,
		initial: v.Scale(),
		width:   defaultWidth,
		height:  defaultHeight,
		step:    1,
	}
}

// run executes lines in order, expanding iterate blocks as they appear.
func (p *parser) run(lines []line) error {
	for i := 0; i < len(lines); i++ {
		fields := strings.Fields(lines[i].text)
		if fields[0] != "iterate" {
			p.line = lines[i].no
			if p.executed++; p.executed > maxDirectives {
				return lineErr(p.line, ErrTooLong)
			}
			if err := p.directive(fields); err != nil {
				return lineErr(lines[i].no, err)
			}
			continue
		}
		next, err := p.iterate(lines, i, fields)
		if err != nil {
			return err
		}
		i = next
	}
	return nil
}

func lineErr(no int, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Line: no, Err: err}
}

// iterate expands the block opened at lines[idx] and returns the index of its
// closing brace.
func (p *parser) iterate(lines []line, idx int, fields []string) (int, error) {
	head := lines[idx]
	open := fields[len(fields)-1] == "{"
	if open {
		fields = fields[:len(fields)-1]
	}
	if len(fields) != 4 {
		return idx, lineErr(head.no, fmt.Errorf("invalid iterate spec: %s", head.text))
	}
	name, start, end, err := parseIterateParams(fields)
	if err != nil {
		return idx, lineErr(head.no, err)
	}

	blockStart := idx
	if !open {
		blockStart++
		if blockStart >= len(lines) || lines[blockStart].text != "{" {
			return idx, lineErr(head.no, errors.New("missing '{' after iterate"))
		}
	}
	block, blockEnd, err := collectBlockLines(lines, blockStart)
	if err != nil {
		return idx, lineErr(head.no, err)
	}

	stride := 1
	if end < start {
		stride = -1
	}
	for v := start; ; v += stride {
		if err := p.run(expandVariable(block, name, v)); err != nil {
			return idx, err
		}
		if v == end {
			break
		}
	}
	return blockEnd, nil
}

// parseIterateParams extracts the variable name and the inclusive range.
func parseIterateParams(fields []string) (name string, start, end int, err error) {
	name = fields[1]
	if name == "" || strings.ContainsAny(name, "${}") {
		return "", 0, 0, fmt.Errorf("invalid iterate variable %q", name)
	}
	start, err = strconv.Atoi(fields[2])
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid iterate start %q: %v", fields[2], err)
	}
	end, err = strconv.Atoi(fields[3])
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid iterate end %q: %v", fields[3], err)
	}
	return name, start, end, nil
}

// collectBlockLines gathers the lines between the brace at lines[open] and its
// matching closing brace, nested blocks included.
func collectBlockLines(lines []line, open int) ([]line, int, error) {
	depth := 1
	for i := open + 1; i < len(lines); i++ {
		text := lines[i].text
		switch {
		case text == "}":
			depth--
			if depth == 0 {
				return lines[open+1 : i], i, nil
			}
		case text == "{" || strings.HasSuffix(text, "{"):
			depth++
		}
	}
	return nil, len(lines), errors.New("unterminated iterate block")
}

// expandVariable substitutes $name with value in every line of block.
func expandVariable(block []line, name string, value int) []line {
	out := make([]line, len(block))
	ref, val := "$"+name, strconv.Itoa(value)
	for i, l := range block {
		out[i] = line{no: l.no, text: strings.ReplaceAll(l.text, ref, val)}
	}
	return out
}

func (p *parser) directive(fields []string) error {
	args := fields[1:]
	switch fields[0] {
	case "precision":
		return p.setPrecision(args)
	case "size":
		return p.setSize(args)
	case "center":
		return p.setCenter(args)
	case "scale":
		return p.setScale(args)
	case "iterations":
		return p.setIterations(args)
	case "step":
		n, err := intArgs(args, 1)
		if err != nil {
			return err
		}
		if n[0] < 1 {
			return fmt.Errorf("step must be positive, got %d", n[0])
		}
		p.step = n[0]
	case "zoom":
		return p.zoom(args)
	case "pan":
		n, err := intArgs(args, 2)
		if err != nil {
			return err
		}
		p.view = p.view.Pan(n[0], n[1])
	case "render":
		return p.render(args)
	default:
		return fmt.Errorf("unknown directive: %s", fields[0])
	}
	return nil
}

func (p *parser) setPrecision(args []string) error {
	if len(args) != 1 {
		return errors.New("precision takes one argument")
	}
	if args[0] == "auto" {
		p.bits = 0
	} else {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 64 {
			return fmt.Errorf("invalid precision %q", args[0])
		}
		p.bits = n
	}
	p.view = p.view.WithPrecision(p.bits)
	return nil
}

func (p *parser) setSize(args []string) error {
	n, err := intArgs(args, 2)
	if err != nil {
		return err
	}
	w, h := n[0], n[1]
	if w < 1 || h < 1 || w > model.MaxDimension || h > model.MaxDimension {
		return fmt.Errorf("image size %dx%d out of range", w, h)
	}
	p.width, p.height = w, h
	if !p.scaleSet {
		// Keep the home framing for the new width.
		re, im := p.view.Center()
		v, err := session.New(re, im, session.Home(w).Scale())
		if err != nil {
			return err
		}
		p.view = v.WithPrecision(p.bits)
		p.initial = v.Scale()
	}
	return nil
}

func (p *parser) prec() uint {
	return uint(max(parsePrec, p.bits))
}

func (p *parser) setCenter(args []string) error {
	if len(args) != 2 {
		return errors.New("center takes two arguments")
	}
	re, err := core.Parse(args[0], p.prec())
	if err != nil {
		return err
	}
	im, err := core.Parse(args[1], p.prec())
	if err != nil {
		return err
	}
	v, err := session.New(re, im, p.view.Scale())
	if err != nil {
		return err
	}
	p.view = v.WithPrecision(p.bits)
	return nil
}

func (p *parser) setScale(args []string) error {
	if len(args) != 1 {
		return errors.New("scale takes one argument")
	}
	s, err := core.Parse(args[0], p.prec())
	if err != nil {
		return err
	}
	re, im := p.view.Center()
	v, err := session.New(re, im, s)
	if err != nil {
		return err
	}
	p.view = v.WithPrecision(p.bits)
	if !p.scaleSet {
		p.initial = s
		p.scaleSet = true
	}
	return nil
}

func (p *parser) setIterations(args []string) error {
	if len(args) != 1 {
		return errors.New("iterations takes one argument")
	}
	if args[0] == "auto" {
		p.iters = 0
		return nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return fmt.Errorf("invalid iteration budget %q", args[0])
	}
	p.iters = n
	return nil
}

func (p *parser) zoom(args []string) error {
	if len(args) != 1 && len(args) != 3 {
		return errors.New("zoom takes a shift and an optional pixel offset")
	}
	n, err := intArgs(args, len(args))
	if err != nil {
		return err
	}
	dx, dy := 0, 0
	if len(n) == 3 {
		dx, dy = n[1], n[2]
	}
	k := n[0]
	// Shifts beyond one step are applied in MaxZoomShift pieces.
	for k != 0 {
		s := max(-session.MaxZoomShift, min(session.MaxZoomShift, k))
		p.view = p.view.ZoomAt(dx, dy, s)
		k -= s
	}
	return nil
}

func (p *parser) render(args []string) error {
	if len(args) != 0 {
		return errors.New("render takes no arguments")
	}
	if len(p.frames) >= MaxFrames {
		return ErrTooManyFrames
	}
	snap := p.view.Snapshot(p.width, p.height, p.step, p.iters)
	if err := snap.Validate(); err != nil {
		return err
	}
	p.frames = append(p.frames, Frame{
		Index:        len(p.frames),
		Line:         p.line,
		Snapshot:     snap,
		InitialScale: p.initial,
	})
	return nil
}

func intArgs(args []string, n int) ([]int, error) {
	if len(args) != n {
		return nil, fmt.Errorf("want %d arguments, got %d", n, len(args))
	}
	out := make([]int, n)
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", a)
		}
		out[i] = v
	}
	return out, nil
}
