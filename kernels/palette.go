package kernels

import (
	"fmt"
	"image/color"
	"math"
	"strings"
)

// ColorFn maps a kernel result to a pixel colour.
type ColorFn func(res Result, maxIter int) color.RGBA

// Palette codes. Interior points are opaque black under every palette.
type Palette uint8

const (
	PaletteSine   Palette = iota // three phase-shifted sines over iter/maxIter
	PaletteSmooth                // sines over the smooth iteration value, band free
	PaletteWheel                 // 1530-step RGB colour wheel
	PaletteGray                  // linear grey ramp
)

// Palettes maps palette codes to colouring functions.
var Palettes = [...]ColorFn{
	PaletteSine:   sinePalette,
	PaletteSmooth: smoothPalette,
	PaletteWheel:  wheelPalette,
	PaletteGray:   grayPalette,
}

var paletteNames = [...]string{
	PaletteSine:   "sine",
	PaletteSmooth: "smooth",
	PaletteWheel:  "wheel",
	PaletteGray:   "gray",
}

func (p Palette) String() string {
	if int(p) < len(paletteNames) {
		return paletteNames[p]
	}
	return fmt.Sprintf("palette(%d)", uint8(p))
}

// Valid reports whether p names a known palette.
func (p Palette) Valid() bool {
	return int(p) < len(Palettes)
}

// ParsePalette maps a palette name to its code.
func ParsePalette(s string) (Palette, error) {
	for i, name := range paletteNames {
		if strings.EqualFold(s, name) {
			return Palette(i), nil
		}
	}
	return 0, fmt.Errorf("kernels: unknown palette %q", s)
}

func (p Palette) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("kernels: invalid palette %d", uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Palette) UnmarshalText(text []byte) error {
	v, err := ParsePalette(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

var black = color.RGBA{0, 0, 0, 255}

// Colorize colours res with palette p; unknown palettes fall back to sine.
func Colorize(res Result, maxIter int, p Palette) color.RGBA {
	if !res.Escaped {
		return black
	}
	if !p.Valid() {
		p = PaletteSine
	}
	return Palettes[p](res, maxIter)
}

func sineRGB(t float64) color.RGBA {
	const tau = 2 * math.Pi
	r := 0.5 + 0.5*math.Sin(tau*(t*3.0+0.00))
	g := 0.5 + 0.5*math.Sin(tau*(t*3.0+0.33))
	b := 0.5 + 0.5*math.Sin(tau*(t*3.0+0.66))
	return color.RGBA{uint8(r * 255), uint8(g * 255), uint8(b * 255), 255}
}

func sinePalette(res Result, maxIter int) color.RGBA {
	if maxIter <= 0 {
		return black
	}
	return sineRGB(float64(res.Iterations) / float64(maxIter))
}

func smoothPalette(res Result, _ int) color.RGBA {
	// Fixed period so colours stay put when the iteration budget grows.
	return sineRGB(math.Max(0, res.Smooth) / 64)
}

// wheel is the 255×6 step walk red → yellow → green → cyan → blue → magenta → red.
var wheel = func() [1530]color.RGBA {
	var w [1530]color.RGBA
	for i := 0; i < 255; i++ {
		v := uint8(i)
		w[i] = color.RGBA{255, v, 0, 255}
		w[255+i] = color.RGBA{255 - v, 255, 0, 255}
		w[510+i] = color.RGBA{0, 255, v, 255}
		w[765+i] = color.RGBA{0, 255 - v, 255, 255}
		w[1020+i] = color.RGBA{v, 0, 255, 255}
		w[1275+i] = color.RGBA{255, 0, 255 - v, 255}
	}
	return w
}()

func wheelPalette(res Result, _ int) color.RGBA {
	// Eight wheel steps per iteration gives a usable colour density.
	return wheel[(res.Iterations*8)%len(wheel)]
}

func grayPalette(res Result, maxIter int) color.RGBA {
	if maxIter <= 0 {
		return black
	}
	v := uint8(255 * float64(res.Iterations) / float64(maxIter))
	return color.RGBA{v, v, v, 255}
}
