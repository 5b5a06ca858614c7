// Package colormap provides the color schemes used to paint spectrogram pixels.
package colormap

import (
	"fmt"
	"image/color"
	"sort"
	"strings"
)

// PaletteSize is the number of entries in a lookup palette.
const PaletteSize = 256

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	return c.rgba(t)
}

func (c LinearColormap) rgba(t float64) color.RGBA {
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

// Palette samples the colormap into a 256-entry lookup table.
func (c LinearColormap) Palette() *Palette {
	var p Palette
	for i := range p {
		p[i] = c.rgba(float64(i) / float64(PaletteSize-1))
	}
	return &p
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R)) + 0.5),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G)) + 0.5),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B)) + 0.5),
		A: 255,
	}
}

// Palette is an indexed color table addressed by pixel intensity.
type Palette [PaletteSize]color.RGBA

// At returns entry i. Indexes outside the table resolve to entry 0.
func (p *Palette) At(i int) color.RGBA {
	if i < 0 || i >= PaletteSize {
		return p[0]
	}
	return p[i]
}

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Plasma colormap
var Plasma = LinearColormap{
	colors: []color.RGBA{
		{13, 8, 135, 255},
		{75, 3, 161, 255},
		{125, 3, 168, 255},
		{168, 34, 150, 255},
		{203, 70, 121, 255},
		{229, 107, 93, 255},
		{248, 148, 65, 255},
		{253, 195, 40, 255},
		{240, 249, 33, 255},
	},
}

// Inferno colormap
var Inferno = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	},
}

// Magma colormap
var Magma = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

// Turbo colormap (Google turbo, coarse anchors)
var Turbo = LinearColormap{
	colors: []color.RGBA{
		{48, 18, 59, 255},
		{70, 107, 227, 255},
		{40, 187, 236, 255},
		{50, 242, 152, 255},
		{164, 252, 60, 255},
		{237, 208, 58, 255},
		{251, 128, 34, 255},
		{210, 49, 5, 255},
		{122, 4, 3, 255},
	},
}

// Jet colormap
var Jet = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 131, 255},
		{0, 60, 170, 255},
		{5, 255, 255, 255},
		{255, 255, 0, 255},
		{250, 0, 0, 255},
		{128, 0, 0, 255},
	},
}

// Gray colormap
var Gray = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 0, 255},
		{255, 255, 255, 255},
	},
}

var named = map[string]LinearColormap{
	"viridis": Viridis,
	"plasma":  Plasma,
	"inferno": Inferno,
	"magma":   Magma,
	"turbo":   Turbo,
	"jet":     Jet,
	"gray":    Gray,
}

var palettes = func() map[string]*Palette {
	out := make(map[string]*Palette, len(named))
	for name, cm := range named {
		out[name] = cm.Palette()
	}
	return out
}()

// Lookup returns the shared palette registered under name.
// Callers must not modify the returned table.
func Lookup(name string) (*Palette, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "grey" {
		key = "gray"
	}
	p, ok := palettes[key]
	if !ok {
		return nil, fmt.Errorf("unknown colormap %q", name)
	}
	return p, nil
}

// Names lists the registered colormaps in sorted order.
func Names() []string {
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
