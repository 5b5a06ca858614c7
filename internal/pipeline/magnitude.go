package pipeline

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// marginScale and marginOffset squeeze normalized intensities into 50..200
// so values beyond the configured bounds keep some headroom before clipping.
const (
	marginScale  = 0.588
	marginOffset = 50
)

// FFTShift returns x with its halves swapped so the zero-frequency bin is centered.
// For odd lengths the first half holds len(x)/2 elements.
func FFTShift(x []float64) []float64 {
	n := len(x)
	out := make([]float64, n)
	half := n / 2
	copy(out, x[half:])
	copy(out[n-half:], x[:half])
	return out
}

// ToMagnitude converts every spectrum to FFT-shifted dB. Non-finite values become 0.
func ToMagnitude(frames FrameSet) MagnitudeTile {
	tile := MagnitudeTile{Rows: make([][]float64, len(frames))}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, spectrum := range frames {
		mags := make([]float64, len(spectrum))
		for k, c := range spectrum {
			mags[k] = math.Sqrt(real(c)*real(c) + imag(c)*imag(c))
		}
		row := FFTShift(mags)
		for k, m := range row {
			db := 10 * math.Log10(m)
			if math.IsNaN(db) || math.IsInf(db, 0) {
				db = 0
			}
			row[k] = db
		}
		tile.Rows[i] = row
		if len(row) > 0 {
			lo = math.Min(lo, floats.Min(row))
			hi = math.Max(hi, floats.Max(row))
		}
	}
	if math.IsInf(lo, 1) {
		lo, hi = 0, 0
	}
	tile.Min, tile.Max = lo, hi
	return tile
}

// Bounds is the running magnitude range used for pixel scaling.
// It only widens until Reset is called.
type Bounds struct {
	mu  sync.Mutex
	min float64
	max float64
}

// NewBounds creates bounds seeded with min and max.
func NewBounds(min, max float64) *Bounds {
	return &Bounds{min: min, max: max}
}

// Get returns the current range.
func (b *Bounds) Get() (min, max float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.min, b.max
}

// Expand widens the range to include [lo, hi] and reports whether it changed.
func (b *Bounds) Expand(lo, hi float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	widened := false
	if hi > b.max {
		b.max = hi
		widened = true
	}
	if lo < b.min {
		b.min = lo
		widened = true
	}
	return widened
}

// Reset replaces the range with user supplied values.
func (b *Bounds) Reset(min, max float64) {
	b.mu.Lock()
	b.min, b.max = min, max
	b.mu.Unlock()
}

// ToPixels widens bounds by the tile's extremes and scales the tile against the result.
func ToPixels(tile MagnitudeTile, bounds *Bounds) PixelTile {
	bounds.Expand(tile.Min, tile.Max)
	min, max := bounds.Get()
	return ScalePixels(tile, min, max)
}

// ScalePixels maps dB rows to 0..255 intensities for a fixed range.
// A degenerate or non-finite range yields a flat MidGray tile.
func ScalePixels(tile MagnitudeTile, min, max float64) PixelTile {
	span := max - min
	flat := span == 0 || math.IsNaN(span) || math.IsInf(span, 0)

	out := make(PixelTile, len(tile.Rows))
	for i, row := range tile.Rows {
		px := make([]uint8, len(row))
		for k, x := range row {
			if flat {
				px[k] = MidGray
				continue
			}
			v := (x - max) / span * 255
			v = v*marginScale + marginOffset
			v = v/(span/255) - min
			px[k] = clipByte(v)
		}
		out[i] = px
	}
	return out
}

func clipByte(v float64) uint8 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}
