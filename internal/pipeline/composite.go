package pipeline

import "math"

// View is a fractional tile range plus a row decimation factor.
type View struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Zoom  int     `json:"zoom"`
}

// Tiles returns the integer tiles covering the view, or nil when the view is empty.
func (v View) Tiles() []int {
	if !validRange(v.Lower, v.Upper) {
		return nil
	}
	first := int(math.Floor(v.Lower))
	last := int(math.Ceil(v.Upper))
	if last <= first {
		return nil
	}
	out := make([]int, 0, last-first)
	for i := first; i < last; i++ {
		out = append(out, i)
	}
	return out
}

// TileCount returns len(v.Tiles()) without building the slice. Counts above
// math.MaxInt32 are reported as math.MaxInt32.
func (v View) TileCount() int {
	if !validRange(v.Lower, v.Upper) {
		return 0
	}
	n := math.Ceil(v.Upper) - math.Floor(v.Lower)
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

func validRange(lower, upper float64) bool {
	if math.IsNaN(lower) || math.IsNaN(upper) || math.IsInf(upper, 0) {
		return false
	}
	return lower >= 0 && upper >= 0 && lower < upper
}

// Composite assembles tiles [floor(lower), ceil(upper)) into one image, trims
// the rows outside [lower, upper) and keeps every zoom-th row. Tiles absent from
// tiles, or of the wrong size, become PlaceholderByte blocks. It returns nil when
// the range is empty or decimation leaves no rows.
func Composite(lower, upper float64, fftSize, rowsPerTile int, tiles map[int]ColorTile, zoom int) *CompositeImage {
	if !validRange(lower, upper) || fftSize <= 0 || rowsPerTile <= 0 {
		return nil
	}
	first := int(math.Floor(lower))
	last := int(math.Ceil(upper))
	count := last - first
	if count <= 0 {
		return nil
	}

	rowBytes := fftSize * 4
	tileBytes := rowBytes * rowsPerTile
	all := make([]byte, count*tileBytes)
	for i := 0; i < count; i++ {
		dst := all[i*tileBytes : (i+1)*tileBytes]
		if t, ok := tiles[first+i]; ok && len(t) == tileBytes {
			copy(dst, t)
			continue
		}
		for j := range dst {
			dst[j] = PlaceholderByte
		}
	}

	// Trimming is frame aligned: partial rows are never cut.
	lowerTrim := int(math.Floor((lower - float64(first)) * float64(rowsPerTile)))
	upperTrim := int(math.Floor((float64(last) - upper) * float64(rowsPerTile)))
	rows := count*rowsPerTile - lowerTrim - upperTrim
	if rows <= 0 {
		return nil
	}
	pix := all[lowerTrim*rowBytes : (lowerTrim+rows)*rowBytes]

	if zoom > 1 {
		kept := rows / zoom
		if kept == 0 {
			return nil
		}
		dec := make([]byte, kept*rowBytes)
		for i := 0; i < kept; i++ {
			src := i * zoom * rowBytes
			copy(dec[i*rowBytes:(i+1)*rowBytes], pix[src:src+rowBytes])
		}
		pix, rows = dec, kept
	}

	return &CompositeImage{Width: fftSize, Height: rows, Pix: pix}
}
