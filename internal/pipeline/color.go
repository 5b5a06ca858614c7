package pipeline

import "github.com/iqtiles/server/pkg/colormap"

// Colorize paints pixel rows through palette into an fftSize-wide RGBA buffer.
// Rows shorter than fftSize are padded with palette entry 0.
func Colorize(pixels PixelTile, palette *colormap.Palette, fftSize int) ColorTile {
	out := make(ColorTile, fftSize*len(pixels)*4)
	for i, row := range pixels {
		line := out[i*fftSize*4 : (i+1)*fftSize*4]
		for j := 0; j < fftSize; j++ {
			idx := 0
			if j < len(row) {
				idx = int(row[j])
			}
			c := palette.At(idx)
			line[j*4] = c.R
			line[j*4+1] = c.G
			line[j*4+2] = c.B
			line[j*4+3] = c.A
		}
	}
	return out
}
