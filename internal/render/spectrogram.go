// Package render encodes composed spectrogram images using fogleman/gg.
package render

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/iqtiles/server/internal/pipeline"
)

// Config contains renderer configuration.
type Config struct {
	ThumbnailWidth  int
	ThumbnailHeight int
}

// Selection marks a frequency band as fractions of the displayed bandwidth,
// each in [-0.5, 0.5] with 0 at the center frequency.
type Selection struct {
	Lower float64
	Upper float64
}

// Renderer turns composite images into PNGs and stream frames.
type Renderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewRenderer creates a new renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.ThumbnailWidth <= 0 {
		cfg.ThumbnailWidth = 256
	}
	if cfg.ThumbnailHeight <= 0 {
		cfg.ThumbnailHeight = 128
	}
	return &Renderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.ThumbnailWidth, cfg.ThumbnailHeight)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 256*1024))
			},
		},
	}
}

// EncodePNG encodes img, drawing sel on a copy when given.
func (r *Renderer) EncodePNG(img *pipeline.CompositeImage, sel *Selection) ([]byte, error) {
	rgba := img.RGBA()
	if sel != nil {
		rgba = cloneRGBA(rgba)
		drawSelection(rgba, *sel)
	}
	return r.encode(rgba)
}

// Thumbnail scales img into the configured thumbnail size.
func (r *Renderer) Thumbnail(img *pipeline.CompositeImage) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.Push()
	defer dc.Pop()
	dc.SetColor(color.Black)
	dc.Clear()
	if img.Width > 0 && img.Height > 0 {
		dc.Scale(float64(r.config.ThumbnailWidth)/float64(img.Width), float64(r.config.ThumbnailHeight)/float64(img.Height))
		dc.DrawImage(img.RGBA(), 0, 0)
	}
	return r.encode(dc.Image())
}

// EmptyPNG returns a fully transparent width x height image.
func (r *Renderer) EmptyPNG(width, height int) ([]byte, error) {
	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}
	return r.encode(image.NewRGBA(image.Rect(0, 0, width, height)))
}

// Frame packs img as a little endian uint32 width, uint32 height and the raw RGBA bytes.
func Frame(img *pipeline.CompositeImage) []byte {
	out := make([]byte, 8+len(img.Pix))
	binary.LittleEndian.PutUint32(out[0:], uint32(img.Width))
	binary.LittleEndian.PutUint32(out[4:], uint32(img.Height))
	copy(out[8:], img.Pix)
	return out
}

func (r *Renderer) encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}

// drawSelection shades the selected band and draws its two edge lines.
func drawSelection(img *image.RGBA, sel Selection) {
	w := float64(img.Rect.Dx())
	h := float64(img.Rect.Dy())
	lo, hi := sel.Lower, sel.Upper
	if lo > hi {
		lo, hi = hi, lo
	}
	x1 := (clampFraction(lo) + 0.5) * w
	x2 := (clampFraction(hi) + 0.5) * w

	dc := gg.NewContextForRGBA(img)
	dc.SetRGBA(1, 1, 1, 0.2)
	dc.DrawRectangle(x1, 0, x2-x1, h)
	dc.Fill()

	dc.SetRGBA(1, 0, 0, 1)
	dc.SetLineWidth(2)
	for _, x := range []float64{x1, x2} {
		dc.DrawLine(x, 0, x, h)
		dc.Stroke()
	}
}

func clampFraction(v float64) float64 {
	switch {
	case v < -0.5:
		return -0.5
	case v > 0.5:
		return 0.5
	}
	return v
}

// ThumbnailSize returns the configured thumbnail dimensions.
func (r *Renderer) ThumbnailSize() (width, height int) {
	return r.config.ThumbnailWidth, r.config.ThumbnailHeight
}
