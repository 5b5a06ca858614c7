// Package pipeline turns raw IQ sample tiles into spectrogram images.
//
// Every stage is keyed by tile index: conditioning (FIR taps and custom
// transforms), windowed FFT, dB magnitude with FFT-shift, pixel scaling
// against ever-widening magnitude bounds, palette lookup, and finally the
// compositor that stitches a fractional tile range into one RGBA buffer.
package pipeline

import (
	"context"
	"errors"
	"image"
)

const (
	// DefaultTileSampleCount is the number of IQ samples held by one tile.
	DefaultTileSampleCount = 65536

	// DefaultFFTSize is the frame length used when none is configured.
	DefaultFFTSize = 1024

	// PlaceholderByte fills tiles that have not been loaded yet.
	PlaceholderByte = 0xff

	// MidGray is the pixel value used when the magnitude range is degenerate.
	MidGray = 128
)

var (
	// ErrInvalidParam is returned for unusable pipeline parameters.
	ErrInvalidParam = errors.New("invalid pipeline parameter")

	// ErrOutOfRange is returned by sources for tiles past the end of a recording.
	ErrOutOfRange = errors.New("tile out of range")

	// ErrSuperseded is returned when parameters kept changing while a render
	// was computing its tiles.
	ErrSuperseded = errors.New("parameters changed during render")
)

// RawTile holds interleaved I/Q float32 pairs as read from a recording.
type RawTile []float32

// ProcessedTile has the same layout as RawTile after conditioning.
type ProcessedTile []float32

// FrameSet holds one complex spectrum per frame of a tile.
type FrameSet [][]complex128

// MagnitudeTile holds FFT-shifted dB rows and their extremes.
type MagnitudeTile struct {
	Rows [][]float64
	Min  float64
	Max  float64
}

// PixelTile holds 8-bit intensity rows.
type PixelTile [][]uint8

// ColorTile is a row-major RGBA buffer, fftSize columns by frame rows.
type ColorTile []byte

// CompositeImage is the assembled RGBA buffer for a visible range.
// Missing lists the tiles drawn as placeholders.
type CompositeImage struct {
	Width   int
	Height  int
	Pix     []byte
	Missing []int
}

// Complete reports whether every tile in range was drawn from data.
func (c *CompositeImage) Complete() bool {
	return len(c.Missing) == 0
}

// RGBA wraps the composite pixels without copying.
func (c *CompositeImage) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    c.Pix,
		Stride: c.Width * 4,
		Rect:   image.Rect(0, 0, c.Width, c.Height),
	}
}

// TileSource supplies raw tiles by index.
type TileSource interface {
	Fetch(ctx context.Context, index int) (RawTile, error)
}

// RangeSource is a TileSource that can read a run of contiguous tiles in one request.
// It may return fewer tiles than requested at the end of a recording.
type RangeSource interface {
	TileSource
	FetchRange(ctx context.Context, start, count int) ([]RawTile, error)
}

// CustomTransform is a user-supplied conditioning step applied after the FIR filter.
// Implementations must not retain or mutate the input slice.
type CustomTransform interface {
	ID() string
	Transform(samples []float32, taps []complex128) ([]float32, error)
}

// FramesPerTile returns how many fftSize frames one tile yields.
// A trailing partial frame counts as a frame and is zero padded.
func FramesPerTile(tileSamples, fftSize int) int {
	if fftSize <= 0 || tileSamples <= 0 {
		return 0
	}
	return (tileSamples + fftSize - 1) / fftSize
}

// fitTile copies samples into a buffer of exactly tileSamples I/Q pairs.
func fitTile(samples []float32, tileSamples int) []float32 {
	want := tileSamples * 2
	if len(samples) == want {
		return samples
	}
	out := make([]float32, want)
	copy(out, samples)
	return out
}
