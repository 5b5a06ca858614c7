package pipeline

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// Window names a frame weighting function.
type Window string

const (
	WindowRectangular Window = "rectangular"
	WindowHamming     Window = "hamming"
	WindowHanning     Window = "hanning"
	WindowBartlett    Window = "bartlett"
	WindowBlackman    Window = "blackman"
)

// ParseWindow resolves a window name. The empty string selects rectangular.
func ParseWindow(name string) (Window, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "rectangular", "rect", "none":
		return WindowRectangular, nil
	case "hamming":
		return WindowHamming, nil
	case "hanning", "hann":
		return WindowHanning, nil
	case "bartlett":
		return WindowBartlett, nil
	case "blackman":
		return WindowBlackman, nil
	}
	return "", fmt.Errorf("%w: unknown window %q", ErrInvalidParam, name)
}

// Windows lists the canonical window names.
func Windows() []Window {
	return []Window{WindowRectangular, WindowHamming, WindowHanning, WindowBartlett, WindowBlackman}
}

type windowKey struct {
	w Window
	n int
}

var windowCache sync.Map // windowKey -> []float64

// WindowWeights returns the n weights of w. The slice is shared; do not modify it.
func WindowWeights(w Window, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if canonical, err := ParseWindow(string(w)); err == nil {
		w = canonical
	}
	key := windowKey{w, n}
	if v, ok := windowCache.Load(key); ok {
		return v.([]float64)
	}
	v, _ := windowCache.LoadOrStore(key, computeWindow(w, n))
	return v.([]float64)
}

func computeWindow(w Window, n int) []float64 {
	switch w {
	case WindowHamming:
		return window.Hamming(n)
	case WindowHanning:
		return window.Hann(n)
	case WindowBartlett:
		out := make([]float64, n)
		if n == 1 {
			out[0] = 1
			return out
		}
		m := float64(n - 1)
		for i := range out {
			out[i] = (2/m)*(m/2) - math.Abs(float64(i)-m/2)
		}
		return out
	case WindowBlackman:
		out := make([]float64, n)
		fn := float64(n)
		for i := range out {
			x := float64(i)
			out[i] = 0.42 - 0.5*math.Cos(2*math.Pi*x/fn) + 0.08*math.Cos(4*math.Pi*x/fn)
		}
		return out
	default:
		return window.Rectangular(n)
	}
}

// Transform splits a processed tile into fftSize frames, windows each frame
// and returns its DFT. A trailing partial frame is zero padded.
func Transform(tile ProcessedTile, fftSize int, w Window) FrameSet {
	if fftSize <= 0 {
		return nil
	}
	samples := len(tile) / 2
	frames := FramesPerTile(samples, fftSize)
	weights := WindowWeights(w, fftSize)

	out := make(FrameSet, frames)
	buf := make([]complex128, fftSize)
	for f := 0; f < frames; f++ {
		base := f * fftSize
		for n := 0; n < fftSize; n++ {
			i := base + n
			if i >= samples {
				buf[n] = 0
				continue
			}
			buf[n] = complex(float64(tile[2*i])*weights[n], float64(tile[2*i+1])*weights[n])
		}
		// fft.FFT returns a fresh slice, so buf can be reused.
		out[f] = fft.FFT(buf)
	}
	return out
}
